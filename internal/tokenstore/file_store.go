package tokenstore

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sync"
)

// FileStore keeps tokens in a single JSON file, read and written wholesale
// on every access. A process-wide mutex enforces one writer at a time so
// overlapping installs of different shops cannot tear each other's entries.
type FileStore struct {
	path string
	mu   sync.Mutex
}

// NewFileStore creates a token store backed by the JSON file at path.
// The file does not need to exist yet; a missing or empty file reads as
// an empty map.
func NewFileStore(path string) *FileStore {
	return &FileStore{path: path}
}

func (f *FileStore) Get(ctx context.Context, shop string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	tokens, err := f.load()
	if err != nil {
		return "", err
	}
	token, ok := tokens[shop]
	if !ok || token == "" {
		return "", ErrNotFound
	}
	return token, nil
}

func (f *FileStore) Put(ctx context.Context, shop, token string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	tokens, err := f.load()
	if err != nil {
		return err
	}
	tokens[shop] = token
	return f.save(tokens)
}

// load reads the whole token map. First-run conditions (missing file,
// empty file) are treated as an empty map, not an error.
func (f *FileStore) load() (map[string]string, error) {
	data, err := os.ReadFile(f.path)
	if err != nil {
		if os.IsNotExist(err) {
			return make(map[string]string), nil
		}
		return nil, fmt.Errorf("read token file: %w", err)
	}
	if len(data) == 0 {
		return make(map[string]string), nil
	}

	tokens := make(map[string]string)
	if err := json.Unmarshal(data, &tokens); err != nil {
		return nil, fmt.Errorf("parse token file: %w", err)
	}
	return tokens, nil
}

// save writes the whole map atomically: temp file then rename, so a crash
// mid-write never leaves a truncated token file behind.
func (f *FileStore) save(tokens map[string]string) error {
	data, err := json.MarshalIndent(tokens, "", "  ")
	if err != nil {
		return fmt.Errorf("encode token file: %w", err)
	}

	tmp := f.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("write token file: %w", err)
	}
	if err := os.Rename(tmp, f.path); err != nil {
		return fmt.Errorf("replace token file: %w", err)
	}
	return nil
}
