// Package oauth implements the app install flow.
//
// Install model:
// - GET /oauth redirects the merchant to the shop's authorize page with
//   a single-use state nonce
// - GET /oauth/callback verifies shop, state, and HMAC, then exchanges
//   the grant code for a permanent Admin API token and persists it
package oauth

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/jouetmalins/casino-backend/internal/logging"
	"github.com/jouetmalins/casino-backend/internal/metrics"
	"github.com/jouetmalins/casino-backend/internal/security"
	"github.com/jouetmalins/casino-backend/internal/signature"
	"github.com/jouetmalins/casino-backend/internal/tokenstore"
	"github.com/jouetmalins/casino-backend/internal/validation"
)

// Errors
var (
	ErrShopNotAllowed = errors.New("shop is not on the install allowlist")
	ErrInvalidShop    = errors.New("invalid shop domain")
	ErrBadState       = errors.New("unknown or expired state")
	ErrBadSignature   = errors.New("callback signature verification failed")
	ErrExchangeFailed = errors.New("code exchange failed")
	ErrMissingCode    = errors.New("callback is missing the grant code")
)

// stateTTL bounds how long a pending install may sit between redirect
// and callback.
const stateTTL = 10 * time.Minute

type pendingState struct {
	shop      string
	expiresAt time.Time
}

// Installer drives the OAuth grant flow for one app.
type Installer struct {
	clientID     string
	clientSecret string
	appURL       string
	scopes       string
	allowedShop  string // empty allows any shop
	tokens       tokenstore.Store
	client       *http.Client

	mu     sync.Mutex
	states map[string]pendingState

	// endpointFor builds the token exchange URL for a shop. Overridden
	// in tests to point at a local double.
	endpointFor func(shop string) string
	// validateEndpoint rejects exchange URLs that resolve to internal
	// addresses. Disabled when endpointFor is overridden, since test
	// doubles listen on loopback.
	validateEndpoint func(string) error
}

// Option configures the installer.
type Option func(*Installer)

// WithAllowedShop restricts installs to a single shop domain.
func WithAllowedShop(shop string) Option {
	return func(i *Installer) { i.allowedShop = tokenstore.NormalizeShop(shop) }
}

// WithHTTPClient overrides the HTTP client used for the code exchange.
func WithHTTPClient(c *http.Client) Option {
	return func(i *Installer) { i.client = c }
}

// WithExchangeEndpoint overrides the token exchange URL builder (for tests).
func WithExchangeEndpoint(fn func(shop string) string) Option {
	return func(i *Installer) {
		i.endpointFor = fn
		i.validateEndpoint = nil
	}
}

// NewInstaller creates an installer for the app identified by clientID.
func NewInstaller(clientID, clientSecret, appURL, scopes string, tokens tokenstore.Store, opts ...Option) *Installer {
	i := &Installer{
		clientID:     clientID,
		clientSecret: clientSecret,
		appURL:       strings.TrimSuffix(appURL, "/"),
		scopes:       scopes,
		tokens:       tokens,
		client:       &http.Client{Timeout: 15 * time.Second},
		states:       make(map[string]pendingState),
	}
	i.endpointFor = func(shop string) string {
		return "https://" + shop + "/admin/oauth/access_token"
	}
	i.validateEndpoint = security.ValidateEndpointURL
	for _, opt := range opts {
		opt(i)
	}
	return i
}

// AuthURL builds the authorize redirect for a shop and records the
// single-use state nonce.
func (i *Installer) AuthURL(shop string) (string, error) {
	shop = validation.SanitizeShopDomain(shop)
	if !validation.IsValidShopDomain(shop) {
		return "", ErrInvalidShop
	}
	if i.allowedShop != "" && shop != i.allowedShop {
		return "", ErrShopNotAllowed
	}

	state, err := newState()
	if err != nil {
		return "", err
	}

	i.mu.Lock()
	i.pruneLocked()
	i.states[state] = pendingState{shop: shop, expiresAt: time.Now().Add(stateTTL)}
	i.mu.Unlock()

	q := url.Values{}
	q.Set("client_id", i.clientID)
	q.Set("scope", i.scopes)
	q.Set("redirect_uri", i.appURL+"/oauth/callback")
	q.Set("state", state)

	return "https://" + shop + "/admin/oauth/authorize?" + q.Encode(), nil
}

// HandleCallback verifies the grant callback and stores the exchanged
// token. Returns the shop the install completed for.
func (i *Installer) HandleCallback(ctx context.Context, query url.Values) (string, error) {
	shop := validation.SanitizeShopDomain(query.Get("shop"))
	if !validation.IsValidShopDomain(shop) {
		return "", ErrInvalidShop
	}
	if i.allowedShop != "" && shop != i.allowedShop {
		return "", ErrShopNotAllowed
	}

	if !i.consumeState(query.Get("state"), shop) {
		return "", ErrBadState
	}

	if !signature.VerifyOAuth(query, i.clientSecret) {
		metrics.SignatureFailuresTotal.WithLabelValues("oauth").Inc()
		return "", ErrBadSignature
	}

	code := query.Get("code")
	if code == "" {
		return "", ErrMissingCode
	}

	token, err := i.exchange(ctx, shop, code)
	if err != nil {
		return "", err
	}

	if err := i.tokens.Put(ctx, shop, token); err != nil {
		return "", fmt.Errorf("persist token: %w", err)
	}

	metrics.InstallsTotal.Inc()
	logging.L(ctx).Info("app installed", "shop", shop)
	return shop, nil
}

// consumeState checks a state nonce and removes it. A state is valid
// once, for the shop it was issued to, within its TTL.
func (i *Installer) consumeState(state, shop string) bool {
	if state == "" {
		return false
	}
	i.mu.Lock()
	defer i.mu.Unlock()
	i.pruneLocked()

	pending, ok := i.states[state]
	if !ok {
		return false
	}
	delete(i.states, state)
	return pending.shop == shop && time.Now().Before(pending.expiresAt)
}

func (i *Installer) pruneLocked() {
	now := time.Now()
	for s, p := range i.states {
		if now.After(p.expiresAt) {
			delete(i.states, s)
		}
	}
}

// exchange swaps the grant code for a permanent access token.
func (i *Installer) exchange(ctx context.Context, shop, code string) (string, error) {
	endpoint := i.endpointFor(shop)
	if i.validateEndpoint != nil {
		if err := i.validateEndpoint(endpoint); err != nil {
			return "", fmt.Errorf("exchange endpoint rejected: %w", err)
		}
	}

	body, err := json.Marshal(map[string]string{
		"client_id":     i.clientID,
		"client_secret": i.clientSecret,
		"code":          code,
	})
	if err != nil {
		return "", err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(string(body)))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := i.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrExchangeFailed, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("%w: status %d", ErrExchangeFailed, resp.StatusCode)
	}

	var out struct {
		AccessToken string `json:"access_token"`
		Scope       string `json:"scope"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("%w: %v", ErrExchangeFailed, err)
	}
	if out.AccessToken == "" {
		return "", fmt.Errorf("%w: empty access_token", ErrExchangeFailed)
	}
	return out.AccessToken, nil
}

func newState() (string, error) {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}
