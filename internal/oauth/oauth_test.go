package oauth

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sort"
	"strings"
	"testing"

	"github.com/jouetmalins/casino-backend/internal/tokenstore"
)

const testSecret = "shpss_test_secret"

// signCallback computes the hex HMAC a real authorize callback carries.
func signCallback(query url.Values, secret string) string {
	keys := make([]string, 0, len(query))
	for k := range query {
		if k == "hmac" || k == "signature" {
			continue
		}
		keys = append(keys, k)
	}
	sort.Strings(keys)

	pairs := make([]string, 0, len(keys))
	for _, k := range keys {
		pairs = append(pairs, k+"="+strings.Join(query[k], ","))
	}

	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(strings.Join(pairs, "&")))
	return hex.EncodeToString(mac.Sum(nil))
}

func testInstaller(t *testing.T, tokens tokenstore.Store, exchangeStatus int, opts ...Option) *Installer {
	t.Helper()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if exchangeStatus != http.StatusOK {
			w.WriteHeader(exchangeStatus)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"access_token":"shpat_exchanged","scope":"read_customers"}`))
	}))
	t.Cleanup(srv.Close)

	opts = append(opts, WithExchangeEndpoint(func(shop string) string { return srv.URL }))
	return NewInstaller("client-id", testSecret, "https://app.example.com", "read_customers,write_draft_orders", tokens, opts...)
}

// startInstall drives AuthURL and returns the issued state.
func startInstall(t *testing.T, i *Installer, shop string) string {
	t.Helper()
	raw, err := i.AuthURL(shop)
	if err != nil {
		t.Fatalf("AuthURL failed: %v", err)
	}
	u, err := url.Parse(raw)
	if err != nil {
		t.Fatalf("AuthURL returned unparseable URL: %v", err)
	}
	state := u.Query().Get("state")
	if state == "" {
		t.Fatal("AuthURL issued no state")
	}
	return state
}

func callbackQuery(shop, state, code string) url.Values {
	q := url.Values{}
	q.Set("shop", shop)
	q.Set("state", state)
	q.Set("code", code)
	q.Set("timestamp", "1756600000")
	q.Set("hmac", signCallback(q, testSecret))
	return q
}

func TestAuthURL(t *testing.T) {
	i := testInstaller(t, tokenstore.NewMemoryStore(), http.StatusOK)

	raw, err := i.AuthURL("demo.myshopify.com")
	if err != nil {
		t.Fatal(err)
	}
	u, err := url.Parse(raw)
	if err != nil {
		t.Fatal(err)
	}
	if u.Host != "demo.myshopify.com" || u.Path != "/admin/oauth/authorize" {
		t.Errorf("Unexpected authorize URL %s", raw)
	}
	q := u.Query()
	if q.Get("client_id") != "client-id" {
		t.Errorf("client_id = %q", q.Get("client_id"))
	}
	if q.Get("redirect_uri") != "https://app.example.com/oauth/callback" {
		t.Errorf("redirect_uri = %q", q.Get("redirect_uri"))
	}
	if q.Get("state") == "" {
		t.Error("Expected a state nonce")
	}
}

func TestAuthURL_RejectsInvalidShop(t *testing.T) {
	i := testInstaller(t, tokenstore.NewMemoryStore(), http.StatusOK)

	if _, err := i.AuthURL("not-a-shop.example.com"); !errors.Is(err, ErrInvalidShop) {
		t.Errorf("Expected ErrInvalidShop, got %v", err)
	}
}

func TestAuthURL_Allowlist(t *testing.T) {
	i := testInstaller(t, tokenstore.NewMemoryStore(), http.StatusOK,
		WithAllowedShop("demo.myshopify.com"))

	if _, err := i.AuthURL("demo.myshopify.com"); err != nil {
		t.Errorf("Allowlisted shop rejected: %v", err)
	}
	if _, err := i.AuthURL("other.myshopify.com"); !errors.Is(err, ErrShopNotAllowed) {
		t.Errorf("Expected ErrShopNotAllowed, got %v", err)
	}
}

func TestHandleCallback_Success(t *testing.T) {
	tokens := tokenstore.NewMemoryStore()
	i := testInstaller(t, tokens, http.StatusOK)

	state := startInstall(t, i, "demo.myshopify.com")
	q := callbackQuery("demo.myshopify.com", state, "grant-code")

	shop, err := i.HandleCallback(context.Background(), q)
	if err != nil {
		t.Fatal(err)
	}
	if shop != "demo.myshopify.com" {
		t.Errorf("shop = %q", shop)
	}

	token, err := tokens.Get(context.Background(), "demo.myshopify.com")
	if err != nil {
		t.Fatalf("Token not stored: %v", err)
	}
	if token != "shpat_exchanged" {
		t.Errorf("token = %q", token)
	}
}

func TestHandleCallback_BadSignature(t *testing.T) {
	i := testInstaller(t, tokenstore.NewMemoryStore(), http.StatusOK)

	state := startInstall(t, i, "demo.myshopify.com")
	q := callbackQuery("demo.myshopify.com", state, "grant-code")
	q.Set("hmac", "deadbeef")

	if _, err := i.HandleCallback(context.Background(), q); !errors.Is(err, ErrBadSignature) {
		t.Errorf("Expected ErrBadSignature, got %v", err)
	}
}

func TestHandleCallback_StateIsSingleUse(t *testing.T) {
	tokens := tokenstore.NewMemoryStore()
	i := testInstaller(t, tokens, http.StatusOK)

	state := startInstall(t, i, "demo.myshopify.com")
	q := callbackQuery("demo.myshopify.com", state, "grant-code")

	if _, err := i.HandleCallback(context.Background(), q); err != nil {
		t.Fatal(err)
	}
	if _, err := i.HandleCallback(context.Background(), q); !errors.Is(err, ErrBadState) {
		t.Errorf("Replayed state should fail, got %v", err)
	}
}

func TestHandleCallback_StateBoundToShop(t *testing.T) {
	i := testInstaller(t, tokenstore.NewMemoryStore(), http.StatusOK)

	state := startInstall(t, i, "demo.myshopify.com")
	q := callbackQuery("other.myshopify.com", state, "grant-code")

	if _, err := i.HandleCallback(context.Background(), q); !errors.Is(err, ErrBadState) {
		t.Errorf("State for another shop should fail, got %v", err)
	}
}

func TestHandleCallback_MissingCode(t *testing.T) {
	i := testInstaller(t, tokenstore.NewMemoryStore(), http.StatusOK)

	state := startInstall(t, i, "demo.myshopify.com")
	q := url.Values{}
	q.Set("shop", "demo.myshopify.com")
	q.Set("state", state)
	q.Set("timestamp", "1756600000")
	q.Set("hmac", signCallback(q, testSecret))

	if _, err := i.HandleCallback(context.Background(), q); !errors.Is(err, ErrMissingCode) {
		t.Errorf("Expected ErrMissingCode, got %v", err)
	}
}

func TestHandleCallback_ExchangeFailure(t *testing.T) {
	tokens := tokenstore.NewMemoryStore()
	i := testInstaller(t, tokens, http.StatusBadGateway)

	state := startInstall(t, i, "demo.myshopify.com")
	q := callbackQuery("demo.myshopify.com", state, "grant-code")

	if _, err := i.HandleCallback(context.Background(), q); !errors.Is(err, ErrExchangeFailed) {
		t.Errorf("Expected ErrExchangeFailed, got %v", err)
	}
	if _, err := tokens.Get(context.Background(), "demo.myshopify.com"); !errors.Is(err, tokenstore.ErrNotFound) {
		t.Error("No token should be stored after a failed exchange")
	}
}
