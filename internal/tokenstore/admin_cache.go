package tokenstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"
)

// expirySafetyMargin is subtracted from the granted lifetime so a token is
// refreshed before the platform actually rejects it.
const expirySafetyMargin = 2 * time.Minute

// ErrNoGrant is returned when the cache is not configured for the requested shop.
var ErrNoGrant = errors.New("client_credentials grant not configured for shop")

// AdminTokenCache holds a client_credentials admin token as an explicit
// {token, expiresAt} value, refreshed on demand when stale. It serves the
// fixed-shop deployment variant where no per-shop install token exists.
type AdminTokenCache struct {
	shop         string
	clientID     string
	clientSecret string
	endpoint     string
	client       *http.Client

	mu        sync.Mutex
	token     string
	expiresAt time.Time
}

// NewAdminTokenCache creates a token cache for the given shop and app
// credentials.
func NewAdminTokenCache(shop, clientID, clientSecret string) *AdminTokenCache {
	shop = NormalizeShop(shop)
	return &AdminTokenCache{
		shop:         shop,
		clientID:     clientID,
		clientSecret: clientSecret,
		endpoint:     fmt.Sprintf("https://%s/admin/oauth/access_token", shop),
		client:       &http.Client{Timeout: 10 * time.Second},
	}
}

// Shop returns the shop this cache is bound to.
func (c *AdminTokenCache) Shop() string { return c.shop }

// Token returns a valid admin token for the shop, fetching a fresh one via
// the client_credentials grant when the cached value is absent or stale.
func (c *AdminTokenCache) Token(ctx context.Context, shop string) (string, error) {
	if c.shop == "" || shop != c.shop {
		return "", ErrNoGrant
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.token != "" && time.Now().Before(c.expiresAt) {
		return c.token, nil
	}

	token, expiresIn, err := c.fetch(ctx)
	if err != nil {
		return "", err
	}

	c.token = token
	c.expiresAt = time.Now().Add(expiresIn - expirySafetyMargin)
	return token, nil
}

func (c *AdminTokenCache) fetch(ctx context.Context) (string, time.Duration, error) {
	form := url.Values{}
	form.Set("grant_type", "client_credentials")
	form.Set("client_id", c.clientID)
	form.Set("client_secret", c.clientSecret)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return "", 0, fmt.Errorf("create token request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := c.client.Do(req)
	if err != nil {
		return "", 0, fmt.Errorf("token request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return "", 0, fmt.Errorf("read token response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return "", 0, fmt.Errorf("token fetch failed (%d): %s", resp.StatusCode, body)
	}

	var parsed struct {
		AccessToken string `json:"access_token"`
		ExpiresIn   int    `json:"expires_in"`
	}
	if err := json.Unmarshal(body, &parsed); err != nil {
		return "", 0, fmt.Errorf("parse token response: %w", err)
	}
	if parsed.AccessToken == "" {
		return "", 0, fmt.Errorf("token response missing access_token")
	}

	expiresIn := time.Duration(parsed.ExpiresIn) * time.Second
	if expiresIn <= 0 {
		expiresIn = time.Hour
	}
	return parsed.AccessToken, expiresIn, nil
}

// SetEndpointForTest points the cache at a test server instead of the shop
// domain. Only used by tests.
func (c *AdminTokenCache) SetEndpointForTest(endpoint string) {
	c.endpoint = endpoint
}
