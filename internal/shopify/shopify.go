// Package shopify is a typed client for the platform Admin GraphQL API.
//
// It owns the casino metafield schema (customer counter, shop jackpot,
// reward variant, last winner), translates operations into GraphQL calls,
// and normalizes the API's two failure channels: transport errors are
// retried and wrapped, application-level errors (top-level GraphQL errors
// and mutation userErrors) surface as *UpstreamError and are never retried.
//
// The client does not resolve credentials; callers pass the bearer token
// for every call so authentication stays separate from resource access.
package shopify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/jouetmalins/casino-backend/internal/retry"
	"github.com/jouetmalins/casino-backend/internal/traces"
)

// Metafield namespace and keys owned by this app.
const (
	Namespace      = "casino"
	KeyJackpot     = "jackpot_cents"
	KeyRewardItem  = "reward_variant_id"
	KeyLastWinner  = "last_winner"
	TypeInteger    = "number_integer"
	TypeSingleLine = "single_line_text_field"
)

const maxResponseSize = 1 << 20 // 1MB

// UpstreamError is an application-level error returned by the Admin API:
// a GraphQL errors array or a mutation userErrors entry. It is never
// retried automatically.
type UpstreamError struct {
	Detail string
}

func (e *UpstreamError) Error() string {
	return "admin api error: " + e.Detail
}

// ShopState is the shop-scoped casino state read in one query.
type ShopState struct {
	ID              string
	JackpotCents    int
	RewardVariantID string
	LastWinner      string
}

// Client calls the Admin GraphQL API for a shop.
type Client struct {
	httpClient *http.Client
	apiVersion string
	creditsKey string

	// endpointFor builds the GraphQL URL for a shop; replaced in tests.
	endpointFor func(shop string) string
}

// Option configures the client.
type Option func(*Client)

// WithCreditsKey sets the customer counter metafield key ("credits" or
// "plays" depending on deployment).
func WithCreditsKey(key string) Option {
	return func(c *Client) { c.creditsKey = key }
}

// WithEndpoint overrides endpoint construction (for tests).
func WithEndpoint(fn func(shop string) string) Option {
	return func(c *Client) { c.endpointFor = fn }
}

// New creates an Admin API client for the given API version.
func New(apiVersion string, opts ...Option) *Client {
	c := &Client{
		httpClient: &http.Client{Timeout: 15 * time.Second},
		apiVersion: apiVersion,
		creditsKey: "credits",
	}
	c.endpointFor = func(shop string) string {
		return fmt.Sprintf("https://%s/admin/api/%s/graphql.json", shop, c.apiVersion)
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// CreditsKey returns the configured counter metafield key.
func (c *Client) CreditsKey() string { return c.creditsKey }

// CustomerGID builds a customer global id from a numeric id.
func CustomerGID(id string) string {
	return "gid://shopify/Customer/" + id
}

// VariantGID builds a product variant global id from a numeric id.
func VariantGID(id string) string {
	return "gid://shopify/ProductVariant/" + id
}

// graphql posts one GraphQL request and decodes data into out.
// Transport failures and 5xx responses are retried with backoff;
// anything the API itself rejects comes back as *UpstreamError.
func (c *Client) graphql(ctx context.Context, shop, token, query string, variables map[string]any, out any) error {
	payload, err := json.Marshal(map[string]any{
		"query":     query,
		"variables": variables,
	})
	if err != nil {
		return fmt.Errorf("marshal graphql request: %w", err)
	}

	return retry.Do(ctx, 3, 200*time.Millisecond, func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpointFor(shop), bytes.NewReader(payload))
		if err != nil {
			return retry.Permanent(fmt.Errorf("create request: %w", err))
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("X-Shopify-Access-Token", token)

		resp, err := c.httpClient.Do(req)
		if err != nil {
			return fmt.Errorf("admin api request failed: %w", err)
		}
		defer resp.Body.Close()

		body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
		if err != nil {
			return fmt.Errorf("read admin api response: %w", err)
		}

		if resp.StatusCode >= 500 {
			return fmt.Errorf("admin api returned HTTP %d", resp.StatusCode)
		}
		if resp.StatusCode != http.StatusOK {
			return retry.Permanent(&UpstreamError{Detail: fmt.Sprintf("HTTP %d: %s", resp.StatusCode, truncate(body))})
		}

		var envelope struct {
			Data   json.RawMessage `json:"data"`
			Errors []struct {
				Message string `json:"message"`
			} `json:"errors"`
		}
		if err := json.Unmarshal(body, &envelope); err != nil {
			return retry.Permanent(fmt.Errorf("parse admin api response: %w", err))
		}
		if len(envelope.Errors) > 0 {
			return retry.Permanent(&UpstreamError{Detail: envelope.Errors[0].Message})
		}
		if out != nil && len(envelope.Data) > 0 {
			if err := json.Unmarshal(envelope.Data, out); err != nil {
				return retry.Permanent(fmt.Errorf("decode admin api data: %w", err))
			}
		}
		return nil
	})
}

func truncate(b []byte) string {
	const max = 200
	s := strings.TrimSpace(string(b))
	if len(s) > max {
		return s[:max]
	}
	return s
}

// userError is the userErrors entry shared by all mutations we issue.
type userError struct {
	Message string `json:"message"`
}

func firstUserError(errs []userError) error {
	if len(errs) > 0 {
		return &UpstreamError{Detail: errs[0].Message}
	}
	return nil
}

// GetCredits returns the customer's counter. Absent or malformed remote
// values read as 0; a wrong read must never break a balance check.
func (c *Client) GetCredits(ctx context.Context, shop, token, customerID string) (int, error) {
	ctx, span := traces.StartSpan(ctx, "shopify.GetCredits",
		traces.Shop(shop), traces.CustomerID(customerID))
	defer span.End()

	query := `query($id: ID!){
	  customer(id:$id){
	    metafield(namespace:"` + Namespace + `", key:"` + c.creditsKey + `"){ value }
	  }
	}`

	var data struct {
		Customer *struct {
			Metafield *struct {
				Value string `json:"value"`
			} `json:"metafield"`
		} `json:"customer"`
	}
	if err := c.graphql(ctx, shop, token, query, map[string]any{"id": CustomerGID(customerID)}, &data); err != nil {
		return 0, err
	}
	if data.Customer == nil || data.Customer.Metafield == nil {
		return 0, nil
	}
	return parseNonNegative(data.Customer.Metafield.Value), nil
}

// SetCredits writes the customer's counter, clamped to zero.
func (c *Client) SetCredits(ctx context.Context, shop, token, customerID string, credits int) error {
	ctx, span := traces.StartSpan(ctx, "shopify.SetCredits",
		traces.Shop(shop), traces.CustomerID(customerID))
	defer span.End()

	if credits < 0 {
		credits = 0
	}

	mutation := `mutation($input: MetafieldsSetInput!){
	  metafieldsSet(metafields: [$input]){ userErrors{ message } }
	}`
	input := map[string]any{
		"ownerId":   CustomerGID(customerID),
		"namespace": Namespace,
		"key":       c.creditsKey,
		"type":      TypeInteger,
		"value":     strconv.Itoa(credits),
	}

	var data struct {
		MetafieldsSet struct {
			UserErrors []userError `json:"userErrors"`
		} `json:"metafieldsSet"`
	}
	if err := c.graphql(ctx, shop, token, mutation, map[string]any{"input": input}, &data); err != nil {
		return err
	}
	return firstUserError(data.MetafieldsSet.UserErrors)
}

// GetShopState reads the shop id and casino metafields in one query.
// Unset or malformed values default to zero / empty, never an error.
func (c *Client) GetShopState(ctx context.Context, shop, token string) (*ShopState, error) {
	ctx, span := traces.StartSpan(ctx, "shopify.GetShopState", traces.Shop(shop))
	defer span.End()

	query := `query{
	  shop{
	    id
	    jackpot: metafield(namespace:"` + Namespace + `", key:"` + KeyJackpot + `"){ value }
	    reward: metafield(namespace:"` + Namespace + `", key:"` + KeyRewardItem + `"){ value }
	    last: metafield(namespace:"` + Namespace + `", key:"` + KeyLastWinner + `"){ value }
	  }
	}`

	var data struct {
		Shop struct {
			ID      string `json:"id"`
			Jackpot *struct {
				Value string `json:"value"`
			} `json:"jackpot"`
			Reward *struct {
				Value string `json:"value"`
			} `json:"reward"`
			Last *struct {
				Value string `json:"value"`
			} `json:"last"`
		} `json:"shop"`
	}
	if err := c.graphql(ctx, shop, token, query, nil, &data); err != nil {
		return nil, err
	}

	state := &ShopState{ID: data.Shop.ID}
	if data.Shop.Jackpot != nil {
		state.JackpotCents = parseNonNegative(data.Shop.Jackpot.Value)
	}
	if data.Shop.Reward != nil {
		state.RewardVariantID = strings.TrimSpace(data.Shop.Reward.Value)
	}
	if data.Shop.Last != nil {
		state.LastWinner = data.Shop.Last.Value
	}
	return state, nil
}

// SetShopMetafield writes one shop-scoped metafield.
func (c *Client) SetShopMetafield(ctx context.Context, shop, token, shopID, key, fieldType, value string) error {
	ctx, span := traces.StartSpan(ctx, "shopify.SetShopMetafield",
		traces.Shop(shop), attribute.String("metafield.key", key))
	defer span.End()

	mutation := `mutation($input: MetafieldsSetInput!){
	  metafieldsSet(metafields: [$input]){ userErrors{ message } }
	}`
	input := map[string]any{
		"ownerId":   shopID,
		"namespace": Namespace,
		"key":       key,
		"type":      fieldType,
		"value":     value,
	}

	var data struct {
		MetafieldsSet struct {
			UserErrors []userError `json:"userErrors"`
		} `json:"metafieldsSet"`
	}
	if err := c.graphql(ctx, shop, token, mutation, map[string]any{"input": input}, &data); err != nil {
		return err
	}
	return firstUserError(data.MetafieldsSet.UserErrors)
}

// CreateRewardOrder creates a zero-cost draft order granting one unit of
// the reward variant to the customer and returns the claim (invoice) URL.
// This is the write that commits a payout, so userErrors here are always
// surfaced.
func (c *Client) CreateRewardOrder(ctx context.Context, shop, token, customerID, variantID string) (string, error) {
	ctx, span := traces.StartSpan(ctx, "shopify.CreateRewardOrder",
		traces.Shop(shop), traces.CustomerID(customerID))
	defer span.End()

	mutation := `mutation($input: DraftOrderInput!){
	  draftOrderCreate(input:$input){
	    draftOrder{ id invoiceUrl }
	    userErrors{ message }
	  }
	}`
	input := map[string]any{
		"customerId": CustomerGID(customerID),
		"lineItems": []map[string]any{
			{"variantId": VariantGID(variantID), "quantity": 1},
		},
		"appliedDiscount": map[string]any{
			"description": "JACKPOT",
			"value":       100,
			"valueType":   "PERCENTAGE",
		},
		"note": "Jackpot reward",
	}

	var data struct {
		DraftOrderCreate struct {
			DraftOrder *struct {
				ID         string `json:"id"`
				InvoiceURL string `json:"invoiceUrl"`
			} `json:"draftOrder"`
			UserErrors []userError `json:"userErrors"`
		} `json:"draftOrderCreate"`
	}
	if err := c.graphql(ctx, shop, token, mutation, map[string]any{"input": input}, &data); err != nil {
		return "", err
	}
	if err := firstUserError(data.DraftOrderCreate.UserErrors); err != nil {
		return "", err
	}
	if data.DraftOrderCreate.DraftOrder == nil {
		return "", &UpstreamError{Detail: "draft order missing from response"}
	}
	span.SetAttributes(traces.OrderID(data.DraftOrderCreate.DraftOrder.ID))
	return data.DraftOrderCreate.DraftOrder.InvoiceURL, nil
}

// FindCustomerByEmail returns the numeric id of the customer best matching
// the email, ordered by relevance. This is a best-effort fallback, not
// authoritative identity; callers must treat the result as lower
// confidence than an id carried in a payload.
func (c *Client) FindCustomerByEmail(ctx context.Context, shop, token, email string) (string, error) {
	ctx, span := traces.StartSpan(ctx, "shopify.FindCustomerByEmail", traces.Shop(shop))
	defer span.End()

	query := `query($q: String!){
	  customers(first: 1, query: $q, sortKey: RELEVANCE){
	    edges{ node{ id } }
	  }
	}`

	var data struct {
		Customers struct {
			Edges []struct {
				Node struct {
					ID string `json:"id"`
				} `json:"node"`
			} `json:"edges"`
		} `json:"customers"`
	}
	if err := c.graphql(ctx, shop, token, query, map[string]any{"q": "email:" + email}, &data); err != nil {
		return "", err
	}
	if len(data.Customers.Edges) == 0 {
		return "", nil
	}
	gid := data.Customers.Edges[0].Node.ID
	// gid://shopify/Customer/123 -> 123
	if i := strings.LastIndex(gid, "/"); i >= 0 {
		return gid[i+1:], nil
	}
	return gid, nil
}

// parseNonNegative reads an integer metafield value, mapping absent or
// malformed data to 0 and clamping negatives.
func parseNonNegative(value string) int {
	n, err := strconv.Atoi(strings.TrimSpace(value))
	if err != nil || n < 0 {
		return 0
	}
	return n
}
