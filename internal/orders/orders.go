// Package orders ingests paid-order webhooks and credits play counters.
//
// The sender retries undelivered webhooks aggressively, so everything
// past signature verification is acknowledged: a payload this service
// cannot act on (uninstalled shop, no matching line item, unresolvable
// customer) is dropped with a recorded outcome instead of an error
// status that would trigger a redelivery storm.
package orders

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/jouetmalins/casino-backend/internal/logging"
	"github.com/jouetmalins/casino-backend/internal/metrics"
	"github.com/jouetmalins/casino-backend/internal/signature"
	"github.com/jouetmalins/casino-backend/internal/tokenstore"
	"github.com/jouetmalins/casino-backend/internal/validation"
)

// ErrBadSignature is the only ingest failure that maps to a rejection
// status; the sender must re-sign and redeliver.
var ErrBadSignature = errors.New("webhook signature verification failed")

// Outcome reports what an acknowledged webhook did.
type Outcome string

const (
	OutcomeCredited     Outcome = "credited"
	OutcomeNotInstalled Outcome = "not_installed"
	OutcomeBadPayload   Outcome = "bad_payload"
	OutcomeNoMatch      Outcome = "no_matching_items"
	OutcomeNoCustomer   Outcome = "no_customer"
)

// AdminAPI is the slice of the Admin API client the ingestor uses.
type AdminAPI interface {
	GetCredits(ctx context.Context, shop, token, customerID string) (int, error)
	SetCredits(ctx context.Context, shop, token, customerID string, credits int) error
	FindCustomerByEmail(ctx context.Context, shop, token, email string) (string, error)
}

// Ingestor applies paid-order webhooks as counter increments.
type Ingestor struct {
	tokens          tokenstore.Store
	api             AdminAPI
	secret          string
	rewardVariantID string
}

// NewIngestor creates an ingestor crediting purchases of rewardVariantID.
func NewIngestor(tokens tokenstore.Store, api AdminAPI, secret, rewardVariantID string) *Ingestor {
	return &Ingestor{
		tokens:          tokens,
		api:             api,
		secret:          secret,
		rewardVariantID: rewardVariantID,
	}
}

// orderPayload is the subset of the webhook body the ingestor reads.
type orderPayload struct {
	Customer struct {
		ID    json.Number `json:"id"`
		Email string      `json:"email"`
	} `json:"customer"`
	LineItems []struct {
		VariantID json.Number `json:"variant_id"`
		Quantity  int         `json:"quantity"`
	} `json:"line_items"`
}

// Ingest verifies and applies one webhook delivery. The raw body must be
// the exact bytes received; parsing first would invalidate the digest.
// A nil error with a non-credited Outcome is an acknowledged no-op.
func (i *Ingestor) Ingest(ctx context.Context, shopDomain string, rawBody []byte, claimedHMAC string) (Outcome, error) {
	if !signature.VerifyWebhook(rawBody, claimedHMAC, i.secret) {
		metrics.SignatureFailuresTotal.WithLabelValues("webhook").Inc()
		metrics.WebhooksTotal.WithLabelValues("rejected").Inc()
		return "", ErrBadSignature
	}

	shop := tokenstore.NormalizeShop(shopDomain)
	token, err := i.tokens.Get(ctx, shop)
	if err != nil {
		return i.skip(ctx, shop, OutcomeNotInstalled), nil
	}

	var order orderPayload
	if err := json.Unmarshal(rawBody, &order); err != nil {
		return i.skip(ctx, shop, OutcomeBadPayload), nil
	}

	qty := 0
	for _, item := range order.LineItems {
		if item.VariantID.String() == i.rewardVariantID && item.Quantity > 0 {
			qty += item.Quantity
		}
	}
	if qty <= 0 {
		return i.skip(ctx, shop, OutcomeNoMatch), nil
	}

	customerID, err := i.resolveCustomer(ctx, shop, token, order)
	if err != nil || customerID == "" {
		return i.skip(ctx, shop, OutcomeNoCustomer), nil
	}

	credits, err := i.api.GetCredits(ctx, shop, token, customerID)
	if err != nil {
		return "", err
	}
	if err := i.api.SetCredits(ctx, shop, token, customerID, credits+qty); err != nil {
		return "", err
	}

	metrics.WebhooksTotal.WithLabelValues("credited").Inc()
	logging.L(ctx).Info("order credited",
		"shop", shop,
		"customer_id", customerID,
		"quantity", qty,
	)
	return OutcomeCredited, nil
}

// resolveCustomer prefers the order's own customer id; the email search
// is a best-effort fallback and never authoritative.
func (i *Ingestor) resolveCustomer(ctx context.Context, shop, token string, order orderPayload) (string, error) {
	if id := order.Customer.ID.String(); id != "" && id != "0" {
		return id, nil
	}
	// The email comes off the wire; bound it before it goes into a search
	// query against the Admin API.
	email := validation.SanitizeString(order.Customer.Email, 255)
	if email == "" {
		return "", nil
	}
	return i.api.FindCustomerByEmail(ctx, shop, token, email)
}

func (i *Ingestor) skip(ctx context.Context, shop string, outcome Outcome) Outcome {
	metrics.WebhooksTotal.WithLabelValues("skipped").Inc()
	logging.L(ctx).Warn("webhook acknowledged without credit",
		"shop", shop,
		"outcome", string(outcome),
	)
	return outcome
}
