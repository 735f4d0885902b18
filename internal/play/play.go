// Package play implements the casino play transaction.
//
// One play is a fixed write sequence against the Admin API: debit the
// customer counter, grow the shop jackpot, draw, and on a win issue the
// reward order, reset the jackpot and record the winner. The ordering is
// deliberate: the debit lands before the draw so a failed draw cannot be
// retried for free, and the jackpot accrues before the draw so a losing
// play still sees its own contribution. There is no rollback: a write
// failure after the debit leaves the debit in place.
//
// The counter check in Play is an unserialized check-then-act: two
// concurrent plays by the same customer can both pass the balance check
// and both debit. The remote store offers no conditional write, so this
// race is accepted rather than hidden behind a lock that would not help.
package play

import (
	"context"
	"crypto/rand"
	"fmt"
	"math/big"
	"time"

	"github.com/jouetmalins/casino-backend/internal/logging"
	"github.com/jouetmalins/casino-backend/internal/metrics"
	"github.com/jouetmalins/casino-backend/internal/shopify"
	"github.com/jouetmalins/casino-backend/internal/traces"
)

// Reason identifies why a play was rejected before any write.
type Reason string

const (
	ReasonNotLoggedIn       Reason = "NOT_LOGGED_IN"
	ReasonItemNotConfigured Reason = "REWARD_VARIANT_ID_MISSING"
	ReasonNoCredits         Reason = "NO_CREDITS"
)

// AdminAPI is the slice of the Admin API client the engine uses.
type AdminAPI interface {
	GetCredits(ctx context.Context, shop, token, customerID string) (int, error)
	SetCredits(ctx context.Context, shop, token, customerID string, credits int) error
	GetShopState(ctx context.Context, shop, token string) (*shopify.ShopState, error)
	SetShopMetafield(ctx context.Context, shop, token, shopID, key, fieldType, value string) error
	CreateRewardOrder(ctx context.Context, shop, token, customerID, variantID string) (string, error)
}

// EventEmitter receives play outcomes for real-time streaming. Optional.
type EventEmitter interface {
	JackpotChanged(shop string, jackpotCents int)
	JackpotWon(shop, winnerLabel, claimURL string)
}

// Config holds the play economics. Zero or negative values fall back to
// the documented defaults.
type Config struct {
	Cost            int // credits debited per play
	Odds            int // win probability is exactly 1/Odds
	JackpotAddCents int // jackpot growth per play
}

func (c Config) withDefaults() Config {
	if c.Cost <= 0 {
		c.Cost = 1
	}
	if c.Odds <= 0 {
		c.Odds = 10000000
	}
	if c.JackpotAddCents <= 0 {
		c.JackpotAddCents = 10
	}
	return c
}

// Result reports one play or balance check. Rejected is empty when the
// play completed (win or loss).
type Result struct {
	Rejected     Reason
	LoggedIn     bool
	Win          bool
	Credits      int
	JackpotCents int
	LastWinner   string
	ClaimURL     string
}

// Engine orchestrates play transactions.
type Engine struct {
	api    AdminAPI
	cfg    Config
	events EventEmitter
	draw   func(odds int) (int, error)
}

// Option configures the engine.
type Option func(*Engine)

// WithEvents attaches a real-time event emitter.
func WithEvents(e EventEmitter) Option {
	return func(en *Engine) { en.events = e }
}

// WithDraw overrides the random draw (for tests).
func WithDraw(fn func(odds int) (int, error)) Option {
	return func(en *Engine) { en.draw = fn }
}

// NewEngine creates a play engine over the Admin API.
func NewEngine(api AdminAPI, cfg Config, opts ...Option) *Engine {
	e := &Engine{
		api:  api,
		cfg:  cfg.withDefaults(),
		draw: cryptoDraw,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// cryptoDraw returns a uniform integer in [1, odds] from crypto/rand.
func cryptoDraw(odds int) (int, error) {
	n, err := rand.Int(rand.Reader, big.NewInt(int64(odds)))
	if err != nil {
		return 0, fmt.Errorf("draw: %w", err)
	}
	return int(n.Int64()) + 1, nil
}

// Balance reports the shop jackpot and, when a customer is present, their
// counter. Never writes.
func (e *Engine) Balance(ctx context.Context, shop, token, customerID string) (*Result, error) {
	state, err := e.api.GetShopState(ctx, shop, token)
	if err != nil {
		return nil, err
	}

	res := &Result{
		JackpotCents: state.JackpotCents,
		LastWinner:   state.LastWinner,
	}
	if customerID == "" {
		return res, nil
	}

	credits, err := e.api.GetCredits(ctx, shop, token, customerID)
	if err != nil {
		return nil, err
	}
	res.LoggedIn = true
	res.Credits = credits
	return res, nil
}

// Play runs one play transaction for the customer.
func (e *Engine) Play(ctx context.Context, shop, token, customerID string) (*Result, error) {
	ctx, span := traces.StartSpan(ctx, "play.transaction", traces.Shop(shop))
	defer span.End()

	if customerID == "" {
		return &Result{Rejected: ReasonNotLoggedIn}, nil
	}

	state, err := e.api.GetShopState(ctx, shop, token)
	if err != nil {
		return nil, err
	}
	if state.RewardVariantID == "" {
		return &Result{Rejected: ReasonItemNotConfigured}, nil
	}

	credits, err := e.api.GetCredits(ctx, shop, token, customerID)
	if err != nil {
		return nil, err
	}
	if credits < e.cfg.Cost {
		// Rejected plays still report state so the widget can render.
		metrics.PlaysTotal.WithLabelValues("rejected").Inc()
		span.SetAttributes(traces.Outcome("rejected"))
		return &Result{
			Rejected:     ReasonNoCredits,
			LoggedIn:     true,
			Credits:      credits,
			JackpotCents: state.JackpotCents,
			LastWinner:   state.LastWinner,
		}, nil
	}

	// Write 1: debit. From here on failures are not compensated.
	remaining := credits - e.cfg.Cost
	if err := e.api.SetCredits(ctx, shop, token, customerID, remaining); err != nil {
		return nil, err
	}

	// Write 2: jackpot accrual, before the draw so a loss still counts.
	jackpot := state.JackpotCents + e.cfg.JackpotAddCents
	if err := e.api.SetShopMetafield(ctx, shop, token, state.ID,
		shopify.KeyJackpot, shopify.TypeInteger, fmt.Sprintf("%d", jackpot)); err != nil {
		return nil, err
	}
	metrics.JackpotCents.WithLabelValues(shop).Set(float64(jackpot))
	if e.events != nil {
		e.events.JackpotChanged(shop, jackpot)
	}

	n, err := e.draw(e.cfg.Odds)
	if err != nil {
		return nil, err
	}
	win := n == 1

	if !win {
		metrics.PlaysTotal.WithLabelValues("loss").Inc()
		span.SetAttributes(traces.Outcome("loss"))
		return &Result{
			LoggedIn:     true,
			Credits:      remaining,
			JackpotCents: jackpot,
			LastWinner:   state.LastWinner,
		}, nil
	}

	// Write 3: the payout. Issued only after the draw so no reward can
	// exist for an undrawn play.
	claimURL, err := e.api.CreateRewardOrder(ctx, shop, token, customerID, state.RewardVariantID)
	if err != nil {
		return nil, err
	}

	// Writes 4 and 5: reset the jackpot and record the winner.
	if err := e.api.SetShopMetafield(ctx, shop, token, state.ID,
		shopify.KeyJackpot, shopify.TypeInteger, "0"); err != nil {
		return nil, err
	}
	winnerLabel := "Gagnant - " + time.Now().UTC().Format("2006-01-02")
	if err := e.api.SetShopMetafield(ctx, shop, token, state.ID,
		shopify.KeyLastWinner, shopify.TypeSingleLine, winnerLabel); err != nil {
		return nil, err
	}

	metrics.PlaysTotal.WithLabelValues("win").Inc()
	metrics.JackpotCents.WithLabelValues(shop).Set(0)
	span.SetAttributes(traces.Outcome("win"))
	if e.events != nil {
		e.events.JackpotWon(shop, winnerLabel, claimURL)
	}
	logging.L(ctx).Info("jackpot won",
		"shop", shop,
		"customer_id", customerID,
		"jackpot_cents", jackpot,
	)

	return &Result{
		LoggedIn:     true,
		Win:          true,
		Credits:      remaining,
		JackpotCents: 0,
		LastWinner:   winnerLabel,
		ClaimURL:     claimURL,
	}, nil
}
