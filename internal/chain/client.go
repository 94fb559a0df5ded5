// Package chain defines the contract with the on-chain transfer service.
// The core submits payout instructions and observes eventual success or
// failure; it never assumes synchronous confirmation.
package chain

import (
	"context"
	"log/slog"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Client submits USDC transfers to the settlement program. SubmitPayout
// blocks until the submission is accepted or rejected; callers run it from
// a bounded worker pool, never from the price-tick path.
type Client interface {
	SubmitPayout(ctx context.Context, destination string, amount decimal.Decimal) (txRef string, err error)
}

// StubClient is the development fallback when no chain endpoint is
// configured: every submission confirms immediately with a synthetic
// transaction reference.
type StubClient struct{}

func (StubClient) SubmitPayout(_ context.Context, destination string, amount decimal.Decimal) (string, error) {
	ref := "stub-" + uuid.New().String()
	slog.Info("stub payout confirmed",
		"destination", destination,
		"amount", amount.String(),
		"tx_ref", ref,
	)
	return ref, nil
}
