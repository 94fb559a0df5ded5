// Package store defines the persistence interface for the match engine.
// Implementations include PostgreSQL (source of truth), Redis (read-through
// cache), and in-memory (for testing).
package store

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"

	"github.com/solfight/match-engine/internal/model"
)

var (
	// ErrNotFound is returned when a requested record does not exist.
	ErrNotFound = errors.New("store: not found")

	// ErrInsufficientFunds is returned when a balance operation would take
	// available or frozen below zero.
	ErrInsufficientFunds = errors.New("store: insufficient funds")
)

// Store is the persistence interface. PostgreSQL is the source of truth;
// Redis provides a read-through cache for hot player reads.
//
// All balance operations are atomic: they either apply fully or leave the
// player untouched. available + frozen never goes negative.
type Store interface {
	// --- Players ---

	// CreatePlayer persists a new player.
	CreatePlayer(ctx context.Context, p *model.Player) error

	// GetPlayer retrieves a player by wallet address.
	GetPlayer(ctx context.Context, id string) (*model.Player, error)

	// SetCurrentMatch records the player's active match ("" clears it).
	SetCurrentMatch(ctx context.Context, playerID, matchID string) error

	// UpdatePlayerStats writes the win/loss/tie/streak/pnl counters after
	// settlement. Balances are not touched.
	UpdatePlayerStats(ctx context.Context, p *model.Player) error

	// --- Balance ledger ---

	// Freeze moves amount from available to frozen.
	Freeze(ctx context.Context, playerID string, amount decimal.Decimal) error

	// FreezePair freezes the same amount for two players atomically:
	// both succeed or neither is touched. Used at pairing time.
	FreezePair(ctx context.Context, playerA, playerB string, amount decimal.Decimal) error

	// Release moves amount from frozen back to available.
	Release(ctx context.Context, playerID string, amount decimal.Decimal) error

	// ReleasePair releases the same amount for two players atomically:
	// both succeed or neither is touched. Used for tie refunds and
	// cancelled-match unwinds so a retry never sees a half-refunded pot.
	ReleasePair(ctx context.Context, playerA, playerB string, amount decimal.Decimal) error

	// Credit adds amount to available.
	Credit(ctx context.Context, playerID string, amount decimal.Decimal) error

	// Debit removes amount from frozen (escrow consumed by payout or rake).
	Debit(ctx context.Context, playerID string, amount decimal.Decimal) error

	// SettlePot consumes a settled match's escrow in one atomic step: both
	// players' frozen wagers are debited and, when winner is non-empty, the
	// payout is credited to the winner's available balance. Either every
	// leg applies or none does.
	SettlePot(ctx context.Context, playerA, playerB string, wager decimal.Decimal, winner string, payout decimal.Decimal) error

	// --- Matches ---

	// InsertMatch persists a newly created match.
	InsertMatch(ctx context.Context, m *model.Match) error

	// UpdateMatch rewrites a match's mutable fields (phase, deposits, result).
	UpdateMatch(ctx context.Context, m *model.Match) error

	// GetMatch retrieves a match by id.
	GetMatch(ctx context.Context, id string) (*model.Match, error)

	// --- Trade ledger (closed positions, immutable once inserted) ---

	// InsertTrades appends closed positions to the trade history.
	InsertTrades(ctx context.Context, trades []model.Position) error

	// GetTradesByMatch returns the closed positions of one match.
	GetTradesByMatch(ctx context.Context, matchID string) ([]model.Position, error)

	// GetTradesByPlayer returns a player's closed positions across matches.
	GetTradesByPlayer(ctx context.Context, playerID string) ([]model.Position, error)

	// --- Settlement records ---

	// InsertSettlement persists a new settlement record. A match has at
	// most one; inserting a second returns an error.
	InsertSettlement(ctx context.Context, r *model.SettlementRecord) error

	// GetSettlement retrieves the settlement record for a match.
	GetSettlement(ctx context.Context, matchID string) (*model.SettlementRecord, error)

	// UpdateSettlement rewrites retry state and terminal status.
	UpdateSettlement(ctx context.Context, r *model.SettlementRecord) error

	// ListRetryableSettlements returns pending records whose next-retry
	// deadline is at or before now.
	ListRetryableSettlements(ctx context.Context, now time.Time) ([]model.SettlementRecord, error)

	// --- Platform totals ---

	// GetPlatformStats returns the running platform-wide totals.
	GetPlatformStats(ctx context.Context) (*model.PlatformStats, error)

	// IncrementPlatformTotals bumps the game count by one and adds volume
	// (both wagers) to the cumulative bet volume.
	IncrementPlatformTotals(ctx context.Context, volume decimal.Decimal) error
}
