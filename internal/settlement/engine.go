// Package settlement turns terminal match snapshots into payouts: winner
// and tie detection, rake, balance mutation or on-chain transfer, the
// bounded retry loop, and the escrow-deposit timeout scan.
package settlement

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/shopspring/decimal"

	"github.com/solfight/match-engine/internal/chain"
	"github.com/solfight/match-engine/internal/metrics"
	"github.com/solfight/match-engine/internal/model"
	"github.com/solfight/match-engine/internal/store"
)

// ErrInvalidRake is returned for a rake outside 0..2500 basis points.
var ErrInvalidRake = errors.New("settlement: rake must be between 0 and 2500 basis points")

// Config tunes the settlement engine. Zero values fall back to defaults.
type Config struct {
	RakeBps            int             // platform fee in basis points (default 1000 = 10%)
	TieTolerance       decimal.Decimal // max ROI difference treated as a draw
	MaxAttempts        int             // payout submission attempts before failed
	RetryDelay         time.Duration   // fixed delay between attempts
	RetryScanInterval  time.Duration   // cadence of the persisted-retry scan
	EscrowScanInterval time.Duration   // cadence of the deposit-timeout scan
	Workers            int             // bounded payout concurrency
}

// DefaultConfig returns the recommended tuning: 10% rake, 0.001% tie
// tolerance, 3 attempts 2s apart.
func DefaultConfig() Config {
	return Config{
		RakeBps:            1000,
		TieTolerance:       decimal.NewFromFloat(0.00001),
		MaxAttempts:        3,
		RetryDelay:         2 * time.Second,
		RetryScanInterval:  time.Second,
		EscrowScanInterval: 5 * time.Second,
		Workers:            4,
	}
}

func (c Config) withDefaults() Config {
	def := DefaultConfig()
	if c.RakeBps == 0 {
		c.RakeBps = def.RakeBps
	}
	if c.TieTolerance.IsZero() {
		c.TieTolerance = def.TieTolerance
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = def.MaxAttempts
	}
	if c.RetryDelay <= 0 {
		c.RetryDelay = def.RetryDelay
	}
	if c.RetryScanInterval <= 0 {
		c.RetryScanInterval = def.RetryScanInterval
	}
	if c.EscrowScanInterval <= 0 {
		c.EscrowScanInterval = def.EscrowScanInterval
	}
	if c.Workers <= 0 {
		c.Workers = def.Workers
	}
	return c
}

// Arena is the slice of the match engine settlement needs: expiring
// unfunded matches and releasing settled ones.
type Arena interface {
	ExpireUnfunded(ctx context.Context, now time.Time) []model.Match
	Release(matchID string)
}

// Sink receives settlement notifications for fan-out to players.
type Sink interface {
	Settled(m model.Match, rec model.SettlementRecord)
	BalanceUpdated(playerID string)
}

type nopSink struct{}

func (nopSink) Settled(model.Match, model.SettlementRecord) {}
func (nopSink) BalanceUpdated(string)                       {}

// Engine consumes terminal snapshots and drives each match's settlement
// record to confirmed or failed. Payout submission may block on on-chain
// confirmation, so it runs in its own bounded worker pool, decoupled from
// the match heartbeat.
type Engine struct {
	store store.Store
	chain chain.Client // nil → off-chain balance settlement
	arena Arena
	sink  Sink
	cfg   Config

	snapshots <-chan model.Snapshot
	done      chan struct{}
	stopped   chan struct{}
}

// NewEngine creates the settlement engine. chainClient may be nil for
// off-chain balance settlement; arena and sink may be nil.
func NewEngine(st store.Store, chainClient chain.Client, arena Arena, sink Sink, snapshots <-chan model.Snapshot, cfg Config) (*Engine, error) {
	cfg = cfg.withDefaults()
	if cfg.RakeBps < 0 || cfg.RakeBps > 2500 {
		return nil, fmt.Errorf("%w: got %d", ErrInvalidRake, cfg.RakeBps)
	}
	if sink == nil {
		sink = nopSink{}
	}
	return &Engine{
		store:     st,
		chain:     chainClient,
		arena:     arena,
		sink:      sink,
		cfg:       cfg,
		snapshots: snapshots,
		done:      make(chan struct{}),
		stopped:   make(chan struct{}),
	}, nil
}

// Outcome is the computed result of a snapshot before payout application.
type Outcome struct {
	Tie      bool
	WinnerID string
	Pot      decimal.Decimal
	Rake     decimal.Decimal
	PayoutA  decimal.Decimal
	PayoutB  decimal.Decimal
}

// ComputeOutcome applies the ROI comparison, tie tolerance, and rake to a
// terminal snapshot. Pure; exported for tests.
//
//	ROI = (finalEquity − initialEquity) / initialEquity, initial = wager
//	tie     → both wagers refunded in full, no rake
//	win     → winner gets pot × (1 − rake), loser nothing
func ComputeOutcome(snap model.Snapshot, rakeBps int, tieTolerance decimal.Decimal) Outcome {
	roiA := snap.EquityA.Sub(snap.Wager).Div(snap.Wager)
	roiB := snap.EquityB.Sub(snap.Wager).Div(snap.Wager)
	pot := snap.Wager.Add(snap.Wager)

	if roiA.Sub(roiB).Abs().LessThanOrEqual(tieTolerance) {
		return Outcome{
			Tie:     true,
			Pot:     pot,
			Rake:    decimal.Zero,
			PayoutA: snap.Wager,
			PayoutB: snap.Wager,
		}
	}

	rake := pot.Mul(decimal.NewFromInt(int64(rakeBps))).Div(decimal.NewFromInt(10000))
	payout := pot.Sub(rake)
	out := Outcome{Pot: pot, Rake: rake}
	if roiA.GreaterThan(roiB) {
		out.WinnerID = snap.PlayerA
		out.PayoutA = payout
	} else {
		out.WinnerID = snap.PlayerB
		out.PayoutB = payout
	}
	return out
}

// Settle drives one snapshot to a durable settlement record and attempts
// the payout. Safe to invoke more than once for the same match: an
// existing non-pending record short-circuits, a pending one resumes.
func (e *Engine) Settle(ctx context.Context, snap model.Snapshot) error {
	rec, err := e.store.GetSettlement(ctx, snap.MatchID)
	switch {
	case err == nil:
		if rec.Status != model.SettlementPending {
			slog.Info("settlement already finalized, skipping",
				"match", snap.MatchID, "status", rec.Status)
			return nil
		}
		// Pending record from a previous run: resume the retry loop.
		return e.attempt(ctx, rec)
	case errors.Is(err, store.ErrNotFound):
		// First invocation, fall through to create the record.
	default:
		return fmt.Errorf("load settlement: %w", err)
	}

	out := ComputeOutcome(snap, e.cfg.RakeBps, e.cfg.TieTolerance)
	now := time.Now().UTC()
	rec = &model.SettlementRecord{
		MatchID:     snap.MatchID,
		Pot:         out.Pot,
		Rake:        out.Rake,
		PayoutA:     out.PayoutA,
		PayoutB:     out.PayoutB,
		Tie:         out.Tie,
		WinnerID:    out.WinnerID,
		Status:      model.SettlementPending,
		NextRetryAt: now,
		CreatedAt:   now,
	}
	if err := e.store.InsertSettlement(ctx, rec); err != nil {
		return fmt.Errorf("insert settlement: %w", err)
	}

	// Archive the trade history once, independent of payout retries.
	if err := e.store.InsertTrades(ctx, snap.Trades); err != nil {
		slog.Error("archive trades", "match", snap.MatchID, "err", err)
	}

	slog.Info("settlement created",
		"match", snap.MatchID,
		"tie", out.Tie,
		"winner", out.WinnerID,
		"pot", out.Pot.String(),
		"rake", out.Rake.String(),
	)
	return e.attempt(ctx, rec)
}

// attempt applies the payout once. Failure schedules the next retry or,
// past the attempt budget, marks the record failed — frozen funds are
// never released on failure, only delayed for operator reconciliation.
func (e *Engine) attempt(ctx context.Context, rec *model.SettlementRecord) error {
	m, err := e.store.GetMatch(ctx, rec.MatchID)
	if err != nil {
		return fmt.Errorf("load match for settlement: %w", err)
	}

	payErr := e.applyPayout(ctx, m, rec)
	if payErr == nil {
		rec.Status = model.SettlementConfirmed
		rec.SettledAt = time.Now().UTC()
		rec.NextRetryAt = time.Time{}
		if err := e.store.UpdateSettlement(ctx, rec); err != nil {
			return fmt.Errorf("confirm settlement: %w", err)
		}
		e.finalize(ctx, m, rec)
		return nil
	}

	rec.Attempts++
	metrics.PayoutRetriesTotal.Inc()
	if rec.Attempts >= e.cfg.MaxAttempts {
		rec.Status = model.SettlementFailed
		rec.NextRetryAt = time.Time{}
		slog.Error("settlement failed after max attempts, needs operator attention",
			"match", rec.MatchID, "attempts", rec.Attempts, "err", payErr)
		metrics.SettlementsTotal.WithLabelValues("failed").Inc()
	} else {
		rec.NextRetryAt = time.Now().UTC().Add(e.cfg.RetryDelay)
		slog.Warn("payout attempt failed, scheduled retry",
			"match", rec.MatchID, "attempt", rec.Attempts, "err", payErr)
	}
	if err := e.store.UpdateSettlement(ctx, rec); err != nil {
		return fmt.Errorf("persist retry state: %w", err)
	}
	return payErr
}

// applyPayout moves the money. Off-chain: escrow is debited and the
// winner's available balance credited in one store transaction. On-chain:
// the transfer instruction must be accepted before escrow is touched, so a
// submission failure leaves frozen balances intact. Every leg is safe to
// retry: the tx ref guards resubmission and the balance moves are atomic,
// so a transient store failure never pays twice or half-refunds.
func (e *Engine) applyPayout(ctx context.Context, m *model.Match, rec *model.SettlementRecord) error {
	if rec.Tie {
		// Full refund, no rake. Both-or-neither.
		if err := e.store.ReleasePair(ctx, m.PlayerA, m.PlayerB, m.Wager); err != nil {
			return fmt.Errorf("refund pot for match %s: %w", m.ID, err)
		}
		return nil
	}

	winner := rec.WinnerID
	payout := rec.PayoutA
	if winner == m.PlayerB {
		payout = rec.PayoutB
	}

	if e.chain != nil && rec.TxRef == "" {
		txRef, err := e.chain.SubmitPayout(ctx, winner, payout)
		if err != nil {
			return fmt.Errorf("submit payout: %w", err)
		}
		rec.TxRef = txRef
		// The ref must be durable before escrow is touched: a retry after
		// an accepted submission must never submit the transfer again.
		if err := e.store.UpdateSettlement(ctx, rec); err != nil {
			return fmt.Errorf("persist tx ref %s: %w", txRef, err)
		}
	}

	// Escrow consumed: both wagers leave frozen and an off-chain winner is
	// credited, atomically.
	credit := winner
	if e.chain != nil {
		credit = "" // paid on-chain, no local credit
	}
	if err := e.store.SettlePot(ctx, m.PlayerA, m.PlayerB, m.Wager, credit, payout); err != nil {
		return fmt.Errorf("consume escrow for match %s: %w", m.ID, err)
	}
	return nil
}

// finalize records the result on the match, updates player profiles, and
// releases the arena slot so both players can queue again.
func (e *Engine) finalize(ctx context.Context, m *model.Match, rec *model.SettlementRecord) {
	if rec.Tie {
		m.Result = model.ResultTie
		metrics.SettlementsTotal.WithLabelValues("tie").Inc()
	} else {
		m.Result = model.ResultWin
		m.WinnerID = rec.WinnerID
		metrics.SettlementsTotal.WithLabelValues("win").Inc()
	}
	m.Phase = model.PhaseEnded
	if err := e.store.UpdateMatch(ctx, m); err != nil {
		slog.Error("persist match result", "match", m.ID, "err", err)
	}

	e.updateProfiles(ctx, m, rec)

	for _, pid := range []string{m.PlayerA, m.PlayerB} {
		if err := e.store.SetCurrentMatch(ctx, pid, ""); err != nil {
			slog.Error("clear current match", "player", pid, "err", err)
		}
		e.sink.BalanceUpdated(pid)
	}
	if e.arena != nil {
		e.arena.Release(m.ID)
	}
	e.sink.Settled(*m, *rec)

	slog.Info("settlement confirmed",
		"match", m.ID,
		"result", m.Result,
		"winner", m.WinnerID,
		"tx_ref", rec.TxRef,
	)
}

// eloK is the rating update factor. New players start at model.DefaultElo.
const eloK = 32

// eloDelta is the standard Elo adjustment for a player at rating against
// an opponent, with score 1 for a win, 0.5 for a tie, 0 for a loss. The
// opponent's adjustment is the negation.
func eloDelta(rating, opponent int, score float64) int {
	expected := 1 / (1 + math.Pow(10, float64(opponent-rating)/400))
	return int(math.Round(eloK * (score - expected)))
}

// updateProfiles bumps win/loss/tie counters, streaks, Elo ratings, and
// net P&L.
func (e *Engine) updateProfiles(ctx context.Context, m *model.Match, rec *model.SettlementRecord) {
	pa, errA := e.store.GetPlayer(ctx, m.PlayerA)
	pb, errB := e.store.GetPlayer(ctx, m.PlayerB)
	if errA != nil || errB != nil {
		slog.Error("load players for stats", "match", m.ID, "err_a", errA, "err_b", errB)
		return
	}

	scoreA := 0.5
	if !rec.Tie {
		if rec.WinnerID == m.PlayerA {
			scoreA = 1
		} else {
			scoreA = 0
		}
	}
	delta := eloDelta(pa.EloRating, pb.EloRating, scoreA)
	pa.EloRating += delta
	pb.EloRating -= delta

	payouts := map[string]decimal.Decimal{
		m.PlayerA: rec.PayoutA,
		m.PlayerB: rec.PayoutB,
	}
	for _, p := range []*model.Player{pa, pb} {
		p.GamesPlayed++
		p.TotalPnL = p.TotalPnL.Add(payouts[p.ID].Sub(m.Wager))
		switch {
		case rec.Tie:
			p.Ties++
			p.CurrentStreak = 0
		case rec.WinnerID == p.ID:
			p.Wins++
			p.CurrentStreak++
		default:
			p.Losses++
			p.CurrentStreak = 0
		}
		if err := e.store.UpdatePlayerStats(ctx, p); err != nil {
			slog.Error("update player stats", "player", p.ID, "err", err)
		}
	}
}

// RetryScan resumes pending settlements whose retry deadline has passed.
// Driven by persisted state, so a restart picks up where it left off.
func (e *Engine) RetryScan(ctx context.Context, now time.Time) {
	recs, err := e.store.ListRetryableSettlements(ctx, now)
	if err != nil {
		slog.Error("list retryable settlements", "err", err)
		return
	}
	for i := range recs {
		if err := e.attempt(ctx, &recs[i]); err != nil {
			slog.Warn("settlement retry", "match", recs[i].MatchID, "err", err)
		}
	}
}

// EscrowScan cancels matches still awaiting deposits past their window,
// releases both players' frozen holds, and returns them to an unmatched
// state.
func (e *Engine) EscrowScan(ctx context.Context, now time.Time) {
	if e.arena == nil {
		return
	}
	for _, m := range e.arena.ExpireUnfunded(ctx, now) {
		slog.Info("escrow window elapsed, cancelling match",
			"match", m.ID, "deposited_a", m.DepositedA, "deposited_b", m.DepositedB)

		if err := e.store.ReleasePair(ctx, m.PlayerA, m.PlayerB, m.Wager); err != nil {
			slog.Error("release holds on cancel", "match", m.ID, "err", err)
		}
		for _, pid := range []string{m.PlayerA, m.PlayerB} {
			if err := e.store.SetCurrentMatch(ctx, pid, ""); err != nil {
				slog.Error("clear current match", "player", pid, "err", err)
			}
			e.sink.BalanceUpdated(pid)
		}
		e.arena.Release(m.ID)
	}
}

// Start runs the snapshot workers, the retry scan, and the escrow scan.
func (e *Engine) Start(ctx context.Context) {
	go func() {
		defer close(e.stopped)

		sem := make(chan struct{}, e.cfg.Workers)
		retry := time.NewTicker(e.cfg.RetryScanInterval)
		escrow := time.NewTicker(e.cfg.EscrowScanInterval)
		defer retry.Stop()
		defer escrow.Stop()

		for {
			select {
			case snap := <-e.snapshots:
				sem <- struct{}{}
				go func(s model.Snapshot) {
					defer func() { <-sem }()
					if err := e.Settle(ctx, s); err != nil {
						slog.Error("settle", "match", s.MatchID, "err", err)
					}
				}(snap)
			case now := <-retry.C:
				e.RetryScan(ctx, now.UTC())
			case now := <-escrow.C:
				e.EscrowScan(ctx, now.UTC())
			case <-e.done:
				return
			case <-ctx.Done():
				return
			}
		}
	}()
}

// Stop halts the loops. In-flight payout attempts finish on their own.
func (e *Engine) Stop() {
	close(e.done)
	<-e.stopped
}
