package match

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/solfight/match-engine/internal/metrics"
	"github.com/solfight/match-engine/internal/model"
	"github.com/solfight/match-engine/internal/position"
	"github.com/solfight/match-engine/internal/store"
)

var (
	// ErrNoMatch is returned when the player has no active match.
	ErrNoMatch = errors.New("match: player has no active match")

	// ErrMatchNotActive is returned when a trade command arrives outside a
	// trading phase.
	ErrMatchNotActive = errors.New("match: match is not in a trading phase")

	// ErrNotParticipant is returned when a deposit or command references a
	// match the player is not part of.
	ErrNotParticipant = errors.New("match: player is not a participant")

	// ErrAlreadyDeposited is returned on a duplicate deposit confirmation.
	ErrAlreadyDeposited = errors.New("match: deposit already confirmed")

	// ErrPriceUnavailable is returned when no tick has ever been seen for
	// the requested asset.
	ErrPriceUnavailable = errors.New("match: no price available for asset")

	// ErrCommandLocked is returned when a player forfeited command access
	// by staying disconnected past the grace window.
	ErrCommandLocked = errors.New("match: command access forfeited after disconnect grace")
)

// Config tunes the lifecycle engine. Zero values fall back to defaults.
type Config struct {
	DepositWindow   time.Duration // escrow funding window after pairing
	Heartbeat       time.Duration // phase evaluation cadence without ticks
	StaleAfter      time.Duration // feed staleness threshold per asset
	DisconnectGrace time.Duration // reconnection courtesy window
}

// DefaultConfig returns the recommended tuning.
func DefaultConfig() Config {
	return Config{
		DepositWindow:   60 * time.Second,
		Heartbeat:       time.Second,
		StaleAfter:      10 * time.Second,
		DisconnectGrace: 60 * time.Second,
	}
}

func (c Config) withDefaults() Config {
	def := DefaultConfig()
	if c.DepositWindow <= 0 {
		c.DepositWindow = def.DepositWindow
	}
	if c.Heartbeat <= 0 {
		c.Heartbeat = def.Heartbeat
	}
	if c.StaleAfter <= 0 {
		c.StaleAfter = def.StaleAfter
	}
	if c.DisconnectGrace <= 0 {
		c.DisconnectGrace = def.DisconnectGrace
	}
	return c
}

// EventSink receives lifecycle notifications for fan-out to players.
// Implementations must not block; the session hub buffers internally.
type EventSink interface {
	MatchFound(m model.Match)
	MatchStarted(m model.Match)
	PositionClosed(m model.Match, p model.Position)
	MatchEnded(m model.Match, snap model.Snapshot)
	MatchCancelled(m model.Match)
}

type nopSink struct{}

func (nopSink) MatchFound(model.Match)                     {}
func (nopSink) MatchStarted(model.Match)                   {}
func (nopSink) PositionClosed(model.Match, model.Position) {}
func (nopSink) MatchEnded(model.Match, model.Snapshot)     {}
func (nopSink) MatchCancelled(model.Match)                 {}

// priceCursor is the last accepted tick for one asset.
type priceCursor struct {
	price decimal.Decimal
	tsMs  int64
	seen  time.Time // wall clock of last accepted tick
}

// liveMatch is one match's exclusive processing context. Its mutex guards
// the ledger and phase; two matches never contend.
type liveMatch struct {
	mu           sync.Mutex
	m            model.Match
	ledger       *position.Ledger
	prices       map[string]decimal.Decimal // last price per asset this match saw
	phaseChanges int
	disconnects  map[string]time.Time // player → disconnect instant
	lockedOut    map[string]bool      // grace elapsed; commands forfeited
	finalized    bool
}

// Engine owns the arena of live matches. Price ticks and the heartbeat
// drive phase evaluation; terminal snapshots go out on the settlement
// channel. The hot tick path never performs network I/O.
type Engine struct {
	store store.Store
	sink  EventSink
	cfg   Config
	out   chan model.Snapshot

	mu       sync.RWMutex
	arena    map[string]*liveMatch
	byPlayer map[string]string // player → match id (held until settlement releases)

	feedMu sync.Mutex
	feed   map[string]priceCursor // engine-wide last tick per asset

	done chan struct{}
	wg   sync.WaitGroup
}

// NewEngine creates the lifecycle engine. sink may be nil.
func NewEngine(st store.Store, sink EventSink, cfg Config) *Engine {
	if sink == nil {
		sink = nopSink{}
	}
	return &Engine{
		store:    st,
		sink:     sink,
		cfg:      cfg.withDefaults(),
		out:      make(chan model.Snapshot, 256),
		arena:    make(map[string]*liveMatch),
		byPlayer: make(map[string]string),
		feed:     make(map[string]priceCursor),
		done:     make(chan struct{}),
	}
}

// SetSink replaces the event sink. Must be called before Start; the hub
// is constructed after the engine, so wiring happens in two steps.
func (e *Engine) SetSink(sink EventSink) {
	if sink != nil {
		e.sink = sink
	}
}

// Snapshots is the stream of terminal match snapshots for settlement.
func (e *Engine) Snapshots() <-chan model.Snapshot {
	return e.out
}

// CreateMatch pairs two queue entries into a pending-deposit match. Used
// as the matchmaking queue's pair function.
func (e *Engine) CreateMatch(ctx context.Context, a, b model.QueueEntry) error {
	now := time.Now().UTC()
	m := model.Match{
		ID:              uuid.New().String(),
		PlayerA:         a.PlayerID,
		PlayerB:         b.PlayerID,
		Duration:        a.Duration,
		Wager:           a.Wager,
		Phase:           model.PhasePendingDeposit,
		DepositDeadline: now.Add(e.cfg.DepositWindow),
		Result:          model.ResultPending,
		CreatedAt:       now,
	}
	if err := e.store.InsertMatch(ctx, &m); err != nil {
		return fmt.Errorf("insert match: %w", err)
	}
	// Volume counts both wagers.
	if err := e.store.IncrementPlatformTotals(ctx, m.Wager.Add(m.Wager)); err != nil {
		slog.Error("bump platform totals", "match", m.ID, "err", err)
	}
	for _, pid := range []string{m.PlayerA, m.PlayerB} {
		if err := e.store.SetCurrentMatch(ctx, pid, m.ID); err != nil {
			return fmt.Errorf("set current match for %s: %w", pid, err)
		}
	}

	lm := &liveMatch{
		m:           m,
		ledger:      position.NewLedger(m.ID, m.Wager),
		prices:      make(map[string]decimal.Decimal),
		disconnects: make(map[string]time.Time),
		lockedOut:   make(map[string]bool),
	}
	e.mu.Lock()
	e.arena[m.ID] = lm
	e.byPlayer[m.PlayerA] = m.ID
	e.byPlayer[m.PlayerB] = m.ID
	e.mu.Unlock()
	metrics.ActiveMatches.Inc()

	slog.Info("match created",
		"match", m.ID,
		"player_a", m.PlayerA,
		"player_b", m.PlayerB,
		"wager", m.Wager.String(),
		"duration", m.Duration.String(),
	)
	e.sink.MatchFound(m)
	return nil
}

// ConfirmDeposit records one player's confirmed escrow deposit. The match
// starts once both are in.
func (e *Engine) ConfirmDeposit(ctx context.Context, matchID, playerID string) error {
	lm, err := e.get(matchID)
	if err != nil {
		return err
	}
	lm.mu.Lock()
	defer lm.mu.Unlock()

	if !lm.m.HasPlayer(playerID) {
		return fmt.Errorf("%w: %s in match %s", ErrNotParticipant, playerID, matchID)
	}
	if lm.m.Phase != model.PhasePendingDeposit {
		return fmt.Errorf("%w: match %s is %s", ErrMatchNotActive, matchID, lm.m.Phase)
	}

	switch playerID {
	case lm.m.PlayerA:
		if lm.m.DepositedA {
			return ErrAlreadyDeposited
		}
		lm.m.DepositedA = true
	case lm.m.PlayerB:
		if lm.m.DepositedB {
			return ErrAlreadyDeposited
		}
		lm.m.DepositedB = true
	}

	if lm.m.DepositedA && lm.m.DepositedB {
		now := time.Now().UTC()
		lm.m.StartTime = now
		lm.m.EndTime = now.Add(lm.m.Duration)
		lm.m.Phase = model.PhaseIntro
		lm.phaseChanges++
		slog.Info("match started", "match", matchID, "ends", lm.m.EndTime)
		e.sink.MatchStarted(lm.m)
	}
	if err := e.store.UpdateMatch(ctx, &lm.m); err != nil {
		return fmt.Errorf("persist deposit state: %w", err)
	}
	return nil
}

// ApplyPriceTick applies one feed tick to every live match trading the
// asset, then re-evaluates phases. Duplicate and out-of-order ticks are
// ignored via the per-asset timestamp cursor; a tick older than the
// staleness threshold updates the recorded price but does not drive
// liquidation or stop evaluation.
func (e *Engine) ApplyPriceTick(tick model.PriceTick) {
	now := time.Now().UTC()

	e.feedMu.Lock()
	cur, seen := e.feed[tick.Asset]
	if seen && tick.TimestampMs <= cur.tsMs {
		e.feedMu.Unlock()
		return // duplicate or out-of-order
	}
	e.feed[tick.Asset] = priceCursor{price: tick.Price, tsMs: tick.TimestampMs, seen: now}
	e.feedMu.Unlock()

	fresh := now.Sub(time.UnixMilli(tick.TimestampMs)) <= e.cfg.StaleAfter
	metrics.TicksAppliedTotal.Inc()

	for _, lm := range e.liveMatches() {
		e.applyToMatch(lm, tick, fresh, now)
	}
}

func (e *Engine) applyToMatch(lm *liveMatch, tick model.PriceTick, fresh bool, now time.Time) {
	lm.mu.Lock()
	defer lm.mu.Unlock()

	if lm.finalized || !lm.m.Phase.Trading() {
		e.advanceLocked(lm, now)
		return
	}

	lm.prices[tick.Asset] = tick.Price
	if fresh {
		for _, p := range lm.ledger.ApplyTick(tick.Asset, tick.Price) {
			metrics.PositionsClosedTotal.WithLabelValues(string(p.CloseReason)).Inc()
			e.sink.PositionClosed(lm.m, *p)
		}
	}
	e.advanceLocked(lm, now)
}

// advanceLocked re-evaluates the time-based phase and finalizes the match
// once the wall-clock end is reached. Caller holds lm.mu.
func (e *Engine) advanceLocked(lm *liveMatch, now time.Time) {
	if lm.finalized || !lm.m.Phase.Trading() {
		return
	}
	next := PhaseAt(lm.m.StartTime, now, lm.m.Duration)
	if next == lm.m.Phase {
		return
	}
	lm.phaseChanges++
	lm.m.Phase = next
	if next != model.PhaseEnded {
		slog.Debug("phase change", "match", lm.m.ID, "phase", next)
		return
	}
	e.finalizeLocked(lm, now)
}

// finalizeLocked closes out every open position at last known prices and
// hands the terminal snapshot to settlement. Runs exactly once per match.
func (e *Engine) finalizeLocked(lm *liveMatch, now time.Time) {
	lm.finalized = true
	for _, p := range lm.ledger.CloseAllForMatchEnd(lm.prices) {
		metrics.PositionsClosedTotal.WithLabelValues(string(p.CloseReason)).Inc()
		e.sink.PositionClosed(lm.m, *p)
	}

	snap := model.Snapshot{
		MatchID:      lm.m.ID,
		PlayerA:      lm.m.PlayerA,
		PlayerB:      lm.m.PlayerB,
		Wager:        lm.m.Wager,
		EquityA:      lm.ledger.Equity(lm.m.PlayerA, nil),
		EquityB:      lm.ledger.Equity(lm.m.PlayerB, nil),
		Trades:       lm.ledger.Closed(),
		PhaseChanges: lm.phaseChanges,
		EndedAt:      now,
	}
	slog.Info("match ended",
		"match", lm.m.ID,
		"equity_a", snap.EquityA.String(),
		"equity_b", snap.EquityB.String(),
		"trades", len(snap.Trades),
	)
	e.sink.MatchEnded(lm.m, snap)

	// The settlement queue is buffered; spill to a goroutine rather than
	// stall the tick path if it ever fills. The spill gives up on Stop so
	// it cannot outlive the engine.
	select {
	case e.out <- snap:
	default:
		e.wg.Add(1)
		go func() {
			defer e.wg.Done()
			select {
			case e.out <- snap:
			case <-e.done:
			}
		}()
	}
}

// Heartbeat advances phases on wall-clock time so a match with no ticks
// still reaches ended, and refreshes the stale-asset gauge.
func (e *Engine) Heartbeat(now time.Time) {
	for _, lm := range e.liveMatches() {
		lm.mu.Lock()
		e.advanceLocked(lm, now)
		e.checkGraceLocked(lm, now)
		lm.mu.Unlock()
	}

	e.feedMu.Lock()
	stale := 0
	for _, cur := range e.feed {
		if now.Sub(cur.seen) > e.cfg.StaleAfter {
			stale++
		}
	}
	e.feedMu.Unlock()
	metrics.StaleAssets.Set(float64(stale))
}

// OpenPosition opens a leveraged position for the player's active match at
// the current feed price.
func (e *Engine) OpenPosition(playerID, asset string, side model.Side, margin decimal.Decimal, leverage int, stops position.StopParams) (*model.Position, error) {
	lm, err := e.byPlayerMatch(playerID)
	if err != nil {
		return nil, err
	}
	price, err := e.LastPrice(asset)
	if err != nil {
		return nil, err
	}

	lm.mu.Lock()
	defer lm.mu.Unlock()

	if lm.lockedOut[playerID] {
		return nil, ErrCommandLocked
	}
	if !lm.m.Phase.Trading() {
		return nil, fmt.Errorf("%w: phase %s", ErrMatchNotActive, lm.m.Phase)
	}
	p, err := lm.ledger.Open(playerID, asset, side, margin, leverage, price, stops)
	if err != nil {
		return nil, err
	}
	lm.prices[asset] = price
	metrics.PositionsOpenedTotal.WithLabelValues(string(side)).Inc()
	slog.Info("position opened",
		"match", lm.m.ID,
		"player", playerID,
		"asset", asset,
		"side", side,
		"margin", margin.String(),
		"leverage", leverage,
		"entry", price.String(),
	)
	return p, nil
}

// ClosePosition closes the player's position at the current feed price.
func (e *Engine) ClosePosition(playerID, positionID string) (*model.Position, error) {
	lm, err := e.byPlayerMatch(playerID)
	if err != nil {
		return nil, err
	}

	lm.mu.Lock()
	defer lm.mu.Unlock()

	if lm.lockedOut[playerID] {
		return nil, ErrCommandLocked
	}
	p, ok := lm.ledger.Get(positionID)
	if !ok || p.PlayerID != playerID {
		return nil, fmt.Errorf("%w: %s", position.ErrPositionNotOpen, positionID)
	}
	price, err := e.LastPrice(p.Asset)
	if err != nil {
		return nil, err
	}
	closed, err := lm.ledger.Close(positionID, price, model.CloseManual)
	if err != nil {
		return nil, err
	}
	metrics.PositionsClosedTotal.WithLabelValues(string(model.CloseManual)).Inc()
	e.sink.PositionClosed(lm.m, *closed)
	return closed, nil
}

// LastPrice returns the engine's last accepted price for the asset.
func (e *Engine) LastPrice(asset string) (decimal.Decimal, error) {
	e.feedMu.Lock()
	defer e.feedMu.Unlock()
	cur, ok := e.feed[asset]
	if !ok {
		return decimal.Decimal{}, fmt.Errorf("%w: %s", ErrPriceUnavailable, asset)
	}
	return cur.price, nil
}

// Prices returns a copy of the engine's last accepted price per asset.
func (e *Engine) Prices() map[string]decimal.Decimal {
	e.feedMu.Lock()
	defer e.feedMu.Unlock()
	out := make(map[string]decimal.Decimal, len(e.feed))
	for asset, cur := range e.feed {
		out[asset] = cur.price
	}
	return out
}

// PlayerSummary is the opponent-state digest broadcast during a match.
type PlayerSummary struct {
	PlayerID      string          `json:"player_id"`
	Equity        decimal.Decimal `json:"equity"`
	OpenPositions int             `json:"open_positions"`
}

// Summary returns both players' current equity and open position counts,
// or ErrNoMatch when the player is not in a live match.
func (e *Engine) Summary(playerID string) (self, opponent PlayerSummary, err error) {
	lm, err := e.byPlayerMatch(playerID)
	if err != nil {
		return PlayerSummary{}, PlayerSummary{}, err
	}
	lm.mu.Lock()
	defer lm.mu.Unlock()

	opp := lm.m.Other(playerID)
	mk := func(pid string) PlayerSummary {
		return PlayerSummary{
			PlayerID:      pid,
			Equity:        lm.ledger.Equity(pid, lm.prices),
			OpenPositions: len(lm.ledger.OpenPositions(pid)),
		}
	}
	return mk(playerID), mk(opp), nil
}

// MatchState returns a copy of the live match record.
func (e *Engine) MatchState(matchID string) (model.Match, error) {
	lm, err := e.get(matchID)
	if err != nil {
		return model.Match{}, err
	}
	lm.mu.Lock()
	defer lm.mu.Unlock()
	return lm.m, nil
}

// HasActiveMatch reports whether the player is bound to a live or
// still-settling match. Injected into matchmaking to enforce the
// one-match-per-player invariant.
func (e *Engine) HasActiveMatch(playerID string) bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	_, ok := e.byPlayer[playerID]
	return ok
}

// OnDisconnect starts the player's grace window. Match phase and positions
// are unaffected.
func (e *Engine) OnDisconnect(playerID string) {
	lm, err := e.byPlayerMatch(playerID)
	if err != nil {
		return
	}
	lm.mu.Lock()
	defer lm.mu.Unlock()
	if _, already := lm.disconnects[playerID]; !already {
		lm.disconnects[playerID] = time.Now().UTC()
		slog.Info("player disconnected, grace window started",
			"match", lm.m.ID, "player", playerID, "grace", e.cfg.DisconnectGrace)
	}
}

// OnReconnect clears the player's grace window if it has not elapsed.
func (e *Engine) OnReconnect(playerID string) {
	lm, err := e.byPlayerMatch(playerID)
	if err != nil {
		return
	}
	lm.mu.Lock()
	defer lm.mu.Unlock()
	delete(lm.disconnects, playerID)
}

// checkGraceLocked revokes command access for players whose grace window
// elapsed without reconnection. The match itself keeps running to its
// scheduled end: forfeiture by inaction, not by disconnect.
func (e *Engine) checkGraceLocked(lm *liveMatch, now time.Time) {
	for pid, since := range lm.disconnects {
		if now.Sub(since) > e.cfg.DisconnectGrace && !lm.lockedOut[pid] {
			lm.lockedOut[pid] = true
			slog.Info("disconnect grace elapsed, command access revoked",
				"match", lm.m.ID, "player", pid)
		}
	}
}

// ExpireUnfunded cancels matches still awaiting deposits past the escrow
// deadline and returns them (with deposit flags) so the caller can refund
// the funded side. The cancelled match is removed from the arena under the
// same locks pairing used, so a concurrent deposit cannot race it.
func (e *Engine) ExpireUnfunded(ctx context.Context, now time.Time) []model.Match {
	var expired []model.Match
	for _, lm := range e.liveMatches() {
		lm.mu.Lock()
		if lm.m.Phase == model.PhasePendingDeposit && now.After(lm.m.DepositDeadline) {
			lm.m.Phase = model.PhaseCancelled
			lm.finalized = true
			if err := e.store.UpdateMatch(ctx, &lm.m); err != nil {
				slog.Error("persist cancelled match", "match", lm.m.ID, "err", err)
			}
			expired = append(expired, lm.m)
			metrics.EscrowTimeoutsTotal.Inc()
			e.sink.MatchCancelled(lm.m)
		}
		lm.mu.Unlock()
	}
	return expired
}

// Release drops a settled or cancelled match from the arena and unbinds
// its players, letting them queue again. Called by settlement once
// finalization is durable.
func (e *Engine) Release(matchID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	lm, ok := e.arena[matchID]
	if !ok {
		return
	}
	delete(e.arena, matchID)
	delete(e.byPlayer, lm.m.PlayerA)
	delete(e.byPlayer, lm.m.PlayerB)
	metrics.ActiveMatches.Dec()
}

// Start runs the heartbeat loop until Stop.
func (e *Engine) Start(ctx context.Context) {
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		ticker := time.NewTicker(e.cfg.Heartbeat)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				e.Heartbeat(time.Now().UTC())
			case <-e.done:
				return
			case <-ctx.Done():
				return
			}
		}
	}()
}

// Stop halts the heartbeat loop.
func (e *Engine) Stop() {
	close(e.done)
	e.wg.Wait()
}

func (e *Engine) liveMatches() []*liveMatch {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]*liveMatch, 0, len(e.arena))
	for _, lm := range e.arena {
		out = append(out, lm)
	}
	return out
}

func (e *Engine) get(matchID string) (*liveMatch, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	lm, ok := e.arena[matchID]
	if !ok {
		return nil, fmt.Errorf("%w: match %s", ErrNoMatch, matchID)
	}
	return lm, nil
}

func (e *Engine) byPlayerMatch(playerID string) (*liveMatch, error) {
	e.mu.RLock()
	matchID, ok := e.byPlayer[playerID]
	lm := e.arena[matchID]
	e.mu.RUnlock()
	if !ok || lm == nil {
		return nil, fmt.Errorf("%w: %s", ErrNoMatch, playerID)
	}
	return lm, nil
}
