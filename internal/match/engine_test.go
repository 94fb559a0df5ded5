package match_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/solfight/match-engine/internal/match"
	"github.com/solfight/match-engine/internal/model"
	"github.com/solfight/match-engine/internal/position"
	"github.com/solfight/match-engine/internal/store"
)

func d(f float64) decimal.Decimal {
	return decimal.NewFromFloat(f)
}

type sinkRecorder struct {
	found     []model.Match
	started   []model.Match
	closed    []model.Position
	ended     []model.Snapshot
	cancelled []model.Match
}

func (s *sinkRecorder) MatchFound(m model.Match)   { s.found = append(s.found, m) }
func (s *sinkRecorder) MatchStarted(m model.Match) { s.started = append(s.started, m) }
func (s *sinkRecorder) PositionClosed(_ model.Match, p model.Position) {
	s.closed = append(s.closed, p)
}
func (s *sinkRecorder) MatchEnded(_ model.Match, snap model.Snapshot) {
	s.ended = append(s.ended, snap)
}
func (s *sinkRecorder) MatchCancelled(m model.Match) { s.cancelled = append(s.cancelled, m) }

// newTestEngine seeds two funded players and returns a wired engine.
func newTestEngine(t *testing.T) (*match.Engine, *store.MemoryStore, *sinkRecorder) {
	t.Helper()
	ms := store.NewMemoryStore()
	for _, id := range []string{"alice", "bob"} {
		if err := ms.CreatePlayer(context.Background(), &model.Player{
			ID:        id,
			Available: d(1000),
			CreatedAt: time.Now().UTC(),
		}); err != nil {
			t.Fatalf("seed player: %v", err)
		}
	}
	sink := &sinkRecorder{}
	eng := match.NewEngine(ms, sink, match.Config{
		DepositWindow:   time.Minute,
		StaleAfter:      10 * time.Second,
		DisconnectGrace: time.Minute,
	})
	return eng, ms, sink
}

func entry(player string, wager float64) model.QueueEntry {
	return model.QueueEntry{
		ID:         "entry-" + player,
		PlayerID:   player,
		Duration:   time.Hour,
		Wager:      d(wager),
		EnqueuedAt: time.Now().UTC(),
	}
}

// startMatch creates a match and confirms both deposits.
func startMatch(t *testing.T, eng *match.Engine, sink *sinkRecorder) model.Match {
	t.Helper()
	ctx := context.Background()
	if err := eng.CreateMatch(ctx, entry("alice", 50), entry("bob", 50)); err != nil {
		t.Fatalf("create match: %v", err)
	}
	m := sink.found[len(sink.found)-1]
	if err := eng.ConfirmDeposit(ctx, m.ID, "alice"); err != nil {
		t.Fatalf("deposit alice: %v", err)
	}
	if err := eng.ConfirmDeposit(ctx, m.ID, "bob"); err != nil {
		t.Fatalf("deposit bob: %v", err)
	}
	started, err := eng.MatchState(m.ID)
	if err != nil {
		t.Fatalf("match state: %v", err)
	}
	return started
}

func tick(asset string, price float64) model.PriceTick {
	return model.PriceTick{Asset: asset, Price: d(price), TimestampMs: time.Now().UnixMilli()}
}

func TestCreateAndDeposit(t *testing.T) {
	eng, ms, sink := newTestEngine(t)
	ctx := context.Background()

	if err := eng.CreateMatch(ctx, entry("alice", 50), entry("bob", 50)); err != nil {
		t.Fatalf("create match: %v", err)
	}
	if len(sink.found) != 1 {
		t.Fatal("match_found not emitted")
	}
	m := sink.found[0]

	state, _ := eng.MatchState(m.ID)
	if state.Phase != model.PhasePendingDeposit {
		t.Errorf("phase = %s, want pending_deposit", state.Phase)
	}
	if !eng.HasActiveMatch("alice") || !eng.HasActiveMatch("bob") {
		t.Error("both players should be bound to the match")
	}

	// Platform totals count the game and both wagers.
	stats, err := ms.GetPlatformStats(ctx)
	if err != nil {
		t.Fatalf("get platform stats: %v", err)
	}
	if stats.TotalGames != 1 {
		t.Errorf("total games = %d, want 1", stats.TotalGames)
	}
	if !stats.TotalVolume.Equal(d(100)) {
		t.Errorf("total volume = %s, want 100", stats.TotalVolume)
	}

	if err := eng.ConfirmDeposit(ctx, m.ID, "alice"); err != nil {
		t.Fatalf("deposit: %v", err)
	}
	if err := eng.ConfirmDeposit(ctx, m.ID, "alice"); !errors.Is(err, match.ErrAlreadyDeposited) {
		t.Errorf("duplicate deposit: got %v, want ErrAlreadyDeposited", err)
	}
	if err := eng.ConfirmDeposit(ctx, m.ID, "mallory"); !errors.Is(err, match.ErrNotParticipant) {
		t.Errorf("outsider deposit: got %v, want ErrNotParticipant", err)
	}

	if err := eng.ConfirmDeposit(ctx, m.ID, "bob"); err != nil {
		t.Fatalf("deposit: %v", err)
	}
	state, _ = eng.MatchState(m.ID)
	if state.Phase != model.PhaseIntro {
		t.Errorf("phase after both deposits = %s, want intro", state.Phase)
	}
	if len(sink.started) != 1 {
		t.Error("match_started not emitted")
	}

	// Persisted too.
	stored, err := ms.GetMatch(ctx, m.ID)
	if err != nil {
		t.Fatalf("get match: %v", err)
	}
	if !stored.DepositedA || !stored.DepositedB {
		t.Error("deposit flags not persisted")
	}
}

func TestOpenPosition_RequiresPriceAndActivePhase(t *testing.T) {
	eng, _, sink := newTestEngine(t)
	startMatch(t, eng, sink)

	// No tick seen yet for the asset.
	_, err := eng.OpenPosition("alice", "BTC", model.SideLong, d(10), 10, position.StopParams{})
	if !errors.Is(err, match.ErrPriceUnavailable) {
		t.Fatalf("open without price: got %v, want ErrPriceUnavailable", err)
	}

	eng.ApplyPriceTick(tick("BTC", 60000))
	p, err := eng.OpenPosition("alice", "BTC", model.SideLong, d(10), 10, position.StopParams{})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if !p.EntryPrice.Equal(d(60000)) {
		t.Errorf("entry price = %s, want last tick 60000", p.EntryPrice)
	}

	// A player without a match is rejected.
	if _, err := eng.OpenPosition("mallory", "BTC", model.SideLong, d(10), 10, position.StopParams{}); !errors.Is(err, match.ErrNoMatch) {
		t.Errorf("open without match: got %v, want ErrNoMatch", err)
	}
}

func TestApplyPriceTick_IdempotentAndOrdered(t *testing.T) {
	eng, _, sink := newTestEngine(t)
	startMatch(t, eng, sink)

	ts := time.Now().UnixMilli()
	eng.ApplyPriceTick(model.PriceTick{Asset: "BTC", Price: d(60000), TimestampMs: ts})

	// Duplicate timestamp: ignored even with a different price.
	eng.ApplyPriceTick(model.PriceTick{Asset: "BTC", Price: d(99999), TimestampMs: ts})
	if price, _ := eng.LastPrice("BTC"); !price.Equal(d(60000)) {
		t.Errorf("duplicate tick applied: price = %s", price)
	}

	// Out-of-order timestamp: ignored.
	eng.ApplyPriceTick(model.PriceTick{Asset: "BTC", Price: d(11111), TimestampMs: ts - 5000})
	if price, _ := eng.LastPrice("BTC"); !price.Equal(d(60000)) {
		t.Errorf("out-of-order tick applied: price = %s", price)
	}

	// Newer timestamp: applied.
	eng.ApplyPriceTick(model.PriceTick{Asset: "BTC", Price: d(60100), TimestampMs: ts + 1000})
	if price, _ := eng.LastPrice("BTC"); !price.Equal(d(60100)) {
		t.Errorf("fresh tick dropped: price = %s", price)
	}
}

func TestStaleTick_SuppressesTriggerEvaluation(t *testing.T) {
	eng, _, sink := newTestEngine(t)
	startMatch(t, eng, sink)

	// Seed the price with an already-old tick so later stale ticks still
	// advance the cursor.
	eng.ApplyPriceTick(model.PriceTick{
		Asset:       "BTC",
		Price:       d(60000),
		TimestampMs: time.Now().Add(-30 * time.Second).UnixMilli(),
	})
	if _, err := eng.OpenPosition("alice", "BTC", model.SideLong, d(10), 2, position.StopParams{StopLoss: d(58000)}); err != nil {
		t.Fatalf("open: %v", err)
	}

	// A tick 20s old crosses the stop but must not fire it.
	eng.ApplyPriceTick(model.PriceTick{
		Asset:       "BTC",
		Price:       d(57000),
		TimestampMs: time.Now().Add(-20 * time.Second).UnixMilli(),
	})
	if len(sink.closed) != 0 {
		t.Fatal("stale tick must not drive stop evaluation")
	}
	// The price itself is still recorded.
	if price, _ := eng.LastPrice("BTC"); !price.Equal(d(57000)) {
		t.Errorf("stale price not recorded: %s", price)
	}

	// Fresh data resumes: the stop fires.
	eng.ApplyPriceTick(tick("BTC", 57000))
	if len(sink.closed) != 1 || sink.closed[0].CloseReason != model.CloseStopLoss {
		t.Fatalf("expected stop-loss close on fresh tick, got %+v", sink.closed)
	}
}

func TestHeartbeat_EndsMatchAndEmitsSnapshot(t *testing.T) {
	eng, _, sink := newTestEngine(t)
	m := startMatch(t, eng, sink)

	eng.ApplyPriceTick(tick("BTC", 60000))
	if _, err := eng.OpenPosition("alice", "BTC", model.SideLong, d(50), 10, position.StopParams{}); err != nil {
		t.Fatalf("open: %v", err)
	}
	eng.ApplyPriceTick(tick("BTC", 61200)) // +2%

	// Force the wall-clock end from the heartbeat: matches without further
	// ticks still reach ended.
	eng.Heartbeat(m.StartTime.Add(m.Duration + time.Second))

	select {
	case snap := <-eng.Snapshots():
		if snap.MatchID != m.ID {
			t.Errorf("snapshot match = %s, want %s", snap.MatchID, m.ID)
		}
		// margin 50 × 10x × 2% = +10 on a 50 wager.
		if !snap.EquityA.Equal(d(60)) {
			t.Errorf("equity A = %s, want 60", snap.EquityA)
		}
		if !snap.EquityB.Equal(d(50)) {
			t.Errorf("equity B = %s, want wager 50", snap.EquityB)
		}
		if len(snap.Trades) != 1 || snap.Trades[0].CloseReason != model.CloseMatchEnd {
			t.Errorf("trades = %+v, want one match_end close", snap.Trades)
		}
	default:
		t.Fatal("no snapshot emitted")
	}

	if len(sink.ended) != 1 {
		t.Error("match_ended not emitted")
	}
	// Commands after the end are rejected.
	if _, err := eng.OpenPosition("alice", "BTC", model.SideLong, d(5), 2, position.StopParams{}); !errors.Is(err, match.ErrMatchNotActive) {
		t.Errorf("open after end: got %v, want ErrMatchNotActive", err)
	}
}

func TestExpireUnfunded(t *testing.T) {
	eng, _, sink := newTestEngine(t)
	ctx := context.Background()

	if err := eng.CreateMatch(ctx, entry("alice", 50), entry("bob", 50)); err != nil {
		t.Fatalf("create match: %v", err)
	}
	m := sink.found[0]
	if err := eng.ConfirmDeposit(ctx, m.ID, "alice"); err != nil {
		t.Fatalf("deposit: %v", err)
	}

	// Before the deadline: nothing expires.
	if expired := eng.ExpireUnfunded(ctx, time.Now().UTC()); len(expired) != 0 {
		t.Fatal("match expired before deadline")
	}

	expired := eng.ExpireUnfunded(ctx, m.DepositDeadline.Add(time.Second))
	if len(expired) != 1 {
		t.Fatalf("expected 1 expired match, got %d", len(expired))
	}
	if expired[0].Phase != model.PhaseCancelled {
		t.Errorf("phase = %s, want cancelled", expired[0].Phase)
	}
	// The funded side is reported so the caller can refund it.
	if !expired[0].DepositedA || expired[0].DepositedB {
		t.Errorf("deposit flags = %v/%v, want alice funded only", expired[0].DepositedA, expired[0].DepositedB)
	}
	if len(sink.cancelled) != 1 {
		t.Error("match_cancelled not emitted")
	}
}

func TestDisconnectGrace(t *testing.T) {
	eng, _, sink := newTestEngine(t)
	m := startMatch(t, eng, sink)
	eng.ApplyPriceTick(tick("BTC", 60000))

	eng.OnDisconnect("alice")

	// Reconnect within the grace window: full rights.
	eng.OnReconnect("alice")
	eng.Heartbeat(time.Now().UTC().Add(2 * time.Minute))
	if _, err := eng.OpenPosition("alice", "BTC", model.SideLong, d(5), 2, position.StopParams{}); err != nil {
		t.Fatalf("open after reconnect: %v", err)
	}

	// Grace elapses without reconnection: commands are forfeited, but the
	// match keeps running and positions stay live.
	eng.OnDisconnect("bob")
	eng.Heartbeat(time.Now().UTC().Add(2 * time.Minute))
	if _, err := eng.OpenPosition("bob", "BTC", model.SideLong, d(5), 2, position.StopParams{}); !errors.Is(err, match.ErrCommandLocked) {
		t.Errorf("open after grace: got %v, want ErrCommandLocked", err)
	}
	state, _ := eng.MatchState(m.ID)
	if state.Phase.Terminal() {
		t.Error("disconnect must not terminate the match early")
	}
}
