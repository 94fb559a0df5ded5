package matchmaking_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/solfight/match-engine/internal/matchmaking"
	"github.com/solfight/match-engine/internal/model"
	"github.com/solfight/match-engine/internal/store"
)

func d(f float64) decimal.Decimal {
	return decimal.NewFromFloat(f)
}

const fiveMin = 5 * time.Minute

type pairRecorder struct {
	pairs [][2]string
	err   error
}

func (r *pairRecorder) pair(_ context.Context, a, b model.QueueEntry) error {
	if r.err != nil {
		return r.err
	}
	r.pairs = append(r.pairs, [2]string{a.PlayerID, b.PlayerID})
	return nil
}

// newTestQueue creates a queue over an in-memory store with seeded players.
func newTestQueue(t *testing.T, balances map[string]float64) (*matchmaking.Queue, *store.MemoryStore, *pairRecorder, *[]string) {
	t.Helper()
	ms := store.NewMemoryStore()
	for id, bal := range balances {
		if err := ms.CreatePlayer(context.Background(), &model.Player{
			ID:        id,
			Available: d(bal),
			CreatedAt: time.Now().UTC(),
		}); err != nil {
			t.Fatalf("seed player %s: %v", id, err)
		}
	}
	rec := &pairRecorder{}
	var drops []string
	q := matchmaking.NewQueue(ms, rec.pair, func(playerID string, _ error) {
		drops = append(drops, playerID)
	}, nil)
	return q, ms, rec, &drops
}

func enqueue(t *testing.T, q *matchmaking.Queue, player string, wager float64) {
	t.Helper()
	if _, err := q.Enqueue(player, fiveMin, d(wager)); err != nil {
		t.Fatalf("enqueue %s: %v", player, err)
	}
}

func TestEnqueue_Rejections(t *testing.T) {
	q, _, _, _ := newTestQueue(t, map[string]float64{"alice": 100})

	enqueue(t, q, "alice", 50)
	if _, err := q.Enqueue("alice", fiveMin, d(50)); !errors.Is(err, matchmaking.ErrAlreadyQueued) {
		t.Errorf("second enqueue: got %v, want ErrAlreadyQueued", err)
	}

	ms := store.NewMemoryStore()
	rec := &pairRecorder{}
	inMatch := matchmaking.NewQueue(ms, rec.pair, nil, func(string) bool { return true })
	if _, err := inMatch.Enqueue("bob", fiveMin, d(50)); !errors.Is(err, matchmaking.ErrAlreadyInMatch) {
		t.Errorf("enqueue while in match: got %v, want ErrAlreadyInMatch", err)
	}
}

func TestDequeue_Idempotent(t *testing.T) {
	q, _, rec, _ := newTestQueue(t, map[string]float64{"alice": 100, "bob": 100})

	enqueue(t, q, "alice", 50)
	q.Dequeue("alice")
	q.Dequeue("alice") // no-op
	q.Dequeue("ghost") // no-op

	enqueue(t, q, "bob", 50)
	q.Tick(context.Background())
	if len(rec.pairs) != 0 {
		t.Error("dequeued player must not be paired")
	}
	if q.Waiting("alice") {
		t.Error("alice should no longer be waiting")
	}
}

func TestTick_FIFOPairing(t *testing.T) {
	q, ms, rec, _ := newTestQueue(t, map[string]float64{
		"a": 100, "b": 100, "c": 100,
	})

	enqueue(t, q, "a", 50)
	enqueue(t, q, "b", 50)
	enqueue(t, q, "c", 50)

	q.Tick(context.Background())

	if len(rec.pairs) != 1 {
		t.Fatalf("expected 1 pairing, got %d", len(rec.pairs))
	}
	if rec.pairs[0] != [2]string{"a", "b"} {
		t.Errorf("pairing = %v, want oldest two (a, b)", rec.pairs[0])
	}
	if !q.Waiting("c") {
		t.Error("c should still be waiting")
	}

	// Both wagers moved available → frozen.
	for _, id := range []string{"a", "b"} {
		p, _ := ms.GetPlayer(context.Background(), id)
		if !p.Frozen.Equal(d(50)) || !p.Available.Equal(d(50)) {
			t.Errorf("player %s balances = avail %s frozen %s, want 50/50", id, p.Available, p.Frozen)
		}
	}
}

func TestTick_BucketsDoNotMix(t *testing.T) {
	q, _, rec, _ := newTestQueue(t, map[string]float64{"a": 100, "b": 100})

	enqueue(t, q, "a", 50)
	enqueue(t, q, "b", 25) // different wager bucket

	q.Tick(context.Background())
	if len(rec.pairs) != 0 {
		t.Error("players in different buckets must not pair")
	}
}

func TestTick_UnderfundedDroppedPartnerKeepsTurn(t *testing.T) {
	q, _, rec, drops := newTestQueue(t, map[string]float64{
		"a": 100, "b": 10, "c": 100, // b cannot cover the 50 wager
	})

	enqueue(t, q, "a", 50)
	enqueue(t, q, "b", 50)

	q.Tick(context.Background())
	if len(rec.pairs) != 0 {
		t.Fatal("underfunded pairing must not complete")
	}
	if len(*drops) != 1 || (*drops)[0] != "b" {
		t.Fatalf("drops = %v, want [b]", *drops)
	}
	if !q.Waiting("a") {
		t.Fatal("a should be back in the queue")
	}

	// a kept its place at the head: it pairs with the next joiner.
	enqueue(t, q, "c", 50)
	q.Tick(context.Background())
	if len(rec.pairs) != 1 || rec.pairs[0] != [2]string{"a", "c"} {
		t.Errorf("pairs = %v, want [(a, c)]", rec.pairs)
	}
}

func TestTick_PairFuncFailureUnwinds(t *testing.T) {
	q, ms, rec, _ := newTestQueue(t, map[string]float64{"a": 100, "b": 100})
	rec.err = errors.New("boom")

	enqueue(t, q, "a", 50)
	enqueue(t, q, "b", 50)
	q.Tick(context.Background())

	// Frozen funds are released and both entries requeued.
	for _, id := range []string{"a", "b"} {
		p, _ := ms.GetPlayer(context.Background(), id)
		if !p.Available.Equal(d(100)) || !p.Frozen.IsZero() {
			t.Errorf("player %s balances = avail %s frozen %s, want 100/0", id, p.Available, p.Frozen)
		}
		if !q.Waiting(id) {
			t.Errorf("player %s should be requeued", id)
		}
	}

	// Next tick with a healthy pair func succeeds, preserving order.
	rec.err = nil
	q.Tick(context.Background())
	if len(rec.pairs) != 1 || rec.pairs[0] != [2]string{"a", "b"} {
		t.Errorf("pairs after recovery = %v, want [(a, b)]", rec.pairs)
	}
}

func TestStats(t *testing.T) {
	q, _, _, _ := newTestQueue(t, map[string]float64{"a": 100, "b": 100, "c": 100})

	enqueue(t, q, "a", 50)
	enqueue(t, q, "b", 50)
	enqueue(t, q, "c", 25)

	stats := q.Stats()
	if len(stats) != 2 {
		t.Fatalf("expected 2 buckets, got %d", len(stats))
	}
	// Sorted by duration then wager: the 25 bucket first.
	if !stats[0].Wager.Equal(d(25)) || stats[0].Depth != 1 {
		t.Errorf("bucket 0 = %+v, want wager 25 depth 1", stats[0])
	}
	if !stats[1].Wager.Equal(d(50)) || stats[1].Depth != 2 {
		t.Errorf("bucket 1 = %+v, want wager 50 depth 2", stats[1])
	}
}
