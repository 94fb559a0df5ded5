package match

import (
	"runtime"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/solfight/match-engine/internal/model"
	"github.com/solfight/match-engine/internal/position"
	"github.com/solfight/match-engine/internal/store"
)

// A full settlement queue spills snapshot delivery to a goroutine. That
// goroutine must give up on Stop rather than block on the send forever.
func TestSnapshotSpillExitsOnStop(t *testing.T) {
	e := NewEngine(store.NewMemoryStore(), nil, Config{})
	e.out = make(chan model.Snapshot) // no buffer, no reader: force the spill path

	wager := decimal.NewFromInt(50)
	lm := &liveMatch{
		m: model.Match{
			ID:      "m1",
			PlayerA: "alice",
			PlayerB: "bob",
			Wager:   wager,
			Phase:   model.PhaseLastStand,
		},
		ledger:      position.NewLedger("m1", wager),
		prices:      make(map[string]decimal.Decimal),
		disconnects: make(map[string]time.Time),
		lockedOut:   make(map[string]bool),
	}

	before := runtime.NumGoroutine()
	lm.mu.Lock()
	e.finalizeLocked(lm, time.Now().UTC())
	lm.mu.Unlock()

	stopped := make(chan struct{})
	go func() {
		e.Stop()
		close(stopped)
	}()
	select {
	case <-stopped:
	case <-time.After(2 * time.Second):
		t.Fatal("Stop blocked on an undelivered snapshot")
	}

	// The parked delivery goroutine exits once Stop runs.
	deadline := time.Now().Add(2 * time.Second)
	for runtime.NumGoroutine() > before {
		if time.Now().After(deadline) {
			t.Fatalf("goroutines = %d, want <= %d after Stop", runtime.NumGoroutine(), before)
		}
		time.Sleep(10 * time.Millisecond)
	}
}
