// Package matchmaking buckets waiting players by (duration, wager) and
// pairs them strictly first-in-first-out. Pairing freezes both wagers
// atomically; an entry that can no longer fund its wager is dropped and
// its would-be partner returns to the head of the bucket.
package matchmaking

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/solfight/match-engine/internal/metrics"
	"github.com/solfight/match-engine/internal/model"
)

// TickInterval is the recommended pairing cadence.
const TickInterval = 500 * time.Millisecond

var (
	// ErrAlreadyQueued is returned when the player has a pending entry.
	ErrAlreadyQueued = errors.New("matchmaking: player already queued")

	// ErrAlreadyInMatch is returned when the player has an active match.
	ErrAlreadyInMatch = errors.New("matchmaking: player already in a match")

	// ErrFundsInsufficient is surfaced to a player whose balance no longer
	// covers the wager at pairing time.
	ErrFundsInsufficient = errors.New("matchmaking: insufficient funds for wager")
)

// BalanceStore is the slice of the store the queue needs: balance reads
// and the atomic pair-freeze.
type BalanceStore interface {
	GetPlayer(ctx context.Context, id string) (*model.Player, error)
	FreezePair(ctx context.Context, playerA, playerB string, amount decimal.Decimal) error
	Release(ctx context.Context, playerID string, amount decimal.Decimal) error
	ReleasePair(ctx context.Context, playerA, playerB string, amount decimal.Decimal) error
}

// PairFunc creates a match from two paired entries. An error aborts the
// pairing: wagers are unfrozen and both entries requeued at the head.
type PairFunc func(ctx context.Context, a, b model.QueueEntry) error

// DropFunc notifies a player whose entry was dropped at pairing time.
type DropFunc func(playerID string, reason error)

// InMatchFunc reports whether the player currently has an active match.
type InMatchFunc func(playerID string) bool

type bucketKey struct {
	duration time.Duration
	wager    string // normalized decimal string
}

type entryState int

const (
	entryWaiting entryState = iota
	entryPairing
	entryGone // dequeued or paired
)

type entry struct {
	model.QueueEntry
	state entryState
}

// Queue is the matchmaking service. A single instance with explicit
// Start/Stop lifecycle; all entry-state transitions happen under one lock
// so a dequeue can never race a pairing decision.
type Queue struct {
	store   BalanceStore
	pair    PairFunc
	onDrop  DropFunc
	inMatch InMatchFunc

	mu       sync.Mutex
	buckets  map[bucketKey][]*entry
	byPlayer map[string]*entry

	done chan struct{}
	wg   sync.WaitGroup
}

// NewQueue creates a matchmaking queue. onDrop and inMatch may be nil.
func NewQueue(st BalanceStore, pair PairFunc, onDrop DropFunc, inMatch InMatchFunc) *Queue {
	if onDrop == nil {
		onDrop = func(string, error) {}
	}
	if inMatch == nil {
		inMatch = func(string) bool { return false }
	}
	return &Queue{
		store:    st,
		pair:     pair,
		onDrop:   onDrop,
		inMatch:  inMatch,
		buckets:  make(map[bucketKey][]*entry),
		byPlayer: make(map[string]*entry),
		done:     make(chan struct{}),
	}
}

// Enqueue adds the player to the (duration, wager) bucket.
func (q *Queue) Enqueue(playerID string, duration time.Duration, wager decimal.Decimal) (model.QueueEntry, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if _, ok := q.byPlayer[playerID]; ok {
		return model.QueueEntry{}, ErrAlreadyQueued
	}
	if q.inMatch(playerID) {
		return model.QueueEntry{}, ErrAlreadyInMatch
	}

	e := &entry{
		QueueEntry: model.QueueEntry{
			ID:         uuid.New().String(),
			PlayerID:   playerID,
			Duration:   duration,
			Wager:      wager,
			EnqueuedAt: time.Now().UTC(),
		},
		state: entryWaiting,
	}
	key := bucketKey{duration: duration, wager: wager.String()}
	q.buckets[key] = append(q.buckets[key], e)
	q.byPlayer[playerID] = e
	metrics.QueueDepth.Inc()

	slog.Info("player queued",
		"player", playerID,
		"duration", duration.String(),
		"wager", wager.String(),
	)
	return e.QueueEntry, nil
}

// Dequeue removes the player's entry if it is still waiting. Removing an
// entry mid-pairing is a no-op: the pairing already owns it.
func (q *Queue) Dequeue(playerID string) {
	q.mu.Lock()
	defer q.mu.Unlock()

	e, ok := q.byPlayer[playerID]
	if !ok || e.state != entryWaiting {
		return
	}
	e.state = entryGone
	delete(q.byPlayer, playerID)
	metrics.QueueDepth.Dec()
	// The bucket slice is compacted lazily by Tick.
}

// Tick pairs the two oldest waiting entries of every bucket with at least
// two. Runs on the TickInterval cadence; exported for tests.
func (q *Queue) Tick(ctx context.Context) {
	for {
		a, b, ok := q.takePair()
		if !ok {
			return
		}
		q.completePair(ctx, a, b)
	}
}

// takePair pops the two oldest waiting entries of any eligible bucket and
// marks them pairing, all under the queue lock.
func (q *Queue) takePair() (a, b *entry, ok bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	for key, bucket := range q.buckets {
		var waiting []*entry
		for _, e := range bucket {
			if e.state == entryWaiting {
				waiting = append(waiting, e)
			}
		}
		if len(waiting) < 2 {
			q.buckets[key] = waiting
			if len(waiting) == 0 {
				delete(q.buckets, key)
			}
			continue
		}
		// Strict FIFO: oldest enqueue timestamp first, insertion order as
		// the tie-break (the sort is stable).
		sort.SliceStable(waiting, func(i, j int) bool {
			return waiting[i].EnqueuedAt.Before(waiting[j].EnqueuedAt)
		})
		a, b = waiting[0], waiting[1]
		a.state = entryPairing
		b.state = entryPairing
		q.buckets[key] = waiting[2:]
		return a, b, true
	}
	return nil, nil, false
}

// completePair freezes both wagers and hands the pair to match creation.
// Runs outside the queue lock: freezing and match creation may touch the
// network.
func (q *Queue) completePair(ctx context.Context, a, b *entry) {
	wager := a.Wager

	// Balance check at pairing time. An underfunded entry is dropped with
	// a FundsInsufficient notice; the partner returns to the bucket head.
	for _, pair := range [][2]*entry{{a, b}, {b, a}} {
		candidate, partner := pair[0], pair[1]
		p, err := q.store.GetPlayer(ctx, candidate.PlayerID)
		if err != nil || p.Available.LessThan(wager) {
			q.drop(candidate, ErrFundsInsufficient)
			q.requeueHead(partner)
			return
		}
	}

	// Both wagers move available → frozen atomically, or the pairing is
	// aborted and both entries requeued.
	if err := q.store.FreezePair(ctx, a.PlayerID, b.PlayerID, wager); err != nil {
		slog.Warn("pair freeze failed, requeueing",
			"player_a", a.PlayerID, "player_b", b.PlayerID, "err", err)
		q.requeueHead(a)
		q.requeueHead(b)
		return
	}

	if err := q.pair(ctx, a.QueueEntry, b.QueueEntry); err != nil {
		slog.Error("match creation failed, unwinding pair",
			"player_a", a.PlayerID, "player_b", b.PlayerID, "err", err)
		if rerr := q.store.ReleasePair(ctx, a.PlayerID, b.PlayerID, wager); rerr != nil {
			slog.Error("release after failed pair",
				"player_a", a.PlayerID, "player_b", b.PlayerID, "err", rerr)
		}
		q.requeueHead(a)
		q.requeueHead(b)
		return
	}

	q.mu.Lock()
	a.state = entryGone
	b.state = entryGone
	delete(q.byPlayer, a.PlayerID)
	delete(q.byPlayer, b.PlayerID)
	q.mu.Unlock()
	metrics.QueueDepth.Sub(2)
	metrics.PairsTotal.Inc()

	slog.Info("players paired",
		"player_a", a.PlayerID,
		"player_b", b.PlayerID,
		"wager", wager.String(),
		"duration", a.Duration.String(),
	)
}

func (q *Queue) drop(e *entry, reason error) {
	q.mu.Lock()
	e.state = entryGone
	delete(q.byPlayer, e.PlayerID)
	q.mu.Unlock()
	metrics.QueueDepth.Dec()
	metrics.QueueDropsTotal.Inc()

	slog.Info("queue entry dropped", "player", e.PlayerID, "reason", reason)
	q.onDrop(e.PlayerID, reason)
}

// requeueHead returns an entry to the front of its bucket, preserving its
// original enqueue timestamp so it is paired before anyone who joined
// later.
func (q *Queue) requeueHead(e *entry) {
	q.mu.Lock()
	defer q.mu.Unlock()

	e.state = entryWaiting
	key := bucketKey{duration: e.Duration, wager: e.Wager.String()}
	q.buckets[key] = append([]*entry{e}, q.buckets[key]...)
}

// BucketStats is one bucket's snapshot for the queue_stats broadcast.
type BucketStats struct {
	Duration   time.Duration   `json:"duration"`
	Wager      decimal.Decimal `json:"wager"`
	Depth      int             `json:"depth"`
	OldestWait time.Duration   `json:"oldest_wait"`
}

// Stats returns per-bucket depth and longest wait, sorted for stable output.
func (q *Queue) Stats() []BucketStats {
	q.mu.Lock()
	defer q.mu.Unlock()

	now := time.Now().UTC()
	var stats []BucketStats
	for key, bucket := range q.buckets {
		s := BucketStats{Duration: key.duration}
		s.Wager, _ = decimal.NewFromString(key.wager)
		for _, e := range bucket {
			if e.state != entryWaiting {
				continue
			}
			s.Depth++
			if wait := now.Sub(e.EnqueuedAt); wait > s.OldestWait {
				s.OldestWait = wait
			}
		}
		if s.Depth > 0 {
			stats = append(stats, s)
		}
	}
	sort.Slice(stats, func(i, j int) bool {
		if stats[i].Duration != stats[j].Duration {
			return stats[i].Duration < stats[j].Duration
		}
		return stats[i].Wager.LessThan(stats[j].Wager)
	})
	return stats
}

// Waiting reports whether the player has a live queue entry.
func (q *Queue) Waiting(playerID string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	_, ok := q.byPlayer[playerID]
	return ok
}

// Start runs the pairing loop until Stop is called.
func (q *Queue) Start(ctx context.Context) {
	q.wg.Add(1)
	go func() {
		defer q.wg.Done()
		ticker := time.NewTicker(TickInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				q.Tick(ctx)
			case <-q.done:
				return
			case <-ctx.Done():
				return
			}
		}
	}()
}

// Stop halts the pairing loop and waits for it to exit.
func (q *Queue) Stop() {
	close(q.done)
	q.wg.Wait()
}
