package store

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/solfight/match-engine/internal/model"
)

// MemoryStore implements Store with in-memory maps. Used for testing
// and development. Not suitable for production (no persistence).
type MemoryStore struct {
	mu          sync.RWMutex
	players     map[string]*model.Player
	matches     map[string]*model.Match
	trades      []model.Position
	settlements map[string]*model.SettlementRecord
	platform    model.PlatformStats
}

// NewMemoryStore creates a new in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		players:     make(map[string]*model.Player),
		matches:     make(map[string]*model.Match),
		settlements: make(map[string]*model.SettlementRecord),
	}
}

func (s *MemoryStore) CreatePlayer(_ context.Context, p *model.Player) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.players[p.ID]; ok {
		return fmt.Errorf("player %s already exists", p.ID)
	}
	// Store a copy to avoid external mutation.
	cp := *p
	s.players[p.ID] = &cp
	return nil
}

func (s *MemoryStore) GetPlayer(_ context.Context, id string) (*model.Player, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	p, ok := s.players[id]
	if !ok {
		return nil, fmt.Errorf("player %s: %w", id, ErrNotFound)
	}
	cp := *p
	return &cp, nil
}

func (s *MemoryStore) SetCurrentMatch(_ context.Context, playerID, matchID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.players[playerID]
	if !ok {
		return fmt.Errorf("player %s: %w", playerID, ErrNotFound)
	}
	p.CurrentMatchID = matchID
	return nil
}

func (s *MemoryStore) UpdatePlayerStats(_ context.Context, upd *model.Player) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.players[upd.ID]
	if !ok {
		return fmt.Errorf("player %s: %w", upd.ID, ErrNotFound)
	}
	p.GamerTag = upd.GamerTag
	p.EloRating = upd.EloRating
	p.Wins = upd.Wins
	p.Losses = upd.Losses
	p.Ties = upd.Ties
	p.CurrentStreak = upd.CurrentStreak
	p.GamesPlayed = upd.GamesPlayed
	p.TotalPnL = upd.TotalPnL
	return nil
}

// freezeLocked moves amount from available to frozen. Caller holds mu.
func (s *MemoryStore) freezeLocked(playerID string, amount decimal.Decimal) error {
	p, ok := s.players[playerID]
	if !ok {
		return fmt.Errorf("player %s: %w", playerID, ErrNotFound)
	}
	if p.Available.LessThan(amount) {
		return fmt.Errorf("freeze %s for %s: %w", amount, playerID, ErrInsufficientFunds)
	}
	p.Available = p.Available.Sub(amount)
	p.Frozen = p.Frozen.Add(amount)
	return nil
}

func (s *MemoryStore) Freeze(_ context.Context, playerID string, amount decimal.Decimal) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.freezeLocked(playerID, amount)
}

func (s *MemoryStore) FreezePair(_ context.Context, playerA, playerB string, amount decimal.Decimal) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	// Both-or-neither: check both before mutating either.
	for _, id := range []string{playerA, playerB} {
		p, ok := s.players[id]
		if !ok {
			return fmt.Errorf("player %s: %w", id, ErrNotFound)
		}
		if p.Available.LessThan(amount) {
			return fmt.Errorf("freeze %s for %s: %w", amount, id, ErrInsufficientFunds)
		}
	}
	if err := s.freezeLocked(playerA, amount); err != nil {
		return err
	}
	return s.freezeLocked(playerB, amount)
}

// releaseLocked moves amount from frozen back to available. Caller holds mu.
func (s *MemoryStore) releaseLocked(playerID string, amount decimal.Decimal) error {
	p, ok := s.players[playerID]
	if !ok {
		return fmt.Errorf("player %s: %w", playerID, ErrNotFound)
	}
	if p.Frozen.LessThan(amount) {
		return fmt.Errorf("release %s for %s: %w", amount, playerID, ErrInsufficientFunds)
	}
	p.Frozen = p.Frozen.Sub(amount)
	p.Available = p.Available.Add(amount)
	return nil
}

func (s *MemoryStore) Release(_ context.Context, playerID string, amount decimal.Decimal) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.releaseLocked(playerID, amount)
}

func (s *MemoryStore) ReleasePair(_ context.Context, playerA, playerB string, amount decimal.Decimal) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	// Both-or-neither: check both before mutating either.
	for _, id := range []string{playerA, playerB} {
		p, ok := s.players[id]
		if !ok {
			return fmt.Errorf("player %s: %w", id, ErrNotFound)
		}
		if p.Frozen.LessThan(amount) {
			return fmt.Errorf("release %s for %s: %w", amount, id, ErrInsufficientFunds)
		}
	}
	if err := s.releaseLocked(playerA, amount); err != nil {
		return err
	}
	return s.releaseLocked(playerB, amount)
}

func (s *MemoryStore) Credit(_ context.Context, playerID string, amount decimal.Decimal) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.players[playerID]
	if !ok {
		return fmt.Errorf("player %s: %w", playerID, ErrNotFound)
	}
	p.Available = p.Available.Add(amount)
	return nil
}

func (s *MemoryStore) Debit(_ context.Context, playerID string, amount decimal.Decimal) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.players[playerID]
	if !ok {
		return fmt.Errorf("player %s: %w", playerID, ErrNotFound)
	}
	if p.Frozen.LessThan(amount) {
		return fmt.Errorf("debit %s for %s: %w", amount, playerID, ErrInsufficientFunds)
	}
	p.Frozen = p.Frozen.Sub(amount)
	return nil
}

func (s *MemoryStore) SettlePot(_ context.Context, playerA, playerB string, wager decimal.Decimal, winner string, payout decimal.Decimal) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	// Every leg checked before any applies.
	for _, id := range []string{playerA, playerB} {
		p, ok := s.players[id]
		if !ok {
			return fmt.Errorf("player %s: %w", id, ErrNotFound)
		}
		if p.Frozen.LessThan(wager) {
			return fmt.Errorf("debit %s for %s: %w", wager, id, ErrInsufficientFunds)
		}
	}
	if winner != "" {
		if _, ok := s.players[winner]; !ok {
			return fmt.Errorf("player %s: %w", winner, ErrNotFound)
		}
	}

	s.players[playerA].Frozen = s.players[playerA].Frozen.Sub(wager)
	s.players[playerB].Frozen = s.players[playerB].Frozen.Sub(wager)
	if winner != "" {
		s.players[winner].Available = s.players[winner].Available.Add(payout)
	}
	return nil
}

func (s *MemoryStore) InsertMatch(_ context.Context, m *model.Match) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.matches[m.ID]; ok {
		return fmt.Errorf("match %s already exists", m.ID)
	}
	cp := *m
	s.matches[m.ID] = &cp
	return nil
}

func (s *MemoryStore) UpdateMatch(_ context.Context, m *model.Match) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.matches[m.ID]; !ok {
		return fmt.Errorf("match %s: %w", m.ID, ErrNotFound)
	}
	cp := *m
	s.matches[m.ID] = &cp
	return nil
}

func (s *MemoryStore) GetMatch(_ context.Context, id string) (*model.Match, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	m, ok := s.matches[id]
	if !ok {
		return nil, fmt.Errorf("match %s: %w", id, ErrNotFound)
	}
	cp := *m
	return &cp, nil
}

func (s *MemoryStore) InsertTrades(_ context.Context, trades []model.Position) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.trades = append(s.trades, trades...)
	return nil
}

func (s *MemoryStore) GetTradesByMatch(_ context.Context, matchID string) ([]model.Position, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []model.Position
	for _, t := range s.trades {
		if t.MatchID == matchID {
			result = append(result, t)
		}
	}
	return result, nil
}

func (s *MemoryStore) GetTradesByPlayer(_ context.Context, playerID string) ([]model.Position, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []model.Position
	for _, t := range s.trades {
		if t.PlayerID == playerID {
			result = append(result, t)
		}
	}
	return result, nil
}

func (s *MemoryStore) InsertSettlement(_ context.Context, r *model.SettlementRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.settlements[r.MatchID]; ok {
		return fmt.Errorf("settlement for match %s already exists", r.MatchID)
	}
	cp := *r
	s.settlements[r.MatchID] = &cp
	return nil
}

func (s *MemoryStore) GetSettlement(_ context.Context, matchID string) (*model.SettlementRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	r, ok := s.settlements[matchID]
	if !ok {
		return nil, fmt.Errorf("settlement for match %s: %w", matchID, ErrNotFound)
	}
	cp := *r
	return &cp, nil
}

func (s *MemoryStore) UpdateSettlement(_ context.Context, r *model.SettlementRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.settlements[r.MatchID]; !ok {
		return fmt.Errorf("settlement for match %s: %w", r.MatchID, ErrNotFound)
	}
	cp := *r
	s.settlements[r.MatchID] = &cp
	return nil
}

func (s *MemoryStore) ListRetryableSettlements(_ context.Context, now time.Time) ([]model.SettlementRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []model.SettlementRecord
	for _, r := range s.settlements {
		if r.Status == model.SettlementPending && !r.NextRetryAt.IsZero() && !r.NextRetryAt.After(now) {
			result = append(result, *r)
		}
	}
	return result, nil
}

func (s *MemoryStore) GetPlatformStats(_ context.Context) (*model.PlatformStats, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	cp := s.platform
	return &cp, nil
}

func (s *MemoryStore) IncrementPlatformTotals(_ context.Context, volume decimal.Decimal) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.platform.TotalGames++
	s.platform.TotalVolume = s.platform.TotalVolume.Add(volume)
	return nil
}
