package store

import (
	"context"
	"encoding/json"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"

	"github.com/solfight/match-engine/internal/model"
)

// CachedStore wraps a primary Store (PostgreSQL) with a Redis read-through
// cache for player and match reads — the session layer's hot path when
// pushing balance updates and match state. Writes go to the primary store
// and invalidate the cache.
type CachedStore struct {
	primary Store
	rdb     *redis.Client
	ttl     time.Duration
}

// NewCachedStore creates a cached wrapper around a primary store.
func NewCachedStore(primary Store, rdb *redis.Client, ttl time.Duration) *CachedStore {
	return &CachedStore{
		primary: primary,
		rdb:     rdb,
		ttl:     ttl,
	}
}

func playerKey(id string) string { return "player:" + id }
func matchKey(id string) string  { return "match:" + id }

// --- Cached reads ---

func (s *CachedStore) GetPlayer(ctx context.Context, id string) (*model.Player, error) {
	if data, err := s.rdb.Get(ctx, playerKey(id)).Bytes(); err == nil {
		var p model.Player
		if json.Unmarshal(data, &p) == nil {
			return &p, nil
		}
	}

	p, err := s.primary.GetPlayer(ctx, id)
	if err != nil {
		return nil, err
	}
	s.cachePlayer(ctx, p)
	return p, nil
}

func (s *CachedStore) GetMatch(ctx context.Context, id string) (*model.Match, error) {
	if data, err := s.rdb.Get(ctx, matchKey(id)).Bytes(); err == nil {
		var m model.Match
		if json.Unmarshal(data, &m) == nil {
			return &m, nil
		}
	}

	m, err := s.primary.GetMatch(ctx, id)
	if err != nil {
		return nil, err
	}
	s.cacheMatch(ctx, m)
	return m, nil
}

func (s *CachedStore) cachePlayer(ctx context.Context, p *model.Player) {
	if data, err := json.Marshal(p); err == nil {
		s.rdb.Set(ctx, playerKey(p.ID), data, s.ttl)
	}
}

func (s *CachedStore) cacheMatch(ctx context.Context, m *model.Match) {
	if data, err := json.Marshal(m); err == nil {
		s.rdb.Set(ctx, matchKey(m.ID), data, s.ttl)
	}
}

func (s *CachedStore) invalidatePlayer(ctx context.Context, ids ...string) {
	for _, id := range ids {
		s.rdb.Del(ctx, playerKey(id))
	}
}

// --- Write-through (write to primary, invalidate cache) ---

func (s *CachedStore) CreatePlayer(ctx context.Context, p *model.Player) error {
	if err := s.primary.CreatePlayer(ctx, p); err != nil {
		return err
	}
	s.cachePlayer(ctx, p)
	return nil
}

func (s *CachedStore) SetCurrentMatch(ctx context.Context, playerID, matchID string) error {
	if err := s.primary.SetCurrentMatch(ctx, playerID, matchID); err != nil {
		return err
	}
	s.invalidatePlayer(ctx, playerID)
	return nil
}

func (s *CachedStore) UpdatePlayerStats(ctx context.Context, p *model.Player) error {
	if err := s.primary.UpdatePlayerStats(ctx, p); err != nil {
		return err
	}
	s.invalidatePlayer(ctx, p.ID)
	return nil
}

func (s *CachedStore) Freeze(ctx context.Context, playerID string, amount decimal.Decimal) error {
	if err := s.primary.Freeze(ctx, playerID, amount); err != nil {
		return err
	}
	s.invalidatePlayer(ctx, playerID)
	return nil
}

func (s *CachedStore) FreezePair(ctx context.Context, playerA, playerB string, amount decimal.Decimal) error {
	if err := s.primary.FreezePair(ctx, playerA, playerB, amount); err != nil {
		return err
	}
	s.invalidatePlayer(ctx, playerA, playerB)
	return nil
}

func (s *CachedStore) Release(ctx context.Context, playerID string, amount decimal.Decimal) error {
	if err := s.primary.Release(ctx, playerID, amount); err != nil {
		return err
	}
	s.invalidatePlayer(ctx, playerID)
	return nil
}

func (s *CachedStore) ReleasePair(ctx context.Context, playerA, playerB string, amount decimal.Decimal) error {
	if err := s.primary.ReleasePair(ctx, playerA, playerB, amount); err != nil {
		return err
	}
	s.invalidatePlayer(ctx, playerA, playerB)
	return nil
}

func (s *CachedStore) Credit(ctx context.Context, playerID string, amount decimal.Decimal) error {
	if err := s.primary.Credit(ctx, playerID, amount); err != nil {
		return err
	}
	s.invalidatePlayer(ctx, playerID)
	return nil
}

func (s *CachedStore) Debit(ctx context.Context, playerID string, amount decimal.Decimal) error {
	if err := s.primary.Debit(ctx, playerID, amount); err != nil {
		return err
	}
	s.invalidatePlayer(ctx, playerID)
	return nil
}

func (s *CachedStore) SettlePot(ctx context.Context, playerA, playerB string, wager decimal.Decimal, winner string, payout decimal.Decimal) error {
	if err := s.primary.SettlePot(ctx, playerA, playerB, wager, winner, payout); err != nil {
		return err
	}
	s.invalidatePlayer(ctx, playerA, playerB)
	return nil
}

func (s *CachedStore) InsertMatch(ctx context.Context, m *model.Match) error {
	if err := s.primary.InsertMatch(ctx, m); err != nil {
		return err
	}
	s.cacheMatch(ctx, m)
	return nil
}

func (s *CachedStore) UpdateMatch(ctx context.Context, m *model.Match) error {
	if err := s.primary.UpdateMatch(ctx, m); err != nil {
		return err
	}
	s.cacheMatch(ctx, m)
	return nil
}

// --- Pass-through (no caching value) ---

func (s *CachedStore) InsertTrades(ctx context.Context, trades []model.Position) error {
	return s.primary.InsertTrades(ctx, trades)
}

func (s *CachedStore) GetTradesByMatch(ctx context.Context, matchID string) ([]model.Position, error) {
	return s.primary.GetTradesByMatch(ctx, matchID)
}

func (s *CachedStore) GetTradesByPlayer(ctx context.Context, playerID string) ([]model.Position, error) {
	return s.primary.GetTradesByPlayer(ctx, playerID)
}

func (s *CachedStore) InsertSettlement(ctx context.Context, r *model.SettlementRecord) error {
	return s.primary.InsertSettlement(ctx, r)
}

func (s *CachedStore) GetSettlement(ctx context.Context, matchID string) (*model.SettlementRecord, error) {
	return s.primary.GetSettlement(ctx, matchID)
}

func (s *CachedStore) UpdateSettlement(ctx context.Context, r *model.SettlementRecord) error {
	return s.primary.UpdateSettlement(ctx, r)
}

func (s *CachedStore) ListRetryableSettlements(ctx context.Context, now time.Time) ([]model.SettlementRecord, error) {
	return s.primary.ListRetryableSettlements(ctx, now)
}

func (s *CachedStore) GetPlatformStats(ctx context.Context) (*model.PlatformStats, error) {
	return s.primary.GetPlatformStats(ctx)
}

func (s *CachedStore) IncrementPlatformTotals(ctx context.Context, volume decimal.Decimal) error {
	return s.primary.IncrementPlatformTotals(ctx, volume)
}
