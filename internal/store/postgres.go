package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/solfight/match-engine/internal/model"
)

// PostgresStore implements Store using PostgreSQL as the source of truth.
// All monetary values are stored as NUMERIC for exact decimal precision.
// Balance mutations are guarded UPDATEs inside transactions so a race can
// never take a balance negative.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a new PostgreSQL-backed store.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

func (s *PostgresStore) CreatePlayer(ctx context.Context, p *model.Player) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO players (id, gamer_tag, available, frozen, current_match_id, elo_rating,
		                      wins, losses, ties, current_streak, games_played, total_pnl, created_at)
		 VALUES ($1, $2, $3::NUMERIC, $4::NUMERIC, $5, $6, $7, $8, $9, $10, $11, $12::NUMERIC, $13)`,
		p.ID, p.GamerTag, p.Available.String(), p.Frozen.String(), p.CurrentMatchID, p.EloRating,
		p.Wins, p.Losses, p.Ties, p.CurrentStreak, p.GamesPlayed, p.TotalPnL.String(), p.CreatedAt,
	)
	return err
}

func (s *PostgresStore) GetPlayer(ctx context.Context, id string) (*model.Player, error) {
	var p model.Player
	var available, frozen, totalPnL string

	err := s.pool.QueryRow(ctx,
		`SELECT id, gamer_tag, available::TEXT, frozen::TEXT, current_match_id, elo_rating,
		        wins, losses, ties, current_streak, games_played, total_pnl::TEXT, created_at
		 FROM players WHERE id = $1`, id).
		Scan(&p.ID, &p.GamerTag, &available, &frozen, &p.CurrentMatchID, &p.EloRating,
			&p.Wins, &p.Losses, &p.Ties, &p.CurrentStreak, &p.GamesPlayed, &totalPnL, &p.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("player %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get player %s: %w", id, err)
	}

	p.Available, _ = decimal.NewFromString(available)
	p.Frozen, _ = decimal.NewFromString(frozen)
	p.TotalPnL, _ = decimal.NewFromString(totalPnL)
	return &p, nil
}

func (s *PostgresStore) SetCurrentMatch(ctx context.Context, playerID, matchID string) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE players SET current_match_id = $2 WHERE id = $1`, playerID, matchID)
	if err != nil {
		return fmt.Errorf("set current match for %s: %w", playerID, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("player %s: %w", playerID, ErrNotFound)
	}
	return nil
}

func (s *PostgresStore) UpdatePlayerStats(ctx context.Context, p *model.Player) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE players
		 SET gamer_tag = $2, elo_rating = $3, wins = $4, losses = $5, ties = $6,
		     current_streak = $7, games_played = $8, total_pnl = $9::NUMERIC
		 WHERE id = $1`,
		p.ID, p.GamerTag, p.EloRating, p.Wins, p.Losses, p.Ties,
		p.CurrentStreak, p.GamesPlayed, p.TotalPnL.String(),
	)
	if err != nil {
		return fmt.Errorf("update stats for %s: %w", p.ID, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("player %s: %w", p.ID, ErrNotFound)
	}
	return nil
}

// freezeTx runs the guarded freeze UPDATE inside an existing transaction.
func freezeTx(ctx context.Context, tx pgx.Tx, playerID string, amount decimal.Decimal) error {
	tag, err := tx.Exec(ctx,
		`UPDATE players
		 SET available = available - $2::NUMERIC, frozen = frozen + $2::NUMERIC
		 WHERE id = $1 AND available >= $2::NUMERIC`,
		playerID, amount.String(),
	)
	if err != nil {
		return fmt.Errorf("freeze for %s: %w", playerID, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("freeze %s for %s: %w", amount, playerID, ErrInsufficientFunds)
	}
	return nil
}

func (s *PostgresStore) Freeze(ctx context.Context, playerID string, amount decimal.Decimal) error {
	return pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		return freezeTx(ctx, tx, playerID, amount)
	})
}

func (s *PostgresStore) FreezePair(ctx context.Context, playerA, playerB string, amount decimal.Decimal) error {
	return pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		if err := freezeTx(ctx, tx, playerA, amount); err != nil {
			return err
		}
		return freezeTx(ctx, tx, playerB, amount)
	})
}

// releaseTx runs the guarded release UPDATE inside an existing transaction.
func releaseTx(ctx context.Context, tx pgx.Tx, playerID string, amount decimal.Decimal) error {
	tag, err := tx.Exec(ctx,
		`UPDATE players
		 SET frozen = frozen - $2::NUMERIC, available = available + $2::NUMERIC
		 WHERE id = $1 AND frozen >= $2::NUMERIC`,
		playerID, amount.String(),
	)
	if err != nil {
		return fmt.Errorf("release for %s: %w", playerID, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("release %s for %s: %w", amount, playerID, ErrInsufficientFunds)
	}
	return nil
}

// debitTx runs the guarded escrow debit UPDATE inside an existing transaction.
func debitTx(ctx context.Context, tx pgx.Tx, playerID string, amount decimal.Decimal) error {
	tag, err := tx.Exec(ctx,
		`UPDATE players SET frozen = frozen - $2::NUMERIC
		 WHERE id = $1 AND frozen >= $2::NUMERIC`,
		playerID, amount.String(),
	)
	if err != nil {
		return fmt.Errorf("debit for %s: %w", playerID, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("debit %s for %s: %w", amount, playerID, ErrInsufficientFunds)
	}
	return nil
}

func (s *PostgresStore) Release(ctx context.Context, playerID string, amount decimal.Decimal) error {
	return pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		return releaseTx(ctx, tx, playerID, amount)
	})
}

func (s *PostgresStore) ReleasePair(ctx context.Context, playerA, playerB string, amount decimal.Decimal) error {
	return pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		if err := releaseTx(ctx, tx, playerA, amount); err != nil {
			return err
		}
		return releaseTx(ctx, tx, playerB, amount)
	})
}

func (s *PostgresStore) Credit(ctx context.Context, playerID string, amount decimal.Decimal) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE players SET available = available + $2::NUMERIC WHERE id = $1`,
		playerID, amount.String(),
	)
	if err != nil {
		return fmt.Errorf("credit for %s: %w", playerID, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("player %s: %w", playerID, ErrNotFound)
	}
	return nil
}

func (s *PostgresStore) Debit(ctx context.Context, playerID string, amount decimal.Decimal) error {
	return pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		return debitTx(ctx, tx, playerID, amount)
	})
}

func (s *PostgresStore) SettlePot(ctx context.Context, playerA, playerB string, wager decimal.Decimal, winner string, payout decimal.Decimal) error {
	return pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		if err := debitTx(ctx, tx, playerA, wager); err != nil {
			return err
		}
		if err := debitTx(ctx, tx, playerB, wager); err != nil {
			return err
		}
		if winner == "" {
			return nil
		}
		tag, err := tx.Exec(ctx,
			`UPDATE players SET available = available + $2::NUMERIC WHERE id = $1`,
			winner, payout.String(),
		)
		if err != nil {
			return fmt.Errorf("credit winner %s: %w", winner, err)
		}
		if tag.RowsAffected() == 0 {
			return fmt.Errorf("player %s: %w", winner, ErrNotFound)
		}
		return nil
	})
}

func (s *PostgresStore) InsertMatch(ctx context.Context, m *model.Match) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO matches (id, player_a, player_b, duration_seconds, wager, phase,
		                      start_time, end_time, deposit_deadline, deposited_a, deposited_b,
		                      result, winner_id, created_at)
		 VALUES ($1, $2, $3, $4, $5::NUMERIC, $6, $7, $8, $9, $10, $11, $12, $13, $14)`,
		m.ID, m.PlayerA, m.PlayerB, int64(m.Duration.Seconds()), m.Wager.String(), string(m.Phase),
		m.StartTime, m.EndTime, m.DepositDeadline, m.DepositedA, m.DepositedB,
		string(m.Result), m.WinnerID, m.CreatedAt,
	)
	return err
}

func (s *PostgresStore) UpdateMatch(ctx context.Context, m *model.Match) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE matches
		 SET phase = $2, start_time = $3, end_time = $4,
		     deposited_a = $5, deposited_b = $6, result = $7, winner_id = $8
		 WHERE id = $1`,
		m.ID, string(m.Phase), m.StartTime, m.EndTime,
		m.DepositedA, m.DepositedB, string(m.Result), m.WinnerID,
	)
	if err != nil {
		return fmt.Errorf("update match %s: %w", m.ID, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("match %s: %w", m.ID, ErrNotFound)
	}
	return nil
}

func (s *PostgresStore) GetMatch(ctx context.Context, id string) (*model.Match, error) {
	var m model.Match
	var wager string
	var durationSec int64
	var phase, result string

	err := s.pool.QueryRow(ctx,
		`SELECT id, player_a, player_b, duration_seconds, wager::TEXT, phase,
		        start_time, end_time, deposit_deadline, deposited_a, deposited_b,
		        result, winner_id, created_at
		 FROM matches WHERE id = $1`, id).
		Scan(&m.ID, &m.PlayerA, &m.PlayerB, &durationSec, &wager, &phase,
			&m.StartTime, &m.EndTime, &m.DepositDeadline, &m.DepositedA, &m.DepositedB,
			&result, &m.WinnerID, &m.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("match %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get match %s: %w", id, err)
	}

	m.Duration = time.Duration(durationSec) * time.Second
	m.Wager, _ = decimal.NewFromString(wager)
	m.Phase = model.Phase(phase)
	m.Result = model.MatchResult(result)
	return &m, nil
}

func (s *PostgresStore) InsertTrades(ctx context.Context, trades []model.Position) error {
	if len(trades) == 0 {
		return nil
	}
	return pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		for _, t := range trades {
			_, err := tx.Exec(ctx,
				`INSERT INTO trades (id, match_id, player_id, asset, side, entry_price, margin,
				                     leverage, stop_loss, take_profit, trailing_dist,
				                     exit_price, realized_pnl, close_reason, opened_at, closed_at)
				 VALUES ($1, $2, $3, $4, $5, $6::NUMERIC, $7::NUMERIC, $8,
				         $9::NUMERIC, $10::NUMERIC, $11::NUMERIC,
				         $12::NUMERIC, $13::NUMERIC, $14, $15, $16)`,
				t.ID, t.MatchID, t.PlayerID, t.Asset, string(t.Side), t.EntryPrice.String(), t.Margin.String(),
				t.Leverage, t.StopLoss.String(), t.TakeProfit.String(), t.TrailingDist.String(),
				t.ExitPrice.String(), t.RealizedPnL.String(), string(t.CloseReason), t.OpenedAt, t.ClosedAt,
			)
			if err != nil {
				return fmt.Errorf("insert trade %s: %w", t.ID, err)
			}
		}
		return nil
	})
}

func (s *PostgresStore) GetTradesByMatch(ctx context.Context, matchID string) ([]model.Position, error) {
	return s.queryTrades(ctx, `match_id = $1`, matchID)
}

func (s *PostgresStore) GetTradesByPlayer(ctx context.Context, playerID string) ([]model.Position, error) {
	return s.queryTrades(ctx, `player_id = $1`, playerID)
}

func (s *PostgresStore) queryTrades(ctx context.Context, where, arg string) ([]model.Position, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, match_id, player_id, asset, side, entry_price::TEXT, margin::TEXT,
		        leverage, stop_loss::TEXT, take_profit::TEXT, trailing_dist::TEXT,
		        exit_price::TEXT, realized_pnl::TEXT, close_reason, opened_at, closed_at
		 FROM trades WHERE `+where+` ORDER BY closed_at`, arg)
	if err != nil {
		return nil, fmt.Errorf("query trades: %w", err)
	}
	defer rows.Close()

	var result []model.Position
	for rows.Next() {
		var t model.Position
		var side, reason string
		var entry, margin, sl, tp, trail, exit, pnl string

		if err := rows.Scan(&t.ID, &t.MatchID, &t.PlayerID, &t.Asset, &side, &entry, &margin,
			&t.Leverage, &sl, &tp, &trail, &exit, &pnl, &reason, &t.OpenedAt, &t.ClosedAt); err != nil {
			return nil, fmt.Errorf("scan trade: %w", err)
		}
		t.Side = model.Side(side)
		t.CloseReason = model.CloseReason(reason)
		t.EntryPrice, _ = decimal.NewFromString(entry)
		t.Margin, _ = decimal.NewFromString(margin)
		t.StopLoss, _ = decimal.NewFromString(sl)
		t.TakeProfit, _ = decimal.NewFromString(tp)
		t.TrailingDist, _ = decimal.NewFromString(trail)
		t.ExitPrice, _ = decimal.NewFromString(exit)
		t.RealizedPnL, _ = decimal.NewFromString(pnl)
		result = append(result, t)
	}
	return result, rows.Err()
}

func (s *PostgresStore) InsertSettlement(ctx context.Context, r *model.SettlementRecord) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO settlements (match_id, pot, rake, payout_a, payout_b, tie, winner_id,
		                          tx_ref, attempts, next_retry_at, status, created_at, settled_at)
		 VALUES ($1, $2::NUMERIC, $3::NUMERIC, $4::NUMERIC, $5::NUMERIC, $6, $7, $8, $9, $10, $11, $12, $13)`,
		r.MatchID, r.Pot.String(), r.Rake.String(), r.PayoutA.String(), r.PayoutB.String(),
		r.Tie, r.WinnerID, r.TxRef, r.Attempts, r.NextRetryAt, string(r.Status), r.CreatedAt, r.SettledAt,
	)
	return err
}

func (s *PostgresStore) GetSettlement(ctx context.Context, matchID string) (*model.SettlementRecord, error) {
	r, err := scanSettlement(s.pool.QueryRow(ctx, settlementSelect+` WHERE match_id = $1`, matchID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("settlement for match %s: %w", matchID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get settlement %s: %w", matchID, err)
	}
	return r, nil
}

func (s *PostgresStore) UpdateSettlement(ctx context.Context, r *model.SettlementRecord) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE settlements
		 SET tx_ref = $2, attempts = $3, next_retry_at = $4, status = $5, settled_at = $6
		 WHERE match_id = $1`,
		r.MatchID, r.TxRef, r.Attempts, r.NextRetryAt, string(r.Status), r.SettledAt,
	)
	if err != nil {
		return fmt.Errorf("update settlement %s: %w", r.MatchID, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("settlement for match %s: %w", r.MatchID, ErrNotFound)
	}
	return nil
}

const settlementSelect = `SELECT match_id, pot::TEXT, rake::TEXT, payout_a::TEXT, payout_b::TEXT,
       tie, winner_id, tx_ref, attempts, next_retry_at, status, created_at, settled_at
FROM settlements`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSettlement(row rowScanner) (*model.SettlementRecord, error) {
	var r model.SettlementRecord
	var pot, rake, payoutA, payoutB, status string

	err := row.Scan(&r.MatchID, &pot, &rake, &payoutA, &payoutB,
		&r.Tie, &r.WinnerID, &r.TxRef, &r.Attempts, &r.NextRetryAt, &status, &r.CreatedAt, &r.SettledAt)
	if err != nil {
		return nil, err
	}
	r.Pot, _ = decimal.NewFromString(pot)
	r.Rake, _ = decimal.NewFromString(rake)
	r.PayoutA, _ = decimal.NewFromString(payoutA)
	r.PayoutB, _ = decimal.NewFromString(payoutB)
	r.Status = model.SettlementStatus(status)
	return &r, nil
}

func (s *PostgresStore) ListRetryableSettlements(ctx context.Context, now time.Time) ([]model.SettlementRecord, error) {
	rows, err := s.pool.Query(ctx,
		settlementSelect+` WHERE status = 'pending' AND next_retry_at <= $1 ORDER BY next_retry_at`, now)
	if err != nil {
		return nil, fmt.Errorf("list retryable settlements: %w", err)
	}
	defer rows.Close()

	var result []model.SettlementRecord
	for rows.Next() {
		r, err := scanSettlement(rows)
		if err != nil {
			return nil, fmt.Errorf("scan settlement: %w", err)
		}
		result = append(result, *r)
	}
	return result, rows.Err()
}

// The platform table holds a single totals row.

func (s *PostgresStore) GetPlatformStats(ctx context.Context) (*model.PlatformStats, error) {
	var stats model.PlatformStats
	var volume string

	err := s.pool.QueryRow(ctx,
		`SELECT total_games, total_volume::TEXT FROM platform WHERE id = 1`).
		Scan(&stats.TotalGames, &volume)
	if errors.Is(err, pgx.ErrNoRows) {
		return &model.PlatformStats{TotalVolume: decimal.Zero}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get platform stats: %w", err)
	}
	stats.TotalVolume, _ = decimal.NewFromString(volume)
	return &stats, nil
}

func (s *PostgresStore) IncrementPlatformTotals(ctx context.Context, volume decimal.Decimal) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO platform (id, total_games, total_volume)
		 VALUES (1, 1, $1::NUMERIC)
		 ON CONFLICT (id) DO UPDATE
		 SET total_games = platform.total_games + 1,
		     total_volume = platform.total_volume + EXCLUDED.total_volume`,
		volume.String(),
	)
	if err != nil {
		return fmt.Errorf("increment platform totals: %w", err)
	}
	return nil
}
