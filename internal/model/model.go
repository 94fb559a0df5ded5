// Package model defines the core domain types shared across the match engine.
// All monetary values use shopspring/decimal — never float64 for money.
package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// Side is the direction of a leveraged position.
type Side string

const (
	SideLong  Side = "long"
	SideShort Side = "short"
)

// Sign returns +1 for long and -1 for short, the direction factor in the
// P&L formula.
func (s Side) Sign() decimal.Decimal {
	if s == SideShort {
		return decimal.NewFromInt(-1)
	}
	return decimal.NewFromInt(1)
}

// CloseReason records why a position left the open state.
type CloseReason string

const (
	CloseManual      CloseReason = "manual"
	CloseStopLoss    CloseReason = "stop_loss"
	CloseTakeProfit  CloseReason = "take_profit"
	CloseLiquidation CloseReason = "liquidation"
	CloseMatchEnd    CloseReason = "match_end"
)

// Phase is the lifecycle phase of a match. Phases after deposit are a pure
// function of (startTime, now, duration); see the match package.
type Phase string

const (
	// PhasePendingDeposit: match created from matchmaking, waiting for both
	// escrow deposits to confirm.
	PhasePendingDeposit Phase = "pending_deposit"
	PhaseIntro          Phase = "intro"
	PhaseOpeningBell    Phase = "opening_bell"
	PhaseMidGame        Phase = "mid_game"
	PhaseFinalSprint    Phase = "final_sprint"
	PhaseLastStand      Phase = "last_stand"
	PhaseEnded          Phase = "ended"
	// PhaseCancelled: escrow window elapsed without both deposits.
	PhaseCancelled Phase = "cancelled"
)

// Trading reports whether positions may be opened in this phase.
func (p Phase) Trading() bool {
	switch p {
	case PhaseIntro, PhaseOpeningBell, PhaseMidGame, PhaseFinalSprint, PhaseLastStand:
		return true
	}
	return false
}

// Terminal reports whether the match can no longer change.
func (p Phase) Terminal() bool {
	return p == PhaseEnded || p == PhaseCancelled
}

// DefaultElo is the rating assigned to a freshly registered player.
const DefaultElo = 1200

// Player is a wallet-identified participant. Available and Frozen together
// only decrease through a confirmed payout debit and never go negative.
type Player struct {
	ID             string          `json:"id" db:"id"` // wallet address
	GamerTag       string          `json:"gamer_tag" db:"gamer_tag"`
	Available      decimal.Decimal `json:"available" db:"available"`
	Frozen         decimal.Decimal `json:"frozen" db:"frozen"` // escrowed in an active match
	CurrentMatchID string          `json:"current_match_id,omitempty" db:"current_match_id"`
	EloRating      int             `json:"elo_rating" db:"elo_rating"`
	Wins           int             `json:"wins" db:"wins"`
	Losses         int             `json:"losses" db:"losses"`
	Ties           int             `json:"ties" db:"ties"`
	CurrentStreak  int             `json:"current_streak" db:"current_streak"`
	GamesPlayed    int             `json:"games_played" db:"games_played"`
	TotalPnL       decimal.Decimal `json:"total_pnl" db:"total_pnl"`
	CreatedAt      time.Time       `json:"created_at" db:"created_at"`
}

// QueueEntry is one player waiting in a (duration, wager) bucket.
// Entries never expire on their own; they leave the queue only through
// dequeue or pairing.
type QueueEntry struct {
	ID         string          `json:"id"`
	PlayerID   string          `json:"player_id"`
	Duration   time.Duration   `json:"duration"`
	Wager      decimal.Decimal `json:"wager"`
	EnqueuedAt time.Time       `json:"enqueued_at"`
}

// MatchResult is the settled outcome of a match.
type MatchResult string

const (
	ResultPending MatchResult = "pending"
	ResultWin     MatchResult = "win"
	ResultTie     MatchResult = "tie"
)

// Match is one 1-v-1 trading competition. Positions are owned exclusively
// by their match and are mutated only by the position ledger.
type Match struct {
	ID              string          `json:"id" db:"id"`
	PlayerA         string          `json:"player_a" db:"player_a"`
	PlayerB         string          `json:"player_b" db:"player_b"`
	Duration        time.Duration   `json:"duration" db:"duration"`
	Wager           decimal.Decimal `json:"wager" db:"wager"` // per player
	Phase           Phase           `json:"phase" db:"phase"`
	StartTime       time.Time       `json:"start_time" db:"start_time"`
	EndTime         time.Time       `json:"end_time" db:"end_time"`
	DepositDeadline time.Time       `json:"deposit_deadline" db:"deposit_deadline"`
	DepositedA      bool            `json:"deposited_a" db:"deposited_a"`
	DepositedB      bool            `json:"deposited_b" db:"deposited_b"`
	Result          MatchResult     `json:"result" db:"result"`
	WinnerID        string          `json:"winner_id,omitempty" db:"winner_id"`
	CreatedAt       time.Time       `json:"created_at" db:"created_at"`
}

// Other returns the opponent of the given player.
func (m *Match) Other(playerID string) string {
	if playerID == m.PlayerA {
		return m.PlayerB
	}
	return m.PlayerA
}

// HasPlayer reports whether playerID is one of the two participants.
func (m *Match) HasPlayer(playerID string) bool {
	return playerID == m.PlayerA || playerID == m.PlayerB
}

// Position is a simulated leveraged position inside one match. Immutable
// once closed except for read.
type Position struct {
	ID           string          `json:"id" db:"id"`
	MatchID      string          `json:"match_id" db:"match_id"`
	PlayerID     string          `json:"player_id" db:"player_id"`
	Asset        string          `json:"asset" db:"asset"`
	Side         Side            `json:"side" db:"side"`
	EntryPrice   decimal.Decimal `json:"entry_price" db:"entry_price"`
	Margin       decimal.Decimal `json:"margin" db:"margin"`
	Leverage     int             `json:"leverage" db:"leverage"` // 1..100
	StopLoss     decimal.Decimal `json:"stop_loss,omitempty" db:"stop_loss"`         // price level, zero = unset
	TakeProfit   decimal.Decimal `json:"take_profit,omitempty" db:"take_profit"`     // price level, zero = unset
	TrailingDist decimal.Decimal `json:"trailing_dist,omitempty" db:"trailing_dist"` // price distance, zero = unset
	TrailingPeak decimal.Decimal `json:"trailing_peak,omitempty" db:"trailing_peak"`
	Open         bool            `json:"open" db:"open"`
	ExitPrice    decimal.Decimal `json:"exit_price,omitempty" db:"exit_price"`
	RealizedPnL  decimal.Decimal `json:"realized_pnl" db:"realized_pnl"`
	CloseReason  CloseReason     `json:"close_reason,omitempty" db:"close_reason"`
	OpenedAt     time.Time       `json:"opened_at" db:"opened_at"`
	ClosedAt     time.Time       `json:"closed_at,omitempty" db:"closed_at"`
}

// Notional is the economic size of the position: margin × leverage.
func (p *Position) Notional() decimal.Decimal {
	return p.Margin.Mul(decimal.NewFromInt(int64(p.Leverage)))
}

// PnL computes the clamped profit/loss at the given price:
// clamp(margin × leverage × ((price − entry) / entry) × direction, −margin, +∞).
// The lower clamp is the economic meaning of liquidation — a position can
// never lose more than its margin.
func (p *Position) PnL(price decimal.Decimal) decimal.Decimal {
	if p.EntryPrice.IsZero() {
		return decimal.Zero
	}
	move := price.Sub(p.EntryPrice).Div(p.EntryPrice)
	pnl := p.Notional().Mul(move).Mul(p.Side.Sign())
	if pnl.LessThan(p.Margin.Neg()) {
		return p.Margin.Neg()
	}
	return pnl
}

// SettlementStatus is the terminal status of a settlement record.
type SettlementStatus string

const (
	SettlementPending   SettlementStatus = "pending"
	SettlementConfirmed SettlementStatus = "confirmed"
	SettlementFailed    SettlementStatus = "failed"
)

// SettlementRecord carries a match's payout through the retry loop. The
// attempt count and next-retry deadline are persisted alongside the record
// so a process restart resumes retries instead of dropping them.
type SettlementRecord struct {
	MatchID     string           `json:"match_id" db:"match_id"`
	Pot         decimal.Decimal  `json:"pot" db:"pot"`
	Rake        decimal.Decimal  `json:"rake" db:"rake"`
	PayoutA     decimal.Decimal  `json:"payout_a" db:"payout_a"`
	PayoutB     decimal.Decimal  `json:"payout_b" db:"payout_b"`
	Tie         bool             `json:"tie" db:"tie"`
	WinnerID    string           `json:"winner_id,omitempty" db:"winner_id"`
	TxRef       string           `json:"tx_ref,omitempty" db:"tx_ref"`
	Attempts    int              `json:"attempts" db:"attempts"`
	NextRetryAt time.Time        `json:"next_retry_at,omitempty" db:"next_retry_at"`
	Status      SettlementStatus `json:"status" db:"status"`
	CreatedAt   time.Time        `json:"created_at" db:"created_at"`
	SettledAt   time.Time        `json:"settled_at,omitempty" db:"settled_at"`
}

// PlatformStats are the running platform-wide totals: games counts every
// match created, volume counts both wagers of each.
type PlatformStats struct {
	TotalGames  int64           `json:"total_games" db:"total_games"`
	TotalVolume decimal.Decimal `json:"total_volume" db:"total_volume"`
}

// PriceTick is one observation from the upstream price feed. Ticks may
// arrive duplicated or out of order; consumers apply them idempotently
// using TimestampMs as a cursor.
type PriceTick struct {
	Asset       string          `json:"asset"`
	Price       decimal.Decimal `json:"price"`
	TimestampMs int64           `json:"timestamp_ms"`
}

// Snapshot is the terminal state of a match handed to settlement when the
// ended phase is reached.
type Snapshot struct {
	MatchID      string          `json:"match_id"`
	PlayerA      string          `json:"player_a"`
	PlayerB      string          `json:"player_b"`
	Wager        decimal.Decimal `json:"wager"`
	EquityA      decimal.Decimal `json:"equity_a"`
	EquityB      decimal.Decimal `json:"equity_b"`
	Trades       []Position      `json:"trades"`
	PhaseChanges int             `json:"phase_changes"`
	EndedAt      time.Time       `json:"ended_at"`
}
