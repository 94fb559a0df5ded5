// Package position implements the per-match leveraged position ledger:
// opening, P&L, stop orders, liquidation, and match-end close-out.
//
// A Ledger is owned exclusively by its match's processing context and is
// not safe for concurrent use; the match engine serializes access.
// All monetary values use shopspring/decimal — never float64 for money.
package position

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/solfight/match-engine/internal/model"
)

const (
	// MinLeverage and MaxLeverage bound the accepted leverage range.
	MinLeverage = 1
	MaxLeverage = 100
)

// liquidationFraction is the share of margin a position may lose before it
// is force-closed. Closing happens at the price where exactly this share
// is lost, not at the observed tick price.
var liquidationFraction = decimal.NewFromFloat(0.9)

var (
	// ErrInvalidLeverage is returned when leverage is outside [1, 100].
	ErrInvalidLeverage = errors.New("position: leverage must be between 1 and 100")

	// ErrInsufficientMargin is returned when margin exceeds the player's
	// freely-allocatable match balance.
	ErrInsufficientMargin = errors.New("position: insufficient margin")

	// ErrInvalidStop is returned when a stop-loss or take-profit level sits
	// on the wrong side of the entry price.
	ErrInvalidStop = errors.New("position: stop level on wrong side of entry")

	// ErrPositionNotOpen is returned when closing an already-closed or
	// unknown position.
	ErrPositionNotOpen = errors.New("position: position not open")
)

// StopParams carries the optional protective orders for an open request.
// Zero values mean unset.
type StopParams struct {
	StopLoss     decimal.Decimal // absolute price level
	TakeProfit   decimal.Decimal // absolute price level
	TrailingDist decimal.Decimal // price distance from the favorable peak
}

// Ledger holds the open and closed positions of one match. Each player
// trades a simulated balance equal to the wager; margin committed to open
// positions is unavailable for further opens.
type Ledger struct {
	matchID   string
	wager     decimal.Decimal
	positions []*model.Position // creation order; evaluation order for ticks
	byID      map[string]*model.Position
}

// NewLedger creates the position ledger for one match. wager is each
// player's simulated trading balance.
func NewLedger(matchID string, wager decimal.Decimal) *Ledger {
	return &Ledger{
		matchID: matchID,
		wager:   wager,
		byID:    make(map[string]*model.Position),
	}
}

// Open creates a leveraged position at the given entry price.
func (l *Ledger) Open(playerID, asset string, side model.Side, margin decimal.Decimal, leverage int, entryPrice decimal.Decimal, stops StopParams) (*model.Position, error) {
	if leverage < MinLeverage || leverage > MaxLeverage {
		return nil, fmt.Errorf("%w: got %d", ErrInvalidLeverage, leverage)
	}
	if !margin.IsPositive() {
		return nil, fmt.Errorf("%w: margin must be positive", ErrInsufficientMargin)
	}
	free := l.wager.Sub(l.CommittedMargin(playerID))
	if margin.GreaterThan(free) {
		return nil, fmt.Errorf("%w: requested %s, free %s", ErrInsufficientMargin, margin, free)
	}
	if err := validateStops(side, entryPrice, stops); err != nil {
		return nil, err
	}

	p := &model.Position{
		ID:           uuid.New().String(),
		MatchID:      l.matchID,
		PlayerID:     playerID,
		Asset:        asset,
		Side:         side,
		EntryPrice:   entryPrice,
		Margin:       margin,
		Leverage:     leverage,
		StopLoss:     stops.StopLoss,
		TakeProfit:   stops.TakeProfit,
		TrailingDist: stops.TrailingDist,
		Open:         true,
		OpenedAt:     time.Now().UTC(),
	}
	if !stops.TrailingDist.IsZero() {
		p.TrailingPeak = entryPrice
	}
	l.positions = append(l.positions, p)
	l.byID[p.ID] = p
	return p, nil
}

func validateStops(side model.Side, entry decimal.Decimal, stops StopParams) error {
	if stops.TrailingDist.IsNegative() {
		return fmt.Errorf("%w: negative trailing distance", ErrInvalidStop)
	}
	if side == model.SideLong {
		if !stops.StopLoss.IsZero() && stops.StopLoss.GreaterThanOrEqual(entry) {
			return fmt.Errorf("%w: long stop-loss %s >= entry %s", ErrInvalidStop, stops.StopLoss, entry)
		}
		if !stops.TakeProfit.IsZero() && stops.TakeProfit.LessThanOrEqual(entry) {
			return fmt.Errorf("%w: long take-profit %s <= entry %s", ErrInvalidStop, stops.TakeProfit, entry)
		}
		return nil
	}
	if !stops.StopLoss.IsZero() && stops.StopLoss.LessThanOrEqual(entry) {
		return fmt.Errorf("%w: short stop-loss %s <= entry %s", ErrInvalidStop, stops.StopLoss, entry)
	}
	if !stops.TakeProfit.IsZero() && stops.TakeProfit.GreaterThanOrEqual(entry) {
		return fmt.Errorf("%w: short take-profit %s >= entry %s", ErrInvalidStop, stops.TakeProfit, entry)
	}
	return nil
}

// LiquidationPrice returns the price at which the position has lost exactly
// liquidationFraction of its margin: entry × (1 − direction × 0.9/leverage).
func LiquidationPrice(p *model.Position) decimal.Decimal {
	lev := decimal.NewFromInt(int64(p.Leverage))
	offset := liquidationFraction.Div(lev).Mul(p.Side.Sign())
	return p.EntryPrice.Mul(decimal.NewFromInt(1).Sub(offset))
}

// ApplyTick evaluates every open position on the asset in creation order.
// At most one closing condition fires per position per tick, checked in
// this order: liquidation, stop-loss, take-profit, trailing stop.
// Liquidation pre-empts stop orders. Returns the positions closed by this
// tick.
func (l *Ledger) ApplyTick(asset string, price decimal.Decimal) []*model.Position {
	var closed []*model.Position
	for _, p := range l.positions {
		if !p.Open || p.Asset != asset {
			continue
		}
		if c := l.evaluate(p, price); c != nil {
			closed = append(closed, c)
		}
	}
	return closed
}

func (l *Ledger) evaluate(p *model.Position, price decimal.Decimal) *model.Position {
	// (a) Liquidation: unrealized loss ≥ 90% of margin. The close price is
	// the computed liquidation price, not the observed tick.
	loss := p.PnL(price).Neg()
	if loss.GreaterThanOrEqual(liquidationFraction.Mul(p.Margin)) {
		l.closeAt(p, LiquidationPrice(p), model.CloseLiquidation)
		return p
	}

	long := p.Side == model.SideLong

	// (b) Stop-loss / take-profit: close at the configured threshold.
	if !p.StopLoss.IsZero() {
		if (long && price.LessThanOrEqual(p.StopLoss)) || (!long && price.GreaterThanOrEqual(p.StopLoss)) {
			l.closeAt(p, p.StopLoss, model.CloseStopLoss)
			return p
		}
	}
	if !p.TakeProfit.IsZero() {
		if (long && price.GreaterThanOrEqual(p.TakeProfit)) || (!long && price.LessThanOrEqual(p.TakeProfit)) {
			l.closeAt(p, p.TakeProfit, model.CloseTakeProfit)
			return p
		}
	}

	// (c) Trailing stop: advance the peak on favorable moves, close at
	// peak ∓ distance once price retraces by the configured distance.
	if !p.TrailingDist.IsZero() {
		if long {
			if price.GreaterThan(p.TrailingPeak) {
				p.TrailingPeak = price
			}
			threshold := p.TrailingPeak.Sub(p.TrailingDist)
			if price.LessThanOrEqual(threshold) {
				l.closeAt(p, threshold, model.CloseStopLoss)
				return p
			}
		} else {
			if price.LessThan(p.TrailingPeak) {
				p.TrailingPeak = price
			}
			threshold := p.TrailingPeak.Add(p.TrailingDist)
			if price.GreaterThanOrEqual(threshold) {
				l.closeAt(p, threshold, model.CloseStopLoss)
				return p
			}
		}
	}
	return nil
}

// Close closes a position at the given market price.
func (l *Ledger) Close(positionID string, price decimal.Decimal, reason model.CloseReason) (*model.Position, error) {
	p, ok := l.byID[positionID]
	if !ok || !p.Open {
		return nil, fmt.Errorf("%w: %s", ErrPositionNotOpen, positionID)
	}
	l.closeAt(p, price, reason)
	return p, nil
}

// CloseAllForMatchEnd closes every remaining open position at the last
// known price per asset. Assets that never received a tick close at entry
// (zero P&L). Called exactly once per match at the terminal phase.
func (l *Ledger) CloseAllForMatchEnd(lastPrices map[string]decimal.Decimal) []*model.Position {
	var closed []*model.Position
	for _, p := range l.positions {
		if !p.Open {
			continue
		}
		price, ok := lastPrices[p.Asset]
		if !ok {
			price = p.EntryPrice
		}
		l.closeAt(p, price, model.CloseMatchEnd)
		closed = append(closed, p)
	}
	return closed
}

func (l *Ledger) closeAt(p *model.Position, price decimal.Decimal, reason model.CloseReason) {
	p.Open = false
	p.ExitPrice = price
	p.RealizedPnL = p.PnL(price)
	p.CloseReason = reason
	p.ClosedAt = time.Now().UTC()
}

// CommittedMargin sums the margin of the player's open positions.
func (l *Ledger) CommittedMargin(playerID string) decimal.Decimal {
	total := decimal.Zero
	for _, p := range l.positions {
		if p.Open && p.PlayerID == playerID {
			total = total.Add(p.Margin)
		}
	}
	return total
}

// Equity is the player's simulated balance marked to the given prices:
// wager + realized P&L + unrealized P&L of open positions. Open positions
// on assets without a known price contribute zero unrealized P&L.
func (l *Ledger) Equity(playerID string, prices map[string]decimal.Decimal) decimal.Decimal {
	eq := l.wager
	for _, p := range l.positions {
		if p.PlayerID != playerID {
			continue
		}
		if !p.Open {
			eq = eq.Add(p.RealizedPnL)
			continue
		}
		if price, ok := prices[p.Asset]; ok {
			eq = eq.Add(p.PnL(price))
		}
	}
	return eq
}

// Get returns a position by id, open or closed.
func (l *Ledger) Get(positionID string) (*model.Position, bool) {
	p, ok := l.byID[positionID]
	return p, ok
}

// OpenPositions returns the player's open positions in creation order.
func (l *Ledger) OpenPositions(playerID string) []*model.Position {
	var result []*model.Position
	for _, p := range l.positions {
		if p.Open && p.PlayerID == playerID {
			result = append(result, p)
		}
	}
	return result
}

// OpenCount returns the number of open positions across both players.
func (l *Ledger) OpenCount() int {
	n := 0
	for _, p := range l.positions {
		if p.Open {
			n++
		}
	}
	return n
}

// Closed returns all closed positions in creation order — the match's
// trade history.
func (l *Ledger) Closed() []model.Position {
	var result []model.Position
	for _, p := range l.positions {
		if !p.Open {
			result = append(result, *p)
		}
	}
	return result
}
