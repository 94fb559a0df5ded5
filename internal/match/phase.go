// Package match owns the per-match lifecycle: phase transitions, the
// arena of live matches, price-tick application, disconnect grace, and
// the hand-off of terminal snapshots to settlement.
package match

import (
	"time"

	"github.com/solfight/match-engine/internal/model"
)

// IntroDuration is the fixed length of the intro phase at match start.
const IntroDuration = 5 * time.Second

// PhaseAt computes the phase for an arbitrary timestamp. It is a pure
// function of (start, now, duration): the intro phase covers the first
// five seconds, then the remaining time splits 20/50/20/10 into
// openingBell, midGame, finalSprint, and lastStand.
func PhaseAt(start, now time.Time, duration time.Duration) model.Phase {
	if !now.Before(start.Add(duration)) {
		return model.PhaseEnded
	}
	elapsed := now.Sub(start)
	if elapsed < 0 {
		elapsed = 0
	}
	if elapsed < IntroDuration {
		return model.PhaseIntro
	}

	remaining := duration - IntroDuration
	if remaining <= 0 {
		// Degenerate durations shorter than the intro skip straight to the
		// closing phase.
		return model.PhaseLastStand
	}
	frac := float64(elapsed-IntroDuration) / float64(remaining)
	switch {
	case frac < 0.20:
		return model.PhaseOpeningBell
	case frac < 0.70:
		return model.PhaseMidGame
	case frac < 0.90:
		return model.PhaseFinalSprint
	default:
		return model.PhaseLastStand
	}
}
