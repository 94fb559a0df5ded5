package match_test

import (
	"testing"
	"time"

	"github.com/solfight/match-engine/internal/match"
	"github.com/solfight/match-engine/internal/model"
)

// A 105-second match splits into intro [0,5s), openingBell [5s,25s),
// midGame [25s,75s), finalSprint [75s,95s), lastStand [95s,105s).
func TestPhaseAt(t *testing.T) {
	start := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	duration := 105 * time.Second

	cases := []struct {
		offset time.Duration
		want   model.Phase
	}{
		{0, model.PhaseIntro},
		{4 * time.Second, model.PhaseIntro},
		{5 * time.Second, model.PhaseOpeningBell},
		{24 * time.Second, model.PhaseOpeningBell},
		{25 * time.Second, model.PhaseMidGame},
		{74 * time.Second, model.PhaseMidGame},
		{75 * time.Second, model.PhaseFinalSprint},
		{94 * time.Second, model.PhaseFinalSprint},
		{95 * time.Second, model.PhaseLastStand},
		{104 * time.Second, model.PhaseLastStand},
		{105 * time.Second, model.PhaseEnded},
		{2 * time.Hour, model.PhaseEnded},
	}
	for _, tc := range cases {
		if got := match.PhaseAt(start, start.Add(tc.offset), duration); got != tc.want {
			t.Errorf("PhaseAt(+%s) = %s, want %s", tc.offset, got, tc.want)
		}
	}
}

func TestPhaseAt_PureOverArbitraryTimestamps(t *testing.T) {
	start := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	duration := 10 * time.Minute

	// Same inputs, same phase — no hidden clock state.
	for i := 0; i < 3; i++ {
		if got := match.PhaseAt(start, start.Add(3*time.Minute), duration); got != model.PhaseMidGame {
			t.Fatalf("PhaseAt not deterministic: got %s", got)
		}
	}

	// A timestamp before start is still intro, never a negative phase.
	if got := match.PhaseAt(start, start.Add(-time.Second), duration); got != model.PhaseIntro {
		t.Errorf("PhaseAt before start = %s, want intro", got)
	}
}

func TestPhaseAt_DegenerateDuration(t *testing.T) {
	start := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

	// Shorter than the intro window: still reaches ended at the wall-clock
	// end, lastStand in between.
	if got := match.PhaseAt(start, start.Add(4*time.Second), 3*time.Second); got != model.PhaseEnded {
		t.Errorf("past end = %s, want ended", got)
	}
}
