package analysis

import (
	"testing"

	"driveguard/config"
)

func laneTuning() config.LaneChangeTuning {
	return config.DefaultTuning().LaneChange
}

func TestLateralScore(t *testing.T) {
	tuning := laneTuning()

	tests := []struct {
		name     string
		stats    flowStats
		wantZero bool
		wantSign int
	}{
		{
			name:     "sparse motion ignored",
			stats:    flowStats{Coverage: 0.02, MeanU: 5, MeanVAbs: 1},
			wantZero: true,
		},
		{
			name:     "forward motion ignored",
			stats:    flowStats{Coverage: 0.5, MeanU: 1, MeanVAbs: 4},
			wantZero: true,
		},
		{
			name:     "weak horizontal ignored",
			stats:    flowStats{Coverage: 0.5, MeanU: 0.5, MeanVAbs: 0.1},
			wantZero: true,
		},
		{
			name:     "rightward dominance scores positive",
			stats:    flowStats{Coverage: 0.5, MeanU: 4, MeanVAbs: 1},
			wantSign: 1,
		},
		{
			name:     "leftward dominance scores negative",
			stats:    flowStats{Coverage: 0.5, MeanU: -4, MeanVAbs: 1},
			wantSign: -1,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := lateralScore(tt.stats, tuning)
			if tt.wantZero {
				if got != 0 {
					t.Errorf("lateralScore() = %v, want 0", got)
				}
				return
			}
			if tt.wantSign > 0 && got <= 0 {
				t.Errorf("lateralScore() = %v, want positive", got)
			}
			if tt.wantSign < 0 && got >= 0 {
				t.Errorf("lateralScore() = %v, want negative", got)
			}
		})
	}
}

func TestLateralCounter(t *testing.T) {
	sampleSec := 0.125 // 8 Hz

	t.Run("sustained drift counts once", func(t *testing.T) {
		c := newLateralCounter(laneTuning(), sampleSec)
		for i := 0; i < 40; i++ {
			c.Observe(1.0)
		}
		for i := 0; i < 40; i++ {
			c.Observe(0)
		}
		got := c.Finish()
		if got.Right != 1 || got.Left != 0 {
			t.Errorf("counts = %+v, want one right", got)
		}
		if got.TurnCount != got.Left+got.Right {
			t.Errorf("TurnCount %d != Left+Right %d", got.TurnCount, got.Left+got.Right)
		}
	})

	t.Run("leftward drift counts left", func(t *testing.T) {
		c := newLateralCounter(laneTuning(), sampleSec)
		for i := 0; i < 40; i++ {
			c.Observe(-1.0)
		}
		got := c.Finish()
		if got.Left != 1 || got.Right != 0 {
			t.Errorf("counts = %+v, want one left", got)
		}
	})

	t.Run("short wobble filtered", func(t *testing.T) {
		tuning := laneTuning()
		tuning.MinDurationSec = 2.0
		c := newLateralCounter(tuning, sampleSec)
		for i := 0; i < 10; i++ {
			c.Observe(1.0)
		}
		for i := 0; i < 40; i++ {
			c.Observe(0)
		}
		if got := c.Finish(); got.TurnCount != 0 {
			t.Errorf("sub-minimum drift counted: %+v", got)
		}
	})

	t.Run("two separated changes count twice", func(t *testing.T) {
		c := newLateralCounter(laneTuning(), sampleSec)
		for i := 0; i < 40; i++ {
			c.Observe(1.0)
		}
		for i := 0; i < 60; i++ {
			c.Observe(0)
		}
		for i := 0; i < 40; i++ {
			c.Observe(-1.0)
		}
		got := c.Finish()
		if got.Right != 1 || got.Left != 1 {
			t.Errorf("counts = %+v, want one each way", got)
		}
	})
}
