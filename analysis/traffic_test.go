package analysis

import (
	"image"
	"testing"

	"driveguard/config"
)

func trafficTuning() config.TrafficTuning {
	return config.DefaultTuning().Traffic
}

func TestViolationTracker(t *testing.T) {
	step := 0.125

	t.Run("sustained red while moving becomes one window", func(t *testing.T) {
		tracker := newViolationTracker(trafficTuning())
		now := 0.0
		for ; now < 1.0; now += step {
			tracker.Observe(now, false, 20)
		}
		for ; now < 2.5; now += step {
			tracker.Observe(now, true, 20)
		}
		for ; now < 4.0; now += step {
			tracker.Observe(now, false, 20)
		}

		windows := tracker.Finish()
		if len(windows) != 1 {
			t.Fatalf("got %d windows, want 1", len(windows))
		}
		w := windows[0]
		if w.StartTime != 1.0 {
			t.Errorf("StartTime = %v, want 1.0", w.StartTime)
		}
		if w.EndTime <= w.StartTime {
			t.Errorf("window inverted: [%v, %v]", w.StartTime, w.EndTime)
		}
	})

	t.Run("stopped vehicle never violates", func(t *testing.T) {
		tracker := newViolationTracker(trafficTuning())
		for now := 0.0; now < 5.0; now += step {
			tracker.Observe(now, true, 0)
		}
		if windows := tracker.Finish(); len(windows) != 0 {
			t.Errorf("stopped vehicle produced %d windows", len(windows))
		}
	})

	t.Run("moving without red never violates", func(t *testing.T) {
		tracker := newViolationTracker(trafficTuning())
		for now := 0.0; now < 5.0; now += step {
			tracker.Observe(now, false, 40)
		}
		if windows := tracker.Finish(); len(windows) != 0 {
			t.Errorf("green drive produced %d windows", len(windows))
		}
	})

	t.Run("sub-minimum blip dropped", func(t *testing.T) {
		tracker := newViolationTracker(trafficTuning())
		now := 0.0
		for ; now < 1.0; now += step {
			tracker.Observe(now, false, 20)
		}
		for ; now < 1.25; now += step {
			tracker.Observe(now, true, 20)
		}
		for ; now < 4.0; now += step {
			tracker.Observe(now, false, 20)
		}
		if windows := tracker.Finish(); len(windows) != 0 {
			t.Errorf("0.25s blip produced %d windows", len(windows))
		}
	})

	t.Run("one missed classification does not split the window", func(t *testing.T) {
		tracker := newViolationTracker(trafficTuning())
		now := 0.0
		for ; now < 1.5; now += step {
			tracker.Observe(now, true, 20)
		}
		tracker.Observe(now, false, 20) // single dropout
		now += step
		for ; now < 3.0; now += step {
			tracker.Observe(now, true, 20)
		}
		if windows := tracker.Finish(); len(windows) != 1 {
			t.Errorf("got %d windows across a single dropout, want 1", len(windows))
		}
	})

	t.Run("no input means no windows", func(t *testing.T) {
		tracker := newViolationTracker(trafficTuning())
		if windows := tracker.Finish(); len(windows) != 0 {
			t.Errorf("empty run produced %d windows", len(windows))
		}
	})
}

func TestBlobConsistency(t *testing.T) {
	stable := image.Rect(100, 50, 120, 70)
	drifted := image.Rect(110, 55, 130, 75) // within the drift tolerance
	flash := image.Rect(500, 200, 520, 220)

	t.Run("first appearance is suppressed", func(t *testing.T) {
		bc := newBlobConsistency(trafficTuning())
		if kept := bc.Observe([]image.Rectangle{stable}); len(kept) != 0 {
			t.Errorf("blob passed the gate on its first frame: %v", kept)
		}
	})

	t.Run("second appearance passes", func(t *testing.T) {
		bc := newBlobConsistency(trafficTuning())
		bc.Observe([]image.Rectangle{stable})
		if kept := bc.Observe([]image.Rectangle{drifted}); len(kept) != 1 {
			t.Errorf("drifted repeat blob dropped: %v", kept)
		}
	})

	t.Run("stable blob survives, flash does not", func(t *testing.T) {
		bc := newBlobConsistency(trafficTuning())
		bc.Observe([]image.Rectangle{stable})
		bc.Observe([]image.Rectangle{drifted})
		kept := bc.Observe([]image.Rectangle{stable, flash})

		foundStable, foundFlash := false, false
		for _, b := range kept {
			if b == stable {
				foundStable = true
			}
			if b == flash {
				foundFlash = true
			}
		}
		if !foundStable {
			t.Error("temporally stable blob was dropped")
		}
		if foundFlash {
			t.Error("single-frame flash survived the consistency gate")
		}
	})
}

func TestSpeedAt(t *testing.T) {
	samples := []SpeedObservation{
		{Time: 0, KMH: 10},
		{Time: 1, KMH: 20},
		{Time: 2, KMH: 30},
	}

	tests := []struct {
		now  float64
		want float64
	}{
		{0.1, 10},
		{0.9, 20},
		{5.0, 30},
	}
	for _, tt := range tests {
		if got := speedAt(samples, tt.now); got != tt.want {
			t.Errorf("speedAt(%v) = %v, want %v", tt.now, got, tt.want)
		}
	}

	if got := speedAt(nil, 1.0); got != 0 {
		t.Errorf("speedAt with no samples = %v, want 0", got)
	}
}
