package analysis

import (
	"image"
	"testing"

	"driveguard/config"
	"driveguard/models"
)

func busTuning() config.BusLaneTuning {
	t := config.DefaultTuning().BusLane
	t.BufferFrames = 3 // smaller buffer keeps the fixtures readable
	return t
}

func TestCoverageSegmenter(t *testing.T) {
	step := 0.1

	feed := func(seg *coverageSegmenter, from, to float64, covered bool) {
		for now := from; now < to; now += step {
			seg.Observe(now, covered)
		}
	}

	t.Run("sustained coverage becomes one range", func(t *testing.T) {
		seg := newCoverageSegmenter(busTuning())
		feed(seg, 0, 1, false)
		feed(seg, 1, 3, true)
		feed(seg, 3, 5, false)

		got := seg.Finish()
		if !got.ViolationDetected || len(got.ViolationRanges) != 1 {
			t.Fatalf("summary = %+v, want one range", got)
		}
		r := got.ViolationRanges[0]
		if r.EndTime-r.StartTime < busTuning().MinDurationSec {
			t.Errorf("range [%v, %v] shorter than minimum", r.StartTime, r.EndTime)
		}
	})

	t.Run("clean run reports nothing", func(t *testing.T) {
		seg := newCoverageSegmenter(busTuning())
		feed(seg, 0, 10, false)

		got := seg.Finish()
		if got.ViolationDetected || len(got.ViolationRanges) != 0 {
			t.Errorf("summary = %+v, want empty", got)
		}
	})

	t.Run("single covered frame never opens", func(t *testing.T) {
		seg := newCoverageSegmenter(busTuning())
		feed(seg, 0, 1, false)
		seg.Observe(1, true)
		feed(seg, 1.1, 3, false)

		if got := seg.Finish(); got.ViolationDetected {
			t.Errorf("one covered frame opened a range: %+v", got)
		}
	})

	t.Run("short crossing filtered by minimum duration", func(t *testing.T) {
		seg := newCoverageSegmenter(busTuning())
		feed(seg, 0, 1, false)
		feed(seg, 1, 1.5, true)
		feed(seg, 1.5, 5, false)

		if got := seg.Finish(); got.ViolationDetected {
			t.Errorf("0.5s crossing reported: %+v", got)
		}
	})

	t.Run("coverage running to the end still closes", func(t *testing.T) {
		seg := newCoverageSegmenter(busTuning())
		feed(seg, 0, 1, false)
		feed(seg, 1, 4, true)

		got := seg.Finish()
		if len(got.ViolationRanges) != 1 {
			t.Fatalf("got %d ranges, want 1", len(got.ViolationRanges))
		}
	})

	t.Run("ranges are ordered and non-overlapping", func(t *testing.T) {
		seg := newCoverageSegmenter(busTuning())
		feed(seg, 0, 2, true)
		feed(seg, 2, 6, false)
		feed(seg, 6, 8, true)
		feed(seg, 8, 10, false)

		got := seg.Finish()
		if len(got.ViolationRanges) != 2 {
			t.Fatalf("got %d ranges, want 2", len(got.ViolationRanges))
		}
		first, second := got.ViolationRanges[0], got.ViolationRanges[1]
		if first.EndTime >= second.StartTime {
			t.Errorf("ranges overlap: %+v then %+v", first, second)
		}
	})
}

func TestLaneROI(t *testing.T) {
	tuning := config.DefaultTuning().BusLane
	res := models.Resolution{Width: 1000, Height: 800}

	roi := laneROI(res, tuning)
	want := image.Rect(390, 624, 610, 768)
	if roi != want {
		t.Errorf("laneROI() = %v, want %v", roi, want)
	}

	if roi.Max.X > res.Width || roi.Max.Y > res.Height || roi.Min.X < 0 || roi.Min.Y < 0 {
		t.Errorf("ROI %v leaves the frame %dx%d", roi, res.Width, res.Height)
	}
}
