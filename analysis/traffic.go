package analysis

import (
	"context"
	"image"
	"math"

	"github.com/sirupsen/logrus"
	"gocv.io/x/gocv"

	"driveguard/config"
	"driveguard/models"
	"driveguard/video"
)

// signalPhase is the classified illuminated state of the visible signals in
// one sampled frame. Amber lamps fall outside both masks and carry no
// violation evidence either way.
type signalPhase struct {
	Red   bool
	Green bool
}

// blobConsistency suppresses single-frame color blobs: a blob only counts
// once a nearby blob has been seen in enough of the recent sampled frames.
type blobConsistency struct {
	driftPx float64
	need    int
	window  int
	history [][]image.Rectangle
}

func newBlobConsistency(t config.TrafficTuning) *blobConsistency {
	return &blobConsistency{driftPx: t.ConsistencyPx, need: t.ConsistencyNeed, window: t.ConsistencyWin}
}

// Observe records the frame's blobs and returns the subset that is
// temporally consistent with recent history. The gate applies from the very
// first frame; a blob always matches itself, so with need=2 nothing passes
// until its second appearance.
func (b *blobConsistency) Observe(blobs []image.Rectangle) []image.Rectangle {
	b.history = append(b.history, blobs)
	if len(b.history) > b.window {
		b.history = b.history[1:]
	}

	var kept []image.Rectangle
	for _, blob := range blobs {
		frames := 0
		for _, past := range b.history {
			for _, other := range past {
				if math.Abs(float64(blob.Min.X-other.Min.X)) < b.driftPx &&
					math.Abs(float64(blob.Min.Y-other.Min.Y)) < b.driftPx {
					frames++
					break
				}
			}
		}
		if frames >= b.need {
			kept = append(kept, blob)
		}
	}
	return kept
}

// violationTracker segments "stop phase visible while still moving" into
// sustained windows. Hysteresis: the window opens on the first violating
// sample and only closes once the condition has been absent for ReleaseSec,
// so one missed red classification does not split a window in two.
type violationTracker struct {
	t          config.TrafficTuning
	open       bool
	start      float64
	lastActive float64
	spans      []span
}

func newViolationTracker(t config.TrafficTuning) *violationTracker {
	return &violationTracker{t: t}
}

func (v *violationTracker) Observe(now float64, redPhase bool, egoKMH float64) {
	violating := redPhase && egoKMH > v.t.StillSpeedKMH
	if violating {
		if !v.open {
			v.open = true
			v.start = now
		}
		v.lastActive = now
		return
	}
	if v.open && now-v.lastActive >= v.t.ReleaseSec {
		v.spans = append(v.spans, span{start: v.start, end: v.lastActive})
		v.open = false
	}
}

// Finish closes any open window and drops sub-minimum spans.
func (v *violationTracker) Finish() []models.TrafficViolationWindow {
	if v.open {
		v.spans = append(v.spans, span{start: v.start, end: v.lastActive})
		v.open = false
	}
	kept := filterMinDuration(v.spans, v.t.MinViolationSec)
	windows := make([]models.TrafficViolationWindow, 0, len(kept))
	for _, s := range kept {
		windows = append(windows, models.TrafficViolationWindow{
			StartTime: round2(s.start),
			EndTime:   round2(s.end),
		})
	}
	return windows
}

// AnalyzeTrafficSignals classifies the signal phase per sampled frame from
// color-space analysis of the upper frame and cross-checks it against the
// ego-motion samples from the speed stage. Only genuinely detected windows
// are reported; there is deliberately no synthetic fallback window.
func AnalyzeTrafficSignals(ctx context.Context, path string, t config.TrafficTuning,
	egoSpeed []SpeedObservation, log *logrus.Entry) (models.TrafficSignalSummary, error) {

	src, err := video.Open(path)
	if err != nil {
		return models.TrafficSignalSummary{}, err
	}
	defer src.Close()

	meta := src.Metadata()
	stride := video.Stride(meta.FPS, t.TargetHz)
	roiH := int(float64(meta.Resolution.Height) * t.ROIHeightFrac)

	frame := gocv.NewMat()
	defer frame.Close()
	hsv := gocv.NewMat()
	defer hsv.Close()
	gray := gocv.NewMat()
	defer gray.Close()

	kernelSmall := gocv.GetStructuringElement(gocv.MorphEllipse, image.Pt(3, 3))
	defer kernelSmall.Close()
	kernelMedium := gocv.GetStructuringElement(gocv.MorphEllipse, image.Pt(5, 5))
	defer kernelMedium.Close()

	redConsistency := newBlobConsistency(t)
	tracker := newViolationTracker(t)

	for {
		if err := ctx.Err(); err != nil {
			return models.TrafficSignalSummary{}, err
		}
		idx, ok := src.Read(&frame)
		if !ok {
			break
		}
		if idx%stride != 0 {
			continue
		}
		now := video.Timestamp(idx, meta.FPS)

		roi := frame.Region(image.Rect(0, 0, frame.Cols(), roiH))
		gocv.CvtColor(roi, &hsv, gocv.ColorBGRToHSV)
		gocv.CvtColor(roi, &gray, gocv.ColorBGRToGray)
		roi.Close()

		phase := signalPhase{
			Red:   len(redConsistency.Observe(signalBlobs(hsv, gray, t, kernelSmall, kernelMedium, t.RedLow, t.RedHigh))) > 0,
			Green: len(signalBlobs(hsv, gray, t, kernelSmall, kernelMedium, t.Green)) > 0,
		}

		// A green lamp next to a red one belongs to another approach; do
		// not charge the driver for crossing it.
		tracker.Observe(now, phase.Red && !phase.Green, speedAt(egoSpeed, now))
	}

	windows := tracker.Finish()
	if len(windows) > 0 {
		log.WithField("windows", len(windows)).Info("traffic signal violations detected")
	}
	return models.TrafficSignalSummary{
		ViolationWindows: windows,
		Violation:        len(windows) > 0,
	}, nil
}

// signalBlobs finds candidate signal lamps of one color family in the HSV
// ROI: thresholded, denoised, then filtered by area, aspect and brightness.
// ranges holds one or two HSV boxes (red needs two for the hue wrap-around).
func signalBlobs(hsv, gray gocv.Mat, t config.TrafficTuning,
	kernelSmall, kernelMedium gocv.Mat, ranges ...config.HSVRange) []image.Rectangle {

	mask := gocv.NewMat()
	defer mask.Close()
	for i, r := range ranges {
		part := gocv.NewMat()
		gocv.InRangeWithScalar(hsv,
			gocv.NewScalar(r.HueLow, r.SatLow, r.ValLow, 0),
			gocv.NewScalar(r.HueHigh, 255, 255, 0), &part)
		if i == 0 {
			part.CopyTo(&mask)
		} else {
			gocv.BitwiseOr(mask, part, &mask)
		}
		part.Close()
	}

	gocv.MorphologyEx(mask, &mask, gocv.MorphOpen, kernelSmall)
	gocv.MorphologyEx(mask, &mask, gocv.MorphClose, kernelMedium)

	contours := gocv.FindContours(mask, gocv.RetrievalExternal, gocv.ChainApproxSimple)
	defer contours.Close()

	var blobs []image.Rectangle
	for i := 0; i < contours.Size(); i++ {
		contour := contours.At(i)
		area := gocv.ContourArea(contour)
		if area < t.MinBlobArea || area > t.MaxBlobArea {
			continue
		}
		rect := gocv.BoundingRect(contour)
		aspect := float64(rect.Dy()) / math.Max(float64(rect.Dx()), 1)
		if aspect < t.MinAspect || aspect > t.MaxAspect {
			continue
		}
		region := gray.Region(rect)
		brightness := region.Mean().Val1
		region.Close()
		if brightness <= t.MinBrightness {
			continue
		}
		blobs = append(blobs, rect)
	}
	return blobs
}

// speedAt returns the ego-speed sample nearest in time, or 0 when the speed
// stage produced nothing usable; with unknown ego motion no violation can be
// asserted.
func speedAt(samples []SpeedObservation, now float64) float64 {
	if len(samples) == 0 {
		return 0
	}
	best := samples[0]
	for _, s := range samples[1:] {
		if math.Abs(s.Time-now) < math.Abs(best.Time-now) {
			best = s
		}
	}
	return best.KMH
}
