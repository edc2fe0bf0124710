package analysis

import (
	"context"
	"image"

	"github.com/sirupsen/logrus"
	"gocv.io/x/gocv"

	"driveguard/config"
	"driveguard/models"
	"driveguard/video"
)

// coverageSegmenter turns a boolean per-frame coverage signal into sustained
// ranges. A ring buffer of recent samples provides the hysteresis: a range
// opens only when the whole buffer agrees the lane is covered and closes only
// when the whole buffer agrees it is not, so single-frame paint gaps and
// shadows do not chop one crossing into many.
type coverageSegmenter struct {
	t      config.BusLaneTuning
	buffer []bool
	open   bool
	start  float64
	last   float64
	spans  []span
}

func newCoverageSegmenter(t config.BusLaneTuning) *coverageSegmenter {
	return &coverageSegmenter{t: t}
}

func (s *coverageSegmenter) Observe(now float64, covered bool) {
	s.buffer = append(s.buffer, covered)
	if len(s.buffer) > s.t.BufferFrames {
		s.buffer = s.buffer[1:]
	}
	if len(s.buffer) < s.t.BufferFrames {
		return
	}

	all, any := true, false
	for _, c := range s.buffer {
		all = all && c
		any = any || c
	}

	if !s.open && all {
		s.open = true
		s.start = now
	}
	if s.open {
		if covered {
			s.last = now
		}
		if !any {
			s.spans = append(s.spans, span{start: s.start, end: s.last})
			s.open = false
		}
	}
}

// Finish closes a still-open range at the last covered timestamp, then drops
// sub-minimum ranges and merges ranges separated by a short gap.
func (s *coverageSegmenter) Finish() models.BusLaneSummary {
	if s.open {
		s.spans = append(s.spans, span{start: s.start, end: s.last})
		s.open = false
	}
	kept := filterMinDuration(mergeSpans(s.spans, s.t.MergeGapSec), s.t.MinDurationSec)

	ranges := make([]models.BusLaneViolationRange, 0, len(kept))
	for _, sp := range kept {
		ranges = append(ranges, models.BusLaneViolationRange{
			StartTime: round2(sp.start),
			EndTime:   round2(sp.end),
		})
	}
	return models.BusLaneSummary{
		ViolationDetected: len(ranges) > 0,
		ViolationRanges:   ranges,
	}
}

// DetectBusLane measures red road-paint coverage in a small patch directly
// ahead of the hood and segments sustained coverage into violation ranges.
func DetectBusLane(ctx context.Context, path string, t config.BusLaneTuning, log *logrus.Entry) (models.BusLaneSummary, error) {
	src, err := video.Open(path)
	if err != nil {
		return models.BusLaneSummary{}, err
	}
	defer src.Close()

	meta := src.Metadata()
	roi := laneROI(meta.Resolution, t)
	roiArea := float64(roi.Dx() * roi.Dy())

	frame := gocv.NewMat()
	defer frame.Close()
	patch := gocv.NewMat()
	defer patch.Close()
	hsv := gocv.NewMat()
	defer hsv.Close()
	maskLow := gocv.NewMat()
	defer maskLow.Close()
	maskHigh := gocv.NewMat()
	defer maskHigh.Close()
	mask := gocv.NewMat()
	defer mask.Close()

	kernel := gocv.GetStructuringElement(gocv.MorphEllipse, image.Pt(3, 3))
	defer kernel.Close()

	seg := newCoverageSegmenter(t)

	for {
		if err := ctx.Err(); err != nil {
			return models.BusLaneSummary{}, err
		}
		idx, ok := src.Read(&frame)
		if !ok {
			break
		}
		now := video.Timestamp(idx, meta.FPS)

		region := frame.Region(roi)
		gocv.BilateralFilter(region, &patch, 7, 50, 50)
		region.Close()
		gocv.CvtColor(patch, &hsv, gocv.ColorBGRToHSV)

		gocv.InRangeWithScalar(hsv,
			gocv.NewScalar(t.RedLow.HueLow, t.RedLow.SatLow, t.RedLow.ValLow, 0),
			gocv.NewScalar(t.RedLow.HueHigh, 255, 255, 0), &maskLow)
		gocv.InRangeWithScalar(hsv,
			gocv.NewScalar(t.RedHigh.HueLow, t.RedHigh.SatLow, t.RedHigh.ValLow, 0),
			gocv.NewScalar(t.RedHigh.HueHigh, 255, 255, 0), &maskHigh)
		gocv.BitwiseOr(maskLow, maskHigh, &mask)
		gocv.MorphologyEx(mask, &mask, gocv.MorphOpen, kernel)
		gocv.MorphologyEx(mask, &mask, gocv.MorphClose, kernel)

		coverage := float64(gocv.CountNonZero(mask)) / roiArea
		seg.Observe(now, coverage >= t.MinCoverage)
	}

	summary := seg.Finish()
	if summary.ViolationDetected {
		log.WithField("ranges", len(summary.ViolationRanges)).Info("bus lane incursion detected")
	}
	return summary, nil
}

// laneROI is the patch of road the ego vehicle is about to drive over: a
// bottom-center rectangle just above the hood line.
func laneROI(res models.Resolution, t config.BusLaneTuning) image.Rectangle {
	w := int(float64(res.Width) * t.ROIWidthFrac)
	h := int(float64(res.Height) * t.ROIHeightFrac)
	x0 := (res.Width - w) / 2
	y1 := res.Height - int(float64(res.Height)*t.ROIBottomGap)
	return image.Rect(x0, y1-h, x0+w, y1)
}
