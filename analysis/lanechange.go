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

// flowStats summarizes the dense motion field inside the lane-change ROI for
// one sampled frame: the fraction of pixels with strong motion and the mean
// horizontal/vertical components over those pixels.
type flowStats struct {
	Coverage float64
	MeanU    float64
	MeanVAbs float64
}

// lateralScore reduces the ROI flow to a signed lateral-dominance score.
// Zero unless motion covers enough of the ROI and is predominantly
// horizontal; forward motion and braking dips stay at zero.
func lateralScore(s flowStats, t config.LaneChangeTuning) float64 {
	if s.Coverage <= t.MinCoverage {
		return 0
	}
	if math.Abs(s.MeanU) <= s.MeanVAbs*t.LateralRatio || math.Abs(s.MeanU) <= t.MinHorizontal {
		return 0
	}
	return s.MeanU / (s.MeanVAbs + 1e-6)
}

// lateralCounter is the hysteresis state machine that turns the smoothed
// lateral score into discrete lane-change counts. Entry and exit use
// different thresholds so the count does not flap at the boundary, and a
// span only counts once it has lasted the minimum duration.
type lateralCounter struct {
	t           config.LaneChangeTuning
	sampleSec   float64
	ema         float64
	inSpan      bool
	spanDir     int
	spanSamples int
	left, right int
}

func newLateralCounter(t config.LaneChangeTuning, sampleSec float64) *lateralCounter {
	return &lateralCounter{t: t, sampleSec: sampleSec}
}

func (c *lateralCounter) Observe(score float64) {
	c.ema = c.t.EMAAlpha*score + (1-c.t.EMAAlpha)*c.ema
	abs := math.Abs(c.ema)
	dir := 1
	if c.ema < 0 {
		dir = -1
	}

	if !c.inSpan {
		if abs >= c.t.EnterThreshold {
			c.inSpan = true
			c.spanDir = dir
			c.spanSamples = 1
		}
		return
	}
	if abs >= c.t.ExitThreshold && dir == c.spanDir {
		c.spanSamples++
		return
	}
	c.closeSpan()
}

func (c *lateralCounter) closeSpan() {
	if c.inSpan && float64(c.spanSamples)*c.sampleSec >= c.t.MinDurationSec {
		if c.spanDir > 0 {
			c.right++
		} else {
			c.left++
		}
	}
	c.inSpan = false
	c.spanDir = 0
	c.spanSamples = 0
}

func (c *lateralCounter) Finish() models.DirectionalCount {
	c.closeSpan()
	return models.DirectionalCount{TurnCount: c.left + c.right, Left: c.left, Right: c.right}
}

// CountLaneChanges runs dense optical flow over the central horizontal band
// of downscaled grays and counts sustained lateral motion spans.
func CountLaneChanges(ctx context.Context, path string, t config.LaneChangeTuning, log *logrus.Entry) (models.DirectionalCount, error) {
	src, err := video.Open(path)
	if err != nil {
		return models.DirectionalCount{}, err
	}
	defer src.Close()

	meta := src.Metadata()
	stride := video.Stride(meta.FPS, t.TargetHz)
	counter := newLateralCounter(t, float64(stride)/meta.FPS)

	scale := float64(t.TargetWidth) / float64(meta.Resolution.Width)
	scaledH := int(float64(meta.Resolution.Height) * scale)
	y0 := int(float64(scaledH) * t.ROITop)
	y1 := int(float64(scaledH) * t.ROIBottom)

	frame := gocv.NewMat()
	defer frame.Close()
	gray := gocv.NewMat()
	defer gray.Close()
	small := gocv.NewMat()
	defer small.Close()
	prevROI := gocv.NewMat()
	defer prevROI.Close()
	flow := gocv.NewMat()
	defer flow.Close()

	for {
		if err := ctx.Err(); err != nil {
			return models.DirectionalCount{}, err
		}
		idx, ok := src.Read(&frame)
		if !ok {
			break
		}
		if idx%stride != 0 {
			continue
		}

		gocv.CvtColor(frame, &gray, gocv.ColorBGRToGray)
		gocv.Resize(gray, &small, image.Pt(t.TargetWidth, scaledH), 0, 0, gocv.InterpolationArea)
		region := small.Region(image.Rect(0, y0, t.TargetWidth, y1))
		curROI := region.Clone()
		region.Close()

		if prevROI.Empty() {
			curROI.CopyTo(&prevROI)
			curROI.Close()
			continue
		}

		gocv.CalcOpticalFlowFarneback(prevROI, curROI, &flow, 0.5, 2, 21, 2, 5, 1.1, 0)
		counter.Observe(lateralScore(roiFlowStats(flow, t.MagThreshold), t))

		curROI.CopyTo(&prevROI)
		curROI.Close()
	}

	count := counter.Finish()
	log.WithFields(logrus.Fields{"left": count.Left, "right": count.Right}).Info("lane change pass finished")
	return count, nil
}

// roiFlowStats masks the flow field by magnitude and averages the surviving
// components.
func roiFlowStats(flow gocv.Mat, magThreshold float64) flowStats {
	rows, cols := flow.Rows(), flow.Cols()
	total := rows * cols
	if total == 0 {
		return flowStats{}
	}

	var sumU, sumV float64
	var strong int
	for y := 0; y < rows; y++ {
		for x := 0; x < cols; x++ {
			v := flow.GetVecfAt(y, x)
			u, w := float64(v[0]), float64(v[1])
			if math.Hypot(u, w) <= magThreshold {
				continue
			}
			strong++
			sumU += u
			sumV += w
		}
	}
	if strong == 0 {
		return flowStats{}
	}
	return flowStats{
		Coverage: float64(strong) / float64(total),
		MeanU:    sumU / float64(strong),
		MeanVAbs: math.Abs(sumV / float64(strong)),
	}
}
