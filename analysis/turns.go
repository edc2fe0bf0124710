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

// turnCounter accumulates heading change from a per-sample yaw-rate series
// and counts completed turns. Arming requires several consecutive samples
// above the rate threshold so camera shake never opens a turn, and release
// is equally sticky so a turn is not split when the rate briefly dips
// mid-maneuver.
type turnCounter struct {
	t         config.TurnTuning
	sampleSec float64
	window    []float64

	turning bool
	arm     int
	release int
	heading float64 // degrees, positive is clockwise (a right turn)
	pending float64 // heading accumulated while arming
	samples int

	left, right int
}

func newTurnCounter(t config.TurnTuning, sampleSec float64) *turnCounter {
	return &turnCounter{t: t, sampleSec: sampleSec}
}

// Observe consumes one raw yaw-rate sample in degrees per second.
func (c *turnCounter) Observe(omegaRaw float64) {
	c.window = append(c.window, omegaRaw)
	if len(c.window) > c.t.SmoothWindow {
		c.window = c.window[1:]
	}
	omega := median(c.window)
	fast := math.Abs(omega) >= c.t.OmegaThreshold

	if !c.turning {
		if !fast {
			c.arm = 0
			c.pending = 0
			return
		}
		c.arm++
		c.pending += omega * c.sampleSec
		if c.arm >= c.t.ArmFrames {
			c.turning = true
			c.heading = c.pending
			c.samples = c.arm
			c.arm = 0
			c.pending = 0
			c.release = 0
		}
		return
	}

	c.heading += omega * c.sampleSec
	c.samples++
	// A long continuous maneuver closes as soon as it qualifies, so a slow
	// sweeping turn is counted even when the rate never drops below
	// threshold. The next qualifying span opens a fresh turn.
	if math.Abs(c.heading) >= c.t.AngleThreshold && float64(c.samples)*c.sampleSec >= c.t.MinTurnSec {
		c.closeTurn()
		return
	}
	if fast {
		c.release = 0
		return
	}
	c.release++
	if c.release >= c.t.ReleaseFrames {
		c.closeTurn()
	}
}

func (c *turnCounter) closeTurn() {
	if c.turning {
		duration := float64(c.samples) * c.sampleSec
		if math.Abs(c.heading) >= c.t.AngleThreshold && duration >= c.t.MinTurnSec {
			if c.heading > 0 {
				c.right++
			} else {
				c.left++
			}
		}
	}
	c.turning = false
	c.heading = 0
	c.samples = 0
	c.release = 0
}

func (c *turnCounter) Finish() models.DirectionalCount {
	c.closeTurn()
	return models.DirectionalCount{TurnCount: c.left + c.right, Left: c.left, Right: c.right}
}

// CountTurns estimates per-sample yaw rate from the rotation component of a
// partial affine transform fit between matched ORB features in the lower
// frame, then runs the heading accumulator over the series.
func CountTurns(ctx context.Context, path string, t config.TurnTuning, log *logrus.Entry) (models.DirectionalCount, error) {
	src, err := video.Open(path)
	if err != nil {
		return models.DirectionalCount{}, err
	}
	defer src.Close()

	meta := src.Metadata()
	stride := video.Stride(meta.FPS, t.TargetHz)
	effectiveHz := meta.FPS / float64(stride)
	counter := newTurnCounter(t, 1/effectiveHz)

	scale := float64(t.TargetWidth) / float64(meta.Resolution.Width)
	scaledH := int(float64(meta.Resolution.Height) * scale)
	y0 := int(float64(scaledH) * t.ROITop)

	orb := gocv.NewORBWithParams(t.ORBFeatures, 1.2, 8, 31, 0, 2, gocv.ORBScoreTypeHarris, 31, 20)
	defer orb.Close()
	matcher := gocv.NewBFMatcherWithParams(gocv.NormHamming, false)
	defer matcher.Close()

	frame := gocv.NewMat()
	defer frame.Close()
	gray := gocv.NewMat()
	defer gray.Close()
	small := gocv.NewMat()
	defer small.Close()
	noMask := gocv.NewMat()
	defer noMask.Close()

	var prevKPs []gocv.KeyPoint
	prevDesc := gocv.NewMat()
	defer prevDesc.Close()
	havePrev := false

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
		region := small.Region(image.Rect(0, y0, t.TargetWidth, scaledH))
		roi := region.Clone()
		region.Close()

		kps, desc := orb.DetectAndCompute(roi, noMask)
		roi.Close()

		if havePrev && len(prevKPs) > 0 && len(kps) > 0 {
			counter.Observe(frameRotation(matcher, prevKPs, prevDesc, kps, desc, t) * effectiveHz)
		} else if havePrev {
			counter.Observe(0)
		}

		prevKPs = kps
		desc.CopyTo(&prevDesc)
		desc.Close()
		havePrev = true
	}

	count := counter.Finish()
	log.WithFields(logrus.Fields{"left": count.Left, "right": count.Right}).Info("turn pass finished")
	return count, nil
}

// frameRotation returns the rotation in degrees between two feature sets, or
// 0 when there are too few reliable matches to fit a transform.
func frameRotation(matcher gocv.BFMatcher, prevKPs []gocv.KeyPoint, prevDesc gocv.Mat,
	kps []gocv.KeyPoint, desc gocv.Mat, t config.TurnTuning) float64 {

	matches := matcher.KnnMatch(prevDesc, desc, 2)

	var from, to []gocv.Point2f
	for _, pair := range matches {
		if len(pair) < 2 || pair[0].Distance >= t.RatioTest*pair[1].Distance {
			continue
		}
		m := pair[0]
		if m.QueryIdx >= len(prevKPs) || m.TrainIdx >= len(kps) {
			continue
		}
		p, q := prevKPs[m.QueryIdx], kps[m.TrainIdx]
		from = append(from, gocv.Point2f{X: float32(p.X), Y: float32(p.Y)})
		to = append(to, gocv.Point2f{X: float32(q.X), Y: float32(q.Y)})
	}
	if len(from) < t.MinMatches {
		return 0
	}

	fromVec := gocv.NewPoint2fVectorFromPoints(from)
	defer fromVec.Close()
	toVec := gocv.NewPoint2fVectorFromPoints(to)
	defer toVec.Close()

	m := gocv.EstimateAffinePartial2D(fromVec, toVec)
	defer m.Close()
	if m.Empty() {
		return 0
	}
	return math.Atan2(m.GetDoubleAt(0, 1), m.GetDoubleAt(0, 0)) * 180 / math.Pi
}
