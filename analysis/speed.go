package analysis

import (
	"context"
	"image"
	"math"
	"sort"

	"github.com/sirupsen/logrus"
	"gocv.io/x/gocv"
	"gonum.org/v1/gonum/stat"

	"driveguard/config"
	"driveguard/video"
)

// SpeedObservation is one valid per-frame ego-speed sample.
type SpeedObservation struct {
	Time       float64
	KMH        float64
	Confidence float64
}

// SpeedResult is the finalized ego-speed estimate for a clip. LowConfidence
// is set when too few frames yielded a valid sample; the pipeline keeps the
// fallback value and carries on rather than failing the job.
type SpeedResult struct {
	AverageKMH    float64
	Confidence    float64
	Samples       []SpeedObservation
	LowConfidence bool
}

// EstimateSpeed tracks salient road-surface features between sampled frames
// with sparse optical flow and converts their vertical displacement to km/h
// through the depth-banded scale model.
func EstimateSpeed(ctx context.Context, path string, t config.SpeedTuning, log *logrus.Entry) (SpeedResult, error) {
	src, err := video.Open(path)
	if err != nil {
		return SpeedResult{}, err
	}
	defer src.Close()

	meta := src.Metadata()
	roiY0 := int(float64(meta.Resolution.Height) * t.ROITop)
	roiY1 := int(float64(meta.Resolution.Height) * t.ROIBottom)

	frame := gocv.NewMat()
	defer frame.Close()
	gray := gocv.NewMat()
	defer gray.Close()
	prevROI := gocv.NewMat()
	defer prevROI.Close()

	var samples []SpeedObservation

	for {
		if err := ctx.Err(); err != nil {
			return SpeedResult{}, err
		}
		idx, ok := src.Read(&frame)
		if !ok {
			break
		}
		if idx%t.FrameStride != 0 {
			continue
		}

		gocv.CvtColor(frame, &gray, gocv.ColorBGRToGray)
		region := gray.Region(image.Rect(0, roiY0, gray.Cols(), roiY1))
		curROI := region.Clone()
		region.Close()

		if prevROI.Empty() {
			curROI.CopyTo(&prevROI)
			curROI.Close()
			continue
		}

		dys, ys := trackDisplacements(prevROI, curROI, t)
		if len(dys) > 0 {
			meanY := stat.Mean(ys, nil)
			yNorm := (float64(roiY0) + meanY) / float64(meta.Resolution.Height)
			if obs, ok := sampleSpeed(dys, yNorm, meta.FPS, t); ok {
				obs.Time = video.Timestamp(idx, meta.FPS)
				samples = append(samples, obs)
			}
		}

		curROI.CopyTo(&prevROI)
		curROI.Close()
	}

	result := finalizeSpeed(samples, t)
	if result.LowConfidence {
		log.WithField("samples", len(samples)).Warn("speed estimate has low confidence, using fallback")
	} else {
		log.WithFields(logrus.Fields{
			"avg_kmh": result.AverageKMH,
			"samples": len(result.Samples),
		}).Info("speed estimation finished")
	}
	return result, nil
}

// trackDisplacements detects corners in the previous ROI and follows them
// into the current one, returning per-point vertical displacements and the
// tracked points' y positions (ROI-relative).
func trackDisplacements(prevROI, curROI gocv.Mat, t config.SpeedTuning) (dys, ys []float64) {
	corners := gocv.NewMat()
	defer corners.Close()
	gocv.GoodFeaturesToTrack(prevROI, &corners, t.MaxCorners, t.QualityLevel, t.MinFeatureDist)
	if corners.Rows() < t.MinTrackedPts {
		return nil, nil
	}

	nextPts := gocv.NewMat()
	defer nextPts.Close()
	status := gocv.NewMat()
	defer status.Close()
	flowErr := gocv.NewMat()
	defer flowErr.Close()
	gocv.CalcOpticalFlowPyrLK(prevROI, curROI, corners, nextPts, &status, &flowErr)

	for i := 0; i < corners.Rows(); i++ {
		if status.GetUCharAt(i, 0) != 1 {
			continue
		}
		p := corners.GetVecfAt(i, 0)
		q := nextPts.GetVecfAt(i, 0)
		dys = append(dys, float64(q[1]-p[1]))
		ys = append(ys, float64(q[1]))
	}
	if len(dys) < t.MinTrackedPts {
		return nil, nil
	}
	return dys, ys
}

// sampleSpeed turns one frame pair's displacements into a speed sample.
// Frames without enough consistent points contribute no sample at all,
// never a zero or garbage one.
func sampleSpeed(dys []float64, yNorm, fps float64, t config.SpeedTuning) (SpeedObservation, bool) {
	inliers := inlierDisplacements(dys)
	if len(inliers) < t.MinInliers {
		return SpeedObservation{}, false
	}

	disp := math.Abs(median(inliers))
	if disp < t.MinDisplacement {
		return SpeedObservation{}, false
	}

	scale := bandScale(yNorm, t)
	pxPerSec := disp * fps / float64(t.FrameStride)
	kmh := pxPerSec * scale * 3.6
	if kmh < 0 || kmh > t.MaxSpeedKMH {
		return SpeedObservation{}, false
	}

	inlierConf := math.Min(float64(len(inliers))/50.0, 1.0)
	dispConf := math.Min(disp/10.0, 1.0)
	return SpeedObservation{
		KMH:        kmh,
		Confidence: 0.6*inlierConf + 0.4*dispConf,
	}, true
}

// inlierDisplacements keeps displacements within two standard deviations of
// the median, rejecting points whose motion disagrees with their neighbors.
func inlierDisplacements(dys []float64) []float64 {
	med := median(dys)
	sigma := stat.StdDev(dys, nil)
	if math.IsNaN(sigma) || sigma == 0 {
		return dys
	}
	var out []float64
	for _, dy := range dys {
		if math.Abs(dy-med) < 2*sigma {
			out = append(out, dy)
		}
	}
	return out
}

// bandScale approximates perspective foreshortening with three vertical
// bands: features high in the frame are far away and cover more meters per
// pixel than features near the hood.
func bandScale(yNorm float64, t config.SpeedTuning) float64 {
	switch {
	case yNorm < 0.5:
		return t.FarBandScale
	case yNorm < 0.7:
		return t.MidBandScale
	default:
		return t.NearBandScale
	}
}

// finalizeSpeed reduces the per-frame samples to one robust average:
// implausible samples are dropped, the remainder IQR-trimmed, and the median
// of what survives wins. A simple mean would let a handful of tracking
// glitches dominate short clips.
func finalizeSpeed(samples []SpeedObservation, t config.SpeedTuning) SpeedResult {
	var kept []SpeedObservation
	for _, s := range samples {
		if s.KMH >= t.MinSpeedKMH && s.KMH <= t.MaxSpeedKMH {
			kept = append(kept, s)
		}
	}
	if len(kept) < t.MinValidFrames {
		return SpeedResult{AverageKMH: t.FallbackKMH, Samples: kept, LowConfidence: true}
	}

	speeds := make([]float64, len(kept))
	confs := make([]float64, len(kept))
	for i, s := range kept {
		speeds[i] = s.KMH
		confs[i] = s.Confidence
	}

	sorted := append([]float64(nil), speeds...)
	sort.Float64s(sorted)
	q1 := stat.Quantile(0.25, stat.Empirical, sorted, nil)
	q3 := stat.Quantile(0.75, stat.Empirical, sorted, nil)
	iqr := q3 - q1
	lo, hi := q1-1.5*iqr, q3+1.5*iqr

	var trimmed []float64
	for _, v := range speeds {
		if v >= lo && v <= hi {
			trimmed = append(trimmed, v)
		}
	}
	if len(trimmed) == 0 {
		trimmed = speeds
	}

	return SpeedResult{
		AverageKMH: round2(median(trimmed)),
		Confidence: round2(stat.Mean(confs, nil)),
		Samples:    kept,
	}
}

func median(xs []float64) float64 {
	if len(xs) == 0 {
		return 0
	}
	sorted := append([]float64(nil), xs...)
	sort.Float64s(sorted)
	return stat.Quantile(0.5, stat.Empirical, sorted, nil)
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}
