package analysis

import (
	"context"

	"github.com/sirupsen/logrus"
	"gocv.io/x/gocv"

	"driveguard/config"
	"driveguard/detect"
	"driveguard/video"
)

// TrackVehicles runs the object detector over sampled frames and links the
// detections into tracks. The returned tracks feed the proximity stage; the
// caller owns the detector's lifetime.
func TrackVehicles(ctx context.Context, path string, det *detect.Detector, t config.DetectTuning, log *logrus.Entry) ([]*detect.Track, error) {
	src, err := video.Open(path)
	if err != nil {
		return nil, err
	}
	defer src.Close()

	meta := src.Metadata()
	stride := video.Stride(meta.FPS, t.TargetHz)
	tracker := detect.NewTracker(t)

	frame := gocv.NewMat()
	defer frame.Close()

	sampled := 0
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		idx, ok := src.Read(&frame)
		if !ok {
			break
		}
		if idx%stride != 0 {
			continue
		}
		tracker.Update(idx, video.Timestamp(idx, meta.FPS), det.Detect(frame))
		sampled++
	}

	tracks := tracker.Tracks()
	log.WithFields(logrus.Fields{
		"sampled_frames": sampled,
		"tracks":         len(tracks),
	}).Info("detection pass finished")
	return tracks, nil
}
