package analysis

import (
	"math"
	"sort"

	"gonum.org/v1/gonum/stat"

	"driveguard/config"
	"driveguard/detect"
	"driveguard/models"
)

// Real-world vehicle heights in meters, used by the pinhole distance model.
var classHeightsM = map[detect.Class]float64{
	detect.ClassCar:        1.5,
	detect.ClassTruck:      3.0,
	detect.ClassBus:        3.5,
	detect.ClassMotorcycle: 1.2,
}

// ProximityAnalyzer turns tracked vehicle trajectories into close-encounter
// events. It owns no frame data: everything is derived from box geometry.
type ProximityAnalyzer struct {
	t       config.ProximityTuning
	width   float64
	height  float64
	focalPx float64
}

func NewProximityAnalyzer(t config.ProximityTuning, res models.Resolution) *ProximityAnalyzer {
	w := float64(res.Width)
	return &ProximityAnalyzer{
		t:       t,
		width:   w,
		height:  float64(res.Height),
		focalPx: w / (2 * math.Tan(t.CameraFOVDeg*math.Pi/360)),
	}
}

// trackSample is the per-frame derived state of one track.
type trackSample struct {
	time      float64
	distance  float64
	ttc       float64 // +Inf when not approaching
	centerX   float64
	boxHNorm  float64
	danger    float64 // 0 unless every danger gate passes
}

// EventsFromTracks segments each vehicle track's danger series into events
// and merges events separated by a short gap into one.
func (a *ProximityAnalyzer) EventsFromTracks(tracks []*detect.Track) []models.ProximityEvent {
	var events []models.ProximityEvent
	for _, track := range tracks {
		if !track.Class.IsVehicle() {
			continue
		}
		events = append(events, a.segment(a.deriveSamples(track))...)
	}

	sort.Slice(events, func(i, j int) bool { return events[i].StartTime < events[j].StartTime })
	return a.mergeEvents(events)
}

func (a *ProximityAnalyzer) deriveSamples(track *detect.Track) []trackSample {
	var samples []trackSample
	var dists, times, centers []float64

	for _, snap := range track.History {
		boxH := float64(snap.Box.Dy())
		if boxH <= 0 {
			continue
		}
		cx := float64(snap.Box.Min.X+snap.Box.Max.X) / 2
		cy := float64(snap.Box.Min.Y+snap.Box.Max.Y) / 2
		dist := a.estimateDistance(boxH, cy, track.Class)

		dists = append(dists, dist)
		times = append(times, snap.Time)
		centers = append(centers, cx)

		s := trackSample{
			time:     snap.Time,
			distance: dist,
			ttc:      math.Inf(1),
			centerX:  cx,
			boxHNorm: boxH / a.height,
		}

		if len(dists) >= a.t.MinTrackFrames {
			s.ttc = a.timeToCollision(times, dists)
			if !a.isLateralPass(centers) {
				s.danger = a.dangerScore(s)
			}
		}
		samples = append(samples, s)
	}
	return samples
}

// estimateDistance applies the pinhole relation with a perspective bump for
// boxes whose center sits above the horizon line.
func (a *ProximityAnalyzer) estimateDistance(boxHPx, centerY float64, class detect.Class) float64 {
	realH, ok := classHeightsM[class]
	if !ok {
		realH = 1.5
	}
	dist := realH * a.focalPx / boxHPx
	if centerY < a.height*a.t.HorizonFrac {
		dist *= a.t.AboveHorizonScale
	}
	return math.Max(a.t.MinDistanceM, math.Min(a.t.MaxDistanceM, dist))
}

// timeToCollision fits a line to the recent distance history; the slope is
// the closing rate. Not approaching (or barely) means no finite TTC.
func (a *ProximityAnalyzer) timeToCollision(times, dists []float64) float64 {
	n := len(times)
	win := a.t.HistoryWindow
	if win > n {
		win = n
	}
	ts := times[n-win:]
	ds := dists[n-win:]

	_, slope := stat.LinearRegression(ts, ds, nil, false)
	if math.IsNaN(slope) || slope >= a.t.ApproachSlopeMPS {
		return math.Inf(1)
	}
	return ds[len(ds)-1] / math.Abs(slope)
}

// isLateralPass flags vehicles sweeping sideways across the frame. They are
// overtaking or crossing traffic, not closing threats, and scoring them
// would fire on every car that clips the frame edge.
func (a *ProximityAnalyzer) isLateralPass(centers []float64) bool {
	n := len(centers)
	win := a.t.HistoryWindow
	if win > n {
		win = n
	}
	drift := math.Abs(centers[n-1] - centers[n-win])
	return drift > a.width*a.t.LateralPassFrac
}

// dangerScore gates the sample on distance, frontal position, approach and
// box size, then combines inverse distance, inverse TTC and box size.
func (a *ProximityAnalyzer) dangerScore(s trackSample) float64 {
	isClose := s.distance < a.t.DangerDistanceM
	isCritical := s.distance < a.t.CriticalDistanceM
	isApproaching := s.ttc < a.t.TTCThresholdSec
	isFrontal := s.centerX > a.width*a.t.FrontalBandLow && s.centerX < a.width*a.t.FrontalBandHigh
	bigEnough := s.boxHNorm >= a.t.MinBoxHeightFrac

	if !isClose || !isFrontal || !bigEnough || !(isApproaching || isCritical) {
		return 0
	}

	distFactor := 1.0 / math.Max(s.distance, 0.5)
	ttcFactor := 0.5
	if !math.IsInf(s.ttc, 1) {
		ttcFactor = 1.0 / math.Max(s.ttc, 0.5)
	}
	score := a.t.DistanceWeight*distFactor + a.t.TTCWeight*ttcFactor + a.t.BoxWeight*s.boxHNorm
	return math.Min(score, 1.0)
}

// segment applies hysteresis over one track's danger series: a window opens
// on the first dangerous sample and closes on the first safe one, recording
// the peak inside.
func (a *ProximityAnalyzer) segment(samples []trackSample) []models.ProximityEvent {
	var events []models.ProximityEvent
	var cur *models.ProximityEvent

	close := func(endTime float64) {
		if cur == nil {
			return
		}
		cur.EndTime = round2(endTime)
		if cur.EndTime-cur.StartTime >= a.t.MinEventSec {
			events = append(events, *cur)
		}
		cur = nil
	}

	for _, s := range samples {
		if s.danger <= 0 {
			close(s.time)
			continue
		}
		if cur == nil {
			cur = &models.ProximityEvent{
				StartTime:    round2(s.time),
				MinDistanceM: s.distance,
			}
		}
		if s.distance < cur.MinDistanceM {
			cur.MinDistanceM = s.distance
		}
		if s.danger > cur.PeakScore {
			cur.PeakScore = round3(s.danger)
			cur.PeakTime = round2(s.time)
			cur.Where = a.side(s.centerX)
			if math.IsInf(s.ttc, 1) {
				cur.TTCSeconds = 0
			} else {
				cur.TTCSeconds = round2(s.ttc)
			}
		}
		if s.boxHNorm > cur.MaxBoxHeightNorm {
			cur.MaxBoxHeightNorm = round3(s.boxHNorm)
		}
	}
	if len(samples) > 0 {
		close(samples[len(samples)-1].time)
	}
	for i := range events {
		events[i].MinDistanceM = round2(events[i].MinDistanceM)
	}
	return events
}

// mergeEvents reconnects events separated by at most MergeGapSec, keeping
// the stronger peak. Prevents flicker from splitting one real encounter.
func (a *ProximityAnalyzer) mergeEvents(events []models.ProximityEvent) []models.ProximityEvent {
	if len(events) == 0 {
		return nil
	}
	merged := []models.ProximityEvent{events[0]}
	for _, e := range events[1:] {
		last := &merged[len(merged)-1]
		if e.StartTime-last.EndTime > a.t.MergeGapSec {
			merged = append(merged, e)
			continue
		}
		if e.EndTime > last.EndTime {
			last.EndTime = e.EndTime
		}
		if e.PeakScore > last.PeakScore {
			last.PeakScore = e.PeakScore
			last.PeakTime = e.PeakTime
			last.Where = e.Where
			last.TTCSeconds = e.TTCSeconds
		}
		if e.MinDistanceM < last.MinDistanceM {
			last.MinDistanceM = e.MinDistanceM
		}
		if e.MaxBoxHeightNorm > last.MaxBoxHeightNorm {
			last.MaxBoxHeightNorm = e.MaxBoxHeightNorm
		}
	}
	return merged
}

func (a *ProximityAnalyzer) side(cx float64) string {
	switch {
	case cx < a.width/3:
		return "left"
	case cx > a.width*2/3:
		return "right"
	default:
		return "center"
	}
}

func round3(v float64) float64 {
	return math.Round(v*1000) / 1000
}
