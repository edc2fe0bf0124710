package analysis

// span is the internal start/end pair shared by the window-producing stages
// before they are converted to their public record types.
type span struct {
	start float64
	end   float64
}

// filterMinDuration drops spans shorter than minSec. Sub-minimum spans are
// classification noise and are silently discarded, not reported as errors.
func filterMinDuration(spans []span, minSec float64) []span {
	out := spans[:0:0]
	for _, s := range spans {
		if s.end-s.start >= minSec {
			out = append(out, s)
		}
	}
	return out
}

// mergeSpans reconnects spans separated by a gap of at most gapSec. Input
// must be ordered by start time; output is ordered and non-overlapping.
func mergeSpans(spans []span, gapSec float64) []span {
	if len(spans) == 0 {
		return nil
	}
	merged := []span{spans[0]}
	for _, s := range spans[1:] {
		last := &merged[len(merged)-1]
		if s.start-last.end <= gapSec {
			if s.end > last.end {
				last.end = s.end
			}
			continue
		}
		merged = append(merged, s)
	}
	return merged
}
