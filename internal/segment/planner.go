package segment

import (
	"errors"
	"math"

	"subit/internal/domain"
)

// ErrInvalidInput is returned when duration or segment length is unusable.
var ErrInvalidInput = errors.New("invalid segmentation input")

// Plan maps a total audio duration to contiguous fixed-length segments.
// The final segment is clamped to totalSeconds and may be shorter than
// segmentSeconds. Pure function, safe to call concurrently.
func Plan(totalSeconds, segmentSeconds float64) ([]domain.Segment, error) {
	if !isUsable(totalSeconds) || !isUsable(segmentSeconds) {
		return nil, ErrInvalidInput
	}

	count := int(math.Ceil(totalSeconds / segmentSeconds))
	segments := make([]domain.Segment, 0, count)
	for i := 0; i < count; i++ {
		start := float64(i) * segmentSeconds
		end := start + segmentSeconds
		if end > totalSeconds {
			end = totalSeconds
		}
		segments = append(segments, domain.Segment{
			Index: i,
			Start: start,
			End:   end,
		})
	}
	return segments, nil
}

// isUsable rejects non-positive and non-finite values.
func isUsable(v float64) bool {
	return v > 0 && !math.IsInf(v, 0) && !math.IsNaN(v)
}
