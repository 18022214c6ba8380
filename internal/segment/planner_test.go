package segment

import (
	"errors"
	"math"
	"testing"
)

// TestPlanPartialFinalSegment verifies the 25s / 10s reference plan.
func TestPlanPartialFinalSegment(t *testing.T) {
	segments, err := Plan(25, 10)
	if err != nil {
		t.Fatalf("Plan() error = %v", err)
	}
	if len(segments) != 3 {
		t.Fatalf("segment count = %d, want 3", len(segments))
	}

	want := [][2]float64{{0, 10}, {10, 20}, {20, 25}}
	for i, seg := range segments {
		if seg.Index != i {
			t.Fatalf("segments[%d].Index = %d, want %d", i, seg.Index, i)
		}
		if seg.Start != want[i][0] || seg.End != want[i][1] {
			t.Fatalf("segments[%d] = (%v, %v), want (%v, %v)", i, seg.Start, seg.End, want[i][0], want[i][1])
		}
	}
}

// TestPlanExactMultiple verifies no trailing zero-length segment.
func TestPlanExactMultiple(t *testing.T) {
	segments, err := Plan(30, 10)
	if err != nil {
		t.Fatalf("Plan() error = %v", err)
	}
	if len(segments) != 3 {
		t.Fatalf("segment count = %d, want 3", len(segments))
	}
	if last := segments[len(segments)-1]; last.End != 30 {
		t.Fatalf("last end = %v, want 30", last.End)
	}
}

// TestPlanShorterThanSegment verifies a single clamped segment.
func TestPlanShorterThanSegment(t *testing.T) {
	segments, err := Plan(4.5, 10)
	if err != nil {
		t.Fatalf("Plan() error = %v", err)
	}
	if len(segments) != 1 {
		t.Fatalf("segment count = %d, want 1", len(segments))
	}
	if segments[0].Start != 0 || segments[0].End != 4.5 {
		t.Fatalf("segment = (%v, %v), want (0, 4.5)", segments[0].Start, segments[0].End)
	}
}

// TestPlanContiguity verifies gap-free, non-overlapping coverage for a
// spread of durations and segment lengths.
func TestPlanContiguity(t *testing.T) {
	durations := []float64{0.3, 1, 7.25, 10, 59.9, 61, 600, 3601.5}
	lengths := []float64{1, 5, 10, 30}

	for _, total := range durations {
		for _, length := range lengths {
			segments, err := Plan(total, length)
			if err != nil {
				t.Fatalf("Plan(%v, %v) error = %v", total, length, err)
			}

			wantCount := int(math.Ceil(total / length))
			if len(segments) != wantCount {
				t.Fatalf("Plan(%v, %v) count = %d, want %d", total, length, len(segments), wantCount)
			}

			prevEnd := 0.0
			for i, seg := range segments {
				if seg.Index != i {
					t.Fatalf("Plan(%v, %v) index[%d] = %d", total, length, i, seg.Index)
				}
				if seg.Start != prevEnd {
					t.Fatalf("Plan(%v, %v) gap at %d: start %v, prev end %v", total, length, i, seg.Start, prevEnd)
				}
				if seg.End <= seg.Start {
					t.Fatalf("Plan(%v, %v) empty segment at %d", total, length, i)
				}
				if seg.End > total {
					t.Fatalf("Plan(%v, %v) end %v exceeds total", total, length, seg.End)
				}
				prevEnd = seg.End
			}
			if prevEnd != total {
				t.Fatalf("Plan(%v, %v) final end = %v, want %v", total, length, prevEnd, total)
			}
		}
	}
}

// TestPlanRejectsInvalidInputs verifies fail-fast validation.
func TestPlanRejectsInvalidInputs(t *testing.T) {
	cases := []struct {
		name    string
		total   float64
		segment float64
	}{
		{"zero duration", 0, 10},
		{"negative duration", -3, 10},
		{"zero segment", 25, 0},
		{"negative segment", 25, -1},
		{"nan duration", math.NaN(), 10},
		{"inf duration", math.Inf(1), 10},
		{"inf segment", 25, math.Inf(1)},
	}

	for _, tc := range cases {
		if _, err := Plan(tc.total, tc.segment); !errors.Is(err, ErrInvalidInput) {
			t.Fatalf("%s: error = %v, want ErrInvalidInput", tc.name, err)
		}
	}
}
