package domain

import "time"

// JobState tracks the lifecycle of a single transcription job generation.
type JobState string

const (
	JobStateIdle         JobState = "idle"
	JobStatePlanning     JobState = "planning"
	JobStateTranscribing JobState = "transcribing"
	JobStateCompleted    JobState = "completed"
	JobStateCancelled    JobState = "cancelled"
	JobStateFailed       JobState = "failed"
)

// IsTerminal reports whether a state ends its generation.
func (s JobState) IsTerminal() bool {
	switch s {
	case JobStateCompleted, JobStateCancelled, JobStateFailed:
		return true
	default:
		return false
	}
}

// Segment is one planned time slice of the source audio. Indices are
// contiguous from 0 and Start of segment i equals End of segment i-1.
type Segment struct {
	Index int     `json:"index"`
	Start float64 `json:"startTime"`
	End   float64 `json:"endTime"`
}

// SegmentResult holds the transcript for one segment. Text is empty when
// the engine failed on that segment; the job continues regardless.
type SegmentResult struct {
	Index int     `json:"index"`
	Text  string  `json:"text"`
	Start float64 `json:"startTime"`
	End   float64 `json:"endTime"`
}

// Upload describes the staged media file that transcription jobs read.
type Upload struct {
	ID         string    `json:"id"`
	FileName   string    `json:"fileName"`
	StoredName string    `json:"storedName"`
	Path       string    `json:"-"`
	SizeBytes  int64     `json:"sizeBytes"`
	Duration   float64   `json:"duration"`
	UploadedAt time.Time `json:"uploadedAt"`
}

// JobStatus is a point-in-time progress snapshot for one generation.
type JobStatus struct {
	Generation        uint64   `json:"generation"`
	State             JobState `json:"state"`
	CompletedSegments int      `json:"completedSegments"`
	TotalSegments     int      `json:"totalSegments"`
	AudioDuration     float64  `json:"audioDuration"`
	Progress          int      `json:"progress"`
}
