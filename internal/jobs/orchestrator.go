package jobs

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"subit/internal/domain"
	"subit/internal/results"
	"subit/internal/segment"
)

// ErrNoSource is returned when submit is called without a media source.
var ErrNoSource = errors.New("media source is required")

const defaultDrainTimeout = 10 * time.Second

// MediaSource supplies the total audio duration and per-segment samples.
// Implementations run the extraction collaborator on demand.
type MediaSource interface {
	Duration() float64
	ReadSegment(ctx context.Context, seg domain.Segment) ([]float32, error)
}

// Transcriber converts one segment's audio samples to text. The engine
// behind it is single-instance and non-reentrant; the orchestrator never
// issues overlapping calls.
type Transcriber interface {
	Transcribe(ctx context.Context, samples []float32) (string, error)
}

// Orchestrator is the single authority over which transcription job runs.
// Each submission gets a strictly increasing generation; a new submission
// supersedes the previous one, freezing its result store so readers never
// observe a mix of two jobs' output.
type Orchestrator struct {
	transcriber    Transcriber
	segmentSeconds float64
	drainTimeout   time.Duration
	events         *EventBus
	logger         *slog.Logger

	mu         sync.Mutex
	generation uint64
	state      domain.JobState
	duration   float64
	plan       []domain.Segment
	store      *results.Store
	prevStore  *results.Store
	prevStatus domain.JobStatus
	cancel     context.CancelFunc
	done       chan struct{}
}

// NewOrchestrator creates an idle orchestrator.
func NewOrchestrator(transcriber Transcriber, segmentSeconds float64, drainTimeout time.Duration, events *EventBus, logger *slog.Logger) *Orchestrator {
	if drainTimeout <= 0 {
		drainTimeout = defaultDrainTimeout
	}
	if logger == nil {
		logger = slog.Default()
	}

	return &Orchestrator{
		transcriber:    transcriber,
		segmentSeconds: segmentSeconds,
		drainTimeout:   drainTimeout,
		events:         events,
		logger:         logger,
		state:          domain.JobStateIdle,
	}
}

// Submit supersedes any running job and starts a new generation for the
// given source. It returns the new generation token without waiting for
// transcription; planning failures surface both as the returned error and
// as a failed state in Status.
func (o *Orchestrator) Submit(source MediaSource) (uint64, error) {
	if source == nil {
		return 0, ErrNoSource
	}

	o.mu.Lock()
	oldGen, superseded := o.supersedeLocked()
	o.generation++
	gen := o.generation
	prevDone := o.done
	o.done = nil
	o.cancel = nil
	o.store = nil
	o.plan = nil
	o.state = domain.JobStatePlanning
	o.duration = source.Duration()

	plan, err := segment.Plan(o.duration, o.segmentSeconds)
	if err != nil {
		o.state = domain.JobStateFailed
		// No worker starts for this generation, so the previous worker's
		// done channel must survive for the next submission to drain on.
		o.done = prevDone
		o.mu.Unlock()
		if superseded {
			o.publishState(oldGen, domain.JobStateCancelled, "superseded by a newer job")
		}
		o.publishState(gen, domain.JobStateFailed, fmt.Sprintf("segmentation failed: %v", err))
		return gen, err
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	o.plan = plan
	o.cancel = cancel
	o.done = done
	o.mu.Unlock()

	if superseded {
		o.publishState(oldGen, domain.JobStateCancelled, "superseded by a newer job")
	}
	o.publishState(gen, domain.JobStatePlanning, fmt.Sprintf("planned %d segments", len(plan)))

	go o.run(ctx, gen, plan, source, prevDone, done)
	return gen, nil
}

// supersedeLocked freezes the current generation's store, records its
// terminal snapshot, and signals its worker to stop. The caller holds mu.
// It reports the superseded generation and whether one was active.
func (o *Orchestrator) supersedeLocked() (uint64, bool) {
	if o.generation == 0 {
		return 0, false
	}

	state := o.state
	wasActive := !state.IsTerminal()
	if wasActive {
		state = domain.JobStateCancelled
	}

	completed, total := 0, len(o.plan)
	if o.store != nil {
		o.store.Freeze()
		completed, total = o.store.Counts()
	}

	o.prevStore = o.store
	o.prevStatus = makeStatus(o.generation, state, completed, total, o.duration)

	if o.cancel != nil {
		o.cancel()
	}
	return o.generation, wasActive
}

// run is the single worker for one generation. It walks segments in
// ascending index order so clients can consume from the beginning while
// later segments are still being produced.
func (o *Orchestrator) run(ctx context.Context, gen uint64, plan []domain.Segment, source MediaSource, prevDone, done chan struct{}) {
	defer close(done)

	// The engine is non-reentrant process-wide: wait for the previous
	// worker to finish its in-flight call before issuing any of ours.
	if prevDone != nil {
		select {
		case <-prevDone:
		case <-time.After(o.drainTimeout):
			o.logger.Warn("previous worker did not exit within drain timeout", "generation", gen)
		case <-ctx.Done():
			return
		}
	}

	store := results.New(gen, len(plan))
	if !o.beginTranscribing(gen, store) {
		return
	}
	o.publishState(gen, domain.JobStateTranscribing, "transcription started")

	for _, seg := range plan {
		if ctx.Err() != nil {
			return
		}

		samples, err := source.ReadSegment(ctx, seg)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			o.failGeneration(gen, store, fmt.Errorf("extract segment %d: %w", seg.Index, err))
			return
		}

		text, err := o.transcriber.Transcribe(ctx, samples)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			// One bad segment does not abort the job; it is recorded
			// with empty text and the worker moves on.
			o.logger.Error("segment transcription failed", "generation", gen, "segment", seg.Index, "error", err)
			o.publishError(gen, seg.Index, err)
			text = ""
		}

		result := domain.SegmentResult{
			Index: seg.Index,
			Text:  strings.TrimSpace(text),
			Start: seg.Start,
			End:   seg.End,
		}
		if putErr := store.Put(gen, result); putErr != nil {
			return
		}
		o.publishSegment(gen, result)
	}

	o.completeGeneration(gen)
}

// beginTranscribing installs the generation's store unless it has already
// been superseded.
func (o *Orchestrator) beginTranscribing(gen uint64, store *results.Store) bool {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.generation != gen {
		return false
	}
	o.store = store
	o.state = domain.JobStateTranscribing
	return true
}

// failGeneration marks the generation failed after a hard worker error.
func (o *Orchestrator) failGeneration(gen uint64, store *results.Store, err error) {
	store.Freeze()

	o.mu.Lock()
	if o.generation != gen {
		o.mu.Unlock()
		return
	}
	o.state = domain.JobStateFailed
	o.mu.Unlock()

	o.logger.Error("job failed", "generation", gen, "error", err)
	o.publishState(gen, domain.JobStateFailed, err.Error())
}

// completeGeneration marks the generation completed once every segment has
// been written.
func (o *Orchestrator) completeGeneration(gen uint64) {
	o.mu.Lock()
	if o.generation != gen {
		o.mu.Unlock()
		return
	}
	o.state = domain.JobStateCompleted
	o.mu.Unlock()

	o.publishState(gen, domain.JobStateCompleted, "all segments transcribed")
}

// Generation returns the current generation token, zero before any submit.
func (o *Orchestrator) Generation() uint64 {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.generation
}

// Status returns the progress snapshot for the given generation, or for
// the current one when gen is zero. A superseded generation returns its
// frozen snapshot; anything older fails with results.ErrStaleRead.
func (o *Orchestrator) Status(gen uint64) (domain.JobStatus, error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	if gen == 0 || gen == o.generation {
		return o.statusLocked(), nil
	}
	if gen == o.prevStatus.Generation && o.prevStatus.Generation != 0 {
		return o.prevStatus, nil
	}
	return domain.JobStatus{}, results.ErrStaleRead
}

// statusLocked builds the live snapshot for the current generation.
func (o *Orchestrator) statusLocked() domain.JobStatus {
	completed, total := 0, len(o.plan)
	if o.store != nil {
		completed, total = o.store.Counts()
	}
	return makeStatus(o.generation, o.state, completed, total, o.duration)
}

// Results returns the ordered result snapshot for the given generation,
// or for the current one when gen is zero.
func (o *Orchestrator) Results(gen uint64) (results.Snapshot, error) {
	o.mu.Lock()
	current, prev := o.store, o.prevStore
	curGen, planned := o.generation, len(o.plan)
	o.mu.Unlock()

	if gen == 0 {
		gen = curGen
	}
	if gen == curGen {
		if current == nil {
			return results.Snapshot{Generation: gen, TotalSegments: planned}, nil
		}
		return current.Snapshot(gen)
	}
	if prev != nil {
		if snapshot, err := prev.Snapshot(gen); err == nil {
			return snapshot, nil
		}
	}
	return results.Snapshot{}, results.ErrStaleRead
}

// Result returns one segment's result for the given generation.
func (o *Orchestrator) Result(gen uint64, index int) (domain.SegmentResult, error) {
	o.mu.Lock()
	current, prev := o.store, o.prevStore
	curGen := o.generation
	o.mu.Unlock()

	if gen == 0 {
		gen = curGen
	}
	if gen == curGen {
		if current == nil {
			return domain.SegmentResult{}, results.ErrNotFound
		}
		return current.Get(gen, index)
	}
	if prev != nil {
		if result, err := prev.Get(gen, index); err == nil || errors.Is(err, results.ErrNotFound) {
			return result, err
		}
	}
	return domain.SegmentResult{}, results.ErrStaleRead
}

// Reset cancels any running job and discards all generations' results
// without starting a replacement. The generation counter keeps increasing
// across resets.
func (o *Orchestrator) Reset() {
	o.mu.Lock()
	oldGen, superseded := o.supersedeLocked()
	o.state = domain.JobStateIdle
	o.duration = 0
	o.plan = nil
	o.store = nil
	o.prevStore = nil
	o.prevStatus = domain.JobStatus{}
	o.cancel = nil
	// o.done is kept: the cancelled worker may still be mid-inference and
	// the next submission has to wait for it.
	o.mu.Unlock()

	if superseded {
		o.publishState(oldGen, domain.JobStateCancelled, "reset requested")
	}
}

// publishState emits a state event when an event bus is configured.
func (o *Orchestrator) publishState(gen uint64, state domain.JobState, message string) {
	if o.events == nil {
		return
	}
	o.events.Publish(Event{
		Generation: gen,
		Type:       EventTypeState,
		State:      state,
		Message:    message,
	})
}

// publishError emits an inference-failure event for one segment.
func (o *Orchestrator) publishError(gen uint64, segmentIndex int, err error) {
	if o.events == nil {
		return
	}
	o.events.Publish(Event{
		Generation:   gen,
		Type:         EventTypeError,
		SegmentIndex: segmentIndex,
		Message:      err.Error(),
	})
}

// publishSegment emits a per-segment result event.
func (o *Orchestrator) publishSegment(gen uint64, result domain.SegmentResult) {
	if o.events == nil {
		return
	}
	o.events.Publish(Event{
		Generation:   gen,
		Type:         EventTypeSegment,
		SegmentIndex: result.Index,
		Text:         result.Text,
	})
}

// makeStatus derives the percentage field from raw counters.
func makeStatus(gen uint64, state domain.JobState, completed, total int, duration float64) domain.JobStatus {
	progress := 0
	if total > 0 {
		progress = completed * 100 / total
	}
	return domain.JobStatus{
		Generation:        gen,
		State:             state,
		CompletedSegments: completed,
		TotalSegments:     total,
		AudioDuration:     duration,
		Progress:          progress,
	}
}
