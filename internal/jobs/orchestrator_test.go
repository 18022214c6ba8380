package jobs

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"subit/internal/domain"
	"subit/internal/results"
	"subit/internal/segment"
)

// fakeSource yields a fixed duration and encodes the segment index into
// the sample buffer so fake engines can tell segments apart.
type fakeSource struct {
	duration float64
	read     func(ctx context.Context, seg domain.Segment) ([]float32, error)
}

// Duration returns the configured total duration.
func (f *fakeSource) Duration() float64 {
	return f.duration
}

// ReadSegment delegates to injected behavior or returns index-tagged samples.
func (f *fakeSource) ReadSegment(ctx context.Context, seg domain.Segment) ([]float32, error) {
	if f.read != nil {
		return f.read(ctx, seg)
	}
	return []float32{float32(seg.Index)}, nil
}

// fakeEngine simulates the non-reentrant recognition engine and records
// concurrent invocations.
type fakeEngine struct {
	calls       atomic.Int32
	inflight    atomic.Int32
	maxInflight atomic.Int32
	transcribe  func(ctx context.Context, call int32, samples []float32) (string, error)
}

// Transcribe tracks reentrancy and delegates to injected behavior.
func (f *fakeEngine) Transcribe(ctx context.Context, samples []float32) (string, error) {
	call := f.calls.Add(1)
	current := f.inflight.Add(1)
	defer f.inflight.Add(-1)
	for {
		max := f.maxInflight.Load()
		if current <= max || f.maxInflight.CompareAndSwap(max, current) {
			break
		}
	}

	if f.transcribe != nil {
		return f.transcribe(ctx, call, samples)
	}
	return fmt.Sprintf("segment %d", int(samples[0])), nil
}

// waitForState polls until the generation reaches the wanted state.
func waitForState(t *testing.T, o *Orchestrator, gen uint64, want domain.JobState) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		status, err := o.Status(gen)
		if err == nil && status.State == want {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	status, err := o.Status(gen)
	t.Fatalf("generation %d never reached %s, last status = %+v (err %v)", gen, want, status, err)
}

// TestSubmitTranscribesAllSegmentsInOrder verifies the happy path.
func TestSubmitTranscribesAllSegmentsInOrder(t *testing.T) {
	engine := &fakeEngine{}
	o := NewOrchestrator(engine, 10, time.Second, NewEventBus(100), nil)

	gen, err := o.Submit(&fakeSource{duration: 25})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if gen != 1 {
		t.Fatalf("generation = %d, want 1", gen)
	}

	waitForState(t, o, gen, domain.JobStateCompleted)

	status, err := o.Status(gen)
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if status.CompletedSegments != 3 || status.TotalSegments != 3 {
		t.Fatalf("counts = %d/%d, want 3/3", status.CompletedSegments, status.TotalSegments)
	}
	if status.Progress != 100 {
		t.Fatalf("progress = %d, want 100", status.Progress)
	}
	if status.AudioDuration != 25 {
		t.Fatalf("duration = %v, want 25", status.AudioDuration)
	}

	snapshot, err := o.Results(gen)
	if err != nil {
		t.Fatalf("results: %v", err)
	}
	if len(snapshot.Results) != 3 {
		t.Fatalf("results len = %d, want 3", len(snapshot.Results))
	}
	for i, result := range snapshot.Results {
		if result.Index != i {
			t.Fatalf("results[%d].Index = %d", i, result.Index)
		}
		if result.Text != fmt.Sprintf("segment %d", i) {
			t.Fatalf("results[%d].Text = %q", i, result.Text)
		}
	}
	if last := snapshot.Results[2]; last.Start != 20 || last.End != 25 {
		t.Fatalf("last segment = (%v, %v), want (20, 25)", last.Start, last.End)
	}
}

// TestSegmentFailureIsIsolated verifies one bad segment yields empty text
// without aborting the job.
func TestSegmentFailureIsIsolated(t *testing.T) {
	engine := &fakeEngine{
		transcribe: func(ctx context.Context, call int32, samples []float32) (string, error) {
			if int(samples[0]) == 1 {
				return "", errors.New("inference blew up")
			}
			return fmt.Sprintf("segment %d", int(samples[0])), nil
		},
	}
	bus := NewEventBus(100)
	o := NewOrchestrator(engine, 10, time.Second, bus, nil)

	gen, err := o.Submit(&fakeSource{duration: 25})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	waitForState(t, o, gen, domain.JobStateCompleted)

	middle, err := o.Result(gen, 1)
	if err != nil {
		t.Fatalf("result(1): %v", err)
	}
	if middle.Text != "" {
		t.Fatalf("failed segment text = %q, want empty", middle.Text)
	}

	for _, index := range []int{0, 2} {
		result, err := o.Result(gen, index)
		if err != nil {
			t.Fatalf("result(%d): %v", index, err)
		}
		if result.Text == "" {
			t.Fatalf("result(%d) unexpectedly empty", index)
		}
	}

	status, _ := o.Status(gen)
	if status.CompletedSegments != 3 {
		t.Fatalf("completed = %d, want 3", status.CompletedSegments)
	}

	// The failed segment is announced on the bus; that is what tells an
	// empty transcript apart from silent audio.
	var errorEvents []Event
	for _, event := range bus.Since(0) {
		if event.Type == EventTypeError {
			errorEvents = append(errorEvents, event)
		}
	}
	if len(errorEvents) != 1 {
		t.Fatalf("error events = %d, want 1", len(errorEvents))
	}
	if errorEvents[0].Generation != gen || errorEvents[0].SegmentIndex != 1 {
		t.Fatalf("error event = %+v, want generation %d segment 1", errorEvents[0], gen)
	}
	if errorEvents[0].Message == "" {
		t.Fatal("error event has no message")
	}
}

// TestSubmitZeroDurationFailsImmediately verifies planning validation.
func TestSubmitZeroDurationFailsImmediately(t *testing.T) {
	o := NewOrchestrator(&fakeEngine{}, 10, time.Second, nil, nil)

	gen, err := o.Submit(&fakeSource{duration: 0})
	if !errors.Is(err, segment.ErrInvalidInput) {
		t.Fatalf("submit error = %v, want ErrInvalidInput", err)
	}
	if gen != 1 {
		t.Fatalf("generation = %d, want 1", gen)
	}

	status, err := o.Status(gen)
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if status.State != domain.JobStateFailed {
		t.Fatalf("state = %s, want failed", status.State)
	}

	snapshot, err := o.Results(gen)
	if err != nil {
		t.Fatalf("results: %v", err)
	}
	if len(snapshot.Results) != 0 || snapshot.TotalSegments != 0 {
		t.Fatalf("expected empty plan, got %+v", snapshot)
	}
}

// TestExtractionFailureFailsJob verifies a media error is terminal.
func TestExtractionFailureFailsJob(t *testing.T) {
	source := &fakeSource{
		duration: 25,
		read: func(ctx context.Context, seg domain.Segment) ([]float32, error) {
			return nil, errors.New("unreadable media")
		},
	}
	o := NewOrchestrator(&fakeEngine{}, 10, time.Second, nil, nil)

	gen, err := o.Submit(source)
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	waitForState(t, o, gen, domain.JobStateFailed)

	snapshot, err := o.Results(gen)
	if err != nil {
		t.Fatalf("results: %v", err)
	}
	if len(snapshot.Results) != 0 {
		t.Fatalf("results len = %d, want 0", len(snapshot.Results))
	}
}

// TestSupersessionFreezesPreviousGeneration verifies that a new submit
// cancels the old job and preserves its frozen partial snapshot.
func TestSupersessionFreezesPreviousGeneration(t *testing.T) {
	// A's second segment blocks until its generation is cancelled,
	// simulating a slow in-flight inference during supersession.
	inflight := make(chan struct{})
	engine := &fakeEngine{
		transcribe: func(ctx context.Context, call int32, samples []float32) (string, error) {
			if call == 2 {
				close(inflight)
				<-ctx.Done()
				return "", ctx.Err()
			}
			return fmt.Sprintf("segment %d", int(samples[0])), nil
		},
	}
	o := NewOrchestrator(engine, 10, time.Second, NewEventBus(100), nil)

	genA, err := o.Submit(&fakeSource{duration: 25})
	if err != nil {
		t.Fatalf("submit A: %v", err)
	}
	select {
	case <-inflight:
	case <-time.After(2 * time.Second):
		t.Fatal("generation A never reached its second segment")
	}

	genB, err := o.Submit(&fakeSource{duration: 25})
	if err != nil {
		t.Fatalf("submit B: %v", err)
	}
	if genB != genA+1 {
		t.Fatalf("generation B = %d, want %d", genB, genA+1)
	}

	// Latest status reflects B immediately.
	latest, err := o.Status(0)
	if err != nil {
		t.Fatalf("status latest: %v", err)
	}
	if latest.Generation != genB {
		t.Fatalf("latest generation = %d, want %d", latest.Generation, genB)
	}

	// A's snapshot is frozen as cancelled with exactly one segment.
	statusA, err := o.Status(genA)
	if err != nil {
		t.Fatalf("status A: %v", err)
	}
	if statusA.State != domain.JobStateCancelled {
		t.Fatalf("A state = %s, want cancelled", statusA.State)
	}
	if statusA.CompletedSegments != 1 {
		t.Fatalf("A completed = %d, want 1", statusA.CompletedSegments)
	}

	resultA, err := o.Result(genA, 0)
	if err != nil {
		t.Fatalf("result A0: %v", err)
	}
	if resultA.Text != "segment 0" {
		t.Fatalf("A segment 0 text = %q", resultA.Text)
	}

	waitForState(t, o, genB, domain.JobStateCompleted)

	// A's frozen view never grew past the pre-supersession write.
	statusA, err = o.Status(genA)
	if err != nil {
		t.Fatalf("status A after B: %v", err)
	}
	if statusA.CompletedSegments != 1 {
		t.Fatalf("A completed after B = %d, want 1", statusA.CompletedSegments)
	}

	// B's results are B's own, not a mix.
	snapshotB, err := o.Results(genB)
	if err != nil {
		t.Fatalf("results B: %v", err)
	}
	if len(snapshotB.Results) != 3 {
		t.Fatalf("B results len = %d, want 3", len(snapshotB.Results))
	}
	if engine.maxInflight.Load() != 1 {
		t.Fatalf("engine max inflight = %d, want 1", engine.maxInflight.Load())
	}
}

// TestEngineNeverReentrantAcrossRapidSubmits verifies the supersession
// protocol upholds the single-inference constraint.
func TestEngineNeverReentrantAcrossRapidSubmits(t *testing.T) {
	engine := &fakeEngine{
		transcribe: func(ctx context.Context, call int32, samples []float32) (string, error) {
			select {
			case <-time.After(5 * time.Millisecond):
			case <-ctx.Done():
				return "", ctx.Err()
			}
			return "ok", nil
		},
	}
	o := NewOrchestrator(engine, 10, time.Second, nil, nil)

	var last uint64
	for i := 0; i < 4; i++ {
		gen, err := o.Submit(&fakeSource{duration: 30})
		if err != nil {
			t.Fatalf("submit %d: %v", i, err)
		}
		last = gen
		time.Sleep(3 * time.Millisecond)
	}

	waitForState(t, o, last, domain.JobStateCompleted)
	if engine.maxInflight.Load() != 1 {
		t.Fatalf("engine max inflight = %d, want 1", engine.maxInflight.Load())
	}
}

// TestDrainSurvivesFailedPlanSubmission verifies that a submission whose
// plan fails does not lose the previous worker's done channel: the next
// generation still waits out the in-flight inference before starting.
func TestDrainSurvivesFailedPlanSubmission(t *testing.T) {
	inflight := make(chan struct{})
	release := make(chan struct{})
	engine := &fakeEngine{
		transcribe: func(ctx context.Context, call int32, samples []float32) (string, error) {
			// The first call ignores cancellation until released,
			// simulating an inference the engine cannot interrupt.
			if call == 1 {
				close(inflight)
				<-release
				return "", ctx.Err()
			}
			return "ok", nil
		},
	}
	o := NewOrchestrator(engine, 10, 5*time.Second, nil, nil)

	if _, err := o.Submit(&fakeSource{duration: 25}); err != nil {
		t.Fatalf("submit 1: %v", err)
	}
	select {
	case <-inflight:
	case <-time.After(2 * time.Second):
		t.Fatal("first inference never started")
	}

	if _, err := o.Submit(&fakeSource{duration: 0}); !errors.Is(err, segment.ErrInvalidInput) {
		t.Fatalf("submit 2 error = %v, want ErrInvalidInput", err)
	}

	gen3, err := o.Submit(&fakeSource{duration: 25})
	if err != nil {
		t.Fatalf("submit 3: %v", err)
	}

	time.Sleep(50 * time.Millisecond)
	if calls := engine.calls.Load(); calls != 1 {
		t.Fatalf("engine calls while draining = %d, want 1", calls)
	}

	close(release)
	waitForState(t, o, gen3, domain.JobStateCompleted)
	if engine.maxInflight.Load() != 1 {
		t.Fatalf("engine max inflight = %d, want 1", engine.maxInflight.Load())
	}
}

// TestDrainSurvivesReset verifies a submission after Reset still waits for
// the cancelled worker's in-flight inference.
func TestDrainSurvivesReset(t *testing.T) {
	inflight := make(chan struct{})
	release := make(chan struct{})
	engine := &fakeEngine{
		transcribe: func(ctx context.Context, call int32, samples []float32) (string, error) {
			if call == 1 {
				close(inflight)
				<-release
				return "", ctx.Err()
			}
			return "ok", nil
		},
	}
	o := NewOrchestrator(engine, 10, 5*time.Second, nil, nil)

	if _, err := o.Submit(&fakeSource{duration: 25}); err != nil {
		t.Fatalf("submit 1: %v", err)
	}
	select {
	case <-inflight:
	case <-time.After(2 * time.Second):
		t.Fatal("first inference never started")
	}

	o.Reset()

	gen2, err := o.Submit(&fakeSource{duration: 25})
	if err != nil {
		t.Fatalf("submit 2: %v", err)
	}

	time.Sleep(50 * time.Millisecond)
	if calls := engine.calls.Load(); calls != 1 {
		t.Fatalf("engine calls while draining = %d, want 1", calls)
	}

	close(release)
	waitForState(t, o, gen2, domain.JobStateCompleted)
	if engine.maxInflight.Load() != 1 {
		t.Fatalf("engine max inflight = %d, want 1", engine.maxInflight.Load())
	}
}

// TestStatusStaleGeneration verifies older generations stop being readable
// once two newer submissions exist.
func TestStatusStaleGeneration(t *testing.T) {
	engine := &fakeEngine{}
	o := NewOrchestrator(engine, 10, time.Second, nil, nil)

	genA, err := o.Submit(&fakeSource{duration: 10})
	if err != nil {
		t.Fatalf("submit A: %v", err)
	}
	waitForState(t, o, genA, domain.JobStateCompleted)

	genB, err := o.Submit(&fakeSource{duration: 10})
	if err != nil {
		t.Fatalf("submit B: %v", err)
	}
	waitForState(t, o, genB, domain.JobStateCompleted)

	genC, err := o.Submit(&fakeSource{duration: 10})
	if err != nil {
		t.Fatalf("submit C: %v", err)
	}
	waitForState(t, o, genC, domain.JobStateCompleted)

	if _, err := o.Status(genA); !errors.Is(err, results.ErrStaleRead) {
		t.Fatalf("status A error = %v, want ErrStaleRead", err)
	}
	if _, err := o.Results(genA); !errors.Is(err, results.ErrStaleRead) {
		t.Fatalf("results A error = %v, want ErrStaleRead", err)
	}
	if _, err := o.Result(genA, 0); !errors.Is(err, results.ErrStaleRead) {
		t.Fatalf("result A error = %v, want ErrStaleRead", err)
	}
}

// TestResultAppendOnly verifies a produced index never changes value.
func TestResultAppendOnly(t *testing.T) {
	engine := &fakeEngine{}
	o := NewOrchestrator(engine, 10, time.Second, nil, nil)

	gen, err := o.Submit(&fakeSource{duration: 30})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	waitForState(t, o, gen, domain.JobStateCompleted)

	first, err := o.Result(gen, 1)
	if err != nil {
		t.Fatalf("result: %v", err)
	}
	for i := 0; i < 5; i++ {
		again, err := o.Result(gen, 1)
		if err != nil {
			t.Fatalf("repeat result: %v", err)
		}
		if again != first {
			t.Fatalf("result changed: %+v vs %+v", again, first)
		}
	}
}

// TestResetReturnsToIdle verifies reset discards all job state.
func TestResetReturnsToIdle(t *testing.T) {
	engine := &fakeEngine{}
	o := NewOrchestrator(engine, 10, time.Second, NewEventBus(100), nil)

	gen, err := o.Submit(&fakeSource{duration: 25})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	waitForState(t, o, gen, domain.JobStateCompleted)

	o.Reset()

	status, err := o.Status(0)
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if status.State != domain.JobStateIdle {
		t.Fatalf("state = %s, want idle", status.State)
	}
	if status.CompletedSegments != 0 || status.TotalSegments != 0 {
		t.Fatalf("counts = %d/%d, want 0/0", status.CompletedSegments, status.TotalSegments)
	}

	snapshot, err := o.Results(0)
	if err != nil {
		t.Fatalf("results: %v", err)
	}
	if len(snapshot.Results) != 0 {
		t.Fatalf("results len = %d, want 0", len(snapshot.Results))
	}
}

// TestSubmitNilSource verifies input validation.
func TestSubmitNilSource(t *testing.T) {
	o := NewOrchestrator(&fakeEngine{}, 10, time.Second, nil, nil)
	if _, err := o.Submit(nil); !errors.Is(err, ErrNoSource) {
		t.Fatalf("error = %v, want ErrNoSource", err)
	}
}
