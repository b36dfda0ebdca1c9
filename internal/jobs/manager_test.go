package jobs

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/iiTONELOC/safe-pc/internal/cache"
	"github.com/iiTONELOC/safe-pc/internal/models"
)

func newRequest(answer string) *models.BuildRequest {
	return &models.BuildRequest{Answer: answer, BootMode: models.BootModeHTTP}
}

// waitTerminal blocks until the job leaves the registry or the
// timeout elapses.
func waitTerminal(t *testing.T, m *Manager, id string) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if _, ok := m.Get(id); !ok {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("job %s never reached a terminal state", id)
}

func TestSubmitAdmissionCeiling(t *testing.T) {
	const ceiling = 3
	m := NewManager(ceiling, nil, nil)

	for i := 0; i < ceiling; i++ {
		if _, err := m.Submit(newRequest("cfg")); err != nil {
			t.Fatalf("submission %d rejected below ceiling: %v", i+1, err)
		}
	}

	_, err := m.Submit(newRequest("cfg"))
	if !errors.Is(err, ErrTooManyJobs) {
		t.Fatalf("submission above ceiling: error = %v, want ErrTooManyJobs", err)
	}
}

func TestLifecycleCompletes(t *testing.T) {
	m := NewManager(5, nil, nil)
	job, err := m.Submit(newRequest("cfg"))
	if err != nil {
		t.Fatal(err)
	}
	if got := job.Status(); got != models.JobStatusPending {
		t.Fatalf("status after submit = %s, want pending", got)
	}

	release := make(chan struct{})
	task := func(ctx context.Context, j *Job) (string, error) {
		m.UpdateProgress(j, 50, "halfway")
		<-release
		return "/out/final.iso", nil
	}
	if err := m.Start(context.Background(), job, task); err != nil {
		t.Fatal(err)
	}

	if got := job.Status(); got != models.JobStatusInProgress {
		t.Fatalf("status after start = %s, want in_progress", got)
	}

	// a second Start must be rejected: in_progress is never re-entered
	if err := m.Start(context.Background(), job, task); err == nil {
		t.Fatal("second Start on an in_progress job succeeded")
	}

	close(release)
	waitTerminal(t, m, job.ID)

	if got := job.Status(); got != models.JobStatusCompleted {
		t.Errorf("terminal status = %s, want completed", got)
	}
	if got := job.Progress(); got != 100 {
		t.Errorf("terminal progress = %d, want 100", got)
	}
}

func TestTaskErrorBecomesFailed(t *testing.T) {
	m := NewManager(5, nil, nil)
	job, err := m.Submit(newRequest("cfg"))
	if err != nil {
		t.Fatal(err)
	}

	task := func(ctx context.Context, j *Job) (string, error) {
		m.UpdateProgress(j, 40, "about to break")
		return "", errors.New("stage exploded")
	}
	if err := m.Start(context.Background(), job, task); err != nil {
		t.Fatal(err)
	}
	waitTerminal(t, m, job.ID)

	if got := job.Status(); got != models.JobStatusFailed {
		t.Errorf("terminal status = %s, want failed", got)
	}
	if got := job.Progress(); got != 0 {
		t.Errorf("progress after failure = %d, want 0", got)
	}
	if resp := job.Response(); resp.ErrorMessage != "stage exploded" {
		t.Errorf("error message = %q", resp.ErrorMessage)
	}
}

func TestTaskPanicBecomesFailed(t *testing.T) {
	m := NewManager(5, nil, nil)
	job, err := m.Submit(newRequest("cfg"))
	if err != nil {
		t.Fatal(err)
	}

	task := func(ctx context.Context, j *Job) (string, error) {
		panic("pipeline bug")
	}
	if err := m.Start(context.Background(), job, task); err != nil {
		t.Fatal(err)
	}
	waitTerminal(t, m, job.ID)

	if got := job.Status(); got != models.JobStatusFailed {
		t.Errorf("terminal status = %s, want failed", got)
	}
}

func TestObserverSnapshotAndOrdering(t *testing.T) {
	m := NewManager(5, nil, nil)
	job, err := m.Submit(newRequest("cfg"))
	if err != nil {
		t.Fatal(err)
	}

	ch := make(chan models.ProgressEvent, 16)
	if err := m.AttachObserver(job, ch); err != nil {
		t.Fatal(err)
	}

	// second observer rejected
	if err := m.AttachObserver(job, make(chan models.ProgressEvent, 1)); !errors.Is(err, ErrObserverAttached) {
		t.Fatalf("second attach error = %v, want ErrObserverAttached", err)
	}

	task := func(ctx context.Context, j *Job) (string, error) {
		m.UpdateProgress(j, 25, "stage one")
		m.UpdateProgress(j, 75, "stage two")
		return "/out/final.iso", nil
	}
	if err := m.Start(context.Background(), job, task); err != nil {
		t.Fatal(err)
	}

	var events []models.ProgressEvent
	for ev := range ch { // manager closes the channel on finish
		events = append(events, ev)
	}

	if len(events) != 4 {
		t.Fatalf("received %d events, want 4 (snapshot, two stages, final): %+v", len(events), events)
	}
	if events[0].Message != "snapshot" || events[0].Status != models.JobStatusPending {
		t.Errorf("first event is not the pending snapshot: %+v", events[0])
	}
	if events[1].Progress != 25 || events[2].Progress != 75 {
		t.Errorf("progress events out of order: %+v", events[1:3])
	}
	final := events[3]
	if final.Status != models.JobStatusCompleted || final.Progress != 100 {
		t.Errorf("final event = %+v, want completed/100", final)
	}
}

func TestAttachObserverAfterFinishRejected(t *testing.T) {
	m := NewManager(5, nil, nil)
	job, err := m.Submit(newRequest("cfg"))
	if err != nil {
		t.Fatal(err)
	}

	task := func(ctx context.Context, j *Job) (string, error) { return "/out/final.iso", nil }
	if err := m.Start(context.Background(), job, task); err != nil {
		t.Fatal(err)
	}
	waitTerminal(t, m, job.ID)

	// a caller may still hold the job pointer after the registry
	// dropped it; attaching now must fail instead of handing back a
	// channel nobody will ever close
	ch := make(chan models.ProgressEvent, 4)
	if err := m.AttachObserver(job, ch); !errors.Is(err, ErrJobFinished) {
		t.Fatalf("attach on finished job: error = %v, want ErrJobFinished", err)
	}
	select {
	case ev := <-ch:
		t.Fatalf("rejected attach still delivered an event: %+v", ev)
	default:
	}
}

func TestDetachObserverIsIdempotent(t *testing.T) {
	m := NewManager(5, nil, nil)
	job, err := m.Submit(newRequest("cfg"))
	if err != nil {
		t.Fatal(err)
	}

	ch := make(chan models.ProgressEvent, 4)
	if err := m.AttachObserver(job, ch); err != nil {
		t.Fatal(err)
	}
	m.DetachObserver(job)
	m.DetachObserver(job)

	// a new observer can attach after detach
	if err := m.AttachObserver(job, make(chan models.ProgressEvent, 4)); err != nil {
		t.Fatalf("attach after detach: %v", err)
	}
}

type spyRecorder struct {
	mu     sync.Mutex
	events []string
}

func (r *spyRecorder) RecordEvent(jobID string, eventType models.EventType, bootMode, detail string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, string(eventType))
	return nil
}

func (r *spyRecorder) recorded() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.events...)
}

func TestRepeatRequestRecordsCacheHit(t *testing.T) {
	rec := &spyRecorder{}
	m := NewManager(5, nil, rec)

	job, err := m.Submit(newRequest("cfg"))
	if err != nil {
		t.Fatal(err)
	}
	task := func(ctx context.Context, j *Job) (string, error) { return "/out/final.iso", nil }
	if err := m.Start(context.Background(), job, task); err != nil {
		t.Fatal(err)
	}
	waitTerminal(t, m, job.ID)

	if _, err := m.Submit(newRequest("cfg")); err != nil {
		t.Fatal(err)
	}

	got := rec.recorded()
	want := []string{"submitted", "completed", "submitted", "cache_hit"}
	if len(got) != len(want) {
		t.Fatalf("events = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("events = %v, want %v", got, want)
		}
	}
}

func TestEndToEndWithCache(t *testing.T) {
	store, err := cache.New(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	m := NewManager(5, store, nil)

	job, err := m.Submit(newRequest("cfg-A"))
	if err != nil {
		t.Fatal(err)
	}

	if _, ok := store.GetFinalArtifactPath(job.ID); ok {
		t.Fatal("final artifact path present before completion")
	}

	outDir := t.TempDir()
	release := make(chan struct{})
	task := func(ctx context.Context, j *Job) (string, error) {
		<-release
		iso := filepath.Join(outDir, "auto-installer-"+j.ID+".iso")
		if err := os.WriteFile(iso, []byte("iso"), 0o644); err != nil {
			return "", err
		}
		return iso, nil
	}
	if err := m.Start(context.Background(), job, task); err != nil {
		t.Fatal(err)
	}

	if got := job.Status(); got != models.JobStatusInProgress {
		t.Fatalf("status mid-flight = %s", got)
	}
	close(release)
	waitTerminal(t, m, job.ID)

	path, ok := store.GetFinalArtifactPath(job.ID)
	if !ok {
		t.Fatal("GetFinalArtifactPath absent after completion")
	}
	if filepath.Base(path) != "auto-installer-"+job.ID+".iso" {
		t.Errorf("unexpected artifact path %s", path)
	}

	// identical payload on a second job reuses the cached blob
	before, err := store.BlobCount()
	if err != nil {
		t.Fatal(err)
	}
	job2, err := m.Submit(newRequest("cfg-A"))
	if err != nil {
		t.Fatal(err)
	}
	after, err := store.BlobCount()
	if err != nil {
		t.Fatal(err)
	}
	if after != before {
		t.Errorf("blob count grew from %d to %d for an identical payload", before, after)
	}
	d1, _ := store.Digest(job.ID)
	d2, _ := store.Digest(job2.ID)
	if d1 != d2 {
		t.Errorf("identical payloads hashed differently: %s vs %s", d1, d2)
	}
}
