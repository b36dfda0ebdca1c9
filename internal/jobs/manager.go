// Package jobs owns the build job lifecycle: admission, the
// in-memory registry, progress delivery to observers, and terminal
// state handling. Jobs move strictly forward through
// pending -> in_progress -> completed|failed and are removed from the
// registry on the terminal transition.
package jobs

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/iiTONELOC/safe-pc/internal/cache"
	"github.com/iiTONELOC/safe-pc/internal/models"
)

// ErrTooManyJobs rejects a submission once the concurrency ceiling is
// reached. This is admission control, not a pipeline failure: no job
// is created.
var ErrTooManyJobs = errors.New("jobs: concurrent job limit reached")

// ErrObserverAttached rejects a second observer; each job supports at
// most one.
var ErrObserverAttached = errors.New("jobs: observer already attached")

// ErrJobFinished rejects observer attachment to a job that already
// reached a terminal state. Nothing would ever close the channel.
var ErrJobFinished = errors.New("jobs: job already finished")

// Job is one tracked build. Mutable state is guarded by the job's own
// lock; the pipeline goroutine is the only writer of progress.
type Job struct {
	ID        string
	Request   *models.BuildRequest
	CreatedAt time.Time

	mu       sync.Mutex
	status   models.JobStatus
	progress int
	errMsg   string
	observer chan models.ProgressEvent
}

// Status returns the job's current lifecycle state.
func (j *Job) Status() models.JobStatus {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.status
}

// Progress returns the last reported progress percentage.
func (j *Job) Progress() int {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.progress
}

// Response snapshots the job for API serialization.
func (j *Job) Response() models.JobResponse {
	j.mu.Lock()
	defer j.mu.Unlock()
	created := j.CreatedAt
	return models.JobResponse{
		JobID:        j.ID,
		Status:       j.status,
		Progress:     j.progress,
		ErrorMessage: j.errMsg,
		CreatedAt:    &created,
	}
}

// TaskFunc runs the build pipeline for a job and returns the final
// artifact path. Errors (and panics) are converted to a Failed
// terminal state at the task boundary.
type TaskFunc func(ctx context.Context, job *Job) (string, error)

// Recorder persists build history events. A nil Recorder disables
// history.
type Recorder interface {
	RecordEvent(jobID string, eventType models.EventType, bootMode, detail string) error
}

// Manager is the job orchestrator.
type Manager struct {
	maxJobs int
	store   *cache.Cache
	history Recorder

	mu         sync.Mutex
	jobs       map[string]*Job
	doneByHash map[string]string // request hash -> last completed job id
}

// NewManager creates a Manager with the given concurrency ceiling.
// store receives answer payloads on submission and final artifact
// paths on completion; history may be nil.
func NewManager(maxJobs int, store *cache.Cache, history Recorder) *Manager {
	return &Manager{
		maxJobs:    maxJobs,
		store:      store,
		history:    history,
		jobs:       make(map[string]*Job),
		doneByHash: make(map[string]string),
	}
}

// Submit admits a new job. The registry only ever holds live
// (pending or in-progress) jobs, so its size is the active count.
// The answer payload is stored in the cache immediately so identical
// payloads deduplicate across submissions.
func (m *Manager) Submit(req *models.BuildRequest) (*Job, error) {
	if req.BootMode == "" {
		req.BootMode = models.BootModeHTTP
	}
	if !req.BootMode.Valid() {
		return nil, fmt.Errorf("jobs: unsupported boot mode %q", req.BootMode)
	}

	job := &Job{
		ID:        uuid.NewString(),
		Request:   req,
		CreatedAt: time.Now(),
		status:    models.JobStatusPending,
	}

	m.mu.Lock()
	if len(m.jobs) >= m.maxJobs {
		m.mu.Unlock()
		return nil, ErrTooManyJobs
	}
	m.jobs[job.ID] = job
	priorJob, seenBefore := m.doneByHash[req.ComputeHash()]
	m.mu.Unlock()

	if m.store != nil {
		if _, _, err := m.store.Put(job.ID, []byte(req.Answer)); err != nil {
			m.remove(job.ID)
			return nil, fmt.Errorf("jobs: caching answer payload: %w", err)
		}
	}
	m.record(job.ID, models.EventTypeSubmitted, string(req.BootMode), "")
	if seenBefore {
		m.record(job.ID, models.EventTypeCacheHit, string(req.BootMode), priorJob)
	}

	log.Printf("Job %s submitted (boot mode: %s)", job.ID, req.BootMode)
	return job, nil
}

// Get returns a live job by id.
func (m *Manager) Get(id string) (*Job, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	job, ok := m.jobs[id]
	return job, ok
}

// ActiveCount returns the number of pending or in-progress jobs.
func (m *Manager) ActiveCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.jobs)
}

// Start transitions the job to in_progress and schedules the pipeline
// as an independent goroutine. It returns once the goroutine is
// running; completion is reported via the observer channel or by
// polling status. Any error or panic inside the task becomes a
// terminal Failed state with progress reset to 0.
func (m *Manager) Start(ctx context.Context, job *Job, task TaskFunc) error {
	job.mu.Lock()
	if job.status != models.JobStatusPending {
		job.mu.Unlock()
		return fmt.Errorf("jobs: job %s is %s, cannot start", job.ID, job.status)
	}
	job.status = models.JobStatusInProgress
	job.mu.Unlock()

	scheduled := make(chan struct{})
	go func() {
		close(scheduled)
		defer func() {
			if r := recover(); r != nil {
				log.Printf("Job %s panicked: %v", job.ID, r)
				m.Finish(job, models.JobStatusFailed, 0, "")
			}
		}()

		log.Printf("Running job %s...", job.ID)
		isoPath, err := task(ctx, job)
		if err != nil {
			log.Printf("Job %s failed: %v", job.ID, err)
			job.mu.Lock()
			job.errMsg = err.Error()
			job.mu.Unlock()
			m.Finish(job, models.JobStatusFailed, 0, "")
			return
		}
		m.Finish(job, models.JobStatusCompleted, 100, isoPath)
	}()
	<-scheduled
	return nil
}

// AttachObserver registers the progress channel for a job and
// immediately sends a snapshot of the current state so a fresh
// observer is never blind. Only one observer may be attached; the
// channel is closed by the manager at the terminal transition.
func (m *Manager) AttachObserver(job *Job, ch chan models.ProgressEvent) error {
	job.mu.Lock()
	defer job.mu.Unlock()
	if job.status.Terminal() {
		// Finish already ran and tore the observer down; an attach now
		// would hand the caller a channel nobody ever closes.
		return ErrJobFinished
	}
	if job.observer != nil {
		return ErrObserverAttached
	}
	job.observer = ch
	pushEvent(job.ID, ch, models.NewProgressEvent(job.progress, job.status, "snapshot"))
	return nil
}

// DetachObserver clears the observer reference. Idempotent; the
// channel is not closed, the caller owns it after detach.
func (m *Manager) DetachObserver(job *Job) {
	job.mu.Lock()
	defer job.mu.Unlock()
	job.observer = nil
}

// UpdateProgress records a progress step and pushes it to the
// attached observer, if any. Delivery failures are logged, never
// fatal to the build.
func (m *Manager) UpdateProgress(job *Job, percent int, message string) {
	job.mu.Lock()
	job.progress = percent
	ch := job.observer
	event := models.NewProgressEvent(percent, job.status, message)
	job.mu.Unlock()

	if ch != nil {
		pushEvent(job.ID, ch, event)
	}
}

// Finish applies the terminal transition: final event, observer
// teardown, registry removal, and artifact/history bookkeeping. A
// second call for the same job is a no-op.
func (m *Manager) Finish(job *Job, status models.JobStatus, progress int, isoPath string) {
	job.mu.Lock()
	if job.status.Terminal() {
		job.mu.Unlock()
		return
	}
	job.status = status
	job.progress = progress
	ch := job.observer
	job.observer = nil
	detail := job.errMsg
	job.mu.Unlock()

	if ch != nil {
		pushEvent(job.ID, ch, models.NewProgressEvent(progress, status, "finished"))
		close(ch)
	}

	m.remove(job.ID)

	if status == models.JobStatusCompleted {
		m.mu.Lock()
		m.doneByHash[job.Request.ComputeHash()] = job.ID
		m.mu.Unlock()
		if m.store != nil && isoPath != "" {
			if err := m.store.SetFinalArtifactPath(job.ID, isoPath); err != nil {
				log.Printf("Failed to record artifact path for job %s: %v", job.ID, err)
			}
		}
		m.record(job.ID, models.EventTypeCompleted, string(job.Request.BootMode), isoPath)
	} else {
		m.record(job.ID, models.EventTypeFailed, string(job.Request.BootMode), detail)
	}

	log.Printf("Job %s finished: %s", job.ID, status)
}

func (m *Manager) remove(id string) {
	m.mu.Lock()
	delete(m.jobs, id)
	m.mu.Unlock()
}

func (m *Manager) record(jobID string, eventType models.EventType, bootMode, detail string) {
	if m.history == nil {
		return
	}
	if err := m.history.RecordEvent(jobID, eventType, bootMode, detail); err != nil {
		log.Printf("Failed to record %s event for job %s: %v", eventType, jobID, err)
	}
}

// pushEvent sends without blocking; a full observer channel drops the
// event. Per-job ordering is preserved for delivered events because
// each job has a single writer.
func pushEvent(jobID string, ch chan models.ProgressEvent, event models.ProgressEvent) {
	select {
	case ch <- event:
	default:
		log.Printf("Dropping progress event for job %s: observer channel full", jobID)
	}
}
