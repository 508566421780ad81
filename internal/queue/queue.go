package queue

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/DnyaneshwarWantace/ignite-sub004/internal/artifacts"
	"github.com/DnyaneshwarWantace/ignite-sub004/internal/audit"
	"github.com/DnyaneshwarWantace/ignite-sub004/internal/config"
	"github.com/DnyaneshwarWantace/ignite-sub004/internal/models"
	"github.com/DnyaneshwarWantace/ignite-sub004/internal/render"
	"github.com/DnyaneshwarWantace/ignite-sub004/internal/telemetry"
	"github.com/DnyaneshwarWantace/ignite-sub004/internal/workspace"
)

var (
	// ErrNotFound means the job id is unknown or its result was already consumed.
	ErrNotFound = errors.New("job not found")
	// ErrInProgress means the job has not reached a downloadable state yet.
	ErrInProgress = errors.New("job still in progress")
	// ErrInvalidState means the operation is not valid for the job's current state.
	ErrInvalidState = errors.New("invalid job state")
	// ErrArtifactMissing means the job completed but its artifact is gone from disk.
	ErrArtifactMissing = errors.New("artifact missing from disk")
)

// BackendFailureError carries the stored error of a failed render.
type BackendFailureError struct {
	Message string
}

func (e *BackendFailureError) Error() string {
	return e.Message
}

// Snapshot is a point-in-time copy of a job's caller-visible fields.
type Snapshot struct {
	ID          string     `json:"id"`
	Status      string     `json:"status"`
	Progress    int        `json:"progress"`
	Result      string     `json:"result,omitempty"`
	Error       string     `json:"error,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// Queue serializes render jobs behind a single global worker slot. All job
// state lives in process memory; a restart loses history.
type Queue struct {
	cfg        config.Config
	backend    render.Backend
	workspaces *workspace.Manager
	archiver   artifacts.Archiver
	audit      *audit.Log
	logger     *log.Logger

	mu           sync.Mutex
	jobs         map[string]*models.Job
	pending      []string
	busy         bool
	gen          int
	activeID     string
	activeHandle render.Handle
}

// New constructs the queue. archiver may be nil; auditLog may be nil.
func New(cfg config.Config, backend render.Backend, workspaces *workspace.Manager, archiver artifacts.Archiver, auditLog *audit.Log, logger *log.Logger) *Queue {
	return &Queue{
		cfg:        cfg,
		backend:    backend,
		workspaces: workspaces,
		archiver:   archiver,
		audit:      auditLog,
		logger:     logger,
		jobs:       make(map[string]*models.Job),
	}
}

// Submit creates a pending job and dispatches the worker if it is idle. It
// never blocks on rendering and never fails; the only normalization applied
// to the payload is the duration ceiling.
func (q *Queue) Submit(payload models.RenderPayload) string {
	if payload.DurationMS > q.cfg.MaxDurationMS {
		payload.DurationMS = q.cfg.MaxDurationMS
	}

	job := &models.Job{
		ID:        uuid.NewString(),
		Status:    models.StatusPending,
		Payload:   payload,
		CreatedAt: time.Now().UTC(),
	}

	q.mu.Lock()
	q.jobs[job.ID] = job
	q.pending = append(q.pending, job.ID)
	telemetry.QueueDepthGauge.Set(float64(len(q.pending)))
	dispatch := !q.busy
	if dispatch {
		q.busy = true
	}
	gen := q.gen
	q.mu.Unlock()

	telemetry.RendersSubmitted.Inc()
	q.audit.Record(context.Background(), job.ID, "submitted", fmt.Sprintf("duration_ms=%d media=%d", payload.DurationMS, len(payload.Media)))

	if dispatch {
		go q.run(gen)
	}
	return job.ID
}

// GetStatus returns a snapshot of the job, or ErrNotFound.
func (q *Queue) GetStatus(jobID string) (Snapshot, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	job, ok := q.jobs[jobID]
	if !ok {
		return Snapshot{}, ErrNotFound
	}
	return snapshotOf(job), nil
}

// Cancel marks the job cancelled immediately and signals the backend if the
// job is the active one. The caller-facing state reflects intent right away;
// actual process teardown is asynchronous and best-effort.
func (q *Queue) Cancel(jobID string) error {
	q.mu.Lock()
	job, ok := q.jobs[jobID]
	if !ok {
		q.mu.Unlock()
		return ErrNotFound
	}
	if models.TerminalStatus(job.Status) {
		q.mu.Unlock()
		return ErrInvalidState
	}

	job.CancelRequested = true
	job.Status = models.StatusCancelled
	now := time.Now().UTC()
	job.CompletedAt = &now

	var handle render.Handle
	if q.activeID == jobID {
		handle = q.activeHandle
	}
	q.mu.Unlock()

	if handle != nil {
		if err := handle.Terminate(); err != nil {
			q.logger.Printf("terminate backend job=%s: %v", jobID, err)
		}
	}

	telemetry.RendersCancelled.Inc()
	q.audit.Record(context.Background(), jobID, "cancelled", "")
	return nil
}

// Download is a consuming read: on success it returns the artifact bytes and
// a filename, and deletes the job record and its on-disk workspace.
func (q *Queue) Download(jobID string) ([]byte, string, error) {
	q.mu.Lock()
	job, ok := q.jobs[jobID]
	if !ok {
		q.mu.Unlock()
		return nil, "", ErrNotFound
	}
	switch job.Status {
	case models.StatusPending, models.StatusProcessing:
		q.mu.Unlock()
		return nil, "", ErrInProgress
	case models.StatusFailed:
		msg := job.Error
		q.mu.Unlock()
		return nil, "", &BackendFailureError{Message: msg}
	case models.StatusCancelled:
		q.mu.Unlock()
		return nil, "", ErrInvalidState
	}

	// Claim the record under the lock so a racing download observes NotFound.
	delete(q.jobs, jobID)
	path := job.Result
	q.mu.Unlock()

	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			// Latent inconsistency: completed but no artifact. Put the record
			// back so the condition stays observable rather than auto-healing.
			q.mu.Lock()
			q.jobs[jobID] = job
			q.mu.Unlock()
			return nil, "", ErrArtifactMissing
		}
		q.mu.Lock()
		q.jobs[jobID] = job
		q.mu.Unlock()
		return nil, "", fmt.Errorf("read artifact: %w", err)
	}

	q.workspaces.RemoveBestEffort(jobID)
	q.audit.Record(context.Background(), jobID, "downloaded", fmt.Sprintf("bytes=%d", len(data)))
	return data, fmt.Sprintf("render-%s.mp4", jobID), nil
}

// Reset clears the pending queue and the busy flag unconditionally, and
// terminates the active backend handle if one exists. Jobs keep their
// records; only scheduling state is dropped.
func (q *Queue) Reset() {
	q.mu.Lock()
	q.pending = nil
	q.busy = false
	q.gen++
	handle := q.activeHandle
	activeID := q.activeID
	q.activeHandle = nil
	q.activeID = ""
	telemetry.QueueDepthGauge.Set(0)
	q.mu.Unlock()

	if handle != nil {
		if err := handle.Terminate(); err != nil {
			q.logger.Printf("terminate backend on reset job=%s: %v", activeID, err)
		}
	}
	q.audit.Record(context.Background(), "-", "reset", "queue and busy flag cleared")
}

// run is the single worker loop. At most one run goroutine per generation
// holds the busy flag; Reset bumps the generation to retire a stale loop.
func (q *Queue) run(gen int) {
	telemetry.ActiveGauge.Set(1)
	defer telemetry.ActiveGauge.Set(0)

	for {
		q.mu.Lock()
		if q.gen != gen {
			q.mu.Unlock()
			return
		}

		var job *models.Job
		for len(q.pending) > 0 {
			id := q.pending[0]
			q.pending = q.pending[1:]
			if j, ok := q.jobs[id]; ok && j.Status == models.StatusPending {
				job = j
				break
			}
			// Cancelled while pending; never invoke the backend for it.
		}
		telemetry.QueueDepthGauge.Set(float64(len(q.pending)))
		if job == nil {
			q.busy = false
			q.mu.Unlock()
			return
		}

		job.Status = models.StatusProcessing
		job.Progress = 10
		q.activeID = job.ID
		q.mu.Unlock()

		q.audit.Record(context.Background(), job.ID, "started", "")
		q.process(job)

		q.mu.Lock()
		if q.gen != gen {
			q.mu.Unlock()
			return
		}
		q.activeID = ""
		q.activeHandle = nil
		more := len(q.pending) > 0
		if !more {
			q.busy = false
		}
		q.mu.Unlock()

		if !more {
			return
		}
		// Give the backend's own subprocess pool a moment to wind down before
		// the next render.
		time.Sleep(q.cfg.DispatchCooldown)
	}
}

// process supervises one backend invocation: it races backend exit against
// the wall-clock timeout and a periodic cancellation check.
func (q *Queue) process(job *models.Job) {
	ctx := context.Background()

	q.backend.KillStray(ctx)

	ws, err := q.workspaces.Prepare(ctx, job.ID, job.Payload)
	if err != nil {
		q.finishFailed(job, fmt.Sprintf("prepare workspace: %v", err))
		q.workspaces.RemoveBestEffort(job.ID)
		return
	}

	handle, err := q.backend.Start(ctx, render.Spec{
		JobID:        job.ID,
		ManifestPath: ws.ManifestPath,
		OutputPath:   ws.OutputPath,
		Width:        job.Payload.Width,
		Height:       job.Payload.Height,
		FPS:          job.Payload.FPS,
		Quality:      job.Payload.Quality,
	})
	if err != nil {
		q.finishFailed(job, fmt.Sprintf("start render backend: %v", err))
		q.workspaces.RemoveBestEffort(job.ID)
		return
	}

	q.mu.Lock()
	if job.Status != models.StatusProcessing {
		// Cancelled between dequeue and backend start.
		q.mu.Unlock()
		if err := handle.Terminate(); err != nil {
			q.logger.Printf("terminate backend job=%s: %v", job.ID, err)
		}
		<-handle.Done()
		q.workspaces.RemoveBestEffort(job.ID)
		return
	}
	q.activeHandle = handle
	q.mu.Unlock()

	timeout := time.NewTimer(q.cfg.RenderTimeout)
	defer timeout.Stop()
	poll := time.NewTicker(q.cfg.CancelPollInterval)
	defer poll.Stop()

	for {
		select {
		case err := <-handle.Done():
			if err != nil {
				q.finishFailed(job, err.Error())
				q.workspaces.RemoveBestEffort(job.ID)
				return
			}
			if _, statErr := os.Stat(ws.OutputPath); statErr != nil {
				q.finishFailed(job, "render backend exited cleanly but produced no output")
				q.workspaces.RemoveBestEffort(job.ID)
				return
			}
			q.finishCompleted(job, ws.OutputPath)
			return

		case <-timeout.C:
			if err := handle.Terminate(); err != nil {
				q.logger.Printf("terminate backend on timeout job=%s: %v", job.ID, err)
			}
			<-handle.Done()
			telemetry.RenderTimeouts.Inc()
			q.finishFailed(job, fmt.Sprintf("render timed out after %s", q.cfg.RenderTimeout))
			q.workspaces.RemoveBestEffort(job.ID)
			return

		case <-poll.C:
			q.mu.Lock()
			cancelled := job.CancelRequested
			q.mu.Unlock()
			if cancelled {
				// Cancel already set the terminal status; only the backend
				// teardown is left to us.
				if err := handle.Terminate(); err != nil {
					q.logger.Printf("terminate backend job=%s: %v", job.ID, err)
				}
				<-handle.Done()
				q.workspaces.RemoveBestEffort(job.ID)
				return
			}
		}
	}
}

// finishCompleted marks the job completed unless cancellation got there first.
func (q *Queue) finishCompleted(job *models.Job, outputPath string) {
	q.mu.Lock()
	if job.Status != models.StatusProcessing {
		q.mu.Unlock()
		q.workspaces.RemoveBestEffort(job.ID)
		return
	}
	job.Status = models.StatusCompleted
	job.Progress = 100
	job.Result = outputPath
	now := time.Now().UTC()
	job.CompletedAt = &now
	q.mu.Unlock()

	telemetry.RendersCompleted.Inc()
	q.audit.Record(context.Background(), job.ID, "completed", outputPath)

	if q.archiver != nil {
		go func(jobID, path string) {
			if loc, err := q.archiver.Archive(context.Background(), jobID, path); err != nil {
				q.logger.Printf("archive artifact job=%s: %v", jobID, err)
			} else {
				q.logger.Printf("archived artifact job=%s to %s", jobID, loc)
			}
		}(job.ID, outputPath)
	}
}

// finishFailed marks the job failed unless cancellation got there first.
func (q *Queue) finishFailed(job *models.Job, message string) {
	q.mu.Lock()
	if job.Status != models.StatusProcessing {
		q.mu.Unlock()
		return
	}
	job.Status = models.StatusFailed
	job.Error = message
	now := time.Now().UTC()
	job.CompletedAt = &now
	q.mu.Unlock()

	telemetry.RendersFailed.Inc()
	q.audit.Record(context.Background(), job.ID, "failed", message)
	q.logger.Printf("render failed job=%s: %s", job.ID, message)
}

func snapshotOf(job *models.Job) Snapshot {
	return Snapshot{
		ID:          job.ID,
		Status:      job.Status,
		Progress:    job.Progress,
		Result:      job.Result,
		Error:       job.Error,
		CreatedAt:   job.CreatedAt,
		CompletedAt: job.CompletedAt,
	}
}
