package queue

import (
	"context"
	"errors"
	"log"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/DnyaneshwarWantace/ignite-sub004/internal/config"
	"github.com/DnyaneshwarWantace/ignite-sub004/internal/models"
	"github.com/DnyaneshwarWantace/ignite-sub004/internal/render"
	"github.com/DnyaneshwarWantace/ignite-sub004/internal/workspace"
)

type fakeHandle struct {
	done       chan error
	terminated chan struct{}
	once       sync.Once
}

func (h *fakeHandle) Done() <-chan error { return h.done }

func (h *fakeHandle) Terminate() error {
	h.once.Do(func() { close(h.terminated) })
	return nil
}

// fakeBackend simulates the render CLI: it waits for a configurable delay,
// then writes the output file or reports an error. Terminate interrupts it.
type fakeBackend struct {
	mu        sync.Mutex
	starts    []string
	active    int
	maxActive int

	delay   time.Duration
	failMsg string
	block   bool
}

func (b *fakeBackend) Start(_ context.Context, spec render.Spec) (render.Handle, error) {
	b.mu.Lock()
	b.starts = append(b.starts, spec.JobID)
	b.active++
	if b.active > b.maxActive {
		b.maxActive = b.active
	}
	b.mu.Unlock()

	h := &fakeHandle{done: make(chan error, 1), terminated: make(chan struct{})}
	go func() {
		defer func() {
			b.mu.Lock()
			b.active--
			b.mu.Unlock()
		}()

		var exit <-chan time.Time
		if !b.block {
			exit = time.After(b.delay)
		}
		select {
		case <-exit:
			if b.failMsg != "" {
				h.done <- errors.New(b.failMsg)
				return
			}
			if err := os.WriteFile(spec.OutputPath, []byte("mp4-bytes"), 0o644); err != nil {
				h.done <- err
				return
			}
			h.done <- nil
		case <-h.terminated:
			h.done <- errors.New("signal: killed")
		}
	}()
	return h, nil
}

func (b *fakeBackend) KillStray(_ context.Context) {}

func (b *fakeBackend) startOrder() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]string, len(b.starts))
	copy(out, b.starts)
	return out
}

func testConfig(t *testing.T) config.Config {
	t.Helper()
	return config.Config{
		WorkDir:            t.TempDir(),
		MaxDurationMS:      120000,
		DefaultFPS:         30,
		RenderTimeout:      5 * time.Second,
		CancelPollInterval: 10 * time.Millisecond,
		DispatchCooldown:   5 * time.Millisecond,
	}
}

func newTestQueue(t *testing.T, cfg config.Config, backend render.Backend) *Queue {
	t.Helper()
	logger := log.New(os.Stderr, "test ", log.LstdFlags)
	return New(cfg, backend, workspace.NewManager(cfg, logger), nil, nil, logger)
}

func testPayload(durationMS int) models.RenderPayload {
	return models.RenderPayload{
		Width:      1080,
		Height:     1920,
		DurationMS: durationMS,
	}
}

func waitForStatus(t *testing.T, q *Queue, jobID, want string) Snapshot {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		snap, err := q.GetStatus(jobID)
		if err != nil {
			t.Fatalf("get status: %v", err)
		}
		if snap.Status == want {
			return snap
		}
		time.Sleep(5 * time.Millisecond)
	}
	snap, _ := q.GetStatus(jobID)
	t.Fatalf("job %s never reached %q (last status %q)", jobID, want, snap.Status)
	return Snapshot{}
}

func TestSubmitRunsToCompletion(t *testing.T) {
	backend := &fakeBackend{delay: 20 * time.Millisecond}
	q := newTestQueue(t, testConfig(t), backend)

	id := q.Submit(testPayload(5000))
	snap, err := q.GetStatus(id)
	if err != nil {
		t.Fatalf("get status: %v", err)
	}
	if snap.Status != models.StatusPending && snap.Status != models.StatusProcessing && snap.Status != models.StatusCompleted {
		t.Fatalf("unexpected initial status %q", snap.Status)
	}

	snap = waitForStatus(t, q, id, models.StatusCompleted)
	if snap.Result == "" {
		t.Fatalf("completed job has no result")
	}
	if snap.Progress != 100 {
		t.Fatalf("expected progress 100, got %d", snap.Progress)
	}
	if snap.CompletedAt == nil {
		t.Fatalf("completed job has no completion timestamp")
	}
	if snap.Error != "" {
		t.Fatalf("completed job carries error %q", snap.Error)
	}
}

func TestDurationClamped(t *testing.T) {
	cfg := testConfig(t)
	backend := &fakeBackend{block: true}
	q := newTestQueue(t, cfg, backend)

	id := q.Submit(testPayload(cfg.MaxDurationMS + 1000))

	q.mu.Lock()
	got := q.jobs[id].Payload.DurationMS
	q.mu.Unlock()
	if got != cfg.MaxDurationMS {
		t.Fatalf("expected duration clamped to %d, got %d", cfg.MaxDurationMS, got)
	}
}

func TestFIFOOrderingAndMutualExclusion(t *testing.T) {
	backend := &fakeBackend{delay: 30 * time.Millisecond}
	q := newTestQueue(t, testConfig(t), backend)

	var ids []string
	for i := 0; i < 4; i++ {
		ids = append(ids, q.Submit(testPayload(1000)))
	}
	for _, id := range ids {
		waitForStatus(t, q, id, models.StatusCompleted)
	}

	starts := backend.startOrder()
	if len(starts) != len(ids) {
		t.Fatalf("expected %d backend starts, got %d", len(ids), len(starts))
	}
	for i := range ids {
		if starts[i] != ids[i] {
			t.Fatalf("dispatch order %v does not match submission order %v", starts, ids)
		}
	}

	backend.mu.Lock()
	max := backend.maxActive
	backend.mu.Unlock()
	if max != 1 {
		t.Fatalf("expected at most one concurrent backend invocation, saw %d", max)
	}
}

func TestCancelPendingJobNeverRuns(t *testing.T) {
	backend := &fakeBackend{block: true}
	q := newTestQueue(t, testConfig(t), backend)

	first := q.Submit(testPayload(1000))
	waitForStatus(t, q, first, models.StatusProcessing)

	second := q.Submit(testPayload(1000))
	if err := q.Cancel(second); err != nil {
		t.Fatalf("cancel pending job: %v", err)
	}

	snap, err := q.GetStatus(second)
	if err != nil {
		t.Fatalf("get status: %v", err)
	}
	if snap.Status != models.StatusCancelled {
		t.Fatalf("expected cancelled, got %q", snap.Status)
	}
	if snap.CompletedAt == nil {
		t.Fatalf("cancelled job has no completion timestamp")
	}

	// Unblock the worker and make sure the cancelled job is skipped.
	if err := q.Cancel(first); err != nil {
		t.Fatalf("cancel active job: %v", err)
	}
	third := q.Submit(testPayload(1000))
	waitForStatus(t, q, third, models.StatusProcessing)

	for _, started := range backend.startOrder() {
		if started == second {
			t.Fatalf("backend was invoked for a job cancelled while pending")
		}
	}
}

func TestCancelProcessingTerminatesBackend(t *testing.T) {
	backend := &fakeBackend{block: true}
	q := newTestQueue(t, testConfig(t), backend)

	id := q.Submit(testPayload(1000))
	waitForStatus(t, q, id, models.StatusProcessing)

	if err := q.Cancel(id); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	snap, _ := q.GetStatus(id)
	if snap.Status != models.StatusCancelled {
		t.Fatalf("expected cancelled immediately, got %q", snap.Status)
	}

	// The terminal status must survive the backend teardown.
	time.Sleep(50 * time.Millisecond)
	snap, _ = q.GetStatus(id)
	if snap.Status != models.StatusCancelled {
		t.Fatalf("terminal status was overwritten to %q", snap.Status)
	}

	if err := q.Cancel(id); !errors.Is(err, ErrInvalidState) {
		t.Fatalf("expected ErrInvalidState on second cancel, got %v", err)
	}
	if _, _, err := q.Download(id); !errors.Is(err, ErrInvalidState) {
		t.Fatalf("expected ErrInvalidState downloading cancelled job, got %v", err)
	}
}

func TestBackendFailureSurfacesError(t *testing.T) {
	backend := &fakeBackend{delay: 10 * time.Millisecond, failMsg: "invalid dimensions 0x0"}
	q := newTestQueue(t, testConfig(t), backend)

	id := q.Submit(testPayload(1000))
	snap := waitForStatus(t, q, id, models.StatusFailed)
	if snap.Error == "" {
		t.Fatalf("failed job has no error message")
	}
	if snap.Result != "" {
		t.Fatalf("failed job carries a result %q", snap.Result)
	}

	_, _, err := q.Download(id)
	var backendErr *BackendFailureError
	if !errors.As(err, &backendErr) {
		t.Fatalf("expected BackendFailureError, got %v", err)
	}
	if backendErr.Message != snap.Error {
		t.Fatalf("download error %q does not match stored error %q", backendErr.Message, snap.Error)
	}
}

func TestTimeoutKillsBackend(t *testing.T) {
	cfg := testConfig(t)
	cfg.RenderTimeout = 50 * time.Millisecond
	backend := &fakeBackend{block: true}
	q := newTestQueue(t, cfg, backend)

	id := q.Submit(testPayload(1000))
	snap := waitForStatus(t, q, id, models.StatusFailed)
	if snap.Error == "" {
		t.Fatalf("timed out job has no error message")
	}

	deadline := time.Now().Add(time.Second)
	for {
		backend.mu.Lock()
		active := backend.active
		backend.mu.Unlock()
		if active == 0 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("backend still running after timeout")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestDownloadConsumesJob(t *testing.T) {
	backend := &fakeBackend{delay: 10 * time.Millisecond}
	q := newTestQueue(t, testConfig(t), backend)

	id := q.Submit(testPayload(1000))
	snap := waitForStatus(t, q, id, models.StatusCompleted)

	data, filename, err := q.Download(id)
	if err != nil {
		t.Fatalf("download: %v", err)
	}
	if string(data) != "mp4-bytes" {
		t.Fatalf("unexpected artifact bytes %q", data)
	}
	if filename == "" {
		t.Fatalf("download returned empty filename")
	}
	if _, err := os.Stat(snap.Result); !os.IsNotExist(err) {
		t.Fatalf("artifact not deleted after download")
	}

	if _, _, err := q.Download(id); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound on second download, got %v", err)
	}
	if _, err := q.GetStatus(id); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound after consumption, got %v", err)
	}
}

func TestDownloadWhileInProgress(t *testing.T) {
	backend := &fakeBackend{block: true}
	q := newTestQueue(t, testConfig(t), backend)

	id := q.Submit(testPayload(1000))
	if _, _, err := q.Download(id); !errors.Is(err, ErrInProgress) {
		t.Fatalf("expected ErrInProgress, got %v", err)
	}
}

func TestDownloadArtifactMissing(t *testing.T) {
	backend := &fakeBackend{delay: 10 * time.Millisecond}
	q := newTestQueue(t, testConfig(t), backend)

	id := q.Submit(testPayload(1000))
	snap := waitForStatus(t, q, id, models.StatusCompleted)

	if err := os.Remove(snap.Result); err != nil {
		t.Fatalf("remove artifact: %v", err)
	}

	if _, _, err := q.Download(id); !errors.Is(err, ErrArtifactMissing) {
		t.Fatalf("expected ErrArtifactMissing, got %v", err)
	}
	// The inconsistency stays observable; the record is not auto-healed.
	if _, err := q.GetStatus(id); err != nil {
		t.Fatalf("record vanished after artifact-missing download: %v", err)
	}
}

func TestResetClearsQueueAndKillsActive(t *testing.T) {
	backend := &fakeBackend{block: true}
	q := newTestQueue(t, testConfig(t), backend)

	first := q.Submit(testPayload(1000))
	waitForStatus(t, q, first, models.StatusProcessing)
	second := q.Submit(testPayload(1000))

	q.Reset()

	// The pending job is forgotten by the scheduler but its record remains.
	snap, err := q.GetStatus(second)
	if err != nil {
		t.Fatalf("get status: %v", err)
	}
	if snap.Status != models.StatusPending {
		t.Fatalf("expected abandoned pending job, got %q", snap.Status)
	}

	deadline := time.Now().Add(time.Second)
	for {
		backend.mu.Lock()
		active := backend.active
		backend.mu.Unlock()
		if active == 0 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("active backend not terminated by reset")
		}
		time.Sleep(5 * time.Millisecond)
	}

	// A fresh submission must be dispatched by a new worker.
	third := q.Submit(testPayload(1000))
	waitForStatus(t, q, third, models.StatusProcessing)
	for _, started := range backend.startOrder() {
		if started == second {
			t.Fatalf("reset queue still dispatched an abandoned job")
		}
	}
}

func TestStatusUnknownJob(t *testing.T) {
	q := newTestQueue(t, testConfig(t), &fakeBackend{})
	if _, err := q.GetStatus("nope"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if err := q.Cancel("nope"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if _, _, err := q.Download("nope"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}
