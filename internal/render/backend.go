package render

import (
	"bytes"
	"context"
	"fmt"
	"log"
	"os/exec"
	"strconv"
	"strings"

	"github.com/DnyaneshwarWantace/ignite-sub004/internal/config"
)

// Spec describes one backend invocation.
type Spec struct {
	JobID        string
	ManifestPath string
	OutputPath   string
	Width        int
	Height       int
	FPS          int
	Quality      string
}

// Handle tracks a running backend invocation.
type Handle interface {
	// Done yields the exit result exactly once; nil means a clean exit.
	Done() <-chan error
	// Terminate forcibly stops the backend. The backend must tolerate this.
	Terminate() error
}

// Backend invokes the external render engine. The queue never depends on the
// concrete invocation mechanism.
type Backend interface {
	Start(ctx context.Context, spec Spec) (Handle, error)
	// KillStray sweeps helper processes leaked by a previous run. Best-effort.
	KillStray(ctx context.Context)
}

// CLIBackend runs the render engine as a subprocess found on PATH.
type CLIBackend struct {
	bin          string
	strayPattern string
	logger       *log.Logger
}

// NewCLI builds a CLI-backed renderer from config.
func NewCLI(cfg config.Config, logger *log.Logger) *CLIBackend {
	return &CLIBackend{
		bin:          cfg.RenderBin,
		strayPattern: cfg.StrayProcessPattern,
		logger:       logger,
	}
}

// Start launches the render subprocess and returns a handle for it.
func (b *CLIBackend) Start(ctx context.Context, spec Spec) (Handle, error) {
	args := []string{
		"--manifest", spec.ManifestPath,
		"--output", spec.OutputPath,
		"--width", strconv.Itoa(spec.Width),
		"--height", strconv.Itoa(spec.Height),
		"--fps", strconv.Itoa(spec.FPS),
		"--concurrency", "1",
	}
	if spec.Quality != "" {
		args = append(args, "--quality", spec.Quality)
	}

	cmd := exec.Command(b.bin, args...)
	stderr := &bytes.Buffer{}
	cmd.Stderr = stderr

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start %s: %w", b.bin, err)
	}

	done := make(chan error, 1)
	go func() {
		err := cmd.Wait()
		if err != nil {
			if msg := strings.TrimSpace(stderr.String()); msg != "" {
				err = fmt.Errorf("%w: %s", err, msg)
			}
		}
		done <- err
	}()

	return &cliHandle{cmd: cmd, done: done}, nil
}

// KillStray terminates leftover helper processes matching the configured
// pattern. The render engine is known to leak workers under memory pressure.
func (b *CLIBackend) KillStray(ctx context.Context) {
	if b.strayPattern == "" {
		return
	}
	if err := exec.CommandContext(ctx, "pkill", "-f", b.strayPattern).Run(); err != nil {
		// pkill exits 1 when nothing matched; only log unexpected failures.
		if exitErr, ok := err.(*exec.ExitError); !ok || exitErr.ExitCode() != 1 {
			b.logger.Printf("stray process sweep failed: %v", err)
		}
	}
}

type cliHandle struct {
	cmd  *exec.Cmd
	done chan error
}

func (h *cliHandle) Done() <-chan error {
	return h.done
}

func (h *cliHandle) Terminate() error {
	if h.cmd.Process == nil {
		return nil
	}
	return h.cmd.Process.Kill()
}
