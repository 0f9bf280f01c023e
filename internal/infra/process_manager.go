package infra

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"go.uber.org/atomic"

	"MnemoEvolve/server/internal/config"
)

const (
	defaultStartupTimeout = 5 * time.Minute
	defaultProbeInterval  = 2 * time.Second
	stopGracePeriod       = 5 * time.Second
)

// Status of a managed model server process.
type Status string

const (
	StatusStopped  Status = "stopped"
	StatusStarting Status = "starting"
	StatusRunning  Status = "running"
	StatusError    Status = "error"
)

// ErrNoCommand is returned by Start when no launch command is configured.
var ErrNoCommand = errors.New("no launch command configured")

// Probe reports whether the server answers requests.
type Probe func(ctx context.Context) error

// ProcessManager runs a local model server (ComfyUI, xtts-api-server) next
// to the service and tracks whether it is up.
type ProcessManager struct {
	name   string
	launch config.LaunchConfig
	probe  Probe
	log    *slog.Logger

	startupTimeout time.Duration
	probeInterval  time.Duration

	status   *atomic.String
	onStatus func(Status)
	mu       sync.Mutex
	cmd    *exec.Cmd
	exited chan struct{}
}

// NewProcessManager creates a manager for the server described by launch.
// probe is polled after start until it succeeds.
func NewProcessManager(name string, launch config.LaunchConfig, probe Probe, log *slog.Logger) *ProcessManager {
	if log == nil {
		log = slog.Default()
	}
	return &ProcessManager{
		name:           name,
		launch:         launch,
		probe:          probe,
		log:            log.With("process", name),
		startupTimeout: defaultStartupTimeout,
		probeInterval:  defaultProbeInterval,
		status:         atomic.NewString(string(StatusStopped)),
	}
}

// SetStartupPolling overrides how long and how often startup is probed.
func (m *ProcessManager) SetStartupPolling(timeout, interval time.Duration) {
	m.startupTimeout = timeout
	m.probeInterval = interval
}

// OnStatusChange registers fn to run after every status transition. It
// must be set before Start and must not block.
func (m *ProcessManager) OnStatusChange(fn func(Status)) {
	m.onStatus = fn
}

// Name returns the managed server's name.
func (m *ProcessManager) Name() string {
	return m.name
}

// Enabled reports whether a launch command is configured.
func (m *ProcessManager) Enabled() bool {
	return m.launch.Command != ""
}

// Start launches the process and returns once it is running. Readiness is
// probed in the background.
func (m *ProcessManager) Start(ctx context.Context) error {
	if !m.Enabled() {
		return ErrNoCommand
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	switch m.Status() {
	case StatusRunning, StatusStarting:
		return nil
	}

	cmd := exec.Command(m.launch.Command, m.launch.Args...)
	cmd.Dir = m.launch.Dir
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr

	m.log.Info("Starting process", "command", m.launch.Command, "args", m.launch.Args, "dir", m.launch.Dir)
	m.setStatus(StatusStarting)

	if err := cmd.Start(); err != nil {
		m.setStatus(StatusError)
		return fmt.Errorf("failed to start %s: %w", m.name, err)
	}
	m.log.Info("Process started", "pid", cmd.Process.Pid)

	exited := make(chan struct{})
	m.cmd = cmd
	m.exited = exited

	go m.wait(cmd, exited)
	go m.waitForStartup(context.WithoutCancel(ctx), exited)

	return nil
}

func (m *ProcessManager) wait(cmd *exec.Cmd, exited chan struct{}) {
	err := cmd.Wait()
	close(exited)

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.cmd != cmd {
		return
	}
	if m.Status() != StatusStopped {
		m.log.Error("Process exited unexpectedly", "error", err)
		m.setStatus(StatusError)
	}
	m.cmd = nil
}

// waitForStartup polls the probe until the server answers, the startup
// timeout elapses or the process exits.
func (m *ProcessManager) waitForStartup(ctx context.Context, exited <-chan struct{}) {
	ctx, cancel := context.WithTimeout(ctx, m.startupTimeout)
	defer cancel()

	ticker := time.NewTicker(m.probeInterval)
	defer ticker.Stop()

	for {
		if m.probe == nil || m.probe(ctx) == nil {
			if m.transition(StatusStarting, StatusRunning) {
				m.log.Info("Process is ready")
			}
			return
		}

		select {
		case <-exited:
			return
		case <-ctx.Done():
			if m.transition(StatusStarting, StatusError) {
				m.log.Error("Process did not become ready", "timeout", m.startupTimeout)
			}
			return
		case <-ticker.C:
		}
	}
}

// Stop interrupts the process and kills it if it has not exited within the
// grace period or before ctx is done.
func (m *ProcessManager) Stop(ctx context.Context) error {
	m.mu.Lock()
	cmd, exited := m.cmd, m.exited
	m.setStatus(StatusStopped)
	m.mu.Unlock()

	if cmd == nil || cmd.Process == nil {
		return nil
	}

	m.log.Info("Stopping process", "pid", cmd.Process.Pid)
	if err := cmd.Process.Signal(syscall.SIGTERM); err != nil && !errors.Is(err, os.ErrProcessDone) {
		m.log.Warn("Failed to signal process", "error", err)
	}

	select {
	case <-exited:
		return nil
	case <-ctx.Done():
		_ = cmd.Process.Kill()
		return ctx.Err()
	case <-time.After(stopGracePeriod):
		_ = cmd.Process.Kill()
		<-exited
		return fmt.Errorf("%s did not stop within %s, killed", m.name, stopGracePeriod)
	}
}

// Restart stops and starts the process.
func (m *ProcessManager) Restart(ctx context.Context) error {
	if err := m.Stop(ctx); err != nil {
		return err
	}
	return m.Start(ctx)
}

// Status returns the current status.
func (m *ProcessManager) Status() Status {
	return Status(m.status.Load())
}

// IsReady checks if the server is ready to accept requests.
func (m *ProcessManager) IsReady() bool {
	return m.Status() == StatusRunning
}

func (m *ProcessManager) setStatus(s Status) {
	if prev := Status(m.status.Swap(string(s))); prev != s {
		m.notify(s)
	}
}

// transition moves from one status to another only if from is current.
func (m *ProcessManager) transition(from, to Status) bool {
	if !m.status.CompareAndSwap(string(from), string(to)) {
		return false
	}
	m.notify(to)
	return true
}

func (m *ProcessManager) notify(s Status) {
	if m.onStatus != nil {
		m.onStatus(s)
	}
}
