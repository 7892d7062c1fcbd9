package worker

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/ambiware-labs/kokorod/internal/config"
	"github.com/mattn/go-shellwords"
)

// State describes the supervisor's view of the worker process.
type State int

const (
	StateNotStarted State = iota
	StateStarting
	StateReady
	StateDegraded
	StateUnavailable
)

func (s State) String() string {
	switch s {
	case StateNotStarted:
		return "not_started"
	case StateStarting:
		return "starting"
	case StateReady:
		return "ready"
	case StateDegraded:
		return "degraded"
	case StateUnavailable:
		return "unavailable"
	default:
		return "unknown"
	}
}

// Pre-readiness stderr lines are advisory unless they match one of these.
var fatalDiagnostics = []string{
	"Traceback (most recent call last)",
	"ModuleNotFoundError",
	"ImportError",
	"FATAL",
}

// observer receives process lifecycle transitions from the supervisor.
type observer interface {
	workerStarted(stdout io.Reader)
	workerExited(err error)
}

// workerProcess is the handle to one spawned worker. Owned exclusively by the
// supervisor; discarded and replaced on exit.
type workerProcess struct {
	cmd     *exec.Cmd
	stdin   io.WriteCloser
	writeMu sync.Mutex
	started time.Time
	ready   chan struct{} // closed when the readiness marker is observed
	done    chan struct{} // closed when Wait returns
}

// supervisor owns the external process lifecycle: spawn, readiness detection,
// crash detection, bounded restart with backoff, graceful shutdown. Exactly
// one worker is live at a time.
type supervisor struct {
	cfg    config.WorkerConfig
	args   []string
	log    *slog.Logger
	notify observer
	stopCh chan struct{}

	mu       sync.Mutex
	state    State
	proc     *workerProcess
	restarts int // consecutive exits since last readiness signal
	shutdown bool
	wg       sync.WaitGroup
}

func newSupervisor(cfg config.WorkerConfig, notify observer, log *slog.Logger) (*supervisor, error) {
	parser := shellwords.NewParser()
	args, err := parser.Parse(cfg.Command)
	if err != nil {
		return nil, fmt.Errorf("parse worker command: %w", err)
	}
	if len(args) == 0 {
		return nil, fmt.Errorf("worker command empty")
	}
	return &supervisor{
		cfg:    cfg,
		args:   args,
		log:    log.With(slog.String("component", "worker-supervisor")),
		notify: notify,
		stopCh: make(chan struct{}),
		state:  StateNotStarted,
	}, nil
}

// Start guarantees a live, ready worker: spawns one if absent and blocks
// until the readiness marker is observed, the startup timeout elapses, or the
// process exits first.
func (s *supervisor) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.shutdown {
		s.mu.Unlock()
		return ErrShutdown
	}
	switch s.state {
	case StateReady:
		s.mu.Unlock()
		return nil
	case StateUnavailable:
		s.mu.Unlock()
		return ErrUnavailable
	}
	proc := s.proc
	if proc == nil {
		var err error
		proc, err = s.spawnLocked()
		if err != nil {
			s.mu.Unlock()
			return err
		}
	}
	s.mu.Unlock()

	timeout := time.Duration(s.cfg.StartupTimeoutMS) * time.Millisecond
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-proc.ready:
		return nil
	case <-proc.done:
		return fmt.Errorf("%w: process exited before readiness signal", ErrInitialization)
	case <-timer.C:
		return fmt.Errorf("%w: no readiness signal within %s", ErrInitialization, timeout)
	case <-ctx.Done():
		return fmt.Errorf("%w: %v", ErrInitialization, ctx.Err())
	}
}

// spawnLocked starts a new worker. Caller holds s.mu.
func (s *supervisor) spawnLocked() (*workerProcess, error) {
	cmd := exec.Command(s.args[0], s.args[1:]...)
	cmd.Env = s.environ()

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("%w: stdin pipe: %v", ErrInitialization, err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("%w: stdout pipe: %v", ErrInitialization, err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("%w: stderr pipe: %v", ErrInitialization, err)
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("%w: launch %q: %v", ErrInitialization, s.args[0], err)
	}

	proc := &workerProcess{
		cmd:     cmd,
		stdin:   stdin,
		started: time.Now(),
		ready:   make(chan struct{}),
		done:    make(chan struct{}),
	}
	s.proc = proc
	s.state = StateStarting

	s.wg.Add(2)
	go s.watchDiagnostics(proc, stderr)
	go s.waitExit(proc)

	s.notify.workerStarted(stdout)
	s.log.Info("worker spawned", slog.Int("pid", cmd.Process.Pid))
	return proc, nil
}

func (s *supervisor) environ() []string {
	env := os.Environ()
	if s.cfg.PythonPath != "" {
		env = append(env, "PYTHONPATH="+s.cfg.PythonPath)
	}
	if s.cfg.LibraryPath != "" {
		env = append(env, "LD_LIBRARY_PATH="+s.cfg.LibraryPath)
	}
	if s.cfg.GPUEnabled {
		env = append(env, "KOKORO_USE_GPU=1")
	}
	return env
}

// watchDiagnostics scans the worker's stderr. The readiness marker flips the
// supervisor to Ready and resets the restart counter; everything else before
// the marker is log-only unless it matches a known fatal pattern.
func (s *supervisor) watchDiagnostics(proc *workerProcess, stderr io.Reader) {
	defer s.wg.Done()
	scanner := bufio.NewScanner(stderr)
	readySeen := false
	for scanner.Scan() {
		line := scanner.Text()
		if !readySeen && strings.Contains(line, s.cfg.ReadyMarker) {
			readySeen = true
			s.mu.Lock()
			if s.proc == proc {
				s.state = StateReady
				s.restarts = 0
			}
			s.mu.Unlock()
			close(proc.ready)
			s.log.Info("worker ready", slog.Duration("startup", time.Since(proc.started)))
			continue
		}
		if isFatalDiagnostic(line) {
			s.log.Error("worker diagnostic", slog.String("line", line))
		} else {
			s.log.Debug("worker diagnostic", slog.String("line", line))
		}
	}
}

func isFatalDiagnostic(line string) bool {
	for _, pattern := range fatalDiagnostics {
		if strings.Contains(line, pattern) {
			return true
		}
	}
	return false
}

// waitExit reaps the process. Outstanding calls are failed immediately via
// the observer, then the restart counter decides between a backed-off respawn
// and permanent unavailability.
func (s *supervisor) waitExit(proc *workerProcess) {
	defer s.wg.Done()
	exitErr := proc.cmd.Wait()
	close(proc.done)

	s.mu.Lock()
	if s.shutdown || s.proc != proc {
		s.mu.Unlock()
		return
	}
	s.proc = nil
	s.restarts++
	exhausted := s.cfg.MaxRestarts > 0 && s.restarts >= s.cfg.MaxRestarts
	if exhausted {
		s.state = StateUnavailable
	} else {
		s.state = StateDegraded
	}
	restarts := s.restarts
	s.mu.Unlock()

	s.log.Warn("worker exited",
		slog.Any("error", exitErr),
		slog.Int("consecutive_failures", restarts),
		slog.Duration("uptime", time.Since(proc.started)))

	s.notify.workerExited(exitErr)

	if exhausted {
		s.log.Error("worker restart limit reached, no further spawn attempts",
			slog.Int("limit", s.cfg.MaxRestarts))
		return
	}

	backoff := time.Duration(s.cfg.RestartBackoffMS) * time.Millisecond
	timer := time.NewTimer(backoff)
	defer timer.Stop()
	select {
	case <-timer.C:
	case <-s.stopCh:
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.shutdown || s.proc != nil || s.state == StateUnavailable {
		return
	}
	if _, err := s.spawnLocked(); err != nil {
		s.state = StateUnavailable
		s.log.Error("worker respawn failed", slog.String("error", err.Error()))
	}
}

// writeRequest serializes all writers onto the live worker's stdin so framed
// requests never interleave.
func (s *supervisor) writeRequest(data []byte) error {
	s.mu.Lock()
	proc := s.proc
	state := s.state
	s.mu.Unlock()

	if state == StateUnavailable {
		return ErrUnavailable
	}
	if proc == nil || state != StateReady {
		return ErrNotInitialized
	}

	proc.writeMu.Lock()
	defer proc.writeMu.Unlock()
	if _, err := proc.stdin.Write(data); err != nil {
		return fmt.Errorf("write request: %w", err)
	}
	return nil
}

func (s *supervisor) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// WaitReady blocks until the supervisor reaches Ready, re-checking at the
// configured poll interval. Callers needing a bound impose it via ctx.
func (s *supervisor) WaitReady(ctx context.Context) error {
	interval := time.Duration(s.cfg.ReadyPollMS) * time.Millisecond
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		switch s.State() {
		case StateReady:
			return nil
		case StateUnavailable:
			return ErrUnavailable
		}
		select {
		case <-ticker.C:
		case <-ctx.Done():
			return ctx.Err()
		case <-s.stopCh:
			return ErrShutdown
		}
	}
}

// Shutdown terminates the worker if running and releases all resources. Safe
// to call multiple times or when never started.
func (s *supervisor) Shutdown() {
	s.mu.Lock()
	if s.shutdown {
		s.mu.Unlock()
		return
	}
	s.shutdown = true
	close(s.stopCh)
	proc := s.proc
	s.proc = nil
	s.state = StateNotStarted
	s.mu.Unlock()

	if proc != nil {
		_ = proc.stdin.Close()
		_ = proc.cmd.Process.Kill()
	}
	s.wg.Wait()
}
