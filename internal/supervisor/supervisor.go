// Package supervisor launches the backend process, waits for it to become
// ready and keeps the handle for lifecycle control.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"net/http"
	"os"
	"os/exec"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"frontdoor-go/internal/config"
	"frontdoor-go/internal/metrics"
)

// Supervisor states as reported by Status.
const (
	StateIdle     = "idle"
	StateStarting = "starting"
	StateReady    = "ready"
	StateUnready  = "unready"
	StateExited   = "exited"
	StateFailed   = "failed"
)

// waitDelay bounds how long Wait keeps draining output pipes after the
// backend exits, in case grandchildren still hold them open.
const waitDelay = 5 * time.Second

// Status is a point-in-time view of the supervisor.
type Status struct {
	State string `json:"state"`
	PID   int    `json:"pid,omitempty"`
	Error string `json:"error,omitempty"`
}

// Supervisor owns at most one backend process.
type Supervisor struct {
	backend   config.BackendConfig
	readiness config.ReadinessConfig
	probeURL  string
	interval  time.Duration
	timeout   time.Duration
	delay     time.Duration

	logger  *slog.Logger
	metrics *metrics.Metrics
	prober  *http.Client

	started atomic.Bool
	ready   chan struct{}

	mu     sync.RWMutex
	state  string
	proc   *Process
	err    error
	cancel context.CancelFunc
}

// New creates a Supervisor for the configured backend. Nothing is started
// until Start is called. The metrics parameter is optional.
func New(cfg *config.Config, logger *slog.Logger, m *metrics.Metrics) *Supervisor {
	r := cfg.Backend.Readiness
	return &Supervisor{
		backend:   cfg.Backend,
		readiness: r,
		probeURL:  strings.TrimSuffix(cfg.Upstream.BaseURL, "/") + r.Path,
		interval:  durationOr(time.Duration(r.IntervalMS)*time.Millisecond, 200*time.Millisecond),
		timeout:   durationOr(time.Duration(r.TimeoutSeconds)*time.Second, 60*time.Second),
		delay:     durationOr(time.Duration(r.DelaySeconds)*time.Second, 5*time.Second),
		logger:    logger.With("component", "supervisor"),
		metrics:   m,
		prober: &http.Client{
			CheckRedirect: func(*http.Request, []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
		ready: make(chan struct{}),
		state: StateIdle,
	}
}

func durationOr(d, fallback time.Duration) time.Duration {
	if d <= 0 {
		return fallback
	}
	return d
}

// Start spawns the backend and blocks until it is ready, fails, or ctx is
// done. Ready is closed when Start returns, whatever the outcome.
//
// A *LaunchError means there is no usable process. ErrNotReady means the
// process is running but never passed the readiness check; it is returned
// together with the process.
func (s *Supervisor) Start(ctx context.Context) (*Process, error) {
	if !s.started.CompareAndSwap(false, true) {
		return nil, ErrAlreadyStarted
	}
	defer close(s.ready)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	s.mu.Lock()
	s.state = StateStarting
	s.cancel = cancel
	s.mu.Unlock()

	proc, err := s.spawn()
	if err != nil {
		s.fail(err)
		return nil, err
	}

	s.mu.Lock()
	s.proc = proc
	s.mu.Unlock()

	err = s.awaitReady(ctx, proc)

	var le *LaunchError
	switch {
	case err == nil:
		s.setState(StateReady)
		s.countLaunch("ready")
		s.logger.Info("backend ready", "pid", proc.PID())
		return proc, nil
	case errors.As(err, &le):
		s.fail(err)
		return nil, err
	default:
		s.setState(StateUnready)
		s.countLaunch("unready")
		s.logger.Warn("backend not confirmed ready; forwarding optimistically",
			"pid", proc.PID(),
			"err", err,
		)
		return proc, err
	}
}

// spawn starts the process and the goroutine that waits on it.
func (s *Supervisor) spawn() (*Process, error) {
	argv, err := s.backend.Argv()
	if err != nil {
		return nil, &LaunchError{Op: OpSpawn, Command: s.backend.Command, Err: err}
	}

	cmd := exec.Command(argv[0], argv[1:]...)
	cmd.Dir = s.backend.WorkingDir
	cmd.Env = mergeEnv(os.Environ(), s.backend.Env)
	cmd.WaitDelay = waitDelay
	setProcAttrs(cmd)

	stdout := newLogWriter(s.logger, "stdout")
	stderr := newLogWriter(s.logger, "stderr")
	cmd.Stdout = stdout
	cmd.Stderr = stderr

	s.logger.Info("starting backend",
		"command", argv,
		"dir", cmd.Dir,
	)

	if err := cmd.Start(); err != nil {
		return nil, &LaunchError{Op: OpSpawn, Command: s.backend.Command, Err: err}
	}

	proc := newProcess(cmd)
	stdout.pid.Store(int64(proc.PID()))
	stderr.pid.Store(int64(proc.PID()))

	if s.metrics != nil {
		s.metrics.BackendUp.Set(1)
	}

	go func() {
		proc.wait()
		stdout.Flush()
		stderr.Flush()
		s.exited(proc)
	}()

	return proc, nil
}

// exited records the end of the process.
func (s *Supervisor) exited(proc *Process) {
	if s.metrics != nil {
		s.metrics.BackendUp.Set(0)
	}

	s.mu.Lock()
	if s.state != StateFailed {
		s.state = StateExited
	}
	s.mu.Unlock()

	s.logger.Info("backend exited",
		"pid", proc.PID(),
		"err", proc.ExitErr(),
	)
}

func (s *Supervisor) fail(err error) {
	s.mu.Lock()
	s.state = StateFailed
	s.err = err
	s.mu.Unlock()

	s.countLaunch("failed")
	s.logger.Error("backend launch failed", "err", err)
}

func (s *Supervisor) setState(state string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == StateStarting {
		s.state = state
	}
}

func (s *Supervisor) countLaunch(result string) {
	if s.metrics != nil {
		s.metrics.BackendLaunches.WithLabelValues(result).Inc()
	}
}

// Ready is closed once Start has returned.
func (s *Supervisor) Ready() <-chan struct{} { return s.ready }

// Err returns the launch error, if the backend could not be brought up.
func (s *Supervisor) Err() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.err
}

// Process returns the backend handle, or nil before a successful spawn.
func (s *Supervisor) Process() *Process {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.proc
}

// Status returns the current state for reporting.
func (s *Supervisor) Status() Status {
	s.mu.RLock()
	defer s.mu.RUnlock()

	st := Status{State: s.state}
	if s.proc != nil {
		st.PID = s.proc.PID()
	}
	if s.err != nil {
		st.Error = s.err.Error()
	}
	return st
}

// Stop aborts a pending readiness wait and terminates the backend: SIGTERM to
// its process group, then SIGKILL once ctx is done. It is a no-op when no
// process is running.
func (s *Supervisor) Stop(ctx context.Context) error {
	s.mu.RLock()
	cancel, proc := s.cancel, s.proc
	s.mu.RUnlock()

	if cancel != nil {
		cancel()
	}
	if proc == nil || !proc.Running() {
		return nil
	}

	s.logger.Info("stopping backend", "pid", proc.PID())
	if err := terminate(proc.cmd.Process); err != nil {
		s.logger.Debug("signal backend", "pid", proc.PID(), "err", err)
	}

	select {
	case <-proc.Done():
		return nil
	case <-ctx.Done():
	}

	s.logger.Warn("backend ignored SIGTERM; killing", "pid", proc.PID())
	if err := kill(proc.cmd.Process); err != nil {
		s.logger.Debug("kill backend", "pid", proc.PID(), "err", err)
	}
	select {
	case <-proc.Done():
	case <-time.After(waitDelay):
	}
	return fmt.Errorf("stop backend: %w", ctx.Err())
}

// mergeEnv returns base with overrides applied. Overridden keys are removed
// from base and the overrides appended in key order.
func mergeEnv(base []string, overrides map[string]string) []string {
	env := make([]string, 0, len(base)+len(overrides))
	for _, kv := range base {
		k, _, _ := strings.Cut(kv, "=")
		if _, ok := overrides[k]; ok {
			continue
		}
		env = append(env, kv)
	}
	for _, k := range slices.Sorted(maps.Keys(overrides)) {
		env = append(env, k+"="+overrides[k])
	}
	return env
}
