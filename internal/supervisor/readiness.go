package supervisor

import (
	"context"
	"errors"
	"net/http"
	"time"

	"golang.org/x/time/rate"

	"frontdoor-go/internal/config"
)

// probeTimeout bounds a single readiness request.
const probeTimeout = 500 * time.Millisecond

// awaitReady blocks until the backend is considered ready. It returns nil on
// success, a *LaunchError if the process exits first, ErrNotReady when the
// readiness window elapses, or ctx.Err() if ctx is done.
func (s *Supervisor) awaitReady(ctx context.Context, proc *Process) error {
	if s.readiness.Mode == config.ReadinessDelay {
		return s.awaitDelay(ctx, proc)
	}
	return s.awaitHTTP(ctx, proc)
}

// awaitDelay waits a fixed duration, failing early if the process exits.
func (s *Supervisor) awaitDelay(ctx context.Context, proc *Process) error {
	timer := time.NewTimer(s.delay)
	defer timer.Stop()

	select {
	case <-timer.C:
		return nil
	case <-proc.Done():
		return s.exitedEarly(proc)
	case <-ctx.Done():
		return ctx.Err()
	}
}

// awaitHTTP polls the readiness URL until it answers 2xx/3xx.
func (s *Supervisor) awaitHTTP(ctx context.Context, proc *Process) error {
	pollCtx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	go func() {
		select {
		case <-proc.Done():
			cancel()
		case <-pollCtx.Done():
		}
	}()

	s.logger.Info("waiting for backend readiness",
		"url", s.probeURL,
		"interval", s.interval,
		"timeout", s.timeout,
	)

	limiter := rate.NewLimiter(rate.Every(s.interval), 1)
	for limiter.Wait(pollCtx) == nil {
		if s.probe(pollCtx) {
			return nil
		}
	}
	// Wait gives up early when the next token would land past the deadline.
	<-pollCtx.Done()

	if !proc.Running() {
		return s.exitedEarly(proc)
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	return ErrNotReady
}

// probe issues one readiness request.
func (s *Supervisor) probe(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, probeTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.probeURL, http.NoBody)
	if err != nil {
		return false
	}
	resp, err := s.prober.Do(req)
	if err != nil {
		s.logger.Debug("readiness probe failed", "err", err)
		return false
	}
	_ = resp.Body.Close()
	return resp.StatusCode >= 200 && resp.StatusCode < 400
}

func (s *Supervisor) exitedEarly(proc *Process) error {
	err := proc.ExitErr()
	if err == nil {
		err = errors.New("exited before becoming ready")
	}
	return &LaunchError{Op: OpExit, Command: s.backend.Command, Err: err}
}
