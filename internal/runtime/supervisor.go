// internal/runtime/supervisor.go
package runtime

import (
	"context"
	"log/slog"
	"math/rand"
	"time"

	"github.com/user/turnstile/internal/state"
)

// supervisorLoop watches the child for unexpected exits and applies the
// restart policy. It ends when shutdown begins or the policy gives up.
func (r *Runtime) supervisorLoop() {
	defer close(r.supervisorDone)

	restarts := 0
	for {
		if !r.waitForChildExit() {
			return
		}
		if r.shuttingDown.Load() {
			return
		}

		r.initialized.Store(false)
		generation := r.generation.Load()
		slog.Warn("app-server child exited unexpectedly", "generation", generation)
		if err := r.teardownGeneration(); err != nil {
			slog.Error("generation teardown failed", "error", err)
		}

		policy := r.cfg.Supervisor.Restart
		if !policy.OnCrash || restarts >= policy.MaxRestarts {
			r.setConnectionPhase(state.PhaseDead)
			return
		}

		r.setConnectionPhase(state.PhaseRestarting)
		delay := restartDelay(restarts, policy.BaseBackoff, policy.MaxBackoff)
		restarts++
		time.Sleep(delay)

		if r.shuttingDown.Load() {
			return
		}
		if err := r.spawnGeneration(context.Background(), generation+1); err != nil {
			slog.Error("restart failed", "generation", generation+1, "error", err)
			r.setConnectionPhase(state.PhaseDead)
			return
		}
		slog.Info("app-server child restarted", "generation", generation+1)
	}
}

// waitForChildExit polls the current transport until the child exits or
// shutdown begins. Returns false when there is nothing left to watch.
func (r *Runtime) waitForChildExit() bool {
	poll := r.cfg.Supervisor.MonitorPoll
	if poll <= 0 {
		poll = 100 * time.Millisecond
	}
	for {
		if r.shuttingDown.Load() {
			return false
		}
		r.transportMu.Lock()
		tr := r.transport
		r.transportMu.Unlock()
		if tr == nil {
			return false
		}
		select {
		case <-tr.Exited():
			return true
		case <-time.After(poll):
		}
	}
}

// restartDelay applies exponential backoff with bounded jitter.
func restartDelay(attempt int, base, max time.Duration) time.Duration {
	if base <= 0 {
		base = 100 * time.Millisecond
	}
	if max <= 0 {
		max = 10 * time.Second
	}
	if attempt > 20 {
		attempt = 20
	}
	delay := base << uint(attempt)
	if delay > max {
		delay = max
	}
	jitterCap := delay / 10
	if jitterCap > time.Second {
		jitterCap = time.Second
	}
	if jitterCap > 0 {
		delay += time.Duration(rand.Int63n(int64(jitterCap)))
	}
	return delay
}
