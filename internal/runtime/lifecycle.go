// internal/runtime/lifecycle.go
package runtime

import (
	"context"
	"errors"
	"fmt"

	"golang.org/x/sync/errgroup"

	"github.com/user/turnstile/internal/state"
	"github.com/user/turnstile/internal/transport"
)

// spawnGeneration starts one child generation: transport, dispatcher, then
// the initialize handshake. A handshake failure tears the generation down
// and composes the teardown error with the handshake error.
func (r *Runtime) spawnGeneration(ctx context.Context, generation uint64) error {
	if r.shuttingDown.Load() {
		return errors.New("runtime is shutting down")
	}

	r.generation.Store(generation)
	r.setConnectionPhase(state.PhaseStarting)
	r.setInitializeResult(nil)

	tr, err := transport.Spawn(r.cfg.Process, r.cfg.Transport)
	if err != nil {
		r.setConnectionPhase(state.PhaseDead)
		return err
	}

	r.transportMu.Lock()
	r.transport = tr
	r.transportMu.Unlock()

	done := make(chan struct{})
	r.dispatcherMu.Lock()
	r.dispatcherDone = done
	r.dispatcherMu.Unlock()
	go r.dispatcherLoop(tr.Inbound(), done)

	r.setConnectionPhase(state.PhaseHandshaking)
	initializeResult, err := r.callRaw(ctx, "initialize", r.cfg.InitializeParams, false)
	if err != nil {
		handshakeErr := fmt.Errorf("initialize handshake failed: %w", err)
		if teardownErr := r.teardownGeneration(); teardownErr != nil {
			return errors.Join(handshakeErr, fmt.Errorf("teardown after failed handshake: %w", teardownErr))
		}
		return handshakeErr
	}
	if err := r.notifyRaw("initialized", map[string]any{}); err != nil {
		notifyErr := fmt.Errorf("initialized notify failed: %w", err)
		if teardownErr := r.teardownGeneration(); teardownErr != nil {
			return errors.Join(notifyErr, fmt.Errorf("teardown after failed handshake: %w", teardownErr))
		}
		return notifyErr
	}

	resultObj, _ := initializeResult.(map[string]any)
	r.setInitializeResult(resultObj)

	r.initialized.Store(true)
	r.setConnectionPhase(state.PhaseRunning)
	return nil
}

// teardownGeneration stops the current transport and joins the dispatcher.
// Join failures are reported, never swallowed.
func (r *Runtime) teardownGeneration() error {
	r.transportMu.Lock()
	tr := r.transport
	r.transport = nil
	r.transportMu.Unlock()

	r.dispatcherMu.Lock()
	done := r.dispatcherDone
	r.dispatcherDone = nil
	r.dispatcherMu.Unlock()

	group := errgroup.Group{}
	if tr != nil {
		group.Go(func() error {
			r.metrics.setTransportCounters(tr.MalformedLineCount(), tr.DroppedFrameCount())
			return tr.TerminateAndJoin(r.cfg.Supervisor.ShutdownFlushTimeout, r.cfg.Supervisor.ShutdownGrace)
		})
	}
	if done != nil {
		group.Go(func() error {
			<-done
			return nil
		})
	}
	if err := group.Wait(); err != nil {
		return err
	}

	// The dispatcher resolves in-flight requests when the inbound channel
	// closes; anything registered in between resolves here.
	r.resolveClosedPending()
	return nil
}

func (r *Runtime) setInitializeResult(result map[string]any) {
	r.initializeMu.Lock()
	r.initializeResult = result
	r.initializeMu.Unlock()
}
