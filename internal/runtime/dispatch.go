// internal/runtime/dispatch.go
package runtime

import (
	"log/slog"
	"time"

	"github.com/user/turnstile/internal/approval"
	"github.com/user/turnstile/internal/rpc"
	"github.com/user/turnstile/internal/state"
	"github.com/user/turnstile/internal/types"
)

const approvalSweepInterval = 50 * time.Millisecond

// dispatcherLoop is the single owner of the pending table, the approval
// table, and the state projection for one generation. It drains the
// transport's inbound channel until it closes.
func (r *Runtime) dispatcherLoop(inbound <-chan map[string]any, done chan<- struct{}) {
	defer close(done)

	sweep := time.NewTicker(approvalSweepInterval)
	defer sweep.Stop()

	for {
		select {
		case frame, ok := <-inbound:
			if !ok {
				r.resolveClosedPending()
				return
			}
			r.dispatchFrame(frame)
		case <-sweep.C:
			r.expireApprovals()
		}
	}
}

func (r *Runtime) dispatchFrame(frame map[string]any) {
	r.metrics.recordIngress()

	kind := rpc.Classify(frame)
	ids := rpc.ExtractIDs(frame)
	method, _ := frame["method"].(string)

	switch kind {
	case types.KindResponse:
		if id, ok := rpc.ResponseID(frame); ok {
			r.resolveResponse(id, frame)
		}
	case types.KindServerRequest:
		if ref, ok := rpc.RequestRef(frame); ok && method != "" {
			r.routeServerRequest(ref, method, frame["params"])
		}
	case types.KindNotification:
		// Reduced below like every other envelope.
	case types.KindUnknown:
		// Unclassifiable frames are published and counted, never silently
		// dropped.
		r.metrics.recordInvalidFrame()
	}

	envelope := &types.Envelope{
		Seq:       r.nextSeq.Add(1),
		TSMillis:  time.Now().UnixMilli(),
		Direction: types.DirectionInbound,
		Kind:      kind,
		Method:    method,
		ThreadID:  ids.ThreadID,
		TurnID:    ids.TurnID,
		ItemID:    ids.ItemID,
		JSON:      frame,
	}
	if ref, ok := rpc.RequestRef(frame); ok {
		refCopy := ref
		envelope.RPCID = &refCopy
	}
	if kind == types.KindUnknown {
		envelope.Kind = types.KindNotification
		envelope.Method = types.MethodInvalid
	}

	r.stateMu.Lock()
	state.Reduce(r.state, envelope, r.cfg.StateLimits)
	r.stateMu.Unlock()

	r.routeSink(envelope)
	r.broadcast.Publish(envelope)
}

func (r *Runtime) resolveResponse(id uint64, frame map[string]any) {
	var result pendingResult
	if errObj, ok := frame["error"].(map[string]any); ok {
		result.err = rpc.MapError(errObj)
	} else {
		result.value = frame["result"]
	}

	r.pendingMu.Lock()
	ch, ok := r.pending[id]
	if ok {
		delete(r.pending, id)
	}
	r.pendingMu.Unlock()

	if !ok {
		// Withdrawn id (timeout or cancel): drop the late response.
		r.metrics.recordLateResponseDrop()
		return
	}
	r.metrics.decPendingRPC()
	ch <- result
}

func (r *Runtime) routeServerRequest(ref types.RPCRef, method string, params any) {
	cfg := r.cfg.ServerRequests
	if approval.RouteFor(method, cfg.AutoDeclineUnknown) == approval.RouteAutoDecline {
		r.respondWithTimeoutPolicy(ref, method)
		return
	}

	approvalID := string(types.NewApprovalID())
	deadline := time.Now().Add(cfg.DefaultTimeout).UnixMilli()
	entry := pendingApprovalEntry{ref: ref, method: method, deadlineMS: deadline}

	r.approvalsMu.Lock()
	r.approvals[approvalID] = entry
	r.approvalsMu.Unlock()
	r.metrics.incPendingServerRequest()

	r.stateMu.Lock()
	r.state.PendingServerRequests[ref.Key()] = state.PendingServerRequest{
		ApprovalID:     approvalID,
		DeadlineUnixMS: deadline,
		Method:         method,
		Params:         params,
	}
	r.stateMu.Unlock()

	request := approval.ServerRequest{ApprovalID: approvalID, Method: method, Params: params}
	select {
	case r.serverReqCh <- request:
	default:
		// Queue full: resolve immediately under the timeout policy so the
		// pending table does not grow until timer expiry.
		slog.Warn("server request queue full; applying timeout policy", "method", method)
		if entry, err := r.takeApproval(approvalID, nil); err == nil {
			r.respondWithTimeoutPolicy(entry.ref, entry.method)
		}
	}
}

func (r *Runtime) expireApprovals() {
	now := time.Now().UnixMilli()
	var expired []string

	r.approvalsMu.Lock()
	for approvalID, entry := range r.approvals {
		if entry.deadlineMS <= now {
			expired = append(expired, approvalID)
		}
	}
	r.approvalsMu.Unlock()

	for _, approvalID := range expired {
		entry, err := r.takeApproval(approvalID, nil)
		if err != nil {
			continue
		}
		r.respondWithTimeoutPolicy(entry.ref, entry.method)
	}
}

func (r *Runtime) respondWithTimeoutPolicy(ref types.RPCRef, method string) {
	cfg := r.cfg.ServerRequests
	if cfg.OnTimeout == approval.TimeoutError || approval.AlwaysErrorOnTimeout(method) {
		_ = r.sendFrame(map[string]any{
			"jsonrpc": "2.0",
			"id":      ref,
			"error":   approval.TimeoutErrorPayload(method),
		})
		return
	}
	_ = r.sendFrame(map[string]any{
		"jsonrpc": "2.0",
		"id":      ref,
		"result":  approval.TimeoutResultPayload(method, cfg.OnTimeout),
	})
}

// resolveClosedPending drains the pending and approval tables when the
// transport goes away. Waiting callers observe cancellation, not a hang:
// in-flight calls resolve with ErrCancelled, and open approvals are
// tombstoned so a later response attempt sees approval.ErrCancelled. Each
// approval is also answered toward the child per the timeout policy,
// best-effort since the transport may already be gone.
func (r *Runtime) resolveClosedPending() {
	r.pendingMu.Lock()
	for id, ch := range r.pending {
		delete(r.pending, id)
		ch <- pendingResult{err: rpc.ErrCancelled}
	}
	r.pendingMu.Unlock()
	r.metrics.setPendingRPC(0)

	r.approvalsMu.Lock()
	cancelled := make([]pendingApprovalEntry, 0, len(r.approvals))
	for approvalID, entry := range r.approvals {
		delete(r.approvals, approvalID)
		r.cancelledApprovals[approvalID] = struct{}{}
		cancelled = append(cancelled, entry)
	}
	r.approvalsMu.Unlock()
	r.metrics.setPendingServerRequest(0)

	for _, entry := range cancelled {
		r.respondWithTimeoutPolicy(entry.ref, entry.method)
	}

	r.stateMu.Lock()
	for key := range r.state.PendingServerRequests {
		delete(r.state.PendingServerRequests, key)
	}
	r.stateMu.Unlock()
}

// routeSink forwards one envelope to the sink queue without blocking.
func (r *Runtime) routeSink(envelope *types.Envelope) {
	if r.sinkCh == nil {
		return
	}
	select {
	case r.sinkCh <- envelope:
		r.metrics.incSinkQueueDepth()
	default:
		r.metrics.recordSinkDrop()
		slog.Warn("event sink queue full; dropping envelope", "seq", envelope.Seq, "method", envelope.Method)
	}
}
