// internal/runtime/runtime.go
//
// The runtime owns the spawned app-server child and every piece of mutable
// shared state around it: the pending-request table, the server-request
// queue, the state projection, and the live broadcast. Other packages talk
// to it through its methods and read isolated snapshot copies.
package runtime

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/user/turnstile/internal/approval"
	"github.com/user/turnstile/internal/contract"
	"github.com/user/turnstile/internal/rpc"
	"github.com/user/turnstile/internal/state"
	"github.com/user/turnstile/internal/transport"
	"github.com/user/turnstile/internal/types"
)

// Runtime-level sentinel errors.
var (
	ErrNotInitialized = errors.New("runtime is not initialized")
	ErrAlreadyTaken   = errors.New("server request receiver already taken")
	ErrAlreadyBound   = errors.New("runtime already bound to an adapter")
	ErrInternal       = errors.New("internal runtime error")
	ErrInvalidConfig  = errors.New("invalid runtime config")
)

// RestartPolicy governs what the supervisor does when the child crashes.
type RestartPolicy struct {
	OnCrash     bool
	MaxRestarts int
	BaseBackoff time.Duration
	MaxBackoff  time.Duration
}

// SupervisorConfig bounds shutdown and crash handling.
type SupervisorConfig struct {
	Restart              RestartPolicy
	ShutdownFlushTimeout time.Duration
	ShutdownGrace        time.Duration
	MonitorPoll          time.Duration
}

// DefaultSupervisorConfig never restarts and uses short shutdown windows.
func DefaultSupervisorConfig() SupervisorConfig {
	return SupervisorConfig{
		ShutdownFlushTimeout: 500 * time.Millisecond,
		ShutdownGrace:        750 * time.Millisecond,
		MonitorPoll:          100 * time.Millisecond,
	}
}

// Config assembles everything needed to spawn one runtime.
type Config struct {
	Process          transport.ProcessSpec
	SchemaDir        string // empty selects env/cwd/embedded resolution
	Transport        transport.Config
	Supervisor       SupervisorConfig
	RPCTimeout       time.Duration
	ServerRequests   approval.Config
	InitializeParams map[string]any
	Validation       contract.Mode

	LiveChannelCapacity          int
	ServerRequestChannelCapacity int
	EventSink                    EventSink
	EventSinkChannelCapacity     int
	StateLimits                  state.Limits
}

// NewConfig returns a config with library defaults for the given process.
func NewConfig(process transport.ProcessSpec) Config {
	return Config{
		Process:        process,
		Transport:      transport.DefaultConfig(),
		Supervisor:     DefaultSupervisorConfig(),
		RPCTimeout:     30 * time.Second,
		ServerRequests: approval.DefaultConfig(),
		InitializeParams: map[string]any{
			"clientInfo": map[string]any{
				"name":    "turnstile",
				"title":   "turnstile",
				"version": Version,
			},
			"capabilities": map[string]any{},
		},
		LiveChannelCapacity:          1024,
		ServerRequestChannelCapacity: 128,
		EventSinkChannelCapacity:     1024,
		StateLimits:                  state.DefaultLimits(),
	}
}

// Version is the library version reported during the initialize handshake.
const Version = "0.3.0"

func (c Config) validate() error {
	if c.LiveChannelCapacity <= 0 {
		return fmt.Errorf("%w: live channel capacity must be > 0", ErrInvalidConfig)
	}
	if c.ServerRequestChannelCapacity <= 0 {
		return fmt.Errorf("%w: server request channel capacity must be > 0", ErrInvalidConfig)
	}
	if c.EventSink != nil && c.EventSinkChannelCapacity <= 0 {
		return fmt.Errorf("%w: event sink channel capacity must be > 0 when a sink is configured", ErrInvalidConfig)
	}
	if c.RPCTimeout <= 0 {
		return fmt.Errorf("%w: rpc timeout must be > 0", ErrInvalidConfig)
	}
	if len(c.InitializeParams) == 0 {
		return fmt.Errorf("%w: initialize params must not be empty", ErrInvalidConfig)
	}
	return c.StateLimits.Validate()
}

type pendingResult struct {
	value any
	err   error
}

type pendingApprovalEntry struct {
	ref        types.RPCRef
	method     string
	deadlineMS int64
}

// Runtime is safe for concurrent use. The pending-request table, the
// approval table, the state projection and the current transport are each
// guarded by their own mutex and are read and written directly by caller
// goroutines as well as by the dispatcher task; only the dispatcher reduces
// inbound frames into the state projection.
type Runtime struct {
	cfg       Config
	validator *contract.Validator
	metrics   *Metrics
	broadcast *broadcaster

	initialized  atomic.Bool
	shuttingDown atomic.Bool
	generation   atomic.Uint64
	nextRPCID    atomic.Uint64
	nextSeq      atomic.Uint64
	adapterBound atomic.Bool

	pendingMu sync.Mutex
	pending   map[uint64]chan pendingResult

	approvalsMu sync.Mutex
	approvals   map[string]pendingApprovalEntry
	// cancelledApprovals tombstones ids that were still pending at teardown
	// so responders can tell cancellation apart from a bogus id.
	cancelledApprovals map[string]struct{}

	serverReqCh    chan approval.ServerRequest
	serverReqMu    sync.Mutex
	serverReqTaken bool

	transportMu sync.Mutex
	transport   *transport.Transport

	stateMu sync.RWMutex
	state   *state.RuntimeState

	initializeMu     sync.Mutex
	initializeResult map[string]any

	dispatcherMu   sync.Mutex
	dispatcherDone chan struct{}
	supervisorDone chan struct{}

	sinkCh   chan *types.Envelope
	sinkDone chan struct{}

	shutdownMu     sync.Mutex
	shutdownDone   bool
	shutdownResult error
}

// Spawn verifies the schema bundle, starts the child, and performs the
// initialize handshake. The schema guard is fail-fast: no child is spawned
// when it fails.
func Spawn(ctx context.Context, cfg Config) (*Runtime, error) {
	schemaDir, err := contract.ResolveDir(cfg.SchemaDir)
	if err != nil {
		return nil, err
	}
	bundle, err := contract.Load(schemaDir)
	if err != nil {
		return nil, err
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	r := &Runtime{
		cfg:                cfg,
		validator:          contract.NewValidator(bundle),
		metrics:            NewMetrics(),
		pending:            make(map[uint64]chan pendingResult),
		approvals:          make(map[string]pendingApprovalEntry),
		cancelledApprovals: make(map[string]struct{}),
		serverReqCh:        make(chan approval.ServerRequest, cfg.ServerRequestChannelCapacity),
		state:              state.NewRuntimeState(),
	}
	r.broadcast = newBroadcaster(cfg.LiveChannelCapacity, r.metrics)

	if cfg.EventSink != nil {
		r.sinkCh = make(chan *types.Envelope, cfg.EventSinkChannelCapacity)
		r.sinkDone = make(chan struct{})
		go sinkLoop(cfg.EventSink, r.metrics, r.sinkCh, r.sinkDone)
	}

	if err := r.spawnGeneration(ctx, 0); err != nil {
		r.stopSink()
		return nil, err
	}
	r.supervisorDone = make(chan struct{})
	go r.supervisorLoop()
	return r, nil
}

// IsInitialized reports whether the handshake completed for the current
// generation.
func (r *Runtime) IsInitialized() bool {
	return r.initialized.Load()
}

// Validator exposes the contract validator backing this runtime.
func (r *Runtime) Validator() *contract.Validator {
	return r.validator
}

// ValidationMode returns the configured default validation mode.
func (r *Runtime) ValidationMode() contract.Mode {
	return r.cfg.Validation
}

// Subscribe attaches a live envelope receiver. Events published before the
// subscription are never replayed.
func (r *Runtime) Subscribe() (<-chan *types.Envelope, func()) {
	return r.broadcast.Subscribe()
}

// StateSnapshot returns an isolated copy of the current projection.
func (r *Runtime) StateSnapshot() *state.RuntimeState {
	r.stateMu.RLock()
	defer r.stateMu.RUnlock()
	return r.state.Clone()
}

// MetricsSnapshot returns current counters.
func (r *Runtime) MetricsSnapshot() MetricsSnapshot {
	r.transportMu.Lock()
	if tr := r.transport; tr != nil {
		r.metrics.setTransportCounters(tr.MalformedLineCount(), tr.DroppedFrameCount())
	}
	r.transportMu.Unlock()
	return r.metrics.Snapshot()
}

// InitializeResult returns the child's initialize response, when available.
func (r *Runtime) InitializeResult() map[string]any {
	r.initializeMu.Lock()
	defer r.initializeMu.Unlock()
	return r.initializeResult
}

// ServerUserAgent extracts the userAgent string from the initialize result.
func (r *Runtime) ServerUserAgent() string {
	result := r.InitializeResult()
	if result == nil {
		return ""
	}
	userAgent, _ := result["userAgent"].(string)
	return userAgent
}

// BindAdapter reserves the runtime for a single external adapter.
func (r *Runtime) BindAdapter() error {
	if !r.adapterBound.CompareAndSwap(false, true) {
		return ErrAlreadyBound
	}
	return nil
}

// TakeServerRequests transfers exclusive ownership of the server-request
// queue. Ownership is never returned for the life of the runtime.
func (r *Runtime) TakeServerRequests() (<-chan approval.ServerRequest, error) {
	r.serverReqMu.Lock()
	defer r.serverReqMu.Unlock()
	if r.serverReqTaken {
		return nil, ErrAlreadyTaken
	}
	r.serverReqTaken = true
	return r.serverReqCh, nil
}

// RespondApprovalOK sends a correlated success reply for one pending
// approval.
func (r *Runtime) RespondApprovalOK(approvalID string, result map[string]any) error {
	entry, err := r.takeApproval(approvalID, func(entry pendingApprovalEntry) error {
		return approval.ValidateResultPayload(entry.method, result)
	})
	if err != nil {
		return err
	}
	return r.sendFrame(map[string]any{
		"jsonrpc": "2.0",
		"id":      entry.ref,
		"result":  result,
	})
}

// RespondApprovalErr sends a correlated error reply for one pending
// approval.
func (r *Runtime) RespondApprovalErr(approvalID string, code int64, message string, data any) error {
	entry, err := r.takeApproval(approvalID, nil)
	if err != nil {
		return err
	}
	errObj := map[string]any{"code": code, "message": message}
	if data != nil {
		errObj["data"] = data
	}
	return r.sendFrame(map[string]any{
		"jsonrpc": "2.0",
		"id":      entry.ref,
		"error":   errObj,
	})
}

func (r *Runtime) takeApproval(approvalID string, check func(pendingApprovalEntry) error) (pendingApprovalEntry, error) {
	r.approvalsMu.Lock()
	entry, ok := r.approvals[approvalID]
	if !ok {
		_, wasCancelled := r.cancelledApprovals[approvalID]
		r.approvalsMu.Unlock()
		if wasCancelled {
			return pendingApprovalEntry{}, fmt.Errorf("%w: %s", approval.ErrCancelled, approvalID)
		}
		return pendingApprovalEntry{}, fmt.Errorf("%w: %s", rpc.ErrUnknownApproval, approvalID)
	}
	if check != nil {
		if err := check(entry); err != nil {
			r.approvalsMu.Unlock()
			return pendingApprovalEntry{}, fmt.Errorf("%w: %v", rpc.ErrInvalidRequest, err)
		}
	}
	delete(r.approvals, approvalID)
	r.approvalsMu.Unlock()

	r.metrics.decPendingServerRequest()
	r.stateMu.Lock()
	delete(r.state.PendingServerRequests, entry.ref.Key())
	r.stateMu.Unlock()
	return entry, nil
}

// Call issues one validated JSON-RPC request under the configured mode.
func (r *Runtime) Call(ctx context.Context, method string, params map[string]any) (any, error) {
	return r.CallMode(ctx, method, params, r.cfg.Validation)
}

// CallMode issues one JSON-RPC request under an explicit validation mode.
// Params are checked before any wire I/O; a malformed known-method result
// is an invalid-response error.
func (r *Runtime) CallMode(ctx context.Context, method string, params map[string]any, mode contract.Mode) (any, error) {
	if err := r.validator.ValidateParams(method, params, mode); err != nil {
		return nil, err
	}
	result, err := r.callRaw(ctx, method, params, true)
	if err != nil {
		return nil, err
	}
	if err := r.validator.ValidateResult(method, result, mode); err != nil {
		return nil, err
	}
	return result, nil
}

// CallUnchecked bypasses contract checks entirely.
func (r *Runtime) CallUnchecked(ctx context.Context, method string, params map[string]any) (any, error) {
	return r.CallMode(ctx, method, params, contract.ModeUnchecked)
}

// Notify sends one validated JSON-RPC notification.
func (r *Runtime) Notify(method string, params map[string]any) error {
	return r.NotifyMode(method, params, r.cfg.Validation)
}

// NotifyMode sends one notification under an explicit validation mode.
func (r *Runtime) NotifyMode(method string, params map[string]any, mode contract.Mode) error {
	if err := r.validator.ValidateParams(method, params, mode); err != nil {
		return err
	}
	if !r.IsInitialized() {
		return ErrNotInitialized
	}
	return r.notifyRaw(method, params)
}

// NotifyUnchecked bypasses contract checks entirely.
func (r *Runtime) NotifyUnchecked(method string, params map[string]any) error {
	return r.NotifyMode(method, params, contract.ModeUnchecked)
}

func (r *Runtime) callRaw(ctx context.Context, method string, params map[string]any, requireInitialized bool) (any, error) {
	if requireInitialized && !r.IsInitialized() {
		return nil, fmt.Errorf("%w: %v", rpc.ErrInvalidRequest, ErrNotInitialized)
	}

	id := r.nextRPCID.Add(1)
	resultCh := make(chan pendingResult, 1)
	r.pendingMu.Lock()
	r.pending[id] = resultCh
	r.pendingMu.Unlock()
	r.metrics.incPendingRPC()

	frame := map[string]any{
		"jsonrpc": "2.0",
		"id":      id,
		"method":  method,
		"params":  params,
	}
	if err := r.sendFrame(frame); err != nil {
		r.withdrawPending(id)
		return nil, rpc.ErrTransportClosed
	}

	timer := time.NewTimer(r.cfg.RPCTimeout)
	defer timer.Stop()

	select {
	case result := <-resultCh:
		return result.value, result.err
	case <-ctx.Done():
		// The pending slot is withdrawn; the request is not replayed and a
		// late response is dropped and counted.
		r.withdrawPending(id)
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, rpc.ErrTimeout
		}
		return nil, rpc.ErrCancelled
	case <-timer.C:
		r.withdrawPending(id)
		return nil, rpc.ErrTimeout
	}
}

func (r *Runtime) withdrawPending(id uint64) {
	r.pendingMu.Lock()
	_, ok := r.pending[id]
	if ok {
		delete(r.pending, id)
	}
	r.pendingMu.Unlock()
	if ok {
		r.metrics.decPendingRPC()
	}
}

func (r *Runtime) notifyRaw(method string, params map[string]any) error {
	frame := map[string]any{
		"jsonrpc": "2.0",
		"method":  method,
		"params":  params,
	}
	if err := r.sendFrame(frame); err != nil {
		return rpc.ErrTransportClosed
	}
	return nil
}

func (r *Runtime) sendFrame(frame map[string]any) error {
	r.transportMu.Lock()
	tr := r.transport
	r.transportMu.Unlock()
	if tr == nil {
		return rpc.ErrTransportClosed
	}
	return tr.Send(frame)
}

// Shutdown tears the runtime down: pending requests resolve with
// ErrCancelled; outstanding approvals are answered toward the child per
// the timeout policy (best-effort) and tombstoned so later
// RespondApproval* calls fail with approval.ErrCancelled; the child is
// terminated and every background loop is joined. Repeat calls are no-ops
// that return nil.
func (r *Runtime) Shutdown(ctx context.Context) error {
	r.shutdownMu.Lock()
	defer r.shutdownMu.Unlock()
	if r.shutdownDone {
		return nil
	}
	r.shutdownDone = true
	r.shutdownResult = r.shutdownLocked(ctx)
	return r.shutdownResult
}

func (r *Runtime) shutdownLocked(_ context.Context) error {
	r.shuttingDown.Store(true)
	r.initialized.Store(false)
	r.setConnectionPhase(state.PhaseShuttingDown)

	err := r.teardownGeneration()

	if r.supervisorDone != nil {
		<-r.supervisorDone
	}
	r.stopSink()
	r.broadcast.Close()

	r.setConnectionPhase(state.PhaseDead)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInternal, err)
	}
	return nil
}

func (r *Runtime) stopSink() {
	if r.sinkCh == nil {
		return
	}
	close(r.sinkCh)
	<-r.sinkDone
	r.sinkCh = nil
}

func (r *Runtime) setConnectionPhase(phase state.ConnectionPhase) {
	r.stateMu.Lock()
	r.state.Connection = state.ConnectionState{
		Phase:      phase,
		Generation: r.generation.Load(),
	}
	r.stateMu.Unlock()
}
