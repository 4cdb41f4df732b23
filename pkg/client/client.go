// pkg/client/client.go
//
// Client is the host-facing facade over the runtime: lifecycle
// (connect/setup/ask/close/shutdown), the one-shot Run helper, and raw
// JSON-RPC passthrough for callers that need the wire directly.
package client

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/Masterminds/semver/v3"

	"github.com/user/turnstile/internal/approval"
	"github.com/user/turnstile/internal/contract"
	"github.com/user/turnstile/internal/hooks"
	"github.com/user/turnstile/internal/rpc"
	"github.com/user/turnstile/internal/runtime"
	"github.com/user/turnstile/internal/transport"
)

// Client-level sentinel errors.
var (
	ErrClientClosed               = errors.New("client is closed")
	ErrSessionClosed              = errors.New("session is closed")
	ErrMissingInitializeUserAgent = errors.New("initialize response missing userAgent")
	ErrInvalidUserAgent           = errors.New("initialize userAgent has unsupported format")
	ErrIncompatibleVersion        = errors.New("incompatible app-server version")
)

// Re-exported protocol errors so facade callers need only this package.
var (
	ErrInvalidRequest  = rpc.ErrInvalidRequest
	ErrInvalidResponse = rpc.ErrInvalidResponse
	ErrUnknownMethod   = rpc.ErrUnknownMethod
	ErrUnknownApproval = rpc.ErrUnknownApproval
	ErrCancelled       = rpc.ErrCancelled
	ErrTimeout         = rpc.ErrTimeout
	ErrAlreadyTaken    = runtime.ErrAlreadyTaken
)

// Canonical method constants mirrored from the contract catalog. A test
// pins this set to the catalog.
const (
	MethodThreadStart      = contract.MethodThreadStart
	MethodThreadResume     = contract.MethodThreadResume
	MethodThreadFork       = contract.MethodThreadFork
	MethodThreadArchive    = contract.MethodThreadArchive
	MethodThreadRead       = contract.MethodThreadRead
	MethodThreadList       = contract.MethodThreadList
	MethodThreadLoadedList = contract.MethodThreadLoadedList
	MethodThreadRollback   = contract.MethodThreadRollback
	MethodTurnStart        = contract.MethodTurnStart
	MethodTurnInterrupt    = contract.MethodTurnInterrupt
)

// KnownMethods lists every facade method constant, in catalog order.
var KnownMethods = []string{
	MethodThreadStart,
	MethodThreadResume,
	MethodThreadFork,
	MethodThreadArchive,
	MethodThreadRead,
	MethodThreadList,
	MethodThreadLoadedList,
	MethodThreadRollback,
	MethodTurnStart,
	MethodTurnInterrupt,
}

// CompatibilityGuard gates connect on the child's reported version.
type CompatibilityGuard struct {
	RequireUserAgent bool
	MinVersion       *semver.Version
}

// DefaultMinVersion is the lowest app-server version the client accepts.
var DefaultMinVersion = semver.MustParse("0.104.0")

// DefaultCompatibilityGuard requires a userAgent at or above the default
// minimum version.
func DefaultCompatibilityGuard() CompatibilityGuard {
	return CompatibilityGuard{RequireUserAgent: true, MinVersion: DefaultMinVersion}
}

// DisabledCompatibilityGuard turns all connect-time version checks off.
func DisabledCompatibilityGuard() CompatibilityGuard {
	return CompatibilityGuard{}
}

// Config configures one client connection.
type Config struct {
	Bin        string
	Args       []string
	Env        map[string]string
	SchemaDir  string
	Guard      CompatibilityGuard
	Hooks      hooks.Config
	Validation contract.Mode
	Runtime    func(*runtime.Config) // optional low-level override hook
}

// NewConfig returns the default client config: spawn `codex app-server`
// with schema discovery and the default guard.
func NewConfig() Config {
	return Config{
		Bin:   "codex",
		Args:  []string{"app-server"},
		Guard: DefaultCompatibilityGuard(),
	}
}

// WithBin overrides the child binary.
func (c Config) WithBin(bin string, args ...string) Config {
	c.Bin = bin
	if len(args) > 0 {
		c.Args = args
	}
	return c
}

// WithSchemaDir overrides schema bundle discovery.
func (c Config) WithSchemaDir(dir string) Config {
	c.SchemaDir = dir
	return c
}

// WithGuard overrides the compatibility guard.
func (c Config) WithGuard(guard CompatibilityGuard) Config {
	c.Guard = guard
	return c
}

// WithoutGuard disables connect-time compatibility checks.
func (c Config) WithoutGuard() Config {
	c.Guard = DisabledCompatibilityGuard()
	return c
}

// WithPreHook registers one client-wide pre-hook.
func (c Config) WithPreHook(hook hooks.PreHook) Config {
	c.Hooks.Pre = append(c.Hooks.Pre, hook)
	return c
}

// WithPostHook registers one client-wide post-hook.
func (c Config) WithPostHook(hook hooks.PostHook) Config {
	c.Hooks.Post = append(c.Hooks.Post, hook)
	return c
}

type clientState int

const (
	stateDisconnected clientState = iota
	stateConnecting
	stateReady
	stateDraining
	stateClosed
)

// Client wraps one runtime generation set behind the lifecycle state
// machine Disconnected -> Connecting -> Ready -> Draining -> Closed.
type Client struct {
	cfg     Config
	runtime *runtime.Runtime

	mu    sync.Mutex
	state clientState
}

// Connect spawns the app-server child, verifies the schema bundle, runs
// the initialize handshake, and applies the compatibility guard. A guard
// failure forces a shutdown whose error, if any, is composed with the
// guard error.
func Connect(ctx context.Context, cfg Config) (*Client, error) {
	for _, hook := range cfg.Hooks.Pre {
		if err := hooks.CheckContract(hook); err != nil {
			return nil, err
		}
	}
	for _, hook := range cfg.Hooks.Post {
		if err := hooks.CheckContract(hook); err != nil {
			return nil, err
		}
	}

	c := &Client{cfg: cfg, state: stateConnecting}

	runtimeCfg := runtime.NewConfig(transport.ProcessSpec{
		Program: cfg.Bin,
		Args:    cfg.Args,
		Env:     cfg.Env,
	})
	runtimeCfg.SchemaDir = cfg.SchemaDir
	runtimeCfg.Validation = cfg.Validation
	if cfg.Runtime != nil {
		cfg.Runtime(&runtimeCfg)
	}

	r, err := runtime.Spawn(ctx, runtimeCfg)
	if err != nil {
		c.state = stateClosed
		return nil, err
	}
	c.runtime = r

	if err := checkCompatibility(r, cfg.Guard); err != nil {
		if shutdownErr := r.Shutdown(ctx); shutdownErr != nil {
			err = errors.Join(err, fmt.Errorf("shutdown after failed guard: %w", shutdownErr))
		}
		c.state = stateClosed
		return nil, err
	}

	c.state = stateReady
	return c, nil
}

func checkCompatibility(r *runtime.Runtime, guard CompatibilityGuard) error {
	if !guard.RequireUserAgent && guard.MinVersion == nil {
		return nil
	}

	userAgent := r.ServerUserAgent()
	if userAgent == "" {
		if guard.RequireUserAgent {
			return ErrMissingInitializeUserAgent
		}
		return nil
	}

	version, err := parseUserAgentVersion(userAgent)
	if err != nil {
		return err
	}
	if guard.MinVersion != nil && version.LessThan(guard.MinVersion) {
		return fmt.Errorf("%w: detected %s, required >= %s (userAgent %q)",
			ErrIncompatibleVersion, version, guard.MinVersion, userAgent)
	}
	return nil
}

// parseUserAgentVersion reads the `<Product>/<version>` initialize form.
func parseUserAgentVersion(userAgent string) (*semver.Version, error) {
	slash := strings.IndexByte(userAgent, '/')
	if slash <= 0 {
		return nil, fmt.Errorf("%w: %q", ErrInvalidUserAgent, userAgent)
	}
	rest := userAgent[slash+1:]
	end := len(rest)
	for i, ch := range rest {
		if (ch < '0' || ch > '9') && ch != '.' {
			end = i
			break
		}
	}
	version, err := semver.NewVersion(strings.TrimSpace(rest[:end]))
	if err != nil {
		return nil, fmt.Errorf("%w: %q", ErrInvalidUserAgent, userAgent)
	}
	return version, nil
}

func (c *Client) ensureReady() (*runtime.Runtime, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != stateReady {
		return nil, ErrClientClosed
	}
	return c.runtime, nil
}

// Runtime exposes the underlying runtime for low-level control.
func (c *Client) Runtime() *runtime.Runtime {
	return c.runtime
}

// Run executes one prompt with safe default policies.
func (c *Client) Run(ctx context.Context, cwd, prompt string) (*PromptResult, error) {
	return c.RunWith(ctx, NewPromptParams(cwd, prompt))
}

// RunWith executes one prompt with explicit options.
func (c *Client) RunWith(ctx context.Context, params PromptParams) (*PromptResult, error) {
	r, err := c.ensureReady()
	if err != nil {
		return nil, err
	}
	return runPrompt(ctx, r, "", params, c.cfg.Hooks)
}

// RunWithProfile executes one prompt under a reusable profile.
func (c *Client) RunWithProfile(ctx context.Context, cwd, prompt string, profile RunProfile) (*PromptResult, error) {
	r, err := c.ensureReady()
	if err != nil {
		return nil, err
	}
	merged := hooks.Merge(c.cfg.Hooks, profile.Hooks)
	return runPrompt(ctx, r, "", promptParamsFromProfile(cwd, prompt, profile), merged)
}

// Setup starts a session with safe defaults in cwd.
func (c *Client) Setup(ctx context.Context, cwd string) (*Session, error) {
	return c.StartSession(ctx, NewSessionConfig(cwd))
}

// SetupWithProfile starts a session from an explicit profile.
func (c *Client) SetupWithProfile(ctx context.Context, cwd string, profile RunProfile) (*Session, error) {
	return c.StartSession(ctx, SessionConfigFromProfile(cwd, profile))
}

// StartSession sends thread/start and returns a reusable handle.
func (c *Client) StartSession(ctx context.Context, config SessionConfig) (*Session, error) {
	r, err := c.ensureReady()
	if err != nil {
		return nil, err
	}
	params := promptParamsFromProfile(config.Cwd, "", config.Profile)
	result, err := r.Call(ctx, MethodThreadStart, threadStartWire(&params))
	if err != nil {
		return nil, err
	}
	threadID := rpc.ParseThreadID(result)
	if threadID == "" {
		return nil, fmt.Errorf("%w: thread/start result missing thread id", rpc.ErrInvalidResponse)
	}
	return newSession(c, threadID, config), nil
}

// ResumeSession reattaches to an existing thread with session defaults.
func (c *Client) ResumeSession(ctx context.Context, threadID string, config SessionConfig) (*Session, error) {
	r, err := c.ensureReady()
	if err != nil {
		return nil, err
	}
	params := promptParamsFromProfile(config.Cwd, "", config.Profile)
	wire := threadStartWire(&params)
	wire["threadId"] = threadID
	result, err := r.Call(ctx, MethodThreadResume, wire)
	if err != nil {
		return nil, err
	}
	resumedID := rpc.ParseThreadID(result)
	if resumedID == "" {
		resumedID = threadID
	}
	return newSession(c, resumedID, config), nil
}

// RequestJSON is the validated raw JSON-RPC passthrough.
func (c *Client) RequestJSON(ctx context.Context, method string, params map[string]any) (any, error) {
	r, err := c.ensureReady()
	if err != nil {
		return nil, err
	}
	return r.Call(ctx, method, params)
}

// RequestJSONUnchecked bypasses contract validation.
func (c *Client) RequestJSONUnchecked(ctx context.Context, method string, params map[string]any) (any, error) {
	r, err := c.ensureReady()
	if err != nil {
		return nil, err
	}
	return r.CallUnchecked(ctx, method, params)
}

// NotifyJSON is the validated raw notification passthrough.
func (c *Client) NotifyJSON(method string, params map[string]any) error {
	r, err := c.ensureReady()
	if err != nil {
		return err
	}
	return r.Notify(method, params)
}

// NotifyJSONUnchecked bypasses contract validation.
func (c *Client) NotifyJSONUnchecked(method string, params map[string]any) error {
	r, err := c.ensureReady()
	if err != nil {
		return err
	}
	return r.NotifyUnchecked(method, params)
}

// TakeServerRequests transfers the single server-request receiver.
func (c *Client) TakeServerRequests() (<-chan approval.ServerRequest, error) {
	r, err := c.ensureReady()
	if err != nil {
		return nil, err
	}
	return r.TakeServerRequests()
}

// RespondServerRequestOK answers one pending approval with a result.
func (c *Client) RespondServerRequestOK(approvalID string, result map[string]any) error {
	r, err := c.ensureReady()
	if err != nil {
		return err
	}
	return r.RespondApprovalOK(approvalID, result)
}

// RespondServerRequestErr answers one pending approval with an error.
func (c *Client) RespondServerRequestErr(approvalID string, code int64, message string, data any) error {
	r, err := c.ensureReady()
	if err != nil {
		return err
	}
	return r.RespondApprovalErr(approvalID, code, message, data)
}

// Shutdown drains and closes the runtime. Further calls on the client fail
// with ErrClientClosed; repeat shutdowns are success no-ops.
func (c *Client) Shutdown(ctx context.Context) error {
	c.mu.Lock()
	if c.state == stateClosed {
		c.mu.Unlock()
		return nil
	}
	c.state = stateDraining
	c.mu.Unlock()

	err := c.runtime.Shutdown(ctx)

	c.mu.Lock()
	c.state = stateClosed
	c.mu.Unlock()
	return err
}
