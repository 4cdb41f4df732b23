// pkg/client/session.go
package client

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/user/turnstile/internal/hooks"
)

// Session is a handle to one remote thread with pinned defaults. The
// closed flag is monotonic: once Close has been called, Ask and
// InterruptTurn fail locally without touching the transport, and the first
// close outcome is cached for repeat calls.
type Session struct {
	client   *Client
	ThreadID string
	Config   SessionConfig

	closed      atomic.Bool
	closeOnce   sync.Once
	closeResult error
}

func newSession(client *Client, threadID string, config SessionConfig) *Session {
	return &Session{client: client, ThreadID: threadID, Config: config}
}

// IsClosed reports whether this local handle is closed.
func (s *Session) IsClosed() bool {
	return s.closed.Load()
}

// Ask continues the session with one prompt under the session defaults.
func (s *Session) Ask(ctx context.Context, prompt string) (*PromptResult, error) {
	if s.IsClosed() {
		return nil, ErrSessionClosed
	}
	r, err := s.client.ensureReady()
	if err != nil {
		return nil, err
	}
	params := promptParamsFromProfile(s.Config.Cwd, prompt, s.Config.Profile)
	merged := hooks.Merge(s.client.cfg.Hooks, s.Config.Profile.Hooks)
	return runPrompt(ctx, r, s.ThreadID, params, merged)
}

// AskWith continues the session with fully explicit prompt params.
func (s *Session) AskWith(ctx context.Context, params PromptParams) (*PromptResult, error) {
	if s.IsClosed() {
		return nil, ErrSessionClosed
	}
	r, err := s.client.ensureReady()
	if err != nil {
		return nil, err
	}
	merged := hooks.Merge(s.client.cfg.Hooks, s.Config.Profile.Hooks)
	return runPrompt(ctx, r, s.ThreadID, params, merged)
}

// AskWithProfile continues the session overriding the per-turn profile.
func (s *Session) AskWithProfile(ctx context.Context, prompt string, profile RunProfile) (*PromptResult, error) {
	if s.IsClosed() {
		return nil, ErrSessionClosed
	}
	r, err := s.client.ensureReady()
	if err != nil {
		return nil, err
	}
	params := promptParamsFromProfile(s.Config.Cwd, prompt, profile)
	merged := hooks.Merge(hooks.Merge(s.client.cfg.Hooks, s.Config.Profile.Hooks), profile.Hooks)
	return runPrompt(ctx, r, s.ThreadID, params, merged)
}

// InterruptTurn interrupts one in-flight turn in this session.
func (s *Session) InterruptTurn(ctx context.Context, turnID string) error {
	if s.IsClosed() {
		return ErrSessionClosed
	}
	r, err := s.client.ensureReady()
	if err != nil {
		return err
	}
	_, err = r.Call(ctx, MethodTurnInterrupt, map[string]any{
		"threadId": s.ThreadID,
		"turnId":   turnID,
	})
	return err
}

// Close archives the thread remotely. The handle transitions to closed
// regardless of the archive outcome, and the first result is returned
// verbatim on every repeat call.
func (s *Session) Close(ctx context.Context) error {
	s.closeOnce.Do(func() {
		s.closed.Store(true)
		r, readyErr := s.client.ensureReady()
		if readyErr != nil {
			s.closeResult = readyErr
			return
		}
		_, err := r.Call(ctx, MethodThreadArchive, map[string]any{"threadId": s.ThreadID})
		s.closeResult = err
	})
	return s.closeResult
}
