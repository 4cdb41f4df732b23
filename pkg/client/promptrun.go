// pkg/client/promptrun.go
package client

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/user/turnstile/internal/hooks"
	"github.com/user/turnstile/internal/rpc"
	"github.com/user/turnstile/internal/runtime"
	"github.com/user/turnstile/internal/state"
	"github.com/user/turnstile/internal/types"
)

// Prompt-run terminal errors.
var (
	ErrTurnFailed      = errors.New("turn failed")
	ErrTurnInterrupted = errors.New("turn interrupted")
	ErrTurnTimeout     = errors.New("turn timed out")
	ErrEmptyAssistant  = errors.New("assistant text is empty")
)

// PromptItem is one item observed during the turn, in arrival order.
type PromptItem struct {
	ID       string
	ItemType string
	Text     string
}

// PromptResult is the outcome of one completed prompt run.
type PromptResult struct {
	ThreadID      string
	TurnID        string
	AssistantText string
	Items         []PromptItem
	HookReport    hooks.Report
}

// runPrompt drives one prompt end to end:
// attachment pre-check, security gate, pre-hooks, thread open, turn/start,
// live stream collection to a terminal event, then post-hooks. Hook
// problems are recorded and never alter the outcome; with zero hooks the
// wire behavior is identical to the hook-free path.
func runPrompt(ctx context.Context, r *runtime.Runtime, threadID string, p PromptParams, hookCfg hooks.Config) (*PromptResult, error) {
	normalized, err := normalizeAttachments(p.Cwd, p.Attachments)
	if err != nil {
		return nil, err
	}
	p.Attachments = normalized
	if err := checkSecurityGate(&p); err != nil {
		return nil, err
	}

	report := hooks.Report{}
	correlationID := types.NewCorrelationID()

	if len(hookCfg.Pre) > 0 {
		target := &hooks.MutationTarget{
			Prompt:      p.Prompt,
			Model:       p.Model,
			Attachments: attachmentsToHooks(p.Attachments),
			Metadata:    p.MetadataDelta,
		}
		hookCtx := &hooks.Context{
			Phase:         hooks.PhasePreTurn,
			ThreadID:      threadID,
			Cwd:           p.Cwd,
			Model:         p.Model,
			CorrelationID: correlationID,
			TSMillis:      time.Now().UnixMilli(),
			Metadata:      p.MetadataDelta,
		}
		hooks.RunPreChain(ctx, hookCfg.Pre, hookCtx, target, &report)
		p.Prompt = target.Prompt
		p.Model = target.Model
		p.Attachments = attachmentsFromHooks(target.Attachments)
		p.MetadataDelta = target.Metadata
	}

	result, runErr := runPromptCore(ctx, r, threadID, &p)

	if len(hookCfg.Post) > 0 {
		status := "ok"
		if runErr != nil {
			status = "error"
		}
		postCtx := &hooks.Context{
			Phase:         hooks.PhasePostTurn,
			Cwd:           p.Cwd,
			Model:         p.Model,
			MainStatus:    status,
			CorrelationID: correlationID,
			TSMillis:      time.Now().UnixMilli(),
			Metadata:      p.MetadataDelta,
		}
		if result != nil {
			postCtx.ThreadID = result.ThreadID
			postCtx.TurnID = result.TurnID
		} else {
			postCtx.ThreadID = threadID
		}
		hooks.RunPostChain(ctx, hookCfg.Post, postCtx, &report)
	}

	if runErr != nil {
		return nil, runErr
	}
	result.HookReport = report
	return result, nil
}

func runPromptCore(ctx context.Context, r *runtime.Runtime, threadID string, p *PromptParams) (*PromptResult, error) {
	openedThreadID, err := openPromptThread(ctx, r, threadID, p)
	if err != nil {
		return nil, err
	}

	live, cancel := r.Subscribe()
	defer cancel()

	turnResult, err := r.Call(ctx, MethodTurnStart, turnStartWire(openedThreadID, p))
	if err != nil {
		return nil, err
	}
	turnID := rpc.ParseTurnID(turnResult)
	if turnID == "" {
		return nil, fmt.Errorf("%w: turn/start result missing turn id", rpc.ErrInvalidResponse)
	}

	assistantText, items, err := collectTurn(ctx, r, live, openedThreadID, turnID, p.Timeout)
	if err != nil {
		return nil, err
	}
	return &PromptResult{
		ThreadID:      openedThreadID,
		TurnID:        turnID,
		AssistantText: assistantText,
		Items:         items,
	}, nil
}

func openPromptThread(ctx context.Context, r *runtime.Runtime, threadID string, p *PromptParams) (string, error) {
	wire := threadStartWire(p)
	method := MethodThreadStart
	if threadID != "" {
		method = MethodThreadResume
		wire["threadId"] = threadID
	}
	result, err := r.Call(ctx, method, wire)
	if err != nil {
		return "", err
	}
	opened := rpc.ParseThreadID(result)
	if opened == "" {
		if threadID != "" {
			return threadID, nil
		}
		return "", fmt.Errorf("%w: %s result missing thread id", rpc.ErrInvalidResponse, method)
	}
	return opened, nil
}

// collectTurn drives the live stream for one turn until a terminal event,
// the caller's deadline, or the per-turn timeout. On timeout the turn is
// interrupted best-effort and the sent request is not replayed.
func collectTurn(ctx context.Context, r *runtime.Runtime, live <-chan *types.Envelope, threadID, turnID string, timeout time.Duration) (string, []PromptItem, error) {
	collector := state.NewCollector()
	var items []PromptItem
	var lastError string

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	for {
		select {
		case envelope, ok := <-live:
			if !ok {
				return "", nil, rpc.ErrCancelled
			}
			if envelope.ThreadID != threadID || (envelope.TurnID != "" && envelope.TurnID != turnID) {
				continue
			}
			collector.Push(envelope)

			params, _ := envelope.JSON["params"].(map[string]any)
			switch envelope.Method {
			case "item/started", "turn/itemAdded":
				if envelope.ItemID != "" {
					items = append(items, promptItem(envelope.ItemID, params))
				}
			case "item/completed":
				updateItemText(items, envelope.ItemID, params)
			case "turn/failed":
				if message := turnErrorMessage(params); message != "" {
					lastError = message
				}
				if lastError != "" {
					return "", nil, fmt.Errorf("%w: %s", ErrTurnFailed, lastError)
				}
				return "", nil, ErrTurnFailed
			case "turn/interrupted":
				return "", nil, ErrTurnInterrupted
			case "turn/completed":
				text := collector.Text()
				if text == "" {
					return "", nil, ErrEmptyAssistant
				}
				return text, items, nil
			case "error":
				if message := turnErrorMessage(params); message != "" {
					lastError = message
				}
			}
		case <-ctx.Done():
			interruptBestEffort(r, threadID, turnID)
			return "", nil, rpc.ErrCancelled
		case <-timer.C:
			interruptBestEffort(r, threadID, turnID)
			return "", nil, fmt.Errorf("%w after %s", ErrTurnTimeout, timeout)
		}
	}
}

func promptItem(itemID string, params map[string]any) PromptItem {
	item := PromptItem{ID: itemID, ItemType: "unknown"}
	payload, _ := params["item"].(map[string]any)
	if itemType, ok := params["itemType"].(string); ok {
		item.ItemType = itemType
	} else if payload != nil {
		if itemType, ok := payload["itemType"].(string); ok {
			item.ItemType = itemType
		} else if itemType, ok := payload["type"].(string); ok {
			item.ItemType = itemType
		}
	}
	if payload != nil {
		if text, ok := payload["text"].(string); ok {
			item.Text = text
		}
	}
	return item
}

func updateItemText(items []PromptItem, itemID string, params map[string]any) {
	if itemID == "" {
		return
	}
	payload, _ := params["item"].(map[string]any)
	if payload == nil {
		return
	}
	text, ok := payload["text"].(string)
	if !ok {
		return
	}
	for i := range items {
		if items[i].ID == itemID {
			items[i].Text = text
			return
		}
	}
}

func turnErrorMessage(params map[string]any) string {
	if params == nil {
		return ""
	}
	switch errValue := params["error"].(type) {
	case string:
		return errValue
	case map[string]any:
		if message, ok := errValue["message"].(string); ok {
			return message
		}
	}
	if message, ok := params["message"].(string); ok {
		return message
	}
	return ""
}

func interruptBestEffort(r *runtime.Runtime, threadID, turnID string) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_, _ = r.Call(ctx, MethodTurnInterrupt, map[string]any{
		"threadId": threadID,
		"turnId":   turnID,
	})
}

func attachmentsToHooks(attachments []Attachment) []hooks.Attachment {
	out := make([]hooks.Attachment, 0, len(attachments))
	for _, attachment := range attachments {
		out = append(out, hooks.Attachment{
			Kind:        string(attachment.Kind),
			Path:        attachment.Path,
			URL:         attachment.URL,
			Name:        attachment.Name,
			Placeholder: attachment.Placeholder,
		})
	}
	return out
}

func attachmentsFromHooks(attachments []hooks.Attachment) []Attachment {
	out := make([]Attachment, 0, len(attachments))
	for _, attachment := range attachments {
		out = append(out, Attachment{
			Kind:        AttachmentKind(attachment.Kind),
			Path:        attachment.Path,
			URL:         attachment.URL,
			Name:        attachment.Name,
			Placeholder: attachment.Placeholder,
		})
	}
	return out
}
