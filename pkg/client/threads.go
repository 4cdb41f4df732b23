// pkg/client/threads.go
package client

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/user/turnstile/internal/rpc"
)

// ThreadSummary is one thread as reported by thread/list or thread/read.
type ThreadSummary struct {
	ID        string `json:"id"`
	Cwd       string `json:"cwd"`
	Preview   string `json:"preview"`
	Source    string `json:"source"`
	CreatedAt int64  `json:"createdAt"`
	UpdatedAt int64  `json:"updatedAt"`

	Turns []ThreadTurn `json:"turns"`
}

// ThreadTurn is one turn within a read thread.
type ThreadTurn struct {
	ID     string           `json:"id"`
	Status string           `json:"status"`
	Items  []map[string]any `json:"items"`
	Error  *ThreadTurnError `json:"error"`
}

// ThreadTurnError carries the failure payload of one turn.
type ThreadTurnError struct {
	Message           string `json:"message"`
	AdditionalDetails string `json:"additionalDetails"`
}

// ThreadListPage is one thread/list response page.
type ThreadListPage struct {
	Data       []ThreadSummary `json:"data"`
	NextCursor string          `json:"nextCursor"`
}

// ThreadListParams narrows a thread/list call.
type ThreadListParams struct {
	Archived *bool
	Cursor   string
	Limit    int
	SortKey  string // "created_at" or "updated_at"
}

// LoadedThreadsPage is one thread/loaded/list response page.
type LoadedThreadsPage struct {
	Data       []string `json:"data"`
	NextCursor string   `json:"nextCursor"`
}

// ThreadRead fetches one thread, optionally with its turns.
func (c *Client) ThreadRead(ctx context.Context, threadID string, includeTurns bool) (*ThreadSummary, error) {
	r, err := c.ensureReady()
	if err != nil {
		return nil, err
	}
	result, err := r.Call(ctx, MethodThreadRead, map[string]any{
		"threadId":     threadID,
		"includeTurns": includeTurns,
	})
	if err != nil {
		return nil, err
	}
	var response struct {
		Thread ThreadSummary `json:"thread"`
	}
	if err := decodeInto(result, &response); err != nil {
		return nil, err
	}
	return &response.Thread, nil
}

// ThreadList pages through known threads.
func (c *Client) ThreadList(ctx context.Context, params ThreadListParams) (*ThreadListPage, error) {
	r, err := c.ensureReady()
	if err != nil {
		return nil, err
	}
	wire := map[string]any{}
	if params.Archived != nil {
		wire["archived"] = *params.Archived
	}
	if params.Cursor != "" {
		wire["cursor"] = params.Cursor
	}
	if params.Limit > 0 {
		wire["limit"] = params.Limit
	}
	if params.SortKey != "" {
		wire["sortKey"] = params.SortKey
	}
	result, err := r.Call(ctx, MethodThreadList, wire)
	if err != nil {
		return nil, err
	}
	var page ThreadListPage
	if err := decodeInto(result, &page); err != nil {
		return nil, err
	}
	return &page, nil
}

// ThreadLoadedList pages through threads currently loaded by the child.
func (c *Client) ThreadLoadedList(ctx context.Context, cursor string, limit int) (*LoadedThreadsPage, error) {
	r, err := c.ensureReady()
	if err != nil {
		return nil, err
	}
	wire := map[string]any{}
	if cursor != "" {
		wire["cursor"] = cursor
	}
	if limit > 0 {
		wire["limit"] = limit
	}
	result, err := r.Call(ctx, MethodThreadLoadedList, wire)
	if err != nil {
		return nil, err
	}
	var page LoadedThreadsPage
	if err := decodeInto(result, &page); err != nil {
		return nil, err
	}
	return &page, nil
}

// ThreadFork forks an existing thread and returns the new thread id.
func (c *Client) ThreadFork(ctx context.Context, threadID string) (string, error) {
	r, err := c.ensureReady()
	if err != nil {
		return "", err
	}
	result, err := r.Call(ctx, MethodThreadFork, map[string]any{"threadId": threadID})
	if err != nil {
		return "", err
	}
	forked := rpc.ParseThreadID(result)
	if forked == "" {
		return "", fmt.Errorf("%w: thread/fork result missing thread id", rpc.ErrInvalidResponse)
	}
	return forked, nil
}

// ThreadRollback drops the last numTurns turns from a thread.
func (c *Client) ThreadRollback(ctx context.Context, threadID string, numTurns int) (*ThreadSummary, error) {
	r, err := c.ensureReady()
	if err != nil {
		return nil, err
	}
	result, err := r.Call(ctx, MethodThreadRollback, map[string]any{
		"threadId": threadID,
		"numTurns": numTurns,
	})
	if err != nil {
		return nil, err
	}
	var response struct {
		Thread ThreadSummary `json:"thread"`
	}
	if err := decodeInto(result, &response); err != nil {
		return nil, err
	}
	return &response.Thread, nil
}

// ThreadArchive archives one thread.
func (c *Client) ThreadArchive(ctx context.Context, threadID string) error {
	r, err := c.ensureReady()
	if err != nil {
		return err
	}
	_, err = r.Call(ctx, MethodThreadArchive, map[string]any{"threadId": threadID})
	return err
}

func decodeInto(value any, target any) error {
	raw, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("%w: encode result: %v", rpc.ErrInvalidResponse, err)
	}
	if err := json.Unmarshal(raw, target); err != nil {
		return fmt.Errorf("%w: decode result: %v", rpc.ErrInvalidResponse, err)
	}
	return nil
}
