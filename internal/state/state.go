// internal/state/state.go
package state

import (
	"errors"
	"fmt"
)

// ConnectionState tracks the runtime generation lifecycle.
type ConnectionState struct {
	Phase      ConnectionPhase `json:"phase"`
	Generation uint64          `json:"generation"`
}

type ConnectionPhase string

const (
	PhaseStarting     ConnectionPhase = "starting"
	PhaseHandshaking  ConnectionPhase = "handshaking"
	PhaseRunning      ConnectionPhase = "running"
	PhaseRestarting   ConnectionPhase = "restarting"
	PhaseShuttingDown ConnectionPhase = "shuttingDown"
	PhaseDead         ConnectionPhase = "dead"
)

// TurnStatus is the lifecycle status of one turn. The three terminal
// statuses never transition again.
type TurnStatus string

const (
	TurnRunning     TurnStatus = "running"
	TurnCompleted   TurnStatus = "completed"
	TurnFailed      TurnStatus = "failed"
	TurnInterrupted TurnStatus = "interrupted"
)

// Terminal reports whether the status admits no further transitions.
func (s TurnStatus) Terminal() bool {
	return s == TurnCompleted || s == TurnFailed || s == TurnInterrupted
}

// RuntimeState is the queryable projection of everything observed from the
// child. The dispatcher owns the mutable copy; consumers read immutable
// snapshots.
type RuntimeState struct {
	Connection            ConnectionState                 `json:"connection"`
	Threads               map[string]*ThreadState         `json:"threads"`
	PendingServerRequests map[string]PendingServerRequest `json:"pendingServerRequests"`
}

// NewRuntimeState returns an empty projection in the starting phase.
func NewRuntimeState() *RuntimeState {
	return &RuntimeState{
		Connection:            ConnectionState{Phase: PhaseStarting},
		Threads:               make(map[string]*ThreadState),
		PendingServerRequests: make(map[string]PendingServerRequest),
	}
}

// Clone deep-copies the projection for snapshot publication.
func (s *RuntimeState) Clone() *RuntimeState {
	out := &RuntimeState{
		Connection:            s.Connection,
		Threads:               make(map[string]*ThreadState, len(s.Threads)),
		PendingServerRequests: make(map[string]PendingServerRequest, len(s.PendingServerRequests)),
	}
	for id, thread := range s.Threads {
		out.Threads[id] = thread.clone()
	}
	for key, pending := range s.PendingServerRequests {
		out.PendingServerRequests[key] = pending
	}
	return out
}

// ThreadState holds one thread's turns. Parent references are expressed as
// ids, never pointers, so the hierarchy stays acyclic.
type ThreadState struct {
	ID         string                `json:"id"`
	ActiveTurn string                `json:"activeTurn,omitempty"`
	Turns      map[string]*TurnState `json:"turns"`
	LastDiff   string                `json:"lastDiff,omitempty"`
	Plan       any                   `json:"plan,omitempty"`
	LastSeq    uint64                `json:"lastSeq"`
}

func (t *ThreadState) clone() *ThreadState {
	out := &ThreadState{
		ID:         t.ID,
		ActiveTurn: t.ActiveTurn,
		Turns:      make(map[string]*TurnState, len(t.Turns)),
		LastDiff:   t.LastDiff,
		Plan:       t.Plan,
		LastSeq:    t.LastSeq,
	}
	for id, turn := range t.Turns {
		out.Turns[id] = turn.clone()
	}
	return out
}

// TurnState holds one turn's items in insertion order.
type TurnState struct {
	ID      string                `json:"id"`
	Status  TurnStatus            `json:"status"`
	Items   map[string]*ItemState `json:"items"`
	Order   []string              `json:"order"`
	Error   any                   `json:"error,omitempty"`
	LastSeq uint64                `json:"lastSeq"`
}

func (t *TurnState) clone() *TurnState {
	out := &TurnState{
		ID:      t.ID,
		Status:  t.Status,
		Items:   make(map[string]*ItemState, len(t.Items)),
		Order:   append([]string(nil), t.Order...),
		Error:   t.Error,
		LastSeq: t.LastSeq,
	}
	for id, item := range t.Items {
		copied := *item
		out.Items[id] = &copied
	}
	return out
}

// OrderedItems returns the turn's items in insertion order.
func (t *TurnState) OrderedItems() []*ItemState {
	items := make([]*ItemState, 0, len(t.Order))
	for _, id := range t.Order {
		if item, ok := t.Items[id]; ok {
			items = append(items, item)
		}
	}
	return items
}

// ItemState accumulates streamed payloads for one item.
type ItemState struct {
	ID              string `json:"id"`
	ItemType        string `json:"itemType"`
	TextAccum       string `json:"textAccum,omitempty"`
	StdoutAccum     string `json:"stdoutAccum,omitempty"`
	StderrAccum     string `json:"stderrAccum,omitempty"`
	TextTruncated   bool   `json:"textTruncated,omitempty"`
	StdoutTruncated bool   `json:"stdoutTruncated,omitempty"`
	StderrTruncated bool   `json:"stderrTruncated,omitempty"`
	Completed       any    `json:"completed,omitempty"`
	LastSeq         uint64 `json:"lastSeq"`
}

// PendingServerRequest is the projection of one queued approval.
type PendingServerRequest struct {
	ApprovalID     string `json:"approvalId"`
	DeadlineUnixMS int64  `json:"deadlineUnixMs"`
	Method         string `json:"method"`
	Params         any    `json:"params"`
}

// Limits bounds retained projection memory. Running turns are never pruned.
type Limits struct {
	MaxThreads            int
	MaxTurnsPerThread     int
	MaxItemsPerTurn       int
	MaxTextBytesPerItem   int
	MaxStdoutBytesPerItem int
	MaxStderrBytesPerItem int
}

// DefaultLimits returns the retention bounds used when callers do not
// override them.
func DefaultLimits() Limits {
	return Limits{
		MaxThreads:            256,
		MaxTurnsPerThread:     256,
		MaxItemsPerTurn:       256,
		MaxTextBytesPerItem:   256 * 1024,
		MaxStdoutBytesPerItem: 256 * 1024,
		MaxStderrBytesPerItem: 256 * 1024,
	}
}

var ErrInvalidLimits = errors.New("invalid state limits")

// Validate rejects zero or negative bounds.
func (l Limits) Validate() error {
	for name, value := range map[string]int{
		"maxThreads":            l.MaxThreads,
		"maxTurnsPerThread":     l.MaxTurnsPerThread,
		"maxItemsPerTurn":       l.MaxItemsPerTurn,
		"maxTextBytesPerItem":   l.MaxTextBytesPerItem,
		"maxStdoutBytesPerItem": l.MaxStdoutBytesPerItem,
		"maxStderrBytesPerItem": l.MaxStderrBytesPerItem,
	} {
		if value <= 0 {
			return fmt.Errorf("%w: %s must be > 0", ErrInvalidLimits, name)
		}
	}
	return nil
}
