package state

import (
	"fmt"
	"testing"

	"github.com/user/turnstile/internal/types"
)

func envelopeWithSeq(seq uint64, method, thread, turn, item string, params map[string]any) *types.Envelope {
	if params == nil {
		params = map[string]any{}
	}
	return &types.Envelope{
		Seq:       seq,
		Direction: types.DirectionInbound,
		Kind:      types.KindNotification,
		Method:    method,
		ThreadID:  thread,
		TurnID:    turn,
		ItemID:    item,
		JSON:      map[string]any{"method": method, "params": params},
	}
}

func envelope(method, thread, turn, item string, params map[string]any) *types.Envelope {
	return envelopeWithSeq(1, method, thread, turn, item, params)
}

func TestReduceTurnLifecycle(t *testing.T) {
	s := NewRuntimeState()
	limits := DefaultLimits()

	Reduce(s, envelope("turn/started", "thr", "turn", "", nil), limits)
	if s.Threads["thr"].ActiveTurn != "turn" {
		t.Errorf("active turn = %q", s.Threads["thr"].ActiveTurn)
	}
	if got := s.Threads["thr"].Turns["turn"].Status; got != TurnRunning {
		t.Errorf("status = %v, want running", got)
	}

	Reduce(s, envelope("turn/completed", "thr", "turn", "", nil), limits)
	if s.Threads["thr"].ActiveTurn != "" {
		t.Error("active turn should clear on completion")
	}
	if got := s.Threads["thr"].Turns["turn"].Status; got != TurnCompleted {
		t.Errorf("status = %v, want completed", got)
	}
}

func TestReduceImplicitThreadCreation(t *testing.T) {
	s := NewRuntimeState()
	Reduce(s, envelope("turn/started", "implicit", "turn_1", "", nil), DefaultLimits())
	if _, ok := s.Threads["implicit"]; !ok {
		t.Error("turn/started must create the thread implicitly")
	}
}

func TestReduceTerminalTurnNeverTransitions(t *testing.T) {
	s := NewRuntimeState()
	limits := DefaultLimits()

	Reduce(s, envelope("turn/started", "thr", "turn", "", nil), limits)
	Reduce(s, envelope("turn/completed", "thr", "turn", "", nil), limits)
	Reduce(s, envelope("turn/failed", "thr", "turn", "", map[string]any{"error": "late"}), limits)
	if got := s.Threads["thr"].Turns["turn"].Status; got != TurnCompleted {
		t.Errorf("terminal status changed to %v", got)
	}

	Reduce(s, envelope("turn/itemAdded", "thr", "turn", "late_item", nil), limits)
	if len(s.Threads["thr"].Turns["turn"].Items) != 0 {
		t.Error("items after terminal status must be ignored")
	}
}

func TestReduceItemOrderingAndDuplicates(t *testing.T) {
	s := NewRuntimeState()
	limits := DefaultLimits()

	Reduce(s, envelope("turn/started", "thr", "turn", "", nil), limits)
	for i, id := range []string{"item_b", "item_a", "item_c"} {
		Reduce(s, envelopeWithSeq(uint64(2+i), "turn/itemAdded", "thr", "turn", id, map[string]any{
			"item": map[string]any{"itemType": "agentMessage", "text": id},
		}), limits)
	}
	// Duplicate by itemId is ignored.
	Reduce(s, envelopeWithSeq(9, "turn/itemAdded", "thr", "turn", "item_a", map[string]any{
		"item": map[string]any{"itemType": "agentMessage", "text": "dup"},
	}), limits)

	turn := s.Threads["thr"].Turns["turn"]
	if len(turn.Order) != 3 {
		t.Fatalf("item count = %d, want 3", len(turn.Order))
	}
	want := []string{"item_b", "item_a", "item_c"}
	for i, id := range want {
		if turn.Order[i] != id {
			t.Errorf("order[%d] = %q, want %q", i, turn.Order[i], id)
		}
	}
	if turn.Items["item_a"].TextAccum != "item_a" {
		t.Errorf("duplicate overwrote item text: %q", turn.Items["item_a"].TextAccum)
	}
}

func TestReduceDeltaAndOutput(t *testing.T) {
	s := NewRuntimeState()
	limits := DefaultLimits()

	Reduce(s, envelope("turn/started", "thr", "turn", "", nil), limits)
	Reduce(s, envelope("item/started", "thr", "turn", "item", map[string]any{"itemType": "agentMessage"}), limits)
	Reduce(s, envelope("item/agentMessage/delta", "thr", "turn", "item", map[string]any{"delta": "hello"}), limits)
	Reduce(s, envelope("item/commandExecution/outputDelta", "thr", "turn", "item", map[string]any{
		"stdout": "out", "stderr": "err",
	}), limits)

	item := s.Threads["thr"].Turns["turn"].Items["item"]
	if item.TextAccum != "hello" || item.StdoutAccum != "out" || item.StderrAccum != "err" {
		t.Errorf("unexpected accumulation: %+v", item)
	}
}

func TestReduceAppliesByteCaps(t *testing.T) {
	s := NewRuntimeState()
	limits := DefaultLimits()
	limits.MaxTextBytesPerItem = 4
	limits.MaxStdoutBytesPerItem = 3
	limits.MaxStderrBytesPerItem = 2

	Reduce(s, envelopeWithSeq(1, "item/started", "thr", "turn", "item", map[string]any{"itemType": "agentMessage"}), limits)
	Reduce(s, envelopeWithSeq(2, "item/agentMessage/delta", "thr", "turn", "item", map[string]any{"delta": "hello"}), limits)
	Reduce(s, envelopeWithSeq(3, "item/commandExecution/outputDelta", "thr", "turn", "item", map[string]any{
		"stdout": "abcd", "stderr": "xyz",
	}), limits)

	item := s.Threads["thr"].Turns["turn"].Items["item"]
	if item.TextAccum != "hell" || !item.TextTruncated {
		t.Errorf("text cap: %q truncated=%v", item.TextAccum, item.TextTruncated)
	}
	if item.StdoutAccum != "abc" || !item.StdoutTruncated {
		t.Errorf("stdout cap: %q truncated=%v", item.StdoutAccum, item.StdoutTruncated)
	}
	if item.StderrAccum != "xy" || !item.StderrTruncated {
		t.Errorf("stderr cap: %q truncated=%v", item.StderrAccum, item.StderrTruncated)
	}
}

func TestReduceCapCutsOnRuneBoundary(t *testing.T) {
	s := NewRuntimeState()
	limits := DefaultLimits()
	limits.MaxTextBytesPerItem = 5

	Reduce(s, envelopeWithSeq(1, "item/started", "thr", "turn", "item", map[string]any{"itemType": "agentMessage"}), limits)
	Reduce(s, envelopeWithSeq(2, "item/agentMessage/delta", "thr", "turn", "item", map[string]any{"delta": "abéé"}), limits)

	item := s.Threads["thr"].Turns["turn"].Items["item"]
	if item.TextAccum != "abé" || !item.TextTruncated {
		t.Errorf("rune boundary cut: %q truncated=%v", item.TextAccum, item.TextTruncated)
	}
}

func TestReducePrunesOldestThreadsTurnsAndItems(t *testing.T) {
	s := NewRuntimeState()
	limits := DefaultLimits()
	limits.MaxThreads = 2
	limits.MaxTurnsPerThread = 2
	limits.MaxItemsPerTurn = 2

	for i := 1; i <= 3; i++ {
		Reduce(s, envelopeWithSeq(uint64(i), "thread/started", fmt.Sprintf("thr_%d", i), "", "", nil), limits)
	}
	if _, ok := s.Threads["thr_1"]; ok {
		t.Error("oldest thread should be pruned")
	}
	if len(s.Threads) != 2 {
		t.Errorf("thread count = %d, want 2", len(s.Threads))
	}

	for seq := 10; seq <= 12; seq++ {
		turn := fmt.Sprintf("turn_%d", seq)
		Reduce(s, envelopeWithSeq(uint64(seq), "turn/started", "thr_3", turn, "", nil), limits)
		Reduce(s, envelopeWithSeq(uint64(seq)+100, "turn/completed", "thr_3", turn, "", nil), limits)
	}
	if got := len(s.Threads["thr_3"].Turns); got > 2 {
		t.Errorf("turn count = %d, want <= 2", got)
	}

	Reduce(s, envelopeWithSeq(200, "turn/started", "thr_3", "turn_live", "", nil), limits)
	for seq := 210; seq <= 212; seq++ {
		item := fmt.Sprintf("item_%d", seq)
		Reduce(s, envelopeWithSeq(uint64(seq), "item/started", "thr_3", "turn_live", item, map[string]any{"itemType": "agentMessage"}), limits)
	}
	turn := s.Threads["thr_3"].Turns["turn_live"]
	if got := len(turn.Items); got > 2 {
		t.Errorf("item count = %d, want <= 2", got)
	}
	if len(turn.Order) != len(turn.Items) {
		t.Errorf("order length %d != item count %d", len(turn.Order), len(turn.Items))
	}
}

func TestReduceNeverPrunesRunningTurns(t *testing.T) {
	s := NewRuntimeState()
	limits := DefaultLimits()
	limits.MaxTurnsPerThread = 1

	Reduce(s, envelopeWithSeq(1, "turn/started", "thr", "turn_old", "", nil), limits)
	Reduce(s, envelopeWithSeq(2, "turn/started", "thr", "turn_new", "", nil), limits)

	// Both turns are running; neither may be evicted even though the cap is 1.
	thread := s.Threads["thr"]
	if _, ok := thread.Turns["turn_old"]; !ok {
		t.Error("running turn must never be pruned")
	}
	if _, ok := thread.Turns["turn_new"]; !ok {
		t.Error("running turn must never be pruned")
	}
}

func TestReduceDiffAndPlanUpdates(t *testing.T) {
	s := NewRuntimeState()
	limits := DefaultLimits()
	Reduce(s, envelope("turn/diff/updated", "thr", "", "", map[string]any{"diff": "+line"}), limits)
	Reduce(s, envelope("turn/plan/updated", "thr", "", "", map[string]any{"plan": []any{"step"}}), limits)

	thread := s.Threads["thr"]
	if thread.LastDiff != "+line" {
		t.Errorf("diff = %q", thread.LastDiff)
	}
	if thread.Plan == nil {
		t.Error("plan not recorded")
	}
}

func TestCloneIsolation(t *testing.T) {
	s := NewRuntimeState()
	limits := DefaultLimits()
	Reduce(s, envelope("turn/started", "thr", "turn", "", nil), limits)

	snapshot := s.Clone()
	Reduce(s, envelope("turn/completed", "thr", "turn", "", nil), limits)

	if got := snapshot.Threads["thr"].Turns["turn"].Status; got != TurnRunning {
		t.Errorf("snapshot mutated: %v", got)
	}
}

func TestLimitsValidate(t *testing.T) {
	if err := DefaultLimits().Validate(); err != nil {
		t.Errorf("default limits invalid: %v", err)
	}
	bad := DefaultLimits()
	bad.MaxThreads = 0
	if err := bad.Validate(); err == nil {
		t.Error("zero max threads must fail")
	}
}

func TestCollectorConcatenatesAgentText(t *testing.T) {
	c := NewCollector()
	c.Push(envelope("item/started", "thr", "turn", "i1", map[string]any{
		"item": map[string]any{"itemType": "agentMessage"},
	}))
	c.Push(envelope("item/agentMessage/delta", "thr", "turn", "i1", map[string]any{"delta": "Hello, "}))
	c.Push(envelope("item/agentMessage/delta", "thr", "turn", "i1", map[string]any{"delta": "world"}))
	// Completed payload for an item that streamed deltas must not double.
	c.Push(envelope("item/completed", "thr", "turn", "i1", map[string]any{
		"item": map[string]any{"itemType": "agentMessage", "text": "Hello, world"},
	}))
	if got := c.Text(); got != "Hello, world" {
		t.Errorf("text = %q", got)
	}
}

func TestCollectorFallsBackToCompletedText(t *testing.T) {
	c := NewCollector()
	c.Push(envelope("item/started", "thr", "turn", "i1", map[string]any{
		"item": map[string]any{"itemType": "agentMessage"},
	}))
	c.Push(envelope("item/completed", "thr", "turn", "i1", map[string]any{
		"item": map[string]any{"itemType": "agentMessage", "text": "whole message"},
	}))
	if got := c.Text(); got != "whole message" {
		t.Errorf("text = %q", got)
	}
}

func TestCollectorIgnoresNonAssistantItems(t *testing.T) {
	c := NewCollector()
	c.Push(envelope("item/started", "thr", "turn", "cmd", map[string]any{
		"item": map[string]any{"itemType": "commandExecution"},
	}))
	c.Push(envelope("item/completed", "thr", "turn", "cmd", map[string]any{
		"item": map[string]any{"itemType": "commandExecution", "text": "ls output"},
	}))
	if got := c.Text(); got != "" {
		t.Errorf("text = %q, want empty", got)
	}
}
