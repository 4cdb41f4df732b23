// internal/state/reduce.go
package state

import (
	"sort"
	"unicode/utf8"

	"github.com/user/turnstile/internal/types"
)

// Reduce folds one envelope into the projection in place. Observers only
// ever see snapshots taken between reduce passes, so in-place mutation is
// safe. Lookups are O(1) map accesses; pruning work only happens when a cap
// is exceeded.
func Reduce(s *RuntimeState, envelope *types.Envelope, limits Limits) {
	method := envelope.Method
	if method == "" {
		return
	}
	seq := envelope.Seq
	params, _ := envelope.JSON["params"].(map[string]any)

	switch method {
	case "thread/started":
		if envelope.ThreadID == "" {
			return
		}
		s.threadMut(envelope.ThreadID, seq)

	case "turn/started":
		if envelope.ThreadID == "" || envelope.TurnID == "" {
			return
		}
		thread := s.threadMut(envelope.ThreadID, seq)
		thread.ActiveTurn = envelope.TurnID
		turn := thread.turnMut(envelope.TurnID, seq)
		if !turn.Status.Terminal() {
			turn.Status = TurnRunning
		}

	case "turn/completed", "turn/failed", "turn/interrupted":
		if envelope.ThreadID == "" || envelope.TurnID == "" {
			return
		}
		thread := s.threadMut(envelope.ThreadID, seq)
		if thread.ActiveTurn == envelope.TurnID {
			thread.ActiveTurn = ""
		}
		turn := thread.turnMut(envelope.TurnID, seq)
		if turn.Status.Terminal() {
			return
		}
		switch method {
		case "turn/completed":
			turn.Status = TurnCompleted
		case "turn/failed":
			turn.Status = TurnFailed
			if params != nil {
				turn.Error = params["error"]
			}
		case "turn/interrupted":
			turn.Status = TurnInterrupted
		}

	case "turn/diff/updated":
		if envelope.ThreadID == "" {
			return
		}
		thread := s.threadMut(envelope.ThreadID, seq)
		if diff, ok := params["diff"].(string); ok {
			thread.LastDiff = diff
		}

	case "turn/plan/updated":
		if envelope.ThreadID == "" {
			return
		}
		thread := s.threadMut(envelope.ThreadID, seq)
		if params != nil {
			thread.Plan = params["plan"]
		}

	case "item/started", "turn/itemAdded":
		if envelope.ThreadID == "" || envelope.TurnID == "" || envelope.ItemID == "" {
			return
		}
		thread := s.threadMut(envelope.ThreadID, seq)
		turn := thread.turnMut(envelope.TurnID, seq)
		if turn.Status.Terminal() {
			return
		}
		item, created := turn.itemMut(envelope.ItemID, seq)
		if !created {
			// Duplicate itemId: first insertion wins.
			return
		}
		if itemType := itemTypeOf(params); itemType != "" {
			item.ItemType = itemType
		}
		if text, ok := itemText(params); ok {
			appendCapped(&item.TextAccum, text, limits.MaxTextBytesPerItem, &item.TextTruncated)
		}

	case "item/agentMessage/delta":
		item, turn := s.itemFor(envelope, seq)
		if item == nil || turn.Status.Terminal() {
			return
		}
		delta, _ := params["delta"].(string)
		appendCapped(&item.TextAccum, delta, limits.MaxTextBytesPerItem, &item.TextTruncated)

	case "item/commandExecution/outputDelta":
		item, turn := s.itemFor(envelope, seq)
		if item == nil || turn.Status.Terminal() {
			return
		}
		stdout, _ := params["stdout"].(string)
		stderr, _ := params["stderr"].(string)
		appendCapped(&item.StdoutAccum, stdout, limits.MaxStdoutBytesPerItem, &item.StdoutTruncated)
		appendCapped(&item.StderrAccum, stderr, limits.MaxStderrBytesPerItem, &item.StderrTruncated)

	case "item/completed":
		item, turn := s.itemFor(envelope, seq)
		if item == nil || turn.Status.Terminal() {
			return
		}
		item.Completed = params

	default:
		return
	}

	s.prune(limits, envelope.ThreadID)
}

func (s *RuntimeState) itemFor(envelope *types.Envelope, seq uint64) (*ItemState, *TurnState) {
	if envelope.ThreadID == "" || envelope.TurnID == "" || envelope.ItemID == "" {
		return nil, nil
	}
	thread := s.threadMut(envelope.ThreadID, seq)
	turn := thread.turnMut(envelope.TurnID, seq)
	if turn.Status.Terminal() {
		return nil, turn
	}
	item, _ := turn.itemMut(envelope.ItemID, seq)
	return item, turn
}

func (s *RuntimeState) threadMut(threadID string, seq uint64) *ThreadState {
	thread, ok := s.Threads[threadID]
	if !ok {
		thread = &ThreadState{
			ID:    threadID,
			Turns: make(map[string]*TurnState),
		}
		s.Threads[threadID] = thread
	}
	thread.LastSeq = seq
	return thread
}

func (t *ThreadState) turnMut(turnID string, seq uint64) *TurnState {
	t.LastSeq = seq
	turn, ok := t.Turns[turnID]
	if !ok {
		turn = &TurnState{
			ID:     turnID,
			Status: TurnRunning,
			Items:  make(map[string]*ItemState),
		}
		t.Turns[turnID] = turn
	}
	turn.LastSeq = seq
	return turn
}

// itemMut returns the item and whether it was created by this call.
func (t *TurnState) itemMut(itemID string, seq uint64) (*ItemState, bool) {
	t.LastSeq = seq
	item, ok := t.Items[itemID]
	if ok {
		item.LastSeq = seq
		return item, false
	}
	item = &ItemState{ID: itemID, ItemType: "unknown", LastSeq: seq}
	t.Items[itemID] = item
	t.Order = append(t.Order, itemID)
	return item, true
}

func itemTypeOf(params map[string]any) string {
	if itemType, ok := params["itemType"].(string); ok {
		return itemType
	}
	if item, ok := params["item"].(map[string]any); ok {
		if itemType, ok := item["itemType"].(string); ok {
			return itemType
		}
		if itemType, ok := item["type"].(string); ok {
			return itemType
		}
	}
	return ""
}

func itemText(params map[string]any) (string, bool) {
	item, ok := params["item"].(map[string]any)
	if !ok {
		return "", false
	}
	text, ok := item["text"].(string)
	return text, ok
}

// appendCapped grows out by delta without crossing maxBytes, cutting on a
// rune boundary and flagging truncation.
func appendCapped(out *string, delta string, maxBytes int, truncated *bool) {
	if delta == "" {
		return
	}
	if len(*out) >= maxBytes {
		*truncated = true
		return
	}
	remain := maxBytes - len(*out)
	if len(delta) <= remain {
		*out += delta
		return
	}
	cut := remain
	for cut > 0 && !utf8.RuneStart(delta[cut]) {
		cut--
	}
	*out += delta[:cut]
	*truncated = true
}

func (s *RuntimeState) prune(limits Limits, touchedThreadID string) {
	if len(s.Threads) > limits.MaxThreads {
		evictOldest(len(s.Threads)-limits.MaxThreads, s.Threads, func(t *ThreadState) uint64 { return t.LastSeq }, nil, func(id string) {
			delete(s.Threads, id)
		})
	}

	if touchedThreadID == "" {
		return
	}
	thread, ok := s.Threads[touchedThreadID]
	if !ok {
		return
	}

	if len(thread.Turns) > limits.MaxTurnsPerThread {
		active := thread.ActiveTurn
		skip := func(id string, turn *TurnState) bool {
			return id == active || turn.Status == TurnRunning
		}
		evictOldest(len(thread.Turns)-limits.MaxTurnsPerThread, thread.Turns, func(t *TurnState) uint64 { return t.LastSeq }, skip, func(id string) {
			delete(thread.Turns, id)
		})
	}

	for _, turn := range thread.Turns {
		if len(turn.Items) <= limits.MaxItemsPerTurn {
			continue
		}
		evictOldest(len(turn.Items)-limits.MaxItemsPerTurn, turn.Items, func(i *ItemState) uint64 { return i.LastSeq }, nil, func(id string) {
			delete(turn.Items, id)
		})
		kept := turn.Order[:0]
		for _, id := range turn.Order {
			if _, ok := turn.Items[id]; ok {
				kept = append(kept, id)
			}
		}
		turn.Order = kept
	}
}

func evictOldest[T any](count int, entries map[string]T, seqOf func(T) uint64, skip func(string, T) bool, remove func(string)) {
	type aged struct {
		id  string
		seq uint64
	}
	candidates := make([]aged, 0, len(entries))
	for id, entry := range entries {
		if skip != nil && skip(id, entry) {
			continue
		}
		candidates = append(candidates, aged{id: id, seq: seqOf(entry)})
	}
	sort.Slice(candidates, func(i, j int) bool { return candidates[i].seq < candidates[j].seq })
	if count > len(candidates) {
		count = len(candidates)
	}
	for _, candidate := range candidates[:count] {
		remove(candidate.id)
	}
}
