package webwire

import (
	"strings"
	"testing"

	"github.com/user/turnstile/internal/types"
)

func TestEncodeSSERedactsRPCID(t *testing.T) {
	ref := types.NumRef(42)
	envelope := &types.Envelope{
		Seq:       7,
		Direction: types.DirectionInbound,
		Kind:      types.KindNotification,
		RPCID:     &ref,
		Method:    "turn/itemAdded",
		ThreadID:  "thr_1",
		TurnID:    "turn_1",
		ItemID:    "item_1",
		JSON: map[string]any{
			"method": "turn/itemAdded",
			"params": map[string]any{"threadId": "thr_1", "itemId": "item_1"},
		},
	}

	frame, err := EncodeSSE(envelope)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.HasPrefix(frame, "data: ") || !strings.HasSuffix(frame, "\n\n") {
		t.Errorf("not an SSE frame: %q", frame)
	}
	if !strings.Contains(frame, `"threadId":"thr_1"`) {
		t.Error("external thread id must survive")
	}
	if strings.Contains(frame, "rpcId") {
		t.Error("rpcId must be stripped")
	}
}

func TestEncodeSSEStripsResponseBodyID(t *testing.T) {
	ref := types.NumRef(9)
	envelope := &types.Envelope{
		Seq:       1,
		Direction: types.DirectionInbound,
		Kind:      types.KindResponse,
		RPCID:     &ref,
		JSON: map[string]any{
			"id":     float64(9),
			"result": map[string]any{"thread": map[string]any{"id": "thr_1"}},
		},
	}

	frame, err := EncodeSSE(envelope)
	if err != nil {
		t.Fatal(err)
	}
	if strings.Contains(frame, `"id":9`) {
		t.Errorf("response body id must be stripped: %q", frame)
	}
	// The thread's own id is an external identifier and stays.
	if !strings.Contains(frame, `"id":"thr_1"`) {
		t.Errorf("thread id must survive: %q", frame)
	}
	if strings.Contains(frame, "rpcId") {
		t.Error("rpcId must be stripped")
	}
}

func TestEncodeSSEKeepsNotificationBodyIntact(t *testing.T) {
	envelope := &types.Envelope{
		Seq:  2,
		Kind: types.KindNotification,
		JSON: map[string]any{
			"method": "turn/started",
			"params": map[string]any{"threadId": "thr_1", "turnId": "turn_1"},
		},
	}
	frame, err := EncodeSSE(envelope)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(frame, `"turnId":"turn_1"`) {
		t.Errorf("notification payload must stay intact: %q", frame)
	}
}
