// pkg/webwire/sse.go
//
// Serialization helpers for adapters that forward envelopes to external
// consumers. External ids (threadId, turnId, itemId, approvalId) survive;
// internal JSON-RPC correlation ids never do.
package webwire

import (
	"encoding/json"
	"fmt"

	"github.com/user/turnstile/internal/types"
)

// Redact strips internal identifiers from one serialized envelope object:
// the top-level rpcId always, and the embedded json.id for response and
// unknown kinds.
func Redact(envelope map[string]any) {
	delete(envelope, "rpcId")
	kind, _ := envelope["kind"].(string)
	if kind == string(types.KindResponse) || kind == string(types.KindUnknown) {
		if payload, ok := envelope["json"].(map[string]any); ok {
			delete(payload, "id")
		}
	}
}

// EncodeSSE renders one envelope as a server-sent-events data frame with
// internal identifiers redacted.
func EncodeSSE(envelope *types.Envelope) (string, error) {
	raw, err := json.Marshal(envelope)
	if err != nil {
		return "", fmt.Errorf("encode envelope: %w", err)
	}
	var generic map[string]any
	if err := json.Unmarshal(raw, &generic); err != nil {
		return "", fmt.Errorf("decode envelope: %w", err)
	}
	Redact(generic)
	redacted, err := json.Marshal(generic)
	if err != nil {
		return "", fmt.Errorf("encode redacted envelope: %w", err)
	}
	return "data: " + string(redacted) + "\n\n", nil
}
