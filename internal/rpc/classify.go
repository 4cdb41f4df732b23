// internal/rpc/classify.go
package rpc

import (
	"github.com/user/turnstile/internal/types"
)

// IDSet holds the external identifiers extracted from one message.
type IDSet struct {
	ThreadID string
	TurnID   string
	ItemID   string
}

// Classify determines the JSON-RPC shape of a decoded message using key
// presence alone.
func Classify(msg map[string]any) types.MsgKind {
	_, hasID := msg["id"]
	_, hasMethod := msg["method"]
	_, hasResult := msg["result"]
	_, hasError := msg["error"]

	switch {
	case hasID && !hasMethod && (hasResult || hasError):
		return types.KindResponse
	case hasID && hasMethod && !hasResult && !hasError:
		return types.KindServerRequest
	case hasMethod && !hasID:
		return types.KindNotification
	default:
		return types.KindUnknown
	}
}

// ExtractIDs pulls thread/turn/item ids from the known shallow slots:
// params, result, error.data, then the message root. Both the flat
// "threadId" form and the nested `thread.id` form are recognized. Unknown
// methods simply yield an empty set.
func ExtractIDs(msg map[string]any) IDSet {
	roots := idRoots(msg)
	return IDSet{
		ThreadID: findID(roots, "threadId", "thread"),
		TurnID:   findID(roots, "turnId", "turn"),
		ItemID:   findID(roots, "itemId", "item"),
	}
}

func idRoots(msg map[string]any) []map[string]any {
	roots := make([]map[string]any, 0, 4)
	if params, ok := msg["params"].(map[string]any); ok {
		roots = append(roots, params)
	}
	if result, ok := msg["result"].(map[string]any); ok {
		roots = append(roots, result)
	}
	if errObj, ok := msg["error"].(map[string]any); ok {
		if data, ok := errObj["data"].(map[string]any); ok {
			roots = append(roots, data)
		}
	}
	return append(roots, msg)
}

func findID(roots []map[string]any, flatKey, nestedKey string) string {
	for _, root := range roots {
		if s, ok := root[flatKey].(string); ok && s != "" {
			return s
		}
		if nested, ok := root[nestedKey].(map[string]any); ok {
			if s, ok := nested["id"].(string); ok && s != "" {
				return s
			}
		}
	}
	return ""
}

// ResponseID returns the correlating numeric id of a response, when present.
func ResponseID(msg map[string]any) (uint64, bool) {
	ref, ok := types.ParseRPCRef(msg["id"])
	if !ok || !ref.IsNum {
		return 0, false
	}
	return ref.Num, true
}

// RequestRef returns the server-request id reference, when present.
func RequestRef(msg map[string]any) (types.RPCRef, bool) {
	return types.ParseRPCRef(msg["id"])
}

// ParseThreadID extracts a thread id from common result shapes.
func ParseThreadID(result any) string {
	return parseHandleID(result, "thread", "threadId")
}

// ParseTurnID extracts a turn id from common result shapes.
func ParseTurnID(result any) string {
	return parseHandleID(result, "turn", "turnId")
}

func parseHandleID(result any, nestedKey, flatKey string) string {
	switch v := result.(type) {
	case string:
		return v
	case map[string]any:
		if nested, ok := v[nestedKey].(map[string]any); ok {
			if s, ok := nested["id"].(string); ok && s != "" {
				return s
			}
		}
		if s, ok := v[flatKey].(string); ok && s != "" {
			return s
		}
		if s, ok := v["id"].(string); ok && s != "" {
			return s
		}
	}
	return ""
}
