// internal/types/envelope.go
package types

import (
	"encoding/json"
	"fmt"
	"strconv"
)

// MsgKind classifies one wire message by its JSON-RPC shape.
type MsgKind string

const (
	KindResponse      MsgKind = "response"
	KindServerRequest MsgKind = "serverRequest"
	KindNotification  MsgKind = "notification"
	KindUnknown       MsgKind = "unknown"
)

// Direction records which side of the pipe a message crossed.
type Direction string

const (
	DirectionInbound  Direction = "inbound"
	DirectionOutbound Direction = "outbound"
)

// RPCRef is a JSON-RPC id that may be an integer or a string on the wire.
type RPCRef struct {
	Num   uint64
	Text  string
	IsNum bool
}

func NumRef(n uint64) RPCRef  { return RPCRef{Num: n, IsNum: true} }
func TextRef(s string) RPCRef { return RPCRef{Text: s} }

// Key returns a stable map key that keeps the numeric and string id spaces
// disjoint.
func (r RPCRef) Key() string {
	if r.IsNum {
		return "n:" + strconv.FormatUint(r.Num, 10)
	}
	return "s:" + r.Text
}

func (r RPCRef) String() string {
	if r.IsNum {
		return strconv.FormatUint(r.Num, 10)
	}
	return r.Text
}

func (r RPCRef) MarshalJSON() ([]byte, error) {
	if r.IsNum {
		return json.Marshal(r.Num)
	}
	return json.Marshal(r.Text)
}

func (r *RPCRef) UnmarshalJSON(data []byte) error {
	var n uint64
	if err := json.Unmarshal(data, &n); err == nil {
		r.Num = n
		r.IsNum = true
		return nil
	}
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		r.Text = s
		r.IsNum = false
		return nil
	}
	return fmt.Errorf("rpc id must be integer or string: %s", data)
}

// ParseRPCRef converts a decoded JSON value into an id reference.
func ParseRPCRef(v any) (RPCRef, bool) {
	switch id := v.(type) {
	case float64:
		if id >= 0 && id == float64(uint64(id)) {
			return NumRef(uint64(id)), true
		}
		return RPCRef{}, false
	case string:
		return TextRef(id), true
	case json.Number:
		n, err := strconv.ParseUint(id.String(), 10, 64)
		if err != nil {
			return RPCRef{}, false
		}
		return NumRef(n), true
	default:
		return RPCRef{}, false
	}
}

// Envelope is the immutable record of one wire event after classification.
// It is created by the dispatcher and never mutated afterwards; consumers
// that serialize it for external transport must strip RPCID first.
type Envelope struct {
	Seq       uint64         `json:"seq"`
	TSMillis  int64          `json:"tsMillis"`
	Direction Direction      `json:"direction"`
	Kind      MsgKind        `json:"kind"`
	RPCID     *RPCRef        `json:"rpcId,omitempty"`
	Method    string         `json:"method,omitempty"`
	ThreadID  string         `json:"threadId,omitempty"`
	TurnID    string         `json:"turnId,omitempty"`
	ItemID    string         `json:"itemId,omitempty"`
	JSON      map[string]any `json:"json"`
}

// MethodInvalid marks envelopes built from frames that could not be
// classified as any JSON-RPC shape. They are published and counted, never
// silently dropped.
const MethodInvalid = "__invalid__"
