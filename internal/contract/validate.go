// internal/contract/validate.go
package contract

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/kaptinlin/jsonschema"

	"github.com/user/turnstile/internal/rpc"
)

// Mode selects the strictness of JSON-RPC contract checks.
type Mode int

const (
	// ModeKnownMethods validates methods present in the catalog and passes
	// everything else through. Default.
	ModeKnownMethods Mode = iota
	// ModeStrict additionally rejects methods absent from the catalog.
	ModeStrict
	// ModeUnchecked skips all contract checks.
	ModeUnchecked
)

func (m Mode) String() string {
	switch m {
	case ModeKnownMethods:
		return "known-methods"
	case ModeStrict:
		return "strict"
	case ModeUnchecked:
		return "unchecked"
	default:
		return fmt.Sprintf("mode(%d)", int(m))
	}
}

// Validator checks request params and response results against the verified
// schema bundle plus a small set of structural invariants the schemas cannot
// express. Compiled schemas are cached per validator.
type Validator struct {
	bundle *Bundle

	mu       sync.Mutex
	compiled map[string]*jsonschema.Schema
}

// NewValidator wraps a verified bundle.
func NewValidator(bundle *Bundle) *Validator {
	return &Validator{
		bundle:   bundle,
		compiled: make(map[string]*jsonschema.Schema),
	}
}

// ValidateParams checks outgoing request params for one method under mode.
// Validation happens before any wire I/O: a failure means nothing is sent.
func (v *Validator) ValidateParams(method string, params any, mode Mode) error {
	if err := validateMethodName(method); err != nil {
		return err
	}
	if mode == ModeUnchecked {
		return nil
	}
	if !IsKnownMethod(method) {
		if mode == ModeStrict {
			return fmt.Errorf("%w: %s", rpc.ErrUnknownMethod, method)
		}
		return nil
	}

	obj, ok := params.(map[string]any)
	if !ok {
		return fmt.Errorf("%w: %s params must be an object", rpc.ErrInvalidRequest, method)
	}
	if err := validateParamsShape(method, obj); err != nil {
		return err
	}
	if err := v.validateAgainstSchema(method, "Params", params); err != nil {
		return fmt.Errorf("%w: %s params: %v", rpc.ErrInvalidRequest, method, err)
	}
	return nil
}

// ValidateResult checks an incoming response result for one method under
// mode. A malformed result for a known method is an invalid-response error.
func (v *Validator) ValidateResult(method string, result any, mode Mode) error {
	if err := validateMethodName(method); err != nil {
		return err
	}
	if mode == ModeUnchecked {
		return nil
	}
	if !IsKnownMethod(method) {
		if mode == ModeStrict {
			return fmt.Errorf("%w: %s", rpc.ErrUnknownMethod, method)
		}
		return nil
	}

	if err := validateResultShape(method, result); err != nil {
		return err
	}
	if err := v.validateAgainstSchema(method, "Result", result); err != nil {
		return fmt.Errorf("%w: %s result: %v", rpc.ErrInvalidResponse, method, err)
	}
	return nil
}

func (v *Validator) validateAgainstSchema(method, role string, value any) error {
	schema, err := v.schemaFor(method, role)
	if err != nil {
		return err
	}
	if schema == nil {
		return nil
	}
	raw, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("serialize value for schema check: %w", err)
	}
	result := schema.ValidateJSON(raw)
	if result.IsValid() {
		return nil
	}
	return fmt.Errorf("schema validation failed: %v", result.Errors)
}

func (v *Validator) schemaFor(method, role string) (*jsonschema.Schema, error) {
	key := method + "#" + role
	v.mu.Lock()
	defer v.mu.Unlock()
	if schema, ok := v.compiled[key]; ok {
		return schema, nil
	}

	raw, ok := v.bundle.Schemas["./"+SchemaFileName(method, role)]
	if !ok {
		v.compiled[key] = nil
		return nil, nil
	}
	compiler := jsonschema.NewCompiler()
	schema, err := compiler.Compile(raw)
	if err != nil {
		return nil, fmt.Errorf("compile schema for %s %s: %w", method, role, err)
	}
	v.compiled[key] = schema
	return schema, nil
}

func validateMethodName(method string) error {
	if strings.TrimSpace(method) == "" {
		return fmt.Errorf("%w: json-rpc method must not be empty", rpc.ErrInvalidRequest)
	}
	return nil
}

// validateParamsShape enforces invariants the bundled schemas cannot
// express, notably that thread/start uses the legacy "sandbox" string while
// sandboxPolicy objects are turn-level only.
func validateParamsShape(method string, params map[string]any) error {
	switch method {
	case MethodThreadStart:
		if _, has := params["sandboxPolicy"]; has {
			return fmt.Errorf("%w: %s: params.sandboxPolicy is not valid for thread/start; use params.sandbox", rpc.ErrInvalidRequest, method)
		}
		if sandbox, has := params["sandbox"]; has {
			s, ok := sandbox.(string)
			if !ok || strings.TrimSpace(s) == "" {
				return fmt.Errorf("%w: %s: params.sandbox must be a non-empty string when provided", rpc.ErrInvalidRequest, method)
			}
		}
		return nil
	case MethodThreadResume, MethodThreadFork, MethodThreadArchive,
		MethodThreadRead, MethodThreadRollback, MethodTurnStart:
		return requireString(method, params, "threadId")
	case MethodTurnInterrupt:
		if err := requireString(method, params, "threadId"); err != nil {
			return err
		}
		return requireString(method, params, "turnId")
	default:
		return nil
	}
}

func validateResultShape(method string, result any) error {
	switch method {
	case MethodThreadStart, MethodThreadResume, MethodThreadFork,
		MethodThreadRead, MethodThreadRollback:
		if rpc.ParseThreadID(result) == "" {
			return fmt.Errorf("%w: %s: result is missing thread id", rpc.ErrInvalidResponse, method)
		}
	case MethodTurnStart:
		if rpc.ParseTurnID(result) == "" {
			return fmt.Errorf("%w: %s: result is missing turn id", rpc.ErrInvalidResponse, method)
		}
	case MethodThreadList, MethodThreadLoadedList:
		obj, ok := result.(map[string]any)
		if !ok {
			return fmt.Errorf("%w: %s: result must be an object", rpc.ErrInvalidResponse, method)
		}
		if _, ok := obj["data"].([]any); !ok {
			return fmt.Errorf("%w: %s: result.data must be an array", rpc.ErrInvalidResponse, method)
		}
	case MethodThreadArchive, MethodTurnInterrupt:
		if _, ok := result.(map[string]any); !ok {
			return fmt.Errorf("%w: %s: result must be an object", rpc.ErrInvalidResponse, method)
		}
	}
	return nil
}

func requireString(method string, params map[string]any, key string) error {
	value, ok := params[key].(string)
	if !ok || strings.TrimSpace(value) == "" {
		return fmt.Errorf("%w: %s: params.%s must be a non-empty string", rpc.ErrInvalidRequest, method, key)
	}
	return nil
}

// DecodeParams is a helper for typed callers: round-trips an arbitrary
// value through JSON into a generic object.
func DecodeParams(params any) (map[string]any, error) {
	raw, err := json.Marshal(params)
	if err != nil {
		return nil, fmt.Errorf("%w: serialize params: %v", rpc.ErrInvalidRequest, err)
	}
	var obj map[string]any
	if err := json.Unmarshal(raw, &obj); err != nil {
		return nil, fmt.Errorf("%w: params must serialize to an object: %v", rpc.ErrInvalidRequest, err)
	}
	return obj, nil
}
