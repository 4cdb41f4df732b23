package contract

import (
	"errors"
	"testing"

	"github.com/user/turnstile/internal/rpc"
)

func embeddedValidator(t *testing.T) *Validator {
	t.Helper()
	bundle, err := Load("")
	if err != nil {
		t.Fatal(err)
	}
	return NewValidator(bundle)
}

func TestValidateRejectsEmptyMethod(t *testing.T) {
	v := embeddedValidator(t)
	if err := v.ValidateParams("", map[string]any{}, ModeKnownMethods); !errors.Is(err, rpc.ErrInvalidRequest) {
		t.Errorf("expected ErrInvalidRequest, got %v", err)
	}
	// The method-name check applies even in unchecked mode.
	if err := v.ValidateParams("", map[string]any{}, ModeUnchecked); !errors.Is(err, rpc.ErrInvalidRequest) {
		t.Errorf("expected ErrInvalidRequest in unchecked mode, got %v", err)
	}
}

func TestValidateTurnInterruptParamsShape(t *testing.T) {
	v := embeddedValidator(t)
	err := v.ValidateParams(MethodTurnInterrupt, map[string]any{"threadId": "thr"}, ModeKnownMethods)
	if !errors.Is(err, rpc.ErrInvalidRequest) {
		t.Errorf("missing turnId must fail, got %v", err)
	}
	err = v.ValidateParams(MethodTurnInterrupt, map[string]any{"threadId": "thr", "turnId": "turn"}, ModeKnownMethods)
	if err != nil {
		t.Errorf("valid params rejected: %v", err)
	}
}

func TestValidateThreadStartRejectsTurnLevelSandboxPolicy(t *testing.T) {
	v := embeddedValidator(t)
	err := v.ValidateParams(MethodThreadStart, map[string]any{
		"cwd":           "/tmp",
		"sandboxPolicy": map[string]any{"type": "readOnly"},
	}, ModeKnownMethods)
	if !errors.Is(err, rpc.ErrInvalidRequest) {
		t.Errorf("sandboxPolicy key must be rejected, got %v", err)
	}

	err = v.ValidateParams(MethodThreadStart, map[string]any{
		"cwd":     "/tmp",
		"sandbox": "read-only",
	}, ModeKnownMethods)
	if err != nil {
		t.Errorf("legacy sandbox string rejected: %v", err)
	}

	err = v.ValidateParams(MethodThreadStart, map[string]any{"sandbox": "  "}, ModeKnownMethods)
	if !errors.Is(err, rpc.ErrInvalidRequest) {
		t.Errorf("blank sandbox must fail, got %v", err)
	}
}

func TestValidateThreadStartResultThreadID(t *testing.T) {
	v := embeddedValidator(t)
	err := v.ValidateResult(MethodThreadStart, map[string]any{"thread": map[string]any{}}, ModeKnownMethods)
	if !errors.Is(err, rpc.ErrInvalidResponse) {
		t.Errorf("missing thread id must fail, got %v", err)
	}
	err = v.ValidateResult(MethodThreadStart, map[string]any{"thread": map[string]any{"id": "thr_1"}}, ModeKnownMethods)
	if err != nil {
		t.Errorf("valid response rejected: %v", err)
	}
}

func TestValidateTurnStartResultTurnID(t *testing.T) {
	v := embeddedValidator(t)
	err := v.ValidateResult(MethodTurnStart, map[string]any{"turn": map[string]any{}}, ModeKnownMethods)
	if !errors.Is(err, rpc.ErrInvalidResponse) {
		t.Errorf("missing turn id must fail, got %v", err)
	}
	err = v.ValidateResult(MethodTurnStart, map[string]any{"turn": map[string]any{"id": "turn_1"}}, ModeKnownMethods)
	if err != nil {
		t.Errorf("valid response rejected: %v", err)
	}
}

func TestValidateListResults(t *testing.T) {
	v := embeddedValidator(t)
	err := v.ValidateResult(MethodThreadList, map[string]any{"data": "nope"}, ModeKnownMethods)
	if !errors.Is(err, rpc.ErrInvalidResponse) {
		t.Errorf("non-array data must fail, got %v", err)
	}
	err = v.ValidateResult(MethodThreadList, map[string]any{"data": []any{}}, ModeKnownMethods)
	if err != nil {
		t.Errorf("valid list response rejected: %v", err)
	}
}

func TestUnknownMethodModes(t *testing.T) {
	v := embeddedValidator(t)
	if err := v.ValidateParams("echo/custom", map[string]any{"k": "v"}, ModeKnownMethods); err != nil {
		t.Errorf("unknown method must pass in known-methods mode: %v", err)
	}
	if err := v.ValidateResult("echo/custom", map[string]any{"ok": true}, ModeKnownMethods); err != nil {
		t.Errorf("unknown method result must pass in known-methods mode: %v", err)
	}
	if err := v.ValidateParams("echo/custom", map[string]any{}, ModeStrict); !errors.Is(err, rpc.ErrUnknownMethod) {
		t.Errorf("strict mode must reject unknown method, got %v", err)
	}
	if err := v.ValidateParams("turn/start", nil, ModeUnchecked); err != nil {
		t.Errorf("unchecked mode must skip shape checks: %v", err)
	}
}

func TestValidateAgainstBundledSchema(t *testing.T) {
	v := embeddedValidator(t)
	// TurnStartParams.json requires input to be an array of typed objects.
	err := v.ValidateParams(MethodTurnStart, map[string]any{
		"threadId": "thr",
		"input":    "not-an-array",
	}, ModeKnownMethods)
	if !errors.Is(err, rpc.ErrInvalidRequest) {
		t.Errorf("schema violation must fail, got %v", err)
	}
	err = v.ValidateParams(MethodTurnStart, map[string]any{
		"threadId": "thr",
		"input":    []any{map[string]any{"type": "text", "text": "hi"}},
	}, ModeKnownMethods)
	if err != nil {
		t.Errorf("schema-valid params rejected: %v", err)
	}
}

func TestSchemaFileName(t *testing.T) {
	cases := map[string]string{
		"thread/start":       "ThreadStartParams.json",
		"thread/loaded/list": "ThreadLoadedListParams.json",
		"turn/interrupt":     "TurnInterruptParams.json",
	}
	for method, want := range cases {
		if got := SchemaFileName(method, "Params"); got != want {
			t.Errorf("SchemaFileName(%q) = %q, want %q", method, got, want)
		}
	}
}

func TestCatalogIsStable(t *testing.T) {
	want := []string{
		MethodThreadStart, MethodThreadResume, MethodThreadFork,
		MethodThreadArchive, MethodThreadRead, MethodThreadList,
		MethodThreadLoadedList, MethodThreadRollback,
		MethodTurnStart, MethodTurnInterrupt,
	}
	if len(KnownMethods) != len(want) {
		t.Fatalf("catalog size = %d, want %d", len(KnownMethods), len(want))
	}
	for i, method := range want {
		if KnownMethods[i] != method {
			t.Errorf("catalog[%d] = %q, want %q", i, KnownMethods[i], method)
		}
	}
}
