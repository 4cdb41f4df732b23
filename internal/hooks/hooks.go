// internal/hooks/hooks.go
package hooks

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// ContractVersion gates hook implementations against the runtime. A major
// mismatch is a hard error at registration.
type ContractVersion struct {
	Major int
	Minor int
}

// CurrentContract is the hook contract this runtime speaks.
var CurrentContract = ContractVersion{Major: 1, Minor: 0}

// Compatible reports whether two contract versions can interoperate.
func (v ContractVersion) Compatible(other ContractVersion) bool {
	return v.Major == other.Major
}

func (v ContractVersion) String() string {
	return fmt.Sprintf("%d.%d", v.Major, v.Minor)
}

// Phase identifies where in a run a hook executes.
type Phase string

const (
	PhasePreRun   Phase = "preRun"
	PhasePostRun  Phase = "postRun"
	PhasePreTurn  Phase = "preTurn"
	PhasePostTurn Phase = "postTurn"
)

// IssueClass categorizes one recorded hook problem.
type IssueClass string

const (
	ClassMutation   IssueClass = "mutation"
	ClassValidation IssueClass = "validation"
	ClassExecution  IssueClass = "execution"
)

// Issue is one recorded hook problem. Hook problems never change the turn
// outcome; they only accumulate here.
type Issue struct {
	HookName string     `json:"hookName"`
	Phase    Phase      `json:"phase"`
	Class    IssueClass `json:"class"`
	Message  string     `json:"message"`
}

// Report is the append-only issue list surfaced alongside a turn result.
type Report struct {
	Issues []Issue `json:"issues"`
}

func (r *Report) Push(issue Issue) {
	r.Issues = append(r.Issues, issue)
}

// Clean reports whether no issues were recorded.
func (r *Report) Clean() bool {
	return len(r.Issues) == 0
}

// Attachment mirrors the prompt attachment kinds a hook may add.
type Attachment struct {
	Kind        string // "atPath", "imageUrl", "localImage", "skill"
	Path        string
	URL         string
	Name        string
	Placeholder string
}

// Patch is the bounded mutation a pre-hook may request. Fields outside this
// whitelist do not exist: a hook physically cannot touch anything else.
type Patch struct {
	PromptOverride *string
	ModelOverride  *string
	AddAttachments []Attachment
	MetadataDelta  map[string]string
}

// Context is the read-only view handed to each hook invocation.
type Context struct {
	Phase         Phase
	ThreadID      string
	TurnID        string
	Cwd           string
	Model         string
	MainStatus    string
	CorrelationID string
	TSMillis      int64
	Metadata      map[string]string
}

// PreHook runs before the core call and may return a bounded patch.
type PreHook interface {
	Name() string
	RunPre(ctx context.Context, hc *Context) (*Patch, error)
}

// PostHook runs after the terminal event. It sees the final status through
// the context and cannot alter the result.
type PostHook interface {
	Name() string
	RunPost(ctx context.Context, hc *Context) error
}

// Versioned is optionally implemented by hooks that declare a contract
// version; hooks without it are assumed current.
type Versioned interface {
	HookContract() ContractVersion
}

// Config is an ordered hook registration set.
type Config struct {
	Pre  []PreHook
	Post []PostHook
}

// Empty reports whether no hooks are registered. With an empty config the
// runtime takes the hook-free path, byte-identical on the wire.
func (c Config) Empty() bool {
	return len(c.Pre) == 0 && len(c.Post) == 0
}

// WithPre appends one pre-hook.
func (c Config) WithPre(hook PreHook) Config {
	c.Pre = append(c.Pre, hook)
	return c
}

// WithPost appends one post-hook.
func (c Config) WithPost(hook PostHook) Config {
	c.Post = append(c.Post, hook)
	return c
}

// Merge overlays per-call hooks onto defaults, deduplicated by name with
// the overlay winning.
func Merge(defaults, overlay Config) Config {
	if defaults.Empty() {
		return overlay
	}
	if overlay.Empty() {
		return defaults
	}
	merged := Config{}
	preNames := map[string]bool{}
	for _, hook := range overlay.Pre {
		if !preNames[hook.Name()] {
			preNames[hook.Name()] = true
			merged.Pre = append(merged.Pre, hook)
		}
	}
	for _, hook := range defaults.Pre {
		if !preNames[hook.Name()] {
			preNames[hook.Name()] = true
			merged.Pre = append(merged.Pre, hook)
		}
	}
	postNames := map[string]bool{}
	for _, hook := range overlay.Post {
		if !postNames[hook.Name()] {
			postNames[hook.Name()] = true
			merged.Post = append(merged.Post, hook)
		}
	}
	for _, hook := range defaults.Post {
		if !postNames[hook.Name()] {
			postNames[hook.Name()] = true
			merged.Post = append(merged.Post, hook)
		}
	}
	return merged
}

// CheckContract validates a hook's declared contract version.
func CheckContract(hook any) error {
	versioned, ok := hook.(Versioned)
	if !ok {
		return nil
	}
	declared := versioned.HookContract()
	if !CurrentContract.Compatible(declared) {
		return fmt.Errorf("hook contract %s is incompatible with runtime contract %s", declared, CurrentContract)
	}
	return nil
}

// MutationTarget is the prompt-side state a pre-hook patch may change.
type MutationTarget struct {
	Prompt      string
	Model       string
	Attachments []Attachment
	Metadata    map[string]string
}

// RunPreChain executes pre-hooks in order with fail-open semantics: an
// erroring hook is recorded and the chain continues. Patches are applied
// under the mutation whitelist; attachment paths that do not resolve under
// cwd are recorded as validation issues and skipped.
func RunPreChain(ctx context.Context, chain []PreHook, hc *Context, target *MutationTarget, report *Report) {
	for _, hook := range chain {
		patch, err := hook.RunPre(ctx, hc)
		if err != nil {
			report.Push(Issue{
				HookName: hook.Name(),
				Phase:    hc.Phase,
				Class:    ClassExecution,
				Message:  err.Error(),
			})
			continue
		}
		if patch == nil {
			continue
		}
		applyPatch(hook.Name(), hc, patch, target, report)
	}
}

// RunPostChain executes post-hooks in order with fail-open semantics.
func RunPostChain(ctx context.Context, chain []PostHook, hc *Context, report *Report) {
	for _, hook := range chain {
		if err := hook.RunPost(ctx, hc); err != nil {
			report.Push(Issue{
				HookName: hook.Name(),
				Phase:    hc.Phase,
				Class:    ClassExecution,
				Message:  err.Error(),
			})
		}
	}
}

func applyPatch(hookName string, hc *Context, patch *Patch, target *MutationTarget, report *Report) {
	if patch.PromptOverride != nil {
		target.Prompt = *patch.PromptOverride
	}
	if patch.ModelOverride != nil {
		target.Model = *patch.ModelOverride
	}
	for _, attachment := range patch.AddAttachments {
		if !attachmentValid(hc.Cwd, attachment) {
			report.Push(Issue{
				HookName: hookName,
				Phase:    hc.Phase,
				Class:    ClassValidation,
				Message:  "hook attachment path not found; mutation ignored",
			})
			continue
		}
		target.Attachments = append(target.Attachments, attachment)
	}
	for key, value := range patch.MetadataDelta {
		if target.Metadata == nil {
			target.Metadata = make(map[string]string)
		}
		target.Metadata[key] = value
	}
}

func attachmentValid(cwd string, attachment Attachment) bool {
	switch attachment.Kind {
	case "imageUrl":
		return strings.TrimSpace(attachment.URL) != ""
	default:
		path := attachment.Path
		if strings.TrimSpace(path) == "" {
			return false
		}
		if !filepath.IsAbs(path) {
			path = filepath.Join(cwd, path)
		}
		_, err := os.Stat(path)
		return err == nil
	}
}
