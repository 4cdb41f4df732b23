// pkg/client/profile.go
package client

import (
	"time"

	"github.com/user/turnstile/internal/hooks"
)

// Effort is the reasoning effort requested for a turn.
type Effort string

const (
	EffortNone    Effort = "none"
	EffortMinimal Effort = "minimal"
	EffortLow     Effort = "low"
	EffortMedium  Effort = "medium"
	EffortHigh    Effort = "high"
	EffortXHigh   Effort = "xhigh"
)

// DefaultEffort keeps reasoning enabled with broad model compatibility.
const DefaultEffort = EffortMedium

// ApprovalPolicy selects when the child asks the host for approval.
type ApprovalPolicy string

const (
	ApprovalNever     ApprovalPolicy = "never"
	ApprovalOnRequest ApprovalPolicy = "on-request"
	ApprovalOnFailure ApprovalPolicy = "on-failure"
	ApprovalUntrusted ApprovalPolicy = "untrusted"
)

// SandboxType enumerates the sandbox presets.
type SandboxType string

const (
	SandboxReadOnly         SandboxType = "readOnly"
	SandboxWorkspaceWrite   SandboxType = "workspaceWrite"
	SandboxDangerFullAccess SandboxType = "dangerFullAccess"
)

// SandboxPolicy describes the sandbox a turn runs under. A non-nil Raw
// payload is passed through verbatim instead of the preset.
type SandboxPolicy struct {
	Type          SandboxType
	WritableRoots []string
	NetworkAccess bool
	Raw           map[string]any
}

// ReadOnlySandbox is the safe default.
func ReadOnlySandbox() SandboxPolicy {
	return SandboxPolicy{Type: SandboxReadOnly}
}

// WorkspaceWriteSandbox scopes writes to the given roots.
func WorkspaceWriteSandbox(writableRoots []string, networkAccess bool) SandboxPolicy {
	return SandboxPolicy{
		Type:          SandboxWorkspaceWrite,
		WritableRoots: writableRoots,
		NetworkAccess: networkAccess,
	}
}

// Privileged reports whether the policy escalates beyond read-only.
func (p SandboxPolicy) Privileged() bool {
	return p.Raw == nil && (p.Type == SandboxWorkspaceWrite || p.Type == SandboxDangerFullAccess)
}

func (p SandboxPolicy) toWire() any {
	if p.Raw != nil {
		return p.Raw
	}
	wire := map[string]any{"type": string(p.Type)}
	if p.Type == SandboxWorkspaceWrite {
		roots := make([]any, 0, len(p.WritableRoots))
		for _, root := range p.WritableRoots {
			roots = append(roots, root)
		}
		wire["writableRoots"] = roots
		wire["networkAccess"] = p.NetworkAccess
	}
	return wire
}

// legacyWire maps a preset to the thread-level sandbox string. Raw policies
// have no thread-level form.
func (p SandboxPolicy) legacyWire() string {
	if p.Raw != nil {
		return ""
	}
	switch p.Type {
	case SandboxWorkspaceWrite:
		return "workspace-write"
	case SandboxDangerFullAccess:
		return "danger-full-access"
	default:
		return "read-only"
	}
}

// AttachmentKind enumerates the prompt attachment forms.
type AttachmentKind string

const (
	AttachmentAtPath     AttachmentKind = "atPath"
	AttachmentImageURL   AttachmentKind = "imageUrl"
	AttachmentLocalImage AttachmentKind = "localImage"
	AttachmentSkill      AttachmentKind = "skill"
)

// Attachment is one prompt attachment, ordered within a turn.
type Attachment struct {
	Kind        AttachmentKind
	Path        string
	URL         string
	Name        string
	Placeholder string
}

// AttachPath builds an @path attachment.
func AttachPath(path string) Attachment {
	return Attachment{Kind: AttachmentAtPath, Path: path}
}

// AttachPathWithPlaceholder builds an @path attachment with a placeholder.
func AttachPathWithPlaceholder(path, placeholder string) Attachment {
	return Attachment{Kind: AttachmentAtPath, Path: path, Placeholder: placeholder}
}

// AttachImageURL builds a remote image attachment.
func AttachImageURL(url string) Attachment {
	return Attachment{Kind: AttachmentImageURL, URL: url}
}

// AttachLocalImage builds a local image attachment.
func AttachLocalImage(path string) Attachment {
	return Attachment{Kind: AttachmentLocalImage, Path: path}
}

// AttachSkill builds a skill attachment.
func AttachSkill(name, path string) Attachment {
	return Attachment{Kind: AttachmentSkill, Name: name, Path: path}
}

// RunProfile is a reusable bundle of turn options.
type RunProfile struct {
	Model          string
	Effort         Effort
	ApprovalPolicy ApprovalPolicy
	Sandbox        SandboxPolicy
	// PrivilegedEscalationApproved is the explicit opt-in gate for sandbox
	// escalation. It stays false unless the caller turns it on.
	PrivilegedEscalationApproved bool
	Attachments                  []Attachment
	MetadataDelta                map[string]string
	Timeout                      time.Duration
	Hooks                        hooks.Config
}

// NewRunProfile returns a profile with safe defaults.
func NewRunProfile() RunProfile {
	return RunProfile{
		Effort:         DefaultEffort,
		ApprovalPolicy: ApprovalNever,
		Sandbox:        ReadOnlySandbox(),
		Timeout:        120 * time.Second,
	}
}

// WithModel sets an explicit model override.
func (p RunProfile) WithModel(model string) RunProfile {
	p.Model = model
	return p
}

// WithEffort sets the reasoning effort.
func (p RunProfile) WithEffort(effort Effort) RunProfile {
	p.Effort = effort
	return p
}

// WithApprovalPolicy sets the approval policy.
func (p RunProfile) WithApprovalPolicy(policy ApprovalPolicy) RunProfile {
	p.ApprovalPolicy = policy
	return p
}

// WithSandbox sets the sandbox policy.
func (p RunProfile) WithSandbox(sandbox SandboxPolicy) RunProfile {
	p.Sandbox = sandbox
	return p
}

// AllowPrivilegedEscalation approves escalated sandboxes for runs using
// this profile. Callers must also pick a non-never approval policy and an
// explicit scope.
func (p RunProfile) AllowPrivilegedEscalation() RunProfile {
	p.PrivilegedEscalationApproved = true
	return p
}

// WithTimeout sets the per-turn timeout.
func (p RunProfile) WithTimeout(timeout time.Duration) RunProfile {
	p.Timeout = timeout
	return p
}

// WithAttachment appends one attachment.
func (p RunProfile) WithAttachment(attachment Attachment) RunProfile {
	p.Attachments = append(p.Attachments, attachment)
	return p
}

// WithMetadata merges one metadata key.
func (p RunProfile) WithMetadata(key, value string) RunProfile {
	if p.MetadataDelta == nil {
		p.MetadataDelta = make(map[string]string)
	}
	p.MetadataDelta[key] = value
	return p
}

// WithPreHook appends a pre-hook scoped to runs using this profile.
func (p RunProfile) WithPreHook(hook hooks.PreHook) RunProfile {
	p.Hooks.Pre = append(p.Hooks.Pre, hook)
	return p
}

// WithPostHook appends a post-hook scoped to runs using this profile.
func (p RunProfile) WithPostHook(hook hooks.PostHook) RunProfile {
	p.Hooks.Post = append(p.Hooks.Post, hook)
	return p
}

// SessionConfig is a RunProfile pinned to a working directory.
type SessionConfig struct {
	Cwd     string
	Profile RunProfile
}

// NewSessionConfig returns session defaults for one working directory.
func NewSessionConfig(cwd string) SessionConfig {
	return SessionConfig{Cwd: cwd, Profile: NewRunProfile()}
}

// SessionConfigFromProfile pins an existing profile to a directory.
func SessionConfigFromProfile(cwd string, profile RunProfile) SessionConfig {
	return SessionConfig{Cwd: cwd, Profile: profile}
}

// PromptParams is the fully resolved input for one prompt run.
type PromptParams struct {
	Cwd                          string
	Prompt                       string
	Model                        string
	Effort                       Effort
	ApprovalPolicy               ApprovalPolicy
	Sandbox                      SandboxPolicy
	PrivilegedEscalationApproved bool
	Attachments                  []Attachment
	MetadataDelta                map[string]string
	Timeout                      time.Duration
}

// NewPromptParams builds prompt params with safe defaults.
func NewPromptParams(cwd, prompt string) PromptParams {
	return PromptParams{
		Cwd:            cwd,
		Prompt:         prompt,
		Effort:         DefaultEffort,
		ApprovalPolicy: ApprovalNever,
		Sandbox:        ReadOnlySandbox(),
		Timeout:        120 * time.Second,
	}
}

func promptParamsFromProfile(cwd, prompt string, profile RunProfile) PromptParams {
	effort := profile.Effort
	if effort == "" {
		effort = DefaultEffort
	}
	policy := profile.ApprovalPolicy
	if policy == "" {
		policy = ApprovalNever
	}
	timeout := profile.Timeout
	if timeout <= 0 {
		timeout = 120 * time.Second
	}
	return PromptParams{
		Cwd:                          cwd,
		Prompt:                       prompt,
		Model:                        profile.Model,
		Effort:                       effort,
		ApprovalPolicy:               policy,
		Sandbox:                      profile.Sandbox,
		PrivilegedEscalationApproved: profile.PrivilegedEscalationApproved,
		Attachments:                  append([]Attachment(nil), profile.Attachments...),
		MetadataDelta:                cloneMetadata(profile.MetadataDelta),
		Timeout:                      timeout,
	}
}

func cloneMetadata(metadata map[string]string) map[string]string {
	if metadata == nil {
		return nil
	}
	out := make(map[string]string, len(metadata))
	for key, value := range metadata {
		out[key] = value
	}
	return out
}
