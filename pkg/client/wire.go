// pkg/client/wire.go
package client

import (
	"fmt"
	"path/filepath"
	"strings"
)

// normalizeAttachments is a purely lexical pre-check: it canonicalizes
// paths to absolute against cwd and rejects empty strings and embedded
// NULs. File existence is deliberately not checked here.
func normalizeAttachments(cwd string, attachments []Attachment) ([]Attachment, error) {
	out := make([]Attachment, 0, len(attachments))
	for _, attachment := range attachments {
		switch attachment.Kind {
		case AttachmentImageURL:
			if strings.TrimSpace(attachment.URL) == "" {
				return nil, fmt.Errorf("%w: attachment url must not be empty", ErrInvalidRequest)
			}
		default:
			if strings.TrimSpace(attachment.Path) == "" {
				return nil, fmt.Errorf("%w: attachment path must not be empty", ErrInvalidRequest)
			}
			if strings.ContainsRune(attachment.Path, 0) {
				return nil, fmt.Errorf("%w: attachment path contains NUL", ErrInvalidRequest)
			}
			attachment.Path = resolveAttachmentPath(cwd, attachment.Path)
		}
		out = append(out, attachment)
	}
	return out, nil
}

// resolveAttachmentPath canonicalizes one path to absolute against cwd.
func resolveAttachmentPath(cwd, path string) string {
	if filepath.IsAbs(path) {
		return filepath.Clean(path)
	}
	return filepath.Join(cwd, path)
}

// checkSecurityGate enforces the privileged-escalation preconditions
// locally, before anything reaches the wire. Error text stays free of path
// contents.
func checkSecurityGate(p *PromptParams) error {
	if !p.Sandbox.Privileged() {
		return nil
	}
	if !p.PrivilegedEscalationApproved {
		return fmt.Errorf("%w: privileged sandbox requires explicit escalation approval", ErrInvalidRequest)
	}
	if p.ApprovalPolicy == ApprovalNever {
		return fmt.Errorf("%w: privileged sandbox requires an approval policy other than never", ErrInvalidRequest)
	}
	if strings.TrimSpace(p.Cwd) == "" && len(p.Sandbox.WritableRoots) == 0 {
		return fmt.Errorf("%w: privileged sandbox requires an explicit scope", ErrInvalidRequest)
	}
	return nil
}

// threadStartWire maps session defaults to thread/start (and thread/resume)
// params. The thread level speaks the legacy sandbox string.
func threadStartWire(p *PromptParams) map[string]any {
	params := map[string]any{}
	if p.Model != "" {
		params["model"] = p.Model
	}
	if p.Cwd != "" {
		params["cwd"] = p.Cwd
	}
	if p.ApprovalPolicy != "" {
		params["approvalPolicy"] = string(p.ApprovalPolicy)
	}
	if legacy := p.Sandbox.legacyWire(); legacy != "" {
		params["sandbox"] = legacy
	}
	return params
}

// turnStartWire maps prompt params to turn/start params.
func turnStartWire(threadID string, p *PromptParams) map[string]any {
	params := map[string]any{
		"threadId": threadID,
		"input":    buildPromptInputs(p.Prompt, p.Attachments),
	}
	if p.Cwd != "" {
		params["cwd"] = p.Cwd
	}
	if p.ApprovalPolicy != "" {
		params["approvalPolicy"] = string(p.ApprovalPolicy)
	}
	params["sandboxPolicy"] = p.Sandbox.toWire()
	if p.Model != "" {
		params["model"] = p.Model
	}
	if p.Effort != "" {
		params["effort"] = string(p.Effort)
	}
	if len(p.MetadataDelta) > 0 {
		metadata := make(map[string]any, len(p.MetadataDelta))
		for key, value := range p.MetadataDelta {
			metadata[key] = value
		}
		params["metadata"] = metadata
	}
	return params
}

// buildPromptInputs turns the prompt plus ordered attachments into wire
// input items. @path mentions are appended to the text with their byte
// ranges; other attachments trail as dedicated items.
func buildPromptInputs(prompt string, attachments []Attachment) []any {
	text := prompt
	var textElements []any
	var tail []any

	for _, attachment := range attachments {
		switch attachment.Kind {
		case AttachmentAtPath:
			if text != "" && !strings.HasSuffix(text, "\n") {
				text += "\n"
			}
			start := len(text)
			text += "@" + attachment.Path
			element := map[string]any{
				"byteRange": map[string]any{"start": start, "end": len(text)},
			}
			if attachment.Placeholder != "" {
				element["placeholder"] = attachment.Placeholder
			}
			textElements = append(textElements, element)
		case AttachmentImageURL:
			tail = append(tail, map[string]any{"type": "image", "url": attachment.URL})
		case AttachmentLocalImage:
			tail = append(tail, map[string]any{"type": "localImage", "path": attachment.Path})
		case AttachmentSkill:
			tail = append(tail, map[string]any{"type": "skill", "name": attachment.Name, "path": attachment.Path})
		}
	}

	head := map[string]any{"type": "text", "text": text}
	if len(textElements) > 0 {
		head["text_elements"] = textElements
	}
	return append([]any{head}, tail...)
}
