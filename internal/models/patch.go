package models

import (
	"fmt"
	"strings"
)

// Patch is a named topic scope. Patches are owned by the patch CRUD
// collaborator; the discovery core treats them as read-only.
type Patch struct {
	ID      string   `json:"id"`
	Handle  string   `json:"handle"`
	Title   string   `json:"title"`
	Aliases []string `json:"aliases,omitempty"`
	Tags    []string `json:"tags,omitempty"`
}

// Validate checks the fields the core relies on.
func (p *Patch) Validate() error {
	if strings.TrimSpace(p.ID) == "" {
		return fmt.Errorf("patch ID is required")
	}
	if strings.TrimSpace(p.Handle) == "" {
		return fmt.Errorf("patch handle is required")
	}
	if strings.TrimSpace(p.Title) == "" {
		return fmt.Errorf("patch title is required")
	}
	return nil
}

// TopicLine renders the patch as a single line for scorer prompts,
// e.g. "Quantum computing (aka: QC, quantum computers) [physics, computing]".
func (p *Patch) TopicLine() string {
	var b strings.Builder
	b.WriteString(p.Title)
	if len(p.Aliases) > 0 {
		b.WriteString(" (aka: ")
		b.WriteString(strings.Join(p.Aliases, ", "))
		b.WriteString(")")
	}
	if len(p.Tags) > 0 {
		b.WriteString(" [")
		b.WriteString(strings.Join(p.Tags, ", "))
		b.WriteString("]")
	}
	return b.String()
}
