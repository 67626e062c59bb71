// ABOUTME: Tool registry and per-turn selector
// ABOUTME: Deterministic trigger matching with sticky continuity for follow-up turns

package tools

import (
	"log/slog"
	"strings"

	"github.com/2389/yen-gateway/internal/store"
)

// Selection is the outcome of routing one turn to a tool.
type Selection struct {
	Tool Tool
	// Continued is true when sticky continuity routed the turn back to
	// the tool that answered the previous turn.
	Continued bool
	// Trigger holds the phrase that matched, empty for continuity or
	// default selection.
	Trigger string
}

// Registry holds the ordered tool table. Selection is deterministic:
// continuity first, then triggers in registration order, then the
// default tool.
type Registry struct {
	tools      []Tool
	defaultTol Tool
	logger     *slog.Logger
}

// NewRegistry creates a registry whose fallback is defaultTool. The
// default tool answers every turn no other tool claims; it needs no
// triggers.
func NewRegistry(defaultTool Tool) *Registry {
	return &Registry{
		defaultTol: defaultTool,
		logger:     slog.Default().With("component", "tools"),
	}
}

// Register appends a tool to the selection table. Order matters: the
// first trigger match wins.
func (r *Registry) Register(t Tool) {
	r.tools = append(r.tools, t)
}

// Get returns the registered tool with the given name, or nil. The
// default tool is found by its own name too.
func (r *Registry) Get(name string) Tool {
	for _, t := range r.tools {
		if t.Descriptor().Name == name {
			return t
		}
	}
	if r.defaultTol != nil && r.defaultTol.Descriptor().Name == name {
		return r.defaultTol
	}
	return nil
}

// Select routes a turn to a tool. It never fails; with nothing
// registered the default tool takes the turn.
//
// Continuity rule: if the previous assistant message came from a sticky
// tool, no other tool's trigger phrase appears in the turn, and the
// turn looks like a follow-up, the same tool is selected again. A
// follow-up is a turn containing a standalone anaphoric word (it, that,
// this, ...) or a turn of at most eight words.
func (r *Registry) Select(turn string, history []store.Message) Selection {
	lower := strings.ToLower(turn)

	if prev := r.previousStickyTool(history); prev != nil {
		if !r.otherToolTriggered(prev, lower) && looksLikeFollowUp(lower) {
			r.logger.Debug("sticky continuity", "tool", prev.Descriptor().Name)
			return Selection{Tool: prev, Continued: true}
		}
	}

	for _, t := range r.tools {
		if trigger := matchTrigger(t, lower); trigger != "" {
			return Selection{Tool: t, Trigger: trigger}
		}
	}

	return Selection{Tool: r.defaultTol}
}

// previousStickyTool returns the sticky tool that produced the most
// recent assistant message, or nil.
func (r *Registry) previousStickyTool(history []store.Message) Tool {
	for i := len(history) - 1; i >= 0; i-- {
		m := history[i]
		if m.Role != store.RoleAssistant {
			continue
		}
		if m.ToolName == "" {
			return nil
		}
		t := r.Get(m.ToolName)
		if t != nil && t.Descriptor().Sticky {
			return t
		}
		return nil
	}
	return nil
}

func (r *Registry) otherToolTriggered(current Tool, lower string) bool {
	for _, t := range r.tools {
		if t == current {
			continue
		}
		if matchTrigger(t, lower) != "" {
			return true
		}
	}
	return false
}

func matchTrigger(t Tool, lower string) string {
	for _, trigger := range t.Descriptor().Triggers {
		if strings.Contains(lower, trigger) {
			return trigger
		}
	}
	return ""
}

var anaphora = map[string]bool{
	"it": true, "that": true, "this": true, "these": true,
	"those": true, "them": true, "one": true, "ones": true,
}

const followUpMaxWords = 8

// looksLikeFollowUp applies the continuity heuristic: a standalone
// anaphoric word, or a short turn.
func looksLikeFollowUp(lower string) bool {
	words := strings.FieldsFunc(lower, func(r rune) bool {
		return !('a' <= r && r <= 'z') && !('0' <= r && r <= '9') && r != '\''
	})
	if len(words) <= followUpMaxWords {
		return true
	}
	for _, w := range words {
		if anaphora[w] {
			return true
		}
	}
	return false
}
