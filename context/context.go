// Package context builds the final prompt sent to the LLM engine for
// one turn: persona, attached files, environment, and history,
// ordered and pruned to fit a token budget.
//
// (This package name shadows the standard library's context package;
// callers import it under a distinct alias, as the teacher's own
// packages do for similarly-named domain concepts.)
package context

import (
	"fmt"
	"sort"
	"strings"
)

// FragmentKind identifies the source of an AttachmentFragment, which
// determines both its position in the rendered prompt and its
// rendering style.
type FragmentKind int

const (
	KindSystemPersona FragmentKind = iota
	KindActiveSkill
	KindWorkspaceFile
	KindEnvironment
	KindChatHistory
	KindUserRequest
)

// position returns each kind's place in the rendered prompt: 0 is the
// top, higher values come later.
func (k FragmentKind) position() int {
	switch k {
	case KindSystemPersona:
		return 0
	case KindActiveSkill:
		return 1
	case KindWorkspaceFile:
		return 2
	case KindEnvironment:
		return 3
	case KindChatHistory:
		return 4
	case KindUserRequest:
		return 5
	default:
		return 99
	}
}

// Pruning priorities: higher values are dropped first under pressure.
const (
	PriorityEssential = 0
	PriorityHigh      = 3
	PriorityMedium    = 5
	PriorityLow       = 10
)

// EstimatedCharsPerToken approximates token count from byte length
// without invoking a real tokenizer, matching spec.md §4.2's
// estimation rule.
const EstimatedCharsPerToken = 4

// FragmentKey uniquely identifies a fragment. RefID disambiguates
// fragments of the same Kind (e.g. two distinct workspace files).
type FragmentKey struct {
	Kind  FragmentKind
	RefID string
}

// Fragment is one addressable piece of context with the metadata
// needed for priority-based pruning.
type Fragment struct {
	Content     string
	Priority    int
	Tokens      int
	IsEssential bool
}

// Builder assembles and prunes the attachment set for one turn. It is
// not safe for concurrent use — the actor goroutine owns it for the
// duration of a single turn.
type Builder struct {
	order []FragmentKey
	items map[FragmentKey]Fragment
}

// NewBuilder creates an empty Builder.
func NewBuilder() *Builder {
	return &Builder{items: make(map[FragmentKey]Fragment)}
}

// AddFragment inserts or replaces the fragment at key, preserving
// first-insertion order for keys not yet present.
func (b *Builder) AddFragment(key FragmentKey, frag Fragment) {
	if _, exists := b.items[key]; !exists {
		b.order = append(b.order, key)
	}
	b.items[key] = frag
}

// SortByPosition orders fragments System -> Skills -> Files ->
// Environment -> History -> Request, stable within a kind.
func (b *Builder) SortByPosition() {
	sort.SliceStable(b.order, func(i, j int) bool {
		return b.order[i].Kind.position() < b.order[j].Kind.position()
	})
}

// TotalTokens sums the estimated token count across all fragments.
func (b *Builder) TotalTokens() int {
	total := 0
	for _, f := range b.items {
		total += f.Tokens
	}
	return total
}

// OptimizeForLimit drops non-essential fragments, highest-priority-
// value (least important) first, until the total token estimate is at
// or under maxTokens. Essential fragments are never dropped, even if
// the limit is still exceeded afterward.
func (b *Builder) OptimizeForLimit(maxTokens int) {
	current := b.TotalTokens()
	if current <= maxTokens {
		return
	}

	candidates := make([]FragmentKey, 0, len(b.order))
	for _, key := range b.order {
		if !b.items[key].IsEssential {
			candidates = append(candidates, key)
		}
	}
	sort.SliceStable(candidates, func(i, j int) bool {
		return b.items[candidates[i]].Priority > b.items[candidates[j]].Priority
	})

	for _, key := range candidates {
		f, ok := b.items[key]
		if !ok {
			continue
		}
		current -= f.Tokens
		b.remove(key)
		if current <= maxTokens {
			break
		}
	}
}

func (b *Builder) remove(key FragmentKey) {
	delete(b.items, key)
	for i, k := range b.order {
		if k == key {
			b.order = append(b.order[:i], b.order[i+1:]...)
			break
		}
	}
}

// Render assembles the surviving fragments into the final prompt
// text, wrapping workspace files in <file_context> markers.
func (b *Builder) Render() string {
	var out strings.Builder
	for _, key := range b.order {
		f := b.items[key]
		if key.Kind == KindWorkspaceFile {
			out.WriteString("<file_context>\n")
			out.WriteString(f.Content)
			out.WriteString("\n</file_context>\n\n")
		} else {
			out.WriteString(f.Content)
			out.WriteString("\n\n")
		}
	}
	return strings.TrimSpace(out.String())
}

// EstimateTokens approximates the token count of s.
func EstimateTokens(s string) int {
	return len(s) / EstimatedCharsPerToken
}

// FormatFileFragment renders a workspace file's content for use as a
// Fragment.Content value.
func FormatFileFragment(path, content string) string {
	return fmt.Sprintf("File: %s\n---\n%s\n---", path, content)
}
