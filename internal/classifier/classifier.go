// Package classifier implements the Classifier: LLM decomposition of an
// inbound message into per-butler routing entries.
package classifier

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/tzeusy/butlers/internal/registry"
	"github.com/tzeusy/butlers/internal/runtime"
)

// Segment locates the part of the original message a Classification Entry
// covers. At least one field must be populated.
type Segment struct {
	SentenceSpans []string `json:"sentence_spans,omitempty"`
	Offsets       []int    `json:"offsets,omitempty"`
	Rationale     string   `json:"rationale,omitempty"`
}

func (s Segment) empty() bool {
	return len(s.SentenceSpans) == 0 && len(s.Offsets) == 0 && s.Rationale == ""
}

// Entry is one Classification Entry: a butler target, a self-contained
// prompt, and the segment of the original message it was derived from.
type Entry struct {
	Butler  string  `json:"butler"`
	Prompt  string  `json:"prompt"`
	Segment Segment `json:"segment"`
}

// EligibilityLister is the subset of *registry.Registry the Classifier
// needs — narrowed to avoid coupling the classifier to the registry's full
// write surface.
type EligibilityLister interface {
	ListEligible(ctx context.Context) ([]*registry.Entry, error)
}

// Classifier decomposes a message into Classification Entries by invoking
// the runtime adapter on the Switchboard butler.
type Classifier struct {
	adapter    runtime.Adapter
	eligible   EligibilityLister
	butlerName string
	model      string
}

// New returns a Classifier that invokes adapter as butlerName (the
// Switchboard butler) and resolves the eligible-butler context from
// eligible.
func New(adapter runtime.Adapter, eligible EligibilityLister, butlerName, model string) *Classifier {
	return &Classifier{adapter: adapter, eligible: eligible, butlerName: butlerName, model: model}
}

// Classify produces ≥1 Classification Entry for text. Single-domain and
// multi-domain messages both produce at least one entry; on total parse
// failure or an empty result, it falls back to a single "general" entry
// carrying the original text unchanged.
func (c *Classifier) Classify(ctx context.Context, text string) ([]Entry, error) {
	eligible, err := c.eligible.ListEligible(ctx)
	if err != nil {
		return nil, fmt.Errorf("classifier: list eligible butlers: %w", err)
	}

	result, err := c.adapter.Invoke(ctx, runtime.InvokeRequest{
		Prompt:       buildPrompt(text, eligible),
		SystemPrompt: classifierSystemPrompt,
		Model:        c.model,
	})
	if err != nil {
		return nil, fmt.Errorf("classifier: invoke adapter: %w", err)
	}

	entries := parseEntries(result.OutputText)
	entries = filterEligible(entries, eligible)
	if len(entries) == 0 {
		return []Entry{fallbackEntry(text)}, nil
	}
	return entries, nil
}

func buildPrompt(text string, eligible []*registry.Entry) string {
	var b strings.Builder
	b.WriteString("Eligible butlers:\n")
	for _, e := range eligible {
		fmt.Fprintf(&b, "- %s: capabilities=%v\n", e.Name, e.Capabilities)
	}
	b.WriteString("\nMessage:\n")
	b.WriteString(text)
	return b.String()
}

// parseEntries decodes the LLM's JSON array output, skipping any element
// that fails structural validation rather than discarding the whole batch
//.
func parseEntries(output string) []Entry {
	var raw []json.RawMessage
	if err := json.Unmarshal([]byte(output), &raw); err != nil {
		slog.Warn("classifier: output is not a JSON array", "err", err)
		return nil
	}

	var out []Entry
	for i, r := range raw {
		var e Entry
		if err := json.Unmarshal(r, &e); err != nil {
			slog.Warn("classifier: dropping malformed entry", "index", i, "err", err)
			continue
		}
		if e.Butler == "" || e.Prompt == "" || e.Segment.empty() {
			slog.Warn("classifier: dropping entry missing required fields", "index", i)
			continue
		}
		out = append(out, e)
	}
	return out
}

func filterEligible(entries []Entry, eligible []*registry.Entry) []Entry {
	known := make(map[string]struct{}, len(eligible))
	for _, e := range eligible {
		known[e.Name] = struct{}{}
	}
	var out []Entry
	for _, e := range entries {
		if _, ok := known[e.Butler]; !ok {
			slog.Warn("classifier: dropping entry for ineligible butler", "butler", e.Butler)
			continue
		}
		out = append(out, e)
	}
	return out
}

func fallbackEntry(text string) Entry {
	return Entry{Butler: "general", Prompt: text, Segment: Segment{Rationale: "fallback"}}
}

const classifierSystemPrompt = `You decompose an inbound message into one or more routing entries, one per
relevant butler. Respond with a JSON array only, no prose. Each element must
be an object with "butler", "prompt", and "segment" ({"sentence_spans"|
"offsets"|"rationale"}). A single-domain message produces one entry; a
multi-domain message produces one per domain.`
