package agentloop

import (
	"fmt"
	"strings"

	"github.com/picobot-run/picobot/internal/models"
)

// charsPerToken is the crude token budget spec §4.8 specifies: "4 chars ≈
// 1 token".
const charsPerToken = 4

// RetrieverConfig tunes BuildPrefix (spec §4.8).
type RetrieverConfig struct {
	MaxUserMemories    int
	MaxSessionMessages int
	TokenBudget        int
}

// DefaultRetrieverConfig matches the Rust reference's defaults.
func DefaultRetrieverConfig() RetrieverConfig {
	return RetrieverConfig{MaxUserMemories: 20, MaxSessionMessages: 40, TokenBudget: 4000}
}

// MemoryFact is one retrieved user memory, ordered most-recent first.
type MemoryFact struct {
	Key     string
	Content string
}

// BuildPrefix constructs the prefix context for a prompt (spec §4.8): a
// System message listing up to MaxUserMemories memories, optionally a
// session summary if the pending context would truncate old messages,
// then the last MaxSessionMessages of the session, with a crude
// char-budget trim of the middle that never touches the head (the System
// memory message) or the most recent conversation message.
func BuildPrefix(cfg RetrieverConfig, memories []MemoryFact, summary string, conversation []models.Message) []models.Message {
	if cfg.MaxUserMemories <= 0 && cfg.MaxSessionMessages <= 0 {
		cfg = DefaultRetrieverConfig()
	}

	var prefix []models.Message

	if len(memories) > 0 {
		if len(memories) > cfg.MaxUserMemories {
			memories = memories[:cfg.MaxUserMemories]
		}
		prefix = append(prefix, models.Message{Role: models.RoleSystem, Text: formatMemories(memories)})
	}

	recent := conversation
	truncated := false
	if cfg.MaxSessionMessages > 0 && len(recent) > cfg.MaxSessionMessages {
		recent = recent[len(recent)-cfg.MaxSessionMessages:]
		truncated = true
	}

	if truncated && summary != "" {
		prefix = append(prefix, models.Message{Role: models.RoleSystem, Text: "Earlier conversation summary: " + summary})
	}

	recent = trimToBudget(recent, cfg.TokenBudget*charsPerToken)

	return append(prefix, recent...)
}

func formatMemories(memories []MemoryFact) string {
	var b strings.Builder
	b.WriteString("What you remember about this user:\n")
	for _, m := range memories {
		fmt.Fprintf(&b, "- %s: %s\n", m.Key, m.Content)
	}
	return b.String()
}

// trimToBudget drops messages from the middle of recent until the total
// character count fits budget, always keeping the first (head) and last
// (most-recent) message intact (spec §4.8 "trims the middle, never the
// head or the most-recent message").
func trimToBudget(recent []models.Message, budgetChars int) []models.Message {
	if budgetChars <= 0 || len(recent) <= 2 {
		return recent
	}

	total := 0
	for _, m := range recent {
		total += len(m.Text)
	}
	if total <= budgetChars {
		return recent
	}

	head, tail := recent[0], recent[len(recent)-1]
	middle := append([]models.Message(nil), recent[1:len(recent)-1]...)

	total = len(head.Text) + len(tail.Text)
	kept := middle[:0:0]
	// Keep the most-recent-first messages of the middle (i.e. drop the
	// oldest first) until the budget is exhausted.
	for i := len(middle) - 1; i >= 0; i-- {
		m := middle[i]
		if total+len(m.Text) > budgetChars {
			continue
		}
		total += len(m.Text)
		kept = append([]models.Message{m}, kept...)
	}

	out := make([]models.Message, 0, len(kept)+2)
	out = append(out, head)
	out = append(out, kept...)
	out = append(out, tail)
	return out
}
