// Package compaction summarizes older conversation history once a session
// approaches its model's context window, per spec §4.12. Token counts are
// intentionally rough — 4 chars per token is accurate enough to decide
// when to compact without pulling in a tokenizer.
package compaction

import (
	"context"
	"fmt"
	"strings"

	"github.com/intelli-systems/agent-gateway/pkg/contracts"
)

// contextLimits lists conservative context windows (tokens) per model,
// ported from original_source's compaction.py table.
var contextLimits = map[string]int{
	"gpt-3.5-turbo":  16_385,
	"gpt-4":          8_192,
	"gpt-4-turbo":    128_000,
	"gpt-4o":         128_000,
	"gpt-4o-mini":    128_000,
	"gpt-4.1":        128_000,
	"gpt-4.1-mini":   128_000,
	"o1":             200_000,
	"o1-mini":        128_000,
	"o3-mini":        200_000,

	"claude-3-haiku-20240307":  200_000,
	"claude-3-sonnet-20240229": 200_000,
	"claude-3-opus-20240229":   200_000,
	"claude-sonnet-4.5":        200_000,
	"claude-sonnet-4.6":        200_000,

	"gemini-pro":          32_000,
	"gemini-1.5-pro":      1_000_000,
	"mistral-7b-instruct": 32_000,
	"llama3":              8_192,
	"llama3:8b":           8_192,
	"llama3:70b":          8_192,
	"mistral":             32_000,

	"copilot": 128_000,
}

const (
	defaultLimit     = 32_000
	compactThreshold = 0.78
	keepLastN        = 4
)

// EstimateTokens applies the 4-chars-per-token heuristic.
func EstimateTokens(text string) int {
	n := len(text) / 4
	if n < 1 {
		n = 1
	}
	return n
}

// EstimateMessagesTokens sums EstimateTokens over every message plus a
// fixed 4-token per-message overhead for role/formatting.
func EstimateMessagesTokens(messages []contracts.Message) int {
	total := 0
	for _, m := range messages {
		total += 4 + EstimateTokens(m.Content)
	}
	return total
}

// ContextLimitFor resolves a model name to its context window, falling
// back to a prefix/substring match (e.g. "gpt-4o-mini-2024-07-18" still
// matches "gpt-4o-mini") and finally to the conservative default. When
// several keys match, the longest one wins.
func ContextLimitFor(model string) int {
	if model == "" {
		return defaultLimit
	}
	m := strings.ToLower(strings.TrimSpace(model))
	if limit, ok := contextLimits[m]; ok {
		return limit
	}
	best, bestLimit := "", defaultLimit
	for key, limit := range contextLimits {
		if (strings.HasPrefix(m, key) || strings.Contains(m, key)) && len(key) > len(best) {
			best, bestLimit = key, limit
		}
	}
	return bestLimit
}

// UsageFraction returns the fraction (0-1+) of model's context window
// currently consumed by messages.
func UsageFraction(messages []contracts.Message, model string) float64 {
	used := EstimateMessagesTokens(messages)
	limit := ContextLimitFor(model)
	return float64(used) / float64(limit)
}

// NeedsCompaction reports whether messages should be compacted before the
// next turn, per spec §4.12's 78% threshold.
func NeedsCompaction(messages []contracts.Message, model string) bool {
	return UsageFraction(messages, model) >= compactThreshold
}

const compactSystemPrompt = `You are a conversation compactor.
Summarize the following chat history into a concise block that preserves:
- All concrete facts, decisions, and outcomes
- Any code snippets or technical details that were produced
- The user's goals and the assistant's conclusions

Output ONLY the summary — no preamble, no "Here is a summary:" prefix.
Be thorough but terse. Bullet points are fine.`

// SummarizeFunc is the LLM call compaction delegates to. Implementations
// wrap whatever provider adapter the deployment uses.
type SummarizeFunc func(ctx context.Context, systemPrompt, historyText, model string) (string, error)

// Result holds the outcome of a Compact call.
type Result struct {
	Messages    []contracts.Message
	Summary     string
	TokensSaved int
}

// Compact summarizes every message but the last keepLastN into a single
// system message, per spec §4.12. If there's nothing worth compacting it
// returns messages unchanged.
func Compact(ctx context.Context, messages []contracts.Message, summarize SummarizeFunc, model string) (Result, error) {
	if len(messages) <= keepLastN+1 {
		return Result{Messages: messages}, nil
	}

	toCompact := messages[:len(messages)-keepLastN]
	toKeep := messages[len(messages)-keepLastN:]

	var sb strings.Builder
	for _, m := range toCompact {
		content := strings.TrimSpace(m.Content)
		if content == "" {
			continue
		}
		fmt.Fprintf(&sb, "%s: %s\n", strings.ToUpper(m.Role), m.Content)
	}

	summary, err := summarize(ctx, compactSystemPrompt, sb.String(), model)
	if err != nil {
		return Result{}, fmt.Errorf("compaction: summarize: %w", err)
	}
	summary = strings.TrimSpace(summary)

	tokensBefore := EstimateMessagesTokens(messages)
	summaryMsg := contracts.Message{
		Role:    "system",
		Content: fmt.Sprintf("[CONVERSATION SUMMARY — earlier messages compacted]\n\n%s", summary),
	}
	compacted := append([]contracts.Message{summaryMsg}, toKeep...)
	tokensAfter := EstimateMessagesTokens(compacted)

	saved := tokensBefore - tokensAfter
	if saved < 0 {
		saved = 0
	}

	return Result{Messages: compacted, Summary: summary, TokensSaved: saved}, nil
}
