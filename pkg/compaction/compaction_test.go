package compaction

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/intelli-systems/agent-gateway/pkg/contracts"
)

func TestContextLimitForExactAndPrefixMatch(t *testing.T) {
	require.Equal(t, 128_000, ContextLimitFor("gpt-4o-mini"))
	require.Equal(t, 128_000, ContextLimitFor("gpt-4o-mini-2024-07-18"))
	require.Equal(t, 200_000, ContextLimitFor("claude-sonnet-4.6"))
	require.Equal(t, defaultLimit, ContextLimitFor("some-unknown-model"))
	require.Equal(t, defaultLimit, ContextLimitFor(""))
}

func TestNeedsCompactionThreshold(t *testing.T) {
	big := strings.Repeat("x", 4*40_000) // ~40k tokens
	messages := []contracts.Message{{Role: "user", Content: big}}
	require.True(t, NeedsCompaction(messages, "gpt-4")) // 8192 limit, way over

	small := []contracts.Message{{Role: "user", Content: "hi"}}
	require.False(t, NeedsCompaction(small, "gpt-4o"))
}

func TestCompactBelowKeepThresholdIsNoop(t *testing.T) {
	messages := []contracts.Message{
		{Role: "user", Content: "one"},
		{Role: "assistant", Content: "two"},
	}
	result, err := Compact(context.Background(), messages, nil, "gpt-4o")
	require.NoError(t, err)
	require.Equal(t, messages, result.Messages)
	require.Empty(t, result.Summary)
}

func TestCompactSummarizesOlderMessages(t *testing.T) {
	messages := make([]contracts.Message, 0, 10)
	for i := 0; i < 10; i++ {
		messages = append(messages, contracts.Message{Role: "user", Content: "message content"})
	}

	var capturedHistory string
	summarize := func(ctx context.Context, systemPrompt, historyText, model string) (string, error) {
		capturedHistory = historyText
		require.Contains(t, systemPrompt, "conversation compactor")
		return "concise summary", nil
	}

	result, err := Compact(context.Background(), messages, summarize, "gpt-4o")
	require.NoError(t, err)
	require.Len(t, result.Messages, keepLastN+1)
	require.Equal(t, "system", result.Messages[0].Role)
	require.Contains(t, result.Messages[0].Content, "concise summary")
	require.Contains(t, capturedHistory, "USER: message content")
}
