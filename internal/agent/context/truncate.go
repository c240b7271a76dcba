package context

import (
	"context"
	"fmt"
)

// TextProvider generates a summary of arbitrary text, generalising
// SummaryProvider's message-history-specific shape to any text blob (spec
// §4.12).
type TextProvider interface {
	SummarizeText(ctx context.Context, text string, maxLength int) (string, error)
}

// TruncateOrSummarize returns text unchanged if it already fits budget
// characters; otherwise it asks provider for an LLM summary within budget.
// If provider is nil or the summarisation call fails, it falls back to a
// hard head/tail trim identical in shape to the soft-trim used by
// PruneContextMessages, so callers always get a bounded result.
func TruncateOrSummarize(ctx context.Context, provider TextProvider, text string, budget int) (string, error) {
	if budget <= 0 || len(text) <= budget {
		return text, nil
	}

	if provider != nil {
		summary, err := provider.SummarizeText(ctx, text, budget)
		if err == nil && len(summary) <= budget {
			return summary, nil
		}
	}

	return hardTrim(text, budget), nil
}

func hardTrim(text string, budget int) string {
	if budget <= 0 {
		return ""
	}
	note := fmt.Sprintf("\n...[truncated, %d of %d chars shown]...\n", budget, len(text))
	head := budget * 2 / 3
	tail := budget - head - len(note)
	if tail < 0 {
		tail = 0
	}
	if head > len(text) {
		head = len(text)
	}
	result := text[:head]
	if tail > 0 && head+tail < len(text) {
		result += note + text[len(text)-tail:]
	}
	return result
}
