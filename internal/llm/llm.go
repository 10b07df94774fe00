package llm

import (
	"context"
	"errors"
	"strings"
)

var ErrParse = errors.New("llm: response does not match expected shape")

// Model is the language model capability used by the workflow and by
// per-table SQL example generation.
type Model interface {
	Ask(ctx context.Context, prompt string) (string, error)
	// AskStructured decodes the model response into out, which must be a
	// pointer to a struct. Non-conforming responses fail with ErrParse.
	AskStructured(ctx context.Context, prompt string, out any) error
}

func StripMarkdown(value string) string {
	trimmed := strings.TrimSpace(value)
	if !strings.HasPrefix(trimmed, "```") {
		return trimmed
	}
	trimmed = strings.TrimPrefix(trimmed, "```")
	if newline := strings.IndexByte(trimmed, '\n'); newline >= 0 {
		if lang := strings.TrimSpace(trimmed[:newline]); !strings.ContainsAny(lang, " {[") {
			trimmed = trimmed[newline+1:]
		}
	}
	trimmed = strings.TrimSuffix(strings.TrimSpace(trimmed), "```")
	return strings.TrimSpace(trimmed)
}
