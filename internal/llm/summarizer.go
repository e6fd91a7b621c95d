package llm

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/m-mizutani/goerr/v2"

	"github.com/stellarlinkco/yuno/internal/memory"
)

const (
	DefaultSummaryModel = "mistralai/mistral-small-3.1"

	summaryMaxTokens   = 150
	summaryTemperature = 0.3

	summaryPrompt = `Please summarize this conversation into 2-3 concise sentences, focusing on:
1. Key topics discussed
2. Important user preferences or information revealed
3. Emotional context or relationship details

Conversation to summarize:
%s

Summary:`
)

// SummarizerConfig configures a Summarizer. AssistantLabel names the bot
// in the transcript ("Yuno" when empty).
type SummarizerConfig struct {
	Model          string
	AssistantLabel string
	Timeout        time.Duration
}

// Summarizer condenses conversation entries into a 2-3 sentence digest.
type Summarizer struct {
	gen     Generator
	model   string
	label   string
	timeout time.Duration
}

var _ memory.Summarizer = (*Summarizer)(nil)

func NewSummarizer(gen Generator, cfg SummarizerConfig) *Summarizer {
	s := &Summarizer{
		gen:     gen,
		model:   cfg.Model,
		label:   cfg.AssistantLabel,
		timeout: cfg.Timeout,
	}
	if s.model == "" {
		s.model = DefaultSummaryModel
	}
	if s.label == "" {
		s.label = "Yuno"
	}
	if s.timeout <= 0 {
		s.timeout = DefaultTimeout
	}
	return s
}

// Compress implements memory.Summarizer.
func (s *Summarizer) Compress(ctx context.Context, entries []memory.Entry) memory.Result {
	if len(entries) == 0 {
		return memory.Failed(goerr.Wrap(ErrEmptyBatch, "compress"))
	}

	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	prompt := fmt.Sprintf(summaryPrompt, formatTranscript(entries, s.label))
	text, err := s.gen.Generate(ctx, []memory.Entry{{Role: memory.RoleUser, Content: prompt}}, Settings{
		Model:       s.model,
		MaxTokens:   summaryMaxTokens,
		Temperature: summaryTemperature,
	})
	if err != nil {
		return memory.Failed(goerr.Wrap(err, "summarize conversation",
			goerr.V("entries", len(entries)), goerr.V("model", s.model)))
	}
	return memory.Digest(strings.TrimSpace(text))
}

// formatTranscript renders one "Label: content" line per entry. Anything
// not written by the user is attributed to the assistant.
func formatTranscript(entries []memory.Entry, assistantLabel string) string {
	var b strings.Builder
	for _, e := range entries {
		label := assistantLabel
		if e.Role == memory.RoleUser {
			label = "User"
		}
		b.WriteString(label)
		b.WriteString(": ")
		b.WriteString(e.Content)
		b.WriteByte('\n')
	}
	return b.String()
}
