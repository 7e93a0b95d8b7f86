package research

import (
	"context"
	"errors"
	"strings"

	"github.com/mikeboe/deep-research/pkg/config"
)

// RunResearch builds an engine for cfg and runs it under cfg.RunTimeout.
// Every failure, setup included, is returned as *OrchestratorError.
func RunResearch(ctx context.Context, question string, cfg config.ProviderConfig, opts ...Option) (*Result, error) {
	if cfg.RunTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, cfg.RunTimeout)
		defer cancel()
	}

	engine, err := NewEngine(ctx, cfg, opts...)
	if err != nil {
		return nil, &OrchestratorError{Stage: StageSetup, Err: err}
	}
	return engine.Run(ctx, question)
}

// Message is one turn of a chat-style request.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// TopicFromMessages turns a conversation into a research question. A single
// message is used as is; longer conversations are flattened into a
// transcript so follow-up questions keep their context.
func TopicFromMessages(messages []Message) (string, error) {
	var turns []Message
	for _, m := range messages {
		if strings.TrimSpace(m.Content) != "" {
			turns = append(turns, m)
		}
	}
	switch len(turns) {
	case 0:
		return "", errors.New("no message content")
	case 1:
		return strings.TrimSpace(turns[0].Content), nil
	}

	var b strings.Builder
	for _, m := range turns {
		switch strings.ToLower(m.Role) {
		case "assistant", "ai":
			b.WriteString("Assistant: ")
		default:
			b.WriteString("User: ")
		}
		b.WriteString(strings.TrimSpace(m.Content))
		b.WriteString("\n")
	}
	return strings.TrimSpace(b.String()), nil
}
