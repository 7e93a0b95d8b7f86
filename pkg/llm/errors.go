package llm

import (
	"errors"

	"google.golang.org/genai"

	"github.com/mikeboe/deep-research/pkg/retry"
)

// IsTransient classifies model-call failures for the retry policy. Gemini
// reports a typed status; the OpenAI-compatible client only reports it in
// the message, which retry.IsTransient understands.
func IsTransient(err error) bool {
	var apiErr genai.APIError
	if errors.As(err, &apiErr) {
		return retry.TransientStatus(apiErr.Code)
	}
	return retry.IsTransient(err)
}
