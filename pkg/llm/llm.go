// Package llm puts interchangeable chat-completion backends behind one
// text and structured-record capability.
package llm

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/mikeboe/deep-research/pkg/retry"
	"github.com/mikeboe/deep-research/pkg/structured"
)

// Sampling are the per-call generation options.
type Sampling struct {
	Model           string
	Temperature     float64
	MaxOutputTokens int
}

// Backend is one concrete model service.
type Backend interface {
	Name() string
	Generate(ctx context.Context, prompt string, s Sampling) (string, error)
}

// SchemaBackend is a Backend that can constrain its output to a schema
// natively.
type SchemaBackend interface {
	Backend
	GenerateJSON(ctx context.Context, prompt string, schema *structured.Schema, s Sampling) (string, error)
}

// ErrEmptyCompletion is returned when a backend answered with no text.
var ErrEmptyCompletion = errors.New("model returned an empty completion")

// GenerationError is a model call that failed for good, either because the
// failure was not transient or because the retry budget ran out.
type GenerationError struct {
	Backend  string
	Model    string
	Attempts int
	Err      error
}

func (e *GenerationError) Error() string {
	return fmt.Sprintf("generation with %s/%s failed after %d attempt(s): %v", e.Backend, e.Model, e.Attempts, e.Err)
}

func (e *GenerationError) Unwrap() error { return e.Err }

var thinkPattern = regexp.MustCompile(`(?s)<think>.*?</think>`)

// Client wraps a Backend with retries, a per-call timeout, logging and
// tracing.
type Client struct {
	backend Backend
	policy  retry.Policy
	timeout time.Duration
	logger  *slog.Logger
	tracer  trace.Tracer
}

type ClientOption func(*Client)

func WithRetryPolicy(p retry.Policy) ClientOption {
	return func(c *Client) { c.policy = p }
}

// WithCallTimeout bounds every single attempt.
func WithCallTimeout(d time.Duration) ClientOption {
	return func(c *Client) { c.timeout = d }
}

func WithLogger(l *slog.Logger) ClientOption {
	return func(c *Client) { c.logger = l }
}

func NewClient(b Backend, opts ...ClientOption) *Client {
	c := &Client{
		backend: b,
		policy:  retry.DefaultPolicy(IsTransient),
		timeout: 90 * time.Second,
		logger:  slog.Default(),
		tracer:  otel.Tracer("github.com/mikeboe/deep-research/pkg/llm"),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.policy.Retryable == nil {
		c.policy.Retryable = IsTransient
	}
	if c.policy.Logger == nil {
		c.policy.Logger = c.logger
	}
	return c
}

// BackendName returns the name of the wrapped backend.
func (c *Client) BackendName() string { return c.backend.Name() }

// GenerateText returns the completion for prompt with reasoning blocks
// removed.
func (c *Client) GenerateText(ctx context.Context, prompt string, s Sampling) (string, error) {
	return c.call(ctx, "llm.generate_text", s, func(ctx context.Context) (string, error) {
		return c.backend.Generate(ctx, prompt, s)
	})
}

// GenerateStructured returns a record of type T that satisfies schema.
// Backends with a native JSON mode are decoded strictly; the rest get the
// schema appended to the prompt and go through structured.Extract.
func GenerateStructured[T any](ctx context.Context, c *Client, prompt string, schema *structured.Schema, s Sampling) (T, error) {
	var zero T

	if sb, ok := c.backend.(SchemaBackend); ok {
		raw, err := c.call(ctx, "llm.generate_structured", s, func(ctx context.Context) (string, error) {
			return sb.GenerateJSON(ctx, prompt, schema, s)
		})
		if err != nil {
			return zero, err
		}
		return structured.Decode[T](raw, schema)
	}

	raw, err := c.call(ctx, "llm.generate_structured", s, func(ctx context.Context) (string, error) {
		return c.backend.Generate(ctx, withResponseFormat(prompt, schema), s)
	})
	if err != nil {
		return zero, err
	}
	return structured.Extract[T](raw, schema)
}

func (c *Client) call(ctx context.Context, op string, s Sampling, fn func(ctx context.Context) (string, error)) (string, error) {
	ctx, span := c.tracer.Start(ctx, op, trace.WithAttributes(
		attribute.String("llm.backend", c.backend.Name()),
		attribute.String("llm.model", s.Model),
		attribute.Float64("llm.temperature", s.Temperature),
	))
	defer span.End()

	start := time.Now()
	text, err := retry.Do(ctx, c.policy, func(ctx context.Context) (string, error) {
		callCtx, cancel := context.WithTimeout(ctx, c.timeout)
		defer cancel()
		return fn(callCtx)
	})
	if err == nil {
		text = strings.TrimSpace(thinkPattern.ReplaceAllString(text, ""))
		if text == "" {
			err = ErrEmptyCompletion
		}
	}
	if err != nil {
		gerr := &GenerationError{Backend: c.backend.Name(), Model: s.Model, Attempts: retry.Attempts(err), Err: err}
		span.RecordError(gerr)
		span.SetStatus(codes.Error, "generation failed")
		c.logger.Error("Model call failed", "backend", gerr.Backend, "model", gerr.Model, "attempts", gerr.Attempts, "error", err)
		return "", gerr
	}

	c.logger.Debug("Model call completed", "backend", c.backend.Name(), "model", s.Model, "duration", time.Since(start), "chars", len(text))
	return text, nil
}

func withResponseFormat(prompt string, schema *structured.Schema) string {
	return prompt + `

# Response Format

Return the JSON object directly without any formatting or additional text. The JSON object must satisfy the following schema and include every required property:
` + schema.Prompt()
}
