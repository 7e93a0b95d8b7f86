package research

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/mikeboe/deep-research/pkg/citation"
	"github.com/mikeboe/deep-research/pkg/config"
	"github.com/mikeboe/deep-research/pkg/llm"
	"github.com/mikeboe/deep-research/pkg/logging"
	"github.com/mikeboe/deep-research/pkg/retry"
	"github.com/mikeboe/deep-research/pkg/search"
)

const (
	queryTemperature      = 1.0
	reflectionTemperature = 1.0
	answerTemperature     = 0.0
)

// Engine drives one research run at a time through its phases. It is not
// safe for concurrent use; build one engine per run.
type Engine struct {
	Config        config.ProviderConfig
	State         *State
	Model         *llm.Client
	Search        *search.Client
	Logger        *slog.Logger
	OnStateUpdate func(state State)
	Tracer        trace.Tracer

	models   config.StageModels
	now      func() time.Time
	pending  []search.Query
	searched map[string]bool
}

type engineOptions struct {
	backend  llm.Backend
	provider search.Provider
	cache    search.Cache
	logger   *slog.Logger
	now      func() time.Time
	policy   *retry.Policy
	onUpdate func(State)
}

type Option func(*engineOptions)

// WithBackend replaces the configured model backend.
func WithBackend(b llm.Backend) Option {
	return func(o *engineOptions) { o.backend = b }
}

// WithSearchProvider replaces the configured search backend.
func WithSearchProvider(p search.Provider) Option {
	return func(o *engineOptions) { o.provider = p }
}

// WithSearchCache serves repeated queries from c. The cache is shared, not
// owned: closing it is up to the caller.
func WithSearchCache(c search.Cache) Option {
	return func(o *engineOptions) { o.cache = c }
}

func WithLogger(l *slog.Logger) Option {
	return func(o *engineOptions) { o.logger = l }
}

// WithClock sets the source of the current date used in prompts.
func WithClock(now func() time.Time) Option {
	return func(o *engineOptions) { o.now = now }
}

// WithRetryPolicy overrides the retry policy of both the model and search
// clients. Retryable is filled in by each client when left nil.
func WithRetryPolicy(p retry.Policy) Option {
	return func(o *engineOptions) { o.policy = &p }
}

// WithStateHook sets Engine.OnStateUpdate.
func WithStateHook(fn func(State)) Option {
	return func(o *engineOptions) { o.onUpdate = fn }
}

// NewEngine resolves the model and search backends for cfg. A backend
// without its credential fails with *config.ProviderUnavailableError.
func NewEngine(ctx context.Context, cfg config.ProviderConfig, opts ...Option) (*Engine, error) {
	o := engineOptions{logger: logging.WithComponent("research"), now: time.Now}
	for _, opt := range opts {
		opt(&o)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	backend := o.backend
	var models config.StageModels
	if backend == nil {
		var err error
		backend, err = llm.NewBackend(ctx, cfg)
		if err != nil {
			return nil, fmt.Errorf("failed to init model backend: %w", err)
		}
		if models, err = cfg.StageModels(); err != nil {
			return nil, err
		}
	} else {
		models = cfg.StageModelsFor(backend.Name())
	}

	provider := o.provider
	if provider == nil {
		var err error
		provider, err = search.NewProvider(ctx, cfg)
		if err != nil {
			return nil, fmt.Errorf("failed to init search provider: %w", err)
		}
	}
	if o.cache != nil {
		provider = search.NewCachedProvider(provider, o.cache, cfg.CacheTTL, o.logger)
	}

	policy := retry.DefaultPolicy(nil)
	policy.MaxAttempts = cfg.MaxRetries + 1
	if o.policy != nil {
		policy = *o.policy
	}

	llmOpts := []llm.ClientOption{llm.WithRetryPolicy(policy), llm.WithLogger(o.logger)}
	searchOpts := []search.ClientOption{search.WithRetryPolicy(policy), search.WithLogger(o.logger)}
	if cfg.RequestTimeout > 0 {
		llmOpts = append(llmOpts, llm.WithCallTimeout(cfg.RequestTimeout))
		searchOpts = append(searchOpts, search.WithCallTimeout(cfg.RequestTimeout))
	}

	return &Engine{
		Config:        cfg,
		State:         &State{MaxIterations: cfg.MaxResearchLoops},
		Model:         llm.NewClient(backend, llmOpts...),
		Search:        search.NewClient(provider, searchOpts...),
		Logger:        o.logger,
		OnStateUpdate: o.onUpdate,
		Tracer:        otel.Tracer("github.com/mikeboe/deep-research/pkg/research"),
		models:        models,
		now:           o.now,
	}, nil
}

// Run researches question and returns the cited answer. Every error is an
// *OrchestratorError naming the stage that failed.
func (e *Engine) Run(ctx context.Context, question string) (*Result, error) {
	question = strings.TrimSpace(question)
	if question == "" {
		return nil, &OrchestratorError{Stage: StageSetup, Err: errors.New("question is empty")}
	}

	e.State = &State{
		Question:      question,
		MaxIterations: e.Config.MaxResearchLoops,
		Phase:         PhaseGeneratingQueries,
	}
	e.pending = nil
	e.searched = make(map[string]bool)

	ctx, span := e.Tracer.Start(ctx, "research.run", trace.WithAttributes(
		attribute.String("research.model_backend", e.Model.BackendName()),
		attribute.String("research.search_provider", e.Search.ProviderName()),
		attribute.Int("research.max_iterations", e.State.MaxIterations),
	))
	defer span.End()

	e.Logger.Info("Starting research loop", "question", question,
		"max_iterations", e.State.MaxIterations, "backend", e.Model.BackendName(), "search", e.Search.ProviderName())
	e.notify()

	for e.State.Phase != PhaseDone {
		stage := e.State.Phase.stage()
		if err := ctx.Err(); err != nil {
			return nil, e.fail(span, stage, err)
		}
		if err := e.step(ctx, stage); err != nil {
			return nil, e.fail(span, stage, err)
		}
		e.notify()
	}

	span.SetAttributes(attribute.Int("research.iterations", e.State.Iteration))
	e.Logger.Info("Research complete", "iterations", e.State.Iteration,
		"sources", len(e.State.Results), "citations", len(e.State.Citations))
	return e.result(), nil
}

func (e *Engine) step(ctx context.Context, stage string) error {
	ctx, span := e.Tracer.Start(ctx, "research."+stage, trace.WithAttributes(
		attribute.Int("research.iteration", e.State.Iteration),
	))
	defer span.End()

	var err error
	switch e.State.Phase {
	case PhaseGeneratingQueries:
		err = e.generateQueries(ctx)
	case PhaseSearching:
		err = e.searchPhase(ctx)
	case PhaseReflecting:
		err = e.reflect(ctx)
	case PhaseSynthesizing:
		err = e.synthesize(ctx)
	default:
		err = fmt.Errorf("unexpected phase %q", e.State.Phase)
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, stage+" failed")
	}
	return err
}

func (e *Engine) fail(span trace.Span, stage string, err error) error {
	var oe *OrchestratorError
	if !errors.As(err, &oe) {
		oe = &OrchestratorError{Stage: stage, Err: err}
	}
	span.RecordError(oe)
	span.SetStatus(codes.Error, "research failed")
	e.Logger.Error("Research failed", "stage", oe.Stage, "iteration", e.State.Iteration, "error", oe.Err)
	return oe
}

func (e *Engine) notify() {
	if e.OnStateUpdate != nil {
		e.OnStateUpdate(e.State.Snapshot())
	}
}

func (e *Engine) result() *Result {
	snap := e.State.Snapshot()
	r := &Result{
		Citations:     snap.Citations,
		Iterations:    snap.Iteration,
		Queries:       snap.Queries,
		KnowledgeGaps: snap.KnowledgeGaps,
		Sources:       len(snap.Results),
	}
	if snap.Answer != nil {
		r.Answer = *snap.Answer
	}
	return r
}

// --- Phase Implementations ---

func (e *Engine) generateQueries(ctx context.Context) error {
	e.Logger.Info("Starting query generation phase")
	limit := e.Config.NumberOfInitialQueries

	queries, err := withSimplifiedRetry(ctx, e, StageQueryGeneration, func(simplified bool) ([]search.Query, error) {
		prompt := queryPrompt(e.State.Question, limit, e.now(), simplified)
		plan, err := llm.GenerateStructured[queryPlan](ctx, e.Model, prompt, querySchema, e.sampling(e.models.QueryGenerator, queryTemperature))
		if err != nil {
			return nil, err
		}
		queries := e.admit(plan.Queries, limit)
		if len(queries) == 0 {
			return nil, ErrNoQueries
		}
		return queries, nil
	})
	if err != nil {
		return err
	}

	e.Logger.Info("Generated queries", "queries", queryTexts(queries))
	e.pending = queries
	e.State.Iteration = 1
	e.State.Phase = PhaseSearching
	return nil
}

func (e *Engine) searchPhase(ctx context.Context) error {
	queries := e.pending
	e.pending = nil
	e.Logger.Info("Starting search phase", "iteration", e.State.Iteration, "queries", len(queries))

	for _, q := range queries {
		e.searched[normalizeQuery(q.Text)] = true
	}
	e.State.Queries = append(e.State.Queries, queries...)

	batches := make([][]search.Result, len(queries))
	errs := make([]error, len(queries))

	var g errgroup.Group
	g.SetLimit(max(e.Config.SearchConcurrency, 1))
	for i, q := range queries {
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				errs[i] = err
				return nil
			}
			results, err := e.Search.Search(ctx, q, e.Config.MaxSearchResults)
			if err != nil {
				errs[i] = err
				e.Logger.Warn("Search failed", "query", q.Text, "error", err)
				return nil
			}
			batches[i] = results
			e.Logger.Info("Search successful", "query", q.Text, "count", len(results))
			return nil
		})
	}
	_ = g.Wait()

	if err := ctx.Err(); err != nil {
		return err
	}

	failed := 0
	for i := range queries {
		if errs[i] != nil {
			failed++
			continue
		}
		e.State.Results = append(e.State.Results, batches[i]...)
	}
	if failed == len(queries) {
		return fmt.Errorf("%w: %w", ErrAllSearchesFailed, errors.Join(errs...))
	}

	e.State.Phase = PhaseReflecting
	return nil
}

func (e *Engine) reflect(ctx context.Context) error {
	e.Logger.Info("Starting reflection phase", "iteration", e.State.Iteration, "sources", len(e.State.Results))

	verdict, err := withSimplifiedRetry(ctx, e, StageReflection, func(simplified bool) (Verdict, error) {
		prompt := reflectionPrompt(e.State.Question, e.State.Results, e.now(), simplified)
		return llm.GenerateStructured[Verdict](ctx, e.Model, prompt, reflectionSchema, e.sampling(e.models.Reflection, reflectionTemperature))
	})
	if err != nil {
		return err
	}

	e.State.Sufficient = verdict.IsSufficient
	e.State.addGap(strings.TrimSpace(verdict.KnowledgeGap))
	followUps := e.admit(verdict.FollowUpQueries, e.Config.NumberOfInitialQueries)

	switch {
	case verdict.IsSufficient:
		e.Logger.Info("Evidence is sufficient")
	case e.State.Iteration >= e.State.MaxIterations:
		e.Logger.Info("Reached iteration limit", "iteration", e.State.Iteration)
	case len(followUps) == 0:
		// no new direction left to search
		e.Logger.Info("No new follow-up queries", "knowledge_gap", verdict.KnowledgeGap)
	default:
		e.Logger.Info("Adjusting focus", "knowledge_gap", verdict.KnowledgeGap, "queries", queryTexts(followUps))
		e.pending = followUps
		e.State.Iteration++
		e.State.Phase = PhaseSearching
		return nil
	}

	e.State.Phase = PhaseSynthesizing
	return nil
}

func (e *Engine) synthesize(ctx context.Context) error {
	e.Logger.Info("Compiling final answer", "sources", len(e.State.Results))

	text, err := withSimplifiedRetry(ctx, e, StageSynthesis, func(simplified bool) (string, error) {
		prompt := answerPrompt(e.State.Question, e.State.Results, e.State.KnowledgeGaps, e.State.Sufficient, e.now(), simplified)
		return e.Model.GenerateText(ctx, prompt, e.sampling(e.models.Answer, answerTemperature))
	})
	if err != nil {
		return err
	}

	answer, citations := citation.Resolve(e.State.Results, text)
	e.State.Answer = &answer
	e.State.Citations = citations
	e.State.Phase = PhaseDone

	e.Logger.Info("Final answer generated", "length", len(answer), "citations", len(citations))
	return nil
}

// withSimplifiedRetry runs fn with the full prompt and, when that fails,
// once more with the simplified one. Cancellation is returned as ctx.Err().
func withSimplifiedRetry[T any](ctx context.Context, e *Engine, stage string, fn func(simplified bool) (T, error)) (T, error) {
	v, err := fn(false)
	if err == nil {
		return v, nil
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		return v, ctxErr
	}

	e.Logger.Warn("Retrying with simplified prompt", "stage", stage, "error", err)
	v, err = fn(true)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return v, ctxErr
		}
		return v, err
	}
	return v, nil
}

func (e *Engine) sampling(model string, temperature float64) llm.Sampling {
	return llm.Sampling{Model: model, Temperature: temperature}
}

// admit trims candidates, drops blanks and anything already searched or
// repeated, and keeps at most limit of them.
func (e *Engine) admit(candidates []search.Query, limit int) []search.Query {
	var out []search.Query
	seen := make(map[string]bool)
	for _, q := range candidates {
		key := normalizeQuery(q.Text)
		if key == "" || seen[key] || e.searched[key] {
			continue
		}
		seen[key] = true
		out = append(out, search.Query{Text: strings.TrimSpace(q.Text), Rationale: strings.TrimSpace(q.Rationale)})
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out
}

func normalizeQuery(s string) string {
	return strings.ToLower(strings.Join(strings.Fields(s), " "))
}

func queryTexts(queries []search.Query) []string {
	out := make([]string, len(queries))
	for i, q := range queries {
		out[i] = q.Text
	}
	return out
}
