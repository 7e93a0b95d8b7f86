package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/google/uuid"

	"github.com/mikeboe/deep-research/pkg/citation"
	"github.com/mikeboe/deep-research/pkg/config"
	"github.com/mikeboe/deep-research/pkg/database"
	"github.com/mikeboe/deep-research/pkg/logging"
	"github.com/mikeboe/deep-research/pkg/research"
	"github.com/mikeboe/deep-research/pkg/search"
)

const listLimit = 50

// ErrBadRequest marks request errors the handler reports as 400.
var ErrBadRequest = errors.New("bad request")

type Service struct {
	Store  database.Store
	Cfg    config.ProviderConfig
	Logger *slog.Logger

	// Options are passed to every research run, after the per-job logger
	// and state hook.
	Options []research.Option

	wg sync.WaitGroup
}

func NewService(store database.Store, cfg config.ProviderConfig, logger *slog.Logger) *Service {
	if logger == nil {
		logger = logging.WithComponent("server")
	}
	return &Service{Store: store, Cfg: cfg, Logger: logger}
}

// RunOptions are per-request overrides of the server configuration. Loop
// and query limits can only be lowered.
type RunOptions struct {
	APIProvider            string `json:"api_provider,omitempty"`
	SearchProvider         string `json:"search_provider,omitempty"`
	MaxResearchLoops       int    `json:"max_research_loops,omitempty"`
	NumberOfInitialQueries int    `json:"number_of_initial_queries,omitempty"`
}

type ResearchRequest struct {
	Question string             `json:"question"`
	Messages []research.Message `json:"messages"`
	Options  *RunOptions        `json:"options,omitempty"`
}

type ResearchResponse struct {
	Answer        string              `json:"answer"`
	Citations     []citation.Citation `json:"citations"`
	Iterations    int                 `json:"iterations"`
	Queries       []search.Query      `json:"queries"`
	KnowledgeGaps []string            `json:"knowledge_gaps"`
}

// question resolves the research question of req.
func (req ResearchRequest) question() (string, error) {
	if q := strings.TrimSpace(req.Question); q != "" {
		return q, nil
	}
	q, err := research.TopicFromMessages(req.Messages)
	if err != nil {
		return "", fmt.Errorf("%w: question or messages is required", ErrBadRequest)
	}
	return q, nil
}

// configFor applies the request overrides to a copy of the server config.
func (s *Service) configFor(opts *RunOptions) (config.ProviderConfig, error) {
	cfg := s.Cfg
	if opts != nil {
		if opts.APIProvider != "" {
			cfg.APIProvider = strings.ToLower(opts.APIProvider)
		}
		if opts.SearchProvider != "" {
			name, err := search.ParseProviderName(opts.SearchProvider)
			if err != nil {
				return cfg, fmt.Errorf("%w: %v", ErrBadRequest, err)
			}
			cfg.SearchProvider = name
		}
		// Limits may only be lowered per request.
		if opts.MaxResearchLoops > s.Cfg.MaxResearchLoops {
			return cfg, fmt.Errorf("%w: max_research_loops may not exceed %d", ErrBadRequest, s.Cfg.MaxResearchLoops)
		}
		if opts.NumberOfInitialQueries > s.Cfg.NumberOfInitialQueries {
			return cfg, fmt.Errorf("%w: number_of_initial_queries may not exceed %d", ErrBadRequest, s.Cfg.NumberOfInitialQueries)
		}
		if opts.MaxResearchLoops > 0 {
			cfg.MaxResearchLoops = opts.MaxResearchLoops
		}
		if opts.NumberOfInitialQueries > 0 {
			cfg.NumberOfInitialQueries = opts.NumberOfInitialQueries
		}
	}
	if err := cfg.Validate(); err != nil {
		return cfg, fmt.Errorf("%w: %v", ErrBadRequest, err)
	}
	return cfg, nil
}

// CreateJob stores a pending job and starts its research in the background.
func (s *Service) CreateJob(ctx context.Context, req ResearchRequest) (*database.Job, error) {
	question, err := req.question()
	if err != nil {
		return nil, err
	}
	cfg, err := s.configFor(req.Options)
	if err != nil {
		return nil, err
	}

	configJSON, _ := json.Marshal(cfg)
	job, err := s.Store.CreateJob(ctx, question, configJSON)
	if err != nil {
		return nil, err
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.runWorker(job.ID, question, cfg)
	}()

	return job, nil
}

// Wait blocks until every background job has finished.
func (s *Service) Wait() {
	s.wg.Wait()
}

func (s *Service) GetJob(ctx context.Context, id uuid.UUID) (*database.Job, error) {
	return s.Store.GetJob(ctx, id)
}

func (s *Service) ListJobs(ctx context.Context) ([]database.Job, error) {
	return s.Store.ListJobs(ctx, listLimit)
}

func (s *Service) GetJobLogs(ctx context.Context, id uuid.UUID) ([]database.LogEntry, error) {
	if _, err := s.Store.GetJob(ctx, id); err != nil {
		return nil, err
	}
	return s.Store.JobLogs(ctx, id)
}

// Invoke runs research synchronously and returns the cited answer.
func (s *Service) Invoke(ctx context.Context, req ResearchRequest) (*ResearchResponse, error) {
	question, err := req.question()
	if err != nil {
		return nil, err
	}
	cfg, err := s.configFor(req.Options)
	if err != nil {
		return nil, err
	}

	opts := append([]research.Option{research.WithLogger(s.Logger)}, s.Options...)
	res, err := research.RunResearch(ctx, question, cfg, opts...)
	if err != nil {
		return nil, err
	}
	return newResearchResponse(res), nil
}

// Selection reports the effective provider selection.
func (s *Service) Selection() config.Selection {
	return s.Cfg.Describe()
}

func newResearchResponse(res *research.Result) *ResearchResponse {
	resp := &ResearchResponse{
		Answer:        res.Answer,
		Citations:     res.Citations,
		Iterations:    res.Iterations,
		Queries:       res.Queries,
		KnowledgeGaps: res.KnowledgeGaps,
	}
	if resp.Citations == nil {
		resp.Citations = []citation.Citation{}
	}
	return resp
}

func (s *Service) runWorker(jobID uuid.UUID, question string, cfg config.ProviderConfig) {
	ctx := context.Background()

	if err := s.Store.SetRunning(ctx, jobID); err != nil {
		s.Logger.Error("Failed to mark job running", "job_id", jobID, "error", err)
	}

	jobLogger := slog.New(NewJobLogHandler(s.Store, jobID, s.Logger.Handler())).With("job_id", jobID.String())

	hook := func(state research.State) {
		stateJSON, err := json.Marshal(state)
		if err != nil {
			jobLogger.Error("Failed to marshal state", "error", err)
			return
		}
		if err := s.Store.SaveState(context.Background(), jobID, stateJSON); err != nil {
			jobLogger.Error("Failed to save state", "error", err)
		}
	}

	opts := append([]research.Option{research.WithLogger(jobLogger), research.WithStateHook(hook)}, s.Options...)
	res, err := research.RunResearch(ctx, question, cfg, opts...)
	if err != nil {
		s.failJob(ctx, jobID, jobLogger, err)
		return
	}

	citationsJSON, _ := json.Marshal(res.Citations)
	if err := s.Store.CompleteJob(ctx, jobID, res.Answer, citationsJSON); err != nil {
		jobLogger.Error("Failed to save final answer", "error", err)
	}
}

func (s *Service) failJob(ctx context.Context, jobID uuid.UUID, logger *slog.Logger, err error) {
	logger.Error("Research job failed", "stage", research.StageOf(err), "error", err)
	if err := s.Store.FailJob(ctx, jobID, err.Error()); err != nil {
		s.Logger.Error("Failed to mark job failed", "job_id", jobID, "error", err)
	}
}
