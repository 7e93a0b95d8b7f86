package research

import (
	"errors"
	"fmt"

	"github.com/mikeboe/deep-research/pkg/citation"
	"github.com/mikeboe/deep-research/pkg/search"
)

// Phase is the position of a run in its state machine.
type Phase string

const (
	PhaseGeneratingQueries Phase = "generating_queries"
	PhaseSearching         Phase = "searching"
	PhaseReflecting        Phase = "reflecting"
	PhaseSynthesizing      Phase = "synthesizing"
	PhaseDone              Phase = "done"
)

// Stage names reported by OrchestratorError.
const (
	StageSetup           = "setup"
	StageQueryGeneration = "query_generation"
	StageSearch          = "search"
	StageReflection      = "reflection"
	StageSynthesis       = "synthesis"
)

func (p Phase) stage() string {
	switch p {
	case PhaseGeneratingQueries:
		return StageQueryGeneration
	case PhaseSearching:
		return StageSearch
	case PhaseReflecting:
		return StageReflection
	case PhaseSynthesizing, PhaseDone:
		return StageSynthesis
	default:
		return StageSetup
	}
}

// State tracks the progress of one research run
type State struct {
	Question      string              `json:"question"`
	Queries       []search.Query      `json:"queries"`
	Results       []search.Result     `json:"results"`
	Iteration     int                 `json:"iteration"`
	MaxIterations int                 `json:"max_iterations"`
	Sufficient    bool                `json:"sufficient"`
	KnowledgeGaps []string            `json:"knowledge_gaps"`
	Answer        *string             `json:"answer,omitempty"`
	Citations     []citation.Citation `json:"citations"`
	Phase         Phase               `json:"phase"`
}

// Snapshot returns a deep copy that shares nothing with s.
func (s *State) Snapshot() State {
	c := *s
	c.Queries = append([]search.Query(nil), s.Queries...)
	c.Results = append([]search.Result(nil), s.Results...)
	c.KnowledgeGaps = append([]string(nil), s.KnowledgeGaps...)
	c.Citations = append([]citation.Citation(nil), s.Citations...)
	if s.Answer != nil {
		a := *s.Answer
		c.Answer = &a
	}
	return c
}

func (s *State) addGap(gap string) {
	if gap == "" {
		return
	}
	for _, g := range s.KnowledgeGaps {
		if g == gap {
			return
		}
	}
	s.KnowledgeGaps = append(s.KnowledgeGaps, gap)
}

// Verdict is the reflection step's judgement of the evidence so far.
type Verdict struct {
	IsSufficient    bool           `json:"is_sufficient"`
	KnowledgeGap    string         `json:"knowledge_gap"`
	FollowUpQueries []search.Query `json:"follow_up_queries"`
}

type queryPlan struct {
	Queries []search.Query `json:"queries"`
}

// Result is what a finished run returns.
type Result struct {
	Answer        string              `json:"answer"`
	Citations     []citation.Citation `json:"citations"`
	Iterations    int                 `json:"iterations"`
	Queries       []search.Query      `json:"queries"`
	KnowledgeGaps []string            `json:"knowledge_gaps"`
	Sources       int                 `json:"sources"`
}

var (
	ErrNoQueries         = errors.New("no search queries were generated")
	ErrAllSearchesFailed = errors.New("every search query failed")
)

// OrchestratorError is a run that stopped in Stage.
type OrchestratorError struct {
	Stage string
	Err   error
}

func (e *OrchestratorError) Error() string {
	return fmt.Sprintf("research failed during %s: %v", e.Stage, e.Err)
}

func (e *OrchestratorError) Unwrap() error { return e.Err }

// StageOf returns the stage of an OrchestratorError in err's chain, or "".
func StageOf(err error) string {
	var oe *OrchestratorError
	if errors.As(err, &oe) {
		return oe.Stage
	}
	return ""
}
