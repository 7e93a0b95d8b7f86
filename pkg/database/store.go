// Package database persists research jobs, their state snapshots and their
// logs, in Postgres or in memory.
package database

import (
	"context"
	"encoding/json"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

type JobStatus string

const (
	StatusPending   JobStatus = "pending"
	StatusRunning   JobStatus = "running"
	StatusCompleted JobStatus = "completed"
	StatusFailed    JobStatus = "failed"
)

var ErrJobNotFound = errors.New("job not found")

type Job struct {
	ID        uuid.UUID       `json:"id"`
	Question  string          `json:"question"`
	Status    JobStatus       `json:"status"`
	Answer    *string         `json:"answer,omitempty"`
	Citations json.RawMessage `json:"citations,omitempty"`
	Error     *string         `json:"error,omitempty"`
	State     json.RawMessage `json:"state,omitempty"`
	Config    json.RawMessage `json:"config,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
	UpdatedAt time.Time       `json:"updated_at"`
}

type LogEntry struct {
	ID        int64           `json:"id"`
	Timestamp time.Time       `json:"timestamp"`
	Level     string          `json:"level"`
	Message   string          `json:"message"`
	Metadata  json.RawMessage `json:"metadata,omitempty"`
}

// Store is the job persistence used by the server. Updates to an unknown
// job return ErrJobNotFound.
type Store interface {
	CreateJob(ctx context.Context, question string, config json.RawMessage) (*Job, error)
	GetJob(ctx context.Context, id uuid.UUID) (*Job, error)
	ListJobs(ctx context.Context, limit int) ([]Job, error)
	SetRunning(ctx context.Context, id uuid.UUID) error
	SaveState(ctx context.Context, id uuid.UUID, state json.RawMessage) error
	CompleteJob(ctx context.Context, id uuid.UUID, answer string, citations json.RawMessage) error
	FailJob(ctx context.Context, id uuid.UUID, reason string) error
	AppendLog(ctx context.Context, jobID uuid.UUID, entry LogEntry) error
	JobLogs(ctx context.Context, jobID uuid.UUID) ([]LogEntry, error)
	Close()
}

// MemoryStore keeps jobs in process memory. Used when no DATABASE_URL is
// configured, and in tests.
type MemoryStore struct {
	mu     sync.RWMutex
	jobs   map[uuid.UUID]*Job
	logs   map[uuid.UUID][]LogEntry
	nextID int64
	now    func() time.Time
}

var _ Store = (*MemoryStore)(nil)

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		jobs: make(map[uuid.UUID]*Job),
		logs: make(map[uuid.UUID][]LogEntry),
		now:  time.Now,
	}
}

func (m *MemoryStore) CreateJob(_ context.Context, question string, config json.RawMessage) (*Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	job := &Job{
		ID:        uuid.New(),
		Question:  question,
		Status:    StatusPending,
		Config:    cloneRaw(config),
		CreatedAt: now,
		UpdatedAt: now,
	}
	m.jobs[job.ID] = job
	return copyJob(job), nil
}

func (m *MemoryStore) GetJob(_ context.Context, id uuid.UUID) (*Job, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	job, ok := m.jobs[id]
	if !ok {
		return nil, ErrJobNotFound
	}
	return copyJob(job), nil
}

func (m *MemoryStore) ListJobs(_ context.Context, limit int) ([]Job, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	jobs := make([]Job, 0, len(m.jobs))
	for _, job := range m.jobs {
		jobs = append(jobs, *copyJob(job))
	}
	sort.Slice(jobs, func(i, j int) bool {
		return jobs[i].CreatedAt.After(jobs[j].CreatedAt)
	})
	if limit > 0 && len(jobs) > limit {
		jobs = jobs[:limit]
	}
	return jobs, nil
}

func (m *MemoryStore) SetRunning(_ context.Context, id uuid.UUID) error {
	return m.update(id, func(j *Job) { j.Status = StatusRunning })
}

func (m *MemoryStore) SaveState(_ context.Context, id uuid.UUID, state json.RawMessage) error {
	return m.update(id, func(j *Job) { j.State = cloneRaw(state) })
}

func (m *MemoryStore) CompleteJob(_ context.Context, id uuid.UUID, answer string, citations json.RawMessage) error {
	return m.update(id, func(j *Job) {
		j.Status = StatusCompleted
		j.Answer = &answer
		j.Citations = cloneRaw(citations)
	})
}

func (m *MemoryStore) FailJob(_ context.Context, id uuid.UUID, reason string) error {
	return m.update(id, func(j *Job) {
		j.Status = StatusFailed
		j.Error = &reason
	})
}

func (m *MemoryStore) AppendLog(_ context.Context, jobID uuid.UUID, entry LogEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.jobs[jobID]; !ok {
		return ErrJobNotFound
	}
	m.nextID++
	entry.ID = m.nextID
	entry.Metadata = cloneRaw(entry.Metadata)
	m.logs[jobID] = append(m.logs[jobID], entry)
	return nil
}

func (m *MemoryStore) JobLogs(_ context.Context, jobID uuid.UUID) ([]LogEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]LogEntry(nil), m.logs[jobID]...), nil
}

func (m *MemoryStore) Close() {}

func (m *MemoryStore) update(id uuid.UUID, fn func(*Job)) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	job, ok := m.jobs[id]
	if !ok {
		return ErrJobNotFound
	}
	fn(job)
	job.UpdatedAt = m.now()
	return nil
}

func copyJob(j *Job) *Job {
	c := *j
	c.Citations = cloneRaw(j.Citations)
	c.State = cloneRaw(j.State)
	c.Config = cloneRaw(j.Config)
	if j.Answer != nil {
		a := *j.Answer
		c.Answer = &a
	}
	if j.Error != nil {
		e := *j.Error
		c.Error = &e
	}
	return &c
}

func cloneRaw(raw json.RawMessage) json.RawMessage {
	if raw == nil {
		return nil
	}
	return append(json.RawMessage(nil), raw...)
}
