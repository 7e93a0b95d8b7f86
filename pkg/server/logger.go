package server

import (
	"context"
	"encoding/json"
	"log/slog"
	"strings"

	"github.com/google/uuid"

	"github.com/mikeboe/deep-research/pkg/database"
)

// JobLogHandler is a slog.Handler that writes records to the job store so
// they can be served from /api/research/:id/logs. Records are also passed to
// Next when it is set.
type JobLogHandler struct {
	Store database.Store
	JobID uuid.UUID
	Level slog.Leveler
	Next  slog.Handler

	attrs  []slog.Attr
	groups []string
}

func NewJobLogHandler(store database.Store, jobID uuid.UUID, next slog.Handler) *JobLogHandler {
	return &JobLogHandler{
		Store: store,
		JobID: jobID,
		Level: slog.LevelInfo,
		Next:  next,
	}
}

func (h *JobLogHandler) Enabled(ctx context.Context, level slog.Level) bool {
	if level >= h.Level.Level() {
		return true
	}
	return h.Next != nil && h.Next.Enabled(ctx, level)
}

func (h *JobLogHandler) Handle(ctx context.Context, r slog.Record) error {
	if h.Next != nil && h.Next.Enabled(ctx, r.Level) {
		_ = h.Next.Handle(ctx, r)
	}
	if r.Level < h.Level.Level() {
		return nil
	}

	meta := make(map[string]any)
	for _, a := range h.attrs {
		addAttr(meta, a)
	}
	prefix := strings.Join(h.groups, ".")
	r.Attrs(func(a slog.Attr) bool {
		if prefix != "" {
			a.Key = prefix + "." + a.Key
		}
		addAttr(meta, a)
		return true
	})

	metaJSON, err := json.Marshal(meta)
	if err != nil {
		metaJSON = []byte("{}")
	}

	// Background context: logs must persist even when the run's context is
	// already cancelled.
	return h.Store.AppendLog(context.Background(), h.JobID, database.LogEntry{
		Timestamp: r.Time,
		Level:     r.Level.String(),
		Message:   r.Message,
		Metadata:  metaJSON,
	})
}

func (h *JobLogHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	c := h.clone()
	prefix := strings.Join(h.groups, ".")
	for _, a := range attrs {
		if prefix != "" {
			a.Key = prefix + "." + a.Key
		}
		c.attrs = append(c.attrs, a)
	}
	if h.Next != nil {
		c.Next = h.Next.WithAttrs(attrs)
	}
	return c
}

func (h *JobLogHandler) WithGroup(name string) slog.Handler {
	if name == "" {
		return h
	}
	c := h.clone()
	c.groups = append(c.groups, name)
	if h.Next != nil {
		c.Next = h.Next.WithGroup(name)
	}
	return c
}

func (h *JobLogHandler) clone() *JobLogHandler {
	c := *h
	c.attrs = append([]slog.Attr(nil), h.attrs...)
	c.groups = append([]string(nil), h.groups...)
	return &c
}

func addAttr(meta map[string]any, a slog.Attr) {
	v := a.Value.Resolve()
	switch v.Kind() {
	case slog.KindGroup:
		for _, ga := range v.Group() {
			if a.Key != "" {
				ga.Key = a.Key + "." + ga.Key
			}
			addAttr(meta, ga)
		}
	case slog.KindAny:
		if err, ok := v.Any().(error); ok {
			meta[a.Key] = err.Error()
			return
		}
		meta[a.Key] = v.Any()
	default:
		meta[a.Key] = v.Any()
	}
}
