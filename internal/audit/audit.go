// Package audit keeps the append-only log of security control changes.
package audit

import (
	"context"
	"errors"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/benmeehan/hybrid-tracker/internal/models"
	"github.com/benmeehan/hybrid-tracker/internal/storage"
)

var ErrInvalidControl = errors.New("control name is required")

type Log struct {
	store  storage.AuditStore
	now    func() time.Time
	logger zerolog.Logger
}

func New(store storage.AuditStore, logger zerolog.Logger) *Log {
	return &Log{store: store, now: time.Now, logger: logger}
}

// Record appends a control change. Earlier entries are never modified.
func (l *Log) Record(ctx context.Context, control string, enabled bool, actor, note string) (models.ControlStatus, error) {
	if control == "" {
		return models.ControlStatus{}, ErrInvalidControl
	}
	entry := models.ControlStatus{
		ID:      uuid.NewString(),
		Control: control,
		Enabled: enabled,
		Actor:   actor,
		Note:    note,
		At:      l.now().UTC(),
	}
	if err := l.store.AppendControl(ctx, entry); err != nil {
		return models.ControlStatus{}, err
	}
	l.logger.Info().
		Str("control", control).
		Bool("enabled", enabled).
		Str("actor", actor).
		Msg("Security control recorded")
	return entry, nil
}

func (l *Log) Entries(ctx context.Context) ([]models.ControlStatus, error) {
	return l.store.Controls(ctx)
}

// Current returns the latest entry of each control, sorted by control name.
func (l *Log) Current(ctx context.Context) ([]models.ControlStatus, error) {
	entries, err := l.store.Controls(ctx)
	if err != nil {
		return nil, err
	}
	latest := make(map[string]models.ControlStatus)
	for _, e := range entries {
		if prev, ok := latest[e.Control]; !ok || !e.At.Before(prev.At) {
			latest[e.Control] = e
		}
	}
	out := make([]models.ControlStatus, 0, len(latest))
	for _, e := range latest {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Control < out[j].Control })
	return out, nil
}
