package postgres

import (
	"context"
	"fmt"

	"github.com/georgysavva/scany/pgxscan"

	"github.com/benmeehan/hybrid-tracker/internal/models"
)

// AppendControl records a control change. The table is never updated in place.
func (db *DB) AppendControl(ctx context.Context, c models.ControlStatus) error {
	const fn = "DB:AppendControl"
	_, err := db.pool.Exec(ctx, `
		INSERT INTO control_log (id, control, enabled, actor, note, at) VALUES ($1, $2, $3, $4, $5, $6)
	`, c.ID, c.Control, c.Enabled, c.Actor, c.Note, c.At)
	if err != nil {
		return fmt.Errorf("%s:%w:%w", fn, ErrInsertFailed, err)
	}
	return nil
}

func (db *DB) Controls(ctx context.Context) ([]models.ControlStatus, error) {
	const fn = "DB:Controls"
	var out []models.ControlStatus
	err := pgxscan.Select(ctx, db.pool, &out, `
		SELECT id, control, enabled, actor, note, at FROM control_log ORDER BY at, id
	`)
	if err != nil {
		return nil, fmt.Errorf("%s:%w:%w", fn, ErrSelectFailed, err)
	}
	for i := range out {
		out[i].At = out[i].At.UTC()
	}
	return out, nil
}
