package storage

import (
	"context"
	"errors"
)

// Upsert updates the row matched by Probe or inserts it. It sticks to plain
// SELECT, UPDATE and INSERT so it runs unchanged on every dialect.
type Upsert struct {
	Probe      string
	ProbeArgs  []any
	Update     string
	UpdateArgs []any
	Insert     string
	InsertArgs []any
}

// Exec runs the upsert against db.
func (u Upsert) Exec(ctx context.Context, db Store) error {
	_, err := db.FetchOne(ctx, u.Probe, u.ProbeArgs...)
	switch {
	case err == nil:
		_, err = db.Execute(ctx, u.Update, u.UpdateArgs...)
	case errors.Is(err, ErrNoRows):
		_, err = db.Execute(ctx, u.Insert, u.InsertArgs...)
	}
	return err
}
