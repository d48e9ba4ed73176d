package orders

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// UserRepo reads the slice of the user store this core needs.
type UserRepo struct{ DB *pgxpool.Pool }

var _ UserStore = (*UserRepo)(nil)

func (r *UserRepo) Get(ctx context.Context, id int64) (*User, error) {
	var u User
	err := r.DB.QueryRow(ctx, `SELECT id, display_name FROM users WHERE id=$1`, id).
		Scan(&u.ID, &u.DisplayName)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("user %d: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	return &u, nil
}
