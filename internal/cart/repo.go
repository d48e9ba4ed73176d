package cart

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/kbtrade/go-market-orders/internal/orders"
)

// Repo stores cart lines in Postgres with a unique (user_id,
// product_id) constraint backing the merge-on-add behavior.
type Repo struct{ DB *pgxpool.Pool }

var _ Store = (*Repo)(nil)

const lineColumns = `id, user_id, product_id, qty, unit_price_cents,
	product_title, product_image, spec, created_at`

func scanLine(row pgx.Row) (*orders.CartLine, error) {
	var l orders.CartLine
	err := row.Scan(&l.ID, &l.UserID, &l.ProductID, &l.Qty, &l.UnitPriceCents,
		&l.ProductTitle, &l.ProductImage, &l.Spec, &l.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, orders.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &l, nil
}

func (r *Repo) List(ctx context.Context, userID int64) ([]orders.CartLine, error) {
	rows, err := r.DB.Query(ctx,
		`SELECT `+lineColumns+` FROM cart_lines WHERE user_id=$1 ORDER BY created_at DESC, id DESC`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []orders.CartLine
	for rows.Next() {
		l, err := scanLine(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *l)
	}
	return out, rows.Err()
}

func (r *Repo) Get(ctx context.Context, userID, productID int64) (*orders.CartLine, error) {
	return scanLine(r.DB.QueryRow(ctx,
		`SELECT `+lineColumns+` FROM cart_lines WHERE user_id=$1 AND product_id=$2`, userID, productID))
}

func (r *Repo) GetByID(ctx context.Context, lineID int64) (*orders.CartLine, error) {
	return scanLine(r.DB.QueryRow(ctx,
		`SELECT `+lineColumns+` FROM cart_lines WHERE id=$1`, lineID))
}

func (r *Repo) Upsert(ctx context.Context, line *orders.CartLine) error {
	return r.DB.QueryRow(ctx, `
		INSERT INTO cart_lines(user_id, product_id, qty, unit_price_cents,
		                       product_title, product_image, spec)
		VALUES ($1,$2,$3,$4,$5,$6,$7)
		ON CONFLICT (user_id, product_id) DO UPDATE
		SET qty = EXCLUDED.qty, spec = EXCLUDED.spec
		RETURNING id, created_at`,
		line.UserID, line.ProductID, line.Qty, line.UnitPriceCents,
		line.ProductTitle, line.ProductImage, line.Spec,
	).Scan(&line.ID, &line.CreatedAt)
}

func (r *Repo) Remove(ctx context.Context, lineID int64) error {
	ct, err := r.DB.Exec(ctx, `DELETE FROM cart_lines WHERE id=$1`, lineID)
	if err != nil {
		return err
	}
	if ct.RowsAffected() == 0 {
		return orders.ErrNotFound
	}
	return nil
}

func (r *Repo) DeleteByProducts(ctx context.Context, userID int64, productIDs []int64) error {
	_, err := r.DB.Exec(ctx,
		`DELETE FROM cart_lines WHERE user_id=$1 AND product_id = ANY($2)`, userID, productIDs)
	return err
}

func (r *Repo) Clear(ctx context.Context, userID int64) error {
	_, err := r.DB.Exec(ctx, `DELETE FROM cart_lines WHERE user_id=$1`, userID)
	return err
}
