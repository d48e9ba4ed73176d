package orders

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// ProductRepo is the Postgres inventory ledger. The products row is
// the single source of truth for stock; there is no soft-hold phase,
// a successful reservation is immediately visible to every reader.
type ProductRepo struct{ DB *pgxpool.Pool }

var _ ProductStore = (*ProductRepo)(nil)

func (r *ProductRepo) Get(ctx context.Context, id int64) (*Product, error) {
	var p Product
	var status string
	err := r.DB.QueryRow(ctx, `
		SELECT id, seller_id, seller_name, title, main_image, price_cents,
		       stock, status, created_at, updated_at
		FROM products WHERE id=$1`, id).Scan(
		&p.ID, &p.SellerID, &p.SellerName, &p.Title, &p.MainImage, &p.PriceCents,
		&p.Stock, &status, &p.CreatedAt, &p.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("product %d: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	p.Status = ProductStatus(status)
	return &p, nil
}

// Reserve decrements stock for one product in its own transaction.
// Order creation does not go through here: OrderRepo.Create calls
// reserveStock on its own tx so the whole checkout commits or nothing.
func (r *ProductRepo) Reserve(ctx context.Context, productID int64, qty int) error {
	tx, err := r.DB.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if err := reserveStock(ctx, tx, productID, qty); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

func (r *ProductRepo) Release(ctx context.Context, productID int64, qty int) error {
	tx, err := r.DB.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if err := releaseStock(ctx, tx, productID, qty); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

// reserveStock: lock the product row (FOR UPDATE), check listing and
// stock, then decrement atomically. Hitting zero flips the listing to
// SOLD_OUT in the same statement.
func reserveStock(ctx context.Context, tx pgx.Tx, productID int64, qty int) error {
	var stock int
	var status string
	err := tx.QueryRow(ctx, `SELECT stock, status FROM products WHERE id=$1 FOR UPDATE`,
		productID).Scan(&stock, &status)
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("product %d: %w", productID, ErrNotFound)
	}
	if err != nil {
		return err
	}
	if ProductStatus(status) != ProductListed {
		return fmt.Errorf("product %d: %w", productID, ErrNotListed)
	}
	if stock < qty {
		return &StockError{ProductID: productID, Required: qty, Available: stock}
	}

	ct, err := tx.Exec(ctx, `
		UPDATE products
		SET stock = stock - $2,
		    status = CASE WHEN stock - $2 = 0 THEN 'SOLD_OUT' ELSE status END,
		    updated_at = now()
		WHERE id=$1 AND stock >= $2`, productID, qty)
	if err != nil {
		return err
	}
	if ct.RowsAffected() != 1 {
		return ErrConflict
	}
	return nil
}

// releaseStock is the inverse, used only on order cancellation. A
// SOLD_OUT product going back above zero is re-listed.
func releaseStock(ctx context.Context, tx pgx.Tx, productID int64, qty int) error {
	ct, err := tx.Exec(ctx, `
		UPDATE products
		SET stock = stock + $2,
		    status = CASE WHEN status = 'SOLD_OUT' THEN 'LISTED' ELSE status END,
		    updated_at = now()
		WHERE id=$1`, productID, qty)
	if err != nil {
		return err
	}
	if ct.RowsAffected() != 1 {
		return fmt.Errorf("product %d: %w", productID, ErrNotFound)
	}
	return nil
}
