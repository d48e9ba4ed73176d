package orders

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// OrderRepo persists orders and items in Postgres.
type OrderRepo struct{ DB *pgxpool.Pool }

var _ OrderStore = (*OrderRepo)(nil)

// Text columns not set at insert time (seller_note, shipping_company,
// tracking_number, cancel_reason, refund_reason) must be declared
// NOT NULL DEFAULT '' in the schema; scanOrder reads them into plain
// strings.
const orderColumns = `id, order_no, buyer_id, buyer_name, seller_id, seller_name,
	total_cents, discount_cents, payable_cents, status,
	address, phone, buyer_note, seller_note,
	payment_time, shipping_time, delivery_time, completed_time,
	shipping_company, tracking_number, cancel_reason,
	refund_cents, refund_reason, created_at, updated_at`

func scanOrder(row pgx.Row) (*Order, error) {
	var o Order
	var status string
	err := row.Scan(
		&o.ID, &o.OrderNo, &o.BuyerID, &o.BuyerName, &o.SellerID, &o.SellerName,
		&o.TotalCents, &o.DiscountCents, &o.PayableCents, &status,
		&o.Address, &o.Phone, &o.BuyerNote, &o.SellerNote,
		&o.PaymentTime, &o.ShippingTime, &o.DeliveryTime, &o.CompletedTime,
		&o.ShippingCompany, &o.TrackingNumber, &o.CancelReason,
		&o.RefundCents, &o.RefundReason, &o.CreatedAt, &o.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	o.Status = Status(status)
	return &o, nil
}

// Create reserves stock for every item and inserts the order + items in
// one transaction. Any shortage or race rolls everything back; a
// duplicate order_no surfaces as ErrDuplicateOrderNo so the caller can
// regenerate and retry.
func (r *OrderRepo) Create(ctx context.Context, o *Order, items []OrderItem) error {
	tx, err := r.DB.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	for _, it := range items {
		if err := reserveStock(ctx, tx, it.ProductID, it.Qty); err != nil {
			return err
		}
	}

	err = tx.QueryRow(ctx, `
		INSERT INTO orders(order_no, buyer_id, buyer_name, seller_id, seller_name,
		                   total_cents, discount_cents, payable_cents, status,
		                   address, phone, buyer_note)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)
		RETURNING id, created_at, updated_at`,
		o.OrderNo, o.BuyerID, o.BuyerName, o.SellerID, o.SellerName,
		o.TotalCents, o.DiscountCents, o.PayableCents, string(o.Status),
		o.Address, o.Phone, o.BuyerNote,
	).Scan(&o.ID, &o.CreatedAt, &o.UpdatedAt)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return ErrDuplicateOrderNo
		}
		return err
	}

	for i := range items {
		items[i].OrderID = o.ID
		it := items[i]
		err = tx.QueryRow(ctx, `
			INSERT INTO order_items(order_id, product_id, product_title, product_image,
			                        spec, unit_price_cents, qty, subtotal_cents)
			VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
			RETURNING id`,
			it.OrderID, it.ProductID, it.ProductTitle, it.ProductImage,
			it.Spec, it.UnitPriceCents, it.Qty, it.SubtotalCents,
		).Scan(&items[i].ID)
		if err != nil {
			return err
		}
	}

	return tx.Commit(ctx)
}

func (r *OrderRepo) GetByID(ctx context.Context, id int64) (*Order, error) {
	return scanOrder(r.DB.QueryRow(ctx, `SELECT `+orderColumns+` FROM orders WHERE id=$1`, id))
}

func (r *OrderRepo) GetByNo(ctx context.Context, orderNo string) (*Order, error) {
	return scanOrder(r.DB.QueryRow(ctx, `SELECT `+orderColumns+` FROM orders WHERE order_no=$1`, orderNo))
}

func (r *OrderRepo) ListItems(ctx context.Context, orderID int64) ([]OrderItem, error) {
	rows, err := r.DB.Query(ctx, `
		SELECT id, order_id, product_id, product_title, product_image,
		       spec, unit_price_cents, qty, subtotal_cents
		FROM order_items WHERE order_id=$1 ORDER BY id`, orderID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []OrderItem
	for rows.Next() {
		var it OrderItem
		if err := rows.Scan(&it.ID, &it.OrderID, &it.ProductID, &it.ProductTitle,
			&it.ProductImage, &it.Spec, &it.UnitPriceCents, &it.Qty, &it.SubtotalCents); err != nil {
			return nil, err
		}
		out = append(out, it)
	}
	return out, rows.Err()
}

// UpdateStatus applies a transition only if it is legal per validNext
// and the order is still in `from`. Zero rows affected with the order
// present means someone else transitioned first -> ErrConflict.
func (r *OrderRepo) UpdateStatus(ctx context.Context, id int64, from Status, set OrderUpdate) error {
	if !CanTransition(from, set.Status) {
		return fmt.Errorf("%s -> %s: %w", from, set.Status, ErrInvalidState)
	}
	sets := []string{"status=$1", "updated_at=now()"}
	args := []any{string(set.Status)}
	add := func(col string, v any) {
		args = append(args, v)
		sets = append(sets, fmt.Sprintf("%s=$%d", col, len(args)))
	}
	if set.PaymentTime != nil {
		add("payment_time", *set.PaymentTime)
	}
	if set.ShippingTime != nil {
		add("shipping_time", *set.ShippingTime)
	}
	if set.DeliveryTime != nil {
		add("delivery_time", *set.DeliveryTime)
	}
	if set.CompletedTime != nil {
		add("completed_time", *set.CompletedTime)
	}
	if set.ShippingCompany != nil {
		add("shipping_company", *set.ShippingCompany)
	}
	if set.TrackingNumber != nil {
		add("tracking_number", *set.TrackingNumber)
	}
	if set.CancelReason != nil {
		add("cancel_reason", *set.CancelReason)
	}
	if set.SellerNote != nil {
		add("seller_note", *set.SellerNote)
	}
	if set.RefundCents != nil {
		add("refund_cents", *set.RefundCents)
	}
	if set.RefundReason != nil {
		add("refund_reason", *set.RefundReason)
	}
	if set.ClearRefund {
		sets = append(sets, "refund_cents=NULL", "refund_reason=''")
	}

	args = append(args, id, string(from))
	q := fmt.Sprintf(`UPDATE orders SET %s WHERE id=$%d AND status=$%d`,
		strings.Join(sets, ", "), len(args)-1, len(args))

	ct, err := r.DB.Exec(ctx, q, args...)
	if err != nil {
		return err
	}
	if ct.RowsAffected() == 1 {
		return nil
	}

	var exists bool
	if err := r.DB.QueryRow(ctx, `SELECT EXISTS(SELECT 1 FROM orders WHERE id=$1)`, id).Scan(&exists); err != nil {
		return err
	}
	if !exists {
		return ErrNotFound
	}
	return ErrConflict
}

// Cancel flips the order to CANCELLED and returns every item's stock
// in one transaction, so a failure mid-restock can never strand a
// cancelled order with unreleased inventory.
func (r *OrderRepo) Cancel(ctx context.Context, id int64, from Status, reason string) error {
	if !CanTransition(from, StatusCancelled) {
		return fmt.Errorf("%s -> %s: %w", from, StatusCancelled, ErrInvalidState)
	}
	tx, err := r.DB.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	ct, err := tx.Exec(ctx, `
		UPDATE orders SET status=$1, cancel_reason=$2, updated_at=now()
		WHERE id=$3 AND status=$4`,
		string(StatusCancelled), reason, id, string(from))
	if err != nil {
		return err
	}
	if ct.RowsAffected() == 0 {
		var exists bool
		if err := tx.QueryRow(ctx, `SELECT EXISTS(SELECT 1 FROM orders WHERE id=$1)`, id).Scan(&exists); err != nil {
			return err
		}
		if !exists {
			return ErrNotFound
		}
		return ErrConflict
	}

	rows, err := tx.Query(ctx, `SELECT product_id, qty FROM order_items WHERE order_id=$1`, id)
	if err != nil {
		return err
	}
	type release struct {
		productID int64
		qty       int
	}
	var releases []release
	for rows.Next() {
		var rel release
		if err := rows.Scan(&rel.productID, &rel.qty); err != nil {
			rows.Close()
			return err
		}
		releases = append(releases, rel)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return err
	}

	for _, rel := range releases {
		if err := releaseStock(ctx, tx, rel.productID, rel.qty); err != nil {
			if errors.Is(err, ErrNotFound) {
				continue // product deleted since purchase
			}
			return err
		}
	}
	return tx.Commit(ctx)
}

func (r *OrderRepo) Delete(ctx context.Context, id int64) error {
	tx, err := r.DB.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if _, err := tx.Exec(ctx, `DELETE FROM order_items WHERE order_id=$1`, id); err != nil {
		return err
	}
	ct, err := tx.Exec(ctx, `DELETE FROM orders WHERE id=$1`, id)
	if err != nil {
		return err
	}
	if ct.RowsAffected() == 0 {
		return ErrNotFound
	}
	return tx.Commit(ctx)
}

func (r *OrderRepo) ListByBuyer(ctx context.Context, buyerID int64, page, size int) ([]Order, error) {
	return r.list(ctx, "buyer_id", buyerID, page, size)
}

func (r *OrderRepo) ListBySeller(ctx context.Context, sellerID int64, page, size int) ([]Order, error) {
	return r.list(ctx, "seller_id", sellerID, page, size)
}

func (r *OrderRepo) list(ctx context.Context, col string, userID int64, page, size int) ([]Order, error) {
	if page < 1 {
		page = 1
	}
	if size < 1 || size > 100 {
		size = 20
	}
	q := fmt.Sprintf(`SELECT %s FROM orders WHERE %s=$1
		ORDER BY created_at DESC LIMIT $2 OFFSET $3`, orderColumns, col)
	rows, err := r.DB.Query(ctx, q, userID, size, (page-1)*size)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Order
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *o)
	}
	return out, rows.Err()
}

func (r *OrderRepo) CountByStatus(ctx context.Context, userID int64, asSeller bool) (map[Status]int64, error) {
	col := "buyer_id"
	if asSeller {
		col = "seller_id"
	}
	rows, err := r.DB.Query(ctx,
		fmt.Sprintf(`SELECT status, COUNT(*) FROM orders WHERE %s=$1 GROUP BY status`, col), userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := map[Status]int64{}
	for rows.Next() {
		var s string
		var n int64
		if err := rows.Scan(&s, &n); err != nil {
			return nil, err
		}
		out[Status(s)] = n
	}
	return out, rows.Err()
}
