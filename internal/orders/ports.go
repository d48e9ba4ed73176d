package orders

import (
	"context"
	"time"

	kafkago "github.com/segmentio/kafka-go"
)

// OrderUpdate is the set of fields a single transition may touch.
// Nil pointers are left untouched by the store.
type OrderUpdate struct {
	Status Status

	PaymentTime   *time.Time
	ShippingTime  *time.Time
	DeliveryTime  *time.Time
	CompletedTime *time.Time

	ShippingCompany *string
	TrackingNumber  *string
	CancelReason    *string
	SellerNote      *string

	RefundCents  *int64
	RefundReason *string
	ClearRefund  bool
}

// OrderStore persists orders and their items.
//
// Create must be atomic: reserve stock for every item and insert the
// order + items in one unit, or change nothing. UpdateStatus is an
// optimistic transition: it rejects edges outside validNext with
// ErrInvalidState, applies only if the order is still in `from`, and
// returns ErrConflict when a concurrent update won. Cancel is the
// transactional inverse of Create: the CANCELLED flip and every item's
// stock release commit together or not at all.
type OrderStore interface {
	Create(ctx context.Context, o *Order, items []OrderItem) error
	GetByID(ctx context.Context, id int64) (*Order, error)
	GetByNo(ctx context.Context, orderNo string) (*Order, error)
	ListItems(ctx context.Context, orderID int64) ([]OrderItem, error)
	UpdateStatus(ctx context.Context, id int64, from Status, set OrderUpdate) error
	Cancel(ctx context.Context, id int64, from Status, reason string) error
	Delete(ctx context.Context, id int64) error
	ListByBuyer(ctx context.Context, buyerID int64, page, size int) ([]Order, error)
	ListBySeller(ctx context.Context, sellerID int64, page, size int) ([]Order, error)
	CountByStatus(ctx context.Context, userID int64, asSeller bool) (map[Status]int64, error)
}

// ProductStore is the inventory ledger's view of the catalog. Reserve
// and Release are the only stock mutations in the system: Reserve
// fails with ErrNotFound / ErrNotListed / *StockError, decrements
// stock and flips LISTED -> SOLD_OUT at zero; Release increments and
// flips SOLD_OUT -> LISTED. Both must be atomic per product.
type ProductStore interface {
	Get(ctx context.Context, id int64) (*Product, error)
	Reserve(ctx context.Context, productID int64, qty int) error
	Release(ctx context.Context, productID int64, qty int) error
}

// UserStore is only consulted to snapshot display names onto orders.
type UserStore interface {
	Get(ctx context.Context, id int64) (*User, error)
}

// Publisher is the async event sink; *kafka.Producer satisfies it.
type Publisher interface {
	Publish(key, value []byte, headers ...kafkago.Header)
}
