package orders

import "time"

// Product is the catalog row the inventory ledger mutates. Stock is the
// single source of truth; there is no separate reserved column.
type Product struct {
	ID         int64
	SellerID   int64
	SellerName string
	Title      string
	MainImage  string
	PriceCents int64
	Stock      int
	Status     ProductStatus
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// CartLine stages a (user, product, qty) prior to checkout. Price,
// title and image are snapshotted at add-time and may go stale.
type CartLine struct {
	ID             int64
	UserID         int64
	ProductID      int64
	Qty            int
	UnitPriceCents int64
	ProductTitle   string
	ProductImage   string
	Spec           string
	CreatedAt      time.Time
}

func (l CartLine) SubtotalCents() int64 { return l.UnitPriceCents * int64(l.Qty) }

// OrderItem is an immutable snapshot of one purchased product. Subtotal
// is fixed at creation and does not follow later price changes.
type OrderItem struct {
	ID             int64
	OrderID        int64
	ProductID      int64
	ProductTitle   string
	ProductImage   string
	Spec           string
	UnitPriceCents int64
	Qty            int
	SubtotalCents  int64
}

type Order struct {
	ID            int64
	OrderNo       string
	BuyerID       int64
	BuyerName     string
	SellerID      int64
	SellerName    string
	TotalCents    int64
	DiscountCents int64
	PayableCents  int64
	Status        Status
	Address       string
	Phone         string
	BuyerNote     string
	SellerNote    string

	PaymentTime   *time.Time
	ShippingTime  *time.Time
	DeliveryTime  *time.Time
	CompletedTime *time.Time

	ShippingCompany string
	TrackingNumber  string
	CancelReason    string

	RefundCents  *int64
	RefundReason string

	CreatedAt time.Time
	UpdatedAt time.Time
}

// User is the slice of the user store this core needs: just enough to
// snapshot display names onto orders.
type User struct {
	ID          int64
	DisplayName string
}

// OrderDetail bundles an order with its items for the detail endpoint.
type OrderDetail struct {
	Order     Order
	Items     []OrderItem
	ItemCount int
}

// OrderStats are per-user counters for the buyer/seller dashboards.
type OrderStats struct {
	TotalOrders     int64
	PendingPayment  int64
	PendingShipment int64 // seller view: PAID orders waiting to ship
	Shipped         int64
	PendingReceipt  int64 // buyer view: SHIPPED orders in transit
	Completed       int64
}
