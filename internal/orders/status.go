package orders

// Status is the order lifecycle state. Transitions outside validNext
// are rejected with ErrInvalidState.
type Status string

const (
	StatusPendingPayment Status = "PENDING_PAYMENT"
	StatusPaid           Status = "PAID"
	StatusShipped        Status = "SHIPPED"
	StatusDelivered      Status = "DELIVERED"
	StatusCompleted      Status = "COMPLETED"
	StatusCancelled      Status = "CANCELLED"
	StatusRefunding      Status = "REFUNDING"
	StatusRefunded       Status = "REFUNDED"
)

var validNext = map[Status]map[Status]bool{
	StatusPendingPayment: {StatusPaid: true, StatusCancelled: true},
	StatusPaid:           {StatusShipped: true, StatusCancelled: true, StatusRefunding: true},
	StatusShipped:        {StatusDelivered: true, StatusRefunding: true},
	StatusDelivered:      {StatusCompleted: true},
	StatusCompleted:      {},
	StatusCancelled:      {},
	StatusRefunding:      {StatusRefunded: true, StatusPaid: true},
	StatusRefunded:       {},
}

func CanTransition(from, to Status) bool {
	return validNext[from][to]
}

// AllStatuses lists every order status, for stats queries and tests.
var AllStatuses = []Status{
	StatusPendingPayment, StatusPaid, StatusShipped, StatusDelivered,
	StatusCompleted, StatusCancelled, StatusRefunding, StatusRefunded,
}

// ProductStatus is the listing state of a product. SOLD_OUT is derived:
// set when a reservation drives stock to zero, cleared when a release
// makes stock positive again.
type ProductStatus string

const (
	ProductListed   ProductStatus = "LISTED"
	ProductDelisted ProductStatus = "DELISTED"
	ProductSoldOut  ProductStatus = "SOLD_OUT"
	ProductDeleted  ProductStatus = "DELETED"
)
