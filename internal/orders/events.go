package orders

import (
	"encoding/json"
	"time"
)

const (
	EventOrderCreated   = "OrderCreated"
	EventOrderPaid      = "OrderPaid"
	EventOrderShipped   = "OrderShipped"
	EventOrderDelivered = "OrderDelivered"
	EventOrderCompleted = "OrderCompleted"
	EventOrderCancelled = "OrderCancelled"
	EventRefundApplied  = "RefundApplied"
	EventRefundResolved = "RefundResolved"
	EventOrderDeleted   = "OrderDeleted"
)

type Envelope struct {
	EventID       string          `json:"event_id"`
	EventType     string          `json:"event_type"`
	EventVersion  int             `json:"event_version"` // 1
	OccurredAt    time.Time       `json:"occurred_at"`
	Producer      string          `json:"producer"`
	TraceID       string          `json:"trace_id,omitempty"`
	CorrelationID string          `json:"correlation_id,omitempty"` // order_no
	Payload       json.RawMessage `json:"payload"`
}

// ---- payloads ----

type ItemSnapshot struct {
	ProductID      int64 `json:"product_id"`
	Qty            int   `json:"qty"`
	UnitPriceCents int64 `json:"unit_price_cents"`
}

type OrderCreatedPayload struct {
	OrderID      int64          `json:"order_id"`
	OrderNo      string         `json:"order_no"`
	BuyerID      int64          `json:"buyer_id"`
	SellerID     int64          `json:"seller_id"`
	Items        []ItemSnapshot `json:"items"`
	TotalCents   int64          `json:"total_cents"`
	PayableCents int64          `json:"payable_cents"`
}

// OrderStatusPayload covers every plain transition (paid, shipped,
// delivered, completed, cancelled): the new status plus whatever
// detail the transition carried.
type OrderStatusPayload struct {
	OrderID         int64  `json:"order_id"`
	OrderNo         string `json:"order_no"`
	Status          Status `json:"status"`
	ShippingCompany string `json:"shipping_company,omitempty"`
	TrackingNumber  string `json:"tracking_number,omitempty"`
	CancelReason    string `json:"cancel_reason,omitempty"`
}

type RefundPayload struct {
	OrderID     int64  `json:"order_id"`
	OrderNo     string `json:"order_no"`
	Status      Status `json:"status"`
	RefundCents int64  `json:"refund_cents,omitempty"`
	Reason      string `json:"reason,omitempty"`
	Agreed      *bool  `json:"agreed,omitempty"` // RefundResolved only
}

type OrderDeletedPayload struct {
	OrderID    int64  `json:"order_id"`
	OrderNo    string `json:"order_no"`
	OperatorID int64  `json:"operator_id"`
}
