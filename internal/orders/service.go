package orders

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	kafkago "github.com/segmentio/kafka-go"

	kafkax "github.com/kbtrade/go-market-orders/internal/kafka"
)

// restockOnRefund pins the inventory asymmetry: cancellation returns
// stock to the pool, an approved refund does not. A refunded item has
// already left the seller's hands; re-listing it is the seller's call.
const restockOnRefund = false

// createRetries bounds order-number regeneration when the unique
// constraint on order_no fires under burst load.
const createRetries = 3

// Service drives the order lifecycle. Every stock mutation funnels
// through the product store's reserve/release pair; every successful
// mutation publishes an event envelope to TopicOrderEvents.
type Service struct {
	Orders   OrderStore
	Products ProductStore
	Users    UserStore
	Events   Publisher // optional

	ServiceName   string
	OrderNoPrefix string
}

func (s *Service) GenerateOrderNo() string { return NextOrderNo(s.OrderNoPrefix) }

// CreateOrder converts item drafts into a persisted PENDING_PAYMENT
// order: snapshots names and prices, computes totals, and reserves
// stock for every item atomically with the insert. Carts spanning more
// than one seller are rejected outright.
func (s *Service) CreateOrder(ctx context.Context, buyerID int64, drafts []OrderItem, address, phone, note string) (*Order, error) {
	if len(drafts) == 0 {
		return nil, ErrEmptyOrder
	}

	buyer, err := s.Users.Get(ctx, buyerID)
	if err != nil {
		return nil, fmt.Errorf("buyer %d: %w", buyerID, err)
	}

	var sellerID int64
	var sellerName string
	var totalCents int64
	items := make([]OrderItem, 0, len(drafts))

	for _, d := range drafts {
		if d.Qty < 1 {
			return nil, fmt.Errorf("qty %d for product %d: %w", d.Qty, d.ProductID, ErrInvalidAmount)
		}
		p, err := s.Products.Get(ctx, d.ProductID)
		if err != nil {
			return nil, err
		}
		if p.Status != ProductListed {
			return nil, fmt.Errorf("product %d: %w", p.ID, ErrNotListed)
		}
		if d.Qty > p.Stock {
			return nil, &StockError{ProductID: p.ID, Required: d.Qty, Available: p.Stock}
		}
		if sellerID != 0 && sellerID != p.SellerID {
			return nil, ErrMultipleSellers
		}
		sellerID, sellerName = p.SellerID, p.SellerName

		// price/title/image come from the product at creation time,
		// not from possibly stale cart snapshots
		it := OrderItem{
			ProductID:      p.ID,
			ProductTitle:   p.Title,
			ProductImage:   p.MainImage,
			Spec:           d.Spec,
			UnitPriceCents: p.PriceCents,
			Qty:            d.Qty,
		}
		it.SubtotalCents = it.UnitPriceCents * int64(it.Qty)
		totalCents += it.SubtotalCents
		items = append(items, it)
	}

	o := &Order{
		OrderNo:      s.GenerateOrderNo(),
		BuyerID:      buyerID,
		BuyerName:    buyer.DisplayName,
		SellerID:     sellerID,
		SellerName:   sellerName,
		TotalCents:   totalCents,
		PayableCents: totalCents, // no discounts yet
		Status:       StatusPendingPayment,
		Address:      address,
		Phone:        phone,
		BuyerNote:    note,
	}

	for attempt := 0; ; attempt++ {
		err = s.Orders.Create(ctx, o, items)
		if err == nil {
			break
		}
		if errors.Is(err, ErrDuplicateOrderNo) && attempt < createRetries {
			o.OrderNo = s.GenerateOrderNo()
			continue
		}
		return nil, err
	}

	snaps := make([]ItemSnapshot, 0, len(items))
	for _, it := range items {
		snaps = append(snaps, ItemSnapshot{ProductID: it.ProductID, Qty: it.Qty, UnitPriceCents: it.UnitPriceCents})
	}
	s.publish(EventOrderCreated, o.OrderNo, OrderCreatedPayload{
		OrderID: o.ID, OrderNo: o.OrderNo, BuyerID: o.BuyerID, SellerID: o.SellerID,
		Items: snaps, TotalCents: o.TotalCents, PayableCents: o.PayableCents,
	})
	return o, nil
}

// Pay moves PENDING_PAYMENT -> PAID. Payment here is a confirmation of
// amount, not a settlement protocol.
func (s *Service) Pay(ctx context.Context, orderID, buyerID, amountCents int64) (*Order, error) {
	o, err := s.Orders.GetByID(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if o.BuyerID != buyerID {
		return nil, ErrForbidden
	}
	if o.Status != StatusPendingPayment {
		return nil, fmt.Errorf("pay from %s: %w", o.Status, ErrInvalidState)
	}
	if amountCents < o.PayableCents {
		return nil, fmt.Errorf("paid %d below payable %d: %w", amountCents, o.PayableCents, ErrInvalidAmount)
	}

	now := time.Now()
	if err := s.Orders.UpdateStatus(ctx, o.ID, StatusPendingPayment, OrderUpdate{
		Status: StatusPaid, PaymentTime: &now,
	}); err != nil {
		return nil, err
	}
	o.Status = StatusPaid
	o.PaymentTime = &now

	s.publish(EventOrderPaid, o.OrderNo, OrderStatusPayload{OrderID: o.ID, OrderNo: o.OrderNo, Status: o.Status})
	return o, nil
}

func (s *Service) Ship(ctx context.Context, orderID, sellerID int64, company, trackingNo string) (*Order, error) {
	o, err := s.Orders.GetByID(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if o.SellerID != sellerID {
		return nil, ErrForbidden
	}
	if !CanTransition(o.Status, StatusShipped) {
		return nil, fmt.Errorf("ship from %s: %w", o.Status, ErrInvalidState)
	}

	now := time.Now()
	if err := s.Orders.UpdateStatus(ctx, o.ID, StatusPaid, OrderUpdate{
		Status: StatusShipped, ShippingTime: &now,
		ShippingCompany: &company, TrackingNumber: &trackingNo,
	}); err != nil {
		return nil, err
	}
	o.Status = StatusShipped
	o.ShippingTime = &now
	o.ShippingCompany = company
	o.TrackingNumber = trackingNo

	s.publish(EventOrderShipped, o.OrderNo, OrderStatusPayload{
		OrderID: o.ID, OrderNo: o.OrderNo, Status: o.Status,
		ShippingCompany: company, TrackingNumber: trackingNo,
	})
	return o, nil
}

func (s *Service) ConfirmDelivery(ctx context.Context, orderID, buyerID int64) (*Order, error) {
	o, err := s.Orders.GetByID(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if o.BuyerID != buyerID {
		return nil, ErrForbidden
	}
	if !CanTransition(o.Status, StatusDelivered) {
		return nil, fmt.Errorf("confirm delivery from %s: %w", o.Status, ErrInvalidState)
	}

	now := time.Now()
	if err := s.Orders.UpdateStatus(ctx, o.ID, StatusShipped, OrderUpdate{
		Status: StatusDelivered, DeliveryTime: &now,
	}); err != nil {
		return nil, err
	}
	o.Status = StatusDelivered
	o.DeliveryTime = &now

	s.publish(EventOrderDelivered, o.OrderNo, OrderStatusPayload{OrderID: o.ID, OrderNo: o.OrderNo, Status: o.Status})
	return o, nil
}

// Complete closes out a DELIVERED order.
func (s *Service) Complete(ctx context.Context, orderID, buyerID int64) (*Order, error) {
	o, err := s.Orders.GetByID(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if o.BuyerID != buyerID {
		return nil, ErrForbidden
	}
	if !CanTransition(o.Status, StatusCompleted) {
		return nil, fmt.Errorf("complete from %s: %w", o.Status, ErrInvalidState)
	}

	now := time.Now()
	if err := s.Orders.UpdateStatus(ctx, o.ID, StatusDelivered, OrderUpdate{
		Status: StatusCompleted, CompletedTime: &now,
	}); err != nil {
		return nil, err
	}
	o.Status = StatusCompleted
	o.CompletedTime = &now

	s.publish(EventOrderCompleted, o.OrderNo, OrderStatusPayload{OrderID: o.ID, OrderNo: o.OrderNo, Status: o.Status})
	return o, nil
}

// Cancel is the exact inverse of CreateOrder's stock effect: every
// item's quantity goes back, and SOLD_OUT products are re-listed. The
// store runs the CANCELLED flip and the restocks in one transaction,
// and the optimistic transition inside it guarantees two racing
// cancels release at most once.
func (s *Service) Cancel(ctx context.Context, orderID, userID int64, reason string) (*Order, error) {
	o, err := s.Orders.GetByID(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if o.BuyerID != userID && o.SellerID != userID {
		return nil, ErrForbidden
	}
	if !CanTransition(o.Status, StatusCancelled) {
		return nil, fmt.Errorf("cancel from %s: %w", o.Status, ErrInvalidState)
	}

	if err := s.Orders.Cancel(ctx, o.ID, o.Status, reason); err != nil {
		return nil, err
	}

	o.Status = StatusCancelled
	o.CancelReason = reason

	s.publish(EventOrderCancelled, o.OrderNo, OrderStatusPayload{
		OrderID: o.ID, OrderNo: o.OrderNo, Status: o.Status, CancelReason: reason,
	})
	return o, nil
}

// ApplyRefund opens a refund request on a PAID or SHIPPED order.
func (s *Service) ApplyRefund(ctx context.Context, orderID, buyerID, amountCents int64, reason string) (*Order, error) {
	o, err := s.Orders.GetByID(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if o.BuyerID != buyerID {
		return nil, ErrForbidden
	}
	if !CanTransition(o.Status, StatusRefunding) {
		return nil, fmt.Errorf("refund from %s: %w", o.Status, ErrInvalidState)
	}
	if amountCents <= 0 || amountCents > o.PayableCents {
		return nil, fmt.Errorf("refund %d out of (0, %d]: %w", amountCents, o.PayableCents, ErrInvalidAmount)
	}

	if err := s.Orders.UpdateStatus(ctx, o.ID, o.Status, OrderUpdate{
		Status: StatusRefunding, RefundCents: &amountCents, RefundReason: &reason,
	}); err != nil {
		return nil, err
	}
	o.Status = StatusRefunding
	o.RefundCents = &amountCents
	o.RefundReason = reason

	s.publish(EventRefundApplied, o.OrderNo, RefundPayload{
		OrderID: o.ID, OrderNo: o.OrderNo, Status: o.Status, RefundCents: amountCents, Reason: reason,
	})
	return o, nil
}

// ProcessRefund is the seller's decision on a REFUNDING order. Agree
// closes it as REFUNDED; reject reverts to PAID and clears the refund
// fields. Either way the remark lands in the seller note.
func (s *Service) ProcessRefund(ctx context.Context, orderID, sellerID int64, agree bool, remark string) (*Order, error) {
	o, err := s.Orders.GetByID(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if o.SellerID != sellerID {
		return nil, ErrForbidden
	}
	if o.Status != StatusRefunding {
		return nil, fmt.Errorf("process refund from %s: %w", o.Status, ErrInvalidState)
	}

	if agree {
		if err := s.Orders.UpdateStatus(ctx, o.ID, StatusRefunding, OrderUpdate{
			Status: StatusRefunded, SellerNote: &remark,
		}); err != nil {
			return nil, err
		}
		o.Status = StatusRefunded

		if restockOnRefund {
			items, err := s.Orders.ListItems(ctx, o.ID)
			if err != nil {
				return nil, err
			}
			for _, it := range items {
				_ = s.Products.Release(ctx, it.ProductID, it.Qty)
			}
		}
	} else {
		if err := s.Orders.UpdateStatus(ctx, o.ID, StatusRefunding, OrderUpdate{
			Status: StatusPaid, SellerNote: &remark, ClearRefund: true,
		}); err != nil {
			return nil, err
		}
		o.Status = StatusPaid
		o.RefundCents = nil
		o.RefundReason = ""
	}
	o.SellerNote = remark

	s.publish(EventRefundResolved, o.OrderNo, RefundPayload{
		OrderID: o.ID, OrderNo: o.OrderNo, Status: o.Status, Agreed: &agree,
	})
	return o, nil
}

// DeleteOrder hard-removes the order record. No resurrection after.
func (s *Service) DeleteOrder(ctx context.Context, orderID, userID int64) error {
	o, err := s.Orders.GetByID(ctx, orderID)
	if err != nil {
		return err
	}
	if o.BuyerID != userID && o.SellerID != userID {
		return ErrForbidden
	}
	if err := s.Orders.Delete(ctx, orderID); err != nil {
		return err
	}

	s.publish(EventOrderDeleted, o.OrderNo, OrderDeletedPayload{OrderID: o.ID, OrderNo: o.OrderNo, OperatorID: userID})
	return nil
}

// ---- reads ----

func (s *Service) GetByID(ctx context.Context, orderID int64) (*Order, error) {
	return s.Orders.GetByID(ctx, orderID)
}

func (s *Service) GetByNo(ctx context.Context, orderNo string) (*Order, error) {
	return s.Orders.GetByNo(ctx, orderNo)
}

func (s *Service) GetDetail(ctx context.Context, orderID int64) (*OrderDetail, error) {
	o, err := s.Orders.GetByID(ctx, orderID)
	if err != nil {
		return nil, err
	}
	items, err := s.Orders.ListItems(ctx, orderID)
	if err != nil {
		return nil, err
	}
	return &OrderDetail{Order: *o, Items: items, ItemCount: len(items)}, nil
}

func (s *Service) ListByBuyer(ctx context.Context, buyerID int64, page, size int) ([]Order, error) {
	return s.Orders.ListByBuyer(ctx, buyerID, page, size)
}

func (s *Service) ListBySeller(ctx context.Context, sellerID int64, page, size int) ([]Order, error) {
	return s.Orders.ListBySeller(ctx, sellerID, page, size)
}

func (s *Service) Stats(ctx context.Context, userID int64, asSeller bool) (*OrderStats, error) {
	counts, err := s.Orders.CountByStatus(ctx, userID, asSeller)
	if err != nil {
		return nil, err
	}
	var total int64
	for _, n := range counts {
		total += n
	}
	st := &OrderStats{TotalOrders: total, PendingPayment: counts[StatusPendingPayment]}
	if asSeller {
		st.PendingShipment = counts[StatusPaid]
		st.Shipped = counts[StatusShipped]
	} else {
		st.PendingReceipt = counts[StatusShipped]
		st.Completed = counts[StatusCompleted]
	}
	return st, nil
}

func (s *Service) publish(eventType, orderNo string, payload any) {
	if s.Events == nil {
		return
	}
	env := Envelope{
		EventID:       uuid.NewString(),
		EventType:     eventType,
		EventVersion:  1,
		OccurredAt:    time.Now().UTC(),
		Producer:      s.ServiceName,
		CorrelationID: orderNo,
		Payload:       kafkax.MustMarshal(payload),
	}
	s.Events.Publish(PartitionKey(orderNo), kafkax.MustMarshal(env),
		kafkago.Header{Key: "x-event-type", Value: []byte(eventType)},
		kafkago.Header{Key: "x-event-version", Value: []byte("1")},
	)
}
