package orders

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"testing"
	"time"

	kafkago "github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"
)

// ---- in-memory stores ----
//
// The fakes keep the same atomicity contract as the Postgres repos:
// reservation is an all-or-nothing mutation under one lock, and
// UpdateStatus only applies when the expected prior status still holds.

type memState struct {
	mu       sync.Mutex
	users    map[int64]User
	products map[int64]*Product
	orders   map[int64]*Order
	items    map[int64][]OrderItem
	seq      int64

	dupNos      int            // next N creates fail with ErrDuplicateOrderNo
	releaseFail map[int64]bool // products whose release errors, for cancel rollback
}

func (st *memState) reserveLocked(productID int64, qty int) error {
	p, ok := st.products[productID]
	if !ok {
		return fmt.Errorf("product %d: %w", productID, ErrNotFound)
	}
	if p.Status != ProductListed {
		return fmt.Errorf("product %d: %w", productID, ErrNotListed)
	}
	if p.Stock < qty {
		return &StockError{ProductID: productID, Required: qty, Available: p.Stock}
	}
	p.Stock -= qty
	if p.Stock == 0 {
		p.Status = ProductSoldOut
	}
	return nil
}

func (st *memState) releaseLocked(productID int64, qty int) error {
	p, ok := st.products[productID]
	if !ok {
		return fmt.Errorf("product %d: %w", productID, ErrNotFound)
	}
	p.Stock += qty
	if p.Status == ProductSoldOut && p.Stock > 0 {
		p.Status = ProductListed
	}
	return nil
}

type memOrders struct{ st *memState }

func (m *memOrders) Create(ctx context.Context, o *Order, items []OrderItem) error {
	st := m.st
	st.mu.Lock()
	defer st.mu.Unlock()

	if st.dupNos > 0 {
		st.dupNos--
		return ErrDuplicateOrderNo
	}
	for _, ex := range st.orders {
		if ex.OrderNo == o.OrderNo {
			return ErrDuplicateOrderNo
		}
	}

	for i, it := range items {
		if err := st.reserveLocked(it.ProductID, it.Qty); err != nil {
			for j := 0; j < i; j++ {
				_ = st.releaseLocked(items[j].ProductID, items[j].Qty)
			}
			return err
		}
	}

	st.seq++
	o.ID = st.seq
	o.CreatedAt = time.Now()
	o.UpdatedAt = o.CreatedAt
	cp := *o
	st.orders[o.ID] = &cp

	stored := make([]OrderItem, len(items))
	for i := range items {
		st.seq++
		items[i].ID = st.seq
		items[i].OrderID = o.ID
		stored[i] = items[i]
	}
	st.items[o.ID] = stored
	return nil
}

func (m *memOrders) GetByID(ctx context.Context, id int64) (*Order, error) {
	m.st.mu.Lock()
	defer m.st.mu.Unlock()
	o, ok := m.st.orders[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *o
	return &cp, nil
}

func (m *memOrders) GetByNo(ctx context.Context, orderNo string) (*Order, error) {
	m.st.mu.Lock()
	defer m.st.mu.Unlock()
	for _, o := range m.st.orders {
		if o.OrderNo == orderNo {
			cp := *o
			return &cp, nil
		}
	}
	return nil, ErrNotFound
}

func (m *memOrders) ListItems(ctx context.Context, orderID int64) ([]OrderItem, error) {
	m.st.mu.Lock()
	defer m.st.mu.Unlock()
	return append([]OrderItem(nil), m.st.items[orderID]...), nil
}

func (m *memOrders) UpdateStatus(ctx context.Context, id int64, from Status, set OrderUpdate) error {
	if !CanTransition(from, set.Status) {
		return fmt.Errorf("%s -> %s: %w", from, set.Status, ErrInvalidState)
	}
	m.st.mu.Lock()
	defer m.st.mu.Unlock()
	o, ok := m.st.orders[id]
	if !ok {
		return ErrNotFound
	}
	if o.Status != from {
		return ErrConflict
	}
	o.Status = set.Status
	o.UpdatedAt = time.Now()
	if set.PaymentTime != nil {
		o.PaymentTime = set.PaymentTime
	}
	if set.ShippingTime != nil {
		o.ShippingTime = set.ShippingTime
	}
	if set.DeliveryTime != nil {
		o.DeliveryTime = set.DeliveryTime
	}
	if set.CompletedTime != nil {
		o.CompletedTime = set.CompletedTime
	}
	if set.ShippingCompany != nil {
		o.ShippingCompany = *set.ShippingCompany
	}
	if set.TrackingNumber != nil {
		o.TrackingNumber = *set.TrackingNumber
	}
	if set.CancelReason != nil {
		o.CancelReason = *set.CancelReason
	}
	if set.SellerNote != nil {
		o.SellerNote = *set.SellerNote
	}
	if set.RefundCents != nil {
		v := *set.RefundCents
		o.RefundCents = &v
	}
	if set.RefundReason != nil {
		o.RefundReason = *set.RefundReason
	}
	if set.ClearRefund {
		o.RefundCents = nil
		o.RefundReason = ""
	}
	return nil
}

// Cancel mirrors the Postgres store: the status flip and every release
// happen under one lock, and a failing release undoes the ones before
// it, leaving the order untouched.
func (m *memOrders) Cancel(ctx context.Context, id int64, from Status, reason string) error {
	if !CanTransition(from, StatusCancelled) {
		return fmt.Errorf("%s -> %s: %w", from, StatusCancelled, ErrInvalidState)
	}
	st := m.st
	st.mu.Lock()
	defer st.mu.Unlock()
	o, ok := st.orders[id]
	if !ok {
		return ErrNotFound
	}
	if o.Status != from {
		return ErrConflict
	}

	var released []OrderItem
	for _, it := range st.items[id] {
		if st.releaseFail[it.ProductID] {
			for _, r := range released {
				_ = st.reserveLocked(r.ProductID, r.Qty)
			}
			return fmt.Errorf("release product %d: connection reset", it.ProductID)
		}
		if _, ok := st.products[it.ProductID]; !ok {
			continue // product deleted since purchase
		}
		_ = st.releaseLocked(it.ProductID, it.Qty)
		released = append(released, it)
	}

	o.Status = StatusCancelled
	o.CancelReason = reason
	o.UpdatedAt = time.Now()
	return nil
}

func (m *memOrders) Delete(ctx context.Context, id int64) error {
	m.st.mu.Lock()
	defer m.st.mu.Unlock()
	if _, ok := m.st.orders[id]; !ok {
		return ErrNotFound
	}
	delete(m.st.orders, id)
	delete(m.st.items, id)
	return nil
}

func (m *memOrders) list(userID int64, asSeller bool, page, size int) []Order {
	m.st.mu.Lock()
	defer m.st.mu.Unlock()
	var out []Order
	for _, o := range m.st.orders {
		if (!asSeller && o.BuyerID == userID) || (asSeller && o.SellerID == userID) {
			out = append(out, *o)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID > out[j].ID }) // newest first
	if page < 1 {
		page = 1
	}
	if size < 1 || size > 100 {
		size = 20
	}
	lo := (page - 1) * size
	if lo >= len(out) {
		return nil
	}
	hi := lo + size
	if hi > len(out) {
		hi = len(out)
	}
	return out[lo:hi]
}

func (m *memOrders) ListByBuyer(ctx context.Context, buyerID int64, page, size int) ([]Order, error) {
	return m.list(buyerID, false, page, size), nil
}

func (m *memOrders) ListBySeller(ctx context.Context, sellerID int64, page, size int) ([]Order, error) {
	return m.list(sellerID, true, page, size), nil
}

func (m *memOrders) CountByStatus(ctx context.Context, userID int64, asSeller bool) (map[Status]int64, error) {
	m.st.mu.Lock()
	defer m.st.mu.Unlock()
	out := map[Status]int64{}
	for _, o := range m.st.orders {
		if (!asSeller && o.BuyerID == userID) || (asSeller && o.SellerID == userID) {
			out[o.Status]++
		}
	}
	return out, nil
}

type memProducts struct{ st *memState }

func (m *memProducts) Get(ctx context.Context, id int64) (*Product, error) {
	m.st.mu.Lock()
	defer m.st.mu.Unlock()
	p, ok := m.st.products[id]
	if !ok {
		return nil, fmt.Errorf("product %d: %w", id, ErrNotFound)
	}
	cp := *p
	return &cp, nil
}

func (m *memProducts) Reserve(ctx context.Context, productID int64, qty int) error {
	m.st.mu.Lock()
	defer m.st.mu.Unlock()
	return m.st.reserveLocked(productID, qty)
}

func (m *memProducts) Release(ctx context.Context, productID int64, qty int) error {
	m.st.mu.Lock()
	defer m.st.mu.Unlock()
	return m.st.releaseLocked(productID, qty)
}

type memUsers struct{ st *memState }

func (m *memUsers) Get(ctx context.Context, id int64) (*User, error) {
	m.st.mu.Lock()
	defer m.st.mu.Unlock()
	u, ok := m.st.users[id]
	if !ok {
		return nil, fmt.Errorf("user %d: %w", id, ErrNotFound)
	}
	return &u, nil
}

type recPublisher struct {
	mu    sync.Mutex
	types []string
}

func (p *recPublisher) Publish(key, value []byte, headers ...kafkago.Header) {
	var env Envelope
	_ = json.Unmarshal(value, &env)
	p.mu.Lock()
	p.types = append(p.types, env.EventType)
	p.mu.Unlock()
}

func (p *recPublisher) eventTypes() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.types...)
}

// ---- fixture ----

const (
	buyerID       = int64(1)
	sellerID      = int64(2)
	otherSellerID = int64(3)

	keyboardID  = int64(101) // seller 2, stock 2, 10.00
	monitorID   = int64(102) // seller 2, stock 5, 25.00
	lampID      = int64(103) // seller 3, stock 5
	delistedID  = int64(104) // seller 2, delisted
	strangerID  = int64(9)
	keyboardCts = int64(1000)
)

func newFixture(t *testing.T) (*Service, *memState, *recPublisher) {
	t.Helper()
	st := &memState{
		users: map[int64]User{
			buyerID:       {ID: buyerID, DisplayName: "ayu"},
			sellerID:      {ID: sellerID, DisplayName: "bima"},
			otherSellerID: {ID: otherSellerID, DisplayName: "citra"},
			strangerID:    {ID: strangerID, DisplayName: "dian"},
		},
		products: map[int64]*Product{
			keyboardID: {ID: keyboardID, SellerID: sellerID, SellerName: "bima", Title: "Mechanical Keyboard", MainImage: "kb.jpg", PriceCents: keyboardCts, Stock: 2, Status: ProductListed},
			monitorID:  {ID: monitorID, SellerID: sellerID, SellerName: "bima", Title: "27in Monitor", MainImage: "mon.jpg", PriceCents: 2500, Stock: 5, Status: ProductListed},
			lampID:     {ID: lampID, SellerID: otherSellerID, SellerName: "citra", Title: "Desk Lamp", MainImage: "lamp.jpg", PriceCents: 500, Stock: 5, Status: ProductListed},
			delistedID: {ID: delistedID, SellerID: sellerID, SellerName: "bima", Title: "Old Chair", PriceCents: 300, Stock: 1, Status: ProductDelisted},
		},
		orders: map[int64]*Order{},
		items:  map[int64][]OrderItem{},
	}
	pub := &recPublisher{}
	svc := &Service{
		Orders:      &memOrders{st},
		Products:    &memProducts{st},
		Users:       &memUsers{st},
		Events:      pub,
		ServiceName: "test",
	}
	return svc, st, pub
}

func draft(productID int64, qty int) OrderItem {
	return OrderItem{ProductID: productID, Qty: qty}
}

func mustCreate(t *testing.T, svc *Service, drafts ...OrderItem) *Order {
	t.Helper()
	o, err := svc.CreateOrder(context.Background(), buyerID, drafts, "Jl. Melati 5", "0812", "leave at door")
	require.NoError(t, err)
	return o
}

// ---- creation ----

func TestCreateOrder_CheckoutScenario(t *testing.T) {
	svc, st, pub := newFixture(t)
	ctx := context.Background()

	o, err := svc.CreateOrder(ctx, buyerID, []OrderItem{draft(keyboardID, 2)}, "Jl. Melati 5", "0812", "")
	require.NoError(t, err)

	require.Equal(t, StatusPendingPayment, o.Status)
	require.Equal(t, int64(2000), o.TotalCents)
	require.Equal(t, int64(0), o.DiscountCents)
	require.Equal(t, int64(2000), o.PayableCents)
	require.Equal(t, "ayu", o.BuyerName)
	require.Equal(t, sellerID, o.SellerID)
	require.Equal(t, "bima", o.SellerName)
	require.Regexp(t, `^KB\d{18}$`, o.OrderNo)

	items, err := svc.Orders.ListItems(ctx, o.ID)
	require.NoError(t, err)
	require.Len(t, items, 1)
	require.Equal(t, keyboardCts, items[0].UnitPriceCents)
	require.Equal(t, int64(2000), items[0].SubtotalCents)
	require.Equal(t, "Mechanical Keyboard", items[0].ProductTitle)

	// stock committed and listing flipped
	require.Equal(t, 0, st.products[keyboardID].Stock)
	require.Equal(t, ProductSoldOut, st.products[keyboardID].Status)

	require.Equal(t, []string{EventOrderCreated}, pub.eventTypes())
}

func TestCreateOrder_Totals(t *testing.T) {
	svc, _, _ := newFixture(t)

	o := mustCreate(t, svc, draft(keyboardID, 1), draft(monitorID, 2))
	require.Equal(t, int64(1000+2*2500), o.TotalCents)
	require.Equal(t, o.TotalCents-o.DiscountCents, o.PayableCents)

	items, _ := svc.Orders.ListItems(context.Background(), o.ID)
	var sum int64
	for _, it := range items {
		require.Equal(t, it.UnitPriceCents*int64(it.Qty), it.SubtotalCents)
		sum += it.SubtotalCents
	}
	require.Equal(t, o.TotalCents, sum)
}

func TestCreateOrder_Validation(t *testing.T) {
	svc, _, _ := newFixture(t)
	ctx := context.Background()

	t.Run("no items", func(t *testing.T) {
		_, err := svc.CreateOrder(ctx, buyerID, nil, "", "", "")
		require.ErrorIs(t, err, ErrEmptyOrder)
	})
	t.Run("unknown buyer", func(t *testing.T) {
		_, err := svc.CreateOrder(ctx, 777, []OrderItem{draft(keyboardID, 1)}, "", "", "")
		require.ErrorIs(t, err, ErrNotFound)
	})
	t.Run("unknown product", func(t *testing.T) {
		_, err := svc.CreateOrder(ctx, buyerID, []OrderItem{draft(999, 1)}, "", "", "")
		require.ErrorIs(t, err, ErrNotFound)
	})
	t.Run("delisted product", func(t *testing.T) {
		_, err := svc.CreateOrder(ctx, buyerID, []OrderItem{draft(delistedID, 1)}, "", "", "")
		require.ErrorIs(t, err, ErrNotListed)
	})
	t.Run("zero qty", func(t *testing.T) {
		_, err := svc.CreateOrder(ctx, buyerID, []OrderItem{draft(keyboardID, 0)}, "", "", "")
		require.ErrorIs(t, err, ErrInvalidAmount)
	})
	t.Run("insufficient stock", func(t *testing.T) {
		_, err := svc.CreateOrder(ctx, buyerID, []OrderItem{draft(keyboardID, 3)}, "", "", "")
		require.ErrorIs(t, err, ErrInsufficientStock)
		var se *StockError
		require.ErrorAs(t, err, &se)
		require.Equal(t, 2, se.Available)
		require.Equal(t, 3, se.Required)
	})
	t.Run("multiple sellers", func(t *testing.T) {
		_, err := svc.CreateOrder(ctx, buyerID, []OrderItem{draft(keyboardID, 1), draft(lampID, 1)}, "", "", "")
		require.ErrorIs(t, err, ErrMultipleSellers)
	})
}

func TestCreateOrder_AtomicAcrossItems(t *testing.T) {
	svc, st, _ := newFixture(t)
	ctx := context.Background()

	// monitor is fine, keyboard is short: nothing may commit
	_, err := svc.CreateOrder(ctx, buyerID, []OrderItem{draft(monitorID, 2), draft(keyboardID, 5)}, "", "", "")
	require.ErrorIs(t, err, ErrInsufficientStock)

	require.Equal(t, 5, st.products[monitorID].Stock)
	require.Equal(t, 2, st.products[keyboardID].Stock)
	require.Empty(t, st.orders)
}

func TestCreateOrder_RegeneratesOrderNoOnCollision(t *testing.T) {
	svc, st, _ := newFixture(t)
	ctx := context.Background()

	st.dupNos = 2
	o, err := svc.CreateOrder(ctx, buyerID, []OrderItem{draft(monitorID, 1)}, "", "", "")
	require.NoError(t, err)
	require.NotZero(t, o.ID)

	st.dupNos = createRetries + 1
	_, err = svc.CreateOrder(ctx, buyerID, []OrderItem{draft(monitorID, 1)}, "", "", "")
	require.ErrorIs(t, err, ErrDuplicateOrderNo)
}

// ---- pay / ship / confirm / complete ----

func TestPay(t *testing.T) {
	svc, _, _ := newFixture(t)
	ctx := context.Background()
	o := mustCreate(t, svc, draft(keyboardID, 2))

	t.Run("wrong buyer", func(t *testing.T) {
		_, err := svc.Pay(ctx, o.ID, strangerID, o.PayableCents)
		require.ErrorIs(t, err, ErrForbidden)
	})
	t.Run("below payable", func(t *testing.T) {
		_, err := svc.Pay(ctx, o.ID, buyerID, o.PayableCents-1)
		require.ErrorIs(t, err, ErrInvalidAmount)
	})
	t.Run("success", func(t *testing.T) {
		paid, err := svc.Pay(ctx, o.ID, buyerID, o.PayableCents)
		require.NoError(t, err)
		require.Equal(t, StatusPaid, paid.Status)
		require.NotNil(t, paid.PaymentTime)

		stored, err := svc.GetByID(ctx, o.ID)
		require.NoError(t, err)
		require.Equal(t, StatusPaid, stored.Status)
	})
	t.Run("double pay", func(t *testing.T) {
		_, err := svc.Pay(ctx, o.ID, buyerID, o.PayableCents)
		require.ErrorIs(t, err, ErrInvalidState)
	})
	t.Run("missing order", func(t *testing.T) {
		_, err := svc.Pay(ctx, 9999, buyerID, 1)
		require.ErrorIs(t, err, ErrNotFound)
	})
}

func TestShip(t *testing.T) {
	svc, _, _ := newFixture(t)
	ctx := context.Background()
	o := mustCreate(t, svc, draft(keyboardID, 1))

	_, err := svc.Ship(ctx, o.ID, sellerID, "JNE", "JNE123")
	require.ErrorIs(t, err, ErrInvalidState) // not paid yet

	_, err = svc.Pay(ctx, o.ID, buyerID, o.PayableCents)
	require.NoError(t, err)

	_, err = svc.Ship(ctx, o.ID, buyerID, "JNE", "JNE123")
	require.ErrorIs(t, err, ErrForbidden)

	shipped, err := svc.Ship(ctx, o.ID, sellerID, "JNE", "JNE123")
	require.NoError(t, err)
	require.Equal(t, StatusShipped, shipped.Status)
	require.Equal(t, "JNE", shipped.ShippingCompany)
	require.Equal(t, "JNE123", shipped.TrackingNumber)
	require.NotNil(t, shipped.ShippingTime)
}

func TestConfirmAndComplete(t *testing.T) {
	svc, _, _ := newFixture(t)
	ctx := context.Background()
	o := mustCreate(t, svc, draft(keyboardID, 1))
	_, err := svc.Pay(ctx, o.ID, buyerID, o.PayableCents)
	require.NoError(t, err)

	_, err = svc.Complete(ctx, o.ID, buyerID)
	require.ErrorIs(t, err, ErrInvalidState) // cannot skip delivery

	_, err = svc.Ship(ctx, o.ID, sellerID, "JNE", "X1")
	require.NoError(t, err)

	_, err = svc.ConfirmDelivery(ctx, o.ID, sellerID)
	require.ErrorIs(t, err, ErrForbidden)

	delivered, err := svc.ConfirmDelivery(ctx, o.ID, buyerID)
	require.NoError(t, err)
	require.Equal(t, StatusDelivered, delivered.Status)
	require.NotNil(t, delivered.DeliveryTime)

	done, err := svc.Complete(ctx, o.ID, buyerID)
	require.NoError(t, err)
	require.Equal(t, StatusCompleted, done.Status)
	require.NotNil(t, done.CompletedTime)
}

// ---- cancel ----

func TestCancel_RestoresStock(t *testing.T) {
	svc, st, _ := newFixture(t)
	ctx := context.Background()

	o := mustCreate(t, svc, draft(keyboardID, 2))
	require.Equal(t, 0, st.products[keyboardID].Stock)
	require.Equal(t, ProductSoldOut, st.products[keyboardID].Status)

	cancelled, err := svc.Cancel(ctx, o.ID, buyerID, "changed my mind")
	require.NoError(t, err)
	require.Equal(t, StatusCancelled, cancelled.Status)
	require.Equal(t, "changed my mind", cancelled.CancelReason)

	// exact inverse of the reservation
	require.Equal(t, 2, st.products[keyboardID].Stock)
	require.Equal(t, ProductListed, st.products[keyboardID].Status)

	_, err = svc.Cancel(ctx, o.ID, buyerID, "again")
	require.ErrorIs(t, err, ErrInvalidState)
}

func TestCancel_FailedReleaseLeavesOrderActive(t *testing.T) {
	svc, st, _ := newFixture(t)
	ctx := context.Background()

	o := mustCreate(t, svc, draft(keyboardID, 1), draft(monitorID, 2))
	require.Equal(t, 1, st.products[keyboardID].Stock)
	require.Equal(t, 3, st.products[monitorID].Stock)

	st.mu.Lock()
	st.releaseFail = map[int64]bool{monitorID: true}
	st.mu.Unlock()

	_, err := svc.Cancel(ctx, o.ID, buyerID, "broken pipe")
	require.Error(t, err)

	// the flip and the restocks are one unit: nothing moved
	stored, err := svc.GetByID(ctx, o.ID)
	require.NoError(t, err)
	require.Equal(t, StatusPendingPayment, stored.Status)
	require.Equal(t, 1, st.products[keyboardID].Stock)
	require.Equal(t, 3, st.products[monitorID].Stock)

	// and the order is still cancellable afterwards
	st.mu.Lock()
	st.releaseFail = nil
	st.mu.Unlock()

	cancelled, err := svc.Cancel(ctx, o.ID, buyerID, "second try")
	require.NoError(t, err)
	require.Equal(t, StatusCancelled, cancelled.Status)
	require.Equal(t, 2, st.products[keyboardID].Stock)
	require.Equal(t, 5, st.products[monitorID].Stock)
}

func TestUpdateStatus_RejectsIllegalTransition(t *testing.T) {
	svc, _, _ := newFixture(t)
	ctx := context.Background()
	o := mustCreate(t, svc, draft(monitorID, 1))

	err := svc.Orders.UpdateStatus(ctx, o.ID, StatusPendingPayment, OrderUpdate{Status: StatusShipped})
	require.ErrorIs(t, err, ErrInvalidState)

	err = svc.Orders.Cancel(ctx, o.ID, StatusShipped, "nope")
	require.ErrorIs(t, err, ErrInvalidState)

	stored, err := svc.GetByID(ctx, o.ID)
	require.NoError(t, err)
	require.Equal(t, StatusPendingPayment, stored.Status)
}

func TestCancel_Permissions(t *testing.T) {
	svc, _, _ := newFixture(t)
	ctx := context.Background()

	o := mustCreate(t, svc, draft(monitorID, 1))
	_, err := svc.Cancel(ctx, o.ID, strangerID, "nope")
	require.ErrorIs(t, err, ErrForbidden)

	// seller may cancel too
	_, err = svc.Cancel(ctx, o.ID, sellerID, "out of stock in store")
	require.NoError(t, err)
}

func TestCancel_NotAfterShipment(t *testing.T) {
	svc, _, _ := newFixture(t)
	ctx := context.Background()

	o := mustCreate(t, svc, draft(monitorID, 1))
	_, err := svc.Pay(ctx, o.ID, buyerID, o.PayableCents)
	require.NoError(t, err)
	_, err = svc.Ship(ctx, o.ID, sellerID, "JNE", "X2")
	require.NoError(t, err)

	_, err = svc.Cancel(ctx, o.ID, buyerID, "too late")
	require.ErrorIs(t, err, ErrInvalidState)
}

// ---- refund ----

func TestRefundFlow(t *testing.T) {
	svc, st, _ := newFixture(t)
	ctx := context.Background()

	o := mustCreate(t, svc, draft(keyboardID, 2))
	_, err := svc.ApplyRefund(ctx, o.ID, buyerID, 500, "too loud")
	require.ErrorIs(t, err, ErrInvalidState) // not paid yet

	_, err = svc.Pay(ctx, o.ID, buyerID, o.PayableCents)
	require.NoError(t, err)

	t.Run("wrong actor", func(t *testing.T) {
		_, err := svc.ApplyRefund(ctx, o.ID, sellerID, 500, "x")
		require.ErrorIs(t, err, ErrForbidden)
	})
	t.Run("amount out of range", func(t *testing.T) {
		_, err := svc.ApplyRefund(ctx, o.ID, buyerID, 0, "x")
		require.ErrorIs(t, err, ErrInvalidAmount)
		_, err = svc.ApplyRefund(ctx, o.ID, buyerID, o.PayableCents+1, "x")
		require.ErrorIs(t, err, ErrInvalidAmount)
	})

	refunding, err := svc.ApplyRefund(ctx, o.ID, buyerID, 1500, "too loud")
	require.NoError(t, err)
	require.Equal(t, StatusRefunding, refunding.Status)
	require.NotNil(t, refunding.RefundCents)
	require.Equal(t, int64(1500), *refunding.RefundCents)
	require.Equal(t, "too loud", refunding.RefundReason)

	_, err = svc.ApplyRefund(ctx, o.ID, buyerID, 1500, "again")
	require.ErrorIs(t, err, ErrInvalidState)

	_, err = svc.ProcessRefund(ctx, o.ID, buyerID, true, "")
	require.ErrorIs(t, err, ErrForbidden)

	t.Run("reject reverts to paid and clears fields", func(t *testing.T) {
		back, err := svc.ProcessRefund(ctx, o.ID, sellerID, false, "works as described")
		require.NoError(t, err)
		require.Equal(t, StatusPaid, back.Status)
		require.Nil(t, back.RefundCents)
		require.Empty(t, back.RefundReason)
		require.Equal(t, "works as described", back.SellerNote)

		stored, err := svc.GetByID(ctx, o.ID)
		require.NoError(t, err)
		require.Equal(t, StatusPaid, stored.Status)
		require.Nil(t, stored.RefundCents)
	})

	t.Run("agree closes refund without restocking", func(t *testing.T) {
		_, err := svc.ApplyRefund(ctx, o.ID, buyerID, 2000, "still too loud")
		require.NoError(t, err)
		done, err := svc.ProcessRefund(ctx, o.ID, sellerID, true, "ok")
		require.NoError(t, err)
		require.Equal(t, StatusRefunded, done.Status)

		// policy pin: refund never returns stock to the pool
		require.Equal(t, 0, st.products[keyboardID].Stock)
		require.Equal(t, ProductSoldOut, st.products[keyboardID].Status)
	})
}

// ---- delete ----

func TestDeleteOrder(t *testing.T) {
	svc, _, _ := newFixture(t)
	ctx := context.Background()
	o := mustCreate(t, svc, draft(monitorID, 1))

	require.ErrorIs(t, svc.DeleteOrder(ctx, o.ID, strangerID), ErrForbidden)
	require.NoError(t, svc.DeleteOrder(ctx, o.ID, buyerID))

	_, err := svc.GetByID(ctx, o.ID)
	require.ErrorIs(t, err, ErrNotFound)
	require.ErrorIs(t, svc.DeleteOrder(ctx, o.ID, buyerID), ErrNotFound)
}

// ---- reads ----

func TestGetDetail(t *testing.T) {
	svc, _, _ := newFixture(t)
	o := mustCreate(t, svc, draft(keyboardID, 1), draft(monitorID, 1))

	d, err := svc.GetDetail(context.Background(), o.ID)
	require.NoError(t, err)
	require.Equal(t, o.ID, d.Order.ID)
	require.Equal(t, 2, d.ItemCount)
	require.Len(t, d.Items, 2)
}

func TestListPagination(t *testing.T) {
	svc, _, _ := newFixture(t)
	ctx := context.Background()
	var ids []int64
	for i := 0; i < 3; i++ {
		o := mustCreate(t, svc, draft(monitorID, 1))
		ids = append(ids, o.ID)
	}

	page1, err := svc.ListByBuyer(ctx, buyerID, 1, 2)
	require.NoError(t, err)
	require.Len(t, page1, 2)
	require.Equal(t, ids[2], page1[0].ID) // newest first

	page2, err := svc.ListByBuyer(ctx, buyerID, 2, 2)
	require.NoError(t, err)
	require.Len(t, page2, 1)
	require.Equal(t, ids[0], page2[0].ID)

	sellerView, err := svc.ListBySeller(ctx, sellerID, 1, 10)
	require.NoError(t, err)
	require.Len(t, sellerView, 3)
}

func TestStats(t *testing.T) {
	svc, _, _ := newFixture(t)
	ctx := context.Background()

	o1 := mustCreate(t, svc, draft(monitorID, 1)) // stays pending
	o2 := mustCreate(t, svc, draft(monitorID, 1))
	_, err := svc.Pay(ctx, o2.ID, buyerID, o2.PayableCents)
	require.NoError(t, err)
	o3 := mustCreate(t, svc, draft(monitorID, 1))
	_, err = svc.Pay(ctx, o3.ID, buyerID, o3.PayableCents)
	require.NoError(t, err)
	_, err = svc.Ship(ctx, o3.ID, sellerID, "JNE", "X3")
	require.NoError(t, err)
	_ = o1

	buyer, err := svc.Stats(ctx, buyerID, false)
	require.NoError(t, err)
	require.Equal(t, int64(3), buyer.TotalOrders)
	require.Equal(t, int64(1), buyer.PendingPayment)
	require.Equal(t, int64(1), buyer.PendingReceipt)

	seller, err := svc.Stats(ctx, sellerID, true)
	require.NoError(t, err)
	require.Equal(t, int64(3), seller.TotalOrders)
	require.Equal(t, int64(1), seller.PendingShipment)
	require.Equal(t, int64(1), seller.Shipped)
}

// ---- events ----

func TestEventsPublishedAlongHappyPath(t *testing.T) {
	svc, _, pub := newFixture(t)
	ctx := context.Background()

	o := mustCreate(t, svc, draft(keyboardID, 1))
	_, err := svc.Pay(ctx, o.ID, buyerID, o.PayableCents)
	require.NoError(t, err)
	_, err = svc.Ship(ctx, o.ID, sellerID, "JNE", "X4")
	require.NoError(t, err)
	_, err = svc.ConfirmDelivery(ctx, o.ID, buyerID)
	require.NoError(t, err)
	_, err = svc.Complete(ctx, o.ID, buyerID)
	require.NoError(t, err)

	require.Equal(t, []string{
		EventOrderCreated, EventOrderPaid, EventOrderShipped,
		EventOrderDelivered, EventOrderCompleted,
	}, pub.eventTypes())
}

// ---- concurrency properties ----

func TestConcurrentCreate_StockNeverOversold(t *testing.T) {
	svc, st, _ := newFixture(t)
	ctx := context.Background()

	const workers = 20 // against stock 5
	var mu sync.Mutex
	var succeeded int
	var failures []error

	g := new(errgroup.Group)
	for i := 0; i < workers; i++ {
		g.Go(func() error {
			_, err := svc.CreateOrder(ctx, buyerID, []OrderItem{draft(monitorID, 1)}, "", "", "")
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				failures = append(failures, err)
			} else {
				succeeded++
			}
			return nil
		})
	}
	require.NoError(t, g.Wait())

	require.Equal(t, 5, succeeded)
	require.Len(t, failures, workers-5)
	for _, err := range failures {
		require.True(t,
			errors.Is(err, ErrInsufficientStock) || errors.Is(err, ErrNotListed),
			"unexpected failure: %v", err)
	}
	require.Equal(t, 0, st.products[monitorID].Stock)
	require.Equal(t, ProductSoldOut, st.products[monitorID].Status)
}

func TestConcurrentCreate_LastUnit(t *testing.T) {
	svc, st, _ := newFixture(t)
	ctx := context.Background()
	st.products[monitorID].Stock = 1

	var mu sync.Mutex
	var errs []error
	g := new(errgroup.Group)
	for i := 0; i < 2; i++ {
		g.Go(func() error {
			_, err := svc.CreateOrder(ctx, buyerID, []OrderItem{draft(monitorID, 1)}, "", "", "")
			mu.Lock()
			errs = append(errs, err)
			mu.Unlock()
			return nil
		})
	}
	require.NoError(t, g.Wait())

	var okCount int
	for _, err := range errs {
		if err == nil {
			okCount++
		} else {
			require.True(t,
				errors.Is(err, ErrInsufficientStock) || errors.Is(err, ErrNotListed),
				"unexpected failure: %v", err)
		}
	}
	require.Equal(t, 1, okCount)
	require.Equal(t, 0, st.products[monitorID].Stock)
}

func TestConcurrentCancel_ReleasesOnce(t *testing.T) {
	svc, st, _ := newFixture(t)
	ctx := context.Background()
	o := mustCreate(t, svc, draft(keyboardID, 2))
	require.Equal(t, 0, st.products[keyboardID].Stock)

	const workers = 8
	var mu sync.Mutex
	var succeeded int
	g := new(errgroup.Group)
	for i := 0; i < workers; i++ {
		g.Go(func() error {
			_, err := svc.Cancel(ctx, o.ID, buyerID, "race")
			mu.Lock()
			defer mu.Unlock()
			if err == nil {
				succeeded++
			} else {
				require.True(t,
					errors.Is(err, ErrInvalidState) || errors.Is(err, ErrConflict),
					"unexpected failure: %v", err)
			}
			return nil
		})
	}
	require.NoError(t, g.Wait())

	require.Equal(t, 1, succeeded)
	// released exactly once, never doubled
	require.Equal(t, 2, st.products[keyboardID].Stock)
	require.Equal(t, ProductListed, st.products[keyboardID].Status)
}
