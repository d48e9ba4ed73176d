package cart

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/kbtrade/go-market-orders/internal/orders"
)

// Outcome classifies one cart line against the current product state.
type Outcome string

const (
	OutcomeOK        Outcome = "OK"
	OutcomeMissing   Outcome = "MISSING"
	OutcomeNotListed Outcome = "NOT_LISTED"
	OutcomeShort     Outcome = "SHORT"
)

// LineCheck is the validation result for one product in the cart.
// Available is only meaningful for OutcomeShort.
type LineCheck struct {
	Outcome   Outcome
	Available int
}

// Store persists cart lines, unique per (user, product).
type Store interface {
	List(ctx context.Context, userID int64) ([]orders.CartLine, error)
	Get(ctx context.Context, userID, productID int64) (*orders.CartLine, error)
	GetByID(ctx context.Context, lineID int64) (*orders.CartLine, error)
	Upsert(ctx context.Context, line *orders.CartLine) error
	Remove(ctx context.Context, lineID int64) error
	DeleteByProducts(ctx context.Context, userID int64, productIDs []int64) error
	Clear(ctx context.Context, userID int64) error
}

type ProductReader interface {
	Get(ctx context.Context, id int64) (*orders.Product, error)
}

type UserReader interface {
	Get(ctx context.Context, id int64) (*orders.User, error)
}

// Summary aggregates a user's cart for display.
type Summary struct {
	Lines         []orders.CartLine
	LineCount     int
	TotalQuantity int
	TotalCents    int64
}

// Service owns the cart: staging records prior to checkout, stock
// validation, and conversion into order-item drafts.
type Service struct {
	Lines    Store
	Products ProductReader
	Users    UserReader

	// MaxFanOut caps concurrent product lookups during validation.
	MaxFanOut int
}

// Add puts qty units of a product into the user's cart. An existing
// line for the same product is merged, not duplicated; price, title
// and image are snapshotted from the product at add-time.
func (s *Service) Add(ctx context.Context, userID, productID int64, qty int, spec string) (*orders.CartLine, error) {
	if qty < 1 {
		return nil, fmt.Errorf("qty %d: %w", qty, orders.ErrInvalidAmount)
	}
	if _, err := s.Users.Get(ctx, userID); err != nil {
		return nil, fmt.Errorf("user %d: %w", userID, err)
	}
	p, err := s.Products.Get(ctx, productID)
	if err != nil {
		return nil, err
	}
	if p.Status != orders.ProductListed {
		return nil, fmt.Errorf("product %d: %w", productID, orders.ErrNotListed)
	}
	if qty > p.Stock {
		return nil, &orders.StockError{ProductID: productID, Required: qty, Available: p.Stock}
	}

	line, err := s.Lines.Get(ctx, userID, productID)
	switch {
	case err == nil:
		newQty := line.Qty + qty
		if newQty > p.Stock {
			return nil, &orders.StockError{ProductID: productID, Required: newQty, Available: p.Stock}
		}
		line.Qty = newQty
		if spec != "" {
			line.Spec = spec
		}
	case errors.Is(err, orders.ErrNotFound):
		line = &orders.CartLine{
			UserID:         userID,
			ProductID:      productID,
			Qty:            qty,
			Spec:           spec,
			UnitPriceCents: p.PriceCents,
			ProductTitle:   p.Title,
			ProductImage:   p.MainImage,
		}
	default:
		return nil, err
	}

	if err := s.Lines.Upsert(ctx, line); err != nil {
		return nil, err
	}
	return line, nil
}

// SetQuantity replaces a line's quantity. Zero or negative removes the
// line.
func (s *Service) SetQuantity(ctx context.Context, userID, lineID int64, qty int) (*orders.CartLine, error) {
	line, err := s.Lines.GetByID(ctx, lineID)
	if err != nil {
		return nil, err
	}
	if line.UserID != userID {
		return nil, orders.ErrForbidden
	}
	if qty <= 0 {
		if err := s.Lines.Remove(ctx, lineID); err != nil {
			return nil, err
		}
		return nil, nil
	}

	p, err := s.Products.Get(ctx, line.ProductID)
	if err != nil {
		return nil, err
	}
	if qty > p.Stock {
		return nil, &orders.StockError{ProductID: line.ProductID, Required: qty, Available: p.Stock}
	}

	line.Qty = qty
	if err := s.Lines.Upsert(ctx, line); err != nil {
		return nil, err
	}
	return line, nil
}

func (s *Service) SetQuantityByProduct(ctx context.Context, userID, productID int64, qty int) (*orders.CartLine, error) {
	line, err := s.Lines.Get(ctx, userID, productID)
	if err != nil {
		return nil, err
	}
	return s.SetQuantity(ctx, userID, line.ID, qty)
}

func (s *Service) Remove(ctx context.Context, userID, lineID int64) error {
	line, err := s.Lines.GetByID(ctx, lineID)
	if err != nil {
		return err
	}
	if line.UserID != userID {
		return orders.ErrForbidden
	}
	return s.Lines.Remove(ctx, lineID)
}

// BatchRemove deletes lines best-effort and reports how many went.
func (s *Service) BatchRemove(ctx context.Context, userID int64, lineIDs []int64) int {
	deleted := 0
	for _, id := range lineIDs {
		if err := s.Remove(ctx, userID, id); err == nil {
			deleted++
		}
	}
	return deleted
}

func (s *Service) Clear(ctx context.Context, userID int64) error {
	return s.Lines.Clear(ctx, userID)
}

// DeleteByProducts clears specific products after checkout. Clearing
// is a caller responsibility; checkout itself never touches the cart.
func (s *Service) DeleteByProducts(ctx context.Context, userID int64, productIDs []int64) error {
	return s.Lines.DeleteByProducts(ctx, userID, productIDs)
}

func (s *Service) Items(ctx context.Context, userID int64) ([]orders.CartLine, error) {
	return s.Lines.List(ctx, userID)
}

func (s *Service) GetSummary(ctx context.Context, userID int64) (*Summary, error) {
	lines, err := s.Lines.List(ctx, userID)
	if err != nil {
		return nil, err
	}
	sum := &Summary{Lines: lines, LineCount: len(lines)}
	for _, l := range lines {
		sum.TotalQuantity += l.Qty
		sum.TotalCents += l.SubtotalCents()
	}
	return sum, nil
}

func (s *Service) IsInCart(ctx context.Context, userID, productID int64) (bool, error) {
	_, err := s.Lines.Get(ctx, userID, productID)
	if errors.Is(err, orders.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// Merge folds a temporary cart (e.g. from an anonymous session) into
// the user's cart, line by line, skipping the ones that no longer
// validate.
func (s *Service) Merge(ctx context.Context, userID int64, temp []orders.CartLine) int {
	merged := 0
	for _, l := range temp {
		if _, err := s.Add(ctx, userID, l.ProductID, l.Qty, l.Spec); err == nil {
			merged++
		}
	}
	return merged
}

// ValidateStock cross-checks every cart line against the live product
// state. Pure read: a pre-checkout gate and a standalone "can I still
// buy this" query.
func (s *Service) ValidateStock(ctx context.Context, userID int64) (map[int64]LineCheck, error) {
	lines, err := s.Lines.List(ctx, userID)
	if err != nil {
		return nil, err
	}

	checks := make([]LineCheck, len(lines))
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(s.fanOut())
	for i := range lines {
		g.Go(func() error {
			checks[i] = s.checkLine(ctx, lines[i])
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	out := make(map[int64]LineCheck, len(lines))
	for i, l := range lines {
		out[l.ProductID] = checks[i]
	}
	return out, nil
}

func (s *Service) checkLine(ctx context.Context, l orders.CartLine) LineCheck {
	p, err := s.Products.Get(ctx, l.ProductID)
	switch {
	case errors.Is(err, orders.ErrNotFound):
		return LineCheck{Outcome: OutcomeMissing}
	case err != nil:
		// treat transient store failures as missing rather than
		// failing the whole validation map
		return LineCheck{Outcome: OutcomeMissing}
	case p.Status != orders.ProductListed:
		return LineCheck{Outcome: OutcomeNotListed}
	case l.Qty > p.Stock:
		return LineCheck{Outcome: OutcomeShort, Available: p.Stock}
	default:
		return LineCheck{Outcome: OutcomeOK}
	}
}

// ConvertToOrderItems turns the cart into order-item drafts, silently
// dropping lines that fail validation. Callers wanting to reject
// instead of drop run ValidateStock first.
func (s *Service) ConvertToOrderItems(ctx context.Context, userID int64) ([]orders.OrderItem, error) {
	lines, err := s.Lines.List(ctx, userID)
	if err != nil {
		return nil, err
	}

	var mu sync.Mutex
	var items []orders.OrderItem
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(s.fanOut())
	for _, l := range lines {
		g.Go(func() error {
			p, err := s.Products.Get(ctx, l.ProductID)
			if err != nil || p.Status != orders.ProductListed || l.Qty > p.Stock {
				return nil // dropped
			}
			mu.Lock()
			items = append(items, orders.OrderItem{
				ProductID:      l.ProductID,
				ProductTitle:   l.ProductTitle,
				ProductImage:   l.ProductImage,
				Spec:           l.Spec,
				UnitPriceCents: l.UnitPriceCents,
				Qty:            l.Qty,
				SubtotalCents:  l.SubtotalCents(),
			})
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	sort.Slice(items, func(i, j int) bool { return items[i].ProductID < items[j].ProductID })
	return items, nil
}

func (s *Service) fanOut() int {
	if s.MaxFanOut <= 0 {
		return 8
	}
	return s.MaxFanOut
}
