package httpx

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/redis/go-redis/v9"

	"github.com/kbtrade/go-market-orders/internal/cart"
	"github.com/kbtrade/go-market-orders/internal/orders"
	"github.com/kbtrade/go-market-orders/internal/redisx"
)

// OrdersHandler exposes the lifecycle service over HTTP. Auth lives in
// an upstream gateway, so actor ids arrive in the request body/query.
type OrdersHandler struct {
	Svc   *orders.Service
	Carts *cart.Service
	Redis *redis.Client
}

type CheckoutReq struct {
	UserID  int64  `json:"user_id"`
	Address string `json:"address"`
	Phone   string `json:"phone"`
	Note    string `json:"note"`
}

type PayReq struct {
	BuyerID     int64 `json:"buyer_id"`
	AmountCents int64 `json:"amount_cents"`
}

type ShipReq struct {
	SellerID        int64  `json:"seller_id"`
	ShippingCompany string `json:"shipping_company"`
	TrackingNumber  string `json:"tracking_number"`
}

type ActorReq struct {
	UserID int64 `json:"user_id"`
}

type CancelReq struct {
	UserID int64  `json:"user_id"`
	Reason string `json:"reason"`
}

type RefundApplyReq struct {
	BuyerID     int64  `json:"buyer_id"`
	AmountCents int64  `json:"amount_cents"`
	Reason      string `json:"reason"`
}

type RefundProcessReq struct {
	SellerID int64  `json:"seller_id"`
	Agree    bool   `json:"agree"`
	Remark   string `json:"remark"`
}

func (h *OrdersHandler) Register(r *chi.Mux) {
	r.Post("/checkout", h.checkout)
	r.Get("/orders", h.list)
	r.Get("/orders/stats", h.stats)
	r.Get("/orders/no/{orderNo}", h.getByNo)
	r.Get("/orders/{id}", h.get)
	r.Get("/orders/{id}/detail", h.detail)
	r.Get("/orders/{id}/status", h.status)
	r.Post("/orders/{id}/pay", h.pay)
	r.Post("/orders/{id}/ship", h.ship)
	r.Post("/orders/{id}/confirm", h.confirm)
	r.Post("/orders/{id}/complete", h.complete)
	r.Post("/orders/{id}/cancel", h.cancel)
	r.Post("/orders/{id}/refund/apply", h.refundApply)
	r.Post("/orders/{id}/refund/process", h.refundProcess)
	r.Delete("/orders/{id}", h.delete)
}

func orderID(r *http.Request) (int64, error) {
	return strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
}

func decode(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid json"})
		return false
	}
	return true
}

// cacheStatus best-effort refreshes the redis fast path after a
// transition; the projector does the same from the event stream.
func (h *OrdersHandler) cacheStatus(ctx context.Context, o *orders.Order) {
	if h.Redis == nil || o == nil {
		return
	}
	key := fmt.Sprintf(redisx.KeyOrderStatus, o.OrderNo)
	body, _ := json.Marshal(map[string]any{"status": o.Status})
	_ = h.Redis.Set(ctx, key, body, redisx.TTLStatusCache).Err()
}

// checkout: cart -> validator/converter -> order. The cart is NOT
// cleared here; that stays with the caller.
func (h *OrdersHandler) checkout(w http.ResponseWriter, r *http.Request) {
	var req CheckoutReq
	if !decode(w, r, &req) {
		return
	}
	if req.UserID == 0 {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "missing user_id"})
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	drafts, err := h.Carts.ConvertToOrderItems(ctx, req.UserID)
	if err != nil {
		writeErr(w, err)
		return
	}
	o, err := h.Svc.CreateOrder(ctx, req.UserID, drafts, req.Address, req.Phone, req.Note)
	if err != nil {
		writeErr(w, err)
		return
	}
	h.cacheStatus(ctx, o)
	writeJSON(w, http.StatusCreated, o)
}

func (h *OrdersHandler) pay(w http.ResponseWriter, r *http.Request) {
	id, err := orderID(r)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid id"})
		return
	}
	var req PayReq
	if !decode(w, r, &req) {
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	o, err := h.Svc.Pay(ctx, id, req.BuyerID, req.AmountCents)
	if err != nil {
		writeErr(w, err)
		return
	}
	h.cacheStatus(ctx, o)
	writeJSON(w, http.StatusOK, o)
}

func (h *OrdersHandler) ship(w http.ResponseWriter, r *http.Request) {
	id, err := orderID(r)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid id"})
		return
	}
	var req ShipReq
	if !decode(w, r, &req) {
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	o, err := h.Svc.Ship(ctx, id, req.SellerID, req.ShippingCompany, req.TrackingNumber)
	if err != nil {
		writeErr(w, err)
		return
	}
	h.cacheStatus(ctx, o)
	writeJSON(w, http.StatusOK, o)
}

func (h *OrdersHandler) confirm(w http.ResponseWriter, r *http.Request) {
	h.buyerTransition(w, r, h.Svc.ConfirmDelivery)
}

func (h *OrdersHandler) complete(w http.ResponseWriter, r *http.Request) {
	h.buyerTransition(w, r, h.Svc.Complete)
}

func (h *OrdersHandler) buyerTransition(w http.ResponseWriter, r *http.Request,
	fn func(context.Context, int64, int64) (*orders.Order, error)) {
	id, err := orderID(r)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid id"})
		return
	}
	var req ActorReq
	if !decode(w, r, &req) {
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	o, err := fn(ctx, id, req.UserID)
	if err != nil {
		writeErr(w, err)
		return
	}
	h.cacheStatus(ctx, o)
	writeJSON(w, http.StatusOK, o)
}

func (h *OrdersHandler) cancel(w http.ResponseWriter, r *http.Request) {
	id, err := orderID(r)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid id"})
		return
	}
	var req CancelReq
	if !decode(w, r, &req) {
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	o, err := h.Svc.Cancel(ctx, id, req.UserID, req.Reason)
	if err != nil {
		writeErr(w, err)
		return
	}
	h.cacheStatus(ctx, o)
	writeJSON(w, http.StatusOK, o)
}

func (h *OrdersHandler) refundApply(w http.ResponseWriter, r *http.Request) {
	id, err := orderID(r)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid id"})
		return
	}
	var req RefundApplyReq
	if !decode(w, r, &req) {
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	o, err := h.Svc.ApplyRefund(ctx, id, req.BuyerID, req.AmountCents, req.Reason)
	if err != nil {
		writeErr(w, err)
		return
	}
	h.cacheStatus(ctx, o)
	writeJSON(w, http.StatusOK, o)
}

func (h *OrdersHandler) refundProcess(w http.ResponseWriter, r *http.Request) {
	id, err := orderID(r)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid id"})
		return
	}
	var req RefundProcessReq
	if !decode(w, r, &req) {
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	o, err := h.Svc.ProcessRefund(ctx, id, req.SellerID, req.Agree, req.Remark)
	if err != nil {
		writeErr(w, err)
		return
	}
	h.cacheStatus(ctx, o)
	writeJSON(w, http.StatusOK, o)
}

func (h *OrdersHandler) delete(w http.ResponseWriter, r *http.Request) {
	id, err := orderID(r)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid id"})
		return
	}
	userID, err := strconv.ParseInt(r.URL.Query().Get("user_id"), 10, 64)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "missing user_id"})
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	if err := h.Svc.DeleteOrder(ctx, id, userID); err != nil {
		writeErr(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *OrdersHandler) get(w http.ResponseWriter, r *http.Request) {
	id, err := orderID(r)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid id"})
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
	defer cancel()

	o, err := h.Svc.GetByID(ctx, id)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, o)
}

func (h *OrdersHandler) getByNo(w http.ResponseWriter, r *http.Request) {
	no := chi.URLParam(r, "orderNo")
	ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
	defer cancel()

	o, err := h.Svc.GetByNo(ctx, no)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, o)
}

func (h *OrdersHandler) detail(w http.ResponseWriter, r *http.Request) {
	id, err := orderID(r)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid id"})
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
	defer cancel()

	d, err := h.Svc.GetDetail(ctx, id)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, d)
}

// status: redis fast path first, DB fallback, then re-prime the cache.
func (h *OrdersHandler) status(w http.ResponseWriter, r *http.Request) {
	id, err := orderID(r)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid id"})
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
	defer cancel()

	o, err := h.Svc.GetByID(ctx, id)
	if err != nil {
		writeErr(w, err)
		return
	}
	if h.Redis != nil {
		key := fmt.Sprintf(redisx.KeyOrderStatus, o.OrderNo)
		if s, err := h.Redis.Get(ctx, key).Result(); err == nil && s != "" {
			writeJSON(w, http.StatusOK, json.RawMessage(s))
			return
		}
	}
	h.cacheStatus(ctx, o)
	writeJSON(w, http.StatusOK, map[string]any{"status": o.Status})
}

func (h *OrdersHandler) list(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	page, _ := strconv.Atoi(q.Get("page"))
	size, _ := strconv.Atoi(q.Get("size"))

	ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
	defer cancel()

	if buyerID, err := strconv.ParseInt(q.Get("buyer_id"), 10, 64); err == nil {
		out, err := h.Svc.ListByBuyer(ctx, buyerID, page, size)
		if err != nil {
			writeErr(w, err)
			return
		}
		writeJSON(w, http.StatusOK, out)
		return
	}
	if sellerID, err := strconv.ParseInt(q.Get("seller_id"), 10, 64); err == nil {
		out, err := h.Svc.ListBySeller(ctx, sellerID, page, size)
		if err != nil {
			writeErr(w, err)
			return
		}
		writeJSON(w, http.StatusOK, out)
		return
	}
	writeJSON(w, http.StatusBadRequest, map[string]string{"error": "buyer_id or seller_id required"})
}

func (h *OrdersHandler) stats(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	userID, err := strconv.ParseInt(q.Get("user_id"), 10, 64)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "missing user_id"})
		return
	}
	asSeller := q.Get("as_seller") == "true"

	ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
	defer cancel()

	st, err := h.Svc.Stats(ctx, userID, asSeller)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}
