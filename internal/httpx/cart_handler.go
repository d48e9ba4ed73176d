package httpx

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/kbtrade/go-market-orders/internal/cart"
)

type CartHandler struct {
	Svc *cart.Service
}

type AddLineReq struct {
	UserID    int64  `json:"user_id"`
	ProductID int64  `json:"product_id"`
	Qty       int    `json:"qty"`
	Spec      string `json:"spec,omitempty"`
}

type SetQtyReq struct {
	UserID int64 `json:"user_id"`
	Qty    int   `json:"qty"`
}

func (h *CartHandler) Register(r *chi.Mux) {
	r.Get("/cart", h.items)
	r.Get("/cart/summary", h.summary)
	r.Get("/cart/validate", h.validate)
	r.Post("/cart/items", h.add)
	r.Put("/cart/items/{lineID}", h.setQty)
	r.Delete("/cart/items/{lineID}", h.remove)
	r.Post("/cart/clear", h.clear)
}

func queryUserID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(r.URL.Query().Get("user_id"), 10, 64)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "missing user_id"})
		return 0, false
	}
	return id, true
}

func (h *CartHandler) items(w http.ResponseWriter, r *http.Request) {
	userID, ok := queryUserID(w, r)
	if !ok {
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
	defer cancel()

	lines, err := h.Svc.Items(ctx, userID)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, lines)
}

func (h *CartHandler) summary(w http.ResponseWriter, r *http.Request) {
	userID, ok := queryUserID(w, r)
	if !ok {
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
	defer cancel()

	sum, err := h.Svc.GetSummary(ctx, userID)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sum)
}

func (h *CartHandler) validate(w http.ResponseWriter, r *http.Request) {
	userID, ok := queryUserID(w, r)
	if !ok {
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	checks, err := h.Svc.ValidateStock(ctx, userID)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, checks)
}

func (h *CartHandler) add(w http.ResponseWriter, r *http.Request) {
	var req AddLineReq
	if !decode(w, r, &req) {
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	line, err := h.Svc.Add(ctx, req.UserID, req.ProductID, req.Qty, req.Spec)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, line)
}

func (h *CartHandler) setQty(w http.ResponseWriter, r *http.Request) {
	lineID, err := strconv.ParseInt(chi.URLParam(r, "lineID"), 10, 64)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid line id"})
		return
	}
	var req SetQtyReq
	if !decode(w, r, &req) {
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	line, err := h.Svc.SetQuantity(ctx, req.UserID, lineID, req.Qty)
	if err != nil {
		writeErr(w, err)
		return
	}
	if line == nil {
		w.WriteHeader(http.StatusNoContent) // qty <= 0 removed the line
		return
	}
	writeJSON(w, http.StatusOK, line)
}

func (h *CartHandler) remove(w http.ResponseWriter, r *http.Request) {
	lineID, err := strconv.ParseInt(chi.URLParam(r, "lineID"), 10, 64)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid line id"})
		return
	}
	userID, ok := queryUserID(w, r)
	if !ok {
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
	defer cancel()

	if err := h.Svc.Remove(ctx, userID, lineID); err != nil {
		writeErr(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *CartHandler) clear(w http.ResponseWriter, r *http.Request) {
	var req struct {
		UserID int64 `json:"user_id"`
	}
	if !decode(w, r, &req) {
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
	defer cancel()

	if err := h.Svc.Clear(ctx, req.UserID); err != nil {
		writeErr(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
