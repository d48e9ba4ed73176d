package httpx

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/kbtrade/go-market-orders/internal/orders"
)

func NewRouter() *chi.Mux {
	r := chi.NewRouter()
	r.Use(middleware.RequestID, middleware.RealIP, middleware.Logger)
	r.Use(middleware.Timeout(15 * time.Second))
	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	return r
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeErr(w http.ResponseWriter, err error) {
	writeJSON(w, errStatus(err), map[string]string{"error": err.Error()})
}

// errStatus maps the domain error taxonomy onto HTTP codes. Conflict
// covers both illegal transitions and lost-update races so clients can
// re-read and retry.
func errStatus(err error) int {
	switch {
	case errors.Is(err, orders.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, orders.ErrForbidden):
		return http.StatusForbidden
	case errors.Is(err, orders.ErrInvalidState),
		errors.Is(err, orders.ErrConflict),
		errors.Is(err, orders.ErrInsufficientStock),
		errors.Is(err, orders.ErrNotListed),
		errors.Is(err, orders.ErrDuplicateOrderNo):
		return http.StatusConflict
	case errors.Is(err, orders.ErrInvalidAmount),
		errors.Is(err, orders.ErrEmptyOrder),
		errors.Is(err, orders.ErrMultipleSellers):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}
