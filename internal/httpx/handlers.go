package httpx

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/ariefcatur/go-venue-timers/internal/apperr"
	"github.com/ariefcatur/go-venue-timers/internal/inventory"
	"github.com/ariefcatur/go-venue-timers/internal/logx"
	"github.com/ariefcatur/go-venue-timers/internal/timers"
	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"
)

type StockLedger interface {
	ValidateAvailability(ctx context.Context, branch string, items []inventory.SaleLine) (bool, []string, error)
	DecrementAtomic(ctx context.Context, branch string, items []inventory.SaleLine) error
	StockView(ctx context.Context, branch string) ([]inventory.StockRow, error)
}

type TimerEngine interface {
	Get(ctx context.Context, id string) (timers.Timer, error)
	GetLiveWithRemaining(ctx context.Context, branch string) ([]timers.View, error)
	Extend(ctx context.Context, id string, minutes int) (timers.Timer, error)
	End(ctx context.Context, id string) (timers.Timer, error)
	Cancel(ctx context.Context, id string) (timers.Timer, error)
	History(ctx context.Context, id string) ([]timers.History, error)
}

type Acknowledger interface {
	Acknowledge(timerID string, minutes int)
}

type Subscriptions interface {
	Serve(w http.ResponseWriter, r *http.Request, group string) error
}

type Handler struct {
	Ledger StockLedger
	Timers TimerEngine
	Alerts Acknowledger
	Hub    Subscriptions
	Log    *zap.Logger
}

type StockRequest struct {
	Branch string               `json:"branch"`
	Items  []inventory.SaleLine `json:"items"`
}

type ValidateResp struct {
	OK     bool     `json:"ok"`
	Errors []string `json:"errors"`
}

type ExtendReq struct {
	Minutes int `json:"minutes"`
}

type errorResp struct {
	Error   string   `json:"error"`
	Details []string `json:"details,omitempty"`
}

func (h *Handler) Register(r chi.Router) {
	r.Post("/inventory/validate", h.validate)
	r.Post("/inventory/decrement", h.decrement)
	r.Get("/branches/{branch}/stock", h.stock)

	r.Get("/timers/live", h.live)
	r.Get("/timers/{id}", h.timer)
	r.Post("/timers/{id}/extend", h.extend)
	r.Post("/timers/{id}/end", h.end)
	r.Post("/timers/{id}/cancel", h.cancel)
	r.Get("/timers/{id}/history", h.history)
	r.Post("/timers/{id}/alerts/{minutes}/ack", h.ack)

	if h.Hub != nil {
		r.Get("/ws", h.subscribe)
	}
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError maps error kinds onto status codes; anything unknown is a 500
// and its text stays in the log.
func (h *Handler) writeError(w http.ResponseWriter, r *http.Request, err error) {
	var v *apperr.ValidationError
	switch {
	case errors.As(err, &v):
		writeJSON(w, http.StatusUnprocessableEntity, errorResp{Error: v.Msg, Details: v.Details})
	case apperr.IsNotFound(err):
		writeJSON(w, http.StatusNotFound, errorResp{Error: err.Error()})
	default:
		logx.Or(h.Log).Error("request failed", zap.String("path", r.URL.Path), zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, errorResp{Error: "internal error"})
	}
}

func decode(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResp{Error: "invalid json"})
		return false
	}
	return true
}

func (h *Handler) validate(w http.ResponseWriter, r *http.Request) {
	var req StockRequest
	if !decode(w, r, &req) {
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	ok, msgs, err := h.Ledger.ValidateAvailability(ctx, req.Branch, req.Items)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	if msgs == nil {
		msgs = []string{}
	}
	writeJSON(w, http.StatusOK, ValidateResp{OK: ok, Errors: msgs})
}

func (h *Handler) decrement(w http.ResponseWriter, r *http.Request) {
	var req StockRequest
	if !decode(w, r, &req) {
		return
	}
	if len(req.Items) == 0 {
		writeJSON(w, http.StatusBadRequest, errorResp{Error: "missing items"})
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	if err := h.Ledger.DecrementAtomic(ctx, req.Branch, req.Items); err != nil {
		h.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) stock(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
	defer cancel()

	rows, err := h.Ledger.StockView(ctx, chi.URLParam(r, "branch"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, rows)
}

func (h *Handler) live(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
	defer cancel()

	views, err := h.Timers.GetLiveWithRemaining(ctx, r.URL.Query().Get("branch"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, views)
}

func (h *Handler) timer(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
	defer cancel()

	t, err := h.Timers.Get(ctx, chi.URLParam(r, "id"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, t)
}

func (h *Handler) extend(w http.ResponseWriter, r *http.Request) {
	var req ExtendReq
	if !decode(w, r, &req) {
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	t, err := h.Timers.Extend(ctx, chi.URLParam(r, "id"), req.Minutes)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, t)
}

func (h *Handler) end(w http.ResponseWriter, r *http.Request) {
	h.finish(w, r, h.Timers.End)
}

func (h *Handler) cancel(w http.ResponseWriter, r *http.Request) {
	h.finish(w, r, h.Timers.Cancel)
}

func (h *Handler) finish(w http.ResponseWriter, r *http.Request, op func(context.Context, string) (timers.Timer, error)) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	t, err := op(ctx, chi.URLParam(r, "id"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, t)
}

func (h *Handler) history(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
	defer cancel()

	hist, err := h.Timers.History(ctx, chi.URLParam(r, "id"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	if hist == nil {
		hist = []timers.History{}
	}
	writeJSON(w, http.StatusOK, hist)
}

func (h *Handler) ack(w http.ResponseWriter, r *http.Request) {
	minutes, err := strconv.Atoi(chi.URLParam(r, "minutes"))
	if err != nil || minutes <= 0 {
		writeJSON(w, http.StatusBadRequest, errorResp{Error: "minutes must be a positive integer"})
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
	defer cancel()

	t, err := h.Timers.Get(ctx, chi.URLParam(r, "id"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	if !t.Status.Live() {
		h.writeError(w, r, apperr.Validation("timer %s is %s, nothing to acknowledge", t.ID, t.Status))
		return
	}
	h.Alerts.Acknowledge(t.ID, minutes)
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) subscribe(w http.ResponseWriter, r *http.Request) {
	branch := r.URL.Query().Get("branch")
	if branch == "" {
		writeJSON(w, http.StatusBadRequest, errorResp{Error: "missing branch"})
		return
	}
	if err := h.Hub.Serve(w, r, branch); err != nil {
		logx.Or(h.Log).Warn("websocket upgrade failed", zap.String("branch", branch), zap.Error(err))
	}
}
