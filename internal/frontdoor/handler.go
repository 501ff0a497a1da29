package frontdoor

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"orderflow/internal/broker"
	"orderflow/internal/contracts"
	"orderflow/internal/payment"
	"orderflow/internal/realtime"
	"orderflow/internal/resilience"
)

// Handler is the HTTP front door: it accepts order placements, answers the
// payment-status query through the resilient client, and upgrades status
// stream connections. It never waits for the saga: placement returns an
// immediate acknowledgment and failures surface later, asynchronously.
type Handler struct {
	events   broker.Publisher
	payments StatusClient
	hub      *realtime.Hub
	logger   *slog.Logger
	newID    func() string
	now      func() time.Time
	upgrader websocket.Upgrader
}

// HandlerConfig wires a Handler. Events is required; Payments and Hub are
// optional and disable their routes when nil.
type HandlerConfig struct {
	Events   broker.Publisher
	Payments StatusClient
	Hub      *realtime.Hub
	Logger   *slog.Logger
	NewID    func() string
	Now      func() time.Time
}

// NewHandler constructs a front door Handler.
func NewHandler(cfg HandlerConfig) *Handler {
	h := &Handler{
		events:   cfg.Events,
		payments: cfg.Payments,
		hub:      cfg.Hub,
		logger:   cfg.Logger,
		newID:    cfg.NewID,
		now:      cfg.Now,
	}
	if h.logger == nil {
		h.logger = slog.Default()
	}
	if h.newID == nil {
		h.newID = uuid.NewString
	}
	if h.now == nil {
		h.now = time.Now
	}
	return h
}

// Routes mounts the front door endpoints on the router.
func (h *Handler) Routes(r chi.Router) {
	r.Post("/api/orders", h.placeOrder)
	if h.payments != nil {
		r.Get("/api/orders/{orderID}/payment", h.paymentStatus)
	}
	if h.hub != nil {
		r.Get("/ws", h.statusStream)
	}
}

type placeOrderRequest struct {
	CustomerID       string `json:"customer_id"`
	TotalAmountCents int64  `json:"total_amount_cents"`
}

type placeOrderResponse struct {
	OrderID string `json:"order_id"`
}

// placeOrder generates the order id, publishes OrderPlaced, and returns 202.
// The generated id is the saga's correlation key for the rest of its life.
func (h *Handler) placeOrder(w http.ResponseWriter, r *http.Request) {
	var req placeOrderRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.CustomerID == "" {
		http.Error(w, "customer_id is required", http.StatusBadRequest)
		return
	}
	if req.TotalAmountCents <= 0 {
		http.Error(w, "total_amount_cents must be positive", http.StatusBadRequest)
		return
	}

	orderID := h.newID()
	env, err := contracts.NewOrderPlaced(contracts.OrderPlaced{
		OrderID:          orderID,
		CustomerID:       req.CustomerID,
		TotalAmountCents: req.TotalAmountCents,
		PlacedAt:         h.now(),
	})
	if err != nil {
		h.logger.Error("build order placed event", "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	if err := h.events.PublishEvent(r.Context(), env); err != nil {
		h.logger.Error("publish order placed", "order_id", orderID, "error", err)
		http.Error(w, "order intake unavailable", http.StatusServiceUnavailable)
		return
	}

	h.logger.Info("order accepted", "order_id", orderID, "customer_id", req.CustomerID)
	writeJSON(w, http.StatusAccepted, placeOrderResponse{OrderID: orderID})
}

func (h *Handler) paymentStatus(w http.ResponseWriter, r *http.Request) {
	orderID := chi.URLParam(r, "orderID")

	status, err := h.payments.Status(r.Context(), orderID)
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, status)
	case errors.Is(err, payment.ErrStatusNotFound):
		http.Error(w, "no payment recorded for order", http.StatusNotFound)
	case errors.Is(err, resilience.ErrCircuitOpen):
		w.Header().Set("Retry-After", strconv.Itoa(30))
		http.Error(w, "payment status temporarily unavailable", http.StatusServiceUnavailable)
	default:
		h.logger.Error("payment status query", "order_id", orderID, "error", err)
		http.Error(w, "payment status query failed", http.StatusBadGateway)
	}
}

func (h *Handler) statusStream(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", "error", err)
		return
	}
	select {
	case h.hub.Register <- conn:
	case <-h.hub.Done():
		conn.Close()
		return
	}

	// drain client frames so pings are answered; unregister on first error
	go func() {
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				select {
				case h.hub.Unregister <- conn:
				case <-h.hub.Done():
					conn.Close()
				}
				return
			}
		}
	}()
}

func writeJSON(w http.ResponseWriter, code int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(body)
}
