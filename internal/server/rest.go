package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/goevery/storefront/internal/checkout"
	"github.com/goevery/storefront/internal/notify"
	"github.com/gorilla/mux"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// StatusMonitor is the notification layer surface the HTTP API exposes to
// the presentational frontend.
type StatusMonitor interface {
	Connect() error
	Disconnect()
	Connected() bool
	Updates() []notify.Entry
	OrderStatus(orderId int64) (notify.Entry, bool)
	RequestStatus(requestId string) (notify.Entry, bool)
}

// CheckoutService resolves asynchronous order submissions into outcomes.
type CheckoutService interface {
	CheckoutCart(ctx context.Context, shippingAddress string) (checkout.Outcome, error)
	CheckoutSingleBook(ctx context.Context, bookId int64, quantity int, shippingAddress string) (checkout.Outcome, error)
}

type RESTServer struct {
	logger   *zap.Logger
	monitor  StatusMonitor
	checkout CheckoutService
}

func NewRESTServer(
	logger *zap.Logger,
	monitor StatusMonitor,
	checkout CheckoutService,
) *RESTServer {
	return &RESTServer{
		logger,
		monitor,
		checkout,
	}
}

func (s *RESTServer) Register(router *mux.Router) {
	router.HandleFunc("/notifications/status", s.handleStatus).Methods("GET")
	router.HandleFunc("/notifications/connect", s.handleConnect).Methods("POST")
	router.HandleFunc("/notifications/disconnect", s.handleDisconnect).Methods("POST")
	router.HandleFunc("/notifications/order-updates", s.handleUpdates).Methods("GET")
	router.HandleFunc("/notifications/orders/{orderId}", s.handleOrderStatus).Methods("GET")
	router.HandleFunc("/notifications/requests/{requestId}", s.handleRequestStatus).Methods("GET")
	router.HandleFunc("/checkout", s.handleCheckout).Methods("POST")
}

type statusResponse struct {
	Connected bool `json:"connected"`
}

type entryResponse struct {
	OrderId    *int64           `json:"orderId,omitempty"`
	RequestId  string           `json:"requestId,omitempty"`
	UserId     *int64           `json:"userId,omitempty"`
	Status     string           `json:"status,omitempty"`
	TotalPrice *decimal.Decimal `json:"totalPrice,omitempty"`
	Message    string           `json:"message,omitempty"`
	UpdateTime *time.Time       `json:"updateTime,omitempty"`
}

func toEntryResponse(entry notify.Entry) entryResponse {
	return entryResponse{
		OrderId:    entry.OrderId,
		RequestId:  entry.RequestId,
		UserId:     entry.UserId,
		Status:     string(entry.Status),
		TotalPrice: entry.TotalPrice,
		Message:    entry.Message,
		UpdateTime: entry.UpdateTime,
	}
}

func (s *RESTServer) handleStatus(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, statusResponse{Connected: s.monitor.Connected()})
}

func (s *RESTServer) handleConnect(w http.ResponseWriter, r *http.Request) {
	if err := s.monitor.Connect(); err != nil {
		// Connectivity failures surface through the indicator, not as
		// HTTP errors; the reconnect loop is already running.
		s.logger.Warn("connect request did not establish a session", zap.Error(err))
	}

	s.writeJSON(w, statusResponse{Connected: s.monitor.Connected()})
}

func (s *RESTServer) handleDisconnect(w http.ResponseWriter, r *http.Request) {
	s.monitor.Disconnect()
	s.writeJSON(w, statusResponse{Connected: false})
}

func (s *RESTServer) handleUpdates(w http.ResponseWriter, r *http.Request) {
	entries := s.monitor.Updates()

	updates := make([]entryResponse, 0, len(entries))
	for _, entry := range entries {
		updates = append(updates, toEntryResponse(entry))
	}

	s.writeJSON(w, updates)
}

func (s *RESTServer) handleOrderStatus(w http.ResponseWriter, r *http.Request) {
	orderId, err := strconv.ParseInt(mux.Vars(r)["orderId"], 10, 64)
	if err != nil {
		http.Error(w, "invalid order id", http.StatusBadRequest)

		return
	}

	entry, ok := s.monitor.OrderStatus(orderId)
	if !ok {
		http.Error(w, "order status unknown", http.StatusNotFound)

		return
	}

	s.writeJSON(w, toEntryResponse(entry))
}

func (s *RESTServer) handleRequestStatus(w http.ResponseWriter, r *http.Request) {
	entry, ok := s.monitor.RequestStatus(mux.Vars(r)["requestId"])
	if !ok {
		http.Error(w, "request status unknown", http.StatusNotFound)

		return
	}

	s.writeJSON(w, toEntryResponse(entry))
}

type checkoutRequest struct {
	ShippingAddress string `json:"shippingAddress"`
	BookId          *int64 `json:"bookId,omitempty"`
	Quantity        *int   `json:"quantity,omitempty"`
}

type checkoutResponse struct {
	Succeeded bool          `json:"succeeded"`
	Pending   bool          `json:"pending,omitempty"`
	Message   string        `json:"message,omitempty"`
	Entry     entryResponse `json:"entry,omitempty"`
}

func (s *RESTServer) handleCheckout(w http.ResponseWriter, r *http.Request) {
	var req checkoutRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)

		return
	}

	var outcome checkout.Outcome
	var err error

	if req.BookId != nil {
		quantity := 1
		if req.Quantity != nil {
			quantity = *req.Quantity
		}
		outcome, err = s.checkout.CheckoutSingleBook(r.Context(), *req.BookId, quantity, req.ShippingAddress)
	} else {
		outcome, err = s.checkout.CheckoutCart(r.Context(), req.ShippingAddress)
	}

	if errors.Is(err, checkout.ErrOutcomePending) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusAccepted)
		s.writeJSON(w, checkoutResponse{
			Pending: true,
			Message: "order is still processing, check the orders page",
		})

		return
	}

	if err != nil {
		s.logger.Error("checkout failed", zap.Error(err))
		http.Error(w, "checkout failed", http.StatusBadGateway)

		return
	}

	s.writeJSON(w, checkoutResponse{
		Succeeded: outcome.Succeeded,
		Message:   outcome.Entry.Message,
		Entry:     toEntryResponse(outcome.Entry),
	})
}

func (s *RESTServer) writeJSON(w http.ResponseWriter, payload any) {
	w.Header().Set("Content-Type", "application/json")

	if err := json.NewEncoder(w).Encode(payload); err != nil {
		s.logger.Error("failed to encode response", zap.Error(err))
	}
}
