package notify

import (
	"time"

	"github.com/shopspring/decimal"
)

type Status string

const (
	StatusPending    Status = "PENDING"
	StatusConfirmed  Status = "CONFIRMED"
	StatusPaid       Status = "PAID"
	StatusProcessing Status = "PROCESSING"
	StatusShipped    Status = "SHIPPED"
	StatusDelivered  Status = "DELIVERED"
	StatusCancelled  Status = "CANCELLED"
	StatusFailed     Status = "FAILED"
	StatusCompleted  Status = "COMPLETED"
)

// Terminal reports whether the order workflow will emit no further
// status transitions for this state.
func (s Status) Terminal() bool {
	switch s {
	case StatusDelivered, StatusCancelled, StatusFailed, StatusCompleted:
		return true
	}

	return false
}

// OrderStatusEvent is the frame body pushed by the notification server.
// OrderId is absent while the backend is still processing the asynchronous
// order request; until then the event is addressable only by the
// client-generated RequestId.
type OrderStatusEvent struct {
	OrderId    *int64           `json:"orderId,omitempty"`
	RequestId  string           `json:"requestId,omitempty"`
	UserId     *int64           `json:"userId,omitempty"`
	Status     Status           `json:"status,omitempty"`
	TotalPrice *decimal.Decimal `json:"totalPrice,omitempty"`
	Message    string           `json:"message,omitempty"`
	UpdateTime *time.Time       `json:"updateTime,omitempty"`
}

// Identified reports whether the event can be matched to a ledger entry
// at all. Events with neither id are dropped by the ledger.
func (e OrderStatusEvent) Identified() bool {
	return e.OrderId != nil || e.RequestId != ""
}
