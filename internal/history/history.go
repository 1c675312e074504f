package history

import (
	"context"
	"time"

	"github.com/goevery/storefront/internal/notify"
)

// Record is one archived order update, kept so the orders screen can show
// recent activity that arrived while the user was elsewhere.
type Record struct {
	OrderId    *int64     `bson:"orderId,omitempty"`
	RequestId  string     `bson:"requestId,omitempty"`
	UserId     *int64     `bson:"userId,omitempty"`
	Status     string     `bson:"status,omitempty"`
	TotalPrice string     `bson:"totalPrice,omitempty"`
	Message    string     `bson:"message,omitempty"`
	UpdateTime *time.Time `bson:"updateTime,omitempty"`
	ReceivedAt time.Time  `bson:"receivedAt"`
}

type Engine interface {
	Setup(ctx context.Context) error
	Save(ctx context.Context, record Record) error
	List(ctx context.Context, userId int64, limit int) ([]Record, error)
}

// Archiver adapts an Engine to the status monitor's archiving hook.
type Archiver struct {
	engine Engine
}

func NewArchiver(engine Engine) *Archiver {
	return &Archiver{engine: engine}
}

func (a *Archiver) Archive(ctx context.Context, event notify.OrderStatusEvent) error {
	record := Record{
		OrderId:    event.OrderId,
		RequestId:  event.RequestId,
		UserId:     event.UserId,
		Status:     string(event.Status),
		Message:    event.Message,
		UpdateTime: event.UpdateTime,
		ReceivedAt: time.Now(),
	}

	if event.TotalPrice != nil {
		record.TotalPrice = event.TotalPrice.String()
	}

	return a.engine.Save(ctx, record)
}
