package notify

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func int64Ptr(v int64) *int64 {
	return &v
}

func timePtr(v time.Time) *time.Time {
	return &v
}

func TestLedger_Apply(t *testing.T) {
	t.Run("distinct identity classes produce distinct entries", func(t *testing.T) {
		ledger := NewLedger(0)

		ledger.Apply(OrderStatusEvent{RequestId: "r1", Status: StatusPending})
		ledger.Apply(OrderStatusEvent{RequestId: "r2", Status: StatusPending})
		ledger.Apply(OrderStatusEvent{OrderId: int64Ptr(7), Status: StatusProcessing})
		ledger.Apply(OrderStatusEvent{RequestId: "r1", Status: StatusProcessing})

		assert.Equal(t, 3, ledger.Len())
	})

	t.Run("applying the same event twice is idempotent", func(t *testing.T) {
		ledger := NewLedger(0)
		event := OrderStatusEvent{
			OrderId:   int64Ptr(1),
			RequestId: "r1",
			Status:    StatusProcessing,
			Message:   "working on it",
		}

		ledger.Apply(event)
		once, ok := ledger.ByOrderId(1)
		assert.True(t, ok)

		ledger.Apply(event)
		twice, ok := ledger.ByOrderId(1)
		assert.True(t, ok)

		assert.Equal(t, 1, ledger.Len())
		assert.Equal(t, once, twice)
	})

	t.Run("request id promoted to order id merges into one entry", func(t *testing.T) {
		ledger := NewLedger(0)

		ledger.Apply(OrderStatusEvent{RequestId: "r1", Status: StatusPending})
		ledger.Apply(OrderStatusEvent{
			RequestId: "r1",
			OrderId:   int64Ptr(42),
			Status:    StatusCompleted,
			Message:   "订单处理成功",
		})

		assert.Equal(t, 1, ledger.Len())

		byRequest, ok := ledger.ByRequestId("r1")
		assert.True(t, ok)
		byOrder, ok := ledger.ByOrderId(42)
		assert.True(t, ok)

		assert.Equal(t, byRequest, byOrder)
		assert.Equal(t, "r1", byOrder.RequestId)
		assert.Equal(t, int64(42), *byOrder.OrderId)
		assert.Equal(t, StatusCompleted, byOrder.Status)
		assert.Equal(t, "订单处理成功", byOrder.Message)
	})

	t.Run("newer values overwrite, absent fields keep old values", func(t *testing.T) {
		ledger := NewLedger(0)
		updateTime := timePtr(time.Now())

		ledger.Apply(OrderStatusEvent{
			RequestId:  "r1",
			Status:     StatusPending,
			Message:    "queued",
			UpdateTime: updateTime,
		})
		ledger.Apply(OrderStatusEvent{RequestId: "r1", Status: StatusProcessing})

		entry, ok := ledger.ByRequestId("r1")
		assert.True(t, ok)
		assert.Equal(t, StatusProcessing, entry.Status)
		assert.Equal(t, "queued", entry.Message)
		assert.Equal(t, updateTime, entry.UpdateTime)
	})

	t.Run("unidentified events are ignored", func(t *testing.T) {
		ledger := NewLedger(0)

		ledger.Apply(OrderStatusEvent{Status: StatusFailed, Message: "orphan"})

		assert.Equal(t, 0, ledger.Len())
	})
}

func TestLedger_Lookups(t *testing.T) {
	ledger := NewLedger(0)

	_, ok := ledger.ByOrderId(99)
	assert.False(t, ok)

	_, ok = ledger.ByRequestId("missing")
	assert.False(t, ok)

	t.Run("lookups return copies", func(t *testing.T) {
		ledger.Apply(OrderStatusEvent{RequestId: "r1", Status: StatusPending})

		entry, ok := ledger.ByRequestId("r1")
		assert.True(t, ok)
		entry.Status = StatusFailed

		reread, ok := ledger.ByRequestId("r1")
		assert.True(t, ok)
		assert.Equal(t, StatusPending, reread.Status)
	})
}

func TestLedger_SweepExpired(t *testing.T) {
	now := time.Now()

	t.Run("removes only entries older than the window", func(t *testing.T) {
		ledger := NewLedger(time.Hour)

		ledger.Apply(OrderStatusEvent{
			RequestId:  "stale",
			OrderId:    int64Ptr(1),
			UpdateTime: timePtr(now.Add(-2 * time.Hour)),
		})
		ledger.Apply(OrderStatusEvent{
			RequestId:  "fresh",
			UpdateTime: timePtr(now.Add(-time.Minute)),
		})
		ledger.Apply(OrderStatusEvent{RequestId: "timeless"})

		removed := ledger.SweepExpired(now)

		assert.Equal(t, 1, removed)
		assert.Equal(t, 2, ledger.Len())

		_, ok := ledger.ByRequestId("stale")
		assert.False(t, ok)
		_, ok = ledger.ByOrderId(1)
		assert.False(t, ok)
		_, ok = ledger.ByRequestId("fresh")
		assert.True(t, ok)
		_, ok = ledger.ByRequestId("timeless")
		assert.True(t, ok)
	})

	t.Run("entries without update time survive any now", func(t *testing.T) {
		ledger := NewLedger(time.Hour)
		ledger.Apply(OrderStatusEvent{RequestId: "timeless"})

		removed := ledger.SweepExpired(now.Add(100 * 365 * 24 * time.Hour))

		assert.Equal(t, 0, removed)
		assert.Equal(t, 1, ledger.Len())
	})

	t.Run("entry exactly at the cutoff is kept", func(t *testing.T) {
		ledger := NewLedger(time.Hour)
		ledger.Apply(OrderStatusEvent{
			RequestId:  "edge",
			UpdateTime: timePtr(now.Add(-time.Hour)),
		})

		removed := ledger.SweepExpired(now)

		assert.Equal(t, 0, removed)
	})
}

func TestLedger_Snapshot(t *testing.T) {
	ledger := NewLedger(0)

	ledger.Apply(OrderStatusEvent{RequestId: "r1", Status: StatusPending})
	ledger.Apply(OrderStatusEvent{RequestId: "r2", Status: StatusPending})
	ledger.Apply(OrderStatusEvent{RequestId: "r1", Status: StatusCompleted})

	snapshot := ledger.Snapshot()

	assert.Len(t, snapshot, 2)
	assert.Equal(t, "r1", snapshot[0].RequestId)
	assert.Equal(t, StatusCompleted, snapshot[0].Status)
	assert.Equal(t, "r2", snapshot[1].RequestId)
}
