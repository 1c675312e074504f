package notify

import (
	"sync"
	"time"

	"github.com/shopspring/decimal"
)

const DefaultExpiryWindow = time.Hour

// Entry is the latest known status of one logical order or pending
// request, shallow-merged from every event matching it.
type Entry struct {
	OrderId    *int64
	RequestId  string
	UserId     *int64
	Status     Status
	TotalPrice *decimal.Decimal
	Message    string
	UpdateTime *time.Time
}

// Ledger tracks the most recent status of outstanding orders. Entries are
// indexed both by the permanent order id and by the provisional request id,
// so an entry stays addressable across the request-to-order promotion: both
// maps point at the same record.
type Ledger struct {
	expiryWindow time.Duration

	mu        sync.Mutex
	entries   []*Entry
	byOrder   map[int64]*Entry
	byRequest map[string]*Entry
}

func NewLedger(expiryWindow time.Duration) *Ledger {
	if expiryWindow <= 0 {
		expiryWindow = DefaultExpiryWindow
	}

	return &Ledger{
		expiryWindow: expiryWindow,
		byOrder:      make(map[int64]*Entry),
		byRequest:    make(map[string]*Entry),
	}
}

// Apply merges the event into the entry it identifies, creating the entry
// on first sight. Events carrying neither id are ignored.
func (l *Ledger) Apply(event OrderStatusEvent) {
	if !event.Identified() {
		return
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	entry := l.findLocked(event)
	if entry == nil {
		entry = &Entry{}
		l.entries = append(l.entries, entry)
	}

	l.mergeLocked(entry, event)
}

func (l *Ledger) findLocked(event OrderStatusEvent) *Entry {
	if event.OrderId != nil {
		if entry, ok := l.byOrder[*event.OrderId]; ok {
			return entry
		}
	}

	if event.RequestId != "" {
		if entry, ok := l.byRequest[event.RequestId]; ok {
			return entry
		}
	}

	return nil
}

func (l *Ledger) mergeLocked(entry *Entry, event OrderStatusEvent) {
	if event.OrderId != nil {
		entry.OrderId = event.OrderId
		l.byOrder[*event.OrderId] = entry
	}
	if event.RequestId != "" {
		entry.RequestId = event.RequestId
		l.byRequest[event.RequestId] = entry
	}
	if event.UserId != nil {
		entry.UserId = event.UserId
	}
	if event.Status != "" {
		entry.Status = event.Status
	}
	if event.TotalPrice != nil {
		entry.TotalPrice = event.TotalPrice
	}
	if event.Message != "" {
		entry.Message = event.Message
	}
	if event.UpdateTime != nil {
		entry.UpdateTime = event.UpdateTime
	}
}

// ByOrderId returns the entry tracked under the given order id.
func (l *Ledger) ByOrderId(orderId int64) (Entry, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()

	entry, ok := l.byOrder[orderId]
	if !ok {
		return Entry{}, false
	}

	return *entry, true
}

// ByRequestId returns the entry tracked under the given request id.
func (l *Ledger) ByRequestId(requestId string) (Entry, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()

	entry, ok := l.byRequest[requestId]
	if !ok {
		return Entry{}, false
	}

	return *entry, true
}

// Snapshot returns copies of all entries in first-seen order.
func (l *Ledger) Snapshot() []Entry {
	l.mu.Lock()
	defer l.mu.Unlock()

	snapshot := make([]Entry, 0, len(l.entries))
	for _, entry := range l.entries {
		snapshot = append(snapshot, *entry)
	}

	return snapshot
}

func (l *Ledger) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()

	return len(l.entries)
}

// SweepExpired drops entries whose UpdateTime is older than the expiry
// window at the given instant. Entries without an UpdateTime are never
// evicted automatically.
func (l *Ledger) SweepExpired(now time.Time) int {
	cutoff := now.Add(-l.expiryWindow)

	l.mu.Lock()
	defer l.mu.Unlock()

	kept := l.entries[:0]
	removed := 0

	for _, entry := range l.entries {
		if entry.UpdateTime != nil && entry.UpdateTime.Before(cutoff) {
			if entry.OrderId != nil {
				delete(l.byOrder, *entry.OrderId)
			}
			if entry.RequestId != "" {
				delete(l.byRequest, entry.RequestId)
			}
			removed++

			continue
		}

		kept = append(kept, entry)
	}

	l.entries = kept

	return removed
}
