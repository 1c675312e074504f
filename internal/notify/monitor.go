package notify

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

const (
	DefaultRealityCheckInterval = 7 * time.Second
	DefaultSweepInterval        = 5 * time.Minute
)

// Archiver persists delivered order updates for the order activity rail.
// A nil archiver disables archiving.
type Archiver interface {
	Archive(ctx context.Context, event OrderStatusEvent) error
}

type MonitorConfig struct {
	RealityCheckInterval time.Duration
	SweepInterval        time.Duration
	ExpiryWindow         time.Duration
}

func (c MonitorConfig) withDefaults() MonitorConfig {
	if c.RealityCheckInterval <= 0 {
		c.RealityCheckInterval = DefaultRealityCheckInterval
	}
	if c.SweepInterval <= 0 {
		c.SweepInterval = DefaultSweepInterval
	}

	return c
}

// Monitor reconciles push-delivered order updates against its own ledger
// for one authenticated session. It owns the ledger and its timers; it
// does NOT own the connection, which is process-wide and survives the
// monitor. Stop therefore never tears the transport down.
type Monitor struct {
	logger   *zap.Logger
	config   MonitorConfig
	bus      *Bus
	conn     *Connection
	ledger   *Ledger
	archiver Archiver

	connected atomic.Bool

	mu      sync.Mutex
	userId  string
	started bool
	unsubs  []func()
	done    chan struct{}
}

func NewMonitor(
	logger *zap.Logger,
	config MonitorConfig,
	bus *Bus,
	conn *Connection,
	archiver Archiver,
) *Monitor {
	config = config.withDefaults()

	return &Monitor{
		logger:   logger,
		config:   config,
		bus:      bus,
		conn:     conn,
		ledger:   NewLedger(config.ExpiryWindow),
		archiver: archiver,
	}
}

// Start wires the monitor to the bus, triggers the connection for the
// given user and starts the reality-check and sweep timers.
func (m *Monitor) Start(userId string) error {
	m.mu.Lock()
	if m.started {
		m.mu.Unlock()

		return nil
	}
	m.started = true
	m.userId = userId
	m.done = make(chan struct{})

	m.unsubs = []func(){
		m.bus.Subscribe(TopicOrderStatusUpdate, m.handleOrderUpdate),
		m.bus.Subscribe(TopicConnectionStatus, m.handleConnectionStatus),
	}
	m.mu.Unlock()

	go m.run(m.done)

	return m.Connect()
}

// Stop removes the monitor's bus subscriptions and timers. The shared
// connection keeps running so notifications survive navigation.
func (m *Monitor) Stop() {
	m.mu.Lock()
	if !m.started {
		m.mu.Unlock()

		return
	}
	m.started = false

	unsubs := m.unsubs
	m.unsubs = nil
	close(m.done)
	m.mu.Unlock()

	for _, unsub := range unsubs {
		unsub()
	}
}

// Connect triggers the shared connection for the monitor's user. Errors
// are surfaced through the connectivity indicator, not thrown to the UI.
func (m *Monitor) Connect() error {
	m.mu.Lock()
	userId := m.userId
	m.mu.Unlock()

	return m.conn.Connect(userId, Callbacks{
		OnConnect: func() {
			m.connected.Store(true)
		},
		OnError: func(err error) {
			m.connected.Store(false)
		},
		OnClose: func() {
			m.connected.Store(false)
		},
	})
}

// Disconnect tears the shared transport down. Only the logout path calls
// this; view teardown goes through Stop.
func (m *Monitor) Disconnect() {
	m.conn.Disconnect()
	m.connected.Store(false)
}

// Connected is the reactive connectivity indicator: updated by bus events
// and reconciled against the connection's ground truth by the
// reality-check timer in case a callback was missed.
func (m *Monitor) Connected() bool {
	return m.connected.Load()
}

// OrderStatus looks up the latest known entry for an order id.
func (m *Monitor) OrderStatus(orderId int64) (Entry, bool) {
	return m.ledger.ByOrderId(orderId)
}

// RequestStatus looks up the latest known entry for a provisional
// request id.
func (m *Monitor) RequestStatus(requestId string) (Entry, bool) {
	return m.ledger.ByRequestId(requestId)
}

// Updates returns a snapshot of all tracked order updates.
func (m *Monitor) Updates() []Entry {
	return m.ledger.Snapshot()
}

func (m *Monitor) handleOrderUpdate(payload any) {
	event, ok := payload.(OrderStatusEvent)
	if !ok {
		return
	}

	m.ledger.Apply(event)

	if m.archiver != nil {
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()

			if err := m.archiver.Archive(ctx, event); err != nil {
				m.logger.Warn("failed to archive order update", zap.Error(err))
			}
		}()
	}
}

func (m *Monitor) handleConnectionStatus(payload any) {
	status, ok := payload.(ConnectionStatus)
	if !ok {
		return
	}

	m.connected.Store(status.Connected)
}

func (m *Monitor) run(done chan struct{}) {
	realityCheck := time.NewTicker(m.config.RealityCheckInterval)
	defer realityCheck.Stop()

	sweep := time.NewTicker(m.config.SweepInterval)
	defer sweep.Stop()

	for {
		select {
		case <-done:
			return
		case <-realityCheck.C:
			actual := m.conn.IsConnected()
			if m.connected.Swap(actual) != actual {
				m.logger.Debug("connectivity indicator reconciled",
					zap.Bool("connected", actual))
			}
		case <-sweep.C:
			if removed := m.ledger.SweepExpired(time.Now()); removed > 0 {
				m.logger.Debug("expired order updates swept",
					zap.Int("removed", removed))
			}
		}
	}
}
