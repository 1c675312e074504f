package notify

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"
)

type testTokens struct {
	token string
}

func (t testTokens) Token() (string, bool) {
	return t.token, t.token != ""
}

type serverConn struct {
	mu   sync.Mutex
	conn *websocket.Conn
}

func (c *serverConn) writeJSON(v any) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.conn.WriteJSON(v)
}

type notifServer struct {
	upgrader websocket.Upgrader

	mu         sync.Mutex
	conns      []*serverConn
	dials      int
	lastAuth   string
	subscribes map[string]int
}

func newNotifServer() *notifServer {
	return &notifServer{
		subscribes: make(map[string]int),
	}
}

func (s *notifServer) handler(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	s.dials++
	s.lastAuth = r.Header.Get("Authorization")
	s.mu.Unlock()

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}

	sc := &serverConn{conn: conn}
	s.mu.Lock()
	s.conns = append(s.conns, sc)
	s.mu.Unlock()

	for {
		var request Request
		if err := conn.ReadJSON(&request); err != nil {
			return
		}

		if request.Method == "subscribe" || request.Method == "unsubscribe" {
			var params SubscribeParams
			if request.Params != nil {
				json.Unmarshal(*request.Params, &params)
			}

			if request.Method == "subscribe" {
				s.mu.Lock()
				s.subscribes[params.Channel]++
				s.mu.Unlock()
			}
		}

		if request.ReplyExpected() {
			result := json.RawMessage(`{"ok":true}`)
			sc.writeJSON(Response{RequestId: request.Id, Result: &result})
		}
	}
}

func (s *notifServer) push(t *testing.T, channel string, payload any) {
	raw, err := json.Marshal(payload)
	assert.NoError(t, err)

	params, err := json.Marshal(Message{Channel: channel, Payload: raw})
	assert.NoError(t, err)

	rawParams := json.RawMessage(params)
	request := Request{Method: "broadcast", Params: &rawParams}

	s.mu.Lock()
	conns := append([]*serverConn(nil), s.conns...)
	s.mu.Unlock()

	for _, sc := range conns {
		sc.writeJSON(request)
	}
}

func (s *notifServer) pushRaw(data []byte) {
	s.mu.Lock()
	conns := append([]*serverConn(nil), s.conns...)
	s.mu.Unlock()

	for _, sc := range conns {
		sc.mu.Lock()
		sc.conn.WriteMessage(websocket.TextMessage, data)
		sc.mu.Unlock()
	}
}

func (s *notifServer) closeAll() {
	s.mu.Lock()
	conns := s.conns
	s.conns = nil
	s.mu.Unlock()

	for _, sc := range conns {
		sc.conn.Close()
	}
}

func (s *notifServer) dialCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.dials
}

func (s *notifServer) subscribeCount(channel string) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.subscribes[channel]
}

func (s *notifServer) auth() string {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.lastAuth
}

type statusCollector struct {
	mu       sync.Mutex
	statuses []ConnectionStatus
}

func (c *statusCollector) handler(payload any) {
	status, ok := payload.(ConnectionStatus)
	if !ok {
		return
	}

	c.mu.Lock()
	c.statuses = append(c.statuses, status)
	c.mu.Unlock()
}

func (c *statusCollector) all() []ConnectionStatus {
	c.mu.Lock()
	defer c.mu.Unlock()

	return append([]ConnectionStatus(nil), c.statuses...)
}

type eventCollector struct {
	mu     sync.Mutex
	events []OrderStatusEvent
}

func (c *eventCollector) handler(payload any) {
	event, ok := payload.(OrderStatusEvent)
	if !ok {
		return
	}

	c.mu.Lock()
	c.events = append(c.events, event)
	c.mu.Unlock()
}

func (c *eventCollector) all() []OrderStatusEvent {
	c.mu.Lock()
	defer c.mu.Unlock()

	return append([]OrderStatusEvent(nil), c.events...)
}

func wsURL(server *httptest.Server) string {
	return "ws" + strings.TrimPrefix(server.URL, "http")
}

func newTestConnection(logger *zap.Logger, url string, config Config) (*Connection, *Bus, *Subscriptions) {
	config.URL = url

	bus := NewBus(logger)
	subs := NewSubscriptions(logger, bus)
	conn := NewConnection(logger, config, bus, testTokens{token: "test-token"}, subs)

	return conn, bus, subs
}

func TestConnection_Connect(t *testing.T) {
	logger, _ := zap.NewDevelopment()

	t.Run("subscribes both channels and delivers updates", func(t *testing.T) {
		ns := newNotifServer()
		server := httptest.NewServer(http.HandlerFunc(ns.handler))
		defer server.Close()

		conn, bus, _ := newTestConnection(logger, wsURL(server), Config{})
		defer conn.Disconnect()

		events := &eventCollector{}
		bus.Subscribe(TopicOrderStatusUpdate, events.handler)

		var connected bool
		err := conn.Connect("12", Callbacks{OnConnect: func() { connected = true }})
		assert.NoError(t, err)
		assert.True(t, connected)
		assert.True(t, conn.IsConnected())
		assert.Equal(t, "Bearer test-token", ns.auth())

		assert.Eventually(t, func() bool {
			return ns.subscribeCount("/user/12/queue/order-updates") == 1 &&
				ns.subscribeCount("/topic/order-updates") == 1
		}, time.Second, 10*time.Millisecond)

		ns.push(t, "/user/12/queue/order-updates", OrderStatusEvent{
			RequestId: "r1",
			Status:    StatusProcessing,
		})

		assert.Eventually(t, func() bool {
			delivered := events.all()

			return len(delivered) == 1 && delivered[0].RequestId == "r1"
		}, time.Second, 10*time.Millisecond)
	})

	t.Run("second connect reuses the live session", func(t *testing.T) {
		ns := newNotifServer()
		server := httptest.NewServer(http.HandlerFunc(ns.handler))
		defer server.Close()

		conn, bus, _ := newTestConnection(logger, wsURL(server), Config{})
		defer conn.Disconnect()

		statuses := &statusCollector{}
		bus.Subscribe(TopicConnectionStatus, statuses.handler)

		var connects int
		callbacks := Callbacks{OnConnect: func() { connects++ }}

		assert.NoError(t, conn.Connect("12", callbacks))
		assert.NoError(t, conn.Connect("12", callbacks))

		assert.Equal(t, 2, connects)
		assert.Equal(t, 1, ns.dialCount())

		all := statuses.all()
		assert.Len(t, all, 2)
		assert.False(t, all[0].Reuse)
		assert.True(t, all[1].Reuse)
	})

	t.Run("connect without token still dials", func(t *testing.T) {
		ns := newNotifServer()
		server := httptest.NewServer(http.HandlerFunc(ns.handler))
		defer server.Close()

		bus := NewBus(logger)
		subs := NewSubscriptions(logger, bus)
		conn := NewConnection(logger, Config{URL: wsURL(server)}, bus, testTokens{}, subs)
		defer conn.Disconnect()

		assert.NoError(t, conn.Connect("12", Callbacks{}))
		assert.Equal(t, "", ns.auth())
	})

	t.Run("dial failure fires error callback and publishes status", func(t *testing.T) {
		server := httptest.NewServer(http.NotFoundHandler())
		server.Close()

		conn, bus, _ := newTestConnection(logger, wsURL(server), Config{
			ReconnectInterval:    time.Hour,
			MaxReconnectAttempts: 1,
		})

		statuses := &statusCollector{}
		bus.Subscribe(TopicConnectionStatus, statuses.handler)

		var callbackErr error
		err := conn.Connect("12", Callbacks{OnError: func(e error) { callbackErr = e }})

		assert.Error(t, err)
		assert.Error(t, callbackErr)
		assert.False(t, conn.IsConnected())

		all := statuses.all()
		assert.Len(t, all, 1)
		assert.False(t, all[0].Connected)
		assert.Error(t, all[0].Err)

		conn.Disconnect()
	})
}

func TestConnection_Disconnect(t *testing.T) {
	logger, _ := zap.NewDevelopment()

	t.Run("clears state and is a no-op when not connected", func(t *testing.T) {
		ns := newNotifServer()
		server := httptest.NewServer(http.HandlerFunc(ns.handler))
		defer server.Close()

		conn, _, subs := newTestConnection(logger, wsURL(server), Config{})

		conn.Disconnect()
		assert.False(t, conn.IsConnected())

		assert.NoError(t, conn.Connect("12", Callbacks{}))
		assert.True(t, conn.IsConnected())
		assert.Len(t, subs.Channels(), 2)

		conn.Disconnect()
		assert.False(t, conn.IsConnected())
		assert.Empty(t, subs.Channels())
	})

	t.Run("connect after disconnect rebinds both channels", func(t *testing.T) {
		ns := newNotifServer()
		server := httptest.NewServer(http.HandlerFunc(ns.handler))
		defer server.Close()

		conn, _, _ := newTestConnection(logger, wsURL(server), Config{})
		defer conn.Disconnect()

		assert.NoError(t, conn.Connect("12", Callbacks{}))
		conn.Disconnect()
		assert.NoError(t, conn.Connect("12", Callbacks{}))

		assert.Equal(t, 2, ns.dialCount())
		assert.Eventually(t, func() bool {
			return ns.subscribeCount("/user/12/queue/order-updates") == 2 &&
				ns.subscribeCount("/topic/order-updates") == 2
		}, time.Second, 10*time.Millisecond)
	})
}

func TestConnection_Reconnect(t *testing.T) {
	logger, _ := zap.NewDevelopment()

	t.Run("server close triggers reconnect and resubscribe", func(t *testing.T) {
		ns := newNotifServer()
		server := httptest.NewServer(http.HandlerFunc(ns.handler))
		defer server.Close()

		conn, bus, _ := newTestConnection(logger, wsURL(server), Config{
			ReconnectInterval: 20 * time.Millisecond,
		})
		defer conn.Disconnect()

		statuses := &statusCollector{}
		bus.Subscribe(TopicConnectionStatus, statuses.handler)

		var closes int
		var closeMu sync.Mutex
		assert.NoError(t, conn.Connect("12", Callbacks{OnClose: func() {
			closeMu.Lock()
			closes++
			closeMu.Unlock()
		}}))

		ns.closeAll()

		assert.Eventually(t, func() bool {
			t.Logf("DBG dials=%d connected=%v", ns.dialCount(), conn.IsConnected())
			return ns.dialCount() == 2 && conn.IsConnected()
		}, time.Second, 10*time.Millisecond)

		closeMu.Lock()
		assert.Equal(t, 1, closes)
		closeMu.Unlock()

		assert.Eventually(t, func() bool {
			t.Logf("DBG2 userq=%d topic=%d", ns.subscribeCount("/user/12/queue/order-updates"), ns.subscribeCount("/topic/order-updates"))
			return ns.subscribeCount("/user/12/queue/order-updates") == 2
		}, time.Second, 10*time.Millisecond)

		// Disconnected status published between the two connected ones.
		all := statuses.all()
		assert.GreaterOrEqual(t, len(all), 3)
		assert.True(t, all[0].Connected)
		assert.False(t, all[1].Connected)
	})

	t.Run("reconnect attempts stop at the cap", func(t *testing.T) {
		var mu sync.Mutex
		attempts := 0
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			mu.Lock()
			attempts++
			mu.Unlock()
			http.Error(w, "no websocket here", http.StatusBadRequest)
		}))
		defer server.Close()

		conn, _, _ := newTestConnection(logger, wsURL(server), Config{
			ReconnectInterval:    10 * time.Millisecond,
			MaxReconnectAttempts: 5,
		})

		err := conn.Connect("12", Callbacks{})
		assert.Error(t, err)

		// Initial attempt plus the five scheduled retries, then silence.
		assert.Eventually(t, func() bool {
			mu.Lock()
			defer mu.Unlock()

			return attempts == 6
		}, time.Second, 10*time.Millisecond)

		time.Sleep(100 * time.Millisecond)

		mu.Lock()
		assert.Equal(t, 6, attempts)
		mu.Unlock()

		// An explicit connect call starts a fresh bounded cycle.
		assert.Error(t, conn.Connect("12", Callbacks{}))
		assert.Eventually(t, func() bool {
			mu.Lock()
			defer mu.Unlock()

			return attempts > 6
		}, time.Second, 10*time.Millisecond)

		conn.Disconnect()
	})
}

func TestConnection_MalformedFrames(t *testing.T) {
	logger, _ := zap.NewDevelopment()

	ns := newNotifServer()
	server := httptest.NewServer(http.HandlerFunc(ns.handler))
	defer server.Close()

	conn, bus, _ := newTestConnection(logger, wsURL(server), Config{})
	defer conn.Disconnect()

	events := &eventCollector{}
	bus.Subscribe(TopicOrderStatusUpdate, events.handler)

	assert.NoError(t, conn.Connect("12", Callbacks{}))

	// Neither a garbage frame nor a garbage body may take the
	// connection down or reach the bus.
	ns.pushRaw([]byte("not-json"))
	ns.push(t, "/user/12/queue/order-updates", "just a string, not an event object")

	ns.push(t, "/user/12/queue/order-updates", OrderStatusEvent{
		RequestId: "r-ok",
		Status:    StatusCompleted,
	})

	assert.Eventually(t, func() bool {
		delivered := events.all()

		return len(delivered) == 1 && delivered[0].RequestId == "r-ok"
	}, time.Second, 10*time.Millisecond)

	assert.True(t, conn.IsConnected())
}
