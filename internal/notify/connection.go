package notify

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/goevery/storefront/internal/ierr"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	DefaultReconnectInterval    = 3000 * time.Millisecond
	DefaultMaxReconnectAttempts = 5
)

// TokenSource supplies the bearer credential attached to the handshake.
// A missing token does not prevent the connection attempt; the server
// rejects the handshake instead.
type TokenSource interface {
	Token() (string, bool)
}

type Callbacks struct {
	OnConnect func()
	OnError   func(error)
	OnClose   func()
}

type Config struct {
	URL                  string
	ReconnectInterval    time.Duration
	MaxReconnectAttempts int
}

func (c Config) withDefaults() Config {
	if c.ReconnectInterval <= 0 {
		c.ReconnectInterval = DefaultReconnectInterval
	}
	if c.MaxReconnectAttempts <= 0 {
		c.MaxReconnectAttempts = DefaultMaxReconnectAttempts
	}

	return c
}

// Connection owns the duplex transport to the notification server. It is
// process-wide: one live transport at most, surviving navigation between
// views. Connect is idempotent; reconnection after an unexpected close is
// bounded at a fixed interval and stops silently once the attempt cap is
// reached, after which only an explicit Connect call revives the session.
type Connection struct {
	logger *zap.Logger
	config Config
	bus    *Bus
	tokens TokenSource
	subs   *Subscriptions
	dialer *websocket.Dialer

	writeMu sync.Mutex

	mu                sync.Mutex
	conn              *websocket.Conn
	connected         bool
	userId            string
	callbacks         Callbacks
	reconnectAttempts int
	reconnectTimer    *time.Timer
	nextFrameId       uint64
}

func NewConnection(
	logger *zap.Logger,
	config Config,
	bus *Bus,
	tokens TokenSource,
	subs *Subscriptions,
) *Connection {
	return &Connection{
		logger: logger,
		config: config.withDefaults(),
		bus:    bus,
		tokens: tokens,
		subs:   subs,
		dialer: websocket.DefaultDialer,
	}
}

// Connect establishes the transport and binds the user's private queue and
// the public topic. When the session is already live it re-confirms the
// subscriptions and fires OnConnect synchronously without opening a second
// transport.
func (c *Connection) Connect(userId string, callbacks Callbacks) error {
	c.mu.Lock()
	c.userId = userId
	c.callbacks = callbacks

	if c.connected && c.conn != nil {
		c.mu.Unlock()

		c.logger.Debug("connection already established, reusing session")
		c.bus.Publish(TopicConnectionStatus, ConnectionStatus{Connected: true, Reuse: true})
		c.confirmSubscriptions(userId)

		if callbacks.OnConnect != nil {
			callbacks.OnConnect()
		}

		return nil
	}
	c.mu.Unlock()

	header := http.Header{}
	if token, ok := c.tokens.Token(); ok {
		header.Set("Authorization", "Bearer "+token)
	} else {
		c.logger.Warn("no bearer token available, server will reject the handshake")
	}

	conn, resp, err := c.dialer.Dial(c.config.URL, header)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	if err != nil {
		return c.handleDialFailure(err)
	}

	c.mu.Lock()
	if c.connected && c.conn != nil {
		// A concurrent Connect won the race; keep its transport.
		c.mu.Unlock()
		conn.Close()

		c.bus.Publish(TopicConnectionStatus, ConnectionStatus{Connected: true, Reuse: true})
		if callbacks.OnConnect != nil {
			callbacks.OnConnect()
		}

		return nil
	}

	c.conn = conn
	c.connected = true
	c.reconnectAttempts = 0
	c.mu.Unlock()

	c.logger.Info("notification connection established",
		zap.String("userId", userId))
	c.bus.Publish(TopicConnectionStatus, ConnectionStatus{Connected: true})
	c.confirmSubscriptions(userId)

	if callbacks.OnConnect != nil {
		callbacks.OnConnect()
	}

	go c.readLoop(conn)

	return nil
}

func (c *Connection) confirmSubscriptions(userId string) {
	if err := c.subs.EnsureUserSubscription(c, userId); err != nil {
		c.logger.Error("failed to subscribe user queue", zap.Error(err))
	}
	if err := c.subs.EnsurePublicSubscription(c); err != nil {
		c.logger.Error("failed to subscribe public topic", zap.Error(err))
	}
}

func (c *Connection) handleDialFailure(err error) error {
	wrapped := ierr.New(ierr.ErrorCodeUnavailable, err)

	c.logger.Error("notification connection failed", zap.Error(err))
	c.bus.Publish(TopicConnectionStatus, ConnectionStatus{Connected: false, Err: wrapped})

	c.mu.Lock()
	callbacks := c.callbacks
	c.mu.Unlock()

	if callbacks.OnError != nil {
		callbacks.OnError(wrapped)
	}

	// The transport never opened, so no close event will follow; the
	// failed attempt itself advances the bounded reconnect loop.
	c.scheduleReconnect()

	return wrapped
}

// Disconnect unsubscribes every bound channel, closes the transport and
// clears all connection state. Safe to call when not connected.
func (c *Connection) Disconnect() {
	c.mu.Lock()
	if c.reconnectTimer != nil {
		c.reconnectTimer.Stop()
		c.reconnectTimer = nil
	}
	c.reconnectAttempts = 0

	conn := c.conn
	c.conn = nil
	c.connected = false
	c.mu.Unlock()

	channels := c.subs.Channels()
	c.subs.Reset()

	if conn == nil {
		return
	}

	for _, channel := range channels {
		if err := c.writeRequestTo(conn, "unsubscribe", SubscribeParams{Channel: channel}); err != nil {
			c.logger.Debug("unsubscribe on disconnect failed",
				zap.String("channel", channel),
				zap.Error(err))
		}
	}

	conn.WriteControl(
		websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second),
	)
	conn.Close()

	c.logger.Info("notification connection closed by client")
}

// IsConnected returns the best-known connectivity state: the transport
// must exist and the last observed handshake state must be good.
func (c *Connection) IsConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.connected && c.conn != nil
}

func (c *Connection) readLoop(conn *websocket.Conn) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			c.handleClose(conn, err)

			return
		}

		var f frame
		if err := json.Unmarshal(data, &f); err != nil {
			c.logger.Error("unparseable frame dropped", zap.Error(err))

			continue
		}

		if f.isRequest() {
			c.handleServerRequest(f)

			continue
		}

		if response := f.asResponse(); response.IsFailure() {
			c.handleProtocolError(response)
		}
	}
}

func (c *Connection) handleServerRequest(f frame) {
	if f.Method != "broadcast" {
		c.logger.Warn("unexpected server method ignored", zap.String("method", f.Method))

		return
	}

	if f.Params == nil {
		c.logger.Error("broadcast frame without params dropped")

		return
	}

	var message Message
	if err := json.Unmarshal(*f.Params, &message); err != nil {
		c.logger.Error("broadcast params unparseable, dropped", zap.Error(err))

		return
	}

	c.subs.Dispatch(message)
}

// handleProtocolError covers server-side subscription or handshake
// rejection: the session is marked failed but the transport is left to the
// close path, which owns the retry.
func (c *Connection) handleProtocolError(response Response) {
	frameErr := errors.New(response.Error.Message)
	wrapped := ierr.New(ierr.ErrorCode(response.Error.Code), frameErr)

	c.logger.Error("notification server rejected request",
		zap.String("code", response.Error.Code),
		zap.String("requestId", response.RequestId))

	c.mu.Lock()
	c.connected = false
	callbacks := c.callbacks
	c.mu.Unlock()

	c.subs.Reset()
	c.bus.Publish(TopicConnectionStatus, ConnectionStatus{Connected: false, Err: wrapped})

	if callbacks.OnError != nil {
		callbacks.OnError(wrapped)
	}
}

func (c *Connection) handleClose(conn *websocket.Conn, cause error) {
	c.mu.Lock()
	if c.conn != conn {
		// A newer transport owns the session; this loop is stale.
		c.mu.Unlock()

		return
	}

	c.conn = nil
	c.connected = false
	callbacks := c.callbacks
	c.mu.Unlock()

	c.subs.Reset()

	c.logger.Info("notification connection closed", zap.Error(cause))
	c.bus.Publish(TopicConnectionStatus, ConnectionStatus{Connected: false})

	if callbacks.OnClose != nil {
		callbacks.OnClose()
	}

	c.scheduleReconnect()
}

func (c *Connection) scheduleReconnect() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.reconnectAttempts >= c.config.MaxReconnectAttempts {
		c.logger.Warn("reconnect attempt limit reached, giving up",
			zap.Int("attempts", c.reconnectAttempts))

		return
	}

	c.reconnectAttempts++
	attempt := c.reconnectAttempts
	userId := c.userId
	callbacks := c.callbacks

	c.logger.Info("scheduling reconnect",
		zap.Int("attempt", attempt),
		zap.Int("max", c.config.MaxReconnectAttempts),
		zap.Duration("interval", c.config.ReconnectInterval))

	c.reconnectTimer = time.AfterFunc(c.config.ReconnectInterval, func() {
		if err := c.Connect(userId, callbacks); err != nil {
			c.logger.Debug("reconnect attempt failed", zap.Error(err))
		}
	})
}

// sendSubscribe implements the subscription registry's sender.
func (c *Connection) sendSubscribe(channel string) error {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()

	if conn == nil {
		return ierr.New(ierr.ErrorCodeFailedPrecondition, errors.New("not connected"))
	}

	return c.writeRequestTo(conn, "subscribe", SubscribeParams{Channel: channel})
}

func (c *Connection) writeRequestTo(conn *websocket.Conn, method string, params any) error {
	rawParams, err := json.Marshal(params)
	if err != nil {
		return err
	}

	payload := json.RawMessage(rawParams)

	c.mu.Lock()
	c.nextFrameId++
	id := strconv.FormatUint(c.nextFrameId, 10)
	c.mu.Unlock()

	request := Request{
		Id:     id,
		Method: method,
		Params: &payload,
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	return conn.WriteJSON(request)
}
