package notify

import (
	"encoding/json"
	"sync"

	"go.uber.org/zap"
)

// PublicChannel is the broadcast topic every client may observe; it exists
// for informational and admin use. The private per-user queue is built by
// UserChannel. Both values are server-contract strings.
const PublicChannel = "/topic/order-updates"

func UserChannel(userId string) string {
	return "/user/" + userId + "/queue/order-updates"
}

type subscribeSender interface {
	sendSubscribe(channel string) error
}

// Subscriptions tracks which channels are bound on the current connection
// and turns inbound channel messages into ORDER_STATUS_UPDATE bus events.
// Binding a channel twice on the same connection is a no-op; all flags are
// reset when the connection closes, so channels are re-bound after a
// reconnect.
type Subscriptions struct {
	logger *zap.Logger
	bus    *Bus

	mu         sync.Mutex
	subscribed map[string]bool
}

func NewSubscriptions(logger *zap.Logger, bus *Bus) *Subscriptions {
	return &Subscriptions{
		logger:     logger,
		bus:        bus,
		subscribed: make(map[string]bool),
	}
}

// EnsureUserSubscription binds the private per-user queue exactly once per
// connection lifetime.
func (s *Subscriptions) EnsureUserSubscription(sender subscribeSender, userId string) error {
	return s.ensure(sender, UserChannel(userId))
}

// EnsurePublicSubscription binds the public broadcast topic exactly once
// per connection lifetime.
func (s *Subscriptions) EnsurePublicSubscription(sender subscribeSender) error {
	return s.ensure(sender, PublicChannel)
}

func (s *Subscriptions) ensure(sender subscribeSender, channel string) error {
	s.mu.Lock()
	if s.subscribed[channel] {
		s.mu.Unlock()

		return nil
	}
	s.mu.Unlock()

	if err := sender.sendSubscribe(channel); err != nil {
		return err
	}

	s.mu.Lock()
	s.subscribed[channel] = true
	s.mu.Unlock()

	s.logger.Debug("channel subscribed", zap.String("channel", channel))

	return nil
}

// Channels returns the channels currently bound.
func (s *Subscriptions) Channels() []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	channels := make([]string, 0, len(s.subscribed))
	for channel := range s.subscribed {
		channels = append(channels, channel)
	}

	return channels
}

// Reset clears all subscribed flags. Called on every connection close so
// the next connect re-binds from scratch.
func (s *Subscriptions) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.subscribed = make(map[string]bool)
}

// Dispatch decodes a channel message's body as an OrderStatusEvent and
// republishes it on the bus. Unparseable bodies are logged and dropped;
// they never affect the connection.
func (s *Subscriptions) Dispatch(message Message) {
	s.mu.Lock()
	known := s.subscribed[message.Channel]
	s.mu.Unlock()

	if !known {
		s.logger.Debug("message for unbound channel dropped",
			zap.String("channel", message.Channel))

		return
	}

	var event OrderStatusEvent
	if err := json.Unmarshal(message.Payload, &event); err != nil {
		s.logger.Error("order update body unparseable, dropped",
			zap.String("channel", message.Channel),
			zap.Error(err))

		return
	}

	s.bus.Publish(TopicOrderStatusUpdate, event)
}
