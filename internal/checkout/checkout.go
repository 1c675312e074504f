package checkout

import (
	"context"
	"errors"
	"time"

	"github.com/goevery/storefront/internal/ierr"
	"github.com/goevery/storefront/internal/notify"
	"github.com/goevery/storefront/internal/orders"
	"go.uber.org/zap"
)

const (
	DefaultPollInterval = 2 * time.Second
	DefaultTimeout      = 15 * time.Second
)

// ErrOutcomePending means the 15-second wait budget elapsed before a
// terminal status arrived; the order may still complete and the user
// should check the orders page manually.
var ErrOutcomePending = errors.New("order outcome still pending")

// StatusSource is the slice of the status monitor the checkout flow
// queries. Lookups are pure reads; polling repeatedly has no side effects.
type StatusSource interface {
	RequestStatus(requestId string) (notify.Entry, bool)
	Connected() bool
}

type Submitter interface {
	CreateOrderAsync(ctx context.Context, shippingAddress string) (orders.SubmitReceipt, error)
	CreateSingleOrderAsync(ctx context.Context, bookId int64, quantity int, shippingAddress string) (orders.SubmitReceipt, error)
}

type Config struct {
	PollInterval time.Duration
	Timeout      time.Duration
}

func (c Config) withDefaults() Config {
	if c.PollInterval <= 0 {
		c.PollInterval = DefaultPollInterval
	}
	if c.Timeout <= 0 {
		c.Timeout = DefaultTimeout
	}

	return c
}

// Outcome is the resolved result of an asynchronous order submission.
// Failed outcomes carry the server's message verbatim on the entry.
type Outcome struct {
	Entry     notify.Entry
	Succeeded bool
}

// Service submits orders asynchronously and resolves their outcome
// through the notification ledger.
type Service struct {
	logger    *zap.Logger
	config    Config
	submitter Submitter
	statuses  StatusSource
}

func NewService(
	logger *zap.Logger,
	config Config,
	submitter Submitter,
	statuses StatusSource,
) *Service {
	return &Service{
		logger:    logger,
		config:    config.withDefaults(),
		submitter: submitter,
		statuses:  statuses,
	}
}

// CheckoutCart submits the cart and waits for the pushed outcome.
func (s *Service) CheckoutCart(ctx context.Context, shippingAddress string) (Outcome, error) {
	receipt, err := s.submitter.CreateOrderAsync(ctx, shippingAddress)
	if err != nil {
		return Outcome{}, err
	}

	return s.AwaitOutcome(ctx, receipt.RequestId)
}

// CheckoutSingleBook submits a single-book order and waits for the
// pushed outcome.
func (s *Service) CheckoutSingleBook(ctx context.Context, bookId int64, quantity int, shippingAddress string) (Outcome, error) {
	receipt, err := s.submitter.CreateSingleOrderAsync(ctx, bookId, quantity, shippingAddress)
	if err != nil {
		return Outcome{}, err
	}

	return s.AwaitOutcome(ctx, receipt.RequestId)
}

// AwaitOutcome polls the ledger for the request's terminal status within
// a fixed budget. The budget runs regardless of real connectivity; when
// the transport is known to be down the discrepancy is logged rather than
// second-guessed, since the user-visible timeout behavior must not change.
func (s *Service) AwaitOutcome(ctx context.Context, requestId string) (Outcome, error) {
	if !s.statuses.Connected() {
		s.logger.Warn("awaiting order outcome while notifications are disconnected",
			zap.String("requestId", requestId))
	}

	deadline := time.NewTimer(s.config.Timeout)
	defer deadline.Stop()

	poll := time.NewTicker(s.config.PollInterval)
	defer poll.Stop()

	// Immediate first check; the update may already have landed.
	if outcome, done := s.check(requestId); done {
		return outcome, nil
	}

	for {
		select {
		case <-ctx.Done():
			return Outcome{}, ctx.Err()
		case <-deadline.C:
			s.logger.Warn("order outcome wait timed out",
				zap.String("requestId", requestId),
				zap.Duration("timeout", s.config.Timeout))

			return Outcome{}, ierr.New(ierr.ErrorCodeDeadlineExceeded, ErrOutcomePending)
		case <-poll.C:
			if outcome, done := s.check(requestId); done {
				return outcome, nil
			}
		}
	}
}

func (s *Service) check(requestId string) (Outcome, bool) {
	entry, ok := s.statuses.RequestStatus(requestId)
	if !ok {
		return Outcome{}, false
	}

	switch entry.Status {
	case notify.StatusPending, notify.StatusCompleted:
		return Outcome{Entry: entry, Succeeded: true}, true
	case notify.StatusFailed:
		return Outcome{Entry: entry, Succeeded: false}, true
	}

	return Outcome{}, false
}
