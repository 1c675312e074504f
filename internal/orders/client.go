package orders

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/goevery/storefront/internal/ierr"
	gonanoid "github.com/matoous/go-nanoid/v2"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

const (
	defaultRetryInterval = 500 * time.Millisecond
	defaultMaxAttempts   = 3
)

// TokenSource supplies the bearer credential for order-service requests.
type TokenSource interface {
	Token() (string, bool)
}

// SubmitReceipt is the immediate response to an asynchronous order
// submission. The terminal outcome arrives later on the notification
// channel, correlated by RequestId.
type SubmitReceipt struct {
	RequestId string `json:"requestId"`
	Message   string `json:"message,omitempty"`
}

type OrderItem struct {
	BookId    int64           `json:"bookId"`
	BookTitle string          `json:"bookTitle"`
	Quantity  int             `json:"quantity"`
	Price     decimal.Decimal `json:"price"`
}

type Order struct {
	Id              int64           `json:"id"`
	Status          string          `json:"status"`
	TotalPrice      decimal.Decimal `json:"totalPrice"`
	OrderDate       time.Time       `json:"orderDate"`
	ShippingAddress string          `json:"shippingAddress,omitempty"`
	Items           []OrderItem     `json:"items,omitempty"`
}

type OrderPage struct {
	Content       []Order `json:"content"`
	TotalElements int64   `json:"totalElements"`
	TotalPages    int     `json:"totalPages"`
	Number        int     `json:"number"`
}

type ListParams struct {
	Page      *int
	Size      *int
	Sort      string
	StartDate string
	EndDate   string
	BookName  string
}

// Client talks to the external order-submission service. The service is a
// black box reachable only over its REST contract; transient failures are
// retried a bounded number of times at a fixed interval.
type Client struct {
	logger        *zap.Logger
	baseURL       string
	httpClient    *http.Client
	tokens        TokenSource
	retryInterval time.Duration
	maxAttempts   int
}

func NewClient(logger *zap.Logger, baseURL string, tokens TokenSource) *Client {
	return &Client{
		logger:        logger,
		baseURL:       baseURL,
		httpClient:    &http.Client{Timeout: 10 * time.Second},
		tokens:        tokens,
		retryInterval: defaultRetryInterval,
		maxAttempts:   defaultMaxAttempts,
	}
}

type createOrderRequest struct {
	RequestId       string `json:"requestId"`
	ShippingAddress string `json:"shippingAddress,omitempty"`
	BookId          *int64 `json:"bookId,omitempty"`
	Quantity        *int   `json:"quantity,omitempty"`
}

// CreateOrderAsync submits the caller's cart for asynchronous checkout.
// The request id is generated client-side so the outcome can be tracked
// before the backend assigns a permanent order id.
func (c *Client) CreateOrderAsync(ctx context.Context, shippingAddress string) (SubmitReceipt, error) {
	body := createOrderRequest{
		RequestId:       gonanoid.Must(),
		ShippingAddress: shippingAddress,
	}

	return c.submit(ctx, "/orders/create-async", body)
}

// CreateSingleOrderAsync submits a single-book order for asynchronous
// checkout.
func (c *Client) CreateSingleOrderAsync(ctx context.Context, bookId int64, quantity int, shippingAddress string) (SubmitReceipt, error) {
	body := createOrderRequest{
		RequestId:       gonanoid.Must(),
		ShippingAddress: shippingAddress,
		BookId:          &bookId,
		Quantity:        &quantity,
	}

	return c.submit(ctx, "/orders/create-single-async", body)
}

func (c *Client) submit(ctx context.Context, path string, body createOrderRequest) (SubmitReceipt, error) {
	var receipt SubmitReceipt
	if err := c.doJSON(ctx, http.MethodPost, path, nil, body, &receipt); err != nil {
		return SubmitReceipt{}, err
	}

	if receipt.RequestId == "" {
		// Older deployments do not echo the id; fall back to ours.
		receipt.RequestId = body.RequestId
	}

	c.logger.Info("async order submitted",
		zap.String("requestId", receipt.RequestId))

	return receipt, nil
}

// ListOrders fetches the caller's order history page.
func (c *Client) ListOrders(ctx context.Context, params ListParams) (OrderPage, error) {
	query := url.Values{}
	if params.Page != nil {
		query.Set("page", strconv.Itoa(*params.Page))
	}
	if params.Size != nil {
		query.Set("size", strconv.Itoa(*params.Size))
	}
	if params.Sort != "" {
		query.Set("sort", params.Sort)
	}
	if params.StartDate != "" {
		query.Set("startDate", params.StartDate)
	}
	if params.EndDate != "" {
		query.Set("endDate", params.EndDate)
	}
	if params.BookName != "" {
		query.Set("bookName", params.BookName)
	}

	var page OrderPage
	if err := c.doJSON(ctx, http.MethodGet, "/orders", query, nil, &page); err != nil {
		return OrderPage{}, err
	}

	return page, nil
}

func (c *Client) doJSON(ctx context.Context, method, path string, query url.Values, body any, out any) error {
	bo := backoff.NewConstantBackOff(c.retryInterval)

	var lastErr error

	for attempt := 1; attempt <= c.maxAttempts; attempt++ {
		err := c.doOnce(ctx, method, path, query, body, out)
		if err == nil {
			return nil
		}

		lastErr = err
		if !isTransient(err) {
			return err
		}

		if attempt == c.maxAttempts {
			break
		}

		sleep := bo.NextBackOff()
		if sleep == backoff.Stop {
			break
		}

		c.logger.Warn("order service request failed, retrying",
			zap.String("path", path),
			zap.Int("attempt", attempt),
			zap.Error(err))

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(sleep):
		}
	}

	return lastErr
}

func (c *Client) doOnce(ctx context.Context, method, path string, query url.Values, body any, out any) error {
	endpoint := c.baseURL + path
	if len(query) > 0 {
		endpoint += "?" + query.Encode()
	}

	var reader *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(raw)
	} else {
		reader = bytes.NewReader(nil)
	}

	request, err := http.NewRequestWithContext(ctx, method, endpoint, reader)
	if err != nil {
		return err
	}

	request.Header.Set("Content-Type", "application/json")
	if token, ok := c.tokens.Token(); ok {
		request.Header.Set("Authorization", "Bearer "+token)
	}

	response, err := c.httpClient.Do(request)
	if err != nil {
		return ierr.New(ierr.ErrorCodeUnavailable, err)
	}
	defer response.Body.Close()

	if response.StatusCode >= 400 {
		return statusError(response.StatusCode)
	}

	if out == nil {
		return nil
	}

	if err := json.NewDecoder(response.Body).Decode(out); err != nil {
		return ierr.New(ierr.ErrorCodeInternal, fmt.Errorf("decode order service response: %w", err))
	}

	return nil
}

func statusError(code int) error {
	cause := fmt.Errorf("order service returned status %d", code)

	switch {
	case code == http.StatusUnauthorized || code == http.StatusForbidden:
		return ierr.New(ierr.ErrorCodeUnauthenticated, cause)
	case code == http.StatusNotFound:
		return ierr.New(ierr.ErrorCodeNotFound, cause)
	case code >= 400 && code < 500:
		return ierr.New(ierr.ErrorCodeInvalidArgument, cause)
	default:
		return ierr.New(ierr.ErrorCodeUnavailable, cause)
	}
}

func isTransient(err error) bool {
	var typed ierr.Error
	if errors.As(err, &typed) {
		return typed.Code == ierr.ErrorCodeUnavailable
	}

	return false
}
