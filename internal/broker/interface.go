package broker

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/sony/gobreaker"

	"github.com/eddiefleurent/scranton_autopilot/internal/logging"
)

// Broker is the read side of a brokerage account: the order feed that
// ingest turns into ledger transactions.
type Broker interface {
	GetOrders(ctx context.Context) ([]Order, error)
}

// TradierClient adapts TradierAPI to Broker.
type TradierClient struct {
	*TradierAPI
}

// NewTradierClient builds a Broker for one Tradier account. An empty
// baseURL selects the sandbox or production host; a zero timeout keeps
// the API default.
func NewTradierClient(apiKey, accountID string, sandbox bool, baseURL string, timeout time.Duration) *TradierClient {
	api := NewTradierAPIWithBaseURL(apiKey, accountID, sandbox, baseURL)
	return &TradierClient{TradierAPI: api.WithTimeout(timeout)}
}

// GetOrders implements Broker.
func (tc *TradierClient) GetOrders(ctx context.Context) ([]Order, error) {
	return tc.GetOrdersCtx(ctx)
}

// IsPermanentAPIError reports whether err is a client error that will not
// go away on retry: any 4xx except 429.
func IsPermanentAPIError(err error) bool {
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		return false
	}
	s := apiErr.Status
	return s >= http.StatusBadRequest && s < http.StatusInternalServerError && s != http.StatusTooManyRequests
}

// CircuitBreakerSettings tunes the breaker in front of the order feed.
type CircuitBreakerSettings struct {
	Logger       logrus.FieldLogger
	MaxRequests  uint32        // probes allowed while half-open
	Interval     time.Duration // closed-state count reset period
	Timeout      time.Duration // how long the breaker stays open
	MinRequests  uint32        // requests seen before the ratio is judged
	FailureRatio float64
}

// DefaultCircuitBreakerSettings trip after 60% of at least 5 requests fail
// within a minute and hold the breaker open for 30s.
var DefaultCircuitBreakerSettings = CircuitBreakerSettings{
	MaxRequests:  3,
	Interval:     time.Minute,
	Timeout:      30 * time.Second,
	MinRequests:  5,
	FailureRatio: 0.6,
}

// CircuitBreakerBroker stops calling a failing feed until it has had time
// to recover. Permanent API errors and caller cancellations do not count
// against the feed.
type CircuitBreakerBroker struct {
	broker  Broker
	breaker *gobreaker.CircuitBreaker
}

// NewCircuitBreakerBroker wraps b with DefaultCircuitBreakerSettings.
func NewCircuitBreakerBroker(b Broker) *CircuitBreakerBroker {
	return NewCircuitBreakerBrokerWithSettings(b, DefaultCircuitBreakerSettings)
}

// NewCircuitBreakerBrokerWithSettings wraps b with a breaker tuned by s.
func NewCircuitBreakerBrokerWithSettings(b Broker, s CircuitBreakerSettings) *CircuitBreakerBroker {
	logger := s.Logger
	if logger == nil {
		logger = logging.Discard()
	}
	minRequests, ratio := s.MinRequests, s.FailureRatio

	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "tradier-orders",
		MaxRequests: s.MaxRequests,
		Interval:    s.Interval,
		Timeout:     s.Timeout,
		ReadyToTrip: func(c gobreaker.Counts) bool {
			if c.Requests == 0 || c.Requests < minRequests {
				return false
			}
			return float64(c.TotalFailures)/float64(c.Requests) >= ratio
		},
		IsSuccessful: feedHealthy,
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.WithFields(logrus.Fields{
				"breaker": name,
				"from":    from.String(),
				"to":      to.String(),
			}).Warn("Circuit breaker state changed")
		},
	})
	return &CircuitBreakerBroker{broker: b, breaker: cb}
}

// feedHealthy decides which call outcomes leave the breaker's failure
// count alone.
func feedHealthy(err error) bool {
	return err == nil ||
		errors.Is(err, context.Canceled) ||
		IsPermanentAPIError(err)
}

// State returns the breaker's current state.
func (c *CircuitBreakerBroker) State() gobreaker.State {
	return c.breaker.State()
}

// GetOrders calls the wrapped feed unless the breaker is open, in which
// case it fails fast with gobreaker.ErrOpenState.
func (c *CircuitBreakerBroker) GetOrders(ctx context.Context) ([]Order, error) {
	res, err := c.breaker.Execute(func() (interface{}, error) {
		return c.broker.GetOrders(ctx)
	})
	if err != nil {
		return nil, err
	}
	orders, _ := res.([]Order)
	return orders, nil
}

var (
	_ Broker = (*TradierClient)(nil)
	_ Broker = (*CircuitBreakerBroker)(nil)
)
