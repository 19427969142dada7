// Package broker provides the Tradier order feed used to import executed
// trades into the ledger.
package broker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/eddiefleurent/scranton_autopilot/internal/logging"
)

const (
	sandboxBaseURL    = "https://sandbox.tradier.com/v1"
	productionBaseURL = "https://api.tradier.com/v1"
	defaultTimeout    = 10 * time.Second
	maxErrorBody      = 64 << 10
	lowRateLimit      = 10
)

// APIError is a non-2xx response from Tradier.
type APIError struct {
	Status     int
	Body       string
	RetryAfter time.Duration
}

func (e *APIError) Error() string {
	if e.RetryAfter > 0 {
		return fmt.Sprintf("API error %d: %s (retry after %v)", e.Status, e.Body, e.RetryAfter)
	}
	return fmt.Sprintf("API error %d: %s", e.Status, e.Body)
}

// StatusCode returns the HTTP status of the failed request.
func (e *APIError) StatusCode() int { return e.Status }

// RateLimit is Tradier's quota as of the last response.
type RateLimit struct {
	Allowed   int
	Available int
	ResetAt   time.Time
}

// TradierAPI is a read-only client for the Tradier account endpoints.
type TradierAPI struct {
	client    *http.Client
	logger    logrus.FieldLogger
	apiKey    string
	baseURL   string
	accountID string
	timeout   time.Duration

	mu   sync.Mutex
	rate RateLimit
}

// NewTradierAPI returns a client for the sandbox or production host.
func NewTradierAPI(apiKey, accountID string, sandbox bool) *TradierAPI {
	return NewTradierAPIWithBaseURL(apiKey, accountID, sandbox, "")
}

// NewTradierAPIWithBaseURL returns a client for baseURL, or for the
// sandbox or production host when baseURL is empty.
func NewTradierAPIWithBaseURL(apiKey, accountID string, sandbox bool, baseURL string) *TradierAPI {
	switch {
	case baseURL != "":
	case sandbox:
		baseURL = sandboxBaseURL
	default:
		baseURL = productionBaseURL
	}
	return &TradierAPI{
		client:    &http.Client{Timeout: defaultTimeout},
		logger:    logging.Discard(),
		apiKey:    apiKey,
		baseURL:   strings.TrimRight(baseURL, "/"),
		accountID: accountID,
		timeout:   defaultTimeout,
	}
}

// WithHTTPClient replaces the HTTP client, keeping the configured timeout
// when c has none.
func (t *TradierAPI) WithHTTPClient(c *http.Client) *TradierAPI {
	if c == nil {
		return t
	}
	if c.Timeout == 0 {
		c.Timeout = t.timeout
	}
	t.client = c
	return t
}

// WithTimeout sets the per-request timeout. Non-positive values are ignored.
func (t *TradierAPI) WithTimeout(d time.Duration) *TradierAPI {
	if d > 0 {
		t.timeout = d
		t.client.Timeout = d
	}
	return t
}

// WithLogger sets the logger used for rate-limit and transport diagnostics.
func (t *TradierAPI) WithLogger(l logrus.FieldLogger) *TradierAPI {
	if l != nil {
		t.logger = l
	}
	return t
}

// AccountID returns the account the client reads from.
func (t *TradierAPI) AccountID() string { return t.accountID }

// RateLimit returns the quota reported by the most recent response. The
// zero value means no response has carried rate-limit headers yet.
func (t *TradierAPI) RateLimit() RateLimit {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.rate
}

// GetOrdersCtx lists the account's orders including multileg legs and tags.
func (t *TradierAPI) GetOrdersCtx(ctx context.Context) ([]Order, error) {
	path := "/accounts/" + url.PathEscape(t.accountID) + "/orders"
	var env ordersEnvelope
	if err := t.get(ctx, path, url.Values{"includeTags": {"true"}}, &env); err != nil {
		return nil, err
	}
	return []Order(env.Orders.Order), nil
}

// get issues an authenticated GET for path and decodes the JSON body into
// out. An empty body or 204 leaves out untouched.
func (t *TradierAPI) get(ctx context.Context, path string, query url.Values, out any) error {
	target := t.baseURL + path
	if len(query) > 0 {
		target += "?" + query.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, http.NoBody)
	if err != nil {
		return fmt.Errorf("build request %s: %w", path, err)
	}
	req.Header.Set("Authorization", "Bearer "+t.apiKey)
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", "scranton-autopilot/1.0 (+tradier)")

	resp, err := t.client.Do(req)
	if err != nil {
		return err
	}
	defer func() {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxErrorBody))
		if cerr := resp.Body.Close(); cerr != nil {
			t.logger.WithError(cerr).Warn("Failed to close response body")
		}
	}()

	t.recordRateLimit(resp.Header)

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return t.apiError(path, resp)
	}
	if resp.StatusCode == http.StatusNoContent {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("decode %s: %w", path, err)
	}
	return nil
}

func (t *TradierAPI) apiError(path string, resp *http.Response) error {
	e := &APIError{Status: resp.StatusCode}
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	if err != nil {
		e.Body = "GET " + path + ": unreadable error body"
	} else {
		e.Body = fmt.Sprintf("GET %s: %s", path, strings.TrimSpace(string(body)))
	}
	if secs, err := strconv.Atoi(strings.TrimSpace(resp.Header.Get("Retry-After"))); err == nil && secs > 0 {
		e.RetryAfter = time.Duration(secs) * time.Second
	}
	return e
}

// recordRateLimit keeps the X-Ratelimit-* headers Tradier sends on every
// response and warns when the quota runs low.
func (t *TradierAPI) recordRateLimit(h http.Header) {
	available, err := strconv.Atoi(h.Get("X-Ratelimit-Available"))
	if err != nil {
		return
	}
	rl := RateLimit{Available: available}
	rl.Allowed, _ = strconv.Atoi(h.Get("X-Ratelimit-Allowed"))
	if ms, err := strconv.ParseInt(h.Get("X-Ratelimit-Expiry"), 10, 64); err == nil {
		rl.ResetAt = time.UnixMilli(ms).UTC()
	}

	t.mu.Lock()
	t.rate = rl
	t.mu.Unlock()

	log := t.logger.WithFields(logrus.Fields{"available": rl.Available, "allowed": rl.Allowed})
	if rl.Available < lowRateLimit {
		log.Warn("Tradier rate limit nearly exhausted")
		return
	}
	log.Debug("Tradier rate limit")
}
