package broker

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sirupsen/logrus/hooks/test"
)

func TestAPIError_Error(t *testing.T) {
	err := &APIError{Status: 404, Body: "GET /x: not found"}
	if got, want := err.Error(), "API error 404: GET /x: not found"; got != want {
		t.Fatalf("Error() = %q, want %q", got, want)
	}
	err = &APIError{Status: 429, Body: "slow down", RetryAfter: 7 * time.Second}
	if got, want := err.Error(), "API error 429: slow down (retry after 7s)"; got != want {
		t.Fatalf("Error() = %q, want %q", got, want)
	}
	if err.StatusCode() != 429 {
		t.Fatalf("StatusCode() = %d", err.StatusCode())
	}
}

func TestNewTradierAPIWithBaseURL_Defaults(t *testing.T) {
	tests := []struct {
		name        string
		sandbox     bool
		baseURL     string
		wantBaseURL string
	}{
		{"sandbox default", true, "", "https://sandbox.tradier.com/v1"},
		{"production default", false, "", "https://api.tradier.com/v1"},
		{"custom baseURL trimmed", true, "https://example.test/api/", "https://example.test/api"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			api := NewTradierAPIWithBaseURL("k", "acc", tt.sandbox, tt.baseURL)
			if api.baseURL != tt.wantBaseURL {
				t.Fatalf("baseURL = %q, want %q", api.baseURL, tt.wantBaseURL)
			}
			if api.client.Timeout != defaultTimeout {
				t.Fatalf("client timeout = %v, want %v", api.client.Timeout, defaultTimeout)
			}
		})
	}
}

func TestWithTimeoutAndHTTPClient(t *testing.T) {
	api := NewTradierAPI("k", "acc", true).WithTimeout(0)
	if api.timeout != defaultTimeout {
		t.Fatalf("timeout = %v, want default", api.timeout)
	}
	api.WithTimeout(3 * time.Second)
	if api.client.Timeout != 3*time.Second {
		t.Fatalf("client timeout = %v, want 3s", api.client.Timeout)
	}

	custom := &http.Client{}
	api.WithHTTPClient(custom).WithHTTPClient(nil)
	if api.client != custom || custom.Timeout != 3*time.Second {
		t.Fatalf("custom client not installed with timeout: %+v", api.client)
	}
}

func newTestAPIWithServer(handler http.HandlerFunc) (*TradierAPI, *httptest.Server) {
	s := httptest.NewServer(handler)
	api := NewTradierAPIWithBaseURL("test-key", "ACC123", false, s.URL)
	return api.WithHTTPClient(s.Client()), s
}

func TestGet_SendsHeadersAndDecodes(t *testing.T) {
	api, srv := newTestAPIWithServer(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			t.Errorf("method = %s, want GET", r.Method)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer test-key" {
			t.Errorf("Authorization = %q", got)
		}
		if got := r.Header.Get("Accept"); got != "application/json" {
			t.Errorf("Accept = %q", got)
		}
		if got := r.URL.Query().Get("x"); got != "1" {
			t.Errorf("query x = %q, want 1", got)
		}
		_, _ = w.Write([]byte(`{"foo":"bar"}`))
	})
	defer srv.Close()

	var out struct {
		Foo string `json:"foo"`
	}
	if err := api.get(context.Background(), "/ok", url.Values{"x": {"1"}}, &out); err != nil {
		t.Fatalf("get error: %v", err)
	}
	if out.Foo != "bar" {
		t.Fatalf("decoded = %+v, want Foo=bar", out)
	}
}

func TestGet_Non2xxReturnsAPIError(t *testing.T) {
	api, srv := newTestAPIWithServer(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Retry-After", "7")
		http.Error(w, "slow down", http.StatusTooManyRequests)
	})
	defer srv.Close()

	err := api.get(context.Background(), "/err", nil, &struct{}{})
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("error type = %T, want *APIError", err)
	}
	if apiErr.Status != http.StatusTooManyRequests || apiErr.RetryAfter != 7*time.Second {
		t.Fatalf("apiErr = %+v", apiErr)
	}
	if !strings.Contains(apiErr.Body, "GET /err: slow down") {
		t.Fatalf("body = %q", apiErr.Body)
	}
	if IsPermanentAPIError(err) {
		t.Fatalf("429 must not be permanent")
	}
}

func TestGet_EmptyBodyAndNoContent(t *testing.T) {
	api, srv := newTestAPIWithServer(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/none" {
			w.WriteHeader(http.StatusNoContent)
		}
	})
	defer srv.Close()

	var out map[string]any
	if err := api.get(context.Background(), "/empty", nil, &out); err != nil {
		t.Fatalf("empty body should decode as nothing, got %v", err)
	}
	if err := api.get(context.Background(), "/none", nil, &out); err != nil {
		t.Fatalf("204 should return nil, got %v", err)
	}
	if out != nil {
		t.Fatalf("out = %v, want untouched", out)
	}
}

func TestGet_MalformedJSON(t *testing.T) {
	api, srv := newTestAPIWithServer(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"orders":`))
	})
	defer srv.Close()

	if _, err := api.GetOrdersCtx(context.Background()); err == nil || !strings.Contains(err.Error(), "decode") {
		t.Fatalf("err = %v, want decode error", err)
	}
}

func TestRateLimitTracking(t *testing.T) {
	reset := time.Date(2025, 1, 6, 15, 0, 0, 0, time.UTC)
	var available atomic.Int32
	available.Store(118)
	api, srv := newTestAPIWithServer(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Ratelimit-Allowed", "120")
		w.Header().Set("X-Ratelimit-Available", strconv.Itoa(int(available.Load())))
		w.Header().Set("X-Ratelimit-Expiry", "1736175600000")
		_, _ = w.Write([]byte(`{"orders":"null"}`))
	})
	defer srv.Close()
	logger, hook := test.NewNullLogger()
	api.WithLogger(logger)

	if got := api.RateLimit(); got != (RateLimit{}) {
		t.Fatalf("initial rate limit = %+v, want zero", got)
	}
	if _, err := api.GetOrdersCtx(context.Background()); err != nil {
		t.Fatalf("GetOrdersCtx error: %v", err)
	}
	rl := api.RateLimit()
	if rl.Allowed != 120 || rl.Available != 118 || !rl.ResetAt.Equal(reset) {
		t.Fatalf("rate limit = %+v", rl)
	}
	if len(hook.AllEntries()) != 0 {
		t.Fatalf("unexpected warning: %+v", hook.LastEntry())
	}

	available.Store(3)
	if _, err := api.GetOrdersCtx(context.Background()); err != nil {
		t.Fatalf("GetOrdersCtx error: %v", err)
	}
	if e := hook.LastEntry(); e == nil || e.Message != "Tradier rate limit nearly exhausted" {
		t.Fatalf("expected low-quota warning, got %+v", e)
	}
}

const multilegOrders = `{"orders":{"order":[
 {"id":5001,"type":"credit","symbol":"SPY","side":"buy","quantity":1.0,"status":"filled","duration":"day",
  "price":1.10,"avg_fill_price":1.12,"exec_quantity":1.0,"create_date":"2025-01-06T14:29:58.120Z",
  "transaction_date":"2025-01-06T14:30:00.000Z","class":"multileg","num_legs":2,"strategy":"spread","tag":"senex",
  "leg":[
   {"id":5002,"type":"credit","symbol":"SPY","side":"sell_to_open","quantity":1.0,"status":"filled","avg_fill_price":2.50,
    "exec_quantity":1.0,"transaction_date":"2025-01-06T14:30:00.000Z","class":"option","option_symbol":"SPY250117P00450000"},
   {"id":5003,"type":"credit","symbol":"SPY","side":"buy_to_open","quantity":1.0,"status":"filled","avg_fill_price":1.38,
    "exec_quantity":1.0,"transaction_date":"2025-01-06T14:30:00.000Z","class":"option","option_symbol":"SPY250117P00445000"}
  ]},
 {"id":6001,"type":"market","symbol":"AAPL","side":"buy","quantity":100.0,"status":"canceled","class":"equity",
  "create_date":"2025-01-07T15:00:00.000Z"}
]}}`

func TestGetOrdersCtx_MultilegArray(t *testing.T) {
	api, srv := newTestAPIWithServer(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/accounts/ACC123/orders" {
			t.Errorf("path = %s", r.URL.Path)
		}
		if r.URL.Query().Get("includeTags") != "true" {
			t.Errorf("includeTags missing: %s", r.URL.RawQuery)
		}
		_, _ = w.Write([]byte(multilegOrders))
	})
	defer srv.Close()

	orders, err := api.GetOrdersCtx(context.Background())
	if err != nil {
		t.Fatalf("GetOrdersCtx error: %v", err)
	}
	if len(orders) != 2 {
		t.Fatalf("len(orders) = %d, want 2", len(orders))
	}
	spread := orders[0]
	if spread.Class != ClassMultileg || len(spread.Legs) != 2 || spread.Tag != "senex" {
		t.Fatalf("spread = %+v, want tagged multileg with 2 legs", spread)
	}
	if spread.Legs[0].OptionSymbol != "SPY250117P00450000" || spread.Legs[1].Side != "buy_to_open" {
		t.Fatalf("legs decoded wrong: %+v", spread.Legs)
	}
	if !spread.IsFilled() || orders[1].IsFilled() {
		t.Fatalf("IsFilled mismatch: %v %v", spread.IsFilled(), orders[1].IsFilled())
	}
	at, err := spread.ExecutedAt()
	if err != nil {
		t.Fatalf("ExecutedAt error: %v", err)
	}
	if want := time.Date(2025, 1, 6, 14, 30, 0, 0, time.UTC); !at.Equal(want) {
		t.Fatalf("ExecutedAt = %v, want %v", at, want)
	}
	at, err = orders[1].ExecutedAt()
	if err != nil || at.Day() != 7 {
		t.Fatalf("ExecutedAt fallback to create_date = %v, %v", at, err)
	}
}

func TestGetOrdersCtx_SingleAndNull(t *testing.T) {
	tests := []struct {
		name     string
		body     string
		want     int
		wantLegs int
	}{
		{"single object", `{"orders":{"order":{"id":1,"symbol":"SPY","side":"sell_to_open","status":"filled","class":"option","option_symbol":"SPY250117P00450000"}}}`, 1, 0},
		{"quoted null", `{"orders":"null"}`, 0, 0},
		{"bare null", `{"orders":null}`, 0, 0},
		{"single leg object", `{"orders":{"order":{"id":2,"class":"multileg","status":"filled","leg":{"id":3,"side":"sell_to_open"}}}}`, 1, 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			api, srv := newTestAPIWithServer(func(w http.ResponseWriter, r *http.Request) {
				_, _ = w.Write([]byte(tt.body))
			})
			defer srv.Close()

			orders, err := api.GetOrdersCtx(context.Background())
			if err != nil {
				t.Fatalf("GetOrdersCtx error: %v", err)
			}
			if len(orders) != tt.want {
				t.Fatalf("len(orders) = %d, want %d", len(orders), tt.want)
			}
			if tt.want > 0 && len(orders[0].Legs) != tt.wantLegs {
				t.Fatalf("legs = %+v, want %d", orders[0].Legs, tt.wantLegs)
			}
		})
	}
}

func TestGetOrdersCtx_ContextCancel(t *testing.T) {
	api, srv := newTestAPIWithServer(func(w http.ResponseWriter, r *http.Request) {
		<-r.Context().Done()
	})
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := api.GetOrdersCtx(ctx); !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}
}

func TestOrder_IsFilled(t *testing.T) {
	cases := []struct {
		o    Order
		want bool
	}{
		{Order{Status: StatusFilled}, true},
		{Order{Status: StatusPartiallyFilled, ExecQuantity: 1}, true},
		{Order{Status: StatusPartiallyFilled}, false},
		{Order{Status: StatusCanceled, ExecQuantity: 1}, false},
	}
	for _, c := range cases {
		if got := c.o.IsFilled(); got != c.want {
			t.Errorf("IsFilled(%s, %v) = %v, want %v", c.o.Status, c.o.ExecQuantity, got, c.want)
		}
	}
}

func TestOrder_ExecutedAtErrors(t *testing.T) {
	if _, err := (Order{ID: 1}).ExecutedAt(); err == nil {
		t.Fatalf("expected error for missing dates")
	}
	if _, err := (Order{ID: 1, TransactionDate: "yesterday"}).ExecutedAt(); err == nil {
		t.Fatalf("expected parse error")
	}
}
