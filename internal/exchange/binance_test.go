package exchange

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/signalhook/tradegate/internal/config"
	"github.com/signalhook/tradegate/internal/model"
)

var testCreds = Credentials{ApiKey: "test-key", ApiSecret: "test-secret"}

func testGateway(baseURL string) *BinanceGateway {
	return NewBinanceGateway(config.ExchangeConfig{
		BaseURL:        baseURL,
		RecvWindowMs:   5000,
		TimeoutSeconds: 2,
		MaxAttempts:    3,
		BackoffBaseMs:  1,
		BackoffMaxMs:   5,
	})
}

func testIntent() *model.OrderIntent {
	return &model.OrderIntent{
		Key:       "4a5f1c2e9b8d7a6f4a5f1c2e9b8d7a6f4a5f1c2e9b8d7a6f4a5f1c2e9b8d7a6f",
		Symbol:    "BTCUSDT",
		Side:      model.SideBuy,
		Quantity:  decimal.RequireFromString("0.01"),
		OrderType: "MARKET",
	}
}

func TestPlaceMarketOrderSignsRequest(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("X-MBX-APIKEY"); got != testCreds.ApiKey {
			t.Errorf("api key header = %q", got)
		}
		q := r.URL.Query()
		if q.Get("symbol") != "BTCUSDT" || q.Get("side") != "BUY" || q.Get("type") != "MARKET" {
			t.Errorf("unexpected order params: %v", q)
		}
		if q.Get("quantity") != "0.01" {
			t.Errorf("quantity = %q", q.Get("quantity"))
		}

		// Signature must be the HMAC of everything before "&signature=".
		raw := r.URL.RawQuery
		idx := len(raw) - len("&signature=") - len(q.Get("signature"))
		mac := hmac.New(sha256.New, []byte(testCreds.ApiSecret))
		mac.Write([]byte(raw[:idx]))
		if want := hex.EncodeToString(mac.Sum(nil)); q.Get("signature") != want {
			t.Errorf("signature = %q, want %q", q.Get("signature"), want)
		}

		w.Write([]byte(`{"orderId":12345,"clientOrderId":"tg-abc","symbol":"BTCUSDT","side":"BUY","status":"FILLED","executedQty":"0.01"}`))
	}))
	defer srv.Close()

	conf, err := testGateway(srv.URL).PlaceMarketOrder(context.Background(), testCreds, testIntent())
	if err != nil {
		t.Fatal(err)
	}
	if conf.OrderID != "12345" || conf.Status != "FILLED" || conf.ExecutedQty != "0.01" {
		t.Errorf("confirmation = %+v", conf)
	}
	if conf.Attempts != 1 {
		t.Errorf("attempts = %d", conf.Attempts)
	}
}

func TestPlaceMarketOrderRetriesTransientFailures(t *testing.T) {
	var mu sync.Mutex
	var clientOrderIDs []string
	calls := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		calls++
		n := calls
		clientOrderIDs = append(clientOrderIDs, r.URL.Query().Get("newClientOrderId"))
		mu.Unlock()
		if n <= 2 {
			w.WriteHeader(http.StatusServiceUnavailable)
			w.Write([]byte(`{"code":-1001,"msg":"internal error"}`))
			return
		}
		w.Write([]byte(`{"orderId":7,"status":"FILLED","executedQty":"0.01"}`))
	}))
	defer srv.Close()

	conf, err := testGateway(srv.URL).PlaceMarketOrder(context.Background(), testCreds, testIntent())
	if err != nil {
		t.Fatal(err)
	}
	if conf.Attempts != 3 {
		t.Errorf("attempts = %d, want 3", conf.Attempts)
	}
	if len(clientOrderIDs) != 3 {
		t.Fatalf("server saw %d calls", len(clientOrderIDs))
	}
	// Retries must present the same client order id so the venue can
	// collapse a duplicate that actually landed.
	for _, id := range clientOrderIDs[1:] {
		if id != clientOrderIDs[0] {
			t.Fatalf("client order id changed across retries: %v", clientOrderIDs)
		}
	}
	if want := "tg-" + testIntent().Key[:32]; clientOrderIDs[0] != want {
		t.Errorf("client order id = %q, want %q", clientOrderIDs[0], want)
	}
}

func TestPlaceMarketOrderRejectionIsTerminal(t *testing.T) {
	calls := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.WriteHeader(http.StatusBadRequest)
		w.Write([]byte(`{"code":-2010,"msg":"Account has insufficient balance for requested action."}`))
	}))
	defer srv.Close()

	_, err := testGateway(srv.URL).PlaceMarketOrder(context.Background(), testCreds, testIntent())
	var gerr *GatewayError
	if !errors.As(err, &gerr) {
		t.Fatalf("expected GatewayError, got %v", err)
	}
	if gerr.Kind != KindRejected {
		t.Errorf("kind = %s", gerr.Kind)
	}
	if gerr.Reason != "Account has insufficient balance for requested action." {
		t.Errorf("venue reason not surfaced verbatim: %q", gerr.Reason)
	}
	if calls != 1 {
		t.Errorf("rejection retried: %d calls", calls)
	}
}

func TestPlaceMarketOrderUnauthorized(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		w.Write([]byte(`{"code":-2014,"msg":"API-key format invalid."}`))
	}))
	defer srv.Close()

	_, err := testGateway(srv.URL).PlaceMarketOrder(context.Background(), testCreds, testIntent())
	var gerr *GatewayError
	if !errors.As(err, &gerr) || gerr.Kind != KindUnauthorized {
		t.Fatalf("expected unauthorized, got %v", err)
	}
}

func TestPlaceMarketOrderRateLimitExhaustion(t *testing.T) {
	calls := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.WriteHeader(http.StatusTooManyRequests)
		w.Write([]byte(`{"code":-1003,"msg":"Too many requests."}`))
	}))
	defer srv.Close()

	_, err := testGateway(srv.URL).PlaceMarketOrder(context.Background(), testCreds, testIntent())
	var gerr *GatewayError
	if !errors.As(err, &gerr) {
		t.Fatalf("expected GatewayError, got %v", err)
	}
	if gerr.Kind != KindRateLimited {
		t.Errorf("kind = %s", gerr.Kind)
	}
	if gerr.Attempts != 3 {
		t.Errorf("attempts = %d, want 3", gerr.Attempts)
	}
	if calls != 3 {
		t.Errorf("server saw %d calls, want 3", calls)
	}
}

func TestPlaceMarketOrderMissingCredentials(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Error("request reached the venue without credentials")
	}))
	defer srv.Close()

	_, err := testGateway(srv.URL).PlaceMarketOrder(context.Background(), Credentials{}, testIntent())
	var gerr *GatewayError
	if !errors.As(err, &gerr) || gerr.Kind != KindUnauthorized {
		t.Fatalf("expected unauthorized, got %v", err)
	}
}

func TestClassifyStatus(t *testing.T) {
	cases := []struct {
		name   string
		status int
		body   string
		want   ErrorKind
	}{
		{"unauthorized", 401, `{"code":-2014,"msg":"bad key"}`, KindUnauthorized},
		{"forbidden", 403, `{}`, KindUnauthorized},
		{"rate limited", 429, `{"code":-1003,"msg":"slow down"}`, KindRateLimited},
		{"auto ban", 418, `{}`, KindRateLimited},
		{"weight code on 400", 400, `{"code":-1003,"msg":"too many"}`, KindRateLimited},
		{"server error", 502, `{}`, KindUnavailable},
		{"venue rejection", 400, `{"code":-2010,"msg":"insufficient balance"}`, KindRejected},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := classifyStatus(tc.status, []byte(tc.body)); got.Kind != tc.want {
				t.Errorf("kind = %s, want %s", got.Kind, tc.want)
			}
		})
	}
}

func TestClassifyTransportErrorTimeout(t *testing.T) {
	if got := classifyTransportError(context.DeadlineExceeded, true); got.Kind != KindAmbiguous {
		t.Errorf("mutating timeout kind = %s, want ambiguous", got.Kind)
	}
	if got := classifyTransportError(context.DeadlineExceeded, false); got.Kind != KindUnavailable {
		t.Errorf("read timeout kind = %s, want unavailable", got.Kind)
	}
	if got := classifyTransportError(errors.New("connection refused"), true); got.Kind != KindUnavailable {
		t.Errorf("refused kind = %s, want unavailable", got.Kind)
	}
}

func TestGatewayErrorRetryable(t *testing.T) {
	for kind, want := range map[ErrorKind]bool{
		KindRateLimited:  true,
		KindUnavailable:  true,
		KindUnauthorized: false,
		KindRejected:     false,
		KindAmbiguous:    false,
	} {
		if got := (&GatewayError{Kind: kind}).Retryable(); got != want {
			t.Errorf("Retryable(%s) = %v, want %v", kind, got, want)
		}
	}
}

func TestBackoffDelayBounds(t *testing.T) {
	base := 100 * time.Millisecond
	max := 2 * time.Second
	for retry := 0; retry < 10; retry++ {
		for i := 0; i < 20; i++ {
			d := backoffDelay(base, max, retry)
			if d < base/2 {
				t.Fatalf("retry %d: delay %v below jitter floor", retry, d)
			}
			if d > max+base/2 {
				t.Fatalf("retry %d: delay %v above cap", retry, d)
			}
		}
	}
}

func TestClientOrderIDTruncation(t *testing.T) {
	key := testIntent().Key
	id := clientOrderID(key)
	if len(id) > 36 {
		t.Errorf("client order id %q exceeds venue limit", id)
	}
	if id != "tg-"+key[:32] {
		t.Errorf("client order id = %q", id)
	}
	if got := clientOrderID("short"); got != "tg-short" {
		t.Errorf("short key id = %q", got)
	}
}

func TestAccountSnapshotValuation(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/api/v3/account":
			w.Write([]byte(`{"balances":[
				{"asset":"USDT","free":"100.5","locked":"0"},
				{"asset":"BTC","free":"0.5","locked":"0.5"},
				{"asset":"DUST","free":"0","locked":"0"}
			]}`))
		case "/api/v3/ticker/price":
			w.Write([]byte(`[{"symbol":"BTCUSDT","price":"50000"}]`))
		default:
			t.Errorf("unexpected path %s", r.URL.Path)
		}
	}))
	defer srv.Close()

	snap, err := testGateway(srv.URL).AccountSnapshot(context.Background(), testCreds)
	if err != nil {
		t.Fatal(err)
	}
	if len(snap.Balances) != 2 {
		t.Fatalf("balances = %+v, want zero balances dropped", snap.Balances)
	}
	if snap.TotalUSD != 100.5+50000 {
		t.Errorf("total usd = %v", snap.TotalUSD)
	}
}

func TestOpenOrdersMarketPriceOmitted(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.URL.Query().Get("symbol"); got != "BTCUSDT" {
			t.Errorf("symbol filter = %q", got)
		}
		w.Write([]byte(`[
			{"symbol":"BTCUSDT","side":"BUY","type":"LIMIT","origQty":"0.5","price":"42000","time":1700000000000},
			{"symbol":"BTCUSDT","side":"SELL","type":"MARKET","origQty":"0.1","price":"0.00000000","time":1700000001000}
		]`))
	}))
	defer srv.Close()

	orders, err := testGateway(srv.URL).OpenOrders(context.Background(), testCreds, "BTCUSDT")
	if err != nil {
		t.Fatal(err)
	}
	if len(orders) != 2 {
		t.Fatalf("orders = %+v", orders)
	}
	if orders[0].Price == nil || *orders[0].Price != 42000 {
		t.Errorf("limit order price = %v", orders[0].Price)
	}
	if orders[1].Price != nil {
		t.Errorf("market order should have no price, got %v", *orders[1].Price)
	}
}
