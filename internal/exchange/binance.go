// Package exchange is the stateless adapter between an order intent and the
// Binance trading API. It owns retry/backoff and rate-limit handling; it
// receives decrypted credentials per call and must not retain them.
package exchange

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/rand"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"github.com/signalhook/tradegate/internal/config"
	"github.com/signalhook/tradegate/internal/model"
	"github.com/signalhook/tradegate/internal/pkg/logger"
	"github.com/signalhook/tradegate/internal/pkg/metrics"
	"golang.org/x/time/rate"
)

// Credentials is a short-lived decrypted API key pair handed in by the
// vault for the duration of one call.
type Credentials struct {
	ApiKey    string
	ApiSecret string
}

type OrderConfirmation struct {
	OrderID       string          `json:"order_id"`
	ClientOrderID string          `json:"client_order_id"`
	Symbol        string          `json:"symbol"`
	Side          model.OrderSide `json:"side"`
	Status        string          `json:"status"`
	ExecutedQty   string          `json:"executed_qty"`
	Attempts      int             `json:"attempts"`
	Raw           json.RawMessage `json:"raw,omitempty"`
}

type Balance struct {
	Asset    string  `json:"asset"`
	Free     float64 `json:"free"`
	Locked   float64 `json:"locked"`
	USDValue float64 `json:"usd_value"`
}

type AccountSnapshot struct {
	Balances []Balance `json:"balances"`
	TotalUSD float64   `json:"total_usd"`
}

type OpenOrder struct {
	Symbol    string   `json:"symbol"`
	Side      string   `json:"side"`
	Type      string   `json:"type"`
	Quantity  float64  `json:"quantity"`
	Price     *float64 `json:"price"`
	CreatedAt int64    `json:"created_at"`
}

// Gateway is what the dispatcher and the account endpoints program against;
// tests substitute a fake.
type Gateway interface {
	PlaceMarketOrder(ctx context.Context, creds Credentials, intent *model.OrderIntent) (*OrderConfirmation, error)
	AccountSnapshot(ctx context.Context, creds Credentials) (*AccountSnapshot, error)
	OpenOrders(ctx context.Context, creds Credentials, symbol string) ([]OpenOrder, error)
}

type BinanceGateway struct {
	baseURL     string
	recvWindow  int
	maxAttempts int
	backoffBase time.Duration
	backoffMax  time.Duration
	limiter     *rate.Limiter
	httpClient  *http.Client
}

func NewBinanceGateway(cfg config.ExchangeConfig) *BinanceGateway {
	maxAttempts := cfg.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = 3
	}
	backoffBase := time.Duration(cfg.BackoffBaseMs) * time.Millisecond
	if backoffBase <= 0 {
		backoffBase = 250 * time.Millisecond
	}
	backoffMax := time.Duration(cfg.BackoffMaxMs) * time.Millisecond
	if backoffMax <= 0 {
		backoffMax = 5 * time.Second
	}
	qps := rate.Limit(cfg.RateQPS)
	if qps <= 0 {
		qps = rate.Inf
	}
	burst := cfg.RateBurst
	if burst <= 0 {
		burst = 1
	}
	return &BinanceGateway{
		baseURL:     strings.TrimRight(cfg.BaseURL, "/"),
		recvWindow:  cfg.RecvWindowMs,
		maxAttempts: maxAttempts,
		backoffBase: backoffBase,
		backoffMax:  backoffMax,
		limiter:     rate.NewLimiter(qps, burst),
		httpClient: &http.Client{
			Transport: &http.Transport{
				MaxIdleConns:        100,
				MaxIdleConnsPerHost: 100,
				IdleConnTimeout:     90 * time.Second,
			},
			Timeout: cfg.Timeout(),
		},
	}
}

// PlaceMarketOrder submits a MARKET order, retrying transient failures with
// exponential backoff and jitter. Every attempt reuses the same
// newClientOrderId derived from the intent's idempotency key so the venue
// collapses duplicate fills even when the local call is retried.
func (g *BinanceGateway) PlaceMarketOrder(ctx context.Context, creds Credentials, intent *model.OrderIntent) (*OrderConfirmation, error) {
	params := url.Values{}
	params.Set("symbol", intent.Symbol)
	params.Set("side", string(intent.Side))
	params.Set("type", intent.OrderType)
	params.Set("quantity", intent.Quantity.String())
	params.Set("newClientOrderId", clientOrderID(intent.Key))

	var lastErr *GatewayError
	for attempt := 1; attempt <= g.maxAttempts; attempt++ {
		if attempt > 1 {
			metrics.GatewayRetries.Inc()
			select {
			case <-ctx.Done():
				lastErr.Attempts = attempt - 1
				return nil, lastErr
			case <-time.After(backoffDelay(g.backoffBase, g.backoffMax, attempt-1)):
			}
		}

		conf, gerr := g.placeOnce(ctx, creds, params)
		if gerr == nil {
			conf.Attempts = attempt
			return conf, nil
		}
		gerr.Attempts = attempt
		if !gerr.Retryable() {
			return nil, gerr
		}
		logger.Warn("transient exchange failure, will retry",
			"symbol", intent.Symbol, "attempt", attempt, "kind", gerr.Kind, "reason", gerr.Reason)
		lastErr = gerr
	}
	return nil, lastErr
}

func (g *BinanceGateway) placeOnce(ctx context.Context, creds Credentials, params url.Values) (*OrderConfirmation, *GatewayError) {
	if err := g.limiter.Wait(ctx); err != nil {
		return nil, &GatewayError{Kind: KindUnavailable, Reason: "rate limiter wait aborted", Cause: err}
	}

	body, gerr := g.signedCall(ctx, http.MethodPost, "/api/v3/order", params, creds, true)
	if gerr != nil {
		return nil, gerr
	}

	var resp struct {
		OrderID       int64  `json:"orderId"`
		ClientOrderID string `json:"clientOrderId"`
		Symbol        string `json:"symbol"`
		Side          string `json:"side"`
		Status        string `json:"status"`
		ExecutedQty   string `json:"executedQty"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, &GatewayError{Kind: KindAmbiguous, Reason: "unparseable venue response", Raw: body, Cause: err}
	}
	return &OrderConfirmation{
		OrderID:       strconv.FormatInt(resp.OrderID, 10),
		ClientOrderID: resp.ClientOrderID,
		Symbol:        resp.Symbol,
		Side:          model.OrderSide(resp.Side),
		Status:        resp.Status,
		ExecutedQty:   resp.ExecutedQty,
		Raw:           body,
	}, nil
}

// AccountSnapshot returns non-zero balances with their USD valuation,
// derived from the spot ticker the way the dashboard expects: USDT counts
// at face value, everything else through its {ASSET}USDT pair.
func (g *BinanceGateway) AccountSnapshot(ctx context.Context, creds Credentials) (*AccountSnapshot, error) {
	body, gerr := g.signedCall(ctx, http.MethodGet, "/api/v3/account", url.Values{}, creds, false)
	if gerr != nil {
		return nil, gerr
	}

	var account struct {
		Balances []struct {
			Asset  string `json:"asset"`
			Free   string `json:"free"`
			Locked string `json:"locked"`
		} `json:"balances"`
	}
	if err := json.Unmarshal(body, &account); err != nil {
		return nil, &GatewayError{Kind: KindUnavailable, Reason: "unparseable account response", Cause: err}
	}

	prices, err := g.tickerPrices(ctx)
	if err != nil {
		return nil, err
	}

	snapshot := &AccountSnapshot{}
	total := decimal.Zero
	for _, b := range account.Balances {
		free, err1 := decimal.NewFromString(b.Free)
		locked, err2 := decimal.NewFromString(b.Locked)
		if err1 != nil || err2 != nil {
			continue
		}
		if free.IsZero() && locked.IsZero() {
			continue
		}
		held := free.Add(locked)
		usd := decimal.Zero
		if b.Asset == "USDT" {
			usd = held
		} else if price, ok := prices[b.Asset+"USDT"]; ok {
			usd = held.Mul(price)
		}
		total = total.Add(usd)
		snapshot.Balances = append(snapshot.Balances, Balance{
			Asset:    b.Asset,
			Free:     free.InexactFloat64(),
			Locked:   locked.InexactFloat64(),
			USDValue: usd.InexactFloat64(),
		})
	}
	snapshot.TotalUSD = total.InexactFloat64()
	return snapshot, nil
}

func (g *BinanceGateway) OpenOrders(ctx context.Context, creds Credentials, symbol string) ([]OpenOrder, error) {
	params := url.Values{}
	if symbol != "" {
		params.Set("symbol", symbol)
	}
	body, gerr := g.signedCall(ctx, http.MethodGet, "/api/v3/openOrders", params, creds, false)
	if gerr != nil {
		return nil, gerr
	}

	var raw []struct {
		Symbol  string `json:"symbol"`
		Side    string `json:"side"`
		Type    string `json:"type"`
		OrigQty string `json:"origQty"`
		Price   string `json:"price"`
		Time    int64  `json:"time"`
	}
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, &GatewayError{Kind: KindUnavailable, Reason: "unparseable open orders response", Cause: err}
	}

	orders := make([]OpenOrder, 0, len(raw))
	for _, o := range raw {
		qty, _ := strconv.ParseFloat(o.OrigQty, 64)
		order := OpenOrder{
			Symbol:    o.Symbol,
			Side:      o.Side,
			Type:      o.Type,
			Quantity:  qty,
			CreatedAt: o.Time,
		}
		if p, err := strconv.ParseFloat(o.Price, 64); err == nil && p > 0 {
			order.Price = &p
		}
		orders = append(orders, order)
	}
	return orders, nil
}

func (g *BinanceGateway) tickerPrices(ctx context.Context) (map[string]decimal.Decimal, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, g.baseURL+"/api/v3/ticker/price", nil)
	if err != nil {
		return nil, &GatewayError{Kind: KindUnavailable, Reason: "build ticker request", Cause: err}
	}
	resp, err := g.httpClient.Do(req)
	if err != nil {
		return nil, &GatewayError{Kind: KindUnavailable, Reason: "ticker request failed", Cause: err}
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil || resp.StatusCode != http.StatusOK {
		return nil, &GatewayError{Kind: KindUnavailable, Reason: fmt.Sprintf("ticker status %d", resp.StatusCode), Cause: err}
	}

	var tickers []struct {
		Symbol string `json:"symbol"`
		Price  string `json:"price"`
	}
	if err := json.Unmarshal(body, &tickers); err != nil {
		return nil, &GatewayError{Kind: KindUnavailable, Reason: "unparseable ticker response", Cause: err}
	}
	prices := make(map[string]decimal.Decimal, len(tickers))
	for _, t := range tickers {
		if p, err := decimal.NewFromString(t.Price); err == nil {
			prices[t.Symbol] = p
		}
	}
	return prices, nil
}

// signedCall signs the query HMAC-SHA256 with the API secret and executes
// the request. mutating controls how a lost response is classified: for a
// write, a timeout after the request went out means the order may be live
// on the venue (ambiguous); for reads it is just unavailability.
func (g *BinanceGateway) signedCall(ctx context.Context, method, path string, params url.Values, creds Credentials, mutating bool) (json.RawMessage, *GatewayError) {
	if creds.ApiKey == "" || creds.ApiSecret == "" {
		return nil, &GatewayError{Kind: KindUnauthorized, Reason: "missing api credentials"}
	}

	params.Set("timestamp", strconv.FormatInt(time.Now().UnixMilli(), 10))
	if g.recvWindow > 0 {
		params.Set("recvWindow", strconv.Itoa(g.recvWindow))
	}
	query := params.Encode()
	mac := hmac.New(sha256.New, []byte(creds.ApiSecret))
	mac.Write([]byte(query))
	query += "&signature=" + hex.EncodeToString(mac.Sum(nil))

	req, err := http.NewRequestWithContext(ctx, method, g.baseURL+path+"?"+query, nil)
	if err != nil {
		return nil, &GatewayError{Kind: KindUnavailable, Reason: "build request", Cause: err}
	}
	req.Header.Set("X-MBX-APIKEY", creds.ApiKey)

	resp, err := g.httpClient.Do(req)
	if err != nil {
		return nil, classifyTransportError(err, mutating)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		if mutating {
			return nil, &GatewayError{Kind: KindAmbiguous, Reason: "response body lost", Cause: err}
		}
		return nil, &GatewayError{Kind: KindUnavailable, Reason: "response body lost", Cause: err}
	}

	if resp.StatusCode == http.StatusOK {
		return body, nil
	}
	return nil, classifyStatus(resp.StatusCode, body)
}

func classifyTransportError(err error, mutating bool) *GatewayError {
	// A timeout on a write can mean the request reached the venue and the
	// response was lost; that outcome must surface as ambiguous, never be
	// silently treated as a clean failure.
	var netErr net.Error
	timedOut := errors.Is(err, context.DeadlineExceeded) || (errors.As(err, &netErr) && netErr.Timeout())
	if timedOut && mutating {
		return &GatewayError{Kind: KindAmbiguous, Reason: "request timed out, order state unknown", Cause: err}
	}
	return &GatewayError{Kind: KindUnavailable, Reason: "transport failure", Cause: err}
}

func classifyStatus(status int, body []byte) *GatewayError {
	var venue struct {
		Code int    `json:"code"`
		Msg  string `json:"msg"`
	}
	_ = json.Unmarshal(body, &venue)
	reason := venue.Msg
	if reason == "" {
		reason = fmt.Sprintf("http status %d", status)
	}

	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return &GatewayError{Kind: KindUnauthorized, Reason: reason, Raw: body}
	case status == http.StatusTooManyRequests || status == http.StatusTeapot:
		// 418 is Binance's auto-ban escalation of 429.
		return &GatewayError{Kind: KindRateLimited, Reason: reason, Raw: body}
	case status >= 500:
		return &GatewayError{Kind: KindUnavailable, Reason: reason, Raw: body}
	case venue.Code == -1003:
		return &GatewayError{Kind: KindRateLimited, Reason: reason, Raw: body}
	default:
		return &GatewayError{Kind: KindRejected, Reason: reason, Raw: body}
	}
}

// clientOrderID fits the idempotency key into Binance's 36-char client
// order id limit; 32 hex chars of the sha256 keep collisions out of reach.
func clientOrderID(key string) string {
	if len(key) > 32 {
		return "tg-" + key[:32]
	}
	return "tg-" + key
}

func backoffDelay(base, max time.Duration, retry int) time.Duration {
	if retry < 0 {
		return base
	}
	if retry > 30 {
		return max
	}
	delay := base * time.Duration(1<<retry)
	if delay > max {
		delay = max
	}
	// Full jitter keeps concurrent retries from synchronizing.
	return time.Duration(rand.Int63n(int64(delay)) + int64(base)/2)
}
