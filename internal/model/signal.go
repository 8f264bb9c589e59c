package model

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"

	"github.com/shopspring/decimal"
)

type OrderSide string

const (
	SideBuy  OrderSide = "BUY"
	SideSell OrderSide = "SELL"
)

// Signal is one inbound TradingView-style webhook payload. Timestamp and
// max_lag arrive as strings on the wire and are parsed during validation.
// A Signal is never persisted beyond the dedup window.
type Signal struct {
	Secret       string                 `json:"secret"`
	MaxLag       string                 `json:"max_lag"`
	Timestamp    string                 `json:"timestamp"`
	TriggerPrice string                 `json:"trigger_price"`
	TvExchange   string                 `json:"tv_exchange"`
	TvInstrument string                 `json:"tv_instrument"`
	Action       string                 `json:"action"`
	BotUUID      string                 `json:"bot_uuid"`
	StrategyInfo map[string]interface{} `json:"strategy_info"`
	Order        OrderParams            `json:"order"`
}

type OrderParams struct {
	Amount string `json:"amount"`
	Price  string `json:"price,omitempty"`
}

// OrderIntent is the normalized, post-validation form of a Signal.
type OrderIntent struct {
	Key       string          `json:"key"`
	Symbol    string          `json:"symbol"`
	Side      OrderSide       `json:"side"`
	Quantity  decimal.Decimal `json:"quantity"`
	OrderType string          `json:"order_type"`
	BotUUID   string          `json:"bot_uuid"`
	// Unix seconds from the originating signal, used in the idempotency key.
	SignalTime int64 `json:"signal_time"`
}

// IdempotencyKey computes the stable key for an intent. Byte-identical
// replays of the same signal collapse to one key; legitimate distinct
// signals differ in at least one of the hashed fields.
func IdempotencyKey(botUUID string, signalTime int64, symbol string, side OrderSide, quantity decimal.Decimal) string {
	canonical := strings.Join([]string{
		botUUID,
		decimal.NewFromInt(signalTime).String(),
		symbol,
		string(side),
		quantity.String(),
	}, "|")
	sum := sha256.Sum256([]byte(canonical))
	return hex.EncodeToString(sum[:])
}
