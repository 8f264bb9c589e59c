package model

import (
	"encoding/json"
	"time"
)

type ExecutionStatus string

const (
	ExecutionAccepted ExecutionStatus = "accepted"
	ExecutionRejected ExecutionStatus = "rejected"
	ExecutionFailed   ExecutionStatus = "failed"
)

// ExecutionRecord is the durable outcome of one dispatched order. Written
// once per idempotency key; a second insert for the same key must be
// rejected by the registry and the original record returned instead.
type ExecutionRecord struct {
	Key         string          `json:"key"`
	BotUUID     string          `json:"bot_uuid"`
	OrderID     string          `json:"order_id"`
	Symbol      string          `json:"symbol"`
	Side        OrderSide       `json:"side"`
	Quantity    string          `json:"quantity"`
	ExecutedQty string          `json:"executed_qty"`
	Status      ExecutionStatus `json:"status"`
	Attempts    int             `json:"attempts"`
	// Raw venue response, preserved verbatim when the outcome was ambiguous
	// so an operator can reconcile against the exchange.
	RawResponse json.RawMessage `json:"raw_response,omitempty"`
	ReceivedAt  time.Time       `json:"received_at"`
	CompletedAt time.Time       `json:"completed_at"`
}
