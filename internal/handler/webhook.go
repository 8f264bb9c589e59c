package handler

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/signalhook/tradegate/internal/dispatcher"
	"github.com/signalhook/tradegate/internal/model"
	"github.com/signalhook/tradegate/internal/pkg/apperrors"
)

type WebhookHandler struct {
	dispatcher *dispatcher.Dispatcher
}

func NewWebhookHandler(d *dispatcher.Dispatcher) *WebhookHandler {
	return &WebhookHandler{dispatcher: d}
}

// Handle is the TradingView-style signal ingress. Validation, dedup and
// execution all happen in the dispatcher; this layer only shapes the
// response. A duplicate delivery gets the original outcome back, including
// a prior failure, so "nothing happened" and "an order may exist" stay
// distinguishable.
func (h *WebhookHandler) Handle(c *gin.Context) {
	var sig model.Signal
	if err := c.ShouldBindJSON(&sig); err != nil {
		_ = c.Error(apperrors.NewInvalidRequest("invalid webhook payload: " + err.Error()))
		return
	}

	res, err := h.dispatcher.Dispatch(c.Request.Context(), &sig)
	if err != nil {
		_ = c.Error(err)
		return
	}

	rec := res.Record
	c.JSON(http.StatusOK, gin.H{
		"status":     statusLabel(rec.Status),
		"duplicate":  res.Duplicate,
		"order":      orderView(rec),
		"trade_info": tradeInfo(&sig, rec),
	})
}

func statusLabel(s model.ExecutionStatus) string {
	switch s {
	case model.ExecutionAccepted:
		return "success"
	case model.ExecutionRejected:
		return "rejected"
	default:
		return "failed"
	}
}

func orderView(rec *model.ExecutionRecord) gin.H {
	view := gin.H{
		"order_id":     rec.OrderID,
		"symbol":       rec.Symbol,
		"side":         rec.Side,
		"quantity":     rec.Quantity,
		"executed_qty": rec.ExecutedQty,
		"status":       rec.Status,
		"attempts":     rec.Attempts,
	}
	if len(rec.RawResponse) > 0 {
		view["raw_response"] = rec.RawResponse
	}
	return view
}

func tradeInfo(sig *model.Signal, rec *model.ExecutionRecord) gin.H {
	position := ""
	if sig.StrategyInfo != nil {
		if p, ok := sig.StrategyInfo["market_position"].(string); ok {
			position = p
		}
	}
	return gin.H{
		"bot_uuid":  rec.BotUUID,
		"order_id":  rec.OrderID,
		"symbol":    rec.Symbol,
		"side":      rec.Side,
		"quantity":  rec.Quantity,
		"position":  position,
		"timestamp": rec.CompletedAt.Unix(),
	}
}
