package signal

import (
	"crypto/subtle"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"github.com/signalhook/tradegate/internal/model"
	"github.com/signalhook/tradegate/internal/pkg/apperrors"
)

// Validator checks webhook authenticity and freshness of inbound signals.
// It is a pure function of the signal, the configured secret and the clock;
// it performs no I/O and has no side effects.
type Validator struct {
	secret string
	now    func() time.Time
}

func NewValidator(secret string) *Validator {
	return &Validator{secret: secret, now: time.Now}
}

// WithClock overrides the time source, used by tests.
func (v *Validator) WithClock(now func() time.Time) *Validator {
	v.now = now
	return v
}

// Validate runs the checks in order and short-circuits on the first failure:
// secret (constant-time), freshness, then structure. On success it returns
// the normalized order intent with its idempotency key populated.
func (v *Validator) Validate(sig *model.Signal) (*model.OrderIntent, error) {
	// 1. Shared secret, compared in constant time.
	if subtle.ConstantTimeCompare([]byte(sig.Secret), []byte(v.secret)) != 1 {
		return nil, apperrors.NewAuthFailed("invalid webhook secret")
	}

	// 2. Freshness. Clock skew is not corrected: a signal stamped in the
	// future counts as stale just like one past its lag window.
	ts, err := strconv.ParseFloat(strings.TrimSpace(sig.Timestamp), 64)
	if err != nil {
		return nil, apperrors.NewInvalidRequest("timestamp is not numeric")
	}
	maxLag, err := strconv.ParseFloat(strings.TrimSpace(sig.MaxLag), 64)
	if err != nil {
		return nil, apperrors.NewInvalidRequest("max_lag is not numeric")
	}
	lag := v.now().Sub(time.Unix(0, int64(ts*float64(time.Second)))).Seconds()
	if lag < 0 || maxLag <= 0 || lag > maxLag {
		return nil, apperrors.New(apperrors.ErrStaleSignal, "signal too old", nil)
	}

	// 3. Structure.
	action := model.OrderSide(strings.ToUpper(strings.TrimSpace(sig.Action)))
	if action != model.SideBuy && action != model.SideSell {
		return nil, apperrors.NewInvalidRequest("action must be BUY or SELL")
	}
	symbol := strings.ToUpper(strings.TrimSpace(sig.TvInstrument))
	if symbol == "" {
		return nil, apperrors.NewInvalidRequest("tv_instrument is required")
	}
	qty, err := decimal.NewFromString(strings.TrimSpace(sig.Order.Amount))
	if err != nil || !qty.IsPositive() {
		return nil, apperrors.NewInvalidRequest("order.amount must be a positive number")
	}

	signalTime := int64(ts)
	return &model.OrderIntent{
		Key:        model.IdempotencyKey(sig.BotUUID, signalTime, symbol, action, qty),
		Symbol:     symbol,
		Side:       action,
		Quantity:   qty,
		OrderType:  "MARKET",
		BotUUID:    sig.BotUUID,
		SignalTime: signalTime,
	}, nil
}
