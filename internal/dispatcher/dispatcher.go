// Package dispatcher orchestrates the signal-to-order pipeline: validate,
// reserve the idempotency key, serialize per symbol, place the order and
// record the outcome.
package dispatcher

import (
	"context"
	"errors"
	"time"

	"github.com/signalhook/tradegate/internal/exchange"
	"github.com/signalhook/tradegate/internal/model"
	"github.com/signalhook/tradegate/internal/pkg/apperrors"
	"github.com/signalhook/tradegate/internal/pkg/logger"
	"github.com/signalhook/tradegate/internal/pkg/metrics"
	"github.com/signalhook/tradegate/internal/registry"
	"github.com/signalhook/tradegate/internal/signal"
)

// CredentialSource runs fn with a decrypted exchange credential for the
// duration of one call. The vault-backed source decrypts and discards; the
// static source hands out configured keys.
type CredentialSource func(ctx context.Context, fn func(creds exchange.Credentials) error) error

// StaticCredentials adapts fixed configuration keys to a CredentialSource.
func StaticCredentials(apiKey, apiSecret string) CredentialSource {
	return func(_ context.Context, fn func(creds exchange.Credentials) error) error {
		return fn(exchange.Credentials{ApiKey: apiKey, ApiSecret: apiSecret})
	}
}

// Result is the caller-facing outcome of one dispatched signal.
type Result struct {
	Duplicate bool
	Record    *model.ExecutionRecord
}

type Dispatcher struct {
	validator *signal.Validator
	registry  registry.Registry
	gateway   exchange.Gateway
	creds     CredentialSource
	locks     *symbolLocks
}

func New(validator *signal.Validator, reg registry.Registry, gateway exchange.Gateway, creds CredentialSource) *Dispatcher {
	return &Dispatcher{
		validator: validator,
		registry:  reg,
		gateway:   gateway,
		creds:     creds,
		locks:     newSymbolLocks(),
	}
}

// Dispatch runs one signal through the state machine:
// Received -> Validated -> Reserved -> Executing -> {Committed | Abandoned}.
//
// A duplicate delivery short-circuits to the stored record without touching
// the exchange. A transport-ambiguous outcome is committed as failed with
// the raw venue response preserved, never abandoned, so a possibly live
// order cannot be masked by a clean-looking retry.
func (d *Dispatcher) Dispatch(ctx context.Context, sig *model.Signal) (*Result, error) {
	receivedAt := time.Now().UTC()

	// Received -> Validated. A rejection here has no side effects.
	intent, err := d.validator.Validate(sig)
	if err != nil {
		metrics.SignalsTotal.WithLabelValues(rejectLabel(err)).Inc()
		return nil, err
	}

	// Validated -> Reserved. A concurrent duplicate of an in-flight signal
	// waits for the first delivery's outcome instead of re-executing, so
	// both callers observe the same execution record.
	reserved, dup, err := d.reserve(ctx, intent.Key)
	if err != nil {
		return nil, err
	}
	if !reserved {
		metrics.SignalsTotal.WithLabelValues("duplicate").Inc()
		metrics.DuplicateSignals.Inc()
		return &Result{Duplicate: true, Record: dup}, nil
	}

	// Reserved -> Executing. The symbol lock serializes orders on one
	// instrument; distinct symbols proceed concurrently. It is held only
	// across the exchange call.
	unlock := d.locks.lock(intent.Symbol)
	var conf *exchange.OrderConfirmation
	execErr := d.creds(ctx, func(creds exchange.Credentials) error {
		var callErr error
		conf, callErr = d.gateway.PlaceMarketOrder(ctx, creds, intent)
		return callErr
	})
	unlock()

	if execErr != nil {
		return nil, d.resolveFailure(ctx, intent, receivedAt, execErr)
	}

	// Executing -> Committed.
	record := &model.ExecutionRecord{
		Key:         intent.Key,
		BotUUID:     intent.BotUUID,
		OrderID:     conf.OrderID,
		Symbol:      intent.Symbol,
		Side:        intent.Side,
		Quantity:    intent.Quantity.String(),
		ExecutedQty: conf.ExecutedQty,
		Status:      model.ExecutionAccepted,
		Attempts:    conf.Attempts,
		ReceivedAt:  receivedAt,
		CompletedAt: time.Now().UTC(),
	}
	if err := d.registry.Commit(ctx, intent.Key, record); err != nil {
		// The order is live; losing the record must not look like failure.
		logger.LogError(ctx, err, "failed to commit execution record", "key", intent.Key)
	}
	metrics.SignalsTotal.WithLabelValues("accepted").Inc()
	metrics.OrdersTotal.WithLabelValues("accepted", string(intent.Side)).Inc()
	return &Result{Record: record}, nil
}

const (
	inProgressPoll = 50 * time.Millisecond
	inProgressWait = 10 * time.Second
)

// reserve attempts the idempotency reservation, polling through an
// in-flight placeholder until the first delivery reaches a terminal state.
// If that delivery abandons its reservation the poller wins it and
// executes; if it commits, the committed record is returned as a duplicate.
func (d *Dispatcher) reserve(ctx context.Context, key string) (reserved bool, dup *model.ExecutionRecord, err error) {
	deadline := time.Now().Add(inProgressWait)
	for {
		entry, ok, err := d.registry.Reserve(ctx, key)
		if err != nil {
			return false, nil, apperrors.New(apperrors.ErrInternal, "idempotency reservation failed", err)
		}
		if ok {
			return true, nil, nil
		}
		if !entry.Processing {
			return false, entry.Record, nil
		}
		if time.Now().After(deadline) {
			metrics.SignalsTotal.WithLabelValues("in_progress").Inc()
			return false, nil, apperrors.New(apperrors.ErrDuplicate, "signal is already being processed", nil)
		}
		select {
		case <-ctx.Done():
			return false, nil, apperrors.New(apperrors.ErrInternal, "request cancelled while waiting on duplicate", ctx.Err())
		case <-time.After(inProgressPoll):
		}
	}
}

// resolveFailure picks the terminal state for a failed exchange call.
// Ambiguous outcomes are committed as failed with the venue response kept;
// everything else abandons the reservation so a corrected resubmission with
// the same key can succeed.
func (d *Dispatcher) resolveFailure(ctx context.Context, intent *model.OrderIntent, receivedAt time.Time, execErr error) error {
	var gerr *exchange.GatewayError
	if !errors.As(execErr, &gerr) {
		_ = d.registry.Abandon(ctx, intent.Key)
		return apperrors.New(apperrors.ErrInternal, "exchange call failed", execErr)
	}

	metrics.OrdersTotal.WithLabelValues("failed", string(intent.Side)).Inc()

	if gerr.Kind == exchange.KindAmbiguous {
		record := &model.ExecutionRecord{
			Key:         intent.Key,
			BotUUID:     intent.BotUUID,
			Symbol:      intent.Symbol,
			Side:        intent.Side,
			Quantity:    intent.Quantity.String(),
			Status:      model.ExecutionFailed,
			Attempts:    gerr.Attempts,
			RawResponse: gerr.Raw,
			ReceivedAt:  receivedAt,
			CompletedAt: time.Now().UTC(),
		}
		if err := d.registry.Commit(ctx, intent.Key, record); err != nil {
			logger.LogError(ctx, err, "failed to commit ambiguous record", "key", intent.Key)
		}
		metrics.SignalsTotal.WithLabelValues("ambiguous").Inc()
		return apperrors.New(apperrors.ErrAmbiguous,
			"exchange response lost, an order may exist on the venue", gerr)
	}

	_ = d.registry.Abandon(ctx, intent.Key)
	metrics.SignalsTotal.WithLabelValues("failed").Inc()

	switch gerr.Kind {
	case exchange.KindUnauthorized:
		return apperrors.New(apperrors.ErrAuthFailed, "exchange rejected the credential", gerr)
	case exchange.KindRejected:
		// Venue reason surfaced verbatim; terminal, no retry.
		return apperrors.New(apperrors.ErrRejected, gerr.Reason, gerr)
	case exchange.KindRateLimited, exchange.KindUnavailable:
		return apperrors.New(apperrors.ErrUpstream, "exchange unavailable after retries", gerr)
	default:
		return apperrors.New(apperrors.ErrInternal, "unclassified exchange failure", gerr)
	}
}

func rejectLabel(err error) string {
	var appErr *apperrors.AppError
	if errors.As(err, &appErr) {
		switch appErr.Type {
		case apperrors.ErrAuthFailed:
			return "unauthorized"
		case apperrors.ErrStaleSignal:
			return "stale"
		case apperrors.ErrInvalidRequest:
			return "malformed"
		}
	}
	return "rejected"
}
