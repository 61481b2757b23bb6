package ingress

import (
	"context"

	"github.com/wenwu/saas-platform/tenant-provisioner/internal/models"
	"go.uber.org/zap"
)

// Dispatcher applies a verified event durably.
type Dispatcher interface {
	Dispatch(ctx context.Context, evt models.InboundEvent) (models.Disposition, error)
}

// Handler authenticates, parses and hands events to the dispatcher. It
// returns only after the dispatcher committed.
type Handler struct {
	verifier   *Verifier
	dispatcher Dispatcher
	log        *zap.Logger
}

func NewHandler(verifier *Verifier, dispatcher Dispatcher, log *zap.Logger) *Handler {
	return &Handler{verifier: verifier, dispatcher: dispatcher, log: log}
}

// Result is what the webhook endpoint reports back.
type Result struct {
	Event       models.InboundEvent
	Disposition models.Disposition
}

func (h *Handler) Handle(ctx context.Context, payload []byte, signature string) (Result, error) {
	if err := h.verifier.Verify(payload, signature); err != nil {
		h.log.Warn("webhook rejected", zap.Error(err))
		return Result{}, err
	}

	evt, err := Parse(payload)
	if err != nil {
		h.log.Warn("webhook payload rejected", zap.Error(err))
		return Result{}, err
	}

	disposition, err := h.dispatcher.Dispatch(ctx, evt)
	if err != nil {
		h.log.Error("dispatch failed",
			zap.String("event_id", evt.ExternalEventID),
			zap.String("event_type", evt.Type),
			zap.Error(err),
		)
		return Result{Event: evt}, err
	}

	h.log.Info("webhook applied",
		zap.String("event_id", evt.ExternalEventID),
		zap.String("event_type", evt.Type),
		zap.String("disposition", string(disposition)),
	)
	return Result{Event: evt, Disposition: disposition}, nil
}
