package billing

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"

	"booking-webhook-pipeline/internal/payloads"
	"booking-webhook-pipeline/internal/telemetry"
)

// Provider event types handled by WebhookHandler.
const (
	EventInvoicePaid             = "invoice.paid"
	EventInvoicePaymentFailed    = "invoice.payment_failed"
	EventInvoicePaymentSucceeded = "invoice.payment_succeeded"
	EventInvoiceUpcoming         = "invoice.upcoming"
)

const billingReasonCycle = "subscription_cycle"

// StrategyFactory resolves the reconciliation strategy of a subscription.
type StrategyFactory interface {
	CreateBySubscriptionID(ctx context.Context, subscriptionID string) (Strategy, error)
}

// PaymentIntentLookup resolves why a payment intent failed.
type PaymentIntentLookup interface {
	PaymentIntentFailureReason(ctx context.Context, intentID string) (string, error)
}

// Response is the JSON body returned to the provider.
type Response struct {
	Success bool   `json:"success"`
	Handled *bool  `json:"handled,omitempty"`
	Message string `json:"message,omitempty"`
}

func fromResult(r Result) Response {
	handled := r.Handled
	return Response{Success: true, Handled: &handled, Message: r.Message}
}

func skipped(message string) Response {
	return Response{Success: true, Message: message}
}

type stripeEvent struct {
	ID   string `json:"id"`
	Type string `json:"type" validate:"required"`
	Data struct {
		Object *stripeInvoice `json:"object" validate:"required"`
	} `json:"data"`
}

type stripeInvoice struct {
	ID            string  `json:"id"`
	Subscription  *string `json:"subscription"`
	Customer      string  `json:"customer"`
	Status        string  `json:"status"`
	BillingReason string  `json:"billing_reason"`
	PaymentIntent *string `json:"payment_intent"`
	AmountDue     int64   `json:"amount_due"`
	Currency      string  `json:"currency"`
	Lines         struct {
		Data []stripeLine `json:"data" validate:"dive"`
	} `json:"lines"`
}

type stripeLine struct {
	ID       string            `json:"id"`
	Amount   int64             `json:"amount"`
	Quantity int64             `json:"quantity"`
	Metadata map[string]string `json:"metadata"`
	Period   struct {
		Start *int64 `json:"start"`
		End   *int64 `json:"end"`
	} `json:"period"`
}

func unixPtr(v *int64) *time.Time {
	if v == nil {
		return nil
	}
	t := time.Unix(*v, 0).UTC()
	return &t
}

func (inv stripeInvoice) payload() payloads.InvoicePayload {
	out := payloads.InvoicePayload{
		InvoiceID:     inv.ID,
		CustomerID:    inv.Customer,
		Status:        inv.Status,
		BillingReason: inv.BillingReason,
		AmountDue:     inv.AmountDue,
		Currency:      inv.Currency,
		Lines:         make([]payloads.InvoiceLine, 0, len(inv.Lines.Data)),
	}
	if inv.Subscription != nil {
		out.SubscriptionID = *inv.Subscription
	}
	if inv.PaymentIntent != nil {
		out.PaymentIntent = *inv.PaymentIntent
	}
	for _, l := range inv.Lines.Data {
		out.Lines = append(out.Lines, payloads.InvoiceLine{
			ID:          l.ID,
			Amount:      l.Amount,
			Quantity:    l.Quantity,
			Metadata:    l.Metadata,
			PeriodStart: unixPtr(l.Period.Start),
			PeriodEnd:   unixPtr(l.Period.End),
		})
	}
	return out
}

// WebhookHandler turns provider invoice events into strategy callbacks.
type WebhookHandler struct {
	factory  StrategyFactory
	intents  PaymentIntentLookup
	validate *validator.Validate
	log      *zap.Logger
}

// NewWebhookHandler wires the handler. intents may be nil, in which case failure reasons
// always fall back to the invoice status.
func NewWebhookHandler(factory StrategyFactory, intents PaymentIntentLookup, log *zap.Logger) *WebhookHandler {
	if log == nil {
		log = zap.NewNop()
	}
	return &WebhookHandler{
		factory:  factory,
		intents:  intents,
		validate: validator.New(),
		log:      log.Named("billing.webhook"),
	}
}

// Handle decodes a provider event and dispatches it by type. Skipped and malformed events
// succeed so the provider stops redelivering them. Returned errors are transient.
func (h *WebhookHandler) Handle(ctx context.Context, body []byte) (Response, error) {
	var evt stripeEvent
	if err := json.Unmarshal(body, &evt); err != nil {
		telemetry.BillingEvents.WithLabelValues("unknown", "invalid").Inc()
		return skipped("invalid payload: " + err.Error()), nil
	}

	var handle func(context.Context, payloads.InvoicePayload) (Response, error)
	switch evt.Type {
	case EventInvoicePaid:
		handle = h.HandleInvoicePaid
	case EventInvoicePaymentFailed:
		handle = h.HandleInvoicePaymentFailed
	case EventInvoicePaymentSucceeded:
		handle = h.HandleInvoicePaymentSucceeded
	case EventInvoiceUpcoming:
		handle = h.HandleInvoiceUpcoming
	default:
		if evt.Type == "" {
			telemetry.BillingEvents.WithLabelValues("unknown", "invalid").Inc()
			return skipped("invalid payload: missing event type"), nil
		}
		telemetry.BillingEvents.WithLabelValues(evt.Type, "unhandled").Inc()
		h.log.Debug("ignoring billing event", zap.String("type", evt.Type), zap.String("event_id", evt.ID))
		return skipped("unhandled event type"), nil
	}

	if err := h.validate.Struct(evt); err != nil {
		telemetry.BillingEvents.WithLabelValues(evt.Type, "invalid").Inc()
		h.log.Warn("invalid billing event", zap.String("type", evt.Type), zap.Error(err))
		return skipped("invalid payload: " + err.Error()), nil
	}

	inv := *evt.Data.Object
	if inv.Subscription == nil || *inv.Subscription == "" {
		telemetry.BillingEvents.WithLabelValues(evt.Type, "skipped").Inc()
		return skipped("not a subscription invoice"), nil
	}

	resp, err := handle(ctx, inv.payload())
	if err != nil {
		telemetry.BillingEvents.WithLabelValues(evt.Type, "error").Inc()
		h.log.Error("billing event failed",
			zap.String("type", evt.Type),
			zap.String("event_id", evt.ID),
			zap.String("invoice_id", inv.ID),
			zap.Error(err),
		)
		return Response{}, err
	}

	result := "skipped"
	if resp.Handled != nil && *resp.Handled {
		result = "handled"
	}
	telemetry.BillingEvents.WithLabelValues(evt.Type, result).Inc()
	h.log.Info("billing event reconciled",
		zap.String("type", evt.Type),
		zap.String("event_id", evt.ID),
		zap.String("invoice_id", inv.ID),
		zap.String("subscription_id", *inv.Subscription),
		zap.String("result", result),
		zap.String("message", resp.Message),
	)
	return resp, nil
}

func (h *WebhookHandler) strategy(ctx context.Context, inv payloads.InvoicePayload) (Strategy, error) {
	s, err := h.factory.CreateBySubscriptionID(ctx, inv.SubscriptionID)
	if err != nil {
		return nil, fmt.Errorf("resolve strategy for %s: %w", inv.SubscriptionID, err)
	}
	return s, nil
}

// HandleInvoicePaid advances the billing window on subscription renewals.
func (h *WebhookHandler) HandleInvoicePaid(ctx context.Context, inv payloads.InvoicePayload) (Response, error) {
	if inv.BillingReason != billingReasonCycle {
		return fromResult(Result{Handled: false, Message: "billing reason " + inv.BillingReason + " is not a renewal"}), nil
	}
	if len(inv.Lines) == 0 || inv.Lines[0].PeriodStart == nil {
		return skipped("renewal invoice has no period start"), nil
	}
	periodStart := *inv.Lines[0].PeriodStart

	s, err := h.strategy(ctx, inv)
	if err != nil {
		return Response{}, err
	}
	res, err := s.OnRenewalPaid(ctx, inv.SubscriptionID, periodStart)
	if err != nil {
		return Response{}, err
	}
	return fromResult(res), nil
}

// HandleInvoicePaymentFailed marks pending prorations on the invoice failed.
func (h *WebhookHandler) HandleInvoicePaymentFailed(ctx context.Context, inv payloads.InvoicePayload) (Response, error) {
	reason := h.failureReason(ctx, inv)
	s, err := h.strategy(ctx, inv)
	if err != nil {
		return Response{}, err
	}
	res, err := s.OnPaymentFailed(ctx, inv.InvoiceID, inv.Lines, reason)
	if err != nil {
		return Response{}, err
	}
	return fromResult(res), nil
}

// HandleInvoicePaymentSucceeded charges pending prorations on the invoice.
func (h *WebhookHandler) HandleInvoicePaymentSucceeded(ctx context.Context, inv payloads.InvoicePayload) (Response, error) {
	s, err := h.strategy(ctx, inv)
	if err != nil {
		return Response{}, err
	}
	res, err := s.OnPaymentSucceeded(ctx, inv.InvoiceID, inv.Lines)
	if err != nil {
		return Response{}, err
	}
	return fromResult(res), nil
}

// HandleInvoiceUpcoming lets metered subscriptions report usage before finalization.
func (h *WebhookHandler) HandleInvoiceUpcoming(ctx context.Context, inv payloads.InvoicePayload) (Response, error) {
	s, err := h.strategy(ctx, inv)
	if err != nil {
		return Response{}, err
	}
	res, err := s.OnInvoiceUpcoming(ctx, inv)
	if err != nil {
		return Response{}, err
	}
	return fromResult(res), nil
}

func (h *WebhookHandler) failureReason(ctx context.Context, inv payloads.InvoicePayload) string {
	if inv.PaymentIntent == "" || h.intents == nil {
		return inv.Status
	}
	reason, err := h.intents.PaymentIntentFailureReason(ctx, inv.PaymentIntent)
	if err != nil {
		h.log.Warn("payment intent lookup failed",
			zap.String("payment_intent", inv.PaymentIntent),
			zap.Error(err),
		)
		return inv.Status
	}
	if reason == "" {
		return inv.Status
	}
	return reason
}
