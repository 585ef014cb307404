package handlers

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/rs/zerolog/log"
	stripelib "github.com/stripe/stripe-go/v82"

	"github.com/rexanwong/textbehindimage/backend/internal/billing"
	"github.com/rexanwong/textbehindimage/backend/internal/metrics"
	"github.com/rexanwong/textbehindimage/backend/internal/models"
	"github.com/rexanwong/textbehindimage/backend/internal/stripe"
)

const (
	msgStripeNotConfigured   = "Stripe service not configured"
	msgDatabaseNotConfigured = "Database service not configured"
	msgCancelled             = "Subscription cancelled successfully"
	msgReceived              = "Received"
	msgWebhookFailed         = "Webhook handler failed"

	// webhookBodyLimit matches the largest event payload Stripe sends.
	webhookBodyLimit = 1 << 20
)

// Processor is the payment processor surface used by the billing endpoints.
// *stripe.Client satisfies it.
type Processor interface {
	CreateCheckoutSession(ctx context.Context, in stripe.CheckoutParams) (*stripe.CheckoutSession, error)
	CancelSubscription(ctx context.Context, subscriptionID string) error
}

// ProfileStore mutates the billing columns of profiles. *store.Store satisfies it.
type ProfileStore interface {
	MarkProfilePaid(ctx context.Context, userID, subscriptionID string) (bool, error)
	ClearSubscription(ctx context.Context, subscriptionID string) (int64, error)
}

// EventLog records webhook deliveries so a processed event is applied once.
// *store.EventStore satisfies it.
type EventLog interface {
	BeginEvent(ctx context.Context, eventID, eventType string) (bool, error)
	FinishEvent(ctx context.Context, eventID string, procErr error) error
}

// JobEnqueuer schedules reconciliation work. *worker.Worker satisfies it.
type JobEnqueuer interface {
	Enqueue(ctx context.Context, job *models.Job) error
}

// BillingConfig wires a BillingHandler. Nil dependencies mark the matching
// service as not configured.
type BillingConfig struct {
	Processor     Processor
	Profiles      ProfileStore
	Events        EventLog
	Jobs          JobEnqueuer
	WebhookSecret string
	SuccessURL    string
	CancelURL     string
}

// BillingHandler serves checkout, cancellation and the Stripe webhook.
type BillingHandler struct {
	processor     Processor
	profiles      ProfileStore
	events        EventLog
	jobs          JobEnqueuer
	webhookSecret string
	successURL    string
	cancelURL     string
	validate      *validator.Validate
}

// NewBillingHandler creates a BillingHandler.
func NewBillingHandler(cfg BillingConfig) *BillingHandler {
	return &BillingHandler{
		processor:     cfg.Processor,
		profiles:      cfg.Profiles,
		events:        cfg.Events,
		jobs:          cfg.Jobs,
		webhookSecret: cfg.WebhookSecret,
		successURL:    cfg.SuccessURL,
		cancelURL:     cfg.CancelURL,
		validate:      newValidator(),
	}
}

// RegisterRoutes registers the billing routes.
func (h *BillingHandler) RegisterRoutes(router chi.Router) {
	router.Post("/api/create-checkout-session", h.CreateCheckoutSession())
	router.Post("/api/cancel-subscription", h.CancelSubscription())
	router.Post("/api/webhook", h.Webhook())
}

// CreateCheckoutSession starts a hosted checkout for a MONTHLY or ANNUAL plan
// and returns its URL as paymentLink.
func (h *BillingHandler) CreateCheckoutSession() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if h.processor == nil {
			writeError(w, http.StatusServiceUnavailable, msgStripeNotConfigured)
			return
		}

		var req models.CheckoutRequest
		if err := decodeJSON(w, r, &req); err != nil {
			log.Warn().Err(err).Msg("checkout: bad request body")
			writeError(w, http.StatusBadRequest, errInvalidJSON.Error())
			return
		}
		req.UserID = strings.TrimSpace(req.UserID)
		req.Email = strings.TrimSpace(req.Email)
		req.PlanName = strings.TrimSpace(req.PlanName)

		if err := h.validate.Struct(req); err != nil {
			writeError(w, http.StatusBadRequest, validationMessage(err))
			return
		}

		planType, err := billing.ParsePlanType(req.PlanType)
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		quote, err := billing.QuoteFor(req.PlanName, planType)
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}

		sess, err := h.processor.CreateCheckoutSession(r.Context(), stripe.CheckoutParams{
			UserID:        req.UserID,
			CustomerEmail: req.Email,
			Quote:         quote,
			SuccessURL:    h.successURL,
			CancelURL:     h.cancelURL,
		})
		if err != nil {
			metrics.CheckoutSessionsTotal.WithLabelValues(string(planType), "error").Inc()
			log.Error().Err(err).
				Str("user_id", req.UserID).
				Str("plan_type", string(planType)).
				Msg("checkout: create session failed")
			writeError(w, http.StatusInternalServerError, stripe.ErrorMessage(err))
			return
		}

		metrics.CheckoutSessionsTotal.WithLabelValues(string(planType), "created").Inc()
		log.Info().
			Str("user_id", req.UserID).
			Str("plan_type", string(planType)).
			Str("session_id", sess.ID).
			Msg("checkout: session created")

		writeJSON(w, http.StatusOK, models.CheckoutResponse{PaymentLink: sess.URL})
	}
}

// CancelSubscription cancels at the processor and then reverts the profile.
func (h *BillingHandler) CancelSubscription() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if h.processor == nil {
			writeError(w, http.StatusServiceUnavailable, msgStripeNotConfigured)
			return
		}
		if h.profiles == nil {
			writeError(w, http.StatusServiceUnavailable, msgDatabaseNotConfigured)
			return
		}

		var req models.CancelSubscriptionRequest
		if err := decodeJSON(w, r, &req); err != nil {
			log.Warn().Err(err).Msg("cancel: bad request body")
			writeError(w, http.StatusBadRequest, errInvalidJSON.Error())
			return
		}
		req.SubscriptionID = strings.TrimSpace(req.SubscriptionID)
		if err := h.validate.Struct(req); err != nil {
			writeError(w, http.StatusBadRequest, validationMessage(err))
			return
		}

		subID := req.SubscriptionID
		logger := log.With().Str("subscription_id", subID).Logger()

		if err := h.processor.CancelSubscription(r.Context(), subID); err != nil {
			metrics.CancellationsTotal.WithLabelValues("processor_error").Inc()
			logger.Error().Err(err).Msg("cancel: processor cancellation failed")
			writeError(w, http.StatusInternalServerError, stripe.ErrorMessage(err))
			return
		}

		n, err := h.profiles.ClearSubscription(r.Context(), subID)
		if err != nil {
			metrics.CancellationsTotal.WithLabelValues("database_error").Inc()
			logger.Error().Err(err).Msg("cancel: profile update failed after processor cancellation")
			h.enqueueClear(r.Context(), subID)
			writeError(w, http.StatusInternalServerError, "failed to update profile")
			return
		}

		metrics.CancellationsTotal.WithLabelValues("success").Inc()
		logger.Info().Int64("profiles", n).Msg("cancel: subscription cancelled")
		writeMessage(w, http.StatusOK, msgCancelled)
	}
}

// enqueueClear schedules a retry of the profile update for a subscription
// already cancelled at the processor.
func (h *BillingHandler) enqueueClear(ctx context.Context, subID string) {
	if h.jobs == nil {
		return
	}
	job := models.NewClearSubscriptionJob(subID)
	if err := h.jobs.Enqueue(context.WithoutCancel(ctx), job); err != nil {
		log.Error().Err(err).Str("subscription_id", subID).Msg("cancel: enqueue reconciliation job")
		return
	}
	log.Warn().Str("subscription_id", subID).Int64("job_id", job.ID).Msg("cancel: reconciliation job enqueued")
}

// Webhook verifies and applies Stripe events.
func (h *BillingHandler) Webhook() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		eventType := "unknown"
		status := http.StatusOK
		defer func() {
			metrics.WebhookRequestsTotal.WithLabelValues(eventType, fmt.Sprint(status)).Inc()
			metrics.WebhookDuration.WithLabelValues(eventType).Observe(time.Since(start).Seconds())
		}()

		reply := func(code int, msg string) {
			status = code
			writeMessage(w, code, msg)
		}

		if h.processor == nil || h.webhookSecret == "" {
			reply(http.StatusServiceUnavailable, msgStripeNotConfigured)
			return
		}
		if h.profiles == nil {
			reply(http.StatusServiceUnavailable, msgDatabaseNotConfigured)
			return
		}

		r.Body = http.MaxBytesReader(w, r.Body, webhookBodyLimit)
		payload, err := io.ReadAll(r.Body)
		if err != nil {
			log.Warn().Err(err).Msg("webhook: read body")
			reply(http.StatusBadRequest, "Webhook Error: "+err.Error())
			return
		}

		event, err := stripe.ConstructEvent(payload, r.Header.Get("Stripe-Signature"), h.webhookSecret)
		if err != nil {
			log.Warn().Err(err).Msg("webhook: signature verification failed")
			reply(http.StatusBadRequest, "Webhook Error: "+err.Error())
			return
		}

		eventType = string(event.Type)
		logger := log.With().Str("event_id", event.ID).Str("event_type", eventType).Logger()

		if !handledEvent(eventType) {
			logger.Debug().Msg("webhook: ignoring event type")
			reply(http.StatusOK, msgReceived)
			return
		}

		ctx := r.Context()
		if h.events != nil {
			done, err := h.events.BeginEvent(ctx, event.ID, eventType)
			if err != nil {
				logger.Error().Err(err).Msg("webhook: record delivery")
				reply(http.StatusInternalServerError, msgWebhookFailed)
				return
			}
			if done {
				logger.Info().Msg("webhook: event already processed")
				reply(http.StatusOK, msgReceived)
				return
			}
		}

		procErr := h.applyEvent(ctx, &event)

		if h.events != nil {
			if err := h.events.FinishEvent(context.WithoutCancel(ctx), event.ID, procErr); err != nil {
				logger.Error().Err(err).Msg("webhook: finish delivery record")
			}
		}

		if procErr != nil {
			logger.Error().Err(procErr).Msg("webhook: handler failed")
			reply(http.StatusInternalServerError, msgWebhookFailed)
			return
		}

		reply(http.StatusOK, msgReceived)
	}
}

func handledEvent(eventType string) bool {
	switch eventType {
	case stripe.EventCheckoutSessionCompleted,
		stripe.EventPaymentIntentSucceeded,
		stripe.EventPaymentIntentFailed,
		stripe.EventSubscriptionDeleted:
		return true
	}
	return false
}

func (h *BillingHandler) applyEvent(ctx context.Context, event *stripelib.Event) error {
	switch string(event.Type) {
	case stripe.EventCheckoutSessionCompleted:
		var sess stripe.CheckoutSessionObject
		if err := stripe.DecodeObject(event, &sess); err != nil {
			return err
		}
		return h.checkoutCompleted(ctx, sess)

	case stripe.EventSubscriptionDeleted:
		var sub stripe.Subscription
		if err := stripe.DecodeObject(event, &sub); err != nil {
			return err
		}
		return h.subscriptionDeleted(ctx, sub)

	case stripe.EventPaymentIntentSucceeded, stripe.EventPaymentIntentFailed:
		var pi stripe.PaymentIntent
		if err := stripe.DecodeObject(event, &pi); err != nil {
			return err
		}
		log.Info().
			Str("event_id", event.ID).
			Str("payment_intent", pi.ID).
			Str("status", pi.Status).
			Int64("amount", pi.Amount).
			Str("currency", pi.Currency).
			Msg("webhook: payment intent observed")
		return nil
	}
	return nil
}

func (h *BillingHandler) checkoutCompleted(ctx context.Context, sess stripe.CheckoutSessionObject) error {
	userID := strings.TrimSpace(sess.Metadata["user_id"])
	if userID == "" || sess.Subscription == "" {
		// Sessions created outside this service, e.g. Payment Links, carry no
		// user_id. Retrying them cannot succeed.
		log.Warn().
			Str("session_id", sess.ID).
			Str("subscription_id", sess.Subscription).
			Bool("has_user_id", userID != "").
			Msg("webhook: checkout completed without user_id or subscription, ignoring")
		return nil
	}

	matched, err := h.profiles.MarkProfilePaid(ctx, userID, sess.Subscription)
	if err != nil {
		return err
	}

	evt := log.Info()
	if !matched {
		evt = log.Warn()
	}
	evt.Str("user_id", userID).
		Str("subscription_id", sess.Subscription).
		Bool("profile_found", matched).
		Msg("webhook: checkout completed")
	return nil
}

func (h *BillingHandler) subscriptionDeleted(ctx context.Context, sub stripe.Subscription) error {
	if sub.ID == "" {
		return errors.New("subscription deleted event without id")
	}

	n, err := h.profiles.ClearSubscription(ctx, sub.ID)
	if err != nil {
		return err
	}

	log.Info().Str("subscription_id", sub.ID).Int64("profiles", n).Msg("webhook: subscription deleted")
	return nil
}
