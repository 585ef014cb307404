package models

import "time"

// CheckoutRequest is the body accepted by POST /api/create-checkout-session.
type CheckoutRequest struct {
	UserID   string `json:"user_id" validate:"required"`
	Email    string `json:"email" validate:"required,email"`
	PlanName string `json:"plan_name" validate:"required"`
	PlanType string `json:"plan_type" validate:"required,plantype"`
}

// CheckoutResponse carries the hosted checkout URL back to the frontend.
type CheckoutResponse struct {
	PaymentLink string `json:"paymentLink"`
}

// CancelSubscriptionRequest is the body accepted by POST /api/cancel-subscription.
type CancelSubscriptionRequest struct {
	SubscriptionID string `json:"subscription_id" validate:"required"`
}

// StripeEventStatus tracks a webhook delivery through processing.
type StripeEventStatus string

const (
	StripeEventReceived  StripeEventStatus = "received"
	StripeEventProcessed StripeEventStatus = "processed"
	StripeEventFailed    StripeEventStatus = "failed"
)

// StripeEvent is one row of the webhook delivery log.
type StripeEvent struct {
	EventID     string            `json:"event_id"`
	EventType   string            `json:"event_type"`
	Status      StripeEventStatus `json:"status"`
	Attempts    int               `json:"attempts"`
	LastError   *string           `json:"last_error,omitempty"`
	ReceivedAt  time.Time         `json:"received_at"`
	ProcessedAt *time.Time        `json:"processed_at,omitempty"`
}
