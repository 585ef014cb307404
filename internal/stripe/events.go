package stripe

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	stripelib "github.com/stripe/stripe-go/v82"
	"github.com/stripe/stripe-go/v82/webhook"
)

// Event types the webhook endpoint acts on.
const (
	EventCheckoutSessionCompleted = "checkout.session.completed"
	EventPaymentIntentSucceeded   = "payment_intent.succeeded"
	EventPaymentIntentFailed      = "payment_intent.payment_failed"
	EventSubscriptionDeleted      = "customer.subscription.deleted"
)

// SignatureTolerance is how old a signed delivery may be.
const SignatureTolerance = webhook.DefaultTolerance

// ErrMissingSignature is returned when the Stripe-Signature header is absent.
var ErrMissingSignature = errors.New("missing Stripe-Signature header")

// ConstructEvent verifies the signature header against secret and decodes the
// event. API version mismatches are tolerated: only the fields read below are
// relied on.
func ConstructEvent(payload []byte, signatureHeader, secret string) (stripelib.Event, error) {
	if signatureHeader == "" {
		return stripelib.Event{}, ErrMissingSignature
	}
	return webhook.ConstructEventWithOptions(payload, signatureHeader, secret, webhook.ConstructEventOptions{
		Tolerance:                SignatureTolerance,
		IgnoreAPIVersionMismatch: true,
	})
}

// CheckoutSessionObject is a minimal representation of a checkout.session object.
type CheckoutSessionObject struct {
	ID            string            `json:"id"`
	Mode          string            `json:"mode"`
	Customer      string            `json:"customer"`
	CustomerEmail string            `json:"customer_email"`
	Subscription  string            `json:"subscription"`
	PaymentStatus string            `json:"payment_status"`
	Metadata      map[string]string `json:"metadata"`
}

// Subscription is a minimal representation of a subscription object.
type Subscription struct {
	ID       string `json:"id"`
	Customer string `json:"customer"`
	Status   string `json:"status"`
}

// PaymentIntent is a minimal representation of a payment_intent object.
type PaymentIntent struct {
	ID       string            `json:"id"`
	Amount   int64             `json:"amount"`
	Currency string            `json:"currency"`
	Customer string            `json:"customer"`
	Status   string            `json:"status"`
	Metadata map[string]string `json:"metadata"`
}

// DecodeObject unmarshals event.data.object into dst.
func DecodeObject(event *stripelib.Event, dst any) error {
	if event.Data == nil || len(event.Data.Raw) == 0 {
		return fmt.Errorf("decode %s: event has no data object", event.Type)
	}
	if err := json.Unmarshal(event.Data.Raw, dst); err != nil {
		return fmt.Errorf("decode %s: %w", event.Type, err)
	}
	return nil
}

// SignPayload signs payload the way Stripe does, for exercising the webhook
// endpoint without Stripe.
func SignPayload(payload []byte, secret string, at time.Time) (body []byte, header string) {
	signed := webhook.GenerateTestSignedPayload(&webhook.UnsignedPayload{
		Payload:   payload,
		Secret:    secret,
		Timestamp: at,
		Scheme:    "v1",
	})
	return signed.Payload, signed.Header
}
