package stripe

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog/log"
	stripelib "github.com/stripe/stripe-go/v82"
	"github.com/stripe/stripe-go/v82/client"

	"github.com/rexanwong/textbehindimage/backend/internal/billing"
)

// ErrMissingSessionURL is returned when Stripe creates a session without a
// hosted page to redirect to.
var ErrMissingSessionURL = errors.New("stripe: checkout session has no url")

// Client wraps the Stripe API calls the billing endpoints need.
type Client struct {
	api *client.API
}

// Option customises a Client.
type Option func(*stripelib.BackendConfig)

// WithBaseURL points the client at a different API host.
func WithBaseURL(baseURL string) Option {
	return func(cfg *stripelib.BackendConfig) {
		cfg.URL = stripelib.String(baseURL)
	}
}

// WithMaxNetworkRetries overrides the SDK retry count.
func WithMaxNetworkRetries(n int64) Option {
	return func(cfg *stripelib.BackendConfig) {
		cfg.MaxNetworkRetries = stripelib.Int64(n)
	}
}

// NewClient creates a Stripe client authenticated with secretKey.
func NewClient(secretKey string, opts ...Option) *Client {
	cfg := &stripelib.BackendConfig{
		LeveledLogger: zerologLeveledLogger{},
	}
	for _, opt := range opts {
		opt(cfg)
	}

	backends := &stripelib.Backends{
		API: stripelib.GetBackendWithConfig(stripelib.APIBackend, cfg),
	}

	return &Client{api: client.New(secretKey, backends)}
}

// CheckoutParams describes one subscription checkout.
type CheckoutParams struct {
	UserID        string
	CustomerEmail string
	Quote         billing.Quote
	SuccessURL    string
	CancelURL     string
}

// CheckoutSession is the part of a created session the caller needs.
type CheckoutSession struct {
	ID  string
	URL string
}

// CreateCheckoutSession creates a hosted subscription checkout priced inline
// from the quote. The user id and plan type travel in the session metadata so
// the checkout.session.completed webhook can find the profile.
func (c *Client) CreateCheckoutSession(ctx context.Context, in CheckoutParams) (*CheckoutSession, error) {
	params := &stripelib.CheckoutSessionParams{
		Mode:          stripelib.String(string(stripelib.CheckoutSessionModeSubscription)),
		CustomerEmail: stripelib.String(in.CustomerEmail),
		SuccessURL:    stripelib.String(in.SuccessURL),
		LineItems: []*stripelib.CheckoutSessionLineItemParams{
			{
				PriceData: &stripelib.CheckoutSessionLineItemPriceDataParams{
					Currency: stripelib.String(in.Quote.Currency),
					ProductData: &stripelib.CheckoutSessionLineItemPriceDataProductDataParams{
						Name: stripelib.String(in.Quote.ProductName),
					},
					Recurring: &stripelib.CheckoutSessionLineItemPriceDataRecurringParams{
						Interval: stripelib.String(in.Quote.Interval),
					},
					UnitAmount: stripelib.Int64(in.Quote.UnitAmount),
				},
				Quantity: stripelib.Int64(1),
			},
		},
	}
	if in.CancelURL != "" {
		params.CancelURL = stripelib.String(in.CancelURL)
	}
	params.AddMetadata("user_id", in.UserID)
	params.AddMetadata("plan_type", string(in.Quote.PlanType))
	params.Context = ctx

	sess, err := c.api.CheckoutSessions.New(params)
	if err != nil {
		return nil, fmt.Errorf("create checkout session: %w", err)
	}
	if sess.URL == "" {
		return nil, ErrMissingSessionURL
	}

	log.Debug().Str("session_id", sess.ID).Str("user_id", in.UserID).Msg("stripe: checkout session created")

	return &CheckoutSession{ID: sess.ID, URL: sess.URL}, nil
}

// CancelSubscription cancels a subscription immediately.
func (c *Client) CancelSubscription(ctx context.Context, subscriptionID string) error {
	params := &stripelib.SubscriptionCancelParams{}
	params.Context = ctx

	if _, err := c.api.Subscriptions.Cancel(subscriptionID, params); err != nil {
		return fmt.Errorf("cancel subscription %s: %w", subscriptionID, err)
	}

	log.Info().Str("subscription_id", subscriptionID).Msg("stripe: subscription cancelled")
	return nil
}

// ErrorMessage extracts the human readable message of a Stripe API error.
func ErrorMessage(err error) string {
	var stripeErr *stripelib.Error
	if errors.As(err, &stripeErr) && stripeErr.Msg != "" {
		return stripeErr.Msg
	}
	return err.Error()
}

// zerologLeveledLogger routes SDK logging through zerolog.
type zerologLeveledLogger struct{}

func (zerologLeveledLogger) Debugf(format string, v ...interface{}) {
	log.Debug().Str("source", "stripe-go").Msgf(format, v...)
}

func (zerologLeveledLogger) Infof(format string, v ...interface{}) {
	log.Debug().Str("source", "stripe-go").Msgf(format, v...)
}

func (zerologLeveledLogger) Warnf(format string, v ...interface{}) {
	log.Warn().Str("source", "stripe-go").Msgf(format, v...)
}

func (zerologLeveledLogger) Errorf(format string, v ...interface{}) {
	log.Error().Str("source", "stripe-go").Msgf(format, v...)
}
