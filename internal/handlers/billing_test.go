package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rexanwong/textbehindimage/backend/internal/billing"
	"github.com/rexanwong/textbehindimage/backend/internal/models"
	"github.com/rexanwong/textbehindimage/backend/internal/stripe"
)

const testWebhookSecret = "whsec_test"

type fakeProcessor struct {
	checkouts   []stripe.CheckoutParams
	cancels     []string
	checkoutErr error
	cancelErr   error
}

func (f *fakeProcessor) CreateCheckoutSession(_ context.Context, in stripe.CheckoutParams) (*stripe.CheckoutSession, error) {
	f.checkouts = append(f.checkouts, in)
	if f.checkoutErr != nil {
		return nil, f.checkoutErr
	}
	return &stripe.CheckoutSession{ID: "cs_test_1", URL: "https://checkout.stripe.com/c/pay/cs_test_1"}, nil
}

func (f *fakeProcessor) CancelSubscription(_ context.Context, subscriptionID string) error {
	f.cancels = append(f.cancels, subscriptionID)
	return f.cancelErr
}

type paidCall struct {
	UserID         string
	SubscriptionID string
}

type fakeProfiles struct {
	paid     []paidCall
	cleared  []string
	paidErr  error
	clearErr error
}

func (f *fakeProfiles) MarkProfilePaid(_ context.Context, userID, subscriptionID string) (bool, error) {
	f.paid = append(f.paid, paidCall{userID, subscriptionID})
	return f.paidErr == nil, f.paidErr
}

func (f *fakeProfiles) ClearSubscription(_ context.Context, subscriptionID string) (int64, error) {
	f.cleared = append(f.cleared, subscriptionID)
	if f.clearErr != nil {
		return 0, f.clearErr
	}
	return 1, nil
}

func (f *fakeProfiles) mutations() int {
	return len(f.paid) + len(f.cleared)
}

type fakeEvents struct {
	processed map[string]bool
	finished  map[string]error
}

func newFakeEvents() *fakeEvents {
	return &fakeEvents{processed: map[string]bool{}, finished: map[string]error{}}
}

func (f *fakeEvents) BeginEvent(_ context.Context, eventID, _ string) (bool, error) {
	return f.processed[eventID], nil
}

func (f *fakeEvents) FinishEvent(_ context.Context, eventID string, procErr error) error {
	f.finished[eventID] = procErr
	if procErr == nil {
		f.processed[eventID] = true
	}
	return nil
}

type fakeJobs struct {
	jobs []*models.Job
}

func (f *fakeJobs) Enqueue(_ context.Context, job *models.Job) error {
	job.ID = int64(len(f.jobs) + 1)
	f.jobs = append(f.jobs, job)
	return nil
}

type billingFixture struct {
	processor *fakeProcessor
	profiles  *fakeProfiles
	events    *fakeEvents
	jobs      *fakeJobs
	router    chi.Router
}

func newFixture(t *testing.T, mutate func(*BillingConfig)) *billingFixture {
	t.Helper()
	f := &billingFixture{
		processor: &fakeProcessor{},
		profiles:  &fakeProfiles{},
		events:    newFakeEvents(),
		jobs:      &fakeJobs{},
	}
	cfg := BillingConfig{
		Processor:     f.processor,
		Profiles:      f.profiles,
		Events:        f.events,
		Jobs:          f.jobs,
		WebhookSecret: testWebhookSecret,
		SuccessURL:    "http://textbehindimage.rexanwong.xyz/app",
	}
	if mutate != nil {
		mutate(&cfg)
	}
	f.router = chi.NewRouter()
	NewBillingHandler(cfg).RegisterRoutes(f.router)
	return f
}

func (f *billingFixture) post(path, body string, header http.Header) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	for k, v := range header {
		req.Header[k] = v
	}
	rr := httptest.NewRecorder()
	f.router.ServeHTTP(rr, req)
	return rr
}

func (f *billingFixture) postEvent(t *testing.T, id, eventType, object string) *httptest.ResponseRecorder {
	t.Helper()
	payload := fmt.Sprintf(`{"id":%q,"object":"event","type":%q,"data":{"object":%s}}`, id, eventType, object)
	body, sig := stripe.SignPayload([]byte(payload), testWebhookSecret, time.Now())
	return f.post("/api/webhook", string(body), http.Header{"Stripe-Signature": {sig}})
}

func decodeBody(t *testing.T, rr *httptest.ResponseRecorder) map[string]string {
	t.Helper()
	var out map[string]string
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &out))
	return out
}

func TestCheckoutMonthly(t *testing.T) {
	f := newFixture(t, nil)

	rr := f.post("/api/create-checkout-session",
		`{"user_id":"u1","email":"a@b.co","plan_name":"Pro","plan_type":"MONTHLY"}`, nil)

	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, "https://checkout.stripe.com/c/pay/cs_test_1", decodeBody(t, rr)["paymentLink"])

	require.Len(t, f.processor.checkouts, 1)
	got := f.processor.checkouts[0]
	assert.Equal(t, "u1", got.UserID)
	assert.Equal(t, "a@b.co", got.CustomerEmail)
	assert.Equal(t, "http://textbehindimage.rexanwong.xyz/app", got.SuccessURL)
	assert.Equal(t, int64(900), got.Quote.UnitAmount)
	assert.Equal(t, "month", got.Quote.Interval)
	assert.Equal(t, "Pro", got.Quote.ProductName)
	assert.Equal(t, billing.PlanMonthly, got.Quote.PlanType)
}

func TestCheckoutAnnualCaseInsensitive(t *testing.T) {
	f := newFixture(t, nil)

	rr := f.post("/api/create-checkout-session",
		`{"user_id":"u1","email":"a@b.co","plan_name":"Pro","plan_type":"annual"}`, nil)

	require.Equal(t, http.StatusOK, rr.Code)
	require.Len(t, f.processor.checkouts, 1)
	q := f.processor.checkouts[0].Quote
	assert.Equal(t, int64(8400), q.UnitAmount)
	assert.Equal(t, "year", q.Interval)
	assert.Equal(t, "Pro (Annual)", q.ProductName)
}

func TestCheckoutValidation(t *testing.T) {
	cases := map[string]struct {
		body string
		want string
	}{
		"bad json":      {`{"user_id":`, "invalid JSON payload"},
		"missing user":  {`{"email":"a@b.co","plan_name":"Pro","plan_type":"MONTHLY"}`, "user_id is required"},
		"bad email":     {`{"user_id":"u1","email":"nope","plan_name":"Pro","plan_type":"MONTHLY"}`, "email must be a valid email address"},
		"unknown plan":  {`{"user_id":"u1","email":"a@b.co","plan_name":"Pro","plan_type":"WEEKLY"}`, "plan_type must be MONTHLY or ANNUAL"},
		"blank plan nm": {`{"user_id":"u1","email":"a@b.co","plan_name":"  ","plan_type":"MONTHLY"}`, "plan_name is required"},
	}

	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			f := newFixture(t, nil)
			rr := f.post("/api/create-checkout-session", tc.body, nil)

			require.Equal(t, http.StatusBadRequest, rr.Code)
			assert.Contains(t, decodeBody(t, rr)["error"], tc.want)
			assert.Empty(t, f.processor.checkouts)
		})
	}
}

func TestCheckoutProcessorError(t *testing.T) {
	f := newFixture(t, nil)
	f.processor.checkoutErr = errors.New("card declined")

	rr := f.post("/api/create-checkout-session",
		`{"user_id":"u1","email":"a@b.co","plan_name":"Pro","plan_type":"MONTHLY"}`, nil)

	require.Equal(t, http.StatusInternalServerError, rr.Code)
	assert.Equal(t, "card declined", decodeBody(t, rr)["error"])
}

func TestCheckoutNotConfigured(t *testing.T) {
	f := newFixture(t, func(c *BillingConfig) { c.Processor = nil })

	rr := f.post("/api/create-checkout-session",
		`{"user_id":"u1","email":"a@b.co","plan_name":"Pro","plan_type":"MONTHLY"}`, nil)

	require.Equal(t, http.StatusServiceUnavailable, rr.Code)
	assert.Equal(t, "Stripe service not configured", decodeBody(t, rr)["error"])
	assert.Empty(t, f.processor.checkouts)
}

func TestCancelSubscription(t *testing.T) {
	f := newFixture(t, nil)

	rr := f.post("/api/cancel-subscription", `{"subscription_id":"sub_1"}`, nil)

	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, "Subscription cancelled successfully", decodeBody(t, rr)["message"])
	assert.Equal(t, []string{"sub_1"}, f.processor.cancels)
	assert.Equal(t, []string{"sub_1"}, f.profiles.cleared)
	assert.Empty(t, f.jobs.jobs)
}

func TestCancelSubscriptionNotConfigured(t *testing.T) {
	t.Run("stripe", func(t *testing.T) {
		f := newFixture(t, func(c *BillingConfig) { c.Processor = nil })
		rr := f.post("/api/cancel-subscription", `{"subscription_id":"sub_1"}`, nil)

		require.Equal(t, http.StatusServiceUnavailable, rr.Code)
		assert.Equal(t, "Stripe service not configured", decodeBody(t, rr)["error"])
		assert.Zero(t, f.profiles.mutations())
	})

	t.Run("database", func(t *testing.T) {
		f := newFixture(t, func(c *BillingConfig) { c.Profiles = nil })
		rr := f.post("/api/cancel-subscription", `{"subscription_id":"sub_1"}`, nil)

		require.Equal(t, http.StatusServiceUnavailable, rr.Code)
		assert.Equal(t, "Database service not configured", decodeBody(t, rr)["error"])
		assert.Empty(t, f.processor.cancels)
	})
}

func TestCancelSubscriptionRequiresID(t *testing.T) {
	f := newFixture(t, nil)

	rr := f.post("/api/cancel-subscription", `{"subscription_id":"   "}`, nil)

	require.Equal(t, http.StatusBadRequest, rr.Code)
	assert.Equal(t, "subscription_id is required", decodeBody(t, rr)["error"])
	assert.Empty(t, f.processor.cancels)
}

func TestCancelSubscriptionProcessorError(t *testing.T) {
	f := newFixture(t, nil)
	f.processor.cancelErr = errors.New("No such subscription: 'sub_1'")

	rr := f.post("/api/cancel-subscription", `{"subscription_id":"sub_1"}`, nil)

	require.Equal(t, http.StatusInternalServerError, rr.Code)
	assert.Contains(t, decodeBody(t, rr)["error"], "No such subscription")
	assert.Zero(t, f.profiles.mutations())
}

func TestCancelSubscriptionDatabaseErrorEnqueuesReconciliation(t *testing.T) {
	f := newFixture(t, nil)
	f.profiles.clearErr = errors.New("connection reset")

	rr := f.post("/api/cancel-subscription", `{"subscription_id":"sub_1"}`, nil)

	require.Equal(t, http.StatusInternalServerError, rr.Code)
	assert.Len(t, f.processor.cancels, 1)
	require.Len(t, f.jobs.jobs, 1)

	job := f.jobs.jobs[0]
	assert.Equal(t, models.JobTypeClearSubscription, job.JobType)
	sub, ok := job.Payload.String("subscription_id")
	require.True(t, ok)
	assert.Equal(t, "sub_1", sub)
}

func TestWebhookCheckoutCompleted(t *testing.T) {
	f := newFixture(t, nil)

	rr := f.postEvent(t, "evt_1", "checkout.session.completed",
		`{"id":"cs_1","object":"checkout.session","subscription":"sub_1","metadata":{"user_id":"u1","plan_type":"MONTHLY"}}`)

	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, "Received", decodeBody(t, rr)["message"])
	assert.Equal(t, []paidCall{{"u1", "sub_1"}}, f.profiles.paid)

	err, ok := f.events.finished["evt_1"]
	require.True(t, ok)
	assert.NoError(t, err)
}

func TestWebhookRedeliverySkipsProcessedEvent(t *testing.T) {
	f := newFixture(t, nil)
	object := `{"id":"cs_1","subscription":"sub_1","metadata":{"user_id":"u1"}}`

	require.Equal(t, http.StatusOK, f.postEvent(t, "evt_1", "checkout.session.completed", object).Code)
	require.Equal(t, http.StatusOK, f.postEvent(t, "evt_1", "checkout.session.completed", object).Code)

	assert.Len(t, f.profiles.paid, 1)
}

func TestWebhookWithoutEventLogStillApplies(t *testing.T) {
	f := newFixture(t, func(c *BillingConfig) { c.Events = nil })
	object := `{"id":"cs_1","subscription":"sub_1","metadata":{"user_id":"u1"}}`

	require.Equal(t, http.StatusOK, f.postEvent(t, "evt_1", "checkout.session.completed", object).Code)
	require.Equal(t, http.StatusOK, f.postEvent(t, "evt_1", "checkout.session.completed", object).Code)

	assert.Len(t, f.profiles.paid, 2)
}

func TestWebhookSubscriptionDeleted(t *testing.T) {
	f := newFixture(t, nil)

	rr := f.postEvent(t, "evt_2", "customer.subscription.deleted", `{"id":"sub_1","object":"subscription","status":"canceled"}`)

	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, []string{"sub_1"}, f.profiles.cleared)
}

func TestWebhookPaymentIntentsDoNotMutate(t *testing.T) {
	for _, typ := range []string{"payment_intent.succeeded", "payment_intent.payment_failed"} {
		t.Run(typ, func(t *testing.T) {
			f := newFixture(t, nil)
			rr := f.postEvent(t, "evt_pi", typ, `{"id":"pi_1","amount":900,"currency":"usd","status":"succeeded"}`)

			require.Equal(t, http.StatusOK, rr.Code)
			assert.Zero(t, f.profiles.mutations())
		})
	}
}

func TestWebhookIgnoresUnlistedEvents(t *testing.T) {
	f := newFixture(t, nil)

	rr := f.postEvent(t, "evt_3", "invoice.paid", `{"id":"in_1","subscription":"sub_1","metadata":{"user_id":"u1"}}`)

	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, "Received", decodeBody(t, rr)["message"])
	assert.Zero(t, f.profiles.mutations())
	assert.Empty(t, f.events.finished)
}

func TestWebhookRejectsBadSignature(t *testing.T) {
	f := newFixture(t, nil)
	payload := `{"id":"evt_1","object":"event","type":"checkout.session.completed","data":{"object":{"subscription":"sub_1","metadata":{"user_id":"u1"}}}}`
	body, sig := stripe.SignPayload([]byte(payload), "whsec_wrong", time.Now())

	rr := f.post("/api/webhook", string(body), http.Header{"Stripe-Signature": {sig}})

	require.Equal(t, http.StatusBadRequest, rr.Code)
	assert.True(t, strings.HasPrefix(decodeBody(t, rr)["message"], "Webhook Error: "))
	assert.Zero(t, f.profiles.mutations())
	assert.Empty(t, f.events.finished)
}

func TestWebhookRejectsMissingSignature(t *testing.T) {
	f := newFixture(t, nil)

	rr := f.post("/api/webhook", `{"id":"evt_1","type":"checkout.session.completed"}`, nil)

	require.Equal(t, http.StatusBadRequest, rr.Code)
	assert.Zero(t, f.profiles.mutations())
}

func TestWebhookCheckoutWithoutUserIDIsAcknowledged(t *testing.T) {
	cases := map[string]string{
		"no metadata":     `{"id":"cs_1","subscription":"sub_1"}`,
		"empty user_id":   `{"id":"cs_1","subscription":"sub_1","metadata":{"user_id":"  "}}`,
		"no subscription": `{"id":"cs_1","metadata":{"user_id":"u1"}}`,
	}

	for name, object := range cases {
		t.Run(name, func(t *testing.T) {
			f := newFixture(t, nil)

			rr := f.postEvent(t, "evt_4", "checkout.session.completed", object)

			require.Equal(t, http.StatusOK, rr.Code)
			assert.Zero(t, f.profiles.mutations())
			err, ok := f.events.finished["evt_4"]
			require.True(t, ok)
			assert.NoError(t, err)
		})
	}
}

func TestWebhookDatabaseFailure(t *testing.T) {
	f := newFixture(t, nil)
	f.profiles.paidErr = errors.New("db down")

	rr := f.postEvent(t, "evt_5", "checkout.session.completed", `{"id":"cs_1","subscription":"sub_1","metadata":{"user_id":"u1"}}`)

	require.Equal(t, http.StatusInternalServerError, rr.Code)
	assert.Equal(t, "Webhook handler failed", decodeBody(t, rr)["message"])
	assert.False(t, f.events.processed["evt_5"])
}

func TestWebhookNotConfigured(t *testing.T) {
	cases := map[string]struct {
		mutate func(*BillingConfig)
		want   string
	}{
		"no secret":    {func(c *BillingConfig) { c.WebhookSecret = "" }, "Stripe service not configured"},
		"no processor": {func(c *BillingConfig) { c.Processor = nil }, "Stripe service not configured"},
		"no database":  {func(c *BillingConfig) { c.Profiles = nil }, "Database service not configured"},
	}

	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			f := newFixture(t, tc.mutate)
			rr := f.postEvent(t, "evt_1", "checkout.session.completed", `{"subscription":"sub_1","metadata":{"user_id":"u1"}}`)

			require.Equal(t, http.StatusServiceUnavailable, rr.Code)
			assert.Equal(t, tc.want, decodeBody(t, rr)["message"])
			assert.Zero(t, f.profiles.mutations())
		})
	}
}
