package config

import (
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
)

// Config captures runtime configuration values used by the backend service.
type Config struct {
	// ServerAddress is the host:port pair the HTTP server listens on. Defaults to ":18111".
	ServerAddress string

	// StripeSecretKey authenticates calls to the Stripe API. Empty disables
	// checkout and cancellation.
	StripeSecretKey string

	// StripeWebhookSecret is the signing secret of the webhook endpoint.
	StripeWebhookSecret string

	// CheckoutSuccessURL is where Stripe sends the customer after payment.
	CheckoutSuccessURL string

	// CheckoutCancelURL is where Stripe sends a customer who backs out. Optional.
	CheckoutCancelURL string

	// DatabaseURL is the Postgres DSN used by database/sql. When the DSN carries
	// no password, SupabaseServiceKey is injected as one.
	DatabaseURL string

	// SupabaseServiceKey is the service-role credential for the hosted database.
	SupabaseServiceKey string

	// LogLevel and LogFormat configure the zerolog logger.
	LogLevel  string
	LogFormat string

	// WorkerConcurrency is the number of job processors. Defaults to 2.
	WorkerConcurrency int

	// StripeMaxNetworkRetries is how often the Stripe SDK retries a failed
	// request. Defaults to 2.
	StripeMaxNetworkRetries int

	// OpsAPIToken guards the operator routes under /api/jobs, /api/webhook-events
	// and /api/profiles. Empty disables them.
	OpsAPIToken string
}

const (
	defaultServerAddress      = ":18111"
	defaultCheckoutSuccessURL = "http://textbehindimage.rexanwong.xyz/app"
	defaultLogLevel           = "info"
	defaultLogFormat          = "auto"
	defaultWorkerConcurrency  = 2
	defaultStripeRetries      = 2

	envServerAddress       = "BACKEND_ADDR"
	envStripeSecretKey     = "STRIPE_SECRET_KEY"
	envStripeWebhookSecret = "STRIPE_WEBHOOK_SECRET"
	envCheckoutSuccessURL  = "CHECKOUT_SUCCESS_URL"
	envCheckoutCancelURL   = "CHECKOUT_CANCEL_URL"
	envDatabaseURL         = "DATABASE_URL"
	envSupabaseServiceKey  = "SUPABASE_SERVICE_ROLE_KEY"
	envLogLevel            = "LOG_LEVEL"
	envLogFormat           = "LOG_FORMAT"
	envWorkerConcurrency   = "WORKER_CONCURRENCY"
	envStripeRetries       = "STRIPE_MAX_NETWORK_RETRIES"
	envOpsAPIToken         = "OPS_API_TOKEN"
)

// Load reads configuration from environment variables and applies defaults.
// Missing Stripe or database settings are not an error: the affected endpoints
// answer 503 instead. Malformed values are rejected.
func Load() (Config, error) {
	cfg := Config{
		ServerAddress:           firstNonEmpty(os.Getenv(envServerAddress), defaultServerAddress),
		StripeSecretKey:         strings.TrimSpace(os.Getenv(envStripeSecretKey)),
		StripeWebhookSecret:     strings.TrimSpace(os.Getenv(envStripeWebhookSecret)),
		CheckoutSuccessURL:      firstNonEmpty(os.Getenv(envCheckoutSuccessURL), defaultCheckoutSuccessURL),
		CheckoutCancelURL:       os.Getenv(envCheckoutCancelURL),
		SupabaseServiceKey:      strings.TrimSpace(os.Getenv(envSupabaseServiceKey)),
		LogLevel:                firstNonEmpty(os.Getenv(envLogLevel), defaultLogLevel),
		LogFormat:               firstNonEmpty(os.Getenv(envLogFormat), defaultLogFormat),
		WorkerConcurrency:       defaultWorkerConcurrency,
		StripeMaxNetworkRetries: defaultStripeRetries,
		OpsAPIToken:             strings.TrimSpace(os.Getenv(envOpsAPIToken)),
	}

	if raw := strings.TrimSpace(os.Getenv(envWorkerConcurrency)); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			return Config{}, fmt.Errorf("invalid %s: %q", envWorkerConcurrency, raw)
		}
		cfg.WorkerConcurrency = n
	}

	if raw := strings.TrimSpace(os.Getenv(envStripeRetries)); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			return Config{}, fmt.Errorf("invalid %s: %q", envStripeRetries, raw)
		}
		cfg.StripeMaxNetworkRetries = n
	}

	if raw := strings.TrimSpace(os.Getenv(envDatabaseURL)); raw != "" {
		dsn, err := resolveDatabaseURL(raw, cfg.SupabaseServiceKey)
		if err != nil {
			return Config{}, fmt.Errorf("invalid %s: %w", envDatabaseURL, err)
		}
		cfg.DatabaseURL = dsn
	}

	return cfg, nil
}

// StripeConfigured reports whether checkout and cancellation can reach Stripe.
func (c Config) StripeConfigured() bool {
	return c.StripeSecretKey != ""
}

// WebhookConfigured reports whether incoming webhooks can be verified.
func (c Config) WebhookConfigured() bool {
	return c.StripeConfigured() && c.StripeWebhookSecret != ""
}

// OpsConfigured reports whether the operator routes are enabled.
func (c Config) OpsConfigured() bool {
	return c.OpsAPIToken != ""
}

// DatabaseConfigured reports whether a usable DSN was resolved.
func (c Config) DatabaseConfigured() bool {
	return c.DatabaseURL != ""
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v = strings.TrimSpace(v); v != "" {
			return v
		}
	}
	return ""
}

// resolveDatabaseURL validates the DSN and fills in the service key as the
// password when the DSN does not carry one. A DSN that still has no
// credentials after that resolves to "" (database not configured).
func resolveDatabaseURL(raw, serviceKey string) (string, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return "", err
	}

	if u.Scheme != "postgres" && u.Scheme != "postgresql" {
		return "", fmt.Errorf("unsupported scheme %q", u.Scheme)
	}
	if u.Hostname() == "" {
		return "", fmt.Errorf("missing host")
	}
	if strings.TrimPrefix(u.Path, "/") == "" {
		return "", fmt.Errorf("missing database name")
	}

	if u.User == nil || u.User.Username() == "" {
		return "", fmt.Errorf("missing user")
	}

	if _, hasPassword := u.User.Password(); !hasPassword {
		if serviceKey == "" {
			return "", nil
		}
		u.User = url.UserPassword(u.User.Username(), serviceKey)
	}

	q := u.Query()
	if q.Get("sslmode") == "" {
		q.Set("sslmode", "require")
	}
	u.RawQuery = q.Encode()

	return u.String(), nil
}

// RedactedDatabaseTarget describes the DSN without credentials, for logs.
func (c Config) RedactedDatabaseTarget() string {
	u, err := url.Parse(c.DatabaseURL)
	if err != nil || c.DatabaseURL == "" {
		return ""
	}
	return fmt.Sprintf("host=%s db=%s", u.Hostname(), strings.TrimPrefix(u.Path, "/"))
}
