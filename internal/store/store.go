package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "github.com/lib/pq"

	"github.com/rexanwong/textbehindimage/backend/internal/models"
)

const profilesTable = "public.profiles"

// ErrProfileNotFound is returned when no profile row matches.
var ErrProfileNotFound = errors.New("profile not found")

// Open connects to Postgres, applies pool limits and verifies the connection.
func Open(ctx context.Context, dsn string) (*sql.DB, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("store: open database: %w", err)
	}

	db.SetConnMaxLifetime(30 * time.Minute)
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, fmt.Errorf("store: ping database: %w", err)
	}
	return db, nil
}

// Store provides database-backed accessors for profile billing state.
type Store struct {
	db *sql.DB
}

// New creates a Store using the provided sql.DB connection.
func New(db *sql.DB) (*Store, error) {
	if db == nil {
		return nil, errors.New("db cannot be nil")
	}
	return &Store{db: db}, nil
}

// MarkProfilePaid records a completed checkout: the profile becomes paid and
// references the new subscription. It reports whether a row matched userID.
func (s *Store) MarkProfilePaid(ctx context.Context, userID, subscriptionID string) (bool, error) {
	if subscriptionID == "" {
		return false, errors.New("store: subscription id cannot be empty")
	}

	res, err := s.db.ExecContext(ctx, fmt.Sprintf(`
UPDATE %s
SET paid = true,
    subscription_id = $2
WHERE id = $1
`, profilesTable), userID, subscriptionID)
	if err != nil {
		return false, fmt.Errorf("store: mark profile %s paid: %w", userID, err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("store: mark profile paid rows affected: %w", err)
	}
	return affected > 0, nil
}

// ClearSubscription reverts every profile referencing subscriptionID to
// unpaid with no subscription. It returns the number of rows changed.
func (s *Store) ClearSubscription(ctx context.Context, subscriptionID string) (int64, error) {
	res, err := s.db.ExecContext(ctx, fmt.Sprintf(`
UPDATE %s
SET paid = false,
    subscription_id = NULL
WHERE subscription_id = $1
`, profilesTable), subscriptionID)
	if err != nil {
		return 0, fmt.Errorf("store: clear subscription %s: %w", subscriptionID, err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("store: clear subscription rows affected: %w", err)
	}
	return affected, nil
}

// GetProfile loads the billing fields of one profile.
func (s *Store) GetProfile(ctx context.Context, userID string) (*models.Profile, error) {
	var (
		p     models.Profile
		subID sql.NullString
	)

	err := s.db.QueryRowContext(ctx, fmt.Sprintf(`
SELECT id, paid, subscription_id
FROM %s
WHERE id = $1
`, profilesTable), userID).Scan(&p.ID, &p.Paid, &subID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrProfileNotFound
		}
		return nil, fmt.Errorf("store: get profile %s: %w", userID, err)
	}

	p.SubscriptionID = nullStringPtr(subID)
	return &p, nil
}

// Ping checks database connectivity.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func nullStringPtr(v sql.NullString) *string {
	if !v.Valid {
		return nil
	}
	return &v.String
}
