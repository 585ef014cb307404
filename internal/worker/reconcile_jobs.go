package worker

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog/log"

	"github.com/rexanwong/textbehindimage/backend/internal/models"
)

// SubscriptionClearer reverts profiles tied to a cancelled subscription.
type SubscriptionClearer interface {
	ClearSubscription(ctx context.Context, subscriptionID string) (int64, error)
}

// RegisterReconciliationJobs registers the handlers that repair profile state
// after a partially failed billing operation.
func RegisterReconciliationJobs(w *Worker, profiles SubscriptionClearer) {
	w.RegisterHandler(models.JobTypeClearSubscription, clearSubscriptionHandler(profiles))
}

func clearSubscriptionHandler(profiles SubscriptionClearer) Handler {
	return func(ctx context.Context, job *models.Job) error {
		subID, ok := job.Payload.String("subscription_id")
		if !ok {
			return errors.New("missing subscription_id in payload")
		}

		n, err := profiles.ClearSubscription(ctx, subID)
		if err != nil {
			return fmt.Errorf("clear subscription %s: %w", subID, err)
		}

		log.Info().
			Int64("job_id", job.ID).
			Str("subscription_id", subID).
			Int64("profiles", n).
			Msg("reconciled cancelled subscription")
		return nil
	}
}
