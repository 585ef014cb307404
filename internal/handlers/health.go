package handlers

import (
	"context"
	"net/http"
	"time"

	"github.com/rs/zerolog/log"
)

// Pinger checks a dependency is reachable.
type Pinger interface {
	Ping(ctx context.Context) error
}

type healthResponse struct {
	Status    string `json:"status"`
	Timestamp string `json:"timestamp"`
	Stripe    bool   `json:"stripe"`
	Database  bool   `json:"database"`
}

// Health responds with status 200 while the process is up and reports which
// billing dependencies are usable. A nil db means no database is configured.
func Health(stripeConfigured bool, db Pinger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		resp := healthResponse{
			Status:    "ok",
			Timestamp: time.Now().UTC().Format(time.RFC3339Nano),
			Stripe:    stripeConfigured,
		}

		if db != nil {
			ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
			defer cancel()
			if err := db.Ping(ctx); err != nil {
				log.Warn().Err(err).Msg("health: database ping failed")
			} else {
				resp.Database = true
			}
		}

		writeJSON(w, http.StatusOK, resp)
	}
}
