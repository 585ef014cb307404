package handlers

import (
	"context"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog/log"

	"github.com/rexanwong/textbehindimage/backend/internal/models"
	"github.com/rexanwong/textbehindimage/backend/internal/store"
)

// EventReader loads webhook delivery log rows.
type EventReader interface {
	GetEvent(ctx context.Context, eventID string) (*models.StripeEvent, error)
}

// ProfileReader loads the billing fields of a profile.
type ProfileReader interface {
	GetProfile(ctx context.Context, userID string) (*models.Profile, error)
}

// LookupHandler answers support questions: did a webhook event arrive, and
// what does the database think a user's subscription is.
type LookupHandler struct {
	events   EventReader
	profiles ProfileReader
}

// NewLookupHandler creates a LookupHandler. Nil readers answer 503.
func NewLookupHandler(events EventReader, profiles ProfileReader) *LookupHandler {
	return &LookupHandler{events: events, profiles: profiles}
}

// RegisterRoutes registers lookup handlers with the router
func (h *LookupHandler) RegisterRoutes(router chi.Router) {
	router.Get("/api/webhook-events/{id}", h.GetWebhookEvent())
	router.Get("/api/profiles/{id}/billing", h.GetProfileBilling())
}

// GetWebhookEvent returns the delivery log row of one Stripe event.
func (h *LookupHandler) GetWebhookEvent() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if h.events == nil {
			writeError(w, http.StatusServiceUnavailable, msgDatabaseNotConfigured)
			return
		}

		id := chi.URLParam(r, "id")
		evt, err := h.events.GetEvent(r.Context(), id)
		if err != nil {
			if errors.Is(err, store.ErrEventNotFound) {
				writeError(w, http.StatusNotFound, "webhook event not found")
				return
			}
			log.Error().Err(err).Str("event_id", id).Msg("lookup: get webhook event")
			writeError(w, http.StatusInternalServerError, "failed to get webhook event")
			return
		}
		writeJSON(w, http.StatusOK, evt)
	}
}

type profileBillingResponse struct {
	*models.Profile
	Consistent bool `json:"consistent"`
}

// GetProfileBilling returns paid and subscription_id for one user, flagging
// rows that are paid without a subscription.
func (h *LookupHandler) GetProfileBilling() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if h.profiles == nil {
			writeError(w, http.StatusServiceUnavailable, msgDatabaseNotConfigured)
			return
		}

		id := chi.URLParam(r, "id")
		profile, err := h.profiles.GetProfile(r.Context(), id)
		if err != nil {
			if errors.Is(err, store.ErrProfileNotFound) {
				writeError(w, http.StatusNotFound, "profile not found")
				return
			}
			log.Error().Err(err).Str("user_id", id).Msg("lookup: get profile")
			writeError(w, http.StatusInternalServerError, "failed to get profile")
			return
		}

		consistent := profile.Consistent()
		if !consistent {
			log.Warn().Str("user_id", id).Msg("lookup: profile is paid without a subscription")
		}
		writeJSON(w, http.StatusOK, profileBillingResponse{Profile: profile, Consistent: consistent})
	}
}
