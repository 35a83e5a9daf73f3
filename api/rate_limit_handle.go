package api

import (
	"net/http"

	"task-notifications/middleware"
)

type RateLimitStatus struct {
	Remaining int   `json:"remaining"`
	Reset     int64 `json:"reset"` // seconds until reset
}

func RateLimitStatusHandler(limiter *middleware.RateLimiter) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		userID, ok := middleware.UserID(r)
		if !ok {
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}

		remaining, resetIn, err := limiter.Status(r.Context(), userID)
		if err != nil {
			http.Error(w, "Failed to read rate limit", http.StatusInternalServerError)
			return
		}

		writeJSON(w, http.StatusOK, RateLimitStatus{
			Remaining: remaining,
			Reset:     int64(resetIn.Seconds()),
		})
	}
}
