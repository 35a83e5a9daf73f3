package middleware

import (
	"context"
	"net/http"

	"task-notifications/common"
)

type TokenVerifier interface {
	Verify(token string) (string, error)
}

// JWTMiddleware rejects requests without a valid bearer token and stores
// the token subject under common.ContextUserIDKey.
func JWTMiddleware(verifier TokenVerifier) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			userID, err := verifier.Verify(common.ExtractToken(r))
			if err != nil {
				http.Error(w, "Unauthorized", http.StatusUnauthorized)
				return
			}
			ctx := context.WithValue(r.Context(), common.ContextUserIDKey, userID)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// UserID returns the user stored by JWTMiddleware.
func UserID(r *http.Request) (string, bool) {
	userID, ok := r.Context().Value(common.ContextUserIDKey).(string)
	return userID, ok && userID != ""
}
