package middleware

import (
	"net/http"

	"github.com/daap14/tenantdb/internal/api/response"
	"github.com/daap14/tenantdb/internal/auth"
)

// AdminTokenHeader carries the administrative token.
const AdminTokenHeader = "X-Admin-Token"

// AdminToken is middleware that checks the X-Admin-Token header against the
// auth service. Missing or invalid tokens return 401.
func AdminToken(authService *auth.Service) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			requestID := GetRequestID(r.Context())

			rawToken := r.Header.Get(AdminTokenHeader)
			if rawToken == "" {
				response.Err(w, http.StatusUnauthorized, "UNAUTHORIZED", "Admin token is required", requestID)
				return
			}

			if err := authService.Authenticate(rawToken); err != nil {
				response.Err(w, http.StatusUnauthorized, "UNAUTHORIZED", "Invalid admin token", requestID)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}
