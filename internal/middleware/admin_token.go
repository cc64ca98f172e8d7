package middleware

import (
	"context"
	"net/http"
	"strings"

	"github.com/gonzaloobispo/Bioengine-v3/internal/utils"
)

// ContextKey defines the type for context keys to avoid conflicts
type ContextKey string

const (
	// AdminActorKey is the context key for the name of the authenticated operator
	AdminActorKey ContextKey = "adminActor"

	// ActorHeader names the operator on whose behalf a request is made
	ActorHeader = "X-Admin-Actor"

	defaultActor = "admin"
)

// AdminTokenMiddleware accepts requests carrying the configured token in
// X-Admin-Token or as a Bearer token. The operator named in X-Admin-Actor is
// stored in the request context.
func AdminTokenMiddleware(token string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			presented := r.Header.Get("X-Admin-Token")
			if presented == "" {
				if h := r.Header.Get("Authorization"); strings.HasPrefix(h, "Bearer ") {
					presented = strings.TrimPrefix(h, "Bearer ")
				}
			}

			if presented == "" {
				utils.RespondWithError(w, http.StatusUnauthorized, "Missing admin token")
				return
			}
			if !utils.TokenMatches(presented, token) {
				utils.RespondWithError(w, http.StatusUnauthorized, "Invalid admin token")
				return
			}

			actor := strings.TrimSpace(r.Header.Get(ActorHeader))
			if actor == "" {
				actor = defaultActor
			}
			ctx := context.WithValue(r.Context(), AdminActorKey, actor)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// GetAdminActor returns the operator stored by AdminTokenMiddleware
func GetAdminActor(ctx context.Context) (string, bool) {
	actor, ok := ctx.Value(AdminActorKey).(string)
	return actor, ok
}
