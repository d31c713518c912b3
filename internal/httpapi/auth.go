package httpapi

import (
	"context"
	"net/http"
	"strings"

	"github.com/google/uuid"
)

// Authentication happens in front of this service. The gateway forwards the
// authenticated staff member and the caller's request id as headers.
const (
	headerStaffID   = "X-Staff-ID"
	headerRequestID = "X-Request-ID"
)

type identityContextKey struct{}

type identity struct {
	StaffID   string
	RequestID string
}

func IdentityMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := identity{
			StaffID:   strings.TrimSpace(r.Header.Get(headerStaffID)),
			RequestID: strings.TrimSpace(r.Header.Get(headerRequestID)),
		}
		if id.RequestID == "" {
			id.RequestID = uuid.NewString()
			r.Header.Set(headerRequestID, id.RequestID)
		}
		w.Header().Set(headerRequestID, id.RequestID)
		ctx := context.WithValue(r.Context(), identityContextKey{}, id)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func identityFromContext(ctx context.Context) identity {
	id, _ := ctx.Value(identityContextKey{}).(identity)
	return id
}

func requestIDFromRequest(r *http.Request) string {
	if id := identityFromContext(r.Context()).RequestID; id != "" {
		return id
	}
	return strings.TrimSpace(r.Header.Get(headerRequestID))
}

// actorID prefers the authenticated staff member over one named in the body.
func actorID(r *http.Request, fallback string) string {
	if staff := identityFromContext(r.Context()).StaffID; staff != "" {
		return staff
	}
	return strings.TrimSpace(fallback)
}
