// Package auth carries the acting user through request contexts. The engine
// itself never reads ambient state; handlers extract the actor here and pass
// it along explicitly.
package auth

import (
	"context"
	"net/http"
	"strings"

	"github.com/google/uuid"
)

type contextKey string

const (
	actorKey       contextKey = "actor"
	actorOriginKey contextKey = "actorOrigin"
)

// Request headers identifying the acting user.
const (
	ActorHeader       = "X-Actor-ID"
	ActorOriginHeader = "X-Actor-Origin"
)

// ContextWithActor returns a new context carrying the acting user.
func ContextWithActor(ctx context.Context, actor uuid.UUID, origin string) context.Context {
	if ctx == nil {
		ctx = context.Background()
	}
	if actor != uuid.Nil {
		ctx = context.WithValue(ctx, actorKey, actor)
	}
	if strings.TrimSpace(origin) != "" {
		ctx = context.WithValue(ctx, actorOriginKey, strings.TrimSpace(origin))
	}
	return ctx
}

// ActorFromContext retrieves the acting user from the context, if any.
func ActorFromContext(ctx context.Context) *uuid.UUID {
	if ctx == nil {
		return nil
	}
	value := ctx.Value(actorKey)
	if value == nil {
		return nil
	}
	id, ok := value.(uuid.UUID)
	if !ok || id == uuid.Nil {
		return nil
	}
	return &id
}

// ActorOriginFromContext retrieves the acting user's origin label, if any.
func ActorOriginFromContext(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	origin, _ := ctx.Value(actorOriginKey).(string)
	return origin
}

// Middleware lifts the actor headers into the request context.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		if raw := strings.TrimSpace(r.Header.Get(ActorHeader)); raw != "" {
			if id, err := uuid.Parse(raw); err == nil {
				ctx = ContextWithActor(ctx, id, r.Header.Get(ActorOriginHeader))
			}
		}
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}
