package context

import (
	"context"
	"strings"
)

type requestIDKey struct{}
type actorKey struct{}

// Actor identifies the authenticated caller supplied by the identity layer.
type Actor struct {
	ID   string
	Role string
}

const (
	RoleAdmin       = "admin"
	RoleDistributor = "distributor"
	RoleSystem      = "system"
)

// SystemActor is used for scheduler and worker initiated mutations.
var SystemActor = Actor{ID: "system", Role: RoleSystem}

func WithRequestID(ctx context.Context, requestID string) context.Context {
	requestID = strings.TrimSpace(requestID)
	if requestID == "" {
		return ctx
	}
	return context.WithValue(ctx, requestIDKey{}, requestID)
}

func RequestIDFromContext(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	if v, ok := ctx.Value(requestIDKey{}).(string); ok {
		return v
	}
	return ""
}

func WithActor(ctx context.Context, actor Actor) context.Context {
	actor.ID = strings.TrimSpace(actor.ID)
	actor.Role = strings.ToLower(strings.TrimSpace(actor.Role))
	if actor.ID == "" {
		return ctx
	}
	return context.WithValue(ctx, actorKey{}, actor)
}

// ActorFromContext returns the caller, or false when the request is anonymous.
func ActorFromContext(ctx context.Context) (Actor, bool) {
	if ctx == nil {
		return Actor{}, false
	}
	actor, ok := ctx.Value(actorKey{}).(Actor)
	return actor, ok
}

// Subject renders the actor the way audit rows and policy checks expect it.
func (a Actor) Subject() string {
	switch a.Role {
	case RoleSystem:
		return "system"
	case "":
		return "user:" + a.ID
	default:
		return a.Role + ":" + a.ID
	}
}
