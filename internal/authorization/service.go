package authorization

import (
	"context"
	"errors"
)

var (
	ErrForbidden     = errors.New("forbidden")
	ErrInvalidActor  = errors.New("invalid_actor")
	ErrInvalidObject = errors.New("invalid_object")
	ErrInvalidAction = errors.New("invalid_action")
)

// Service decides whether the actor on the context may perform an action.
type Service interface {
	Authorize(ctx context.Context, object string, action string) error
	// AuthorizeOwner additionally grants self-scoped permissions when the
	// actor is the distributor identified by ownerID.
	AuthorizeOwner(ctx context.Context, ownerID string, object string, action string) error
}
