package workflow

import (
	"context"

	"github.com/songzhibin97/process-engine/types"
)

// Authorizer decides whether a user may act for an actor.
type Authorizer interface {
	IsMember(ctx context.Context, userID string, actor types.Actor) (bool, error)
}

// AuthorizerFunc is a function adapter for Authorizer.
type AuthorizerFunc func(ctx context.Context, userID string, actor types.Actor) (bool, error)

// IsMember implements the Authorizer interface.
func (f AuthorizerFunc) IsMember(ctx context.Context, userID string, actor types.Actor) (bool, error) {
	return f(ctx, userID, actor)
}

// Members is a static Authorizer keyed by actor id. A user actor also
// matches its own id.
type Members map[string][]string

// IsMember implements the Authorizer interface.
func (m Members) IsMember(ctx context.Context, userID string, actor types.Actor) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	if actor.Type == types.ActorUser && actor.ID == userID {
		return true, nil
	}
	for _, u := range m[actor.ID] {
		if u == userID {
			return true, nil
		}
	}
	return false, nil
}
