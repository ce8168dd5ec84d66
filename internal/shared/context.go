package shared

import "context"

type actorContextKey struct{}

// Actor identifies who performs a movement and on behalf of which tenant.
type Actor struct {
	ActorID  int64
	ClientID int64
	DeviceID string
}

// ContextWithActor stores the actor in context.
func ContextWithActor(ctx context.Context, actor Actor) context.Context {
	return context.WithValue(ctx, actorContextKey{}, actor)
}

// ActorFromContext extracts the actor from context.
func ActorFromContext(ctx context.Context) (Actor, bool) {
	actor, ok := ctx.Value(actorContextKey{}).(Actor)
	return actor, ok
}
