package shared

import "context"

type actorContextKey struct{}

// ContextWithActor stores the acting user id in context.
func ContextWithActor(ctx context.Context, actorID int64) context.Context {
	return context.WithValue(ctx, actorContextKey{}, actorID)
}

// ActorFromContext extracts the acting user id, reporting whether one was set.
func ActorFromContext(ctx context.Context) (int64, bool) {
	actor, ok := ctx.Value(actorContextKey{}).(int64)
	return actor, ok
}
