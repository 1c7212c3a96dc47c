package requestctx

import "context"

// actorContextKey is the context key for authenticated actor identity.
type actorContextKey struct{}

// Actor is the verified identity attached to a request.
type Actor struct {
	ID          string
	DisplayName string
}

// WithActor stores a verified actor in context.
func WithActor(ctx context.Context, actor Actor) context.Context {
	if ctx == nil {
		ctx = context.Background()
	}
	return context.WithValue(ctx, actorContextKey{}, actor)
}

// ActorFromContext returns the actor stored in context.
func ActorFromContext(ctx context.Context) (Actor, bool) {
	if ctx == nil {
		return Actor{}, false
	}
	actor, ok := ctx.Value(actorContextKey{}).(Actor)
	return actor, ok
}
