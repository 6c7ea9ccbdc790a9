package audit

import "context"

// Actor is the identity a mutation is attributed to.
type Actor struct {
	ID     string
	Scopes []string
}

// RequestInfo is the request context copied into record metadata.
type RequestInfo struct {
	Route     string
	Method    string
	URL       string
	IP        string
	UserAgent string
	Params    map[string]any
	Tags      []string
}

type actorKey struct{}
type requestKey struct{}

// WithActor returns a context carrying actor.
func WithActor(ctx context.Context, actor Actor) context.Context {
	return context.WithValue(ctx, actorKey{}, actor)
}

// ActorFrom returns the actor carried by ctx, if any. System-originated events have none.
func ActorFrom(ctx context.Context) (Actor, bool) {
	a, ok := ctx.Value(actorKey{}).(Actor)
	if !ok || a.ID == "" {
		return Actor{}, false
	}
	return a, true
}

// WithRequest returns a context carrying request metadata.
func WithRequest(ctx context.Context, info RequestInfo) context.Context {
	return context.WithValue(ctx, requestKey{}, info)
}

// RequestFrom returns the request metadata carried by ctx, if any.
func RequestFrom(ctx context.Context) (RequestInfo, bool) {
	info, ok := ctx.Value(requestKey{}).(RequestInfo)
	return info, ok
}

func actorIDPtr(ctx context.Context) *string {
	a, ok := ActorFrom(ctx)
	if !ok {
		return nil
	}
	id := a.ID
	return &id
}
