package dispatch

import "context"

// serviceIdentityKey is an unexported context key so only this package's
// accessors can set or read the calling service's identity.
type serviceIdentityKey struct{}

// WithServiceIdentity returns a context carrying the calling service's
// identity, as established by the identity collaborator (spec §6.1). The
// worker pool does not set it on dequeue; downstream attribution comes
// from the persisted job's SubmittedBy field.
func WithServiceIdentity(ctx context.Context, serviceName string) context.Context {
	return context.WithValue(ctx, serviceIdentityKey{}, serviceName)
}

// ServiceIdentity returns the calling service's name, or "" if none is set.
func ServiceIdentity(ctx context.Context) string {
	name, _ := ctx.Value(serviceIdentityKey{}).(string)
	return name
}
