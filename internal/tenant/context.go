// Package tenant owns the request-scoped tenant binding and the
// tenant/user persistence layer. Every data access in the system derives
// its tenant from the binding in the context; nothing accepts a
// caller-supplied tenant id.
package tenant

import (
	"context"

	"github.com/google/uuid"

	"github.com/docvault/docvault/internal/apperr"
)

type contextKey struct{}

var bindingKey contextKey

// Binding is the immutable identity attached to a context after the
// credential is verified. It is passed by value and never mutated, so it
// cannot leak across concurrent requests.
type Binding struct {
	TenantID  uuid.UUID
	UserID    uuid.UUID
	Role      Role
	Namespace string
}

func WithBinding(ctx context.Context, b Binding) context.Context {
	return context.WithValue(ctx, bindingKey, b)
}

func BindingFromContext(ctx context.Context) (Binding, bool) {
	b, ok := ctx.Value(bindingKey).(Binding)
	return b, ok
}

// MustBinding returns the binding or an authentication error. Repositories
// call this first so an unbound context can never reach a query.
func MustBinding(ctx context.Context) (Binding, error) {
	b, ok := BindingFromContext(ctx)
	if !ok || b.TenantID == uuid.Nil {
		return Binding{}, apperr.Authentication("no tenant binding in context")
	}
	return b, nil
}
