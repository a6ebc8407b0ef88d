// Package context provides request-scoped values extraction.
package context

import (
	"context"
)

// UserContext identifies the caller for audit and attribution purposes.
// Authorization (roles, permissions) is handled by an external collaborator
// and is not modeled here.
type UserContext struct {
	UserID    string
	TenantID  string
	Email     string
	SessionID string
}

type userContextKey struct{}

// WithUser adds UserContext to context.
func WithUser(ctx context.Context, user *UserContext) context.Context {
	return context.WithValue(ctx, userContextKey{}, user)
}

// GetUser returns UserContext from context.
func GetUser(ctx context.Context) *UserContext {
	if v, ok := ctx.Value(userContextKey{}).(*UserContext); ok {
		return v
	}
	return nil
}

// GetUserID returns user ID from context or empty string.
func GetUserID(ctx context.Context) string {
	if u := GetUser(ctx); u != nil {
		return u.UserID
	}
	return ""
}

// GetTenantID returns tenant ID from context or empty string.
func GetTenantID(ctx context.Context) string {
	if u := GetUser(ctx); u != nil {
		return u.TenantID
	}
	return ""
}
