// Package callctx models the "authenticated caller" external collaborator:
// spec.md §1 places session/OIDC authentication itself outside the core's
// scope, so the control plane trusts a fronting proxy to have already
// authenticated the caller and to forward its identity as headers. This
// package turns those headers into a typed Caller and carries it through
// request context, the same NewContext/FromContext shape the teacher uses
// for its own Identity type.
package callctx

import (
	"context"
	"net/http"
)

// Caller is the authenticated identity attached to every inbound request
// once the trust-upstream headers have been parsed.
type Caller struct {
	NodeID      string   // non-empty when the request originates from an already-joined node
	TraceID     string   // correlation id threaded through audit events and M-Service calls
	Permissions []string // capability tags consumed by the plugin substrate's context bridge
}

// HasPermission reports whether perm is present in the caller's permission set.
func (c *Caller) HasPermission(perm string) bool {
	if c == nil {
		return false
	}
	for _, p := range c.Permissions {
		if p == perm {
			return true
		}
	}
	return false
}

type ctxKey string

const callerKey ctxKey = "callctx_caller"

// NewContext stores caller in ctx.
func NewContext(ctx context.Context, caller *Caller) context.Context {
	return context.WithValue(ctx, callerKey, caller)
}

// FromContext extracts the caller from ctx, or nil if none was set.
func FromContext(ctx context.Context) *Caller {
	v, _ := ctx.Value(callerKey).(*Caller)
	return v
}

const (
	headerNodeID      = "X-Node-ID"
	headerTraceID     = "X-Trace-ID"
	headerPermissions = "X-Caller-Permissions"
)

// Middleware parses the trust-upstream headers on every request into a
// Caller and attaches it to the request context. It never rejects a
// request for a missing header — callers without a node_id are treated as
// pre-join or anonymous, and handlers that require one check explicitly.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		caller := &Caller{
			NodeID:  r.Header.Get(headerNodeID),
			TraceID: r.Header.Get(headerTraceID),
		}
		if perms := r.Header.Values(headerPermissions); len(perms) > 0 {
			caller.Permissions = perms
		}
		ctx := NewContext(r.Context(), caller)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}
