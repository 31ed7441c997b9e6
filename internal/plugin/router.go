package plugin

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/nodemesh/controlplane/internal/telemetry"
)

const defaultCallTimeout = 5 * time.Second

// PermissionChecker reports whether a plugin holds a capability. *Permissions
// satisfies it.
type PermissionChecker interface {
	HasPermission(pluginID, perm string) bool
}

// WorkerResolver finds the active worker for a plugin id.
type WorkerResolver func(pluginID string) (Worker, bool)

// Router implements the M-Service route algorithm of spec.md §4.4.4.
type Router struct {
	registry      *Registry
	bridge        *Bridge
	perms         PermissionChecker
	resolveWorker WorkerResolver
	bookkeeping   time.Duration
}

// NewRouter constructs a Router.
func NewRouter(registry *Registry, bridge *Bridge, perms PermissionChecker, resolveWorker WorkerResolver, cfg Config) *Router {
	return &Router{
		registry:      registry,
		bridge:        bridge,
		perms:         perms,
		resolveWorker: resolveWorker,
		bookkeeping:   cfg.BridgeBookkeeping,
	}
}

// RouteRequest is the caller-supplied shape of an M-Service call.
type RouteRequest struct {
	TraceID   string
	Caller    string
	Service   string
	Method    string
	Payload   map[string]any
	TimeoutMs *int
}

// RouteResult is the normalized success shape of a routed call.
type RouteResult struct {
	Success bool
	Data    any
}

// Route resolves, invokes, and normalizes one M-Service call.
func (rt *Router) Route(ctx context.Context, req RouteRequest) (RouteResult, *Error) {
	start := time.Now()
	result, rerr := rt.route(ctx, req)

	outcome := "success"
	if rerr != nil {
		outcome = string(rerr.Kind)
	}
	telemetry.RouterCallsTotal.WithLabelValues(req.Service, outcome).Inc()
	telemetry.RouterCallDuration.WithLabelValues(req.Service).Observe(time.Since(start).Seconds())

	return result, rerr
}

func (rt *Router) route(ctx context.Context, req RouteRequest) (RouteResult, *Error) {
	if !rt.perms.HasPermission(req.Caller, "plugin:access") {
		return RouteResult{}, newError(KindAccessDenied, "caller %q lacks plugin:access", req.Caller)
	}

	reg, ok := rt.registry.Lookup(req.Service)
	if !ok {
		return RouteResult{}, newError(KindServiceUnavailable, "service %q is not registered", req.Service)
	}

	if len(reg.Methods) > 0 && !containsString(reg.Methods, req.Method) {
		return RouteResult{}, newError(KindMethodNotFound, "service %q has no method %q", req.Service, req.Method)
	}

	worker, ok := rt.resolveWorker(reg.PluginID)
	if !ok {
		return RouteResult{}, newError(KindServiceUnavailable, "plugin %q has no active worker", reg.PluginID)
	}

	timeout := defaultCallTimeout
	if req.TimeoutMs != nil {
		ms := *req.TimeoutMs
		if ms < 1 {
			ms = 1
		}
		timeout = time.Duration(ms) * time.Millisecond
	}

	envelope := Envelope{
		ID:        uuid.NewString(),
		PluginID:  reg.PluginID,
		Type:      MsgInvoke,
		Timestamp: time.Now().UnixMilli(),
		TraceID:   req.TraceID,
		Payload: map[string]any{
			"method": req.Service + "." + req.Method,
			"params": map[string]any{
				"trace_id": req.TraceID,
				"caller":   req.Caller,
				"service":  req.Service,
				"method":   req.Method,
				"payload":  req.Payload,
			},
			"timeout": timeout.Milliseconds(),
		},
	}

	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	resp, err := rt.bridge.SendAndWait(callCtx, worker, envelope, timeout+rt.bookkeeping)
	if err != nil {
		var perr *Error
		if errors.As(err, &perr) && perr.Kind == KindTimeout {
			return RouteResult{}, newError(KindTimeout, "service call timed out after %dms", timeout.Milliseconds())
		}
		if errors.Is(err, context.DeadlineExceeded) {
			return RouteResult{}, newError(KindTimeout, "service call timed out after %dms", timeout.Milliseconds())
		}
		return RouteResult{}, newError(KindServiceUnavailable, "%v", err)
	}

	return normalizeResponse(resp)
}

// normalizeResponse implements spec.md §4.4.4 step 7: an envelope with no
// success field is already M-Service-shaped and passes through; otherwise
// it's a plugin-invoke response whose failure codes get remapped.
func normalizeResponse(env Envelope) (RouteResult, *Error) {
	if env.Success == nil {
		return RouteResult{Success: true, Data: env.Data}, nil
	}
	if *env.Success {
		return RouteResult{Success: true, Data: env.Data}, nil
	}

	if env.Error == nil {
		return RouteResult{}, newError(KindServiceUnavailable, "plugin returned failure with no error detail")
	}

	switch Kind(env.Error.Kind) {
	case KindPermissionDenied:
		return RouteResult{}, newError(KindAccessDenied, "%s", env.Error.Message)
	case KindAccessDenied, KindMethodNotFound, KindTimeout, KindServiceUnavailable, KindInternalError:
		return RouteResult{}, &Error{Kind: Kind(env.Error.Kind), Message: env.Error.Message}
	default:
		return RouteResult{}, newError(KindServiceUnavailable, "%s", env.Error.Message)
	}
}

func containsString(ss []string, s string) bool {
	for _, v := range ss {
		if v == s {
			return true
		}
	}
	return false
}
