package plugin

import (
	"context"
	"encoding/json"

	"github.com/nodemesh/controlplane/internal/model"
)

// NodeLister is the host-filtered node list collaborator getNodes() reads
// from.
type NodeLister interface {
	ListNodesForPlugin(ctx context.Context, pluginID string) ([]model.Node, error)
}

// EventBus publishes plugin events onto the host's bus; subject determines
// the permission required to publish it.
type EventBus interface {
	Publish(ctx context.Context, subject string, data any) error
	RequiredPermission(subject string) string
}

// ConfigStore persists the encrypted per-plugin config blob.
type ConfigStore interface {
	Load(ctx context.Context, pluginID string) ([]byte, bool, error)
	Save(ctx context.Context, pluginID string, blob []byte) error
}

// ContextBridge is the per-plugin context described in spec.md §4.4.3: the
// exactly-five-method surface a plugin's context requests are dispatched
// against.
type ContextBridge struct {
	perms   PermissionChecker
	nodes   NodeLister
	events  EventBus
	configs ConfigStore
	router  *Router
	cfg     Config
	secret  string
}

// NewContextBridge constructs a ContextBridge.
func NewContextBridge(perms PermissionChecker, nodes NodeLister, events EventBus, configs ConfigStore, router *Router, cfg Config) *ContextBridge {
	return &ContextBridge{perms: perms, nodes: nodes, events: events, configs: configs, router: router, cfg: cfg, secret: cfg.ConfigEncryptionKey}
}

// Handle dispatches one {method, params} context request from pluginID.
func (cb *ContextBridge) Handle(ctx context.Context, pluginID string, method string, params map[string]any) (any, *Error) {
	switch method {
	case "getNodes":
		return cb.getNodes(ctx, pluginID)
	case "publishEvent":
		return cb.publishEvent(ctx, pluginID, params)
	case "getConfig":
		return cb.getConfig(ctx, pluginID)
	case "setConfig":
		return cb.setConfig(ctx, pluginID, params)
	case "callService":
		return cb.callService(ctx, pluginID, params)
	default:
		return nil, newError(KindMethodNotFound, "unknown context method %q", method)
	}
}

func (cb *ContextBridge) getNodes(ctx context.Context, pluginID string) (any, *Error) {
	if !cb.perms.HasPermission(pluginID, "node:read") {
		return nil, newError(KindPermissionDenied, "plugin %q lacks node:read", pluginID)
	}
	nodes, err := cb.nodes.ListNodesForPlugin(ctx, pluginID)
	if err != nil {
		return nil, newError(KindPluginContextError, "listing nodes: %v", err)
	}
	return nodes, nil
}

func (cb *ContextBridge) publishEvent(ctx context.Context, pluginID string, params map[string]any) (any, *Error) {
	subject, _ := params["subject"].(string)
	if subject == "" {
		return nil, newError(KindPluginContextError, "publishEvent requires a subject")
	}
	required := cb.events.RequiredPermission(subject)
	if required != "" && !cb.perms.HasPermission(pluginID, required) {
		return nil, newError(KindPermissionDenied, "plugin %q lacks %s for subject %q", pluginID, required, subject)
	}
	if err := cb.events.Publish(ctx, subject, params["data"]); err != nil {
		return nil, newError(KindPluginContextError, "publishing event: %v", err)
	}
	return map[string]any{"published": true}, nil
}

func (cb *ContextBridge) getConfig(ctx context.Context, pluginID string) (any, *Error) {
	blob, ok, err := cb.configs.Load(ctx, pluginID)
	if err != nil {
		return nil, newError(KindPluginContextError, "loading config: %v", err)
	}
	if !ok {
		return map[string]any{}, nil
	}
	plaintext, err := openConfig(cb.secret, blob)
	if err != nil {
		return nil, newError(KindPluginContextError, "decrypting config: %v", err)
	}
	var cfg map[string]any
	if err := json.Unmarshal(plaintext, &cfg); err != nil {
		return nil, newError(KindPluginContextError, "decoding config: %v", err)
	}
	return cfg, nil
}

func (cb *ContextBridge) setConfig(ctx context.Context, pluginID string, params map[string]any) (any, *Error) {
	newCfg, _ := params["cfg"].(map[string]any)
	plaintext, err := json.Marshal(newCfg)
	if err != nil {
		return nil, newError(KindPluginContextError, "encoding config: %v", err)
	}
	if int64(len(plaintext)) > cb.cfg.configQuotaBytes() {
		return nil, newError(KindPluginContextError, "config exceeds quota of %d MiB", cb.cfg.ConfigQuotaMiB)
	}
	blob, err := sealConfig(cb.secret, plaintext)
	if err != nil {
		return nil, newError(KindPluginContextError, "encrypting config: %v", err)
	}
	if err := cb.configs.Save(ctx, pluginID, blob); err != nil {
		return nil, newError(KindPluginContextError, "saving config: %v", err)
	}
	return map[string]any{"saved": true}, nil
}

func (cb *ContextBridge) callService(ctx context.Context, pluginID string, params map[string]any) (any, *Error) {
	if !cb.perms.HasPermission(pluginID, "plugin:access") {
		return nil, newError(KindPermissionDenied, "plugin %q lacks plugin:access", pluginID)
	}
	service, _ := params["service"].(string)
	method, _ := params["method"].(string)
	payload, _ := params["params"].(map[string]any)

	var timeoutMs *int
	if v, ok := params["timeoutMs"].(float64); ok {
		ms := int(v)
		timeoutMs = &ms
	}

	result, rerr := cb.router.Route(ctx, RouteRequest{
		Caller:    pluginID,
		Service:   service,
		Method:    method,
		Payload:   payload,
		TimeoutMs: timeoutMs,
	})
	if rerr != nil {
		return nil, rerr
	}
	if !result.Success {
		return nil, newError(KindPluginContextError, "service call did not succeed")
	}
	return result.Data, nil
}
