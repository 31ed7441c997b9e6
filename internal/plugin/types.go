// Package plugin implements the Plugin Substrate (spec.md §4.4): an isolate
// manager running third-party plugin code in OS subprocesses, a restart
// circuit breaker, a per-plugin context bridge, and an M-Service router that
// lets plugins call each other's published services.
package plugin

import "time"

// MessageType is the discriminator of every framed message crossing a
// worker's pipe, the subprocess analog of a worker-thread message port.
type MessageType string

const (
	MsgInit            MessageType = "INIT"
	MsgHealth          MessageType = "HEALTH"
	MsgInvoke          MessageType = "INVOKE"
	MsgResponse        MessageType = "RESPONSE"
	MsgContextRequest  MessageType = "CONTEXT_REQUEST"
	MsgContextResponse MessageType = "CONTEXT_RESPONSE"
)

// Envelope is the newline-delimited JSON frame exchanged over a worker's
// pipes.
type Envelope struct {
	ID        string         `json:"id"`
	PluginID  string         `json:"pluginId,omitempty"`
	Type      MessageType    `json:"type"`
	Timestamp int64          `json:"timestamp"`
	TraceID   string         `json:"traceId,omitempty"`
	Payload   map[string]any `json:"payload,omitempty"`
	Success   *bool          `json:"success,omitempty"`
	Data      any            `json:"data,omitempty"`
	Error     *EnvelopeError `json:"error,omitempty"`
}

// EnvelopeError is the error shape carried in a failed RESPONSE envelope.
type EnvelopeError struct {
	Kind    string `json:"kind"`
	Message string `json:"message"`
}

// Manifest describes a plugin at creation time: its entry path, the
// permissions it is granted, and its initial config. M-Service methods are
// not part of it; they are published through the Registry.
type Manifest struct {
	PluginID    string         `json:"plugin_id"`
	EntryPath   string         `json:"entry_path"`
	Permissions []string       `json:"permissions"`
	Config      map[string]any `json:"config,omitempty"`
}

// HealthReport is the payload of a HEALTH message.
type HealthReport struct {
	MemoryUsageBytes int64     `json:"memory_usage_bytes"`
	UptimeMs         int64     `json:"uptime_ms"`
	Status           string    `json:"status"`
	ReportedAt       time.Time `json:"-"`
}

// InvokeRequest is the params shape of an INVOKE envelope's payload, per
// spec.md §4.4.4 step 5.
type InvokeRequest struct {
	TraceID string         `json:"trace_id"`
	Caller  string         `json:"caller"`
	Service string         `json:"service"`
	Method  string         `json:"method"`
	Payload map[string]any `json:"payload"`
	Timeout *int           `json:"timeout,omitempty"`
}
