package join

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/nodemesh/controlplane/internal/hashchain"
	"github.com/nodemesh/controlplane/internal/httpserver"
)

// Handler adapts a Controller onto POST /api/v1/join.
type Handler struct {
	ctrl *Controller
	log  *slog.Logger
}

// NewHandler builds a join Handler.
func NewHandler(ctrl *Controller, log *slog.Logger) *Handler {
	return &Handler{ctrl: ctrl, log: log}
}

// joinRequest is the wire shape of POST /api/v1/join, per spec.md §4.3.1.
type joinRequest struct {
	HWID                   string         `json:"hwid" validate:"required,len=64,hexadecimal"`
	Hostname               string         `json:"hostname" validate:"required"`
	Persona                string         `json:"persona"`
	HardwareProfile        map[string]any `json:"hardware_profile,omitempty"`
	HardwareProfileHash    string         `json:"hardware_profile_hash,omitempty"`
	OrgID                  string         `json:"org_id,omitempty"`
	NetworkLeaseGeneration *int64         `json:"network_lease_generation,omitempty"`
}

type joinResponse struct {
	NodeID string `json:"node_id"`
	CoreIP string `json:"core_ip"`
	Status string `json:"status"`
}

// ServeHTTP handles POST /api/v1/join.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	var req joinRequest
	if !httpserver.DecodeAndValidate(w, r, &req) {
		return
	}
	if !hashchain.IsHex64(req.HWID) {
		httpserver.RespondError(w, http.StatusBadRequest, "invalid_hwid", "hwid must be a 64-character hex string")
		return
	}

	wireVersion := r.Header.Get("x-wire-contract-version")

	result, jerr := h.ctrl.Join(r.Context(), Request{
		HWID:                   req.HWID,
		Hostname:               req.Hostname,
		Persona:                req.Persona,
		HardwareProfile:        req.HardwareProfile,
		HardwareProfileHash:    req.HardwareProfileHash,
		OrgID:                  req.OrgID,
		NetworkLeaseGeneration: req.NetworkLeaseGeneration,
	}, wireVersion)
	if jerr != nil {
		h.respondError(w, r, jerr)
		return
	}

	httpserver.Respond(w, http.StatusOK, joinResponse{
		NodeID: result.NodeID,
		CoreIP: result.CoreIP,
		Status: result.Status,
	})
}

// respondError maps a Kind onto the status codes in spec.md §4.3.5.
func (h *Handler) respondError(w http.ResponseWriter, r *http.Request, jerr *Error) {
	traceID := r.Header.Get("x-trace-id")

	status := http.StatusInternalServerError
	switch jerr.Kind {
	case KindWireContractVersionMismatch, KindHardwareProfileHashMismatch:
		status = http.StatusBadRequest
	case KindNetworkLeaseConflict, KindTransactionAborted:
		status = http.StatusConflict
	case KindAuditBackpressure:
		status = http.StatusServiceUnavailable
	case KindInternalError:
		status = http.StatusInternalServerError
	}

	if jerr.RetryAfterSeconds > 0 {
		w.Header().Set("Retry-After", strconv.Itoa(jerr.RetryAfterSeconds))
	}

	if jerr.Kind == KindInternalError {
		h.log.Error("join failed", "trace_id", traceID, "error", jerr.Message)
	}

	body := map[string]any{
		"error":   string(jerr.Kind),
		"message": jerr.Message,
	}
	for k, v := range jerr.Detail {
		body[k] = v
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		h.log.Error("encoding join error response", "error", err)
	}
}
