package results

import (
	"net/http"

	"github.com/nodemesh/controlplane/internal/callctx"
	"github.com/nodemesh/controlplane/internal/httpserver"
)

// Handler adapts a Service onto POST /api/v1/results.
type Handler struct {
	svc *Service
}

// NewHandler builds a results Handler.
func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

type resultRequest struct {
	TaskID string         `json:"task_id" validate:"required"`
	Status string         `json:"status" validate:"required,oneof=completed failed"`
	Output map[string]any `json:"output,omitempty"`
	Error  string         `json:"error,omitempty"`
}

type resultResponse struct {
	Success bool `json:"success"`
	Ack     bool `json:"ack"`
}

type resultErrorResponse struct {
	Success bool   `json:"success"`
	Error   string `json:"error"`
}

// ServeHTTP handles POST /api/v1/results.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	caller := callctx.FromContext(r.Context())
	var nodeID, traceID string
	if caller != nil {
		nodeID = caller.NodeID
		traceID = caller.TraceID
	}

	rawDepth := r.Header.Get("x-call-depth")
	callDepth, derr := parseCallDepth(rawDepth, h.svc.MaxCallDepth())
	if derr != nil {
		h.svc.RejectCallDepth(r.Context(), nodeID, traceID, rawDepth)
		writeError(w, http.StatusBadRequest, derr)
		return
	}

	var req resultRequest
	if !httpserver.DecodeAndValidate(w, r, &req) {
		return
	}

	if err := h.svc.Submit(r.Context(), nodeID, traceID, Request{
		TaskID: req.TaskID,
		Status: req.Status,
		Output: req.Output,
		Error:  req.Error,
	}, callDepth); err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}

	httpserver.Respond(w, http.StatusOK, resultResponse{Success: true, Ack: true})
}

func writeError(w http.ResponseWriter, status int, err *Error) {
	httpserver.Respond(w, status, resultErrorResponse{Success: false, Error: string(err.Kind)})
}
