package join

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/nodemesh/controlplane/internal/audit"
	"github.com/nodemesh/controlplane/internal/model"
	"github.com/nodemesh/controlplane/internal/store"
	"github.com/nodemesh/controlplane/internal/telemetry"
)

// Controller implements the Join Controller's decision table (spec.md
// §4.3.3) on top of a document store and the audit pipeline it co-commits
// with.
type Controller struct {
	st    Store
	audit AuditRecorder
	cfg   Config
	log   *slog.Logger
}

// New constructs a Controller.
func New(st Store, ap AuditRecorder, cfg Config, log *slog.Logger) *Controller {
	return &Controller{st: st, audit: ap, cfg: cfg, log: log}
}

// decision is the outcome of evaluating the decision table against the
// current node state, before any store write happens.
type decision struct {
	status      string
	writeNode   bool
	node        model.Node
	auditLevel  string
	auditReason string
}

// Join evaluates req against the current node state and, on success,
// co-commits the resulting node mutation with an audit intent.
func (c *Controller) Join(ctx context.Context, req Request, wireContractVersion string) (Result, *Error) {
	if wireContractVersion != "" && c.cfg.WireContractVersion != "" && wireContractVersion != c.cfg.WireContractVersion {
		return Result{}, newError(KindWireContractVersionMismatch, "client wire contract version %s does not match %s", wireContractVersion, c.cfg.WireContractVersion)
	}

	incomingHash, herr := resolveProfileHash(req.HardwareProfileHash, req.HardwareProfile)
	if herr != nil {
		return Result{}, herr
	}

	existing, found, err := c.st.GetNodeByHWID(ctx, c.st.NonTx(), req.HWID)
	if err != nil {
		return Result{}, newError(KindInternalError, "looking up node by hwid: %v", err)
	}

	orgID := req.OrgID
	if orgID == "" {
		orgID = c.cfg.DefaultOrgID
	}

	var d decision
	if !found {
		ip, err := allocateVirtualIP(req.HWID, c.cfg.VirtualNetworkCIDR)
		if err != nil {
			return Result{}, newError(KindInternalError, "allocating virtual ip: %v", err)
		}
		d = decision{
			status:    StatusNew,
			writeNode: true,
			node: model.Node{
				NodeID:              generateNodeID(),
				OrgID:               orgID,
				HWID:                req.HWID,
				Hostname:            req.Hostname,
				Persona:             req.Persona,
				HardwareProfile:     req.HardwareProfile,
				HardwareProfileHash: incomingHash,
				Network: model.NetworkInfo{
					VirtualIP: ip,
					Mode:      c.cfg.VirtualNetworkMode,
					V:         1,
				},
				Status: model.NodeStatus{
					Online:           true,
					ConnectionStatus: model.ConnectionOnline,
					LastSeen:         time.Now().UTC().Format(time.RFC3339),
				},
			},
			auditLevel:  "INFO",
			auditReason: "Node joined",
		}
	} else {
		if lease := existing.Network.IPShadowLease; lease != nil && lease.ReclaimStatus == model.LeaseReclaimed {
			if req.NetworkLeaseGeneration == nil || *req.NetworkLeaseGeneration != lease.ReclaimGeneration {
				return Result{}, &Error{
					Kind:    KindNetworkLeaseConflict,
					Message: "stale network lease generation",
					Detail: map[string]any{
						"expected_network_lease_generation": lease.ReclaimGeneration,
						"rollback_hint":                      "re-join with the current lease generation",
					},
				}
			}
		}

		baseline := existing.HardwareProfileHash
		drifted := baseline != "" && incomingHash != "" && baseline != incomingHash

		switch {
		case drifted:
			node := existing
			node.Status.Online = false
			node.Status.ConnectionStatus = model.ConnectionPendingApproval
			node.HardwareProfileDrift = &model.HardwareProfileDrift{
				Detected:     true,
				BaselineHash: baseline,
				IncomingHash: incomingHash,
				DetectedAt:   time.Now().UTC().Format(time.RFC3339),
			}
			d = decision{
				status:      StatusPendingApproval,
				writeNode:   true,
				node:        node,
				auditLevel:  "WARN",
				auditReason: "Node join blocked by hardware profile drift",
			}
		default:
			identityMatches := existing.Hostname == req.Hostname && existing.Persona == req.Persona && existing.OrgID == orgID
			hashMatches := incomingHash == "" || incomingHash == baseline
			elide := identityMatches && existing.Status.Online && existing.Status.ConnectionStatus == model.ConnectionOnline && hashMatches

			if elide {
				d = decision{
					status:      StatusExisting,
					writeNode:   false,
					node:        existing,
					auditLevel:  "INFO",
					auditReason: "Node joined",
				}
			} else {
				node := existing
				node.Hostname = req.Hostname
				node.Persona = req.Persona
				node.OrgID = orgID
				resolvedBaseline := baseline
				if incomingHash != "" {
					resolvedBaseline = incomingHash
				}
				node.HardwareProfileHash = resolvedBaseline
				node.HardwareProfileDrift = &model.HardwareProfileDrift{Detected: false, BaselineHash: resolvedBaseline}
				node.Status.Online = true
				node.Status.ConnectionStatus = model.ConnectionOnline
				node.Status.LastSeen = time.Now().UTC().Format(time.RFC3339)
				d = decision{
					status:      StatusExisting,
					writeNode:   true,
					node:        node,
					auditLevel:  "INFO",
					auditReason: "Node joined",
				}
			}
		}
	}

	if err := c.commit(ctx, d); err != nil {
		telemetry.JoinOutcomeTotal.WithLabelValues(string(err.Kind)).Inc()
		return Result{}, err
	}

	telemetry.JoinOutcomeTotal.WithLabelValues(d.status).Inc()
	if d.status == StatusPendingApproval {
		telemetry.JoinDriftTotal.Inc()
	}

	return Result{NodeID: d.node.NodeID, CoreIP: d.node.Network.VirtualIP, Status: d.status}, nil
}

// commit performs the node mutation (if any) and the audit intent together,
// per spec.md §4.3.4: co-commit when the pipeline is ready, fire-and-forget
// fallback otherwise.
func (c *Controller) commit(ctx context.Context, d decision) *Error {
	event := model.AuditEventPayload{
		TS:      time.Now().UnixMilli(),
		Level:   d.auditLevel,
		NodeID:  d.node.NodeID,
		Source:  "join",
		Content: d.auditReason,
	}

	if !c.audit.IsReady() {
		if d.writeNode {
			if err := c.writeNodeNonTx(ctx, d); err != nil {
				return newError(KindInternalError, "writing node: %v", err)
			}
		}
		if _, err := c.audit.RecordAuditEvent(ctx, event, audit.EnqueueOptions{RouteTag: "join"}); err != nil {
			c.log.Error("fallback audit record failed after join", "node_id", d.node.NodeID, "error", err)
		}
		return nil
	}

	err := c.st.WithTransaction(ctx, func(tx pgx.Tx) error {
		if d.writeNode {
			if err := c.writeNodeTx(ctx, tx, d); err != nil {
				return err
			}
		}
		_, result, err := c.audit.EnqueueIntentTx(ctx, tx, event, audit.EnqueueOptions{RouteTag: "join"})
		if err != nil {
			return err
		}
		if !result.Accepted {
			if result.Reason == "backpressure" {
				return &Error{Kind: KindAuditBackpressure, Message: "audit backlog exceeds hard limit", RetryAfterSeconds: result.RetryAfterSeconds}
			}
			return newError(KindInternalError, "audit pipeline unavailable")
		}
		return nil
	})
	if err == nil {
		return nil
	}

	var jerr *Error
	if errors.As(err, &jerr) {
		return jerr
	}
	return &Error{Kind: KindTransactionAborted, Message: err.Error(), RetryAfterSeconds: 1}
}

func (c *Controller) writeNodeTx(ctx context.Context, tx pgx.Tx, d decision) error {
	return c.writeNode(ctx, tx, d)
}

func (c *Controller) writeNodeNonTx(ctx context.Context, d decision) error {
	return c.writeNode(ctx, c.st.NonTx(), d)
}

func (c *Controller) writeNode(ctx context.Context, dbtx store.DBTX, d decision) error {
	if d.status == StatusNew {
		return c.st.InsertNode(ctx, dbtx, d.node)
	}
	if err := c.st.UpdateNode(ctx, dbtx, d.node); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return fmt.Errorf("updating node %s: %w", d.node.NodeID, err)
		}
		return err
	}
	return nil
}
