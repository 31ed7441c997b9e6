package store

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/nodemesh/controlplane/internal/model"
)

const nodeColumns = `node_id, org_id, hwid, hostname, persona, hardware_profile, hardware_profile_hash, hardware_profile_drift, network, status, created_at`

func scanNode(row pgx.Row) (model.Node, error) {
	var (
		n               model.Node
		profileJSON     []byte
		driftJSON       []byte
		networkJSON     []byte
		statusJSON      []byte
	)
	err := row.Scan(&n.NodeID, &n.OrgID, &n.HWID, &n.Hostname, &n.Persona, &profileJSON, &n.HardwareProfileHash, &driftJSON, &networkJSON, &statusJSON, &n.CreatedAt)
	if err != nil {
		return model.Node{}, err
	}
	if len(profileJSON) > 0 {
		if err := json.Unmarshal(profileJSON, &n.HardwareProfile); err != nil {
			return model.Node{}, fmt.Errorf("unmarshaling hardware_profile: %w", err)
		}
	}
	if len(driftJSON) > 0 && string(driftJSON) != "null" {
		n.HardwareProfileDrift = &model.HardwareProfileDrift{}
		if err := json.Unmarshal(driftJSON, n.HardwareProfileDrift); err != nil {
			return model.Node{}, fmt.Errorf("unmarshaling hardware_profile_drift: %w", err)
		}
	}
	if len(networkJSON) > 0 {
		if err := json.Unmarshal(networkJSON, &n.Network); err != nil {
			return model.Node{}, fmt.Errorf("unmarshaling network: %w", err)
		}
	}
	if len(statusJSON) > 0 {
		if err := json.Unmarshal(statusJSON, &n.Status); err != nil {
			return model.Node{}, fmt.Errorf("unmarshaling status: %w", err)
		}
	}
	return n, nil
}

// GetNodeByHWID looks up a node by its hardware fingerprint, the lookup the
// join controller performs on every join attempt before it can even decide
// which branch of the decision table applies.
func (s *PGStore) GetNodeByHWID(ctx context.Context, dbtx DBTX, hwid string) (model.Node, bool, error) {
	const q = `SELECT ` + nodeColumns + ` FROM nodes WHERE hwid = $1`
	n, err := scanNode(dbtx.QueryRow(ctx, q, hwid))
	if isNoRows(err) {
		return model.Node{}, false, nil
	}
	if err != nil {
		return model.Node{}, false, fmt.Errorf("fetching node by hwid: %w", err)
	}
	return n, true, nil
}

// GetNodeByID looks up a node by its assigned node_id.
func (s *PGStore) GetNodeByID(ctx context.Context, dbtx DBTX, nodeID string) (model.Node, bool, error) {
	const q = `SELECT ` + nodeColumns + ` FROM nodes WHERE node_id = $1`
	n, err := scanNode(dbtx.QueryRow(ctx, q, nodeID))
	if isNoRows(err) {
		return model.Node{}, false, nil
	}
	if err != nil {
		return model.Node{}, false, fmt.Errorf("fetching node by id: %w", err)
	}
	return n, true, nil
}

// InsertNode creates a brand-new node row, used by the join controller's
// first-join branch. When the audit pipeline is ready it runs inside the same
// transaction as the audit intent that records the join; on the fallback
// path it runs without a transaction.
func (s *PGStore) InsertNode(ctx context.Context, dbtx DBTX, n model.Node) error {
	profileJSON, err := json.Marshal(n.HardwareProfile)
	if err != nil {
		return fmt.Errorf("marshaling hardware_profile: %w", err)
	}
	networkJSON, err := json.Marshal(n.Network)
	if err != nil {
		return fmt.Errorf("marshaling network: %w", err)
	}
	statusJSON, err := json.Marshal(n.Status)
	if err != nil {
		return fmt.Errorf("marshaling status: %w", err)
	}
	const q = `
		INSERT INTO nodes (node_id, org_id, hwid, hostname, persona, hardware_profile, hardware_profile_hash, hardware_profile_drift, network, status, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, NULL, $8, $9, now())`
	_, err = dbtx.Exec(ctx, q, n.NodeID, n.OrgID, n.HWID, n.Hostname, n.Persona, profileJSON, n.HardwareProfileHash, networkJSON, statusJSON)
	if err != nil {
		return fmt.Errorf("inserting node %s: %w", n.NodeID, err)
	}
	return nil
}

// UpdateNode overwrites the mutable fields of an existing node row (profile,
// drift record, network identity, status) on every re-join, whether or not
// drift was detected.
func (s *PGStore) UpdateNode(ctx context.Context, dbtx DBTX, n model.Node) error {
	profileJSON, err := json.Marshal(n.HardwareProfile)
	if err != nil {
		return fmt.Errorf("marshaling hardware_profile: %w", err)
	}
	var driftJSON []byte
	if n.HardwareProfileDrift != nil {
		driftJSON, err = json.Marshal(n.HardwareProfileDrift)
		if err != nil {
			return fmt.Errorf("marshaling hardware_profile_drift: %w", err)
		}
	}
	networkJSON, err := json.Marshal(n.Network)
	if err != nil {
		return fmt.Errorf("marshaling network: %w", err)
	}
	statusJSON, err := json.Marshal(n.Status)
	if err != nil {
		return fmt.Errorf("marshaling status: %w", err)
	}
	const q = `
		UPDATE nodes SET
			hostname = $2, persona = $3, hardware_profile = $4, hardware_profile_hash = $5,
			hardware_profile_drift = $6, network = $7, status = $8
		WHERE node_id = $1`
	tag, err := dbtx.Exec(ctx, q, n.NodeID, n.Hostname, n.Persona, profileJSON, n.HardwareProfileHash, driftJSON, networkJSON, statusJSON)
	if err != nil {
		return fmt.Errorf("updating node %s: %w", n.NodeID, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// FindNodeByLeasedIP looks up the node currently holding an IP shadow
// lease, used to resolve lease-generation conflicts on join.
func (s *PGStore) FindNodeByLeasedIP(ctx context.Context, dbtx DBTX, ip string) (model.Node, bool, error) {
	const q = `SELECT ` + nodeColumns + ` FROM nodes WHERE network->>'ip' = $1`
	n, err := scanNode(dbtx.QueryRow(ctx, q, ip))
	if isNoRows(err) {
		return model.Node{}, false, nil
	}
	if err != nil {
		return model.Node{}, false, fmt.Errorf("fetching node by leased ip: %w", err)
	}
	return n, true, nil
}
