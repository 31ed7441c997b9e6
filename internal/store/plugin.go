package store

import (
	"context"
	"fmt"

	"github.com/nodemesh/controlplane/internal/model"
)

// Load and Save back the Plugin Substrate's context bridge config store
// (spec.md §4.4.3): the blob is already AES-256-GCM ciphertext by the time
// it reaches here, so this layer only persists and retrieves bytes.

// Load returns pluginID's stored config blob, or ok=false if none exists.
func (s *PGStore) Load(ctx context.Context, pluginID string) ([]byte, bool, error) {
	const q = `SELECT blob FROM plugin_configs WHERE plugin_id = $1`
	var blob []byte
	err := s.pool.QueryRow(ctx, q, pluginID).Scan(&blob)
	if isNoRows(err) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("loading plugin config for %s: %w", pluginID, err)
	}
	return blob, true, nil
}

// Save upserts pluginID's config blob.
func (s *PGStore) Save(ctx context.Context, pluginID string, blob []byte) error {
	const q = `
		INSERT INTO plugin_configs (plugin_id, blob, updated_at)
		VALUES ($1, $2, now())
		ON CONFLICT (plugin_id) DO UPDATE SET blob = $2, updated_at = now()`
	if _, err := s.pool.Exec(ctx, q, pluginID, blob); err != nil {
		return fmt.Errorf("saving plugin config for %s: %w", pluginID, err)
	}
	return nil
}

// ListNodes returns every node, the backing query for the Plugin
// Substrate's getNodes context method (spec.md §4.4.3).
func (s *PGStore) ListNodes(ctx context.Context) ([]model.Node, error) {
	const q = `SELECT ` + nodeColumns + ` FROM nodes ORDER BY created_at ASC`
	rows, err := s.pool.Query(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("listing nodes: %w", err)
	}
	defer rows.Close()

	var out []model.Node
	for rows.Next() {
		n, err := scanNode(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning node: %w", err)
		}
		out = append(out, n)
	}
	return out, rows.Err()
}
