package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/node-registration/relay/internal/model"
)

// NodeRepository resolves node ids against the inventory's nodes table.
type NodeRepository struct {
	db *sql.DB
}

// NewNodeRepository creates a new NodeRepository.
func NewNodeRepository(db *sql.DB) *NodeRepository {
	return &NodeRepository{db: db}
}

// GetByMAC retrieves a node by its canonical hardware address.
func (r *NodeRepository) GetByMAC(ctx context.Context, mac string) (*model.Node, error) {
	query := `SELECT mac_address, hostname, last_seen FROM nodes WHERE mac_address = ?`

	node := &model.Node{}
	var lastSeen sql.NullTime
	err := r.db.QueryRowContext(ctx, query, mac).Scan(&node.MACAddress, &node.Hostname, &lastSeen)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, model.ErrNodeNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get node: %w", err)
	}
	if lastSeen.Valid {
		node.LastSeen = lastSeen.Time
	}
	return node, nil
}

// Hostname returns the display hostname for mac.
func (r *NodeRepository) Hostname(ctx context.Context, mac string) (string, error) {
	node, err := r.GetByMAC(ctx, mac)
	if err != nil {
		return "", err
	}
	return node.Hostname, nil
}
