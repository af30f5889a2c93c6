package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/node-registration/relay/internal/model"
)

// AuditRepository persists audit entries.
type AuditRepository struct {
	db *sql.DB
}

// NewAuditRepository creates a new AuditRepository.
func NewAuditRepository(db *sql.DB) *AuditRepository {
	return &AuditRepository{db: db}
}

// Write inserts entry. The shell username travels in the meta column.
func (r *AuditRepository) Write(ctx context.Context, entry model.AuditEntry) error {
	meta := map[string]string{}
	for k, v := range entry.Meta {
		meta[k] = v
	}
	if entry.ShellUsername != "" {
		meta["ssh_username"] = entry.ShellUsername
	}
	metaJSON, err := json.Marshal(meta)
	if err != nil {
		return fmt.Errorf("failed to serialize audit meta: %w", err)
	}

	createdAt := entry.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now()
	}

	query := `
		INSERT INTO audit_logs (actor, action, target_mac, target_hostname, meta, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`
	_, err = r.db.ExecContext(ctx, query,
		nullString(entry.Actor),
		entry.Action,
		nullString(entry.TargetNode),
		nullString(entry.TargetHostname),
		string(metaJSON),
		createdAt,
	)
	if err != nil {
		return fmt.Errorf("failed to write audit log: %w", err)
	}
	return nil
}

// ListByActor returns the entries recorded for actor, newest first.
func (r *AuditRepository) ListByActor(ctx context.Context, actor string) ([]*model.AuditEntry, error) {
	query := `
		SELECT id, actor, action, target_mac, target_hostname, meta, created_at
		FROM audit_logs
		WHERE actor = ?
		ORDER BY created_at DESC, id DESC
	`

	rows, err := r.db.QueryContext(ctx, query, actor)
	if err != nil {
		return nil, fmt.Errorf("failed to list audit logs: %w", err)
	}
	defer rows.Close()

	var entries []*model.AuditEntry
	for rows.Next() {
		entry := &model.AuditEntry{}
		var actorCol, targetMAC, targetHost sql.NullString
		var metaJSON string

		if err := rows.Scan(&entry.ID, &actorCol, &entry.Action, &targetMAC, &targetHost, &metaJSON, &entry.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan audit log: %w", err)
		}
		entry.Actor = actorCol.String
		entry.TargetNode = targetMAC.String
		entry.TargetHostname = targetHost.String

		if metaJSON != "" {
			if err := json.Unmarshal([]byte(metaJSON), &entry.Meta); err != nil {
				return nil, fmt.Errorf("failed to parse audit meta: %w", err)
			}
			entry.ShellUsername = entry.Meta["ssh_username"]
		}

		entries = append(entries, entry)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating audit logs: %w", err)
	}
	return entries, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
