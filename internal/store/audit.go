package store

import (
	"context"
	"time"

	"clientportal/internal/models"
)

func (s *Store) AppendAudit(ctx context.Context, e models.AuditEntry) error {
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx, s.q(
		`INSERT INTO audit_log(id,actor_id,action,entity_type,entity_id,ip_address,details,created_at) VALUES(?,?,?,?,?,?,?,?)`),
		e.ID, nullString(&e.ActorID), e.Action, e.EntityType, nullString(&e.EntityID), nullString(&e.IPAddress), nullString(&e.Details), e.CreatedAt.UTC(),
	)
	return err
}

func (s *Store) ListAudit(ctx context.Context, entityType, entityID string, limit int) ([]models.AuditEntry, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, s.q(
		`SELECT id,COALESCE(actor_id,''),action,entity_type,COALESCE(entity_id,''),COALESCE(ip_address,''),COALESCE(details,''),created_at
		 FROM audit_log WHERE entity_type=? AND entity_id=? ORDER BY id ASC LIMIT ?`),
		entityType, entityID, limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := []models.AuditEntry{}
	for rows.Next() {
		var e models.AuditEntry
		if err := rows.Scan(&e.ID, &e.ActorID, &e.Action, &e.EntityType, &e.EntityID, &e.IPAddress, &e.Details, &e.CreatedAt); err != nil {
			return nil, err
		}
		e.CreatedAt = e.CreatedAt.UTC()
		out = append(out, e)
	}
	return out, rows.Err()
}
