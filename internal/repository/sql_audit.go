package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"rentalhub-sale-api/internal/model"
)

func (s *SQLStore) AppendAudit(ctx context.Context, e *model.AuditEntry) error {
	var detail sql.NullString
	if len(e.Detail) > 0 {
		b, err := json.Marshal(e.Detail)
		if err != nil {
			return fmt.Errorf("encode audit detail: %w", err)
		}
		detail = sql.NullString{String: string(b), Valid: true}
	}

	return s.WithTx(ctx, func(ctx context.Context) error {
		var pos int64
		if err := s.queryRow(ctx, `SELECT COALESCE(MAX(position), 0) FROM audit_entries`).Scan(&pos); err != nil {
			return fmt.Errorf("next audit position: %w", err)
		}
		_, err := s.exec(ctx, `
			INSERT INTO audit_entries (id, request_id, position, action, actor_id, actor_role, from_status,
				to_status, detail, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			e.ID, nullString(e.RequestID), pos+1, e.Action, e.ActorID, e.ActorRole,
			nullString(string(e.FromStatus)), nullString(string(e.ToStatus)), detail, e.CreatedAt)
		if err != nil {
			return fmt.Errorf("insert audit entry: %w", err)
		}
		return nil
	})
}

func (s *SQLStore) ListAudit(ctx context.Context, requestID string) ([]model.AuditEntry, error) {
	rows, err := s.query(ctx, `
		SELECT id, request_id, action, actor_id, actor_role, from_status, to_status, detail, created_at
		FROM audit_entries WHERE request_id = ? ORDER BY position`, requestID)
	if err != nil {
		return nil, fmt.Errorf("list audit entries: %w", err)
	}
	defer rows.Close()

	var out []model.AuditEntry
	for rows.Next() {
		var (
			e                       model.AuditEntry
			reqID, from, to, detail sql.NullString
		)
		if err := rows.Scan(&e.ID, &reqID, &e.Action, &e.ActorID, &e.ActorRole, &from, &to, &detail,
			&e.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan audit entry: %w", err)
		}
		e.RequestID = reqID.String
		e.FromStatus = model.TransitionStatus(from.String)
		e.ToStatus = model.TransitionStatus(to.String)
		e.CreatedAt = e.CreatedAt.UTC()
		if detail.Valid {
			if err := json.Unmarshal([]byte(detail.String), &e.Detail); err != nil {
				return nil, fmt.Errorf("decode audit detail: %w", err)
			}
		}
		out = append(out, e)
	}
	return out, rows.Err()
}
