package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"rentalhub-sale-api/internal/model"
)

const transitionColumns = `id, item_id, location_id, requested_by, status, sale_price, effective_date,
	strategy, conflict_counts, revenue_impact, approval_required, approval_reasons, approved_by,
	approved_at, approval_notes, rejection_reason, status_reason, checkpoint_id, processed_at,
	completed_at, created_at, updated_at, version`

type rowScanner interface {
	Scan(dest ...any) error
}

// activeItem is the value of the unique active_item_id column: the item id
// while the request is live, NULL once it is terminal.
func activeItem(req *model.TransitionRequest) sql.NullString {
	if req.Status.IsTerminal() {
		return sql.NullString{}
	}
	return sql.NullString{String: req.ItemID, Valid: true}
}

func (s *SQLStore) CreateTransition(ctx context.Context, req *model.TransitionRequest) error {
	counts, reasons, err := encodeTransitionJSON(req)
	if err != nil {
		return err
	}
	req.Version = 1

	_, err = s.exec(ctx, `
		INSERT INTO transitions (`+transitionColumns+`, active_item_id)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		req.ID, req.ItemID, nullString(req.LocationID), req.RequestedBy, string(req.Status),
		req.SalePrice, nullTime(req.EffectiveDate), string(req.Strategy), counts, req.RevenueImpact,
		req.ApprovalRequired, reasons, nullString(req.ApprovedBy), nullTime(req.ApprovedAt),
		nullString(req.ApprovalNotes), nullString(req.RejectionReason), nullString(req.StatusReason),
		nullString(req.CheckpointID), nullTime(req.ProcessedAt), nullTime(req.CompletedAt),
		req.CreatedAt, req.UpdatedAt, req.Version, activeItem(req),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return model.ConflictErrorf("item %s already has an active transition", req.ItemID)
		}
		return fmt.Errorf("insert transition: %w", err)
	}
	return nil
}

func (s *SQLStore) FindActiveTransition(ctx context.Context, itemID string) (*model.TransitionRequest, error) {
	req, err := scanTransition(s.queryRow(ctx,
		`SELECT `+transitionColumns+` FROM transitions WHERE active_item_id = ?`, itemID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("find active transition: %w", err)
	}
	return req, nil
}

func (s *SQLStore) GetTransition(ctx context.Context, id string) (*model.TransitionRequest, error) {
	req, err := scanTransition(s.queryRow(ctx,
		`SELECT `+transitionColumns+` FROM transitions WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, model.NotFoundErrorf("transition %s", id)
	}
	if err != nil {
		return nil, fmt.Errorf("get transition: %w", err)
	}
	return req, nil
}

func (s *SQLStore) UpdateTransition(ctx context.Context, req *model.TransitionRequest) error {
	counts, reasons, err := encodeTransitionJSON(req)
	if err != nil {
		return err
	}

	res, err := s.exec(ctx, `
		UPDATE transitions SET
			active_item_id = ?, location_id = ?, status = ?, sale_price = ?, effective_date = ?,
			strategy = ?, conflict_counts = ?, revenue_impact = ?, approval_required = ?,
			approval_reasons = ?, approved_by = ?, approved_at = ?, approval_notes = ?,
			rejection_reason = ?, status_reason = ?, checkpoint_id = ?, processed_at = ?,
			completed_at = ?, updated_at = ?, version = version + 1
		WHERE id = ? AND version = ?`,
		activeItem(req), nullString(req.LocationID), string(req.Status), req.SalePrice,
		nullTime(req.EffectiveDate), string(req.Strategy), counts, req.RevenueImpact,
		req.ApprovalRequired, reasons, nullString(req.ApprovedBy), nullTime(req.ApprovedAt),
		nullString(req.ApprovalNotes), nullString(req.RejectionReason), nullString(req.StatusReason),
		nullString(req.CheckpointID), nullTime(req.ProcessedAt), nullTime(req.CompletedAt),
		req.UpdatedAt, req.ID, req.Version,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return model.ConflictErrorf("item %s already has an active transition", req.ItemID)
		}
		return fmt.Errorf("update transition: %w", err)
	}
	if err := checkAffected(res, model.ErrVersionConflict); err != nil {
		if _, getErr := s.GetTransition(ctx, req.ID); getErr != nil {
			return getErr
		}
		return err
	}
	req.Version++
	return nil
}

func (s *SQLStore) CountTransitionsByStatus(ctx context.Context) (map[model.TransitionStatus]int, error) {
	rows, err := s.query(ctx, `SELECT status, COUNT(*) FROM transitions GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("count transitions: %w", err)
	}
	defer rows.Close()

	counts := make(map[model.TransitionStatus]int)
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, fmt.Errorf("scan transition count: %w", err)
		}
		counts[model.TransitionStatus(status)] = n
	}
	return counts, rows.Err()
}

func encodeTransitionJSON(req *model.TransitionRequest) (string, sql.NullString, error) {
	counts, err := json.Marshal(req.Conflicts)
	if err != nil {
		return "", sql.NullString{}, fmt.Errorf("encode conflict counts: %w", err)
	}
	var reasons sql.NullString
	if len(req.ApprovalReasons) > 0 {
		b, err := json.Marshal(req.ApprovalReasons)
		if err != nil {
			return "", sql.NullString{}, fmt.Errorf("encode approval reasons: %w", err)
		}
		reasons = sql.NullString{String: string(b), Valid: true}
	}
	return string(counts), reasons, nil
}

func scanTransition(row rowScanner) (*model.TransitionRequest, error) {
	var (
		req                                            model.TransitionRequest
		locationID, approvedBy, approvalNotes          sql.NullString
		rejection, statusReason, checkpointID, reasons sql.NullString
		status, strategy, counts                       string
		effective, approvedAt, processedAt, completed  sql.NullTime
	)
	err := row.Scan(
		&req.ID, &req.ItemID, &locationID, &req.RequestedBy, &status, &req.SalePrice, &effective,
		&strategy, &counts, &req.RevenueImpact, &req.ApprovalRequired, &reasons, &approvedBy,
		&approvedAt, &approvalNotes, &rejection, &statusReason, &checkpointID, &processedAt,
		&completed, &req.CreatedAt, &req.UpdatedAt, &req.Version,
	)
	if err != nil {
		return nil, err
	}

	req.LocationID = locationID.String
	req.Status = model.TransitionStatus(status)
	req.Strategy = model.ResolutionAction(strategy)
	req.EffectiveDate = timePtr(effective)
	req.ApprovedBy = approvedBy.String
	req.ApprovedAt = timePtr(approvedAt)
	req.ApprovalNotes = approvalNotes.String
	req.RejectionReason = rejection.String
	req.StatusReason = statusReason.String
	req.CheckpointID = checkpointID.String
	req.ProcessedAt = timePtr(processedAt)
	req.CompletedAt = timePtr(completed)
	req.CreatedAt = req.CreatedAt.UTC()
	req.UpdatedAt = req.UpdatedAt.UTC()

	if err := json.Unmarshal([]byte(counts), &req.Conflicts); err != nil {
		return nil, fmt.Errorf("decode conflict counts: %w", err)
	}
	if reasons.Valid {
		if err := json.Unmarshal([]byte(reasons.String), &req.ApprovalReasons); err != nil {
			return nil, fmt.Errorf("decode approval reasons: %w", err)
		}
	}
	return &req, nil
}

const conflictColumns = `id, request_id, type, entity_type, entity_id, severity, description, customer_id,
	financial_impact, starts_at, ends_at, detected_at, resolved, resolution_action, resolution_notes, resolved_at`

func (s *SQLStore) InsertConflicts(ctx context.Context, conflicts []model.Conflict) error {
	if len(conflicts) == 0 {
		return nil
	}
	return s.WithTx(ctx, func(ctx context.Context) error {
		var base int
		if err := s.queryRow(ctx, `SELECT COUNT(*) FROM conflicts WHERE request_id = ?`,
			conflicts[0].RequestID).Scan(&base); err != nil {
			return fmt.Errorf("count conflicts: %w", err)
		}
		for i, c := range conflicts {
			_, err := s.exec(ctx, `
				INSERT INTO conflicts (`+conflictColumns+`, position)
				VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
				c.ID, c.RequestID, string(c.Type), string(c.EntityType), c.EntityID, string(c.Severity),
				c.Description, nullString(c.CustomerID), c.FinancialImpact, c.StartsAt, c.EndsAt,
				c.DetectedAt, c.Resolved, nullString(string(c.ResolutionAction)),
				nullString(c.ResolutionNotes), nullTime(c.ResolvedAt), base+i,
			)
			if err != nil {
				if isUniqueViolation(err) {
					return model.ConflictErrorf("conflict %s already exists", c.ID)
				}
				return fmt.Errorf("insert conflict: %w", err)
			}
		}
		return nil
	})
}

func (s *SQLStore) ListConflicts(ctx context.Context, requestID string) ([]model.Conflict, error) {
	return s.listConflicts(ctx, `SELECT `+conflictColumns+` FROM conflicts WHERE request_id = ? ORDER BY position`, requestID)
}

func (s *SQLStore) ListConflictsByEntity(ctx context.Context, entityID string) ([]model.Conflict, error) {
	return s.listConflicts(ctx, `SELECT `+conflictColumns+` FROM conflicts WHERE entity_id = ? ORDER BY detected_at, id`, entityID)
}

func (s *SQLStore) listConflicts(ctx context.Context, query string, arg string) ([]model.Conflict, error) {
	rows, err := s.query(ctx, query, arg)
	if err != nil {
		return nil, fmt.Errorf("list conflicts: %w", err)
	}
	defer rows.Close()

	var out []model.Conflict
	for rows.Next() {
		var (
			c                         model.Conflict
			typ, entityType, severity string
			customerID, action, notes sql.NullString
			resolvedAt                sql.NullTime
		)
		if err := rows.Scan(&c.ID, &c.RequestID, &typ, &entityType, &c.EntityID, &severity,
			&c.Description, &customerID, &c.FinancialImpact, &c.StartsAt, &c.EndsAt, &c.DetectedAt,
			&c.Resolved, &action, &notes, &resolvedAt); err != nil {
			return nil, fmt.Errorf("scan conflict: %w", err)
		}
		c.Type = model.ConflictType(typ)
		c.EntityType = model.ClaimKind(entityType)
		c.Severity = model.Severity(severity)
		c.CustomerID = customerID.String
		c.ResolutionAction = model.ResolutionAction(action.String)
		c.ResolutionNotes = notes.String
		c.ResolvedAt = timePtr(resolvedAt)
		c.StartsAt = c.StartsAt.UTC()
		c.EndsAt = c.EndsAt.UTC()
		c.DetectedAt = c.DetectedAt.UTC()
		out = append(out, c)
	}
	return out, rows.Err()
}

func (s *SQLStore) UpdateConflict(ctx context.Context, c *model.Conflict) error {
	res, err := s.exec(ctx, `
		UPDATE conflicts SET resolved = ?, resolution_action = ?, resolution_notes = ?, resolved_at = ?
		WHERE id = ?`,
		c.Resolved, nullString(string(c.ResolutionAction)), nullString(c.ResolutionNotes),
		nullTime(c.ResolvedAt), c.ID,
	)
	if err != nil {
		return fmt.Errorf("update conflict: %w", err)
	}
	return checkAffected(res, model.NotFoundErrorf("conflict %s", c.ID))
}

const resolutionColumns = `id, conflict_id, request_id, seq, action, executed_by, status, customer_notified,
	customer_response, compensation_amount, alternative_item_id, notes, error, executed_at`

func (s *SQLStore) AppendResolution(ctx context.Context, r *model.Resolution) error {
	const attempts = 3
	var err error
	for i := 0; i < attempts; i++ {
		err = s.WithTx(ctx, func(ctx context.Context) error {
			var seq int
			if err := s.queryRow(ctx, `SELECT COALESCE(MAX(seq), 0) FROM resolutions WHERE conflict_id = ?`,
				r.ConflictID).Scan(&seq); err != nil {
				return fmt.Errorf("next resolution seq: %w", err)
			}
			r.Seq = seq + 1
			_, err := s.exec(ctx, `
				INSERT INTO resolutions (`+resolutionColumns+`)
				VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
				r.ID, r.ConflictID, r.RequestID, r.Seq, string(r.Action), r.ExecutedBy, string(r.Status),
				r.CustomerNotified, nullString(r.CustomerResponse), r.CompensationAmount,
				nullString(r.AlternativeItemID), nullString(r.Notes), nullString(r.Error), r.ExecutedAt,
			)
			return err
		})
		if err == nil || !isUniqueViolation(err) {
			break
		}
	}
	if err != nil {
		return fmt.Errorf("append resolution: %w", err)
	}
	return nil
}

func (s *SQLStore) ListResolutions(ctx context.Context, requestID string) ([]model.Resolution, error) {
	rows, err := s.query(ctx,
		`SELECT `+resolutionColumns+` FROM resolutions WHERE request_id = ? ORDER BY conflict_id, seq`, requestID)
	if err != nil {
		return nil, fmt.Errorf("list resolutions: %w", err)
	}
	defer rows.Close()

	var out []model.Resolution
	for rows.Next() {
		var (
			r                             model.Resolution
			action, status                string
			response, alt, notes, errText sql.NullString
		)
		if err := rows.Scan(&r.ID, &r.ConflictID, &r.RequestID, &r.Seq, &action, &r.ExecutedBy, &status,
			&r.CustomerNotified, &response, &r.CompensationAmount, &alt, &notes, &errText,
			&r.ExecutedAt); err != nil {
			return nil, fmt.Errorf("scan resolution: %w", err)
		}
		r.Action = model.ResolutionAction(action)
		r.Status = model.ExecutionStatus(status)
		r.CustomerResponse = response.String
		r.AlternativeItemID = alt.String
		r.Notes = notes.String
		r.Error = errText.String
		r.ExecutedAt = r.ExecutedAt.UTC()
		out = append(out, r)
	}
	return out, rows.Err()
}

const notificationColumns = `id, request_id, conflict_id, customer_id, kind, channel, status, payload,
	response_required, response_deadline, response, responded_at, sent_at, delivered_at, read_at, created_at`

func (s *SQLStore) InsertNotification(ctx context.Context, n *model.Notification) error {
	payload, err := json.Marshal(n.Payload)
	if err != nil {
		return fmt.Errorf("encode payload: %w", err)
	}
	_, err = s.exec(ctx, `
		INSERT INTO notifications (`+notificationColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		n.ID, n.RequestID, nullString(n.ConflictID), n.CustomerID, string(n.Kind), string(n.Channel),
		string(n.Status), string(payload), n.ResponseRequired, nullTime(n.ResponseDeadline),
		nullString(n.Response), nullTime(n.RespondedAt), nullTime(n.SentAt), nullTime(n.DeliveredAt),
		nullTime(n.ReadAt), n.CreatedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return model.ConflictErrorf("notification %s already exists", n.ID)
		}
		return fmt.Errorf("insert notification: %w", err)
	}
	return nil
}

func (s *SQLStore) UpdateNotification(ctx context.Context, n *model.Notification) error {
	res, err := s.exec(ctx, `
		UPDATE notifications SET status = ?, response = ?, responded_at = ?, sent_at = ?,
			delivered_at = ?, read_at = ?
		WHERE id = ?`,
		string(n.Status), nullString(n.Response), nullTime(n.RespondedAt), nullTime(n.SentAt),
		nullTime(n.DeliveredAt), nullTime(n.ReadAt), n.ID,
	)
	if err != nil {
		return fmt.Errorf("update notification: %w", err)
	}
	return checkAffected(res, model.NotFoundErrorf("notification %s", n.ID))
}

func (s *SQLStore) GetNotification(ctx context.Context, id string) (*model.Notification, error) {
	rows, err := s.query(ctx, `SELECT `+notificationColumns+` FROM notifications WHERE id = ?`, id)
	if err != nil {
		return nil, fmt.Errorf("get notification: %w", err)
	}
	list, err := scanNotifications(rows)
	if err != nil {
		return nil, err
	}
	if len(list) == 0 {
		return nil, model.NotFoundErrorf("notification %s", id)
	}
	return &list[0], nil
}

func (s *SQLStore) ListNotifications(ctx context.Context, requestID string) ([]model.Notification, error) {
	rows, err := s.query(ctx,
		`SELECT `+notificationColumns+` FROM notifications WHERE request_id = ? ORDER BY created_at, id`, requestID)
	if err != nil {
		return nil, fmt.Errorf("list notifications: %w", err)
	}
	return scanNotifications(rows)
}

// ListOverdueNotifications filters the deadline in Go; SQLite stores
// timestamps as text.
func (s *SQLStore) ListOverdueNotifications(ctx context.Context, now time.Time) ([]model.Notification, error) {
	rows, err := s.query(ctx, `
		SELECT `+notificationColumns+` FROM notifications
		WHERE response_required = ? AND responded_at IS NULL AND response_deadline IS NOT NULL
			AND status IN (?, ?, ?, ?)
		ORDER BY id`,
		true, string(model.NotificationPending), string(model.NotificationSent), string(model.NotificationDelivered),
		string(model.NotificationRead))
	if err != nil {
		return nil, fmt.Errorf("list overdue notifications: %w", err)
	}
	list, err := scanNotifications(rows)
	if err != nil {
		return nil, err
	}
	out := list[:0]
	for _, n := range list {
		if n.Overdue(now) {
			out = append(out, n)
		}
	}
	return out, nil
}

func scanNotifications(rows *sql.Rows) ([]model.Notification, error) {
	defer rows.Close()

	var out []model.Notification
	for rows.Next() {
		var (
			n                                    model.Notification
			conflictID, response                 sql.NullString
			kind, channel, status, payload       string
			deadline, responded, sent, delivered sql.NullTime
			read                                 sql.NullTime
		)
		if err := rows.Scan(&n.ID, &n.RequestID, &conflictID, &n.CustomerID, &kind, &channel, &status,
			&payload, &n.ResponseRequired, &deadline, &response, &responded, &sent, &delivered, &read,
			&n.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan notification: %w", err)
		}
		n.ConflictID = conflictID.String
		n.Kind = model.NotificationKind(kind)
		n.Channel = model.Channel(channel)
		n.Status = model.NotificationStatus(status)
		n.ResponseDeadline = timePtr(deadline)
		n.Response = response.String
		n.RespondedAt = timePtr(responded)
		n.SentAt = timePtr(sent)
		n.DeliveredAt = timePtr(delivered)
		n.ReadAt = timePtr(read)
		n.CreatedAt = n.CreatedAt.UTC()
		if err := json.Unmarshal([]byte(payload), &n.Payload); err != nil {
			return nil, fmt.Errorf("decode payload: %w", err)
		}
		out = append(out, n)
	}
	return out, rows.Err()
}
