package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"rentalhub-sale-api/internal/model"
)

const claimColumns = `id, item_id, kind, status, customer_id, location_id, start_at, end_at, amount, version, updated_at`

func (s *SQLStore) CreateItem(ctx context.Context, item *model.Item) error {
	if item.Version == 0 {
		item.Version = 1
	}
	_, err := s.exec(ctx,
		`INSERT INTO items (id, location_id, status, version, updated_at) VALUES (?, ?, ?, ?, ?)`,
		item.ID, item.LocationID, string(item.Status), item.Version, item.UpdatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return model.ConflictErrorf("item %s already exists", item.ID)
		}
		return fmt.Errorf("insert item: %w", err)
	}
	return nil
}

func (s *SQLStore) GetItem(ctx context.Context, id string) (*model.Item, error) {
	var item model.Item
	var status string
	err := s.queryRow(ctx, `SELECT id, location_id, status, version, updated_at FROM items WHERE id = ?`, id).
		Scan(&item.ID, &item.LocationID, &status, &item.Version, &item.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, model.NotFoundErrorf("item %s", id)
	}
	if err != nil {
		return nil, fmt.Errorf("get item: %w", err)
	}
	item.Status = model.ItemStatus(status)
	item.UpdatedAt = item.UpdatedAt.UTC()
	return &item, nil
}

func (s *SQLStore) UpdateItem(ctx context.Context, item *model.Item) error {
	res, err := s.exec(ctx, `
		UPDATE items SET location_id = ?, status = ?, updated_at = ?, version = version + 1
		WHERE id = ? AND version = ?`,
		item.LocationID, string(item.Status), item.UpdatedAt, item.ID, item.Version)
	if err != nil {
		return fmt.Errorf("update item: %w", err)
	}
	if err := checkAffected(res, model.ErrVersionConflict); err != nil {
		if _, getErr := s.GetItem(ctx, item.ID); getErr != nil {
			return getErr
		}
		return err
	}
	item.Version++
	return nil
}

func (s *SQLStore) CreateClaim(ctx context.Context, c *model.Claim) error {
	if c.Version == 0 {
		c.Version = 1
	}
	_, err := s.exec(ctx, `INSERT INTO claims (`+claimColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		c.ID, c.ItemID, string(c.Kind), string(c.Status), nullString(c.CustomerID), nullString(c.LocationID),
		c.StartAt, c.EndAt, c.Amount, c.Version, c.UpdatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return model.ConflictErrorf("claim %s already exists", c.ID)
		}
		return fmt.Errorf("insert claim: %w", err)
	}
	return nil
}

func (s *SQLStore) GetClaim(ctx context.Context, id string) (*model.Claim, error) {
	rows, err := s.query(ctx, `SELECT `+claimColumns+` FROM claims WHERE id = ?`, id)
	if err != nil {
		return nil, fmt.Errorf("get claim: %w", err)
	}
	list, err := scanClaims(rows)
	if err != nil {
		return nil, err
	}
	if len(list) == 0 {
		return nil, model.NotFoundErrorf("claim %s", id)
	}
	return &list[0], nil
}

func (s *SQLStore) ListOpenClaims(ctx context.Context, itemID string) ([]model.Claim, error) {
	rows, err := s.query(ctx, `
		SELECT `+claimColumns+` FROM claims
		WHERE item_id = ? AND status IN (?, ?, ?)`,
		itemID, string(model.ClaimPending), string(model.ClaimConfirmed), string(model.ClaimActive))
	if err != nil {
		return nil, fmt.Errorf("list claims: %w", err)
	}
	list, err := scanClaims(rows)
	if err != nil {
		return nil, err
	}
	sortClaims(list)
	return list, nil
}

func (s *SQLStore) UpdateClaim(ctx context.Context, c *model.Claim) error {
	res, err := s.exec(ctx, `
		UPDATE claims SET item_id = ?, status = ?, customer_id = ?, location_id = ?, start_at = ?,
			end_at = ?, amount = ?, updated_at = ?, version = version + 1
		WHERE id = ? AND version = ?`,
		c.ItemID, string(c.Status), nullString(c.CustomerID), nullString(c.LocationID), c.StartAt,
		c.EndAt, c.Amount, c.UpdatedAt, c.ID, c.Version)
	if err != nil {
		return fmt.Errorf("update claim: %w", err)
	}
	if err := checkAffected(res, model.ErrVersionConflict); err != nil {
		if _, getErr := s.GetClaim(ctx, c.ID); getErr != nil {
			return getErr
		}
		return err
	}
	c.Version++
	return nil
}

func (s *SQLStore) RestoreSnapshot(ctx context.Context, snap model.Snapshot) error {
	return s.WithTx(ctx, func(ctx context.Context) error {
		if snap.Item.ID != "" {
			_, err := s.exec(ctx, `
				UPDATE items SET location_id = ?, status = ?, updated_at = ?, version = version + 1
				WHERE id = ?`,
				snap.Item.LocationID, string(snap.Item.Status), snap.Item.UpdatedAt, snap.Item.ID)
			if err != nil {
				return fmt.Errorf("restore item: %w", err)
			}
		}
		for _, c := range snap.Claims {
			res, err := s.exec(ctx, `
				UPDATE claims SET item_id = ?, status = ?, customer_id = ?, location_id = ?, start_at = ?,
					end_at = ?, amount = ?, updated_at = ?, version = version + 1
				WHERE id = ?`,
				c.ItemID, string(c.Status), nullString(c.CustomerID), nullString(c.LocationID), c.StartAt,
				c.EndAt, c.Amount, c.UpdatedAt, c.ID)
			if err != nil {
				return fmt.Errorf("restore claim: %w", err)
			}
			if err := checkAffected(res, model.NotFoundErrorf("claim %s", c.ID)); err != nil {
				return err
			}
		}
		return nil
	})
}

func scanClaims(rows *sql.Rows) ([]model.Claim, error) {
	defer rows.Close()

	var out []model.Claim
	for rows.Next() {
		var (
			c                      model.Claim
			kind, status           string
			customerID, locationID sql.NullString
		)
		if err := rows.Scan(&c.ID, &c.ItemID, &kind, &status, &customerID, &locationID, &c.StartAt,
			&c.EndAt, &c.Amount, &c.Version, &c.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan claim: %w", err)
		}
		c.Kind = model.ClaimKind(kind)
		c.Status = model.ClaimStatus(status)
		c.CustomerID = customerID.String
		c.LocationID = locationID.String
		c.StartAt = c.StartAt.UTC()
		c.EndAt = c.EndAt.UTC()
		c.UpdatedAt = c.UpdatedAt.UTC()
		out = append(out, c)
	}
	return out, rows.Err()
}
