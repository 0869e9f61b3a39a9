package storage

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	apperrors "github.com/better-wallet/agentvault/pkg/errors"
	"github.com/better-wallet/agentvault/pkg/types"
)

// CollectionRepository handles collections and their policy column
type CollectionRepository struct{}

const collectionColumns = `id, portfolio_id, user_id, name, created_at, updated_at, deleted_at`

func scanCollection(row pgx.Row) (*types.Collection, error) {
	var c types.Collection
	err := row.Scan(&c.ID, &c.PortfolioID, &c.UserID, &c.Name, &c.CreatedAt, &c.UpdatedAt, &c.DeletedAt)
	if err != nil {
		return nil, err
	}
	return &c, nil
}

// CreateTx inserts a collection with its initial policy
func (r *CollectionRepository) CreateTx(ctx context.Context, db DBTX, col *types.Collection, policy *types.PermissionPolicy) error {
	policyJSON, err := json.Marshal(policy)
	if err != nil {
		return fmt.Errorf("failed to marshal policy: %w", err)
	}

	err = db.QueryRow(ctx, `
		INSERT INTO collections (id, portfolio_id, user_id, name, policy)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING created_at, updated_at
	`, col.ID, col.PortfolioID, col.UserID, col.Name, policyJSON).Scan(&col.CreatedAt, &col.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to create collection: %w", err)
	}
	return nil
}

// Get returns a live collection owned by userID
func (r *CollectionRepository) Get(ctx context.Context, db DBTX, userID string, id uuid.UUID) (*types.Collection, error) {
	c, err := scanCollection(db.QueryRow(ctx, `
		SELECT `+collectionColumns+`
		FROM collections
		WHERE id = $1 AND user_id = $2 AND deleted_at IS NULL
	`, id, userID))
	if err == pgx.ErrNoRows {
		return nil, apperrors.CollectionNotFound(id.String())
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get collection: %w", err)
	}
	return c, nil
}

// LockTx is Get with a row lock held until the transaction ends. The lock
// serializes audit appends for the collection.
func (r *CollectionRepository) LockTx(ctx context.Context, db DBTX, userID string, id uuid.UUID) (*types.Collection, error) {
	c, err := scanCollection(db.QueryRow(ctx, `
		SELECT `+collectionColumns+`
		FROM collections
		WHERE id = $1 AND user_id = $2 AND deleted_at IS NULL
		FOR UPDATE
	`, id, userID))
	if err == pgx.ErrNoRows {
		return nil, apperrors.CollectionNotFound(id.String())
	}
	if err != nil {
		return nil, fmt.Errorf("failed to lock collection: %w", err)
	}
	return c, nil
}

// OwnerOf returns the owning user of a collection, deleted or not
func (r *CollectionRepository) OwnerOf(ctx context.Context, db DBTX, id uuid.UUID) (string, error) {
	var owner string
	err := db.QueryRow(ctx, `SELECT user_id FROM collections WHERE id = $1`, id).Scan(&owner)
	if err == pgx.ErrNoRows {
		return "", apperrors.CollectionNotFound(id.String())
	}
	if err != nil {
		return "", fmt.Errorf("failed to get collection owner: %w", err)
	}
	return owner, nil
}

// List returns the live collections of a user
func (r *CollectionRepository) List(ctx context.Context, db DBTX, userID string) ([]*types.Collection, error) {
	rows, err := db.Query(ctx, `
		SELECT `+collectionColumns+`
		FROM collections
		WHERE user_id = $1 AND deleted_at IS NULL
		ORDER BY created_at, name
	`, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to list collections: %w", err)
	}
	defer rows.Close()

	out := make([]*types.Collection, 0)
	for rows.Next() {
		c, err := scanCollection(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan collection: %w", err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// AllIDs returns every collection id, deleted ones included
func (r *CollectionRepository) AllIDs(ctx context.Context, db DBTX) ([]uuid.UUID, error) {
	rows, err := db.Query(ctx, `SELECT id FROM collections ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("failed to list collection ids: %w", err)
	}
	defer rows.Close()

	out := make([]uuid.UUID, 0)
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan collection id: %w", err)
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

// GetPolicy returns the policy of a live collection
func (r *CollectionRepository) GetPolicy(ctx context.Context, db DBTX, userID string, id uuid.UUID) (*types.PermissionPolicy, error) {
	var raw []byte
	err := db.QueryRow(ctx, `
		SELECT policy FROM collections
		WHERE id = $1 AND user_id = $2 AND deleted_at IS NULL
	`, id, userID).Scan(&raw)
	if err == pgx.ErrNoRows {
		return nil, apperrors.CollectionNotFound(id.String())
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get policy: %w", err)
	}

	var p types.PermissionPolicy
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, fmt.Errorf("failed to unmarshal policy: %w", err)
	}
	return &p, nil
}

// UpdatePolicyTx replaces the policy column
func (r *CollectionRepository) UpdatePolicyTx(ctx context.Context, db DBTX, id uuid.UUID, policy *types.PermissionPolicy) error {
	policyJSON, err := json.Marshal(policy)
	if err != nil {
		return fmt.Errorf("failed to marshal policy: %w", err)
	}
	if _, err := db.Exec(ctx, `
		UPDATE collections SET policy = $2, updated_at = NOW() WHERE id = $1
	`, id, policyJSON); err != nil {
		return fmt.Errorf("failed to update policy: %w", err)
	}
	return nil
}

// SoftDeleteTx marks a collection deleted
func (r *CollectionRepository) SoftDeleteTx(ctx context.Context, db DBTX, id uuid.UUID) error {
	if _, err := db.Exec(ctx, `
		UPDATE collections SET deleted_at = NOW(), updated_at = NOW() WHERE id = $1
	`, id); err != nil {
		return fmt.Errorf("failed to delete collection: %w", err)
	}
	return nil
}
