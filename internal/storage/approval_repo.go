package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/better-wallet/agentvault/pkg/types"
)

// ApprovalRepository handles pending_approvals rows
type ApprovalRepository struct{}

const approvalColumns = `id, collection_id, operation, args_digest, summary, status, created_at, resolved_at`

func scanApproval(row pgx.Row) (*types.PendingApproval, error) {
	var a types.PendingApproval
	if err := row.Scan(&a.ID, &a.CollectionID, &a.Operation, &a.ArgsDigest, &a.Summary, &a.Status, &a.CreatedAt, &a.ResolvedAt); err != nil {
		return nil, err
	}
	return &a, nil
}

// CreateTx inserts a pending approval
func (r *ApprovalRepository) CreateTx(ctx context.Context, db DBTX, a *types.PendingApproval) error {
	if _, err := db.Exec(ctx, `
		INSERT INTO pending_approvals (id, collection_id, operation, args_digest, summary, status, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, a.ID, a.CollectionID, a.Operation, a.ArgsDigest, a.Summary, a.Status, a.CreatedAt); err != nil {
		return fmt.Errorf("failed to create approval: %w", err)
	}
	return nil
}

// Get returns an approval, or nil when absent
func (r *ApprovalRepository) Get(ctx context.Context, db DBTX, collectionID, id uuid.UUID) (*types.PendingApproval, error) {
	a, err := scanApproval(db.QueryRow(ctx, `
		SELECT `+approvalColumns+`
		FROM pending_approvals
		WHERE id = $1 AND collection_id = $2
	`, id, collectionID))
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get approval: %w", err)
	}
	return a, nil
}

// List returns approvals of a collection, optionally filtered by status
func (r *ApprovalRepository) List(ctx context.Context, db DBTX, collectionID uuid.UUID, status types.ApprovalStatus) ([]types.PendingApproval, error) {
	rows, err := db.Query(ctx, `
		SELECT `+approvalColumns+`
		FROM pending_approvals
		WHERE collection_id = $1 AND ($2::text = '' OR status = $2::text)
		ORDER BY created_at
	`, collectionID, string(status))
	if err != nil {
		return nil, fmt.Errorf("failed to list approvals: %w", err)
	}
	defer rows.Close()

	out := make([]types.PendingApproval, 0)
	for rows.Next() {
		a, err := scanApproval(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan approval: %w", err)
		}
		out = append(out, *a)
	}
	return out, rows.Err()
}

// ResolveTx moves a pending approval to approved or rejected. It returns
// nil when no pending row matched.
func (r *ApprovalRepository) ResolveTx(ctx context.Context, db DBTX, collectionID, id uuid.UUID, status types.ApprovalStatus, at time.Time) (*types.PendingApproval, error) {
	a, err := scanApproval(db.QueryRow(ctx, `
		UPDATE pending_approvals SET status = $3, resolved_at = $4
		WHERE id = $1 AND collection_id = $2 AND status = 'pending'
		RETURNING `+approvalColumns,
		id, collectionID, status, at))
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to resolve approval: %w", err)
	}
	return a, nil
}

// ConsumeTx moves an approved row with matching operation and digest to
// consumed. The conditional update makes it succeed at most once.
func (r *ApprovalRepository) ConsumeTx(ctx context.Context, db DBTX, collectionID, id uuid.UUID, op types.OperationKind, argsDigest string) (*types.PendingApproval, error) {
	a, err := scanApproval(db.QueryRow(ctx, `
		UPDATE pending_approvals SET status = 'consumed'
		WHERE id = $1 AND collection_id = $2 AND status = 'approved'
			AND operation = $3 AND args_digest = $4
		RETURNING `+approvalColumns,
		id, collectionID, op, argsDigest))
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to consume approval: %w", err)
	}
	return a, nil
}
