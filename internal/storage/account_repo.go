package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	apperrors "github.com/better-wallet/agentvault/pkg/errors"
	"github.com/better-wallet/agentvault/pkg/types"
)

// AccountRepository handles chain_accounts rows
type AccountRepository struct{}

const accountColumns = `id, collection_id, chain_id, address, encrypted_secret, salt,
	derivation_path, source, metadata, exported_at, created_at, updated_at`

func scanAccount(row pgx.Row) (*types.ChainAccount, error) {
	var (
		a    types.ChainAccount
		meta []byte
	)
	err := row.Scan(
		&a.ID,
		&a.CollectionID,
		&a.ChainID,
		&a.Address,
		&a.EncryptedSecret,
		&a.Salt,
		&a.DerivationPath,
		&a.Source,
		&meta,
		&a.ExportedAt,
		&a.CreatedAt,
		&a.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	a.Metadata = map[string]string{}
	if len(meta) > 0 {
		if err := json.Unmarshal(meta, &a.Metadata); err != nil {
			return nil, fmt.Errorf("failed to unmarshal metadata: %w", err)
		}
	}
	return &a, nil
}

// CreateTx inserts an account. A (chain_id, address) clash surfaces as a
// unique violation on chain_accounts_chain_address_key.
func (r *AccountRepository) CreateTx(ctx context.Context, db DBTX, a *types.ChainAccount) error {
	meta, err := json.Marshal(a.Metadata)
	if err != nil {
		return fmt.Errorf("failed to marshal metadata: %w", err)
	}

	err = db.QueryRow(ctx, `
		INSERT INTO chain_accounts (id, collection_id, chain_id, address, encrypted_secret, salt,
			derivation_path, source, metadata)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		RETURNING created_at, updated_at
	`, a.ID, a.CollectionID, a.ChainID, a.Address, a.EncryptedSecret, a.Salt,
		a.DerivationPath, a.Source, meta).Scan(&a.CreatedAt, &a.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to create account: %w", err)
	}
	return nil
}

// Get returns an account in a collection, or nil when absent
func (r *AccountRepository) Get(ctx context.Context, db DBTX, collectionID uuid.UUID, chainID, address string) (*types.ChainAccount, error) {
	a, err := scanAccount(db.QueryRow(ctx, `
		SELECT `+accountColumns+`
		FROM chain_accounts
		WHERE collection_id = $1 AND chain_id = $2 AND address = $3
	`, collectionID, chainID, address))
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get account: %w", err)
	}
	return a, nil
}

// ListByCollection returns accounts in creation order
func (r *AccountRepository) ListByCollection(ctx context.Context, db DBTX, collectionID uuid.UUID) ([]*types.ChainAccount, error) {
	rows, err := db.Query(ctx, `
		SELECT `+accountColumns+`
		FROM chain_accounts
		WHERE collection_id = $1
		ORDER BY created_at, chain_id, address
	`, collectionID)
	if err != nil {
		return nil, fmt.Errorf("failed to list accounts: %w", err)
	}
	defer rows.Close()

	out := make([]*types.ChainAccount, 0)
	for rows.Next() {
		a, err := scanAccount(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan account: %w", err)
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// FindOwner locates a pair across all live collections
func (r *AccountRepository) FindOwner(ctx context.Context, db DBTX, chainID, address string) (*types.AccountOwner, error) {
	var owner types.AccountOwner
	err := db.QueryRow(ctx, `
		SELECT c.user_id, c.id
		FROM chain_accounts a
		JOIN collections c ON c.id = a.collection_id
		WHERE a.chain_id = $1 AND a.address = $2
	`, chainID, address).Scan(&owner.UserID, &owner.CollectionID)
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find account owner: %w", err)
	}
	return &owner, nil
}

// UpdateMetadataTx replaces the metadata document
func (r *AccountRepository) UpdateMetadataTx(ctx context.Context, db DBTX, collectionID uuid.UUID, chainID, address string, metadata map[string]string) error {
	meta, err := json.Marshal(copyMetadata(metadata))
	if err != nil {
		return fmt.Errorf("failed to marshal metadata: %w", err)
	}
	tag, err := db.Exec(ctx, `
		UPDATE chain_accounts SET metadata = $4, updated_at = NOW()
		WHERE collection_id = $1 AND chain_id = $2 AND address = $3
	`, collectionID, chainID, address, meta)
	if err != nil {
		return fmt.Errorf("failed to update metadata: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return apperrors.AccountNotFound(chainID, address)
	}
	return nil
}

// MarkExportedTx stamps exported_at
func (r *AccountRepository) MarkExportedTx(ctx context.Context, db DBTX, collectionID uuid.UUID, chainID, address string, at time.Time) error {
	tag, err := db.Exec(ctx, `
		UPDATE chain_accounts SET exported_at = $4, updated_at = NOW()
		WHERE collection_id = $1 AND chain_id = $2 AND address = $3
	`, collectionID, chainID, address, at)
	if err != nil {
		return fmt.Errorf("failed to mark account exported: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return apperrors.AccountNotFound(chainID, address)
	}
	return nil
}

// CountUnexportedTx counts accounts that were never exported
func (r *AccountRepository) CountUnexportedTx(ctx context.Context, db DBTX, collectionID uuid.UUID) (int, error) {
	var n int
	err := db.QueryRow(ctx, `
		SELECT COUNT(*) FROM chain_accounts
		WHERE collection_id = $1 AND exported_at IS NULL
	`, collectionID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count accounts: %w", err)
	}
	return n, nil
}

// DeleteTx removes one account
func (r *AccountRepository) DeleteTx(ctx context.Context, db DBTX, id uuid.UUID) error {
	if _, err := db.Exec(ctx, `DELETE FROM chain_accounts WHERE id = $1`, id); err != nil {
		return fmt.Errorf("failed to delete account: %w", err)
	}
	return nil
}

// DeleteByCollectionTx removes every account of a collection
func (r *AccountRepository) DeleteByCollectionTx(ctx context.Context, db DBTX, collectionID uuid.UUID) (int64, error) {
	tag, err := db.Exec(ctx, `DELETE FROM chain_accounts WHERE collection_id = $1`, collectionID)
	if err != nil {
		return 0, fmt.Errorf("failed to delete accounts: %w", err)
	}
	return tag.RowsAffected(), nil
}
