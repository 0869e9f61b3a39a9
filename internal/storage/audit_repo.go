package storage

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/better-wallet/agentvault/pkg/types"
)

// AuditRepository handles the append-only audit_records table
type AuditRepository struct{}

// AppendTx seals rec after the collection's current head and inserts it.
// The caller must hold the collection row lock in the same transaction.
func (r *AuditRepository) AppendTx(ctx context.Context, db DBTX, rec *types.AuditRecord) error {
	var (
		seq  int64
		head string
	)
	if err := db.QueryRow(ctx, `
		SELECT audit_seq, audit_head FROM collections WHERE id = $1 FOR UPDATE
	`, rec.CollectionID).Scan(&seq, &head); err != nil {
		return fmt.Errorf("failed to read audit head: %w", err)
	}

	var prev *types.AuditRecord
	if seq > 0 {
		prev = &types.AuditRecord{Seq: uint64(seq), Hash: head}
	}
	rec.Seal(prev)

	if _, err := db.Exec(ctx, `
		INSERT INTO audit_records (collection_id, seq, ts, operation, chain_id, account_address,
			outcome, approved_without_override, tx_id, detail, prev_hash, hash)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
	`, rec.CollectionID, int64(rec.Seq), rec.Timestamp, rec.Operation, rec.ChainID, rec.AccountAddress,
		rec.Outcome, rec.ApprovedWithoutOverride, rec.TxID, rec.Detail, rec.PrevHash, rec.Hash); err != nil {
		return fmt.Errorf("failed to insert audit record: %w", err)
	}

	if _, err := db.Exec(ctx, `
		UPDATE collections SET audit_seq = $2, audit_head = $3 WHERE id = $1
	`, rec.CollectionID, int64(rec.Seq), rec.Hash); err != nil {
		return fmt.Errorf("failed to advance audit head: %w", err)
	}
	return nil
}

// List returns records with seq > afterSeq in seq order
func (r *AuditRepository) List(ctx context.Context, db DBTX, collectionID uuid.UUID, afterSeq uint64, limit int) ([]types.AuditRecord, error) {
	rows, err := db.Query(ctx, `
		SELECT collection_id, seq, ts, operation, chain_id, account_address, outcome,
			approved_without_override, tx_id, detail, prev_hash, hash
		FROM audit_records
		WHERE collection_id = $1 AND seq > $2
		ORDER BY seq
		LIMIT $3
	`, collectionID, int64(afterSeq), limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list audit records: %w", err)
	}
	defer rows.Close()

	out := make([]types.AuditRecord, 0)
	for rows.Next() {
		var (
			rec types.AuditRecord
			seq int64
		)
		if err := rows.Scan(
			&rec.CollectionID,
			&seq,
			&rec.Timestamp,
			&rec.Operation,
			&rec.ChainID,
			&rec.AccountAddress,
			&rec.Outcome,
			&rec.ApprovedWithoutOverride,
			&rec.TxID,
			&rec.Detail,
			&rec.PrevHash,
			&rec.Hash,
		); err != nil {
			return nil, fmt.Errorf("failed to scan audit record: %w", err)
		}
		rec.Seq = uint64(seq)
		rec.Timestamp = rec.Timestamp.UTC()
		out = append(out, rec)
	}
	return out, rows.Err()
}
