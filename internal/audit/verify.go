package audit

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/better-wallet/agentvault/pkg/types"
)

// BrokenChainError points at the first record that does not link.
type BrokenChainError struct {
	CollectionID uuid.UUID
	Seq          uint64
	Reason       string
}

func (e *BrokenChainError) Error() string {
	return fmt.Sprintf("audit chain of %s broken at seq %d: %s", e.CollectionID, e.Seq, e.Reason)
}

// Verifier walks a collection's chain incrementally, so logs can be checked
// page by page.
type Verifier struct {
	collectionID uuid.UUID
	prev         *types.AuditRecord
	count        uint64
}

// NewVerifier starts at the genesis record of collectionID.
func NewVerifier(collectionID uuid.UUID) *Verifier {
	return &Verifier{collectionID: collectionID}
}

// Add checks records that directly follow those already added.
func (v *Verifier) Add(records ...types.AuditRecord) error {
	for i := range records {
		rec := records[i]
		wantSeq, wantPrev := uint64(1), ""
		if v.prev != nil {
			wantSeq, wantPrev = v.prev.Seq+1, v.prev.Hash
		}

		switch {
		case rec.CollectionID != v.collectionID:
			return v.broken(rec.Seq, "record belongs to another collection")
		case rec.Seq != wantSeq:
			return v.broken(rec.Seq, fmt.Sprintf("expected seq %d", wantSeq))
		case rec.PrevHash != wantPrev:
			return v.broken(rec.Seq, "prev_hash does not match the preceding record")
		case rec.ComputeHash() != rec.Hash:
			return v.broken(rec.Seq, "hash does not match record contents")
		}
		v.prev = &rec
		v.count++
	}
	return nil
}

// Count returns how many records verified so far.
func (v *Verifier) Count() uint64 {
	return v.count
}

func (v *Verifier) broken(seq uint64, reason string) error {
	return &BrokenChainError{CollectionID: v.collectionID, Seq: seq, Reason: reason}
}

// Verify checks a complete chain starting at seq 1.
func Verify(collectionID uuid.UUID, records []types.AuditRecord) error {
	return NewVerifier(collectionID).Add(records...)
}

// PageFunc returns records with seq greater than afterSeq.
type PageFunc func(ctx context.Context, afterSeq uint64, limit int) ([]types.AuditRecord, error)

// VerifyPaged verifies a chain fetched page by page and returns the number
// of records checked.
func VerifyPaged(ctx context.Context, collectionID uuid.UUID, page PageFunc, pageSize int) (uint64, error) {
	v := NewVerifier(collectionID)
	var after uint64
	for {
		records, err := page(ctx, after, pageSize)
		if err != nil {
			return v.Count(), fmt.Errorf("failed to read audit page: %w", err)
		}
		if len(records) == 0 {
			return v.Count(), nil
		}
		if err := v.Add(records...); err != nil {
			return v.Count(), err
		}
		after = records[len(records)-1].Seq
	}
}
