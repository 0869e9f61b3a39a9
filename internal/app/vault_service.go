package app

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/better-wallet/agentvault/internal/audit"
	"github.com/better-wallet/agentvault/internal/bridge"
	"github.com/better-wallet/agentvault/internal/capability"
	"github.com/better-wallet/agentvault/internal/locks"
	"github.com/better-wallet/agentvault/internal/logger"
	"github.com/better-wallet/agentvault/internal/policy"
	"github.com/better-wallet/agentvault/internal/session"
	"github.com/better-wallet/agentvault/internal/storage"
	apperrors "github.com/better-wallet/agentvault/pkg/errors"
	"github.com/better-wallet/agentvault/pkg/types"
)

// auditPageSize bounds each read while verifying a chain.
const auditPageSize = 500

// VaultService is the user-facing surface: collection and policy management,
// approvals, audit reads and capability construction. Every call acts for
// the session's user only.
type VaultService struct {
	store   storage.Store
	factory *capability.Factory
	bridge  *bridge.Bridge
	locks   *locks.Collections
}

// NewVaultService creates a new vault service. l must be the lock set the
// factory and bridge were built with.
func NewVaultService(store storage.Store, factory *capability.Factory, b *bridge.Bridge, l *locks.Collections) *VaultService {
	return &VaultService{
		store:   store,
		factory: factory,
		bridge:  b,
		locks:   l,
	}
}

// lock holds the collection lock while accounts leave custody.
func (s *VaultService) lock(ctx context.Context, collectionID uuid.UUID) (func(), error) {
	unlock, err := s.locks.Lock(ctx, collectionID)
	if err != nil {
		return nil, apperrors.Internal(fmt.Errorf("failed to acquire collection lock: %w", err))
	}
	return unlock, nil
}

// OpenSession starts a session for userID. The caller should zero
// masterSecret once this returns.
func (s *VaultService) OpenSession(userID string, masterSecret []byte) (*session.Session, error) {
	sess, err := session.New(userID, masterSecret)
	if err != nil {
		return nil, apperrors.InvalidArgument(err.Error())
	}
	return sess, nil
}

func userOf(sess *session.Session) (string, error) {
	if sess == nil || sess.Closed() {
		return "", apperrors.PermissionDenied("session closed")
	}
	return sess.UserID(), nil
}

// CreateCollection creates a collection. A nil policy gets the read-only
// default.
func (s *VaultService) CreateCollection(ctx context.Context, sess *session.Session, name string, p *types.PermissionPolicy) (*types.Collection, error) {
	userID, err := userOf(sess)
	if err != nil {
		return nil, err
	}
	initial := types.DefaultPolicy()
	if p != nil {
		if err := policy.ValidatePolicy(p); err != nil {
			return nil, err
		}
		initial = p.Clone()
	}

	col, err := s.store.CreateCollection(ctx, userID, name, initial)
	if err != nil {
		return nil, err
	}
	logger.Info(ctx, "collection created", "user_id", userID, "collection_id", col.ID, "name", col.Name)
	return col, nil
}

func (s *VaultService) GetCollection(ctx context.Context, sess *session.Session, collectionID uuid.UUID) (*types.Collection, error) {
	userID, err := userOf(sess)
	if err != nil {
		return nil, err
	}
	return s.store.GetCollection(ctx, userID, collectionID)
}

func (s *VaultService) ListCollections(ctx context.Context, sess *session.Session) ([]*types.Collection, error) {
	userID, err := userOf(sess)
	if err != nil {
		return nil, err
	}
	return s.store.ListCollections(ctx, userID)
}

// DeleteCollection removes a collection. Unless discard is set every account
// must have been exported first.
func (s *VaultService) DeleteCollection(ctx context.Context, sess *session.Session, collectionID uuid.UUID, discard bool) error {
	userID, err := userOf(sess)
	if err != nil {
		return err
	}
	unlock, err := s.lock(ctx, collectionID)
	if err != nil {
		return err
	}
	defer unlock()

	if err := s.store.DeleteCollection(ctx, userID, collectionID, discard); err != nil {
		return err
	}
	logger.Info(ctx, "collection deleted", "user_id", userID, "collection_id", collectionID, "discard", discard)
	return nil
}

func (s *VaultService) GetPolicy(ctx context.Context, sess *session.Session, collectionID uuid.UUID) (*types.PermissionPolicy, error) {
	userID, err := userOf(sess)
	if err != nil {
		return nil, err
	}
	return s.store.GetPolicy(ctx, userID, collectionID)
}

// UpdatePolicy replaces the collection policy. Capability sets built before
// the update keep their snapshot.
func (s *VaultService) UpdatePolicy(ctx context.Context, sess *session.Session, collectionID uuid.UUID, p types.PermissionPolicy) (*types.PermissionPolicy, error) {
	userID, err := userOf(sess)
	if err != nil {
		return nil, err
	}
	if err := policy.ValidatePolicy(&p); err != nil {
		return nil, err
	}
	updated, err := s.store.UpdatePolicy(ctx, userID, collectionID, p)
	if err != nil {
		return nil, err
	}
	logger.Info(ctx, "policy updated",
		"user_id", userID,
		"collection_id", collectionID,
		"version", updated.Version,
		"digest", policy.Digest(updated),
	)
	return updated, nil
}

func (s *VaultService) GetAccounts(ctx context.Context, sess *session.Session, collectionID uuid.UUID) ([]types.AccountInfo, error) {
	userID, err := userOf(sess)
	if err != nil {
		return nil, err
	}
	return s.store.GetAccounts(ctx, userID, collectionID)
}

func (s *VaultService) UpdateMetadata(ctx context.Context, sess *session.Session, collectionID uuid.UUID, chainID, address string, metadata map[string]string) error {
	userID, err := userOf(sess)
	if err != nil {
		return err
	}
	return s.store.UpdateMetadata(ctx, userID, collectionID, chainID, address, metadata)
}

func (s *VaultService) RemoveAccount(ctx context.Context, sess *session.Session, collectionID uuid.UUID, chainID, address string, discard bool) error {
	userID, err := userOf(sess)
	if err != nil {
		return err
	}
	unlock, err := s.lock(ctx, collectionID)
	if err != nil {
		return err
	}
	defer unlock()
	return s.store.RemoveAccount(ctx, userID, collectionID, chainID, address, discard)
}

func (s *VaultService) ImportSecret(ctx context.Context, sess *session.Session, collectionID uuid.UUID, req bridge.ImportRequest) (*types.AccountHandle, error) {
	return s.bridge.ImportSecret(ctx, sess, collectionID, req)
}

func (s *VaultService) ExportSecret(ctx context.Context, sess *session.Session, collectionID uuid.UUID, req bridge.ExportRequest) (*bridge.ExportedMaterial, error) {
	return s.bridge.ExportSecret(ctx, sess, collectionID, req)
}

// Capabilities returns the operation set the orchestration layer may call
// for this session and collection.
func (s *VaultService) Capabilities(ctx context.Context, sess *session.Session, collectionID uuid.UUID) (*capability.Set, error) {
	return s.factory.Build(ctx, sess, collectionID)
}

func (s *VaultService) ListApprovals(ctx context.Context, sess *session.Session, collectionID uuid.UUID, status types.ApprovalStatus) ([]types.PendingApproval, error) {
	userID, err := userOf(sess)
	if err != nil {
		return nil, err
	}
	return s.store.ListApprovals(ctx, userID, collectionID, status)
}

// ResolveApproval records the human decision on a parked operation. The
// operation itself runs when the agent repeats it with the approval id.
func (s *VaultService) ResolveApproval(ctx context.Context, sess *session.Session, collectionID, approvalID uuid.UUID, approve bool) (*types.PendingApproval, error) {
	userID, err := userOf(sess)
	if err != nil {
		return nil, err
	}
	a, err := s.store.ResolveApproval(ctx, userID, collectionID, approvalID, approve)
	if err != nil {
		return nil, err
	}
	logger.Info(ctx, "approval resolved",
		"user_id", userID,
		"collection_id", collectionID,
		"approval_id", approvalID,
		"status", a.Status,
	)
	return a, nil
}

// AuditLog pages through a collection's audit records in sequence order.
func (s *VaultService) AuditLog(ctx context.Context, sess *session.Session, collectionID uuid.UUID, afterSeq uint64, limit int) ([]types.AuditRecord, error) {
	userID, err := userOf(sess)
	if err != nil {
		return nil, err
	}
	return s.store.ListAudit(ctx, userID, collectionID, afterSeq, limit)
}

// VerifyAudit walks the collection's hash chain and returns the number of
// intact records. A broken chain is reported as an integrity error.
func (s *VaultService) VerifyAudit(ctx context.Context, sess *session.Session, collectionID uuid.UUID) (uint64, error) {
	userID, err := userOf(sess)
	if err != nil {
		return 0, err
	}
	page := func(ctx context.Context, afterSeq uint64, limit int) ([]types.AuditRecord, error) {
		return s.store.ListAudit(ctx, userID, collectionID, afterSeq, limit)
	}
	n, err := audit.VerifyPaged(ctx, collectionID, page, auditPageSize)
	var broken *audit.BrokenChainError
	if errors.As(err, &broken) {
		logger.Error(ctx, "audit chain broken",
			"collection_id", collectionID,
			"seq", broken.Seq,
			"reason", broken.Reason,
		)
		return n, apperrors.Integrity(err)
	}
	return n, err
}
