package storage

import (
	"context"
	"sort"
	"sync"

	"github.com/google/uuid"

	apperrors "github.com/better-wallet/agentvault/pkg/errors"
	"github.com/better-wallet/agentvault/pkg/types"
)

type accountKey struct {
	chainID string
	address string
}

type memCollection struct {
	col      types.Collection
	policy   types.PermissionPolicy
	accounts []*types.ChainAccount
	audit    []types.AuditRecord
}

func (c *memCollection) head() *types.AuditRecord {
	if len(c.audit) == 0 {
		return nil
	}
	return &c.audit[len(c.audit)-1]
}

func (c *memCollection) find(chainID, address string) (int, *types.ChainAccount) {
	for i, a := range c.accounts {
		if a.ChainID == chainID && a.Address == address {
			return i, a
		}
	}
	return -1, nil
}

// MemoryStore keeps everything in process memory. It backs development
// mode and tests and follows the same contract as PostgresStore.
type MemoryStore struct {
	mu          sync.RWMutex
	users       map[string]*types.User
	portfolios  map[string]*types.Portfolio
	collections map[uuid.UUID]*memCollection
	owners      map[accountKey]uuid.UUID
	approvals   map[uuid.UUID]*types.PendingApproval
	opts        options
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore(opts ...Option) *MemoryStore {
	return &MemoryStore{
		users:       make(map[string]*types.User),
		portfolios:  make(map[string]*types.Portfolio),
		collections: make(map[uuid.UUID]*memCollection),
		owners:      make(map[accountKey]uuid.UUID),
		approvals:   make(map[uuid.UUID]*types.PendingApproval),
		opts:        buildOptions(opts),
	}
}

// collection returns the live collection owned by userID. Callers hold mu.
func (s *MemoryStore) collection(userID string, id uuid.UUID) (*memCollection, error) {
	c, ok := s.collections[id]
	if !ok || c.col.UserID != userID || c.col.DeletedAt != nil {
		return nil, apperrors.CollectionNotFound(id.String())
	}
	return c, nil
}

// appendLocked seals rec onto c's chain. Callers hold mu.
func (s *MemoryStore) appendLocked(c *memCollection, rec *types.AuditRecord) {
	rec.CollectionID = c.col.ID
	rec.Seal(c.head())
	c.audit = append(c.audit, *rec)
}

// mutate runs fn under the write lock. On success the record fn returns is
// appended atomically with the change; on failure a failure record is
// appended instead, unless the collection itself was not found.
func (s *MemoryStore) mutate(ctx context.Context, userID string, collectionID uuid.UUID, rec *types.AuditRecord, fn func(c *memCollection) error) error {
	s.mu.Lock()
	c, err := s.collection(userID, collectionID)
	if err != nil {
		s.mu.Unlock()
		return err
	}
	if err := fn(c); err != nil {
		fail := failed(rec, err)
		s.appendLocked(c, fail)
		s.mu.Unlock()
		s.opts.notify(ctx, *fail)
		return err
	}
	s.appendLocked(c, rec)
	s.mu.Unlock()
	s.opts.notify(ctx, *rec)
	return nil
}

func (s *MemoryStore) CreateCollection(ctx context.Context, userID, name string, policy types.PermissionPolicy) (*types.Collection, error) {
	if err := validateUser(userID); err != nil {
		return nil, err
	}
	name, err := validateName(name)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	now := s.opts.now()
	for _, c := range s.collections {
		if c.col.UserID == userID && c.col.Name == name && c.col.DeletedAt == nil {
			s.mu.Unlock()
			return nil, apperrors.InvalidArgument("collection name already in use")
		}
	}
	if _, ok := s.users[userID]; !ok {
		s.users[userID] = &types.User{ID: userID, CreatedAt: now}
	}
	p, ok := s.portfolios[userID]
	if !ok {
		p = &types.Portfolio{ID: uuid.New(), UserID: userID, CreatedAt: now}
		s.portfolios[userID] = p
	}

	policy = policy.Clone()
	policy.Version = 1
	policy.UpdatedAt = now
	c := &memCollection{
		col: types.Collection{
			ID:          uuid.New(),
			PortfolioID: p.ID,
			UserID:      userID,
			Name:        name,
			CreatedAt:   now,
			UpdatedAt:   now,
		},
		policy: policy,
	}
	s.collections[c.col.ID] = c
	rec := mutationRecord(ctx, c.col.ID, types.AuditCreateCollection, "", "")
	rec.Detail = name
	s.appendLocked(c, rec)
	out := c.col
	s.mu.Unlock()

	s.opts.notify(ctx, *rec)
	return &out, nil
}

func (s *MemoryStore) GetCollection(ctx context.Context, userID string, collectionID uuid.UUID) (*types.Collection, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, err := s.collection(userID, collectionID)
	if err != nil {
		return nil, err
	}
	out := c.col
	return &out, nil
}

func (s *MemoryStore) ListCollections(ctx context.Context, userID string) ([]*types.Collection, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*types.Collection, 0)
	for _, c := range s.collections {
		if c.col.UserID == userID && c.col.DeletedAt == nil {
			col := c.col
			out = append(out, &col)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].Name < out[j].Name
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

func (s *MemoryStore) DeleteCollection(ctx context.Context, userID string, collectionID uuid.UUID, discard bool) error {
	rec := mutationRecord(ctx, collectionID, types.AuditDeleteCollection, "", "")
	return s.mutate(ctx, userID, collectionID, rec, func(c *memCollection) error {
		if !discard {
			for _, a := range c.accounts {
				if a.ExportedAt == nil {
					return apperrors.InvalidArgument("collection holds accounts that were never exported; export them or confirm discard")
				}
			}
		}
		for _, a := range c.accounts {
			delete(s.owners, accountKey{a.ChainID, a.Address})
		}
		rec.Detail = deleteDetail(len(c.accounts), discard)
		c.accounts = nil
		now := s.opts.now()
		c.col.DeletedAt = &now
		c.col.UpdatedAt = now
		return nil
	})
}

func (s *MemoryStore) GetPolicy(ctx context.Context, userID string, collectionID uuid.UUID) (*types.PermissionPolicy, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, err := s.collection(userID, collectionID)
	if err != nil {
		return nil, err
	}
	p := c.policy.Clone()
	return &p, nil
}

func (s *MemoryStore) UpdatePolicy(ctx context.Context, userID string, collectionID uuid.UUID, policy types.PermissionPolicy) (*types.PermissionPolicy, error) {
	var out types.PermissionPolicy
	rec := mutationRecord(ctx, collectionID, types.AuditUpdatePolicy, "", "")
	err := s.mutate(ctx, userID, collectionID, rec, func(c *memCollection) error {
		next := policy.Clone()
		next.Version = c.policy.Version + 1
		next.UpdatedAt = s.opts.now()
		c.policy = next
		rec.Detail = policyDetail(next.Version)
		out = next.Clone()
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &out, nil
}

func (s *MemoryStore) AddAccount(ctx context.Context, userID string, collectionID uuid.UUID, account *types.ChainAccount, op types.AuditOperation) (*types.AccountHandle, error) {
	// Wrapping may call a remote KMS, so it happens before the lock.
	stored, err := s.opts.wrapSecret(ctx, account.ChainID, account.Address, account.EncryptedSecret)
	if err != nil {
		return nil, apperrors.Internal(err)
	}

	var handle *types.AccountHandle
	rec := mutationRecord(ctx, collectionID, op, account.ChainID, account.Address)
	err = s.mutate(ctx, userID, collectionID, rec, func(c *memCollection) error {
		key := accountKey{account.ChainID, account.Address}
		if _, exists := s.owners[key]; exists {
			return conflictError(op, account.ChainID, account.Address)
		}
		now := s.opts.now()
		a := &types.ChainAccount{
			ID:              uuid.New(),
			CollectionID:    collectionID,
			ChainID:         account.ChainID,
			Address:         account.Address,
			EncryptedSecret: stored,
			Salt:            append([]byte(nil), account.Salt...),
			DerivationPath:  account.DerivationPath,
			Source:          account.Source,
			Metadata:        copyMetadata(account.Metadata),
			CreatedAt:       now,
			UpdatedAt:       now,
		}
		c.accounts = append(c.accounts, a)
		s.owners[key] = collectionID
		handle = &types.AccountHandle{ID: a.ID, CollectionID: collectionID, ChainID: a.ChainID, Address: a.Address}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return handle, nil
}

func (s *MemoryStore) GetAccounts(ctx context.Context, userID string, collectionID uuid.UUID) ([]types.AccountInfo, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, err := s.collection(userID, collectionID)
	if err != nil {
		return nil, err
	}
	out := make([]types.AccountInfo, 0, len(c.accounts))
	for _, a := range c.accounts {
		out = append(out, a.Info())
	}
	return out, nil
}

func (s *MemoryStore) GetAccount(ctx context.Context, userID string, collectionID uuid.UUID, chainID, address string) (*types.AccountInfo, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, err := s.collection(userID, collectionID)
	if err != nil {
		return nil, err
	}
	_, a := c.find(chainID, address)
	if a == nil {
		return nil, apperrors.AccountNotFound(chainID, address)
	}
	info := a.Info()
	return &info, nil
}

func (s *MemoryStore) GetSigningMaterial(ctx context.Context, userID string, collectionID uuid.UUID, chainID, address string) (*types.SigningMaterial, error) {
	s.mu.RLock()
	c, err := s.collection(userID, collectionID)
	if err != nil {
		s.mu.RUnlock()
		return nil, err
	}
	_, a := c.find(chainID, address)
	if a == nil {
		s.mu.RUnlock()
		return nil, apperrors.AccountNotFound(chainID, address)
	}
	handle := types.AccountHandle{ID: a.ID, CollectionID: collectionID, ChainID: a.ChainID, Address: a.Address}
	stored := append([]byte(nil), a.EncryptedSecret...)
	salt := append([]byte(nil), a.Salt...)
	s.mu.RUnlock()

	ciphertext, err := s.opts.unwrapSecret(ctx, chainID, address, stored)
	if err != nil {
		return nil, err
	}
	return &types.SigningMaterial{Account: handle, EncryptedSecret: ciphertext, Salt: salt}, nil
}

func (s *MemoryStore) UpdateMetadata(ctx context.Context, userID string, collectionID uuid.UUID, chainID, address string, metadata map[string]string) error {
	rec := mutationRecord(ctx, collectionID, types.AuditUpdateMetadata, chainID, address)
	return s.mutate(ctx, userID, collectionID, rec, func(c *memCollection) error {
		_, a := c.find(chainID, address)
		if a == nil {
			return apperrors.AccountNotFound(chainID, address)
		}
		a.Metadata = copyMetadata(metadata)
		a.UpdatedAt = s.opts.now()
		return nil
	})
}

func (s *MemoryStore) MarkExported(ctx context.Context, userID string, collectionID uuid.UUID, chainID, address, format string) error {
	rec := mutationRecord(ctx, collectionID, types.AuditExportSecret, chainID, address)
	rec.Detail = format
	return s.mutate(ctx, userID, collectionID, rec, func(c *memCollection) error {
		_, a := c.find(chainID, address)
		if a == nil {
			return apperrors.AccountNotFound(chainID, address)
		}
		now := s.opts.now()
		a.ExportedAt = &now
		a.UpdatedAt = now
		return nil
	})
}

func (s *MemoryStore) RemoveAccount(ctx context.Context, userID string, collectionID uuid.UUID, chainID, address string, discard bool) error {
	rec := mutationRecord(ctx, collectionID, types.AuditRemoveAccount, chainID, address)
	return s.mutate(ctx, userID, collectionID, rec, func(c *memCollection) error {
		i, a := c.find(chainID, address)
		if a == nil {
			return apperrors.AccountNotFound(chainID, address)
		}
		if a.ExportedAt == nil && !discard {
			return apperrors.InvalidArgument("account was never exported; export it or confirm discard")
		}
		rec.Detail = removeDetail(discard)
		c.accounts = append(c.accounts[:i], c.accounts[i+1:]...)
		delete(s.owners, accountKey{chainID, address})
		return nil
	})
}

func (s *MemoryStore) FindOwner(ctx context.Context, chainID, address string) (*types.AccountOwner, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.owners[accountKey{chainID, address}]
	if !ok {
		return nil, nil
	}
	return &types.AccountOwner{UserID: s.collections[id].col.UserID, CollectionID: id}, nil
}

func (s *MemoryStore) AppendAudit(ctx context.Context, userID string, rec *types.AuditRecord) error {
	s.mu.Lock()
	c, err := s.collection(userID, rec.CollectionID)
	if err != nil {
		s.mu.Unlock()
		return err
	}
	if rec.Timestamp.IsZero() {
		rec.Timestamp = types.AuditTimestamp()
	}
	s.appendLocked(c, rec)
	s.mu.Unlock()

	s.opts.notify(ctx, *rec)
	return nil
}

func (s *MemoryStore) ListAudit(ctx context.Context, userID string, collectionID uuid.UUID, afterSeq uint64, limit int) ([]types.AuditRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.collections[collectionID]
	if !ok || c.col.UserID != userID {
		return nil, apperrors.CollectionNotFound(collectionID.String())
	}
	return pageAudit(c.audit, afterSeq, clampLimit(limit)), nil
}

func (s *MemoryStore) AuditCollections(ctx context.Context) ([]uuid.UUID, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]uuid.UUID, 0, len(s.collections))
	for id := range s.collections {
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].String() < out[j].String() })
	return out, nil
}

func (s *MemoryStore) ExportAudit(ctx context.Context, collectionID uuid.UUID, afterSeq uint64, limit int) ([]types.AuditRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.collections[collectionID]
	if !ok {
		return nil, apperrors.CollectionNotFound(collectionID.String())
	}
	return pageAudit(c.audit, afterSeq, clampLimit(limit)), nil
}

// pageAudit relies on seq n being stored at index n-1.
func pageAudit(log []types.AuditRecord, afterSeq uint64, limit int) []types.AuditRecord {
	if afterSeq >= uint64(len(log)) {
		return []types.AuditRecord{}
	}
	end := int(afterSeq) + limit
	if end > len(log) {
		end = len(log)
	}
	return append([]types.AuditRecord(nil), log[afterSeq:end]...)
}

func (s *MemoryStore) CreateApproval(ctx context.Context, userID string, approval *types.PendingApproval) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := s.collection(userID, approval.CollectionID); err != nil {
		return err
	}
	if approval.ID == uuid.Nil {
		approval.ID = uuid.New()
	}
	approval.Status = types.ApprovalPending
	approval.CreatedAt = s.opts.now()
	cp := *approval
	s.approvals[approval.ID] = &cp
	return nil
}

// approval returns an approval visible to userID. Callers hold mu.
func (s *MemoryStore) approval(userID string, collectionID, approvalID uuid.UUID) (*types.PendingApproval, error) {
	if _, err := s.collection(userID, collectionID); err != nil {
		return nil, err
	}
	a, ok := s.approvals[approvalID]
	if !ok || a.CollectionID != collectionID {
		return nil, apperrors.ApprovalNotFound(approvalID.String())
	}
	return a, nil
}

func (s *MemoryStore) GetApproval(ctx context.Context, userID string, collectionID, approvalID uuid.UUID) (*types.PendingApproval, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	a, err := s.approval(userID, collectionID, approvalID)
	if err != nil {
		return nil, err
	}
	out := *a
	return &out, nil
}

func (s *MemoryStore) ListApprovals(ctx context.Context, userID string, collectionID uuid.UUID, status types.ApprovalStatus) ([]types.PendingApproval, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if _, err := s.collection(userID, collectionID); err != nil {
		return nil, err
	}
	out := make([]types.PendingApproval, 0)
	for _, a := range s.approvals {
		if a.CollectionID == collectionID && (status == "" || a.Status == status) {
			out = append(out, *a)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (s *MemoryStore) ResolveApproval(ctx context.Context, userID string, collectionID, approvalID uuid.UUID, approve bool) (*types.PendingApproval, error) {
	var out types.PendingApproval
	rec := mutationRecord(ctx, collectionID, types.AuditResolveApproval, "", "")
	err := s.mutate(ctx, userID, collectionID, rec, func(c *memCollection) error {
		a, ok := s.approvals[approvalID]
		if !ok || a.CollectionID != collectionID || a.Status != types.ApprovalPending {
			return apperrors.ApprovalNotFound(approvalID.String())
		}
		now := s.opts.now()
		a.Status = types.ApprovalRejected
		if approve {
			a.Status = types.ApprovalApproved
		}
		a.ResolvedAt = &now
		rec.Detail = resolveDetail(approvalID, a.Status)
		out = *a
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &out, nil
}

func (s *MemoryStore) ConsumeApproval(ctx context.Context, userID string, collectionID, approvalID uuid.UUID, op types.OperationKind, argsDigest string) (*types.PendingApproval, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, err := s.approval(userID, collectionID, approvalID)
	if err != nil {
		return nil, err
	}
	if a.Status != types.ApprovalApproved || a.Operation != op || a.ArgsDigest != argsDigest {
		return nil, apperrors.ApprovalNotFound(approvalID.String())
	}
	a.Status = types.ApprovalConsumed
	out := *a
	return &out, nil
}

func (s *MemoryStore) Ping(ctx context.Context) error {
	return ctx.Err()
}

func (s *MemoryStore) Close() {}

var _ Store = (*MemoryStore)(nil)
