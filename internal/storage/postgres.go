package storage

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	apperrors "github.com/better-wallet/agentvault/pkg/errors"
	"github.com/better-wallet/agentvault/pkg/types"
)

const pgUniqueViolation = "23505"

// DBTX is an interface that both pgxpool.Pool and pgx.Tx implement
type DBTX interface {
	Exec(ctx context.Context, sql string, arguments ...interface{}) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...interface{}) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...interface{}) pgx.Row
}

// PostgresStore is the durable Store backend.
type PostgresStore struct {
	pool *pgxpool.Pool
	opts options

	users       *UserRepository
	collections *CollectionRepository
	accounts    *AccountRepository
	audit       *AuditRepository
	approvals   *ApprovalRepository
}

// NewPostgresStore connects to dsn and verifies the connection.
func NewPostgresStore(ctx context.Context, dsn string, opts ...Option) (*PostgresStore, error) {
	config, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to parse database DSN: %w", err)
	}

	// Set pool configuration
	config.MaxConns = 25
	config.MinConns = 2

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("failed to create database pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return &PostgresStore{
		pool:        pool,
		opts:        buildOptions(opts),
		users:       &UserRepository{},
		collections: &CollectionRepository{},
		accounts:    &AccountRepository{},
		audit:       &AuditRepository{},
		approvals:   &ApprovalRepository{},
	}, nil
}

// Close closes the database connection pool
func (s *PostgresStore) Close() {
	s.pool.Close()
}

// DB returns the underlying database pool for direct queries
func (s *PostgresStore) DB() *pgxpool.Pool {
	return s.pool
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// withTx runs fn in a transaction that is committed when fn returns nil.
func (s *PostgresStore) withTx(ctx context.Context, fn func(tx pgx.Tx) error) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	if err := fn(tx); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// mutate locks the collection row, runs fn and appends rec in the same
// transaction. If fn fails after the collection was found, a failure
// record is appended in a transaction of its own.
func (s *PostgresStore) mutate(ctx context.Context, userID string, collectionID uuid.UUID, rec *types.AuditRecord, fn func(tx pgx.Tx) error) error {
	found := false
	err := s.withTx(ctx, func(tx pgx.Tx) error {
		if _, err := s.collections.LockTx(ctx, tx, userID, collectionID); err != nil {
			return err
		}
		found = true
		if err := fn(tx); err != nil {
			return err
		}
		return s.audit.AppendTx(ctx, tx, rec)
	})
	if err == nil {
		s.opts.notify(ctx, *rec)
		return nil
	}
	if !found {
		return err
	}

	fail := failed(rec, err)
	if auditErr := s.withTx(ctx, func(tx pgx.Tx) error {
		return s.audit.AppendTx(ctx, tx, fail)
	}); auditErr != nil {
		return errors.Join(err, fmt.Errorf("failed to record failure: %w", auditErr))
	}
	s.opts.notify(ctx, *fail)
	return err
}

func isUniqueViolation(err error, constraint string) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation && pgErr.ConstraintName == constraint
}

func (s *PostgresStore) CreateCollection(ctx context.Context, userID, name string, policy types.PermissionPolicy) (*types.Collection, error) {
	if err := validateUser(userID); err != nil {
		return nil, err
	}
	name, err := validateName(name)
	if err != nil {
		return nil, err
	}

	policy = policy.Clone()
	policy.Version = 1
	policy.UpdatedAt = s.opts.now()

	col := &types.Collection{ID: uuid.New(), UserID: userID, Name: name}
	rec := mutationRecord(ctx, col.ID, types.AuditCreateCollection, "", "")
	rec.Detail = name

	err = s.withTx(ctx, func(tx pgx.Tx) error {
		portfolioID, err := s.users.EnsurePortfolioTx(ctx, tx, userID)
		if err != nil {
			return err
		}
		col.PortfolioID = portfolioID
		if err := s.collections.CreateTx(ctx, tx, col, &policy); err != nil {
			return err
		}
		return s.audit.AppendTx(ctx, tx, rec)
	})
	if isUniqueViolation(err, "collections_user_name_live") {
		return nil, apperrors.InvalidArgument("collection name already in use")
	}
	if err != nil {
		return nil, err
	}

	s.opts.notify(ctx, *rec)
	return col, nil
}

func (s *PostgresStore) GetCollection(ctx context.Context, userID string, collectionID uuid.UUID) (*types.Collection, error) {
	return s.collections.Get(ctx, s.pool, userID, collectionID)
}

func (s *PostgresStore) ListCollections(ctx context.Context, userID string) ([]*types.Collection, error) {
	return s.collections.List(ctx, s.pool, userID)
}

func (s *PostgresStore) DeleteCollection(ctx context.Context, userID string, collectionID uuid.UUID, discard bool) error {
	rec := mutationRecord(ctx, collectionID, types.AuditDeleteCollection, "", "")
	return s.mutate(ctx, userID, collectionID, rec, func(tx pgx.Tx) error {
		if !discard {
			pending, err := s.accounts.CountUnexportedTx(ctx, tx, collectionID)
			if err != nil {
				return err
			}
			if pending > 0 {
				return apperrors.InvalidArgument("collection holds accounts that were never exported; export them or confirm discard")
			}
		}
		n, err := s.accounts.DeleteByCollectionTx(ctx, tx, collectionID)
		if err != nil {
			return err
		}
		rec.Detail = deleteDetail(int(n), discard)
		return s.collections.SoftDeleteTx(ctx, tx, collectionID)
	})
}

func (s *PostgresStore) GetPolicy(ctx context.Context, userID string, collectionID uuid.UUID) (*types.PermissionPolicy, error) {
	return s.collections.GetPolicy(ctx, s.pool, userID, collectionID)
}

func (s *PostgresStore) UpdatePolicy(ctx context.Context, userID string, collectionID uuid.UUID, policy types.PermissionPolicy) (*types.PermissionPolicy, error) {
	next := policy.Clone()
	rec := mutationRecord(ctx, collectionID, types.AuditUpdatePolicy, "", "")
	err := s.mutate(ctx, userID, collectionID, rec, func(tx pgx.Tx) error {
		current, err := s.collections.GetPolicy(ctx, tx, userID, collectionID)
		if err != nil {
			return err
		}
		next.Version = current.Version + 1
		next.UpdatedAt = s.opts.now()
		rec.Detail = policyDetail(next.Version)
		return s.collections.UpdatePolicyTx(ctx, tx, collectionID, &next)
	})
	if err != nil {
		return nil, err
	}
	return &next, nil
}

func (s *PostgresStore) AddAccount(ctx context.Context, userID string, collectionID uuid.UUID, account *types.ChainAccount, op types.AuditOperation) (*types.AccountHandle, error) {
	stored, err := s.opts.wrapSecret(ctx, account.ChainID, account.Address, account.EncryptedSecret)
	if err != nil {
		return nil, apperrors.Internal(err)
	}

	row := *account
	row.ID = uuid.New()
	row.CollectionID = collectionID
	row.EncryptedSecret = stored
	row.Metadata = copyMetadata(account.Metadata)

	rec := mutationRecord(ctx, collectionID, op, account.ChainID, account.Address)
	err = s.mutate(ctx, userID, collectionID, rec, func(tx pgx.Tx) error {
		err := s.accounts.CreateTx(ctx, tx, &row)
		if isUniqueViolation(err, "chain_accounts_chain_address_key") {
			return conflictError(op, account.ChainID, account.Address)
		}
		return err
	})
	if err != nil {
		return nil, err
	}
	return &types.AccountHandle{ID: row.ID, CollectionID: collectionID, ChainID: row.ChainID, Address: row.Address}, nil
}

func (s *PostgresStore) GetAccounts(ctx context.Context, userID string, collectionID uuid.UUID) ([]types.AccountInfo, error) {
	if _, err := s.collections.Get(ctx, s.pool, userID, collectionID); err != nil {
		return nil, err
	}
	rows, err := s.accounts.ListByCollection(ctx, s.pool, collectionID)
	if err != nil {
		return nil, err
	}
	out := make([]types.AccountInfo, 0, len(rows))
	for _, a := range rows {
		out = append(out, a.Info())
	}
	return out, nil
}

func (s *PostgresStore) getAccount(ctx context.Context, userID string, collectionID uuid.UUID, chainID, address string) (*types.ChainAccount, error) {
	if _, err := s.collections.Get(ctx, s.pool, userID, collectionID); err != nil {
		return nil, err
	}
	a, err := s.accounts.Get(ctx, s.pool, collectionID, chainID, address)
	if err != nil {
		return nil, err
	}
	if a == nil {
		return nil, apperrors.AccountNotFound(chainID, address)
	}
	return a, nil
}

func (s *PostgresStore) GetAccount(ctx context.Context, userID string, collectionID uuid.UUID, chainID, address string) (*types.AccountInfo, error) {
	a, err := s.getAccount(ctx, userID, collectionID, chainID, address)
	if err != nil {
		return nil, err
	}
	info := a.Info()
	return &info, nil
}

func (s *PostgresStore) GetSigningMaterial(ctx context.Context, userID string, collectionID uuid.UUID, chainID, address string) (*types.SigningMaterial, error) {
	a, err := s.getAccount(ctx, userID, collectionID, chainID, address)
	if err != nil {
		return nil, err
	}
	ciphertext, err := s.opts.unwrapSecret(ctx, chainID, address, a.EncryptedSecret)
	if err != nil {
		return nil, err
	}
	return &types.SigningMaterial{
		Account:         types.AccountHandle{ID: a.ID, CollectionID: collectionID, ChainID: a.ChainID, Address: a.Address},
		EncryptedSecret: ciphertext,
		Salt:            a.Salt,
	}, nil
}

func (s *PostgresStore) UpdateMetadata(ctx context.Context, userID string, collectionID uuid.UUID, chainID, address string, metadata map[string]string) error {
	rec := mutationRecord(ctx, collectionID, types.AuditUpdateMetadata, chainID, address)
	return s.mutate(ctx, userID, collectionID, rec, func(tx pgx.Tx) error {
		return s.accounts.UpdateMetadataTx(ctx, tx, collectionID, chainID, address, metadata)
	})
}

func (s *PostgresStore) MarkExported(ctx context.Context, userID string, collectionID uuid.UUID, chainID, address, format string) error {
	rec := mutationRecord(ctx, collectionID, types.AuditExportSecret, chainID, address)
	rec.Detail = format
	return s.mutate(ctx, userID, collectionID, rec, func(tx pgx.Tx) error {
		return s.accounts.MarkExportedTx(ctx, tx, collectionID, chainID, address, s.opts.now())
	})
}

func (s *PostgresStore) RemoveAccount(ctx context.Context, userID string, collectionID uuid.UUID, chainID, address string, discard bool) error {
	rec := mutationRecord(ctx, collectionID, types.AuditRemoveAccount, chainID, address)
	return s.mutate(ctx, userID, collectionID, rec, func(tx pgx.Tx) error {
		a, err := s.accounts.Get(ctx, tx, collectionID, chainID, address)
		if err != nil {
			return err
		}
		if a == nil {
			return apperrors.AccountNotFound(chainID, address)
		}
		if a.ExportedAt == nil && !discard {
			return apperrors.InvalidArgument("account was never exported; export it or confirm discard")
		}
		rec.Detail = removeDetail(discard)
		return s.accounts.DeleteTx(ctx, tx, a.ID)
	})
}

func (s *PostgresStore) FindOwner(ctx context.Context, chainID, address string) (*types.AccountOwner, error) {
	return s.accounts.FindOwner(ctx, s.pool, chainID, address)
}

func (s *PostgresStore) AppendAudit(ctx context.Context, userID string, rec *types.AuditRecord) error {
	if rec.Timestamp.IsZero() {
		rec.Timestamp = types.AuditTimestamp()
	}
	err := s.withTx(ctx, func(tx pgx.Tx) error {
		if _, err := s.collections.LockTx(ctx, tx, userID, rec.CollectionID); err != nil {
			return err
		}
		return s.audit.AppendTx(ctx, tx, rec)
	})
	if err != nil {
		return err
	}
	s.opts.notify(ctx, *rec)
	return nil
}

func (s *PostgresStore) ListAudit(ctx context.Context, userID string, collectionID uuid.UUID, afterSeq uint64, limit int) ([]types.AuditRecord, error) {
	owner, err := s.collections.OwnerOf(ctx, s.pool, collectionID)
	if err != nil {
		return nil, err
	}
	if owner != userID {
		return nil, apperrors.CollectionNotFound(collectionID.String())
	}
	return s.audit.List(ctx, s.pool, collectionID, afterSeq, clampLimit(limit))
}

func (s *PostgresStore) AuditCollections(ctx context.Context) ([]uuid.UUID, error) {
	return s.collections.AllIDs(ctx, s.pool)
}

func (s *PostgresStore) ExportAudit(ctx context.Context, collectionID uuid.UUID, afterSeq uint64, limit int) ([]types.AuditRecord, error) {
	return s.audit.List(ctx, s.pool, collectionID, afterSeq, clampLimit(limit))
}

func (s *PostgresStore) CreateApproval(ctx context.Context, userID string, approval *types.PendingApproval) error {
	if _, err := s.collections.Get(ctx, s.pool, userID, approval.CollectionID); err != nil {
		return err
	}
	if approval.ID == uuid.Nil {
		approval.ID = uuid.New()
	}
	approval.Status = types.ApprovalPending
	approval.CreatedAt = s.opts.now()
	return s.approvals.CreateTx(ctx, s.pool, approval)
}

func (s *PostgresStore) GetApproval(ctx context.Context, userID string, collectionID, approvalID uuid.UUID) (*types.PendingApproval, error) {
	if _, err := s.collections.Get(ctx, s.pool, userID, collectionID); err != nil {
		return nil, err
	}
	a, err := s.approvals.Get(ctx, s.pool, collectionID, approvalID)
	if err != nil {
		return nil, err
	}
	if a == nil {
		return nil, apperrors.ApprovalNotFound(approvalID.String())
	}
	return a, nil
}

func (s *PostgresStore) ListApprovals(ctx context.Context, userID string, collectionID uuid.UUID, status types.ApprovalStatus) ([]types.PendingApproval, error) {
	if _, err := s.collections.Get(ctx, s.pool, userID, collectionID); err != nil {
		return nil, err
	}
	return s.approvals.List(ctx, s.pool, collectionID, status)
}

func (s *PostgresStore) ResolveApproval(ctx context.Context, userID string, collectionID, approvalID uuid.UUID, approve bool) (*types.PendingApproval, error) {
	status := types.ApprovalRejected
	if approve {
		status = types.ApprovalApproved
	}

	var out *types.PendingApproval
	rec := mutationRecord(ctx, collectionID, types.AuditResolveApproval, "", "")
	rec.Detail = resolveDetail(approvalID, status)
	err := s.mutate(ctx, userID, collectionID, rec, func(tx pgx.Tx) error {
		a, err := s.approvals.ResolveTx(ctx, tx, collectionID, approvalID, status, s.opts.now())
		if err != nil {
			return err
		}
		if a == nil {
			return apperrors.ApprovalNotFound(approvalID.String())
		}
		out = a
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (s *PostgresStore) ConsumeApproval(ctx context.Context, userID string, collectionID, approvalID uuid.UUID, op types.OperationKind, argsDigest string) (*types.PendingApproval, error) {
	if _, err := s.collections.Get(ctx, s.pool, userID, collectionID); err != nil {
		return nil, err
	}
	a, err := s.approvals.ConsumeTx(ctx, s.pool, collectionID, approvalID, op, argsDigest)
	if err != nil {
		return nil, err
	}
	if a == nil {
		return nil, apperrors.ApprovalNotFound(approvalID.String())
	}
	return a, nil
}

var _ Store = (*PostgresStore)(nil)
