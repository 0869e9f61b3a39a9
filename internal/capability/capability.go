// Package capability builds the operation set handed to an orchestration
// layer for one request. Every operation is bound at construction to one
// user, one collection and one policy snapshot; none of them accepts an
// identity argument.
package capability

import (
	"context"
	"encoding/json"
	"errors"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/better-wallet/agentvault/internal/cache"
	"github.com/better-wallet/agentvault/internal/chain"
	"github.com/better-wallet/agentvault/internal/locks"
	"github.com/better-wallet/agentvault/internal/logger"
	"github.com/better-wallet/agentvault/internal/metrics"
	"github.com/better-wallet/agentvault/internal/policy"
	"github.com/better-wallet/agentvault/internal/session"
	"github.com/better-wallet/agentvault/internal/storage"
	apperrors "github.com/better-wallet/agentvault/pkg/errors"
	"github.com/better-wallet/agentvault/pkg/types"
)

// Result is what an invocation returns to the orchestration layer. It only
// ever carries public data.
type Result struct {
	OK         bool           `json:"ok"`
	TxID       string         `json:"tx_id,omitempty"`
	Status     types.TxStatus `json:"status,omitempty"`
	ErrorKind  apperrors.Kind `json:"error_kind,omitempty"`
	Message    string         `json:"message,omitempty"`
	ApprovalID string         `json:"approval_id,omitempty"`
	Data       any            `json:"data,omitempty"`
}

// Operation is one granted capability. The set of implementations is closed
// to this package.
type Operation interface {
	Kind() types.OperationKind
	Description() string
	// Invoke runs the operation with JSON arguments. Failures, including
	// policy denials, are reported in the Result and never as a panic.
	Invoke(ctx context.Context, args json.RawMessage) Result

	sealed()
}

// Set is the capability set of one request.
type Set struct {
	userID       string
	collectionID uuid.UUID
	policy       types.PermissionPolicy
	ops          map[types.OperationKind]Operation
}

// Kinds lists the granted operation kinds in a stable order.
func (s *Set) Kinds() []types.OperationKind {
	out := make([]types.OperationKind, 0, len(s.ops))
	for k := range s.ops {
		out = append(out, k)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Operations returns the granted operations in Kinds order.
func (s *Set) Operations() []Operation {
	out := make([]Operation, 0, len(s.ops))
	for _, k := range s.Kinds() {
		out = append(out, s.ops[k])
	}
	return out
}

// Get returns a granted operation.
func (s *Set) Get(kind types.OperationKind) (Operation, bool) {
	op, ok := s.ops[kind]
	return op, ok
}

// Invoke dispatches to a granted operation. Kinds outside the set are
// reported as denied.
func (s *Set) Invoke(ctx context.Context, kind types.OperationKind, args json.RawMessage) Result {
	op, ok := s.ops[kind]
	if !ok {
		return failure(apperrors.PermissionDenied("operation is not granted to this session"))
	}
	return op.Invoke(ctx, args)
}

// PolicyVersion returns the version of the captured policy snapshot.
func (s *Set) PolicyVersion() int {
	return s.policy.Version
}

// Config tunes the factory.
type Config struct {
	// AwaitTimeout is used when await_transaction names no timeout.
	AwaitTimeout time.Duration
	// MaxAwaitTimeout caps caller-supplied timeouts.
	MaxAwaitTimeout time.Duration
	// HistoryLimit is used when get_history names no limit.
	HistoryLimit int
	// MaxHistoryLimit caps caller-supplied limits.
	MaxHistoryLimit int
}

// DefaultConfig returns production defaults.
func DefaultConfig() Config {
	return Config{
		AwaitTimeout:    60 * time.Second,
		MaxAwaitTimeout: 5 * time.Minute,
		HistoryLimit:    20,
		MaxHistoryLimit: 100,
	}
}

// Deps are the components a Factory binds operations to.
type Deps struct {
	Store   storage.Store
	Chains  *chain.Registry
	Locks   *locks.Collections
	Engine  *policy.Engine
	Cache   *cache.BalanceCache
	Metrics *metrics.Metrics
}

// Factory builds capability sets.
type Factory struct {
	store   storage.Store
	chains  *chain.Registry
	locks   *locks.Collections
	engine  *policy.Engine
	cache   *cache.BalanceCache
	metrics *metrics.Metrics
	cfg     Config
}

// NewFactory creates a factory. Cache and Metrics may be nil.
func NewFactory(deps Deps, cfg Config) *Factory {
	if deps.Locks == nil {
		deps.Locks = locks.NewCollections()
	}
	if deps.Engine == nil {
		deps.Engine = policy.NewEngine()
	}
	return &Factory{
		store:   deps.Store,
		chains:  deps.Chains,
		locks:   deps.Locks,
		engine:  deps.Engine,
		cache:   deps.Cache,
		metrics: deps.Metrics,
		cfg:     cfg,
	}
}

// Build returns the operations the collection's current policy grants to
// the session's user. The policy is captured now; later edits apply to the
// next Build.
func (f *Factory) Build(ctx context.Context, sess *session.Session, collectionID uuid.UUID) (*Set, error) {
	if sess == nil || sess.Closed() {
		return nil, apperrors.PermissionDenied("session closed")
	}
	userID := sess.UserID()

	if _, err := f.store.GetCollection(ctx, userID, collectionID); err != nil {
		return nil, err
	}
	p, err := f.store.GetPolicy(ctx, userID, collectionID)
	if err != nil {
		return nil, err
	}

	b := binding{
		f:            f,
		sess:         sess,
		userID:       userID,
		collectionID: collectionID,
		policy:       p.Clone(),
	}

	set := &Set{
		userID:       userID,
		collectionID: collectionID,
		policy:       p.Clone(),
		ops:          make(map[types.OperationKind]Operation),
	}
	for _, op := range []Operation{
		listAccountsOp{b},
		getBalanceOp{b},
		getHistoryOp{b},
		getTransactionOp{b},
		awaitTransactionOp{b},
		transferOp{b},
		createAccountOp{b},
	} {
		if granted(&b.policy, op.Kind()) {
			set.ops[op.Kind()] = op
		}
	}

	logger.Debug(ctx, "capabilities built",
		"user_id", userID,
		"collection_id", collectionID,
		"policy_version", p.Version,
		"granted", set.Kinds(),
	)
	return set, nil
}

// granted reports whether any invocation of kind could pass p. Limits and
// approvals are checked per invocation.
func granted(p *types.PermissionPolicy, kind types.OperationKind) bool {
	switch kind.Class() {
	case types.ClassRead:
		if !p.CanRead {
			return false
		}
	case types.ClassSign:
		if !p.CanSign {
			return false
		}
	}
	return !types.Contains(p.Deny, kind) && types.Contains(p.Allow, kind)
}

// binding is the identity and policy an operation acts for. Operations hold
// it by value.
type binding struct {
	f            *Factory
	sess         *session.Session
	userID       string
	collectionID uuid.UUID
	policy       types.PermissionPolicy
}

func (b binding) logContext(ctx context.Context, kind types.OperationKind) context.Context {
	return logger.With(ctx, "user_id", b.userID, "collection_id", b.collectionID, "operation", kind)
}

// live fails once the session is closed.
func (b binding) live() error {
	if b.sess.Closed() {
		return apperrors.PermissionDenied("session closed")
	}
	return nil
}

func (b binding) newRecord(kind types.OperationKind) *types.AuditRecord {
	return &types.AuditRecord{
		CollectionID:            b.collectionID,
		Operation:               types.AuditOperation(kind),
		Outcome:                 types.OutcomeFailure,
		ApprovedWithoutOverride: true,
	}
}

// appendAudit records the outcome of an invocation. A failed append cannot
// undo a broadcast, so it is logged rather than returned.
func (b binding) appendAudit(ctx context.Context, rec *types.AuditRecord) {
	rec.Timestamp = types.AuditTimestamp()
	if err := b.f.store.AppendAudit(ctx, b.userID, rec); err != nil {
		logger.Error(ctx, "failed to append audit record",
			"error", err,
			"outcome", rec.Outcome,
			"tx_id", rec.TxID,
		)
	}
}

// evaluate checks the snapshot and counts the decision.
func (b binding) evaluate(ctx context.Context, evalCtx *policy.EvaluationContext) *policy.EvaluationResult {
	res, err := b.f.engine.Evaluate(ctx, &b.policy, evalCtx)
	if err != nil {
		logger.Error(ctx, "policy evaluation failed", "error", err)
	}
	b.f.metrics.ObservePolicy(string(evalCtx.Operation), res.Decision.String())
	return res
}

func failure(err error) Result {
	vErr := apperrors.Normalize(err)
	return Result{
		OK:        false,
		ErrorKind: vErr.Kind,
		Message:   apperrors.UserMessage(vErr),
		TxID:      vErr.TxID,
	}
}

func success(data any) Result {
	return Result{OK: true, Data: data}
}

// chainError maps adapter failures into the vault taxonomy.
func chainError(chainID string, err error) error {
	var vErr *apperrors.VaultError
	switch {
	case errors.As(err, &vErr):
		return vErr
	case errors.Is(err, chain.ErrChainNotSupported):
		return apperrors.ChainNotSupported(chainID)
	case errors.Is(err, chain.ErrInvalidAddress):
		return apperrors.InvalidArgument("invalid address")
	case errors.Is(err, chain.ErrUnsupportedAsset):
		return apperrors.InvalidArgument("asset is not supported on this chain")
	case errors.Is(err, chain.ErrInvalidPayload):
		return apperrors.InvalidArgument("transfer cannot be built")
	case errors.Is(err, chain.ErrTransactionNotFound):
		return apperrors.InvalidArgument("transaction not found")
	case errors.Is(err, chain.ErrSecretMismatch), errors.Is(err, chain.ErrInvalidSecret):
		return apperrors.Integrity(err)
	}
	return apperrors.Internal(err)
}
