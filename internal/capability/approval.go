package capability

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/better-wallet/agentvault/internal/policy"
	"github.com/better-wallet/agentvault/internal/storage"
	apperrors "github.com/better-wallet/agentvault/pkg/errors"
	"github.com/better-wallet/agentvault/pkg/types"
)

// gateResult is the outcome of the policy and approval checks for one
// audited invocation.
type gateResult struct {
	// ctx carries the approval override when a human released the call.
	ctx context.Context
	// stop is set when the invocation must end with this result.
	stop *Result
}

// gate applies the policy snapshot and resolves approvals. It fills rec for
// the stopping paths; the caller appends it.
func (b binding) gate(ctx context.Context, rec *types.AuditRecord, evalCtx *policy.EvaluationContext, digest, approvalID, summary string) gateResult {
	decision := b.evaluate(ctx, evalCtx)

	switch decision.Decision {
	case policy.DecisionAllow:
		return gateResult{ctx: ctx}

	case policy.DecisionRequireApproval:
		if approvalID == "" {
			return b.park(ctx, rec, evalCtx.Operation, digest, summary)
		}
		id, err := uuid.Parse(approvalID)
		if err != nil {
			return b.stop(rec, types.OutcomeFailure, apperrors.ApprovalNotFound(approvalID))
		}
		if _, err := b.f.store.ConsumeApproval(ctx, b.userID, b.collectionID, id, evalCtx.Operation, digest); err != nil {
			return b.stop(rec, types.OutcomeFailure, err)
		}
		rec.ApprovedWithoutOverride = false
		rec.Detail = appendDetail(rec.Detail, "approval_id="+id.String())
		return gateResult{ctx: storage.WithApprovalOverride(ctx)}
	}

	rec.Outcome = types.OutcomeDenied
	rec.Detail = appendDetail(rec.Detail, "reason="+decision.Reason)
	res := failure(apperrors.PermissionDenied(decision.Reason))
	return gateResult{stop: &res}
}

// park creates a pending approval and stops the invocation.
func (b binding) park(ctx context.Context, rec *types.AuditRecord, kind types.OperationKind, digest, summary string) gateResult {
	approval := &types.PendingApproval{
		CollectionID: b.collectionID,
		Operation:    kind,
		ArgsDigest:   digest,
		Summary:      summary,
	}
	if err := b.f.store.CreateApproval(ctx, b.userID, approval); err != nil {
		return b.stop(rec, types.OutcomeFailure, err)
	}

	rec.Outcome = types.OutcomePendingApproval
	rec.Detail = appendDetail(rec.Detail, "approval_id="+approval.ID.String())
	res := failure(apperrors.PendingApproval(approval.ID.String()))
	res.ApprovalID = approval.ID.String()
	return gateResult{stop: &res}
}

func (b binding) stop(rec *types.AuditRecord, outcome types.AuditOutcome, err error) gateResult {
	res := fail(rec, outcome, err)
	return gateResult{stop: &res}
}

// fail marks rec with outcome and the error kind and returns the result.
func fail(rec *types.AuditRecord, outcome types.AuditOutcome, err error) Result {
	rec.Outcome = outcome
	rec.Detail = appendDetail(rec.Detail, fmt.Sprintf("error=%s", apperrors.KindOf(err)))
	return failure(err)
}

func appendDetail(detail, part string) string {
	if detail == "" {
		return part
	}
	return detail + " " + part
}
