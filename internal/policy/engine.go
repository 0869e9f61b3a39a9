package policy

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"math/big"
	"sort"
	"strings"

	apperrors "github.com/better-wallet/agentvault/pkg/errors"
	"github.com/better-wallet/agentvault/pkg/types"
)

// PolicyDecision represents the result of policy evaluation
type PolicyDecision int

const (
	// DecisionDeny denies the request
	DecisionDeny PolicyDecision = iota
	// DecisionAllow allows the request
	DecisionAllow
	// DecisionRequireApproval parks the request until a human approves it
	DecisionRequireApproval
)

func (d PolicyDecision) String() string {
	switch d {
	case DecisionAllow:
		return "allow"
	case DecisionRequireApproval:
		return "require_approval"
	default:
		return "deny"
	}
}

// Rule names which check produced a decision.
const (
	RuleClassFlag     = "class_flag"
	RuleDenyList      = "deny_list"
	RuleAllowList     = "allow_list"
	RuleAssetLimit    = "asset_limit"
	RuleApproval      = "require_approval"
	RuleInvalidPolicy = "invalid_policy"
)

// EvaluationContext describes one requested invocation.
type EvaluationContext struct {
	Operation types.OperationKind
	ChainID   string

	// Asset and Amount are set for value-moving operations.
	Asset  string
	Amount *big.Int
}

// EvaluationResult contains the result of policy evaluation
type EvaluationResult struct {
	Decision PolicyDecision
	Reason   string
	Rule     string
}

// compiledLimits holds parsed per-asset limits. Keys are lower-cased.
type compiledLimits map[string]*big.Int

// Engine evaluates invocations against a PermissionPolicy snapshot. It
// holds no state; limits are parsed per evaluation.
type Engine struct{}

// NewEngine creates a new policy engine
func NewEngine() *Engine {
	return &Engine{}
}

// Digest returns a content hash of the policy's rules. UpdatedAt is not
// part of it.
func Digest(p *types.PermissionPolicy) string {
	c := p.Clone()
	sortKinds(c.Allow)
	sortKinds(c.Deny)
	sortKinds(c.RequireApproval)
	body, _ := json.Marshal(struct {
		CanRead         bool                  `json:"can_read"`
		CanSign         bool                  `json:"can_sign"`
		Allow           []types.OperationKind `json:"allow"`
		Deny            []types.OperationKind `json:"deny"`
		AssetLimits     map[string]string     `json:"asset_limits"`
		RequireApproval []types.OperationKind `json:"require_approval"`
	}{c.CanRead, c.CanSign, c.Allow, c.Deny, c.AssetLimits, c.RequireApproval})
	sum := sha256.Sum256(body)
	return hex.EncodeToString(sum[:])
}

func sortKinds(kinds []types.OperationKind) {
	sort.Slice(kinds, func(i, j int) bool { return kinds[i] < kinds[j] })
}

func (e *Engine) limits(p *types.PermissionPolicy) (compiledLimits, error) {
	out := make(compiledLimits, len(p.AssetLimits))
	for asset, raw := range p.AssetLimits {
		v, ok := new(big.Int).SetString(strings.TrimSpace(raw), 10)
		if !ok || v.Sign() < 0 {
			return nil, fmt.Errorf("invalid limit %q for asset %s", raw, asset)
		}
		key := strings.ToLower(asset)
		if _, dup := out[key]; dup {
			return nil, fmt.Errorf("asset %s has more than one limit", key)
		}
		out[key] = v
	}
	return out, nil
}

// Evaluate applies, in order: the class flag, the deny list, the allow list,
// the per-asset limit for value-moving kinds, and the approval set. Anything
// not explicitly allowed is denied.
func (e *Engine) Evaluate(ctx context.Context, p *types.PermissionPolicy, evalCtx *EvaluationContext) (*EvaluationResult, error) {
	if p == nil {
		return deny(RuleInvalidPolicy, "no policy configured"), nil
	}
	op := evalCtx.Operation

	switch op.Class() {
	case types.ClassRead:
		if !p.CanRead {
			return deny(RuleClassFlag, "reading is disabled for this collection"), nil
		}
	case types.ClassSign:
		if !p.CanSign {
			return deny(RuleClassFlag, "signing is disabled for this collection"), nil
		}
	}

	if types.Contains(p.Deny, op) {
		return deny(RuleDenyList, fmt.Sprintf("operation %s is deny-listed", op)), nil
	}
	if !types.Contains(p.Allow, op) {
		return deny(RuleAllowList, fmt.Sprintf("operation %s is not on the allow list", op)), nil
	}

	if op.MovesValue() {
		limits, err := e.limits(p)
		if err != nil {
			return deny(RuleInvalidPolicy, "the collection policy has an invalid limit"), err
		}
		if res := checkLimit(limits, evalCtx.Asset, evalCtx.Amount); res != nil {
			return res, nil
		}
	}

	if types.Contains(p.RequireApproval, op) {
		return &EvaluationResult{
			Decision: DecisionRequireApproval,
			Reason:   fmt.Sprintf("operation %s requires approval", op),
			Rule:     RuleApproval,
		}, nil
	}

	return &EvaluationResult{
		Decision: DecisionAllow,
		Reason:   fmt.Sprintf("operation %s allowed", op),
		Rule:     RuleAllowList,
	}, nil
}

func checkLimit(limits compiledLimits, asset string, amount *big.Int) *EvaluationResult {
	if amount == nil || amount.Sign() <= 0 {
		return deny(RuleAssetLimit, "amount must be positive")
	}
	limit, ok := limits[strings.ToLower(asset)]
	if !ok {
		limit, ok = limits[types.WildcardAsset]
	}
	if !ok {
		return deny(RuleAssetLimit, fmt.Sprintf("no transaction limit configured for asset %s", asset))
	}
	if amount.Cmp(limit) > 0 {
		return deny(RuleAssetLimit, fmt.Sprintf("amount %s exceeds limit %s for asset %s", amount, limit, asset))
	}
	return nil
}

func deny(rule, reason string) *EvaluationResult {
	return &EvaluationResult{Decision: DecisionDeny, Reason: reason, Rule: rule}
}

// ValidatePolicy checks a policy before it is stored.
func ValidatePolicy(p *types.PermissionPolicy) error {
	if p == nil {
		return apperrors.InvalidArgument("policy is required")
	}
	lists := map[string][]types.OperationKind{
		"allow":            p.Allow,
		"deny":             p.Deny,
		"require_approval": p.RequireApproval,
	}
	for name, kinds := range lists {
		for _, k := range kinds {
			if !types.IsValidOperationKind(k) {
				return apperrors.InvalidArgument(fmt.Sprintf("unknown operation kind %q in %s", k, name))
			}
		}
	}
	for _, k := range p.RequireApproval {
		if k.Class() == types.ClassRead {
			return apperrors.InvalidArgument(fmt.Sprintf("approval cannot be required for read operation %s", k))
		}
	}
	seen := make(map[string]string, len(p.AssetLimits))
	for asset, raw := range p.AssetLimits {
		if strings.TrimSpace(asset) == "" {
			return apperrors.InvalidArgument("asset limit with empty asset name")
		}
		// Limits match assets case-insensitively.
		if other, dup := seen[strings.ToLower(asset)]; dup {
			return apperrors.InvalidArgument(fmt.Sprintf("asset limits %s and %s differ only by case", other, asset))
		}
		seen[strings.ToLower(asset)] = asset
		v, ok := new(big.Int).SetString(strings.TrimSpace(raw), 10)
		if !ok || v.Sign() < 0 {
			return apperrors.InvalidArgument(fmt.Sprintf("limit for asset %s must be a non-negative integer", asset))
		}
	}
	return nil
}
