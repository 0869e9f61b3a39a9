// Package audit mirrors, verifies and archives the per-collection audit
// chains kept by the Portfolio Store.
package audit

import (
	"context"
	"log/slog"

	"github.com/better-wallet/agentvault/internal/logger"
	"github.com/better-wallet/agentvault/internal/metrics"
	"github.com/better-wallet/agentvault/internal/storage"
	"github.com/better-wallet/agentvault/pkg/types"
)

// NewObserver returns a store observer that mirrors every appended record to
// the structured log and counts it by outcome.
func NewObserver(m *metrics.Metrics) storage.AuditObserver {
	return func(ctx context.Context, rec types.AuditRecord) {
		m.ObserveAudit(string(rec.Outcome))

		level := slog.LevelInfo
		switch rec.Outcome {
		case types.OutcomeDecryptFailure, types.OutcomeUnknown:
			level = slog.LevelError
		case types.OutcomeFailure, types.OutcomeDenied:
			level = slog.LevelWarn
		}
		logger.FromContext(ctx).Log(ctx, level, "audit record appended",
			"collection_id", rec.CollectionID,
			"seq", rec.Seq,
			"operation", rec.Operation,
			"outcome", rec.Outcome,
			"chain_id", rec.ChainID,
			"address", rec.AccountAddress,
			"tx_id", rec.TxID,
			"approved_without_override", rec.ApprovedWithoutOverride,
		)
	}
}
