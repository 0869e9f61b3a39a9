package chain

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"golang.org/x/time/rate"

	"github.com/better-wallet/agentvault/internal/logger"
	"github.com/better-wallet/agentvault/internal/metrics"
	"github.com/better-wallet/agentvault/pkg/types"
)

// ErrChainNotSupported indicates no adapter is registered for a chain id.
var ErrChainNotSupported = errors.New("chain not supported")

// RegistryConfig bounds read retries and submission.
type RegistryConfig struct {
	// ReadRPS caps read calls per chain. Zero disables limiting.
	ReadRPS        float64
	ReadBurst      int
	MaxReadRetries uint64
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	// SubmitTimeout bounds one broadcast call.
	SubmitTimeout time.Duration
	// PollInterval is the AwaitTransaction polling period.
	PollInterval time.Duration
}

// DefaultRegistryConfig returns production defaults.
func DefaultRegistryConfig() RegistryConfig {
	return RegistryConfig{
		ReadRPS:        10,
		ReadBurst:      5,
		MaxReadRetries: 4,
		InitialBackoff: 200 * time.Millisecond,
		MaxBackoff:     5 * time.Second,
		SubmitTimeout:  30 * time.Second,
		PollInterval:   2 * time.Second,
	}
}

// Registry holds the adapters registered at startup and applies the
// retry policy: reads back off on transient errors, submission never retries.
type Registry struct {
	mu       sync.RWMutex
	adapters map[string]Adapter
	limiters map[string]*rate.Limiter
	cfg      RegistryConfig
	metrics  *metrics.Metrics
}

// NewRegistry creates an empty registry.
func NewRegistry(cfg RegistryConfig, m *metrics.Metrics) *Registry {
	return &Registry{
		adapters: make(map[string]Adapter),
		limiters: make(map[string]*rate.Limiter),
		cfg:      cfg,
		metrics:  m,
	}
}

// Register adds an adapter under its chain id.
func (r *Registry) Register(a Adapter) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	id := a.ChainID()
	if _, exists := r.adapters[id]; exists {
		return fmt.Errorf("chain %s already registered", id)
	}
	r.adapters[id] = a
	if r.cfg.ReadRPS > 0 {
		burst := r.cfg.ReadBurst
		if burst < 1 {
			burst = 1
		}
		r.limiters[id] = rate.NewLimiter(rate.Limit(r.cfg.ReadRPS), burst)
	}
	return nil
}

// Get returns the adapter for chainID.
func (r *Registry) Get(chainID string) (Adapter, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	a, ok := r.adapters[chainID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrChainNotSupported, chainID)
	}
	return a, nil
}

// Chains returns the registered chain ids in order.
func (r *Registry) Chains() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	ids := make([]string, 0, len(r.adapters))
	for id := range r.adapters {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func (r *Registry) limiter(chainID string) *rate.Limiter {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.limiters[chainID]
}

// retryRead runs a read with rate limiting and bounded exponential backoff.
// Only errors marked Transient are retried.
func retryRead[T any](ctx context.Context, r *Registry, chainID, op string, fn func(context.Context) (T, error)) (T, error) {
	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = r.cfg.InitialBackoff
	eb.MaxInterval = r.cfg.MaxBackoff
	eb.MaxElapsedTime = 0
	b := backoff.WithContext(backoff.WithMaxRetries(eb, r.cfg.MaxReadRetries), ctx)

	lim := r.limiter(chainID)
	operation := func() (T, error) {
		var zero T
		if lim != nil {
			if err := lim.Wait(ctx); err != nil {
				return zero, backoff.Permanent(err)
			}
		}
		res, err := fn(ctx)
		if err != nil && !IsTransient(err) {
			return res, backoff.Permanent(err)
		}
		return res, err
	}
	notify := func(err error, next time.Duration) {
		r.metrics.ObserveReadRetry(chainID, op)
		logger.Warn(ctx, "retrying chain read", "chain", chainID, "op", op, "backoff", next, "error", err)
	}

	return backoff.RetryNotifyWithData(operation, b, notify)
}

// GetBalance queries balances with read retries.
func (r *Registry) GetBalance(ctx context.Context, chainID, address string) (*types.Balances, error) {
	a, err := r.Get(chainID)
	if err != nil {
		return nil, err
	}
	return retryRead(ctx, r, chainID, "get_balance", func(ctx context.Context) (*types.Balances, error) {
		return a.GetBalance(ctx, address)
	})
}

// GetTransaction fetches a receipt with read retries.
func (r *Registry) GetTransaction(ctx context.Context, chainID, txID string) (*types.Receipt, error) {
	a, err := r.Get(chainID)
	if err != nil {
		return nil, err
	}
	return retryRead(ctx, r, chainID, "get_transaction", func(ctx context.Context) (*types.Receipt, error) {
		return a.GetTransaction(ctx, txID)
	})
}

// GetHistory fetches recent receipts with read retries.
func (r *Registry) GetHistory(ctx context.Context, chainID, address string, limit int) ([]types.Receipt, error) {
	a, err := r.Get(chainID)
	if err != nil {
		return nil, err
	}
	return retryRead(ctx, r, chainID, "get_history", func(ctx context.Context) ([]types.Receipt, error) {
		return a.GetHistory(ctx, address, limit)
	})
}

// Prepare resolves network parameters for a transfer. It only reads, so it
// shares the read retry policy.
func (r *Registry) Prepare(ctx context.Context, chainID, from string, payload types.UnsignedPayload) (*PreparedTx, error) {
	a, err := r.Get(chainID)
	if err != nil {
		return nil, err
	}
	return retryRead(ctx, r, chainID, "prepare", func(ctx context.Context) (*PreparedTx, error) {
		return a.Prepare(ctx, from, payload)
	})
}

// Submit broadcasts signed exactly once. The call is detached from the
// caller's cancellation and bounded by SubmitTimeout instead: once the
// payload is handed to the adapter it may land, so it is seen through.
// A Rejected error means nothing was broadcast; any other error leaves the
// outcome unknown.
func (r *Registry) Submit(ctx context.Context, signed *SignedTx) (*types.Submission, error) {
	a, err := r.Get(signed.ChainID)
	if err != nil {
		return nil, err
	}

	subCtx := context.WithoutCancel(ctx)
	if r.cfg.SubmitTimeout > 0 {
		var cancel context.CancelFunc
		subCtx, cancel = context.WithTimeout(subCtx, r.cfg.SubmitTimeout)
		defer cancel()
	}

	start := time.Now()
	sub, err := a.Submit(subCtx, signed)
	r.metrics.ObserveSubmit(signed.ChainID, time.Since(start))
	if err != nil {
		return nil, NewAdapterError(signed.ChainID, "submit", err, map[string]interface{}{"tx_id": signed.TxID})
	}
	return sub, nil
}

// SignAndSubmit prepares, signs and submits a transfer in one call. secret
// is only read; the caller zeroes it.
func (r *Registry) SignAndSubmit(ctx context.Context, chainID, from string, secret []byte, payload types.UnsignedPayload) (*types.Submission, error) {
	a, err := r.Get(chainID)
	if err != nil {
		return nil, err
	}
	prepared, err := r.Prepare(ctx, chainID, from, payload)
	if err != nil {
		return nil, err
	}
	signed, err := a.Sign(prepared, secret)
	if err != nil {
		return nil, err
	}
	return r.Submit(ctx, signed)
}

// AwaitTransaction polls until the transaction is terminal. Not-found and
// transient read errors keep it polling. When timeout elapses or ctx ends
// first the receipt status is Unknown, never Failed.
func (r *Registry) AwaitTransaction(ctx context.Context, chainID, txID string, timeout time.Duration) (*types.Receipt, error) {
	if _, err := r.Get(chainID); err != nil {
		return nil, err
	}

	waitCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	interval := r.cfg.PollInterval
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		receipt, err := r.GetTransaction(waitCtx, chainID, txID)
		switch {
		case err == nil && receipt.Status.IsTerminal():
			return receipt, nil
		case err != nil && !errors.Is(err, ErrTransactionNotFound) && !IsTransient(err) && waitCtx.Err() == nil:
			return nil, err
		}

		select {
		case <-waitCtx.Done():
			return &types.Receipt{TxID: txID, ChainID: chainID, Status: types.TxStatusUnknown}, nil
		case <-ticker.C:
		}
	}
}
