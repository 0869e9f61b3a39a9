package crypto

import (
	"fmt"

	"github.com/hashicorp/vault/shamir"
)

const (
	// DefaultRecoveryThreshold is the default number of shares needed to rebuild a secret
	DefaultRecoveryThreshold = 2
	// DefaultRecoveryShares is the default number of shares produced
	DefaultRecoveryShares = 3
	// MaxRecoveryShares is the limit imposed by GF(2^8) share indices
	MaxRecoveryShares = 255
)

// RecoveryShares is a threshold split of one account secret.
type RecoveryShares struct {
	Shares    [][]byte
	Threshold int
}

// SplitSecret splits secret into totalShares shares, any threshold of which
// rebuild it.
func SplitSecret(secret []byte, totalShares, threshold int) (*RecoveryShares, error) {
	if len(secret) == 0 {
		return nil, fmt.Errorf("secret cannot be empty")
	}
	if threshold < 2 {
		return nil, fmt.Errorf("threshold must be at least 2, got %d", threshold)
	}
	if totalShares < threshold {
		return nil, fmt.Errorf("total shares (%d) must be at least the threshold (%d)", totalShares, threshold)
	}
	if totalShares > MaxRecoveryShares {
		return nil, fmt.Errorf("total shares must be at most %d, got %d", MaxRecoveryShares, totalShares)
	}

	shares, err := shamir.Split(secret, totalShares, threshold)
	if err != nil {
		return nil, fmt.Errorf("failed to split secret with Shamir's Secret Sharing: %w", err)
	}

	return &RecoveryShares{
		Shares:    shares,
		Threshold: threshold,
	}, nil
}

// CombineShares rebuilds a secret from at least threshold shares. With fewer
// shares the result is wrong rather than an error, so callers compare the
// derived address against the expected one.
func CombineShares(shares [][]byte) ([]byte, error) {
	if len(shares) < 2 {
		return nil, fmt.Errorf("at least 2 shares are required, got %d", len(shares))
	}
	for i, share := range shares {
		if err := ValidateShare(share); err != nil {
			return nil, fmt.Errorf("share %d: %w", i, err)
		}
	}

	secret, err := shamir.Combine(shares)
	if err != nil {
		return nil, fmt.Errorf("failed to combine shares: %w", err)
	}
	return secret, nil
}

// ValidateShare checks if a share appears to be valid
// Note: This only checks format, not cryptographic validity
func ValidateShare(share []byte) error {
	if len(share) == 0 {
		return fmt.Errorf("share cannot be empty")
	}
	// One byte of secret plus the trailing x-coordinate byte.
	if len(share) < 2 {
		return fmt.Errorf("share too short: expected at least 2 bytes, got %d", len(share))
	}
	return nil
}
