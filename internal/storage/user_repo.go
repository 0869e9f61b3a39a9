package storage

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/better-wallet/agentvault/pkg/types"
)

// UserRepository handles users and their single portfolio
type UserRepository struct{}

// EnsurePortfolioTx creates the user and portfolio rows on first use and
// returns the portfolio id.
func (r *UserRepository) EnsurePortfolioTx(ctx context.Context, db DBTX, userID string) (uuid.UUID, error) {
	if _, err := db.Exec(ctx, `
		INSERT INTO users (id) VALUES ($1)
		ON CONFLICT (id) DO NOTHING
	`, userID); err != nil {
		return uuid.Nil, fmt.Errorf("failed to create user: %w", err)
	}

	var id uuid.UUID
	err := db.QueryRow(ctx, `
		INSERT INTO portfolios (id, user_id) VALUES ($1, $2)
		ON CONFLICT (user_id) DO UPDATE SET user_id = EXCLUDED.user_id
		RETURNING id
	`, uuid.New(), userID).Scan(&id)
	if err != nil {
		return uuid.Nil, fmt.Errorf("failed to create portfolio: %w", err)
	}
	return id, nil
}

// GetByID retrieves a user by ID
func (r *UserRepository) GetByID(ctx context.Context, db DBTX, id string) (*types.User, error) {
	query := `
		SELECT id, key_rotated_at, created_at, deleted_at
		FROM users
		WHERE id = $1
	`

	var user types.User
	err := db.QueryRow(ctx, query, id).Scan(
		&user.ID,
		&user.KeyRotatedAt,
		&user.CreatedAt,
		&user.DeletedAt,
	)
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get user by ID: %w", err)
	}

	return &user, nil
}
