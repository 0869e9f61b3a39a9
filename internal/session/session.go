// Package session holds the per-session identity and master secret handed
// over by the authentication boundary.
package session

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/better-wallet/agentvault/internal/crypto"
)

// ErrClosed is returned by a session after Close.
var ErrClosed = errors.New("session closed")

// Session binds a verified user id to its master secret for the lifetime of
// one authenticated session. The master secret is never exposed; callers
// can only derive collection keys from it.
type Session struct {
	userID    string
	master    *crypto.SecureBuffer
	createdAt time.Time
}

// New opens a session. masterSecret is copied into locked memory; the caller
// should zero its own copy.
func New(userID string, masterSecret []byte) (*Session, error) {
	if strings.TrimSpace(userID) == "" {
		return nil, fmt.Errorf("user id is required")
	}
	if len(masterSecret) < crypto.MinMasterSecretSize {
		return nil, fmt.Errorf("master secret too short: need at least %d bytes", crypto.MinMasterSecretSize)
	}
	return &Session{
		userID:    userID,
		master:    crypto.NewSecureBuffer(masterSecret),
		createdAt: time.Now(),
	}, nil
}

// UserID returns the identity this session acts for.
func (s *Session) UserID() string {
	return s.userID
}

// CreatedAt returns when the session was opened.
func (s *Session) CreatedAt() time.Time {
	return s.createdAt
}

// Closed reports whether Close has run.
func (s *Session) Closed() bool {
	return s.master.Destroyed()
}

// CollectionKey derives the key of one collection. The caller must Destroy it.
func (s *Session) CollectionKey(collectionID uuid.UUID) (*crypto.CollectionKey, error) {
	var key *crypto.CollectionKey
	err := s.master.Use(func(master []byte) error {
		var err error
		key, err = crypto.DeriveCollectionKey(master, collectionID)
		return err
	})
	if errors.Is(err, crypto.ErrBufferDestroyed) {
		return nil, ErrClosed
	}
	if err != nil {
		return nil, err
	}
	return key, nil
}

// Close zeroes the master secret.
func (s *Session) Close() {
	s.master.Destroy()
}
