package crypto

import (
	"errors"
	"runtime"
	"sync"
)

// ErrBufferDestroyed is returned when a destroyed SecureBuffer is used.
var ErrBufferDestroyed = errors.New("secure buffer destroyed")

// Zero overwrites b with zeros.
func Zero(b []byte) {
	clear(b)
	runtime.KeepAlive(b)
}

// SecureBuffer holds a secret in memory that is locked against swapping
// where the platform allows it. The secret is only reachable through Use.
type SecureBuffer struct {
	mu     sync.RWMutex
	data   []byte
	locked bool
}

// NewSecureBuffer copies src into a new locked buffer. The caller should
// Zero src afterwards.
func NewSecureBuffer(src []byte) *SecureBuffer {
	data := make([]byte, len(src))
	copy(data, src)
	return &SecureBuffer{
		data:   data,
		locked: lockMemory(data),
	}
}

// Use calls fn with the secret. fn must not retain the slice.
func (b *SecureBuffer) Use(fn func(secret []byte) error) error {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.data == nil {
		return ErrBufferDestroyed
	}
	return fn(b.data)
}

// Len returns the secret length, or 0 once destroyed.
func (b *SecureBuffer) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.data)
}

// Destroyed reports whether Destroy has run.
func (b *SecureBuffer) Destroyed() bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.data == nil
}

// Destroy zeroes and releases the secret. Safe to call more than once.
func (b *SecureBuffer) Destroy() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.data == nil {
		return
	}
	Zero(b.data)
	if b.locked {
		unlockMemory(b.data)
	}
	b.data = nil
	b.locked = false
}
