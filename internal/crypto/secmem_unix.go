//go:build unix

package crypto

import "golang.org/x/sys/unix"

// lockMemory pins b in RAM. Failure (e.g. RLIMIT_MEMLOCK) is tolerated.
func lockMemory(b []byte) bool {
	if len(b) == 0 {
		return false
	}
	return unix.Mlock(b) == nil
}

func unlockMemory(b []byte) {
	_ = unix.Munlock(b)
}
