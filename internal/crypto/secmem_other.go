//go:build !unix

package crypto

func lockMemory(b []byte) bool { return false }

func unlockMemory(b []byte) {}
