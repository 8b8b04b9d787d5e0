// Package rotation tracks the epoch-keyed shared secret of an established
// peer connection and the overlap window used while a rotation is in flight.
package rotation

import "runtime"

// SecureZero wipes a 32-byte key from memory. The loop (rather than a single
// assignment) and the trailing KeepAlive keep the compiler from eliding the
// write before the key is actually discarded.
func SecureZero(key *[32]byte) {
	if key == nil {
		return
	}
	for i := range key {
		key[i] = 0
	}
	runtime.KeepAlive(key)
}

// VerifyZeroed reports whether every byte of key is zero. Intended for tests;
// checking this in production code can leak timing information.
func VerifyZeroed(key *[32]byte) bool {
	if key == nil {
		return false
	}
	for _, b := range key {
		if b != 0 {
			return false
		}
	}
	return true
}
