package crypto

import (
	"errors"
	"runtime"
)

// ErrNilSecret is returned by SecureWipe for a nil buffer.
var ErrNilSecret = errors.New("crypto: wipe of nil secret")

// SecureWipe zeroes a buffer of key material: an identity seed, a derived
// session secret or a stream key.
func SecureWipe(data []byte) error {
	if data == nil {
		return ErrNilSecret
	}
	clear(data)
	// The buffer must stay live until the stores above are done.
	runtime.KeepAlive(data)
	return nil
}

// ZeroBytes wipes data if there is any. A key that was never derived is nil.
func ZeroBytes(data []byte) {
	if data == nil {
		return
	}
	_ = SecureWipe(data)
}
