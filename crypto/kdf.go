package crypto

import (
	"encoding/binary"

	"golang.org/x/crypto/blake2b"
)

// ExpandKey derives size bytes bound to a one-byte label from a shared secret
// k and exchange hash h. Output blocks are BLAKE2b-512(k || counter || label || h)
// for counter = 0, 1, ... concatenated and truncated.
func ExpandKey(k, h []byte, label byte, size int) []byte {
	out := make([]byte, 0, size+blake2b.Size)
	var ctr [4]byte
	for counter := uint32(0); len(out) < size; counter++ {
		binary.BigEndian.PutUint32(ctr[:], counter)
		d, _ := blake2b.New512(nil)
		d.Write(k)
		d.Write(ctr[:])
		d.Write([]byte{label})
		d.Write(h)
		out = d.Sum(out)
	}
	return out[:size:size]
}
