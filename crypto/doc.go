// Package crypto implements the cryptographic building blocks of natpipe.
//
// # Packet Streams
//
// [PacketStream] turns an AEAD ([SuiteAES256GCM] or [SuiteChaCha20Poly1305])
// into a counter-driven packet primitive with a 96-bit IV made of a fixed
// 32-bit field and a 64-bit counter. Two framing modes exist:
//
//	sequential:  [16-byte tag][ciphertext]
//	standalone:  [10-byte tag][6-byte counter][ciphertext]
//
// Sequential packets carry no counter and must be opened in the order they
// were sealed. Standalone packets can be opened in any order; a [ReplayWindow]
// rejects counters that were already accepted.
//
//	tx := crypto.NewPacketStream(crypto.SuiteAES256GCM)
//	_ = tx.SetKey(key)
//	tx.SetIV(iv)
//	packet, _ := tx.Encrypt(payload, aad)
//
// Every failure is reported as [ErrAuthFailure] (or [ErrReplay]) and never
// advances a counter.
//
// # Identities and Trust
//
// Long-term identities are Ed25519 keypairs ([Identity], [PublicKey]).
// [TrustStore] applies the peer acceptance policy: a pinned key must match,
// a configured set must contain the key, and otherwise the key is accepted on
// first use with a warning. [SaveIdentity] and [LoadIdentity] persist the
// identity seed, optionally sealed under a passphrase.
//
// # Key Expansion
//
// [ExpandKey] derives labelled key material from a shared secret and an
// exchange hash using BLAKE2b-512.
//
// # Secure Memory
//
// [SecureWipe] and [ZeroBytes] erase key material once it is no longer needed.
package crypto
