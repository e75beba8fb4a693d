// Package kex implements the authenticated key exchange that opens every
// natpipe session.
//
// Both peers first trade a Version record and settle on the lower protocol
// version and the most preferred common cipher suite. The initiator then sends
// an ephemeral X25519 key and a 64-byte nonce; the responder answers with its
// own, its long-term Ed25519 key and a signature over the exchange hash
//
//	H = BLAKE2b-512(K || ephemeral_A || ephemeral_B || nonce_A || nonce_B)
//
// where K is the ephemeral Diffie-Hellman secret. Each side announces NewKeys
// and switches the matching direction to keys expanded from K and H, and the
// initiator finally proves its own long-term key inside the encrypted channel.
//
// An [Exchange] performs no I/O. [Exchange.Start] and [Exchange.Receive]
// return the ordered [Step] list (records to send, keys to install) that the
// owning session applies:
//
//	x, _ := kex.NewExchange(kex.Config{Role: kex.Initiator, Identity: id})
//	steps, err := x.Start()
//	for _, s := range steps {
//	    // send s.Send, install s.InstallOutbound / s.InstallInbound
//	}
//
// Every failure is terminal and reported as an [*Error] whose kind matches
// [ErrMalformed], [ErrCrypto], [ErrTrust] or [ErrProtocol] with errors.Is.
package kex
