// Package session layers an authenticated, encrypted session over any
// transport.Transport.
//
// Ordered packets are framed as [1-byte kind][payload] with kinds Data, Kex,
// DisableEncryption and Close. The kind byte is authenticated as associated
// data once a direction is encrypted. When the transport opens the session
// runs the key exchange from package kex; each direction switches to its
// negotiated key at the exact packet where the exchange says so, and OnOpen
// fires once the exchange is done. Data arriving before that point is a
// protocol violation that ends the session.
//
// Raw packets skip the kind framing and are sealed in standalone mode, so
// they authenticate independently of each other. Replayed raw packets are
// dropped; any other authentication failure is fatal.
//
//	s, _ := session.New(tr, session.Config{Role: kex.Initiator, Identity: id})
//	s.SetEvents(transport.Events{OnOpen: ready, OnPacket: handle})
//	_ = s.Start()
//
// A Session is itself a transport.Transport, so a pipe.Mux can run on it.
package session
