// Package punch opens a direct UDP path between two peers that both sit
// behind symmetric NATs.
//
// A symmetric NAT hands every (socket, destination) pair its own external
// port, so neither side can learn the port the other will use. Instead both
// sides guess: each opens many sockets, aims each at a different candidate
// port on the peer's public IP and sends a random 64-byte magic. A socket on
// one side and a socket on the other that happen to target each other's
// mappings open a path. With n probes per side against a range of m ports
// the chance of no match is about exp(-n*n/m); see [FailureProbability].
//
// Negotiation runs over an existing channel, usually a pipe through the
// relay:
//
//	initiator                         responder
//	Describe{nat, range, rate, magic, addr} -->
//	                          <-- Describe{...}
//	Start -->
//	[Job]                              [Job]
//
// [Job] probes at a bounded rate, spreads the sockets across polling groups
// and finishes with the first socket that receives exactly the peer's
// magic. That socket is pinned to the address the magic arrived from and
// the magic is sent back once more. Only the job's timeout stops it.
package punch
