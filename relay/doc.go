// Package relay implements the rendezvous broker both peers can reach before
// a direct path exists, and the client side of it.
//
// A client connects over TCP or WebSocket, authenticates with an encrypted
// session and opens a pipe whose OpenRequest payload is a rendezvous token.
// The relay accepts the pipe at once and pairs it with the next pipe
// carrying the same token from another client. From then on it forwards
// Data and Close between the two pipes without interpreting them. Data sent
// before the partner arrives is queued, up to a bound.
//
// The relay sees the rendezvous records in the clear; they only carry
// public addresses and probe markers.
package relay
