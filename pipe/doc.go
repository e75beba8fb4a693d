// Package pipe multiplexes independent logical connections ("pipes") over
// one ordered transport, usually an encrypted session.
//
// Frames are [1-byte type][4-byte big-endian pipe id][payload]:
//
//	OpenRequest(id, payload)  OpenAccept(id)  Close(id)  Data(id, payload)
//	SelfData(payload)         // no id: addressed to the multiplexer itself
//
// Ids never collide without coordination: the side that opened the
// underlying connection allocates odd ids, the accepting side even ones,
// each stepping by two.
//
// A locally opened pipe starts Unopened. Start sends OpenRequest and arms a
// timer (10 seconds by default); if OpenAccept does not arrive in time the
// pipe closes with [ErrOpenTimeout]. A peer's request surfaces through
// Events.OnPipeRequest in state OpenRequestReceived; Start accepts it, Close
// refuses it. Data for a pipe that is not Opened is dropped, since the peer
// may be racing a close.
//
// A transport error or close reaches every live pipe. Each pipe's OnClose
// fires exactly once.
//
// [Conn] adapts a pipe to io.ReadWriteCloser for byte-stream users.
package pipe
