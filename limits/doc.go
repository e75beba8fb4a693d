// Package limits provides centralized frame size constants and validation
// helpers shared by every natpipe layer.
//
// # MTU Accounting
//
// Each layer advertises the payload size its caller may pass in one call.
// A layer computes its MTU from the layer below by subtracting its own
// header with [SubtractHeader], which saturates at zero instead of
// underflowing:
//
//	transport  StreamMTU - ChannelHeader
//	session    transport - 1 (kind) - 16 (AEAD overhead)
//	pipe       session - 1 (type) - 4 (pipe id)
//
// # Validation Functions
//
// [ValidateFrameLength] guards length prefixes read from the network so a
// hostile peer cannot force a large allocation. [ValidatePayload] rejects
// outbound payloads larger than a layer's MTU.
package limits
