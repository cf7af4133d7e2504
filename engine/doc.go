// Package engine drives switch connections on a few locked OS threads.
//
// An AcceptEngine owns the listening sockets and hands every accepted
// connection to one of several IOEngines. Each IOEngine polls a readiness
// selector and drives the ConnectionBuffers registered with it: inbound
// bytes are framed into messages through an api.Codec and delivered to a
// Handler in arrival order, outbound messages are encoded and flushed
// opportunistically with write interest armed only while the socket
// refuses bytes. Buffers on secure endpoints run a TLS record engine.
//
// Failures are contained to a single buffer. Only a selector that cannot
// be opened is fatal to an engine.
package engine
