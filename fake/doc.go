// Package fake
// Author: momentics <momentics@gmail.com>
//
// In-memory test doubles for the connection engine: a channel with
// scriptable backpressure, a framed identity record engine with a
// handshake script and a small length-prefixed codec.
package fake
