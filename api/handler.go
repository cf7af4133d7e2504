// File: api/handler.go
// Package api defines the hooks the engine calls back into.
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package api

import "net"

// AcceptPolicy decides whether a freshly accepted peer may stay connected.
type AcceptPolicy func(remote net.Addr) bool

// AllowAll accepts every peer.
func AllowAll(net.Addr) bool { return true }

// FlowControl toggles ingestion of unsolicited events at the protocol layer.
type FlowControl interface {
	SetFiltering(enabled bool)
}

// FlowControlFunc adapts a function to FlowControl.
type FlowControlFunc func(enabled bool)

// SetFiltering implements FlowControl.
func (f FlowControlFunc) SetFiltering(enabled bool) { f(enabled) }
