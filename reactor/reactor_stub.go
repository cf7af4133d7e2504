//go:build !linux
// +build !linux

// File: reactor/reactor_stub.go
// Author: momentics <momentics@gmail.com>
//
// Stub implementation for unsupported platforms.

package reactor

import "github.com/momentics/hioload-ofc/api"

// NewSelector returns an error for unsupported platforms.
func NewSelector() (Selector, error) {
	return nil, api.ErrNotSupported
}
