//go:build !linux
// +build !linux

// File: affinity/affinity_stub.go
// Author: momentics <momentics@gmail.com>
//
// Stub implementation for unsupported platforms.

package affinity

import "github.com/momentics/hioload-ofc/api"

func setAffinityPlatform(int) error {
	return api.ErrNotSupported
}
