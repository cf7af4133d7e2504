// File: affinity/affinity.go
// Author: momentics <momentics@gmail.com>
//
// Platform-neutral API for pinning an event loop thread to a CPU.

package affinity

import "fmt"

// SetAffinity pins the calling OS thread to cpuID. The caller must hold the
// thread with runtime.LockOSThread for the pin to be meaningful.
func SetAffinity(cpuID int) error {
	if cpuID < 0 {
		return fmt.Errorf("affinity: invalid cpu %d", cpuID)
	}
	return setAffinityPlatform(cpuID)
}

// Pick returns the CPU for the n-th loop from a configured list, or -1 when
// no list is configured.
func Pick(cpus []int, n int) int {
	if len(cpus) == 0 || n < 0 {
		return -1
	}
	return cpus[n%len(cpus)]
}
