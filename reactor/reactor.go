// File: reactor/reactor.go
// Author: momentics <momentics@gmail.com>
//
// Platform-neutral readiness selector interface.

package reactor

import (
	"strings"
	"time"
)

// Interest is a set of readiness conditions a descriptor is watched for.
type Interest uint32

const (
	Read Interest = 1 << iota
	Write
	Accept
	Connect
)

func (i Interest) String() string {
	if i == 0 {
		return "none"
	}
	var parts []string
	for _, p := range []struct {
		bit  Interest
		name string
	}{{Read, "read"}, {Write, "write"}, {Accept, "accept"}, {Connect, "connect"}} {
		if i&p.bit != 0 {
			parts = append(parts, p.name)
		}
	}
	return strings.Join(parts, "|")
}

// Event reports the readiness of one descriptor after Select.
type Event struct {
	Fd    int
	Ready Interest
	// Hangup is set when the kernel reported an error or hang-up condition.
	Hangup bool
}

// Selector multiplexes readiness over many descriptors. Add, Modify and
// Remove may be called from any goroutine; Select is owned by one loop.
type Selector interface {
	Add(fd int, interest Interest) error
	Modify(fd int, interest Interest) error
	Remove(fd int) error
	// Interest returns the registered interest of fd.
	Interest(fd int) (Interest, bool)
	// Select blocks up to timeout (negative blocks indefinitely) and fills
	// events. A wakeup returns early with n == 0.
	Select(events []Event, timeout time.Duration) (n int, err error)
	// Wakeup interrupts a blocked Select.
	Wakeup() error
	Close() error
}
