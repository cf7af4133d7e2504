// Copyright (c) 2025
// Author: momentics <momentics@gmail.com>

// Package reactor provides the readiness selector driven by the event loops:
// level-triggered epoll with an eventfd wakeup on Linux, a stub elsewhere.
package reactor
