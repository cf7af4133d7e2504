// Copyright (c) 2025
// Author: momentics <momentics@gmail.com>

// Package transport provides non-blocking TCP sockets on raw descriptors
// for the readiness-driven engines: listeners, accepted and dialed
// connections, and connected socket pairs for tests.
package transport
