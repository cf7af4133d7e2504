// Copyright (c) 2025
// Author: momentics <momentics@gmail.com>

// Package api holds the contracts shared by every layer of the switch
// connection engine: the opaque Message and its Codec, the non-blocking
// Channel, callback hooks and the error taxonomy.
package api
