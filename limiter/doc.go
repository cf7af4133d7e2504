// Package limiter bounds the unsolicited events admitted from one device.
package limiter
