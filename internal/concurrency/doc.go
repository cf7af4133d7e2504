// File: internal/concurrency/doc.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Event loop lifecycle shared by the accept and I/O engines: one locked OS
// thread per loop, one-directional state transitions, failure capture.
package concurrency
