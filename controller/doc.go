// Package controller serves switch connections.
//
// A Controller owns one accept loop and a fixed pool of I/O loops. Each
// accepted or dialed connection gets a Conn holding its request pipeline,
// event limiter and multipart aggregator. Inbound messages are dispatched
// on the connection's loop thread in arrival order: automatic replies,
// error replies, request replies, unclaimed multipart fragments,
// rate-limited events, then everything else to the Consumer.
package controller
