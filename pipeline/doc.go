// Package pipeline correlates outbound requests with device replies.
//
// A Queue hands out XIDs without blocking, writes committed requests in
// commit order and resolves each request exactly once: by a reply that
// satisfies its completion predicate, by a barrier reply implying it was
// processed, by a timeout sweep or by connection loss.
package pipeline
