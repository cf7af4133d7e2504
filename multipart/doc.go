// Package multipart reassembles fragmented device replies.
//
// A registered collection resolves with every fragment in arrival order once
// a fragment without the "more follows" flag arrives, or fails with
// ErrExpired when its deadline passes first. Fragments for unknown XIDs are
// kept as best-effort collections so a registration racing their arrival
// still sees them; those expire the same way.
package multipart
