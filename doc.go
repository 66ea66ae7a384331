// Package ldapstream provides a pooled, streaming LDAP session layer on top
// of go-ldap.
//
// A Client owns a bounded connection pool with strict FIFO fairness and idle
// eviction, and builds four higher layers on it:
//
//   - Stream: lazy, single-pass, cancelable paged searches with one-page
//     buffering, so consumer pace bounds server pace.
//   - Loader: point-lookups coalesced into batched OR-filter searches,
//     amortizing N lookups into N divided by the batch size round trips.
//   - FullRange: transparent reassembly of attributes the server truncates
//     with range options, such as "member;range=0-1499".
//   - MemberStream: cycle-safe recursive group membership traversal that
//     emits each member exactly once.
//
// All blocking operations take a context.Context; cancellation releases the
// underlying pooled connections and is never reported as an error.
package ldapstream
