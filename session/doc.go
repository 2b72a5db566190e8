// Package session tracks MCP client sessions.
//
// A Registry holds at most MaxSessions sessions. Creating one more fails with
// a *CapacityError; live sessions are never evicted. Every Get slides the
// session's idle expiry. Sessions idle longer than Timeout are treated as
// gone on the next Get or Has and are swept by a single background ticker
// running every CleanupInterval.
package session
