// Package consentcache caches consent-gated backend resources.
//
// Entries are keyed by (kind, subject, window) and move between four states:
//
//	Absent ──fetch ok──▶ Fresh ──grant──▶ Stale ──refetch ok──▶ Fresh
//	   ▲                   │                │
//	   └──────revoke───────┴────────────────┘
//	Absent/Stale ──fetch 403──▶ Forbidden (no value)
//
// Grant and revoke are deliberately separate operations. MarkStale keeps
// values servable while one background refetch per key verifies access.
// Evict deletes synchronously so no value survives a revocation.
//
// Concurrent reads of the same key share one fetch. Every fetch is tagged
// with the session epoch and the subject's revocation generation when it was
// issued; if either moved by the time it returns the result is dropped and
// callers get ErrDiscarded. A grant never drops a result: a read that was in
// flight across it returns its value, which is kept as Stale.
package consentcache
