// Package credential stores and decodes the bearer credential.
//
// # Storage
//
// A Store holds at most one raw credential string. Implementations:
//
//   - FileStore: $XDG_CONFIG_HOME/spendsense/token (default)
//   - SQLiteStore: one-row table in a local database
//   - RedisStore: one key in Redis, for shared terminals
//   - MemoryStore: process memory, for tests
//
// # Decoding
//
// Credentials are three dot-separated base64url segments
// (header.payload.signature). Codec reads only the payload:
//
//	codec := credential.NewCodec()
//	claims, err := codec.Decode(raw)
//	if errors.Is(err, credential.ErrDecodeFailure) {
//	    // treat as anonymous
//	}
//
// The payload must carry user_id, role ("card_user" or "operator") and exp.
//
// # Trust Boundary
//
// Signatures are never checked here. The backend is solely responsible for
// rejecting forged or tampered credentials; this package only decides whether
// a stored credential is worth presenting.
package credential
