// ABOUTME: Unverified decoding of bearer credentials into claims and principals
// ABOUTME: Reads only the payload segment; signature checks belong to the backend

package credential

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// ErrDecodeFailure is returned for any credential that cannot be read as claims.
// It never escapes the core as a user-facing error; callers degrade to "no principal".
var ErrDecodeFailure = errors.New("credential decode failure")

// Role is the principal's role as carried in the credential.
type Role string

const (
	// RoleSubject may only see its own data.
	RoleSubject Role = "card_user"
	// RoleSteward has cross-subject visibility and review authority.
	RoleSteward Role = "operator"
)

// Valid reports whether r is one of the known roles.
func (r Role) Valid() bool {
	return r == RoleSubject || r == RoleSteward
}

// Principal is the identity derived from a valid, unexpired credential.
type Principal struct {
	SubjectID string
	Role      Role
}

// Claims is the payload of a bearer credential.
type Claims struct {
	UserID string `json:"user_id"`
	Role   Role   `json:"role"`
	jwt.RegisteredClaims
}

// Principal projects the claims onto the identity the rest of the core uses.
func (c *Claims) Principal() Principal {
	return Principal{SubjectID: c.UserID, Role: c.Role}
}

// Codec decodes credentials without verifying them.
type Codec struct {
	parser *jwt.Parser
	now    func() time.Time
}

// CodecOption configures a Codec.
type CodecOption func(*Codec)

// WithClock overrides the time source used by IsExpired.
func WithClock(now func() time.Time) CodecOption {
	return func(c *Codec) {
		c.now = now
	}
}

// NewCodec creates a codec. Segments are decoded as base64url with padding
// normalized, so both padded and unpadded payloads are accepted.
func NewCodec(opts ...CodecOption) *Codec {
	c := &Codec{
		parser: jwt.NewParser(jwt.WithPaddingAllowed()),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Decode splits raw into header.payload.signature and parses the payload.
// Any structural problem yields an error wrapping ErrDecodeFailure.
func (c *Codec) Decode(raw string) (*Claims, error) {
	parts := strings.Split(raw, ".")
	if len(parts) != 3 {
		return nil, fmt.Errorf("%w: expected 3 segments, got %d", ErrDecodeFailure, len(parts))
	}

	payload, err := c.parser.DecodeSegment(parts[1])
	if err != nil {
		return nil, fmt.Errorf("%w: payload encoding: %v", ErrDecodeFailure, err)
	}

	var claims Claims
	if err := json.Unmarshal(payload, &claims); err != nil {
		return nil, fmt.Errorf("%w: payload structure: %v", ErrDecodeFailure, err)
	}

	if claims.UserID == "" {
		return nil, fmt.Errorf("%w: missing user_id", ErrDecodeFailure)
	}
	if !claims.Role.Valid() {
		return nil, fmt.Errorf("%w: unknown role %q", ErrDecodeFailure, claims.Role)
	}
	if claims.ExpiresAt == nil {
		return nil, fmt.Errorf("%w: missing exp", ErrDecodeFailure)
	}

	return &claims, nil
}

// IsExpired reports whether raw is unusable: undecodable, or past its exp.
func (c *Codec) IsExpired(raw string) bool {
	claims, err := c.Decode(raw)
	if err != nil {
		return true
	}
	return c.Expired(claims)
}

// Expired reports whether decoded claims are past their exp. Comparison is
// done in milliseconds, matching exp*1000 < now.
func (c *Codec) Expired(claims *Claims) bool {
	return claims.ExpiresAt.Unix()*1000 < c.now().UnixMilli()
}

// Principal decodes raw and returns its principal if it is unexpired.
func (c *Codec) Principal(raw string) (Principal, bool) {
	claims, err := c.Decode(raw)
	if err != nil || c.Expired(claims) {
		return Principal{}, false
	}
	return claims.Principal(), true
}
