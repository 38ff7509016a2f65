// Package tokens implements the capability token codec: compact, signed,
// self-contained tokens binding an owner, a target resource and a session
// kind. Tokens are JWTs signed with HMAC-SHA-512 using a symmetric key shared
// by every instance of the broker, so any instance can verify any other
// instance's tokens.
package tokens

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/stratal/sessiond/sessions"
)

// DefaultLeeway is the clock skew tolerance applied to time-based claims.
// All instances sharing a token space must keep their clocks within this
// bound of each other.
const DefaultLeeway = 60 * time.Second

// Claims is the verified content of a capability token.
type Claims struct {
	Key       sessions.SessionKey
	IssuedAt  time.Time
	ExpiresAt time.Time
	Issuer    string
}

// sessionClaims is the wire shape. The subject carries the owner id; the
// resource id and kind ride in private claims.
type sessionClaims struct {
	ResourceID string `json:"rid"`
	Kind       string `json:"knd"`
	jwt.RegisteredClaims
}

// Codec issues and verifies capability tokens. It is a pure function of key
// material, claims and clock; it holds no session state and is safe for
// concurrent use.
type Codec struct {
	keys   KeySource
	issuer string
	leeway time.Duration
	now    func() time.Time
}

// CodecOption configures optional aspects of a Codec.
type CodecOption func(*Codec)

// WithLeeway overrides the clock skew tolerance for time-based claims.
func WithLeeway(d time.Duration) CodecOption {
	return func(c *Codec) { c.leeway = d }
}

// WithTimeFunc overrides the codec's clock. Intended for tests.
func WithTimeFunc(now func() time.Time) CodecOption {
	return func(c *Codec) { c.now = now }
}

// NewCodec builds a codec signing as the given issuer identity.
func NewCodec(keys KeySource, issuer string, opts ...CodecOption) (*Codec, error) {
	if keys == nil {
		return nil, errors.New("tokens: key source is required")
	}
	if issuer == "" {
		return nil, errors.New("tokens: issuer is required")
	}
	c := &Codec{keys: keys, issuer: issuer, leeway: DefaultLeeway, now: time.Now}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// Issue signs a token for the session key with the given lifetime. Every call
// produces a distinct token: the jti claim carries a fresh UUID, so two
// tokens issued in the same second for the same key still differ.
func (c *Codec) Issue(key sessions.SessionKey, ttl time.Duration) (string, Claims, error) {
	if ttl <= 0 {
		return "", Claims{}, fmt.Errorf("tokens: non-positive ttl %v", ttl)
	}
	now := c.now().UTC()
	exp := now.Add(ttl)
	wire := sessionClaims{
		ResourceID: key.ResourceID.String(),
		Kind:       string(key.Kind),
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   key.OwnerID.String(),
			Issuer:    c.issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(exp),
			ID:        uuid.NewString(),
		},
	}
	tok, err := jwt.NewWithClaims(jwt.SigningMethodHS512, wire).SignedString(c.keys.SigningKey())
	if err != nil {
		return "", Claims{}, fmt.Errorf("tokens: sign: %w", err)
	}
	return tok, Claims{Key: key, IssuedAt: now, ExpiresAt: exp, Issuer: c.issuer}, nil
}

// Verify parses and validates a token, distinguishing malformed tokens, bad
// signatures and expiry as separate error outcomes (sessions.ErrMalformedToken,
// sessions.ErrBadSignature, sessions.ErrExpired). The exp claim is always
// checked against the current time, within the configured leeway.
//
// During key rotation both the current and the previous key verify; tokens
// are only ever signed with the current one.
func (c *Codec) Verify(token string) (Claims, error) {
	if token == "" {
		return Claims{}, fmt.Errorf("tokens: empty token: %w", sessions.ErrMalformedToken)
	}
	parser := jwt.NewParser(
		jwt.WithValidMethods([]string{jwt.SigningMethodHS512.Alg()}),
		jwt.WithExpirationRequired(),
		jwt.WithIssuer(c.issuer),
		jwt.WithLeeway(c.leeway),
		jwt.WithTimeFunc(c.now),
	)

	var lastErr error
	for _, key := range c.keys.VerificationKeys() {
		key := key
		parsed, err := parser.ParseWithClaims(token, &sessionClaims{}, func(*jwt.Token) (any, error) {
			return key, nil
		})
		if err != nil {
			lastErr = err
			if errors.Is(err, jwt.ErrTokenSignatureInvalid) {
				continue // try the next key
			}
			break
		}
		return claimsFromWire(parsed.Claims.(*sessionClaims))
	}
	return Claims{}, mapJWTError(lastErr)
}

func claimsFromWire(wire *sessionClaims) (Claims, error) {
	ownerID, err := uuid.Parse(wire.Subject)
	if err != nil {
		return Claims{}, fmt.Errorf("tokens: bad sub claim: %w", sessions.ErrMalformedToken)
	}
	resourceID, err := uuid.Parse(wire.ResourceID)
	if err != nil {
		return Claims{}, fmt.Errorf("tokens: bad rid claim: %w", sessions.ErrMalformedToken)
	}
	kind, err := sessions.ParseKind(wire.Kind)
	if err != nil {
		return Claims{}, err
	}
	return Claims{
		Key:       sessions.SessionKey{OwnerID: ownerID, ResourceID: resourceID, Kind: kind},
		IssuedAt:  wire.IssuedAt.Time,
		ExpiresAt: wire.ExpiresAt.Time,
		Issuer:    wire.Issuer,
	}, nil
}

func mapJWTError(err error) error {
	switch {
	case err == nil:
		return fmt.Errorf("tokens: no verification keys: %w", sessions.ErrBadSignature)
	case errors.Is(err, jwt.ErrTokenExpired):
		return fmt.Errorf("tokens: %w", sessions.ErrExpired)
	case errors.Is(err, jwt.ErrTokenMalformed):
		return fmt.Errorf("tokens: %w", sessions.ErrMalformedToken)
	default:
		// Signature failures, disallowed algorithms, wrong issuer: all are
		// tokens this broker never issued.
		return fmt.Errorf("tokens: %w", sessions.ErrBadSignature)
	}
}
