// Package platformauth verifies the platform-issued access tokens that
// callers present at the HTTP edge. These are the platform's own identity
// tokens (RS256, JWKS-published keys), entirely separate from the
// capability tokens the broker issues for sessions.
package platformauth

import (
	"context"
	"errors"
	"fmt"
	"time"

	keyfunc "github.com/MicahParks/keyfunc/v3"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// ErrUnauthorized indicates the access token failed validation and the
// request should be treated as unauthenticated.
var ErrUnauthorized = errors.New("platformauth: unauthorized")

// Config controls validation of platform access tokens.
type Config struct {
	// JWKSURL is the platform's published key set.
	JWKSURL string
	// Issuer must match the token's iss claim.
	Issuer string
	// Audience, when set, must appear in the token's aud claim.
	Audience string
	// AllowedAlgs defaults to RS256.
	AllowedAlgs []string
	// Leeway defaults to 60s.
	Leeway time.Duration
}

func (c *Config) applyDefaults() {
	if len(c.AllowedAlgs) == 0 {
		c.AllowedAlgs = []string{"RS256"}
	}
	if c.Leeway == 0 {
		c.Leeway = 60 * time.Second
	}
}

// Verifier checks platform access tokens and extracts the caller's owner
// id from the sub claim.
type Verifier struct {
	cfg     Config
	keyfunc jwt.Keyfunc
}

// New builds a verifier over the platform's JWKS endpoint. Keys are
// fetched eagerly and refreshed in the background.
func New(ctx context.Context, cfg Config) (*Verifier, error) {
	if cfg.Issuer == "" {
		return nil, errors.New("platformauth: issuer is required")
	}
	if cfg.JWKSURL == "" {
		return nil, errors.New("platformauth: jwks url is required")
	}
	cfg.applyDefaults()

	kf, err := keyfunc.NewDefaultCtx(ctx, []string{cfg.JWKSURL})
	if err != nil {
		return nil, fmt.Errorf("platformauth: jwks init: %w", err)
	}
	return &Verifier{cfg: cfg, keyfunc: kf.Keyfunc}, nil
}

// NewWithKeyfunc builds a verifier over a caller-supplied key resolver.
// Used by tests and by deployments that pin keys out of band.
func NewWithKeyfunc(cfg Config, kf jwt.Keyfunc) (*Verifier, error) {
	if cfg.Issuer == "" {
		return nil, errors.New("platformauth: issuer is required")
	}
	if kf == nil {
		return nil, errors.New("platformauth: keyfunc is required")
	}
	cfg.applyDefaults()
	return &Verifier{cfg: cfg, keyfunc: kf}, nil
}

// VerifyCaller validates the bearer token and returns the caller's owner
// id. All validation failures collapse to ErrUnauthorized.
func (v *Verifier) VerifyCaller(ctx context.Context, bearer string) (uuid.UUID, error) {
	if bearer == "" {
		return uuid.Nil, fmt.Errorf("%w: empty token", ErrUnauthorized)
	}

	opts := []jwt.ParserOption{
		jwt.WithValidMethods(v.cfg.AllowedAlgs),
		jwt.WithExpirationRequired(),
		jwt.WithIssuer(v.cfg.Issuer),
		jwt.WithLeeway(v.cfg.Leeway),
	}
	if v.cfg.Audience != "" {
		opts = append(opts, jwt.WithAudience(v.cfg.Audience))
	}

	var claims jwt.RegisteredClaims
	if _, err := jwt.NewParser(opts...).ParseWithClaims(bearer, &claims, v.keyfunc); err != nil {
		return uuid.Nil, fmt.Errorf("%w: %v", ErrUnauthorized, err)
	}
	owner, err := uuid.Parse(claims.Subject)
	if err != nil {
		return uuid.Nil, fmt.Errorf("%w: sub claim is not a UUID", ErrUnauthorized)
	}
	return owner, nil
}
