package sessions

import "errors"

// Sentinel errors shared by the registry, broker, executors and the HTTP
// layer. Callers discriminate with errors.Is; intermediate layers wrap with
// %w and never flatten these to strings.
var (
	// ErrAuthMismatch indicates the token's owner does not match the
	// authenticated caller. Always surfaced as a permission failure.
	ErrAuthMismatch = errors.New("session owner mismatch")

	// ErrMalformedToken indicates a structurally invalid capability token.
	ErrMalformedToken = errors.New("malformed session token")

	// ErrBadSignature indicates a token whose signature did not verify.
	ErrBadSignature = errors.New("invalid session token signature")

	// ErrExpired indicates the session (or its token) is past expiry.
	// Expiry is enforced at access time, not only at sweep time.
	ErrExpired = errors.New("session expired")

	// ErrNotFound indicates the token is unknown to this instance's
	// registry and, where consulted, to the metadata store.
	ErrNotFound = errors.New("session not found")

	// ErrWrongHostInstance indicates the session exists but its live handle
	// is owned by a different instance. A routing layer should redirect
	// rather than retry here.
	ErrWrongHostInstance = errors.New("session hosted by another instance")

	// ErrInvalidCredentials indicates the caller's resource descriptor is
	// structurally unusable (missing host, username, database, ...). A
	// caller error, never a broker or resource failure.
	ErrInvalidCredentials = errors.New("invalid resource credentials")

	// ErrConnectionFailure indicates the connect/authenticate step against
	// the target resource failed. Distinct from authorization failures
	// against the broker itself.
	ErrConnectionFailure = errors.New("resource connection failed")

	// ErrTimeout indicates a bounded operation exceeded its deadline. The
	// session itself remains intact.
	ErrTimeout = errors.New("operation timed out")

	// ErrConflict indicates a duplicate token on register. Tokens are unique
	// by construction, so this is a fatal bug signal: it is logged loudly
	// and the register is rejected rather than overwriting a live handle.
	ErrConflict = errors.New("duplicate session token")
)
