package platformauth

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"errors"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

const issuer = "https://platform.example.com"

func newVerifier(t *testing.T, cfg Config, pub *rsa.PublicKey) *Verifier {
	t.Helper()
	if cfg.Issuer == "" {
		cfg.Issuer = issuer
	}
	v, err := NewWithKeyfunc(cfg, func(*jwt.Token) (any, error) { return pub, nil })
	if err != nil {
		t.Fatal(err)
	}
	return v
}

func signToken(t *testing.T, key *rsa.PrivateKey, claims jwt.RegisteredClaims) string {
	t.Helper()
	tok, err := jwt.NewWithClaims(jwt.SigningMethodRS256, claims).SignedString(key)
	if err != nil {
		t.Fatal(err)
	}
	return tok
}

func baseClaims(sub string) jwt.RegisteredClaims {
	now := time.Now()
	return jwt.RegisteredClaims{
		Subject:   sub,
		Issuer:    issuer,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(5 * time.Minute)),
	}
}

func TestVerifyCaller(t *testing.T) {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatal(err)
	}
	v := newVerifier(t, Config{}, &key.PublicKey)
	owner := uuid.New()

	got, err := v.VerifyCaller(context.Background(), signToken(t, key, baseClaims(owner.String())))
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if got != owner {
		t.Fatalf("owner = %s, want %s", got, owner)
	}
}

func TestVerifyCallerRejections(t *testing.T) {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatal(err)
	}
	otherKey, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatal(err)
	}
	v := newVerifier(t, Config{Audience: "sessiond"}, &key.PublicKey)
	owner := uuid.New()

	good := baseClaims(owner.String())
	good.Audience = jwt.ClaimStrings{"sessiond"}

	cases := map[string]string{
		"empty":     "",
		"malformed": "not.a.jwt",
	}
	{
		c := good
		c.Issuer = "https://evil.example.com"
		cases["wrong issuer"] = signToken(t, key, c)
	}
	{
		c := good
		c.Audience = jwt.ClaimStrings{"someone-else"}
		cases["wrong audience"] = signToken(t, key, c)
	}
	{
		c := good
		c.ExpiresAt = jwt.NewNumericDate(time.Now().Add(-10 * time.Minute))
		cases["expired"] = signToken(t, key, c)
	}
	{
		c := good
		c.Subject = "not-a-uuid"
		cases["non-uuid subject"] = signToken(t, key, c)
	}
	cases["foreign signature"] = signToken(t, otherKey, good)

	for name, tok := range cases {
		if _, err := v.VerifyCaller(context.Background(), tok); !errors.Is(err, ErrUnauthorized) {
			t.Fatalf("%s: want ErrUnauthorized, got %v", name, err)
		}
	}

	if _, err := v.VerifyCaller(context.Background(), signToken(t, key, good)); err != nil {
		t.Fatalf("control token rejected: %v", err)
	}
}

func TestHMACTokensAreRejected(t *testing.T) {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatal(err)
	}
	v := newVerifier(t, Config{}, &key.PublicKey)

	// An attacker must not be able to downgrade to a symmetric scheme.
	tok, err := jwt.NewWithClaims(jwt.SigningMethodHS256, baseClaims(uuid.NewString())).SignedString([]byte("guessable"))
	if err != nil {
		t.Fatal(err)
	}
	if _, err := v.VerifyCaller(context.Background(), tok); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("HS256 token: want ErrUnauthorized, got %v", err)
	}
}
