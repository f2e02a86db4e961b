// Package token builds and verifies the internally issued RS256 JWTs.
// Verification resolves the public key from the active key set by kid.
package token

import (
	"crypto/rsa"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/golang-jwt/jwt/v5"

	"authcore/keys"
)

// Verification failures are collapsed into ErrDecode before they reach a
// network caller; the specific sentinels stay available to server logs and
// tests through errors.Is.
var (
	ErrDecode               = errors.New("token: decode failed")
	ErrMissingKid           = errors.New("token: header missing kid")
	ErrNoMatchingKey        = errors.New("token: no matching key")
	ErrUnsupportedAlgorithm = errors.New("token: unsupported key algorithm")
)

// Claims are created at signing time and never mutated; verified and
// discarded at request time.
type Claims struct {
	Scopes []string `json:"scp,omitempty"`
	jwt.RegisteredClaims
}

// KeyResolver is the slice of the key set the codec needs.
type KeyResolver interface {
	Default() keys.Signer
	SignerFor(kid string) (keys.Signer, bool)
}

// Codec signs and verifies JWTs against the process key set.
type Codec struct {
	keys   KeyResolver
	issuer string
}

// NewCodec builds a codec. issuer is stamped into every minted token and
// required back on verification.
func NewCodec(resolver KeyResolver, issuer string) *Codec {
	return &Codec{keys: resolver, issuer: issuer}
}

// Sign mints a token under the default signing key.
func (c *Codec) Sign(claims Claims) (string, error) {
	return c.SignWith(c.keys.Default(), claims)
}

// SignWith assembles header.payload, signs the ASCII message bytes through
// the owning signer, and appends the base64url signature. The signature runs
// through the Signer capability rather than jwt.SignedString so KMS-held keys
// work without private material in-process.
func (c *Codec) SignWith(signer keys.Signer, claims Claims) (string, error) {
	claims.Issuer = c.issuer

	header, err := json.Marshal(map[string]string{
		"typ": "JWT",
		"alg": jwt.SigningMethodRS256.Alg(),
		"kid": signer.KeyID(),
	})
	if err != nil {
		return "", err
	}
	payload, err := json.Marshal(claims)
	if err != nil {
		return "", err
	}

	msg := base64.RawURLEncoding.EncodeToString(header) + "." + base64.RawURLEncoding.EncodeToString(payload)
	sig, err := signer.Sign([]byte(msg))
	if err != nil {
		return "", fmt.Errorf("token: sign: %w", err)
	}
	return msg + "." + base64.RawURLEncoding.EncodeToString(sig), nil
}

// Verify parses and validates a presented token. Every structural,
// cryptographic, or claim failure wraps ErrDecode so the dispatcher cannot
// leak which check failed.
func (c *Codec) Verify(raw string) (*Claims, error) {
	kid, err := unverifiedKid(raw)
	if err != nil {
		return nil, err
	}

	keyfunc := func(*jwt.Token) (any, error) {
		signer, ok := c.keys.SignerFor(kid)
		if !ok {
			return nil, ErrNoMatchingKey
		}
		jwk := signer.JWK()
		pub, ok := jwk.Public().Key.(*rsa.PublicKey)
		if !ok {
			return nil, ErrUnsupportedAlgorithm
		}
		return pub, nil
	}

	parsed, err := jwt.ParseWithClaims(raw, &Claims{}, keyfunc,
		jwt.WithValidMethods([]string{jwt.SigningMethodRS256.Alg()}),
		jwt.WithIssuer(c.issuer),
	)
	if err != nil {
		// Keep the sentinel visible for logs/tests, behind ErrDecode.
		if errors.Is(err, ErrNoMatchingKey) || errors.Is(err, ErrUnsupportedAlgorithm) {
			return nil, fmt.Errorf("%w: %w", ErrDecode, err)
		}
		return nil, fmt.Errorf("%w: %v", ErrDecode, err)
	}
	claims, ok := parsed.Claims.(*Claims)
	if !ok || !parsed.Valid {
		return nil, ErrDecode
	}
	return claims, nil
}

// unverifiedKid reads the kid from the unverified header. The header is the
// only part inspected before signature verification.
func unverifiedKid(raw string) (string, error) {
	parts := strings.Split(raw, ".")
	if len(parts) != 3 {
		return "", fmt.Errorf("%w: malformed token", ErrDecode)
	}
	headerJSON, err := base64.RawURLEncoding.DecodeString(parts[0])
	if err != nil {
		return "", fmt.Errorf("%w: malformed header", ErrDecode)
	}
	var header struct {
		Kid string `json:"kid"`
	}
	if err := json.Unmarshal(headerJSON, &header); err != nil {
		return "", fmt.Errorf("%w: malformed header", ErrDecode)
	}
	if header.Kid == "" {
		return "", fmt.Errorf("%w: %w", ErrDecode, ErrMissingKid)
	}
	return header.Kid, nil
}
