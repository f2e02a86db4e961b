package token

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/rsa"
	"errors"
	"testing"
	"time"

	"github.com/go-jose/go-jose/v3"
	"github.com/golang-jwt/jwt/v5"

	"authcore/keys"
)

const testIssuer = "https://auth.test"

func newSigner(t *testing.T, kid string) keys.Signer {
	t.Helper()
	priv, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	s, err := keys.NewLocalSigner(kid, priv)
	if err != nil {
		t.Fatalf("NewLocalSigner: %v", err)
	}
	return s
}

func newKeySet(t *testing.T, signers ...keys.Signer) *keys.KeySet {
	t.Helper()
	ks, err := keys.NewKeySet(signers, 0)
	if err != nil {
		t.Fatalf("NewKeySet: %v", err)
	}
	return ks
}

func testClaims(sub string) Claims {
	now := time.Now()
	return Claims{
		Scopes: []string{"documents:get", "documents:update:self"},
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   sub,
			Audience:  jwt.ClaimStrings{"client-1"},
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now.Add(-time.Minute)),
			ExpiresAt: jwt.NewNumericDate(now.Add(10 * time.Minute)),
			ID:        "jti-1",
		},
	}
}

func TestSignVerifyRoundTrip(t *testing.T) {
	ks := newKeySet(t, newSigner(t, "a"))
	codec := NewCodec(ks, testIssuer)

	raw, err := codec.Sign(testClaims("user-1"))
	if err != nil {
		t.Fatalf("Sign: %v", err)
	}

	claims, err := codec.Verify(raw)
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if claims.Subject != "user-1" {
		t.Fatalf("subject = %q", claims.Subject)
	}
	if claims.Issuer != testIssuer {
		t.Fatalf("issuer = %q", claims.Issuer)
	}
	if len(claims.Scopes) != 2 {
		t.Fatalf("scopes = %v", claims.Scopes)
	}
}

func TestVerifyFailsUnderDifferentKeySet(t *testing.T) {
	signerA := newSigner(t, "a")
	codecA := NewCodec(newKeySet(t, signerA), testIssuer)

	raw, err := codecA.Sign(testClaims("user-1"))
	if err != nil {
		t.Fatalf("Sign: %v", err)
	}

	// A key set containing only key B has no entry for kid "a".
	codecB := NewCodec(newKeySet(t, newSigner(t, "b")), testIssuer)
	_, err = codecB.Verify(raw)
	if !errors.Is(err, ErrDecode) {
		t.Fatalf("expected ErrDecode, got %v", err)
	}
	if !errors.Is(err, ErrNoMatchingKey) {
		t.Fatalf("expected ErrNoMatchingKey cause, got %v", err)
	}
}

// nonRSASigner presents an Ed25519 JWK to exercise the RSA-only check.
type nonRSASigner struct {
	kid string
	pub ed25519.PublicKey
}

func (s nonRSASigner) KeyID() string              { return s.kid }
func (s nonRSASigner) Sign([]byte) ([]byte, error) { return nil, errors.New("unused") }
func (s nonRSASigner) Verify([]byte, []byte) error { return errors.New("unused") }
func (s nonRSASigner) JWK() jose.JSONWebKey {
	return jose.JSONWebKey{Key: s.pub, KeyID: s.kid, Use: "sig"}
}

func TestVerifyRejectsNonRSAKey(t *testing.T) {
	signerA := newSigner(t, "a")
	codecA := NewCodec(newKeySet(t, signerA), testIssuer)
	raw, err := codecA.Sign(testClaims("user-1"))
	if err != nil {
		t.Fatalf("Sign: %v", err)
	}

	pub, _, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("ed25519: %v", err)
	}
	ks := newKeySet(t, nonRSASigner{kid: "a", pub: pub})
	_, err = NewCodec(ks, testIssuer).Verify(raw)
	if !errors.Is(err, ErrUnsupportedAlgorithm) {
		t.Fatalf("expected ErrUnsupportedAlgorithm, got %v", err)
	}
	if !errors.Is(err, ErrDecode) {
		t.Fatalf("unsupported algorithm must still be an ErrDecode, got %v", err)
	}
}

func TestVerifyMissingKid(t *testing.T) {
	ks := newKeySet(t, newSigner(t, "a"))
	codec := NewCodec(ks, testIssuer)

	// A token minted by plain golang-jwt carries no kid header.
	priv, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	raw, err := jwt.NewWithClaims(jwt.SigningMethodRS256, testClaims("user-1")).SignedString(priv)
	if err != nil {
		t.Fatalf("SignedString: %v", err)
	}

	_, err = codec.Verify(raw)
	if !errors.Is(err, ErrMissingKid) || !errors.Is(err, ErrDecode) {
		t.Fatalf("expected ErrMissingKid in ErrDecode, got %v", err)
	}
}

func TestVerifyExpired(t *testing.T) {
	ks := newKeySet(t, newSigner(t, "a"))
	codec := NewCodec(ks, testIssuer)

	claims := testClaims("user-1")
	claims.ExpiresAt = jwt.NewNumericDate(time.Now().Add(-time.Minute))
	raw, err := codec.Sign(claims)
	if err != nil {
		t.Fatalf("Sign: %v", err)
	}
	if _, err := codec.Verify(raw); !errors.Is(err, ErrDecode) {
		t.Fatalf("expired token verified: %v", err)
	}
}

func TestVerifyTamperedPayload(t *testing.T) {
	ks := newKeySet(t, newSigner(t, "a"))
	codec := NewCodec(ks, testIssuer)

	raw, err := codec.Sign(testClaims("user-1"))
	if err != nil {
		t.Fatalf("Sign: %v", err)
	}
	tampered := []byte(raw)
	mid := len(tampered) / 2
	if tampered[mid] == 'A' {
		tampered[mid] = 'B'
	} else {
		tampered[mid] = 'A'
	}
	if _, err := codec.Verify(string(tampered)); !errors.Is(err, ErrDecode) {
		t.Fatalf("tampered token verified: %v", err)
	}
}

func TestVerifyGarbage(t *testing.T) {
	ks := newKeySet(t, newSigner(t, "a"))
	codec := NewCodec(ks, testIssuer)
	for _, in := range []string{"", "abc", "a.b", "a.b.c.d"} {
		if _, err := codec.Verify(in); !errors.Is(err, ErrDecode) {
			t.Fatalf("Verify(%q) = %v, want ErrDecode", in, err)
		}
	}
}
