package keys

import (
	"crypto/rand"
	"crypto/rsa"
	"errors"
	"testing"
)

func newTestSigner(t *testing.T, kid string) Signer {
	t.Helper()
	priv, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	s, err := NewLocalSigner(kid, priv)
	if err != nil {
		t.Fatalf("NewLocalSigner: %v", err)
	}
	return s
}

func TestSignVerifyRoundTrip(t *testing.T) {
	s := newTestSigner(t, "a")
	msg := []byte("credential bytes")

	sig, err := s.Sign(msg)
	if err != nil {
		t.Fatalf("Sign: %v", err)
	}
	if err := s.Verify(msg, sig); err != nil {
		t.Fatalf("Verify: %v", err)
	}
	// Verification must agree on repeat calls.
	if err := s.Verify(msg, sig); err != nil {
		t.Fatalf("second Verify: %v", err)
	}
}

func TestVerifyRejectsOtherKey(t *testing.T) {
	a := newTestSigner(t, "a")
	b := newTestSigner(t, "b")
	msg := []byte("credential bytes")

	sig, err := a.Sign(msg)
	if err != nil {
		t.Fatalf("Sign: %v", err)
	}
	if err := b.Verify(msg, sig); !errors.Is(err, ErrVerification) {
		t.Fatalf("expected ErrVerification from foreign key, got %v", err)
	}
}

func TestNewKeySetRejectsEmpty(t *testing.T) {
	if _, err := NewKeySet(nil, -1); !errors.Is(err, ErrNoKeys) {
		t.Fatalf("expected ErrNoKeys, got %v", err)
	}
}

func TestKeySetLookupAndJWKS(t *testing.T) {
	a := newTestSigner(t, "key-a")
	b := newTestSigner(t, "key-b")
	ks, err := NewKeySet([]Signer{a, b}, 1)
	if err != nil {
		t.Fatalf("NewKeySet: %v", err)
	}

	if got := ks.Default().KeyID(); got != "key-b" {
		t.Fatalf("default kid = %q, want key-b", got)
	}
	if _, ok := ks.SignerFor("key-a"); !ok {
		t.Fatalf("expected key-a to resolve")
	}
	if _, ok := ks.SignerFor("missing"); ok {
		t.Fatalf("unexpected resolution for unknown kid")
	}

	jwks := ks.JWKS()
	if len(jwks.Keys) != 2 {
		t.Fatalf("jwks has %d keys, want 2", len(jwks.Keys))
	}
	for i := range jwks.Keys {
		k := &jwks.Keys[i]
		if !k.IsPublic() {
			t.Fatalf("jwks leaked private material for %q", k.KeyID)
		}
		if k.Use != "sig" {
			t.Fatalf("jwk use = %q, want sig", k.Use)
		}
	}
}

func TestKeySetReplace(t *testing.T) {
	a := newTestSigner(t, "old")
	ks, err := NewKeySet([]Signer{a}, 0)
	if err != nil {
		t.Fatalf("NewKeySet: %v", err)
	}

	if err := ks.Replace(nil, 0); !errors.Is(err, ErrNoKeys) {
		t.Fatalf("Replace with empty set should fail, got %v", err)
	}

	b := newTestSigner(t, "new")
	if err := ks.Replace([]Signer{b}, 0); err != nil {
		t.Fatalf("Replace: %v", err)
	}
	if _, ok := ks.SignerFor("old"); ok {
		t.Fatalf("old key still resolvable after replace")
	}
	if got := ks.Default().KeyID(); got != "new" {
		t.Fatalf("default kid = %q after replace", got)
	}
}
