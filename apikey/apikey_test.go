package apikey

import (
	"crypto/rand"
	"crypto/rsa"
	"errors"
	"strings"
	"testing"

	"github.com/google/uuid"

	"authcore/keys"
)

func newTestSigner(t *testing.T, kid string) keys.Signer {
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

func TestGenerateSignVerify(t *testing.T) {
	signer := newTestSigner(t, "a")
	subject := uuid.New()

	raw, err := Generate(subject, LongLivedSecretLen)
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	signed, err := raw.Sign(signer)
	if err != nil {
		t.Fatalf("Sign: %v", err)
	}

	if err := raw.Verify(signer, signed.Signature); err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if raw.Subject() != subject {
		t.Fatalf("subject = %v, want %v", raw.Subject(), subject)
	}
}

func TestVerifyRejectsForeignSigner(t *testing.T) {
	a := newTestSigner(t, "a")
	b := newTestSigner(t, "b")

	raw, err := Generate(uuid.New(), LongLivedSecretLen)
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	signed, err := raw.Sign(a)
	if err != nil {
		t.Fatalf("Sign: %v", err)
	}
	if err := raw.Verify(b, signed.Signature); !errors.Is(err, ErrVerification) {
		t.Fatalf("expected ErrVerification under foreign signer, got %v", err)
	}
}

func TestGenerateMixesRandomness(t *testing.T) {
	signer := newTestSigner(t, "a")
	subject := uuid.New()

	first, err := Generate(subject, 8)
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	second, err := Generate(subject, 8)
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if first.Key() == second.Key() {
		t.Fatalf("two generated keys share cleartext")
	}

	s1, err := first.Sign(signer)
	if err != nil {
		t.Fatalf("Sign: %v", err)
	}
	s2, err := second.Sign(signer)
	if err != nil {
		t.Fatalf("Sign: %v", err)
	}
	if s1.Signature == s2.Signature {
		t.Fatalf("two keys for the same subject share a signature")
	}
}

func TestParseRejectsShortInput(t *testing.T) {
	cases := []string{
		"",
		"zz",                               // not hex
		strings.Repeat("ab", 8),            // 8 bytes
		strings.Repeat("ab", 16),           // exactly the id prefix
		strings.Repeat("ab", 16) + "a",     // odd-length hex
		strings.ToUpper("0g") + "00000000", // invalid hex digit
	}
	for _, in := range cases {
		if _, err := Parse(in); !errors.Is(err, ErrFailedToParse) {
			t.Fatalf("Parse(%q) = %v, want ErrFailedToParse", in, err)
		}
	}
}

func TestEndToEndRoundTripAndTamper(t *testing.T) {
	signer := newTestSigner(t, "a")
	subject := uuid.New()

	raw, err := Generate(subject, 8)
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	signed, err := raw.Sign(signer)
	if err != nil {
		t.Fatalf("Sign: %v", err)
	}

	presented, err := Parse(signed.Key)
	if err != nil {
		t.Fatalf("Parse round trip: %v", err)
	}
	if presented.Subject() != subject {
		t.Fatalf("round-tripped subject mismatch")
	}
	if err := presented.Verify(signer, signed.Signature); err != nil {
		t.Fatalf("Verify after round trip: %v", err)
	}

	// Flip one hex character of the presented key.
	tampered := []byte(signed.Key)
	if tampered[40] == 'a' {
		tampered[40] = 'b'
	} else {
		tampered[40] = 'a'
	}
	mutated, err := Parse(string(tampered))
	if err != nil {
		t.Fatalf("Parse tampered: %v", err)
	}
	if err := mutated.Verify(signer, signed.Signature); !errors.Is(err, ErrVerification) {
		t.Fatalf("tampered key verified: %v", err)
	}
}

func TestVerifyMalformedSignature(t *testing.T) {
	signer := newTestSigner(t, "a")
	raw, err := Generate(uuid.New(), 8)
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if err := raw.Verify(signer, "not-hex"); !errors.Is(err, ErrVerification) {
		t.Fatalf("malformed signature should fail verification, got %v", err)
	}
}
