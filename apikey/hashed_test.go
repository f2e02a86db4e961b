package apikey

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/google/uuid"
)

func TestHashedRoundTrip(t *testing.T) {
	subject := uuid.New()
	tok, err := GenerateHashed(subject, LongLivedSecretLen)
	if err != nil {
		t.Fatalf("GenerateHashed: %v", err)
	}

	if !strings.HasPrefix(tok.Hash, "$argon2id$v=19$m=24576,t=6,p=2$") {
		t.Fatalf("unexpected hash format: %s", tok.Hash)
	}
	if !VerifyHashed(tok.Hash, tok.Secret) {
		t.Fatalf("freshly minted secret does not verify")
	}
	if VerifyHashed(tok.Hash, tok.Secret+"x") {
		t.Fatalf("mutated secret verified")
	}

	got, err := HashedSubject(tok.Secret)
	if err != nil {
		t.Fatalf("HashedSubject: %v", err)
	}
	if got != subject {
		t.Fatalf("subject = %v, want %v", got, subject)
	}
}

func TestHashedFreshSaltPerToken(t *testing.T) {
	subject := uuid.New()
	a, err := GenerateHashed(subject, 8)
	if err != nil {
		t.Fatalf("GenerateHashed: %v", err)
	}
	b, err := GenerateHashed(subject, 8)
	if err != nil {
		t.Fatalf("GenerateHashed: %v", err)
	}
	if a.Hash == b.Hash {
		t.Fatalf("two tokens share a hash; salt is not fresh")
	}
}

func TestVerifyHashedFailsClosed(t *testing.T) {
	malformed := []string{
		"",
		"plainly not a hash",
		"$argon2id$v=19$m=24576,t=6,p=2$onlyfourparts",
		"$argon2i$v=19$m=24576,t=6,p=2$c2FsdA$aGFzaA",  // wrong variant
		"$argon2id$v=18$m=24576,t=6,p=2$c2FsdA$aGFzaA", // wrong version
		"$argon2id$v=19$m=0,t=6,p=2$c2FsdA$aGFzaA",     // zero memory
		"$argon2id$v=19$m=24576,t=6,p=2$!!!$aGFzaA",    // bad salt b64
		"$argon2id$v=19$m=24576,t=6,p=2$c2FsdA$!!!",    // bad sum b64
	}
	for _, h := range malformed {
		if VerifyHashed(h, "whatever") {
			t.Fatalf("malformed hash %q verified", h)
		}
	}
}

func TestPoolVerify(t *testing.T) {
	tok, err := GenerateHashed(uuid.New(), 8)
	if err != nil {
		t.Fatalf("GenerateHashed: %v", err)
	}

	pool := NewPool(2)
	ok, err := pool.Verify(context.Background(), tok.Hash, tok.Secret)
	if err != nil {
		t.Fatalf("pool Verify: %v", err)
	}
	if !ok {
		t.Fatalf("pool Verify rejected a valid secret")
	}

	// An uncontended semaphore hands out slots regardless of context
	// state, so the pool must report cancellation itself.
	cancelled, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := pool.Verify(cancelled, tok.Hash, tok.Secret); !errors.Is(err, context.Canceled) {
		t.Fatalf("cancelled Verify: want context.Canceled, got %v", err)
	}
	if _, err := pool.Generate(cancelled, uuid.New(), 8); !errors.Is(err, context.Canceled) {
		t.Fatalf("cancelled Generate: want context.Canceled, got %v", err)
	}
}
