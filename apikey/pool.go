package apikey

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"
)

// Pool bounds the number of concurrent argon2 derivations. Hashing is
// deliberately expensive CPU work; without a bound a burst of legacy-token
// verifications would starve every other request.
type Pool struct {
	sem *semaphore.Weighted
}

// NewPool builds a pool allowing at most size concurrent derivations.
func NewPool(size int64) *Pool {
	if size <= 0 {
		size = 1
	}
	return &Pool{sem: semaphore.NewWeighted(size)}
}

// Verify runs VerifyHashed inside the pool. A cancelled context returns the
// context error rather than a silent false, so callers can tell load shedding
// apart from a bad credential.
func (p *Pool) Verify(ctx context.Context, storedHash, presented string) (bool, error) {
	// Acquire on an uncontended semaphore succeeds even with a dead
	// context, so check it first.
	if err := ctx.Err(); err != nil {
		return false, fmt.Errorf("apikey: hash pool: %w", err)
	}
	if err := p.sem.Acquire(ctx, 1); err != nil {
		return false, fmt.Errorf("apikey: hash pool: %w", err)
	}
	defer p.sem.Release(1)
	return VerifyHashed(storedHash, presented), nil
}

// Generate runs GenerateHashed inside the pool.
func (p *Pool) Generate(ctx context.Context, subject uuid.UUID, n int) (Hashed, error) {
	if err := ctx.Err(); err != nil {
		return Hashed{}, fmt.Errorf("apikey: hash pool: %w", err)
	}
	if err := p.sem.Acquire(ctx, 1); err != nil {
		return Hashed{}, fmt.Errorf("apikey: hash pool: %w", err)
	}
	defer p.sem.Release(1)
	return GenerateHashed(subject, n)
}
