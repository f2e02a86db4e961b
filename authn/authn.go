// Package authn turns a presented credential of any supported shape into
// a resolved caller. It dispatches on the credential's syntax: signed API
// keys are hex, legacy hashed secrets are base64, access tokens are JWTs.
package authn

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/google/uuid"

	"authcore/apikey"
	"authcore/keys"
	"authcore/permission"
	"authcore/storage"
	"authcore/token"
)

var (
	// ErrNoToken means no credential was presented at all.
	ErrNoToken = errors.New("authn: no token")

	// ErrFailedToExtract means the presented value matches none of the
	// supported credential shapes.
	ErrFailedToExtract = errors.New("authn: failed to extract token")

	// ErrUnauthorized is the single rejection for every credential that
	// parsed but did not verify. Callers learn nothing about which check
	// failed.
	ErrUnauthorized = errors.New("authn: unauthorized")
)

// Kind is the syntactic shape of a presented credential.
type Kind string

const (
	KindSignedKey Kind = "signed_key"
	KindHashedKey Kind = "hashed_key"
	KindJWT       Kind = "jwt"
)

// BearerFromHeader extracts the credential from an Authorization header.
func BearerFromHeader(h string) (string, error) {
	if h == "" {
		return "", ErrNoToken
	}
	const prefix = "bearer "
	if len(h) <= len(prefix) || !strings.EqualFold(h[:len(prefix)], prefix) {
		return "", ErrFailedToExtract
	}
	tok := strings.TrimSpace(h[len(prefix):])
	if tok == "" {
		return "", ErrNoToken
	}
	return tok, nil
}

// Classify decides which credential shape a token is. JWTs are detected
// by their two dots, signed keys by hex, legacy secrets by base64.
func Classify(tok string) (Kind, error) {
	if tok == "" {
		return "", ErrNoToken
	}
	if strings.Count(tok, ".") == 2 {
		return KindJWT, nil
	}
	if _, err := apikey.Parse(tok); err == nil {
		return KindSignedKey, nil
	}
	if _, err := apikey.HashedSubject(tok); err == nil {
		return KindHashedKey, nil
	}
	return "", ErrFailedToExtract
}

// Authenticator resolves credentials against stored records and the
// process key set.
type Authenticator struct {
	store  storage.Store
	keys   *keys.KeySet
	codec  *token.Codec
	pool   *apikey.Pool
	logger *slog.Logger
}

// New builds an authenticator. pool bounds concurrent argon2 work.
func New(store storage.Store, ks *keys.KeySet, codec *token.Codec, pool *apikey.Pool, logger *slog.Logger) *Authenticator {
	return &Authenticator{store: store, keys: ks, codec: codec, pool: pool, logger: logger}
}

// Resolve authenticates a raw credential and returns the caller with its
// effective permissions. API key grants are stored contracted and expand
// here against the owning user's live set.
func (a *Authenticator) Resolve(ctx context.Context, raw string) (permission.Caller, error) {
	kind, err := Classify(raw)
	if err != nil {
		return permission.Caller{}, err
	}
	switch kind {
	case KindJWT:
		return a.resolveJWT(ctx, raw)
	case KindSignedKey:
		return a.resolveSignedKey(ctx, raw)
	case KindHashedKey:
		return a.resolveHashedKey(ctx, raw)
	default:
		return permission.Caller{}, ErrFailedToExtract
	}
}

func (a *Authenticator) resolveJWT(ctx context.Context, raw string) (permission.Caller, error) {
	claims, err := a.codec.Verify(raw)
	if err != nil {
		a.logger.Debug("jwt rejected", "error", err)
		return permission.Caller{}, ErrUnauthorized
	}
	subject, err := uuid.Parse(claims.Subject)
	if err != nil {
		return permission.Caller{}, ErrUnauthorized
	}
	user, err := a.store.GetAPIUser(ctx, subject)
	if err != nil {
		return permission.Caller{}, ErrUnauthorized
	}
	owner := permission.Caller{ID: user.ID, Permissions: user.Permissions}
	return permission.Caller{
		ID:          user.ID,
		Permissions: user.Permissions.Expand(owner),
	}, nil
}

func (a *Authenticator) resolveSignedKey(ctx context.Context, raw string) (permission.Caller, error) {
	key, err := apikey.Parse(raw)
	if err != nil {
		return permission.Caller{}, ErrUnauthorized
	}
	rec, err := a.store.GetAPIKey(ctx, key.Subject())
	if err != nil || rec.Kind != storage.KeySigned {
		return permission.Caller{}, ErrUnauthorized
	}
	signer, ok := a.keys.SignerFor(rec.Kid)
	if !ok {
		a.logger.Warn("api key references unknown signing key", "kid", rec.Kid)
		return permission.Caller{}, ErrUnauthorized
	}
	if err := key.Verify(signer, rec.Signature); err != nil {
		return permission.Caller{}, ErrUnauthorized
	}
	return a.callerForKey(ctx, rec)
}

func (a *Authenticator) resolveHashedKey(ctx context.Context, raw string) (permission.Caller, error) {
	subject, err := apikey.HashedSubject(raw)
	if err != nil {
		return permission.Caller{}, ErrUnauthorized
	}
	rec, err := a.store.GetAPIKey(ctx, subject)
	if err != nil || rec.Kind != storage.KeyHashed {
		return permission.Caller{}, ErrUnauthorized
	}
	ok, err := a.pool.Verify(ctx, rec.SecretHash, raw)
	if err != nil {
		return permission.Caller{}, fmt.Errorf("verify hashed key: %w", err)
	}
	if !ok {
		return permission.Caller{}, ErrUnauthorized
	}
	return a.callerForKey(ctx, rec)
}

// callerForKey expands the key's contracted grants against the owning
// user's current permissions. The caller id is the user's, not the
// key's: keys act on behalf of their owner.
func (a *Authenticator) callerForKey(ctx context.Context, rec storage.APIKeyRecord) (permission.Caller, error) {
	user, err := a.store.GetAPIUser(ctx, rec.UserID)
	if err != nil {
		return permission.Caller{}, ErrUnauthorized
	}
	owner := permission.Caller{ID: user.ID, Permissions: user.Permissions}
	return permission.Caller{
		ID:          user.ID,
		Permissions: rec.Permissions.Expand(owner),
	}, nil
}
