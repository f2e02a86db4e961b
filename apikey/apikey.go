// Package apikey implements the opaque bearer credentials: signature-backed
// API keys and the legacy password-hashed token kind.
package apikey

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"authcore/keys"
)

const (
	// subjectLen is the byte length of the subject id prefix in every
	// cleartext.
	subjectLen = 16

	// minSecretLen is the smallest accepted secret-strength parameter.
	minSecretLen = 8

	// LongLivedSecretLen is the secret length used for long-lived tokens.
	LongLivedSecretLen = 24
)

var (
	// ErrFailedToParse is returned for presented strings that are not a
	// well-formed API key: not hex, or no bytes beyond the subject prefix.
	ErrFailedToParse = errors.New("apikey: failed to parse")

	// ErrVerification covers every signature failure, including malformed
	// signature encodings. Decode problems on presented material are
	// authentication failures, not panics.
	ErrVerification = errors.New("apikey: verification failed")
)

// Raw is the cleartext credential: 16-byte subject id followed by random
// bytes. It lives only in memory.
type Raw struct {
	cleartext []byte
}

// Signed is the persisted projection of a signed key. Key is the hex
// cleartext the caller presents; Signature is all the server stores for
// verification.
type Signed struct {
	Key       string
	Signature string
}

// Generate mints a fresh cleartext for the subject. n tunes secret strength:
// 24 for long-lived tokens, 8 or more for short ones.
func Generate(subject uuid.UUID, n int) (Raw, error) {
	if n < minSecretLen {
		return Raw{}, fmt.Errorf("apikey: secret length %d below minimum %d", n, minSecretLen)
	}
	buf := make([]byte, subjectLen+n)
	copy(buf, subject[:])
	if _, err := rand.Read(buf[subjectLen:]); err != nil {
		return Raw{}, fmt.Errorf("apikey: randomness unavailable: %w", err)
	}
	return Raw{cleartext: buf}, nil
}

// Parse accepts a presented bearer string. It must hex-decode to strictly
// more than the 16-byte subject prefix; anything else is ErrFailedToParse,
// never a silently empty key.
func Parse(s string) (Raw, error) {
	decoded, err := hex.DecodeString(s)
	if err != nil {
		return Raw{}, ErrFailedToParse
	}
	if len(decoded) <= subjectLen {
		return Raw{}, ErrFailedToParse
	}
	return Raw{cleartext: decoded}, nil
}

// Subject recovers the owning subject id from the cleartext prefix. No
// signer is needed for this.
func (r Raw) Subject() uuid.UUID {
	var id uuid.UUID
	copy(id[:], r.cleartext[:subjectLen])
	return id
}

// Key returns the hex encoding of the cleartext, the string handed to the
// caller as the bearer credential.
func (r Raw) Key() string {
	return hex.EncodeToString(r.cleartext)
}

// Sign asks the signer to sign the raw cleartext bytes (not the hex string)
// and returns the presentable key plus the hex signature to persist.
func (r Raw) Sign(signer keys.Signer) (Signed, error) {
	sig, err := signer.Sign(r.cleartext)
	if err != nil {
		return Signed{}, fmt.Errorf("apikey: sign: %w", err)
	}
	return Signed{
		Key:       hex.EncodeToString(r.cleartext),
		Signature: hex.EncodeToString(sig),
	}, nil
}

// Verify checks the stored hex signature against the presented cleartext.
func (r Raw) Verify(signer keys.Signer, hexSig string) error {
	sig, err := hex.DecodeString(hexSig)
	if err != nil {
		return ErrVerification
	}
	if err := signer.Verify(r.cleartext, sig); err != nil {
		return ErrVerification
	}
	return nil
}
