package apikey

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"golang.org/x/crypto/argon2"
)

// Argon2id parameters for newly minted hashed tokens. These are fixed:
// previously issued tokens must keep verifying bit-for-bit, so verification
// always re-derives with the parameters stored in the hash string, and new
// hashes always use exactly these values.
const (
	argonTime    = 6
	argonMemory  = 24 * 1024 // KiB, 24 MiB
	argonThreads = 2
	argonKeyLen  = 32
	argonSaltLen = 16
)

// Hashed is the legacy credential kind: the caller keeps Secret (base64 of
// id‖random), the server keeps only Hash.
type Hashed struct {
	Secret string
	Hash   string
}

// GenerateHashed mints a legacy password-hashed token for the subject. The
// secret is base64 of the same id‖random layout as signed keys; the stored
// hash is argon2id over that secret with a fresh random salt.
func GenerateHashed(subject uuid.UUID, n int) (Hashed, error) {
	raw, err := Generate(subject, n)
	if err != nil {
		return Hashed{}, err
	}
	secret := base64.StdEncoding.EncodeToString(raw.cleartext)

	salt := make([]byte, argonSaltLen)
	if _, err := rand.Read(salt); err != nil {
		return Hashed{}, fmt.Errorf("apikey: randomness unavailable: %w", err)
	}
	sum := argon2.IDKey([]byte(secret), salt, argonTime, argonMemory, argonThreads, argonKeyLen)

	hash := fmt.Sprintf("$argon2id$v=%d$m=%d,t=%d,p=%d$%s$%s",
		argon2.Version, argonMemory, argonTime, argonThreads,
		base64.RawStdEncoding.EncodeToString(salt),
		base64.RawStdEncoding.EncodeToString(sum))

	return Hashed{Secret: secret, Hash: hash}, nil
}

// HashedSubject recovers the subject id from a presented legacy secret.
func HashedSubject(secret string) (uuid.UUID, error) {
	decoded, err := base64.StdEncoding.DecodeString(secret)
	if err != nil || len(decoded) <= subjectLen {
		return uuid.UUID{}, ErrFailedToParse
	}
	var id uuid.UUID
	copy(id[:], decoded[:subjectLen])
	return id, nil
}

// VerifyHashed checks a presented secret against a stored argon2id hash
// string. Any malformed stored hash fails closed: the answer is false, never
// a panic or an error the caller could confuse with success.
func VerifyHashed(storedHash, presented string) bool {
	memory, time, threads, salt, sum, ok := decodeHash(storedHash)
	if !ok {
		return false
	}
	derived := argon2.IDKey([]byte(presented), salt, time, memory, threads, uint32(len(sum)))
	return subtle.ConstantTimeCompare(derived, sum) == 1
}

// decodeHash parses the standard $argon2id$v=..$m=..,t=..,p=..$salt$hash
// format, returning ok=false on any structural problem.
func decodeHash(h string) (memory, time uint32, threads uint8, salt, sum []byte, ok bool) {
	parts := strings.Split(h, "$")
	if len(parts) != 6 || parts[0] != "" || parts[1] != "argon2id" {
		return 0, 0, 0, nil, nil, false
	}

	var version int
	if _, err := fmt.Sscanf(parts[2], "v=%d", &version); err != nil || version != argon2.Version {
		return 0, 0, 0, nil, nil, false
	}

	var p uint32
	if _, err := fmt.Sscanf(parts[3], "m=%d,t=%d,p=%d", &memory, &time, &p); err != nil {
		return 0, 0, 0, nil, nil, false
	}
	if memory == 0 || time == 0 || p == 0 || p > 255 {
		return 0, 0, 0, nil, nil, false
	}
	threads = uint8(p)

	salt, err := base64.RawStdEncoding.DecodeString(parts[4])
	if err != nil || len(salt) == 0 {
		return 0, 0, 0, nil, nil, false
	}
	sum, err = base64.RawStdEncoding.DecodeString(parts[5])
	if err != nil || len(sum) == 0 {
		return 0, 0, 0, nil, nil, false
	}
	return memory, time, threads, salt, sum, true
}
