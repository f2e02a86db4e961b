// Package keys loads the process signing keys and exposes them as Signer
// capabilities plus a public JWKS projection.
package keys

import (
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/hex"
	"encoding/pem"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/go-jose/go-jose/v3"
)

var (
	// ErrNoKeys is returned when a key set would contain no usable signing
	// keys. Callers must treat this as fatal and refuse to serve traffic.
	ErrNoKeys = errors.New("keys: no usable signing keys")

	// ErrVerification indicates a signature did not verify.
	ErrVerification = errors.New("keys: signature verification failed")
)

// Signer is the capability handed out per key: sign bytes, verify a
// signature, and expose the key's public JWK projection. A Signer is owned by
// the key that created it and is never shared across key identities.
type Signer interface {
	KeyID() string
	Sign(data []byte) ([]byte, error)
	Verify(data, sig []byte) error
	JWK() jose.JSONWebKey
}

// Config describes one asymmetric key: either local PEM material or a
// reference to a remote KMS key.
type Config struct {
	Kid     string     `yaml:"kid"`
	PEMFile string     `yaml:"pem_file"`
	KMS     *KMSConfig `yaml:"kms"`
	Default bool       `yaml:"default"`
}

// localSigner wraps an in-process RSA private key.
type localSigner struct {
	kid  string
	priv *rsa.PrivateKey
}

// NewLocalSigner builds a Signer around RSA key material already in memory.
func NewLocalSigner(kid string, priv *rsa.PrivateKey) (Signer, error) {
	if priv == nil {
		return nil, errors.New("keys: nil private key")
	}
	if err := priv.Validate(); err != nil {
		return nil, fmt.Errorf("keys: invalid key material: %w", err)
	}
	if kid == "" {
		kid = deriveKid(&priv.PublicKey)
	}
	return &localSigner{kid: kid, priv: priv}, nil
}

func (s *localSigner) KeyID() string { return s.kid }

func (s *localSigner) Sign(data []byte) ([]byte, error) {
	digest := sha256.Sum256(data)
	return rsa.SignPKCS1v15(rand.Reader, s.priv, crypto.SHA256, digest[:])
}

func (s *localSigner) Verify(data, sig []byte) error {
	digest := sha256.Sum256(data)
	if err := rsa.VerifyPKCS1v15(&s.priv.PublicKey, crypto.SHA256, digest[:], sig); err != nil {
		return ErrVerification
	}
	return nil
}

func (s *localSigner) JWK() jose.JSONWebKey {
	return jose.JSONWebKey{
		Key:       &s.priv.PublicKey,
		KeyID:     s.kid,
		Algorithm: string(jose.RS256),
		Use:       "sig",
	}
}

// KeySet holds every active signing key, keyed by kid. It is computed once at
// startup and handed to request handlers by reference; Replace is the only
// mutation and exists for explicit rotation.
type KeySet struct {
	mu     sync.RWMutex
	def    Signer
	byKid  map[string]Signer
	signed []Signer
}

// Load builds the KeySet from configuration. Malformed key material is fatal
// here, not at request time, and a resulting empty set is ErrNoKeys.
func Load(cfgs []Config) (*KeySet, error) {
	signers := make([]Signer, 0, len(cfgs))
	defaultIdx := -1
	for i, cfg := range cfgs {
		var (
			s   Signer
			err error
		)
		switch {
		case cfg.KMS != nil:
			s, err = NewKMSSigner(cfg.Kid, *cfg.KMS)
		case cfg.PEMFile != "":
			s, err = loadPEMSigner(cfg.Kid, cfg.PEMFile)
		default:
			err = errors.New("keys: key needs pem_file or kms")
		}
		if err != nil {
			return nil, fmt.Errorf("keys: load key %d: %w", i, err)
		}
		if cfg.Default {
			defaultIdx = len(signers)
		}
		signers = append(signers, s)
	}
	return NewKeySet(signers, defaultIdx)
}

// NewKeySet assembles a set from already-built signers. defaultIdx selects
// the signing key for new credentials; -1 picks the first.
func NewKeySet(signers []Signer, defaultIdx int) (*KeySet, error) {
	if len(signers) == 0 {
		return nil, ErrNoKeys
	}
	byKid := make(map[string]Signer, len(signers))
	for _, s := range signers {
		if s.KeyID() == "" {
			return nil, errors.New("keys: signer without kid")
		}
		if _, dup := byKid[s.KeyID()]; dup {
			return nil, fmt.Errorf("keys: duplicate kid %q", s.KeyID())
		}
		byKid[s.KeyID()] = s
	}
	if defaultIdx < 0 || defaultIdx >= len(signers) {
		defaultIdx = 0
	}
	return &KeySet{def: signers[defaultIdx], byKid: byKid, signed: signers}, nil
}

// Default returns the signer used for newly issued credentials.
func (ks *KeySet) Default() Signer {
	ks.mu.RLock()
	defer ks.mu.RUnlock()
	return ks.def
}

// SignerFor resolves a signer by exact kid match.
func (ks *KeySet) SignerFor(kid string) (Signer, bool) {
	ks.mu.RLock()
	defer ks.mu.RUnlock()
	s, ok := ks.byKid[kid]
	return s, ok
}

// JWKS exposes the public halves of every active key, one entry per kid.
// Private material never appears here.
func (ks *KeySet) JWKS() jose.JSONWebKeySet {
	ks.mu.RLock()
	defer ks.mu.RUnlock()
	set := jose.JSONWebKeySet{Keys: make([]jose.JSONWebKey, 0, len(ks.signed))}
	for _, s := range ks.signed {
		jwk := s.JWK()
		set.Keys = append(set.Keys, jwk.Public())
	}
	return set
}

// Replace swaps the whole key set under the lock. Rotation otherwise happens
// by restarting the process.
func (ks *KeySet) Replace(signers []Signer, defaultIdx int) error {
	next, err := NewKeySet(signers, defaultIdx)
	if err != nil {
		return err
	}
	ks.mu.Lock()
	ks.def = next.def
	ks.byKid = next.byKid
	ks.signed = next.signed
	ks.mu.Unlock()
	return nil
}

func loadPEMSigner(kid, path string) (Signer, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read pem: %w", err)
	}
	block, _ := pem.Decode(raw)
	if block == nil {
		return nil, errors.New("no PEM block found")
	}
	priv, err := parseRSAPrivate(block.Bytes)
	if err != nil {
		return nil, err
	}
	return NewLocalSigner(kid, priv)
}

func parseRSAPrivate(der []byte) (*rsa.PrivateKey, error) {
	if key, err := x509.ParsePKCS1PrivateKey(der); err == nil {
		return key, nil
	}
	parsed, err := x509.ParsePKCS8PrivateKey(der)
	if err != nil {
		return nil, fmt.Errorf("parse private key: %w", err)
	}
	priv, ok := parsed.(*rsa.PrivateKey)
	if !ok {
		return nil, errors.New("key is not RSA")
	}
	return priv, nil
}

// deriveKid produces a stable kid from the public modulus so a key loaded
// without an explicit kid keeps the same identity across restarts.
func deriveKid(pub *rsa.PublicKey) string {
	sum := sha256.Sum256(pub.N.Bytes())
	return hex.EncodeToString(sum[:6])
}

// defaultKMSTimeout bounds each remote signing call.
const defaultKMSTimeout = 5 * time.Second
