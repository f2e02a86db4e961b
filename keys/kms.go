package keys

import (
	"bytes"
	"crypto"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"encoding/json"
	"encoding/pem"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	"github.com/go-jose/go-jose/v3"
)

// ErrKMSUnavailable marks transport-level failures talking to the remote
// KMS. These are retryable internal errors, never credential failures.
var ErrKMSUnavailable = errors.New("keys: kms unavailable")

// KMSConfig references a key held in a remote KMS. The public half is loaded
// locally at startup for verification and JWKS exposure; only signing round
// trips to the service.
type KMSConfig struct {
	Endpoint      string        `yaml:"endpoint"`
	Key           string        `yaml:"key"`
	Version       string        `yaml:"version"`
	PublicPEMFile string        `yaml:"public_pem_file"`
	Timeout       time.Duration `yaml:"timeout"`
}

type kmsSigner struct {
	kid    string
	cfg    KMSConfig
	pub    *rsa.PublicKey
	client *http.Client
}

// NewKMSSigner builds a Signer whose private half lives in a remote KMS.
// Malformed public key material fails here, at load time.
func NewKMSSigner(kid string, cfg KMSConfig) (Signer, error) {
	if cfg.Endpoint == "" || cfg.Key == "" {
		return nil, errors.New("keys: kms endpoint and key required")
	}
	pub, err := loadRSAPublic(cfg.PublicPEMFile)
	if err != nil {
		return nil, err
	}
	if kid == "" {
		kid = deriveKid(pub)
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultKMSTimeout
	}
	return &kmsSigner{
		kid:    kid,
		cfg:    cfg,
		pub:    pub,
		client: &http.Client{Timeout: timeout},
	}, nil
}

func (s *kmsSigner) KeyID() string { return s.kid }

type kmsSignRequest struct {
	Key     string `json:"key"`
	Version string `json:"version,omitempty"`
	Digest  string `json:"digest"`
	Hash    string `json:"hash"`
}

type kmsSignResponse struct {
	Signature string `json:"signature"`
}

func (s *kmsSigner) Sign(data []byte) ([]byte, error) {
	digest := sha256.Sum256(data)
	body, err := json.Marshal(kmsSignRequest{
		Key:     s.cfg.Key,
		Version: s.cfg.Version,
		Digest:  base64.StdEncoding.EncodeToString(digest[:]),
		Hash:    "sha256",
	})
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequest(http.MethodPost, s.cfg.Endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrKMSUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		payload, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("%w: status %d: %s", ErrKMSUnavailable, resp.StatusCode, payload)
	}

	var out kmsSignResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("%w: decode response: %v", ErrKMSUnavailable, err)
	}
	sig, err := base64.StdEncoding.DecodeString(out.Signature)
	if err != nil {
		return nil, fmt.Errorf("%w: malformed signature", ErrKMSUnavailable)
	}
	return sig, nil
}

// Verify runs locally against the cached public key so repeated verify calls
// on the same input always agree regardless of KMS availability.
func (s *kmsSigner) Verify(data, sig []byte) error {
	digest := sha256.Sum256(data)
	if err := rsa.VerifyPKCS1v15(s.pub, crypto.SHA256, digest[:], sig); err != nil {
		return ErrVerification
	}
	return nil
}

func (s *kmsSigner) JWK() jose.JSONWebKey {
	return jose.JSONWebKey{
		Key:       s.pub,
		KeyID:     s.kid,
		Algorithm: string(jose.RS256),
		Use:       "sig",
	}
}

func loadRSAPublic(path string) (*rsa.PublicKey, error) {
	if path == "" {
		return nil, errors.New("keys: kms public_pem_file required")
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read public pem: %w", err)
	}
	block, _ := pem.Decode(raw)
	if block == nil {
		return nil, errors.New("no PEM block found")
	}
	parsed, err := x509.ParsePKIXPublicKey(block.Bytes)
	if err != nil {
		if pub, err1 := x509.ParsePKCS1PublicKey(block.Bytes); err1 == nil {
			return pub, nil
		}
		return nil, fmt.Errorf("parse public key: %w", err)
	}
	pub, ok := parsed.(*rsa.PublicKey)
	if !ok {
		return nil, errors.New("public key is not RSA")
	}
	return pub, nil
}
