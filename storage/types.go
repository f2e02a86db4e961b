package storage

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"

	"authcore/permission"
	"authcore/provider"
)

var (
	// ErrNotFound marks a lookup for a record that does not exist.
	ErrNotFound = errors.New("storage: not found")

	// ErrStateConflict marks a compare-and-swap transition whose
	// precondition state no longer holds. The losing caller must not
	// retry blindly.
	ErrStateConflict = errors.New("storage: attempt state conflict")
)

// AttemptState is the lifecycle state of a login attempt.
type AttemptState string

const (
	// AttemptNew is the state between redirecting the user to the
	// provider and receiving the provider callback.
	AttemptNew AttemptState = "new"
	// AttemptRemoteAuthenticated means the provider callback landed and
	// the attempt holds an unexchanged provider code.
	AttemptRemoteAuthenticated AttemptState = "remote_authenticated"
	// AttemptComplete is terminal: the code was exchanged for a token.
	AttemptComplete AttemptState = "complete"
	// AttemptFailed is terminal: the provider denied or the flow broke.
	AttemptFailed AttemptState = "failed"
)

// Attempt tracks one login flow from the initial redirect to the token
// exchange. CSRFSecret is compared against the provider state parameter;
// ClientState is the requesting client's own state, echoed back untouched.
type Attempt struct {
	ID           string        `json:"id"`
	State        AttemptState  `json:"state"`
	ClientID     string        `json:"client_id"`
	RedirectURI  string        `json:"redirect_uri"`
	ClientState  string        `json:"client_state,omitempty"`
	CSRFSecret   string        `json:"csrf_secret"`
	PKCEVerifier string        `json:"pkce_verifier,omitempty"`
	Provider     provider.Name `json:"provider"`
	Code         string        `json:"code,omitempty"`
	Error        string        `json:"error,omitempty"`
	CreatedAt    time.Time     `json:"created_at"`
	ExpiresAt    time.Time     `json:"expires_at"`
}

// Expired reports whether the attempt's window has passed.
func (a Attempt) Expired(now time.Time) bool {
	return now.After(a.ExpiresAt)
}

// OAuthClient is one registered relying client. Public clients carry no
// secret and may only drive flows that need none.
type OAuthClient struct {
	ID           string   `yaml:"client_id" json:"client_id"`
	Secret       string   `yaml:"client_secret" json:"-"`
	RedirectURIs []string `yaml:"redirect_uris" json:"redirect_uris"`
}

// Public reports whether the client has no secret configured.
func (c OAuthClient) Public() bool {
	return c.Secret == ""
}

// ValidRedirect ensures the redirect URI is registered and safe.
func (c OAuthClient) ValidRedirect(uri string) bool {
	if !isSafeRedirectURI(uri) {
		return false
	}
	for _, u := range c.RedirectURIs {
		if u == uri {
			return true
		}
	}
	return false
}

// isSafeRedirectURI blocks dangerous schemes and malformed URIs so a
// registered-but-sloppy pattern cannot become an open redirect.
func isSafeRedirectURI(uri string) bool {
	if uri == "" {
		return false
	}

	lower := strings.ToLower(uri)
	dangerousSchemes := []string{
		"javascript:",
		"data:",
		"file:",
		"vbscript:",
		"about:",
	}
	for _, scheme := range dangerousSchemes {
		if strings.HasPrefix(lower, scheme) {
			return false
		}
	}

	// Protocol-relative URLs could redirect anywhere.
	if strings.HasPrefix(uri, "//") {
		return false
	}

	idx := strings.Index(uri, "://")
	if idx == -1 {
		return false
	}
	scheme := uri[:idx]
	rest := uri[idx+3:]

	if scheme != "http" && scheme != "https" {
		return false
	}

	// Blocks user:pass@host and path@domain tricks.
	if strings.Contains(rest, "@") {
		return false
	}

	// Block fragments in the host part: http://evil.com#http://trusted/cb
	hostPart := rest
	if slashIdx := strings.Index(rest, "/"); slashIdx != -1 {
		hostPart = rest[:slashIdx]
	}
	return !strings.Contains(hostPart, "#")
}

// APIUser is one account backed by an external provider identity.
// Permissions hold the user's live grant set.
type APIUser struct {
	ID          uuid.UUID               `json:"id"`
	ExternalID  provider.ExternalUserID `json:"external_id"`
	Name        string                  `json:"name,omitempty"`
	Emails      []string                `json:"emails,omitempty"`
	Permissions permission.Set          `json:"permissions"`
	CreatedAt   time.Time               `json:"created_at"`
	UpdatedAt   time.Time               `json:"updated_at"`
}

// APIKeyKind distinguishes the two credential shapes a key record backs.
type APIKeyKind string

const (
	// KeySigned records carry a signature over the key cleartext.
	KeySigned APIKeyKind = "signed"
	// KeyHashed records carry an argon2id hash of a legacy secret.
	KeyHashed APIKeyKind = "hashed"
)

// APIKeyRecord is the stored side of an issued API key. ID is the key
// subject. Permissions are stored contracted and expanded at resolve time.
type APIKeyRecord struct {
	ID          uuid.UUID      `json:"id"`
	UserID      uuid.UUID      `json:"user_id"`
	Kind        APIKeyKind     `json:"kind"`
	Signature   string         `json:"signature,omitempty"`
	Kid         string         `json:"kid,omitempty"`
	SecretHash  string         `json:"secret_hash,omitempty"`
	Permissions permission.Set `json:"permissions"`
	CreatedAt   time.Time      `json:"created_at"`
}

// Store is the persistence surface shared by the login flow and the
// credential resolvers. Implementations are safe for concurrent use.
type Store interface {
	// SaveAttempt stores or replaces a login attempt.
	SaveAttempt(ctx context.Context, a Attempt) error
	// GetAttempt fetches an attempt by id.
	GetAttempt(ctx context.Context, id string) (Attempt, error)
	// TransitionAttempt applies mutate to the attempt only if it is
	// currently in state from. A mismatched state yields
	// ErrStateConflict; exactly one of two racing callers wins.
	TransitionAttempt(ctx context.Context, id string, from AttemptState, mutate func(*Attempt)) (Attempt, error)

	// UpsertAPIUser finds the account for an external identity, creating
	// it on first login. Name and emails are refreshed on every login;
	// the id and permission set survive.
	UpsertAPIUser(ctx context.Context, ext provider.ExternalUserID, name string, emails []string) (APIUser, error)
	// GetAPIUser fetches an account by id.
	GetAPIUser(ctx context.Context, id uuid.UUID) (APIUser, error)
	// SetAPIUserPermissions replaces the user's live grant set.
	SetAPIUserPermissions(ctx context.Context, id uuid.UUID, perms permission.Set) error

	// SaveAPIKey stores an issued key record.
	SaveAPIKey(ctx context.Context, rec APIKeyRecord) error
	// GetAPIKey fetches a key record by subject.
	GetAPIKey(ctx context.Context, id uuid.UUID) (APIKeyRecord, error)
	// DeleteAPIKey revokes a key record.
	DeleteAPIKey(ctx context.Context, id uuid.UUID) error

	// GetOAuthClient fetches a registered relying client.
	GetOAuthClient(ctx context.Context, id string) (OAuthClient, error)

	// Close releases the underlying resources.
	Close() error
}
