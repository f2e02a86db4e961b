// Package provider holds the closed registry of third-party OAuth providers
// and the uniform operations the login flows need from them: authorize URLs,
// code exchange, device-code proxying, and identity fetch.
package provider

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"golang.org/x/oauth2"
	githubep "golang.org/x/oauth2/github"
	googleep "golang.org/x/oauth2/google"
	"golang.org/x/time/rate"
)

// Name identifies a provider. The set is fixed at compile time; there is no
// open extensibility.
type Name string

// Providers.
const (
	GitHub Name = "github"
	Google Name = "google"
)

// ClientType selects which credential pair a flow uses.
type ClientType string

// Client types.
const (
	ClientWeb    ClientType = "web"
	ClientDevice ClientType = "device"
)

var (
	// ErrUnknownProvider is returned for names outside the registry or
	// providers without configured credentials.
	ErrUnknownProvider = errors.New("provider: unknown or unconfigured provider")

	// ErrUpstream marks transport failures and malformed provider
	// responses. Retryable, and never a credential-verification failure.
	ErrUpstream = errors.New("provider: upstream failure")
)

// Credentials is one client id/secret pair registered with a provider.
type Credentials struct {
	ClientID     string `yaml:"client_id"`
	ClientSecret string `yaml:"client_secret"`
}

// Config carries the per-provider credentials from configuration.
type Config struct {
	Web    Credentials `yaml:"web"`
	Device Credentials `yaml:"device"`
}

// Info is the public descriptor of a provider handed to clients driving the
// device flow themselves. It never contains secrets.
type Info struct {
	Provider      Name     `json:"provider"`
	ClientID      string   `json:"client_id"`
	Scopes        []string `json:"scopes"`
	AuthURL       string   `json:"auth_url"`
	TokenURL      string   `json:"token_url"`
	DeviceCodeURL string   `json:"device_code_url"`
}

// ExternalUserID is the provider-qualified identity of an external user.
type ExternalUserID struct {
	Provider Name   `json:"provider"`
	ID       string `json:"id"`
}

func (e ExternalUserID) String() string {
	return string(e.Provider) + ":" + e.ID
}

// UserInfo is the normalized identity a provider returns for one login:
// the external id plus verified email addresses. Ephemeral.
type UserInfo struct {
	ExternalID ExternalUserID
	Name       string
	Emails     []string
}

// meta is the static per-provider metadata table.
type meta struct {
	scopes       []string
	endpoint     oauth2.Endpoint
	deviceURL    string
	userURL      string
	emailsURL    string
	issuer       string
	supportsPKCE bool
}

var table = map[Name]meta{
	GitHub: {
		scopes:    []string{"read:user", "user:email"},
		endpoint:  githubep.Endpoint,
		deviceURL: "https://github.com/login/device/code",
		userURL:   "https://api.github.com/user",
		emailsURL: "https://api.github.com/user/emails",
	},
	Google: {
		scopes:       []string{"openid", "email", "profile"},
		endpoint:     googleep.Endpoint,
		deviceURL:    "https://oauth2.googleapis.com/device/code",
		issuer:       "https://accounts.google.com",
		supportsPKCE: true,
	},
}

const outboundTimeout = 10 * time.Second

// Registry resolves provider metadata and performs the per-login HTTP
// calls. It is populated once at startup and does no other I/O.
type Registry struct {
	creds   map[Name]Config
	client  *http.Client
	limiter *rate.Limiter
	logger  *slog.Logger

	google googleVerifier
}

// NewRegistry builds the registry from configuration. Outbound calls share
// one timeout-bounded client and a local rate limit.
func NewRegistry(creds map[Name]Config, logger *slog.Logger) *Registry {
	r := &Registry{
		creds:   make(map[Name]Config, len(creds)),
		client:  &http.Client{Timeout: outboundTimeout},
		limiter: rate.NewLimiter(50, 100),
		logger:  logger,
	}
	for name, cfg := range creds {
		if _, known := table[name]; known {
			r.creds[name] = cfg
		} else {
			logger.Warn("ignoring credentials for unknown provider", "provider", name)
		}
	}
	return r
}

// Enabled reports whether the provider is known and has web credentials.
func (r *Registry) Enabled(n Name) bool {
	cfg, ok := r.creds[n]
	return ok && cfg.Web.ClientID != ""
}

// SupportsPKCE reports whether the provider's authorize endpoint accepts a
// PKCE challenge.
func (r *Registry) SupportsPKCE(n Name) bool {
	m, ok := table[n]
	return ok && m.supportsPKCE
}

// Scopes returns the scopes requested from the provider.
func (r *Registry) Scopes(n Name) []string {
	m, ok := table[n]
	if !ok {
		return nil
	}
	out := make([]string, len(m.scopes))
	copy(out, m.scopes)
	return out
}

// Info returns the public descriptor for the given client type.
func (r *Registry) Info(n Name, ct ClientType) (Info, error) {
	m, ok := table[n]
	if !ok {
		return Info{}, ErrUnknownProvider
	}
	cred, err := r.credentials(n, ct)
	if err != nil {
		return Info{}, err
	}
	return Info{
		Provider:      n,
		ClientID:      cred.ClientID,
		Scopes:        r.Scopes(n),
		AuthURL:       m.endpoint.AuthURL,
		TokenURL:      m.endpoint.TokenURL,
		DeviceCodeURL: m.deviceURL,
	}, nil
}

func (r *Registry) credentials(n Name, ct ClientType) (Credentials, error) {
	cfg, ok := r.creds[n]
	if !ok {
		return Credentials{}, ErrUnknownProvider
	}
	cred := cfg.Web
	if ct == ClientDevice {
		cred = cfg.Device
	}
	if cred.ClientID == "" {
		return Credentials{}, fmt.Errorf("%w: no %s client for %s", ErrUnknownProvider, ct, n)
	}
	return cred, nil
}

// oauthConfig assembles the x/oauth2 config for the web client.
func (r *Registry) oauthConfig(n Name, redirectURL string) (*oauth2.Config, error) {
	m, ok := table[n]
	if !ok {
		return nil, ErrUnknownProvider
	}
	cred, err := r.credentials(n, ClientWeb)
	if err != nil {
		return nil, err
	}
	return &oauth2.Config{
		ClientID:     cred.ClientID,
		ClientSecret: cred.ClientSecret,
		RedirectURL:  redirectURL,
		Endpoint:     m.endpoint,
		Scopes:       m.scopes,
	}, nil
}

// AuthCodeURL builds the provider authorize URL carrying the CSRF state and,
// when the provider supports it, the S256 PKCE challenge.
func (r *Registry) AuthCodeURL(n Name, redirectURL, state, pkceVerifier string) (string, error) {
	cfg, err := r.oauthConfig(n, redirectURL)
	if err != nil {
		return "", err
	}
	var opts []oauth2.AuthCodeOption
	if pkceVerifier != "" && r.SupportsPKCE(n) {
		opts = append(opts, oauth2.S256ChallengeOption(pkceVerifier))
	}
	return cfg.AuthCodeURL(state, opts...), nil
}
