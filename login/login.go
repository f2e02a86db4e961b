// Package login drives the provider-backed login flow: it hands out the
// provider redirect, absorbs the callback, and exchanges the resulting
// code for an internally minted access token.
package login

import (
	"context"
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"golang.org/x/oauth2"

	"authcore/provider"
	"authcore/storage"
	"authcore/token"
)

var (
	// ErrInvalidClient marks unknown clients or failed client
	// authentication.
	ErrInvalidClient = errors.New("login: invalid client")

	// ErrInvalidRedirect marks a redirect URI the client did not register.
	ErrInvalidRedirect = errors.New("login: invalid redirect uri")

	// ErrUnauthorized is the deliberately uninformative rejection for
	// callbacks that fail the CSRF check or reference no live attempt.
	// Callers must not redirect on it.
	ErrUnauthorized = errors.New("login: unauthorized")

	// ErrInvalidGrant marks an exchange the attempt cannot satisfy:
	// wrong client, wrong state, expired, or already consumed.
	ErrInvalidGrant = errors.New("login: invalid grant")
)

// Clock the token expiry against the provider's with room for skew.
const upstreamExpiryMargin = 30 * time.Second

// IdentityBroker is the slice of the provider registry the orchestrator
// drives.
type IdentityBroker interface {
	Enabled(n provider.Name) bool
	SupportsPKCE(n provider.Name) bool
	Info(n provider.Name, ct provider.ClientType) (provider.Info, error)
	AuthCodeURL(n provider.Name, redirectURL, state, pkceVerifier string) (string, error)
	Exchange(ctx context.Context, n provider.Name, code, redirectURL, pkceVerifier string) (*oauth2.Token, error)
	FetchIdentity(ctx context.Context, n provider.Name, tok *oauth2.Token) (provider.UserInfo, error)
	DeviceExchange(ctx context.Context, n provider.Name, deviceCode string) (provider.DeviceExchangeResult, error)
}

// Orchestrator owns the login attempt lifecycle.
type Orchestrator struct {
	store       storage.Store
	broker      IdentityBroker
	codec       *token.Codec
	attemptTTL  time.Duration
	accessTTL   time.Duration
	callbackURL string
	logger      *slog.Logger
}

// New builds an orchestrator. callbackURL is this service's own provider
// callback endpoint, registered with every provider.
func New(store storage.Store, broker IdentityBroker, codec *token.Codec, attemptTTL, accessTTL time.Duration, callbackURL string, logger *slog.Logger) *Orchestrator {
	return &Orchestrator{
		store:       store,
		broker:      broker,
		codec:       codec,
		attemptTTL:  attemptTTL,
		accessTTL:   accessTTL,
		callbackURL: callbackURL,
		logger:      logger,
	}
}

// StartRequest begins a login for one client against one provider. State
// is the client's own opaque value, echoed back on the final redirect.
type StartRequest struct {
	ClientID    string
	RedirectURI string
	Provider    provider.Name
	State       string
}

// StartResult carries the provider redirect and the attempt handle the
// transport binds to the browser.
type StartResult struct {
	AttemptID   string
	RedirectURL string
	ExpiresAt   time.Time
}

// Start validates the client, records a new attempt, and builds the
// provider authorization URL. The state parameter sent to the provider is
// a per-attempt CSRF secret, never the client's state.
func (o *Orchestrator) Start(ctx context.Context, req StartRequest) (StartResult, error) {
	client, err := o.store.GetOAuthClient(ctx, req.ClientID)
	if err != nil {
		return StartResult{}, ErrInvalidClient
	}
	if !client.ValidRedirect(req.RedirectURI) {
		return StartResult{}, ErrInvalidRedirect
	}
	if !o.broker.Enabled(req.Provider) {
		return StartResult{}, provider.ErrUnknownProvider
	}

	secret, err := newSecret()
	if err != nil {
		return StartResult{}, err
	}
	var verifier string
	if o.broker.SupportsPKCE(req.Provider) {
		verifier = oauth2.GenerateVerifier()
	}

	now := time.Now().UTC()
	a := storage.Attempt{
		ID:           uuid.NewString(),
		State:        storage.AttemptNew,
		ClientID:     req.ClientID,
		RedirectURI:  req.RedirectURI,
		ClientState:  req.State,
		CSRFSecret:   secret,
		PKCEVerifier: verifier,
		Provider:     req.Provider,
		CreatedAt:    now,
		ExpiresAt:    now.Add(o.attemptTTL),
	}
	if err := o.store.SaveAttempt(ctx, a); err != nil {
		return StartResult{}, fmt.Errorf("save attempt: %w", err)
	}

	redirect, err := o.broker.AuthCodeURL(req.Provider, o.callbackURL, secret, verifier)
	if err != nil {
		return StartResult{}, err
	}
	o.logger.Info("login started",
		"attempt_id", a.ID,
		"client_id", req.ClientID,
		"provider", req.Provider)
	return StartResult{AttemptID: a.ID, RedirectURL: redirect, ExpiresAt: a.ExpiresAt}, nil
}

// CallbackRequest is the provider's answer: either a code or an error,
// plus the state parameter it echoes back.
type CallbackRequest struct {
	AttemptID        string
	State            string
	Code             string
	ErrorCode        string
	ErrorDescription string
}

// CallbackResult is where to send the browser next.
type CallbackResult struct {
	RedirectURL string
}

// Callback absorbs the provider redirect. A state mismatch or unknown
// attempt is rejected with ErrUnauthorized and no redirect at all; the
// caller must not leak where the client wanted to go.
func (o *Orchestrator) Callback(ctx context.Context, req CallbackRequest) (CallbackResult, error) {
	a, err := o.store.GetAttempt(ctx, req.AttemptID)
	if err != nil {
		return CallbackResult{}, ErrUnauthorized
	}
	if subtle.ConstantTimeCompare([]byte(req.State), []byte(a.CSRFSecret)) != 1 {
		o.logger.Warn("callback state mismatch", "attempt_id", a.ID)
		return CallbackResult{}, ErrUnauthorized
	}

	if req.ErrorCode != "" || req.Code == "" {
		code := req.ErrorCode
		if code == "" {
			code = "access_denied"
		}
		if _, err := o.store.TransitionAttempt(ctx, a.ID, storage.AttemptNew, func(a *storage.Attempt) {
			a.State = storage.AttemptFailed
			a.Error = code
		}); err != nil {
			return CallbackResult{}, ErrUnauthorized
		}
		o.logger.Info("login failed at provider", "attempt_id", a.ID, "error", code)
		return CallbackResult{RedirectURL: errorRedirect(a, code, req.ErrorDescription)}, nil
	}

	a, err = o.store.TransitionAttempt(ctx, a.ID, storage.AttemptNew, func(a *storage.Attempt) {
		a.State = storage.AttemptRemoteAuthenticated
		a.Code = req.Code
	})
	if err != nil {
		// A second callback for the same attempt lost the race.
		return CallbackResult{}, ErrUnauthorized
	}

	return CallbackResult{RedirectURL: successRedirect(a)}, nil
}

// ExchangeRequest trades the attempt id handed out at callback time for
// an access token. Code is the attempt id.
type ExchangeRequest struct {
	ClientID     string
	ClientSecret string
	RedirectURI  string
	Code         string
}

// TokenResponse is the minted access token.
type TokenResponse struct {
	AccessToken string `json:"access_token"`
	TokenType   string `json:"token_type"`
	ExpiresIn   int64  `json:"expires_in"`
}

// Exchange completes a login. Every local precondition is checked before
// any provider round trip, and the attempt is claimed with a
// compare-and-swap so concurrent exchanges of one code yield exactly one
// token.
func (o *Orchestrator) Exchange(ctx context.Context, req ExchangeRequest) (TokenResponse, error) {
	client, err := o.authenticateClient(ctx, req.ClientID, req.ClientSecret)
	if err != nil {
		return TokenResponse{}, err
	}

	a, err := o.store.GetAttempt(ctx, req.Code)
	if err != nil {
		return TokenResponse{}, ErrInvalidGrant
	}
	switch {
	case a.ClientID != client.ID:
		return TokenResponse{}, ErrInvalidGrant
	case a.RedirectURI != req.RedirectURI:
		return TokenResponse{}, ErrInvalidGrant
	case a.State != storage.AttemptRemoteAuthenticated:
		return TokenResponse{}, ErrInvalidGrant
	case a.Expired(time.Now()):
		return TokenResponse{}, ErrInvalidGrant
	}

	// Claim the attempt before touching the provider so a racing
	// exchange cannot replay the code.
	a, err = o.store.TransitionAttempt(ctx, a.ID, storage.AttemptRemoteAuthenticated, func(a *storage.Attempt) {
		a.State = storage.AttemptComplete
	})
	if err != nil {
		return TokenResponse{}, ErrInvalidGrant
	}

	resp, err := o.completeLogin(ctx, a.Provider, func(ctx context.Context) (*oauth2.Token, error) {
		return o.broker.Exchange(ctx, a.Provider, a.Code, o.callbackURL, a.PKCEVerifier)
	}, client.ID)
	if err != nil {
		if _, terr := o.store.TransitionAttempt(ctx, a.ID, storage.AttemptComplete, func(a *storage.Attempt) {
			a.State = storage.AttemptFailed
			a.Error = "exchange_failed"
		}); terr != nil {
			o.logger.Error("could not fail claimed attempt", "attempt_id", a.ID, "error", terr)
		}
		return TokenResponse{}, err
	}
	o.logger.Info("login complete", "attempt_id", a.ID, "client_id", client.ID, "provider", a.Provider)
	return resp, nil
}

// completeLogin runs the provider side of a login and mints the internal
// token: exchange, identity fetch, account upsert, sign.
func (o *Orchestrator) completeLogin(ctx context.Context, n provider.Name, exchange func(context.Context) (*oauth2.Token, error), audience string) (TokenResponse, error) {
	ptok, err := exchange(ctx)
	if err != nil {
		return TokenResponse{}, err
	}
	info, err := o.broker.FetchIdentity(ctx, n, ptok)
	if err != nil {
		return TokenResponse{}, err
	}
	user, err := o.store.UpsertAPIUser(ctx, info.ExternalID, info.Name, info.Emails)
	if err != nil {
		return TokenResponse{}, fmt.Errorf("upsert user: %w", err)
	}

	ttl, err := o.tokenTTL(ptok)
	if err != nil {
		return TokenResponse{}, err
	}
	now := time.Now().UTC()
	raw, err := o.codec.Sign(token.Claims{
		Scopes: user.Permissions.Strings(),
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   user.ID.String(),
			Audience:  jwt.ClaimStrings{audience},
			ID:        uuid.NewString(),
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	})
	if err != nil {
		return TokenResponse{}, fmt.Errorf("sign token: %w", err)
	}
	return TokenResponse{
		AccessToken: raw,
		TokenType:   "Bearer",
		ExpiresIn:   int64(ttl.Seconds()),
	}, nil
}

// tokenTTL caps the internal token's life at the provider token's,
// keeping a margin so ours always dies first.
func (o *Orchestrator) tokenTTL(ptok *oauth2.Token) (time.Duration, error) {
	ttl := o.accessTTL
	if !ptok.Expiry.IsZero() {
		remaining := time.Until(ptok.Expiry) - upstreamExpiryMargin
		if remaining < ttl {
			ttl = remaining
		}
	}
	if ttl <= 0 {
		return 0, fmt.Errorf("%w: provider token expires too soon", provider.ErrUpstream)
	}
	return ttl, nil
}

// DeviceRequest drives one poll of the provider device flow for a client
// that obtained the device code itself.
type DeviceRequest struct {
	ClientID     string
	ClientSecret string
	Provider     provider.Name
	DeviceCode   string
}

// DeviceResult is either a minted token or the provider's own response,
// untouched, so pending and slow_down answers reach the polling client.
type DeviceResult struct {
	StatusCode int
	Body       []byte
	Token      *TokenResponse
}

// DeviceExchange proxies a device code poll through the confidential
// credentials and mints an internal token when the provider grants one.
func (o *Orchestrator) DeviceExchange(ctx context.Context, req DeviceRequest) (DeviceResult, error) {
	client, err := o.authenticateClient(ctx, req.ClientID, req.ClientSecret)
	if err != nil {
		return DeviceResult{}, err
	}
	if !o.broker.Enabled(req.Provider) {
		return DeviceResult{}, provider.ErrUnknownProvider
	}

	res, err := o.broker.DeviceExchange(ctx, req.Provider, req.DeviceCode)
	if err != nil {
		return DeviceResult{}, err
	}
	if !res.Succeeded() {
		return DeviceResult{StatusCode: res.StatusCode, Body: res.Body}, nil
	}

	resp, err := o.completeLogin(ctx, req.Provider, func(context.Context) (*oauth2.Token, error) {
		return res.Token, nil
	}, client.ID)
	if err != nil {
		return DeviceResult{}, err
	}
	o.logger.Info("device login complete", "client_id", client.ID, "provider", req.Provider)
	return DeviceResult{StatusCode: res.StatusCode, Token: &resp}, nil
}

// ProviderInfo exposes the public descriptor for clients that run the
// device flow themselves.
func (o *Orchestrator) ProviderInfo(n provider.Name, ct provider.ClientType) (provider.Info, error) {
	if !o.broker.Enabled(n) {
		return provider.Info{}, provider.ErrUnknownProvider
	}
	return o.broker.Info(n, ct)
}

func (o *Orchestrator) authenticateClient(ctx context.Context, id, secret string) (storage.OAuthClient, error) {
	client, err := o.store.GetOAuthClient(ctx, id)
	if err != nil {
		return storage.OAuthClient{}, ErrInvalidClient
	}
	if client.Public() {
		return client, nil
	}
	if subtle.ConstantTimeCompare([]byte(secret), []byte(client.Secret)) != 1 {
		return storage.OAuthClient{}, ErrInvalidClient
	}
	return client, nil
}

func newSecret() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("read random: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}

func successRedirect(a storage.Attempt) string {
	return redirectWith(a, url.Values{"code": {a.ID}})
}

func errorRedirect(a storage.Attempt, code, description string) string {
	q := url.Values{"error": {code}}
	if description != "" {
		q.Set("error_description", description)
	}
	return redirectWith(a, q)
}

func redirectWith(a storage.Attempt, q url.Values) string {
	if a.ClientState != "" {
		q.Set("state", a.ClientState)
	}
	u, err := url.Parse(a.RedirectURI)
	if err != nil {
		return a.RedirectURI
	}
	existing := u.Query()
	for k, vs := range q {
		for _, v := range vs {
			existing.Add(k, v)
		}
	}
	u.RawQuery = existing.Encode()
	return u.String()
}
