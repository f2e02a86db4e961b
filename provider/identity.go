package provider

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"sync"

	"github.com/coreos/go-oidc/v3/oidc"
	"golang.org/x/oauth2"
)

// Exchange swaps a provider authorization code for a provider access token,
// passing the PKCE verifier through when one was used.
func (r *Registry) Exchange(ctx context.Context, n Name, code, redirectURL, pkceVerifier string) (*oauth2.Token, error) {
	cfg, err := r.oauthConfig(n, redirectURL)
	if err != nil {
		return nil, err
	}
	if err := r.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUpstream, err)
	}
	ctx = context.WithValue(ctx, oauth2.HTTPClient, r.client)

	var opts []oauth2.AuthCodeOption
	if pkceVerifier != "" {
		opts = append(opts, oauth2.VerifierOption(pkceVerifier))
	}
	tok, err := cfg.Exchange(ctx, code, opts...)
	if err != nil {
		return nil, fmt.Errorf("%w: exchange code: %v", ErrUpstream, err)
	}
	return tok, nil
}

// FetchIdentity resolves the external user behind a provider access token
// into a normalized UserInfo with verified emails only.
func (r *Registry) FetchIdentity(ctx context.Context, n Name, tok *oauth2.Token) (UserInfo, error) {
	if err := r.limiter.Wait(ctx); err != nil {
		return UserInfo{}, fmt.Errorf("%w: %v", ErrUpstream, err)
	}
	switch n {
	case GitHub:
		return r.fetchGitHubIdentity(ctx, tok)
	case Google:
		return r.fetchGoogleIdentity(ctx, tok)
	default:
		return UserInfo{}, ErrUnknownProvider
	}
}

type githubUser struct {
	ID    int64  `json:"id"`
	Login string `json:"login"`
	Name  string `json:"name"`
}

type githubEmail struct {
	Email    string `json:"email"`
	Verified bool   `json:"verified"`
	Primary  bool   `json:"primary"`
}

func (r *Registry) fetchGitHubIdentity(ctx context.Context, tok *oauth2.Token) (UserInfo, error) {
	m := table[GitHub]

	var user githubUser
	if err := r.getJSON(ctx, m.userURL, tok, &user); err != nil {
		return UserInfo{}, err
	}
	if user.ID == 0 {
		return UserInfo{}, fmt.Errorf("%w: github user response missing id", ErrUpstream)
	}

	var emails []githubEmail
	if err := r.getJSON(ctx, m.emailsURL, tok, &emails); err != nil {
		return UserInfo{}, err
	}

	info := UserInfo{
		ExternalID: ExternalUserID{Provider: GitHub, ID: strconv.FormatInt(user.ID, 10)},
		Name:       user.Name,
	}
	if info.Name == "" {
		info.Name = user.Login
	}
	// Primary verified email first, remaining verified ones after.
	for _, e := range emails {
		if e.Verified && e.Primary {
			info.Emails = append(info.Emails, e.Email)
		}
	}
	for _, e := range emails {
		if e.Verified && !e.Primary {
			info.Emails = append(info.Emails, e.Email)
		}
	}
	return info, nil
}

// googleVerifier lazily discovers the Google OIDC issuer once per process.
type googleVerifier struct {
	once     sync.Once
	provider *oidc.Provider
	err      error
}

func (r *Registry) googleProvider(ctx context.Context) (*oidc.Provider, error) {
	r.google.once.Do(func() {
		ctx := oidc.ClientContext(context.WithoutCancel(ctx), r.client)
		r.google.provider, r.google.err = oidc.NewProvider(ctx, table[Google].issuer)
	})
	if r.google.err != nil {
		return nil, fmt.Errorf("%w: google discovery: %v", ErrUpstream, r.google.err)
	}
	return r.google.provider, nil
}

func (r *Registry) fetchGoogleIdentity(ctx context.Context, tok *oauth2.Token) (UserInfo, error) {
	op, err := r.googleProvider(ctx)
	if err != nil {
		return UserInfo{}, err
	}
	ctx = oidc.ClientContext(ctx, r.client)

	// Prefer the id_token when the token exchange returned one; fall back
	// to the userinfo endpoint for flows that do not carry it.
	if raw, ok := tok.Extra("id_token").(string); ok && raw != "" {
		cred, err := r.credentials(Google, ClientWeb)
		if err == nil {
			verifier := op.Verifier(&oidc.Config{ClientID: cred.ClientID})
			if idToken, err := verifier.Verify(ctx, raw); err == nil {
				return googleUserInfoFromClaims(idToken)
			}
		}
	}

	ui, err := op.UserInfo(ctx, oauth2.StaticTokenSource(tok))
	if err != nil {
		return UserInfo{}, fmt.Errorf("%w: google userinfo: %v", ErrUpstream, err)
	}
	var claims struct {
		Name          string `json:"name"`
		Email         string `json:"email"`
		EmailVerified bool   `json:"email_verified"`
	}
	if err := ui.Claims(&claims); err != nil {
		return UserInfo{}, fmt.Errorf("%w: google userinfo claims: %v", ErrUpstream, err)
	}
	info := UserInfo{
		ExternalID: ExternalUserID{Provider: Google, ID: ui.Subject},
		Name:       claims.Name,
	}
	if claims.EmailVerified && claims.Email != "" {
		info.Emails = []string{claims.Email}
	}
	return info, nil
}

func googleUserInfoFromClaims(idToken *oidc.IDToken) (UserInfo, error) {
	var claims struct {
		Name          string `json:"name"`
		Email         string `json:"email"`
		EmailVerified bool   `json:"email_verified"`
	}
	if err := idToken.Claims(&claims); err != nil {
		return UserInfo{}, fmt.Errorf("%w: google id_token claims: %v", ErrUpstream, err)
	}
	info := UserInfo{
		ExternalID: ExternalUserID{Provider: Google, ID: idToken.Subject},
		Name:       claims.Name,
	}
	if claims.EmailVerified && claims.Email != "" {
		info.Emails = []string{claims.Email}
	}
	return info, nil
}

// getJSON performs an authenticated GET against a provider API.
func (r *Registry) getJSON(ctx context.Context, url string, tok *oauth2.Token, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")
	tok.SetAuthHeader(req)

	resp, err := r.client.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUpstream, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("%w: %s returned %d: %s", ErrUpstream, url, resp.StatusCode, body)
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("%w: decode %s: %v", ErrUpstream, url, err)
	}
	return nil
}
