package provider

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/oauth2"
)

const deviceGrantType = "urn:ietf:params:oauth:grant-type:device_code"

// DeviceExchangeResult carries the provider's token-endpoint response for a
// device code poll. Non-2xx responses are handed back verbatim so pending
// and slow_down answers reach the polling client unchanged.
type DeviceExchangeResult struct {
	StatusCode int
	Body       []byte
	Token      *oauth2.Token
}

// Succeeded reports whether the provider issued an access token.
func (d DeviceExchangeResult) Succeeded() bool {
	return d.StatusCode >= 200 && d.StatusCode < 300 && d.Token != nil
}

// DeviceExchange polls the provider token endpoint with a device code on
// behalf of a device client, injecting the confidential client credentials.
func (r *Registry) DeviceExchange(ctx context.Context, n Name, deviceCode string) (DeviceExchangeResult, error) {
	m, ok := table[n]
	if !ok {
		return DeviceExchangeResult{}, ErrUnknownProvider
	}
	cred, err := r.credentials(n, ClientDevice)
	if err != nil {
		return DeviceExchangeResult{}, err
	}
	if err := r.limiter.Wait(ctx); err != nil {
		return DeviceExchangeResult{}, fmt.Errorf("%w: %v", ErrUpstream, err)
	}

	form := url.Values{
		"client_id":     {cred.ClientID},
		"client_secret": {cred.ClientSecret},
		"device_code":   {deviceCode},
		"grant_type":    {deviceGrantType},
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, m.endpoint.TokenURL, strings.NewReader(form.Encode()))
	if err != nil {
		return DeviceExchangeResult{}, err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")

	resp, err := r.client.Do(req)
	if err != nil {
		return DeviceExchangeResult{}, fmt.Errorf("%w: %v", ErrUpstream, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	if err != nil {
		return DeviceExchangeResult{}, fmt.Errorf("%w: read token response: %v", ErrUpstream, err)
	}

	out := DeviceExchangeResult{StatusCode: resp.StatusCode, Body: body}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return out, nil
	}

	var payload struct {
		AccessToken  string `json:"access_token"`
		TokenType    string `json:"token_type"`
		RefreshToken string `json:"refresh_token"`
		ExpiresIn    int64  `json:"expires_in"`
		Error        string `json:"error"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		return out, fmt.Errorf("%w: decode token response: %v", ErrUpstream, err)
	}
	// GitHub answers authorization_pending with status 200 and an error field.
	if payload.Error != "" || payload.AccessToken == "" {
		return out, nil
	}

	tok := &oauth2.Token{
		AccessToken:  payload.AccessToken,
		TokenType:    payload.TokenType,
		RefreshToken: payload.RefreshToken,
	}
	if payload.ExpiresIn > 0 {
		tok.Expiry = time.Now().Add(time.Duration(payload.ExpiresIn) * time.Second)
	}
	out.Token = tok
	return out, nil
}
