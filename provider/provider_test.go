package provider

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"

	"golang.org/x/oauth2"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testRegistry(t *testing.T) *Registry {
	t.Helper()
	return NewRegistry(map[Name]Config{
		GitHub: {
			Web:    Credentials{ClientID: "gh-web", ClientSecret: "gh-web-secret"},
			Device: Credentials{ClientID: "gh-device", ClientSecret: "gh-device-secret"},
		},
		Google: {
			Web: Credentials{ClientID: "goog-web", ClientSecret: "goog-web-secret"},
		},
	}, testLogger())
}

// overrideMeta swaps a provider's static metadata for the test and restores
// it afterwards. Tests in this package run sequentially over the table.
func overrideMeta(t *testing.T, n Name, m meta) {
	t.Helper()
	old := table[n]
	table[n] = m
	t.Cleanup(func() { table[n] = old })
}

func TestNewRegistryIgnoresUnknownProvider(t *testing.T) {
	r := NewRegistry(map[Name]Config{
		Name("gitlab"): {Web: Credentials{ClientID: "x", ClientSecret: "y"}},
	}, testLogger())
	if r.Enabled(Name("gitlab")) {
		t.Fatal("unknown provider must not be enabled")
	}
}

func TestEnabledAndPKCE(t *testing.T) {
	r := testRegistry(t)
	if !r.Enabled(GitHub) || !r.Enabled(Google) {
		t.Fatal("configured providers should be enabled")
	}
	if r.Enabled(Name("bitbucket")) {
		t.Fatal("unconfigured provider should not be enabled")
	}
	if r.SupportsPKCE(GitHub) {
		t.Fatal("github does not support PKCE")
	}
	if !r.SupportsPKCE(Google) {
		t.Fatal("google supports PKCE")
	}
}

func TestInfoCarriesNoSecrets(t *testing.T) {
	r := testRegistry(t)

	info, err := r.Info(GitHub, ClientDevice)
	if err != nil {
		t.Fatalf("Info: %v", err)
	}
	if info.ClientID != "gh-device" {
		t.Fatalf("device info client id = %q", info.ClientID)
	}
	if info.DeviceCodeURL == "" || info.TokenURL == "" {
		t.Fatal("info missing endpoint URLs")
	}

	raw, err := json.Marshal(info)
	if err != nil {
		t.Fatalf("marshal info: %v", err)
	}
	if strings.Contains(string(raw), "secret") {
		t.Fatalf("info leaked a secret: %s", raw)
	}

	if _, err := r.Info(Google, ClientDevice); err == nil {
		t.Fatal("google has no device credentials configured")
	}
}

func TestAuthCodeURL(t *testing.T) {
	r := testRegistry(t)

	raw, err := r.AuthCodeURL(Google, "https://app.example/callback", "state-123", "verifier-verifier-verifier-verifier-1234567890a")
	if err != nil {
		t.Fatalf("AuthCodeURL: %v", err)
	}
	u, err := url.Parse(raw)
	if err != nil {
		t.Fatalf("parse auth url: %v", err)
	}
	q := u.Query()
	if q.Get("state") != "state-123" {
		t.Fatalf("state = %q", q.Get("state"))
	}
	if q.Get("redirect_uri") != "https://app.example/callback" {
		t.Fatalf("redirect_uri = %q", q.Get("redirect_uri"))
	}
	if q.Get("code_challenge") == "" || q.Get("code_challenge_method") != "S256" {
		t.Fatal("google auth url must carry an S256 challenge")
	}

	raw, err = r.AuthCodeURL(GitHub, "https://app.example/callback", "state-456", "")
	if err != nil {
		t.Fatalf("AuthCodeURL: %v", err)
	}
	if strings.Contains(raw, "code_challenge") {
		t.Fatal("github auth url must not carry a PKCE challenge")
	}
}

func TestDeviceExchangePassesErrorsThrough(t *testing.T) {
	body := `{"error":"authorization_pending","error_description":"pending"}`
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		if err := req.ParseForm(); err != nil {
			t.Errorf("parse form: %v", err)
		}
		if req.PostForm.Get("grant_type") != deviceGrantType {
			t.Errorf("grant_type = %q", req.PostForm.Get("grant_type"))
		}
		if req.PostForm.Get("client_secret") != "gh-device-secret" {
			t.Error("device secret not injected")
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusBadRequest)
		io.WriteString(w, body)
	}))
	defer srv.Close()

	m := table[GitHub]
	m.endpoint = oauth2.Endpoint{AuthURL: srv.URL + "/auth", TokenURL: srv.URL + "/token"}
	overrideMeta(t, GitHub, m)

	r := testRegistry(t)
	res, err := r.DeviceExchange(context.Background(), GitHub, "dev-code-1")
	if err != nil {
		t.Fatalf("DeviceExchange: %v", err)
	}
	if res.Succeeded() {
		t.Fatal("pending poll must not succeed")
	}
	if res.StatusCode != http.StatusBadRequest {
		t.Fatalf("status = %d", res.StatusCode)
	}
	if string(res.Body) != body {
		t.Fatalf("body not passed through verbatim: %s", res.Body)
	}
}

func TestDeviceExchangeSuccess(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		io.WriteString(w, `{"access_token":"gho_abc","token_type":"bearer","expires_in":3600}`)
	}))
	defer srv.Close()

	m := table[GitHub]
	m.endpoint = oauth2.Endpoint{AuthURL: srv.URL + "/auth", TokenURL: srv.URL + "/token"}
	overrideMeta(t, GitHub, m)

	r := testRegistry(t)
	res, err := r.DeviceExchange(context.Background(), GitHub, "dev-code-2")
	if err != nil {
		t.Fatalf("DeviceExchange: %v", err)
	}
	if !res.Succeeded() {
		t.Fatalf("expected success, status %d body %s", res.StatusCode, res.Body)
	}
	if res.Token.AccessToken != "gho_abc" {
		t.Fatalf("access token = %q", res.Token.AccessToken)
	}
	if res.Token.Expiry.IsZero() {
		t.Fatal("expiry not set from expires_in")
	}
}

func TestDeviceExchangeGitHubStyleErrorBody(t *testing.T) {
	// GitHub reports authorization_pending with HTTP 200.
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		io.WriteString(w, `{"error":"slow_down","interval":10}`)
	}))
	defer srv.Close()

	m := table[GitHub]
	m.endpoint = oauth2.Endpoint{AuthURL: srv.URL + "/auth", TokenURL: srv.URL + "/token"}
	overrideMeta(t, GitHub, m)

	r := testRegistry(t)
	res, err := r.DeviceExchange(context.Background(), GitHub, "dev-code-3")
	if err != nil {
		t.Fatalf("DeviceExchange: %v", err)
	}
	if res.Succeeded() {
		t.Fatal("error body must not count as success")
	}
}

func TestFetchGitHubIdentity(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/user", func(w http.ResponseWriter, req *http.Request) {
		if req.Header.Get("Authorization") != "Bearer tok-1" {
			t.Errorf("authorization = %q", req.Header.Get("Authorization"))
		}
		io.WriteString(w, `{"id":42,"login":"octo","name":""}`)
	})
	mux.HandleFunc("/user/emails", func(w http.ResponseWriter, req *http.Request) {
		io.WriteString(w, `[
			{"email":"spam@example.com","verified":false,"primary":false},
			{"email":"alt@example.com","verified":true,"primary":false},
			{"email":"main@example.com","verified":true,"primary":true}
		]`)
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	m := table[GitHub]
	m.userURL = srv.URL + "/user"
	m.emailsURL = srv.URL + "/user/emails"
	overrideMeta(t, GitHub, m)

	r := testRegistry(t)
	info, err := r.FetchIdentity(context.Background(), GitHub, &oauth2.Token{AccessToken: "tok-1", TokenType: "Bearer"})
	if err != nil {
		t.Fatalf("FetchIdentity: %v", err)
	}
	if got := info.ExternalID.String(); got != "github:42" {
		t.Fatalf("external id = %q", got)
	}
	if info.Name != "octo" {
		t.Fatalf("name should fall back to login, got %q", info.Name)
	}
	if len(info.Emails) != 2 || info.Emails[0] != "main@example.com" || info.Emails[1] != "alt@example.com" {
		t.Fatalf("emails = %v", info.Emails)
	}
}

func TestFetchIdentityUpstreamFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		http.Error(w, "nope", http.StatusBadGateway)
	}))
	defer srv.Close()

	m := table[GitHub]
	m.userURL = srv.URL + "/user"
	m.emailsURL = srv.URL + "/user/emails"
	overrideMeta(t, GitHub, m)

	r := testRegistry(t)
	_, err := r.FetchIdentity(context.Background(), GitHub, &oauth2.Token{AccessToken: "tok-2"})
	if !errors.Is(err, ErrUpstream) {
		t.Fatalf("want ErrUpstream, got %v", err)
	}
}

func TestExchangeUsesVerifier(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		if err := req.ParseForm(); err != nil {
			t.Errorf("parse form: %v", err)
		}
		if req.PostForm.Get("code_verifier") == "" {
			t.Error("code_verifier missing from token request")
		}
		w.Header().Set("Content-Type", "application/json")
		io.WriteString(w, `{"access_token":"ya29.x","token_type":"Bearer","expires_in":3599}`)
	}))
	defer srv.Close()

	m := table[Google]
	m.endpoint = oauth2.Endpoint{AuthURL: srv.URL + "/auth", TokenURL: srv.URL + "/token"}
	overrideMeta(t, Google, m)

	r := testRegistry(t)
	tok, err := r.Exchange(context.Background(), Google, "code-1", "https://app.example/callback", oauth2.GenerateVerifier())
	if err != nil {
		t.Fatalf("Exchange: %v", err)
	}
	if tok.AccessToken != "ya29.x" {
		t.Fatalf("access token = %q", tok.AccessToken)
	}
}
