package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"authcore/apikey"
	"authcore/authn"
	"authcore/keys"
	"authcore/login"
	"authcore/provider"
	"authcore/storage"
	"authcore/token"
)

const (
	attemptCookie   = "login_attempt"
	deviceGrantType = "urn:ietf:params:oauth:grant-type:device_code"
)

// App bundles runtime dependencies for the HTTP service.
type App struct {
	Config Config
	Logger *slog.Logger
	Store  storage.Store
	Keys   *keys.KeySet
	Codec  *token.Codec
	Auth   *authn.Authenticator
	Login  *login.Orchestrator
}

// NewApp wires together the application state from configuration.
func NewApp(cfg Config, logger *slog.Logger) (*App, error) {
	ks, err := keys.Load(cfg.Keys)
	if err != nil {
		return nil, err
	}

	var store storage.Store
	switch cfg.Storage.Backend {
	case "bolt":
		store, err = storage.NewBoltStore(cfg.Storage.Path, cfg.Clients)
		if err != nil {
			return nil, fmt.Errorf("open storage: %w", err)
		}
	default:
		store = storage.NewMemoryStore(cfg.Clients)
	}

	codec := token.NewCodec(ks, cfg.Server.PublicURL)
	registry := provider.NewRegistry(cfg.Providers, logger)
	pool := apikey.NewPool(cfg.Login.HashPoolSize)

	orch := login.New(store, registry, codec,
		cfg.Login.AttemptTTL, cfg.Login.AccessTTL,
		cfg.CallbackURL(), logger)

	return &App{
		Config: cfg,
		Logger: logger,
		Store:  store,
		Keys:   ks,
		Codec:  codec,
		Auth:   authn.New(store, ks, codec, pool, logger),
		Login:  orch,
	}, nil
}

// Close releases the app's resources.
func (a *App) Close() error {
	return a.Store.Close()
}

// handleAuthorize begins a login: it records the attempt, binds it to the
// browser with a cookie, and redirects to the provider.
func (a *App) handleAuthorize(w http.ResponseWriter, r *http.Request) {
	res, err := a.Login.Start(r.Context(), login.StartRequest{
		ClientID:    r.URL.Query().Get("client_id"),
		RedirectURI: r.URL.Query().Get("redirect_uri"),
		Provider:    provider.Name(r.URL.Query().Get("provider")),
		State:       r.URL.Query().Get("state"),
	})
	if err != nil {
		// Nothing here is safe to redirect to yet.
		switch {
		case errors.Is(err, login.ErrInvalidClient):
			oauthError(w, http.StatusBadRequest, "invalid_request", "unknown client")
		case errors.Is(err, login.ErrInvalidRedirect):
			oauthError(w, http.StatusBadRequest, "invalid_request", "redirect_uri not registered")
		case errors.Is(err, provider.ErrUnknownProvider):
			oauthError(w, http.StatusBadRequest, "invalid_request", "unknown provider")
		default:
			a.Logger.Error("authorize failed", "error", err)
			oauthError(w, http.StatusInternalServerError, "server_error", "")
		}
		return
	}

	http.SetCookie(w, &http.Cookie{
		Name:     attemptCookie,
		Value:    res.AttemptID,
		Path:     "/callback",
		Expires:  res.ExpiresAt,
		HttpOnly: true,
		Secure:   !a.Config.Server.DevMode,
		SameSite: http.SameSiteLaxMode,
	})
	http.Redirect(w, r, res.RedirectURL, http.StatusFound)
}

// handleCallback absorbs the provider redirect. The attempt id comes from
// the cookie set at authorize time, never from the URL, so the state
// check binds the callback to the browser that started the flow.
func (a *App) handleCallback(w http.ResponseWriter, r *http.Request) {
	cookie, err := r.Cookie(attemptCookie)
	if err != nil {
		http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
		return
	}
	clearCookie(w, attemptCookie, "/callback", !a.Config.Server.DevMode)

	q := r.URL.Query()
	res, err := a.Login.Callback(r.Context(), login.CallbackRequest{
		AttemptID:        cookie.Value,
		State:            q.Get("state"),
		Code:             q.Get("code"),
		ErrorCode:        q.Get("error"),
		ErrorDescription: q.Get("error_description"),
	})
	if err != nil {
		http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
		return
	}
	http.Redirect(w, r, res.RedirectURL, http.StatusFound)
}

// handleToken serves the token endpoint: authorization_code exchanges the
// callback code for an access token, the device grant proxies a provider
// device code poll.
func (a *App) handleToken(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		oauthError(w, http.StatusBadRequest, "invalid_request", "malformed form body")
		return
	}
	clientID, clientSecret := clientCredentials(r)

	switch r.PostForm.Get("grant_type") {
	case "authorization_code":
		resp, err := a.Login.Exchange(r.Context(), login.ExchangeRequest{
			ClientID:     clientID,
			ClientSecret: clientSecret,
			RedirectURI:  r.PostForm.Get("redirect_uri"),
			Code:         r.PostForm.Get("code"),
		})
		if err != nil {
			a.tokenError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, resp)

	case deviceGrantType:
		res, err := a.Login.DeviceExchange(r.Context(), login.DeviceRequest{
			ClientID:     clientID,
			ClientSecret: clientSecret,
			Provider:     provider.Name(r.PostForm.Get("provider")),
			DeviceCode:   r.PostForm.Get("device_code"),
		})
		if err != nil {
			a.tokenError(w, err)
			return
		}
		if res.Token != nil {
			writeJSON(w, http.StatusOK, res.Token)
			return
		}
		// Provider said no (or not yet); hand its answer back untouched.
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(res.StatusCode)
		w.Write(res.Body)

	default:
		oauthError(w, http.StatusBadRequest, "unsupported_grant_type", "")
	}
}

func (a *App) tokenError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, login.ErrInvalidClient):
		w.Header().Set("WWW-Authenticate", `Basic realm="token"`)
		oauthError(w, http.StatusUnauthorized, "invalid_client", "")
	case errors.Is(err, login.ErrInvalidGrant):
		oauthError(w, http.StatusBadRequest, "invalid_grant", "")
	case errors.Is(err, provider.ErrUnknownProvider):
		oauthError(w, http.StatusBadRequest, "invalid_request", "unknown provider")
	case errors.Is(err, provider.ErrUpstream):
		oauthError(w, http.StatusBadGateway, "server_error", "provider unavailable")
	default:
		a.Logger.Error("token endpoint failed", "error", err)
		oauthError(w, http.StatusInternalServerError, "server_error", "")
	}
}

// handleJWKS publishes the public half of the signing keys.
func (a *App) handleJWKS(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, a.Keys.JWKS())
}

// handleProviderInfo exposes a provider's public descriptor so device
// clients can run the device flow against it directly.
func (a *App) handleProviderInfo(w http.ResponseWriter, r *http.Request) {
	ct := provider.ClientType(r.URL.Query().Get("client_type"))
	if ct == "" {
		ct = provider.ClientDevice
	}
	info, err := a.Login.ProviderInfo(provider.Name(chi.URLParam(r, "provider")), ct)
	if err != nil {
		oauthError(w, http.StatusNotFound, "invalid_request", "unknown provider")
		return
	}
	writeJSON(w, http.StatusOK, info)
}

// handleWhoami resolves the presented credential and reports the caller's
// identity and effective permissions.
func (a *App) handleWhoami(w http.ResponseWriter, r *http.Request) {
	tok, err := authn.BearerFromHeader(r.Header.Get("Authorization"))
	if err != nil {
		w.Header().Set("WWW-Authenticate", `Bearer realm="whoami"`)
		http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
		return
	}
	caller, err := a.Auth.Resolve(r.Context(), tok)
	if err != nil {
		if errors.Is(err, authn.ErrUnauthorized) || errors.Is(err, authn.ErrFailedToExtract) {
			http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
			return
		}
		a.Logger.Error("whoami failed", "error", err)
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"user_id":     caller.ID,
		"permissions": caller.Permissions.Strings(),
	})
}

// clientCredentials reads client auth from Basic or the form body.
func clientCredentials(r *http.Request) (id, secret string) {
	if id, secret, ok := r.BasicAuth(); ok {
		return id, secret
	}
	return r.PostForm.Get("client_id"), r.PostForm.Get("client_secret")
}

func clearCookie(w http.ResponseWriter, name, path string, secure bool) {
	http.SetCookie(w, &http.Cookie{
		Name:     name,
		Value:    "",
		Path:     path,
		MaxAge:   -1,
		HttpOnly: true,
		Secure:   secure,
		SameSite: http.SameSiteLaxMode,
	})
}

func oauthError(w http.ResponseWriter, status int, code, description string) {
	body := map[string]string{"error": code}
	if description != "" {
		body["error_description"] = description
	}
	writeJSON(w, status, body)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	// Headers are already gone if encoding fails mid-stream.
	_ = json.NewEncoder(w).Encode(v)
}
