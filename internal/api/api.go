// Package api is a thin wrapper for making HTTP calls to the salt-api
// rest_cherrypy REST interface.
// 封装对 salt-api REST 接口的 HTTP 调用：URL 构造、认证策略选择、状态码映射
package api

import (
	"bytes"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/drover-project/drover/internal/authcache"
	"github.com/drover-project/drover/internal/logger"
	"github.com/drover-project/drover/internal/types"
)

// EauthKerberos is the external-auth backend tag that switches the request
// layer to negotiated authentication.
const EauthKerberos = "kerberos"

// AuthStrategy attaches authentication to an outgoing request. The bearer
// token strategy is built in; negotiate (kerberos) auth is injected by the
// caller so that its absence on a platform degrades to "feature unavailable"
// instead of a hard dependency.
type AuthStrategy interface {
	Apply(req *http.Request) error
}

// tokenAuth attaches the session token as the X-Auth-Token header
type tokenAuth struct {
	token string
}

func (t tokenAuth) Apply(req *http.Request) error {
	if t.token != "" && req.Header.Get("X-Auth-Token") == "" {
		req.Header.Set("X-Auth-Token", t.token)
	}
	return nil
}

// Config configures an API instance
type Config struct {
	// BaseURL is the salt-api endpoint, including scheme and port,
	// e.g. https://localhost:8000/
	BaseURL string

	// IgnoreSSLErrors disables TLS certificate verification
	IgnoreSSLErrors bool

	// HTTPClient overrides the default client (optional)
	HTTPClient *http.Client

	// Cache persists the session credential across runs (optional,
	// defaults to the null cache)
	Cache authcache.Cache

	// Negotiate is the injected kerberos auth strategy (optional)
	Negotiate AuthStrategy

	// Logger for diagnostics (optional)
	Logger *logger.Logger
}

// API is a session-holding client for one salt-api endpoint. The held
// credential is the only mutable state shared across calls: set by Login,
// cleared by Logout, read-only otherwise.
type API struct {
	baseURL   *url.URL
	client    *http.Client
	cache     authcache.Cache
	negotiate AuthStrategy
	insecure  bool
	log       *logger.Logger

	mu   sync.RWMutex
	auth *authcache.Credential
}

// New creates an API client. The base URL scheme is validated here; a cached
// credential, if present and usable, becomes the held session auth.
func New(config *Config) (*API, error) {
	if config == nil {
		return nil, types.NewError(types.ErrConfiguration, "config must not be nil")
	}

	base, err := url.Parse(config.BaseURL)
	if err != nil {
		return nil, types.WrapError(types.ErrConfiguration, err, "invalid salt-api URL %q", config.BaseURL)
	}
	if base.Scheme != "http" && base.Scheme != "https" {
		return nil, types.NewError(types.ErrConfiguration, "salt-api URL missing HTTP(s) protocol: %s", config.BaseURL)
	}

	client := config.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	if config.IgnoreSSLErrors {
		transport := &http.Transport{
			TLSClientConfig: &tls.Config{InsecureSkipVerify: true},
		}
		// 不修改调用方传入的 client
		clone := *client
		clone.Transport = transport
		client = &clone
	}

	cache := config.Cache
	if cache == nil {
		cache = authcache.NullCache{}
	}

	a := &API{
		baseURL:   base,
		client:    client,
		cache:     cache,
		negotiate: config.Negotiate,
		insecure:  config.IgnoreSSLErrors,
		log:       config.Logger,
	}

	// A corrupt cache must surface, not masquerade as "never logged in"
	cred, err := cache.Get()
	if err != nil {
		return nil, err
	}
	a.auth = cred

	return a, nil
}

// constructURL joins an endpoint path against the configured base URL. A
// leading slash is stripped first so that a base with a path component keeps
// it (standard reference-resolution semantics otherwise).
func (a *API) constructURL(path string) string {
	rel := &url.URL{Path: strings.TrimLeft(path, "/")}
	return a.baseURL.ResolveReference(rel).String()
}

// Auth returns the currently held session credential, or nil
func (a *API) Auth() *authcache.Credential {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.auth
}

// Token returns the currently held session token, or ""
func (a *API) Token() string {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if a.auth == nil {
		return ""
	}
	return a.auth.Token
}

func (a *API) setAuth(cred *authcache.Credential) {
	a.mu.Lock()
	a.auth = cred
	a.mu.Unlock()
}

// findAuth selects the authentication strategy for one request.
// Precedence: kerberos (from the request payload, or the held session) wins
// and never attaches a token; then a held non-empty token; then nothing —
// some endpoints (bootstrap login, sessionless run) require no prior
// credential.
func (a *API) findAuth(payloadEauth string) (AuthStrategy, error) {
	a.mu.RLock()
	held := a.auth
	a.mu.RUnlock()

	eauth := payloadEauth
	if eauth == "" && held != nil {
		eauth = held.Eauth
	}

	if eauth == EauthKerberos {
		if a.negotiate == nil {
			return nil, types.NewError(types.ErrNegotiateUnavailable,
				"kerberos eauth requested but no negotiate strategy is configured")
		}
		return a.negotiate, nil
	}

	if held != nil && held.Token != "" {
		return tokenAuth{token: held.Token}, nil
	}

	return nil, nil
}

// request executes one HTTP call against the backend and maps the response
// status to the error taxonomy. 401 and 500 never reach the caller as
// responses; any other status passes through for the caller to decode.
func (a *API) request(method, path string, body interface{}, payloadEauth string) (*http.Response, error) {
	auth, err := a.findAuth(payloadEauth)
	if err != nil {
		return nil, err
	}

	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("failed to encode request body: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequest(method, a.constructURL(path), reader)
	if err != nil {
		return nil, fmt.Errorf("failed to build request: %w", err)
	}

	req.Header.Set("Accept", "application/json")
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Requested-With", "XMLHttpRequest")

	if auth != nil {
		if err := auth.Apply(req); err != nil {
			return nil, err
		}
	}

	resp, err := a.client.Do(req)
	if err != nil {
		return nil, types.WrapError(types.ErrTransport, err, "%s %s failed", method, path)
	}

	switch {
	case resp.StatusCode == http.StatusUnauthorized:
		resp.Body.Close()
		return nil, types.NewError(types.ErrAuthenticationDenied, "authentication denied by %s", path)
	case resp.StatusCode == http.StatusInternalServerError:
		resp.Body.Close()
		return nil, types.NewError(types.ErrServerError, "server error from %s", path)
	}

	if a.log != nil {
		a.log.Debugf("%s %s -> %d", method, path, resp.StatusCode)
	}

	return resp, nil
}

// decodeInto drains the response body into out as JSON
func decodeInto(resp *http.Response, out interface{}) error {
	defer resp.Body.Close()
	if out == nil {
		_, err := io.Copy(io.Discard, resp.Body)
		return err
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}

// GetJSON performs an authenticated GET and decodes the JSON response
func (a *API) GetJSON(path string, out interface{}) error {
	resp, err := a.request(http.MethodGet, path, nil, "")
	if err != nil {
		return err
	}
	return decodeInto(resp, out)
}

// PostJSON performs an authenticated POST and decodes the JSON response
func (a *API) PostJSON(path string, body, out interface{}) error {
	resp, err := a.request(http.MethodPost, path, body, "")
	if err != nil {
		return err
	}
	return decodeInto(resp, out)
}

// RunResponse is the backend's answer to a dispatch request: one entry per
// submitted command, in submission order.
type RunResponse struct {
	Return []json.RawMessage `json:"return"`
}

// Run submits an ordered list of command payloads to POST / and returns the
// ordered per-command results.
func (a *API) Run(cmds interface{}) (*RunResponse, error) {
	var out RunResponse
	if err := a.PostJSON("/", cmds, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// RunSessionless submits commands to POST /run. Each command payload must
// carry its own eauth material (username/password/eauth, or token).
func (a *API) RunSessionless(cmds interface{}) (*RunResponse, error) {
	var out RunResponse
	if err := a.PostJSON("run", cmds, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

type loginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
	Eauth    string `json:"eauth"`
}

// Login authenticates against POST /login with no prior auth attached
// (unless eauth is kerberos). On success the returned credential becomes the
// held session auth and is handed to the cache.
func (a *API) Login(username, password, eauth string) (*authcache.Credential, error) {
	resp, err := a.request(http.MethodPost, "login", loginRequest{
		Username: username,
		Password: password,
		Eauth:    eauth,
	}, eauth)
	if err != nil {
		return nil, err
	}

	var out struct {
		Return []authcache.Credential `json:"return"`
	}
	if err := decodeInto(resp, &out); err != nil {
		return nil, err
	}
	if len(out.Return) == 0 {
		return nil, types.NewError(types.ErrServerError, "login response carried no credential")
	}

	cred := out.Return[0]
	a.setAuth(&cred)
	if err := a.cache.Set(&cred); err != nil {
		// An error from Login must mean "no session held": drop the
		// credential so the caller's view matches the client's state.
		a.setAuth(nil)
		return nil, fmt.Errorf("login succeeded but caching the credential failed: %w", err)
	}

	if a.log != nil {
		a.log.Infof("logged in as %s via %s, token expires %s",
			cred.User, cred.Eauth, cred.ExpireTime().Format(time.RFC3339))
	}

	return &cred, nil
}

// Logout posts to /logout with the current auth, then clears the held auth
// and the cache regardless of the HTTP outcome. Logout is best-effort: an
// unreachable server must not leave stale local state behind.
func (a *API) Logout() error {
	resp, err := a.request(http.MethodPost, "logout", nil, "")
	if err != nil {
		if a.log != nil {
			a.log.Warnf("logout request failed, clearing local session anyway: %v", err)
		}
	} else {
		resp.Body.Close()
	}

	a.setAuth(nil)
	if err := a.cache.Set(nil); err != nil {
		return fmt.Errorf("failed to clear credential cache: %w", err)
	}
	return nil
}

// Stats fetches the backend's runtime statistics from GET /stats
func (a *API) Stats() (map[string]interface{}, error) {
	var out map[string]interface{}
	if err := a.GetJSON("stats", &out); err != nil {
		return nil, err
	}
	return out, nil
}

// Hook fires a webhook event onto the master event bus via POST /hook/<path>
func (a *API) Hook(path string, body interface{}) error {
	hookPath := "hook/" + strings.TrimLeft(path, "/")
	resp, err := a.request(http.MethodPost, hookPath, body, "")
	if err != nil {
		return err
	}
	resp.Body.Close()
	return nil
}
