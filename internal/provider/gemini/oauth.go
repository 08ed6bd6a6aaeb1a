package gemini

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"golang.org/x/oauth2"

	relay "github.com/eugener/palantir/internal"
)

const (
	defaultAuthURL     = "https://accounts.google.com/o/oauth2/auth"
	defaultTokenURL    = "https://oauth2.googleapis.com/token"
	defaultRedirectURI = "http://localhost:1455/auth/callback"

	// stateTTL bounds how long a started authorization may wait for its
	// callback before the state is forgotten.
	stateTTL = 10 * time.Minute
)

// defaultScopes cover the generative language surface plus the identity
// claims used to label issued credentials.
var defaultScopes = []string{
	"https://www.googleapis.com/auth/cloud-platform",
	"https://www.googleapis.com/auth/userinfo.email",
	"https://www.googleapis.com/auth/userinfo.profile",
}

// OAuthConfig wires the Google authorization-code flow for one Gemini
// instance. An empty ClientID disables the flow.
type OAuthConfig struct {
	ClientID     string
	ClientSecret string
	AuthURL      string   // empty defaults to the Google authorize endpoint
	TokenURL     string   // empty defaults to the Google token endpoint
	RedirectURL  string   // fallback when the start request names none
	Scopes       []string // empty defaults to the cloud-platform set
}

// oauthState is one pending authorization, keyed by the opaque state id the
// browser round-trips.
type oauthState struct {
	redirectURI string
	projectID   string
	created     time.Time
}

// OAuthStart begins an authorization-code flow. It answers with the URL the
// operator opens in a browser, plus the state id the callback must echo.
func (c *Client) OAuthStart(ctx context.Context, req *relay.ProxyRequest) (*relay.ProxyResponse, error) {
	redirect := req.Query.Get("redirect_uri")
	if redirect == "" {
		redirect = c.redirectURI()
	}
	cfg, err := c.exchangeConfig(redirect)
	if err != nil {
		return nil, err
	}

	state := newStateID()
	c.rememberState(state, oauthState{
		redirectURI: redirect,
		projectID:   req.Query.Get("project_id"),
		created:     time.Now(),
	})

	authURL := cfg.AuthCodeURL(state,
		oauth2.AccessTypeOffline,
		oauth2.SetAuthURLParam("prompt", "consent"),
		oauth2.SetAuthURLParam("include_granted_scopes", "true"),
	)
	return jsonResponse(http.StatusOK, map[string]string{
		"auth_url":     authURL,
		"state":        state,
		"redirect_uri": redirect,
	})
}

// OAuthCallback finishes the flow: it exchanges the authorization code for
// tokens, stores them as a new pool credential, and echoes the token set.
func (c *Client) OAuthCallback(ctx context.Context, req *relay.ProxyRequest) (*relay.ProxyResponse, error) {
	q := req.Query
	if e := q.Get("error"); e != "" {
		detail := q.Get("error_description")
		if detail == "" {
			detail = "oauth error"
		}
		return nil, fmt.Errorf("%w: %s: %s", relay.ErrBadRequest, e, detail)
	}
	code := q.Get("code")
	if code == "" {
		return nil, fmt.Errorf("%w: missing code", relay.ErrBadRequest)
	}

	// An unknown or expired state falls back to the query parameters, so a
	// relay restart between start and callback does not strand the operator.
	redirect := q.Get("redirect_uri")
	projectID := q.Get("project_id")
	if st, ok := c.takeState(q.Get("state")); ok {
		redirect = st.redirectURI
		if projectID == "" {
			projectID = st.projectID
		}
	}
	if redirect == "" {
		redirect = c.redirectURI()
	}

	cfg, err := c.exchangeConfig(redirect)
	if err != nil {
		return nil, err
	}
	tok, err := cfg.Exchange(c.oauthContext(ctx), code)
	if err != nil {
		return nil, fmt.Errorf("%w: code exchange failed: %v", relay.ErrBadRequest, err)
	}

	s := secret{
		AccessToken:  tok.AccessToken,
		RefreshToken: tok.RefreshToken,
		Expiry:       tok.Expiry,
		ProjectID:    projectID,
	}
	raw, err := json.Marshal(s)
	if err != nil {
		return nil, fmt.Errorf("marshal oauth secret: %w", err)
	}
	if c.sink == nil {
		return nil, fmt.Errorf("%w: no credential sink configured", relay.ErrInvalidConfig)
	}
	cred := relay.Credential{Provider: c.name, Secret: raw, Enabled: true}
	if _, err := c.sink.StoreCredential(ctx, cred); err != nil {
		return nil, fmt.Errorf("store oauth credential: %w", err)
	}

	return jsonResponse(http.StatusOK, map[string]string{
		"access_token":  tok.AccessToken,
		"refresh_token": tok.RefreshToken,
		"project_id":    projectID,
	})
}

// RefreshCredential trades the stored refresh token for a fresh access token
// and persists the rotated secret. API-key credentials are not refreshable.
func (c *Client) RefreshCredential(ctx context.Context, cred relay.Credential) (relay.Credential, error) {
	var s secret
	if err := json.Unmarshal(cred.Secret, &s); err != nil {
		return relay.Credential{}, fmt.Errorf("%w: gemini secret is not JSON", relay.ErrInvalidConfig)
	}
	if s.RefreshToken == "" {
		return relay.Credential{}, fmt.Errorf("%w: credential %d has no refresh token", relay.ErrInvalidConfig, cred.ID)
	}
	cfg, err := c.exchangeConfig("")
	if err != nil {
		return relay.Credential{}, err
	}

	seed := &oauth2.Token{RefreshToken: s.RefreshToken}
	tok, err := cfg.TokenSource(c.oauthContext(ctx), seed).Token()
	if err != nil {
		return relay.Credential{}, fmt.Errorf("refresh credential %d: %w", cred.ID, err)
	}

	s.AccessToken = tok.AccessToken
	if tok.RefreshToken != "" {
		s.RefreshToken = tok.RefreshToken
	}
	s.Expiry = tok.Expiry
	raw, err := json.Marshal(s)
	if err != nil {
		return relay.Credential{}, fmt.Errorf("marshal oauth secret: %w", err)
	}
	cred.Secret = raw
	if c.sink != nil {
		if stored, err := c.sink.StoreCredential(ctx, cred); err == nil {
			cred = stored
		}
	}
	return cred, nil
}

func (c *Client) redirectURI() string {
	if c.oauth.RedirectURL != "" {
		return c.oauth.RedirectURL
	}
	return defaultRedirectURI
}

// exchangeConfig builds the x/oauth2 config for the configured endpoints.
func (c *Client) exchangeConfig(redirectURI string) (*oauth2.Config, error) {
	if c.oauth.ClientID == "" {
		return nil, fmt.Errorf("%w: gemini oauth client not configured", relay.ErrInvalidConfig)
	}
	authURL := c.oauth.AuthURL
	if authURL == "" {
		authURL = defaultAuthURL
	}
	tokenURL := c.oauth.TokenURL
	if tokenURL == "" {
		tokenURL = defaultTokenURL
	}
	scopes := c.oauth.Scopes
	if len(scopes) == 0 {
		scopes = defaultScopes
	}
	return &oauth2.Config{
		ClientID:     c.oauth.ClientID,
		ClientSecret: c.oauth.ClientSecret,
		Endpoint:     oauth2.Endpoint{AuthURL: authURL, TokenURL: tokenURL},
		RedirectURL:  redirectURI,
		Scopes:       scopes,
	}, nil
}

// oauthContext routes the token exchange through the shared upstream client
// so the global egress proxy applies to it too.
func (c *Client) oauthContext(ctx context.Context) context.Context {
	client, err := c.clients.For(c.proxyURL)
	if err != nil {
		return ctx
	}
	return context.WithValue(ctx, oauth2.HTTPClient, client)
}

func (c *Client) rememberState(id string, st oauthState) {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := time.Now()
	for k, v := range c.states {
		if now.Sub(v.created) > stateTTL {
			delete(c.states, k)
		}
	}
	c.states[id] = st
}

func (c *Client) takeState(id string) (oauthState, bool) {
	if id == "" {
		return oauthState{}, false
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	st, ok := c.states[id]
	if !ok {
		return oauthState{}, false
	}
	delete(c.states, id)
	if time.Since(st.created) > stateTTL {
		return oauthState{}, false
	}
	return st, true
}

func newStateID() string {
	raw := make([]byte, 32)
	if _, err := rand.Read(raw); err != nil {
		panic("crypto/rand: " + err.Error())
	}
	return base64.RawURLEncoding.EncodeToString(raw)
}

func jsonResponse(status int, v any) (*relay.ProxyResponse, error) {
	body, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	h := http.Header{}
	h.Set("Content-Type", "application/json")
	return &relay.ProxyResponse{Status: status, Header: h, Body: body}, nil
}
