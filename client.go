// Package brainmessenger is the client core of BrainMessenger: session
// lifecycle, settings synchronization and the offline message queue, plus an
// HTTP adapter for the hosted backend they run against.
//
// Example:
//
//	store := brainmessenger.NewMemoryStore()
//	client := brainmessenger.NewClient("https://xyz.brain.dev", "anon-key",
//		brainmessenger.WithStore(store))
//
//	sessions := brainmessenger.NewSessionManager(client.Auth, &brainmessenger.SessionOptions{Store: store})
//	client.SetTokenSource(sessions.TokenSource())
//	sessions.Initialize(ctx)
//
//	s, _ := sessions.Session(ctx)
//	settings := brainmessenger.NewSettingsEngine(s.UserID, s.Email, client.Profiles, sessions, nil)
//	settings.Load(ctx)
//	settings.SetBio("hello")
package brainmessenger

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime"
	"net/http"
	"net/url"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/oauth2"
)

const (
	DefaultTimeout = 30 * time.Second

	avatarBucket = "avatars"
)

// ============================================================================
// Client
// ============================================================================

// Client talks to the hosted backend. Its sub-clients implement AuthBackend,
// ProfileStore, ImageStorage and MessageSender.
type Client struct {
	apiKey     string
	baseURL    string
	httpClient *http.Client
	tokens     oauth2.TokenSource
	store      KeyValueStore
	log        zerolog.Logger

	Auth     *AuthClient
	Profiles *ProfilesClient
	Storage  *StorageClient
	Messages *MessagesClient
}

type ClientOption func(*Client)

func WithBaseURL(url string) ClientOption {
	return func(c *Client) { c.baseURL = strings.TrimRight(url, "/") }
}

func WithAPIKey(key string) ClientOption {
	return func(c *Client) { c.apiKey = key }
}

func WithTimeout(timeout time.Duration) ClientOption {
	return func(c *Client) { c.httpClient.Timeout = timeout }
}

func WithHTTPClient(client *http.Client) ClientOption {
	return func(c *Client) { c.httpClient = client }
}

func WithLogger(logger zerolog.Logger) ClientOption {
	return func(c *Client) { c.log = logger }
}

// WithStore sets where the auth adapter persists the session.
func WithStore(store KeyValueStore) ClientOption {
	return func(c *Client) { c.store = store }
}

// WithTokenSource sets the bearer source for data requests.
func WithTokenSource(ts oauth2.TokenSource) ClientOption {
	return func(c *Client) { c.tokens = ts }
}

// NewClient creates a client for the backend at baseURL.
func NewClient(baseURL, apiKey string, opts ...ClientOption) *Client {
	c := &Client{
		apiKey:  apiKey,
		baseURL: strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{
			Timeout: DefaultTimeout,
		},
		log: zerolog.Nop(),
	}

	for _, opt := range opts {
		opt(c)
	}
	if c.store == nil {
		c.store = NewMemoryStore()
	}
	c.log = c.log.With().Str("component", "client").Logger()

	c.Auth = &AuthClient{c: c}
	c.Profiles = &ProfilesClient{c: c}
	c.Storage = &StorageClient{c: c}
	c.Messages = &MessagesClient{c: c}
	return c
}

// SetTokenSource sets or replaces the bearer source for data requests,
// typically SessionManager.TokenSource.
func (c *Client) SetTokenSource(ts oauth2.TokenSource) {
	c.tokens = ts
}

// BaseURL returns the backend base URL.
func (c *Client) BaseURL() string { return c.baseURL }

// ============================================================================
// Internal request helper
// ============================================================================

// rawBody is a request body sent as-is instead of JSON.
type rawBody struct {
	data        []byte
	contentType string
}

func (c *Client) doRequest(ctx context.Context, method, path string, query url.Values, body any, prepare func(*http.Request) error) ([]byte, error) {
	u := c.baseURL + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}

	var bodyReader io.Reader
	contentType := ""
	switch b := body.(type) {
	case nil:
	case rawBody:
		bodyReader = bytes.NewReader(b.data)
		contentType = b.contentType
	default:
		data, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal request: %w", err)
		}
		bodyReader = bytes.NewReader(data)
		contentType = "application/json"
	}

	req, err := http.NewRequestWithContext(ctx, method, u, bodyReader)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	req.Header.Set("Accept", "application/json")
	if c.apiKey != "" {
		req.Header.Set("apikey", c.apiKey)
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}
	if prepare != nil {
		if err := prepare(req); err != nil {
			return nil, err
		}
	}

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	c.log.Debug().Str("method", method).Str("path", path).Int("status", resp.StatusCode).
		Dur("elapsed", time.Since(start)).Msg("backend request")
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}
	if resp.StatusCode >= 400 {
		return nil, decodeAPIError(resp.StatusCode, data)
	}
	return data, nil
}

// withSession stamps the current session's bearer token.
func (c *Client) withSession(req *http.Request) error {
	if c.tokens == nil {
		return ErrNotAuthenticated
	}
	tok, err := c.tokens.Token()
	if err != nil {
		return err
	}
	tok.SetAuthHeader(req)
	return nil
}

type errorBody struct {
	Code             any    `json:"code"`
	ErrorCode        string `json:"error_code"`
	Error            string `json:"error"`
	ErrorDescription string `json:"error_description"`
	Message          string `json:"message"`
	Msg              string `json:"msg"`
}

func decodeAPIError(status int, data []byte) *APIError {
	e := &APIError{Status: status}
	var body errorBody
	if json.Unmarshal(data, &body) == nil {
		switch {
		case body.ErrorCode != "":
			e.Code = body.ErrorCode
		case body.Error != "":
			e.Code = body.Error
		default:
			if s, ok := body.Code.(string); ok {
				e.Code = s
			}
		}
		for _, m := range []string{body.Message, body.Msg, body.ErrorDescription} {
			if m != "" {
				e.Message = m
				break
			}
		}
	}
	if e.Message == "" {
		e.Message = http.StatusText(status)
	}
	return e
}

func decodeJSON[T any](data []byte) (*T, error) {
	var result T
	if err := json.Unmarshal(data, &result); err != nil {
		return nil, fmt.Errorf("failed to unmarshal response: %w", err)
	}
	return &result, nil
}

// ============================================================================
// Auth
// ============================================================================

// AuthClient is the AuthBackend for the hosted auth service. It persists the
// session in the client's KeyValueStore.
type AuthClient struct {
	c       *Client
	changes listeners[*Session]
}

type tokenResponse struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	ExpiresAt    int64  `json:"expires_at"`
	ExpiresIn    int64  `json:"expires_in"`
	User         *User  `json:"user"`
}

func (r *tokenResponse) session() *Session {
	s := &Session{AccessToken: r.AccessToken, RefreshToken: r.RefreshToken}
	switch {
	case r.ExpiresAt > 0:
		s.ExpiresAt = time.Unix(r.ExpiresAt, 0)
	case r.ExpiresIn > 0:
		s.ExpiresAt = nowFunc().Add(time.Duration(r.ExpiresIn) * time.Second)
	default:
		s.ExpiresAt = TokenExpiry(r.AccessToken)
	}
	if r.User != nil {
		s.UserID = r.User.ID
		s.Email = r.User.Email
	}
	if s.UserID == "" {
		s.UserID = TokenSubject(r.AccessToken)
	}
	return s
}

func (a *AuthClient) grant(ctx context.Context, grantType string, body any) (*Session, error) {
	data, err := a.c.doRequest(ctx, http.MethodPost, "/auth/v1/token", url.Values{"grant_type": {grantType}}, body, nil)
	if err != nil {
		return nil, err
	}
	tr, err := decodeJSON[tokenResponse](data)
	if err != nil {
		return nil, err
	}
	if tr.AccessToken == "" {
		return nil, fmt.Errorf("token response without access_token: %w", ErrTokenMalformed)
	}
	s := tr.session()
	a.persist(s)
	return s, nil
}

// SignIn exchanges email and password for a session.
func (a *AuthClient) SignIn(ctx context.Context, email, password string) (*Session, error) {
	return a.grant(ctx, "password", map[string]string{"email": email, "password": password})
}

// RefreshSession exchanges a refresh token for a new session.
func (a *AuthClient) RefreshSession(ctx context.Context, refreshToken string) (*Session, error) {
	return a.grant(ctx, "refresh_token", map[string]string{"refresh_token": refreshToken})
}

// SignUp creates an account. The user must confirm their email before
// signing in.
func (a *AuthClient) SignUp(ctx context.Context, email, password string, metadata map[string]any) (*User, error) {
	payload := map[string]any{"email": email, "password": password}
	if len(metadata) > 0 {
		payload["data"] = metadata
	}
	data, err := a.c.doRequest(ctx, http.MethodPost, "/auth/v1/signup", nil, payload, nil)
	if err != nil {
		return nil, err
	}
	// Depending on auto-confirm the backend returns a bare user or a session.
	tr, err := decodeJSON[tokenResponse](data)
	if err == nil && tr.User != nil {
		if tr.AccessToken != "" {
			a.persist(tr.session())
		}
		return tr.User, nil
	}
	return decodeJSON[User](data)
}

// GetSession returns the persisted session, or nil.
func (a *AuthClient) GetSession(_ context.Context) (*Session, error) {
	raw, ok := a.c.store.Get(keySession)
	if !ok || raw == "" {
		return nil, nil
	}
	var s Session
	if err := json.Unmarshal([]byte(raw), &s); err != nil {
		a.c.log.Warn().Err(err).Msg("discarding unreadable persisted session")
		_ = a.c.store.Remove(keySession)
		return nil, nil
	}
	return &s, nil
}

// SignOut revokes the session server-side and always removes the local copy.
func (a *AuthClient) SignOut(ctx context.Context, accessToken string, scope SignOutScope) error {
	defer a.persist(nil)
	if accessToken == "" {
		return nil
	}
	if scope == "" {
		scope = SignOutLocal
	}
	_, err := a.c.doRequest(ctx, http.MethodPost, "/auth/v1/logout", url.Values{"scope": {string(scope)}}, nil,
		func(req *http.Request) error {
			req.Header.Set("Authorization", "Bearer "+accessToken)
			return nil
		})
	return err
}

// OnSessionChange registers fn for every session this adapter stores or
// clears.
func (a *AuthClient) OnSessionChange(fn func(*Session)) (unsubscribe func()) {
	return a.changes.add(fn)
}

func (a *AuthClient) persist(s *Session) {
	if s == nil {
		if err := a.c.store.Remove(keySession); err != nil {
			a.c.log.Warn().Err(err).Msg("cannot remove persisted session")
		}
	} else {
		data, _ := json.Marshal(s)
		if err := a.c.store.Set(keySession, string(data)); err != nil {
			a.c.log.Warn().Err(err).Msg("cannot persist session")
		}
	}
	a.changes.emit(s)
}

// ============================================================================
// Profiles
// ============================================================================

// ProfilesClient is the ProfileStore for the profiles table.
type ProfilesClient struct{ c *Client }

func idFilter(userID string) url.Values {
	return url.Values{"id": {"eq." + userID}, "select": {"*"}}
}

func returnRepresentation(merge bool) func(*http.Request) error {
	return func(req *http.Request) error {
		prefer := "return=representation"
		if merge {
			prefer = "resolution=merge-duplicates," + prefer
		}
		req.Header.Set("Prefer", prefer)
		return nil
	}
}

func (p *ProfilesClient) authed(extra func(*http.Request) error) func(*http.Request) error {
	return func(req *http.Request) error {
		if err := p.c.withSession(req); err != nil {
			return err
		}
		if extra != nil {
			return extra(req)
		}
		return nil
	}
}

func firstProfile(data []byte) (*UserSettings, error) {
	rows, err := decodeJSON[[]UserSettings](data)
	if err != nil {
		return nil, err
	}
	if len(*rows) == 0 {
		return nil, ErrProfileNotFound
	}
	return &(*rows)[0], nil
}

// GetProfile reads one profile. It returns ErrProfileNotFound if none exists.
func (p *ProfilesClient) GetProfile(ctx context.Context, userID string) (*UserSettings, error) {
	data, err := p.c.doRequest(ctx, http.MethodGet, "/rest/v1/profiles", idFilter(userID), nil, p.authed(nil))
	if err != nil {
		return nil, err
	}
	return firstProfile(data)
}

// UpsertProfile inserts the profile or merges it into the existing row.
func (p *ProfilesClient) UpsertProfile(ctx context.Context, profile *UserSettings) (*UserSettings, error) {
	body := map[string]any{
		"id":           profile.ID,
		"username":     profile.Username,
		"display_name": profile.DisplayName,
		"bio":          profile.Bio,
		"visibility":   profile.Visibility,
		"email":        profile.Email,
		"avatar_url":   profile.AvatarURL,
	}
	data, err := p.c.doRequest(ctx, http.MethodPost, "/rest/v1/profiles", nil, body, p.authed(returnRepresentation(true)))
	if err != nil {
		return nil, err
	}
	return firstProfile(data)
}

// UpdateProfile patches the given columns and returns the updated row.
func (p *ProfilesClient) UpdateProfile(ctx context.Context, userID string, patch ProfilePatch) (*UserSettings, error) {
	if len(patch) == 0 {
		return nil, fmt.Errorf("update profile: empty patch")
	}
	body := make(map[string]string, len(patch))
	for f, v := range patch {
		body[string(f)] = v
	}
	q := url.Values{"id": {"eq." + userID}}
	data, err := p.c.doRequest(ctx, http.MethodPatch, "/rest/v1/profiles", q, body, p.authed(returnRepresentation(false)))
	if err != nil {
		return nil, err
	}
	return firstProfile(data)
}

// ============================================================================
// Storage
// ============================================================================

// StorageClient is the ImageStorage for the avatars bucket.
type StorageClient struct{ c *Client }

// UploadImage stores data at path in the avatars bucket, replacing any
// existing object, and returns its public URL.
func (s *StorageClient) UploadImage(ctx context.Context, data []byte, path, contentType string) (string, error) {
	if contentType == "" {
		contentType = guessMimeType(path)
	}
	objectPath := "/storage/v1/object/" + avatarBucket + "/" + strings.TrimLeft(path, "/")
	_, err := s.c.doRequest(ctx, http.MethodPost, objectPath, nil, rawBody{data: data, contentType: contentType},
		func(req *http.Request) error {
			if err := s.c.withSession(req); err != nil {
				return err
			}
			req.Header.Set("x-upsert", "true")
			req.Header.Set("Cache-Control", "max-age=3600")
			return nil
		})
	if err != nil {
		return "", err
	}
	return s.PublicURL(path), nil
}

// PublicURL returns the public URL of an object in the avatars bucket.
func (s *StorageClient) PublicURL(path string) string {
	return s.c.baseURL + "/storage/v1/object/public/" + avatarBucket + "/" + strings.TrimLeft(path, "/")
}

// ============================================================================
// Messages
// ============================================================================

// MessagesClient is the MessageSender for the messages table.
type MessagesClient struct{ c *Client }

// SendMessage inserts a message and returns the stored row.
func (m *MessagesClient) SendMessage(ctx context.Context, msg *OutgoingMessage) (*Message, error) {
	data, err := m.c.doRequest(ctx, http.MethodPost, "/rest/v1/messages", nil, msg,
		func(req *http.Request) error {
			if err := m.c.withSession(req); err != nil {
				return err
			}
			if key, ok := msg.Metadata[idempotencyKey].(string); ok {
				req.Header.Set("Idempotency-Key", key)
			}
			return returnRepresentation(false)(req)
		})
	if err != nil {
		return nil, err
	}
	rows, err := decodeJSON[[]Message](data)
	if err != nil {
		return nil, err
	}
	if len(*rows) == 0 {
		return nil, fmt.Errorf("send message: empty response")
	}
	return &(*rows)[0], nil
}

// ============================================================================
// Helpers
// ============================================================================

// guessMimeType returns MIME type from file extension.
func guessMimeType(fileName string) string {
	ext := strings.ToLower(filepath.Ext(fileName))
	if ext == "" {
		return "application/octet-stream"
	}
	if t, ok := avatarTypes[ext]; ok {
		return t
	}
	t := mime.TypeByExtension(ext)
	if t != "" {
		if idx := strings.Index(t, ";"); idx > 0 {
			t = strings.TrimSpace(t[:idx])
		}
		return t
	}
	return "application/octet-stream"
}
