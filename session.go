package brainmessenger

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/oauth2"
	"golang.org/x/sync/singleflight"
)

// ============================================================================
// Backend Interface
// ============================================================================

// AuthBackend is the remote auth service the session manager drives.
type AuthBackend interface {
	SignIn(ctx context.Context, email, password string) (*Session, error)
	SignUp(ctx context.Context, email, password string, metadata map[string]any) (*User, error)
	// GetSession returns the current persisted session, or nil if there is none.
	GetSession(ctx context.Context) (*Session, error)
	RefreshSession(ctx context.Context, refreshToken string) (*Session, error)
	SignOut(ctx context.Context, accessToken string, scope SignOutScope) error
	// OnSessionChange registers fn for sessions set or cleared by the
	// backend itself. fn receives nil on sign-out.
	OnSessionChange(fn func(*Session)) (unsubscribe func())
}

// ============================================================================
// State
// ============================================================================

// SessionState is a state of the session lifecycle.
type SessionState string

const (
	SessionUninitialized   SessionState = "uninitialized"
	SessionLoading         SessionState = "loading"
	SessionAuthenticated   SessionState = "authenticated"
	SessionUnauthenticated SessionState = "unauthenticated"
	SessionError           SessionState = "error"
)

// SessionSnapshot is what subscribers render from. UserID and Email are only
// set while authenticated.
type SessionSnapshot struct {
	State   SessionState
	UserID  string
	Email   string
	Loading bool
	Err     *Error
	Errors  FieldErrors
}

// SessionOptions configures a SessionManager. Zero values take defaults.
type SessionOptions struct {
	Store         KeyValueStore
	Logger        *zerolog.Logger
	Metrics       *Metrics
	RefreshMargin time.Duration
	InitRetry     *RetryPolicy
	RefreshRetry  *RetryPolicy
}

// ============================================================================
// SessionManager
// ============================================================================

// SessionManager owns the current session and every transition of it.
type SessionManager struct {
	auth         AuthBackend
	store        KeyValueStore
	log          zerolog.Logger
	metrics      *Metrics
	margin       time.Duration
	initRetry    RetryPolicy
	refreshRetry RetryPolicy

	mu      sync.RWMutex
	state   SessionState
	session *Session
	lastErr *Error
	errs    FieldErrors
	// gen changes on every sign-in and sign-out. Refresh results from an
	// older generation are discarded.
	gen        uint64
	refreshing bool
	refreshGen uint64

	refreshes  singleflight.Group
	subs       listeners[SessionSnapshot]
	reauth     listeners[error]
	unsubAuth  func()
	background sync.WaitGroup
}

// NewSessionManager creates a manager in the Uninitialized state. Call
// Initialize to load the persisted session.
func NewSessionManager(auth AuthBackend, opts *SessionOptions) *SessionManager {
	m := &SessionManager{
		auth:         auth,
		log:          zerolog.Nop(),
		margin:       DefaultRefreshMargin,
		initRetry:    InitRetryPolicy(),
		refreshRetry: WriteRetryPolicy(),
		state:        SessionUninitialized,
		gen:          1,
	}
	if opts != nil {
		m.store = opts.Store
		m.metrics = opts.Metrics
		if opts.Logger != nil {
			m.log = *opts.Logger
		}
		if opts.RefreshMargin > 0 {
			m.margin = opts.RefreshMargin
		}
		if opts.InitRetry != nil {
			m.initRetry = *opts.InitRetry
		}
		if opts.RefreshRetry != nil {
			m.refreshRetry = *opts.RefreshRetry
		}
	}
	m.log = m.log.With().Str("component", "session").Logger()
	m.unsubAuth = auth.OnSessionChange(m.onBackendSession)
	return m
}

// Close detaches from the backend and waits for background refreshes.
func (m *SessionManager) Close() {
	if m.unsubAuth != nil {
		m.unsubAuth()
	}
	m.background.Wait()
	m.subs.clear()
	m.reauth.clear()
}

// Subscribe registers fn for every session transition.
func (m *SessionManager) Subscribe(fn func(SessionSnapshot)) (unsubscribe func()) {
	return m.subs.add(fn)
}

// OnReauthRequired registers fn for the global re-authentication signal.
func (m *SessionManager) OnReauthRequired(fn func(cause error)) (unsubscribe func()) {
	return m.reauth.add(fn)
}

// Snapshot returns the current state.
func (m *SessionManager) Snapshot() SessionSnapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.snapshotLocked()
}

func (m *SessionManager) snapshotLocked() SessionSnapshot {
	snap := SessionSnapshot{
		State:   m.state,
		Loading: m.state == SessionLoading,
		Err:     m.lastErr,
	}
	if m.errs != nil {
		snap.Errors = m.errs.clone()
	}
	if m.state == SessionAuthenticated && m.session != nil && IsCurrentlyValid(m.session.AccessToken) {
		snap.UserID = m.session.UserID
		snap.Email = m.session.Email
	}
	return snap
}

// IsAuthenticated reports whether a currently valid session is held.
func (m *SessionManager) IsAuthenticated() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state == SessionAuthenticated && m.session != nil && IsCurrentlyValid(m.session.AccessToken)
}

// CurrentSession returns a copy of the held session if its access token is
// currently valid, without refreshing.
func (m *SessionManager) CurrentSession() *Session {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.session == nil || !IsCurrentlyValid(m.session.AccessToken) {
		return nil
	}
	s := *m.session
	return &s
}

// LastSessionCheck returns when Initialize last ran, if a store is configured.
func (m *SessionManager) LastSessionCheck() time.Time {
	if m.store == nil {
		return time.Time{}
	}
	v, ok := m.store.Get(keyLastSessionCheck)
	if !ok {
		return time.Time{}
	}
	t, _ := time.Parse(time.RFC3339, v)
	return t
}

// transition replaces state, session and error together and notifies
// subscribers if anything changed.
func (m *SessionManager) transition(state SessionState, s *Session, err *Error, errs FieldErrors) {
	m.apply(0, false, state, s, err, errs)
}

// transitionAt is transition, skipped when the generation is no longer gen.
func (m *SessionManager) transitionAt(gen uint64, state SessionState, s *Session, err *Error, errs FieldErrors) bool {
	return m.apply(gen, false, state, s, err, errs)
}

func (m *SessionManager) apply(gen uint64, bump bool, state SessionState, s *Session, err *Error, errs FieldErrors) bool {
	m.mu.Lock()
	if gen != 0 && m.gen != gen {
		m.mu.Unlock()
		return false
	}
	if bump {
		m.gen++
	}
	same := m.state == state && m.lastErr == err && len(errs) == 0 && len(m.errs) == 0 &&
		sameSession(m.session, s)
	m.state = state
	m.session = s
	m.lastErr = err
	m.errs = errs
	snap := m.snapshotLocked()
	m.mu.Unlock()

	if same {
		return true
	}
	m.metrics.transition(state)
	m.log.Debug().Str("state", string(state)).Msg("session transition")
	m.subs.emit(snap)
	return true
}

// newGeneration starts a session generation and returns it.
func (m *SessionManager) newGeneration() uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.gen++
	return m.gen
}

func sameSession(a, b *Session) bool {
	if a == nil || b == nil {
		return a == b
	}
	return a.AccessToken == b.AccessToken && a.RefreshToken == b.RefreshToken
}

func (m *SessionManager) held() *Session {
	s, _ := m.current()
	return s
}

// current returns a copy of the held session and its generation.
func (m *SessionManager) current() (*Session, uint64) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.session == nil {
		return nil, m.gen
	}
	s := *m.session
	return &s, m.gen
}

// ============================================================================
// Lifecycle
// ============================================================================

// Initialize loads the persisted session, refreshing it if expired. A valid
// session close to expiry is refreshed in the background.
func (m *SessionManager) Initialize(ctx context.Context) error {
	held, gen := m.current()
	m.transition(SessionLoading, held, nil, nil)
	if m.store != nil {
		if err := m.store.Set(keyLastSessionCheck, nowFunc().UTC().Format(time.RFC3339)); err != nil {
			m.log.Warn().Err(err).Msg("cannot record session check")
		}
	}

	var s *Session
	err := m.initRetry.Do(ctx, func(ctx context.Context) error {
		var err error
		s, err = m.auth.GetSession(ctx)
		if err != nil {
			m.log.Warn().Err(err).Msg("get session failed")
		}
		return err
	})
	if err != nil {
		ce := Classify(err)
		if ce.requiresReauth() {
			m.forceSignOut(ctx, 0, nil, ce)
			return ce
		}
		m.transition(SessionError, nil, ce, nil)
		return ce
	}
	if s == nil {
		m.transition(SessionUnauthenticated, nil, nil, nil)
		return nil
	}

	if !IsCurrentlyValid(s.AccessToken) {
		m.log.Info().Msg("stored session expired, refreshing")
		fresh, err := m.refreshShared(ctx, s, gen, m.initRetry)
		if err != nil {
			ce := Classify(err)
			if !ce.requiresReauth() {
				// Keep the refresh token so a later Session call can retry.
				m.transition(SessionError, s, ce, nil)
			}
			return ce
		}
		m.log.Info().Str("user_id", fresh.UserID).Msg("session restored")
		return nil
	}

	m.transition(SessionAuthenticated, s, nil, nil)
	if NeedsRefresh(s.AccessToken, m.margin) {
		m.background.Add(1)
		go func() {
			defer m.background.Done()
			if _, err := m.refreshShared(context.WithoutCancel(ctx), s, gen, m.refreshRetry); err != nil {
				m.log.Warn().Err(err).Msg("background refresh failed")
			}
		}()
	}
	return nil
}

// SignIn authenticates with email and password. Failures leave the manager
// Unauthenticated with field-scoped errors in the snapshot.
func (m *SessionManager) SignIn(ctx context.Context, email, password string) error {
	email = NormalizeEmail(email)
	errs := FieldErrors{}
	if err := ValidateEmail(email); err != nil {
		errs.AddError("email", err)
	}
	if password == "" {
		errs.Add("password", "Password is required.")
	}
	if len(errs) > 0 {
		m.transition(SessionUnauthenticated, nil, nil, errs)
		return &Error{Kind: KindValidation, Code: CodeInvalidInput, Field: firstField(errs), Message: "Please fix the highlighted fields."}
	}

	gen := m.newGeneration()
	m.transitionAt(gen, SessionLoading, nil, nil, nil)
	s, err := m.auth.SignIn(ctx, email, password)
	if err == nil && !IsCurrentlyValid(s.AccessToken) {
		err = ErrTokenMalformed
	}
	if err != nil {
		ce := Classify(err)
		errs.AddError("", ce)
		m.log.Info().Str("code", ce.Code).Msg("sign in failed")
		m.transitionAt(gen, SessionUnauthenticated, nil, ce, errs)
		return ce
	}
	if s.Email == "" {
		s.Email = email
	}
	if !m.transitionAt(gen, SessionAuthenticated, s, nil, nil) {
		m.log.Info().Msg("sign in superseded")
		return Classify(ErrNotAuthenticated)
	}
	m.log.Info().Str("user_id", s.UserID).Msg("signed in")
	return nil
}

// SignUp registers a new account. The session state does not change; the
// backend usually requires email confirmation first.
func (m *SessionManager) SignUp(ctx context.Context, email, password, displayName string) (*User, error) {
	email = NormalizeEmail(email)
	if err := ValidateEmail(email); err != nil {
		return nil, err
	}
	if err := ValidatePassword(password); err != nil {
		return nil, err
	}
	if displayName == "" {
		displayName = DefaultUsername(email)
	}
	user, err := m.auth.SignUp(ctx, email, password, map[string]any{"display_name": displayName})
	if err != nil {
		return nil, Classify(err)
	}
	return user, nil
}

// SignOut invalidates the session server-side on a best-effort basis and
// always clears local state. It never fails.
func (m *SessionManager) SignOut(ctx context.Context) error {
	m.forceSignOut(ctx, 0, m.held(), nil)
	m.log.Info().Msg("signed out")
	return nil
}

// forceSignOut clears local state first and then revokes s remotely. A
// non-zero gen makes it a no-op once that generation has ended.
func (m *SessionManager) forceSignOut(ctx context.Context, gen uint64, s *Session, reason *Error) bool {
	if !m.apply(gen, true, SessionUnauthenticated, nil, reason, nil) {
		return false
	}
	if s != nil {
		if err := m.auth.SignOut(ctx, s.AccessToken, SignOutLocal); err != nil {
			m.log.Warn().Err(err).Msg("remote sign out failed, cleared locally")
		}
	}
	return true
}

// ============================================================================
// Token access
// ============================================================================

// Session returns a currently valid session, refreshing it first when it is
// expired or inside the refresh margin. Every remote write goes through here.
func (m *SessionManager) Session(ctx context.Context) (*Session, error) {
	s, gen := m.current()
	if s == nil {
		return nil, Classify(ErrNotAuthenticated)
	}
	valid := IsCurrentlyValid(s.AccessToken)
	if valid && !NeedsRefresh(s.AccessToken, m.margin) {
		return s, nil
	}

	fresh, err := m.refreshShared(ctx, s, gen, m.refreshRetry)
	if err == nil {
		return fresh, nil
	}
	if cur, g := m.current(); valid && IsCurrentlyValid(s.AccessToken) && cur != nil && g == gen {
		m.log.Warn().Err(err).Msg("proactive refresh failed, using current token")
		return s, nil
	}
	return nil, Classify(err)
}

// Refresh forces a token refresh. Concurrent callers share one request.
func (m *SessionManager) Refresh(ctx context.Context) (*Session, error) {
	s, gen := m.current()
	if s == nil {
		return nil, Classify(ErrNotAuthenticated)
	}
	return m.refreshShared(ctx, s, gen, m.refreshRetry)
}

// TokenSource exposes the session as an oauth2.TokenSource.
func (m *SessionManager) TokenSource() oauth2.TokenSource {
	return sessionTokenSource{m: m}
}

type sessionTokenSource struct{ m *SessionManager }

func (ts sessionTokenSource) Token() (*oauth2.Token, error) {
	ctx, cancel := context.WithTimeout(context.Background(), DefaultTimeout)
	defer cancel()
	s, err := ts.m.Session(ctx)
	if err != nil {
		return nil, err
	}
	return &oauth2.Token{
		AccessToken:  s.AccessToken,
		RefreshToken: s.RefreshToken,
		TokenType:    "Bearer",
		Expiry:       s.ExpiresAt,
	}, nil
}

// refreshShared runs at most one refresh at a time; callers arriving while one
// is in flight wait for its result. The shared call is detached from any one
// caller's cancellation. gen is the generation from was read in.
func (m *SessionManager) refreshShared(ctx context.Context, from *Session, gen uint64, policy RetryPolicy) (*Session, error) {
	ch := m.refreshes.DoChan("refresh", func() (any, error) {
		return m.doRefresh(context.WithoutCancel(ctx), from, gen, policy)
	})
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case r := <-ch:
		if r.Err != nil {
			return nil, r.Err
		}
		s := *r.Val.(*Session)
		return &s, nil
	}
}

func (m *SessionManager) doRefresh(ctx context.Context, from *Session, gen uint64, policy RetryPolicy) (*Session, error) {
	m.mu.Lock()
	if m.gen != gen {
		m.mu.Unlock()
		return nil, Classify(ErrNotAuthenticated)
	}
	m.refreshing, m.refreshGen = true, gen
	m.mu.Unlock()
	defer func() {
		m.mu.Lock()
		m.refreshing = false
		m.mu.Unlock()
	}()

	// Another refresh may have replaced the session while this one queued.
	if cur := m.held(); cur != nil && cur.RefreshToken != from.RefreshToken && IsCurrentlyValid(cur.AccessToken) &&
		!NeedsRefresh(cur.AccessToken, m.margin) {
		return cur, nil
	}

	var fresh *Session
	err := policy.Do(ctx, func(ctx context.Context) error {
		var err error
		fresh, err = m.auth.RefreshSession(ctx, from.RefreshToken)
		if err != nil {
			m.log.Warn().Err(err).Msg("refresh attempt failed")
		}
		return err
	})
	if err == nil && !IsCurrentlyValid(fresh.AccessToken) {
		err = &Error{Kind: KindAuth, Code: CodeInvalidRefreshToken, Field: FormField,
			Message: "Your session has expired. Please sign in again.", Err: ErrTokenMalformed}
	}
	m.metrics.refresh(outcome(err))
	if err != nil {
		ce := Classify(err)
		if ce.requiresReauth() && m.forceSignOut(ctx, gen, from, ce) {
			m.log.Info().Str("code", ce.Code).Msg("refresh rejected, signed out")
		}
		return nil, ce
	}
	if fresh.Email == "" {
		fresh.Email = from.Email
	}
	if fresh.UserID == "" {
		fresh.UserID = from.UserID
	}
	if !m.transitionAt(gen, SessionAuthenticated, fresh, nil, nil) {
		m.log.Info().Msg("session ended during refresh, discarding result")
		if m.held() == nil {
			if err := m.auth.SignOut(ctx, fresh.AccessToken, SignOutLocal); err != nil {
				m.log.Warn().Err(err).Msg("cannot revoke discarded session")
			}
		}
		return nil, Classify(ErrNotAuthenticated)
	}
	return fresh, nil
}

// RequestReauth raises the global re-authentication signal, then tries one
// refresh. If that fails for any reason the user is signed out locally.
func (m *SessionManager) RequestReauth(ctx context.Context, cause error) {
	m.log.Info().Err(cause).Msg("re-authentication required")
	m.reauth.emit(cause)

	s, gen := m.current()
	if s == nil {
		m.transition(SessionUnauthenticated, nil, Classify(cause), nil)
		return
	}
	if _, err := m.refreshShared(ctx, s, gen, NoRetry()); err != nil {
		if m.forceSignOut(ctx, gen, s, Classify(cause)) {
			m.log.Warn().Err(err).Msg("refresh after re-auth signal failed, signed out")
		}
	}
}

func (m *SessionManager) onBackendSession(s *Session) {
	m.mu.RLock()
	gen := m.gen
	stale := m.refreshing && m.refreshGen != gen
	m.mu.RUnlock()
	cur := m.held()

	if s == nil {
		if cur != nil {
			m.transitionAt(gen, SessionUnauthenticated, nil, nil, nil)
		}
		return
	}
	if stale {
		m.log.Debug().Msg("ignoring session stored by a superseded refresh")
		return
	}
	if !IsCurrentlyValid(s.AccessToken) {
		m.log.Warn().Msg("ignoring invalid session from backend")
		return
	}
	if cur != nil && sameSession(cur, s) {
		return
	}
	cp := *s
	m.transitionAt(gen, SessionAuthenticated, &cp, nil, nil)
}

func firstField(errs FieldErrors) string {
	for _, f := range []string{"email", "password", FormField} {
		if len(errs[f]) > 0 {
			return f
		}
	}
	return FormField
}
