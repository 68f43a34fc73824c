package brainmessenger

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func newTestSessionManager(auth *fakeAuth, store KeyValueStore) *SessionManager {
	return NewSessionManager(auth, &SessionOptions{
		Store:        store,
		InitRetry:    fastRetry(3),
		RefreshRetry: fastRetry(3),
	})
}

func TestSessionInitialize(t *testing.T) {
	t.Run("no stored session", func(t *testing.T) {
		m := newTestSessionManager(&fakeAuth{}, nil)
		defer m.Close()

		require.Equal(t, SessionUninitialized, m.Snapshot().State)
		require.NoError(t, m.Initialize(context.Background()))
		require.Equal(t, SessionUnauthenticated, m.Snapshot().State)
		require.False(t, m.IsAuthenticated())
	})

	t.Run("valid stored session", func(t *testing.T) {
		s := validSession(t, "u1", time.Hour)
		store := NewMemoryStore()
		m := newTestSessionManager(&fakeAuth{stored: s}, store)
		defer m.Close()

		var states []SessionState
		m.Subscribe(func(snap SessionSnapshot) { states = append(states, snap.State) })

		require.NoError(t, m.Initialize(context.Background()))
		snap := m.Snapshot()
		require.Equal(t, SessionAuthenticated, snap.State)
		require.Equal(t, "u1", snap.UserID)
		require.Equal(t, s.Email, snap.Email)
		require.Equal(t, []SessionState{SessionLoading, SessionAuthenticated}, states)
		require.WithinDuration(t, time.Now(), m.LastSessionCheck(), 5*time.Second)
	})

	t.Run("expired session is refreshed", func(t *testing.T) {
		expired := validSession(t, "u1", -time.Minute)
		fresh := validSession(t, "u1", time.Hour)
		var usedToken string
		auth := &fakeAuth{stored: expired, refresh: func(rt string) (*Session, error) {
			usedToken = rt
			return fresh, nil
		}}
		m := newTestSessionManager(auth, nil)
		defer m.Close()

		require.NoError(t, m.Initialize(context.Background()))
		require.Equal(t, SessionAuthenticated, m.Snapshot().State)
		require.Equal(t, fresh.AccessToken, m.CurrentSession().AccessToken)
		require.Equal(t, 1, auth.refreshCount())
		require.Equal(t, expired.RefreshToken, usedToken)
	})

	t.Run("expired session with rejected refresh", func(t *testing.T) {
		auth := &fakeAuth{stored: validSession(t, "u1", -time.Minute)}
		m := newTestSessionManager(auth, nil)
		defer m.Close()

		err := m.Initialize(context.Background())
		require.Error(t, err)
		require.True(t, IsAuth(err))

		snap := m.Snapshot()
		require.Equal(t, SessionUnauthenticated, snap.State)
		require.Empty(t, snap.UserID)
		require.Equal(t, 1, auth.signOuts)
	})

	t.Run("expired session with rate limited refresh", func(t *testing.T) {
		stored := validSession(t, "u1", -time.Minute)
		auth := &fakeAuth{stored: stored, refresh: func(string) (*Session, error) {
			return nil, &APIError{Status: 429, Code: "over_request_rate_limit", Message: "Request rate limit reached"}
		}}
		m := newTestSessionManager(auth, nil)
		defer m.Close()

		err := m.Initialize(context.Background())
		require.True(t, IsRateLimited(err))
		require.False(t, RequiresReauth(err))

		snap := m.Snapshot()
		require.Equal(t, SessionError, snap.State)
		require.Equal(t, CodeRateLimited, snap.Err.Code)
		require.Equal(t, stored.RefreshToken, m.held().RefreshToken)
		require.Zero(t, auth.signOuts)
		require.Equal(t, 1, auth.refreshCount())
	})

	t.Run("backend unavailable", func(t *testing.T) {
		auth := &fakeAuth{getErr: &APIError{Status: 503, Message: "down"}}
		m := newTestSessionManager(auth, nil)
		defer m.Close()

		err := m.Initialize(context.Background())
		require.True(t, IsTransient(err))
		snap := m.Snapshot()
		require.Equal(t, SessionError, snap.State)
		require.NotNil(t, snap.Err)
	})

	t.Run("near expiry refreshes in background", func(t *testing.T) {
		soon := validSession(t, "u1", time.Minute)
		fresh := validSession(t, "u1", time.Hour)
		auth := &fakeAuth{stored: soon, refresh: func(string) (*Session, error) { return fresh, nil }}
		m := newTestSessionManager(auth, nil)
		defer m.Close()

		require.NoError(t, m.Initialize(context.Background()))
		require.Eventually(t, func() bool {
			s := m.CurrentSession()
			return s != nil && s.AccessToken == fresh.AccessToken
		}, time.Second, 5*time.Millisecond)
	})
}

func TestSessionSingleFlightRefresh(t *testing.T) {
	expired := validSession(t, "u1", -time.Minute)
	fresh := validSession(t, "u1", time.Hour)

	release := make(chan struct{})
	auth := &fakeAuth{refresh: func(string) (*Session, error) {
		<-release
		return fresh, nil
	}}
	m := newTestSessionManager(auth, nil)
	defer m.Close()
	m.transition(SessionAuthenticated, expired, nil, nil)

	const callers = 10
	var wg sync.WaitGroup
	tokens := make([]string, callers)
	errs := make([]error, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			s, err := m.Session(context.Background())
			errs[i] = err
			if s != nil {
				tokens[i] = s.AccessToken
			}
		}(i)
	}

	require.Eventually(t, func() bool { return auth.refreshCount() == 1 }, time.Second, time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	close(release)
	wg.Wait()

	require.Equal(t, 1, auth.refreshCount())
	for i := 0; i < callers; i++ {
		require.NoError(t, errs[i])
		require.Equal(t, fresh.AccessToken, tokens[i])
	}
}

func TestSessionGate(t *testing.T) {
	t.Run("not authenticated", func(t *testing.T) {
		m := newTestSessionManager(&fakeAuth{}, nil)
		defer m.Close()
		_, err := m.Session(context.Background())
		require.True(t, IsAuth(err))
	})

	t.Run("valid token passes through", func(t *testing.T) {
		auth := &fakeAuth{}
		m := newTestSessionManager(auth, nil)
		defer m.Close()
		s := validSession(t, "u1", time.Hour)
		m.transition(SessionAuthenticated, s, nil, nil)

		got, err := m.Session(context.Background())
		require.NoError(t, err)
		require.Equal(t, s.AccessToken, got.AccessToken)
		require.Zero(t, auth.refreshCount())
	})

	t.Run("proactive refresh failure keeps valid token", func(t *testing.T) {
		auth := &fakeAuth{refresh: func(string) (*Session, error) {
			return nil, &APIError{Status: 503, Message: "down"}
		}}
		m := newTestSessionManager(auth, nil)
		defer m.Close()
		s := validSession(t, "u1", time.Minute)
		m.transition(SessionAuthenticated, s, nil, nil)

		got, err := m.Session(context.Background())
		require.NoError(t, err)
		require.Equal(t, s.AccessToken, got.AccessToken)
		require.Equal(t, 3, auth.refreshCount())
	})

	t.Run("expired token with transient failure keeps session", func(t *testing.T) {
		auth := &fakeAuth{refresh: func(string) (*Session, error) {
			return nil, &APIError{Status: 503, Message: "down"}
		}}
		m := newTestSessionManager(auth, nil)
		defer m.Close()
		s := validSession(t, "u1", -time.Minute)
		m.transition(SessionAuthenticated, s, nil, nil)

		_, err := m.Session(context.Background())
		require.True(t, IsTransient(err))
		require.NotNil(t, m.held())
	})

	t.Run("rate limited refresh keeps session", func(t *testing.T) {
		auth := &fakeAuth{refresh: func(string) (*Session, error) {
			return nil, &APIError{Status: 429, Message: "Too many requests"}
		}}
		m := newTestSessionManager(auth, nil)
		defer m.Close()
		m.transition(SessionAuthenticated, validSession(t, "u1", -time.Minute), nil, nil)

		_, err := m.Session(context.Background())
		require.True(t, IsRateLimited(err))
		require.NotNil(t, m.held())
		require.Zero(t, auth.signOuts)
		require.Equal(t, 1, auth.refreshCount())
	})

	t.Run("rejected refresh signs out", func(t *testing.T) {
		auth := &fakeAuth{}
		m := newTestSessionManager(auth, nil)
		defer m.Close()
		m.transition(SessionAuthenticated, validSession(t, "u1", -time.Minute), nil, nil)

		_, err := m.Session(context.Background())
		require.True(t, IsAuth(err))
		require.Equal(t, SessionUnauthenticated, m.Snapshot().State)
		require.Nil(t, m.held())
	})
}

func TestSessionSignIn(t *testing.T) {
	t.Run("validation errors stay local", func(t *testing.T) {
		called := false
		auth := &fakeAuth{signIn: func(string, string) (*Session, error) {
			called = true
			return nil, nil
		}}
		m := newTestSessionManager(auth, nil)
		defer m.Close()

		err := m.SignIn(context.Background(), "not-an-email", "")
		require.Error(t, err)
		require.Equal(t, KindValidation, KindOf(err))
		require.False(t, called)

		snap := m.Snapshot()
		require.Equal(t, SessionUnauthenticated, snap.State)
		require.NotEmpty(t, snap.Errors["email"])
		require.NotEmpty(t, snap.Errors["password"])
	})

	t.Run("invalid credentials", func(t *testing.T) {
		m := newTestSessionManager(&fakeAuth{}, nil)
		defer m.Close()

		err := m.SignIn(context.Background(), "ada@example.com", "wrongpass1")
		require.True(t, IsAuth(err))
		snap := m.Snapshot()
		require.Equal(t, SessionUnauthenticated, snap.State)
		require.Equal(t, []string{"Invalid email or password."}, snap.Errors[FormField])
	})

	t.Run("email not confirmed is shown on email", func(t *testing.T) {
		auth := &fakeAuth{signIn: func(string, string) (*Session, error) {
			return nil, &APIError{Status: 400, Code: "email_not_confirmed", Message: "Email not confirmed"}
		}}
		m := newTestSessionManager(auth, nil)
		defer m.Close()

		require.Error(t, m.SignIn(context.Background(), "ada@example.com", "hunter22a"))
		require.NotEmpty(t, m.Snapshot().Errors["email"])
	})

	t.Run("success normalizes email", func(t *testing.T) {
		s := validSession(t, "u1", time.Hour)
		s.Email = ""
		var gotEmail string
		auth := &fakeAuth{signIn: func(email, _ string) (*Session, error) {
			gotEmail = email
			return s, nil
		}}
		m := newTestSessionManager(auth, nil)
		defer m.Close()

		require.NoError(t, m.SignIn(context.Background(), "  Ada@Example.com ", "hunter22a"))
		require.Equal(t, "ada@example.com", gotEmail)
		snap := m.Snapshot()
		require.Equal(t, SessionAuthenticated, snap.State)
		require.Equal(t, "ada@example.com", snap.Email)
	})

	t.Run("expired token from backend is rejected", func(t *testing.T) {
		auth := &fakeAuth{signIn: func(string, string) (*Session, error) {
			return validSession(t, "u1", -time.Minute), nil
		}}
		m := newTestSessionManager(auth, nil)
		defer m.Close()

		require.Error(t, m.SignIn(context.Background(), "ada@example.com", "hunter22a"))
		require.False(t, m.IsAuthenticated())
	})
}

func TestSessionSignUp(t *testing.T) {
	m := newTestSessionManager(&fakeAuth{}, nil)
	defer m.Close()

	_, err := m.SignUp(context.Background(), "ada@example.com", "short", "")
	require.Equal(t, "password", Classify(err).Field)

	user, err := m.SignUp(context.Background(), "Ada.L@Example.com", "hunter22a", "")
	require.NoError(t, err)
	require.Equal(t, "ada.l@example.com", user.Email)
	require.Equal(t, "ada_l", user.Metadata["display_name"])
	require.Equal(t, SessionUninitialized, m.Snapshot().State)
}

func TestSessionSignOut(t *testing.T) {
	auth := &fakeAuth{}
	m := newTestSessionManager(auth, nil)
	defer m.Close()
	m.transition(SessionAuthenticated, validSession(t, "u1", time.Hour), nil, nil)

	require.NoError(t, m.SignOut(context.Background()))
	require.Equal(t, SessionUnauthenticated, m.Snapshot().State)
	require.Nil(t, m.CurrentSession())
	require.Equal(t, 1, auth.signOuts)
}

func TestSessionSignOutDuringRefresh(t *testing.T) {
	started := make(chan struct{})
	release := make(chan struct{})
	auth := &fakeAuth{}
	auth.refresh = func(string) (*Session, error) {
		close(started)
		<-release
		fresh := validSession(t, "u1", time.Hour)
		// The HTTP adapter reports every session it stores.
		auth.changes.emit(fresh)
		return fresh, nil
	}
	m := newTestSessionManager(auth, nil)
	defer m.Close()
	m.transition(SessionAuthenticated, validSession(t, "u1", -time.Minute), nil, nil)

	done := make(chan error, 1)
	go func() {
		_, err := m.Session(context.Background())
		done <- err
	}()
	<-started

	require.NoError(t, m.SignOut(context.Background()))
	close(release)

	err := <-done
	require.True(t, RequiresReauth(err))
	require.Equal(t, SessionUnauthenticated, m.Snapshot().State)
	require.Nil(t, m.CurrentSession())
	require.False(t, m.IsAuthenticated())
	// One sign-out by the user, one revoking the discarded refresh.
	auth.mu.Lock()
	require.Equal(t, 2, auth.signOuts)
	auth.mu.Unlock()
}

func TestSessionSignInDuringRefresh(t *testing.T) {
	started := make(chan struct{})
	release := make(chan struct{})
	auth := &fakeAuth{}
	auth.refresh = func(string) (*Session, error) {
		close(started)
		<-release
		return validSession(t, "old", time.Hour), nil
	}
	next := validSession(t, "new", time.Hour)
	auth.signIn = func(string, string) (*Session, error) { return next, nil }
	m := newTestSessionManager(auth, nil)
	defer m.Close()
	m.transition(SessionAuthenticated, validSession(t, "old", -time.Minute), nil, nil)

	done := make(chan error, 1)
	go func() {
		_, err := m.Session(context.Background())
		done <- err
	}()
	<-started

	require.NoError(t, m.SignIn(context.Background(), "new@example.com", "secret123"))
	close(release)
	<-done

	require.Equal(t, next.AccessToken, m.CurrentSession().AccessToken)
	require.Equal(t, SessionAuthenticated, m.Snapshot().State)
}

func TestSessionRequestReauth(t *testing.T) {
	auth := &fakeAuth{}
	m := newTestSessionManager(auth, nil)
	defer m.Close()
	m.transition(SessionAuthenticated, validSession(t, "u1", time.Hour), nil, nil)

	var causes []error
	m.OnReauthRequired(func(err error) { causes = append(causes, err) })

	cause := Classify(&APIError{Status: 401, Message: "JWT expired"})
	m.RequestReauth(context.Background(), cause)

	require.Len(t, causes, 1)
	require.Equal(t, SessionUnauthenticated, m.Snapshot().State)
	require.Equal(t, 1, auth.refreshCount())
}

func TestSessionRequestReauthAfterFailedRefresh(t *testing.T) {
	auth := &fakeAuth{refresh: func(string) (*Session, error) {
		return nil, &APIError{Status: 503, Message: "down"}
	}}
	m := newTestSessionManager(auth, nil)
	defer m.Close()
	m.transition(SessionAuthenticated, validSession(t, "u1", time.Hour), nil, nil)

	var reauths int
	m.OnReauthRequired(func(error) { reauths++ })

	m.RequestReauth(context.Background(), Classify(&APIError{Status: 401, Message: "JWT expired"}))

	snap := m.Snapshot()
	require.Equal(t, 1, reauths)
	require.Equal(t, SessionUnauthenticated, snap.State)
	require.Equal(t, CodeSessionExpired, snap.Err.Code)
	require.Nil(t, m.held())
	require.Equal(t, 1, auth.signOuts)
	require.Equal(t, 1, auth.refreshCount())
}

func TestSessionBackendChanges(t *testing.T) {
	auth := &fakeAuth{}
	m := newTestSessionManager(auth, nil)
	defer m.Close()

	s := validSession(t, "u1", time.Hour)
	auth.changes.emit(s)
	require.Equal(t, SessionAuthenticated, m.Snapshot().State)
	require.Equal(t, "u1", m.Snapshot().UserID)

	auth.changes.emit(validSession(t, "u1", -time.Minute))
	require.Equal(t, s.AccessToken, m.CurrentSession().AccessToken)

	auth.changes.emit(nil)
	require.Equal(t, SessionUnauthenticated, m.Snapshot().State)
}
