package brainmessenger

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/require"
)

// ============================================================================
// Tokens
// ============================================================================

// mintToken signs a token for sub expiring at exp. The SDK never verifies
// signatures, so the key is arbitrary.
func mintToken(t *testing.T, sub string, exp time.Time) string {
	t.Helper()
	return mintTokenClaims(t, jwt.MapClaims{"sub": sub, "exp": exp.Unix()})
}

func mintTokenClaims(t *testing.T, claims jwt.MapClaims) string {
	t.Helper()
	tok, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte("test-key"))
	require.NoError(t, err)
	return tok
}

func validSession(t *testing.T, userID string, ttl time.Duration) *Session {
	t.Helper()
	exp := time.Now().Add(ttl)
	return &Session{
		AccessToken:  mintToken(t, userID, exp),
		RefreshToken: "refresh-" + userID + "-" + time.Now().Format(time.RFC3339Nano),
		UserID:       userID,
		Email:        userID + "@example.com",
		ExpiresAt:    exp,
	}
}

func fastRetry(attempts int) *RetryPolicy {
	return &RetryPolicy{MaxAttempts: attempts, Delay: FixedDelay(time.Millisecond), Retryable: IsTransient}
}

// ============================================================================
// fakeAuth
// ============================================================================

type fakeAuth struct {
	mu        sync.Mutex
	stored    *Session
	signIn    func(email, password string) (*Session, error)
	refresh   func(refreshToken string) (*Session, error)
	getErr    error
	refreshes int
	signOuts  int
	changes   listeners[*Session]
}

func (f *fakeAuth) SignIn(_ context.Context, email, password string) (*Session, error) {
	if f.signIn == nil {
		return nil, &APIError{Status: 400, Code: "invalid_credentials", Message: "Invalid login credentials"}
	}
	return f.signIn(email, password)
}

func (f *fakeAuth) SignUp(_ context.Context, email, _ string, metadata map[string]any) (*User, error) {
	return &User{ID: "new-user", Email: email, Metadata: metadata}, nil
}

func (f *fakeAuth) GetSession(context.Context) (*Session, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.getErr != nil {
		return nil, f.getErr
	}
	if f.stored == nil {
		return nil, nil
	}
	s := *f.stored
	return &s, nil
}

func (f *fakeAuth) RefreshSession(_ context.Context, refreshToken string) (*Session, error) {
	f.mu.Lock()
	f.refreshes++
	fn := f.refresh
	f.mu.Unlock()
	if fn == nil {
		return nil, &APIError{Status: 400, Code: "refresh_token_not_found", Message: "Invalid Refresh Token"}
	}
	return fn(refreshToken)
}

func (f *fakeAuth) SignOut(context.Context, string, SignOutScope) error {
	f.mu.Lock()
	f.signOuts++
	f.stored = nil
	f.mu.Unlock()
	return nil
}

func (f *fakeAuth) OnSessionChange(fn func(*Session)) func() {
	return f.changes.add(fn)
}

func (f *fakeAuth) refreshCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.refreshes
}

// ============================================================================
// fakeSessions
// ============================================================================

type fakeSessions struct {
	mu      sync.Mutex
	err     error
	reauths []error
}

func (f *fakeSessions) Session(context.Context) (*Session, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	return &Session{AccessToken: "token", UserID: "u1"}, nil
}

func (f *fakeSessions) RequestReauth(_ context.Context, cause error) {
	f.mu.Lock()
	f.reauths = append(f.reauths, cause)
	f.mu.Unlock()
}

func (f *fakeSessions) reauthCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.reauths)
}

// ============================================================================
// fakeProfiles
// ============================================================================

type profileWrite struct {
	Field Field
	Value string
}

type fakeProfiles struct {
	mu       sync.Mutex
	record   *UserSettings
	clock    time.Time
	writes   []profileWrite
	upserts  int
	gets     int
	fail     map[Field]error
	getErr   error
	block    chan struct{} // when set, UpdateProfile waits on it
	onUpdate func(f Field, v string)
}

func newFakeProfiles(rec *UserSettings) *fakeProfiles {
	clock := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	if rec != nil && rec.LastUpdateTime.IsZero() {
		rec.LastUpdateTime = clock
	}
	return &fakeProfiles{record: rec, clock: clock, fail: map[Field]error{}}
}

func (f *fakeProfiles) tick() time.Time {
	f.clock = f.clock.Add(time.Second)
	return f.clock
}

func (f *fakeProfiles) GetProfile(_ context.Context, userID string) (*UserSettings, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.gets++
	if f.getErr != nil {
		return nil, f.getErr
	}
	if f.record == nil || f.record.ID != userID {
		return nil, ErrProfileNotFound
	}
	r := *f.record
	return &r, nil
}

func (f *fakeProfiles) UpsertProfile(_ context.Context, p *UserSettings) (*UserSettings, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.upserts++
	r := *p
	r.LastUpdateTime = f.tick()
	f.record = &r
	out := r
	return &out, nil
}

func (f *fakeProfiles) UpdateProfile(_ context.Context, userID string, patch ProfilePatch) (*UserSettings, error) {
	f.mu.Lock()
	block := f.block
	f.mu.Unlock()
	if block != nil {
		<-block
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	for field, v := range patch {
		f.writes = append(f.writes, profileWrite{field, v})
		if f.onUpdate != nil {
			f.onUpdate(field, v)
		}
		if err := f.fail[field]; err != nil {
			return nil, err
		}
	}
	if f.record == nil || f.record.ID != userID {
		return nil, ErrProfileNotFound
	}
	for field, v := range patch {
		f.record.set(field, v)
	}
	f.record.LastUpdateTime = f.tick()
	r := *f.record
	return &r, nil
}

// remoteEdit changes the record as another device would.
func (f *fakeProfiles) remoteEdit(field Field, v string) ProfileChange {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record.set(field, v)
	f.record.LastUpdateTime = f.tick()
	r := *f.record
	return ProfileChange{UserID: r.ID, UpdatedAt: r.LastUpdateTime, Record: &r}
}

func (f *fakeProfiles) writeLog() []profileWrite {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]profileWrite(nil), f.writes...)
}

func (f *fakeProfiles) getCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.gets
}

func (f *fakeProfiles) setFail(field Field, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fail[field] = err
}

// ============================================================================
// fakeSender
// ============================================================================

type fakeSender struct {
	mu     sync.Mutex
	sent   []OutgoingMessage
	failOn map[string]error // by content
	err    error
}

func (f *fakeSender) SendMessage(_ context.Context, msg *OutgoingMessage) (*Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	if err := f.failOn[msg.Content]; err != nil {
		return nil, err
	}
	f.sent = append(f.sent, *msg)
	return &Message{
		ID:        "srv-" + msg.Content,
		ChatID:    msg.ChatID,
		SenderID:  msg.SenderID,
		Content:   msg.Content,
		Type:      msg.Type,
		CreatedAt: time.Now(),
	}, nil
}

func (f *fakeSender) contents() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.sent))
	for i, m := range f.sent {
		out[i] = m.Content
	}
	return out
}
