package brainmessenger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// DefaultDebounce is the quiet period before an edited field is written.
const DefaultDebounce = 750 * time.Millisecond

// MaxAvatarSize is the largest avatar image accepted for upload.
const MaxAvatarSize = 5 << 20

var avatarTypes = map[string]string{
	".png":  "image/png",
	".jpg":  "image/jpeg",
	".jpeg": "image/jpeg",
	".gif":  "image/gif",
	".webp": "image/webp",
}

// ============================================================================
// Backend Interfaces
// ============================================================================

// ProfileStore is the remote profile record store.
type ProfileStore interface {
	// GetProfile returns ErrProfileNotFound if no record exists.
	GetProfile(ctx context.Context, userID string) (*UserSettings, error)
	UpsertProfile(ctx context.Context, profile *UserSettings) (*UserSettings, error)
	UpdateProfile(ctx context.Context, userID string, patch ProfilePatch) (*UserSettings, error)
}

// ImageStorage stores images and returns their public URL.
type ImageStorage interface {
	UploadImage(ctx context.Context, data []byte, path, contentType string) (string, error)
}

// SessionSource hands out valid sessions and accepts the re-authentication
// signal. *SessionManager implements it.
type SessionSource interface {
	Session(ctx context.Context) (*Session, error)
	RequestReauth(ctx context.Context, cause error)
}

// ============================================================================
// State
// ============================================================================

// SettingsState is what subscribers render from.
type SettingsState struct {
	Settings UserSettings
	Dirty    map[Field]bool
	Errors   FieldErrors
	Loading  bool
	Loaded   bool
}

// PendingEdit is a field value waiting out its debounce window.
type PendingEdit struct {
	Field       Field
	Value       string
	ScheduledAt time.Time
	timer       *time.Timer
}

type fieldState struct {
	edit     *PendingEdit
	ready    bool // debounce fired while a write was in flight
	inFlight bool
}

func (fs *fieldState) dirty() bool { return fs.edit != nil || fs.inFlight }

// SettingsOptions configures a SettingsEngine. Zero values take defaults.
type SettingsOptions struct {
	Feed       ChangeFeed
	Storage    ImageStorage
	Cache      KeyValueStore
	Logger     *zerolog.Logger
	Metrics    *Metrics
	Debounce   time.Duration
	WriteRetry *RetryPolicy
}

// ============================================================================
// SettingsEngine
// ============================================================================

// SettingsEngine owns one user's editable profile. Edits apply locally at
// once and are written after a per-field debounce; failed writes roll the
// field back to its last confirmed value.
type SettingsEngine struct {
	userID   string
	email    string
	profiles ProfileStore
	sessions SessionSource
	feed     ChangeFeed
	storage  ImageStorage
	cache    KeyValueStore
	log      zerolog.Logger
	metrics  *Metrics
	debounce time.Duration
	retry    RetryPolicy

	mu       sync.Mutex
	current  UserSettings
	good     UserSettings
	fields   map[Field]*fieldState
	errs     FieldErrors
	loading  bool
	loaded   bool
	closed   bool
	sub      Subscription
	inflight int
	idle     chan struct{}

	subs listeners[SettingsState]
}

// NewSettingsEngine creates an engine for one user. email seeds the default
// profile when none exists yet.
func NewSettingsEngine(userID, email string, profiles ProfileStore, sessions SessionSource, opts *SettingsOptions) *SettingsEngine {
	e := &SettingsEngine{
		userID:   userID,
		email:    NormalizeEmail(email),
		profiles: profiles,
		sessions: sessions,
		log:      zerolog.Nop(),
		debounce: DefaultDebounce,
		retry:    WriteRetryPolicy(),
		fields:   make(map[Field]*fieldState),
		errs:     FieldErrors{},
		idle:     closedChan(),
	}
	if opts != nil {
		e.feed = opts.Feed
		e.storage = opts.Storage
		e.cache = opts.Cache
		e.metrics = opts.Metrics
		if opts.Logger != nil {
			e.log = *opts.Logger
		}
		if opts.Debounce > 0 {
			e.debounce = opts.Debounce
		}
		if opts.WriteRetry != nil {
			e.retry = *opts.WriteRetry
		}
	}
	for _, f := range Fields {
		e.fields[f] = &fieldState{}
	}
	e.log = e.log.With().Str("component", "settings").Str("user_id", userID).Logger()
	return e
}

func closedChan() chan struct{} {
	ch := make(chan struct{})
	close(ch)
	return ch
}

// Subscribe registers fn for every state change.
func (e *SettingsEngine) Subscribe(fn func(SettingsState)) (unsubscribe func()) {
	return e.subs.add(fn)
}

// State returns the current state.
func (e *SettingsEngine) State() SettingsState {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.stateLocked()
}

func (e *SettingsEngine) stateLocked() SettingsState {
	st := SettingsState{
		Settings: e.current,
		Dirty:    make(map[Field]bool),
		Errors:   e.errs.clone(),
		Loading:  e.loading,
		Loaded:   e.loaded,
	}
	for f, fs := range e.fields {
		if fs.dirty() {
			st.Dirty[f] = true
		}
	}
	return st
}

// publish must be called with e.mu held; it releases the lock before
// notifying subscribers.
func (e *SettingsEngine) publish() {
	st := e.stateLocked()
	e.mu.Unlock()
	e.subs.emit(st)
}

// ============================================================================
// Load
// ============================================================================

// Load reads the profile, creating it from defaults if it does not exist,
// and subscribes to change notifications. A cached copy is published first.
func (e *SettingsEngine) Load(ctx context.Context) error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return ErrClosed
	}
	e.loading = true
	if cached, ok := e.readCache(); ok && !e.loaded {
		e.current = cached
		e.good = cached
	}
	e.publish()

	rec, err := e.fetchOrCreate(ctx)

	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return ErrClosed
	}
	e.loading = false
	if err != nil {
		ce := Classify(err)
		e.errs[FormField] = []string{ce.Message}
		e.publish()
		e.log.Warn().Err(err).Msg("load settings failed")
		if ce.requiresReauth() {
			e.sessions.RequestReauth(ctx, ce)
		}
		return ce
	}
	e.good = *rec
	e.current = *rec
	e.loaded = true
	delete(e.errs, FormField)
	e.writeCacheLocked()
	e.publish()

	if e.feed != nil {
		sub, err := e.feed.Subscribe(ctx, e.userID, e.onChange)
		if err != nil {
			e.log.Warn().Err(err).Msg("change feed subscribe failed")
			return nil
		}
		e.mu.Lock()
		if e.closed {
			e.mu.Unlock()
			_ = sub.Unsubscribe()
			return nil
		}
		if e.sub != nil {
			_ = e.sub.Unsubscribe()
		}
		e.sub = sub
		e.mu.Unlock()
	}
	return nil
}

func (e *SettingsEngine) fetchOrCreate(ctx context.Context) (*UserSettings, error) {
	var rec *UserSettings
	err := e.retry.Do(ctx, func(ctx context.Context) error {
		if _, err := e.sessions.Session(ctx); err != nil {
			return err
		}
		var err error
		rec, err = e.profiles.GetProfile(ctx, e.userID)
		return err
	})
	if err == nil {
		return rec, nil
	}
	if !errors.Is(err, ErrProfileNotFound) {
		return nil, err
	}

	name := DefaultUsername(e.email)
	defaults := &UserSettings{
		ID:          e.userID,
		Username:    name,
		DisplayName: name,
		Visibility:  VisibilityPublic,
		Email:       e.email,
	}
	e.log.Info().Str("username", name).Msg("creating default profile")
	err = e.retry.Do(ctx, func(ctx context.Context) error {
		if _, err := e.sessions.Session(ctx); err != nil {
			return err
		}
		var err error
		rec, err = e.profiles.UpsertProfile(ctx, defaults)
		return err
	})
	return rec, err
}

func (e *SettingsEngine) readCache() (UserSettings, bool) {
	if e.cache == nil {
		return UserSettings{}, false
	}
	raw, ok := e.cache.Get(keySettingsPrefix + e.userID)
	if !ok {
		return UserSettings{}, false
	}
	var s UserSettings
	if err := json.Unmarshal([]byte(raw), &s); err != nil || s.ID != e.userID {
		return UserSettings{}, false
	}
	return s, true
}

func (e *SettingsEngine) writeCacheLocked() {
	if e.cache == nil {
		return
	}
	data, err := json.Marshal(e.good)
	if err != nil {
		return
	}
	if err := e.cache.Set(keySettingsPrefix+e.userID, string(data)); err != nil {
		e.log.Warn().Err(err).Msg("cannot cache settings")
	}
}

// ============================================================================
// Field setters
// ============================================================================

func (e *SettingsEngine) SetUsername(v string) error    { return e.set(FieldUsername, v) }
func (e *SettingsEngine) SetDisplayName(v string) error { return e.set(FieldDisplayName, v) }
func (e *SettingsEngine) SetBio(v string) error         { return e.set(FieldBio, v) }
func (e *SettingsEngine) SetAvatarURL(v string) error   { return e.set(FieldAvatarURL, v) }

func (e *SettingsEngine) SetVisibility(v Visibility) error {
	return e.set(FieldVisibility, string(v))
}

// Set edits any field by name.
func (e *SettingsEngine) Set(f Field, v string) error { return e.set(f, v) }

func (e *SettingsEngine) set(f Field, v string) error {
	if err := validateField(f, v); err != nil {
		e.mu.Lock()
		e.errs[string(f)] = []string{Classify(err).Message}
		e.publish()
		return err
	}

	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return ErrClosed
	}
	if !e.loaded {
		e.mu.Unlock()
		return fmt.Errorf("set %s: settings not loaded", f)
	}
	fs := e.fields[f]
	e.current.set(f, v)
	delete(e.errs, string(f))

	if fs.edit != nil {
		fs.edit.timer.Stop()
	}
	edit := &PendingEdit{Field: f, Value: v, ScheduledAt: nowFunc()}
	edit.timer = time.AfterFunc(e.debounce, func() { e.fire(f, edit) })
	fs.edit = edit
	fs.ready = false
	e.publish()
	return nil
}

// Blur commits a pending edit of f right away instead of waiting out the
// debounce. The write runs in the background.
func (e *SettingsEngine) Blur(f Field) {
	e.mu.Lock()
	fs := e.fields[f]
	if fs == nil || fs.edit == nil {
		e.mu.Unlock()
		return
	}
	edit := fs.edit
	edit.timer.Stop()
	e.mu.Unlock()
	go e.fire(f, edit)
}

// Flush commits every pending edit and waits until no write is in flight.
func (e *SettingsEngine) Flush(ctx context.Context) error {
	for {
		e.mu.Lock()
		var started []*PendingEdit
		for _, f := range Fields {
			fs := e.fields[f]
			if fs.edit == nil {
				continue
			}
			fs.edit.timer.Stop()
			edit := fs.edit
			if e.claimLocked(f, edit) {
				started = append(started, edit)
			}
		}
		idle := e.idle
		busy := e.inflight > 0
		e.mu.Unlock()

		if !busy {
			return nil
		}
		for _, edit := range started {
			go e.write(edit.Field, edit.Value)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-idle:
		}
	}
}

// fire starts the write for edit unless it was superseded. If a write for
// the field is already in flight, the edit is marked ready and written when
// that one finishes.
func (e *SettingsEngine) fire(f Field, edit *PendingEdit) {
	e.mu.Lock()
	ok := e.claimLocked(f, edit)
	e.mu.Unlock()
	if ok {
		e.write(f, edit.Value)
	}
}

// claimLocked marks edit as the in-flight write of f and reports whether the
// caller must run it. A superseded edit is dropped; one queued behind an
// in-flight write is marked ready.
func (e *SettingsEngine) claimLocked(f Field, edit *PendingEdit) bool {
	fs := e.fields[f]
	if e.closed || fs.edit != edit {
		return false
	}
	if fs.inFlight {
		fs.ready = true
		return false
	}
	fs.edit = nil
	fs.ready = false
	fs.inFlight = true
	if e.inflight == 0 {
		e.idle = make(chan struct{})
	}
	e.inflight++
	return true
}

func (e *SettingsEngine) write(f Field, v string) {
	ctx := context.Background()
	start := time.Now()
	log := e.log.With().Str("field", string(f)).Logger()

	var rec *UserSettings
	attempt := 0
	err := e.retry.Do(ctx, func(ctx context.Context) error {
		attempt++
		if _, err := e.sessions.Session(ctx); err != nil {
			return err
		}
		var err error
		rec, err = e.profiles.UpdateProfile(ctx, e.userID, ProfilePatch{f: v})
		if err != nil {
			log.Debug().Int("attempt", attempt).Err(err).Msg("profile write attempt failed")
		}
		return err
	})
	e.metrics.profileWrite(f, outcome(err), time.Since(start).Seconds())

	e.mu.Lock()
	fs := e.fields[f]
	fs.inFlight = false
	e.inflight--
	if e.inflight == 0 {
		close(e.idle)
	}
	if e.closed {
		e.mu.Unlock()
		return
	}

	var reauth *Error
	if err == nil {
		confirmed := rec.get(f)
		e.good.set(f, confirmed)
		if rec.LastUpdateTime.After(e.good.LastUpdateTime) {
			e.good.LastUpdateTime = rec.LastUpdateTime
		} else {
			log.Warn().Time("server", rec.LastUpdateTime).Time("local", e.good.LastUpdateTime).
				Msg("write did not advance updated_at")
		}
		if fs.edit == nil {
			e.current.set(f, confirmed)
		}
		e.current.LastUpdateTime = e.good.LastUpdateTime
		delete(e.errs, string(f))
		e.writeCacheLocked()
	} else {
		ce := Classify(err)
		if fs.edit == nil {
			e.current.set(f, e.good.get(f))
		}
		e.errs[string(f)] = []string{ce.Message}
		if ce.requiresReauth() {
			reauth = ce
		}
		log.Warn().Err(err).Str("kind", ce.Kind.String()).Msg("profile write failed, rolled back")
	}

	var next *PendingEdit
	if fs.edit != nil && fs.ready {
		next = fs.edit
	}
	e.publish()

	if reauth != nil {
		e.sessions.RequestReauth(ctx, reauth)
	}
	if next != nil {
		e.fire(f, next)
	}
}

// ============================================================================
// Avatar
// ============================================================================

// UploadAvatar stores an image and commits its URL as the avatar.
func (e *SettingsEngine) UploadAvatar(ctx context.Context, data []byte, fileName string) (string, error) {
	ext := strings.ToLower(filepath.Ext(fileName))
	contentType, ok := avatarTypes[ext]
	if !ok {
		return "", validationError(string(FieldAvatarURL), "Avatar must be a PNG, JPEG, GIF or WebP image.")
	}
	if len(data) == 0 || len(data) > MaxAvatarSize {
		return "", validationError(string(FieldAvatarURL), "Avatar must be smaller than 5 MB.")
	}
	if e.storage == nil {
		return "", errors.New("upload avatar: no image storage configured")
	}
	if _, err := e.sessions.Session(ctx); err != nil {
		return "", err
	}

	path := fmt.Sprintf("%s/avatar-%d%s", e.userID, nowFunc().Unix(), ext)
	url, err := e.storage.UploadImage(ctx, data, path, contentType)
	if err != nil {
		ce := Classify(err)
		e.mu.Lock()
		e.errs[string(FieldAvatarURL)] = []string{ce.Message}
		e.publish()
		return "", ce
	}
	if err := e.SetAvatarURL(url); err != nil {
		return "", err
	}
	if err := e.Flush(ctx); err != nil {
		return url, err
	}
	if msgs := e.State().Errors[string(FieldAvatarURL)]; len(msgs) > 0 {
		return url, &Error{Kind: KindUnknown, Field: string(FieldAvatarURL), Message: msgs[0]}
	}
	return url, nil
}

// ============================================================================
// Reconciliation
// ============================================================================

// onChange reloads the profile when a notification is strictly newer than
// the last confirmed write. Older or equal timestamps are echoes.
func (e *SettingsEngine) onChange(c ProfileChange) {
	if c.UserID != "" && c.UserID != e.userID {
		return
	}
	e.mu.Lock()
	if e.closed || !e.loaded || !c.UpdatedAt.After(e.good.LastUpdateTime) {
		e.mu.Unlock()
		return
	}
	e.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), DefaultTimeout)
	defer cancel()
	if err := e.Reload(ctx); err != nil {
		e.log.Warn().Err(err).Msg("reload after change notification failed")
	}
}

// Reload fetches the profile and merges it: fields with unsaved local edits
// keep their local value, everything else takes the remote record.
func (e *SettingsEngine) Reload(ctx context.Context) error {
	if _, err := e.sessions.Session(ctx); err != nil {
		return err
	}
	rec, err := e.profiles.GetProfile(ctx, e.userID)
	if err != nil {
		return err
	}

	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return ErrClosed
	}
	if !rec.LastUpdateTime.After(e.good.LastUpdateTime) {
		e.mu.Unlock()
		return nil
	}
	merged := *rec
	for _, f := range Fields {
		if e.fields[f].dirty() {
			merged.set(f, e.current.get(f))
		}
	}
	e.good = *rec
	e.current = merged
	e.writeCacheLocked()
	e.publish()
	e.metrics.reload()
	e.log.Debug().Time("updated_at", rec.LastUpdateTime).Msg("settings reloaded")
	return nil
}

// ============================================================================
// Teardown
// ============================================================================

// Close cancels pending edits, stops change notifications and ignores the
// results of writes still in flight.
func (e *SettingsEngine) Close() error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	for _, fs := range e.fields {
		if fs.edit != nil {
			fs.edit.timer.Stop()
			fs.edit = nil
		}
	}
	sub := e.sub
	e.sub = nil
	e.mu.Unlock()

	e.subs.clear()
	if sub != nil {
		return sub.Unsubscribe()
	}
	return nil
}
