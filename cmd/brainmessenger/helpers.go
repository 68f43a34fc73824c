package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"

	brainmessenger "github.com/brainmessenger/brainmessenger-go"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
)

// app wires the SDK components every command works with.
type app struct {
	cfg      *Config
	log      zerolog.Logger
	store    *brainmessenger.FileStore
	registry *prometheus.Registry
	metrics  *brainmessenger.Metrics
	client   *brainmessenger.Client
	sessions *brainmessenger.SessionManager
}

// newApp opens the local state, builds the backend client and restores the
// persisted session.
func newApp(ctx context.Context) (*app, error) {
	if cfg.Backend.BaseURL == "" {
		return nil, fmt.Errorf("no backend configured; run 'brainmessenger config set backend.base_url <url>' first")
	}
	path, err := statePath()
	if err != nil {
		return nil, err
	}
	store, err := brainmessenger.OpenFileStore(path)
	if err != nil {
		return nil, err
	}

	a := &app{cfg: cfg, log: logger, store: store, registry: prometheus.NewRegistry()}
	a.metrics = brainmessenger.NewMetrics(a.registry)
	a.client = brainmessenger.NewClient(cfg.Backend.BaseURL, cfg.Backend.APIKey,
		brainmessenger.WithStore(store),
		brainmessenger.WithLogger(logger),
	)
	a.sessions = brainmessenger.NewSessionManager(a.client.Auth, &brainmessenger.SessionOptions{
		Store:   store,
		Logger:  &a.log,
		Metrics: a.metrics,
	})
	a.client.SetTokenSource(a.sessions.TokenSource())

	if err := a.sessions.Initialize(ctx); err != nil {
		a.log.Warn().Err(err).Msg("session restore failed")
	}
	return a, nil
}

func (a *app) Close() {
	a.sessions.Close()
}

// session returns a valid session or a hint to sign in.
func (a *app) session(ctx context.Context) (*brainmessenger.Session, error) {
	s, err := a.sessions.Session(ctx)
	if err != nil {
		if brainmessenger.RequiresReauth(err) {
			return nil, fmt.Errorf("not signed in; run 'brainmessenger login <email>' first")
		}
		return nil, err
	}
	return s, nil
}

// settings loads the signed-in user's settings engine.
func (a *app) settings(ctx context.Context, feed brainmessenger.ChangeFeed) (*brainmessenger.SettingsEngine, error) {
	s, err := a.session(ctx)
	if err != nil {
		return nil, err
	}
	e := brainmessenger.NewSettingsEngine(s.UserID, s.Email, a.client.Profiles, a.sessions, &brainmessenger.SettingsOptions{
		Feed:     feed,
		Storage:  a.client.Storage,
		Cache:    a.store,
		Logger:   &a.log,
		Metrics:  a.metrics,
		Debounce: a.cfg.debounce(),
	})
	if err := e.Load(ctx); err != nil {
		e.Close()
		return nil, err
	}
	return e, nil
}

// outbox opens the persisted offline queue.
func (a *app) outbox(online bool) *brainmessenger.OfflineQueue {
	return brainmessenger.NewOfflineQueue(a.client.Messages, &brainmessenger.OfflineOptions{
		Store:        a.store,
		Logger:       &a.log,
		Metrics:      a.metrics,
		StartOffline: !online,
	})
}

// ============================================================================
// Output helpers
// ============================================================================

// readPassword takes the password from the flag, $BRAIN_PASSWORD or stdin.
func readPassword(flag string) (string, error) {
	if flag != "" {
		return flag, nil
	}
	if env := os.Getenv("BRAIN_PASSWORD"); env != "" {
		return env, nil
	}
	fmt.Fprint(os.Stderr, "Password: ")
	line, err := bufio.NewReader(os.Stdin).ReadString('\n')
	if err != nil && line == "" {
		return "", fmt.Errorf("cannot read password: %w", err)
	}
	return strings.TrimRight(line, "\r\n"), nil
}

func printFieldErrors(errs brainmessenger.FieldErrors) {
	fields := make([]string, 0, len(errs))
	for f := range errs {
		fields = append(fields, f)
	}
	sort.Strings(fields)
	for _, f := range fields {
		label := f
		if f == brainmessenger.FormField {
			label = "error"
		}
		for _, msg := range errs[f] {
			fmt.Fprintf(os.Stderr, "  %s: %s\n", label, msg)
		}
	}
}

// userError returns the user-facing text of a classified err.
func userError(err error) error {
	ce := brainmessenger.Classify(err)
	if ce.Kind == brainmessenger.KindUnknown {
		return err
	}
	return errors.New(ce.Message)
}

// maskKey shows the first and last 4 characters of a key.
func maskKey(key string) string {
	if len(key) <= 8 {
		return "****"
	}
	if len(key) <= 16 {
		return key[:4] + "..." + key[len(key)-4:]
	}
	return key[:12] + "..." + key[len(key)-4:]
}

func valueOrDefault(val, def string) string {
	if val == "" {
		return def
	}
	return val
}
