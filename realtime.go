package brainmessenger

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"math/rand"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/oauth2"
	"nhooyr.io/websocket"
)

// ============================================================================
// Wire Types
// ============================================================================

// RealtimeEnvelope is the wire format for all real-time events.
type RealtimeEnvelope struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

// RealtimeCommand is a client-to-server command.
type RealtimeCommand struct {
	Type      string      `json:"type"`
	Payload   interface{} `json:"payload"`
	RequestID string      `json:"requestId,omitempty"`
}

type subscribePayload struct {
	UserID string `json:"userId"`
}

type pongPayload struct {
	RequestID string `json:"requestId"`
}

// ============================================================================
// Configuration
// ============================================================================

// RealtimeConfig configures a RealtimeFeed.
type RealtimeConfig struct {
	// Tokens supplies the bearer token presented on every connect.
	Tokens               oauth2.TokenSource
	APIKey               string
	NoReconnect          bool
	MaxReconnectAttempts int
	ReconnectBaseDelay   time.Duration
	ReconnectMaxDelay    time.Duration
	HeartbeatInterval    time.Duration
	HTTPClient           *http.Client
	Logger               *zerolog.Logger
}

func (c *RealtimeConfig) defaults() {
	if c.ReconnectBaseDelay == 0 {
		c.ReconnectBaseDelay = 1 * time.Second
	}
	if c.ReconnectMaxDelay == 0 {
		c.ReconnectMaxDelay = 30 * time.Second
	}
	if c.MaxReconnectAttempts == 0 {
		c.MaxReconnectAttempts = 10
	}
	if c.HeartbeatInterval == 0 {
		c.HeartbeatInterval = 25 * time.Second
	}
	if c.HTTPClient == nil {
		c.HTTPClient = http.DefaultClient
	}
}

// RealtimeState is the connection state of a RealtimeFeed.
type RealtimeState string

const (
	RealtimeDisconnected RealtimeState = "disconnected"
	RealtimeConnecting   RealtimeState = "connecting"
	RealtimeConnected    RealtimeState = "connected"
	RealtimeReconnecting RealtimeState = "reconnecting"
)

// ============================================================================
// Reconnector
// ============================================================================

type reconnector struct {
	baseDelay   time.Duration
	maxDelay    time.Duration
	maxAttempts int
	attempt     int
	connectedAt time.Time
}

func newReconnector(config *RealtimeConfig) *reconnector {
	return &reconnector{
		baseDelay:   config.ReconnectBaseDelay,
		maxDelay:    config.ReconnectMaxDelay,
		maxAttempts: config.MaxReconnectAttempts,
	}
}

func (r *reconnector) shouldReconnect() bool {
	return r.maxAttempts < 0 || r.attempt < r.maxAttempts
}

func (r *reconnector) markConnected() {
	r.connectedAt = time.Now()
}

func (r *reconnector) nextDelay() time.Duration {
	if !r.connectedAt.IsZero() && time.Since(r.connectedAt) > 60*time.Second {
		r.attempt = 0
	}
	jitter := time.Duration(rand.Float64() * float64(r.baseDelay) * 0.5)
	delay := time.Duration(math.Min(
		float64(r.baseDelay)*math.Pow(2, float64(r.attempt))+float64(jitter),
		float64(r.maxDelay),
	))
	r.attempt++
	return delay
}

// ============================================================================
// RealtimeFeed
// ============================================================================

// RealtimeFeed is a ChangeFeed backed by the realtime websocket. It
// re-subscribes every active user after a reconnect.
type RealtimeFeed struct {
	baseURL string
	config  *RealtimeConfig
	log     zerolog.Logger

	mu               sync.Mutex
	conn             *websocket.Conn
	state            RealtimeState
	intentionalClose bool
	cancelFn         context.CancelFunc
	recon            *reconnector
	users            map[string]*listeners[ProfileChange]
	counts           map[string]int

	pingCounter  int
	pendingPings map[string]chan pongPayload
	pendingMu    sync.Mutex

	heartbeats atomic.Int32
}

// NewRealtimeFeed creates a feed for the backend at baseURL. Call Connect
// before or after subscribing.
func NewRealtimeFeed(baseURL string, config *RealtimeConfig) *RealtimeFeed {
	if config == nil {
		config = &RealtimeConfig{}
	}
	cfg := *config
	cfg.defaults()
	log := zerolog.Nop()
	if cfg.Logger != nil {
		log = *cfg.Logger
	}
	return &RealtimeFeed{
		baseURL:      strings.TrimRight(baseURL, "/"),
		config:       &cfg,
		log:          log.With().Str("component", "realtime").Logger(),
		state:        RealtimeDisconnected,
		recon:        newReconnector(&cfg),
		users:        make(map[string]*listeners[ProfileChange]),
		counts:       make(map[string]int),
		pendingPings: make(map[string]chan pongPayload),
	}
}

// State returns the current connection state.
func (f *RealtimeFeed) State() RealtimeState {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state
}

func (f *RealtimeFeed) wsURL() string {
	u := strings.Replace(f.baseURL, "https://", "wss://", 1)
	u = strings.Replace(u, "http://", "ws://", 1)
	u += "/realtime/v1/ws"
	if f.config.APIKey != "" {
		u += "?apikey=" + url.QueryEscape(f.config.APIKey)
	}
	return u
}

// Connect dials the websocket and waits for the server's authenticated
// event.
func (f *RealtimeFeed) Connect(ctx context.Context) error {
	f.mu.Lock()
	if f.state == RealtimeConnected || f.state == RealtimeConnecting {
		f.mu.Unlock()
		return nil
	}
	f.state = RealtimeConnecting
	f.intentionalClose = false
	f.mu.Unlock()

	header := http.Header{}
	if f.config.Tokens != nil {
		tok, err := f.config.Tokens.Token()
		if err != nil {
			f.setState(RealtimeDisconnected)
			return fmt.Errorf("realtime token: %w", err)
		}
		tok.SetAuthHeader(&http.Request{Header: header})
	}

	conn, _, err := websocket.Dial(ctx, f.wsURL(), &websocket.DialOptions{
		HTTPClient: f.config.HTTPClient,
		HTTPHeader: header,
	})
	if err != nil {
		f.setState(RealtimeDisconnected)
		return fmt.Errorf("websocket dial: %w", err)
	}

	_, data, err := conn.Read(ctx)
	if err != nil {
		conn.Close(websocket.StatusNormalClosure, "")
		f.setState(RealtimeDisconnected)
		return fmt.Errorf("read auth message: %w", err)
	}
	var env RealtimeEnvelope
	if err := json.Unmarshal(data, &env); err != nil || env.Type != "authenticated" {
		conn.Close(websocket.StatusNormalClosure, "")
		f.setState(RealtimeDisconnected)
		return fmt.Errorf("expected 'authenticated', got '%s'", env.Type)
	}

	connCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	f.mu.Lock()
	f.conn = conn
	f.state = RealtimeConnected
	prev := f.cancelFn
	f.cancelFn = cancel
	f.recon.markConnected()
	active := make([]string, 0, len(f.counts))
	for id := range f.counts {
		active = append(active, id)
	}
	f.mu.Unlock()
	f.log.Info().Int("subscriptions", len(active)).Msg("realtime connected")

	// Stops the loops of the connection this one replaces.
	if prev != nil {
		prev()
	}

	for _, id := range active {
		if err := f.send(connCtx, &RealtimeCommand{Type: "profile.subscribe", Payload: subscribePayload{UserID: id}}); err != nil {
			f.log.Warn().Err(err).Str("user_id", id).Msg("resubscribe failed")
		}
	}

	go f.readLoop(connCtx, conn)
	go f.heartbeatLoop(connCtx)
	return nil
}

func (f *RealtimeFeed) setState(s RealtimeState) {
	f.mu.Lock()
	f.state = s
	f.mu.Unlock()
}

// Disconnect closes the connection and stops reconnecting. Subscriptions
// stay registered and are restored by the next Connect.
func (f *RealtimeFeed) Disconnect() error {
	f.mu.Lock()
	f.intentionalClose = true
	if f.cancelFn != nil {
		f.cancelFn()
		f.cancelFn = nil
	}
	conn := f.conn
	f.conn = nil
	f.state = RealtimeDisconnected
	f.mu.Unlock()

	f.clearPendingPings()
	if conn != nil {
		return conn.Close(websocket.StatusNormalClosure, "client disconnect")
	}
	return nil
}

// Subscribe registers fn for changes to userID and tells the server if this
// is the first subscription for that user.
func (f *RealtimeFeed) Subscribe(ctx context.Context, userID string, fn func(ProfileChange)) (Subscription, error) {
	f.mu.Lock()
	l, ok := f.users[userID]
	if !ok {
		l = &listeners[ProfileChange]{}
		f.users[userID] = l
	}
	remove := l.add(fn)
	f.counts[userID]++
	first := f.counts[userID] == 1
	connected := f.conn != nil
	f.mu.Unlock()

	if first && connected {
		if err := f.send(ctx, &RealtimeCommand{Type: "profile.subscribe", Payload: subscribePayload{UserID: userID}}); err != nil {
			f.release(userID, remove)
			return nil, fmt.Errorf("subscribe %s: %w", userID, err)
		}
	}

	var once sync.Once
	return subscriptionFunc(func() error {
		var err error
		once.Do(func() {
			if f.release(userID, remove) {
				ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				if f.connected() {
					err = f.send(ctx, &RealtimeCommand{Type: "profile.unsubscribe", Payload: subscribePayload{UserID: userID}})
				}
			}
		})
		return err
	}), nil
}

// release drops one subscription for userID and reports whether it was the
// last one.
func (f *RealtimeFeed) release(userID string, remove func()) bool {
	remove()
	f.mu.Lock()
	defer f.mu.Unlock()
	f.counts[userID]--
	if f.counts[userID] > 0 {
		return false
	}
	delete(f.counts, userID)
	delete(f.users, userID)
	return true
}

func (f *RealtimeFeed) connected() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.conn != nil
}

func (f *RealtimeFeed) send(ctx context.Context, cmd *RealtimeCommand) error {
	f.mu.Lock()
	conn := f.conn
	f.mu.Unlock()
	if conn == nil {
		return fmt.Errorf("not connected")
	}
	data, err := json.Marshal(cmd)
	if err != nil {
		return err
	}
	return conn.Write(ctx, websocket.MessageText, data)
}

func (f *RealtimeFeed) ping(ctx context.Context) error {
	f.pendingMu.Lock()
	f.pingCounter++
	requestID := fmt.Sprintf("ping-%d", f.pingCounter)
	ch := make(chan pongPayload, 1)
	f.pendingPings[requestID] = ch
	f.pendingMu.Unlock()

	forget := func() {
		f.pendingMu.Lock()
		delete(f.pendingPings, requestID)
		f.pendingMu.Unlock()
	}

	if err := f.send(ctx, &RealtimeCommand{Type: "ping", Payload: pongPayload{RequestID: requestID}}); err != nil {
		forget()
		return err
	}

	select {
	case _, ok := <-ch:
		if !ok {
			return fmt.Errorf("connection closed")
		}
		return nil
	case <-time.After(10 * time.Second):
		forget()
		return fmt.Errorf("ping timeout")
	case <-ctx.Done():
		forget()
		return ctx.Err()
	}
}

func (f *RealtimeFeed) readLoop(ctx context.Context, conn *websocket.Conn) {
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			f.mu.Lock()
			intentional := f.intentionalClose
			if !intentional {
				f.state = RealtimeDisconnected
				f.conn = nil
			}
			f.mu.Unlock()
			if intentional {
				return
			}
			f.log.Warn().Err(err).Msg("realtime connection lost")
			if !f.config.NoReconnect && f.recon.shouldReconnect() {
				f.scheduleReconnect(ctx)
			}
			return
		}

		var env RealtimeEnvelope
		if json.Unmarshal(data, &env) != nil {
			continue
		}
		switch env.Type {
		case "pong":
			var p pongPayload
			if json.Unmarshal(env.Payload, &p) == nil && p.RequestID != "" {
				f.pendingMu.Lock()
				ch, ok := f.pendingPings[p.RequestID]
				if ok {
					delete(f.pendingPings, p.RequestID)
				}
				f.pendingMu.Unlock()
				if ok {
					ch <- p
				}
			}
		case "profile.changed":
			var c ProfileChange
			if err := json.Unmarshal(env.Payload, &c); err != nil {
				f.log.Debug().Err(err).Msg("bad profile.changed payload")
				continue
			}
			if c.UpdatedAt.IsZero() && c.Record != nil {
				c.UpdatedAt = c.Record.LastUpdateTime
			}
			f.mu.Lock()
			l := f.users[c.UserID]
			f.mu.Unlock()
			if l != nil {
				go l.emit(c)
			}
		case "error":
			f.log.Warn().RawJSON("payload", env.Payload).Msg("realtime server error")
		}
	}
}

func (f *RealtimeFeed) heartbeatLoop(ctx context.Context) {
	f.heartbeats.Add(1)
	defer f.heartbeats.Add(-1)
	ticker := time.NewTicker(f.config.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if f.State() != RealtimeConnected {
				return
			}
			if err := f.ping(ctx); err != nil {
				f.mu.Lock()
				conn := f.conn
				f.mu.Unlock()
				if conn != nil {
					conn.Close(websocket.StatusGoingAway, "heartbeat timeout")
				}
				return
			}
		}
	}
}

func (f *RealtimeFeed) scheduleReconnect(ctx context.Context) {
	for {
		f.mu.Lock()
		delay := f.recon.nextDelay()
		attempt := f.recon.attempt
		f.state = RealtimeReconnecting
		f.mu.Unlock()
		f.log.Info().Int("attempt", attempt).Dur("delay", delay).Msg("realtime reconnecting")

		t := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			t.Stop()
			return
		case <-t.C:
		}

		f.setState(RealtimeDisconnected)
		err := f.Connect(ctx)
		if err == nil {
			return
		}
		f.log.Warn().Err(err).Msg("realtime reconnect failed")
		f.mu.Lock()
		more := !f.config.NoReconnect && f.recon.shouldReconnect()
		f.mu.Unlock()
		if !more {
			return
		}
	}
}

func (f *RealtimeFeed) clearPendingPings() {
	f.pendingMu.Lock()
	for k, ch := range f.pendingPings {
		close(ch)
		delete(f.pendingPings, k)
	}
	f.pendingMu.Unlock()
}
