package brainmessenger

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

const idempotencyKey = "_idempotencyKey"

// MessageSender delivers a chat message to the remote message store.
type MessageSender interface {
	SendMessage(ctx context.Context, msg *OutgoingMessage) (*Message, error)
}

// OfflineOptions configures the OfflineQueue.
type OfflineOptions struct {
	// Store persists queued entries so they survive a restart.
	Store        KeyValueStore
	Logger       *zerolog.Logger
	Metrics      *Metrics
	StartOffline bool
}

// ============================================================================
// Event Emitter
// ============================================================================

// OfflineEventHandler handles offline events.
type OfflineEventHandler func(event string, payload any)

// Events emitted by the OfflineQueue.
const (
	EventMessageLocal   = "message.local"  // *QueueEntry
	EventMessageSent    = "message.sent"   // SentEvent
	EventMessageFailed  = "message.failed" // FailedEvent
	EventNetworkOnline  = "network.online"
	EventNetworkOffline = "network.offline"
)

// SentEvent is the payload of message.sent.
type SentEvent struct {
	LocalID string
	Message *Message
}

// FailedEvent is the payload of message.failed.
type FailedEvent struct {
	LocalID string
	Err     error
}

type offlineEmitter struct {
	mu        sync.RWMutex
	listeners map[string][]OfflineEventHandler
}

// On registers handler for event.
func (e *offlineEmitter) On(event string, handler OfflineEventHandler) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.listeners[event] = append(e.listeners[event], handler)
}

func (e *offlineEmitter) emit(event string, payload any) {
	e.mu.RLock()
	handlers := e.listeners[event]
	e.mu.RUnlock()
	for _, h := range handlers {
		func() {
			defer func() { recover() }() // swallow panics in user callbacks
			h(event, payload)
		}()
	}
}

func (e *offlineEmitter) removeAll() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.listeners = make(map[string][]OfflineEventHandler)
}

// ============================================================================
// Offline Queue
// ============================================================================

// OfflineQueue buffers outgoing messages while offline and replays them in
// enqueue order once connectivity returns.
type OfflineQueue struct {
	offlineEmitter
	sender  MessageSender
	store   KeyValueStore
	log     zerolog.Logger
	metrics *Metrics

	mu       sync.Mutex
	isOnline bool
	flushing bool
	entries  []*QueueEntry
}

// NewOfflineQueue creates a queue and restores any entries persisted by a
// previous run.
func NewOfflineQueue(sender MessageSender, opts *OfflineOptions) *OfflineQueue {
	q := &OfflineQueue{
		offlineEmitter: offlineEmitter{listeners: make(map[string][]OfflineEventHandler)},
		sender:         sender,
		log:            zerolog.Nop(),
		isOnline:       true,
	}
	if opts != nil {
		q.store = opts.Store
		q.metrics = opts.Metrics
		q.isOnline = !opts.StartOffline
		if opts.Logger != nil {
			q.log = *opts.Logger
		}
	}
	q.log = q.log.With().Str("component", "outbox").Logger()
	q.restore()
	return q
}

func (q *OfflineQueue) restore() {
	if q.store == nil {
		return
	}
	raw, ok := q.store.Get(keyOutbox)
	if !ok || raw == "" {
		return
	}
	var entries []*QueueEntry
	if err := json.Unmarshal([]byte(raw), &entries); err != nil {
		q.log.Warn().Err(err).Msg("discarding unreadable outbox")
		return
	}
	q.entries = entries
	q.metrics.outbox("", len(entries))
	q.log.Debug().Int("pending", len(entries)).Msg("outbox restored")
}

// persistLocked must be called with q.mu held.
func (q *OfflineQueue) persistLocked() {
	q.metrics.outbox("", len(q.entries))
	if q.store == nil {
		return
	}
	if len(q.entries) == 0 {
		if err := q.store.Remove(keyOutbox); err != nil {
			q.log.Warn().Err(err).Msg("cannot clear persisted outbox")
		}
		return
	}
	data, err := json.Marshal(q.entries)
	if err != nil {
		return
	}
	if err := q.store.Set(keyOutbox, string(data)); err != nil {
		q.log.Warn().Err(err).Msg("cannot persist outbox")
	}
}

// Close removes all event handlers.
func (q *OfflineQueue) Close() {
	q.removeAll()
}

// IsOnline returns current network state.
func (q *OfflineQueue) IsOnline() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.isOnline
}

// SetOnline updates network state. Going online starts a flush.
func (q *OfflineQueue) SetOnline(online bool) {
	q.mu.Lock()
	if q.isOnline == online {
		q.mu.Unlock()
		return
	}
	q.isOnline = online
	q.mu.Unlock()

	if online {
		q.log.Info().Msg("network online")
		q.emit(EventNetworkOnline, nil)
		go func() {
			if _, err := q.Flush(context.Background()); err != nil {
				q.log.Warn().Err(err).Msg("flush after reconnect stopped")
			}
		}()
	} else {
		q.log.Info().Msg("network offline")
		q.emit(EventNetworkOffline, nil)
	}
}

// Len returns the number of queued messages.
func (q *OfflineQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.entries)
}

// Pending returns a copy of the queued entries in send order.
func (q *OfflineQueue) Pending() []QueueEntry {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]QueueEntry, len(q.entries))
	for i, e := range q.entries {
		out[i] = *e
	}
	return out
}

// ── Enqueue / send ────────────────────────────────────────

func newLocalID() string {
	id, err := uuid.NewV7()
	if err != nil {
		id = uuid.New()
	}
	return id.String()
}

// Enqueue appends msg to the queue and returns the optimistic entry. The
// message carries an idempotency key so a replay can be de-duplicated.
func (q *OfflineQueue) Enqueue(msg OutgoingMessage) *QueueEntry {
	clientID := newLocalID()

	meta := make(map[string]any, len(msg.Metadata)+1)
	for k, v := range msg.Metadata {
		meta[k] = v
	}
	if _, ok := meta[idempotencyKey]; !ok {
		meta[idempotencyKey] = "sdk-" + clientID
	}
	msg.Metadata = meta
	if msg.Type == "" {
		msg.Type = "text"
	}

	entry := &QueueEntry{
		LocalID:   "local-" + clientID,
		Message:   msg,
		CreatedAt: nowFunc().UTC(),
	}

	q.mu.Lock()
	q.entries = append(q.entries, entry)
	q.persistLocked()
	q.mu.Unlock()

	q.log.Debug().Str("local_id", entry.LocalID).Str("chat_id", msg.ChatID).Msg("message queued")
	q.emit(EventMessageLocal, entry)
	cp := *entry
	return &cp
}

// Send delivers msg directly while online. While offline, or when the
// direct send fails with a network error, the message is queued instead and
// the optimistic entry is returned. Older queued messages are never
// overtaken: with a backlog msg is queued behind it and the queue flushed.
func (q *OfflineQueue) Send(ctx context.Context, msg OutgoingMessage) (*Message, *QueueEntry, error) {
	q.mu.Lock()
	online := q.isOnline
	backlog := len(q.entries) > 0 || q.flushing
	q.mu.Unlock()

	if !online {
		return nil, q.Enqueue(msg), nil
	}
	if backlog {
		entry := q.Enqueue(msg)
		_, delivered, err := q.flush(ctx, entry.LocalID)
		if delivered != nil {
			return delivered, nil, nil
		}
		if err != nil {
			q.log.Debug().Err(err).Str("local_id", entry.LocalID).Msg("backlog flush stopped, message stays queued")
		}
		return nil, entry, nil
	}
	if msg.Type == "" {
		msg.Type = "text"
	}
	sent, err := q.sender.SendMessage(ctx, &msg)
	if err == nil {
		q.metrics.outbox("direct", q.Len())
		return sent, nil, nil
	}
	if IsTransient(err) {
		q.log.Warn().Err(err).Msg("direct send failed, queueing")
		return nil, q.Enqueue(msg), nil
	}
	return nil, nil, err
}

// ── Flush ─────────────────────────────────────────────────

// Flush replays queued messages in FIFO order, one at a time, and stops at
// the first failure leaving it and everything behind it queued. It returns
// the number of messages delivered.
func (q *OfflineQueue) Flush(ctx context.Context) (int, error) {
	n, _, err := q.flush(ctx, "")
	return n, err
}

// flush is Flush that also returns the stored message for the entry with
// localID if this call delivered it.
func (q *OfflineQueue) flush(ctx context.Context, localID string) (int, *Message, error) {
	q.mu.Lock()
	if q.flushing {
		q.mu.Unlock()
		return 0, nil, nil
	}
	q.flushing = true
	q.mu.Unlock()

	defer func() {
		q.mu.Lock()
		q.flushing = false
		q.mu.Unlock()
	}()

	sent := 0
	var delivered *Message
	for {
		q.mu.Lock()
		if !q.isOnline {
			q.mu.Unlock()
			return sent, delivered, ErrQueueOffline
		}
		if len(q.entries) == 0 {
			q.mu.Unlock()
			return sent, delivered, nil
		}
		head := q.entries[0]
		head.Attempts++
		msg := head.Message
		q.mu.Unlock()

		if err := ctx.Err(); err != nil {
			return sent, delivered, err
		}

		stored, err := q.sender.SendMessage(ctx, &msg)
		if err != nil {
			q.mu.Lock()
			head.LastError = err.Error()
			q.persistLocked()
			q.mu.Unlock()
			q.metrics.outbox("failed", q.Len())
			q.log.Warn().Err(err).Str("local_id", head.LocalID).Int("attempt", head.Attempts).
				Msg("outbox flush stopped")
			q.emit(EventMessageFailed, FailedEvent{LocalID: head.LocalID, Err: err})
			return sent, delivered, err
		}

		q.mu.Lock()
		if len(q.entries) > 0 && q.entries[0] == head {
			q.entries = q.entries[1:]
		}
		q.persistLocked()
		depth := len(q.entries)
		q.mu.Unlock()

		sent++
		if localID != "" && head.LocalID == localID {
			delivered = stored
		}
		q.metrics.outbox("sent", depth)
		q.emit(EventMessageSent, SentEvent{LocalID: head.LocalID, Message: stored})
	}
}
