package brainmessenger

import (
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"
)

// SignatureHeader carries the HMAC-SHA256 signature of a webhook body.
const SignatureHeader = "X-Brain-Signature"

const maxWebhookBody = 1 << 20

// ============================================================================
// Webhook Types
// ============================================================================

// DatabaseWebhook is the payload the backend posts when a table row changes.
type DatabaseWebhook struct {
	Type      string        `json:"type"` // INSERT, UPDATE or DELETE
	Table     string        `json:"table"`
	Schema    string        `json:"schema,omitempty"`
	Record    *UserSettings `json:"record"`
	OldRecord *UserSettings `json:"old_record"`
}

// ============================================================================
// Standalone Functions
// ============================================================================

// VerifyWebhookSignature verifies an HMAC-SHA256 webhook signature, with or
// without the "sha256=" prefix. Comparison is constant-time.
func VerifyWebhookSignature(body, signature, secret string) bool {
	if body == "" || signature == "" || secret == "" {
		return false
	}

	sig := strings.TrimPrefix(signature, "sha256=")
	if sig == "" {
		return false
	}

	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(body))
	expected := hex.EncodeToString(mac.Sum(nil))

	if len(sig) != len(expected) {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(sig), []byte(expected)) == 1
}

// ParseProfileWebhook parses a database webhook for the profiles table into
// a ProfileChange.
func ParseProfileWebhook(body string) (*ProfileChange, error) {
	var payload DatabaseWebhook
	if err := json.Unmarshal([]byte(body), &payload); err != nil {
		return nil, fmt.Errorf("invalid JSON in webhook body: %w", err)
	}
	if payload.Table != "profiles" {
		return nil, fmt.Errorf("unexpected webhook table: %q", payload.Table)
	}

	rec := payload.Record
	switch payload.Type {
	case "INSERT", "UPDATE":
		if rec == nil {
			return nil, fmt.Errorf("missing record in %s webhook", payload.Type)
		}
	case "DELETE":
		rec = payload.OldRecord
		if rec == nil {
			return nil, fmt.Errorf("missing old_record in DELETE webhook")
		}
	default:
		return nil, fmt.Errorf("unknown webhook type: %q", payload.Type)
	}
	if rec.ID == "" {
		return nil, fmt.Errorf("missing id in webhook record")
	}

	c := &ProfileChange{UserID: rec.ID, UpdatedAt: rec.LastUpdateTime}
	if payload.Type != "DELETE" {
		c.Record = rec
	}
	return c, nil
}

// ============================================================================
// ProfileWebhook
// ============================================================================

// ProfileWebhook receives signed profile change webhooks and publishes them
// to a ChangeHub.
type ProfileWebhook struct {
	secret string
	hub    *ChangeHub
	log    zerolog.Logger
}

// NewProfileWebhook creates a receiver that publishes into hub.
func NewProfileWebhook(secret string, hub *ChangeHub, logger *zerolog.Logger) (*ProfileWebhook, error) {
	if secret == "" {
		return nil, fmt.Errorf("webhook secret is required")
	}
	if hub == nil {
		return nil, fmt.Errorf("change hub is required")
	}
	log := zerolog.Nop()
	if logger != nil {
		log = *logger
	}
	return &ProfileWebhook{
		secret: secret,
		hub:    hub,
		log:    log.With().Str("component", "webhook").Logger(),
	}, nil
}

// Verify verifies an HMAC-SHA256 signature.
func (w *ProfileWebhook) Verify(body, signature string) bool {
	return VerifyWebhookSignature(body, signature, w.secret)
}

// Handle processes a webhook request (verify + parse + publish).
// Returns the status code and response body for the caller to write.
func (w *ProfileWebhook) Handle(body, signature string) (int, any) {
	if !w.Verify(body, signature) {
		return http.StatusUnauthorized, map[string]string{"error": "Invalid signature"}
	}

	change, err := ParseProfileWebhook(body)
	if err != nil {
		return http.StatusBadRequest, map[string]string{"error": err.Error()}
	}

	w.log.Debug().Str("user_id", change.UserID).Time("updated_at", change.UpdatedAt).Msg("profile change received")
	w.hub.Publish(*change)
	return http.StatusOK, map[string]bool{"ok": true}
}

// Routes mounts the receiver at POST /profiles.
//
// Example:
//
//	wh, _ := brainmessenger.NewProfileWebhook("secret", hub, nil)
//	r := chi.NewRouter()
//	r.Mount("/webhooks", wh.Routes())
func (w *ProfileWebhook) Routes() chi.Router {
	r := chi.NewRouter()
	r.Post("/profiles", w.ServeHTTP)
	r.MethodNotAllowed(func(rw http.ResponseWriter, r *http.Request) {
		writeJSON(rw, http.StatusMethodNotAllowed, map[string]string{"error": "Method not allowed"})
	})
	return r
}

// ServeHTTP implements http.Handler.
func (w *ProfileWebhook) ServeHTTP(rw http.ResponseWriter, r *http.Request) {
	defer r.Body.Close()
	bodyBytes, err := io.ReadAll(io.LimitReader(r.Body, maxWebhookBody))
	if err != nil {
		writeJSON(rw, http.StatusBadRequest, map[string]string{"error": "Failed to read body"})
		return
	}

	statusCode, data := w.Handle(string(bodyBytes), r.Header.Get(SignatureHeader))
	writeJSON(rw, statusCode, data)
}

func writeJSON(rw http.ResponseWriter, status int, v any) {
	rw.Header().Set("Content-Type", "application/json")
	rw.WriteHeader(status)
	json.NewEncoder(rw).Encode(v)
}
