package brainmessenger

import (
	"encoding/json"
	"fmt"
	"time"
)

// ============================================================================
// Shared Types
// ============================================================================

// APIError is a non-2xx response from the backend.
type APIError struct {
	Status  int    `json:"-"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e *APIError) Error() string {
	if e.Code == "" {
		return fmt.Sprintf("HTTP %d: %s", e.Status, e.Message)
	}
	return fmt.Sprintf("HTTP %d: %s: %s", e.Status, e.Code, e.Message)
}

// ============================================================================
// Auth Types
// ============================================================================

// Session is the token pair that represents an authenticated user.
type Session struct {
	AccessToken  string    `json:"access_token"`
	RefreshToken string    `json:"refresh_token"`
	UserID       string    `json:"user_id"`
	Email        string    `json:"email,omitempty"`
	ExpiresAt    time.Time `json:"expires_at"`
}

// User is the identity the auth backend returns on sign-up.
type User struct {
	ID               string         `json:"id"`
	Email            string         `json:"email"`
	EmailConfirmedAt *time.Time     `json:"email_confirmed_at,omitempty"`
	Metadata         map[string]any `json:"user_metadata,omitempty"`
}

// SignOutScope selects which sessions a sign-out invalidates server-side.
type SignOutScope string

const (
	SignOutLocal  SignOutScope = "local"
	SignOutGlobal SignOutScope = "global"
	SignOutOthers SignOutScope = "others"
)

// ============================================================================
// Profile Types
// ============================================================================

// Visibility controls who can see a profile.
type Visibility string

const (
	VisibilityPublic  Visibility = "public"
	VisibilityPrivate Visibility = "private"
)

// UserSettings is the per-user profile record.
type UserSettings struct {
	ID             string     `json:"id"`
	Username       string     `json:"username"`
	DisplayName    string     `json:"display_name"`
	Bio            string     `json:"bio"`
	Visibility     Visibility `json:"visibility"`
	Email          string     `json:"email"`
	AvatarURL      string     `json:"avatar_url"`
	LastUpdateTime time.Time  `json:"updated_at"`
}

// Field names one mutable profile column.
type Field string

const (
	FieldUsername    Field = "username"
	FieldDisplayName Field = "display_name"
	FieldBio         Field = "bio"
	FieldVisibility  Field = "visibility"
	FieldAvatarURL   Field = "avatar_url"
)

// Fields lists every mutable profile field.
var Fields = []Field{FieldUsername, FieldDisplayName, FieldBio, FieldVisibility, FieldAvatarURL}

func (s *UserSettings) get(f Field) string {
	switch f {
	case FieldUsername:
		return s.Username
	case FieldDisplayName:
		return s.DisplayName
	case FieldBio:
		return s.Bio
	case FieldVisibility:
		return string(s.Visibility)
	case FieldAvatarURL:
		return s.AvatarURL
	}
	return ""
}

func (s *UserSettings) set(f Field, v string) {
	switch f {
	case FieldUsername:
		s.Username = v
	case FieldDisplayName:
		s.DisplayName = v
	case FieldBio:
		s.Bio = v
	case FieldVisibility:
		s.Visibility = Visibility(v)
	case FieldAvatarURL:
		s.AvatarURL = v
	}
}

// ProfilePatch is a partial profile update keyed by column name.
type ProfilePatch map[Field]string

// ProfileChange is a change notification pushed for one profile record.
type ProfileChange struct {
	UserID    string        `json:"userId"`
	UpdatedAt time.Time     `json:"updatedAt"`
	Record    *UserSettings `json:"record,omitempty"`
}

// ============================================================================
// Message Types
// ============================================================================

// OutgoingMessage is a chat message the user wants to send.
type OutgoingMessage struct {
	ChatID   string         `json:"chat_id"`
	SenderID string         `json:"sender_id"`
	Content  string         `json:"content"`
	Type     string         `json:"type"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

// Message is a chat message as stored by the backend.
type Message struct {
	ID        string          `json:"id"`
	ChatID    string          `json:"chat_id"`
	SenderID  string          `json:"sender_id"`
	Content   string          `json:"content"`
	Type      string          `json:"type"`
	Metadata  json.RawMessage `json:"metadata,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
}

// QueueEntry is an outgoing message buffered while offline.
type QueueEntry struct {
	LocalID   string          `json:"localId"`
	Message   OutgoingMessage `json:"message"`
	CreatedAt time.Time       `json:"createdAt"`
	Attempts  int             `json:"attempts"`
	LastError string          `json:"lastError,omitempty"`
}
