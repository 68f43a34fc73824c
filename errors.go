package brainmessenger

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
)

var (
	ErrNotAuthenticated = errors.New("not authenticated")
	ErrProfileNotFound  = errors.New("profile not found")
	ErrTokenMalformed   = errors.New("token malformed")
	ErrTokenExpired     = errors.New("token expired")
	ErrClosed           = errors.New("closed")
	ErrQueueOffline     = errors.New("offline")
)

// FormField is the FieldErrors key for errors not tied to one input.
const FormField = "_form"

// ErrorKind buckets failures by how callers must react to them.
type ErrorKind int

const (
	KindUnknown ErrorKind = iota
	KindValidation
	KindAuth
	KindTransient
	KindConflict
)

func (k ErrorKind) String() string {
	switch k {
	case KindValidation:
		return "validation"
	case KindAuth:
		return "auth"
	case KindTransient:
		return "transient"
	case KindConflict:
		return "conflict"
	}
	return "unknown"
}

// Auth error codes.
const (
	CodeInvalidCredentials  = "invalid_credentials"
	CodeEmailNotConfirmed   = "email_not_confirmed"
	CodeInvalidRefreshToken = "invalid_refresh_token"
	CodeSessionExpired      = "session_expired"
	CodeRateLimited         = "rate_limited"
	CodePermissionDenied    = "permission_denied"
	CodeNotFound            = "not_found"
	CodeNetwork             = "network"
	CodeInvalidInput        = "invalid_input"
)

// Error is a classified failure carrying the field it should be shown on.
type Error struct {
	Kind    ErrorKind
	Code    string
	Field   string
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

func validationError(field, msg string) *Error {
	return &Error{Kind: KindValidation, Code: CodeInvalidInput, Field: field, Message: msg}
}

// KindOf reports the kind of err, classifying it if needed.
func KindOf(err error) ErrorKind {
	if err == nil {
		return KindUnknown
	}
	return Classify(err).Kind
}

// IsTransient reports whether err is worth retrying.
func IsTransient(err error) bool { return KindOf(err) == KindTransient }

// IsAuth reports whether err is an authentication failure.
func IsAuth(err error) bool { return KindOf(err) == KindAuth }

// IsRateLimited reports whether the backend asked the caller to slow down.
func IsRateLimited(err error) bool { return err != nil && Classify(err).Code == CodeRateLimited }

// RequiresReauth reports whether err means the session is no longer usable.
// Rate limits are auth failures for the operation only.
func RequiresReauth(err error) bool { return err != nil && Classify(err).requiresReauth() }

func (e *Error) requiresReauth() bool { return e.Kind == KindAuth && e.Code != CodeRateLimited }

// Classify converts any error into an *Error with user-facing text.
func Classify(err error) *Error {
	var ce *Error
	if errors.As(err, &ce) {
		return ce
	}

	switch {
	case errors.Is(err, ErrNotAuthenticated), errors.Is(err, ErrTokenExpired), errors.Is(err, ErrTokenMalformed):
		return &Error{Kind: KindAuth, Code: CodeSessionExpired, Field: FormField,
			Message: "Your session has expired. Please sign in again.", Err: err}
	case errors.Is(err, ErrProfileNotFound):
		return &Error{Kind: KindConflict, Code: CodeNotFound, Field: FormField,
			Message: "Profile not found. Please contact support.", Err: err}
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, ErrQueueOffline):
		return &Error{Kind: KindTransient, Code: CodeNetwork, Field: FormField,
			Message: "Network problem. Please try again.", Err: err}
	case errors.Is(err, context.Canceled):
		return &Error{Kind: KindUnknown, Field: FormField, Message: "Request cancelled.", Err: err}
	}

	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return classifyAPIError(apiErr)
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return &Error{Kind: KindTransient, Code: CodeNetwork, Field: FormField,
			Message: "Network problem. Please try again.", Err: err}
	}

	return &Error{Kind: KindUnknown, Field: FormField, Message: "Something went wrong. Please try again.", Err: err}
}

func classifyAPIError(e *APIError) *Error {
	code := strings.ToLower(e.Code)
	msg := strings.ToLower(e.Message)

	switch {
	case e.Status == http.StatusTooManyRequests || strings.Contains(code, "rate_limit") || strings.Contains(code, "over_request_rate"):
		return &Error{Kind: KindAuth, Code: CodeRateLimited, Field: FormField,
			Message: "Too many attempts. Please wait a moment and try again.", Err: e}
	case strings.Contains(code, "email_not_confirmed") || strings.Contains(msg, "email not confirmed"):
		return &Error{Kind: KindAuth, Code: CodeEmailNotConfirmed, Field: "email",
			Message: "Please confirm your email address before signing in.", Err: e}
	case strings.Contains(code, "invalid_credentials") || strings.Contains(msg, "invalid login credentials"):
		return &Error{Kind: KindAuth, Code: CodeInvalidCredentials, Field: FormField,
			Message: "Invalid email or password.", Err: e}
	case strings.Contains(code, "refresh_token") || strings.Contains(msg, "refresh token"):
		return &Error{Kind: KindAuth, Code: CodeInvalidRefreshToken, Field: FormField,
			Message: "Your session has expired. Please sign in again.", Err: e}
	case e.Status == http.StatusUnauthorized || strings.Contains(code, "jwt") || strings.Contains(msg, "jwt expired"):
		return &Error{Kind: KindAuth, Code: CodeSessionExpired, Field: FormField,
			Message: "Your session has expired. Please sign in again.", Err: e}
	case e.Status == http.StatusForbidden:
		return &Error{Kind: KindConflict, Code: CodePermissionDenied, Field: FormField,
			Message: "You don't have permission to make this change. Try logging out and back in.", Err: e}
	case e.Status == http.StatusNotFound:
		return &Error{Kind: KindConflict, Code: CodeNotFound, Field: FormField,
			Message: "Profile not found. Please contact support.", Err: e}
	case e.Status == http.StatusConflict:
		return &Error{Kind: KindConflict, Code: e.Code, Field: FormField, Message: e.Message, Err: e}
	case e.Status == http.StatusRequestTimeout || e.Status >= 500:
		return &Error{Kind: KindTransient, Code: CodeNetwork, Field: FormField,
			Message: "The server is having trouble. Please try again.", Err: e}
	case e.Status >= 400:
		return &Error{Kind: KindValidation, Code: CodeInvalidInput, Field: FormField, Message: e.Message, Err: e}
	}
	return &Error{Kind: KindUnknown, Field: FormField, Message: e.Message, Err: e}
}

// FieldErrors maps a field name to the messages shown next to it.
type FieldErrors map[string][]string

// Add appends msg under field.
func (fe FieldErrors) Add(field, msg string) {
	fe[field] = append(fe[field], msg)
}

// AddError classifies err and records it under its field, or fallback when
// the error carries none.
func (fe FieldErrors) AddError(fallback string, err error) {
	ce := Classify(err)
	field := ce.Field
	if field == "" || field == FormField && fallback != "" {
		field = fallback
	}
	fe.Add(field, ce.Message)
}

func (fe FieldErrors) clone() FieldErrors {
	out := make(FieldErrors, len(fe))
	for k, v := range fe {
		out[k] = append([]string(nil), v...)
	}
	return out
}
