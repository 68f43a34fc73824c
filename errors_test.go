package brainmessenger

import (
	"context"
	"errors"
	"fmt"
	"net"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestClassifyAPIError(t *testing.T) {
	cases := []struct {
		name  string
		err   *APIError
		kind  ErrorKind
		code  string
		field string
	}{
		{"invalid credentials", &APIError{Status: 400, Code: "invalid_grant", Message: "Invalid login credentials"}, KindAuth, CodeInvalidCredentials, FormField},
		{"email not confirmed", &APIError{Status: 400, Code: "email_not_confirmed", Message: "Email not confirmed"}, KindAuth, CodeEmailNotConfirmed, "email"},
		{"bad refresh token", &APIError{Status: 400, Code: "refresh_token_not_found", Message: "Invalid Refresh Token"}, KindAuth, CodeInvalidRefreshToken, FormField},
		{"expired jwt", &APIError{Status: 401, Code: "PGRST301", Message: "JWT expired"}, KindAuth, CodeSessionExpired, FormField},
		{"rate limited", &APIError{Status: 429, Message: "Too many requests"}, KindAuth, CodeRateLimited, FormField},
		{"permission denied", &APIError{Status: 403, Message: "new row violates row-level security policy"}, KindConflict, CodePermissionDenied, FormField},
		{"not found", &APIError{Status: 404, Message: "Not Found"}, KindConflict, CodeNotFound, FormField},
		{"server error", &APIError{Status: 502, Message: "Bad Gateway"}, KindTransient, CodeNetwork, FormField},
		{"bad input", &APIError{Status: 422, Code: "23514", Message: "check constraint"}, KindValidation, CodeInvalidInput, FormField},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			ce := Classify(fmt.Errorf("wrapped: %w", tc.err))
			require.Equal(t, tc.kind, ce.Kind)
			require.Equal(t, tc.code, ce.Code)
			require.Equal(t, tc.field, ce.Field)
			require.NotEmpty(t, ce.Message)

			var apiErr *APIError
			require.ErrorAs(t, ce, &apiErr)
		})
	}
}

func TestClassifySentinels(t *testing.T) {
	require.Equal(t, KindAuth, KindOf(ErrNotAuthenticated))
	require.Equal(t, KindAuth, KindOf(ErrTokenExpired))
	require.Equal(t, KindConflict, KindOf(ErrProfileNotFound))
	require.Equal(t, KindTransient, KindOf(context.DeadlineExceeded))
	require.Equal(t, KindUnknown, KindOf(context.Canceled))
	require.Equal(t, KindUnknown, KindOf(errors.New("boom")))
	require.Equal(t, KindUnknown, KindOf(nil))

	netErr := &net.OpError{Op: "dial", Net: "tcp", Err: errors.New("connection refused")}
	require.True(t, IsTransient(netErr))
	require.True(t, IsAuth(&APIError{Status: 401}))

	// Rate limits fail the operation but keep the session.
	limited := &APIError{Status: 429, Code: "over_request_rate_limit"}
	require.True(t, IsAuth(limited))
	require.True(t, IsRateLimited(limited))
	require.False(t, RequiresReauth(limited))
	require.True(t, RequiresReauth(&APIError{Status: 401}))
	require.True(t, RequiresReauth(ErrNotAuthenticated))
	require.False(t, RequiresReauth(nil))
	require.False(t, IsRateLimited(nil))

	// Already classified errors pass through unchanged.
	ce := validationError("bio", "too long")
	require.Same(t, ce, Classify(fmt.Errorf("x: %w", ce)))
}

func TestFieldErrors(t *testing.T) {
	fe := FieldErrors{}
	fe.Add("email", "required")
	fe.AddError("password", &APIError{Status: 400, Code: "invalid_credentials"})
	fe.AddError("", &APIError{Status: 400, Code: "email_not_confirmed"})

	require.Equal(t, []string{"required", "Please confirm your email address before signing in."}, fe["email"])
	require.Equal(t, []string{"Invalid email or password."}, fe["password"])

	cp := fe.clone()
	cp.Add("email", "more")
	require.Len(t, fe["email"], 2)
}
