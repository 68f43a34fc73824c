package brainmessenger

import (
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// DefaultRefreshMargin is how long before expiry a token is refreshed.
const DefaultRefreshMargin = 300 * time.Second

// nowFunc returns the current time. It can be overridden in tests.
var nowFunc = time.Now

var segmentParser = jwt.NewParser()

// IsStructurallyValid reports whether token is three non-empty base64url
// segments that each decode.
func IsStructurallyValid(token string) bool {
	parts := strings.Split(token, ".")
	if len(parts) != 3 {
		return false
	}
	for _, p := range parts {
		if p == "" {
			return false
		}
		if _, err := segmentParser.DecodeSegment(p); err != nil {
			return false
		}
	}
	return true
}

// tokenClaims decodes the payload without verifying the signature. The
// backend verifies signatures; the client only needs the timing claims.
func tokenClaims(token string) (jwt.MapClaims, bool) {
	if !IsStructurallyValid(token) {
		return nil, false
	}
	claims := jwt.MapClaims{}
	if _, _, err := segmentParser.ParseUnverified(token, claims); err != nil {
		return nil, false
	}
	return claims, true
}

// tokenWindow returns the nbf and exp claims. A nil pointer means the claim
// is absent; ok is false if either claim is present but malformed.
func tokenWindow(token string) (nbf, exp *time.Time, ok bool) {
	claims, ok := tokenClaims(token)
	if !ok {
		return nil, nil, false
	}
	e, err := claims.GetExpirationTime()
	if err != nil {
		return nil, nil, false
	}
	n, err := claims.GetNotBefore()
	if err != nil {
		return nil, nil, false
	}
	if e != nil {
		exp = &e.Time
	}
	if n != nil {
		nbf = &n.Time
	}
	return nbf, exp, true
}

// IsCurrentlyValid reports whether token is structurally valid and inside its
// nbf/exp window. Anything malformed is invalid.
func IsCurrentlyValid(token string) bool {
	return validAt(token, nowFunc())
}

func validAt(token string, now time.Time) bool {
	nbf, exp, ok := tokenWindow(token)
	if !ok {
		return false
	}
	if nbf != nil && nbf.After(now) {
		return false
	}
	if exp != nil && exp.Before(now) {
		return false
	}
	return true
}

// NeedsRefresh reports whether token is valid but expires within margin.
// A margin <= 0 uses DefaultRefreshMargin.
func NeedsRefresh(token string, margin time.Duration) bool {
	if margin <= 0 {
		margin = DefaultRefreshMargin
	}
	now := nowFunc()
	if !validAt(token, now) {
		return false
	}
	_, exp, _ := tokenWindow(token)
	if exp == nil {
		return false
	}
	return exp.Sub(now) < margin
}

// TokenExpiry returns the exp claim of token, or the zero time.
func TokenExpiry(token string) time.Time {
	_, exp, ok := tokenWindow(token)
	if !ok || exp == nil {
		return time.Time{}
	}
	return *exp
}

// TokenSubject returns the sub claim of token.
func TokenSubject(token string) string {
	claims, ok := tokenClaims(token)
	if !ok {
		return ""
	}
	sub, _ := claims.GetSubject()
	return sub
}
