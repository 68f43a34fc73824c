package brainmessenger

import (
	"net/mail"
	"net/url"
	"regexp"
	"strings"
	"unicode"
	"unicode/utf8"
)

const (
	minUsernameLen    = 3
	maxUsernameLen    = 30
	maxDisplayNameLen = 50
	maxBioLen         = 500
	minPasswordLen    = 8
)

var (
	usernamePattern   = regexp.MustCompile(`^[A-Za-z0-9_-]+$`)
	emailDomainSuffix = regexp.MustCompile(`\.[A-Za-z]{2,}$`)
	nonUsernameChars  = regexp.MustCompile(`[^a-z0-9_]`)
	repeatUnderscores = regexp.MustCompile(`_+`)
)

// NormalizeEmail trims and lowercases an email address.
func NormalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

// ValidateEmail checks the shape of an already-normalized email.
func ValidateEmail(email string) error {
	if email == "" {
		return validationError("email", "Email is required.")
	}
	addr, err := mail.ParseAddress(email)
	if err != nil || addr.Address != email || !emailDomainSuffix.MatchString(email) {
		return validationError("email", "Please enter a valid email address.")
	}
	return nil
}

// ValidatePassword requires a minimum length with at least one letter and one digit.
func ValidatePassword(password string) error {
	if password == "" {
		return validationError("password", "Password is required.")
	}
	if utf8.RuneCountInString(password) < minPasswordLen {
		return validationError("password", "Password must be at least 8 characters.")
	}
	var letter, digit bool
	for _, r := range password {
		switch {
		case unicode.IsLetter(r):
			letter = true
		case unicode.IsDigit(r):
			digit = true
		}
	}
	if !letter || !digit {
		return validationError("password", "Password must contain a letter and a number.")
	}
	return nil
}

// ValidateUsername allows 3-30 letters, digits, underscores and hyphens.
func ValidateUsername(username string) error {
	n := len(username)
	if n < minUsernameLen || n > maxUsernameLen {
		return validationError(string(FieldUsername), "Username must be 3-30 characters.")
	}
	if !usernamePattern.MatchString(username) {
		return validationError(string(FieldUsername), "Username may only contain letters, numbers, underscores and hyphens.")
	}
	return nil
}

func ValidateDisplayName(name string) error {
	n := utf8.RuneCountInString(strings.TrimSpace(name))
	if n == 0 {
		return validationError(string(FieldDisplayName), "Display name is required.")
	}
	if n > maxDisplayNameLen {
		return validationError(string(FieldDisplayName), "Display name must be at most 50 characters.")
	}
	return nil
}

func ValidateBio(bio string) error {
	if utf8.RuneCountInString(bio) > maxBioLen {
		return validationError(string(FieldBio), "Bio must be at most 500 characters.")
	}
	return nil
}

// ParseVisibility accepts "public" or "private".
func ParseVisibility(v string) (Visibility, error) {
	switch Visibility(v) {
	case VisibilityPublic, VisibilityPrivate:
		return Visibility(v), nil
	}
	return "", validationError(string(FieldVisibility), "Visibility must be public or private.")
}

// ValidateAvatarURL accepts an empty string or an absolute http(s) URL.
func ValidateAvatarURL(raw string) error {
	if raw == "" {
		return nil
	}
	u, err := url.Parse(raw)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return validationError(string(FieldAvatarURL), "Avatar must be an http(s) URL.")
	}
	return nil
}

func validateField(f Field, v string) error {
	switch f {
	case FieldUsername:
		return ValidateUsername(v)
	case FieldDisplayName:
		return ValidateDisplayName(v)
	case FieldBio:
		return ValidateBio(v)
	case FieldVisibility:
		_, err := ParseVisibility(v)
		return err
	case FieldAvatarURL:
		return ValidateAvatarURL(v)
	}
	return validationError(string(f), "Unknown field.")
}

// DefaultUsername derives a username from the local part of an email:
// lowercased, reduced to [a-z0-9_], runs of underscores collapsed and
// leading/trailing underscores trimmed.
func DefaultUsername(email string) string {
	local := NormalizeEmail(email)
	if i := strings.IndexByte(local, '@'); i >= 0 {
		local = local[:i]
	}
	name := nonUsernameChars.ReplaceAllString(local, "_")
	name = repeatUnderscores.ReplaceAllString(name, "_")
	name = strings.Trim(name, "_")
	if len(name) > maxUsernameLen {
		name = strings.TrimRight(name[:maxUsernameLen], "_")
	}
	if name == "" {
		return "user"
	}
	return name
}
