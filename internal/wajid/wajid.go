package wajid

import (
	"errors"
	"strings"
	"unicode"

	"go.mau.fi/whatsmeow/types"
)

var ErrInvalidJID = errors.New("WhatsApp JID is Missing Server Part")

// Normalize collapses a raw JID to its canonical <phone>@<server> form,
// dropping the multi-device session suffix and any leading plus sign.
// Normalizing an already normalized JID returns it unchanged.
func Normalize(raw string) (string, error) {
	at := strings.IndexRune(raw, '@')
	if at < 0 {
		return "", ErrInvalidJID
	}
	return Phone(raw) + "@" + raw[at+1:], nil
}

// Phone returns the user portion of a JID without the device suffix.
func Phone(jid string) string {
	user := jid
	if at := strings.IndexRune(user, '@'); at >= 0 {
		user = user[:at]
	}
	if colon := strings.IndexRune(user, ':'); colon >= 0 {
		user = user[:colon]
	}
	user = strings.TrimPrefix(user, "+")
	return strings.TrimSpace(user)
}

func IsGroup(jid string) bool {
	return strings.HasSuffix(jid, "@"+types.GroupServer)
}

// IsSelf reports whether candidate refers to the logged-in account itself.
// Group JIDs never count as self even when they share the phone prefix.
func IsSelf(self string, candidate string) bool {
	if IsGroup(candidate) {
		return false
	}
	return Phone(candidate) == Phone(self)
}

// FromPhone builds an individual-chat JID from a bare phone number.
func FromPhone(number string) string {
	return Phone(number) + "@" + types.DefaultUserServer
}

// IsPhone reports whether the input is a pure numeric string.
func IsPhone(s string) bool {
	if s == "" {
		return false
	}
	for _, c := range s {
		if !unicode.IsDigit(c) {
			return false
		}
	}
	return true
}

// Parse converts a normalized JID string into a whatsmeow JID.
func Parse(jid string) (types.JID, error) {
	normalized, err := Normalize(jid)
	if err != nil {
		return types.EmptyJID, err
	}
	return types.ParseJID(normalized)
}
