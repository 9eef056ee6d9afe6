// ABOUTME: Platform enum and recipient reference parsing
// ABOUTME: Defines the external platforms the gateway can deliver to

package chat

import (
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// Platform identifies an external messaging service, or INTERNAL for
// messages that never leave the gateway.
type Platform string

const (
	PlatformInternal  Platform = "INTERNAL"
	PlatformWhatsApp  Platform = "WHATSAPP"
	PlatformTelegram  Platform = "TELEGRAM"
	PlatformInstagram Platform = "INSTAGRAM"
)

// ExternalPlatforms lists the platforms a connector can exist for.
var ExternalPlatforms = []Platform{PlatformWhatsApp, PlatformTelegram, PlatformInstagram}

// ParsePlatform normalizes a string into a known Platform.
func ParsePlatform(s string) (Platform, error) {
	switch Platform(strings.ToUpper(strings.TrimSpace(s))) {
	case PlatformInternal:
		return PlatformInternal, nil
	case PlatformWhatsApp:
		return PlatformWhatsApp, nil
	case PlatformTelegram:
		return PlatformTelegram, nil
	case PlatformInstagram:
		return PlatformInstagram, nil
	default:
		return "", fmt.Errorf("unknown platform %q", s)
	}
}

// External reports whether the platform requires a connector hop.
func (p Platform) External() bool {
	return p != PlatformInternal && p != ""
}

// Role tags an internal user.
type Role string

const (
	RoleAgent    Role = "AGENT"
	RoleCustomer Role = "CUSTOMER"
)

// ParseRole normalizes a string into a known Role.
func ParseRole(s string) (Role, error) {
	switch Role(strings.ToUpper(strings.TrimSpace(s))) {
	case RoleAgent:
		return RoleAgent, nil
	case RoleCustomer:
		return RoleCustomer, nil
	default:
		return "", fmt.Errorf("unknown role %q", s)
	}
}

// RecipientRef is one entry of a message's recipient set. Either an internal
// user id, or a literal platform handle the caller already resolved.
type RecipientRef struct {
	UserID         string   // set when the entry is an internal user id
	Platform       Platform // set together with PlatformUserID for literal handles
	PlatformUserID string
}

// Internal reports whether the reference points at an internal user.
func (r RecipientRef) Internal() bool { return r.UserID != "" }

// String renders the canonical wire form: the bare uuid for internal users,
// "<platform>:<id>" for literal handles.
func (r RecipientRef) String() string {
	if r.Internal() {
		return r.UserID
	}
	return string(r.Platform) + ":" + r.PlatformUserID
}

// ParseRecipientRef interprets one recipient entry. A parseable uuid is an
// internal user id; "<platform>:<id>" is a literal handle; anything else is
// accepted as a platform-native raw handle when fallback is a non-INTERNAL
// platform (the sender's channel), for callers predating the prefixed form.
func ParseRecipientRef(s string, fallback Platform) (RecipientRef, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return RecipientRef{}, fmt.Errorf("empty recipient")
	}
	if _, err := uuid.Parse(s); err == nil {
		return RecipientRef{UserID: s}, nil
	}
	if prefix, rest, ok := strings.Cut(s, ":"); ok {
		if p, err := ParsePlatform(prefix); err == nil && p.External() {
			if rest == "" {
				return RecipientRef{}, fmt.Errorf("recipient %q has empty platform id", s)
			}
			return RecipientRef{Platform: p, PlatformUserID: rest}, nil
		}
	}
	if fallback.External() {
		return RecipientRef{Platform: fallback, PlatformUserID: s}, nil
	}
	return RecipientRef{}, fmt.Errorf("recipient %q is neither a user id nor a platform handle", s)
}
