// Package normalize is the pure, stateless normalization step between
// a raw source payload and what the store is allowed to persist. It
// keeps no state of its own; every function is total given a
// CacheLimits.
package normalize

import (
	"strings"
	"unicode"

	"github.com/autotech-aaos/contactscache/contactscache/model"
)

// Contact normalizes a raw contact payload, or returns ok=false if the
// record should be dropped (blank external_contact_id after
// trimming).
func Contact(raw model.RawContact, limits model.CacheLimits) (model.ContactPayload, bool) {
	externalID := trimToEmpty(raw.ExternalContactID)
	if externalID == "" {
		return model.ContactPayload{}, false
	}
	externalID = truncate(externalID, limits.MaxExternalIDChars)

	displayName := trimToEmpty(raw.DisplayName)
	if displayName == "" {
		displayName = "Unknown"
	}
	displayName = truncate(displayName, limits.MaxDisplayNameChars)

	avatar := trimToEmpty(raw.AvatarETag)
	avatar = truncate(avatar, 128)

	return model.ContactPayload{
		ExternalContactID:    externalID,
		DisplayName:          displayName,
		Phones:               normalizePhones(raw.Phones, limits),
		Emails:               normalizeEmails(raw.Emails, limits),
		AvatarETag:           avatar,
		SourceVersion:        max64(0, raw.SourceVersion),
		SourceLastModifiedMs: max64(0, raw.SourceLastModifiedMs),
	}, true
}

// SourceDevice trims and truncates a raw source_device identifier, or
// reports ok=false if it is blank after trimming.
func SourceDevice(raw string, limits model.CacheLimits) (string, bool) {
	trimmed := trimToEmpty(raw)
	if trimmed == "" {
		return "", false
	}
	return truncate(trimmed, limits.MaxSourceDeviceChars), true
}

func normalizePhones(raw []string, limits model.CacheLimits) []string {
	if len(raw) == 0 {
		return nil
	}
	seen := make(map[string]struct{}, len(raw))
	out := make([]string, 0, len(raw))
	for _, p := range raw {
		norm := normalizePhone(p)
		if norm == "" {
			continue
		}
		norm = truncate(norm, limits.MaxPhoneChars)
		if _, dup := seen[norm]; dup {
			continue
		}
		seen[norm] = struct{}{}
		out = append(out, norm)
		if len(out) >= limits.MaxPhonesPerContact {
			break
		}
	}
	return out
}

func normalizeEmails(raw []string, limits model.CacheLimits) []string {
	if len(raw) == 0 {
		return nil
	}
	seen := make(map[string]struct{}, len(raw))
	out := make([]string, 0, len(raw))
	for _, e := range raw {
		norm := trimToEmpty(e)
		if norm == "" {
			continue
		}
		norm = strings.ToLower(norm)
		if !strings.Contains(norm, "@") {
			continue
		}
		norm = truncate(norm, limits.MaxEmailChars)
		if _, dup := seen[norm]; dup {
			continue
		}
		seen[norm] = struct{}{}
		out = append(out, norm)
		if len(out) >= limits.MaxEmailsPerContact {
			break
		}
	}
	return out
}

// normalizePhone retains only digits, plus a single optional leading
// '+' that must be the very first rune written out — a '+' seen after
// any digit (or after a '+' already emitted) is discarded. Ported from
// the reference ContactNormalizer.normalizePhone.
func normalizePhone(raw string) string {
	trimmed := trimToEmpty(raw)
	if trimmed == "" {
		return ""
	}

	var sb strings.Builder
	plusUsed := false
	digits := 0
	for _, r := range trimmed {
		if unicode.IsDigit(r) {
			sb.WriteRune(r)
			digits++
			continue
		}
		if r == '+' && !plusUsed && sb.Len() == 0 {
			sb.WriteRune(r)
			plusUsed = true
		}
	}

	if digits == 0 {
		return ""
	}
	return sb.String()
}

func trimToEmpty(s string) string {
	return strings.TrimSpace(s)
}

func truncate(s string, maxChars int) string {
	r := []rune(s)
	if len(r) <= maxChars {
		return s
	}
	return string(r[:maxChars])
}

func max64(a, b int64) int64 {
	if a > b {
		return a
	}
	return b
}
