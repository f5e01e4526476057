package logging

import (
	"log/slog"
	"strings"
)

// RedactedValue is the canonical placeholder used for sensitive fields in logs.
const RedactedValue = "[REDACTED]"

// sensitiveKeys lists the log keys that must never carry their raw value:
// gateway bearer tokens and signing secrets.
var sensitiveKeys = map[string]struct{}{
	"token":         {},
	"authorization": {},
	"secret":        {},
	"auth_secret":   {},
}

// MaskField returns a slog.Attr redacting the value when the key is
// sensitive. Empty values pass through to avoid noise.
func MaskField(key, value string) slog.Attr {
	if strings.TrimSpace(value) == "" {
		return slog.String(key, value)
	}
	if _, sensitive := sensitiveKeys[strings.ToLower(strings.TrimSpace(key))]; sensitive {
		return slog.String(key, RedactedValue)
	}
	return slog.String(key, value)
}
