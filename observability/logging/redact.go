package logging

import (
	"log/slog"
	"sort"
	"strings"
)

// RedactedValue replaces sensitive values in log output.
const RedactedValue = "[REDACTED]"

var redactionAllowlist = map[string]struct{}{
	"service":     {},
	"env":         {},
	"component":   {},
	"error":       {},
	"reason":      {},
	"chain_id":    {},
	"draw_id":     {},
	"week":        {},
	"year":        {},
	"nonce":       {},
	"participant": {},
	"tx_hash":     {},
}

// IsAllowlisted reports whether the key may be logged verbatim.
func IsAllowlisted(key string) bool {
	_, ok := redactionAllowlist[strings.ToLower(strings.TrimSpace(key))]
	return ok
}

// RedactionAllowlist returns the allowlisted keys in sorted order.
func RedactionAllowlist() []string {
	keys := make([]string, 0, len(redactionAllowlist))
	for key := range redactionAllowlist {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}

// MaskField returns an attribute whose value is redacted unless the key is
// allowlisted. Empty values pass through.
func MaskField(key, value string) slog.Attr {
	if strings.TrimSpace(value) == "" || IsAllowlisted(key) {
		return slog.String(key, value)
	}
	return slog.String(key, RedactedValue)
}

// KeySource describes where a secret came from without exposing it, for
// example "env:SETTLEMENTD_SIGNER_KEY" or "file:/run/secrets/key".
func KeySource(kind, ref string) slog.Attr {
	kind = strings.TrimSpace(kind)
	if kind == "" {
		return slog.String("key_source", "none")
	}
	if kind == "literal" {
		return slog.String("key_source", "literal")
	}
	return slog.String("key_source", kind+":"+strings.TrimSpace(ref))
}
