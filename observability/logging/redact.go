package logging

import (
	"log/slog"
	"sort"
	"strings"
)

// RedactedValue replaces sensitive field values in log output. Active server
// seeds, wallet credentials and master keys must never appear in a log line;
// commitment hashes and txids are fine.
const RedactedValue = "[REDACTED]"

// allowedKeys lists the string fields that may be logged verbatim. Everything
// else is masked, so a new field is private until someone allowlists it.
var allowedKeys = buildAllowlist(
	"service", "env", "message", "severity", "timestamp",
	"error", "reason", "component", "channel",
	"txid", "bet_id", "payout_id", "wallet_id",
	"address", "player", "multiplier", "nonce",
	"status", "outcome", "seed_hash", "broadcast_txid",
)

func buildAllowlist(keys ...string) map[string]struct{} {
	set := make(map[string]struct{}, len(keys))
	for _, key := range keys {
		set[key] = struct{}{}
	}
	return set
}

// IsAllowlisted reports whether a key may be emitted without masking.
func IsAllowlisted(key string) bool {
	_, ok := allowedKeys[strings.ToLower(strings.TrimSpace(key))]
	return ok
}

// RedactionAllowlist returns the allowlisted keys in sorted order. Tests use
// this to ensure sensitive keys remain masked.
func RedactionAllowlist() []string {
	keys := make([]string, 0, len(allowedKeys))
	for key := range allowedKeys {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}

// MaskField builds a slog.Attr, masking the value unless the key is
// allowlisted. Empty values pass through so absent fields stay readable.
func MaskField(key, value string) slog.Attr {
	if strings.TrimSpace(value) == "" || IsAllowlisted(key) {
		return slog.String(key, value)
	}
	return slog.String(key, RedactedValue)
}
