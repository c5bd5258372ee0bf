// Package privacylog keeps identities and message content out of logs.
// Identity attributes are replaced by per-process fingerprints, secrets and
// message text are redacted, and hex addresses embedded in free text (ledger
// errors, revert reasons) are fingerprinted in place.
package privacylog

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"log/slog"
	"regexp"
	"strings"
)

const redactedValue = "[REDACTED]"

type action int

const (
	keep action = iota
	redact
	fingerprint
)

var (
	bootNonce = randomNonce()

	identityKeys = map[string]struct{}{
		"identity":     {},
		"counterparty": {},
		"local_user":   {},
		"sender":       {},
		"recipient":    {},
		"target":       {},
	}
	sensitiveKeyParts = []string{"secret", "password", "passphrase", "private_key", "token", "body", "nickname", "preview"}

	embeddedAddress = regexp.MustCompile(`0[xX][0-9a-fA-F]{40}\b`)
)

type SanitizingHandler struct {
	next slog.Handler
}

func WrapHandler(next slog.Handler) slog.Handler {
	if next == nil {
		return nil
	}
	return &SanitizingHandler{next: next}
}

func (h *SanitizingHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.next.Enabled(ctx, level)
}

func (h *SanitizingHandler) Handle(ctx context.Context, rec slog.Record) error {
	out := slog.NewRecord(rec.Time, rec.Level, scrubText(rec.Message), rec.PC)
	rec.Attrs(func(attr slog.Attr) bool {
		out.AddAttrs(SanitizeAttr(attr))
		return true
	})
	return h.next.Handle(ctx, out)
}

func (h *SanitizingHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &SanitizingHandler{next: h.next.WithAttrs(sanitizeAttrs(attrs))}
}

func (h *SanitizingHandler) WithGroup(name string) slog.Handler {
	return &SanitizingHandler{next: h.next.WithGroup(name)}
}

// SanitizeAttr applies the key rules to attr, recursing into groups.
func SanitizeAttr(attr slog.Attr) slog.Attr {
	attr.Value = attr.Value.Resolve()
	switch classify(attr.Key) {
	case redact:
		return slog.String(attr.Key, redactedValue)
	case fingerprint:
		return slog.String(fingerprintKeyName(attr.Key), FingerprintID(attr.Value.String()))
	}
	switch attr.Value.Kind() {
	case slog.KindGroup:
		return slog.Attr{Key: attr.Key, Value: slog.GroupValue(sanitizeAttrs(attr.Value.Group())...)}
	case slog.KindString:
		return slog.String(attr.Key, scrubText(attr.Value.String()))
	case slog.KindAny:
		if err, ok := attr.Value.Any().(error); ok {
			return slog.String(attr.Key, scrubText(err.Error()))
		}
	}
	return attr
}

// FingerprintID hashes an identity with a per-process nonce. Addresses are
// case-insensitive, so the value is lower-cased first.
func FingerprintID(value string) string {
	trimmed := strings.ToLower(strings.TrimSpace(value))
	if trimmed == "" {
		return ""
	}
	sum := sha256.Sum256([]byte(trimmed + "|" + bootNonce))
	return "fp_" + hex.EncodeToString(sum[:8])
}

func classify(key string) action {
	lower := strings.ToLower(strings.TrimSpace(key))
	if _, ok := identityKeys[lower]; ok {
		return fingerprint
	}
	for _, part := range sensitiveKeyParts {
		if strings.Contains(lower, part) {
			return redact
		}
	}
	return keep
}

func sanitizeAttrs(attrs []slog.Attr) []slog.Attr {
	out := make([]slog.Attr, 0, len(attrs))
	for _, attr := range attrs {
		out = append(out, SanitizeAttr(attr))
	}
	return out
}

func scrubText(s string) string {
	if !strings.Contains(s, "0x") && !strings.Contains(s, "0X") {
		return s
	}
	return embeddedAddress.ReplaceAllStringFunc(s, FingerprintID)
}

func fingerprintKeyName(key string) string {
	if strings.HasSuffix(strings.ToLower(strings.TrimSpace(key)), "_fp") {
		return key
	}
	return key + "_fp"
}

func randomNonce() string {
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		return "fallback_nonce"
	}
	return hex.EncodeToString(buf)
}
