package privacylog

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log/slog"
	"strings"
)

const (
	redactedValue = "[REDACTED]"
	timeLayout    = "2006-01-02T15:04:05.000000000Z"
)

// identityKeys are attribute keys whose raw values identify a person or a
// conversation; they are logged as fingerprints, never verbatim.
var identityKeys = []string{
	"user_id", "thread_id", "message_id",
	"sender_id", "recipient_id", "reader_id",
	"peer_id", "participant_id", "device_id",
}

// secretKeyParts flag keys that carry credentials; the value is dropped.
var secretKeyParts = []string{"token", "secret", "password", "passphrase", "authorization", "auth"}

// bootNonce salts fingerprints so they cannot be correlated across restarts.
var bootNonce = newBootNonce()

func newBootNonce() string {
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		return "fallback_nonce"
	}
	return hex.EncodeToString(buf)
}

// SanitizingHandler rewrites every record's attributes before handing the
// record to the wrapped slog handler.
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
	clean := slog.NewRecord(rec.Time, rec.Level, rec.Message, rec.PC)
	rec.Attrs(func(attr slog.Attr) bool {
		clean.AddAttrs(SanitizeAttr(attr))
		return true
	})
	return h.next.Handle(ctx, clean)
}

func (h *SanitizingHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	clean := make([]slog.Attr, 0, len(attrs))
	for _, attr := range attrs {
		clean = append(clean, SanitizeAttr(attr))
	}
	return &SanitizingHandler{next: h.next.WithAttrs(clean)}
}

func (h *SanitizingHandler) WithGroup(name string) slog.Handler {
	return &SanitizingHandler{next: h.next.WithGroup(name)}
}

type keyClass int

const (
	classPlain keyClass = iota
	classSecret
	classIdentity
)

func classify(key string) keyClass {
	for _, part := range secretKeyParts {
		if strings.Contains(key, part) {
			return classSecret
		}
	}
	for _, id := range identityKeys {
		if key == id {
			return classIdentity
		}
	}
	return classPlain
}

// SanitizeAttr returns a safe version of one attribute. Groups are sanitized
// member by member.
func SanitizeAttr(attr slog.Attr) slog.Attr {
	key := strings.TrimSpace(attr.Key)
	switch classify(strings.ToLower(key)) {
	case classSecret:
		return slog.String(key, redactedValue)
	case classIdentity:
		return slog.String(fingerprintKeyName(key), FingerprintID(renderValue(attr.Value)))
	}
	if attr.Value.Kind() == slog.KindGroup {
		members := attr.Value.Group()
		flat := make(map[string]any, len(members))
		for _, member := range members {
			clean := SanitizeAttr(member)
			flat[clean.Key] = renderAny(clean.Value)
		}
		return slog.Any(key, flat)
	}
	return attr
}

// SanitizeArgs cleans a key/value argument list before it reaches a logger
// call. Non-string keys and trailing odd values pass through untouched.
func SanitizeArgs(args ...any) []any {
	if len(args) == 0 {
		return nil
	}
	out := make([]any, 0, len(args))
	for i := 0; i < len(args); i++ {
		key, ok := args[i].(string)
		if !ok || i+1 >= len(args) {
			out = append(out, args[i])
			continue
		}
		value := args[i+1]
		i++
		switch classify(strings.ToLower(strings.TrimSpace(key))) {
		case classSecret:
			out = append(out, key, redactedValue)
		case classIdentity:
			out = append(out, fingerprintKeyName(key), FingerprintID(fmt.Sprint(value)))
		default:
			out = append(out, key, value)
		}
	}
	return out
}

// FingerprintID maps an identifier to a short boot-scoped digest. Empty
// input stays empty.
func FingerprintID(value string) string {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return ""
	}
	sum := sha256.Sum256([]byte(trimmed + "|" + bootNonce))
	return "fp_" + hex.EncodeToString(sum[:8])
}

func fingerprintKeyName(key string) string {
	if strings.HasSuffix(strings.ToLower(strings.TrimSpace(key)), "_fp") {
		return key
	}
	return key + "_fp"
}

func renderValue(v slog.Value) string {
	switch v.Kind() {
	case slog.KindString:
		return v.String()
	case slog.KindTime:
		return v.Time().UTC().Format(timeLayout)
	case slog.KindDuration:
		return v.Duration().String()
	default:
		return fmt.Sprint(v.Any())
	}
}

func renderAny(v slog.Value) any {
	switch v.Kind() {
	case slog.KindString:
		return v.String()
	case slog.KindInt64:
		return v.Int64()
	case slog.KindUint64:
		return v.Uint64()
	case slog.KindFloat64:
		return v.Float64()
	case slog.KindBool:
		return v.Bool()
	case slog.KindDuration:
		return v.Duration().String()
	case slog.KindTime:
		return v.Time().UTC().Format(timeLayout)
	default:
		return v.Any()
	}
}
