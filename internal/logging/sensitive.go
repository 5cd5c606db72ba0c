// Package logging provides logging utilities for the audit engine.
package logging

import (
	"context"
	"log/slog"
	"strings"
)

// sensitiveKeys lists attribute names whose values never reach the log.
// Beyond the usual credential material this covers actor identity and
// legal hold authority, which auditors treat as restricted.
var sensitiveKeys = map[string]bool{
	"password":       true,
	"secret":         true,
	"token":          true,
	"api_key":        true,
	"apikey":         true,
	"access_token":   true,
	"refresh_token":  true,
	"private_key":    true,
	"client_secret":  true,
	"authorization":  true,
	"bearer":         true,
	"session_id":     true,
	"cookie":         true,
	"x-api-key":      true,
	"webhook_url":    true,
	"actor_email":    true,
	"actor_name":     true,
	"hold_authority": true,
	"authority":      true,
	"dsn":            true,
	"sasl_password":  true,
}

// MaskedValue replaces sensitive values in log output.
const MaskedValue = "[REDACTED]"

// IsSensitiveKey reports whether an attribute name must be masked.
func IsSensitiveKey(key string) bool {
	lower := strings.ToLower(key)
	if sensitiveKeys[lower] {
		return true
	}
	for s := range sensitiveKeys {
		if strings.Contains(lower, s) {
			return true
		}
	}
	return false
}

// MaskValue masks a value when its attribute name is sensitive.
func MaskValue(key, value string) string {
	if value == "" {
		return value
	}
	if IsSensitiveKey(key) {
		return MaskedValue
	}
	return value
}

// MaskAPIKey shows the first and last four characters of a key.
func MaskAPIKey(key string) string {
	if key == "" {
		return ""
	}
	if len(key) <= 8 {
		return MaskedValue
	}
	return key[:4] + "****" + key[len(key)-4:]
}

// MaskEmail hides the local part of an address except its edges.
func MaskEmail(email string) string {
	if email == "" {
		return ""
	}
	at := strings.Index(email, "@")
	if at <= 0 {
		return MaskedValue
	}
	local, domain := email[:at], email[at:]
	if len(local) <= 2 {
		return MaskedValue + domain
	}
	return local[:1] + "***" + local[len(local)-1:] + domain
}

// RedactingHandler wraps a slog.Handler and masks sensitive attributes
// before they are written.
type RedactingHandler struct {
	inner slog.Handler
}

// NewRedactingHandler wraps a handler with attribute redaction.
func NewRedactingHandler(inner slog.Handler) *RedactingHandler {
	return &RedactingHandler{inner: inner}
}

func (h *RedactingHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.inner.Enabled(ctx, level)
}

func (h *RedactingHandler) Handle(ctx context.Context, r slog.Record) error {
	clean := slog.NewRecord(r.Time, r.Level, r.Message, r.PC)
	r.Attrs(func(a slog.Attr) bool {
		clean.AddAttrs(redactAttr(a))
		return true
	})
	return h.inner.Handle(ctx, clean)
}

func (h *RedactingHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	redacted := make([]slog.Attr, len(attrs))
	for i, a := range attrs {
		redacted[i] = redactAttr(a)
	}
	return &RedactingHandler{inner: h.inner.WithAttrs(redacted)}
}

func (h *RedactingHandler) WithGroup(name string) slog.Handler {
	return &RedactingHandler{inner: h.inner.WithGroup(name)}
}

func redactAttr(a slog.Attr) slog.Attr {
	if a.Value.Kind() == slog.KindGroup {
		members := a.Value.Group()
		redacted := make([]slog.Attr, len(members))
		for i, m := range members {
			redacted[i] = redactAttr(m)
		}
		return slog.Attr{Key: a.Key, Value: slog.GroupValue(redacted...)}
	}
	if IsSensitiveKey(a.Key) {
		return slog.String(a.Key, MaskedValue)
	}
	return a
}
