// Package logging configures structured logging for the lab and keeps
// credentials out of log output.
package logging

import (
	"io"
	"log/slog"
	"regexp"
	"strings"
)

// MaskedValue replaces sensitive values.
const MaskedValue = "[REDACTED]"

// SensitiveFields are attribute keys whose values are always masked.
var SensitiveFields = map[string]bool{
	"aws_secret_access_key": true,
	"secret_access_key":     true,
	"secretaccesskey":       true,
	"aws_session_token":     true,
	"session_token":         true,
	"sessiontoken":          true,
	"api_key":               true,
	"apikey":                true,
	"app_key":               true,
	"dd-api-key":            true,
	"dd-application-key":    true,
	"authorization":         true,
	"password":              true,
	"private_key":           true,
	"token":                 true,
	"secret":                true,
}

// partialFields are keys whose values keep a short prefix and suffix.
var partialFields = map[string]bool{
	"access_key_id":     true,
	"aws_access_key_id": true,
	"accesskeyid":       true,
}

var secretPatterns = []*regexp.Regexp{
	// AWS secret access keys in key=value or JSON form
	regexp.MustCompile(`(?i)(secret_?access_?key|session_?token)(["'\s:=]+)([A-Za-z0-9/+=]{16,})`),
	// Bearer tokens
	regexp.MustCompile(`(?i)bearer\s+[A-Za-z0-9_\-.]+`),
}

// IsSensitiveField reports whether a field name must be fully masked.
func IsSensitiveField(name string) bool {
	lower := strings.ToLower(name)
	if SensitiveFields[lower] {
		return true
	}
	for field := range SensitiveFields {
		if len(field) > 5 && strings.Contains(lower, field) {
			return true
		}
	}
	return false
}

// MaskAccessKey keeps the first and last four characters of an access key id.
func MaskAccessKey(key string) string {
	if key == "" {
		return ""
	}
	if len(key) <= 8 {
		return MaskedValue
	}
	return key[:4] + "****" + key[len(key)-4:]
}

// MaskPatterns masks secrets embedded in free text.
func MaskPatterns(s string) string {
	s = secretPatterns[0].ReplaceAllString(s, "${1}${2}"+MaskedValue)
	s = secretPatterns[1].ReplaceAllString(s, MaskedValue)
	return s
}

// RedactAttr is a slog ReplaceAttr hook that masks sensitive attributes.
func RedactAttr(_ []string, a slog.Attr) slog.Attr {
	key := strings.ToLower(a.Key)
	switch {
	case IsSensitiveField(key):
		if a.Value.Kind() == slog.KindString && a.Value.String() == "" {
			return a
		}
		return slog.String(a.Key, MaskedValue)
	case partialFields[key]:
		return slog.String(a.Key, MaskAccessKey(a.Value.String()))
	case a.Value.Kind() == slog.KindString:
		return slog.String(a.Key, MaskPatterns(a.Value.String()))
	}
	return a
}

// Config selects the log level and output format.
type Config struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// ParseLevel converts a level name to a slog level, defaulting to info.
func ParseLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// New builds a logger writing to w.
func New(w io.Writer, cfg Config) *slog.Logger {
	opts := &slog.HandlerOptions{
		Level:       ParseLevel(cfg.Level),
		ReplaceAttr: RedactAttr,
	}
	var handler slog.Handler
	if strings.EqualFold(cfg.Format, "text") {
		handler = slog.NewTextHandler(w, opts)
	} else {
		handler = slog.NewJSONHandler(w, opts)
	}
	return slog.New(handler)
}
