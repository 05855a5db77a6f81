// Package errors keeps credentials and host details out of errors returned to
// API clients and the job event stream.
package errors

import (
	"errors"
	"fmt"
	"path/filepath"
	"regexp"
	"strings"

	"detection-lab/internal/logging"
)

var (
	filePathPattern  = regexp.MustCompile(`(/[a-zA-Z0-9_\-.]+){2,}`)
	ipPattern        = regexp.MustCompile(`\b(?:\d{1,3}\.){3}\d{1,3}\b`)
	accessKeyPattern = regexp.MustCompile(`\b(AKIA|ASIA|AROA|AIDA)[A-Z0-9]{12,}\b`)
	accountIDPattern = regexp.MustCompile(`\b\d{12}\b`)
)

// ProductionMode enables path, address and account scrubbing. Credentials
// are always scrubbed.
var ProductionMode = false

// SetProductionMode sets the production mode flag.
func SetProductionMode(production bool) {
	ProductionMode = production
}

// SanitizeError returns an error whose message is safe to hand to clients.
func SanitizeError(err error) error {
	if err == nil {
		return nil
	}
	return errors.New(SanitizeString(err.Error()))
}

// SanitizeString scrubs a message.
func SanitizeString(s string) string {
	s = logging.MaskPatterns(s)
	s = accessKeyPattern.ReplaceAllStringFunc(s, logging.MaskAccessKey)

	if !ProductionMode {
		return s
	}

	s = filePathPattern.ReplaceAllStringFunc(s, filepath.Base)
	s = ipPattern.ReplaceAllStringFunc(s, func(match string) string {
		parts := strings.Split(match, ".")
		return fmt.Sprintf("%s.%s.x.x", parts[0], parts[1])
	})
	s = accountIDPattern.ReplaceAllString(s, "************")

	if strings.Contains(s, "goroutine") || strings.Count(s, "\n") > 3 {
		s = "internal error"
	}
	return s
}

// userFacing are message fragments that pass through SafeMessage unchanged.
var userFacing = []string{
	"invalid request",
	"not found",
	"unknown technique",
	"unknown scenario",
	"unknown strategy",
	"queue is full",
	"already exists",
}

// SafeMessage returns a client-safe message for err.
func SafeMessage(err error) string {
	if err == nil {
		return ""
	}
	msg := err.Error()
	lower := strings.ToLower(msg)
	for _, safe := range userFacing {
		if strings.Contains(lower, safe) {
			return SanitizeString(msg)
		}
	}
	if ProductionMode {
		return "internal error"
	}
	return SanitizeString(msg)
}
