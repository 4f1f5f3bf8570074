// Package errors keeps internal details out of error text that leaves the
// process over HTTP.
package errors

import (
	"fmt"
	"path/filepath"
	"regexp"
	"strings"
	"sync/atomic"
)

var (
	filePathPattern = regexp.MustCompile(`(/[a-zA-Z0-9_\-./]+)|([A-Z]:\\[a-zA-Z0-9_\-\\ ./]+)`)
	ipPattern       = regexp.MustCompile(`\b(?:\d{1,3}\.){3}\d{1,3}\b`)

	// Credentials that may appear in wrapped driver errors.
	secretPattern = regexp.MustCompile(`(?i)(password=|secret=|token=|api[_-]?key=|authorization:)`)

	// Transport failures from redis, kafka, webhooks and the analyzer endpoint.
	dependencyPattern = regexp.MustCompile(`(?i)(dial tcp|connection refused|no such host|redis:|kafka|i/o timeout|tls:)`)
)

// Generic replacements.
const (
	MsgInternal   = "internal server error - operation failed"
	MsgDependency = "upstream dependency unavailable"
	MsgCredential = "request failed"
)

var productionMode atomic.Bool

// SetProductionMode enables sanitization. Call during initialization.
func SetProductionMode(production bool) {
	productionMode.Store(production)
}

// IsProduction reports whether sanitization is enabled.
func IsProduction() bool {
	return productionMode.Load()
}

// SanitizeError returns err with sensitive details removed in production mode.
func SanitizeError(err error) error {
	if err == nil {
		return nil
	}
	if !IsProduction() {
		return err
	}
	return fmt.Errorf("%s", SanitizeString(err.Error()))
}

// SanitizeString removes sensitive information from s in production mode.
func SanitizeString(s string) string {
	if !IsProduction() {
		return s
	}

	if secretPattern.MatchString(s) {
		return MsgCredential
	}
	if strings.Contains(s, "goroutine") || strings.Count(s, "\n") > 3 {
		return MsgInternal
	}
	if dependencyPattern.MatchString(s) {
		return MsgDependency
	}

	s = filePathPattern.ReplaceAllStringFunc(s, func(match string) string {
		return filepath.Base(match)
	})

	// Keep the first two octets for debugging context.
	s = ipPattern.ReplaceAllStringFunc(s, func(match string) string {
		parts := strings.Split(match, ".")
		if len(parts) == 4 {
			return fmt.Sprintf("%s.%s.x.x", parts[0], parts[1])
		}
		return "x.x.x.x"
	})

	return s
}

// WrapSanitized wraps err with message and sanitizes the result.
func WrapSanitized(err error, message string) error {
	if err == nil {
		return nil
	}
	return SanitizeError(fmt.Errorf("%s: %w", message, err))
}

// userFacing lists error fragments that are safe to return verbatim.
var userFacing = []string{
	"invalid request",
	"validation failed",
	"envelope is required",
	"action not found",
	"invalid action status transition",
	"does not support rollback",
	"queue is full",
	"queue is closed",
	"not found",
}

// SafeErrorMessage returns a message suitable for an API client. Known
// client errors pass through; everything else is sanitized.
func SafeErrorMessage(err error) string {
	if err == nil {
		return ""
	}

	msg := err.Error()
	lowerMsg := strings.ToLower(msg)
	for _, safe := range userFacing {
		if strings.Contains(lowerMsg, safe) {
			return msg
		}
	}
	return SanitizeString(msg)
}
