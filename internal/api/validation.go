package api

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/toru-run/toru/internal/logsink"
)

// ValidationError represents a validation error with field information
type ValidationError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// ValidationErrors holds multiple validation errors
type ValidationErrors []ValidationError

func (e ValidationErrors) Error() string {
	var msgs []string
	for _, err := range e {
		msgs = append(msgs, err.Error())
	}
	return strings.Join(msgs, "; ")
}

// HasErrors returns true if there are validation errors
func (e ValidationErrors) HasErrors() bool {
	return len(e) > 0
}

var pluginIDPattern = regexp.MustCompile(`^[a-zA-Z0-9_-]+$`)

// ValidatePluginID validates a plugin id path parameter (spec.md §6).
func ValidatePluginID(id string) error {
	if id == "" {
		return fmt.Errorf("plugin id is required")
	}
	if !pluginIDPattern.MatchString(id) {
		return fmt.Errorf("plugin id must contain only letters, numbers, underscores, and hyphens")
	}
	if len(id) > 100 {
		return fmt.Errorf("plugin id must be at most 100 characters")
	}
	return nil
}

// LogQuery is the parsed and defaulted form of a GET .../logs request
// (spec.md §6: page, page_size, level query parameters).
type LogQuery struct {
	Page     int
	PageSize int
	Level    logsink.Level
}

var validLogLevels = map[string]logsink.Level{
	"":      "",
	"trace": logsink.Trace,
	"debug": logsink.Debug,
	"info":  logsink.Info,
	"warn":  logsink.Warn,
	"error": logsink.Error,
}

// ParseLogQuery validates and defaults the page/page_size/level query
// parameters of a log-read request. page defaults to 0, page_size to 50
// (capped at 500), and an unrecognized level is rejected.
func ParseLogQuery(pageStr, pageSizeStr, levelStr string) (LogQuery, ValidationErrors) {
	var errs ValidationErrors
	q := LogQuery{Page: 0, PageSize: 50}

	if pageStr != "" {
		n, err := strconv.Atoi(pageStr)
		if err != nil || n < 0 {
			errs = append(errs, ValidationError{Field: "page", Message: "page must be a non-negative integer"})
		} else {
			q.Page = n
		}
	}

	if pageSizeStr != "" {
		n, err := strconv.Atoi(pageSizeStr)
		if err != nil || n <= 0 {
			errs = append(errs, ValidationError{Field: "page_size", Message: "page_size must be a positive integer"})
		} else if n > 500 {
			q.PageSize = 500
		} else {
			q.PageSize = n
		}
	}

	level, ok := validLogLevels[strings.ToLower(levelStr)]
	if !ok {
		errs = append(errs, ValidationError{Field: "level", Message: "level must be one of trace, debug, info, warn, error"})
	} else {
		q.Level = level
	}

	return q, errs
}
