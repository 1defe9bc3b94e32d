package config

import (
	"errors"
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/robfig/cron/v3"

	"github.com/rendis/bizflow/internal/engine"
)

var validate = validator.New()

var cronParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// ConfigError is a validation failure on one field.
type ConfigError struct {
	Field   string
	Message string
	Value   any
}

func (e ConfigError) Error() string {
	return fmt.Sprintf("%s: %s (got %v)", e.Field, e.Message, e.Value)
}

// ValidationErrors collects every ConfigError found.
type ValidationErrors []ConfigError

func (e ValidationErrors) Error() string {
	if len(e) == 0 {
		return "no validation errors"
	}
	var sb strings.Builder
	sb.WriteString("configuration validation failed:\n")
	for _, err := range e {
		sb.WriteString("  - " + err.Error() + "\n")
	}
	return sb.String()
}

// ValidateWithDetails checks struct tags, then the cron expressions and the
// unresolved-parameter policy.
func ValidateWithDetails(cfg *Config) error {
	var details ValidationErrors
	if err := validate.Struct(cfg); err != nil {
		var ves validator.ValidationErrors
		if !errors.As(err, &ves) {
			return err
		}
		for _, fe := range ves {
			details = append(details, ConfigError{
				Field:   fe.Namespace(),
				Message: formatValidationError(fe),
				Value:   fe.Value(),
			})
		}
	}

	if _, err := cronParser.Parse(cfg.Store.CleanupSchedule); err != nil && cfg.Store.CleanupSchedule != "" {
		details = append(details, ConfigError{Field: "store.cleanup_schedule", Message: err.Error(), Value: cfg.Store.CleanupSchedule})
	}
	for i, s := range cfg.Schedules {
		if s.Cron == "" {
			continue
		}
		if _, err := cronParser.Parse(s.Cron); err != nil {
			details = append(details, ConfigError{Field: fmt.Sprintf("schedules[%d].cron", i), Message: err.Error(), Value: s.Cron})
		}
	}

	if len(details) > 0 {
		return details
	}
	return nil
}

// UnresolvedPolicy returns the parsed engine.unresolved_params value.
func (c *Config) UnresolvedPolicy() engine.UnresolvedPolicy {
	p, err := engine.ParseUnresolvedPolicy(c.Engine.UnresolvedParams)
	if err != nil {
		return engine.UnresolvedKeep
	}
	return p
}

func formatValidationError(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return "this field is required"
	case "required_if":
		return fmt.Sprintf("required when %s", fe.Param())
	case "url":
		return "must be a valid URL"
	case "hostname_port":
		return "must be host:port"
	case "oneof":
		return fmt.Sprintf("must be one of [%s]", fe.Param())
	case "gt":
		return fmt.Sprintf("must be greater than %s", fe.Param())
	case "gte":
		return fmt.Sprintf("must be greater than or equal to %s", fe.Param())
	case "lte":
		return fmt.Sprintf("must be less than or equal to %s", fe.Param())
	default:
		return fmt.Sprintf("failed validation: %s", fe.Tag())
	}
}
