package config

import (
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"
)

// ValidationError represents a single configuration validation failure.
type ValidationError struct {
	Field   string
	Tag     string
	Value   interface{}
	Message string
}

func (e *ValidationError) Error() string {
	if e.Message != "" {
		return e.Message
	}
	return fmt.Sprintf("%s failed validation", e.Field)
}

// ValidationErrors collects every violation found in one pass, so a broken
// config reports all its problems at once.
type ValidationErrors []ValidationError

func (e ValidationErrors) Error() string {
	if len(e) == 0 {
		return ""
	}
	messages := make([]string, 0, len(e))
	for i := range e {
		messages = append(messages, e[i].Error())
	}
	return fmt.Sprintf("validation failed: %s", strings.Join(messages, "; "))
}

// Validator provides configuration validation.
type Validator struct {
	validate *validator.Validate
}

// NewValidator creates a new configuration validator.
func NewValidator() *Validator {
	return &Validator{validate: validator.New()}
}

// ValidateConfig validates a configuration struct, combining tag-level
// checks with cross-field rules.
func (v *Validator) ValidateConfig(config *Config) error {
	if config == nil {
		return ValidationErrors{
			{Field: "config", Tag: "required", Message: "config is nil"},
		}
	}

	var validationErrors ValidationErrors

	if err := v.validate.Struct(config); err != nil {
		if errs, ok := err.(validator.ValidationErrors); ok {
			for _, e := range errs {
				validationErrors = append(validationErrors, ValidationError{
					Field:   e.Namespace(),
					Tag:     e.Tag(),
					Value:   e.Value(),
					Message: getValidationMessage(e),
				})
			}
		} else {
			validationErrors = append(validationErrors, ValidationError{Message: err.Error()})
		}
	}

	validationErrors = append(validationErrors, v.validateCustomRules(config)...)

	if len(validationErrors) > 0 {
		return validationErrors
	}
	return nil
}

// validateCustomRules checks constraints that span multiple fields.
func (v *Validator) validateCustomRules(config *Config) ValidationErrors {
	var errors ValidationErrors

	if config.Sample.BatchSize > 0 && config.Train.BatchSize > 0 &&
		config.Sample.BatchSize%config.Train.BatchSize != 0 {
		errors = append(errors, ValidationError{
			Field: "Sample.BatchSize",
			Message: fmt.Sprintf(
				"sample batch size %d must be divisible by train batch size %d",
				config.Sample.BatchSize, config.Train.BatchSize),
		})
	}

	if config.Tracker.Enabled && config.Tracker.MinCount > config.Tracker.BufferSize {
		errors = append(errors, ValidationError{
			Field: "Tracker.MinCount",
			Message: fmt.Sprintf(
				"tracker min count %d exceeds buffer size %d, per-prompt stats would never activate",
				config.Tracker.MinCount, config.Tracker.BufferSize),
		})
	}

	switch config.Curriculum.Strategy {
	case "moving-average":
		if config.Curriculum.Window < 1 {
			errors = append(errors, ValidationError{
				Field:   "Curriculum.Window",
				Message: "moving-average strategy needs a window of at least 1",
			})
		}
		if config.Curriculum.RaiseAbove < config.Curriculum.LowerBelow {
			errors = append(errors, ValidationError{
				Field: "Curriculum.RaiseAbove",
				Message: fmt.Sprintf(
					"raise threshold %g is below lower threshold %g",
					config.Curriculum.RaiseAbove, config.Curriculum.LowerBelow),
			})
		}
	case "fixed-pace":
		if config.Curriculum.PaceEvery < 1 {
			errors = append(errors, ValidationError{
				Field:   "Curriculum.PaceEvery",
				Message: "fixed-pace strategy needs a positive pace",
			})
		}
	}

	return errors
}

func getValidationMessage(e validator.FieldError) string {
	switch e.Tag() {
	case "required":
		return fmt.Sprintf("%s is required", e.Namespace())
	case "min", "gte":
		return fmt.Sprintf("%s must be at least %s", e.Namespace(), e.Param())
	case "max", "lte":
		return fmt.Sprintf("%s must be at most %s", e.Namespace(), e.Param())
	case "gt":
		return fmt.Sprintf("%s must be greater than %s", e.Namespace(), e.Param())
	case "oneof":
		return fmt.Sprintf("%s must be one of [%s]", e.Namespace(), e.Param())
	default:
		return fmt.Sprintf("%s failed %s validation", e.Namespace(), e.Tag())
	}
}
