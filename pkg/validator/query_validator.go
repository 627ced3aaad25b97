package validator

import (
	"fmt"
	"regexp"
	"slices"
	"strings"
	"unicode"

	"github.com/rpattn/flagstate/internal/domain"
)

const (
	maxNameLength   = 100
	maxPrefixLength = 255
	maxTagFilters   = 50
)

var (
	namePattern    = regexp.MustCompile(`^[A-Za-z0-9_.~-]+$`)
	tagTypePattern = regexp.MustCompile(`^[a-z0-9_-]+$`)
)

// ValidationError represents a validation error
type ValidationError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
	Value   any    `json:"value,omitempty"`
}

// ValidationResult represents the result of validation
type ValidationResult struct {
	IsValid  bool              `json:"is_valid"`
	Errors   []ValidationError `json:"errors"`
	Warnings []ValidationError `json:"warnings"`
}

// Err returns nil for a valid result, otherwise an error wrapping
// domain.ErrInvalidQuery that lists every failed field.
func (r ValidationResult) Err() error {
	if r.IsValid {
		return nil
	}
	messages := make([]string, 0, len(r.Errors))
	for _, e := range r.Errors {
		messages = append(messages, e.Field+": "+e.Message)
	}
	return fmt.Errorf("%w: %s", domain.ErrInvalidQuery, strings.Join(messages, "; "))
}

func (r *ValidationResult) fail(field, message string, value any) {
	r.IsValid = false
	r.Errors = append(r.Errors, ValidationError{Field: field, Message: message, Value: value})
}

func (r *ValidationResult) warn(field, message string, value any) {
	r.Warnings = append(r.Warnings, ValidationError{Field: field, Message: message, Value: value})
}

// QueryValidator checks client feature queries before they reach the database.
type QueryValidator struct{}

// NewQueryValidator creates a new query validator
func NewQueryValidator() *QueryValidator {
	return &QueryValidator{}
}

// ValidateQuery validates every filter of query.
func (qv *QueryValidator) ValidateQuery(query domain.FeatureQuery) ValidationResult {
	result := ValidationResult{
		IsValid:  true,
		Errors:   []ValidationError{},
		Warnings: []ValidationError{},
	}

	if query.Environment != "" {
		qv.validateName(&result, "environment", query.Environment)
	}

	for _, project := range query.Projects {
		if project == domain.AllProjects {
			continue
		}
		qv.validateName(&result, "project", project)
	}
	if len(query.Projects) > 1 && slices.Contains(query.Projects, domain.AllProjects) {
		result.warn("project", "wildcard project makes other project filters redundant", query.Projects)
	}

	if len(query.Tags) > maxTagFilters {
		result.fail("tag", fmt.Sprintf("at most %d tag filters are allowed", maxTagFilters), len(query.Tags))
	}
	for _, tag := range query.Tags {
		if !tagTypePattern.MatchString(tag.Type) {
			result.fail("tag", "tag type must be lowercase letters, digits, '-' or '_'", tag.String())
		}
		if strings.TrimSpace(tag.Value) == "" {
			result.fail("tag", "tag value must not be empty", tag.String())
		}
	}

	if len(query.NamePrefix) > maxPrefixLength {
		result.fail("namePrefix", fmt.Sprintf("must be at most %d characters", maxPrefixLength), nil)
	}
	if strings.IndexFunc(query.NamePrefix, unicode.IsControl) >= 0 {
		result.fail("namePrefix", "must not contain control characters", query.NamePrefix)
	}

	for _, name := range query.ToggleNames {
		qv.validateName(&result, "featureName", name)
	}

	return result
}

// ValidateFeatureName validates a single feature name.
func (qv *QueryValidator) ValidateFeatureName(name string) ValidationResult {
	result := ValidationResult{IsValid: true, Errors: []ValidationError{}, Warnings: []ValidationError{}}
	qv.validateName(&result, "featureName", name)
	return result
}

// ParseTags converts raw type:value strings, reporting malformed entries.
func (qv *QueryValidator) ParseTags(raw []string) ([]domain.TagFilter, ValidationResult) {
	result := ValidationResult{IsValid: true, Errors: []ValidationError{}, Warnings: []ValidationError{}}
	tags := make([]domain.TagFilter, 0, len(raw))
	for _, value := range raw {
		tag, ok := domain.ParseTagFilter(value)
		if !ok {
			result.fail("tag", "tag must have the form type:value", value)
			continue
		}
		tags = append(tags, tag)
	}
	return tags, result
}

func (qv *QueryValidator) validateName(result *ValidationResult, field, value string) {
	switch {
	case value == "":
		result.fail(field, "must not be empty", value)
	case len(value) > maxNameLength:
		result.fail(field, fmt.Sprintf("must be at most %d characters", maxNameLength), value)
	case !namePattern.MatchString(value):
		result.fail(field, "must be URL friendly (letters, digits, '-', '_', '.', '~')", value)
	}
}
