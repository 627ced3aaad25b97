package validator

import (
	"errors"
	"strings"
	"testing"

	"github.com/rpattn/flagstate/internal/domain"
)

func TestValidateQueryAcceptsTypicalQuery(t *testing.T) {
	v := NewQueryValidator()

	result := v.ValidateQuery(domain.FeatureQuery{
		Environment: "production",
		Projects:    []string{"web", "api"},
		Tags:        []domain.TagFilter{{Type: "simple", Value: "beta users"}},
		NamePrefix:  "checkout.",
	})
	if !result.IsValid {
		t.Fatalf("expected query to be valid, got errors: %+v", result.Errors)
	}
	if result.Err() != nil {
		t.Fatalf("valid result must not produce an error")
	}
}

func TestValidateQueryRejectsBadInput(t *testing.T) {
	v := NewQueryValidator()

	result := v.ValidateQuery(domain.FeatureQuery{
		Environment: "prod env",
		Projects:    []string{""},
		Tags:        []domain.TagFilter{{Type: "Bad Type", Value: "x"}},
		NamePrefix:  "line\nbreak",
		ToggleNames: []string{strings.Repeat("a", maxNameLength+1)},
	})
	if result.IsValid {
		t.Fatalf("expected invalid query")
	}

	fields := map[string]bool{}
	for _, e := range result.Errors {
		fields[e.Field] = true
	}
	for _, field := range []string{"environment", "project", "tag", "namePrefix", "featureName"} {
		if !fields[field] {
			t.Fatalf("expected an error for %s, got %+v", field, result.Errors)
		}
	}

	err := result.Err()
	if !errors.Is(err, domain.ErrInvalidQuery) {
		t.Fatalf("expected ErrInvalidQuery, got %v", err)
	}
}

func TestValidateQueryWarnsOnRedundantWildcard(t *testing.T) {
	result := NewQueryValidator().ValidateQuery(domain.FeatureQuery{Projects: []string{"*", "web"}})
	if !result.IsValid {
		t.Fatalf("wildcard must be accepted: %+v", result.Errors)
	}
	if len(result.Warnings) != 1 {
		t.Fatalf("expected one warning, got %+v", result.Warnings)
	}
}

func TestParseTags(t *testing.T) {
	tags, result := NewQueryValidator().ParseTags([]string{"simple:beta", "team:a:b", "broken"})
	if result.IsValid {
		t.Fatalf("expected malformed tag to be reported")
	}
	if len(tags) != 2 || tags[1].Value != "a:b" {
		t.Fatalf("unexpected tags: %+v", tags)
	}
}

func TestValidateFeatureName(t *testing.T) {
	v := NewQueryValidator()
	if !v.ValidateFeatureName("new-checkout_v2.1").IsValid {
		t.Fatalf("expected URL friendly name to be valid")
	}
	if v.ValidateFeatureName("with/slash").IsValid {
		t.Fatalf("expected slash to be rejected")
	}
}
