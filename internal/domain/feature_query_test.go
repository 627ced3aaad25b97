package domain

import (
	"reflect"
	"testing"
)

func TestParseTagFilter(t *testing.T) {
	cases := []struct {
		raw  string
		want TagFilter
		ok   bool
	}{
		{"simple:beta", TagFilter{Type: "simple", Value: "beta"}, true},
		{" team : payments ", TagFilter{Type: "team", Value: "payments"}, true},
		{"url:https://example.com", TagFilter{Type: "url", Value: "https://example.com"}, true},
		{"beta", TagFilter{}, false},
		{":beta", TagFilter{}, false},
		{"simple:", TagFilter{}, false},
	}

	for _, tc := range cases {
		got, ok := ParseTagFilter(tc.raw)
		if ok != tc.ok || got != tc.want {
			t.Fatalf("ParseTagFilter(%q) = %+v, %v; want %+v, %v", tc.raw, got, ok, tc.want, tc.ok)
		}
	}
}

func TestFeatureQueryNormalized(t *testing.T) {
	query := FeatureQuery{
		Projects:    []string{" web ", "api", "web", ""},
		Tags:        []TagFilter{{Type: "team", Value: "b"}, {Type: "simple", Value: "a"}, {Type: "team", Value: "b"}, {Type: "", Value: "x"}},
		NamePrefix:  "  checkout ",
		ToggleNames: []string{"z", "a"},
	}

	got := query.Normalized()
	want := FeatureQuery{
		Environment: DefaultEnvironment,
		Projects:    []string{"api", "web"},
		Tags:        []TagFilter{{Type: "simple", Value: "a"}, {Type: "team", Value: "b"}},
		NamePrefix:  "checkout",
		ToggleNames: []string{"a", "z"},
	}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("unexpected normalized query:\n got %+v\nwant %+v", got, want)
	}

	if query.Projects[0] != " web " {
		t.Fatalf("Normalized must not modify the receiver")
	}
}

func TestFeatureQueryNormalizedDropsEmptyLists(t *testing.T) {
	got := FeatureQuery{Environment: "production", Projects: []string{" "}}.Normalized()
	if got.Projects != nil || got.Tags != nil || got.ToggleNames != nil {
		t.Fatalf("expected nil lists, got %+v", got)
	}
	if got.Environment != "production" {
		t.Fatalf("expected environment to be kept, got %q", got.Environment)
	}
}

func TestMatchesAllProjects(t *testing.T) {
	if !(FeatureQuery{}).MatchesAllProjects() {
		t.Fatalf("empty project filter should match all")
	}
	if !(FeatureQuery{Projects: []string{"web", AllProjects}}).MatchesAllProjects() {
		t.Fatalf("wildcard should match all")
	}
	if (FeatureQuery{Projects: []string{"web"}}).MatchesAllProjects() {
		t.Fatalf("explicit project should not match all")
	}
}

func TestFeatureSetSorted(t *testing.T) {
	set := FeatureSet{"b": {Name: "b"}, "a": {Name: "a"}, "c": {Name: "c"}}
	sorted := set.Sorted()
	if len(sorted) != 3 || sorted[0].Name != "a" || sorted[2].Name != "c" {
		t.Fatalf("unexpected order: %+v", sorted)
	}

	if got := (EnvironmentFeatures{}).Environment("missing"); got == nil || len(got) != 0 {
		t.Fatalf("expected empty non-nil set, got %#v", got)
	}
}
