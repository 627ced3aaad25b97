package repository

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"strings"
	"testing"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/rpattn/flagstate/internal/domain"
	"github.com/rpattn/flagstate/internal/readmodel"
)

func TestBuildClientFeaturesQueryWithoutFilters(t *testing.T) {
	sql, args := buildClientFeaturesQuery([]string{"production"}, domain.FeatureQuery{})

	if !strings.Contains(sql, "env.name = ANY($1::text[]) AND env.enabled") {
		t.Fatalf("environment join missing: %s", sql)
	}
	if !strings.Contains(sql, "WHERE f.archived_at IS NULL\nORDER BY") {
		t.Fatalf("expected only the archived filter: %s", sql)
	}
	if len(args) != 1 || !reflect.DeepEqual(args[0], []string{"production"}) {
		t.Fatalf("unexpected args: %#v", args)
	}
}

func TestBuildClientFeaturesQueryWithFilters(t *testing.T) {
	query := domain.FeatureQuery{
		ToggleNames: []string{"a", "b"},
		Projects:    []string{"web"},
		Tags:        []domain.TagFilter{{Type: "simple", Value: "beta"}},
		NamePrefix:  "new_100%",
	}
	sql, args := buildClientFeaturesQuery([]string{"dev", "prod"}, query)

	for _, fragment := range []string{
		"f.name = ANY($2::text[])",
		"f.project = ANY($3::text[])",
		"JOIN unnest($4::text[], $5::text[]) AS wanted(tag_type, tag_value)",
		"ft.tag_type = wanted.tag_type AND ft.tag_value = wanted.tag_value",
		`f.name LIKE $6 ESCAPE '\'`,
	} {
		if !strings.Contains(sql, fragment) {
			t.Fatalf("expected %q in query:\n%s", fragment, sql)
		}
	}

	want := []any{
		[]string{"dev", "prod"},
		[]string{"a", "b"},
		[]string{"web"},
		[]string{"simple"},
		[]string{"beta"},
		`new\_100\%%`,
	}
	if !reflect.DeepEqual(args, want) {
		t.Fatalf("unexpected args:\n got %#v\nwant %#v", args, want)
	}
}

func TestBuildClientFeaturesQueryKeepsTagPairsApart(t *testing.T) {
	query := domain.FeatureQuery{Tags: []domain.TagFilter{
		{Type: "team:web", Value: "beta"},
		{Type: "team", Value: "web:beta"},
	}}
	sql, args := buildClientFeaturesQuery([]string{"dev"}, query)

	if strings.Contains(sql, "||") {
		t.Fatalf("tags should not be compared as concatenated strings: %s", sql)
	}
	want := []any{
		[]string{"dev"},
		[]string{"team:web", "team"},
		[]string{"beta", "web:beta"},
	}
	if !reflect.DeepEqual(args, want) {
		t.Fatalf("unexpected args:\n got %#v\nwant %#v", args, want)
	}
}

func TestBuildClientFeaturesQuerySkipsWildcardProject(t *testing.T) {
	sql, args := buildClientFeaturesQuery([]string{"dev"}, domain.FeatureQuery{Projects: []string{"web", domain.AllProjects}})
	if strings.Contains(sql, "f.project = ANY(") {
		t.Fatalf("wildcard project should not filter: %s", sql)
	}
	if len(args) != 1 {
		t.Fatalf("unexpected args: %#v", args)
	}
}

func TestClientFeatureRecordToRow(t *testing.T) {
	rec := clientFeatureRecord{
		name:             "f1",
		featureType:      "release",
		project:          "default",
		environment:      "production",
		enabled:          true,
		variants:         []byte(`[{"name":"blue","weight":1000,"stickiness":"default"}]`),
		strategyID:       pgtype.Text{String: "s1", Valid: true},
		strategyName:     pgtype.Text{String: "flexibleRollout", Valid: true},
		strategyDisabled: pgtype.Bool{Bool: false, Valid: true},
		parameters:       []byte(`{"rollout": 50, "ratio": 0.25, "groupId": null}`),
		constraints:      []byte(`[{"contextName":"appName","operator":"IN","values":["web"]}]`),
		sortOrder:        3,
		segmentID:        pgtype.Int8{Int64: 10, Valid: true},
		segmentRules:     []byte(`[{"contextName":"region","operator":"IN","values":["eu"]}]`),
		parent:           pgtype.Text{String: "parent", Valid: true},
		parentEnabled:    pgtype.Bool{Bool: true, Valid: true},
		parentVariants:   []byte(`["v1"]`),
	}

	row, err := rec.toRow()
	if err != nil {
		t.Fatalf("toRow returned error: %v", err)
	}

	if row.StrategyID != "s1" || row.SortOrder != 3 || row.SegmentID != 10 || row.Parent != "parent" {
		t.Fatalf("unexpected row: %+v", row)
	}
	if got := readmodel.StringifyParameters(row.Parameters); !reflect.DeepEqual(got, map[string]string{"rollout": "50", "ratio": "0.25", "groupId": "null"}) {
		t.Fatalf("parameters lost their original text: %v", got)
	}
	if len(row.Variants) != 1 || row.Variants[0].Weight != 1000 {
		t.Fatalf("unexpected variants: %+v", row.Variants)
	}
	if len(row.SegmentConstraints) != 1 || row.SegmentConstraints[0].ContextName != "region" {
		t.Fatalf("unexpected segment constraints: %+v", row.SegmentConstraints)
	}
	if string(row.ParentVariants) != `["v1"]` {
		t.Fatalf("unexpected parent variants: %s", row.ParentVariants)
	}
}

func TestClientFeatureRecordToRowWithoutStrategy(t *testing.T) {
	rec := clientFeatureRecord{name: "bare", environment: "dev"}
	row, err := rec.toRow()
	if err != nil {
		t.Fatalf("toRow returned error: %v", err)
	}
	if row.HasStrategy() || row.HasSegment() || row.HasDependency() {
		t.Fatalf("expected a bare feature row: %+v", row)
	}
}

func TestClientFeatureRecordToRowRejectsBadJSON(t *testing.T) {
	rec := clientFeatureRecord{
		name:        "f1",
		environment: "dev",
		strategyID:  pgtype.Text{String: "s1", Valid: true},
		parameters:  []byte(`{"rollout":`),
	}
	if _, err := rec.toRow(); err == nil {
		t.Fatalf("expected decode error")
	}
}

func TestGetFeaturesByEnvironmentFoldsRows(t *testing.T) {
	base := []any{"f1", "", "release", "default", false, false, "production", true, []byte(nil)}
	strategy := []any{
		pgtype.Text{String: "s1", Valid: true},
		pgtype.Text{String: "flexibleRollout", Valid: true},
		pgtype.Text{},
		pgtype.Bool{Bool: false, Valid: true},
		[]byte(`{}`), []byte(`[]`), int32(0), []byte(`[]`),
	}
	noDependency := []any{pgtype.Text{}, pgtype.Bool{}, []byte(nil)}

	rowWithSegment := func(id int64) []any {
		values := append([]any{}, base...)
		values = append(values, strategy...)
		values = append(values, pgtype.Int8{Int64: id, Valid: true}, []byte(`[]`))
		return append(values, noDependency...)
	}

	exec := &fakeDBTX{rows: [][]any{rowWithSegment(10), rowWithSegment(20)}}
	repo := NewClientFeatureRepository(exec)

	result, err := repo.GetFeaturesByEnvironment(context.Background(), []string{"production"}, domain.FeatureQuery{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	strategies := result["production"]["f1"].Strategies
	if len(strategies) != 1 || !reflect.DeepEqual(strategies[0].Segments, []int64{10, 20}) {
		t.Fatalf("unexpected strategies: %+v", strategies)
	}
	if exec.queries != 1 {
		t.Fatalf("expected one query, got %d", exec.queries)
	}
}

func TestGetFeaturesByEnvironmentWrapsQueryError(t *testing.T) {
	boom := errors.New("connection reset")
	repo := NewClientFeatureRepository(&fakeDBTX{err: boom})

	_, err := repo.GetFeaturesByEnvironment(context.Background(), []string{"dev"}, domain.FeatureQuery{})
	if !errors.Is(err, boom) {
		t.Fatalf("expected wrapped query error, got %v", err)
	}
}

func TestStreamRowsSkipsQueryWithoutEnvironments(t *testing.T) {
	exec := &fakeDBTX{}
	repo := NewClientFeatureRepository(exec)

	err := repo.StreamRows(context.Background(), nil, domain.FeatureQuery{}, func(readmodel.Row) error {
		t.Fatalf("unexpected row")
		return nil
	})
	if err != nil || exec.queries != 0 {
		t.Fatalf("expected no query, got err=%v queries=%d", err, exec.queries)
	}
}

// fakeDBTX serves canned rows to Query.
type fakeDBTX struct {
	rows    [][]any
	err     error
	queries int
}

func (f *fakeDBTX) Exec(context.Context, string, ...any) (pgconn.CommandTag, error) {
	return pgconn.CommandTag{}, errors.New("not implemented")
}

func (f *fakeDBTX) Query(context.Context, string, ...any) (pgx.Rows, error) {
	f.queries++
	if f.err != nil {
		return nil, f.err
	}
	return &fakeRows{values: f.rows, idx: -1}, nil
}

func (f *fakeDBTX) QueryRow(ctx context.Context, sql string, args ...any) pgx.Row {
	rows, err := f.Query(ctx, sql, args...)
	if err != nil {
		return errRow{err: err}
	}
	return firstRow{rows: rows}
}

type errRow struct{ err error }

func (r errRow) Scan(...any) error { return r.err }

type firstRow struct{ rows pgx.Rows }

func (r firstRow) Scan(dest ...any) error {
	defer r.rows.Close()
	if !r.rows.Next() {
		return pgx.ErrNoRows
	}
	return r.rows.Scan(dest...)
}

type fakeRows struct {
	values [][]any
	idx    int
}

func (r *fakeRows) Close()                                       {}
func (r *fakeRows) Err() error                                   { return nil }
func (r *fakeRows) CommandTag() pgconn.CommandTag                { return pgconn.CommandTag{} }
func (r *fakeRows) FieldDescriptions() []pgconn.FieldDescription { return nil }
func (r *fakeRows) RawValues() [][]byte                          { return nil }
func (r *fakeRows) Conn() *pgx.Conn                              { return nil }

func (r *fakeRows) Next() bool {
	r.idx++
	return r.idx < len(r.values)
}

func (r *fakeRows) Values() ([]any, error) {
	return r.values[r.idx], nil
}

func (r *fakeRows) Scan(dest ...any) error {
	current := r.values[r.idx]
	if len(dest) != len(current) {
		return fmt.Errorf("scan: %d targets for %d values", len(dest), len(current))
	}
	for i, target := range dest {
		value := reflect.ValueOf(target)
		if value.Kind() != reflect.Pointer {
			return fmt.Errorf("scan: target %d is not a pointer", i)
		}
		src := reflect.ValueOf(current[i])
		if !src.IsValid() {
			value.Elem().SetZero()
			continue
		}
		if !src.Type().AssignableTo(value.Elem().Type()) {
			return fmt.Errorf("scan: cannot assign %T to %T", current[i], target)
		}
		value.Elem().Set(src)
	}
	return nil
}
