package export

import (
	"bytes"
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xuri/excelize/v2"

	"github.com/rpattn/flagstate/internal/domain"
)

type stubSource struct {
	result domain.EnvironmentFeatures
	err    error
	envs   []string
	query  domain.FeatureQuery
}

func (s *stubSource) GetFeaturesByEnvironment(_ context.Context, environments []string, query domain.FeatureQuery) (domain.EnvironmentFeatures, error) {
	s.envs = environments
	s.query = query
	return s.result, s.err
}

func snapshotFixture() domain.EnvironmentFeatures {
	return domain.EnvironmentFeatures{
		"production": {
			"checkout": {
				Name:    "checkout",
				Project: "web",
				Type:    "release",
				Enabled: true,
				Strategies: []domain.ClientStrategy{
					{Name: "flexibleRollout", Parameters: map[string]string{"rollout": "50", "groupId": "checkout"},
						Constraints: []domain.Constraint{{ContextName: "appName", Operator: "IN", Values: []string{"web"}}},
						Segments:    []int64{3, 1}},
					{Name: "default", Parameters: map[string]string{}, Constraints: []domain.Constraint{}},
				},
				Dependencies: []domain.Dependency{{Feature: "payments", Enabled: true}, {Feature: "legacy", Enabled: false}},
			},
			"banner": {Name: "banner", Project: "web", Type: "experiment", Stale: true},
		},
	}
}

func openWorkbook(t *testing.T, data []byte) *excelize.File {
	t.Helper()
	f, err := excelize.OpenReader(bytes.NewReader(data))
	require.NoError(t, err)
	t.Cleanup(func() { _ = f.Close() })
	return f
}

func TestWriteProducesOneSheetPerEnvironment(t *testing.T) {
	source := &stubSource{result: snapshotFixture()}
	service := NewService(source)

	var buf bytes.Buffer
	summary, err := service.Write(context.Background(), &buf, Request{
		Environments: []string{"production", "development", "production"},
		Query:        domain.FeatureQuery{Projects: []string{"web"}},
	})
	require.NoError(t, err)

	assert.Equal(t, []string{"production", "development"}, source.envs)
	assert.Equal(t, []string{"web"}, source.query.Projects)
	assert.Equal(t, 3, summary.Rows)

	f := openWorkbook(t, buf.Bytes())
	assert.Equal(t, []string{"production", "development"}, f.GetSheetList())

	rows, err := f.GetRows("production")
	require.NoError(t, err)
	require.Len(t, rows, 4)
	assert.Equal(t, "feature", rows[0][0])
	assert.Equal(t, "dependencies", rows[0][10])

	require.GreaterOrEqual(t, len(rows[1]), 5)
	assert.Equal(t, []string{"banner", "web", "experiment", "FALSE", "TRUE"}, rows[1][:5])

	first := rows[2]
	assert.Equal(t, "checkout", first[0])
	assert.Equal(t, "TRUE", first[3])
	assert.Equal(t, "flexibleRollout", first[5])
	assert.Equal(t, "1", first[6])
	assert.JSONEq(t, `{"rollout":"50","groupId":"checkout"}`, first[7])
	assert.Equal(t, "1", first[8])
	assert.Equal(t, "3, 1", first[9])
	assert.Equal(t, "payments, !legacy", first[10])

	second := rows[3]
	assert.Equal(t, "default", second[5])
	assert.Equal(t, "2", second[6])
	assert.Equal(t, "{}", second[7])
	assert.Equal(t, "0", second[8])

	devRows, err := f.GetRows("development")
	require.NoError(t, err)
	assert.Len(t, devRows, 1, "unknown environment gets only the header")
}

func TestWriteRequiresEnvironments(t *testing.T) {
	_, err := NewService(&stubSource{}).Write(context.Background(), &bytes.Buffer{}, Request{Environments: []string{" "}})
	assert.ErrorIs(t, err, errNoEnvironments)
}

func TestWriteWrapsSourceError(t *testing.T) {
	boom := errors.New("db down")
	_, err := NewService(&stubSource{err: boom}).Write(context.Background(), &bytes.Buffer{}, Request{Environments: []string{"dev"}})
	assert.ErrorIs(t, err, boom)
}

func TestWriteFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "snapshot.xlsx")
	summary, err := NewService(&stubSource{result: snapshotFixture()}).WriteFile(context.Background(), path, Request{Environments: []string{"production"}})
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"production": "production"}, summary.Sheets)

	f, err := excelize.OpenFile(path)
	require.NoError(t, err)
	defer f.Close()
	assert.Equal(t, []string{"production"}, f.GetSheetList())
}

func TestSheetName(t *testing.T) {
	used := map[string]struct{}{}
	assert.Equal(t, "prod_eu", sheetName("prod/eu", used))
	assert.Equal(t, "prod_eu~2", sheetName("prod:eu", used))
	assert.Equal(t, "Sheet1~2", sheetName("Sheet1", used))

	long := sheetName("an-environment-name-that-is-far-too-long", used)
	assert.Len(t, []rune(long), maxSheetNameRunes)
	again := sheetName("an-environment-name-that-is-far-too-long-as-well", used)
	assert.Len(t, []rune(again), maxSheetNameRunes)
	assert.NotEqual(t, long, again)
}

func TestFileName(t *testing.T) {
	service := NewService(&stubSource{}, WithClock(func() time.Time {
		return time.Date(2024, 3, 1, 12, 30, 0, 0, time.UTC)
	}))
	assert.Equal(t, "features-production_eu-west-20240301T123000Z.xlsx", service.FileName([]string{"production", "EU West"}))
	assert.Equal(t, "features-snapshot-20240301T123000Z.xlsx", service.FileName(nil))
}

func TestHTTPHandlerServesWorkbook(t *testing.T) {
	source := &stubSource{result: snapshotFixture()}
	handler := NewHTTPHandler(NewService(source), nil)

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/export?environment=production,development&tag=team:web", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, ContentType, rec.Header().Get("Content-Type"))
	assert.Contains(t, rec.Header().Get("Content-Disposition"), "features-production_development-")
	assert.Equal(t, []domain.TagFilter{{Type: "team", Value: "web"}}, source.query.Tags)

	f := openWorkbook(t, rec.Body.Bytes())
	assert.Equal(t, []string{"production", "development"}, f.GetSheetList())
}

func TestHTTPHandlerErrors(t *testing.T) {
	handler := NewHTTPHandler(NewService(&stubSource{err: errors.New("boom")}), nil)

	cases := []struct {
		name   string
		method string
		target string
		status int
	}{
		{"no environment", http.MethodGet, "/export", http.StatusBadRequest},
		{"bad tag", http.MethodGet, "/export?environment=dev&tag=oops", http.StatusBadRequest},
		{"source failure", http.MethodGet, "/export?environment=dev", http.StatusInternalServerError},
		{"wrong method", http.MethodPost, "/export?environment=dev", http.StatusMethodNotAllowed},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rec := httptest.NewRecorder()
			handler.ServeHTTP(rec, httptest.NewRequest(tc.method, tc.target, nil))
			assert.Equal(t, tc.status, rec.Code)
			assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))
		})
	}
}
