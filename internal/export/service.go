package export

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/xuri/excelize/v2"
	"go.uber.org/zap"

	"github.com/rpattn/flagstate/internal/domain"
)

// ContentType is the MIME type of the generated workbook.
const ContentType = "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"

const (
	defaultSheet      = "Sheet1"
	maxSheetNameRunes = 31
)

var header = []any{
	"feature",
	"project",
	"type",
	"enabled",
	"stale",
	"strategy",
	"sort position",
	"parameters",
	"constraints",
	"segments",
	"dependencies",
}

var errNoEnvironments = errors.New("at least one environment is required")

// Source aggregates client features for several environments.
type Source interface {
	GetFeaturesByEnvironment(ctx context.Context, environments []string, query domain.FeatureQuery) (domain.EnvironmentFeatures, error)
}

type Service struct {
	source Source
	logger *zap.Logger
	now    func() time.Time
}

type Option func(*Service)

func WithLogger(logger *zap.Logger) Option {
	return func(s *Service) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithClock overrides the clock used for file names.
func WithClock(now func() time.Time) Option {
	return func(s *Service) {
		if now != nil {
			s.now = now
		}
	}
}

func NewService(source Source, opts ...Option) *Service {
	service := &Service{
		source: source,
		logger: zap.NewNop(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(service)
	}
	return service
}

// Request selects what goes into a snapshot.
type Request struct {
	Environments []string
	Query        domain.FeatureQuery
}

// Summary reports what a snapshot contains.
type Summary struct {
	Sheets map[string]string `json:"sheets"`
	Rows   int               `json:"rows"`
}

// Write aggregates the requested environments and writes the workbook to w.
func (s *Service) Write(ctx context.Context, w io.Writer, req Request) (Summary, error) {
	envs := uniqueEnvironments(req.Environments)
	if len(envs) == 0 {
		return Summary{}, errNoEnvironments
	}

	features, err := s.source.GetFeaturesByEnvironment(ctx, envs, req.Query.Normalized())
	if err != nil {
		return Summary{}, fmt.Errorf("aggregate snapshot: %w", err)
	}

	f := excelize.NewFile()
	defer func() {
		if err := f.Close(); err != nil {
			s.logger.Warn("close workbook", zap.Error(err))
		}
	}()

	headerStyle, err := f.NewStyle(&excelize.Style{Font: &excelize.Font{Bold: true}})
	if err != nil {
		return Summary{}, fmt.Errorf("create header style: %w", err)
	}

	summary := Summary{Sheets: make(map[string]string, len(envs))}
	used := make(map[string]struct{}, len(envs))
	for _, env := range envs {
		sheet := sheetName(env, used)
		rows, err := writeSheet(f, sheet, headerStyle, features.Environment(env))
		if err != nil {
			return Summary{}, fmt.Errorf("write sheet for %s: %w", env, err)
		}
		summary.Sheets[env] = sheet
		summary.Rows += rows
	}

	if err := f.DeleteSheet(defaultSheet); err != nil {
		return Summary{}, fmt.Errorf("remove default sheet: %w", err)
	}
	f.SetActiveSheet(0)

	if err := f.Write(w); err != nil {
		return Summary{}, fmt.Errorf("write workbook: %w", err)
	}

	s.logger.Info("snapshot exported",
		zap.Strings("environments", envs),
		zap.Int("rows", summary.Rows),
	)
	return summary, nil
}

// WriteFile writes the snapshot to path, creating parent directories.
func (s *Service) WriteFile(ctx context.Context, path string, req Request) (Summary, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return Summary{}, fmt.Errorf("create export directory: %w", err)
	}
	file, err := os.Create(path)
	if err != nil {
		return Summary{}, fmt.Errorf("create export file: %w", err)
	}

	summary, err := s.Write(ctx, file, req)
	if closeErr := file.Close(); err == nil && closeErr != nil {
		err = fmt.Errorf("close export file: %w", closeErr)
	}
	if err != nil {
		_ = os.Remove(path)
		return Summary{}, err
	}
	return summary, nil
}

// FileName returns a default name for a snapshot of environments.
func (s *Service) FileName(environments []string) string {
	parts := make([]string, 0, len(environments))
	for _, env := range uniqueEnvironments(environments) {
		parts = append(parts, sanitizeFileComponent(env))
	}
	if len(parts) == 0 {
		parts = append(parts, "snapshot")
	}
	return fmt.Sprintf("features-%s-%s.xlsx", strings.Join(parts, "_"), s.now().UTC().Format("20060102T150405Z"))
}

func writeSheet(f *excelize.File, sheet string, headerStyle int, features domain.FeatureSet) (int, error) {
	if _, err := f.NewSheet(sheet); err != nil {
		return 0, err
	}
	if err := f.SetSheetRow(sheet, "A1", &header); err != nil {
		return 0, err
	}
	if err := f.SetRowStyle(sheet, 1, 1, headerStyle); err != nil {
		return 0, err
	}
	if err := f.SetPanes(sheet, &excelize.Panes{
		Freeze:      true,
		YSplit:      1,
		TopLeftCell: "A2",
		ActivePane:  "bottomLeft",
	}); err != nil {
		return 0, err
	}
	if err := f.SetColWidth(sheet, "A", "A", 32); err != nil {
		return 0, err
	}
	if err := f.SetColWidth(sheet, "H", "H", 48); err != nil {
		return 0, err
	}

	row := 2
	for _, feature := range features.Sorted() {
		for _, values := range featureRows(feature) {
			cell, err := excelize.CoordinatesToCellName(1, row)
			if err != nil {
				return 0, err
			}
			if err := f.SetSheetRow(sheet, cell, &values); err != nil {
				return 0, err
			}
			row++
		}
	}
	return row - 2, nil
}

// featureRows renders one row per strategy, or a single row without strategy
// columns for a feature that has none.
func featureRows(feature domain.ClientFeature) [][]any {
	deps := formatDependencies(feature.Dependencies)
	base := func() []any {
		return []any{feature.Name, feature.Project, feature.Type, feature.Enabled, feature.Stale}
	}

	if len(feature.Strategies) == 0 {
		return [][]any{append(base(), "", "", "", "", "", deps)}
	}

	rows := make([][]any, 0, len(feature.Strategies))
	for i, strategy := range feature.Strategies {
		rows = append(rows, append(base(),
			strategy.Name,
			i+1,
			formatParameters(strategy.Parameters),
			len(strategy.Constraints),
			formatSegments(strategy.Segments),
			deps,
		))
	}
	return rows
}

func formatParameters(parameters map[string]string) string {
	if len(parameters) == 0 {
		return "{}"
	}
	encoded, err := json.Marshal(parameters)
	if err != nil {
		return fmt.Sprintf("%v", parameters)
	}
	return string(encoded)
}

func formatSegments(ids []int64) string {
	parts := make([]string, 0, len(ids))
	for _, id := range ids {
		parts = append(parts, strconv.FormatInt(id, 10))
	}
	return strings.Join(parts, ", ")
}

func formatDependencies(deps []domain.Dependency) string {
	parts := make([]string, 0, len(deps))
	for _, dep := range deps {
		if dep.Enabled {
			parts = append(parts, dep.Feature)
			continue
		}
		parts = append(parts, "!"+dep.Feature)
	}
	return strings.Join(parts, ", ")
}

var sheetNameReplacer = strings.NewReplacer(
	":", "_", `\`, "_", "/", "_", "?", "_", "*", "_", "[", "_", "]", "_",
)

// sheetName maps env to a unique, valid worksheet name.
func sheetName(env string, used map[string]struct{}) string {
	base := strings.Trim(sheetNameReplacer.Replace(strings.TrimSpace(env)), "'")
	if base == "" {
		base = "environment"
	}
	base = truncateRunes(base, maxSheetNameRunes)

	name := base
	for i := 2; ; i++ {
		key := strings.ToLower(name)
		if _, taken := used[key]; !taken && !strings.EqualFold(name, defaultSheet) {
			used[key] = struct{}{}
			return name
		}
		suffix := "~" + strconv.Itoa(i)
		name = truncateRunes(base, maxSheetNameRunes-len(suffix)) + suffix
	}
}

func truncateRunes(value string, limit int) string {
	runes := []rune(value)
	if len(runes) <= limit {
		return value
	}
	return string(runes[:limit])
}

func uniqueEnvironments(values []string) []string {
	out := make([]string, 0, len(values))
	for _, value := range values {
		value = strings.TrimSpace(value)
		if value == "" || slices.Contains(out, value) {
			continue
		}
		out = append(out, value)
	}
	return out
}

func sanitizeFileComponent(value string) string {
	value = strings.ToLower(strings.TrimSpace(value))
	builder := strings.Builder{}
	for _, r := range value {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '-', r == '_':
			builder.WriteRune(r)
		default:
			builder.WriteRune('-')
		}
	}
	result := strings.Trim(builder.String(), "-")
	if result == "" {
		return "environment"
	}
	return result
}
