package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"
	"golang.org/x/mod/semver"

	"github.com/rpattn/flagstate/internal/db"
	"github.com/rpattn/flagstate/internal/domain"
	"github.com/rpattn/flagstate/internal/envloader"
	"github.com/rpattn/flagstate/pkg/validator"
)

// ClientSpecHeader carries the client specification version an SDK implements.
const ClientSpecHeader = "X-Client-Spec"

// segmentsSpecVersion is the first client spec that resolves segment ids.
const segmentsSpecVersion = "v4.2.0"

type Handler struct {
	service      FeatureService
	environments EnvironmentLister
	healthcheck  func(context.Context) error
	validator    *validator.QueryValidator
	logger       *zap.Logger
}

type errorResponse struct {
	Error   string                      `json:"error"`
	Details []validator.ValidationError `json:"details,omitempty"`
}

type environmentsResponse struct {
	Version      int                        `json:"version"`
	Environments domain.EnvironmentFeatures `json:"environments"`
}

func (h *Handler) handleFeatures(w http.ResponseWriter, r *http.Request) {
	query, ok := h.parseQuery(w, r, nil)
	if !ok {
		return
	}

	withSegments := supportsSegments(r.Header.Get(ClientSpecHeader))
	query.InlineSegmentConstraints = !withSegments

	meta, err := h.service.Meta(r.Context(), query)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	if etagMatches(r.Header.Get("If-None-Match"), meta.Etag) {
		w.Header().Set("ETag", meta.Etag)
		w.WriteHeader(http.StatusNotModified)
		return
	}

	response, err := h.service.Response(r.Context(), query, withSegments)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	w.Header().Set("ETag", response.Meta.Etag)
	writeJSON(w, http.StatusOK, response)
}

func (h *Handler) handleFeature(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "featureName")
	if result := h.validator.ValidateFeatureName(name); !result.IsValid {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: domain.ErrInvalidQuery.Error(), Details: result.Errors})
		return
	}

	query, ok := h.parseQuery(w, r, nil)
	if !ok {
		return
	}
	query.InlineSegmentConstraints = !supportsSegments(r.Header.Get(ClientSpecHeader))

	feature, err := h.service.GetClientFeature(r.Context(), query, name)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, feature)
}

func (h *Handler) handleEnvironmentFeatures(w http.ResponseWriter, r *http.Request) {
	envs := splitValues(r.URL.Query()["environment"])
	query, ok := h.parseQuery(w, r, envs)
	if !ok {
		return
	}
	query.InlineSegmentConstraints = !supportsSegments(r.Header.Get(ClientSpecHeader))

	if len(envs) == 0 && h.environments != nil {
		listed, err := h.environments.ListEnabled(r.Context())
		if err != nil {
			h.writeError(w, r, err)
			return
		}
		envs = listed
	}
	if len(envs) == 0 {
		envs = []string{domain.DefaultEnvironment}
	}

	var (
		result domain.EnvironmentFeatures
		err    error
	)
	if loader := envloader.FromContext(r.Context()); loader != nil {
		result, err = loader.LoadMany(r.Context(), query, envs)
	} else {
		result, err = h.service.GetFeaturesByEnvironment(r.Context(), query, envs)
	}
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, environmentsResponse{Version: 2, Environments: result})
}

func (h *Handler) handleHealth(w http.ResponseWriter, r *http.Request) {
	if h.healthcheck != nil {
		if err := h.healthcheck(r.Context()); err != nil {
			h.logger.Warn("healthcheck failed", zap.Error(err))
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable"})
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// parseQuery reads and validates the query filters; on failure it has already
// written a 400 response. When environments is non-nil those names are
// validated instead of the single environment parameter.
func (h *Handler) parseQuery(w http.ResponseWriter, r *http.Request, environments []string) (domain.FeatureQuery, bool) {
	values := r.URL.Query()

	tags, tagResult := h.validator.ParseTags(values["tag"])
	query := domain.FeatureQuery{
		Projects:   splitValues(values["project"]),
		Tags:       tags,
		NamePrefix: values.Get("namePrefix"),
	}
	if environments == nil {
		query.Environment = strings.TrimSpace(values.Get("environment"))
	}

	result := h.validator.ValidateQuery(query)
	result.Errors = append(tagResult.Errors, result.Errors...)
	for _, env := range environments {
		envResult := h.validator.ValidateQuery(domain.FeatureQuery{Environment: env})
		result.IsValid = result.IsValid && envResult.IsValid
		result.Errors = append(result.Errors, envResult.Errors...)
	}
	if !tagResult.IsValid || !result.IsValid {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: domain.ErrInvalidQuery.Error(), Details: result.Errors})
		return query, false
	}
	return query, true
}

func (h *Handler) writeError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, domain.ErrInvalidQuery):
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: err.Error()})
	case errors.Is(err, domain.ErrFeatureNotFound):
		writeJSON(w, http.StatusNotFound, errorResponse{Error: domain.ErrFeatureNotFound.Error()})
	case db.IsUndefinedTableError(err):
		h.logger.Error("database schema is not migrated", zap.String("path", r.URL.Path), zap.Error(err))
		writeJSON(w, http.StatusServiceUnavailable, errorResponse{Error: "database schema is not migrated"})
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded),
		db.IsQueryCanceledError(err), db.IsConnectionError(err):
		h.logger.Warn("request not served", zap.String("path", r.URL.Path), zap.Error(err))
		writeJSON(w, http.StatusServiceUnavailable, errorResponse{Error: "service unavailable"})
	default:
		h.logger.Error("request failed", zap.String("path", r.URL.Path), zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, errorResponse{Error: "internal server error"})
	}
}

// supportsSegments reports whether the client spec version is new enough to
// resolve segment references.
func supportsSegments(version string) bool {
	version = strings.TrimSpace(version)
	if version == "" {
		return false
	}
	if !strings.HasPrefix(version, "v") {
		version = "v" + version
	}
	return semver.IsValid(version) && semver.Compare(version, segmentsSpecVersion) >= 0
}

func etagMatches(header, etag string) bool {
	if header == "" || etag == "" {
		return false
	}
	for _, candidate := range strings.Split(header, ",") {
		candidate = strings.TrimSpace(candidate)
		if candidate == "*" || strings.TrimPrefix(candidate, "W/") == etag {
			return true
		}
	}
	return false
}

// splitValues flattens repeated and comma separated parameter values,
// dropping blanks and duplicates.
func splitValues(values []string) []string {
	envs := make([]string, 0, len(values))
	seen := make(map[string]struct{}, len(values))
	for _, value := range values {
		for _, part := range strings.Split(value, ",") {
			env := strings.TrimSpace(part)
			if env == "" {
				continue
			}
			if _, ok := seen[env]; ok {
				continue
			}
			seen[env] = struct{}{}
			envs = append(envs, env)
		}
	}
	return envs
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
