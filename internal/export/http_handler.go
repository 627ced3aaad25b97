package export

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"github.com/rpattn/flagstate/internal/domain"
)

type Handler struct {
	service *Service
	logger  *zap.Logger
}

// NewHTTPHandler serves snapshots for GET requests with one or more
// environment parameters.
func NewHTTPHandler(service *Service, logger *zap.Logger) http.Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{service: service, logger: logger}
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.Header().Set("Allow", http.MethodGet)
		writeJSON(w, http.StatusMethodNotAllowed, map[string]string{"error": "method not allowed"})
		return
	}

	values := r.URL.Query()
	req := Request{
		Environments: splitValues(values["environment"]),
		Query: domain.FeatureQuery{
			Projects:   splitValues(values["project"]),
			NamePrefix: strings.TrimSpace(values.Get("namePrefix")),
		},
	}
	for _, raw := range values["tag"] {
		tag, ok := domain.ParseTagFilter(raw)
		if !ok {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": fmt.Sprintf("invalid tag %q", raw)})
			return
		}
		req.Query.Tags = append(req.Query.Tags, tag)
	}

	// The workbook is buffered so a failed aggregation still yields a JSON error.
	var buf bytes.Buffer
	if _, err := h.service.Write(r.Context(), &buf, req); err != nil {
		if errors.Is(err, errNoEnvironments) {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
			return
		}
		h.logger.Error("snapshot export failed", zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "export failed"})
		return
	}

	filename := h.service.FileName(req.Environments)
	w.Header().Set("Content-Type", ContentType)
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=\"%s\"", filename))
	w.Header().Set("Content-Length", strconv.Itoa(buf.Len()))
	w.WriteHeader(http.StatusOK)
	_, _ = buf.WriteTo(w)
}

func splitValues(values []string) []string {
	var out []string
	for _, value := range values {
		for _, part := range strings.Split(value, ",") {
			if part = strings.TrimSpace(part); part != "" {
				out = append(out, part)
			}
		}
	}
	return out
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
