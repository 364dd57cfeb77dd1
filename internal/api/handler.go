// Package api provides the HTTP API handlers and routing for the broker.
package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"simbroker/internal/apperrors"
	"simbroker/internal/config"
	"simbroker/internal/health"
	"simbroker/internal/service"
	"simbroker/internal/workdir"
	"slices"
	"strconv"
	"strings"
)

// maxRequestBodySize limits request body to 1MB to prevent memory exhaustion
const maxRequestBodySize = 1 << 20 // 1 MB

// Handler contains HTTP handlers for the broker API
type Handler struct {
	svc    *service.Service
	health *health.Checker
}

// NewHandler creates a new API handler
func NewHandler(svc *service.Service, healthChecker *health.Checker) *Handler {
	return &Handler{
		svc:    svc,
		health: healthChecker,
	}
}

// ListJobs handles GET /jobs/. With ?status it maps ids to status names.
func (h *Handler) ListJobs(w http.ResponseWriter, r *http.Request) {
	if queryBool(r, "status") {
		statuses, err := h.svc.Statuses(r.Context())
		if err != nil {
			h.handleError(w, r, err)
			return
		}
		h.writeJSON(w, http.StatusOK, statuses)
		return
	}

	ids, err := h.svc.List(r.Context())
	if err != nil {
		h.handleError(w, r, err)
		return
	}
	if ids == nil {
		ids = []int64{}
	}
	h.writeJSON(w, http.StatusOK, ids)
}

// CreateJob handles POST /jobs/. The body is a JSON object of inputs.
func (h *Handler) CreateJob(w http.ResponseWriter, r *http.Request) {
	var inputs map[string]any
	if !h.decodeObject(w, r, &inputs) {
		return
	}

	id, err := h.svc.Create(r.Context(), inputs)
	if err != nil {
		h.handleError(w, r, err)
		return
	}

	w.Header().Set("Location", fmt.Sprintf("/jobs/%d", id))
	h.writeJSON(w, http.StatusCreated, id)
}

// DeleteJobs handles DELETE /jobs/
func (h *Handler) DeleteJobs(w http.ResponseWriter, r *http.Request) {
	res, err := h.svc.DeleteAll(r.Context())
	if err != nil {
		h.handleError(w, r, err)
		return
	}

	switch {
	case res.Failed > 0:
		h.writeError(w, http.StatusInternalServerError, fmt.Sprintf("Errors deleting %d/%d jobs", res.Failed, res.Total))
	case res.Pending > 0:
		h.writeMessage(w, http.StatusAccepted, fmt.Sprintf("%d/%d job deletions pending cancellation", res.Pending, res.Total))
	default:
		h.writeMessage(w, http.StatusOK, fmt.Sprintf("%d jobs deleted", res.Total))
	}
}

// GetJob handles GET /jobs/{job} and returns the status name.
func (h *Handler) GetJob(w http.ResponseWriter, r *http.Request) {
	id, ok := h.jobID(w, r)
	if !ok {
		return
	}

	status, err := h.svc.Status(r.Context(), id)
	if err != nil {
		h.handleError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, status)
}

// DeleteJob handles DELETE /jobs/{job}
func (h *Handler) DeleteJob(w http.ResponseWriter, r *http.Request) {
	id, ok := h.jobID(w, r)
	if !ok {
		return
	}

	res, err := h.svc.Delete(r.Context(), id)
	if err != nil {
		h.handleError(w, r, err)
		return
	}

	switch res.Outcome {
	case service.Pending:
		h.writeMessage(w, http.StatusAccepted, "Cancelling, status was "+res.Previous.String())
	case service.Failed:
		h.writeError(w, http.StatusInternalServerError, res.Error)
	default:
		w.WriteHeader(http.StatusNoContent)
	}
}

// GetJobError handles GET /jobs/{job}/error. A job without error gives null.
func (h *Handler) GetJobError(w http.ResponseWriter, r *http.Request) {
	id, ok := h.jobID(w, r)
	if !ok {
		return
	}

	text, err := h.svc.Error(r.Context(), id)
	if err != nil {
		h.handleError(w, r, err)
		return
	}
	if text == "" {
		h.writeJSON(w, http.StatusOK, nil)
		return
	}
	h.writeJSON(w, http.StatusOK, text)
}

// ListVars handles GET on a variable collection. It returns the sorted
// names, the whole map with ?values, or the subset named by ?only=a,b.
func (h *Handler) ListVars(kind service.VarKind) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := h.collectionID(w, r, kind)
		if !ok {
			return
		}

		vars, err := h.svc.Vars(r.Context(), kind, id)
		if err != nil {
			h.handleError(w, r, err)
			return
		}

		query := r.URL.Query()
		if query.Has("only") {
			subset := map[string]any{}
			for name := range strings.SplitSeq(query.Get("only"), ",") {
				if name == "" {
					continue
				}
				v, ok := vars[name]
				if !ok {
					h.writeError(w, http.StatusNotFound, "No such variable: "+name)
					return
				}
				subset[name] = v
			}
			h.writeJSON(w, http.StatusOK, subset)
			return
		}
		if queryBool(r, "values") {
			h.writeJSON(w, http.StatusOK, vars)
			return
		}

		names := make([]string, 0, len(vars))
		for name := range vars {
			names = append(names, name)
		}
		slices.Sort(names)
		h.writeJSON(w, http.StatusOK, names)
	}
}

// GetVar handles GET on one variable.
func (h *Handler) GetVar(kind service.VarKind) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := h.collectionID(w, r, kind)
		if !ok {
			return
		}

		v, err := h.svc.Var(r.Context(), kind, id, r.PathValue("var"))
		if err != nil {
			h.handleError(w, r, err)
			return
		}
		h.writeJSON(w, http.StatusOK, v)
	}
}

// PutDefaults handles PUT /default/ and replaces every default.
func (h *Handler) PutDefaults(w http.ResponseWriter, r *http.Request) {
	var defaults map[string]any
	if !h.decodeObject(w, r, &defaults) {
		return
	}
	if err := h.svc.SetDefaults(r.Context(), defaults); err != nil {
		h.handleError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// PutDefault handles PUT /default/{var}. The body is any JSON value.
func (h *Handler) PutDefault(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)

	var value any
	if err := json.NewDecoder(r.Body).Decode(&value); err != nil {
		h.writeError(w, http.StatusUnsupportedMediaType, "Request body must be JSON: "+err.Error())
		return
	}
	if err := h.svc.SetDefault(r.Context(), r.PathValue("var"), value); err != nil {
		h.handleError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// DeleteDefault handles DELETE /default/{var}
func (h *Handler) DeleteDefault(w http.ResponseWriter, r *http.Request) {
	if err := h.svc.DeleteDefault(r.Context(), r.PathValue("var")); err != nil {
		h.handleError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// GetFile handles GET /jobs/{job}/file/{path...}. Byte ranges and
// conditional requests are served by http.ServeContent.
func (h *Handler) GetFile(w http.ResponseWriter, r *http.Request) {
	id, ok := h.jobID(w, r)
	if !ok {
		return
	}

	dir, err := h.svc.Workdir(r.Context(), id)
	if err != nil {
		h.handleError(w, r, err)
		return
	}
	f, info, err := workdir.Open(dir, r.PathValue("path"))
	if err != nil {
		h.handleError(w, r, err)
		return
	}
	defer f.Close()

	http.ServeContent(w, r, info.Name(), info.ModTime(), f)
}

// ListDir handles GET /jobs/{job}/dir/{path...} with [name, type] pairs.
func (h *Handler) ListDir(w http.ResponseWriter, r *http.Request) {
	id, ok := h.jobID(w, r)
	if !ok {
		return
	}

	dir, err := h.svc.Workdir(r.Context(), id)
	if err != nil {
		h.handleError(w, r, err)
		return
	}
	entries, err := workdir.List(dir, r.PathValue("path"))
	if err != nil {
		h.handleError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, entries)
}

// Livez handles GET /livez - liveness probe.
// Returns 200 if the process is alive. Does not check dependencies.
func (h *Handler) Livez(w http.ResponseWriter, r *http.Request) {
	response := h.health.Liveness(r.Context())
	h.writeJSON(w, http.StatusOK, response)
}

// Readyz handles GET /readyz - readiness probe.
// Returns 503 while the store or the model backend is unavailable, or
// once shutdown has begun.
func (h *Handler) Readyz(w http.ResponseWriter, r *http.Request) {
	response := h.health.Readiness(r.Context())

	status := http.StatusOK
	if !response.IsReady() {
		status = http.StatusServiceUnavailable
	}

	h.writeJSON(w, status, response)
}

// jobID parses the {job} path value. Anything but an integer is an
// unknown job.
func (h *Handler) jobID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	raw := r.PathValue("job")
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		h.writeError(w, http.StatusNotFound, apperrors.NotFound("job", raw).Error())
		return 0, false
	}
	return id, true
}

func (h *Handler) collectionID(w http.ResponseWriter, r *http.Request, kind service.VarKind) (int64, bool) {
	if kind == service.VarDefault {
		return 0, true
	}
	return h.jobID(w, r)
}

// decodeObject reads a JSON object body into dst. Malformed JSON is a bad
// request; valid JSON that is not an object is an unsupported media type.
func (h *Handler) decodeObject(w http.ResponseWriter, r *http.Request, dst *map[string]any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)

	var body any
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			h.writeError(w, http.StatusRequestEntityTooLarge, "Request body too large")
			return false
		}
		h.writeError(w, http.StatusBadRequest, "Invalid request body: "+err.Error())
		return false
	}
	obj, ok := body.(map[string]any)
	if !ok {
		h.writeError(w, http.StatusUnsupportedMediaType, "Request body must be a JSON object")
		return false
	}
	*dst = obj
	return true
}

// queryBool reports a boolean query parameter. An absent parameter is
// false; a present one follows config.ParseBool.
func queryBool(r *http.Request, name string) bool {
	query := r.URL.Query()
	return query.Has(name) && config.ParseBool(query.Get(name))
}

// writeJSON writes a JSON response
func (h *Handler) writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		slog.Error("Failed to encode response", "error", err)
	}
}

// writeError writes an error response
func (h *Handler) writeError(w http.ResponseWriter, status int, message string) {
	h.writeJSON(w, status, map[string]string{"error": message})
}

func (h *Handler) writeMessage(w http.ResponseWriter, status int, message string) {
	h.writeJSON(w, status, map[string]string{"message": message})
}

// handleError handles errors from service layer with appropriate HTTP status codes.
func (h *Handler) handleError(w http.ResponseWriter, r *http.Request, err error) {
	status := apperrors.HTTPStatus(err)
	if status >= 500 {
		slog.ErrorContext(r.Context(), "Internal error", "error", err, "path", r.URL.Path)
	} else {
		slog.WarnContext(r.Context(), "Client error", "error", err, "path", r.URL.Path, "status", status)
	}
	h.writeError(w, status, err.Error())
}
