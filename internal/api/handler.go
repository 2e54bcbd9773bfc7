package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"

	"spot-alerts/internal/alerts"
	"spot-alerts/internal/domain"
)

const maxBodyBytes = 16 << 10

type handler struct {
	alerts AlertService
	pinger Pinger
	poller StateReporter
	logger zerolog.Logger
}

type createAlertRequest struct {
	Pattern  string   `json:"pattern"`
	IsPrefix bool     `json:"is_prefix"`
	Modes    []string `json:"modes"`
	Source   string   `json:"source"`
}

type alertResponse struct {
	ID        int64     `json:"id"`
	OwnerID   string    `json:"owner_id"`
	Pattern   string    `json:"pattern"`
	IsPrefix  bool      `json:"is_prefix"`
	Modes     []string  `json:"modes"`
	Source    string    `json:"source"`
	CreatedAt time.Time `json:"created_at"`
	ExpiresAt time.Time `json:"expires_at"`
	Active    bool      `json:"active"`
}

func toResponse(a domain.Alert) alertResponse {
	modes := a.Modes
	if modes == nil {
		modes = []string{}
	}
	return alertResponse{
		ID:        a.ID,
		OwnerID:   a.OwnerID,
		Pattern:   a.Pattern,
		IsPrefix:  a.IsPrefix,
		Modes:     modes,
		Source:    a.Source,
		CreatedAt: a.CreatedAt,
		ExpiresAt: a.ExpiresAt,
		Active:    a.Active,
	}
}

func (h *handler) createAlert(w http.ResponseWriter, r *http.Request) {
	var body createAlertRequest
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid JSON body: "+err.Error())
		return
	}

	id, err := h.alerts.CreateAlert(r.Context(), alerts.CreateRequest{
		OwnerID:  chi.URLParam(r, "owner"),
		Pattern:  body.Pattern,
		IsPrefix: body.IsPrefix,
		Modes:    body.Modes,
		Source:   body.Source,
	})
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]int64{"id": id})
}

func (h *handler) listAlerts(w http.ResponseWriter, r *http.Request) {
	activeOnly := true
	if raw := r.URL.Query().Get("active"); raw != "" {
		parsed, err := strconv.ParseBool(raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, "bad_request", "active must be a boolean")
			return
		}
		activeOnly = parsed
	}

	list, err := h.alerts.ListAlerts(r.Context(), chi.URLParam(r, "owner"), activeOnly)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	out := make([]alertResponse, 0, len(list))
	for _, a := range list {
		out = append(out, toResponse(a))
	}
	writeJSON(w, http.StatusOK, map[string]any{"alerts": out})
}

func (h *handler) removeAlert(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil || id <= 0 {
		writeError(w, http.StatusBadRequest, "bad_request", "alert id must be a positive integer")
		return
	}
	if err := h.alerts.RemoveAlert(r.Context(), chi.URLParam(r, "owner"), id); err != nil {
		h.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *handler) removeAlertsByPattern(w http.ResponseWriter, r *http.Request) {
	pattern := strings.TrimSpace(r.URL.Query().Get("pattern"))
	if pattern == "" {
		writeError(w, http.StatusBadRequest, "bad_request", "pattern query parameter is required")
		return
	}
	n, err := h.alerts.RemoveAlertsByPattern(r.Context(), chi.URLParam(r, "owner"), pattern)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int64{"removed": n})
}

func (h *handler) health(w http.ResponseWriter, r *http.Request) {
	resp := map[string]string{"status": "ok"}
	status := http.StatusOK
	if h.poller != nil {
		resp["poller"] = h.poller.State().String()
	}
	if h.pinger != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := h.pinger.Ping(ctx); err != nil {
			resp["status"] = "degraded"
			resp["database"] = err.Error()
			status = http.StatusServiceUnavailable
		} else {
			resp["database"] = "ok"
		}
	}
	writeJSON(w, status, resp)
}

// fail maps domain errors onto HTTP statuses.
func (h *handler) fail(w http.ResponseWriter, r *http.Request, err error) {
	var ve *domain.ValidationError
	switch {
	case errors.As(err, &ve):
		writeError(w, http.StatusBadRequest, "validation_failed", ve.Error())
	case errors.Is(err, domain.ErrNotFound):
		writeError(w, http.StatusNotFound, "not_found", err.Error())
	case domain.IsPersistence(err):
		h.logger.Error().Err(err).Str("path", r.URL.Path).Msg("persistence failure")
		writeError(w, http.StatusServiceUnavailable, "unavailable", "storage temporarily unavailable")
	default:
		h.logger.Error().Err(err).Str("path", r.URL.Path).Msg("unhandled error")
		writeError(w, http.StatusInternalServerError, "internal", "internal error")
	}
}

type errorResponse struct {
	Error struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	resp := errorResponse{}
	resp.Error.Code = code
	resp.Error.Message = message
	writeJSON(w, status, resp)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
