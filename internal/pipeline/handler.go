package pipeline

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"

	"stitch-pipeline/internal/platform/metrics"

	"github.com/go-chi/chi/v5"
)

// Handler exposes the pipeline HTTP endpoints using go-chi.
type Handler struct {
	svc     *Coordinator
	log     *slog.Logger
	metrics *metrics.Metrics
}

// NewHandler returns a Handler backed by the given Coordinator. Metrics may
// be nil to disable metric recording (e.g. in tests).
func NewHandler(svc *Coordinator, log *slog.Logger, m *metrics.Metrics) *Handler {
	return &Handler{svc: svc, log: log, metrics: m}
}

// Routes mounts the user and job endpoints on r. rotate wraps the rotate
// route, e.g. with a rate limiter; it may be nil.
func (h *Handler) Routes(r chi.Router, rotate func(http.Handler) http.Handler) {
	r.Route("/users/{user_id}", func(r chi.Router) {
		r.Post("/session", h.Initialize)
		r.Delete("/session", h.EndSession)
		r.Get("/pipeline", h.GetState)
		r.Get("/live", h.GetLive)
		r.Get("/metrics", h.GetPerformance)
		r.Post("/degradation", h.Degrade)
		if rotate != nil {
			r.With(rotate).Post("/rotate", h.Rotate)
		} else {
			r.Post("/rotate", h.Rotate)
		}
		r.Route("/channels/{channel_id}", func(r chi.Router) {
			r.Post("/prepare", h.Prepare)
			r.Post("/emergency", h.Emergency)
			r.Delete("/content", h.Invalidate)
		})
	})
	r.Get("/jobs/{job_id}", h.GetJob)
}

// Initialize handles POST /users/{user_id}/session.
func (h *Handler) Initialize(w http.ResponseWriter, r *http.Request) {
	user, ok := userParam(w, r)
	if !ok {
		return
	}
	st, err := h.svc.Initialize(user)
	if err != nil {
		h.fail(w, "initialize failed", err)
		return
	}
	writeJSON(w, http.StatusCreated, st)
}

// EndSession handles DELETE /users/{user_id}/session.
func (h *Handler) EndSession(w http.ResponseWriter, r *http.Request) {
	user, ok := userParam(w, r)
	if !ok {
		return
	}
	if err := h.svc.EndSession(user); err != nil {
		h.fail(w, "end session failed", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// GetState handles GET /users/{user_id}/pipeline.
func (h *Handler) GetState(w http.ResponseWriter, r *http.Request) {
	user, ok := userParam(w, r)
	if !ok {
		return
	}
	st, err := h.svc.State(user)
	if err != nil {
		h.fail(w, "get state failed", err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

// GetLive handles GET /users/{user_id}/live.
func (h *Handler) GetLive(w http.ResponseWriter, r *http.Request) {
	user, ok := userParam(w, r)
	if !ok {
		return
	}
	unit, err := h.svc.LiveContent(user)
	if err != nil {
		h.fail(w, "get live content failed", err)
		return
	}
	writeJSON(w, http.StatusOK, unit)
}

// Rotate handles POST /users/{user_id}/rotate.
// Body (optional): { "reason": "stitch_completed" }.
func (h *Handler) Rotate(w http.ResponseWriter, r *http.Request) {
	user, ok := userParam(w, r)
	if !ok {
		return
	}
	var body struct {
		Reason string `json:"reason"`
	}
	if !decodeOptional(w, r, &body, h.log) {
		return
	}
	res, err := h.svc.Rotate(user, body.Reason)
	if err != nil {
		h.fail(w, "rotate failed", err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// Prepare handles POST /users/{user_id}/channels/{channel_id}/prepare.
// Body (optional): { "priority": "high" }.
func (h *Handler) Prepare(w http.ResponseWriter, r *http.Request) {
	user, ok := userParam(w, r)
	if !ok {
		return
	}
	ch, ok := channelParam(w, r)
	if !ok {
		return
	}
	var body struct {
		Priority Priority `json:"priority"`
	}
	if !decodeOptional(w, r, &body, h.log) {
		return
	}
	switch body.Priority {
	case "":
		body.Priority = PriorityNormal
	case PriorityNormal, PriorityHigh:
	default:
		w.WriteHeader(http.StatusBadRequest)
		return
	}

	prog, err := h.svc.RequestBackgroundPreparation(user, ch, body.Priority)
	if err != nil {
		h.fail(w, "request preparation failed", err)
		return
	}
	status := http.StatusAccepted
	if prog.Existing {
		status = http.StatusOK
	}
	writeJSON(w, status, prog)
}

// Emergency handles POST /users/{user_id}/channels/{channel_id}/emergency.
// Body (optional): { "content_id": "times-7/3" }.
func (h *Handler) Emergency(w http.ResponseWriter, r *http.Request) {
	user, ok := userParam(w, r)
	if !ok {
		return
	}
	ch, ok := channelParam(w, r)
	if !ok {
		return
	}
	var body struct {
		ContentID ContentID `json:"content_id"`
	}
	if !decodeOptional(w, r, &body, h.log) {
		return
	}
	res, err := h.svc.EmergencyPreparation(r.Context(), user, ch, body.ContentID)
	if err != nil {
		h.fail(w, "emergency preparation failed", err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// Invalidate handles DELETE /users/{user_id}/channels/{channel_id}/content.
func (h *Handler) Invalidate(w http.ResponseWriter, r *http.Request) {
	user, ok := userParam(w, r)
	if !ok {
		return
	}
	ch, ok := channelParam(w, r)
	if !ok {
		return
	}
	prog, err := h.svc.InvalidateContent(user, ch)
	if err != nil {
		h.fail(w, "invalidate content failed", err)
		return
	}
	writeJSON(w, http.StatusAccepted, prog)
}

// Degrade handles POST /users/{user_id}/degradation.
// Body: { "type": "cache_miss_spike" }.
func (h *Handler) Degrade(w http.ResponseWriter, r *http.Request) {
	user, ok := userParam(w, r)
	if !ok {
		return
	}
	var body struct {
		Type DegradationType `json:"type"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.Type == "" {
		h.log.Debug("invalid degradation body")
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	resp, err := h.svc.HandleSystemDegradation(user, body.Type)
	if err != nil {
		h.fail(w, "handle degradation failed", err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

// GetPerformance handles GET /users/{user_id}/metrics.
func (h *Handler) GetPerformance(w http.ResponseWriter, r *http.Request) {
	user, ok := userParam(w, r)
	if !ok {
		return
	}
	pm, err := h.svc.PerformanceMetrics(user)
	if err != nil {
		h.fail(w, "get performance metrics failed", err)
		return
	}
	writeJSON(w, http.StatusOK, pm)
}

// GetJob handles GET /jobs/{job_id}.
func (h *Handler) GetJob(w http.ResponseWriter, r *http.Request) {
	id := JobID(chi.URLParam(r, "job_id"))
	if id == "" {
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	job, err := h.svc.JobProgress(id)
	if err != nil {
		h.fail(w, "get job failed", err)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

// fail maps a pipeline error to its status code and logs it at a level
// matching its severity.
func (h *Handler) fail(w http.ResponseWriter, msg string, err error) {
	status := statusFor(err)
	switch {
	case status >= 500:
		h.log.Error(msg, slog.String("error", err.Error()))
	case status == http.StatusConflict:
		h.log.Info(msg, slog.String("error", err.Error()))
	default:
		h.log.Debug(msg, slog.String("error", err.Error()))
	}
	if h.metrics != nil {
		h.metrics.IncAPIErrors(errorKind(err))
	}
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

// errorKind is the bounded metric label for err.
func errorKind(err error) string {
	for _, k := range []struct {
		err  error
		kind string
	}{
		{ErrUserNotInitialized, "user_not_initialized"},
		{ErrJobNotFound, "job_not_found"},
		{ErrNoReadyContent, "no_ready_content"},
		{ErrConcurrentRotationConflict, "concurrent_rotation_conflict"},
		{ErrUnknownChannel, "unknown_channel"},
		{ErrBackgroundPreparationFailed, "background_preparation_failed"},
		{ErrPreparationFailed, "preparation_failed"},
		{ErrWorkerClosed, "worker_closed"},
	} {
		if errors.Is(err, k.err) {
			return k.kind
		}
	}
	return "internal"
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, ErrUserNotInitialized), errors.Is(err, ErrJobNotFound):
		return http.StatusNotFound
	case errors.Is(err, ErrNoReadyContent), errors.Is(err, ErrConcurrentRotationConflict):
		return http.StatusConflict
	case errors.Is(err, ErrUnknownChannel):
		return http.StatusBadRequest
	case errors.Is(err, ErrBackgroundPreparationFailed), errors.Is(err, ErrPreparationFailed), errors.Is(err, ErrWorkerClosed):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func userParam(w http.ResponseWriter, r *http.Request) (UserID, bool) {
	user := UserID(chi.URLParam(r, "user_id"))
	if user == "" {
		w.WriteHeader(http.StatusBadRequest)
		return "", false
	}
	return user, true
}

func channelParam(w http.ResponseWriter, r *http.Request) (ChannelID, bool) {
	ch, err := ParseChannelID(chi.URLParam(r, "channel_id"))
	if err != nil {
		w.WriteHeader(http.StatusBadRequest)
		return 0, false
	}
	return ch, true
}

// decodeOptional decodes a JSON body into v; an empty body is accepted.
func decodeOptional(w http.ResponseWriter, r *http.Request, v any, log *slog.Logger) bool {
	err := json.NewDecoder(r.Body).Decode(v)
	if err == nil || errors.Is(err, io.EOF) {
		return true
	}
	log.Debug("invalid request body", slog.String("error", err.Error()))
	w.WriteHeader(http.StatusBadRequest)
	return false
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
