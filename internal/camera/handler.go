package camera

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"camera-orchestrator/internal/platform/metrics"

	"github.com/go-chi/chi/v5"
)

// streamContentType is the MJPEG multipart type served by the preview
// subprocess.
const streamContentType = "multipart/x-mixed-replace; boundary=frame"

// Handler exposes the camera orchestrator's HTTP endpoints using go-chi.
type Handler struct {
	supervisor *Supervisor
	preview    *PreviewStreamManager
	autorec    AutoRecordCapability
	capture    *StillCapture
	pipeline   *SharedPipeline
	defaults   PipelineConfig
	log        *slog.Logger
	metrics    *metrics.Metrics
}

// HandlerDeps carries the collaborators a Handler needs.
type HandlerDeps struct {
	Supervisor *Supervisor
	Preview    *PreviewStreamManager
	AutoRecord AutoRecordCapability
	Capture    *StillCapture
	Pipeline   *SharedPipeline
	Defaults   PipelineConfig
	Log        *slog.Logger

	// Metrics may be nil to disable metric recording (e.g. in tests).
	Metrics *metrics.Metrics
}

// NewHandler returns a Handler wired to the given collaborators.
func NewHandler(deps HandlerDeps) *Handler {
	return &Handler{
		supervisor: deps.Supervisor,
		preview:    deps.Preview,
		autorec:    deps.AutoRecord,
		capture:    deps.Capture,
		pipeline:   deps.Pipeline,
		defaults:   deps.Defaults,
		log:        deps.Log,
		metrics:    deps.Metrics,
	}
}

// Routes registers all endpoints under /api plus helpers mounted by main.
func (h *Handler) Routes(r chi.Router) {
	r.Route("/api", func(r chi.Router) {
		r.Get("/status", h.SystemStatus)
		r.Post("/sessions", h.StartSession)
		r.Get("/sessions", h.ListSessions)
		r.Get("/sessions/{job_id}", h.GetSession)
		r.Post("/sessions/{job_id}/stop", h.StopSession)
		r.Post("/capture", h.Capture)
		r.Get("/preview/stream", h.PreviewStream)
		r.Get("/preview/status", h.PreviewStatus)
		r.Post("/autorecord/start", h.StartAutoRecord)
		r.Post("/autorecord/stop", h.StopAutoRecord)
		r.Get("/autorecord/status", h.AutoRecordStatus)
	})
}

// SystemStatus handles GET /api/status with a coarse view of the camera.
func (h *Handler) SystemStatus(w http.ResponseWriter, r *http.Request) {
	resp := map[string]any{
		"pipeline_running": h.pipeline.IsRunning(),
		"preview_clients":  h.preview.ClientCount(),
	}
	if cfg, ok := h.pipeline.Config(); ok {
		resp["pipeline_config"] = cfg
	}
	if jobID, ok := h.supervisor.ActiveJobID(); ok {
		resp["active_job_id"] = jobID
	}
	writeJSON(w, http.StatusOK, resp)
}

type configRequest struct {
	Width  int `json:"width"`
	Height int `json:"height"`
	FPS    int `json:"fps"`
}

// toConfig fills unset fields from the handler defaults.
func (h *Handler) toConfig(req configRequest) PipelineConfig {
	cfg := h.defaults
	if req.Width > 0 {
		cfg.Width = req.Width
	}
	if req.Height > 0 {
		cfg.Height = req.Height
	}
	if req.FPS > 0 {
		cfg.FPS = req.FPS
	}
	return cfg
}

// StartSession handles POST /api/sessions.
// Body (optional): { "width": 1280, "height": 720, "fps": 30 }.
func (h *Handler) StartSession(w http.ResponseWriter, r *http.Request) {
	var req configRequest
	if err := decodeBody(r, &req); err != nil {
		h.log.Debug("invalid session body", slog.String("error", err.Error()))
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	s, err := h.supervisor.StartSession(SessionOptions{Config: h.toConfig(req)})
	if err != nil {
		h.writeFailure(w, "start session", err)
		return
	}
	writeJSON(w, http.StatusCreated, s)
}

// StopSession handles POST /api/sessions/{job_id}/stop. Stopping a session
// that already reached a terminal state returns it unchanged.
func (h *Handler) StopSession(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "job_id")
	if jobID == "" {
		writeError(w, http.StatusBadRequest, "missing job_id")
		return
	}

	s, err := h.supervisor.StopSession(jobID, "api stop")
	if err != nil {
		h.writeFailure(w, "stop session", err)
		return
	}
	writeJSON(w, http.StatusOK, s)
}

// GetSession handles GET /api/sessions/{job_id}.
func (h *Handler) GetSession(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "job_id")
	if jobID == "" {
		writeError(w, http.StatusBadRequest, "missing job_id")
		return
	}

	s, err := h.supervisor.GetStatus(jobID)
	if err != nil {
		h.writeFailure(w, "get session", err)
		return
	}
	writeJSON(w, http.StatusOK, s)
}

// ListSessions handles GET /api/sessions, newest first.
func (h *Handler) ListSessions(w http.ResponseWriter, r *http.Request) {
	sessions, err := h.supervisor.ListSessions()
	if err != nil {
		h.writeFailure(w, "list sessions", err)
		return
	}
	if sessions == nil {
		sessions = []*Session{}
	}
	writeJSON(w, http.StatusOK, sessions)
}

type captureRequest struct {
	configRequest
	TimeoutSeconds int `json:"timeout_seconds"`
}

// Capture handles POST /api/capture.
// Body (optional): { "width": ..., "height": ..., "fps": ..., "timeout_seconds": 10 }.
func (h *Handler) Capture(w http.ResponseWriter, r *http.Request) {
	var req captureRequest
	if err := decodeBody(r, &req); err != nil {
		h.log.Debug("invalid capture body", slog.String("error", err.Error()))
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	opts := CaptureOptions{Config: h.toConfig(req.configRequest)}
	if req.TimeoutSeconds > 0 {
		opts.Timeout = time.Duration(req.TimeoutSeconds) * time.Second
	}

	path, err := h.capture.Capture(opts)
	if err != nil {
		h.writeFailure(w, "capture still", err)
		return
	}
	if h.metrics != nil {
		h.metrics.IncCaptures()
	}
	writeJSON(w, http.StatusCreated, map[string]string{"path": path})
}

// PreviewStream handles GET /api/preview/stream?kind=preview|ai. The
// response streams until the client disconnects.
func (h *Handler) PreviewStream(w http.ResponseWriter, r *http.Request) {
	kind := StreamPlain
	if q := r.URL.Query().Get("kind"); q != "" {
		switch StreamKind(q) {
		case StreamPlain, StreamOverlay:
			kind = StreamKind(q)
		default:
			writeError(w, http.StatusBadRequest, "unknown stream kind")
			return
		}
	}

	client, err := h.preview.Attach(kind, h.defaults)
	if err != nil {
		h.writeFailure(w, "attach preview", err)
		return
	}
	defer client.Close()

	// Disconnect tears the subprocess down, which ends the copy loop.
	go func() {
		<-r.Context().Done()
		client.Close()
	}()

	w.Header().Set("Content-Type", streamContentType)
	w.WriteHeader(http.StatusOK)

	flusher, _ := w.(http.Flusher)
	out := client.Process().Stdout()
	if out == nil {
		return
	}
	buf := make([]byte, 32*1024)
	for {
		n, readErr := out.Read(buf)
		if n > 0 {
			if _, err := w.Write(buf[:n]); err != nil {
				return
			}
			if flusher != nil {
				flusher.Flush()
			}
		}
		if readErr != nil {
			return
		}
	}
}

// PreviewStatus handles GET /api/preview/status.
func (h *Handler) PreviewStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.preview.Status())
}

// StartAutoRecord handles POST /api/autorecord/start.
func (h *Handler) StartAutoRecord(w http.ResponseWriter, r *http.Request) {
	if !h.autorec.Available() {
		writeError(w, http.StatusServiceUnavailable, h.autorec.Reason)
		return
	}
	if err := h.autorec.Machine.Start(); err != nil {
		h.writeFailure(w, "start auto-record", err)
		return
	}
	writeJSON(w, http.StatusOK, h.autorec.Machine.Status())
}

// StopAutoRecord handles POST /api/autorecord/stop.
func (h *Handler) StopAutoRecord(w http.ResponseWriter, r *http.Request) {
	if !h.autorec.Available() {
		writeError(w, http.StatusServiceUnavailable, h.autorec.Reason)
		return
	}
	if err := h.autorec.Machine.Stop("api stop"); err != nil {
		h.writeFailure(w, "stop auto-record", err)
		return
	}
	writeJSON(w, http.StatusOK, h.autorec.Machine.Status())
}

// AutoRecordStatus handles GET /api/autorecord/status.
func (h *Handler) AutoRecordStatus(w http.ResponseWriter, r *http.Request) {
	if !h.autorec.Available() {
		writeError(w, http.StatusServiceUnavailable, h.autorec.Reason)
		return
	}
	writeJSON(w, http.StatusOK, h.autorec.Machine.Status())
}

// writeFailure maps domain errors to HTTP statuses and logs server faults.
func (h *Handler) writeFailure(w http.ResponseWriter, op string, err error) {
	status := statusFor(err)
	if status >= 500 && status != http.StatusGatewayTimeout {
		h.log.Error(op+" failed", slog.String("error", err.Error()))
	} else {
		h.log.Info(op+" rejected", slog.Int("status", status), slog.String("error", err.Error()))
	}
	writeError(w, status, err.Error())
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, ErrCameraBusy),
		errors.Is(err, ErrSessionActive),
		errors.Is(err, ErrConfigConflict),
		errors.Is(err, ErrOverlayActive),
		errors.Is(err, ErrAutoRecordActive):
		return http.StatusConflict
	case errors.Is(err, ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, ErrTimeout):
		return http.StatusGatewayTimeout
	case errors.Is(err, ErrUnavailable):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// decodeBody parses an optional JSON body. An empty body leaves dst at its
// zero value.
func decodeBody(r *http.Request, dst any) error {
	if r.Body == nil || r.ContentLength == 0 {
		return nil
	}
	return json.NewDecoder(r.Body).Decode(dst)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
