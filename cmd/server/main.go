package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"camera-orchestrator/internal/camera"
	"camera-orchestrator/internal/platform/config"
	"camera-orchestrator/internal/platform/logger"
	"camera-orchestrator/internal/platform/metrics"

	"github.com/go-chi/chi/v5"
)

const shutdownTimeout = 15 * time.Second

func main() {
	_ = config.Load()

	port := config.GetEnv("PORT", "8080")
	logLevel := config.GetEnv("LOG_LEVEL", "info")
	logFormat := config.GetEnv("LOG_FORMAT", "json")
	mediaDir := config.GetEnv("MEDIA_DIR", "./media")
	stateDir := config.GetEnv("STATE_DIR", "./state")
	lockPath := config.GetEnv("LOCK_PATH", "/tmp/camera-orchestrator.lock")
	socketGlob := config.GetEnv("SOCKET_GLOB", "/tmp/camera-pipeline-*.sock")

	defaults := camera.PipelineConfig{
		Width:  config.GetEnvInt("CAMERA_WIDTH", 1280),
		Height: config.GetEnvInt("CAMERA_HEIGHT", 720),
		FPS:    config.GetEnvInt("CAMERA_FPS", 30),
	}

	log := logger.New(logLevel, logFormat)

	if err := os.MkdirAll(mediaDir, 0o755); err != nil {
		log.Error("create media directory", "error", err)
		os.Exit(1)
	}

	store, err := camera.NewDiskSessionStore(stateDir)
	if err != nil {
		log.Error("open session store", "error", err)
		os.Exit(1)
	}

	met := metrics.New()
	launcher := camera.NewExecLauncher(buildArgs())
	lock := camera.NewResourceLock(lockPath, log)
	pipeline := camera.NewSharedPipeline(launcher, socketGlob, log, met)

	var notifier camera.Notifier
	if url := config.GetEnv("ANALYZE_URL", ""); url != "" {
		notifier = &analyzeNotifier{url: url, client: &http.Client{Timeout: 10 * time.Second}}
	}

	supervisor := camera.NewSupervisor(camera.SupervisorDeps{
		Launcher: launcher,
		Pipeline: pipeline,
		Lock:     lock,
		Store:    store,
		Log:      log,
		Metrics:  met,
		MediaDir: mediaDir,
		Notifier: notifier,
	})

	preview := camera.NewPreviewStreamManager(launcher, pipeline, log, met)
	capture := camera.NewStillCapture(launcher, lock, mediaDir, log)
	autorec := buildAutoRecord(launcher, pipeline, supervisor, defaults, log)

	h := camera.NewHandler(camera.HandlerDeps{
		Supervisor: supervisor,
		Preview:    preview,
		AutoRecord: autorec,
		Capture:    capture,
		Pipeline:   pipeline,
		Defaults:   defaults,
		Log:        log,
		Metrics:    met,
	})

	r := chi.NewRouter()
	r.Use(logger.RequestLogger(log))
	r.Use(metrics.RequestMiddleware(met))
	r.Get("/metrics", func(w http.ResponseWriter, req *http.Request) {
		met.Handler(func() {
			met.SetPipelineRunning(pipeline.IsRunning())
			met.SetPreviewClients(preview.ClientCount())
		}).ServeHTTP(w, req)
	})
	h.Routes(r)

	addr := ":" + port
	srv := &http.Server{Addr: addr, Handler: r}

	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error("server error", "error", err)
			os.Exit(1)
		}
	}()

	log.Info("server starting",
		"port", port,
		"media_dir", mediaDir,
		"camera_config", defaults.String(),
		"autorecord_available", autorec.Available(),
	)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	<-sigCh

	log.Info("shutdown signal received, draining connections")

	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if autorec.Available() {
		if err := autorec.Machine.Stop("server shutdown"); err != nil {
			log.Warn("stop auto-record", "error", err)
		}
	}
	preview.ForceStopAll("server shutdown")
	if jobID, ok := supervisor.ActiveJobID(); ok {
		if _, err := supervisor.StopSession(jobID, "server shutdown"); err != nil {
			log.Warn("stop active session", "error", err)
		}
	}

	if err := srv.Shutdown(ctx); err != nil {
		log.Error("shutdown error", "error", err)
		os.Exit(1)
	}

	log.Info("server stopped")
}

// buildArgs maps a launch spec to the argv of the configured camera
// binaries. Every role shares the resolution flags; output and metadata
// paths attach where the role calls for them.
func buildArgs() camera.ArgsBuilder {
	bins := map[string]string{
		camera.RolePipeline:  config.GetEnv("PIPELINE_BIN", "camera-pipeline"),
		camera.RoleRecord:    config.GetEnv("RECORD_BIN", "camera-record"),
		camera.RoleInference: config.GetEnv("INFERENCE_BIN", "camera-inference"),
		camera.RolePreview:   config.GetEnv("PREVIEW_BIN", "camera-preview"),
		camera.RoleOverlay:   config.GetEnv("OVERLAY_BIN", "camera-preview"),
		camera.RoleDetector:  config.GetEnv("DETECTOR_BIN", ""),
		camera.RoleStill:     config.GetEnv("STILL_BIN", "camera-still"),
	}

	return func(spec camera.LaunchSpec) []string {
		bin := bins[spec.Role]
		if bin == "" {
			return nil
		}
		argv := []string{
			bin,
			"--width", strconv.Itoa(spec.Config.Width),
			"--height", strconv.Itoa(spec.Config.Height),
			"--fps", strconv.Itoa(spec.Config.FPS),
		}
		if spec.Role == camera.RoleOverlay {
			argv = append(argv, "--overlay")
		}
		if spec.OutputPath != "" {
			argv = append(argv, "-o", spec.OutputPath)
		}
		if spec.MetaPath != "" {
			argv = append(argv, "--meta", spec.MetaPath)
		}
		return argv
	}
}

// buildAutoRecord resolves the auto-record capability from the environment.
// Without a detector binary the feature reports unavailable instead of
// failing at startup.
func buildAutoRecord(launcher camera.Launcher, pipeline *camera.SharedPipeline, supervisor *camera.Supervisor, defaults camera.PipelineConfig, log *slog.Logger) camera.AutoRecordCapability {
	if config.GetEnv("DETECTOR_BIN", "") == "" {
		return camera.AutoRecordCapability{Reason: "auto-record unavailable: DETECTOR_BIN is not configured"}
	}

	framePath := config.GetEnv("DETECTOR_FRAME_PATH", "/tmp/camera-detections.jsonl")
	detector := camera.NewPipelineDetector(launcher, pipeline, defaults, framePath, log)
	recorder := camera.NewSessionRecorder(supervisor, defaults)

	cfg := camera.AutoRecordConfig{
		PollInterval:                config.GetEnvDuration("AUTORECORD_POLL_INTERVAL", 500*time.Millisecond),
		AddressStill:                config.GetEnvDuration("AUTORECORD_ADDRESS_STILL", 2*time.Second),
		FinishMissingFrames:         config.GetEnvInt("AUTORECORD_FINISH_MISSING_FRAMES", 10),
		MinConfidence:               config.GetEnvFloat("AUTORECORD_MIN_CONFIDENCE", 0.5),
		MaxCenterShift:              config.GetEnvFloat("AUTORECORD_MAX_CENTER_SHIFT", 40),
		MaxAreaChange:               config.GetEnvFloat("AUTORECORD_MAX_AREA_CHANGE", 0.3),
		IsSubject:                   camera.SubjectPredicate(config.GetEnvInt("AUTORECORD_PERSON_CLASS", 0)),
		PauseDetectorWhileRecording: config.GetEnvBool("AUTORECORD_PAUSE_DETECTOR", false),
	}
	return camera.AutoRecordCapability{
		Machine: camera.NewAutoRecordMachine(cfg, detector, recorder, log),
	}
}

// analyzeNotifier posts finished sessions to an external analysis service.
type analyzeNotifier struct {
	url    string
	client *http.Client
}

func (n *analyzeNotifier) SessionFinished(s *camera.Session) error {
	body, err := json.Marshal(s)
	if err != nil {
		return err
	}
	resp, err := n.client.Post(n.url, "application/json", bytes.NewReader(body))
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("analyze service returned %s", resp.Status)
	}
	return nil
}
