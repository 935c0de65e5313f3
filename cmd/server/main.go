package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"log"
	"net/http"
	_ "net/http/pprof" // Enable pprof
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/gorilla/handlers"
	"github.com/gorilla/mux"

	"github.com/posefit/posture-capture/capture-server/internal/config"
	"github.com/posefit/posture-capture/capture-server/internal/detect"
	"github.com/posefit/posture-capture/capture-server/internal/liveview"
	"github.com/posefit/posture-capture/capture-server/internal/logger"
	"github.com/posefit/posture-capture/capture-server/internal/metrics"
	"github.com/posefit/posture-capture/capture-server/internal/overlay"
	"github.com/posefit/posture-capture/capture-server/internal/preview"
	"github.com/posefit/posture-capture/capture-server/internal/quality"
	"github.com/posefit/posture-capture/capture-server/internal/recorder"
	"github.com/posefit/posture-capture/capture-server/internal/session"
	"github.com/posefit/posture-capture/capture-server/internal/source"
	"github.com/posefit/posture-capture/capture-server/internal/store"
	"github.com/posefit/posture-capture/capture-server/internal/voice"
	"github.com/posefit/posture-capture/capture-server/pkg/types"
)

const appName = "posecoach"

// Server wires the capture pipeline together: source manager, detection
// scheduler, frame-quality monitor, overlay compositor, recorder, preview,
// and the session state machine driving them.
type Server struct {
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	cfg        *config.Config
	metrics    *metrics.Metrics
	sources    *source.Manager
	scheduler  *detect.Scheduler
	monitor    *quality.Monitor
	recorder   *recorder.Recorder
	compositor *overlay.Compositor
	store      *store.Store
	announcer  voice.Speaker
	preview    *preview.Server
	machine    *session.Machine
	httpServer *http.Server

	// Guards the encoded-feed pump attached to the current stream.
	pumpMu   sync.Mutex
	pumpStop chan struct{}
}

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Invalid configuration: %v", err)
	}

	// Flags override the environment.
	httpAddr := flag.String("http", cfg.HTTPAddr, "HTTP server address")
	metricsAddr := flag.String("metrics", cfg.MetricsAddr, "Metrics server address")
	pprofAddr := flag.String("pprof", cfg.PprofAddr, "pprof server address")
	recordPath := flag.String("record-path", cfg.RecordingsDir, "Recording output path")
	logLevel := flag.String("log-level", cfg.LogLevel, "Log level (debug, info, warn, error, silent)")
	logColor := flag.Bool("log-color", cfg.LogColor, "Enable colored log output")
	flag.Parse()

	cfg.HTTPAddr = *httpAddr
	cfg.MetricsAddr = *metricsAddr
	cfg.PprofAddr = *pprofAddr
	cfg.RecordingsDir = *recordPath

	level, err := logger.ParseLevel(*logLevel)
	if err != nil {
		log.Fatalf("Invalid log level: %v", err)
	}
	logger.Init(level, os.Stderr, *logColor)

	logger.Info("Main", "Capture server starting...")
	logger.Info("Main", "Log level: %s", level)

	if err := os.MkdirAll(cfg.RecordingsDir, 0755); err != nil {
		log.Fatalf("Failed to create recordings directory: %v", err)
	}

	srv, err := NewServer(cfg)
	if err != nil {
		log.Fatalf("Failed to create server: %v", err)
	}

	if err := srv.Start(); err != nil {
		log.Fatalf("Failed to start server: %v", err)
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan

	log.Println("Shutting down...")

	if err := srv.Shutdown(); err != nil {
		log.Printf("Error during shutdown: %v", err)
	}

	log.Println("Server stopped")
}

// NewServer builds every component and the session machine over them.
func NewServer(cfg *config.Config) (*Server, error) {
	ctx, cancel := context.WithCancel(context.Background())

	m := metrics.New()

	st, err := store.New(cfg.StateDir)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("failed to create state store: %w", err)
	}

	var announcer voice.Speaker = voice.Nop{}
	if cfg.MQTTBroker != "" {
		mq, err := voice.NewMQTTAnnouncer(cfg.MQTTBroker, cfg.VoiceTopic)
		if err != nil {
			logger.Warn("Main", "Voice broker unavailable, announcements disabled: %v", err)
		} else {
			announcer = mq
		}
	}

	sources := source.NewManager(
		&source.HTTPCamera{
			FrontURL:     cfg.CameraFrontURL,
			BackURL:      cfg.CameraBackURL,
			FrontH264URL: cfg.CameraFrontH264URL,
			BackH264URL:  cfg.CameraBackH264URL,
		},
		&source.FileDevice{FPS: cfg.TargetFPS},
	)

	detector := detect.NewHTTPDetector(cfg.DetectorURL)
	scheduler := detect.NewScheduler(detector, sources, cfg.TickInterval(), cfg.DetectTimeout, m)
	monitor := quality.NewMonitor(announcer, cfg.Locale, cfg.AlertWindow, m)
	rec := recorder.NewRecorder(cfg.RecordingsDir, appName, announcer, m)
	compositor := overlay.NewCompositor(85)
	previewSrv := preview.NewServer(strings.Split(cfg.StunServers, ","), cfg.MaxPreviewClients)

	srv := &Server{
		ctx:        ctx,
		cancel:     cancel,
		cfg:        cfg,
		metrics:    m,
		sources:    sources,
		scheduler:  scheduler,
		monitor:    monitor,
		recorder:   rec,
		compositor: compositor,
		store:      st,
		announcer:  announcer,
		preview:    previewSrv,
	}

	srv.machine = session.NewMachine(session.Deps{
		Sources:       sources,
		Scheduler:     scheduler,
		Monitor:       monitor,
		Recorder:      rec,
		Compositor:    compositor,
		Store:         st,
		Announcer:     announcer,
		Metrics:       m,
		CountdownFrom: cfg.CountdownStart,
		OnStream:      srv.attachPreview,
	})

	router := mux.NewRouter()
	srv.setupRoutes(router)

	srv.httpServer = &http.Server{
		Addr: cfg.HTTPAddr,
		Handler: handlers.LoggingHandler(os.Stdout, handlers.CORS(
			handlers.AllowedOrigins([]string{"*"}),
			handlers.AllowedMethods([]string{"GET", "POST", "OPTIONS"}),
			handlers.AllowedHeaders([]string{"Content-Type"}),
		)(router)),
	}

	return srv, nil
}

// Start launches the auxiliary listeners, the detection loop, the session
// machine, and the compositing loop.
func (s *Server) Start() error {
	logger.Info("Main", "HTTP server: %s", s.cfg.HTTPAddr)
	logger.Info("Main", "Metrics server: %s", s.cfg.MetricsAddr)
	logger.Info("Main", "pprof server: %s", s.cfg.PprofAddr)
	logger.Info("Main", "Recording path: %s", s.cfg.RecordingsDir)

	if stage, ok, err := s.store.LoadStage(); err != nil {
		logger.Warn("Main", "Failed to load persisted stage: %v", err)
	} else if ok {
		logger.Info("Main", "Last persisted stage: %s", stage)
	}

	go func() {
		logger.Info("Main", "Starting pprof server on %s", s.cfg.PprofAddr)
		if err := http.ListenAndServe(s.cfg.PprofAddr, nil); err != nil {
			logger.Warn("Main", "pprof server error: %v", err)
		}
	}()

	go func() {
		logger.Info("Main", "Starting metrics server on %s", s.cfg.MetricsAddr)
		if err := s.metrics.StartServer(s.cfg.MetricsAddr); err != nil {
			logger.Warn("Main", "Metrics server error: %v", err)
		}
	}()

	// The machine must be running before the first request can reach it.
	s.scheduler.Start(s.ctx)
	s.machine.Start(s.ctx)

	go func() {
		logger.Info("Main", "Starting HTTP server on %s", s.cfg.HTTPAddr)
		if err := s.httpServer.ListenAndServe(); err != http.ErrServerClosed {
			logger.Error("Main", "HTTP server error: %v", err)
		}
	}()

	s.wg.Add(1)
	go s.compositeFrames()

	logger.Info("Main", "Server started successfully")
	return nil
}

// compositeFrames runs the recording pipeline at the display cadence: latest
// frame plus latest landmarks in, one composited JPEG chunk out. Idle when
// nothing consumes the output.
func (s *Server) compositeFrames() {
	defer s.wg.Done()

	ticker := time.NewTicker(s.cfg.TickInterval())
	defer ticker.Stop()

	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			if !s.recorder.IsRecording() {
				continue
			}

			frame := s.sources.LatestFrame()
			if frame == nil {
				continue
			}
			s.metrics.FramesRead.Add(1)

			chunk, err := s.compositor.Render(frame, s.scheduler.Latest())
			if err != nil {
				logger.Warn("Compositor", "Render failed: %v", err)
				continue
			}
			s.metrics.FramesComposited.Add(1)
			s.recorder.SendChunk(chunk)

			status := s.recorder.GetStatus()
			if status.Recording {
				s.metrics.RecordingActive.Store(1)
				s.metrics.RecordingBytes.Store(status.BytesWritten)
				s.metrics.RecordingFrames.Store(status.FrameCount)
			} else {
				s.metrics.RecordingActive.Store(0)
			}
		}
	}
}

// attachPreview hooks the hardware-encoded feed of a newly acquired stream
// into the WebRTC fanout. Streams without an encoded feed get no preview.
func (s *Server) attachPreview(stream source.Stream) {
	s.pumpMu.Lock()
	if s.pumpStop != nil {
		close(s.pumpStop)
		s.pumpStop = nil
	}

	var encoded <-chan *types.EncodedFrame
	if provider, ok := stream.(source.EncodedProvider); ok {
		encoded = provider.Encoded()
	}
	if encoded == nil {
		s.pumpMu.Unlock()
		logger.Debug("Preview", "Source has no encoded feed, preview idle")
		return
	}

	stop := make(chan struct{})
	s.pumpStop = stop
	s.pumpMu.Unlock()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		for {
			select {
			case <-s.ctx.Done():
				return
			case <-stop:
				return
			case frame, ok := <-encoded:
				if !ok {
					return
				}
				s.preview.SendFrame(frame)
				s.metrics.PreviewClients.Store(uint64(s.preview.ClientCount()))
			}
		}
	}()
}

// latestComposite renders the current frame with the latest landmark overlay
// for the browser live view.
func (s *Server) latestComposite() ([]byte, bool) {
	frame := s.sources.LatestFrame()
	if frame == nil {
		return nil, false
	}
	chunk, err := s.compositor.Render(frame, s.scheduler.Latest())
	if err != nil {
		return nil, false
	}
	s.metrics.FramesComposited.Add(1)
	return chunk, true
}

func (s *Server) setupRoutes(r *mux.Router) {
	// A path match with the wrong method is a 405, not a 404.
	notAllowed := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
	})
	r.MethodNotAllowedHandler = notAllowed

	api := r.PathPrefix("/api").Subrouter()
	api.MethodNotAllowedHandler = notAllowed

	api.HandleFunc("/source/camera", s.handleSelectCamera).Methods(http.MethodPost, http.MethodOptions)
	api.HandleFunc("/source/file", s.handleSelectFile).Methods(http.MethodPost, http.MethodOptions)
	api.HandleFunc("/pause", s.handleTogglePause).Methods(http.MethodPost, http.MethodOptions)
	api.HandleFunc("/facing", s.handleSwitchFacing).Methods(http.MethodPost, http.MethodOptions)
	api.HandleFunc("/capture", s.handleCapture).Methods(http.MethodPost, http.MethodOptions)
	api.HandleFunc("/exit", s.handleExit).Methods(http.MethodPost, http.MethodOptions)

	api.HandleFunc("/session", s.handleSession).Methods(http.MethodGet)
	api.HandleFunc("/alert", s.handleAlert).Methods(http.MethodGet)
	api.HandleFunc("/metrics/last", s.handleLastMetrics).Methods(http.MethodGet)

	api.HandleFunc("/recording/start", s.handleStartRecording).Methods(http.MethodPost, http.MethodOptions)
	api.HandleFunc("/recording/stop", s.handleStopRecording).Methods(http.MethodPost, http.MethodOptions)
	api.HandleFunc("/recording/status", s.handleRecordingStatus).Methods(http.MethodGet)
	api.HandleFunc("/recording/file/{name}", s.handleRecordingFile).Methods(http.MethodGet)

	r.HandleFunc("/offer", s.handleOffer).Methods(http.MethodPost, http.MethodOptions)
	r.HandleFunc("/live", liveview.Handler(s.cfg.TickInterval(), s.latestComposite)).Methods(http.MethodGet)
	r.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
}

type selectCameraRequest struct {
	Facing string `json:"facing"`
}

func (s *Server) handleSelectCamera(w http.ResponseWriter, r *http.Request) {
	var req selectCameraRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && err != io.EOF {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	facing := types.FacingFront
	if req.Facing == string(types.FacingBack) {
		facing = types.FacingBack
	}

	s.machine.Dispatch(session.SelectSource{Kind: types.SourceLive, Facing: facing})
	s.writeSession(w)
}

type selectFileRequest struct {
	Path string `json:"path"`
}

func (s *Server) handleSelectFile(w http.ResponseWriter, r *http.Request) {
	var req selectFileRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	if req.Path == "" {
		http.Error(w, "Missing path", http.StatusBadRequest)
		return
	}

	s.machine.Dispatch(session.SelectSource{Kind: types.SourceFile, Path: req.Path})
	s.writeSession(w)
}

func (s *Server) handleTogglePause(w http.ResponseWriter, r *http.Request) {
	s.machine.Dispatch(session.TogglePause{})
	s.writeSession(w)
}

func (s *Server) handleSwitchFacing(w http.ResponseWriter, r *http.Request) {
	s.machine.Dispatch(session.SwitchFacing{})
	s.writeSession(w)
}

func (s *Server) handleCapture(w http.ResponseWriter, r *http.Request) {
	s.machine.Dispatch(session.RequestCapture{})
	s.writeSession(w)
}

func (s *Server) handleExit(w http.ResponseWriter, r *http.Request) {
	s.machine.Dispatch(session.Exit{})
	s.writeSession(w)
}

func (s *Server) handleSession(w http.ResponseWriter, r *http.Request) {
	s.writeSession(w)
}

func (s *Server) handleAlert(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, s.monitor.Alert())
}

func (s *Server) handleLastMetrics(w http.ResponseWriter, r *http.Request) {
	pm, ok, err := s.store.LoadMetrics()
	if err != nil {
		http.Error(w, fmt.Sprintf("Failed to load metrics: %v", err), http.StatusInternalServerError)
		return
	}
	if !ok {
		http.Error(w, "No metrics captured yet", http.StatusNotFound)
		return
	}
	writeJSON(w, pm)
}

type startRecordingRequest struct {
	Kind string `json:"kind"`
}

func (s *Server) handleStartRecording(w http.ResponseWriter, r *http.Request) {
	var req startRecordingRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && err != io.EOF {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	if req.Kind == "" {
		req.Kind = "session"
	}

	if err := s.recorder.Start(req.Kind); err != nil {
		http.Error(w, fmt.Sprintf("Failed to start recording: %v", err), http.StatusInternalServerError)
		return
	}

	writeJSON(w, map[string]interface{}{
		"success": true,
		"status":  s.recorder.GetStatus(),
	})
}

func (s *Server) handleStopRecording(w http.ResponseWriter, r *http.Request) {
	if err := s.recorder.Stop(); err != nil {
		http.Error(w, fmt.Sprintf("Failed to stop recording: %v", err), http.StatusInternalServerError)
		return
	}

	writeJSON(w, map[string]interface{}{
		"success": true,
		"status":  s.recorder.GetStatus(),
	})
}

func (s *Server) handleRecordingStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, s.recorder.GetStatus())
}

func (s *Server) handleRecordingFile(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["name"]
	if name != filepath.Base(name) {
		http.Error(w, "Invalid file name", http.StatusBadRequest)
		return
	}
	http.ServeFile(w, r, s.recorder.FilePath(name))
}

func (s *Server) handleOffer(w http.ResponseWriter, r *http.Request) {
	offerJSON, err := io.ReadAll(r.Body)
	if err != nil {
		http.Error(w, "Failed to read body", http.StatusBadRequest)
		return
	}

	answerJSON, err := s.preview.HandleOffer(offerJSON)
	if err != nil {
		logger.Warn("HTTP", "Preview offer error: %v", err)
		http.Error(w, fmt.Sprintf("Failed to handle offer: %v", err), http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.Write(answerJSON)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, map[string]interface{}{
		"status":          "ok",
		"session":         s.machine.Session().State,
		"preview_clients": s.preview.ClientCount(),
		"recording":       s.recorder.IsRecording(),
	})
}

func (s *Server) writeSession(w http.ResponseWriter) {
	writeJSON(w, s.machine.Session())
}

func writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(v)
}

// Shutdown tears everything down in dependency order.
func (s *Server) Shutdown() error {
	s.machine.Stop()
	s.scheduler.Stop()

	s.cancel()
	s.wg.Wait()

	if s.recorder.IsRecording() {
		s.recorder.Stop()
	}
	s.recorder.Close()
	s.preview.Close()
	s.announcer.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return s.httpServer.Shutdown(ctx)
}
