// Package server exposes the detector service over HTTP.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"

	"github.com/Tutortoise/exam-proctor-detector/config"
	"github.com/Tutortoise/exam-proctor-detector/detections"
	"github.com/Tutortoise/exam-proctor-detector/logger"
	"github.com/Tutortoise/exam-proctor-detector/metrics"
	"github.com/Tutortoise/exam-proctor-detector/middleware"
	"github.com/Tutortoise/exam-proctor-detector/models"
	"github.com/Tutortoise/exam-proctor-detector/pipeline"
	"github.com/Tutortoise/exam-proctor-detector/store"
)

type ErrorResponse struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Details string `json:"details,omitempty"`
}

type HealthResponse struct {
	Status    string              `json:"status"`
	Model     models.ModelVersion `json:"model"`
	Loaded    string              `json:"loaded"`
	LoadError string              `json:"load_error,omitempty"`
	CPU       map[string]bool     `json:"cpu"`
}

type Server struct {
	cfg      config.ServerConfig
	pipeline *pipeline.Service
	history  store.HistoryStore
	metrics  *metrics.Metrics
	router   *mux.Router
}

// New wires the routes. history and m may be nil.
func New(cfg config.ServerConfig, p *pipeline.Service, history store.HistoryStore, m *metrics.Metrics) *Server {
	s := &Server{
		cfg:      cfg,
		pipeline: p,
		history:  history,
		metrics:  m,
		router:   mux.NewRouter(),
	}

	s.router.HandleFunc("/predict", s.handlePredict).Methods(http.MethodPost)
	s.router.HandleFunc("/switch_model", s.handleSwitchModel).Methods(http.MethodPost)
	s.router.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	s.router.HandleFunc("/switch_history", s.handleSwitchHistory).Methods(http.MethodGet)
	if m != nil && cfg.EnableMetrics {
		s.router.Handle("/metrics", m.Handler()).Methods(http.MethodGet)
	}
	return s
}

// Handler returns the router wrapped in the CORS middleware. The wrapping is
// outside the router so preflight requests never hit a method mismatch.
func (s *Server) Handler() http.Handler {
	return middleware.CORS(s.cfg.CORSOrigin, s.router)
}

// ListenAndServe blocks until ctx is cancelled, then shuts down gracefully.
func (s *Server) ListenAndServe(ctx context.Context) error {
	srv := &http.Server{
		Addr:         s.cfg.Addr,
		Handler:      s.Handler(),
		ReadTimeout:  s.cfg.ReadTimeout,
		WriteTimeout: s.cfg.WriteTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.For("server").WithField("addr", srv.Addr).Info("starting detector server")
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}

func (s *Server) handlePredict(w http.ResponseWriter, r *http.Request) {
	received := time.Now()
	timings := &models.ProcessingTimings{RequestID: uuid.NewString()}

	maxBytes := s.cfg.MaxUploadMB << 20
	if maxBytes <= 0 {
		maxBytes = 10 << 20
	}
	data, err := readImage(w, r, maxBytes)
	if err != nil {
		sendErrorResponse(w, "invalid_request", err.Error(), http.StatusBadRequest)
		return
	}

	decodeStart := time.Now()
	img, _, err := decodeImage(data)
	timings.ImageDecode = time.Since(decodeStart)
	if err != nil {
		sendError(w, ErrorResponse{Code: "invalid_image", Message: MsgInvalidImage, Details: err.Error()}, http.StatusBadRequest)
		return
	}
	if img.Bounds().Empty() {
		sendError(w, ErrorResponse{Code: "invalid_image", Message: MsgInvalidImage, Details: detections.ErrEmptyImage.Error()}, http.StatusBadRequest)
		return
	}

	result, err := s.pipeline.Predict(r.Context(), pipeline.Request{
		Image:    img,
		Received: received,
		Timings:  timings,
	})
	if err != nil {
		s.writePredictError(w, timings.RequestID, err)
		return
	}

	timings.Total = time.Since(received)
	logTimings(timings)

	writeJSON(w, http.StatusOK, result)
}

func (s *Server) writePredictError(w http.ResponseWriter, requestID string, err error) {
	log := logger.For("server").WithField("request_id", requestID).WithError(err)
	switch {
	case errors.Is(err, models.ErrNoDetectorLoaded), errors.Is(err, models.ErrModelLoadFailure):
		log.Error("predict failed, model unavailable")
		sendError(w, ErrorResponse{Code: "model_unavailable", Message: MsgModelUnavailable, Details: err.Error()}, http.StatusServiceUnavailable)
	case errors.Is(err, detections.ErrPoolClosed), errors.Is(err, context.DeadlineExceeded):
		log.Warn("predict failed, no session available")
		sendErrorResponse(w, "session_error", err.Error(), http.StatusServiceUnavailable)
	default:
		log.Error("predict failed")
		sendErrorResponse(w, "processing_error", err.Error(), http.StatusInternalServerError)
	}
}

func (s *Server) handleSwitchModel(w http.ResponseWriter, r *http.Request) {
	version, err := models.ParseVersion(r.URL.Query().Get("version"))
	if err != nil {
		writeJSON(w, http.StatusOK, map[string]string{"error": MsgInvalidVersion})
		return
	}

	if err := s.pipeline.SwitchModel(r.Context(), version); err != nil {
		logger.For("server").WithError(err).WithField("version", version).Error("model switch failed")
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"message": switchedMessage(version)})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	st := s.pipeline.Status(r.Context())
	resp := HealthResponse{
		Status: "ok",
		Model:  st.Active,
		Loaded: string(st.Loaded),
		CPU:    detections.CPUFeatures(),
	}
	if st.LastError != nil {
		resp.LoadError = st.LastError.Error()
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleSwitchHistory(w http.ResponseWriter, r *http.Request) {
	if s.history == nil {
		sendErrorResponse(w, "not_supported", "switch history requires the sqlite state backend", http.StatusNotFound)
		return
	}

	limit := 20
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			sendErrorResponse(w, "invalid_request", "limit must be a positive integer", http.StatusBadRequest)
			return
		}
		limit = n
	}

	switches, err := s.history.History(r.Context(), limit)
	if err != nil {
		sendErrorResponse(w, "state_error", err.Error(), http.StatusInternalServerError)
		return
	}
	if switches == nil {
		switches = []store.Switch{}
	}
	writeJSON(w, http.StatusOK, switches)
}

func logTimings(t *models.ProcessingTimings) {
	if !logger.DebugEnabled() {
		return
	}
	logger.For("server").WithFields(logrus.Fields{
		"request_id":   t.RequestID,
		"image_decode": t.ImageDecode,
		"preprocess":   t.Preprocess,
		"inference":    t.Inference,
		"postprocess":  t.Postprocess,
		"alerting":     t.Alerting,
		"total":        t.Total,
	}).Debug("processing times")
}

func sendErrorResponse(w http.ResponseWriter, code, message string, status int) {
	sendError(w, ErrorResponse{Code: code, Message: message}, status)
}

func sendError(w http.ResponseWriter, resp ErrorResponse, status int) {
	writeJSON(w, status, resp)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
