package alerts

import (
	"encoding/json"
	"net/http"

	"github.com/gorilla/mux"

	"github.com/Tutortoise/exam-proctor-detector/logger"
	"github.com/Tutortoise/exam-proctor-detector/middleware"
)

// IngestObserver is told about every ingestion outcome.
type IngestObserver func(result IngestResult, size int)

type Service struct {
	store    *Store
	observer IngestObserver
}

func NewService(store *Store, observer IngestObserver) *Service {
	return &Service{store: store, observer: observer}
}

type violationRequest struct {
	ObjectClass string  `json:"object_class"`
	Confidence  float64 `json:"confidence"`
}

type ingestResponse struct {
	Status IngestResult `json:"status"`
	Entry  *Entry       `json:"entry,omitempty"`
}

func (s *Service) Routes(r *mux.Router) {
	r.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	r.HandleFunc("/log_violation", s.handleLogViolation).Methods(http.MethodPost)
	r.HandleFunc("/get_alerts", s.handleGetAlerts).Methods(http.MethodGet)
	r.HandleFunc("/clear_alerts", s.handleClearAlerts).Methods(http.MethodPost)
}

// Handler registers the sink routes on r and wraps it for cross-origin
// access from the monitoring frontend.
func (s *Service) Handler(origin string, r *mux.Router) http.Handler {
	s.Routes(r)
	return middleware.CORS(origin, r)
}

func (s *Service) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status":  "active",
		"service": "Alert Service",
	})
}

func (s *Service) handleLogViolation(w http.ResponseWriter, r *http.Request) {
	var req violationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusUnprocessableEntity, map[string]string{"error": "invalid violation payload: " + err.Error()})
		return
	}
	if req.ObjectClass == "" {
		writeJSON(w, http.StatusUnprocessableEntity, map[string]string{"error": "object_class is required"})
		return
	}

	result, entry := s.store.Ingest(req.ObjectClass, req.Confidence)
	if s.observer != nil {
		s.observer(result, s.store.Len())
	}

	resp := ingestResponse{Status: result}
	if result == Logged {
		resp.Entry = &entry
		logger.For("alerts").WithField("object_class", entry.ObjectClass).
			WithField("confidence", entry.Confidence).Warn("security alert logged")
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Service) handleGetAlerts(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.store.List())
}

func (s *Service) handleClearAlerts(w http.ResponseWriter, _ *http.Request) {
	s.store.Clear()
	if s.observer != nil {
		s.observer("cleared", 0)
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "cleared"})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
