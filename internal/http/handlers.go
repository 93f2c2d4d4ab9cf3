package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/example/care-matching/internal/dispatch"
	"github.com/example/care-matching/internal/models"
	"github.com/example/care-matching/internal/observability"
	"github.com/example/care-matching/internal/requests"
)

// ActorHeader carries the authenticated caller id, set by the gateway in
// front of this service.
const ActorHeader = "X-Actor-ID"

// LocationSink accepts caregiver position reports.
type LocationSink interface {
	Upsert(ctx context.Context, u models.LocationUpdate) error
}

// LocationPublisher forwards position reports to the location stream.
type LocationPublisher interface {
	PublishLocation(ctx context.Context, u models.LocationUpdate) error
}

type Server struct {
	Requests *requests.Service
	WSReg    *dispatch.WSRegistry
	// Locations are updated in order for every position report.
	Locations []LocationSink
	Publisher LocationPublisher

	logger *slog.Logger
	mux    *mux.Router
}

func NewServer(svc *requests.Service, ws *dispatch.WSRegistry, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{Requests: svc, WSReg: ws, logger: logger, mux: mux.NewRouter()}
	s.registerMiddleware()
	s.routes()
	return s
}

func (s *Server) routes() {
	s.mux.HandleFunc("/requests", s.handleCreateRequest).Methods(http.MethodPost)
	s.mux.HandleFunc("/requests", s.handleListRequests).Methods(http.MethodGet)
	s.mux.HandleFunc("/requests/{id}", s.handleGetRequest).Methods(http.MethodGet)
	s.mux.HandleFunc("/requests/{id}/cancel", s.handleCancel).Methods(http.MethodPost)
	s.mux.HandleFunc("/requests/{id}/matches", s.handleMatches).Methods(http.MethodGet)
	s.mux.HandleFunc("/requests/{id}/start", s.handleStart).Methods(http.MethodPost)
	s.mux.HandleFunc("/requests/{id}/complete", s.handleComplete).Methods(http.MethodPost)
	s.mux.HandleFunc("/requests/{id}/cancel-session", s.handleCancelSession).Methods(http.MethodPost)
	s.mux.HandleFunc("/assignments/{id}/respond", s.handleRespond).Methods(http.MethodPost)
	s.mux.HandleFunc("/caregivers/{id}/assignments", s.handleCaregiverAssignments).Methods(http.MethodGet)
	s.mux.HandleFunc("/internal/caregivers/locations", s.handleLocation).Methods(http.MethodPost)
	s.mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(200); w.Write([]byte("ok")) }).Methods(http.MethodGet)
	s.mux.Handle("/metrics", promhttp.Handler())
	s.mux.HandleFunc("/ws/{caregiver_id}", s.handleWS)
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) { s.mux.ServeHTTP(w, r) }

func (s *Server) handleCreateRequest(w http.ResponseWriter, r *http.Request) {
	actor, ok := requireActor(w, r)
	if !ok {
		return
	}
	var in requests.CreateInput
	if !decode(w, r, &in) {
		return
	}
	req, err := s.Requests.Create(r.Context(), actor, in)
	if err != nil && req == nil {
		s.writeError(w, r, err)
		return
	}
	if err != nil {
		// the request is stored and stays pending
		s.logger.Warn("request stored without a match", "request_id", req.ID, "err", err)
	}
	writeJSON(w, http.StatusCreated, req)
}

func (s *Server) handleListRequests(w http.ResponseWriter, r *http.Request) {
	actor, ok := requireActor(w, r)
	if !ok {
		return
	}
	list, err := s.Requests.ListByRequester(r.Context(), actor)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if list == nil {
		list = []models.ServiceRequest{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"requests": list})
}

func (s *Server) handleGetRequest(w http.ResponseWriter, r *http.Request) {
	actor, ok := requireActor(w, r)
	if !ok {
		return
	}
	d, err := s.Requests.Get(r.Context(), mux.Vars(r)["id"], actor)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, d)
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	actor, ok := requireActor(w, r)
	if !ok {
		return
	}
	req, err := s.Requests.Cancel(r.Context(), mux.Vars(r)["id"], actor)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, req)
}

func (s *Server) handleMatches(w http.ResponseWriter, r *http.Request) {
	actor, ok := requireActor(w, r)
	if !ok {
		return
	}
	matches, err := s.Requests.ViewMatches(r.Context(), mux.Vars(r)["id"], actor)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"matches": matches})
}

func (s *Server) handleStart(w http.ResponseWriter, r *http.Request) {
	s.sessionStep(w, r, s.Requests.StartSession)
}

func (s *Server) handleComplete(w http.ResponseWriter, r *http.Request) {
	s.sessionStep(w, r, s.Requests.CompleteSession)
}

func (s *Server) sessionStep(w http.ResponseWriter, r *http.Request, step func(context.Context, string, string) (*models.ServiceRequest, error)) {
	actor, ok := requireActor(w, r)
	if !ok {
		return
	}
	req, err := step(r.Context(), mux.Vars(r)["id"], actor)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, req)
}

func (s *Server) handleCancelSession(w http.ResponseWriter, r *http.Request) {
	actor, ok := requireActor(w, r)
	if !ok {
		return
	}
	out, err := s.Requests.CancelSession(r.Context(), mux.Vars(r)["id"], actor)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

type respondBody struct {
	Action requests.Action `json:"action"`
	Reason string          `json:"reason,omitempty"`
}

func (s *Server) handleRespond(w http.ResponseWriter, r *http.Request) {
	actor, ok := requireActor(w, r)
	if !ok {
		return
	}
	var body respondBody
	if !decode(w, r, &body) {
		return
	}
	res, err := s.Requests.Respond(r.Context(), mux.Vars(r)["id"], actor, body.Action, body.Reason)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleCaregiverAssignments(w http.ResponseWriter, r *http.Request) {
	actor, ok := requireActor(w, r)
	if !ok {
		return
	}
	id := mux.Vars(r)["id"]
	if id != actor {
		s.writeError(w, r, models.ErrForbidden)
		return
	}
	status := models.AssignmentStatus(r.URL.Query().Get("status"))
	list, err := s.Requests.ListAssignments(r.Context(), id, status)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if list == nil {
		list = []models.Assignment{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"assignments": list})
}

func (s *Server) handleLocation(w http.ResponseWriter, r *http.Request) {
	var u models.LocationUpdate
	if !decode(w, r, &u) {
		return
	}
	if strings.TrimSpace(u.CaregiverID) == "" || u.Loc.Lat < -90 || u.Loc.Lat > 90 || u.Loc.Lng < -180 || u.Loc.Lng > 180 {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "caregiver_id and a valid loc are required"})
		return
	}
	if u.Updated.IsZero() {
		u.Updated = time.Now().UTC()
	}
	if s.Publisher != nil {
		if err := s.Publisher.PublishLocation(r.Context(), u); err != nil {
			s.logger.Warn("location publish failed", "caregiver_id", u.CaregiverID, "err", err)
		}
	}
	for _, sink := range s.Locations {
		if err := sink.Upsert(r.Context(), u); err != nil && !errors.Is(err, models.ErrNotFound) {
			s.writeError(w, r, err)
			return
		}
	}
	w.WriteHeader(http.StatusNoContent)
}

var upgrader = websocket.Upgrader{}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	actor, ok := requireActor(w, r)
	if !ok {
		return
	}
	id := mux.Vars(r)["caregiver_id"]
	if id != actor {
		s.writeError(w, r, models.ErrForbidden)
		return
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already wrote the error response
		return
	}
	s.WSReg.Add(id, conn)
	observability.CaregiversConnected.Set(float64(s.WSReg.Connected()))
	s.logger.Info("caregiver connected", "caregiver_id", id)
	defer func() {
		s.WSReg.Remove(id, conn)
		_ = conn.Close()
		observability.CaregiversConnected.Set(float64(s.WSReg.Connected()))
		s.logger.Info("caregiver disconnected", "caregiver_id", id)
	}()
	// the app only listens; reading keeps control frames flowing and
	// notices the close
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}

func requireActor(w http.ResponseWriter, r *http.Request) (string, bool) {
	actor := strings.TrimSpace(r.Header.Get(ActorHeader))
	if actor == "" {
		writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "missing " + ActorHeader})
		return "", false
	}
	return actor, true
}

func decode(w http.ResponseWriter, r *http.Request, v any) bool {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid json: " + err.Error()})
		return false
	}
	return true
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, models.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, models.ErrForbidden):
		return http.StatusForbidden
	case errors.Is(err, models.ErrInvalidInput):
		return http.StatusBadRequest
	case errors.Is(err, models.ErrIncompleteProfile):
		return http.StatusUnprocessableEntity
	case errors.Is(err, models.ErrInvalidTransition),
		errors.Is(err, models.ErrNotPending),
		errors.Is(err, models.ErrNotCancellable),
		errors.Is(err, models.ErrStaleState),
		errors.Is(err, models.ErrNotExpired):
		return http.StatusConflict
	}
	return http.StatusInternalServerError
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	code := statusFor(err)
	msg := err.Error()
	if code == http.StatusInternalServerError {
		s.logger.Error("request failed", "method", r.Method, "path", r.URL.Path, "request_id", requestIDFromContext(r.Context()), "err", err)
		msg = "internal error"
	}
	writeJSON(w, code, map[string]string{"error": msg})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
