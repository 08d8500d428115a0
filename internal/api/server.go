package api

import (
	"bytes"
	"encoding/json"
	"errors"
	"image"
	"image/png"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/rs/zerolog"

	"slamcar-console/internal/config"
	"slamcar-console/internal/control"
	"slamcar-console/internal/db"
	"slamcar-console/internal/imagestream"
	"slamcar-console/internal/models"
	"slamcar-console/internal/operator"
	"slamcar-console/internal/parser"
)

// maxBodySize bounds request bodies, scripts included
const maxBodySize = 1 << 20

// Deps are the components the API exposes. DB may be nil when recording
// is disabled.
type Deps struct {
	Loop      *operator.Loop
	Control   *control.Service
	Images    *imagestream.Service
	DB        *db.Database
	Store     *config.Store
	SessionID string
	Logger    zerolog.Logger
}

// Server represents the API server
type Server struct {
	Deps
	router *mux.Router
}

// NewServer creates a new API server
func NewServer(deps Deps) *Server {
	s := &Server{
		Deps:   deps,
		router: mux.NewRouter(),
	}
	s.Logger = deps.Logger.With().Str("component", "api").Logger()
	s.setupRoutes()
	return s
}

// setupRoutes configures all API routes
func (s *Server) setupRoutes() {
	s.router.HandleFunc("/health", s.handleHealth).Methods("GET")

	// Live vehicle and operator loop
	s.router.HandleFunc("/api/v1/vehicle", s.handleVehicle).Methods("GET")
	s.router.HandleFunc("/api/v1/vehicle/track", s.handleTrack).Methods("GET")
	s.router.HandleFunc("/api/v1/vehicle/input", s.handleInput).Methods("POST")
	s.router.HandleFunc("/api/v1/vehicle/script", s.handleScript).Methods("POST")
	s.router.HandleFunc("/api/v1/vehicle/reload", s.handleReload).Methods("POST")

	// Telemetry: live slot and recorded history
	s.router.HandleFunc("/api/v1/telemetry/latest", s.handleLatestTelemetry).Methods("GET")
	s.router.HandleFunc("/api/v1/telemetry", s.handleQueryTelemetry).Methods("GET")
	s.router.HandleFunc("/api/v1/sessions", s.handleListSessions).Methods("GET")
	s.router.HandleFunc("/api/v1/sessions/{id}/summary", s.handleSessionSummary).Methods("GET")

	// Camera
	s.router.HandleFunc("/api/v1/frame", s.handleFrame).Methods("GET")
	s.router.HandleFunc("/api/v1/frame/info", s.handleFrameInfo).Methods("GET")

	// Configuration
	s.router.HandleFunc("/api/v1/config", s.handleGetConfig).Methods("GET")
	s.router.HandleFunc("/api/v1/config", s.handlePushConfig).Methods("POST")
	s.router.HandleFunc("/api/v1/config/{group}", s.handleGetConfigGroup).Methods("GET")

	s.router.HandleFunc("/api/v1/stats", s.handleStats).Methods("GET")

	s.router.Use(s.loggingMiddleware)
	s.router.Use(jsonMiddleware)
}

// Router returns the configured router
func (s *Server) Router() *mux.Router {
	return s.router
}

// Middleware
func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		s.Logger.Debug().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Dur("took", time.Since(start)).
			Msg("request")
	})
}

func jsonMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		next.ServeHTTP(w, r)
	})
}

// Response helpers
type apiResponse struct {
	Success bool   `json:"success"`
	Data    any    `json:"data,omitempty"`
	Error   string `json:"error,omitempty"`
	Meta    *meta  `json:"meta,omitempty"`
}

type meta struct {
	Total   int   `json:"total,omitempty"`
	Limit   int   `json:"limit,omitempty"`
	Offset  int   `json:"offset,omitempty"`
	QueryMs int64 `json:"query_ms,omitempty"`
}

func respondJSON(w http.ResponseWriter, status int, data any) {
	writeResponse(w, status, apiResponse{Success: true, Data: data})
}

func respondError(w http.ResponseWriter, status int, message string) {
	writeResponse(w, status, apiResponse{Success: false, Error: message})
}

func respondWithMeta(w http.ResponseWriter, data any, m *meta) {
	writeResponse(w, http.StatusOK, apiResponse{Success: true, Data: data, Meta: m})
}

// writeResponse encodes before the header goes out, so a value JSON cannot
// represent yields a 500 envelope instead of an empty 200.
func writeResponse(w http.ResponseWriter, status int, resp apiResponse) {
	body, err := json.Marshal(resp)
	if err != nil {
		status = http.StatusInternalServerError
		body, _ = json.Marshal(apiResponse{Success: false, Error: "encoding response: " + err.Error()})
	}
	w.WriteHeader(status)
	w.Write(append(body, '\n'))
}

// Handlers
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]string{
		"status":     "healthy",
		"session_id": s.SessionID,
		"link":       string(s.Loop.Snapshot().Link),
	})
}

type vehicleView struct {
	Tick         uint64                   `json:"tick"`
	ElapsedSec   float64                  `json:"elapsed_sec"`
	State        models.VehicleState      `json:"state"`
	Params       models.VehicleParameters `json:"params"`
	Command      models.ControlCommand    `json:"command"`
	Link         operator.LinkStatus      `json:"link"`
	ScriptActive bool                     `json:"script_active"`
}

func (s *Server) handleVehicle(w http.ResponseWriter, r *http.Request) {
	snap := s.Loop.Snapshot()
	respondJSON(w, http.StatusOK, vehicleView{
		Tick:         snap.Tick,
		ElapsedSec:   snap.Elapsed.Seconds(),
		State:        snap.State,
		Params:       snap.Params,
		Command:      snap.Command,
		Link:         snap.Link,
		ScriptActive: snap.ScriptActive,
	})
}

func (s *Server) handleTrack(w http.ResponseWriter, r *http.Request) {
	track := s.Loop.Track()
	respondWithMeta(w, track, &meta{Total: len(track)})
}

type inputRequest struct {
	Steer    float64 `json:"steer"`
	Throttle float64 `json:"throttle"`
}

func (s *Server) handleInput(w http.ResponseWriter, r *http.Request) {
	var in inputRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodySize)).Decode(&in); err != nil {
		respondError(w, http.StatusBadRequest, "invalid JSON")
		return
	}

	step := models.InputStep{Steer: in.Steer, Throttle: in.Throttle}
	if errs := parser.ValidateStep(&step); len(errs) > 0 {
		respondError(w, http.StatusBadRequest, errs[0])
		return
	}

	s.Loop.ApplyInput(in.Steer, in.Throttle)
	respondJSON(w, http.StatusOK, in)
}

func (s *Server) handleScript(w http.ResponseWriter, r *http.Request) {
	format := r.URL.Query().Get("format")
	if format == "" {
		format = "json"
	}

	p := parser.NewParser(format, s.Logger)
	steps, err := p.Parse(http.MaxBytesReader(w, r.Body, maxBodySize))
	if err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	for i := range steps {
		if errs := parser.ValidateStep(&steps[i]); len(errs) > 0 {
			respondError(w, http.StatusBadRequest, "step "+strconv.Itoa(i)+": "+errs[0])
			return
		}
	}

	s.Loop.LoadScript(steps)
	respondJSON(w, http.StatusAccepted, map[string]int{"steps": len(steps)})
}

func (s *Server) handleReload(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodySize))
	if err != nil {
		respondError(w, http.StatusBadRequest, "reading body: "+err.Error())
		return
	}

	// An empty body reloads the file; ContentLength is -1 for chunked bodies.
	var params models.VehicleParameters
	if len(bytes.TrimSpace(body)) > 0 {
		if err := json.Unmarshal(body, &params); err != nil {
			respondError(w, http.StatusBadRequest, "invalid JSON")
			return
		}
		if err := config.ValidateParameters(params); err != nil {
			respondError(w, http.StatusBadRequest, err.Error())
			return
		}
	} else {
		if err := s.Store.Reload(); err != nil {
			respondError(w, http.StatusInternalServerError, err.Error())
			return
		}
		if params, err = s.Store.VehicleParameters(); err != nil {
			respondError(w, http.StatusBadRequest, err.Error())
			return
		}
	}

	s.Loop.Reload(params)
	respondJSON(w, http.StatusOK, params)
}

// Report sources for the latest telemetry endpoint
const (
	sourceLive     = "live"
	sourceRecorded = "recorded"
)

type latestReport struct {
	Available  bool                   `json:"available"`
	Source     string                 `json:"source,omitempty"`
	ReceivedAt time.Time              `json:"received_at,omitempty"`
	Report     models.TelemetryReport `json:"report,omitempty"`
	Link       operator.LinkStatus    `json:"link"`
}

func (s *Server) handleLatestTelemetry(w http.ResponseWriter, r *http.Request) {
	// No report yet means no worker connected so far, not an error
	out := latestReport{Link: s.Loop.Snapshot().Link}
	if report, ok := s.Control.LastReport(); ok {
		out.Available = true
		out.Source = sourceLive
		out.Report = report.Finite()
		out.ReceivedAt = s.Control.LastReportAt()
	} else if s.DB != nil {
		rec, err := s.DB.LatestReport(s.SessionID)
		switch {
		case err == nil:
			out.Available = true
			out.Source = sourceRecorded
			out.Report = rec.Payload.Finite()
			out.ReceivedAt = rec.ReceivedAt
		case !errors.Is(err, db.ErrNotFound):
			respondError(w, http.StatusInternalServerError, err.Error())
			return
		}
	}
	respondJSON(w, http.StatusOK, out)
}

func (s *Server) requireDB(w http.ResponseWriter) bool {
	if s.DB == nil {
		respondError(w, http.StatusServiceUnavailable, "recording is disabled")
		return false
	}
	return true
}

func (s *Server) handleQueryTelemetry(w http.ResponseWriter, r *http.Request) {
	if !s.requireDB(w) {
		return
	}
	start := time.Now()

	q := models.ReportQuery{
		SessionID: r.URL.Query().Get("session_id"),
		Limit:     100, // default
	}
	if q.SessionID == "" {
		q.SessionID = s.SessionID
	}
	if q.SessionID == "all" {
		q.SessionID = ""
	}

	if v := r.URL.Query().Get("limit"); v != "" {
		q.Limit, _ = strconv.Atoi(v)
	}
	if v := r.URL.Query().Get("offset"); v != "" {
		q.Offset, _ = strconv.Atoi(v)
	}
	if v := r.URL.Query().Get("start_time"); v != "" {
		q.StartTime, _ = time.Parse(time.RFC3339, v)
	}
	if v := r.URL.Query().Get("end_time"); v != "" {
		q.EndTime, _ = time.Parse(time.RFC3339, v)
	}

	results, err := s.DB.QueryReports(q)
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}

	queryMs := time.Since(start).Milliseconds()
	respondWithMeta(w, results, &meta{
		Total:   len(results),
		Limit:   q.Limit,
		Offset:  q.Offset,
		QueryMs: queryMs,
	})
}

func (s *Server) handleListSessions(w http.ResponseWriter, r *http.Request) {
	if !s.requireDB(w) {
		return
	}
	sessions, err := s.DB.ListSessions()
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	respondWithMeta(w, sessions, &meta{Total: len(sessions)})
}

func (s *Server) handleSessionSummary(w http.ResponseWriter, r *http.Request) {
	if !s.requireDB(w) {
		return
	}
	start := time.Now()
	id := mux.Vars(r)["id"]
	if id == "current" {
		id = s.SessionID
	}

	summary, err := s.DB.SessionSummary(id)
	if errors.Is(err, db.ErrNotFound) {
		respondError(w, http.StatusNotFound, "session not found")
		return
	}
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}

	queryMs := time.Since(start).Milliseconds()
	respondWithMeta(w, summary, &meta{QueryMs: queryMs})
}

func (s *Server) handleFrame(w http.ResponseWriter, r *http.Request) {
	frame := s.Loop.Snapshot().Frame

	body := frame.Encoded
	format := frame.Format
	if len(body) == 0 {
		// placeholder frames carry pixels only
		var buf bytes.Buffer
		img := &image.RGBA{Pix: frame.Pix, Stride: 4 * frame.Width, Rect: image.Rect(0, 0, frame.Width, frame.Height)}
		if err := png.Encode(&buf, img); err != nil {
			respondError(w, http.StatusInternalServerError, err.Error())
			return
		}
		body = buf.Bytes()
		format = "png"
	}

	w.Header().Set("Content-Type", "image/"+format)
	w.Header().Set("Content-Length", strconv.Itoa(len(body)))
	w.Header().Set("X-Frame-Seq", strconv.FormatUint(frame.Seq, 10))
	w.WriteHeader(http.StatusOK)
	w.Write(body)
}

type frameInfo struct {
	Frame       *models.Frame     `json:"frame"`
	Placeholder bool              `json:"placeholder"`
	Stats       imagestream.Stats `json:"stats"`
}

func (s *Server) handleFrameInfo(w http.ResponseWriter, r *http.Request) {
	frame := s.Loop.Snapshot().Frame
	respondJSON(w, http.StatusOK, frameInfo{
		Frame:       frame,
		Placeholder: len(frame.Encoded) == 0,
		Stats:       s.Images.Stats(),
	})
}

type configView struct {
	Path     string             `json:"path,omitempty"`
	Settings map[string]any     `json:"settings"`
	Pending  models.ConfigPatch `json:"pending,omitempty"`
}

func (s *Server) handleGetConfig(w http.ResponseWriter, r *http.Request) {
	view := configView{Path: s.Store.Path(), Settings: s.Store.All()}
	if patch, ok := s.Control.PendingConfig(); ok {
		view.Pending = patch
	}
	respondJSON(w, http.StatusOK, view)
}

func (s *Server) handleGetConfigGroup(w http.ResponseWriter, r *http.Request) {
	group := mux.Vars(r)["group"]
	keys := s.Store.Keys(group)
	if keys == nil {
		respondError(w, http.StatusNotFound, "unknown config group")
		return
	}

	values := make(map[string]any, len(keys))
	for _, k := range keys {
		values[k] = s.Store.Get(group + "." + k)
	}
	respondJSON(w, http.StatusOK, values)
}

func (s *Server) handlePushConfig(w http.ResponseWriter, r *http.Request) {
	var patch models.ConfigPatch
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodySize)).Decode(&patch); err != nil {
		respondError(w, http.StatusBadRequest, "invalid JSON object")
		return
	}
	if patch == nil {
		respondError(w, http.StatusBadRequest, "config patch must be an object")
		return
	}

	s.Control.PushConfig(patch)
	respondJSON(w, http.StatusAccepted, patch)
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	stats := map[string]any{
		"control": s.Control.Stats(),
		"images":  s.Images.Stats(),
	}
	if s.DB != nil {
		dbStats, err := s.DB.GetStats()
		if err != nil {
			respondError(w, http.StatusInternalServerError, err.Error())
			return
		}
		stats["db"] = dbStats
	}

	respondJSON(w, http.StatusOK, stats)
}
