package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/petal-labs/stepflow/flowgraph"
	"github.com/petal-labs/stepflow/runstate"
)

// Server is a thin HTTP front-end over Manager, exposing the control
// verbs on one resource: runs.
type Server struct {
	manager    *Manager
	sse        *SSEHandler
	corsOrigin string
	maxBody    int64
}

// ServerConfig configures a Server.
type ServerConfig struct {
	Manager    *Manager
	SSE        *SSEHandler
	CORSOrigin string
	MaxBody    int64
}

// NewServer builds a Server. CORSOrigin defaults to "*"; MaxBody defaults
// to 1MB.
func NewServer(cfg ServerConfig) *Server {
	corsOrigin := cfg.CORSOrigin
	if corsOrigin == "" {
		corsOrigin = "*"
	}
	maxBody := cfg.MaxBody
	if maxBody <= 0 {
		maxBody = 1 << 20
	}
	return &Server{manager: cfg.Manager, sse: cfg.SSE, corsOrigin: corsOrigin, maxBody: maxBody}
}

// Handler returns a fully wired http.Handler: routes plus CORS and
// max-body middleware.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	s.RegisterRoutes(mux)
	var h http.Handler = mux
	h = s.corsMiddleware(h)
	h = s.maxBodyMiddleware(h)
	return h
}

// RegisterRoutes mounts the control API onto mux, so callers
// composing a larger daemon can embed it alongside other handlers.
func (s *Server) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("POST /api/runs", s.handleCreateRun)
	mux.HandleFunc("GET /api/runs", s.handleListRuns)
	mux.HandleFunc("GET /api/runs/{run_id}", s.handleGetState)
	mux.HandleFunc("POST /api/runs/{run_id}/pause", s.handlePause)
	mux.HandleFunc("POST /api/runs/{run_id}/resume", s.handleResume)
	mux.HandleFunc("POST /api/runs/{run_id}/cancel", s.handleCancel)
	mux.HandleFunc("POST /api/runs/{run_id}/inject_node", s.handleInjectNode)
	mux.HandleFunc("POST /api/runs/{run_id}/interrupt", s.handleInterrupt)
	if s.sse != nil {
		mux.HandleFunc("GET /api/runs/{run_id}/events", s.sse.ServeHTTP)
	}
}

func (s *Server) corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", s.corsOrigin)
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, If-Match")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) maxBodyMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, s.maxBody)
		next.ServeHTTP(w, r)
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type createRunRequest struct {
	FlowID string         `json:"flow_id"`
	Params map[string]any `json:"params"`
}

type runResponse struct {
	RunID string `json:"run_id"`
	Etag  string `json:"etag"`
}

func (s *Server) handleCreateRun(w http.ResponseWriter, r *http.Request) {
	var req createRunRequest
	if err := decodeJSON(r.Body, &req); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_PARAMS", err.Error())
		return
	}
	runID, etag, err := s.manager.CreateRun(req.FlowID, req.Params)
	if err != nil {
		writeAPIErr(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, runResponse{RunID: runID, Etag: etag})
}

func (s *Server) handleListRuns(w http.ResponseWriter, r *http.Request) {
	filter := ListFilter{Status: runstate.Status(r.URL.Query().Get("status"))}
	writeJSON(w, http.StatusOK, s.manager.ListRuns(filter))
}

type stateResponse struct {
	RunState *runstate.RunState `json:"run_state"`
	Etag     string             `json:"etag"`
}

func (s *Server) handleGetState(w http.ResponseWriter, r *http.Request) {
	runID := r.PathValue("run_id")
	rs, etag, err := s.manager.GetState(runID)
	if err != nil {
		writeAPIErr(w, err)
		return
	}
	w.Header().Set("ETag", etag)
	writeJSON(w, http.StatusOK, stateResponse{RunState: rs, Etag: etag})
}

func (s *Server) handlePause(w http.ResponseWriter, r *http.Request) {
	s.handleTransition(w, r, s.manager.Pause)
}

func (s *Server) handleResume(w http.ResponseWriter, r *http.Request) {
	s.handleTransition(w, r, s.manager.Resume)
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	s.handleTransition(w, r, s.manager.Cancel)
}

func (s *Server) handleTransition(w http.ResponseWriter, r *http.Request, op func(runID, etag string) (string, error)) {
	runID := r.PathValue("run_id")
	etag := r.Header.Get("If-Match")
	newEtag, err := op(runID, etag)
	if err != nil {
		writeAPIErr(w, err)
		return
	}
	w.Header().Set("ETag", newEtag)
	writeJSON(w, http.StatusOK, runResponse{RunID: runID, Etag: newEtag})
}

type injectNodeRequest struct {
	NodeID       string                      `json:"node_id"`
	Station      flowgraph.StationTemplate   `json:"station"`
	Position     string                      `json:"position"`
	ResumeEdgeID string                      `json:"resume_edge_id"`
	InjectedBy   runstate.InjectedBy         `json:"injected_by"`
}

func (s *Server) handleInjectNode(w http.ResponseWriter, r *http.Request) {
	runID := r.PathValue("run_id")
	var req injectNodeRequest
	if err := decodeJSON(r.Body, &req); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_SPEC", err.Error())
		return
	}
	if req.InjectedBy == "" {
		req.InjectedBy = runstate.InjectedByOperator
	}
	etag := r.Header.Get("If-Match")
	newEtag, err := s.manager.InjectNode(runID, etag, req.NodeID, req.Station, req.Position, req.ResumeEdgeID, req.InjectedBy)
	if err != nil {
		writeAPIErr(w, err)
		return
	}
	w.Header().Set("ETag", newEtag)
	writeJSON(w, http.StatusOK, runResponse{RunID: runID, Etag: newEtag})
}

type interruptRequest struct {
	DetourFlowID    string               `json:"detour_flow_id"`
	SyntheticNodeID string               `json:"synthetic_node_id"`
	ResumeAfter     string               `json:"resume_after"`
	InjectedBy      runstate.InjectedBy  `json:"injected_by"`
}

func (s *Server) handleInterrupt(w http.ResponseWriter, r *http.Request) {
	runID := r.PathValue("run_id")
	var req interruptRequest
	if err := decodeJSON(r.Body, &req); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_SPEC", err.Error())
		return
	}
	if req.InjectedBy == "" {
		req.InjectedBy = runstate.InjectedByOperator
	}
	etag := r.Header.Get("If-Match")
	newEtag, err := s.manager.Interrupt(runID, etag, req.DetourFlowID, req.SyntheticNodeID, req.ResumeAfter, req.InjectedBy)
	if err != nil {
		writeAPIErr(w, err)
		return
	}
	w.Header().Set("ETag", newEtag)
	writeJSON(w, http.StatusOK, runResponse{RunID: runID, Etag: newEtag})
}

func decodeJSON(body io.Reader, v any) error {
	dec := json.NewDecoder(body)
	dec.DisallowUnknownFields()
	return dec.Decode(v)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

type apiError struct {
	Error apiErrorBody `json:"error"`
}

type apiErrorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, apiError{Error: apiErrorBody{Code: code, Message: message}})
}

// writeAPIErr maps a sentinel api error to its HTTP status:
// Conflict->409, UnknownRun/UnknownFlow->404,
// IllegalTransition/StackOverflow/InvalidSpec/InvalidParams->422, else 500.
func writeAPIErr(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, ErrUnknownRun), errors.Is(err, ErrUnknownFlow):
		writeError(w, http.StatusNotFound, "NOT_FOUND", err.Error())
	case errors.Is(err, ErrConflict):
		writeError(w, http.StatusConflict, "CONFLICT", err.Error())
	case errors.Is(err, ErrIllegalTransition):
		writeError(w, http.StatusUnprocessableEntity, "ILLEGAL_TRANSITION", err.Error())
	case errors.Is(err, ErrStackOverflow):
		writeError(w, http.StatusUnprocessableEntity, "STACK_OVERFLOW", err.Error())
	case errors.Is(err, ErrInvalidSpec), errors.Is(err, ErrInvalidParams):
		writeError(w, http.StatusUnprocessableEntity, "INVALID_SPEC", err.Error())
	default:
		writeError(w, http.StatusInternalServerError, "INTERNAL", err.Error())
	}
}
