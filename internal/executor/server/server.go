// Package server exposes the executor RPC surface the admin dispatches
// against: heartbeats, trigger runs, kills and log reads.
package server

import (
	"context"
	"net/http"

	"github.com/gorilla/mux"

	"jobrig/internal/api"
	"jobrig/internal/model"
	"jobrig/pkg/logx"
)

// Runtime is the executor behind the RPC surface.
// Satisfied by *executor.Service.
type Runtime interface {
	Beat(ctx context.Context) api.Result
	IdleBeat(ctx context.Context, jobID int) api.Result
	Run(ctx context.Context, req model.TriggerRequest) api.Result
	Kill(ctx context.Context, jobID int) api.Result
	ReadLog(ctx context.Context, req model.LogRequest) (model.LogResult, api.Result)
}

type Server struct {
	rt    Runtime
	token string
	log   logx.Logger
}

func New(rt Runtime, token string, log logx.Logger) *Server {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Server{
		rt:    rt,
		token: token,
		log:   log.With(logx.String("component", "executor_server")),
	}
}

func (s *Server) Handler() http.Handler {
	r := mux.NewRouter()
	r.Use(api.TokenMiddleware(s.token))
	r.HandleFunc("/beat", s.handleBeat).Methods(http.MethodPost)
	r.HandleFunc("/idleBeat", s.handleIdleBeat).Methods(http.MethodPost)
	r.HandleFunc("/run", s.handleRun).Methods(http.MethodPost)
	r.HandleFunc("/kill", s.handleKill).Methods(http.MethodPost)
	r.HandleFunc("/log", s.handleLog).Methods(http.MethodPost)
	return r
}

func (s *Server) handleBeat(w http.ResponseWriter, r *http.Request) {
	api.WriteJSON(w, s.rt.Beat(r.Context()))
}

func (s *Server) handleIdleBeat(w http.ResponseWriter, r *http.Request) {
	var req model.IdleBeatRequest
	if err := api.ReadJSON(r, &req); err != nil {
		api.WriteJSON(w, api.Fail("decode idle beat: "+err.Error()))
		return
	}
	api.WriteJSON(w, s.rt.IdleBeat(r.Context(), req.JobID))
}

func (s *Server) handleRun(w http.ResponseWriter, r *http.Request) {
	var req model.TriggerRequest
	if err := api.ReadJSON(r, &req); err != nil {
		api.WriteJSON(w, api.Fail("decode trigger: "+err.Error()))
		return
	}
	res := s.rt.Run(r.Context(), req)
	if !res.Success() {
		s.log.Warn("trigger rejected",
			logx.Int("job_id", req.JobID), logx.Int64("log_id", req.LogID),
			logx.String("msg", res.Msg))
	}
	api.WriteJSON(w, res)
}

func (s *Server) handleKill(w http.ResponseWriter, r *http.Request) {
	var req model.KillRequest
	if err := api.ReadJSON(r, &req); err != nil {
		api.WriteJSON(w, api.Fail("decode kill: "+err.Error()))
		return
	}
	api.WriteJSON(w, s.rt.Kill(r.Context(), req.JobID))
}

// logEnvelope carries the log lines inside the standard envelope.
type logEnvelope struct {
	Code    int             `json:"code"`
	Msg     string          `json:"msg,omitempty"`
	Content model.LogResult `json:"content"`
}

func (s *Server) handleLog(w http.ResponseWriter, r *http.Request) {
	var req model.LogRequest
	if err := api.ReadJSON(r, &req); err != nil {
		api.WriteJSON(w, api.Fail("decode log request: "+err.Error()))
		return
	}
	content, res := s.rt.ReadLog(r.Context(), req)
	api.WriteJSON(w, logEnvelope{Code: res.Code, Msg: res.Msg, Content: content})
}
