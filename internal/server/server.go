package server

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"time"

	"github.com/mucan54/remoteql/internal/auth"
	"github.com/mucan54/remoteql/internal/executor"
	"github.com/mucan54/remoteql/internal/orchestrator"
	"github.com/mucan54/remoteql/internal/qerr"
	"github.com/mucan54/remoteql/internal/query"
	"github.com/mucan54/remoteql/internal/service"
	"github.com/mucan54/remoteql/internal/wire"
)

// Server exposes the remote query protocol over HTTP.
type Server struct {
	exec     *executor.Executor
	invoker  *service.Invoker
	maxBatch int
	debug    bool
}

type Options struct {
	MaxBatchSteps int
	Debug         bool
}

func New(exec *executor.Executor, invoker *service.Invoker, opts Options) *Server {
	maxBatch := opts.MaxBatchSteps
	if maxBatch <= 0 {
		maxBatch = 25
	}
	return &Server{exec: exec, invoker: invoker, maxBatch: maxBatch, debug: opts.Debug}
}

// Routes builds the protocol endpoints. Middleware wraps the returned
// handler in the composition root.
func (s *Server) Routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/query", s.handleQuery)
	mux.HandleFunc("POST /api/query/batch", s.handleQueryBatch)
	mux.HandleFunc("POST /api/service", s.handleService)
	mux.HandleFunc("POST /api/service/batch", s.handleServiceBatch)
	mux.HandleFunc("GET /api/health", s.handleHealth)
	return mux
}

func (s *Server) handleQuery(w http.ResponseWriter, r *http.Request) {
	var ast query.AST
	if err := json.NewDecoder(r.Body).Decode(&ast); err != nil {
		s.writeError(w, qerr.New(qerr.KindMalformed, "request body is not a valid query"))
		return
	}
	ident, _ := auth.IdentityFromContext(r.Context())

	started := time.Now()
	data, err := s.exec.Execute(r.Context(), ident, ast)
	if err != nil {
		s.writeError(w, err)
		return
	}
	log.Printf("[QUERY] %s.%s took %s", ast.Model, ast.Method, time.Since(started))
	s.writeSuccess(w, data, map[string]any{
		"model":  ast.Model,
		"method": ast.Method,
	})
}

func (s *Server) handleQueryBatch(w http.ResponseWriter, r *http.Request) {
	var req query.BatchQueryRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, qerr.New(qerr.KindMalformed, "request body is not a valid query batch"))
		return
	}
	if len(req.Queries) == 0 {
		s.writeError(w, qerr.New(qerr.KindMalformed, "query batch is empty"))
		return
	}
	if len(req.Queries) > s.maxBatch {
		s.writeError(w, qerr.New(qerr.KindValidation,
			"query batch exceeds the maximum of %d steps", s.maxBatch))
		return
	}
	ident, _ := auth.IdentityFromContext(r.Context())

	steps := make([]orchestrator.Step, len(req.Queries))
	for i, q := range req.Queries {
		ast := q.AST
		steps[i] = orchestrator.Step{
			Key:       q.Key,
			DependsOn: q.DependsOn,
			OnFailure: q.OnFailure,
			Run: func(ctx context.Context, _ orchestrator.Results) (any, error) {
				return s.exec.Execute(ctx, ident, ast)
			},
		}
	}

	started := time.Now()
	results, err := orchestrator.Execute(r.Context(), steps)
	if err != nil {
		s.writeError(w, err)
		return
	}
	log.Printf("[BATCH] %d queries took %s", len(steps), time.Since(started))
	s.writeSuccess(w, results, map[string]any{"steps": len(steps)})
}

func (s *Server) handleService(w http.ResponseWriter, r *http.Request) {
	var call query.ServiceCall
	if err := json.NewDecoder(r.Body).Decode(&call); err != nil {
		s.writeError(w, qerr.New(qerr.KindMalformed, "request body is not a valid service call"))
		return
	}

	started := time.Now()
	data, err := s.invoker.Invoke(r.Context(), call)
	if err != nil {
		s.writeError(w, err)
		return
	}
	log.Printf("[SERVICE] %s.%s took %s", call.Service, call.Method, time.Since(started))
	s.writeSuccess(w, data, map[string]any{
		"service": call.Service,
		"method":  call.Method,
	})
}

func (s *Server) handleServiceBatch(w http.ResponseWriter, r *http.Request) {
	var req query.BatchServiceRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, qerr.New(qerr.KindMalformed, "request body is not a valid service batch"))
		return
	}
	if len(req.Services) == 0 {
		s.writeError(w, qerr.New(qerr.KindMalformed, "service batch is empty"))
		return
	}
	if len(req.Services) > s.maxBatch {
		s.writeError(w, qerr.New(qerr.KindValidation,
			"service batch exceeds the maximum of %d steps", s.maxBatch))
		return
	}

	started := time.Now()
	results, err := orchestrator.Execute(r.Context(), s.invoker.BatchSteps(req.Services))
	if err != nil {
		s.writeError(w, err)
		return
	}
	log.Printf("[BATCH] %d service calls took %s", len(req.Services), time.Since(started))
	s.writeSuccess(w, results, map[string]any{"steps": len(req.Services)})
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status": "ok",
		"mode":   "server",
		"time":   time.Now().UTC().Format(time.RFC3339),
	})
}

func (s *Server) writeSuccess(w http.ResponseWriter, data any, metadata map[string]any) {
	writeJSON(w, http.StatusOK, wire.Response{
		Success:  true,
		Data:     data,
		Metadata: metadata,
	})
}

// writeError renders the structured error body. Unexpected internal errors
// are masked outside debug deployments but always logged in full.
func (s *Server) writeError(w http.ResponseWriter, err error) {
	kind := qerr.KindOf(err)
	message := qerr.MessageOf(err)
	if kind == qerr.KindInternal && !s.debug {
		log.Printf("[ERROR] internal: %v", err)
		message = "internal server error"
	}
	writeJSON(w, qerr.HTTPStatus(kind), wire.Response{
		Success: false,
		Error:   message,
		Type:    string(kind),
	})
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		log.Printf("[ERROR] encode response: %v", err)
	}
}
