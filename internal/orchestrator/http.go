package orchestrator

import (
	"context"
	"encoding/json"
	"io"
	"net/http"

	"github.com/basket/agentcore/internal/shared"
	"github.com/basket/agentcore/internal/taskengine"
)

// HTTPHandler exposes the query/metrics endpoints `agentcore serve`
// provides, on a plain net/http mux. Every request gets a trace id,
// echoed back in X-Trace-Id so failures can be correlated with logs.
func (o *Orchestrator) HTTPHandler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/tasks", o.handleListTasks)
	mux.HandleFunc("/tasks/", o.handleGetTask)
	mux.HandleFunc("/stats", o.handleStats)
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	mux.HandleFunc("/rpc", o.handleListTools)
	mux.HandleFunc("/rpc/", o.handleInvokeTool)
	return withTraceID(mux)
}

func withTraceID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := shared.EnsureTraceID(r.Context())
		w.Header().Set("X-Trace-Id", shared.TraceID(ctx))
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (o *Orchestrator) handleListTasks(w http.ResponseWriter, r *http.Request) {
	status := taskengine.Status(r.URL.Query().Get("status"))
	writeJSON(w, http.StatusOK, o.ListTasks(status))
}

func (o *Orchestrator) handleGetTask(w http.ResponseWriter, r *http.Request) {
	id := r.URL.Path[len("/tasks/"):]
	if id == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "missing task id"})
		return
	}
	t, err := o.GetTask(id)
	if err != nil {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, t)
}

func (o *Orchestrator) handleStats(w http.ResponseWriter, r *http.Request) {
	stats, err := o.Stats(r.Context())
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (o *Orchestrator) handleListTools(w http.ResponseWriter, r *http.Request) {
	type toolInfo struct {
		Name        string          `json:"name"`
		Description string          `json:"description"`
		InputSchema json.RawMessage `json:"input_schema,omitempty"`
	}
	var out []toolInfo
	for _, t := range o.tools.List() {
		out = append(out, toolInfo{Name: t.Name, Description: t.Description, InputSchema: t.InputSchema})
	}
	writeJSON(w, http.StatusOK, out)
}

func (o *Orchestrator) handleInvokeTool(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeJSON(w, http.StatusMethodNotAllowed, map[string]string{"error": "POST required"})
		return
	}
	name := r.URL.Path[len("/rpc/"):]
	body, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	result, err := o.tools.Invoke(r.Context(), name, body)
	if err != nil {
		writeJSON(w, httpStatusFor(err), map[string]string{
			"error":    err.Error(),
			"trace_id": shared.TraceID(r.Context()),
		})
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func httpStatusFor(err error) int {
	kind, ok := shared.KindOf(err)
	if !ok {
		return http.StatusInternalServerError
	}
	switch kind {
	case shared.KindInvalidInput:
		return http.StatusBadRequest
	case shared.KindNotFound:
		return http.StatusNotFound
	case shared.KindConflictState:
		return http.StatusConflict
	case shared.KindCapacityExceeded:
		return http.StatusTooManyRequests
	case shared.KindCircuitOpen:
		return http.StatusServiceUnavailable
	case shared.KindTimeout:
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// Serve runs the HTTP query/metrics server until ctx is cancelled.
func (o *Orchestrator) Serve(ctx context.Context, addr string) error {
	srv := &http.Server{Addr: addr, Handler: o.HTTPHandler()}
	go func() {
		<-ctx.Done()
		_ = srv.Close()
	}()
	err := srv.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}
