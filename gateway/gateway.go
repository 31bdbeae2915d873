// Package gateway serves the todo layer as a small JSON HTTP API.
//
// Reads come from the layer's index. Writes go through the layer to the
// store, so a todo created here shows up in listings, and on the event
// stream, once the store has announced the write:
//
//	GET    /todos              list complete todos (?done=true|false filters)
//	POST   /todos              create {"text": "..."}
//	GET    /todos/{id}         one todo
//	PUT    /todos/{id}         set fields {"text": "...", "done": true}
//	POST   /todos/{id}/toggle  flip done
//	DELETE /todos/{id}         clear every field
//
// Errors are answered as {"error": "...", "status": N} with a message that
// never carries internal detail; the full error is logged.
package gateway

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/c360/semlayer/errors"
	"github.com/c360/semlayer/metric"
	"github.com/c360/semlayer/todo"
)

const maxBodyBytes = 64 << 10

// Gateway exposes one todo layer over HTTP.
type Gateway struct {
	todos    *todo.Layer
	author   string
	logger   *slog.Logger
	requests *prometheus.CounterVec // Nil when metrics are disabled
}

// Option configures a Gateway.
type Option func(*Gateway) error

// WithLogger sets the logger; nil keeps slog.Default().
func WithLogger(logger *slog.Logger) Option {
	return func(g *Gateway) error {
		if logger != nil {
			g.logger = logger
		}
		return nil
	}
}

// WithMetrics counts requests by route and status code.
func WithMetrics(registry *metric.MetricsRegistry) Option {
	return func(g *Gateway) error {
		if registry == nil {
			return nil
		}
		requests := prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "semlayer_gateway_requests_total",
			Help: "Todo API requests by route and status code",
		}, []string{"route", "code"})
		if err := registry.RegisterCounterVec("gateway", "requests_total", requests); err != nil {
			return err
		}
		g.requests = requests
		return nil
	}
}

// New creates a Gateway writing to todos as author.
func New(todos *todo.Layer, author string, opts ...Option) (*Gateway, error) {
	if todos == nil {
		return nil, errors.WrapInvalid(errors.ErrMissingConfig, "Gateway", "New", "todo layer is required")
	}
	if author == "" {
		return nil, errors.WrapInvalid(errors.ErrMissingConfig, "Gateway", "New", "author is required")
	}
	g := &Gateway{todos: todos, author: author, logger: slog.Default()}
	for _, opt := range opts {
		if err := opt(g); err != nil {
			return nil, err
		}
	}
	g.logger = g.logger.With("component", "gateway")
	return g, nil
}

// Register adds the API routes to mux.
func (g *Gateway) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /todos", g.handle("list", g.list))
	mux.HandleFunc("POST /todos", g.handle("create", g.create))
	mux.HandleFunc("GET /todos/{id}", g.handle("get", g.get))
	mux.HandleFunc("PUT /todos/{id}", g.handle("set", g.set))
	mux.HandleFunc("POST /todos/{id}/toggle", g.handle("toggle", g.toggle))
	mux.HandleFunc("DELETE /todos/{id}", g.handle("delete", g.remove))
}

// handlerFunc returns the status and body to send, or an error.
type handlerFunc func(r *http.Request) (int, any, error)

func (g *Gateway) handle(route string, h handlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		requestID := getOrGenerateRequestID(r)
		w.Header().Set("X-Request-ID", requestID)
		r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)

		status, body, err := h(r)
		if err != nil {
			status = mapErrorToHTTPStatus(err)
			g.logger.Warn("request failed",
				"route", route,
				"request_id", requestID,
				"status", status,
				"error", err)
			writeError(w, status, sanitizeError(status))
		} else {
			writeJSON(w, status, body)
		}

		if g.requests != nil {
			g.requests.WithLabelValues(route, strconv.Itoa(status)).Inc()
		}
	}
}

func (g *Gateway) list(r *http.Request) (int, any, error) {
	items := g.todos.List()
	raw := r.URL.Query().Get("done")
	if raw == "" {
		return http.StatusOK, items, nil
	}
	done, err := strconv.ParseBool(raw)
	if err != nil {
		return 0, nil, errors.WrapInvalid(errors.ErrInvalidData, "Gateway", "list", "done filter "+raw)
	}
	filtered := make([]todo.Todo, 0, len(items))
	for _, t := range items {
		if t.Done == done {
			filtered = append(filtered, t)
		}
	}
	return http.StatusOK, filtered, nil
}

type createRequest struct {
	Text string `json:"text"`
}

func (g *Gateway) create(r *http.Request) (int, any, error) {
	var req createRequest
	if err := decode(r.Body, &req); err != nil {
		return 0, nil, err
	}
	if req.Text == "" {
		return 0, nil, errors.WrapInvalid(errors.ErrInvalidData, "Gateway", "create", "text is required")
	}
	t, err := g.todos.Create(r.Context(), g.author, req.Text)
	if err != nil {
		return 0, nil, err
	}
	return http.StatusCreated, t, nil
}

func (g *Gateway) get(r *http.Request) (int, any, error) {
	id := r.PathValue("id")
	t, ok, err := g.todos.Get(r.Context(), id)
	if err != nil {
		return 0, nil, err
	}
	if !ok {
		return 0, nil, notFound("get", id)
	}
	return http.StatusOK, t, nil
}

type setRequest struct {
	Text *string `json:"text"`
	Done *bool   `json:"done"`
}

func (g *Gateway) set(r *http.Request) (int, any, error) {
	id := r.PathValue("id")
	var req setRequest
	if err := decode(r.Body, &req); err != nil {
		return 0, nil, err
	}
	if req.Text == nil && req.Done == nil {
		return 0, nil, errors.WrapInvalid(errors.ErrInvalidData, "Gateway", "set", "no fields to set")
	}
	if err := g.todos.SetState(r.Context(), g.author, id, todo.Partial{ID: id, Text: req.Text, Done: req.Done}); err != nil {
		return 0, nil, err
	}
	return http.StatusAccepted, map[string]string{"id": id}, nil
}

func (g *Gateway) toggle(r *http.Request) (int, any, error) {
	id := r.PathValue("id")
	done, err := g.todos.Toggle(r.Context(), g.author, id)
	if err != nil {
		return 0, nil, err
	}
	return http.StatusOK, map[string]any{"id": id, "done": done}, nil
}

func (g *Gateway) remove(r *http.Request) (int, any, error) {
	id := r.PathValue("id")
	if err := g.todos.Delete(r.Context(), g.author, id); err != nil {
		return 0, nil, err
	}
	return http.StatusNoContent, nil, nil
}

func notFound(method, id string) error {
	return errors.WrapInvalid(errors.ErrKeyNotFound, "Gateway", method, "todo "+id)
}

func decode(body io.Reader, v any) error {
	dec := json.NewDecoder(body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return errors.WrapInvalid(fmt.Errorf("%w: %w", errors.ErrInvalidData, err), "Gateway", "decode", "request body")
	}
	return nil
}

// getOrGenerateRequestID returns the caller's X-Request-ID or a random one.
func getOrGenerateRequestID(r *http.Request) string {
	if reqID := r.Header.Get("X-Request-ID"); reqID != "" {
		return reqID
	}
	b := make([]byte, 8)
	if _, err := rand.Read(b); err != nil {
		return fmt.Sprintf("req-%d", time.Now().UnixNano())
	}
	return hex.EncodeToString(b)
}

// mapErrorToHTTPStatus maps classified errors to status codes. Sentinels
// are checked before classes because a missing todo is wrapped as invalid.
func mapErrorToHTTPStatus(err error) int {
	switch {
	case err == nil:
		return http.StatusInternalServerError
	case errors.Is(err, errors.ErrKeyNotFound):
		return http.StatusNotFound
	case errors.Is(err, errors.ErrLayerClosed), errors.Is(err, errors.ErrStoreClosed):
		return http.StatusServiceUnavailable
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	}

	var maxBytes *http.MaxBytesError
	if errors.As(err, &maxBytes) {
		return http.StatusRequestEntityTooLarge
	}

	switch {
	case errors.IsInvalid(err):
		return http.StatusBadRequest
	case errors.IsTransient(err):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// sanitizeError returns the message sent to clients for status.
func sanitizeError(status int) string {
	switch status {
	case http.StatusBadRequest:
		return "invalid request"
	case http.StatusNotFound:
		return "todo not found"
	case http.StatusRequestEntityTooLarge:
		return "request body too large"
	case http.StatusServiceUnavailable:
		return "service temporarily unavailable"
	case http.StatusGatewayTimeout:
		return "request timeout"
	default:
		return "internal server error"
	}
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	if body == nil {
		w.WriteHeader(status)
		return
	}
	data, err := json.Marshal(body)
	if err != nil {
		writeError(w, http.StatusInternalServerError, sanitizeError(http.StatusInternalServerError))
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(data)
}

func writeError(w http.ResponseWriter, status int, message string) {
	data, _ := json.Marshal(map[string]any{
		"error":  message,
		"status": status,
	})
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(data)
}
