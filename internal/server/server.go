// Package server exposes the OpenAI-compatible HTTP surface.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"gateway-proxy/internal/catalog"
	"gateway-proxy/internal/config"
	"gateway-proxy/internal/keypool"
	"gateway-proxy/internal/metrics"
	"gateway-proxy/internal/models"
	"gateway-proxy/internal/router"
	"gateway-proxy/internal/translator"
	"gateway-proxy/internal/upstream"
)

const (
	maxBodyBytes        = 4 << 20 // 4 MiB
	shutdownGracePeriod = 10 * time.Second
	readTimeout         = 30 * time.Second
	idleTimeout         = 120 * time.Second
)

// Server hosts the HTTP listener and its handlers.
type Server struct {
	cfg     config.Config
	router  *router.Router
	pool    *keypool.Pool
	catalog *catalog.Catalog
	app     *echo.Echo
	address string
}

// New constructs an HTTP server wired with routing and middleware.
func New(cfg config.Config, rt *router.Router, pool *keypool.Pool, cat *catalog.Catalog) (*Server, error) {
	if rt == nil {
		return nil, errors.New("router must not be nil")
	}
	if pool == nil {
		return nil, errors.New("pool must not be nil")
	}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.HTTPErrorHandler = openAIErrorHandler

	e.Pre(middleware.RemoveTrailingSlash())
	e.Use(middleware.Recover())
	e.Use(middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		LogLatency: true,
		LogMethod:  true,
		LogURI:     true,
		LogStatus:  true,
		LogValuesFunc: func(c echo.Context, v middleware.RequestLoggerValues) error {
			slog.Info("request",
				"method", v.Method,
				"uri", v.URI,
				"status", v.Status,
				"latency_ms", v.Latency.Milliseconds(),
				"error", v.Error,
			)
			return nil
		},
	}))

	srv := &Server{
		cfg:     cfg,
		router:  rt,
		pool:    pool,
		catalog: cat,
		app:     e,
		address: fmt.Sprintf(":%d", cfg.Server.Port),
	}

	srv.registerRoutes()

	return srv, nil
}

// Run starts the HTTP server and blocks until the context is cancelled.
func (s *Server) Run(ctx context.Context) error {
	slog.Info("starting server", "addr", s.address)

	// Streaming responses must not be cut off by a write deadline.
	httpServer := &http.Server{
		Addr:        s.address,
		Handler:     s.app,
		ReadTimeout: readTimeout,
		IdleTimeout: idleTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		if err := s.app.StartServer(httpServer); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGracePeriod)
		defer cancel()
		if err := s.app.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("graceful shutdown failed: %w", err)
		}
		slog.Info("server shutdown complete")
		return nil
	case err := <-errCh:
		return err
	}
}

// Handler exposes the echo engine for tests.
func (s *Server) Handler() http.Handler {
	return s.app
}

func (s *Server) registerRoutes() {
	s.app.GET("/", s.handleRoot)
	s.app.GET("/health", s.handleHealth)
	s.app.GET("/metrics", echo.WrapHandler(promhttp.Handler()))

	v1 := s.app.Group("/v1", s.authMiddleware)
	v1.POST("/chat/completions", s.handleChatCompletions)
	v1.GET("/models", s.handleModels)
}

// authMiddleware checks the bearer token on /v1 routes. An empty configured
// auth key disables the check. Both "Bearer xxx" and a bare token are
// accepted.
func (s *Server) authMiddleware(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		if s.cfg.Server.AuthKey == "" {
			return next(c)
		}

		token := c.Request().Header.Get("Authorization")
		if len(token) > 7 && token[:7] == "Bearer " {
			token = token[7:]
		}
		if token != s.cfg.Server.AuthKey {
			return requestError{
				Status:  http.StatusUnauthorized,
				Message: "invalid or missing API key",
				Type:    "authentication_error",
			}
		}
		return next(c)
	}
}

func (s *Server) handleRoot(c echo.Context) error {
	stats := s.pool.Stats()
	return c.JSON(http.StatusOK, map[string]any{
		"status":           "ok",
		"service":          "gateway-proxy",
		"keys_loaded":      stats.Total,
		"keys_in_cooldown": stats.InCooldown,
	})
}

func (s *Server) handleHealth(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleModels(c echo.Context) error {
	if s.catalog == nil {
		return requestError{
			Status:  http.StatusNotImplemented,
			Message: "model catalog is not configured",
			Type:    "server_error",
		}
	}

	refresh, _ := strconv.ParseBool(c.QueryParam("refresh"))
	data, err := s.catalog.List(c.Request().Context(), c.QueryParam("provider"), refresh)
	if err != nil {
		return toHTTPError(err)
	}
	return c.JSONBlob(http.StatusOK, data)
}

func (s *Server) handleChatCompletions(c echo.Context) error {
	var req translator.ChatCompletionRequest
	if err := decodeRequestBody(c, &req); err != nil {
		return err
	}

	ctx := c.Request().Context()
	unified := req.ToUnified()
	kind := string(s.router.Kind(unified.Model))

	start := time.Now()
	if !req.Stream {
		err := s.completeOnce(c, ctx, unified)
		observe(kind, "false", start, err)
		return err
	}

	err := s.completeStream(c, ctx, unified)
	observe(kind, "true", start, err)
	return err
}

// completeOnce serves the non-streaming path; it never emits SSE framing.
func (s *Server) completeOnce(c echo.Context, ctx context.Context, unified models.UnifiedChatRequest) error {
	resp, err := s.router.Chat(ctx, unified)
	if err != nil {
		return toHTTPError(err)
	}

	recordUsage(string(s.router.Kind(unified.Model)), resp.Usage)

	id := resp.ID
	if id == "" {
		id = translator.NewCompletionID()
	}
	return c.JSON(http.StatusOK, translator.FromUnifiedChat(id, unified.Model, time.Now().Unix(), resp))
}

// completeStream transcodes the upstream event stream into OpenAI SSE
// chunks. Response headers are written only after the upstream stream has
// opened, so a failed dispatch can still produce a proper error status.
func (s *Server) completeStream(c echo.Context, ctx context.Context, unified models.UnifiedChatRequest) error {
	events, err := s.router.ChatStream(ctx, unified)
	if err != nil {
		return toHTTPError(err)
	}

	writer := c.Response().Writer
	flusher, ok := writer.(http.Flusher)
	if !ok {
		slog.Error("http writer does not support flushing")
		return requestError{
			Status:  http.StatusInternalServerError,
			Message: "server does not support streaming responses",
			Type:    "server_error",
		}
	}

	header := c.Response().Header()
	header.Set("Content-Type", "text/event-stream")
	header.Set("Cache-Control", "no-cache")
	header.Set("Connection", "keep-alive")
	c.Response().WriteHeader(http.StatusOK)

	// One id and creation timestamp shared by every chunk of the response.
	id := translator.NewCompletionID()
	created := time.Now().Unix()
	kind := string(s.router.Kind(unified.Model))

	if err := writeSSEChunk(writer, translator.NewRoleChunk(id, unified.Model, created)); err != nil {
		return nil
	}
	flusher.Flush()

	for event := range events {
		if event.Err != nil {
			slog.Error("upstream stream aborted", "err", event.Err)
			return nil
		}
		if event.Done {
			if event.Usage != nil {
				recordUsage(kind, *event.Usage)
			}
			break
		}
		if err := writeSSEChunk(writer, translator.NewContentChunk(id, unified.Model, created, event.Text)); err != nil {
			// Client went away; the request context cancellation aborts
			// the upstream call.
			return nil
		}
		flusher.Flush()
	}

	if err := writeSSEChunk(writer, translator.NewStopChunk(id, unified.Model, created)); err != nil {
		return nil
	}
	if _, err := io.WriteString(writer, "data: [DONE]\n\n"); err != nil {
		return nil
	}
	flusher.Flush()

	return nil
}

func writeSSEChunk(w io.Writer, chunk translator.ChatCompletionResponse) error {
	data, err := json.Marshal(chunk)
	if err != nil {
		return fmt.Errorf("marshal SSE chunk: %w", err)
	}
	if _, err := fmt.Fprintf(w, "data: %s\n\n", data); err != nil {
		return fmt.Errorf("write SSE chunk: %w", err)
	}
	return nil
}

func observe(provider, stream string, start time.Time, err error) {
	metrics.RequestLatency.WithLabelValues(provider, stream).Observe(time.Since(start).Seconds())

	var reqErr requestError
	switch {
	case err == nil:
		metrics.RequestsTotal.WithLabelValues("success").Inc()
	case errors.As(err, &reqErr) && reqErr.Status == http.StatusServiceUnavailable:
		metrics.RequestsTotal.WithLabelValues("unavailable").Inc()
	default:
		metrics.RequestsTotal.WithLabelValues("error").Inc()
	}
}

func recordUsage(provider string, usage models.Usage) {
	if usage == (models.Usage{}) {
		return
	}
	metrics.TokenUsageTotal.WithLabelValues(provider, "input").Add(float64(usage.PromptTokens))
	metrics.TokenUsageTotal.WithLabelValues(provider, "output").Add(float64(usage.CompletionTokens))
}

func decodeRequestBody[T any](c echo.Context, target *T) error {
	req := c.Request()
	defer req.Body.Close()

	req.Body = http.MaxBytesReader(c.Response(), req.Body, maxBodyBytes)

	decoder := json.NewDecoder(req.Body)
	if err := decoder.Decode(target); err != nil {
		if errors.Is(err, io.EOF) {
			return requestError{
				Status:  http.StatusBadRequest,
				Message: "request body is required",
				Type:    "invalid_request_error",
			}
		}
		return requestError{
			Status:  http.StatusBadRequest,
			Message: fmt.Sprintf("invalid JSON payload: %v", err),
			Type:    "invalid_request_error",
		}
	}

	if err := decoder.Decode(&struct{}{}); err != io.EOF {
		return requestError{
			Status:  http.StatusBadRequest,
			Message: "request body must contain a single JSON object",
			Type:    "invalid_request_error",
		}
	}
	return nil
}

type requestError struct {
	Status  int
	Message string
	Type    string
	Code    string
}

func (e requestError) Error() string {
	return e.Message
}

type errorBody struct {
	Error struct {
		Message string `json:"message"`
		Type    string `json:"type"`
		Code    string `json:"code,omitempty"`
	} `json:"error"`
}

func writeError(c echo.Context, status int, message, errType, code string) error {
	var payload errorBody
	payload.Error.Message = message
	payload.Error.Type = errType
	payload.Error.Code = code
	return c.JSON(status, payload)
}

func openAIErrorHandler(err error, c echo.Context) {
	if c.Response().Committed {
		return
	}

	var reqErr requestError
	if errors.As(err, &reqErr) {
		_ = writeError(c, reqErr.Status, reqErr.Message, reqErr.Type, reqErr.Code)
		return
	}

	var echoErr *echo.HTTPError
	if errors.As(err, &echoErr) {
		_ = writeError(c, echoErr.Code, fmt.Sprintf("%v", echoErr.Message), "invalid_request_error", "")
		return
	}

	_ = writeError(c, http.StatusInternalServerError, "internal server error", "server_error", "")
}

// toHTTPError maps pipeline errors onto stable machine-readable kinds:
// pool exhaustion is retriable with backoff, rate limits and other
// upstream failures are not the client's request to fix.
func toHTTPError(err error) error {
	var reqErr requestError
	if errors.As(err, &reqErr) {
		return reqErr
	}

	if router.IsPoolExhausted(err) {
		return requestError{
			Status:  http.StatusServiceUnavailable,
			Message: "no available API keys",
			Type:    "service_unavailable_error",
			Code:    "pool_exhausted",
		}
	}

	if upstream.IsRateLimited(err) {
		return requestError{
			Status:  http.StatusBadGateway,
			Message: "upstream rate limit persisted across credentials",
			Type:    "upstream_error",
			Code:    "rate_limited",
		}
	}

	var se *upstream.StatusError
	if errors.As(err, &se) {
		return requestError{
			Status:  http.StatusBadGateway,
			Message: se.Message,
			Type:    "upstream_error",
		}
	}

	return requestError{
		Status:  http.StatusBadGateway,
		Message: "upstream provider error",
		Type:    "upstream_error",
	}
}
