package app

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"

	"sqlgate/internal/approval"
	"sqlgate/internal/monitor"
	"sqlgate/internal/sqlstmt"
)

type HTTPServer struct {
	echo    *echo.Echo
	service *Service
}

func NewHTTPServer(service *Service, metrics *monitor.Metrics, corsOrigin string) *HTTPServer {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.HTTPErrorHandler = handleError

	s := &HTTPServer{echo: e, service: service}
	s.setupMiddleware(corsOrigin)
	s.setupRoutes(metrics)
	return s
}

func (s *HTTPServer) Handler() http.Handler {
	return s.echo
}

func (s *HTTPServer) setupMiddleware(corsOrigin string) {
	s.echo.Use(middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		LogURI:     true,
		LogStatus:  true,
		LogMethod:  true,
		LogLatency: true,
		LogValuesFunc: func(c echo.Context, v middleware.RequestLoggerValues) error {
			log.Info().
				Str("method", v.Method).
				Str("uri", v.URI).
				Int("status", v.Status).
				Dur("latency", v.Latency).
				Msg("request")
			return nil
		},
	}))
	s.echo.Use(middleware.Recover())
	s.echo.Use(middleware.CORSWithConfig(middleware.CORSConfig{
		AllowOrigins: []string{corsOrigin},
		AllowMethods: []string{http.MethodGet, http.MethodPost},
		AllowHeaders: []string{"Content-Type", "Authorization"},
	}))
}

func (s *HTTPServer) setupRoutes(metrics *monitor.Metrics) {
	s.echo.GET("/api/health", s.handleHealth)
	s.echo.GET("/api/ready", s.handleReady)
	if metrics != nil {
		s.echo.GET("/metrics", echo.WrapHandler(promhttp.HandlerFor(metrics.Registry, promhttp.HandlerOpts{})))
	}

	api := s.echo.Group("/api")
	api.POST("/statements", s.handleSubmit)
	api.POST("/statements/run", s.handleRun)
	api.GET("/tickets", s.handleListPending)
	api.GET("/tickets/:id", s.handleGetTicket)
	api.POST("/tickets/:id/decision", s.handleDecide)
	api.POST("/tickets/:id/await", s.handleAwait)
	api.POST("/tickets/:id/execute", s.handleExecute)
	api.POST("/tickets/:id/rollback", s.handleRollback)
	api.GET("/rollbacks/:id", s.handleGetRollback)
}

func handleError(err error, c echo.Context) {
	if c.Response().Committed {
		return
	}
	de := toDomainError(err)
	if de.Status >= http.StatusInternalServerError {
		log.Error().Err(err).Str("uri", c.Request().RequestURI).Msg("request failed")
	}
	response := map[string]any{
		"code":  de.Code,
		"error": de.Message,
	}
	if de.Details != nil {
		response["details"] = de.Details
	}
	if err := c.JSON(de.Status, response); err != nil {
		log.Error().Err(err).Msg("failed to write error response")
	}
}

func (s *HTTPServer) handleHealth(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]any{"ok": true})
}

func (s *HTTPServer) handleReady(c echo.Context) error {
	ctx, cancel := context.WithTimeout(c.Request().Context(), 5*time.Second)
	defer cancel()

	checks := map[string]any{}
	for _, check := range s.service.checks {
		checks[check.Name] = map[string]any{"status": "ok"}
	}
	failed := s.service.Ready(ctx)
	for name, err := range failed {
		checks[name] = map[string]any{"status": "error", "error": err.Error()}
	}

	status, code := "ready", http.StatusOK
	if len(failed) > 0 {
		status, code = "not_ready", http.StatusServiceUnavailable
	}
	return c.JSON(code, map[string]any{
		"ok":     len(failed) == 0,
		"status": status,
		"checks": checks,
	})
}

type statementRequest struct {
	SQL         string   `json:"sql"`
	Kind        string   `json:"kind"`
	Tables      []string `json:"tables"`
	RequestedBy string   `json:"requested_by"`
	MaxChecks   int      `json:"max_checks"`
	IntervalMS  int64    `json:"interval_ms"`
}

// statement uses the declared kind and tables when given and infers them
// from the SQL otherwise.
func (r statementRequest) statement() (sqlstmt.Statement, error) {
	if r.Kind == "" && len(r.Tables) == 0 {
		return sqlstmt.Parse(r.SQL)
	}
	return sqlstmt.Statement{
		SQL:    r.SQL,
		Kind:   sqlstmt.Kind(strings.ToUpper(r.Kind)),
		Tables: r.Tables,
	}, nil
}

func (s *HTTPServer) handleSubmit(c echo.Context) error {
	var body statementRequest
	if err := bindBody(c, &body); err != nil {
		return err
	}
	stmt, err := body.statement()
	if err != nil {
		return err
	}
	d, err := s.service.orchestrator.Submit(c.Request().Context(), stmt, body.RequestedBy)
	if err != nil {
		return err
	}
	status := http.StatusOK
	if d.Kind == approval.TicketCreated {
		status = http.StatusCreated
	}
	return c.JSON(status, d)
}

func (s *HTTPServer) handleRun(c echo.Context) error {
	var body statementRequest
	if err := bindBody(c, &body); err != nil {
		return err
	}
	stmt, err := body.statement()
	if err != nil {
		return err
	}
	res, err := s.service.Run(c.Request().Context(), stmt, body.RequestedBy, approval.AwaitOptions{
		MaxChecks: body.MaxChecks,
		Interval:  time.Duration(body.IntervalMS) * time.Millisecond,
	})
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, res)
}

func (s *HTTPServer) handleListPending(c echo.Context) error {
	tickets, err := s.service.orchestrator.ListPending(c.Request().Context())
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, map[string]any{
		"total":   len(tickets),
		"tickets": tickets,
	})
}

func (s *HTTPServer) handleGetTicket(c echo.Context) error {
	t, err := s.service.orchestrator.Ticket(c.Request().Context(), c.Param("id"))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, t)
}

func (s *HTTPServer) handleDecide(c echo.Context) error {
	var body struct {
		Actor   string `json:"actor"`
		Action  string `json:"action"`
		Comment string `json:"comment"`
	}
	if err := bindBody(c, &body); err != nil {
		return err
	}
	action := approval.Action(strings.ToLower(strings.TrimSpace(body.Action)))
	res, err := s.service.orchestrator.Decide(c.Request().Context(), c.Param("id"), body.Actor, action, body.Comment)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, res)
}

func (s *HTTPServer) handleAwait(c echo.Context) error {
	var body struct {
		MaxChecks  int   `json:"max_checks"`
		IntervalMS int64 `json:"interval_ms"`
	}
	if err := bindBody(c, &body); err != nil {
		return err
	}
	res, err := s.service.orchestrator.AwaitDecision(c.Request().Context(), c.Param("id"), approval.AwaitOptions{
		MaxChecks: body.MaxChecks,
		Interval:  time.Duration(body.IntervalMS) * time.Millisecond,
	})
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, res)
}

func (s *HTTPServer) handleExecute(c echo.Context) error {
	id := c.Param("id")
	out, err := s.service.executor.ExecuteApproved(c.Request().Context(), id)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, map[string]any{
		"ticket_id": id,
		"outcome":   out,
	})
}

func (s *HTTPServer) handleRollback(c echo.Context) error {
	var body struct {
		Actor  string `json:"actor"`
		Reason string `json:"reason"`
	}
	if err := bindBody(c, &body); err != nil {
		return err
	}
	r, err := s.service.executor.RequestRollback(c.Request().Context(), c.Param("id"), body.Actor, body.Reason)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusAccepted, r)
}

func (s *HTTPServer) handleGetRollback(c echo.Context) error {
	r, err := s.service.executor.Rollback(c.Request().Context(), c.Param("id"))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, r)
}

// bindBody tolerates an empty body so optional payloads can be omitted.
func bindBody(c echo.Context, target any) error {
	if c.Request().ContentLength == 0 {
		return nil
	}
	if err := c.Bind(target); err != nil {
		return domainError(http.StatusBadRequest, "INVALID_BODY", "invalid JSON body", nil)
	}
	return nil
}
