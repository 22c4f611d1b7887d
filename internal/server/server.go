// Package server exposes the routing pipeline over HTTP: the
// POST /messages endpoint (aliased as /drift/route), a health probe,
// and a Prometheus scrape endpoint, wired with the same echo
// middleware stack and structured error handler the rest of this
// codebase uses.
package server

import (
	"fmt"
	"log"
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/driftos/driftrouter/internal/pipeline"
	"github.com/driftos/driftrouter/internal/routeerr"
)

// Server holds the dependencies the HTTP handlers close over.
type Server struct {
	Pipeline *pipeline.Pipeline
	Policy   pipeline.Policy
	Logger   *log.Logger
}

// New wires the echo instance: recovery, CORS, structured error
// handling, health/metrics probes, and the routing endpoint.
func New(p *pipeline.Pipeline, policy pipeline.Policy) *echo.Echo {
	s := &Server{Pipeline: p, Policy: policy, Logger: log.New(log.Writer(), "[HTTP] ", log.LstdFlags)}

	e := echo.New()
	e.HideBanner = true
	e.Use(middleware.Recover())
	e.HTTPErrorHandler = s.errorHandler
	e.Use(middleware.CORSWithConfig(middleware.CORSConfig{
		AllowOrigins: []string{"*"},
		AllowMethods: []string{http.MethodGet, http.MethodPost},
		AllowHeaders: []string{"Content-Type"},
	}))

	e.GET("/healthz", func(c echo.Context) error { return c.String(http.StatusOK, "ok") })
	e.GET("/metrics", echo.WrapHandler(promhttp.Handler()))

	e.POST("/messages", s.route)
	e.POST("/drift/route", s.route)

	return e
}

// errorHandler maps the routeerr taxonomy onto HTTP status codes and
// the { success: false, error: { message } } envelope. An
// *echo.HTTPError keeps its own status code; any other error that is
// not a *routeerr.Error is reported as 500.
func (s *Server) errorHandler(err error, c echo.Context) {
	status, msg := statusFor(err)
	req := c.Request()
	s.Logger.Printf("%d %s %s: %v", status, req.Method, req.URL.Path, err)
	if !c.Response().Committed {
		_ = c.JSON(status, envelope{Success: false, Error: &errBody{Message: msg}})
	}
}

func statusFor(err error) (int, string) {
	if he, ok := err.(*echo.HTTPError); ok {
		return he.Code, fmt.Sprint(he.Message)
	}
	switch routeerr.KindOf(err) {
	case routeerr.KindInvalidInput, routeerr.KindNotFound:
		return http.StatusBadRequest, err.Error()
	case routeerr.KindUnavailable:
		return http.StatusBadGateway, err.Error()
	case routeerr.KindTimeout, routeerr.KindInternal:
		return http.StatusInternalServerError, err.Error()
	default:
		return http.StatusInternalServerError, err.Error()
	}
}
