package worker

import (
	"context"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"

	"github.com/langgraphsystem/rssnews-sub002/metrics"
)

// AdminServer exposes the worker's health and metrics endpoints.
type AdminServer struct {
	echo    *echo.Echo
	addr    string
	checker *HealthChecker
	sink    *metrics.Sink
	logger  *logrus.Entry
}

// NewAdminServer builds the admin endpoint. sink may be nil; the text
// export is then omitted.
func NewAdminServer(addr string, checker *HealthChecker, sink *metrics.Sink, logger *logrus.Entry) *AdminServer {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Use(middleware.Recover())

	s := &AdminServer{echo: e, addr: addr, checker: checker, sink: sink, logger: logger}

	e.GET("/healthz", s.healthz)
	e.GET("/metrics", echo.WrapHandler(promhttp.Handler()))
	e.GET("/metrics/pipeline", s.pipelineMetrics)
	return s
}

func (s *AdminServer) healthz(c echo.Context) error {
	report := s.checker.Check(c.Request().Context())
	code := http.StatusOK
	if report.Status == StatusUnhealthy {
		code = http.StatusServiceUnavailable
	}
	return c.JSON(code, report)
}

// pipelineMetrics serves the sink's latest-series text export.
func (s *AdminServer) pipelineMetrics(c echo.Context) error {
	if s.sink == nil {
		return c.NoContent(http.StatusNoContent)
	}
	return c.String(http.StatusOK, s.sink.Export())
}

// Start serves until the context is cancelled, then shuts down gracefully.
func (s *AdminServer) Start(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		if err := s.echo.Start(s.addr); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()
	s.logger.WithField("addr", s.addr).Info("admin endpoint listening")

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return s.echo.Shutdown(shutdownCtx)
	}
}
