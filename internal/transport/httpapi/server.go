// Package httpapi exposes the Job service over JSON/HTTP.
//
// The caller's owner scope comes from the X-Owner header. Authentication is
// expected in front of this server.
package httpapi

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"

	"jobpipe/internal/export"
	"jobpipe/internal/jobs"
	"jobpipe/internal/pipeline"
	logx "jobpipe/pkg/logx"
)

const HeaderOwner = "X-Owner"

type Config struct {
	Addr            string
	ShutdownTimeout time.Duration
	// BodyLimit is an echo size string like "4M".
	BodyLimit string

	// Debug mounts /debug/status and /debug/pprof.
	Debug      bool
	DebugToken string
}

type Server struct {
	cfg    Config
	e      *echo.Echo
	jobs   *jobs.Service
	export *export.Service
	status StatusFunc
	log    logx.Logger
}

func New(cfg Config, js *jobs.Service, ex *export.Service, log logx.Logger) *Server {
	if log.IsZero() {
		log = logx.Nop()
	}
	if cfg.Addr == "" {
		cfg.Addr = ":8080"
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = 10 * time.Second
	}
	if cfg.BodyLimit == "" {
		cfg.BodyLimit = "4M"
	}
	s := &Server{cfg: cfg, jobs: js, export: ex, log: log.With(logx.String("comp", "http"))}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.HTTPErrorHandler = s.handleError
	e.Use(middleware.Recover())
	e.Use(middleware.BodyLimit(cfg.BodyLimit))
	e.Use(middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		LogMethod:   true,
		LogURI:      true,
		LogStatus:   true,
		LogLatency:  true,
		LogError:    true,
		HandleError: true,
		LogValuesFunc: func(_ echo.Context, v middleware.RequestLoggerValues) error {
			fields := []logx.Field{
				logx.String("method", v.Method),
				logx.String("uri", v.URI),
				logx.Int("status", v.Status),
				logx.Duration("latency", v.Latency),
			}
			if v.Error != nil {
				fields = append(fields, logx.Err(v.Error))
			}
			s.log.Debug("http.request", fields...)
			return nil
		},
	}))
	s.e = e
	s.routes()
	if cfg.Debug {
		s.debugRoutes()
	}
	return s
}

func (s *Server) routes() {
	s.e.GET("/healthz", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
	})

	g := s.e.Group("/jobs")
	g.POST("", s.createJob)
	g.GET("", s.listJobs)
	g.POST("/cancel-all", s.cancelAll)
	g.GET("/by-ref/:ref", s.getJobByRef)
	g.GET("/:id", s.getJob)
	g.PUT("/:id", s.updateJob)
	g.DELETE("/:id", s.deleteJob)
	g.POST("/:id/action", s.jobAction)
	g.GET("/:id/export", s.exportJob)
	g.GET("/:id/tasks", s.listTasks)
	g.GET("/:id/tasks/:task_id", s.getTask)
	g.POST("/:id/tasks/:task_id/action", s.taskAction)
}

// Handler exposes the router, mainly for tests.
func (s *Server) Handler() http.Handler { return s.e }

// Run serves until ctx is done, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		s.log.Info("http.listening", logx.String("addr", s.cfg.Addr))
		errCh <- s.e.Start(s.cfg.Addr)
	}()
	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}
	shutCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.cfg.ShutdownTimeout)
	defer cancel()
	if err := s.e.Shutdown(shutCtx); err != nil {
		return err
	}
	s.log.Info("http.stopped")
	return nil
}

type errorBody struct {
	Error string `json:"error"`
}

func statusFor(err error) int {
	var he *echo.HTTPError
	switch {
	case errors.As(err, &he):
		return he.Code
	case errors.Is(err, pipeline.ErrNotFound):
		return http.StatusNotFound
	case pipeline.IsValidation(err):
		return http.StatusBadRequest
	case errors.Is(err, pipeline.ErrConflict):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) handleError(err error, c echo.Context) {
	if c.Response().Committed {
		return
	}
	code := statusFor(err)
	msg := err.Error()
	var he *echo.HTTPError
	if errors.As(err, &he) {
		if m, ok := he.Message.(string); ok {
			msg = m
		}
	}
	if code >= 500 {
		s.log.Error("http.error", logx.String("path", c.Path()), logx.Err(err))
		msg = http.StatusText(code)
	}
	if c.Request().Method == http.MethodHead {
		err = c.NoContent(code)
	} else {
		err = c.JSON(code, errorBody{Error: msg})
	}
	if err != nil {
		s.log.Warn("http.write_failed", logx.Err(err))
	}
}
