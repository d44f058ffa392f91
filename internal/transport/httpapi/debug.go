package httpapi

import (
	"crypto/subtle"
	"net/http"
	"net/http/pprof"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
)

// StatusFunc returns a diagnostics snapshot served at /debug/status.
type StatusFunc func() any

// SetStatus installs the /debug/status source. Call before Run.
func (s *Server) SetStatus(fn StatusFunc) { s.status = fn }

// debugRoutes mounts /debug/status and the pprof handlers. With a token
// set, requests need "Authorization: Bearer <token>".
func (s *Server) debugRoutes() {
	g := s.e.Group("/debug")
	if tok := s.cfg.DebugToken; tok != "" {
		g.Use(middleware.KeyAuthWithConfig(middleware.KeyAuthConfig{
			Validator: func(key string, _ echo.Context) (bool, error) {
				return subtle.ConstantTimeCompare([]byte(key), []byte(tok)) == 1, nil
			},
		}))
	}
	g.GET("/status", func(c echo.Context) error {
		if s.status == nil {
			return c.JSON(http.StatusOK, map[string]string{})
		}
		return c.JSON(http.StatusOK, s.status())
	})
	g.GET("/pprof/", echo.WrapHandler(http.HandlerFunc(pprof.Index)))
	g.GET("/pprof/cmdline", echo.WrapHandler(http.HandlerFunc(pprof.Cmdline)))
	g.GET("/pprof/profile", echo.WrapHandler(http.HandlerFunc(pprof.Profile)))
	g.GET("/pprof/symbol", echo.WrapHandler(http.HandlerFunc(pprof.Symbol)))
	g.GET("/pprof/trace", echo.WrapHandler(http.HandlerFunc(pprof.Trace)))
	g.GET("/pprof/:profile", func(c echo.Context) error {
		pprof.Handler(c.Param("profile")).ServeHTTP(c.Response(), c.Request())
		return nil
	})
}
