package admin

import (
	"context"
	"errors"
	"log"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/gotrs-io/mailrelay/internal/auth"
	"github.com/gotrs-io/mailrelay/internal/email/session"
	"github.com/gotrs-io/mailrelay/internal/middleware"
)

const shutdownGrace = 5 * time.Second

// HTTPServer serves health, status, metrics and the command registry.
type HTTPServer struct {
	addr     string
	registry *Registry
	status   *StatusService
	tokens   middleware.TokenValidator
	limiter  *auth.FailureLimiter
	logger   *log.Logger
	engine   *gin.Engine
}

// HTTPOption customizes HTTPServer.
type HTTPOption func(*HTTPServer)

// WithTokens enables bearer auth on the command routes.
func WithTokens(m *auth.JWTManager) HTTPOption {
	return func(s *HTTPServer) {
		if m != nil {
			s.tokens = m
			s.limiter = auth.NewFailureLimiter(5, 5*time.Minute, 2*time.Second, time.Minute)
		}
	}
}

// WithHTTPLogger overrides the logger.
func WithHTTPLogger(logger *log.Logger) HTTPOption {
	return func(s *HTTPServer) {
		if logger != nil {
			s.logger = logger
		}
	}
}

func NewHTTPServer(addr string, registry *Registry, status *StatusService, opts ...HTTPOption) *HTTPServer {
	s := &HTTPServer{
		addr:     addr,
		registry: registry,
		status:   status,
		logger:   log.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.engine = s.routes()
	return s
}

func (s *HTTPServer) routes() *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery(), middleware.RequestLog(s.logger))

	r.GET("/healthz", s.handleHealth)
	r.GET("/status", middleware.BearerAuth(s.tokens, s.limiter), s.handleStatus)
	r.POST("/commands/:name", middleware.BearerAuth(s.tokens, s.limiter), s.handleCommand)
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))
	return r
}

// Handler exposes the router, mainly for tests.
func (s *HTTPServer) Handler() http.Handler { return s.engine }

// Run serves until ctx is cancelled, then shuts down gracefully.
func (s *HTTPServer) Run(ctx context.Context) error {
	srv := &http.Server{Addr: s.addr, Handler: s.engine, ReadHeaderTimeout: 10 * time.Second}
	errCh := make(chan error, 1)
	go func() {
		s.logger.Printf("admin: http listening on %s", s.addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}

func (s *HTTPServer) handleHealth(c *gin.Context) {
	snap := s.status.Snapshot()
	code := http.StatusOK
	if snap.State != session.StateSelected.String() {
		code = http.StatusServiceUnavailable
	}
	c.JSON(code, gin.H{"status": http.StatusText(code), "state": snap.State})
}

func (s *HTTPServer) handleStatus(c *gin.Context) {
	c.JSON(http.StatusOK, s.status.Snapshot())
}

type commandBody struct {
	Args string `json:"args"`
}

func (s *HTTPServer) handleCommand(c *gin.Context) {
	name := c.Param("name")
	cmd, ok := s.registry.Lookup(name)
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": ErrUnknownCommand.Error(), "command": name})
		return
	}

	req := Request{Source: "http"}
	if claims := middleware.ClaimsFrom(c); claims != nil {
		if !claims.Allows(cmd.Scope) {
			c.JSON(http.StatusForbidden, gin.H{"error": auth.ErrScope.Error(), "command": name})
			return
		}
		req.Operator = claims.Operator
	}
	var body commandBody
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&body); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
	}
	req.Args = body.Args

	reply, err := s.registry.Dispatch(c.Request.Context(), name, req)
	if err != nil {
		s.logger.Printf("admin: command %s failed: %v", name, err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error(), "command": name})
		return
	}
	c.JSON(http.StatusOK, gin.H{"command": name, "reply": reply})
}
