package api

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	ginzap "github.com/gin-contrib/zap"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/carelink/schedule-notifier/pkg/apiresponses"
	"github.com/carelink/schedule-notifier/pkg/config"
	"github.com/carelink/schedule-notifier/pkg/metrics"
	"github.com/carelink/schedule-notifier/pkg/ratelimit"
)

const readHeaderTimeout = 10 * time.Second

type Server struct {
	gin         *gin.Engine
	http        *http.Server
	config      config.Config
	log         *zap.SugaredLogger
	rateLimiter *ratelimit.IPRateLimiter
}

func NewServer(log *zap.Logger, cfg config.Config, debug bool, svc NotificationService) *Server {
	if !debug {
		gin.SetMode(gin.ReleaseMode)
	}

	engine := gin.New()
	engine.Use(
		ginzap.Ginzap(log, time.RFC3339, true),
		ginzap.RecoveryWithZap(log, true),
	)

	if len(cfg.Server.AllowedOrigins) > 0 {
		engine.Use(
			cors.New(cors.Config{
				AllowOrigins: cfg.Server.AllowedOrigins,
				AllowMethods: []string{"GET", "POST", "OPTIONS"},
				AllowHeaders: []string{"Origin", "Authorization", "Content-Type"},
				MaxAge:       12 * time.Hour,
			}),
		)
	}

	rl := ratelimit.New(ratelimit.Config{
		Rate:  cfg.Server.RateLimit.Rate,
		Burst: cfg.Server.RateLimit.Burst,
	})
	engine.Use(rl.MiddlewareWithExclusions([]string{"/healthz", "/metrics"}))

	s := &Server{
		gin:         engine,
		config:      cfg,
		log:         log.Sugar().Named("api"),
		rateLimiter: rl,
	}
	s.http = &http.Server{
		Addr:              cfg.Server.ListenAddress,
		Handler:           engine,
		ReadHeaderTimeout: readHeaderTimeout,
	}

	engine.GET("/healthz", func(c *gin.Context) { c.String(http.StatusOK, "ok") })
	engine.GET("/metrics", gin.WrapH(metrics.MetricsHandler()))
	engine.NoRoute(func(c *gin.Context) {
		apiresponses.RespondNotFoundSimple(c, "no route for "+c.Request.Method+" "+c.Request.URL.Path)
	})

	NewNotificationController(svc, s.log).Register(engine.Group("/api"))

	return s
}

// Handler returns the HTTP handler, mainly for tests.
func (s *Server) Handler() http.Handler {
	return s.gin
}

// Listen serves until Shutdown is called. TLS is used when both a certificate
// and key are configured.
func (s *Server) Listen() error {
	s.log.Infow("Starting notification API", "address", s.config.Server.ListenAddress)

	var err error
	if s.config.Server.TLSCertFile != "" && s.config.Server.TLSKeyFile != "" {
		err = s.http.ListenAndServeTLS(s.config.Server.TLSCertFile, s.config.Server.TLSKeyFile)
	} else {
		err = s.http.ListenAndServe()
	}
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Shutdown stops accepting requests and waits for in-flight ones.
func (s *Server) Shutdown(ctx context.Context) error {
	defer s.Close()
	return s.http.Shutdown(ctx)
}

// Close releases background resources held by the server.
func (s *Server) Close() {
	if s.rateLimiter != nil {
		s.rateLimiter.Stop()
	}
}
