// Package dashboard serves the operator JSON API and a server-sent event
// stream of registry notifications.
package dashboard

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
	"gorm.io/gorm"

	"github.com/zulandar/switchboard/internal/registry"
	"github.com/zulandar/switchboard/internal/terminal"
)

// Terminals lists and closes launch-script terminals.
type Terminals interface {
	List(workspaceID string) []terminal.Key
	Close(key terminal.Key) error
}

// StartOpts holds configuration for the dashboard server.
type StartOpts struct {
	Registry  *registry.Registry
	DB        *gorm.DB  // optional; enables the debug log endpoints
	Terminals Terminals // optional
	Port      int
	Logger    zerolog.Logger

	// Heartbeat is the SSE keep-alive interval; defaults to 15s.
	Heartbeat time.Duration
}

// NewRouter builds the gin engine with every route registered.
func NewRouter(opts StartOpts) (*gin.Engine, error) {
	if opts.Registry == nil {
		return nil, fmt.Errorf("dashboard: registry is required")
	}
	if opts.Heartbeat <= 0 {
		opts.Heartbeat = 15 * time.Second
	}
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery(), requestLogger(opts.Logger))
	registerRoutes(router, &handlers{
		reg:       opts.Registry,
		db:        opts.DB,
		terms:     opts.Terminals,
		heartbeat: opts.Heartbeat,
		log:       opts.Logger.With().Str("component", "dashboard").Logger(),
	})
	return router, nil
}

// Start launches the dashboard HTTP server. It blocks until ctx is
// cancelled, then shuts down gracefully.
func Start(ctx context.Context, opts StartOpts) error {
	router, err := NewRouter(opts)
	if err != nil {
		return err
	}
	if opts.Port <= 0 {
		opts.Port = 8080
	}

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", opts.Port),
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()

	opts.Logger.Info().Int("port", opts.Port).Msgf("dashboard running at http://localhost:%d", opts.Port)
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("dashboard: %w", err)
	}
	return nil
}

// requestLogger logs each request at debug level.
func requestLogger(log zerolog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		log.Debug().
			Str("method", c.Request.Method).
			Str("path", c.FullPath()).
			Int("status", c.Writer.Status()).
			Dur("took", time.Since(start)).
			Msg("request")
	}
}
