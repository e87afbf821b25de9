// Package health serves the liveness and readiness endpoints next to the
// bot's long-polling loop.
package health

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/m3rciful/relaybot/core/buildinfo"
	"github.com/m3rciful/relaybot/core/logger"
)

// Options configures the health server.
type Options struct {
	Listen string
	// Ready is probed by /readyz; nil means always ready.
	Ready func(ctx context.Context) error
}

// NewRouter builds the gin engine serving /healthz and /readyz.
func NewRouter(ready func(ctx context.Context) error) *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery())

	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":  "ok",
			"version": buildinfo.Version,
		})
	})

	r.GET("/readyz", func(c *gin.Context) {
		if ready != nil {
			ctx, cancel := context.WithTimeout(c.Request.Context(), 5*time.Second)
			defer cancel()
			if err := ready(ctx); err != nil {
				c.JSON(http.StatusServiceUnavailable, gin.H{
					"status": "unavailable",
					"error":  err.Error(),
				})
				return
			}
		}
		c.JSON(http.StatusOK, gin.H{"status": "ready"})
	})

	return r
}

// Run serves until the context is cancelled, then shuts down gracefully.
func Run(ctx context.Context, opts Options) error {
	if opts.Listen == "" {
		opts.Listen = ":8080"
	}

	srv := &http.Server{
		Addr:              opts.Listen,
		Handler:           NewRouter(opts.Ready),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()

	logger.HTTP.Info("health server started",
		slog.String("event", "start"),
		slog.String("listen", opts.Listen),
	)

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return err
		}
		<-errCh
		return nil
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}
