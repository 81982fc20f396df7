// Package server exposes the relay's health check, a read-only dialog API,
// and the Telegram webhook endpoint over HTTP.
package server

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"
	"github.com/zulandar/lotdesk/internal/dialog"
	"github.com/zulandar/lotdesk/internal/models"
)

// DialogReader is the read side of the dialog store the API serves.
type DialogReader interface {
	List(ctx context.Context, opts dialog.ListOpts) ([]models.Dialog, error)
	FindByExternalID(ctx context.Context, externalUserID string) (*models.Dialog, error)
	History(ctx context.Context, dialogID uint, limit int) ([]models.Message, error)
}

// Opts holds configuration for the HTTP server.
type Opts struct {
	Dialogs     DialogReader
	Ping        func(ctx context.Context) error // optional readiness check for /healthz
	Webhook     http.Handler                    // optional; mounted at WebhookPath
	WebhookPath string
	Port        int
	Out         io.Writer
}

// NewRouter builds the gin engine serving all routes.
func NewRouter(opts Opts) (*gin.Engine, error) {
	if opts.Dialogs == nil {
		return nil, fmt.Errorf("server: dialog reader is required")
	}
	if opts.Webhook != nil && opts.WebhookPath == "" {
		return nil, fmt.Errorf("server: webhook path is required")
	}

	router := gin.New()
	router.Use(gin.Recovery())
	registerRoutes(router, opts)
	return router, nil
}

// Start launches the HTTP server. It blocks until ctx is cancelled, then
// shuts down gracefully.
func Start(ctx context.Context, opts Opts) error {
	if opts.Port <= 0 {
		return fmt.Errorf("server: port is required")
	}
	gin.SetMode(gin.ReleaseMode)
	router, err := NewRouter(opts)
	if err != nil {
		return err
	}

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", opts.Port),
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Warn().Err(err).Msg("server: shutdown")
		}
	}()

	if opts.Out != nil {
		fmt.Fprintf(opts.Out, "HTTP server listening on :%d\n", opts.Port)
	}

	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("server: %w", err)
	}
	return nil
}
