package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/MicahParks/keyfunc"
	"github.com/labstack/echo-contrib/pprof"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"prism-board/api"
	"prism-board/config"
	"prism-board/layout"
	"prism-board/stream"
)

const shutdownTimeout = 10 * time.Second

func serveCmd(flags *rootFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Serve the board API",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := flags.loadConfig()
			if err != nil {
				return err
			}
			return runServe(cmd.Context(), cfg)
		},
	}
}

func newAuth(cfg *config.Config) (*api.Auth, error) {
	if err := cfg.ValidateAuth(); err != nil {
		return nil, err
	}
	if cfg.Auth.TestMode {
		log.Warn("auth test mode enabled: accepting HS256 tokens")
		return api.NewTestAuth([]byte(cfg.Auth.TestSecret)), nil
	}
	jwksURL := fmt.Sprintf("https://%s/.well-known/jwks.json", cfg.Auth.Domain)
	jwks, err := keyfunc.Get(jwksURL, keyfunc.Options{})
	if err != nil {
		return nil, fmt.Errorf("jwks: %w", err)
	}
	return api.NewAuth(jwks, cfg.Auth.Audience, "https://"+cfg.Auth.Domain+"/"), nil
}

func runServe(ctx context.Context, cfg *config.Config) error {
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	auth, err := newAuth(cfg)
	if err != nil {
		return err
	}
	rt, err := openRuntime(ctx, cfg)
	if err != nil {
		return err
	}
	defer rt.Close()

	logger := log.StandardLogger()
	sessions := api.NewSessions(rt.source, rt.layouts, rt.boardOptions(logger))
	defer sessions.Close()

	if rt.redis != nil {
		go stream.Subscribe(ctx, rt.redis, cfg.Redis.Channel, rt.onTaskEvent(ctx, sessions.RefreshAll))
	}
	if rt.files != nil && cfg.Layout.Watch {
		w, err := rt.files.Watch(ctx, func(key string) {
			n := sessions.ReloadLayouts(ctx, func(userID string) bool {
				return rt.files.Namespace(userID).FileKey(layout.StorageKey) == key
			})
			log.WithFields(log.Fields{"key": key, "sessions": n}).Debug("layout file changed")
		})
		if err != nil {
			log.WithError(err).Warn("layout watch disabled")
		} else {
			defer w.Stop()
		}
	}

	e := echo.New()
	e.HideBanner = true
	e.Use(middleware.Recover())
	e.Use(middleware.CORSWithConfig(middleware.CORSConfig{
		AllowOrigins: []string{"*"},
		AllowHeaders: []string{echo.HeaderOrigin, echo.HeaderContentType, echo.HeaderAccept, echo.HeaderAuthorization, echo.HeaderContentEncoding},
	}))
	e.Use(api.GzipRequestMiddleware())
	if cfg.Debug {
		pprof.Register(e)
	}
	api.Register(e, sessions, auth, rt.health, logger)

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := e.Shutdown(shutdownCtx); err != nil {
			log.WithError(err).Warn("server shutdown")
		}
	}()

	log.WithField("addr", cfg.Listen).Info("serving board api")
	if err := e.Start(cfg.Listen); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
