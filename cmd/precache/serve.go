package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"precache/internal/precache"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve the application through the cache",
	RunE: func(cmd *cobra.Command, args []string) error {
		gin.SetMode(gin.ReleaseMode)

		svc, err := precache.NewService(cfg, logger)
		if err != nil {
			return fmt.Errorf("init service: %w", err)
		}
		defer svc.Close()

		addr := fmt.Sprintf(":%d", cfg.Server.Port)
		ln, err := net.Listen("tcp", addr)
		if err != nil {
			return fmt.Errorf("listen %s: %w", addr, err)
		}

		srv := &http.Server{
			Handler:           svc.Handler(),
			ReadHeaderTimeout: 10 * time.Second,
		}

		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		svc.Start(ctx)
		if err := svc.WatchConfig(configPath); err != nil {
			logger.Warn("config reload disabled", zap.Error(err))
		}

		go func() {
			logger.Info("precache listening",
				zap.String("addr", addr),
				zap.String("origin", cfg.Server.Origin),
				zap.String("generation", cfg.GenerationName()))
			err := srv.Serve(ln)
			if err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("server error", zap.Error(err))
				stop()
			}
		}()

		<-ctx.Done()

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
		return nil
	},
}
