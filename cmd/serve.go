package cmd

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/article-enhancer/internal/app"
)

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Runs the HTTP API and the enhancement worker pool",
		RunE: func(cmd *cobra.Command, _ []string) error {
			appInstance, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}
			return serve(cmd.Context(), appInstance, true)
		},
	}
}

func newWorkerCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "worker",
		Short: "Runs only the enhancement worker pool",
		RunE: func(cmd *cobra.Command, _ []string) error {
			appInstance, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}
			return serve(cmd.Context(), appInstance, false)
		},
	}
}

// serve runs the worker pool, and the API when withAPI is set, until SIGINT or
// SIGTERM. In-flight jobs get server.shutdown_timeout to finish.
func serve(parent context.Context, a *app.App, withAPI bool) error {
	logger := a.Logger
	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	poolDone := make(chan struct{})
	go func() {
		defer close(poolDone)
		a.Dispatcher.Run(ctx)
	}()
	go a.SweepStale(ctx, a.Config.Enhancement.JobTimeout)

	var srv *http.Server
	serverErr := make(chan error, 1)
	if withAPI {
		srv = &http.Server{
			Addr:              fmt.Sprintf(":%d", a.Config.Server.Port),
			Handler:           a.Server().Handler(),
			ReadHeaderTimeout: 5 * time.Second,
		}
		go func() {
			logger.Info("http server started", zap.Int("port", a.Config.Server.Port))
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				serverErr <- err
				stop()
			}
		}()
	}

	<-ctx.Done()
	logger.Info("shutdown initiated")

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(parent), a.Config.Server.ShutdownTimeout)
	defer cancel()
	var errs []error
	if srv != nil {
		if err := srv.Shutdown(shutdownCtx); err != nil {
			errs = append(errs, fmt.Errorf("server shutdown: %w", err))
		}
	}
	if err := a.Dispatcher.Shutdown(shutdownCtx); err != nil {
		errs = append(errs, err)
	}
	<-poolDone
	select {
	case err := <-serverErr:
		errs = append(errs, fmt.Errorf("http server: %w", err))
	default:
	}
	if err := errors.Join(errs...); err != nil {
		logger.Error("shutdown finished with errors", zap.Error(err))
		return err
	}
	logger.Info("shutdown complete")
	return nil
}
