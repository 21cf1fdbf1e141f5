package cmd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/MeKo-Tech/qranno/internal/config"
	"github.com/MeKo-Tech/qranno/internal/pipeline"
	"github.com/MeKo-Tech/qranno/internal/server"
	"github.com/spf13/cobra"
)

// serveCmd represents the serve command.
var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start HTTP server for the annotation API",
	Long: `Start an HTTP server that runs annotation jobs on uploaded PDF documents.
One run is processed at a time; uploads arriving while a run is in progress
are rejected with 409 Conflict.

The server provides the following endpoints:
  POST /jobs          - Upload a PDF (multipart field "file") and start a run
  POST /jobs/cancel   - Cancel the running job
  GET  /jobs/status   - State, progress and counts of the last run
  GET  /jobs/result   - Annotated PDF of the last completed run
  GET  /jobs/report   - Detection report (?format=json|csv|yaml|text)
  GET  /jobs/events   - WebSocket stream of status, progress and log events
  GET  /health        - Health check endpoint
  GET  /metrics       - Prometheus metrics

Examples:
  qranno serve
  qranno serve --port 8080
  qranno serve --host 0.0.0.0 --port 3000 --timeout 600`,
	RunE: func(cmd *cobra.Command, args []string) error {
		// Get configuration from centralized system (includes CLI flags, config file, env vars, and defaults)
		cfg := GetConfig()

		host := cfg.Server.Host
		if cmd.Flags().Changed("host") {
			host, _ = cmd.Flags().GetString("host")
		}

		port := cfg.Server.Port
		if cmd.Flags().Changed("port") {
			port, _ = cmd.Flags().GetInt("port")
		}

		corsOrigin := cfg.Server.CORSOrigin
		if cmd.Flags().Changed("cors-origin") {
			corsOrigin, _ = cmd.Flags().GetString("cors-origin")
		}

		maxUploadSize := cfg.Server.MaxUploadMB
		if cmd.Flags().Changed("max-upload-size") {
			maxUploadSize, _ = cmd.Flags().GetInt("max-upload-size")
		}

		timeout := cfg.Server.TimeoutSec
		if cmd.Flags().Changed("timeout") {
			timeout, _ = cmd.Flags().GetInt("timeout")
		}

		shutdownTimeout := cfg.Server.ShutdownTimeout
		if cmd.Flags().Changed("shutdown-timeout") {
			shutdownTimeout, _ = cmd.Flags().GetInt("shutdown-timeout")
		}

		scale := cfg.Render.Scale
		if cmd.Flags().Changed("scale") {
			scale, _ = cmd.Flags().GetFloat64("scale")
		}

		pages := cfg.Render.Pages
		if strings.EqualFold(pages, "all") {
			pages = ""
		}

		// Validate port number
		if port < 1 || port > 65535 {
			return fmt.Errorf("invalid port number: %d (must be between 1 and 65535)", port)
		}
		if scale <= 0 || scale > config.MaxScale {
			return fmt.Errorf("invalid scale: %v (must be in (0, %v])", scale, config.MaxScale)
		}

		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		logger := slog.Default()
		builder := newBuilder().
			WithConfig(cfg.ToPipelineConfig()).
			WithLogger(logger).
			WithListener(pipeline.NewLogListener(logger, slog.LevelInfo, ""))

		serverConfig := server.Config{
			Host:         host,
			Port:         port,
			CORSOrigin:   corsOrigin,
			MaxUploadMB:  int64(maxUploadSize),
			RunTimeout:   time.Duration(timeout) * time.Second,
			Scale:        scale,
			Pages:        pages,
			ReportFormat: cfg.Output.ReportFormat,
			Logger:       logger,
		}

		// Initialize server
		qrServer, err := server.NewServer(serverConfig, builder)
		if err != nil {
			return fmt.Errorf("failed to initialize server: %w", err)
		}

		// No WriteTimeout: /jobs/events holds its connection for the whole run.
		httpServer := &http.Server{
			Addr:              serverConfig.Addr(),
			Handler:           qrServer.Handler(),
			ReadHeaderTimeout: 5 * time.Second,
		}

		go func() {
			slog.Info("Starting annotation server", "host", host, "port", port)
			if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				slog.Error("Server error", "error", err)
				cancel()
			}
		}()

		sigChan := make(chan os.Signal, 1)
		signal.Notify(sigChan, syscall.SIGTERM, syscall.SIGINT)
		defer signal.Stop(sigChan)

		select {
		case sig := <-sigChan:
			slog.Info("Received shutdown signal", "signal", sig.String())
		case <-ctx.Done():
			slog.Info("Listener stopped, shutting down")
		}

		shutdown(httpServer, qrServer, time.Duration(shutdownTimeout)*time.Second)
		return nil
	},
}

// shutdown stops accepting requests, then cancels the running job and waits
// for it so its upload is removed before the process exits.
func shutdown(httpServer *http.Server, qrServer *server.Server, timeout time.Duration) {
	slog.Info("Starting graceful shutdown", "timeout", timeout)

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	if err := httpServer.Shutdown(ctx); err != nil {
		slog.Error("HTTP server shutdown error", "error", err)
	}
	if err := qrServer.Close(); err != nil {
		slog.Error("Server cleanup error", "error", err)
	}
	slog.Info("Graceful shutdown completed")
}

func init() {
	rootCmd.AddCommand(serveCmd)
	serveCmd.Flags().StringP("host", "H", "localhost", "server host")
	serveCmd.Flags().IntP("port", "p", 8080, "server port")
	serveCmd.Flags().String("cors-origin", "*", "CORS allowed origins (comma-separated)")
	serveCmd.Flags().Int("max-upload-size", 50, "maximum upload size in MB")
	serveCmd.Flags().Int("timeout", 300, "per-run timeout in seconds (0 = no limit)")
	serveCmd.Flags().Int("shutdown-timeout", 10, "shutdown timeout in seconds")
	serveCmd.Flags().Float64("scale", pipeline.DefaultScale, "default render scale for uploads")
}
