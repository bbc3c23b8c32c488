package main

import (
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/Arke-Institute/arke-ocr-service/internal/config"
	"github.com/Arke-Institute/arke-ocr-service/internal/home"
	"github.com/Arke-Institute/arke-ocr-service/internal/server"
)

var (
	serveHost string
	servePort string
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the worker's HTTP server",
	Long: `Start the chunked OCR worker's HTTP server.

The server provides:
  - POST /process - accept a chunk of PIs for OCR
  - GET  /status  - read a chunk's phase, progress, and backoff window
  - GET  /health  - basic server health check
  - GET  /ready   - readiness check

Examples:
  arke-ocr-worker serve                  # start on default port 8080
  arke-ocr-worker serve --port 9090      # start on a custom port`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
			Level: slog.LevelInfo,
		}))

		h, err := home.New(homeDir)
		if err != nil {
			return err
		}
		if err := h.EnsureExists(); err != nil {
			return err
		}

		configMgr, err := config.NewManager(cfgFile)
		if err != nil {
			return err
		}

		srv, err := server.New(server.Config{
			Host:          serveHost,
			Port:          servePort,
			HomeDir:       h,
			ConfigManager: configMgr,
			Logger:        logger,
		})
		if err != nil {
			return err
		}

		return srv.Start(ctx)
	},
}

func init() {
	serveCmd.Flags().StringVar(&serveHost, "host", "0.0.0.0", "host to bind to")
	serveCmd.Flags().StringVar(&servePort, "port", "8080", "port to listen on")
}
