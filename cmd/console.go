package cmd

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/example/face-verify/internal/config"
	"github.com/example/face-verify/internal/console"
)

var consoleCmd = &cobra.Command{
	Use:   "console",
	Short: "Serve the local HTTP control console",
	Long: `Keep the messaging channel connected and expose the controller over HTTP:

  GET  /health
  GET  /api/state
  GET  /api/metrics
  POST /api/target                 multipart field target_image
  POST /api/verify
  GET  /api/sessions/:id/result    long-polls for the session result`,
	SilenceUsage: true,
	RunE:         runConsole,
}

func init() {
	rootCmd.AddCommand(consoleCmd)

	consoleCmd.Flags().String("addr", "", "Listen address (overrides FACEVERIFY_CONSOLE_ADDR)")
	consoleCmd.Flags().String("camera-dir", "", "Replay images from this directory instead of the camera")
}

func runConsole(cmd *cobra.Command, args []string) error {
	addr := mustGetString(cmd, "addr")
	cameraDir := mustGetString(cmd, "camera-dir")

	cfg, err := loadConfig(func(cfg *config.Config) {
		if addr != "" {
			cfg.Console.Addr = addr
		}
		if cameraDir != "" {
			cfg.Camera.Source = config.SourceDirectory
			cfg.Camera.Directory = cameraDir
		}
	})
	if err != nil {
		return err
	}

	if !cfg.IsDevelopment() {
		gin.SetMode(gin.ReleaseMode)
	}

	ctx := cmd.Context()
	a, err := newApp(ctx, cfg)
	if err != nil {
		return err
	}

	return a.run(ctx, func(ctx context.Context) error {
		server := &http.Server{
			Addr:              cfg.Console.Addr,
			Handler:           console.NewRouter(a.controller, a.logger),
			ReadHeaderTimeout: 10 * time.Second,
		}
		a.logger.Info("console listening", zap.String("addr", cfg.Console.Addr))
		return console.Serve(ctx, server, cfg.Console.ShutdownTimeout, a.logger)
	})
}
