package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
)

var (
	envFile   string
	serverURL string
	logLevel  string
)

var rootCmd = &cobra.Command{
	Use:   "face-verify",
	Short: "Verify a live camera feed against a target face image",
	Long: `face-verify uploads a target image to the verification backend, opens the
camera and streams frames over the realtime channel until the backend reports
a match, a failure, or the client deadline passes.

Configuration is read from FACEVERIFY_* environment variables and an optional
.env file; flags override both.`,
}

// Execute runs the CLI. SIGINT and SIGTERM cancel the running command.
func Execute() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := rootCmd.ExecuteContext(ctx)
	stop()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	cobra.OnInitialize(initConfig)
	rootCmd.PersistentFlags().StringVar(&envFile, "env-file", "", "Load environment from this file instead of .env")
	rootCmd.PersistentFlags().StringVar(&serverURL, "server", "", "Verification backend URL (overrides FACEVERIFY_SERVER_URL)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "Log level (overrides FACEVERIFY_LOG_LEVEL)")
}

func initConfig() {
	if envFile != "" {
		if err := godotenv.Load(envFile); err != nil {
			fmt.Fprintf(os.Stderr, "Warning: could not load %s: %v\n", envFile, err)
		}
		return
	}
	// .env file is optional, don't fail if not found
	_ = godotenv.Load()
}
