package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync/atomic"
	"time"

	"github.com/schollz/progressbar/v3"
	"github.com/spf13/cobra"

	"github.com/example/face-verify/internal/config"
	"github.com/example/face-verify/internal/report"
	"github.com/example/face-verify/internal/session"
	"github.com/example/face-verify/internal/upload"
)

var errNotVerified = errors.New("verification did not succeed")

var verifyCmd = &cobra.Command{
	Use:   "verify",
	Short: "Upload a target image and run one verification session",
	Long: `Connect to the backend, upload the target image, then stream camera frames
until the backend answers or the client deadline passes.

Exits non-zero unless the identity was verified.`,
	Example: `  face-verify verify --target me.jpg
  face-verify verify --target me.jpg --camera-dir ./frames --deadline 20s`,
	SilenceUsage: true,
	RunE:         runVerify,
}

func init() {
	rootCmd.AddCommand(verifyCmd)

	verifyCmd.Flags().String("target", "", "Target face image (JPEG or PNG)")
	verifyCmd.Flags().String("camera-dir", "", "Replay images from this directory instead of the camera")
	verifyCmd.Flags().Duration("deadline", 0, "Client-side verification deadline (overrides FACEVERIFY_SESSION_DEADLINE)")
	verifyCmd.Flags().Duration("connect-timeout", 30*time.Second, "How long to wait for the messaging channel")
	_ = verifyCmd.MarkFlagRequired("target")
}

func runVerify(cmd *cobra.Command, args []string) error {
	targetPath := mustGetString(cmd, "target")
	cameraDir := mustGetString(cmd, "camera-dir")
	deadline := mustGetDuration(cmd, "deadline")
	connectTimeout := mustGetDuration(cmd, "connect-timeout")

	data, err := os.ReadFile(targetPath)
	if err != nil {
		return fmt.Errorf("read target: %w", err)
	}
	target := upload.Target{Name: filepath.Base(targetPath), Data: data}

	cfg, err := loadConfig(func(cfg *config.Config) {
		if cameraDir != "" {
			cfg.Camera.Source = config.SourceDirectory
			cfg.Camera.Directory = cameraDir
		}
		if deadline > 0 {
			cfg.Session.Deadline = deadline
		}
	})
	if err != nil {
		return err
	}

	var spinner atomic.Pointer[progressbar.ProgressBar]
	terminal := report.NewWriter(cmd.OutOrStdout())
	terminal.Before = func() {
		if bar := spinner.Load(); bar != nil {
			_ = bar.Clear()
		}
	}

	ctx := cmd.Context()
	a, err := newApp(ctx, cfg, terminal)
	if err != nil {
		return err
	}

	return a.run(ctx, func(ctx context.Context) error {
		ctrl := a.controller

		connectCtx, cancel := context.WithTimeout(ctx, connectTimeout)
		_, err := ctrl.Wait(connectCtx, func(s session.State) bool { return s.Connected })
		cancel()
		if err != nil {
			return fmt.Errorf("messaging channel not connected after %s", connectTimeout)
		}

		if err := ctrl.SubmitTarget(ctx, target); err != nil {
			return fmt.Errorf("upload target: %w", err)
		}
		st, err := ctrl.Wait(ctx, func(s session.State) bool { return s.Upload != session.UploadInFlight })
		if err != nil {
			return err
		}
		if st.Upload != session.UploadSucceeded {
			return fmt.Errorf("upload target: %s", st.UploadMessage.Text)
		}

		if err := ctrl.BeginSession(ctx); err != nil {
			return fmt.Errorf("begin verification: %w", err)
		}
		id := ctrl.State().SessionID

		bar := progressbar.NewOptions(-1,
			progressbar.OptionSetWriter(cmd.ErrOrStderr()),
			progressbar.OptionSetDescription(session.MsgStartingCamera),
			progressbar.OptionSpinnerType(14),
			progressbar.OptionShowCount(),
			progressbar.OptionSetItsString("frames"),
			progressbar.OptionClearOnFinish(),
		)
		spinner.Store(bar)
		defer func() {
			spinner.Store(nil)
			_ = bar.Finish()
		}()

		st, err = watchSession(ctx, ctrl, id, bar)
		if err != nil {
			return err
		}
		if st.Result == nil {
			return fmt.Errorf("verification not started: %s", st.Status.Text)
		}
		if st.Result.Outcome != session.OutcomeSuccess {
			return fmt.Errorf("%w: %s", errNotVerified, st.Result.Message)
		}
		return nil
	})
}

// watchSession follows the session until it ends or never gets a camera,
// updating the spinner with frames sent and the latest status line.
func watchSession(ctx context.Context, ctrl *session.Controller, id string, bar *progressbar.ProgressBar) (session.State, error) {
	var (
		frames int
		status string
	)
	for {
		st, err := ctrl.Wait(ctx, func(s session.State) bool {
			return s.Ended(id) || s.SessionID != id || s.Phase == session.PhaseIdle ||
				s.FramesSent != frames || s.Status.Text != status
		})
		if err != nil {
			return st, err
		}
		if st.Ended(id) || st.SessionID != id || st.Phase == session.PhaseIdle {
			return st, nil
		}
		if st.Status.Text != status {
			status = st.Status.Text
			bar.Describe(status)
		}
		if st.FramesSent != frames {
			frames = st.FramesSent
			_ = bar.Set(frames)
		}
	}
}
