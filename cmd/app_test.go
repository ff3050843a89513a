package cmd

import (
	"context"
	"image"
	"image/color"
	"image/png"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/example/face-verify/internal/camera"
	"github.com/example/face-verify/internal/channel"
	"github.com/example/face-verify/internal/channel/channeltest"
	"github.com/example/face-verify/internal/config"
	"github.com/example/face-verify/internal/session"
	"github.com/example/face-verify/internal/upload"
)

func TestLoadConfigAppliesOverrides(t *testing.T) {
	t.Setenv("FACEVERIFY_SERVER_URL", "http://env-host:5000")
	t.Setenv("FACEVERIFY_LOG_LEVEL", "debug")
	serverURL, logLevel = "https://flag-host", ""
	t.Cleanup(func() { serverURL, logLevel = "", "" })

	cfg, err := loadConfig(func(cfg *config.Config) {
		cfg.Camera.Source = config.SourceDirectory
		cfg.Camera.Directory = t.TempDir()
		cfg.Session.Deadline = 20 * time.Second
	})

	require.NoError(t, err)
	assert.Equal(t, "https://flag-host", cfg.ServerURL)
	assert.Equal(t, "debug", cfg.LogLevel)
	assert.Equal(t, 20*time.Second, cfg.Session.Deadline)
	assert.Equal(t, "wss://flag-host/socket.io/", cfg.SocketURL())
}

func TestLoadConfigValidates(t *testing.T) {
	_, err := loadConfig(func(cfg *config.Config) {
		cfg.Camera.Source = config.SourceDirectory
		cfg.Camera.Directory = ""
	})

	require.Error(t, err)
}

func TestNewAppWiresController(t *testing.T) {
	cfg, err := loadConfig(func(cfg *config.Config) {
		cfg.Camera.Source = config.SourceDirectory
		cfg.Camera.Directory = t.TempDir()
	})
	require.NoError(t, err)

	a, err := newApp(context.Background(), cfg)
	require.NoError(t, err)

	assert.Nil(t, a.publisher)
	st := a.controller.State()
	assert.Equal(t, session.PhaseIdle, st.Phase)
	assert.False(t, st.UploadEnabled)
	assert.False(t, st.VerifyEnabled)
}

type acceptingUploader struct{}

func (acceptingUploader) UploadTarget(context.Context, upload.Target, string) (*upload.Response, error) {
	return &upload.Response{HTTPStatus: 200, Status: upload.StatusSuccess, Message: "Target image processed successfully."}, nil
}

func writeFrame(t *testing.T, path string) {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, 16, 12))
	for i := range img.Pix {
		img.Pix[i] = 0x80
	}
	img.Set(0, 0, color.White)
	f, err := os.Create(path)
	require.NoError(t, err)
	defer f.Close()
	require.NoError(t, png.Encode(f, img))
}

func TestRunSendsStopVerifyForCancelledSession(t *testing.T) {
	server := channeltest.NewServer(t)
	dir := t.TempDir()
	writeFrame(t, filepath.Join(dir, "face.png"))
	logger := zap.NewNop()

	a := &app{logger: logger}
	a.channel = channel.NewClient(channel.Options{
		URL:              server.SocketURL(),
		HandshakeTimeout: time.Second,
		WriteQueue:       16,
	}, logger)
	a.controller = session.NewController(session.Options{
		FrameInterval: time.Hour,
		SettleDelay:   time.Hour,
		Deadline:      time.Hour,
		UploadTimeout: time.Second,
	}, session.Deps{
		Uploader: acceptingUploader{},
		Emitter:  a.channel,
		Source:   camera.NewDirectorySource(dir, 15, logger),
		Logger:   logger,
	})

	err := a.run(context.Background(), func(ctx context.Context) error {
		ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		if _, err := a.controller.Wait(ctx, func(s session.State) bool { return s.UploadEnabled }); err != nil {
			return err
		}
		if err := a.controller.SubmitTarget(ctx, upload.Target{Name: "me.png", Data: []byte("png")}); err != nil {
			return err
		}
		if _, err := a.controller.Wait(ctx, func(s session.State) bool { return s.VerifyEnabled }); err != nil {
			return err
		}
		if err := a.controller.BeginSession(ctx); err != nil {
			return err
		}
		_, err := a.controller.Wait(ctx, func(s session.State) bool { return s.Phase == session.PhaseActive })
		return err
	})
	require.NoError(t, err)

	st := a.controller.State()
	require.NotNil(t, st.Result)
	assert.Equal(t, session.MsgCancelled, st.Result.Message)

	var names []string
	for len(names) < 2 {
		select {
		case ev := <-server.Received():
			names = append(names, ev.Name)
		case <-time.After(2 * time.Second):
			t.Fatalf("server received %v", names)
		}
	}
	assert.Equal(t, []string{channel.EventStartVerify, channel.EventStopVerify}, names)
}
