package cmd

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/example/face-verify/internal/camera"
	"github.com/example/face-verify/internal/channel"
	"github.com/example/face-verify/internal/config"
	"github.com/example/face-verify/internal/logging"
	"github.com/example/face-verify/internal/report"
	"github.com/example/face-verify/internal/session"
	"github.com/example/face-verify/internal/upload"
)

// app is the wired controller with its channel and optional notice fan-out.
type app struct {
	cfg        *config.Config
	logger     *zap.Logger
	channel    *channel.Client
	controller *session.Controller
	publisher  *report.RedisPublisher
	redis      *redis.Client
}

// loadConfig reads the environment and applies the global flag overrides.
// override may adjust command specific fields before validation.
func loadConfig(override func(*config.Config)) (*config.Config, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	if serverURL != "" {
		cfg.ServerURL = serverURL
	}
	if logLevel != "" {
		cfg.LogLevel = logLevel
	}
	if override != nil {
		override(cfg)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func newApp(ctx context.Context, cfg *config.Config, reporters ...report.Reporter) (*app, error) {
	logger, err := logging.NewLogger(cfg.LogLevel, cfg.IsDevelopment())
	if err != nil {
		return nil, err
	}

	source, err := camera.NewSource(cfg.Camera, logger)
	if err != nil {
		return nil, err
	}

	a := &app{cfg: cfg, logger: logger}
	fanout := report.Fanout{report.NewLogReporter(logger)}
	fanout = append(fanout, reporters...)
	if cfg.Redis.Addr != "" {
		a.redis = initRedis(ctx, cfg.Redis.Addr, logger)
		a.publisher = report.NewRedisPublisher(report.NewRedisBus(a.redis), cfg.Redis.Channel, cfg.Redis.QueueSize, logger)
		fanout = append(fanout, a.publisher)
	}

	a.channel = channel.NewClient(channel.Options{
		URL:               cfg.SocketURL(),
		HandshakeTimeout:  cfg.Channel.HandshakeTimeout,
		ReconnectAttempts: cfg.Channel.ReconnectAttempts,
		ReconnectDelay:    cfg.Channel.ReconnectDelay,
		ReconnectMaxDelay: cfg.Channel.ReconnectMaxDelay,
		WriteQueue:        cfg.Channel.WriteQueue,
	}, logger)

	a.controller = session.NewController(session.OptionsFromConfig(cfg), session.Deps{
		Uploader: upload.NewClient(cfg.UploadURL(), cfg.Upload.Timeout, cfg.Upload.MaxSize, logger),
		Emitter:  a.channel,
		Source:   source,
		Reporter: fanout,
		Logger:   logger,
	})

	logger.Info("face-verify configured",
		zap.String("server", cfg.ServerURL),
		zap.String("camera_source", cfg.Camera.Source),
		zap.Duration("deadline", cfg.Session.Deadline),
		zap.Bool("redis_notices", a.publisher != nil),
	)
	return a, nil
}

// initRedis connects the notice fan-out. An unreachable server is logged and
// publishing keeps retrying per notice.
func initRedis(ctx context.Context, addr string, logger *zap.Logger) *redis.Client {
	client := redis.NewClient(&redis.Options{Addr: addr})
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		logger.Warn("redis unreachable, notices may be dropped", zap.String("addr", addr), zap.Error(err))
	}
	return client
}

// run drives the controller and channel alongside fn and stops everything
// once fn returns. The channel is stopped only after the controller has
// returned, so the stop_verify sent for a cancelled session goes out.
func (a *app) run(ctx context.Context, fn func(ctx context.Context) error) error {
	defer a.close()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	channelCtx, stopChannel := context.WithCancel(context.WithoutCancel(ctx))
	defer stopChannel()

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		defer stopChannel()
		return a.controller.Run(ctx)
	})
	g.Go(func() error {
		err := a.channel.Run(channelCtx, a.controller)
		if errors.Is(err, context.Canceled) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("messaging channel: %w", err)
		}
		return nil
	})
	if a.publisher != nil {
		g.Go(func() error {
			a.publisher.Run(ctx)
			stats := a.publisher.Stats()
			a.logger.Info("notice publisher stopped",
				zap.Int64("published", stats.Published),
				zap.Int64("failed", stats.Failed),
				zap.Int64("dropped", stats.Dropped),
			)
			return nil
		})
	}
	g.Go(func() error {
		defer cancel()
		return fn(ctx)
	})
	return g.Wait()
}

func (a *app) close() {
	if a.redis != nil {
		if err := a.redis.Close(); err != nil {
			a.logger.Warn("failed to close redis", zap.Error(err))
		}
	}
	_ = a.logger.Sync()
}
