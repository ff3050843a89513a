package camera

import (
	"fmt"

	"go.uber.org/zap"

	"github.com/example/face-verify/internal/config"
)

// NewSource builds the source selected by cfg.Source.
func NewSource(cfg config.CameraConfig, logger *zap.Logger) (Source, error) {
	switch cfg.Source {
	case config.SourceFFmpeg:
		return NewFFmpegSource(FFmpegOptions{
			Binary: cfg.Binary,
			Device: cfg.Device,
			Width:  cfg.Width,
			Height: cfg.Height,
			FPS:    cfg.FPS,
		}, logger), nil
	case config.SourceDirectory:
		return NewDirectorySource(cfg.Directory, cfg.FPS, logger), nil
	default:
		return nil, fmt.Errorf("unknown camera source %q", cfg.Source)
	}
}
