package config

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"
)

// EnvPrefix is prepended to every environment variable read by Load.
const EnvPrefix = "FACEVERIFY"

// Source kinds understood by the camera factory.
const (
	SourceFFmpeg    = "ffmpeg"
	SourceDirectory = "directory"
)

type Config struct {
	ServerURL   string `split_words:"true" default:"http://localhost:5000"`
	Environment string `split_words:"true" default:"development"`
	LogLevel    string `split_words:"true" default:"info"`

	Session SessionConfig
	Upload  UploadConfig
	Channel ChannelConfig
	Camera  CameraConfig
	Console ConsoleConfig
	Redis   RedisConfig
}

type SessionConfig struct {
	FrameInterval time.Duration `split_words:"true" default:"200ms"`
	SettleDelay   time.Duration `split_words:"true" default:"500ms"`
	Deadline      time.Duration `split_words:"true" default:"10s"`
	JPEGQuality   int           `split_words:"true" default:"80"`
	MaxFrameWidth int           `split_words:"true" default:"0"` // 0 keeps the native width
}

type UploadConfig struct {
	Path    string        `split_words:"true" default:"/upload_target"`
	Timeout time.Duration `split_words:"true" default:"30s"`
	MaxSize int64         `split_words:"true" default:"10485760"`
}

type ChannelConfig struct {
	Path              string        `split_words:"true" default:"/socket.io/"`
	HandshakeTimeout  time.Duration `split_words:"true" default:"10s"`
	ReconnectAttempts int           `split_words:"true" default:"5"`
	ReconnectDelay    time.Duration `split_words:"true" default:"1s"`
	ReconnectMaxDelay time.Duration `split_words:"true" default:"5s"`
	WriteQueue        int           `split_words:"true" default:"64"`
}

type CameraConfig struct {
	Source    string `split_words:"true" default:"ffmpeg"`
	Device    string `split_words:"true" default:"/dev/video0"`
	Binary    string `split_words:"true" default:"ffmpeg"`
	Directory string `split_words:"true"`
	Width     int    `split_words:"true" default:"640"`
	Height    int    `split_words:"true" default:"480"`
	FPS       int    `split_words:"true" default:"15"`
}

type ConsoleConfig struct {
	Addr            string        `split_words:"true" default:":8090"`
	ShutdownTimeout time.Duration `split_words:"true" default:"15s"`
}

// RedisConfig enables notice fan-out when Addr is set.
type RedisConfig struct {
	Addr      string `split_words:"true"`
	Channel   string `split_words:"true" default:"faceverify:notices"`
	QueueSize int    `split_words:"true" default:"64"`
}

// Load reads the configuration from the environment.
func Load() (*Config, error) {
	var cfg Config
	if err := envconfig.Process(EnvPrefix, &cfg); err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	return &cfg, nil
}

// Validate checks values that envconfig cannot express.
func (c *Config) Validate() error {
	u, err := url.Parse(c.ServerURL)
	if err != nil {
		return fmt.Errorf("invalid server url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("server url must be http or https, got %q", c.ServerURL)
	}
	if u.Host == "" {
		return fmt.Errorf("server url has no host: %q", c.ServerURL)
	}

	if c.Session.JPEGQuality < 1 || c.Session.JPEGQuality > 100 {
		return fmt.Errorf("jpeg quality out of range: %d", c.Session.JPEGQuality)
	}
	if c.Session.FrameInterval <= 0 || c.Session.Deadline <= 0 || c.Session.SettleDelay < 0 {
		return errors.New("session timings must be positive")
	}
	if c.Session.MaxFrameWidth < 0 {
		return fmt.Errorf("invalid max frame width: %d", c.Session.MaxFrameWidth)
	}
	if c.Upload.MaxSize <= 0 {
		return fmt.Errorf("invalid upload max size: %d", c.Upload.MaxSize)
	}

	switch c.Camera.Source {
	case SourceFFmpeg:
		if c.Camera.Device == "" {
			return errors.New("camera device is required for the ffmpeg source")
		}
	case SourceDirectory:
		if c.Camera.Directory == "" {
			return errors.New("camera directory is required for the directory source")
		}
	default:
		return fmt.Errorf("unknown camera source: %q", c.Camera.Source)
	}
	if c.Camera.FPS <= 0 {
		return fmt.Errorf("invalid camera fps: %d", c.Camera.FPS)
	}

	return nil
}

// IsDevelopment reports whether human readable logs should be used.
func (c *Config) IsDevelopment() bool {
	return c.Environment == "development"
}

// UploadURL returns the absolute target upload endpoint.
func (c *Config) UploadURL() string {
	return joinURL(c.ServerURL, c.Upload.Path)
}

// SocketURL returns the websocket endpoint of the messaging channel.
func (c *Config) SocketURL() string {
	raw := joinURL(c.ServerURL, c.Channel.Path)
	switch {
	case strings.HasPrefix(raw, "https://"):
		return "wss://" + strings.TrimPrefix(raw, "https://")
	case strings.HasPrefix(raw, "http://"):
		return "ws://" + strings.TrimPrefix(raw, "http://")
	}
	return raw
}

func joinURL(base, path string) string {
	return strings.TrimRight(base, "/") + "/" + strings.TrimLeft(path, "/")
}
