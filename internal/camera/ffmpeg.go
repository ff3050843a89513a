package camera

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	"image/jpeg"
	"io"
	"os"
	"os/exec"
	"strconv"
	"sync"
	"time"

	"go.uber.org/zap"
)

const (
	maxFrameBytes = 8 << 20
	stopTimeout   = 2 * time.Second
)

var (
	jpegSOI = []byte{0xFF, 0xD8}
	jpegEOI = []byte{0xFF, 0xD9}
)

// FFmpegOptions describes a V4L2 capture through ffmpeg.
type FFmpegOptions struct {
	Binary string
	Device string
	Width  int
	Height int
	FPS    int
}

// FFmpegSource streams MJPEG frames from a V4L2 device by running ffmpeg.
type FFmpegSource struct {
	opts   FFmpegOptions
	logger *zap.Logger
}

// NewFFmpegSource returns a source for opts.Device.
func NewFFmpegSource(opts FFmpegOptions, logger *zap.Logger) *FFmpegSource {
	if opts.Binary == "" {
		opts.Binary = "ffmpeg"
	}
	return &FFmpegSource{opts: opts, logger: logger.Named("camera.ffmpeg")}
}

func (s *FFmpegSource) args() []string {
	args := []string{"-hide_banner", "-loglevel", "error", "-f", "v4l2"}
	if s.opts.Width > 0 && s.opts.Height > 0 {
		args = append(args, "-video_size", fmt.Sprintf("%dx%d", s.opts.Width, s.opts.Height))
	}
	if s.opts.FPS > 0 {
		args = append(args, "-framerate", strconv.Itoa(s.opts.FPS))
	}
	return append(args,
		"-i", s.opts.Device,
		"-f", "image2pipe",
		"-c:v", "mjpeg",
		"-q:v", "3",
		"-",
	)
}

// Open starts ffmpeg. The stream outlives ctx; it ends with Stop.
func (s *FFmpegSource) Open(ctx context.Context) (Stream, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if _, err := os.Stat(s.opts.Device); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrDeviceUnavailable, s.opts.Device, err)
	}
	binary, err := exec.LookPath(s.opts.Binary)
	if err != nil {
		return nil, fmt.Errorf("%w: %s not found: %v", ErrDeviceUnavailable, s.opts.Binary, err)
	}

	streamCtx, cancel := context.WithCancel(context.Background())
	cmd := exec.CommandContext(streamCtx, binary, s.args()...)

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		cancel()
		return nil, fmt.Errorf("stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		cancel()
		return nil, fmt.Errorf("stderr pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		cancel()
		return nil, fmt.Errorf("%w: start ffmpeg: %v", ErrDeviceUnavailable, err)
	}

	st := &ffmpegStream{
		cancel: cancel,
		exited: make(chan struct{}),
		logger: s.logger.With(zap.String("device", s.opts.Device), zap.Int("pid", cmd.Process.Pid)),
	}
	var readers sync.WaitGroup
	readers.Add(2)
	go func() {
		defer readers.Done()
		st.logStderr(stderr)
	}()
	go func() {
		defer readers.Done()
		st.readFrames(stdout)
	}()
	go func() {
		// Wait closes both pipes; the readers must hit EOF first.
		readers.Wait()
		err := cmd.Wait()
		st.mu.Lock()
		st.exitErr = err
		st.mu.Unlock()
		close(st.exited)
	}()

	st.logger.Info("camera stream started")
	return st, nil
}

type ffmpegStream struct {
	frame  latestFrame
	cancel context.CancelFunc
	exited chan struct{}
	logger *zap.Logger

	mu       sync.Mutex
	stopped  bool
	exitErr  error
	stopOnce sync.Once
}

func (s *ffmpegStream) Active() bool {
	s.mu.Lock()
	stopped := s.stopped
	s.mu.Unlock()
	if stopped {
		return false
	}
	select {
	case <-s.exited:
		return false
	default:
		return true
	}
}

func (s *ffmpegStream) Frame() (image.Image, bool) {
	return s.frame.get()
}

func (s *ffmpegStream) Stop() error {
	var err error
	s.stopOnce.Do(func() {
		s.mu.Lock()
		s.stopped = true
		s.mu.Unlock()

		s.cancel()
		select {
		case <-s.exited:
		case <-time.After(stopTimeout):
			err = errors.New("ffmpeg did not exit in time")
		}
		s.logger.Info("camera stream stopped")
	})
	return err
}

func (s *ffmpegStream) readFrames(r io.Reader) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 256<<10), maxFrameBytes)
	scanner.Split(splitJPEG)

	for scanner.Scan() {
		img, err := jpeg.Decode(bytes.NewReader(scanner.Bytes()))
		if err != nil {
			s.logger.Debug("skipping undecodable frame", zap.Error(err))
			continue
		}
		s.frame.set(img)
	}
	if err := scanner.Err(); err != nil {
		if s.Active() {
			s.logger.Warn("camera stream read failed", zap.Error(err))
		}
		_, _ = io.Copy(io.Discard, r)
	}
}

func (s *ffmpegStream) logStderr(r io.Reader) {
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		s.logger.Debug("ffmpeg", zap.String("line", scanner.Text()))
	}
	_, _ = io.Copy(io.Discard, r)
}

// splitJPEG is a bufio.SplitFunc yielding one complete JPEG per token from an
// MJPEG byte stream, using the SOI and EOI markers.
func splitJPEG(data []byte, atEOF bool) (advance int, token []byte, err error) {
	start := bytes.Index(data, jpegSOI)
	if start < 0 {
		if atEOF {
			return len(data), nil, nil
		}
		// keep a trailing 0xFF that may begin the next marker
		if n := len(data); n > 0 && data[n-1] == 0xFF {
			return n - 1, nil, nil
		}
		return len(data), nil, nil
	}

	end := bytes.Index(data[start+len(jpegSOI):], jpegEOI)
	if end < 0 {
		if atEOF {
			return len(data), nil, nil
		}
		return start, nil, nil
	}
	end += start + len(jpegSOI) + len(jpegEOI)
	return end, data[start:end], nil
}
