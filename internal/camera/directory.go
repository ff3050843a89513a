package camera

import (
	"context"
	"fmt"
	"image"
	_ "image/jpeg"
	_ "image/png"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
)

// DirectorySource replays the still images of a directory as a looping video
// feed. It stands in for a webcam on headless machines.
type DirectorySource struct {
	dir    string
	fps    int
	logger *zap.Logger
}

// NewDirectorySource returns a source cycling through dir at fps.
func NewDirectorySource(dir string, fps int, logger *zap.Logger) *DirectorySource {
	if fps <= 0 {
		fps = 15
	}
	return &DirectorySource{dir: dir, fps: fps, logger: logger.Named("camera.directory")}
}

func (s *DirectorySource) Open(ctx context.Context) (Stream, error) {
	frames, err := s.load(ctx)
	if err != nil {
		return nil, err
	}

	st := &loopStream{
		frames: frames,
		done:   make(chan struct{}),
	}
	st.frame.set(frames[0])
	go st.run(time.Second / time.Duration(s.fps))

	s.logger.Info("directory stream started", zap.String("dir", s.dir), zap.Int("frames", len(frames)))
	return st, nil
}

func (s *DirectorySource) load(ctx context.Context) ([]image.Image, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDeviceUnavailable, err)
	}

	names := make([]string, 0, len(entries))
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		switch strings.ToLower(filepath.Ext(entry.Name())) {
		case ".jpg", ".jpeg", ".png":
			names = append(names, entry.Name())
		}
	}
	sort.Strings(names)

	frames := make([]image.Image, 0, len(names))
	for _, name := range names {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		img, err := decodeFile(filepath.Join(s.dir, name))
		if err != nil {
			s.logger.Warn("skipping unreadable frame", zap.String("file", name), zap.Error(err))
			continue
		}
		frames = append(frames, img)
	}
	if len(frames) == 0 {
		return nil, fmt.Errorf("%w: %w in %s", ErrDeviceUnavailable, ErrNoFrames, s.dir)
	}
	return frames, nil
}

func decodeFile(path string) (image.Image, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	img, _, err := image.Decode(f)
	return img, err
}

type loopStream struct {
	frame    latestFrame
	frames   []image.Image
	done     chan struct{}
	stopOnce sync.Once
}

func (s *loopStream) run(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	next := 1
	for {
		select {
		case <-s.done:
			return
		case <-ticker.C:
			s.frame.set(s.frames[next%len(s.frames)])
			next++
		}
	}
}

func (s *loopStream) Active() bool {
	select {
	case <-s.done:
		return false
	default:
		return true
	}
}

func (s *loopStream) Frame() (image.Image, bool) {
	if !s.Active() {
		return nil, false
	}
	return s.frame.get()
}

func (s *loopStream) Stop() error {
	s.stopOnce.Do(func() { close(s.done) })
	return nil
}
