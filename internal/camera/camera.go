// Package camera acquires video streams and turns their frames into the
// data URLs sent over the messaging channel.
package camera

import (
	"context"
	"errors"
	"image"
	"sync"
)

var (
	ErrDeviceUnavailable = errors.New("camera device unavailable")
	ErrNoFrames          = errors.New("no usable frames")
)

// Source acquires a camera. Open corresponds to the permission prompt: it
// either yields a live stream or fails without leaving anything running.
type Source interface {
	Open(ctx context.Context) (Stream, error)
}

// Stream is an acquired camera.
type Stream interface {
	// Active reports whether the stream still delivers frames.
	Active() bool
	// Frame returns the most recent frame. ok is false until a frame with
	// known dimensions has arrived.
	Frame() (img image.Image, ok bool)
	// Stop releases the device. Calling it more than once is harmless.
	Stop() error
}

// latestFrame keeps only the newest decoded frame.
type latestFrame struct {
	mu  sync.RWMutex
	img image.Image
}

func (l *latestFrame) set(img image.Image) {
	l.mu.Lock()
	l.img = img
	l.mu.Unlock()
}

func (l *latestFrame) get() (image.Image, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if l.img == nil {
		return nil, false
	}
	b := l.img.Bounds()
	if b.Dx() == 0 || b.Dy() == 0 {
		return nil, false
	}
	return l.img, true
}
