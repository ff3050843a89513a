package session

import (
	"sync"
	"time"
)

// Timers schedules the controller's settle, capture and deadline callbacks.
// The returned stop functions must be idempotent.
type Timers interface {
	AfterFunc(d time.Duration, f func()) (stop func())
	Every(d time.Duration, f func()) (stop func())
}

type systemTimers struct{}

func (systemTimers) AfterFunc(d time.Duration, f func()) func() {
	t := time.AfterFunc(d, f)
	return func() { t.Stop() }
}

func (systemTimers) Every(d time.Duration, f func()) func() {
	ticker := time.NewTicker(d)
	done := make(chan struct{})
	go func() {
		for {
			select {
			case <-done:
				return
			case <-ticker.C:
				f()
			}
		}
	}()

	var once sync.Once
	return func() {
		once.Do(func() {
			ticker.Stop()
			close(done)
		})
	}
}
