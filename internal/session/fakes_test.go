package session

import (
	"context"
	"image"
	"image/color"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/example/face-verify/internal/camera"
	"github.com/example/face-verify/internal/report"
	"github.com/example/face-verify/internal/upload"
)

const (
	testSettle   = 500 * time.Millisecond
	testDeadline = 10 * time.Second
	testInterval = 200 * time.Millisecond
)

type fakeTimer struct {
	repeat  bool
	d       time.Duration
	f       func()
	stopped bool
	fired   bool
}

type fakeTimers struct {
	mu     sync.Mutex
	timers []*fakeTimer
}

func (t *fakeTimers) add(repeat bool, d time.Duration, f func()) func() {
	ft := &fakeTimer{repeat: repeat, d: d, f: f}
	t.mu.Lock()
	t.timers = append(t.timers, ft)
	t.mu.Unlock()
	return func() {
		t.mu.Lock()
		ft.stopped = true
		t.mu.Unlock()
	}
}

func (t *fakeTimers) AfterFunc(d time.Duration, f func()) func() { return t.add(false, d, f) }
func (t *fakeTimers) Every(d time.Duration, f func()) func() { return t.add(true, d, f) }

// live counts timers with duration d that can still fire.
func (t *fakeTimers) live(d time.Duration) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	n := 0
	for _, ft := range t.timers {
		if ft.d == d && !ft.stopped && !ft.fired {
			n++
		}
	}
	return n
}

func (t *fakeTimers) liveTotal() int {
	return t.live(testSettle) + t.live(testDeadline) + t.live(testInterval)
}

func (t *fakeTimers) armed() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.timers)
}

// fire runs the callback of the newest live timer with duration d.
func (t *fakeTimers) fire(tb testing.TB, d time.Duration) {
	tb.Helper()
	t.mu.Lock()
	var target *fakeTimer
	for i := len(t.timers) - 1; i >= 0; i-- {
		ft := t.timers[i]
		if ft.d == d && !ft.stopped && !ft.fired {
			target = ft
			break
		}
	}
	if target != nil && !target.repeat {
		target.fired = true
	}
	t.mu.Unlock()
	require.NotNil(tb, target, "no live timer for %s", d)
	target.f()
}

// fireAny runs the newest timer with duration d even if it was stopped, the
// way a timer that already fired races its cancellation.
func (t *fakeTimers) fireAny(tb testing.TB, d time.Duration) {
	tb.Helper()
	t.mu.Lock()
	var target *fakeTimer
	for i := len(t.timers) - 1; i >= 0; i-- {
		if t.timers[i].d == d {
			target = t.timers[i]
			break
		}
	}
	t.mu.Unlock()
	require.NotNil(tb, target)
	target.f()
}

type emitted struct {
	event   string
	payload any
}

type fakeEmitter struct {
	mu     sync.Mutex
	events []emitted
	err    error
}

func (e *fakeEmitter) Emit(event string, payload any) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.err != nil {
		return e.err
	}
	e.events = append(e.events, emitted{event: event, payload: payload})
	return nil
}

func (e *fakeEmitter) names() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	names := make([]string, 0, len(e.events))
	for _, ev := range e.events {
		names = append(names, ev.event)
	}
	return names
}

func (e *fakeEmitter) last() emitted {
	e.mu.Lock()
	defer e.mu.Unlock()
	if len(e.events) == 0 {
		return emitted{}
	}
	return e.events[len(e.events)-1]
}

type fakeUploader struct {
	mu            sync.Mutex
	resp          *upload.Response
	err           error
	release       chan struct{}
	connectionIDs []string
}

func (u *fakeUploader) UploadTarget(ctx context.Context, target upload.Target, connectionID string) (*upload.Response, error) {
	u.mu.Lock()
	u.connectionIDs = append(u.connectionIDs, connectionID)
	release := u.release
	u.mu.Unlock()
	if release != nil {
		select {
		case <-release:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return u.resp, u.err
}

func accepted(msg string) *upload.Response {
	return &upload.Response{HTTPStatus: 200, Status: upload.StatusSuccess, Message: msg}
}

type fakeStream struct {
	mu       sync.Mutex
	inactive bool
	frame    image.Image
	hold     chan struct{}
	stops    atomic.Int32
}

func newFakeStream() *fakeStream {
	img := image.NewRGBA(image.Rect(0, 0, 8, 6))
	for y := 0; y < 6; y++ {
		for x := 0; x < 8; x++ {
			img.Set(x, y, color.RGBA{R: uint8(x * 30), G: 90, B: uint8(y * 40), A: 255})
		}
	}
	return &fakeStream{frame: img}
}

func (s *fakeStream) Active() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return !s.inactive && s.stops.Load() == 0
}

func (s *fakeStream) Frame() (image.Image, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.frame == nil {
		return nil, false
	}
	return s.frame, true
}

// Stop blocks until hold is closed when hold is set.
func (s *fakeStream) Stop() error {
	s.stops.Add(1)
	s.mu.Lock()
	hold := s.hold
	s.mu.Unlock()
	if hold != nil {
		<-hold
	}
	return nil
}

func (s *fakeStream) set(inactive bool, frame image.Image) {
	s.mu.Lock()
	s.inactive = inactive
	s.frame = frame
	s.mu.Unlock()
}

type fakeSource struct {
	mu      sync.Mutex
	streams []*fakeStream
	err     error
	release chan struct{}
	opens   int
}

func (s *fakeSource) Open(ctx context.Context) (camera.Stream, error) {
	s.mu.Lock()
	s.opens++
	release := s.release
	s.mu.Unlock()
	if release != nil {
		<-release
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return nil, s.err
	}
	stream := newFakeStream()
	s.streams = append(s.streams, stream)
	return stream, nil
}

func (s *fakeSource) stream(tb testing.TB, i int) *fakeStream {
	tb.Helper()
	s.mu.Lock()
	defer s.mu.Unlock()
	require.Greater(tb, len(s.streams), i)
	return s.streams[i]
}

type recorder struct {
	mu      sync.Mutex
	notices []report.Notice
}

func (r *recorder) Report(n report.Notice) {
	r.mu.Lock()
	r.notices = append(r.notices, n)
	r.mu.Unlock()
}

func (r *recorder) of(kind report.Kind) []report.Notice {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []report.Notice
	for _, n := range r.notices {
		if n.Kind == kind {
			out = append(out, n)
		}
	}
	return out
}

// barrier runs fn on the loop; once it is done every earlier event has been handled.
type barrier struct {
	fn   func(c *Controller)
	done chan struct{}
}

func (p barrier) apply(c *Controller) {
	if p.fn != nil {
		p.fn(c)
	}
	close(p.done)
}

type harness struct {
	c        *Controller
	timers   *fakeTimers
	emitter  *fakeEmitter
	uploader *fakeUploader
	source   *fakeSource
	reports  *recorder
	cancel   context.CancelFunc
	stopped  chan error
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{
		timers:   &fakeTimers{},
		emitter:  &fakeEmitter{},
		uploader: &fakeUploader{resp: accepted("Target image processed successfully.")},
		source:   &fakeSource{},
		reports:  &recorder{},
		stopped:  make(chan error, 1),
	}
	h.c = NewController(Options{
		FrameInterval: testInterval,
		SettleDelay:   testSettle,
		Deadline:      testDeadline,
		JPEGQuality:   80,
		UploadTimeout: time.Second,
	}, Deps{
		Uploader: h.uploader,
		Emitter:  h.emitter,
		Source:   h.source,
		Reporter: h.reports,
		Timers:   h.timers,
		Logger:   zap.NewNop(),
	})

	ctx, cancel := context.WithCancel(context.Background())
	h.cancel = cancel
	go func() { h.stopped <- h.c.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		select {
		case <-h.stopped:
		case <-time.After(2 * time.Second):
			t.Error("controller did not stop")
		}
	})
	return h
}

func (h *harness) flush(t *testing.T) {
	t.Helper()
	p := barrier{done: make(chan struct{})}
	require.True(t, h.c.post(p))
	select {
	case <-p.done:
	case <-time.After(2 * time.Second):
		t.Fatal("controller loop stalled")
	}
}

// released waits for the stream to be stopped; streams are released off the loop.
func released(t *testing.T, stream *fakeStream) {
	t.Helper()
	require.Eventually(t, func() bool { return stream.stops.Load() == 1 }, 2*time.Second, 5*time.Millisecond)
}

func (h *harness) wait(t *testing.T, pred func(State) bool) State {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	st, err := h.c.Wait(ctx, pred)
	require.NoError(t, err, "state never matched: %+v", st)
	return st
}

// ready connects and uploads a target so verification can begin.
func (h *harness) ready(t *testing.T) {
	t.Helper()
	h.c.OnConnect("sid-1")
	require.NoError(t, h.c.SubmitTarget(context.Background(), upload.Target{Name: "me.jpg", Data: []byte("jpeg")}))
	h.wait(t, func(s State) bool { return s.VerifyEnabled })
}

// start brings a session to the active phase and returns its stream.
func (h *harness) start(t *testing.T) (State, *fakeStream) {
	t.Helper()
	h.ready(t)
	require.NoError(t, h.c.BeginSession(context.Background()))
	st := h.wait(t, func(s State) bool { return s.Phase == PhaseActive })
	h.source.mu.Lock()
	n := len(h.source.streams)
	h.source.mu.Unlock()
	return st, h.source.stream(t, n-1)
}
