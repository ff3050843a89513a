// Package session drives face verification: it uploads the target image,
// acquires the camera, streams frames to the backend and settles on exactly
// one result per session.
//
// All state is owned by the goroutine running Controller.Run. Channel
// callbacks, timers, background uploads and user commands reach it as typed
// events, so no handler ever races another.
package session

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/example/face-verify/internal/camera"
	"github.com/example/face-verify/internal/config"
	"github.com/example/face-verify/internal/report"
	"github.com/example/face-verify/internal/upload"
)

// Messages shown to the user.
const (
	MsgReady                  = "Ready to upload target image."
	MsgDisconnected           = "Disconnected. Please refresh."
	MsgConnectionError        = "Connection Error. Please refresh."
	MsgSelectFile             = "Please select an image file."
	MsgNotConnected           = "Error: Not connected to server. Please wait or refresh."
	MsgUploading              = "Uploading and processing target image..."
	MsgUnknownUploadError     = "Error: Unknown error during upload."
	MsgStartingCamera         = "Attempting to start camera..."
	MsgCameraActive           = "Camera active. Starting verification..."
	MsgEnded                  = "Verification ended."
	MsgClientTimeout          = "Person detection failed (client timeout)."
	MsgDisconnectedMidSession = "Disconnected from server during verification."
	MsgCancelled              = "Verification cancelled."
)

var (
	ErrNoTarget       = errors.New("no target image selected")
	ErrNotConnected   = errors.New("not connected to server")
	ErrUploadInFlight = errors.New("upload already in progress")
	ErrSessionActive  = errors.New("verification already in progress")
	ErrNotReady       = errors.New("target image not uploaded for this connection")
	ErrStopped        = errors.New("controller is not running")
	ErrAlreadyRunning = errors.New("controller is already running")
)

// Uploader sends the target image for a connection.
type Uploader interface {
	UploadTarget(ctx context.Context, target upload.Target, connectionID string) (*upload.Response, error)
}

// Emitter sends events on the realtime channel without blocking.
type Emitter interface {
	Emit(event string, payload any) error
}

// Options tunes session timing and frame encoding.
type Options struct {
	FrameInterval time.Duration
	SettleDelay   time.Duration
	Deadline      time.Duration
	JPEGQuality   int
	MaxFrameWidth int
	UploadTimeout time.Duration
}

// OptionsFromConfig maps configuration onto controller options.
func OptionsFromConfig(cfg *config.Config) Options {
	return Options{
		FrameInterval: cfg.Session.FrameInterval,
		SettleDelay:   cfg.Session.SettleDelay,
		Deadline:      cfg.Session.Deadline,
		JPEGQuality:   cfg.Session.JPEGQuality,
		MaxFrameWidth: cfg.Session.MaxFrameWidth,
		UploadTimeout: cfg.Upload.Timeout,
	}
}

// Deps are the collaborators of a Controller. Timers, Reporter and Logger
// are optional.
type Deps struct {
	Uploader Uploader
	Emitter  Emitter
	Source   camera.Source
	Reporter report.Reporter
	Timers   Timers
	Logger   *zap.Logger
}

// Controller is the verification session state machine.
type Controller struct {
	opts     Options
	uploader Uploader
	emitter  Emitter
	source   camera.Source
	reporter report.Reporter
	timers   Timers
	logger   *zap.Logger

	events   chan event
	done     chan struct{}
	running  atomic.Bool
	releases sync.WaitGroup

	// Owned by the Run goroutine.
	ctx           context.Context
	connected     bool
	connectionID  string
	uploadStatus  UploadStatus
	uploadMessage Message
	pending       *pendingStart
	active        *activeSession
	lastSessionID string
	status        Message
	result        *Result
	framesSent    int
	sessionsEnded int

	stateMu sync.Mutex
	state   State
	changed chan struct{}

	metrics metrics
}

type pendingStart struct {
	id string
}

type activeSession struct {
	id           string
	stream       camera.Stream
	startedAt    time.Time
	stopSettle   func()
	stopDeadline func()
	stopCapture  func()
}

// stopTimers cancels capture, settle and deadline callbacks.
func (s *activeSession) stopTimers() {
	for _, stop := range []*func(){&s.stopCapture, &s.stopSettle, &s.stopDeadline} {
		if *stop != nil {
			(*stop)()
			*stop = nil
		}
	}
}

// NewController wires a controller. Call Run to start it.
func NewController(opts Options, deps Deps) *Controller {
	if deps.Timers == nil {
		deps.Timers = systemTimers{}
	}
	if deps.Reporter == nil {
		deps.Reporter = report.Fanout(nil)
	}
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	if opts.JPEGQuality <= 0 {
		opts.JPEGQuality = 80
	}

	c := &Controller{
		opts:         opts,
		uploader:     deps.Uploader,
		emitter:      deps.Emitter,
		source:       deps.Source,
		reporter:     deps.Reporter,
		timers:       deps.Timers,
		logger:       deps.Logger.Named("session"),
		events:       make(chan event, 64),
		done:         make(chan struct{}),
		uploadStatus: UploadIdle,
		changed:      make(chan struct{}),
	}
	c.state = c.snapshot()
	return c
}

// Run handles events until ctx is cancelled. An active session is ended
// with MsgCancelled on the way out.
func (c *Controller) Run(ctx context.Context) error {
	if !c.running.CompareAndSwap(false, true) {
		return ErrAlreadyRunning
	}
	defer c.drain()

	c.ctx = ctx
	c.logger.Info("controller started")
	for {
		select {
		case <-ctx.Done():
			c.shutdown()
			c.publish()
			c.releases.Wait()
			c.logger.Info("controller stopped")
			return nil
		case ev := <-c.events:
			ev.apply(c)
			c.publish()
			if r, ok := ev.(interface{ respond() }); ok {
				r.respond()
			}
		}
	}
}

// SubmitTarget starts uploading the target image for the current
// connection. A nil error means the upload is in flight; its outcome shows
// up in State.
func (c *Controller) SubmitTarget(ctx context.Context, target upload.Target) error {
	ev := &uploadRequested{command: newCommand(), target: target}
	return c.request(ctx, ev, ev.reply)
}

// BeginSession requests the camera and starts a verification session once
// it is acquired. A nil error means acquisition has started.
func (c *Controller) BeginSession(ctx context.Context) error {
	ev := &beginRequested{command: newCommand()}
	return c.request(ctx, ev, ev.reply)
}

// State returns the latest published snapshot.
func (c *Controller) State() State {
	c.stateMu.Lock()
	defer c.stateMu.Unlock()
	return c.state
}

// Wait blocks until pred holds for a published snapshot or ctx is done.
func (c *Controller) Wait(ctx context.Context, pred func(State) bool) (State, error) {
	for {
		c.stateMu.Lock()
		st, changed := c.state, c.changed
		c.stateMu.Unlock()
		if pred(st) {
			return st, nil
		}
		select {
		case <-ctx.Done():
			return st, ctx.Err()
		case <-changed:
		}
	}
}

func (c *Controller) request(ctx context.Context, ev event, reply <-chan error) error {
	select {
	case c.events <- ev:
	case <-ctx.Done():
		return ctx.Err()
	case <-c.done:
		return ErrStopped
	}
	select {
	case err := <-reply:
		return err
	case <-ctx.Done():
		return ctx.Err()
	case <-c.done:
		return ErrStopped
	}
}

// drain marks the loop as gone and releases cameras acquired for sessions
// that never started.
func (c *Controller) drain() {
	close(c.done)
	for {
		select {
		case ev := <-c.events:
			if ready, ok := ev.(cameraReady); ok {
				_ = ready.stream.Stop()
			}
		default:
			return
		}
	}
}

func (c *Controller) stopped() bool {
	select {
	case <-c.done:
		return true
	default:
		return false
	}
}

// post delivers an event to the loop. It reports false once the loop is gone.
func (c *Controller) post(ev event) bool {
	select {
	case <-c.done:
		return false
	default:
	}
	select {
	case c.events <- ev:
		return true
	case <-c.done:
		return false
	}
}

// tryPost drops the event when the queue is full.
func (c *Controller) tryPost(ev event) {
	select {
	case c.events <- ev:
	default:
	}
}

func (c *Controller) publish() {
	st := c.snapshot()
	c.stateMu.Lock()
	c.state = st
	close(c.changed)
	c.changed = make(chan struct{})
	c.stateMu.Unlock()
}

func (c *Controller) snapshot() State {
	st := State{
		Connected:     c.connected,
		ConnectionID:  c.connectionID,
		Upload:        c.uploadStatus,
		UploadMessage: c.uploadMessage,
		Status:        c.status,
		FramesSent:    c.framesSent,
		SessionsEnded: c.sessionsEnded,
		SessionID:     c.lastSessionID,
	}
	st.UploadEnabled = c.connected && c.uploadStatus != UploadInFlight
	st.VerifyEnabled = c.connected && c.uploadStatus == UploadSucceeded && c.pending == nil && c.active == nil

	switch {
	case c.pending != nil:
		st.Phase = PhaseAcquiring
		st.SessionID = c.pending.id
	case c.active != nil:
		st.Phase = PhaseActive
		st.SessionID = c.active.id
	case c.sessionsEnded > 0:
		st.Phase = PhaseEnded
	default:
		st.Phase = PhaseIdle
	}
	if c.result != nil {
		r := *c.result
		st.Result = &r
	}
	return st
}

func (c *Controller) notify(kind report.Kind, sessionID, message string, level report.Level) {
	c.reporter.Report(report.Notice{
		SessionID: sessionID,
		Kind:      kind,
		Message:   message,
		Level:     level,
		At:        time.Now().UTC(),
	})
}

func (c *Controller) setUploadMessage(text string, level report.Level) {
	c.uploadMessage = Message{Text: text, Level: level}
	c.notify(report.KindUpload, "", text, level)
}

func (c *Controller) setStatus(sessionID, text string, level report.Level) {
	c.status = Message{Text: text, Level: level}
	c.notify(report.KindStatus, sessionID, text, level)
}
