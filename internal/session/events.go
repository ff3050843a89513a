package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/example/face-verify/internal/camera"
	"github.com/example/face-verify/internal/channel"
	"github.com/example/face-verify/internal/logging"
	"github.com/example/face-verify/internal/report"
	"github.com/example/face-verify/internal/upload"
)

// event is a stimulus handled on the controller loop.
type event interface {
	apply(c *Controller)
}

type (
	connected       struct{ id string }
	disconnected    struct{ reason string }
	connectFailed   struct{ err error }
	backendStatus   struct{ payload json.RawMessage }
	backendResult   struct{ payload json.RawMessage }
	settleElapsed   struct{ sessionID string }
	captureTick     struct{ sessionID string }
	deadlineExpired struct{ sessionID string }
)

type uploadFinished struct {
	connectionID string
	resp         *upload.Response
	err          error
}

type cameraReady struct {
	sessionID string
	stream    camera.Stream
}

type cameraFailed struct {
	sessionID string
	err       error
}

func (e connected) apply(c *Controller)       { c.onConnect(e.id) }
func (e disconnected) apply(c *Controller)    { c.onDisconnect(e.reason) }
func (e connectFailed) apply(c *Controller)   { c.onConnectError(e.err) }
func (e backendStatus) apply(c *Controller)   { c.onStatus(e.payload) }
func (e backendResult) apply(c *Controller)   { c.onResult(e.payload) }
func (e uploadFinished) apply(c *Controller)  { c.onUploadFinished(e) }
func (e cameraReady) apply(c *Controller)     { c.onCameraReady(e.sessionID, e.stream) }
func (e cameraFailed) apply(c *Controller)    { c.onCameraFailed(e.sessionID, e.err) }
func (e settleElapsed) apply(c *Controller)   { c.onSettle(e.sessionID) }
func (e captureTick) apply(c *Controller)     { c.captureAndSendFrame(e.sessionID) }
func (e deadlineExpired) apply(c *Controller) { c.onDeadline(e.sessionID) }

// command is a user request. Its reply is sent after the resulting state
// has been published.
type command struct {
	reply chan error
	err   error
}

func newCommand() command { return command{reply: make(chan error, 1)} }

func (cmd *command) respond() { cmd.reply <- cmd.err }

type uploadRequested struct {
	command
	target upload.Target
}

type beginRequested struct {
	command
}

func (e *uploadRequested) apply(c *Controller) { e.err = c.onSubmitTarget(e.target) }
func (e *beginRequested) apply(c *Controller)  { e.err = c.onBeginSession() }

// OnConnect implements channel.Handler.
func (c *Controller) OnConnect(id string) { c.post(connected{id: id}) }

// OnDisconnect implements channel.Handler.
func (c *Controller) OnDisconnect(reason string) { c.post(disconnected{reason: reason}) }

// OnConnectError implements channel.Handler.
func (c *Controller) OnConnectError(err error) { c.post(connectFailed{err: err}) }

// OnEvent implements channel.Handler.
func (c *Controller) OnEvent(name string, payload json.RawMessage) {
	switch name {
	case channel.EventVerificationStatus:
		c.post(backendStatus{payload: payload})
	case channel.EventVerificationResult:
		c.post(backendResult{payload: payload})
	default:
		c.logger.Debug("ignoring event", zap.String("event", name))
	}
}

var _ channel.Handler = (*Controller)(nil)

func (c *Controller) onConnect(id string) {
	c.connected = true
	c.connectionID = id
	c.logger.Info("connected", zap.String("connection_id", id))
	c.setUploadMessage(MsgReady, report.LevelInfo)
}

func (c *Controller) onDisconnect(reason string) {
	c.logger.Warn("disconnected", zap.String("reason", reason), zap.String("connection_id", c.connectionID))
	c.dropConnection()
	c.setUploadMessage(MsgDisconnected, report.LevelError)
}

func (c *Controller) onConnectError(err error) {
	c.logger.Error("connection error", zap.Error(err))
	c.dropConnection()
	c.setUploadMessage(MsgConnectionError, report.LevelError)
}

// dropConnection disables both controls. An upload only counts for the
// connection it was made on.
func (c *Controller) dropConnection() {
	c.connected = false
	c.connectionID = ""
	if c.uploadStatus == UploadSucceeded {
		c.uploadStatus = UploadIdle
	}
	if c.pending != nil {
		c.logger.Info("abandoning camera acquisition", zap.String("session_id", c.pending.id))
		c.pending = nil
	}
	if c.active != nil {
		c.endSession(MsgDisconnectedMidSession, OutcomeFailure)
	}
}

func (c *Controller) onSubmitTarget(target upload.Target) error {
	if len(target.Data) == 0 {
		c.setUploadMessage(MsgSelectFile, report.LevelError)
		return ErrNoTarget
	}
	if !c.connected || c.connectionID == "" {
		c.setUploadMessage(MsgNotConnected, report.LevelError)
		return ErrNotConnected
	}
	if c.uploadStatus == UploadInFlight {
		return ErrUploadInFlight
	}

	c.uploadStatus = UploadInFlight
	c.setUploadMessage(MsgUploading, report.LevelInfo)

	connectionID := c.connectionID
	ctx := c.ctx
	go func() {
		if c.opts.UploadTimeout > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, c.opts.UploadTimeout)
			defer cancel()
		}
		resp, err := c.uploader.UploadTarget(ctx, target, connectionID)
		c.post(uploadFinished{connectionID: connectionID, resp: resp, err: err})
	}()
	return nil
}

func (c *Controller) onUploadFinished(e uploadFinished) {
	opLogger := c.logger.With(zap.String("connection_id", e.connectionID))
	switch {
	case e.err != nil:
		c.uploadStatus = UploadFailed
		opLogger.Warn("target upload failed", zap.Error(e.err))
		c.setUploadMessage(uploadErrorMessage(e.err), report.LevelError)
	case !e.resp.Accepted():
		c.uploadStatus = UploadFailed
		opLogger.Warn("target rejected", zap.Int("http_status", e.resp.HTTPStatus), zap.String("message", e.resp.Message))
		msg := MsgUnknownUploadError
		if e.resp.Message != "" {
			msg = "Error: " + e.resp.Message
		}
		c.setUploadMessage(msg, report.LevelError)
	case !c.connected || e.connectionID != c.connectionID:
		// Accepted for a connection that is gone; the new one needs its own upload.
		c.uploadStatus = UploadIdle
		opLogger.Info("discarding upload for stale connection")
	default:
		c.uploadStatus = UploadSucceeded
		opLogger.Info("target accepted")
		c.setUploadMessage(e.resp.Message, report.LevelSuccess)
	}
}

func uploadErrorMessage(err error) string {
	for _, known := range []error{upload.ErrEmptyTarget, upload.ErrTargetTooLarge, upload.ErrUnsupportedMedia} {
		if errors.Is(err, known) {
			return "Error: " + known.Error()
		}
	}
	return fmt.Sprintf("Network or server error: %v", err)
}

// onBeginSession starts camera acquisition. Open runs off the loop and
// reports back with cameraReady or cameraFailed.
func (c *Controller) onBeginSession() error {
	if c.pending != nil || c.active != nil {
		return ErrSessionActive
	}
	if !c.connected {
		return ErrNotConnected
	}
	if c.uploadStatus != UploadSucceeded {
		return ErrNotReady
	}

	id := uuid.NewString()
	c.pending = &pendingStart{id: id}
	c.lastSessionID = id
	c.result = nil
	c.framesSent = 0
	c.setStatus(id, MsgStartingCamera, report.LevelInfo)

	ctx := c.ctx
	go func() {
		stream, err := c.source.Open(ctx)
		if err != nil {
			c.post(cameraFailed{sessionID: id, err: err})
			return
		}
		c.handOff(id, stream)
	}()
	return nil
}

// handOff passes an acquired stream to the loop, or stops it when the loop
// has exited, including an exit that races the send.
func (c *Controller) handOff(id string, stream camera.Stream) {
	if !c.post(cameraReady{sessionID: id, stream: stream}) || c.stopped() {
		_ = stream.Stop()
	}
}

// release stops a stream off the loop; Stop may block on a device. Run
// waits for outstanding releases before returning.
func (c *Controller) release(stream camera.Stream, logger *zap.Logger) {
	c.releases.Add(1)
	go func() {
		defer c.releases.Done()
		if err := stream.Stop(); err != nil {
			logger.Warn("failed to stop camera", zap.Error(err))
		}
	}()
}

func (c *Controller) onCameraReady(id string, stream camera.Stream) {
	if c.pending == nil || c.pending.id != id {
		opLogger := logging.WithOperation(c.logger, "session.camera", id)
		opLogger.Info("releasing camera for abandoned session")
		c.release(stream, opLogger)
		return
	}
	c.pending = nil

	s := &activeSession{id: id, stream: stream, startedAt: time.Now()}
	c.active = s
	c.setStatus(id, MsgCameraActive, report.LevelInfo)

	opLogger := logging.WithOperation(c.logger, "session.begin", id)
	if err := c.emitter.Emit(channel.EventStartVerify, nil); err != nil {
		opLogger.Warn("failed to emit start_verify", zap.Error(err))
	}
	s.stopSettle = c.timers.AfterFunc(c.opts.SettleDelay, func() { c.post(settleElapsed{sessionID: id}) })
	s.stopDeadline = c.timers.AfterFunc(c.opts.Deadline, func() { c.post(deadlineExpired{sessionID: id}) })
	opLogger.Info("verification session started")
}

func (c *Controller) onCameraFailed(id string, err error) {
	if c.pending == nil || c.pending.id != id {
		return
	}
	c.pending = nil
	logging.WithOperation(c.logger, "session.camera", id).Error("camera acquisition failed", zap.Error(err))
	c.setStatus(id, fmt.Sprintf("Error accessing camera: %v. Check permissions.", err), report.LevelError)
}

func (c *Controller) current(id string) *activeSession {
	if c.active == nil || c.active.id != id {
		return nil
	}
	return c.active
}

func (c *Controller) onSettle(id string) {
	s := c.current(id)
	if s == nil {
		return
	}
	s.stopSettle = nil
	if !s.stream.Active() {
		logging.WithOperation(c.logger, "session.settle", id).Warn("stream inactive after settle; not capturing")
		return
	}
	s.stopCapture = c.timers.Every(c.opts.FrameInterval, func() { c.tryPost(captureTick{sessionID: id}) })
}

// captureAndSendFrame encodes the current frame and emits it. Ticks that
// find the stream inactive or without dimensions are skipped.
func (c *Controller) captureAndSendFrame(id string) {
	s := c.current(id)
	if s == nil || !s.stream.Active() {
		return
	}
	img, ok := s.stream.Frame()
	if !ok {
		return
	}
	dataURL, err := camera.EncodeDataURL(img, c.opts.JPEGQuality, c.opts.MaxFrameWidth)
	if err != nil {
		logging.WithOperation(c.logger, "session.capture", id).Debug("skipping frame", zap.Error(err))
		return
	}
	if err := c.emitter.Emit(channel.EventVideoFrame, dataURL); err != nil {
		logging.WithOperation(c.logger, "session.capture", id).Debug("frame not sent", zap.Error(err))
		return
	}
	c.framesSent++
}

func (c *Controller) onDeadline(id string) {
	s := c.current(id)
	if s == nil {
		return
	}
	s.stopDeadline = nil
	if err := c.emitter.Emit(channel.EventStopVerify, nil); err != nil {
		logging.WithOperation(c.logger, "session.deadline", id).Warn("failed to emit stop_verify", zap.Error(err))
	}
	c.endSession(MsgClientTimeout, OutcomeFailure)
}

func (c *Controller) onStatus(payload json.RawMessage) {
	var n channel.Notification
	if err := json.Unmarshal(payload, &n); err != nil {
		c.logger.Warn("undecodable verification_status", zap.Error(err))
		return
	}
	level := report.LevelInfo
	if n.Status == "error" {
		level = report.LevelError
	}
	sessionID := ""
	if c.active != nil {
		sessionID = c.active.id
	}
	c.setStatus(sessionID, n.Message, level)
}

func (c *Controller) onResult(payload json.RawMessage) {
	var n channel.Notification
	if err := json.Unmarshal(payload, &n); err != nil {
		c.logger.Warn("undecodable verification_result", zap.Error(err))
		return
	}
	if c.active == nil {
		c.logger.Info("verification_result after session ended", zap.String("status", n.Status))
		return
	}
	outcome := OutcomeFailure
	if n.Status == upload.StatusSuccess {
		outcome = OutcomeSuccess
	}
	c.endSession(n.Message, outcome)
}

// endSession tears down the active session. Later calls for the same session
// do nothing.
func (c *Controller) endSession(message string, outcome Outcome) {
	s := c.active
	if s == nil {
		return
	}
	c.active = nil

	s.stopTimers()
	opLogger := logging.WithOperation(c.logger, "session.end", s.id)
	c.release(s.stream, opLogger)

	c.sessionsEnded++
	c.result = &Result{SessionID: s.id, Message: message, Outcome: outcome}
	c.setStatus(s.id, MsgEnded, report.LevelInfo)
	c.notify(report.KindResult, s.id, message, outcome.level())
	elapsed := time.Since(s.startedAt)
	c.metrics.record(outcome, message, c.framesSent, elapsed)
	opLogger.Info("verification session ended",
		zap.String("outcome", string(outcome)),
		zap.String("message", message),
		zap.Int("frames_sent", c.framesSent),
		zap.Duration("duration", elapsed),
	)
}

func (c *Controller) shutdown() {
	c.pending = nil
	if c.active == nil {
		return
	}
	if err := c.emitter.Emit(channel.EventStopVerify, nil); err != nil {
		c.logger.Debug("stop_verify not sent on shutdown", zap.Error(err))
	}
	c.endSession(MsgCancelled, OutcomeInfo)
}
