package session

import "github.com/example/face-verify/internal/report"

// Phase of the verification state machine. Ended is restartable.
type Phase string

const (
	PhaseIdle      Phase = "idle"
	PhaseAcquiring Phase = "acquiring"
	PhaseActive    Phase = "active"
	PhaseEnded     Phase = "ended"
)

type Outcome string

const (
	OutcomeSuccess Outcome = "success"
	OutcomeFailure Outcome = "failure"
	OutcomeInfo    Outcome = "info"
)

func (o Outcome) level() report.Level {
	switch o {
	case OutcomeSuccess:
		return report.LevelSuccess
	case OutcomeFailure:
		return report.LevelError
	default:
		return report.LevelInfo
	}
}

type UploadStatus string

const (
	UploadIdle      UploadStatus = "idle"
	UploadInFlight  UploadStatus = "in_flight"
	UploadSucceeded UploadStatus = "succeeded"
	UploadFailed    UploadStatus = "failed"
)

// Message is a rendered status line.
type Message struct {
	Text  string       `json:"text"`
	Level report.Level `json:"level,omitempty"`
}

// Result is the final verdict of a session.
type Result struct {
	SessionID string  `json:"session_id"`
	Message   string  `json:"message"`
	Outcome   Outcome `json:"outcome"`
}

// State is a snapshot of everything a user would see on the page.
type State struct {
	Connected     bool         `json:"connected"`
	ConnectionID  string       `json:"connection_id,omitempty"`
	UploadEnabled bool         `json:"upload_enabled"`
	VerifyEnabled bool         `json:"verify_enabled"`
	Upload        UploadStatus `json:"upload_status"`
	UploadMessage Message      `json:"upload_message"`
	Phase         Phase        `json:"phase"`
	SessionID     string       `json:"session_id,omitempty"`
	Status        Message      `json:"status"`
	Result        *Result      `json:"result,omitempty"`
	FramesSent    int          `json:"frames_sent"`
	SessionsEnded int          `json:"sessions_ended"`
}

// Ended reports whether the session with the given id has produced a result.
func (s State) Ended(sessionID string) bool {
	return s.Result != nil && s.Result.SessionID == sessionID
}

// Running reports whether a camera is being acquired or a session is active.
func (s State) Running() bool {
	return s.Phase == PhaseAcquiring || s.Phase == PhaseActive
}
