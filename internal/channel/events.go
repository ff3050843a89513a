package channel

// Event names exchanged with the verification backend.
const (
	EventStartVerify        = "start_verify"
	EventStopVerify         = "stop_verify"
	EventVideoFrame         = "video_frame"
	EventVerificationStatus = "verification_status"
	EventVerificationResult = "verification_result"
)

// Disconnect reasons reported to Handler.OnDisconnect.
const (
	ReasonServerDisconnect = "io server disconnect"
	ReasonClientDisconnect = "io client disconnect"
	ReasonTransportClose   = "transport close"
	ReasonTransportError   = "transport error"
	ReasonPingTimeout      = "ping timeout"
)

// Notification is the payload of verification_status and verification_result.
type Notification struct {
	Status  string `json:"status"`
	Message string `json:"message"`
}
