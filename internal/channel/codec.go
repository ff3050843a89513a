package channel

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
)

// EngineType is the first byte of every Engine.IO v4 text frame.
type EngineType byte

const (
	EngineOpen    EngineType = '0'
	EngineClose   EngineType = '1'
	EnginePing    EngineType = '2'
	EnginePong    EngineType = '3'
	EngineMessage EngineType = '4'
	EngineUpgrade EngineType = '5'
	EngineNoop    EngineType = '6'
)

// MessageType is the Socket.IO v5 packet type carried by an Engine.IO message.
type MessageType byte

const (
	MessageConnect      MessageType = '0'
	MessageDisconnect   MessageType = '1'
	MessageEvent        MessageType = '2'
	MessageAck          MessageType = '3'
	MessageConnectError MessageType = '4'
	MessageBinaryEvent  MessageType = '5'
	MessageBinaryAck    MessageType = '6'
)

const defaultNamespace = "/"

var ErrMalformedPacket = errors.New("malformed packet")

// Packet is one decoded frame. Message, Namespace, AckID, Event and Args are
// only meaningful when Type is EngineMessage.
type Packet struct {
	Type      EngineType
	Message   MessageType
	Namespace string
	AckID     int
	Data      json.RawMessage
	Event     string
	Args      []json.RawMessage
}

// Payload returns the first event argument, or nil when the event has none.
func (p Packet) Payload() json.RawMessage {
	if len(p.Args) == 0 {
		return nil
	}
	return p.Args[0]
}

// OpenPayload is sent by the server right after the websocket is accepted.
type OpenPayload struct {
	SID          string   `json:"sid"`
	Upgrades     []string `json:"upgrades"`
	PingInterval int      `json:"pingInterval"`
	PingTimeout  int      `json:"pingTimeout"`
	MaxPayload   int      `json:"maxPayload"`
}

// ConnectPayload acknowledges a namespace connect and carries the socket id.
type ConnectPayload struct {
	SID string `json:"sid"`
}

// Decode parses a single text frame.
func Decode(frame []byte) (Packet, error) {
	if len(frame) == 0 {
		return Packet{}, fmt.Errorf("%w: empty frame", ErrMalformedPacket)
	}

	pkt := Packet{Type: EngineType(frame[0]), AckID: -1}
	rest := frame[1:]

	switch pkt.Type {
	case EngineOpen, EngineClose, EnginePing, EnginePong, EngineUpgrade, EngineNoop:
		if len(rest) > 0 {
			pkt.Data = json.RawMessage(rest)
		}
		return pkt, nil
	case EngineMessage:
	default:
		return Packet{}, fmt.Errorf("%w: unknown engine type %q", ErrMalformedPacket, frame[0])
	}

	if len(rest) == 0 {
		return Packet{}, fmt.Errorf("%w: message without socket type", ErrMalformedPacket)
	}
	pkt.Message = MessageType(rest[0])
	if pkt.Message < MessageConnect || pkt.Message > MessageBinaryAck {
		return Packet{}, fmt.Errorf("%w: unknown message type %q", ErrMalformedPacket, rest[0])
	}
	rest = rest[1:]

	if pkt.Message == MessageBinaryEvent || pkt.Message == MessageBinaryAck {
		return Packet{}, fmt.Errorf("%w: binary packets are not supported", ErrMalformedPacket)
	}

	pkt.Namespace = defaultNamespace
	if len(rest) > 0 && rest[0] == '/' {
		end := bytes.IndexByte(rest, ',')
		if end < 0 {
			pkt.Namespace = string(rest)
			rest = nil
		} else {
			pkt.Namespace = string(rest[:end])
			rest = rest[end+1:]
		}
	}

	digits := 0
	for digits < len(rest) && rest[digits] >= '0' && rest[digits] <= '9' {
		digits++
	}
	if digits > 0 {
		id, err := strconv.Atoi(string(rest[:digits]))
		if err != nil {
			return Packet{}, fmt.Errorf("%w: ack id: %v", ErrMalformedPacket, err)
		}
		pkt.AckID = id
		rest = rest[digits:]
	}

	if len(rest) > 0 {
		pkt.Data = json.RawMessage(rest)
	}

	if pkt.Message == MessageEvent || pkt.Message == MessageAck {
		if len(rest) == 0 {
			return Packet{}, fmt.Errorf("%w: event without body", ErrMalformedPacket)
		}
		if err := json.Unmarshal(rest, &pkt.Args); err != nil {
			return Packet{}, fmt.Errorf("%w: event body: %v", ErrMalformedPacket, err)
		}
		if pkt.Message == MessageEvent {
			if len(pkt.Args) == 0 {
				return Packet{}, fmt.Errorf("%w: event without name", ErrMalformedPacket)
			}
			if err := json.Unmarshal(pkt.Args[0], &pkt.Event); err != nil {
				return Packet{}, fmt.Errorf("%w: event name: %v", ErrMalformedPacket, err)
			}
			pkt.Args = pkt.Args[1:]
		}
	}

	return pkt, nil
}

// EncodeConnect builds the namespace connect request.
func EncodeConnect(namespace string) []byte {
	return encodeMessage(MessageConnect, namespace, nil)
}

// EncodeDisconnect builds a namespace disconnect.
func EncodeDisconnect(namespace string) []byte {
	return encodeMessage(MessageDisconnect, namespace, nil)
}

// EncodeEvent builds an event frame. A nil payload sends the bare event name.
func EncodeEvent(namespace, event string, payload any) ([]byte, error) {
	if event == "" {
		return nil, fmt.Errorf("%w: empty event name", ErrMalformedPacket)
	}
	args := []any{event}
	if payload != nil {
		args = append(args, payload)
	}
	body, err := json.Marshal(args)
	if err != nil {
		return nil, fmt.Errorf("encode event %s: %w", event, err)
	}
	return encodeMessage(MessageEvent, namespace, body), nil
}

// EncodePong answers an Engine.IO ping.
func EncodePong() []byte {
	return []byte{byte(EnginePong)}
}

func encodeMessage(kind MessageType, namespace string, body []byte) []byte {
	buf := make([]byte, 0, 2+len(namespace)+1+len(body))
	buf = append(buf, byte(EngineMessage), byte(kind))
	if namespace != "" && namespace != defaultNamespace {
		buf = append(buf, namespace...)
		buf = append(buf, ',')
	}
	return append(buf, body...)
}
