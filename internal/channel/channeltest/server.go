// Package channeltest provides an in-process Socket.IO server for tests.
package channeltest

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/gorilla/websocket"

	"github.com/example/face-verify/internal/channel"
)

// Received is an event sent by a client.
type Received struct {
	ConnectionID string
	Name         string
	Payload      json.RawMessage
}

// Server speaks enough Engine.IO v4 / Socket.IO v5 to exercise the client.
type Server struct {
	*httptest.Server

	upgrader  websocket.Upgrader
	received  chan Received
	connected chan string
	pongs     atomic.Int64
	nextID    atomic.Int64

	mu     sync.Mutex
	peers  map[*peer]struct{}
	refuse string
}

// NewServer starts a server that is closed when the test ends.
func NewServer(t testing.TB) *Server {
	t.Helper()

	s := &Server{
		received:  make(chan Received, 1024),
		connected: make(chan string, 16),
		peers:     make(map[*peer]struct{}),
	}
	s.Server = httptest.NewServer(http.HandlerFunc(s.handle))
	t.Cleanup(func() {
		s.Drop()
		s.Server.Close()
	})
	return s
}

// SocketURL is the websocket endpoint to hand to channel.Options.
func (s *Server) SocketURL() string {
	return "ws" + strings.TrimPrefix(s.Server.URL, "http") + "/socket.io/"
}

// Received yields client events in arrival order.
func (s *Server) Received() <-chan Received {
	return s.received
}

// Connected yields the id of every accepted namespace connection.
func (s *Server) Connected() <-chan string {
	return s.connected
}

// Pongs counts the pong packets answered by clients.
func (s *Server) Pongs() int64 {
	return s.pongs.Load()
}

// Refuse makes subsequent namespace connects fail with message.
func (s *Server) Refuse(message string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.refuse = message
}

// Emit sends an event to every connected client.
func (s *Server) Emit(event string, payload any) error {
	frame, err := channel.EncodeEvent("/", event, payload)
	if err != nil {
		return err
	}
	return s.broadcast(frame)
}

// Ping sends an Engine.IO ping to every client.
func (s *Server) Ping() error {
	return s.broadcast([]byte{byte(channel.EnginePing)})
}

// Kick disconnects every client at the namespace level.
func (s *Server) Kick() error {
	return s.broadcast(channel.EncodeDisconnect("/"))
}

// Drop closes every websocket without a goodbye.
func (s *Server) Drop() {
	s.mu.Lock()
	peers := make([]*peer, 0, len(s.peers))
	for p := range s.peers {
		peers = append(peers, p)
	}
	s.mu.Unlock()

	for _, p := range peers {
		_ = p.ws.Close()
	}
}

// WriteRaw sends an arbitrary frame to every client.
func (s *Server) WriteRaw(frame string) error {
	return s.broadcast([]byte(frame))
}

func (s *Server) broadcast(frame []byte) error {
	s.mu.Lock()
	peers := make([]*peer, 0, len(s.peers))
	for p := range s.peers {
		peers = append(peers, p)
	}
	s.mu.Unlock()

	if len(peers) == 0 {
		return channel.ErrNotConnected
	}
	for _, p := range peers {
		if err := p.write(frame); err != nil {
			return err
		}
	}
	return nil
}

func (s *Server) handle(w http.ResponseWriter, r *http.Request) {
	if r.URL.Query().Get("EIO") != "4" || r.URL.Query().Get("transport") != "websocket" {
		http.Error(w, "unsupported transport", http.StatusBadRequest)
		return
	}
	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}

	n := s.nextID.Add(1)
	p := &peer{ws: ws, id: fmt.Sprintf("sid-%d", n)}
	defer func() {
		s.mu.Lock()
		delete(s.peers, p)
		s.mu.Unlock()
		_ = ws.Close()
	}()

	open := fmt.Sprintf(`0{"sid":"eio-%d","upgrades":[],"pingInterval":25000,"pingTimeout":20000,"maxPayload":1000000}`, n)
	if err := p.write([]byte(open)); err != nil {
		return
	}

	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			return
		}
		pkt, err := channel.Decode(data)
		if err != nil {
			continue
		}

		switch pkt.Type {
		case channel.EnginePong:
			s.pongs.Add(1)
		case channel.EngineMessage:
			switch pkt.Message {
			case channel.MessageConnect:
				s.mu.Lock()
				refuse := s.refuse
				s.mu.Unlock()
				if refuse != "" {
					msg, _ := json.Marshal(map[string]string{"message": refuse})
					_ = p.write(append([]byte("44"), msg...))
					continue
				}
				s.mu.Lock()
				s.peers[p] = struct{}{}
				s.mu.Unlock()
				if err := p.write([]byte(fmt.Sprintf(`40{"sid":%q}`, p.id))); err != nil {
					return
				}
				select {
				case s.connected <- p.id:
				default:
				}
			case channel.MessageEvent:
				select {
				case s.received <- Received{ConnectionID: p.id, Name: pkt.Event, Payload: pkt.Payload()}:
				default:
				}
			case channel.MessageDisconnect:
				return
			}
		}
	}
}

type peer struct {
	ws  *websocket.Conn
	id  string
	wmu sync.Mutex
}

func (p *peer) write(frame []byte) error {
	p.wmu.Lock()
	defer p.wmu.Unlock()
	return p.ws.WriteMessage(websocket.TextMessage, frame)
}
