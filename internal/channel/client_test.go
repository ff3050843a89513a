package channel_test

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/example/face-verify/internal/channel"
	"github.com/example/face-verify/internal/channel/channeltest"
)

type recordedEvent struct {
	name    string
	payload json.RawMessage
}

type recordingHandler struct {
	mu          sync.Mutex
	connects    []string
	disconnects []string
	errs        []error
	events      []recordedEvent
}

func (h *recordingHandler) OnConnect(id string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.connects = append(h.connects, id)
}

func (h *recordingHandler) OnDisconnect(reason string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.disconnects = append(h.disconnects, reason)
}

func (h *recordingHandler) OnConnectError(err error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.errs = append(h.errs, err)
}

func (h *recordingHandler) OnEvent(name string, payload json.RawMessage) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.events = append(h.events, recordedEvent{name: name, payload: payload})
}

func (h *recordingHandler) snapshot() recordingHandler {
	h.mu.Lock()
	defer h.mu.Unlock()
	return recordingHandler{
		connects:    append([]string(nil), h.connects...),
		disconnects: append([]string(nil), h.disconnects...),
		errs:        append([]error(nil), h.errs...),
		events:      append([]recordedEvent(nil), h.events...),
	}
}

func newClient(url string, attempts int) *channel.Client {
	return channel.NewClient(channel.Options{
		URL:               url,
		HandshakeTimeout:  time.Second,
		ReconnectAttempts: attempts,
		ReconnectDelay:    10 * time.Millisecond,
		ReconnectMaxDelay: 20 * time.Millisecond,
		WriteQueue:        8,
	}, zap.NewNop())
}

func startClient(t *testing.T, client *channel.Client, h channel.Handler) (context.CancelFunc, <-chan error) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- client.Run(ctx, h) }()
	t.Cleanup(func() {
		cancel()
		select {
		case <-done:
		case <-time.After(2 * time.Second):
		}
	})
	return cancel, done
}

func TestClientConnectsAndExchangesEvents(t *testing.T) {
	server := channeltest.NewServer(t)
	client := newClient(server.SocketURL(), 0)
	h := &recordingHandler{}
	startClient(t, client, h)

	var id string
	select {
	case id = <-server.Connected():
	case <-time.After(2 * time.Second):
		t.Fatal("client did not connect")
	}
	require.Eventually(t, client.Connected, time.Second, 5*time.Millisecond)
	assert.Equal(t, id, client.ID())

	require.NoError(t, client.Emit(channel.EventStartVerify, nil))
	require.NoError(t, client.Emit(channel.EventVideoFrame, "data:image/jpeg;base64,AAAA"))

	first := <-server.Received()
	assert.Equal(t, channel.EventStartVerify, first.Name)
	assert.Equal(t, id, first.ConnectionID)
	second := <-server.Received()
	assert.Equal(t, channel.EventVideoFrame, second.Name)
	assert.JSONEq(t, `"data:image/jpeg;base64,AAAA"`, string(second.Payload))

	require.NoError(t, server.Emit(channel.EventVerificationStatus, channel.Notification{Status: "started", Message: "go"}))
	require.NoError(t, server.Emit(channel.EventVerificationResult, channel.Notification{Status: "success", Message: "Match found"}))

	require.Eventually(t, func() bool { return len(h.snapshot().events) == 2 }, time.Second, 5*time.Millisecond)
	events := h.snapshot().events
	assert.Equal(t, channel.EventVerificationStatus, events[0].name)
	assert.Equal(t, channel.EventVerificationResult, events[1].name)

	var note channel.Notification
	require.NoError(t, json.Unmarshal(events[1].payload, &note))
	assert.Equal(t, "Match found", note.Message)
}

func TestClientAnswersPing(t *testing.T) {
	server := channeltest.NewServer(t)
	client := newClient(server.SocketURL(), 0)
	startClient(t, client, &recordingHandler{})

	<-server.Connected()
	require.NoError(t, server.Ping())
	require.Eventually(t, func() bool { return server.Pongs() == 1 }, time.Second, 5*time.Millisecond)
}

func TestClientEmitWhileDisconnected(t *testing.T) {
	client := newClient("ws://127.0.0.1:1/socket.io/", 0)
	assert.ErrorIs(t, client.Emit(channel.EventStartVerify, nil), channel.ErrNotConnected)
	assert.False(t, client.Connected())
}

func TestClientReportsConnectError(t *testing.T) {
	server := channeltest.NewServer(t)
	server.Refuse("not authorized")
	client := newClient(server.SocketURL(), 0)
	h := &recordingHandler{}

	_, done := startClient(t, client, h)
	select {
	case err := <-done:
		assert.ErrorIs(t, err, channel.ErrReconnectExhausted)
	case <-time.After(2 * time.Second):
		t.Fatal("run did not return")
	}

	snap := h.snapshot()
	require.Len(t, snap.errs, 1)
	assert.ErrorIs(t, snap.errs[0], channel.ErrConnectRefused)
	assert.Contains(t, snap.errs[0].Error(), "not authorized")
	assert.Empty(t, snap.connects)
}

func TestClientReconnectsWithNewID(t *testing.T) {
	server := channeltest.NewServer(t)
	client := newClient(server.SocketURL(), 3)
	h := &recordingHandler{}
	startClient(t, client, h)

	firstID := <-server.Connected()
	require.Eventually(t, client.Connected, time.Second, 5*time.Millisecond)
	server.Drop()

	var secondID string
	select {
	case secondID = <-server.Connected():
	case <-time.After(2 * time.Second):
		t.Fatal("client did not reconnect")
	}
	assert.NotEqual(t, firstID, secondID)

	require.Eventually(t, func() bool { return len(h.snapshot().connects) == 2 }, time.Second, 5*time.Millisecond)
	snap := h.snapshot()
	require.Len(t, snap.disconnects, 1)
	assert.Contains(t, []string{channel.ReasonTransportError, channel.ReasonTransportClose}, snap.disconnects[0])
}

func TestClientStopsOnServerDisconnect(t *testing.T) {
	server := channeltest.NewServer(t)
	client := newClient(server.SocketURL(), 3)
	h := &recordingHandler{}
	_, done := startClient(t, client, h)

	<-server.Connected()
	require.Eventually(t, client.Connected, time.Second, 5*time.Millisecond)
	require.NoError(t, server.Kick())

	select {
	case err := <-done:
		assert.True(t, errors.Is(err, channel.ErrServerDisconnect))
	case <-time.After(2 * time.Second):
		t.Fatal("run did not return")
	}
	assert.Equal(t, []string{channel.ReasonServerDisconnect}, h.snapshot().disconnects)
	assert.False(t, client.Connected())
}

func TestClientCancelReportsClientDisconnect(t *testing.T) {
	server := channeltest.NewServer(t)
	client := newClient(server.SocketURL(), 3)
	h := &recordingHandler{}
	cancel, done := startClient(t, client, h)

	<-server.Connected()
	require.Eventually(t, client.Connected, time.Second, 5*time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("run did not return")
	}
	assert.Equal(t, []string{channel.ReasonClientDisconnect}, h.snapshot().disconnects)
}

func TestClientFlushesQueuedEventsOnCancel(t *testing.T) {
	server := channeltest.NewServer(t)
	client := newClient(server.SocketURL(), 0)
	cancel, done := startClient(t, client, &recordingHandler{})

	<-server.Connected()
	require.Eventually(t, client.Connected, time.Second, 5*time.Millisecond)

	for i := 0; i < 4; i++ {
		require.NoError(t, client.Emit(channel.EventVideoFrame, "data:image/jpeg;base64,AAAA"))
	}
	require.NoError(t, client.Emit(channel.EventStopVerify, nil))
	cancel()

	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("run did not return")
	}

	var names []string
	for len(names) < 5 {
		select {
		case ev := <-server.Received():
			names = append(names, ev.Name)
		case <-time.After(2 * time.Second):
			t.Fatalf("only received %v", names)
		}
	}
	assert.Equal(t, channel.EventStopVerify, names[4])
}

func TestClientIgnoresMalformedFrames(t *testing.T) {
	server := channeltest.NewServer(t)
	client := newClient(server.SocketURL(), 0)
	h := &recordingHandler{}
	startClient(t, client, h)

	<-server.Connected()
	require.Eventually(t, client.Connected, time.Second, 5*time.Millisecond)
	require.NoError(t, server.WriteRaw("42{garbage"))
	require.NoError(t, server.Emit(channel.EventVerificationStatus, channel.Notification{Status: "started"}))

	require.Eventually(t, func() bool { return len(h.snapshot().events) == 1 }, time.Second, 5*time.Millisecond)
	assert.True(t, client.Connected())
}
