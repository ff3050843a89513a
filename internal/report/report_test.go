package report

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/example/face-verify/internal/logging"
)

type timeoutErr struct{}

func (timeoutErr) Error() string { return "i/o timeout" }
func (timeoutErr) Timeout() bool { return true }
func (timeoutErr) Temporary() bool { return true }

type serverErr string

func (e serverErr) Error() string { return string(e) }
func (serverErr) RedisError() {}

type stubBus struct {
	mu       sync.Mutex
	errs     []error
	channels []string
	messages []string
	calls    int
}

func (s *stubBus) Publish(ctx context.Context, channel string, message interface{}) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	if len(s.errs) > 0 {
		err := s.errs[0]
		s.errs = s.errs[1:]
		if err != nil {
			return err
		}
	}
	s.channels = append(s.channels, channel)
	s.messages = append(s.messages, message.(string))
	return nil
}

func (s *stubBus) snapshot() ([]string, int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.messages...), s.calls
}

func notice(msg string) Notice {
	return Notice{
		SessionID: "s-1",
		Kind:      KindResult,
		Message:   msg,
		Level:     LevelSuccess,
		At:        time.Date(2024, 5, 1, 10, 30, 0, 0, time.UTC),
	}
}

func TestFanoutDeliversToAllReporters(t *testing.T) {
	var got []string
	record := func(tag string) Reporter {
		return Func(func(n Notice) { got = append(got, tag+":"+n.Message) })
	}

	Fanout{record("a"), nil, record("b")}.Report(notice("hi"))

	assert.Equal(t, []string{"a:hi", "b:hi"}, got)
}

func TestLogReporterLevels(t *testing.T) {
	core, logs := observer.New(zap.DebugLevel)
	r := NewLogReporter(zap.New(core))

	r.Report(notice("Identity verified"))
	failed := notice("Connection Error. Please refresh.")
	failed.Level = LevelError
	failed.SessionID = ""
	r.Report(failed)

	entries := logs.AllUntimed()
	require.Len(t, entries, 2)
	assert.Equal(t, zap.InfoLevel, entries[0].Level)
	assert.Equal(t, "s-1", entries[0].ContextMap()["session_id"])
	assert.Equal(t, zap.WarnLevel, entries[1].Level)
	assert.NotContains(t, entries[1].ContextMap(), "session_id")
}

func TestWriterFormatsNotice(t *testing.T) {
	var buf bytes.Buffer
	cleared := 0
	w := NewWriter(&buf)
	w.Before = func() { cleared++ }

	w.Report(notice("Identity verified"))

	assert.Equal(t, "10:30:00 [result] + Identity verified\n", buf.String())
	assert.Equal(t, 1, cleared)
}

func TestRedisPublisherPublishesJSON(t *testing.T) {
	bus := &stubBus{}
	p := NewRedisPublisher(bus, "faceverify:notices", 4, zap.NewNop())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go p.Run(ctx)

	p.Report(notice("Identity verified"))

	require.Eventually(t, func() bool {
		msgs, _ := bus.snapshot()
		return len(msgs) == 1
	}, time.Second, 5*time.Millisecond)

	msgs, _ := bus.snapshot()
	var decoded Notice
	require.NoError(t, json.Unmarshal([]byte(msgs[0]), &decoded))
	assert.Equal(t, "Identity verified", decoded.Message)
	assert.Equal(t, KindResult, decoded.Kind)
	assert.Equal(t, "faceverify:notices", bus.channels[0])
}

func TestRedisPublisherRetriesTransientErrors(t *testing.T) {
	bus := &stubBus{errs: []error{timeoutErr{}, serverErr("LOADING Redis is loading the dataset in memory"), nil}}
	p := NewRedisPublisher(bus, "ch", 1, zap.NewNop())
	p.initialBackoff = time.Millisecond

	err := p.deliver(context.Background(), notice("x"))

	require.NoError(t, err)
	_, calls := bus.snapshot()
	assert.Equal(t, 3, calls)
}

func TestRedisPublisherStopsOnPermanentError(t *testing.T) {
	for _, permanent := range []error{serverErr("WRONGTYPE Operation against a key"), redis.ErrClosed, errors.New("boom")} {
		bus := &stubBus{errs: []error{permanent}}
		p := NewRedisPublisher(bus, "ch", 1, zap.NewNop())
		p.initialBackoff = time.Millisecond

		err := p.deliver(context.Background(), notice("x"))

		require.ErrorIs(t, err, permanent)
		var opErr *logging.OperationError
		require.ErrorAs(t, err, &opErr)
		assert.Equal(t, "report.publish", opErr.Operation)
		assert.Equal(t, "s-1", opErr.SessionID)
		_, calls := bus.snapshot()
		assert.Equal(t, 1, calls, "%v", permanent)
	}
}

func TestRedisPublisherGivesUpWhenQueueBacksUp(t *testing.T) {
	bus := &stubBus{errs: []error{timeoutErr{}, nil}}
	p := NewRedisPublisher(bus, "ch", 1, zap.NewNop())
	p.initialBackoff = time.Millisecond
	p.Report(notice("waiting"))

	err := p.deliver(context.Background(), notice("x"))

	require.ErrorIs(t, err, timeoutErr{})
	_, calls := bus.snapshot()
	assert.Equal(t, 1, calls)
}

func TestRedisPublisherCountsOutcomes(t *testing.T) {
	bus := &stubBus{errs: []error{nil, serverErr("NOPERM no permissions")}}
	p := NewRedisPublisher(bus, "ch", 1, zap.NewNop())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go p.Run(ctx)

	p.Report(notice("one"))
	require.Eventually(t, func() bool { return p.Stats().Published == 1 }, time.Second, 5*time.Millisecond)
	p.Report(notice("two"))
	require.Eventually(t, func() bool { return p.Stats().Failed == 1 }, time.Second, 5*time.Millisecond)

	assert.Equal(t, PublisherStats{Published: 1, Failed: 1}, p.Stats())
}

func TestRedisPublisherDropsWhenQueueFull(t *testing.T) {
	p := NewRedisPublisher(&stubBus{}, "ch", 1, zap.NewNop())

	p.Report(notice("one"))
	p.Report(notice("two"))

	assert.Equal(t, int64(1), p.Stats().Dropped)
}
