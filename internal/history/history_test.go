package history

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type memSink struct {
	mu     sync.Mutex
	events []Event
	err    error
	closed bool
}

func (m *memSink) Send(ctx context.Context, e Event) error {
	if _, ok := ctx.Deadline(); !ok {
		return errors.New("publish must bound sends")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, e)
	return m.err
}

func (m *memSink) Close() error {
	m.closed = true
	return nil
}

func TestPublish_FansOutAndStamps(t *testing.T) {
	a, b := &memSink{}, &memSink{}
	Publish(context.Background(), nil, []Sink{a, b}, Event{Type: EventCrash, Record: Record{Name: "app", PID: 7, Status: "Crashed"}})

	for _, s := range []*memSink{a, b} {
		require.Len(t, s.events, 1)
		assert.Equal(t, EventCrash, s.events[0].Type)
		assert.Equal(t, "app", s.events[0].Record.Name)
		assert.WithinDuration(t, time.Now(), s.events[0].OccurredAt, time.Minute)
	}
}

func TestPublish_LogsSinkErrorsAndContinues(t *testing.T) {
	var buf bytes.Buffer
	log := slog.New(slog.NewTextHandler(&buf, nil))
	failing := &memSink{err: errors.New("boom")}
	ok := &memSink{}

	Publish(context.Background(), log, []Sink{failing, ok}, Event{Type: EventDeploy, Record: Record{AttemptID: "x", Status: "Success"}})
	assert.Len(t, ok.events, 1)
	assert.Contains(t, buf.String(), "history sink failed")
	assert.Contains(t, buf.String(), "boom")
}

func TestPublish_NoSinks(t *testing.T) {
	Publish(context.Background(), nil, nil, Event{Type: EventStart})
}

func TestCloseAll(t *testing.T) {
	s := &memSink{}
	CloseAll([]Sink{s})
	assert.True(t, s.closed)
}
