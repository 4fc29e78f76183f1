package events

import (
	"encoding/json"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakePublisher struct {
	mu       sync.Mutex
	subjects []string
	payloads [][]byte
	err      error
}

func (f *fakePublisher) Publish(subject string, data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.subjects = append(f.subjects, subject)
	f.payloads = append(f.payloads, data)
	return f.err
}

func TestNATSRelay_PublishesPerBoardSubject(t *testing.T) {
	pub := &fakePublisher{}
	relay := NewNATSRelay(pub, "studyboard.tasks.", nil)
	bus := NewBus(WithRelay(relay))

	bus.Publish(Event{Type: TaskCompleted, BoardID: "board-1.v2", Task: map[string]string{"task_id": "t1"}})
	bus.Publish(Event{Type: Heartbeat, BoardID: "board-1.v2"})

	require.Len(t, pub.subjects, 1)
	assert.Equal(t, "studyboard.tasks.board-1_v2", pub.subjects[0])

	var got map[string]any
	require.NoError(t, json.Unmarshal(pub.payloads[0], &got))
	assert.Equal(t, "task_completed", got["type"])
	assert.Equal(t, "board-1.v2", got["board_id"])
}

func TestNATSRelay_PublishErrorIsSwallowed(t *testing.T) {
	pub := &fakePublisher{err: errors.New("nats: connection closed")}
	relay := NewNATSRelay(pub, "", nil)

	assert.NotPanics(t, func() {
		relay.Relay(Event{Type: TaskFailed, BoardID: "b1"})
	})
	assert.Equal(t, "studyboard.tasks.b1", relay.Subject("b1"))
	assert.Equal(t, "studyboard.tasks._", relay.Subject(""))
}
