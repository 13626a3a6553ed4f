package audit

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fruitsalade/pantry/internal/metadata/memory"
	"github.com/fruitsalade/pantry/internal/metadata/metadatatest"
)

type memSink struct {
	mu     sync.Mutex
	events []Event
	fail   bool
}

func (s *memSink) Name() string { return "mem" }

func (s *memSink) Write(_ context.Context, e Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fail {
		return errors.New("sink down")
	}
	s.events = append(s.events, e)
	return nil
}

func TestRecorderDeliversOnStop(t *testing.T) {
	sink := &memSink{}
	r := NewRecorder(16, sink)
	r.Start()

	r.Record(Event{Action: "upload", ResourceID: "e1", OwnerID: "u1"})
	r.Record(Event{Action: "trash", ResourceID: "e1", OwnerID: "u1", Status: StatusFailure})
	r.Stop()

	require.Len(t, sink.events, 2)
	assert.Equal(t, StatusSuccess, sink.events[0].Status)
	assert.Equal(t, StatusFailure, sink.events[1].Status)
	assert.False(t, sink.events[0].Time.IsZero())
}

func TestRecorderDropsWhenFull(t *testing.T) {
	sink := &memSink{}
	r := NewRecorder(2, sink)

	// Not started: nothing drains the queue.
	for i := 0; i < 5; i++ {
		r.Record(Event{Action: "upload"})
	}
	assert.Len(t, r.queue, 2)

	r.Start()
	r.Stop()
	assert.Len(t, sink.events, 2)
}

func TestRecorderSurvivesFailingSink(t *testing.T) {
	bad := &memSink{fail: true}
	good := &memSink{}
	r := NewRecorder(4, bad, good)
	r.Start()
	r.Record(Event{Action: "rename"})
	r.Stop()

	assert.Len(t, good.events, 1)
}

func TestNilRecorder(t *testing.T) {
	var r *Recorder
	r.Record(Event{Action: "noop"})
}

func TestDBSink(t *testing.T) {
	ctx := context.Background()
	store := memory.New()
	u := metadatatest.NewUser(t, store)

	sink := NewDBSink(store)
	require.NoError(t, sink.Write(ctx, Event{
		Action: "share_create", ResourceID: "e1", OwnerID: u.ID, Status: StatusSuccess,
		Metadata: map[string]any{"files": 1},
	}))

	rows, err := store.ListActivity(ctx, u.ID, 10)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, "share_create", rows[0].Action)
	assert.Equal(t, "e1", rows[0].ResourceID)
}
