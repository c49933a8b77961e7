package events

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPublishDeliversToSubscriber(t *testing.T) {
	t.Parallel()

	h := NewHub(16)
	ch, cancel := h.Subscribe()
	defer cancel()

	h.Publish(TypeJobStarted, map[string]string{"job_id": "lint"})

	select {
	case ev := <-ch:
		assert.Equal(t, TypeJobStarted, ev.Type)
		assert.Equal(t, int64(1), ev.ID)
		assert.JSONEq(t, `{"job_id":"lint"}`, string(ev.Data))
	case <-time.After(time.Second):
		t.Fatal("no event delivered")
	}
}

func TestEventIDsAreMonotonic(t *testing.T) {
	t.Parallel()

	h := NewHub(16)
	h.Publish(TypePipelineStarted, nil)
	h.Publish(TypeJobStarted, nil)
	h.Publish(TypeJobFinished, nil)

	events := h.SnapshotSince(0)
	require.Len(t, events, 3)
	assert.Equal(t, int64(1), events[0].ID)
	assert.Equal(t, int64(2), events[1].ID)
	assert.Equal(t, int64(3), events[2].ID)
}

func TestSnapshotSinceFiltersReplayed(t *testing.T) {
	t.Parallel()

	h := NewHub(16)
	for i := 0; i < 5; i++ {
		h.Publish(TypeJobFinished, nil)
	}

	replay := h.SnapshotSince(3)
	require.Len(t, replay, 2)
	assert.Equal(t, int64(4), replay[0].ID)
	assert.Equal(t, int64(5), replay[1].ID)
}

func TestRingEvictsOldest(t *testing.T) {
	t.Parallel()

	h := NewHub(3)
	for i := 0; i < 5; i++ {
		h.Publish(TypeJobFinished, nil)
	}

	events := h.SnapshotSince(0)
	require.Len(t, events, 3)
	assert.Equal(t, int64(3), events[0].ID)
	assert.Equal(t, int64(5), events[2].ID)
}

func TestSlowSubscriberNeverBlocksPublish(t *testing.T) {
	t.Parallel()

	h := NewHub(8)
	_, cancel := h.Subscribe()
	defer cancel()

	done := make(chan struct{})
	go func() {
		// More events than the subscriber channel buffers; the extra
		// ones are dropped, not queued against the publisher.
		for i := 0; i < 500; i++ {
			h.Publish(TypeJobFinished, nil)
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("publish blocked on a slow subscriber")
	}
}

func TestCancelClosesChannel(t *testing.T) {
	t.Parallel()

	h := NewHub(8)
	ch, cancel := h.Subscribe()
	cancel()

	_, ok := <-ch
	assert.False(t, ok)

	// Double cancel is harmless.
	cancel()
}
