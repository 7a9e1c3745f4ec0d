package events

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/DataBiosphere/dsub-sub000/pkg/types"
)

func TestPublishSubscribe(t *testing.T) {
	b := NewBroker()
	b.Start()
	defer b.Stop()

	sub := b.Subscribe()
	defer b.Unsubscribe(sub)

	b.Publish(&Transition{
		JobID:       "job-1",
		TaskID:      "task-1",
		TaskAttempt: 1,
		Status:      types.StatusRunning,
		Event:       types.Event{Name: types.EventRunning},
	})

	select {
	case tr := <-sub:
		assert.Equal(t, "job-1", tr.JobID)
		assert.Equal(t, types.EventRunning, tr.Event.Name)
		assert.False(t, tr.Event.Timestamp.IsZero())
	case <-time.After(time.Second):
		t.Fatal("transition not delivered")
	}
}

func TestSubscriberCount(t *testing.T) {
	b := NewBroker()
	b.Start()
	defer b.Stop()

	require.Equal(t, 0, b.SubscriberCount())
	sub := b.Subscribe()
	require.Equal(t, 1, b.SubscriberCount())
	b.Unsubscribe(sub)
	require.Equal(t, 0, b.SubscriberCount())
}
