package bus

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPublishReachesTypedSubscribers(t *testing.T) {
	b := New(16, nil)

	var got []Event
	b.Subscribe("task.completed", func(ev Event) { got = append(got, ev) })
	b.Subscribe("task.failed", func(ev Event) { t.Error("wrong type delivered") })

	ev := NewEvent("task.completed", "test", map[string]string{"k": "v"})
	b.Publish(ev)

	require.Len(t, got, 1)
	assert.Equal(t, ev.ID, got[0].ID)
	assert.JSONEq(t, `{"k":"v"}`, string(got[0].Payload))
}

func TestSubscribeAllSeesEverything(t *testing.T) {
	b := New(16, nil)

	var types []string
	b.SubscribeAll(func(ev Event) { types = append(types, ev.Type) })

	b.Publish(NewEvent("a", "test", nil))
	b.Publish(NewEvent("b", "test", nil))
	assert.Equal(t, []string{"a", "b"}, types)
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	b := New(16, nil)

	count := 0
	cancel := b.Subscribe("x", func(Event) { count++ })
	b.Publish(NewEvent("x", "test", nil))
	cancel()
	b.Publish(NewEvent("x", "test", nil))
	assert.Equal(t, 1, count)
}

func TestHandlerPanicIsIsolated(t *testing.T) {
	b := New(16, nil)

	survived := false
	b.Subscribe("x", func(Event) { panic("handler bug") })
	b.Subscribe("x", func(Event) { survived = true })

	assert.NotPanics(t, func() { b.Publish(NewEvent("x", "test", nil)) })
	assert.True(t, survived, "panic suppressed the second handler")
}

func TestPublishAsync(t *testing.T) {
	b := New(16, nil)

	var wg sync.WaitGroup
	wg.Add(2)
	b.Subscribe("x", func(Event) { wg.Done() })
	b.Subscribe("x", func(Event) { wg.Done() })

	b.PublishAsync(NewEvent("x", "test", nil))

	done := make(chan struct{})
	go func() { wg.Wait(); close(done) }()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("async delivery never completed")
	}
}

func TestHistoryRing(t *testing.T) {
	b := New(3, nil)
	for i := 0; i < 5; i++ {
		b.Publish(NewEvent("x", "test", i))
	}

	history := b.History(0)
	require.Len(t, history, 3)
	assert.Equal(t, "2", string(history[0].Payload))
	assert.Equal(t, "4", string(history[2].Payload))

	last := b.History(1)
	require.Len(t, last, 1)
	assert.Equal(t, "4", string(last[0].Payload))
}
