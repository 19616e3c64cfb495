package enrich

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeWriter struct {
	mu       sync.Mutex
	messages []kafka.Message
	batches  []int
	failing  bool
}

func (f *fakeWriter) WriteMessages(_ context.Context, msgs ...kafka.Message) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.batches = append(f.batches, len(msgs))
	if f.failing {
		return assert.AnError
	}
	f.messages = append(f.messages, msgs...)
	return nil
}

func (f *fakeWriter) Close() error { return nil }

func (f *fakeWriter) collected() []kafka.Message {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]kafka.Message, len(f.messages))
	copy(out, f.messages)
	return out
}

func (f *fakeWriter) setFailing(v bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failing = v
}

func newTestDispatcher(writer messageWriter) *Dispatcher {
	d := newDispatcher(writer, zerolog.Nop())
	d.flushPeriod = 10 * time.Millisecond
	return d
}

func TestDispatch_BatchesAndFlushes(t *testing.T) {
	writer := &fakeWriter{}
	d := newTestDispatcher(writer)
	d.Start()

	for i := 0; i < 7; i++ {
		d.DispatchFor("content-"+string(rune('a'+i)), "patch-1")
	}
	require.NoError(t, d.Close())

	msgs := writer.collected()
	require.Len(t, msgs, 7)

	var req Request
	require.NoError(t, json.Unmarshal(msgs[0].Value, &req))
	assert.Equal(t, "content-a", req.ContentID)
	assert.Equal(t, "patch-1", req.PatchID)
	assert.NotEmpty(t, req.DispatchedAt)
	assert.Equal(t, "patch-1", string(msgs[0].Key), "keyed by patch for partition affinity")
}

func TestDispatch_KeyFallsBackToContentID(t *testing.T) {
	writer := &fakeWriter{}
	d := newTestDispatcher(writer)
	d.Start()

	d.Dispatch("content-1")
	require.NoError(t, d.Close())

	msgs := writer.collected()
	require.Len(t, msgs, 1)
	assert.Equal(t, "content-1", string(msgs[0].Key))
}

func TestDispatch_NeverBlocksWhenSaturated(t *testing.T) {
	writer := &fakeWriter{}
	d := newDispatcher(writer, zerolog.Nop())
	d.buffer = make(chan Request, 2)
	// Not started, so nothing drains the buffer.

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 10; i++ {
			d.Dispatch("content-1")
		}
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Dispatch blocked on a full buffer")
	}

	d.mu.Lock()
	dropped := d.droppedCount
	d.mu.Unlock()
	assert.Equal(t, int64(8), dropped)
}

func TestDispatch_WriteFailureDoesNotStopTheLoop(t *testing.T) {
	writer := &fakeWriter{}
	writer.setFailing(true)
	d := newTestDispatcher(writer)
	d.Start()

	d.Dispatch("content-1")
	time.Sleep(50 * time.Millisecond)

	writer.setFailing(false)
	d.Dispatch("content-2")
	require.NoError(t, d.Close())

	msgs := writer.collected()
	require.Len(t, msgs, 1, "only the post-recovery message lands")

	var req Request
	require.NoError(t, json.Unmarshal(msgs[0].Value, &req))
	assert.Equal(t, "content-2", req.ContentID)
}

func TestClose_FlushesBufferedRequests(t *testing.T) {
	writer := &fakeWriter{}
	d := newDispatcher(writer, zerolog.Nop())
	d.flushPeriod = time.Hour // only the shutdown drain can flush
	d.Start()

	d.Dispatch("content-1")
	d.Dispatch("content-2")
	require.NoError(t, d.Close())

	assert.Len(t, writer.collected(), 2)
	require.NoError(t, d.Close(), "second close is a no-op")
}
