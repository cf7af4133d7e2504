package pipeline

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/momentics/hioload-ofc/api"
)

type recordHandler struct {
	queues []*Queue
}

func (h *recordHandler) BarrierFactory() BarrierFactory { return barrierMsg }
func (h *recordHandler) OnQueueChanged(q *Queue) { h.queues = append(h.queues, q) }

func TestRegistrationLifecycle(t *testing.T) {
	h := &recordHandler{}
	w1 := &recordWriter{}
	r := Register(w1, h, 8, 0)
	require.Len(t, h.queues, 1)
	q1 := r.Queue()
	assert.Same(t, q1, h.queues[0])

	sink := &recordSink{}
	send(t, q1, "a", sink)

	w2 := &recordWriter{}
	q2 := r.Reconnect(w2)
	require.NotNil(t, q2)
	assert.True(t, q1.Closed())
	require.Len(t, sink.snapshot(), 1)
	assert.ErrorIs(t, sink.snapshot()[0].err, api.ErrDisconnected)
	require.Len(t, h.queues, 2)
	assert.Same(t, q2, h.queues[1])

	send(t, q2, "b", nil)
	assert.Len(t, w2.xids(), 1)
	assert.Len(t, w1.xids(), 1)

	r.Close()
	assert.True(t, q2.Closed())
	require.Len(t, h.queues, 3)
	assert.Nil(t, h.queues[2])
	assert.Nil(t, r.Queue())
	assert.Nil(t, r.Reconnect(w1))
	r.Close()
	assert.Len(t, h.queues, 3)
}
