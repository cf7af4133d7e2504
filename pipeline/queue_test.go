package pipeline

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/momentics/hioload-ofc/api"
	"github.com/momentics/hioload-ofc/fake"
)

type recordWriter struct {
	mu   sync.Mutex
	sent []uint32
	err  error
}

func (w *recordWriter) Queue(msgs ...api.Message) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.err != nil {
		return w.err
	}
	for _, m := range msgs {
		w.sent = append(w.sent, m.(api.Transactional).XID())
	}
	return nil
}

func (w *recordWriter) xids() []uint32 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return append([]uint32(nil), w.sent...)
}

type call struct {
	msg  api.Message
	done bool
	err  error
}

type recordSink struct {
	mu    sync.Mutex
	calls []call
}

func (s *recordSink) OnReply(msg api.Message, done bool) {
	s.mu.Lock()
	s.calls = append(s.calls, call{msg: msg, done: done})
	s.mu.Unlock()
}

func (s *recordSink) OnFailure(err error) {
	s.mu.Lock()
	s.calls = append(s.calls, call{err: err})
	s.mu.Unlock()
}

func (s *recordSink) snapshot() []call {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]call(nil), s.calls...)
}

func barrierMsg(xid uint32) api.Transactional { return fake.NewMsg(xid, "barrier") }

func newTestQueue(w Writer, depth int, interval time.Duration, opts ...Option) *Queue {
	return newQueue(w, barrierMsg, depth, interval, buildConfig(opts))
}

func send(t *testing.T, q *Queue, payload string, sink Sink) uint32 {
	t.Helper()
	xid, err := q.Reserve()
	require.NoError(t, err)
	require.NoError(t, q.Commit(xid, fake.NewMsg(xid, payload), sink, nil))
	return xid
}

func TestBarrierImpliesEarlierCompletion(t *testing.T) {
	w := &recordWriter{}
	q := newTestQueue(w, 16, 0, WithFirstXID(41))
	sink := &recordSink{}

	req := send(t, q, "flow-mod", sink)
	require.Equal(t, uint32(41), req)
	bx, err := q.Barrier(sink)
	require.NoError(t, err)
	require.Equal(t, uint32(42), bx)
	assert.Equal(t, []uint32{41, 42}, w.xids())

	reply := fake.NewMsg(42, "barrier-reply")
	require.True(t, q.Pair(reply))

	calls := sink.snapshot()
	require.Len(t, calls, 2)
	assert.Nil(t, calls[0].msg)
	assert.True(t, calls[0].done)
	assert.Same(t, reply, calls[1].msg)
	assert.True(t, calls[1].done)
	assert.Zero(t, q.Len())

	// both resolved: a late reply for 41 no longer matches
	assert.False(t, q.Pair(fake.NewMsg(41, "late")))
}

func TestBarrierDoesNotCoverLaterCommits(t *testing.T) {
	w := &recordWriter{}
	q := newTestQueue(w, 16, 0)
	early, late := &recordSink{}, &recordSink{}

	reserved, err := q.Reserve()
	require.NoError(t, err)
	send(t, q, "a", early)
	bx, err := q.Barrier(nil)
	require.NoError(t, err)
	require.NoError(t, q.Commit(reserved, fake.NewMsg(reserved, "b"), late, nil))

	require.True(t, q.Pair(fake.NewMsg(bx, "")))
	assert.Len(t, early.snapshot(), 1)
	assert.Empty(t, late.snapshot())
	assert.Equal(t, 1, q.Len())
}

func TestReserveHonoursDepth(t *testing.T) {
	q := newTestQueue(&recordWriter{}, 2, 0)
	_, err := q.Reserve()
	require.NoError(t, err)
	_, err = q.Reserve()
	require.NoError(t, err)
	_, err = q.Reserve()
	assert.ErrorIs(t, err, api.ErrQueueFull)
	assert.Equal(t, 2, q.Len())
	assert.Equal(t, 2, q.Depth())
}

func TestDefaultDepth(t *testing.T) {
	q := newTestQueue(&recordWriter{}, 0, 0)
	assert.Equal(t, DefaultDepth, q.Depth())
}

func TestCommitErrors(t *testing.T) {
	q := newTestQueue(&recordWriter{}, 8, 0)
	err := q.Commit(99, fake.NewMsg(99, "x"), nil, nil)
	assert.ErrorIs(t, err, api.ErrNotReserved)

	xid := send(t, q, "x", nil)
	err = q.Commit(xid, fake.NewMsg(xid, "x"), nil, nil)
	assert.ErrorIs(t, err, api.ErrAlreadyCommitted)
}

func TestCommitNilCancelsReservation(t *testing.T) {
	w := &recordWriter{}
	q := newTestQueue(w, 8, 0)
	sink := &recordSink{}
	xid, err := q.Reserve()
	require.NoError(t, err)
	require.NoError(t, q.Commit(xid, nil, sink, nil))

	calls := sink.snapshot()
	require.Len(t, calls, 1)
	assert.Nil(t, calls[0].msg)
	assert.True(t, calls[0].done)
	assert.Zero(t, q.Len())
	assert.Empty(t, w.xids())
}

func TestShutdownFailsOutstanding(t *testing.T) {
	q := newTestQueue(&recordWriter{}, 8, 0)
	a, b := &recordSink{}, &recordSink{}
	send(t, q, "a", a)
	send(t, q, "b", b)
	_, err := q.Reserve()
	require.NoError(t, err)

	assert.Equal(t, 2, q.Shutdown())
	assert.True(t, q.Closed())
	for _, s := range []*recordSink{a, b} {
		calls := s.snapshot()
		require.Len(t, calls, 1)
		assert.ErrorIs(t, calls[0].err, api.ErrDisconnected)
	}

	_, err = q.Reserve()
	assert.ErrorIs(t, err, api.ErrDisconnected)
	late := &recordSink{}
	err = q.Commit(7, fake.NewMsg(7, "x"), late, nil)
	assert.ErrorIs(t, err, api.ErrDisconnected)
	require.Len(t, late.snapshot(), 1)
	assert.ErrorIs(t, late.snapshot()[0].err, api.ErrDisconnected)
	assert.Zero(t, q.Shutdown())

	_, err = q.Barrier(nil)
	assert.ErrorIs(t, err, api.ErrDisconnected)
}

func TestAutomaticBarrierAtHalfDepth(t *testing.T) {
	w := &recordWriter{}
	q := newTestQueue(w, 4, 0, WithFirstXID(1))
	send(t, q, "a", nil)
	assert.Equal(t, []uint32{1}, w.xids())
	send(t, q, "b", nil)
	// second commit reaches depth/2 and appends barrier 3
	assert.Equal(t, []uint32{1, 2, 3}, w.xids())
	assert.Equal(t, 3, q.Len())

	require.True(t, q.Pair(fake.NewMsg(3, "")))
	assert.Zero(t, q.Len())
}

func TestBarrierIntervalTimer(t *testing.T) {
	mock := clock.NewMock()
	w := &recordWriter{}
	q := newTestQueue(w, 100, 50*time.Millisecond, WithClock(mock), WithFirstXID(10))
	sink := &recordSink{}
	send(t, q, "a", sink)
	assert.Equal(t, []uint32{10}, w.xids())

	mock.Add(50 * time.Millisecond)
	require.Eventually(t, func() bool { return len(w.xids()) == 2 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, []uint32{10, 11}, w.xids())

	require.True(t, q.Pair(fake.NewMsg(11, "")))
	require.Len(t, sink.snapshot(), 1)
	assert.True(t, sink.snapshot()[0].done)
}

func TestNoTimerWithoutPendingCommits(t *testing.T) {
	mock := clock.NewMock()
	w := &recordWriter{}
	q := newTestQueue(w, 100, 50*time.Millisecond, WithClock(mock))
	xid := send(t, q, "a", nil)
	require.True(t, q.Pair(fake.NewMsg(xid, "ok")))

	mock.Add(time.Second)
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, []uint32{xid}, w.xids())
}

func TestExpireOlderThan(t *testing.T) {
	mock := clock.NewMock()
	q := newTestQueue(&recordWriter{}, 8, 0, WithClock(mock))
	old := &recordSink{}
	send(t, q, "old", old)
	_, err := q.Reserve()
	require.NoError(t, err)

	mock.Add(2 * time.Second)
	fresh := &recordSink{}
	send(t, q, "fresh", fresh)

	assert.Equal(t, 2, q.ExpireOlderThan(time.Second))
	calls := old.snapshot()
	require.Len(t, calls, 1)
	assert.Equal(t, api.KindTimeout, api.KindOf(calls[0].err))
	assert.Empty(t, fresh.snapshot())
	assert.Equal(t, 1, q.Len())
}

func TestMultipleRepliesUntilLastFragment(t *testing.T) {
	q := newTestQueue(&recordWriter{}, 8, 0)
	sink := &recordSink{}
	xid := send(t, q, "stats", sink)

	first := fake.NewMsg(xid, "part-1")
	first.More = true
	require.True(t, q.Pair(first))
	require.True(t, q.Pair(fake.NewMsg(xid, "part-2")))
	assert.False(t, q.Pair(fake.NewMsg(xid, "extra")))

	calls := sink.snapshot()
	require.Len(t, calls, 2)
	assert.False(t, calls[0].done)
	assert.True(t, calls[1].done)
}

func TestCustomCompletePredicate(t *testing.T) {
	q := newTestQueue(&recordWriter{}, 8, 0)
	sink := &recordSink{}
	xid, err := q.Reserve()
	require.NoError(t, err)
	n := 0
	require.NoError(t, q.Commit(xid, fake.NewMsg(xid, "x"), sink, func(api.Message) bool {
		n++
		return n == 3
	}))
	for i := 0; i < 3; i++ {
		require.True(t, q.Pair(fake.NewMsg(xid, "r")))
	}
	calls := sink.snapshot()
	require.Len(t, calls, 3)
	assert.True(t, calls[2].done)
}

func TestWritesFollowCommitOrder(t *testing.T) {
	w := &recordWriter{}
	q := newTestQueue(w, 64, 0)
	a, err := q.Reserve()
	require.NoError(t, err)
	b, err := q.Reserve()
	require.NoError(t, err)
	require.NoError(t, q.Commit(b, fake.NewMsg(b, "b"), nil, nil))
	require.NoError(t, q.Commit(a, fake.NewMsg(a, "a"), nil, nil))
	assert.Equal(t, []uint32{b, a}, w.xids())
}

func TestConcurrentCommits(t *testing.T) {
	w := &recordWriter{}
	q := newTestQueue(w, 1000, 0)
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				xid, err := q.Reserve()
				if err != nil {
					return
				}
				_ = q.Commit(xid, fake.NewMsg(xid, "x"), nil, nil)
			}
		}()
	}
	wg.Wait()
	// 400 requests plus one barrier per 500 commits: none yet
	assert.Len(t, w.xids(), 400)
	assert.Equal(t, 400, q.Len())
}

func TestWriteFailureFailsRequest(t *testing.T) {
	w := &recordWriter{err: errors.New("buffer discarded")}
	q := newTestQueue(w, 8, 0)
	sink := &recordSink{}
	send(t, q, "x", sink)
	calls := sink.snapshot()
	require.Len(t, calls, 1)
	assert.Equal(t, api.KindLocal, api.KindOf(calls[0].err))
	assert.Zero(t, q.Len())
}

func TestFailResolvesOnce(t *testing.T) {
	q := newTestQueue(&recordWriter{}, 8, 0)
	sink := &recordSink{}
	xid := send(t, q, "x", sink)
	deviceErr := api.DeviceError(xid, fake.NewMsg(xid, "error"))
	assert.True(t, q.Fail(xid, deviceErr))
	assert.False(t, q.Fail(xid, deviceErr))
	assert.False(t, q.Pair(fake.NewMsg(xid, "late")))
	calls := sink.snapshot()
	require.Len(t, calls, 1)
	assert.True(t, api.IsDevice(calls[0].err))
}

func TestBarrierWithoutFactory(t *testing.T) {
	q := newQueue(&recordWriter{}, nil, 8, 0, buildConfig(nil))
	_, err := q.Barrier(nil)
	assert.ErrorIs(t, err, ErrNoBarrierFactory)
}

func TestXIDSkipsOutstanding(t *testing.T) {
	q := newTestQueue(&recordWriter{}, 8, 0, WithFirstXID(0xffffffff))
	a, err := q.Reserve()
	require.NoError(t, err)
	assert.Equal(t, uint32(0xffffffff), a)
	b, err := q.Reserve()
	require.NoError(t, err)
	assert.Equal(t, uint32(0), b)
}
