package concurrency

import (
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/momentics/hioload-ofc/api"
)

type testBody struct {
	setupErr   error
	iterateErr error
	panicOn    int32
	iterations atomic.Int32
	cleanups   atomic.Int32
	wake       chan struct{}
}

func newTestBody() *testBody {
	return &testBody{wake: make(chan struct{}, 1)}
}

func (b *testBody) Setup() error { return b.setupErr }

func (b *testBody) Iterate() error {
	n := b.iterations.Add(1)
	if b.panicOn != 0 && n == b.panicOn {
		panic("boom")
	}
	if b.iterateErr != nil {
		return b.iterateErr
	}
	select {
	case <-b.wake:
	case <-time.After(5 * time.Millisecond):
	}
	return nil
}

func (b *testBody) Cleanup() error {
	b.cleanups.Add(1)
	return nil
}

func (b *testBody) Wakeup() {
	select {
	case b.wake <- struct{}{}:
	default:
	}
}

func TestLoopLifecycle(t *testing.T) {
	body := newTestBody()
	l := NewLoop("test", body)
	assert.Equal(t, StateCreated, l.State())

	require.NoError(t, l.Start())
	require.True(t, l.WaitForStart(time.Second))
	assert.ErrorIs(t, l.Start(), api.ErrLoopStarted)

	l.Stop()
	require.True(t, l.WaitForFinish(time.Second))
	assert.Equal(t, StateFinished, l.State())
	assert.NoError(t, l.Err())
	assert.Equal(t, int32(1), body.cleanups.Load())
	assert.ErrorIs(t, l.Start(), api.ErrLoopFinished)
}

func TestLoopStopBeforeStart(t *testing.T) {
	body := newTestBody()
	l := NewLoop("test", body)
	l.Stop()
	assert.Equal(t, StateFinished, l.State())
	assert.True(t, l.WaitForFinish(time.Millisecond))
	assert.False(t, l.WaitForStart(time.Millisecond))
	assert.Equal(t, int32(0), body.cleanups.Load())
}

func TestLoopCapturesIterationError(t *testing.T) {
	body := newTestBody()
	body.iterateErr = errors.New("selector gone")
	l := NewLoop("test", body)
	require.NoError(t, l.Start())
	require.True(t, l.WaitForFinish(time.Second))
	assert.ErrorIs(t, l.Err(), body.iterateErr)
	assert.Equal(t, int32(1), body.cleanups.Load())
}

func TestLoopCapturesPanic(t *testing.T) {
	body := newTestBody()
	body.panicOn = 3
	l := NewLoop("test", body)
	require.NoError(t, l.Start())
	require.True(t, l.WaitForFinish(time.Second))
	require.Error(t, l.Err())
	assert.Contains(t, l.Err().Error(), "panic: boom")
}

func TestLoopSetupFailureNeverStarts(t *testing.T) {
	body := newTestBody()
	body.setupErr = errors.New("bind failed")
	l := NewLoop("test", body)
	require.NoError(t, l.Start())
	assert.False(t, l.WaitForStart(time.Second))
	require.True(t, l.WaitForFinish(time.Second))
	assert.ErrorIs(t, l.Err(), body.setupErr)
	assert.Equal(t, int32(0), body.iterations.Load())
	assert.Equal(t, int32(1), body.cleanups.Load())
}
