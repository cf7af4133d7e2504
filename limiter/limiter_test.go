package limiter

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/momentics/hioload-ofc/api"
)

type flowRecorder struct {
	mu    sync.Mutex
	calls []bool
}

func (f *flowRecorder) SetFiltering(enabled bool) {
	f.mu.Lock()
	f.calls = append(f.calls, enabled)
	f.mu.Unlock()
}

func (f *flowRecorder) snapshot() []bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]bool(nil), f.calls...)
}

func acquireN(t *testing.T, l *Limiter, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		require.True(t, l.Acquire(), "permit %d", i)
	}
}

func releaseN(l *Limiter, n int) {
	for i := 0; i < n; i++ {
		l.Release()
	}
}

func TestHysteresis(t *testing.T) {
	flow := &flowRecorder{}
	l, err := New(4, 10, flow)
	require.NoError(t, err)

	acquireN(t, l, 10)
	assert.False(t, l.Limited())
	assert.False(t, l.Acquire())
	assert.False(t, l.Acquire())
	assert.True(t, l.Limited())
	assert.Equal(t, []bool{true}, flow.snapshot())

	// below high but above low: still limited
	releaseN(l, 5)
	assert.Equal(t, 5, l.Occupied())
	assert.True(t, l.Limited())

	l.Release()
	assert.Equal(t, 4, l.Occupied())
	assert.False(t, l.Limited())
	assert.Equal(t, []bool{true, false}, flow.snapshot())

	releaseN(l, 4)
	assert.Equal(t, []bool{true, false}, flow.snapshot())
}

func TestDrainLowWaterMark(t *testing.T) {
	flow := &flowRecorder{}
	l, err := New(2, 10, flow)
	require.NoError(t, err)

	acquireN(t, l, 10)
	require.False(t, l.Acquire())
	releaseN(l, 6)
	require.Equal(t, 4, l.Occupied())
	require.True(t, l.Limited())

	l.DrainLowWaterMark()
	_, eff, _ := l.Watermarks()
	assert.Equal(t, 4, eff)
	assert.True(t, l.Limited())

	l.Release()
	assert.False(t, l.Limited())
	assert.Equal(t, []bool{true, false}, flow.snapshot())

	low, eff, _ := l.Watermarks()
	assert.Equal(t, 2, low)
	assert.Equal(t, 2, eff)
}

func TestDrainWhileUnlimitedRestoresLowWatermark(t *testing.T) {
	flow := &flowRecorder{}
	l, err := New(4, 10, flow)
	require.NoError(t, err)

	acquireN(t, l, 8)
	l.DrainLowWaterMark()
	l.Release()
	low, eff, _ := l.Watermarks()
	assert.Equal(t, 4, low)
	assert.Equal(t, 4, eff)
	assert.Empty(t, flow.snapshot())

	acquireN(t, l, 3)
	require.False(t, l.Acquire())
	releaseN(l, 2)
	assert.Equal(t, 8, l.Occupied())
	assert.True(t, l.Limited())
	assert.Equal(t, []bool{true}, flow.snapshot())

	releaseN(l, 4)
	assert.False(t, l.Limited())
	assert.Equal(t, []bool{true, false}, flow.snapshot())
}

func TestDrainFactor(t *testing.T) {
	l, err := New(0, 10, nil, WithDrainFactor(0.5))
	require.NoError(t, err)
	acquireN(t, l, 8)
	l.DrainLowWaterMark()
	_, eff, _ := l.Watermarks()
	assert.Equal(t, 4, eff)
}

func TestChangeWaterMarksKeepsLimited(t *testing.T) {
	flow := &flowRecorder{}
	l, err := New(1, 4, flow)
	require.NoError(t, err)
	acquireN(t, l, 4)
	require.False(t, l.Acquire())

	require.NoError(t, l.ChangeWaterMarks(5, 8))
	assert.True(t, l.Limited())
	assert.True(t, l.Acquire())

	l.Release()
	assert.False(t, l.Limited())
	assert.Equal(t, []bool{true, false}, flow.snapshot())

	assert.ErrorIs(t, l.ChangeWaterMarks(9, 3), api.ErrInvalidWatermarks)
}

func TestUpdateLimit(t *testing.T) {
	l, err := New(DefaultLowWatermark, DefaultHighWatermark, nil)
	require.NoError(t, err)
	require.NoError(t, l.UpdateLimit(1000))
	low, _, high := l.Watermarks()
	assert.Equal(t, 750, low)
	assert.Equal(t, 950, high)
}

func TestInvalidWatermarks(t *testing.T) {
	_, err := New(5, 2, nil)
	assert.ErrorIs(t, err, api.ErrInvalidWatermarks)
	_, err = New(-1, 2, nil)
	assert.ErrorIs(t, err, api.ErrInvalidWatermarks)
}

func TestReleaseNeverUnderflows(t *testing.T) {
	l, err := New(0, 1, nil)
	require.NoError(t, err)
	l.Release()
	assert.Zero(t, l.Occupied())
}

func TestConcurrentAcquireRelease(t *testing.T) {
	flow := &flowRecorder{}
	l, err := New(50, 100, flow)
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 1000; j++ {
				if l.Acquire() {
					l.Release()
				}
			}
		}()
	}
	wg.Wait()
	assert.Zero(t, l.Occupied())
	assert.False(t, l.Limited())

	// transitions strictly alternate
	calls := flow.snapshot()
	for i, c := range calls {
		assert.Equal(t, i%2 == 0, c)
	}
}
