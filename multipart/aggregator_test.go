package multipart

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/momentics/hioload-ofc/api"
	"github.com/momentics/hioload-ofc/fake"
)

func fragment(xid uint32, payload string, more bool) *fake.Msg {
	m := fake.NewMsg(xid, payload)
	m.More = more
	return m
}

func payloads(t *testing.T, msgs []api.Message) []string {
	t.Helper()
	out := make([]string, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, string(m.(*fake.Msg).Payload))
	}
	return out
}

func resolved(p *Pending) bool {
	select {
	case <-p.Done():
		return true
	default:
		return false
	}
}

func TestSingleFragment(t *testing.T) {
	a := New()
	p, err := a.Register(45)
	require.NoError(t, err)
	assert.True(t, a.AddFragment(fragment(45, "only", false)))

	frags, err := p.Wait(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"only"}, payloads(t, frags))
	assert.Zero(t, a.Len())
}

func TestFragmentsInArrivalOrder(t *testing.T) {
	a := New()
	p, err := a.Register(45)
	require.NoError(t, err)
	a.AddFragment(fragment(45, "first", true))
	assert.False(t, resolved(p))
	a.AddFragment(fragment(45, "second", false))

	frags, err := p.Result()
	require.NoError(t, err)
	assert.Equal(t, []string{"first", "second"}, payloads(t, frags))
}

func TestExpiry(t *testing.T) {
	mock := clock.NewMock()
	a := New(WithClock(mock), WithTimeout(time.Second))
	p, err := a.Register(45)
	require.NoError(t, err)
	a.AddFragment(fragment(45, "first", true))

	mock.Add(time.Second)
	require.Eventually(t, func() bool { return resolved(p) }, time.Second, 5*time.Millisecond)
	_, err = p.Result()
	assert.ErrorIs(t, err, ErrExpired)
	assert.Equal(t, api.KindTimeout, api.KindOf(err))
	assert.Zero(t, a.Len())

	// late fragment: accepted, no effect on the resolved result
	assert.False(t, a.AddFragment(fragment(45, "late", false)))
	_, err = p.Result()
	assert.ErrorIs(t, err, ErrExpired)
}

func TestUnregisteredFragmentsExpire(t *testing.T) {
	mock := clock.NewMock()
	a := New(WithClock(mock), WithTimeout(time.Second))
	assert.False(t, a.AddFragment(fragment(7, "stray", true)))
	assert.Equal(t, 1, a.Len())

	mock.Add(time.Second)
	require.Eventually(t, func() bool { return a.Len() == 0 }, time.Second, 5*time.Millisecond)
}

func TestRegistrationAdoptsEarlyFragments(t *testing.T) {
	a := New()
	a.AddFragment(fragment(45, "early", true))
	p, err := a.Register(45)
	require.NoError(t, err)
	assert.False(t, resolved(p))
	a.AddFragment(fragment(45, "last", false))

	frags, err := p.Result()
	require.NoError(t, err)
	assert.Equal(t, []string{"early", "last"}, payloads(t, frags))
}

func TestRegistrationAfterCompleteOrphan(t *testing.T) {
	a := New()
	a.AddFragment(fragment(45, "all", false))
	p, err := a.Register(45)
	require.NoError(t, err)
	require.True(t, resolved(p))
	frags, err := p.Result()
	require.NoError(t, err)
	assert.Equal(t, []string{"all"}, payloads(t, frags))
}

func TestDuplicateRegistration(t *testing.T) {
	a := New()
	_, err := a.Register(45)
	require.NoError(t, err)
	_, err = a.Register(45)
	assert.ErrorIs(t, err, api.ErrAlreadyRegistered)
}

func TestFinishAndFail(t *testing.T) {
	a := New()
	p1, err := a.Register(1)
	require.NoError(t, err)
	a.AddFragment(fragment(1, "partial", true))
	assert.True(t, a.Finish(1))
	frags, err := p1.Result()
	require.NoError(t, err)
	assert.Len(t, frags, 1)
	assert.False(t, a.Finish(1))

	p2, err := a.Register(2)
	require.NoError(t, err)
	boom := errors.New("device error")
	assert.True(t, a.Fail(2, boom))
	_, err = p2.Result()
	assert.ErrorIs(t, err, boom)
	assert.False(t, a.Fail(3, boom))
}

func TestCloseFailsPending(t *testing.T) {
	a := New()
	p, err := a.Register(45)
	require.NoError(t, err)
	a.AddFragment(fragment(46, "stray", true))

	assert.Equal(t, 1, a.Close())
	_, err = p.Result()
	assert.ErrorIs(t, err, api.ErrDisconnected)
	assert.Zero(t, a.Len())
}

func TestWaitHonoursContext(t *testing.T) {
	a := New()
	p, err := a.Register(45)
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = p.Wait(ctx)
	assert.Equal(t, api.KindTimeout, api.KindOf(err))
	assert.Equal(t, uint32(45), p.XID())
}
