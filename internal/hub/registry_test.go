package hub

import (
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hakiKhuva/pumpduler/internal/codec"
	"github.com/hakiKhuva/pumpduler/internal/wire"
)

// stubSub records delivered frames; fail turns every send into an error.
type stubSub struct {
	id   int64
	fail bool

	mu     sync.Mutex
	frames []string
}

func (s *stubSub) SendFrame(frame []byte) error {
	if s.fail {
		return errors.New("send failed")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.frames = append(s.frames, string(frame))
	return nil
}

func (s *stubSub) SessionID() int64 { return s.id }

func (s *stubSub) received() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, len(s.frames))
	copy(out, s.frames)
	return out
}

func newTestRegistry(t *testing.T) *Registry {
	t.Helper()
	c, err := codec.Get("json")
	require.NoError(t, err)
	return NewRegistry(wire.NewFramer(c), zerolog.Nop())
}

func TestSubscribeCreatesChannel(t *testing.T) {
	r := newTestRegistry(t)
	require.Equal(t, 0, r.Count())

	a := &stubSub{id: 1}
	r.Subscribe("x", a)

	assert.Equal(t, 1, r.Count())
	assert.Equal(t, []string{"x"}, r.Names())
	require.NotNil(t, r.Get("x"))
	assert.Equal(t, 1, r.Get("x").Count())
}

func TestUnsubscribeDestroysEmptyChannel(t *testing.T) {
	r := newTestRegistry(t)
	a := &stubSub{id: 1}
	r.Subscribe("x", a)

	require.NoError(t, r.Unsubscribe("x", a))
	assert.Equal(t, 0, r.Count())
	assert.Empty(t, r.Names())
	assert.Nil(t, r.Get("x"))
}

func TestUnsubscribeMissingChannel(t *testing.T) {
	r := newTestRegistry(t)
	err := r.Unsubscribe("ghost", &stubSub{id: 1})
	assert.ErrorIs(t, err, ErrNoChannel)
}

func TestUnsubscribeNotSubscribed(t *testing.T) {
	r := newTestRegistry(t)
	a, b := &stubSub{id: 1}, &stubSub{id: 2}
	r.Subscribe("x", a)

	err := r.Unsubscribe("x", b)
	assert.ErrorIs(t, err, ErrNotSubscribed)
	assert.Equal(t, 1, r.Get("x").Count())
}

// Subscribing twice delivers twice; each unsubscribe peels one occurrence.
func TestDuplicateSubscribeDeliversTwice(t *testing.T) {
	r := newTestRegistry(t)
	a := &stubSub{id: 1}
	r.Subscribe("x", a)
	r.Subscribe("x", a)

	require.NoError(t, r.Broadcast([]string{"x"}, wire.TypePublishedEvent, "hello"))
	assert.Len(t, a.received(), 2)

	require.NoError(t, r.Unsubscribe("x", a))
	assert.Equal(t, 1, r.Get("x").Count())

	require.NoError(t, r.Unsubscribe("x", a))
	assert.Equal(t, 0, r.Count())
}

func TestBroadcastReachesOnlyNamedChannel(t *testing.T) {
	r := newTestRegistry(t)
	a, b, c := &stubSub{id: 1}, &stubSub{id: 2}, &stubSub{id: 3}
	r.Subscribe("x", a)
	r.Subscribe("x", b)
	r.Subscribe("y", c)

	require.NoError(t, r.Broadcast([]string{"x"}, wire.TypePublishedEvent, map[string]any{"n": 1}))

	want := `{"type":"published_event","data":{"n":1}}` + "\n"
	assert.Equal(t, []string{want}, a.received())
	assert.Equal(t, []string{want}, b.received())
	assert.Empty(t, c.received())
}

func TestBroadcastMissingChannelSkipped(t *testing.T) {
	r := newTestRegistry(t)
	assert.NoError(t, r.Broadcast([]string{"nope"}, wire.TypePublishedEvent, 1))
}

func TestBroadcastContinuesPastFailingSubscriber(t *testing.T) {
	r := newTestRegistry(t)
	bad := &stubSub{id: 1, fail: true}
	good := &stubSub{id: 2}
	r.Subscribe("x", bad)
	r.Subscribe("x", good)

	require.NoError(t, r.Broadcast([]string{"x"}, wire.TypePublishedEvent, "still delivered"))
	assert.Len(t, good.received(), 1)
	// The failing subscriber stays; its own read loop is what removes it.
	assert.True(t, r.Get("x").Contains(bad))
}

func TestBroadcastEncodeError(t *testing.T) {
	r := newTestRegistry(t)
	a := &stubSub{id: 1}
	r.Subscribe("x", a)

	err := r.Broadcast([]string{"x"}, wire.TypePublishedEvent, make(chan int))
	require.Error(t, err)
	var ce *wire.CodecError
	assert.ErrorAs(t, err, &ce)
	assert.Empty(t, a.received())
}

// One broadcast delivers in subscription order, and sequential broadcasts
// arrive in publish order.
func TestBroadcastOrderPreserved(t *testing.T) {
	r := newTestRegistry(t)
	a := &stubSub{id: 1}
	r.Subscribe("x", a)

	const n = 20
	want := make([]string, n)
	for i := 0; i < n; i++ {
		require.NoError(t, r.Broadcast([]string{"x"}, wire.TypePublishedEvent, float64(i)))
		want[i] = fmt.Sprintf(`{"type":"published_event","data":%d}`+"\n", i)
	}
	assert.Equal(t, want, a.received())
}

func TestDropRemovesAllOccurrences(t *testing.T) {
	r := newTestRegistry(t)
	a, b := &stubSub{id: 1}, &stubSub{id: 2}
	r.Subscribe("x", a)
	r.Subscribe("x", a) // duplicate
	r.Subscribe("y", a)
	r.Subscribe("y", b)

	dropped := r.Drop(a)
	assert.Equal(t, []string{"x", "y"}, dropped)

	// x emptied and destroyed; y survives with b only.
	assert.Nil(t, r.Get("x"))
	require.NotNil(t, r.Get("y"))
	assert.Equal(t, 1, r.Get("y").Count())
	assert.False(t, r.Get("y").Contains(a))

	for _, sub := range r.Get("y").Snapshot() {
		assert.NotEqual(t, a, sub)
	}
}

func TestDropWithoutSubscriptions(t *testing.T) {
	r := newTestRegistry(t)
	r.Subscribe("x", &stubSub{id: 1})
	assert.Empty(t, r.Drop(&stubSub{id: 2}))
	assert.Equal(t, 1, r.Count())
}

func TestChannelsOf(t *testing.T) {
	r := newTestRegistry(t)
	a, b := &stubSub{id: 1}, &stubSub{id: 2}
	r.Subscribe("beta", a)
	r.Subscribe("alpha", a)
	r.Subscribe("gamma", b)

	assert.Equal(t, []string{"alpha", "beta"}, r.ChannelsOf(a))
	assert.Equal(t, []string{"gamma"}, r.ChannelsOf(b))
	assert.Empty(t, r.ChannelsOf(&stubSub{id: 3}))
}

func TestSnapshotIsACopy(t *testing.T) {
	r := newTestRegistry(t)
	a := &stubSub{id: 1}
	r.Subscribe("x", a)

	snap := r.Get("x").Snapshot()
	require.Len(t, snap, 1)

	require.NoError(t, r.Unsubscribe("x", a))
	assert.Len(t, snap, 1)
}

func TestNamesSorted(t *testing.T) {
	r := newTestRegistry(t)
	a := &stubSub{id: 1}
	for _, name := range []string{"zeta", "alpha", "mid"} {
		r.Subscribe(name, a)
	}
	assert.Equal(t, []string{"alpha", "mid", "zeta"}, r.Names())
}
