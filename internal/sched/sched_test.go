package sched

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// capture records broadcast calls; fail makes every call error.
type capture struct {
	mu    sync.Mutex
	fail  bool
	calls []broadcastCall
}

type broadcastCall struct {
	channels []string
	msgType  string
	data     payload
	at       time.Time
}

func (c *capture) broadcast(channels []string, msgType string, data any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.fail {
		return errors.New("broadcast failed")
	}
	c.calls = append(c.calls, broadcastCall{
		channels: channels,
		msgType:  msgType,
		data:     data.(payload),
		at:       time.Now(),
	})
	return nil
}

func (c *capture) snapshot() []broadcastCall {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]broadcastCall, len(c.calls))
	copy(out, c.calls)
	return out
}

func (c *capture) setFail(fail bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.fail = fail
}

func newTestScheduler(t *testing.T) (*Scheduler, *capture) {
	t.Helper()
	cap := &capture{}
	s := New(cap.broadcast, zerolog.Nop())
	t.Cleanup(s.Stop)
	return s, cap
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met within timeout")
}

func in(d time.Duration) float64 {
	return float64(time.Now().Add(d).UnixNano()) / 1e9
}

func TestAddFiresOnceAtDeadline(t *testing.T) {
	s, cap := newTestScheduler(t)

	start := time.Now()
	ev := s.Add("t", "hi", in(100*time.Millisecond))
	require.Equal(t, 1, s.Count())

	waitFor(t, time.Second, func() bool { return len(cap.snapshot()) == 1 })

	calls := cap.snapshot()
	assert.Equal(t, []string{"t"}, calls[0].channels)
	assert.Equal(t, "time_event", calls[0].msgType)
	assert.Equal(t, ev.ID, calls[0].data.ID)
	assert.Equal(t, "t", calls[0].data.ChannelName)
	assert.Equal(t, "hi", calls[0].data.Data)
	assert.GreaterOrEqual(t, time.Since(start), 90*time.Millisecond)

	assert.Equal(t, 0, s.Count())

	// No second fire.
	time.Sleep(150 * time.Millisecond)
	assert.Len(t, cap.snapshot(), 1)
}

func TestPastDeadlineFiresImmediately(t *testing.T) {
	s, cap := newTestScheduler(t)

	s.Add("t", 1, in(-time.Second))
	waitFor(t, time.Second, func() bool { return len(cap.snapshot()) == 1 })
	assert.Equal(t, 0, s.Count())
}

func TestEarlierArrivalPreempts(t *testing.T) {
	s, cap := newTestScheduler(t)

	e1 := s.Add("a", "late", in(400*time.Millisecond))
	time.Sleep(20 * time.Millisecond)
	e2 := s.Add("b", "early", in(100*time.Millisecond))

	waitFor(t, 2*time.Second, func() bool { return len(cap.snapshot()) == 2 })

	calls := cap.snapshot()
	assert.Equal(t, e2.ID, calls[0].data.ID)
	assert.Equal(t, e1.ID, calls[1].data.ID)
	assert.Equal(t, 0, s.Count())

	// Neither fires twice.
	time.Sleep(150 * time.Millisecond)
	assert.Len(t, cap.snapshot(), 2)
}

func TestTiesFireInInsertionOrder(t *testing.T) {
	s, cap := newTestScheduler(t)

	at := in(80 * time.Millisecond)
	first := s.Add("a", 1, at)
	second := s.Add("a", 2, at)

	waitFor(t, time.Second, func() bool { return len(cap.snapshot()) == 2 })
	calls := cap.snapshot()
	assert.Equal(t, first.ID, calls[0].data.ID)
	assert.Equal(t, second.ID, calls[1].data.ID)
}

func TestLaterArrivalDoesNotPreempt(t *testing.T) {
	s, cap := newTestScheduler(t)

	head := s.Add("a", 1, in(100*time.Millisecond))
	s.Add("a", 2, in(300*time.Millisecond))

	waitFor(t, time.Second, func() bool { return len(cap.snapshot()) >= 1 })
	assert.Equal(t, head.ID, cap.snapshot()[0].data.ID)
}

func TestBroadcastFailureLeavesEventInPlace(t *testing.T) {
	s, cap := newTestScheduler(t)
	cap.setFail(true)

	stuck := s.Add("a", 1, in(50*time.Millisecond))
	time.Sleep(200 * time.Millisecond)

	// The event stays queued and the timer is gone; the next Add
	// re-evaluates.
	require.Equal(t, 1, s.Count())
	assert.Empty(t, cap.snapshot())

	// The new event's deadline is later than the stuck head's, so the
	// head stays put; reseat must still arm a fresh timer for it.
	cap.setFail(false)
	s.Add("b", 2, in(30*time.Millisecond))
	waitFor(t, time.Second, func() bool { return s.Count() == 0 })

	calls := cap.snapshot()
	require.Len(t, calls, 2)
	assert.Equal(t, stuck.ID, calls[0].data.ID)
}

func TestSnapshotOrderedByDeadline(t *testing.T) {
	s, _ := newTestScheduler(t)

	late := s.Add("a", 1, in(10*time.Second))
	early := s.Add("a", 2, in(5*time.Second))

	snap := s.Snapshot()
	require.Len(t, snap, 2)
	assert.Equal(t, early.ID, snap[0].ID)
	assert.Equal(t, late.ID, snap[1].ID)
}

func TestStopDropsPendingEvents(t *testing.T) {
	s, cap := newTestScheduler(t)

	s.Add("a", 1, in(50*time.Millisecond))
	s.Add("a", 2, in(10*time.Second))
	s.Stop()

	assert.Equal(t, 0, s.Count())
	time.Sleep(150 * time.Millisecond)
	assert.Empty(t, cap.snapshot())
}

func TestEventsAreImmutableRecords(t *testing.T) {
	s, _ := newTestScheduler(t)

	ev := s.Add("a", "x", in(time.Hour))
	assert.NotEmpty(t, ev.ID)
	assert.Equal(t, "a", ev.Channel)
	assert.Equal(t, "x", ev.Data)
	assert.InDelta(t, float64(time.Now().UnixNano())/1e9, ev.Created, 1.0)

	other := s.Add("a", "y", in(time.Hour))
	assert.NotEqual(t, ev.ID, other.ID)
}
