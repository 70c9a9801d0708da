// Package sched is the time-event scheduler: an earliest-deadline-first
// sequence of events with a single armed timer that is preempted whenever an
// earlier deadline arrives.
package sched

import (
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/hakiKhuva/pumpduler/internal/metrics"
	"github.com/hakiKhuva/pumpduler/internal/wire"
)

// TimeEvent is one scheduled broadcast. Immutable after creation.
type TimeEvent struct {
	ID            string
	Channel       string
	ExecTimestamp float64 // seconds since epoch
	Data          any
	Created       float64 // seconds since epoch
}

// payload is the time_event wire shape.
type payload struct {
	ID            string  `json:"id" msgpack:"id"`
	ChannelName   string  `json:"channel_name" msgpack:"channel_name"`
	Timestamp     float64 `json:"timestamp" msgpack:"timestamp"`
	ExecTimestamp float64 `json:"exec_timestamp" msgpack:"exec_timestamp"`
	Data          any     `json:"data" msgpack:"data"`
}

// BroadcastFunc fans a message out to the named channels. The hub registry's
// Broadcast method satisfies it.
type BroadcastFunc func(channels []string, msgType string, data any) error

// Scheduler keeps the event sequence sorted by (exec_timestamp, insertion
// order) and at most one armed timer goroutine bound to the head.
//
// Lock order: events mutex before executor mutex, never the reverse. fire
// takes the events mutex and reseats inside it; reseat takes only the
// executor mutex.
type Scheduler struct {
	broadcast BroadcastFunc
	log       zerolog.Logger

	mu     sync.Mutex // events mutex
	events []*TimeEvent

	execMu sync.Mutex // executor mutex
	armed  *timerTask
}

// timerTask is one armed timer, bound to a single event. Terminal: it either
// fires or is skipped, never both.
type timerTask struct {
	event   *TimeEvent
	cancel  chan struct{}
	once    sync.Once
	skipped atomic.Bool
	waiting atomic.Bool // true while the timer has not woken yet
}

// skip cancels the task. Safe to call after the timer already woke.
func (t *timerTask) skip() {
	t.skipped.Store(true)
	t.once.Do(func() { close(t.cancel) })
}

func New(broadcast BroadcastFunc, log zerolog.Logger) *Scheduler {
	return &Scheduler{
		broadcast: broadcast,
		log:       log.With().Str("component", "sched").Logger(),
	}
}

func now() float64 { return float64(time.Now().UnixNano()) / 1e9 }

// Add schedules data for broadcast on channel at execTimestamp (seconds
// since epoch) and reseats the timer.
func (s *Scheduler) Add(channel string, data any, execTimestamp float64) *TimeEvent {
	ev := &TimeEvent{
		ID:            uuid.NewString(),
		Channel:       channel,
		ExecTimestamp: execTimestamp,
		Data:          data,
		Created:       now(),
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, ev)
	// Stable sort keeps insertion order on equal deadlines.
	sort.SliceStable(s.events, func(i, j int) bool {
		return s.events[i].ExecTimestamp < s.events[j].ExecTimestamp
	})
	metrics.SetPendingTimeEvents(len(s.events))
	s.log.Debug().
		Str("event_id", ev.ID).
		Str("channel", channel).
		Float64("exec_timestamp", execTimestamp).
		Msg("Time event added")
	s.reseat()
	return ev
}

// reseat binds the armed timer to the current head. Caller holds the events
// mutex. If the armed task is already bound to the head it is left alone;
// otherwise it is skipped and a fresh task is armed for the head, if any.
func (s *Scheduler) reseat() {
	s.execMu.Lock()
	defer s.execMu.Unlock()

	var head *TimeEvent
	if len(s.events) > 0 {
		head = s.events[0]
	}

	if s.armed != nil {
		if head != nil && s.armed.event.ID == head.ID {
			return
		}
		s.armed.skip()
		if s.armed.waiting.Load() {
			metrics.IncTimeEventsPreempted()
		}
		s.log.Debug().Str("event_id", s.armed.event.ID).Msg("Armed timer skipped")
		s.armed = nil
	}

	if head == nil {
		return
	}
	task := &timerTask{event: head, cancel: make(chan struct{})}
	task.waiting.Store(true)
	s.armed = task
	go s.run(task)
	s.log.Debug().Str("event_id", head.ID).Msg("Timer armed")
}

// run waits out the task's delay and fires unless the task was skipped.
func (s *Scheduler) run(task *timerTask) {
	if delay := task.event.ExecTimestamp - now(); delay > 0 {
		timer := time.NewTimer(time.Duration(delay * float64(time.Second)))
		select {
		case <-timer.C:
		case <-task.cancel:
			timer.Stop()
		}
	}
	task.waiting.Store(false)
	if task.skipped.Load() {
		return
	}
	s.fire(task.event)
}

// fire broadcasts event if it is still the head. A preempted or concurrently
// removed event is discarded silently. On broadcast failure the event stays
// in place and the timer exits; the next Add re-evaluates.
func (s *Scheduler) fire(event *TimeEvent) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.events) == 0 || s.events[0].ID != event.ID {
		s.log.Debug().Str("event_id", event.ID).Msg("Stale timer discarded")
		return
	}

	err := s.broadcast([]string{event.Channel}, wire.TypeTimeEvent, payload{
		ID:            event.ID,
		ChannelName:   event.Channel,
		Timestamp:     event.Created,
		ExecTimestamp: event.ExecTimestamp,
		Data:          event.Data,
	})
	if err != nil {
		s.log.Error().Err(err).Str("event_id", event.ID).Msg("Time event broadcast failed")
		// The timer goroutine is exiting, so the binding must not
		// survive it: a stale binding would make the next reseat
		// believe the head is already armed and the scheduler would
		// stall. The event itself stays queued.
		s.execMu.Lock()
		if s.armed != nil && s.armed.event.ID == event.ID {
			s.armed = nil
		}
		s.execMu.Unlock()
		return
	}

	s.events = s.events[1:]
	metrics.SetPendingTimeEvents(len(s.events))
	metrics.IncTimeEventsFired()
	s.log.Debug().Str("event_id", event.ID).Msg("Time event fired")
	s.reseat()
}

// Count returns the number of pending events.
func (s *Scheduler) Count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.events)
}

// Snapshot returns a copy of the pending sequence, head first.
func (s *Scheduler) Snapshot() []*TimeEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*TimeEvent, len(s.events))
	copy(out, s.events)
	return out
}

// Stop drops every pending event and skips the armed timer. Used at
// shutdown.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = nil
	metrics.SetPendingTimeEvents(0)
	s.execMu.Lock()
	defer s.execMu.Unlock()
	if s.armed != nil {
		s.armed.skip()
		s.armed = nil
	}
}
