package session

import (
	"context"
	"errors"
	"net"
	"sync"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/hakiKhuva/pumpduler/internal/hub"
	"github.com/hakiKhuva/pumpduler/internal/metrics"
	"github.com/hakiKhuva/pumpduler/internal/sched"
	"github.com/hakiKhuva/pumpduler/internal/wire"
)

// ErrAtCapacity reports an admission attempt with the live set already at
// MaxClients.
var ErrAtCapacity = errors.New("client cap reached")

// Options configures a Registry.
type Options struct {
	MaxClients int
	ReadSize   int
	// ActionRate limits decoded requests per session, per second; 0
	// disables the limiter.
	ActionRate  float64
	ActionBurst int
}

// Registry tracks live sessions and enforces the client cap by clearing the
// admission gate at capacity. One mutex guards Add and Remove; channel
// cleanup in Remove runs inside it, relying on the hub's registry-before-
// channel lock order.
type Registry struct {
	hub    *hub.Registry
	sched  *sched.Scheduler
	framer *wire.Framer
	gate   *Gate
	log    zerolog.Logger
	opts   Options

	started float64

	mu       sync.Mutex
	sessions []*Session
	nextID   int64

	wg sync.WaitGroup
}

func NewRegistry(h *hub.Registry, sc *sched.Scheduler, framer *wire.Framer, gate *Gate, opts Options, log zerolog.Logger) *Registry {
	return &Registry{
		hub:     h,
		sched:   sc,
		framer:  framer,
		gate:    gate,
		log:     log.With().Str("component", "session").Logger(),
		opts:    opts,
		started: epochSeconds(),
	}
}

// Add admits conn: it creates the session, inserts it into the live set,
// clears the gate once the cap is reached and spawns the read loop. The cap
// is re-checked under the registry mutex, so admission paths that do not
// park on the gate (the WebSocket gateway) cannot race the live count past
// MaxClients; such attempts return ErrAtCapacity.
func (r *Registry) Add(conn net.Conn) (*Session, error) {
	r.mu.Lock()
	if len(r.sessions) >= r.opts.MaxClients {
		r.gate.Clear()
		r.mu.Unlock()
		return nil, ErrAtCapacity
	}
	r.nextID++
	s := &Session{
		id:        r.nextID,
		conn:      conn,
		registry:  r,
		connected: epochSeconds(),
	}
	s.log = r.log.With().Int64("session_id", s.id).Logger()
	if r.opts.ActionRate > 0 {
		s.limiter = rate.NewLimiter(rate.Limit(r.opts.ActionRate), r.opts.ActionBurst)
	}
	r.sessions = append(r.sessions, s)
	count := len(r.sessions)
	if count >= r.opts.MaxClients {
		r.gate.Clear()
	}
	r.mu.Unlock()

	metrics.SetConnections(count)
	metrics.IncConnectionsTotal()
	s.log.Info().Str("remote", remoteLabel(conn)).Int("clients", count).Msg("Client connected")

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		s.readLoop()
	}()
	return s, nil
}

// Remove unsubscribes sess from every channel, drops it from the live set,
// closes the socket and reopens the gate when a slot frees up. Removing an
// absent session is a no-op.
func (r *Registry) Remove(sess *Session) {
	r.mu.Lock()
	i := -1
	for j, s := range r.sessions {
		if s == sess {
			i = j
			break
		}
	}
	if i < 0 {
		r.mu.Unlock()
		return
	}
	dropped := r.hub.Drop(sess)
	r.sessions = append(r.sessions[:i], r.sessions[i+1:]...)
	count := len(r.sessions)
	sess.close()
	if count < r.opts.MaxClients {
		r.gate.Set()
	}
	r.mu.Unlock()

	metrics.SetConnections(count)
	sess.log.Info().
		Strs("channels", dropped).
		Int("clients", count).
		Int64("bytes_sent", sess.BytesSent()).
		Int64("bytes_received", sess.BytesReceived()).
		Msg("Client disconnected")
}

// Count returns the number of live sessions.
func (r *Registry) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}

// Snapshot returns a copy of the live session list.
func (r *Registry) Snapshot() []*Session {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*Session, len(r.sessions))
	copy(out, r.sessions)
	return out
}

// Hub returns the channel registry this registry dispatches into.
func (r *Registry) Hub() *hub.Registry { return r.hub }

// Scheduler returns the time-event scheduler.
func (r *Registry) Scheduler() *sched.Scheduler { return r.sched }

// CloseAll removes every live session and waits, bounded by ctx, for their
// read loops to drain.
func (r *Registry) CloseAll(ctx context.Context) error {
	for _, s := range r.Snapshot() {
		r.Remove(s)
	}
	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-done:
		return nil
	}
}

// infoRecord is the info verb's reply, with the wire field order.
type infoRecord struct {
	StartedTime   float64  `json:"started_time" msgpack:"started_time"`
	Uptime        float64  `json:"uptime" msgpack:"uptime"`
	Clients       int      `json:"clients" msgpack:"clients"`
	ChannelsNum   int      `json:"channels_num" msgpack:"channels_num"`
	Channels      []string `json:"channels" msgpack:"channels"`
	TimeEventsNum int      `json:"time_events_num" msgpack:"time_events_num"`
}

// info builds the server stats record. Uptime is rounded to four decimals
// for wire compatibility; channels are sorted.
func (r *Registry) info() infoRecord {
	return infoRecord{
		StartedTime:   r.started,
		Uptime:        round4(epochSeconds() - r.started),
		Clients:       r.Count(),
		ChannelsNum:   r.hub.Count(),
		Channels:      r.hub.Names(),
		TimeEventsNum: r.sched.Count(),
	}
}

func remoteLabel(conn net.Conn) string {
	if addr := conn.RemoteAddr(); addr != nil {
		return addr.String()
	}
	return "unknown"
}
