package hub

import (
	"sort"
	"sync"

	"github.com/rs/zerolog"

	"github.com/hakiKhuva/pumpduler/internal/metrics"
	"github.com/hakiKhuva/pumpduler/internal/wire"
)

// Registry maps channel names to live channels. A channel exists iff it has
// at least one subscriber: created on first subscribe, destroyed on last
// unsubscribe.
//
// Lock order: registry before channel, never the reverse.
type Registry struct {
	framer *wire.Framer
	log    zerolog.Logger

	mu       sync.RWMutex
	channels map[string]*Channel
}

func NewRegistry(framer *wire.Framer, log zerolog.Logger) *Registry {
	return &Registry{
		framer:   framer,
		log:      log.With().Str("component", "hub").Logger(),
		channels: make(map[string]*Channel),
	}
}

// Subscribe adds sub to the named channel, creating it if absent.
func (r *Registry) Subscribe(name string, sub Subscriber) {
	r.mu.Lock()
	defer r.mu.Unlock()
	ch, ok := r.channels[name]
	if !ok {
		ch = newChannel(name, r.log)
		r.channels[name] = ch
		metrics.SetChannels(len(r.channels))
		r.log.Debug().Str("channel", name).Msg("Channel created")
	}
	ch.Subscribe(sub)
}

// Unsubscribe removes one occurrence of sub from the named channel and
// destroys the channel if it is left empty.
func (r *Registry) Unsubscribe(name string, sub Subscriber) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	ch, ok := r.channels[name]
	if !ok {
		return ErrNoChannel
	}
	if err := ch.Unsubscribe(sub); err != nil {
		return err
	}
	if ch.Count() == 0 {
		delete(r.channels, name)
		metrics.SetChannels(len(r.channels))
		r.log.Debug().Str("channel", name).Msg("Channel destroyed")
	}
	return nil
}

// Drop removes sub from every channel, duplicates included, destroying
// channels left empty. Returns the affected channel names, sorted.
func (r *Registry) Drop(sub Subscriber) []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	var dropped []string
	for name, ch := range r.channels {
		if ch.removeAll(sub) == 0 {
			continue
		}
		dropped = append(dropped, name)
		if ch.Count() == 0 {
			delete(r.channels, name)
		}
	}
	if len(dropped) > 0 {
		metrics.SetChannels(len(r.channels))
		sort.Strings(dropped)
	}
	return dropped
}

// Broadcast encodes one {type, data} frame and fans it out to every
// existing channel in names; unknown names are skipped. The returned error
// is an encode failure only; per-subscriber send errors are handled inside
// the channels.
func (r *Registry) Broadcast(names []string, msgType string, data any) error {
	frame, err := r.framer.EncodeMessage(msgType, data)
	if err != nil {
		return err
	}
	metrics.IncBroadcast(msgType)
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, name := range names {
		if ch, ok := r.channels[name]; ok {
			ch.Broadcast(frame)
		}
	}
	return nil
}

// ChannelsOf returns the sorted names of all channels containing sub.
func (r *Registry) ChannelsOf(sub Subscriber) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var names []string
	for name, ch := range r.channels {
		if ch.Contains(sub) {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return names
}

// Names returns all live channel names, sorted. Never nil.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.channels))
	for name := range r.channels {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Count returns the number of live channels.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.channels)
}

// Get returns the named channel, or nil.
func (r *Registry) Get(name string) *Channel {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.channels[name]
}
