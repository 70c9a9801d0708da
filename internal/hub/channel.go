// Package hub is the channel registry: named topics holding live
// subscriber lists, with lazy creation and destroy-on-empty lifecycle.
package hub

import (
	"errors"
	"sync"

	"github.com/rs/zerolog"
)

// ErrNotSubscribed reports an unsubscribe of a session that is not in the
// channel.
var ErrNotSubscribed = errors.New("not subscribed")

// ErrNoChannel reports an unsubscribe from a channel that does not exist.
var ErrNoChannel = errors.New("no such channel")

// Subscriber receives broadcast frames. Sessions implement it; SessionID is
// used only in logs.
type Subscriber interface {
	SendFrame(frame []byte) error
	SessionID() int64
}

// Channel is one named topic. Subscribers are kept in subscription order.
// Subscribing twice means receiving twice; unsubscribe removes the first
// occurrence.
type Channel struct {
	name string
	log  zerolog.Logger

	mu   sync.Mutex
	subs []Subscriber
}

func newChannel(name string, log zerolog.Logger) *Channel {
	return &Channel{name: name, log: log}
}

// Name returns the channel name.
func (c *Channel) Name() string { return c.name }

// Subscribe appends sub to the subscriber list.
func (c *Channel) Subscribe(sub Subscriber) {
	c.mu.Lock()
	c.subs = append(c.subs, sub)
	c.mu.Unlock()
}

// Unsubscribe removes the first occurrence of sub.
func (c *Channel) Unsubscribe(sub Subscriber) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i, s := range c.subs {
		if s == sub {
			c.subs = append(c.subs[:i], c.subs[i+1:]...)
			return nil
		}
	}
	return ErrNotSubscribed
}

// removeAll removes every occurrence of sub and reports how many were
// dropped. Used by session teardown, where duplicates must go too.
func (c *Channel) removeAll(sub Subscriber) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	kept := c.subs[:0]
	for _, s := range c.subs {
		if s != sub {
			kept = append(kept, s)
		}
	}
	removed := len(c.subs) - len(kept)
	for i := len(kept); i < len(c.subs); i++ {
		c.subs[i] = nil
	}
	c.subs = kept
	return removed
}

// Broadcast writes frame to every subscriber in subscription order. The
// channel lock is held for the whole fan-out, so frames from distinct
// broadcasts never interleave within one channel. Send errors are logged
// and skipped; the failing session is torn down by its own read loop.
func (c *Channel) Broadcast(frame []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, sub := range c.subs {
		if err := sub.SendFrame(frame); err != nil {
			c.log.Warn().
				Err(err).
				Str("channel", c.name).
				Int64("session_id", sub.SessionID()).
				Msg("Broadcast send failed")
		}
	}
}

// Snapshot returns a copy of the subscriber list.
func (c *Channel) Snapshot() []Subscriber {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Subscriber, len(c.subs))
	copy(out, c.subs)
	return out
}

// Count returns the number of subscriptions, duplicates included.
func (c *Channel) Count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.subs)
}

// Contains reports whether sub appears at least once.
func (c *Channel) Contains(sub Subscriber) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, s := range c.subs {
		if s == sub {
			return true
		}
	}
	return false
}
