// Package typing tracks short-TTL "X is typing" signals per channel.
package typing

import (
	"sort"
	"sync"
	"time"
)

const (
	defaultTTL    = 10 * time.Second
	sweepInterval = 5 * time.Second
)

type entry struct {
	expiresAt  time.Time
	persistent bool
}

// Map is a two-level map: channel → sender → expiry. Persistent entries
// never expire; everything else is swept every 5 seconds.
type Map struct {
	mu       sync.Mutex
	channels map[string]map[string]entry
	ttl      time.Duration
	now      func() time.Time
}

// NewMap creates an empty typing map.
func NewMap() *Map {
	return &Map{
		channels: make(map[string]map[string]entry),
		ttl:      defaultTTL,
		now:      time.Now,
	}
}

// Set marks sender as typing in channel. Persistent entries survive sweeps
// until explicitly deleted.
func (m *Map) Set(channel, sender string, persistent bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	senders, ok := m.channels[channel]
	if !ok {
		senders = make(map[string]entry)
		m.channels[channel] = senders
	}
	senders[sender] = entry{
		expiresAt:  m.now().Add(m.ttl),
		persistent: persistent,
	}
}

// Get returns the live set of typing senders in channel, sorted.
func (m *Map) Get(channel string) []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	var out []string
	for sender, e := range m.channels[channel] {
		if e.persistent || e.expiresAt.After(now) {
			out = append(out, sender)
		}
	}
	sort.Strings(out)
	return out
}

// Delete removes sender from one channel.
func (m *Map) Delete(channel, sender string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if senders, ok := m.channels[channel]; ok {
		delete(senders, sender)
		if len(senders) == 0 {
			delete(m.channels, channel)
		}
	}
}

// DeleteSender removes sender from every channel and returns the affected
// channel names. Callers publish typing-updated events for those channels.
func (m *Map) DeleteSender(sender string) []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	var affected []string
	for channel, senders := range m.channels {
		if _, ok := senders[sender]; !ok {
			continue
		}
		delete(senders, sender)
		affected = append(affected, channel)
		if len(senders) == 0 {
			delete(m.channels, channel)
		}
	}
	sort.Strings(affected)
	return affected
}

// Sweep removes expired entries and prunes empty channels, returning the
// channels whose live set changed.
func (m *Map) Sweep() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	var affected []string
	for channel, senders := range m.channels {
		changed := false
		for sender, e := range senders {
			if !e.persistent && !e.expiresAt.After(now) {
				delete(senders, sender)
				changed = true
			}
		}
		if changed {
			affected = append(affected, channel)
		}
		if len(senders) == 0 {
			delete(m.channels, channel)
		}
	}
	sort.Strings(affected)
	return affected
}

// Start runs the sweeper until done is closed. Each sweep's affected
// channels are reported through onChange.
func (m *Map) Start(done <-chan struct{}, onChange func(channels []string)) {
	ticker := time.NewTicker(sweepInterval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ticker.C:
				if affected := m.Sweep(); len(affected) > 0 && onChange != nil {
					onChange(affected)
				}
			}
		}
	}()
}
