// Package transporttest provides an in-memory Transport that records what the
// orchestration layer emitted.
package transporttest

import (
	"errors"
	"sort"
	"sync"

	"teleconsult/pkg/interfaces"
	"teleconsult/pkg/types"
)

var _ interfaces.Transport = (*Recorder)(nil)

// Delivery is one event handed to the transport.
type Delivery struct {
	// Target is the channel key, or "conn:<id>" for direct sends.
	Target string
	Event  *types.Event
}

// Recorder keeps channel membership and every emitted event.
type Recorder struct {
	mu          sync.Mutex
	channels    map[string]map[string]bool
	deliveries  []Delivery
	disconnects map[string]string
	// FailEmits makes every emit return an error.
	FailEmits bool
}

func NewRecorder() *Recorder {
	return &Recorder{
		channels:    make(map[string]map[string]bool),
		disconnects: make(map[string]string),
	}
}

func (r *Recorder) JoinChannel(connID, channel string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.channels[channel] == nil {
		r.channels[channel] = make(map[string]bool)
	}
	r.channels[channel][connID] = true
	return nil
}

func (r *Recorder) LeaveChannel(connID, channel string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.channels[channel], connID)
}

func (r *Recorder) EmitToChannel(channel string, event *types.Event) error {
	return r.record(channel, event)
}

func (r *Recorder) EmitToConnection(connID string, event *types.Event) error {
	return r.record("conn:"+connID, event)
}

func (r *Recorder) Disconnect(connID, reason string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.disconnects[connID] = reason
	for _, members := range r.channels {
		delete(members, connID)
	}
	return nil
}

func (r *Recorder) record(target string, event *types.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.FailEmits {
		return errors.New("transport unavailable")
	}
	r.deliveries = append(r.deliveries, Delivery{Target: target, Event: event})
	return nil
}

// Members returns the sorted connection ids joined to channel.
func (r *Recorder) Members(channel string) []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	var ids []string
	for id := range r.channels[channel] {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Events returns the events of the given type sent to target, in order.
// An empty eventType matches every event.
func (r *Recorder) Events(target, eventType string) []*types.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*types.Event
	for _, d := range r.deliveries {
		if d.Target == target && (eventType == "" || d.Event.Type == eventType) {
			out = append(out, d.Event)
		}
	}
	return out
}

// Count returns how many events of eventType were sent to any target.
func (r *Recorder) Count(eventType string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, d := range r.deliveries {
		if d.Event.Type == eventType {
			n++
		}
	}
	return n
}

// DisconnectReason returns the reason a connection was dropped with.
func (r *Recorder) DisconnectReason(connID string) (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	reason, ok := r.disconnects[connID]
	return reason, ok
}

// Reset forgets recorded deliveries; membership is kept.
func (r *Recorder) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.deliveries = nil
}
