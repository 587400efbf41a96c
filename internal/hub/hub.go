// Package hub is the real-time transport: it fans orchestration events out to
// the sockets joined to a channel.
package hub

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/sirupsen/logrus"

	"teleconsult/internal/broker"
	"teleconsult/pkg/interfaces"
	"teleconsult/pkg/logger"
	"teleconsult/pkg/types"
)

const defaultEventBuffer = 1000

var _ interfaces.Transport = (*Hub)(nil)

type delivery struct {
	channel string
	connID  string
	event   *types.Event
	data    []byte
	// reason is set for disconnect requests
	reason     string
	disconnect bool
}

// closer is implemented by connections that can send a close frame.
type closer interface {
	CloseWithReason(reason string) error
}

// Hub coordinates event delivery and channel membership
// ARCHITECTURAL DISCOVERY: Central coordination point for all outbound event flow
// maintains clean separation between WebSocket handling and orchestration
type Hub struct {
	// FUNCTIONAL DISCOVERY: Buffered channel prevents blocking orchestration during event bursts
	eventChannel    chan *delivery
	shutdownChannel chan struct{}

	directory interfaces.ChannelDirectory
	mirror    *broker.EventMirror
	log       *logrus.Entry

	// TECHNICAL DISCOVERY: RWMutex allows concurrent reads of running state
	running bool
	mu      sync.RWMutex
	done    chan struct{}
}

// NewHub creates a hub over directory. mirror may be nil.
func NewHub(directory interfaces.ChannelDirectory, mirror *broker.EventMirror, bufferSize int, log *logger.Logger) *Hub {
	if bufferSize <= 0 {
		bufferSize = defaultEventBuffer
	}
	return &Hub{
		eventChannel: make(chan *delivery, bufferSize),
		directory:    directory,
		mirror:       mirror,
		log:          log.WithComponent("hub"),
	}
}

// Start begins hub processing
// FUNCTIONAL DISCOVERY: Single hub goroutine keeps per-channel delivery in emit order
func (h *Hub) Start(ctx context.Context) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.running {
		return ErrHubAlreadyRunning
	}
	h.running = true
	h.shutdownChannel = make(chan struct{})
	h.done = make(chan struct{})
	go h.run(ctx, h.shutdownChannel, h.done)
	h.log.Info("Event hub started")
	return nil
}

// Stop shuts the loop down and waits for it to exit.
func (h *Hub) Stop() error {
	h.mu.Lock()
	if !h.running {
		h.mu.Unlock()
		return ErrHubNotRunning
	}
	h.running = false
	close(h.shutdownChannel)
	done := h.done
	h.mu.Unlock()

	<-done
	h.log.Info("Event hub stopped")
	return nil
}

func (h *Hub) JoinChannel(connID, channel string) error {
	return h.directory.Join(connID, channel)
}

func (h *Hub) LeaveChannel(connID, channel string) {
	h.directory.Leave(connID, channel)
}

// EmitToChannel queues event for every member of channel.
func (h *Hub) EmitToChannel(channel string, event *types.Event) error {
	return h.enqueue(&delivery{channel: channel, event: event})
}

// EmitToConnection queues event for a single connection.
func (h *Hub) EmitToConnection(connID string, event *types.Event) error {
	return h.enqueue(&delivery{connID: connID, event: event})
}

// Disconnect closes connID after everything queued before it was delivered.
func (h *Hub) Disconnect(connID, reason string) error {
	return h.enqueue(&delivery{connID: connID, reason: reason, disconnect: true})
}

func (h *Hub) enqueue(d *delivery) error {
	if !d.disconnect {
		if d.event == nil {
			return ErrNilEvent
		}
		data, err := json.Marshal(d.event)
		if err != nil {
			return err
		}
		d.data = data
	}

	h.mu.RLock()
	defer h.mu.RUnlock()
	if !h.running {
		return ErrHubNotRunning
	}
	// TECHNICAL DISCOVERY: Non-blocking send with error handling prevents hub lockup
	select {
	case h.eventChannel <- d:
		return nil
	default:
		return ErrEventChannelFull
	}
}

// run is the main hub processing loop
func (h *Hub) run(ctx context.Context, shutdown, done chan struct{}) {
	defer close(done)
	for {
		select {
		case d := <-h.eventChannel:
			h.deliver(ctx, d)
		case <-shutdown:
			return
		case <-ctx.Done():
			h.mu.Lock()
			if h.running {
				h.running = false
				close(h.shutdownChannel)
			}
			h.mu.Unlock()
			return
		}
	}
}

// deliver hands one queued item to its sockets. Failures of one member never
// stop delivery to the others.
func (h *Hub) deliver(ctx context.Context, d *delivery) {
	switch {
	case d.disconnect:
		conn, ok := h.directory.Get(d.connID)
		if !ok {
			return
		}
		var err error
		if c, ok := conn.(closer); ok {
			err = c.CloseWithReason(d.reason)
		} else {
			err = conn.Close()
		}
		if err != nil {
			h.log.WithError(err).WithField("conn_id", d.connID).Debug("Close after disconnect failed")
		}

	case d.channel != "":
		for _, conn := range h.directory.Members(d.channel) {
			h.send(conn, d)
		}
		h.mirror.Mirror(ctx, d.event)

	default:
		if conn, ok := h.directory.Get(d.connID); ok {
			h.send(conn, d)
		}
	}
}

func (h *Hub) send(conn interfaces.Connection, d *delivery) {
	if err := conn.Send(d.data); err != nil {
		h.log.WithError(err).WithFields(logrus.Fields{
			"conn_id":    conn.ID(),
			"event_type": d.event.Type,
		}).Warn("Failed to deliver event")
	}
}
