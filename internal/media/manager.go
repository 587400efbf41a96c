// Package media holds the media-plane adapter. The SFU itself runs out of
// process; this adapter tracks which session routers exist and logs every
// control call.
package media

import (
	"context"
	"errors"
	"sync"

	"github.com/sirupsen/logrus"

	"teleconsult/pkg/interfaces"
	"teleconsult/pkg/logger"
)

var _ interfaces.MediaManager = (*Manager)(nil)

// Manager is a logging MediaManager.
type Manager struct {
	mu      sync.Mutex
	routers map[string]bool
	log     *logrus.Entry
}

func NewManager(log *logger.Logger) *Manager {
	return &Manager{routers: make(map[string]bool), log: log.WithComponent("media")}
}

// EnsureRouter is idempotent per session.
func (m *Manager) EnsureRouter(_ context.Context, sessionID string) error {
	if sessionID == "" {
		return errors.New("media: session id is required")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.routers[sessionID] {
		return nil
	}
	m.routers[sessionID] = true
	m.log.WithField("session_id", sessionID).Info("Media router created")
	return nil
}

func (m *Manager) CloseTransport(_ context.Context, id string) error {
	m.log.WithField("transport_id", id).Debug("Media transport closed")
	return nil
}

func (m *Manager) CloseProducer(_ context.Context, id string) error {
	m.log.WithField("producer_id", id).Debug("Media producer closed")
	return nil
}

func (m *Manager) CloseConsumer(_ context.Context, id string) error {
	m.log.WithField("consumer_id", id).Debug("Media consumer closed")
	return nil
}

// CleanupRouter releases the session router; unknown sessions are a no-op.
func (m *Manager) CleanupRouter(_ context.Context, sessionID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.routers[sessionID] {
		return nil
	}
	delete(m.routers, sessionID)
	m.log.WithField("session_id", sessionID).Info("Media router released")
	return nil
}

// HasRouter reports whether a router is currently allocated for the session.
func (m *Manager) HasRouter(sessionID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.routers[sessionID]
}
