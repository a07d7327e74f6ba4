package websocket

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"github.com/opsdash/splitmanager/internal/model"
	"github.com/opsdash/splitmanager/internal/poller"
)

// StatusFetcher builds the poll function for one connection's owner
type StatusFetcher interface {
	FetchStatus(ownerID string) poller.FetchFunc[model.SplitPreview]
}

// Hub maintains active watch sessions
type Hub struct {
	sessions map[*Session]bool

	// Register requests
	register chan *Session

	// Unregister requests
	unregister chan *Session

	fetcher  StatusFetcher
	pollOpts []poller.Option
	logger   *zap.Logger
	done     chan struct{}

	mu sync.RWMutex
}

// NewHub creates a new Hub. pollOpts apply to the poller of every session.
func NewHub(fetcher StatusFetcher, logger *zap.Logger, pollOpts ...poller.Option) *Hub {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Hub{
		sessions:   make(map[*Session]bool),
		register:   make(chan *Session),
		unregister: make(chan *Session),
		fetcher:    fetcher,
		pollOpts:   pollOpts,
		logger:     logger,
		done:       make(chan struct{}),
	}
}

// Run starts the hub's main loop. When ctx ends every session is closed.
func (h *Hub) Run(ctx context.Context) {
	defer close(h.done)
	for {
		select {
		case s := <-h.register:
			h.mu.Lock()
			h.sessions[s] = true
			n := len(h.sessions)
			h.mu.Unlock()
			h.logger.Debug("session registered", zap.String("owner", s.ownerID), zap.Int("sessions", n))

		case s := <-h.unregister:
			h.mu.Lock()
			delete(h.sessions, s)
			n := len(h.sessions)
			h.mu.Unlock()
			h.logger.Debug("session unregistered", zap.String("owner", s.ownerID), zap.Int("sessions", n))

		case <-ctx.Done():
			h.mu.Lock()
			sessions := make([]*Session, 0, len(h.sessions))
			for s := range h.sessions {
				sessions = append(sessions, s)
			}
			h.sessions = make(map[*Session]bool)
			h.mu.Unlock()

			for _, s := range sessions {
				s.Close()
			}
			h.logger.Info("hub stopped", zap.Int("closed", len(sessions)))
			return
		}
	}
}

// Count returns the number of registered sessions
func (h *Hub) Count() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.sessions)
}

// HandleConnection serves one websocket connection until it closes
func (h *Hub) HandleConnection(conn Conn, ownerID string) {
	s := newSession(conn, ownerID, h.fetcher.FetchStatus(ownerID), h.logger, h.pollOpts...)

	select {
	case h.register <- s:
	case <-h.done:
		s.Close()
		s.run()
		return
	}
	defer func() {
		select {
		case h.unregister <- s:
		case <-h.done:
		}
	}()

	s.run()
}
