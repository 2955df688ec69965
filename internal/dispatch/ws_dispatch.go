package dispatch

import (
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/example/carpool/internal/observability"
)

const writeWait = 5 * time.Second

// WSSession is one websocket watching an offer's itinerary.
type WSSession struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

func (s *WSSession) Send(v any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return s.conn.WriteJSON(v)
}

// FeedHub fans fresh projections out to the websockets subscribed to an
// offer.
type FeedHub struct {
	mu       sync.RWMutex
	sessions map[string]map[*WSSession]struct{}
	logger   *slog.Logger
}

func NewFeedHub(logger *slog.Logger) *FeedHub {
	if logger == nil {
		logger = slog.Default()
	}
	return &FeedHub{sessions: make(map[string]map[*WSSession]struct{}), logger: logger}
}

// Subscribe registers conn for offerID and returns the session and a
// function removing it.
func (h *FeedHub) Subscribe(offerID string, conn *websocket.Conn) (*WSSession, func()) {
	s := &WSSession{conn: conn}
	h.mu.Lock()
	if h.sessions[offerID] == nil {
		h.sessions[offerID] = make(map[*WSSession]struct{})
	}
	h.sessions[offerID][s] = struct{}{}
	h.mu.Unlock()
	observability.FeedSubscribers.Inc()

	var once sync.Once
	return s, func() {
		once.Do(func() {
			h.mu.Lock()
			delete(h.sessions[offerID], s)
			if len(h.sessions[offerID]) == 0 {
				delete(h.sessions, offerID)
			}
			h.mu.Unlock()
			observability.FeedSubscribers.Dec()
		})
	}
}

// Subscribers returns the number of sessions watching offerID.
func (h *FeedHub) Subscribers(offerID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.sessions[offerID])
}

// Publish sends v to every session of offerID. Sessions that fail to
// write are closed; their reader loop unsubscribes them.
func (h *FeedHub) Publish(offerID string, v any) {
	h.mu.RLock()
	targets := make([]*WSSession, 0, len(h.sessions[offerID]))
	for s := range h.sessions[offerID] {
		targets = append(targets, s)
	}
	h.mu.RUnlock()

	for _, s := range targets {
		if err := s.Send(v); err != nil {
			h.logger.Warn("feed send failed", "offer_id", offerID, "error", err)
			_ = s.conn.Close()
		}
	}
}
