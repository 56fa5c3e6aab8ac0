package api

import (
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/websocket"

	"github.com/ElementAstro/lithium-next-sub000/internal/domain"
	"github.com/ElementAstro/lithium-next-sub000/internal/eventbus"
)

const (
	// streamWriteWait bounds a single websocket write.
	streamWriteWait = 10 * time.Second
	// streamPingPeriod keeps idle connections alive through proxies.
	streamPingPeriod = 30 * time.Second
	// streamBuffer is the per-connection event buffer. The bus drops
	// events for subscribers that fall behind instead of blocking
	// publishers.
	streamBuffer = 64
)

func parseEventCategory(s string) (domain.EventCategory, bool) {
	switch s {
	case "device":
		return domain.CategoryDevice, true
	case "task":
		return domain.CategoryTask, true
	case "backend":
		return domain.CategoryBackend, true
	case "resource":
		return domain.CategoryResource, true
	case "system":
		return domain.CategorySystem, true
	default:
		return 0, false
	}
}

// streamFilter builds a bus filter from the stream query parameters.
// Repeated parameters widen the match, e.g. ?device=cam&device=mount.
func streamFilter(r *http.Request) (eventbus.Filter, error) {
	q := r.URL.Query()
	f := eventbus.Filter{
		DeviceNames: q["device"],
		Sources:     q["source"],
	}
	for _, raw := range q["category"] {
		cat, ok := parseEventCategory(raw)
		if !ok {
			return eventbus.Filter{}, fmt.Errorf("unknown event category %q", raw)
		}
		f.Categories = append(f.Categories, cat)
	}
	return f, nil
}

func (s *Server) checkOrigin(r *http.Request) bool {
	allowed := s.mw.config.AllowedOrigins
	if len(allowed) == 0 {
		return true
	}
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	for _, o := range allowed {
		if o == "*" || o == origin {
			return true
		}
	}
	return false
}

// streamHandler upgrades the connection and forwards matching bus
// events as JSON frames. Auth runs here rather than in middleware
// because websocket clients cannot follow a 401 redirect mid-upgrade.
func (s *Server) streamHandler(w http.ResponseWriter, r *http.Request) {
	if !s.mw.authorized(r) {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}
	filter, err := streamFilter(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	upgrader := websocket.Upgrader{CheckOrigin: s.checkOrigin}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn().Err(err).Msg("Websocket upgrade failed")
		return
	}
	defer conn.Close()

	ch, id := s.mgr.Bus().SubscribeChannel(streamBuffer, filter)
	defer s.mgr.Bus().Unsubscribe(id)

	s.logger.Debug().
		Uint64("subscription", id).
		Str("remote", r.RemoteAddr).
		Msg("Event stream opened")

	// The read pump only watches for the client closing the socket.
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			if _, _, err := conn.NextReader(); err != nil {
				return
			}
		}
	}()

	ticker := time.NewTicker(streamPingPeriod)
	defer ticker.Stop()

	for {
		select {
		case ev, ok := <-ch:
			if !ok {
				return
			}
			_ = conn.SetWriteDeadline(time.Now().Add(streamWriteWait))
			if err := conn.WriteJSON(ev); err != nil {
				return
			}
		case <-ticker.C:
			_ = conn.SetWriteDeadline(time.Now().Add(streamWriteWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-done:
			return
		}
	}
}

// recentEventsHandler replays the bus ring buffer, oldest first.
func (s *Server) recentEventsHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}
	max := 100
	if v := r.URL.Query().Get("max"); v != "" {
		parsed, err := strconv.Atoi(v)
		if err != nil || parsed <= 0 {
			http.Error(w, "Invalid max", http.StatusBadRequest)
			return
		}
		max = parsed
	}
	s.writeJSON(w, http.StatusOK, s.mgr.Bus().Recent(max))
}
