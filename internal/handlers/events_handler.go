package handlers

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/ternarybob/arbor"

	"github.com/ternarybob/venator/internal/common"
	"github.com/ternarybob/venator/internal/interfaces"
)

var eventsUpgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true // Allow all origins for local development
	},
}

// EventsHandler streams CAPTCHA and HITL lifecycle events to websocket
// clients
type EventsHandler struct {
	events        interfaces.EventService
	allowedEvents map[string]bool // empty = allow all
	pingInterval  time.Duration
	writeWait     time.Duration
	logger        arbor.ILogger
}

// NewEventsHandler creates a new event streaming handler
func NewEventsHandler(events interfaces.EventService, config *common.WebSocketConfig, logger arbor.ILogger) *EventsHandler {
	h := &EventsHandler{
		events:        events,
		allowedEvents: make(map[string]bool),
		pingInterval:  30 * time.Second,
		writeWait:     10 * time.Second,
		logger:        logger,
	}

	if config != nil {
		for _, eventType := range config.AllowedEvents {
			h.allowedEvents[eventType] = true
		}
		if config.PingInterval != "" {
			if d, err := time.ParseDuration(config.PingInterval); err == nil {
				h.pingInterval = d
			}
		}
		if config.WriteTimeout != "" {
			if d, err := time.ParseDuration(config.WriteTimeout); err == nil {
				h.writeWait = d
			}
		}
	}

	return h
}

// StreamHandler handles /ws/events
// An optional ?domain= query parameter restricts the stream to events for
// one domain.
func (h *EventsHandler) StreamHandler(w http.ResponseWriter, r *http.Request) {
	conn, err := eventsUpgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn().Err(err).Msg("Event websocket upgrade failed")
		return
	}
	defer conn.Close()

	domain := r.URL.Query().Get("domain")

	var sub interfaces.Subscription
	if domain != "" {
		sub = h.events.SubscribeFiltered(interfaces.CaptchaChannel, domain)
	} else {
		sub = h.events.Subscribe(interfaces.CaptchaChannel)
	}
	defer sub.Close()

	h.logger.Debug().Str("domain", domain).Msg("Event stream client connected")

	greeting := statusMessage{Event: "connected", Timestamp: time.Now()}
	if domain != "" {
		greeting.Data = map[string]any{"domain": domain}
	}
	conn.SetWriteDeadline(time.Now().Add(h.writeWait))
	if err := conn.WriteJSON(greeting); err != nil {
		return
	}

	// Reader answers client pings and detects disconnect. Pongs are
	// forwarded to the write loop so only one goroutine writes.
	done := make(chan struct{})
	pongs := make(chan struct{}, 4)
	go func() {
		defer close(done)
		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			var msg struct {
				Type string `json:"type"`
			}
			if json.Unmarshal(data, &msg) == nil && msg.Type == "ping" {
				select {
				case pongs <- struct{}{}:
				default:
				}
			}
		}
	}()

	pinger := time.NewTicker(h.pingInterval)
	defer pinger.Stop()

	for {
		select {
		case <-done:
			return
		case <-r.Context().Done():
			return
		case <-pinger.C:
			conn.SetWriteDeadline(time.Now().Add(h.writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-pongs:
			conn.SetWriteDeadline(time.Now().Add(h.writeWait))
			if err := conn.WriteJSON(statusMessage{Event: "pong", Timestamp: time.Now()}); err != nil {
				return
			}
		case event, ok := <-sub.Events():
			if !ok {
				return
			}
			if len(h.allowedEvents) > 0 && !h.allowedEvents[string(event.Type)] {
				continue
			}
			conn.SetWriteDeadline(time.Now().Add(h.writeWait))
			if err := conn.WriteJSON(event); err != nil {
				h.logger.Debug().Err(err).Msg("Event stream write failed")
				return
			}
		}
	}
}
