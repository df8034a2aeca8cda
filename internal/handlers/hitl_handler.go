package handlers

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/ternarybob/arbor"

	"github.com/ternarybob/venator/internal/common"
	"github.com/ternarybob/venator/internal/interfaces"
)

// frameHeaderSize is the fixed prefix on every binary viewport frame: a
// big-endian uint32 frame number followed by a big-endian uint32 capture
// timestamp in milliseconds (truncated to 32 bits).
const frameHeaderSize = 8

var hitlUpgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 64 * 1024, // JPEG frames
	CheckOrigin: func(r *http.Request) bool {
		return true // Operator console is served from the same host
	},
}

// HITLHandler streams HITL browser sessions to operator connections
type HITLHandler struct {
	hitl      interfaces.HITLService
	frameRate int
	writeWait time.Duration
	logger    arbor.ILogger
}

// NewHITLHandler creates a new HITL streaming handler
func NewHITLHandler(service interfaces.HITLService, config *common.Config, logger arbor.ILogger) *HITLHandler {
	frameRate := config.HITL.FrameRate
	if frameRate <= 0 {
		frameRate = 10
	}
	writeWait := 10 * time.Second
	if config.WebSocket.WriteTimeout != "" {
		if d, err := time.ParseDuration(config.WebSocket.WriteTimeout); err == nil {
			writeWait = d
		}
	}
	return &HITLHandler{
		hitl:      service,
		frameRate: frameRate,
		writeWait: writeWait,
		logger:    logger,
	}
}

// ListSessionsHandler handles GET /api/hitl/sessions
// Only sessions that have not reached a terminal state are listed.
func (h *HITLHandler) ListSessionsHandler(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, http.MethodGet) {
		return
	}

	sessions := h.hitl.Sessions()
	WriteJSON(w, http.StatusOK, map[string]interface{}{
		"sessions": sessions,
		"total":    len(sessions),
	})
}

// StreamHandler handles /ws/hitl/{session_id}
// It attaches the operator to a waiting session, then streams JPEG viewport
// frames out and applies decoded input events to the session browser until
// the session finishes or the connection drops.
func (h *HITLHandler) StreamHandler(w http.ResponseWriter, r *http.Request) {
	sessionID := pathSegment(r, 2) // /ws/hitl/{session_id}
	if sessionID == "" {
		WriteError(w, http.StatusBadRequest, "Session ID is required")
		return
	}

	session := h.hitl.Session(sessionID)
	if session == nil {
		WriteError(w, http.StatusNotFound, "Session not found")
		return
	}

	bridge, err := h.hitl.AttachOperator(r.Context(), sessionID)
	if err != nil {
		WriteError(w, http.StatusConflict, err.Error())
		return
	}

	conn, err := hitlUpgrader.Upgrade(w, r, nil)
	if err != nil {
		bridge.Detach()
		h.logger.Warn().Err(err).Str("session_id", sessionID).Msg("HITL websocket upgrade failed")
		return
	}

	h.logger.Info().
		Str("session_id", sessionID).
		Str("domain", session.Domain).
		Msg("Operator attached to HITL session")

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	defer conn.Close()
	defer bridge.Detach()

	// Pongs are forwarded to the frame loop so only one goroutine writes
	// to the connection.
	pongs := make(chan struct{}, 4)

	go h.readInput(ctx, cancel, conn, bridge, sessionID, pongs)
	h.streamFrames(ctx, conn, bridge, sessionID, pongs)
}

// streamFrames paces screenshot capture at the configured frame rate and
// pushes each frame as one binary message.
func (h *HITLHandler) streamFrames(ctx context.Context, conn *websocket.Conn, bridge interfaces.StreamBridge, sessionID string, pongs <-chan struct{}) {
	ticker := time.NewTicker(time.Second / time.Duration(h.frameRate))
	defer ticker.Stop()

	var frameNumber uint32
	for {
		select {
		case <-ctx.Done():
			return
		case <-bridge.Done():
			// Session finished; tell the client before closing.
			deadline := time.Now().Add(h.writeWait)
			conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, "session finished"), deadline)
			return
		case <-pongs:
			conn.SetWriteDeadline(time.Now().Add(h.writeWait))
			if err := conn.WriteJSON(statusMessage{Event: "pong", Timestamp: time.Now()}); err != nil {
				return
			}
		case <-ticker.C:
			frame, err := bridge.Screenshot(ctx)
			if err != nil {
				// Transient capture failures are tolerated; the next tick
				// retries.
				h.logger.Debug().Err(err).Str("session_id", sessionID).Msg("Screenshot capture failed")
				continue
			}

			frameNumber++
			buf := make([]byte, frameHeaderSize+len(frame))
			binary.BigEndian.PutUint32(buf[0:4], frameNumber)
			binary.BigEndian.PutUint32(buf[4:8], uint32(time.Now().UnixMilli()))
			copy(buf[frameHeaderSize:], frame)

			conn.SetWriteDeadline(time.Now().Add(h.writeWait))
			if err := conn.WriteMessage(websocket.BinaryMessage, buf); err != nil {
				h.logger.Debug().Err(err).Str("session_id", sessionID).Msg("HITL frame write failed")
				return
			}
		}
	}
}

// readInput decodes operator input messages and applies them to the
// session browser. A read error ends the stream.
func (h *HITLHandler) readInput(ctx context.Context, cancel context.CancelFunc, conn *websocket.Conn, bridge interfaces.StreamBridge, sessionID string, pongs chan<- struct{}) {
	defer cancel()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}

		var event interfaces.InputEvent
		if err := json.Unmarshal(data, &event); err != nil {
			h.logger.Warn().Err(err).Str("session_id", sessionID).Msg("Invalid HITL input message")
			continue
		}

		if event.Type == "ping" {
			select {
			case pongs <- struct{}{}:
			default:
			}
			continue
		}

		if err := bridge.DispatchInput(ctx, event); err != nil {
			h.logger.Warn().
				Err(err).
				Str("session_id", sessionID).
				Str("event_type", event.Type).
				Msg("Failed to dispatch input event")
		}
	}
}
