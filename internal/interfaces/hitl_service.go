package interfaces

import (
	"context"

	"github.com/ternarybob/venator/internal/models"
)

// HITLService escalates a fetch to a human operator: it opens a browser on
// the challenge page, streams it to a connected admin, and harvests session
// credentials when the challenge clears.
type HITLService interface {
	// Resolve runs the full HITL flow for a URL. It short-circuits on a
	// fresh cached ticket, otherwise creates a session, waits for an
	// operator within the configured timeouts, and returns the final
	// TierResult (success with golden_ticket metadata, or
	// captcha_required with an hitl_status annotation).
	Resolve(ctx context.Context, url string, options *models.FetchOptions) *models.TierResult

	// Session returns a live session by id, or nil.
	Session(sessionID string) *models.HITLSession

	// Sessions lists sessions that are not yet terminal.
	Sessions() []*models.HITLSession

	// AttachOperator binds an operator connection to a waiting session,
	// returning the streaming bridge for it.
	AttachOperator(ctx context.Context, sessionID string) (StreamBridge, error)

	// Close releases the HITL browser.
	Close() error
}

// StreamBridge is the transport-agnostic coupling between an operator
// connection and the HITL browser: JPEG viewport frames out, input events
// in. The websocket handler owns framing; the bridge owns the browser.
type StreamBridge interface {
	// Screenshot captures the current viewport as JPEG bytes.
	Screenshot(ctx context.Context) ([]byte, error)

	// DispatchInput applies one operator input event to the browser.
	DispatchInput(ctx context.Context, event InputEvent) error

	// Done is closed when the underlying session reaches a terminal
	// state.
	Done() <-chan struct{}

	// Detach releases the operator binding without ending the session.
	Detach()
}

// InputEvent is one operator input message, decoded from the client JSON.
type InputEvent struct {
	Type       string  `json:"type"` // mouse_move, mouse_click, mouse_down, mouse_up, key_down, key_up, key_press, scroll, ping
	X          float64 `json:"x,omitempty"`
	Y          float64 `json:"y,omitempty"`
	Button     string  `json:"button,omitempty"` // left|right|middle
	ClickCount int     `json:"clickCount,omitempty"`
	Key        string  `json:"key,omitempty"`
	Code       string  `json:"code,omitempty"`
	Modifiers  int     `json:"modifiers,omitempty"`
	Text       string  `json:"text,omitempty"`
	DeltaX     float64 `json:"deltaX,omitempty"`
	DeltaY     float64 `json:"deltaY,omitempty"`
}
