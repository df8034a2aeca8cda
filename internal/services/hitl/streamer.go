package hitl

import (
	"context"

	"github.com/ternarybob/venator/internal/interfaces"
)

// streamBridge couples an operator connection to a session's browser. The
// websocket handler owns framing and pacing; the bridge only exposes the
// browser.
type streamBridge struct {
	browser browserSession
	session *activeSession
}

var _ interfaces.StreamBridge = (*streamBridge)(nil)

func (b *streamBridge) Screenshot(ctx context.Context) ([]byte, error) {
	return b.browser.Screenshot(ctx)
}

func (b *streamBridge) DispatchInput(ctx context.Context, event interfaces.InputEvent) error {
	return b.browser.DispatchInput(ctx, event)
}

// Done is closed when the session reaches a terminal state.
func (b *streamBridge) Done() <-chan struct{} {
	return b.session.done
}

// Detach releases the operator binding. The session keeps running so the
// operator can reconnect within the solve window.
func (b *streamBridge) Detach() {}
