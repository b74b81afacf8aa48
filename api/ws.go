package api

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/coder/websocket"

	"github.com/jmcleod/backoffice/guard"
)

const (
	wsWriteTimeout = 5 * time.Second
	wsPingInterval = 30 * time.Second
)

// SessionEvents handles GET /auth/session/events. It upgrades to a
// websocket and sends a SessionResponse on connect and after every guard
// change, about once a second during the warning countdown. The socket is
// closed once the session has ended.
func (a *API) SessionEvents(w http.ResponseWriter, r *http.Request) {
	p := providerFromContext(r.Context())

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: a.wsOrigins,
	})
	if err != nil {
		a.logger.Info("websocket accept failed", "error", err)
		return
	}
	defer conn.CloseNow()

	changed := make(chan struct{}, 1)
	unsubscribe := p.Subscribe(func(guard.Snapshot) {
		select {
		case changed <- struct{}{}:
		default:
		}
	})
	defer unsubscribe()

	// Nothing is read from the client; CloseRead handles control frames
	// and cancels ctx when the peer goes away.
	ctx := conn.CloseRead(r.Context())

	// Heartbeats run on wall time whatever clock drives the guard.
	ping := time.NewTicker(wsPingInterval)
	defer ping.Stop()

	for {
		state := p.State()
		if err := writeState(ctx, conn, newSessionResponse(state)); err != nil {
			return
		}
		if !state.SignedIn() {
			conn.Close(websocket.StatusNormalClosure, "session ended")
			return
		}
		select {
		case <-ctx.Done():
			return
		case <-changed:
		case <-ping.C:
			pctx, cancel := context.WithTimeout(ctx, wsWriteTimeout)
			err := conn.Ping(pctx)
			cancel()
			if err != nil {
				return
			}
		}
	}
}

func writeState(parent context.Context, conn *websocket.Conn, resp SessionResponse) error {
	ctx, cancel := context.WithTimeout(parent, wsWriteTimeout)
	defer cancel()

	b, err := json.Marshal(resp)
	if err != nil {
		return err
	}
	return conn.Write(ctx, websocket.MessageText, b)
}
