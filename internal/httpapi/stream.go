package httpapi

import (
	"context"
	"net/http"
	"time"

	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"
)

const streamWriteTimeout = 10 * time.Second

// handleEvents upgrades the request to a websocket and relays the engine's
// event stream until the client disconnects. A slow client sees dropped
// events, not a stalled engine; the bus already guarantees that.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket accept failed", "error", err)
		return
	}
	defer conn.Close(websocket.StatusInternalError, "stream closed")

	events, unsubscribe := s.engine.Subscribe()
	defer unsubscribe()

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			conn.Close(websocket.StatusNormalClosure, "")
			return
		case ev, ok := <-events:
			if !ok {
				conn.Close(websocket.StatusNormalClosure, "engine closed")
				return
			}
			writeCtx, cancel := context.WithTimeout(ctx, streamWriteTimeout)
			err := wsjson.Write(writeCtx, conn, ev)
			cancel()
			if err != nil {
				return
			}
		}
	}
}
