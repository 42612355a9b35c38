package gateway

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/coder/websocket"
)

// handleAuditStream tails the live audit trail over WebSocket. Each frame is
// one JSON-encoded audit event. Slow consumers drop events at the broadcaster
// rather than backing the pipeline up.
func (g *Gateway) handleAuditStream(w http.ResponseWriter, r *http.Request) {
	if !g.checkAuth(r) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		Subprotocols: []string{"askari-audit-v1"},
	})
	if err != nil {
		g.logger.Error("websocket accept failed", slog.String("error", err.Error()))
		return
	}
	defer conn.Close(websocket.StatusNormalClosure, "stream closed")

	id, events := g.broadcaster.Subscribe(0)
	defer g.broadcaster.Unsubscribe(id)

	g.logger.Info("audit stream attached", slog.String("subscriber", id))

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-events:
			if !ok {
				return
			}
			data, err := json.Marshal(event)
			if err != nil {
				continue
			}
			if err := conn.Write(ctx, websocket.MessageText, data); err != nil {
				if websocket.CloseStatus(err) != websocket.StatusNormalClosure {
					g.logger.Debug("audit stream write failed",
						slog.String("subscriber", id),
						slog.String("error", err.Error()),
					)
				}
				return
			}
		}
	}
}
