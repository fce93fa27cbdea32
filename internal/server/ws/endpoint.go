package ws

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/crewdock/crewdock/internal/metrics"
)

// writeTimeout bounds a single outbound write so one wedged connection
// cannot stall its writer goroutine forever.
const writeTimeout = 10 * time.Second

// Handler returns an http.Handler serving the event push channel.
//
// Protocol:
//  1. Client opens a WebSocket with subprotocol "crewdock.events.v1".
//  2. Client sends JSON control frames ({type, payload}); each gets one reply.
//  3. Server pushes event frames for the client's subscribed scopes.
func Handler(clients *ClientManager, handler *MessageHandler, shutdownCh <-chan struct{}) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// Reject new connections during shutdown.
		if shutdownCh != nil {
			select {
			case <-shutdownCh:
				http.Error(w, "server is shutting down", http.StatusServiceUnavailable)
				return
			default:
			}
		}

		conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
			Subprotocols: []string{Subprotocol},
		})
		if err != nil {
			slog.Debug("ws: accept failed", "error", err)
			return
		}
		defer func() { _ = conn.CloseNow() }()

		metrics.WSConnectionsActive.Inc()
		defer metrics.WSConnectionsActive.Dec()

		ctx := r.Context()
		sess := clients.AddClient(conn)
		defer clients.RemoveClient(conn)

		// Writer: drains the session's send queue. Exits when the
		// session is closed (channel close) or a write fails.
		writeDone := make(chan struct{})
		go func() {
			defer close(writeDone)
			for msg := range sess.send {
				wctx, cancel := context.WithTimeout(ctx, writeTimeout)
				err := wsjson.Write(wctx, conn, msg)
				cancel()
				if err != nil {
					slog.Debug("ws: write failed", "error", err)
					return
				}
				metrics.WSMessagesTotal.Inc()
			}
		}()

		// Reader: each inbound frame produces exactly one reply.
		for {
			_, data, err := conn.Read(ctx)
			if err != nil {
				break
			}
			if reply := handler.Handle(sess, data); reply != nil {
				sess.TrySend(reply)
			}
		}

		clients.RemoveClient(conn)
		<-writeDone
		_ = conn.Close(websocket.StatusNormalClosure, "")
	})
}

// SweepStale closes sessions that have not pinged within maxIdle.
// Returns the number of sessions closed.
func SweepStale(clients *ClientManager, maxIdle time.Duration) int {
	stale := clients.StaleSessions(time.Now().Add(-maxIdle))
	for _, s := range stale {
		_ = s.conn.Close(websocket.StatusGoingAway, "ping timeout")
		clients.RemoveClient(s.conn)
	}
	if len(stale) > 0 {
		slog.Debug("ws: swept stale sessions", "count", len(stale))
	}
	return len(stale)
}
