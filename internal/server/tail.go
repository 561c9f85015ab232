package server

import (
	"io"
	"net/http"

	"github.com/gin-gonic/gin"
	"golang.org/x/net/websocket"

	"github.com/loykin/tailvisor/internal/broadcast"
	"github.com/loykin/tailvisor/internal/metrics"
)

// handleTail upgrades to a websocket and forwards every output chunk of the
// process as a binary message until the client goes away or the record's
// channel is closed (delete, restart, shutdown).
func (r *Router) handleTail(c *gin.Context) {
	id, ok := parseID(c)
	if !ok {
		return
	}
	var (
		sub  *broadcast.Subscription
		hist []byte
		err  error
	)
	switch c.Query("history") {
	case "1", "true":
		sub, hist, err = r.mgr.Tail(id)
	default:
		sub, err = r.mgr.Subscribe(id)
	}
	if err != nil {
		writeError(c, err)
		return
	}
	defer sub.Close()

	metrics.AddTailSubscribers(1)
	defer metrics.AddTailSubscribers(-1)

	ws := websocket.Server{
		// accept clients without an Origin header (CLI tools)
		Handshake: func(*websocket.Config, *http.Request) error { return nil },
		Handler: func(conn *websocket.Conn) {
			defer func() { _ = conn.Close() }()
			r.log.Debug("tail attached", "id", id, "remote", c.Request.RemoteAddr)
			if len(hist) > 0 {
				if err := websocket.Message.Send(conn, hist); err != nil {
					return
				}
			}
			gone := make(chan struct{})
			go func() {
				_, _ = io.Copy(io.Discard, conn)
				close(gone)
			}()
			for {
				select {
				case chunk, ok := <-sub.C():
					if !ok {
						return
					}
					if err := websocket.Message.Send(conn, chunk); err != nil {
						return
					}
				case <-gone:
					return
				}
			}
		},
	}
	ws.ServeHTTP(c.Writer, c.Request)
}
