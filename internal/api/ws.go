package api

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
)

// attachSubscriber upgrades the request and registers the connection with
// the publisher. The new subscriber immediately receives the accounts
// snapshot and the bounded per-account history, then live events until the
// socket closes. Inbound frames are discarded; commands travel over HTTP.
func (s *Server) attachSubscriber(c *gin.Context) {
	upgrader := websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 4096,
		CheckOrigin: func(r *http.Request) bool {
			origin := r.Header.Get("Origin")
			if origin == "" {
				return true
			}
			for _, allowed := range s.cfg.CORSOrigins {
				if origin == allowed || allowed == "*" {
					return true
				}
			}
			return false
		},
	}

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		s.log.Warn("ws_upgrade_failed", "error", err, "client_ip", c.ClientIP())
		return
	}

	sub := s.pub.Attach(conn)

	replayCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	s.registry.Replay(replayCtx, sub)
	cancel()

	// block until the peer goes away, then detach
	go func() {
		defer s.pub.Detach(sub)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()
}
