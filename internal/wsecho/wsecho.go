// Package wsecho implements the message handling of the wsecho daemon.
package wsecho

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/rawsocket/websocket"
)

// Handler returns a connection handler that echoes every message
// received on a connection back to it.
func Handler(log zerolog.Logger) func(c *websocket.Conn) {
	return func(c *websocket.Conn) {
		log := log.With().Stringer("remote_addr", remoteAddr{c}).Logger()
		log.Debug().Msg("connection opened")

		c.OnData(func(p []byte) {
			ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
			defer cancel()

			c.Write(ctx, p)
		})
		c.OnError(func(err error) {
			log.Debug().Err(err).Msg("connection error")
		})
		c.OnClose(func() {
			log.Debug().Msg("connection closed")
		})
	}
}

type remoteAddr struct {
	c *websocket.Conn
}

func (a remoteAddr) String() string {
	addr := a.c.RemoteAddr()
	if addr == nil {
		return "unknown"
	}
	return addr.String()
}
