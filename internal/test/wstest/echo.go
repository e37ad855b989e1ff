package wstest

import (
	"context"
	"time"

	"github.com/rawsocket/websocket"
)

// Echo registers a listener on c that writes every message
// read from c back to it.
func Echo(c *websocket.Conn) {
	c.OnData(func(p []byte) {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second*10)
		defer cancel()

		c.Write(ctx, p)
	})
}
