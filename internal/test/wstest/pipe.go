package wstest

import (
	"context"
	"net"
	"net/url"

	"github.com/gobwas/ws"

	"github.com/rawsocket/websocket"
	"github.com/rawsocket/websocket/internal/errd"
	"github.com/rawsocket/websocket/internal/xsync"
)

// Pipe returns an upgraded server Conn and the client end of the
// in memory connection it runs over, analogous to net.Pipe.
// The client end completed the handshake with github.com/gobwas/ws
// and so can be driven with github.com/gobwas/ws/wsutil.
func Pipe(ctx context.Context, opts *websocket.ConnOptions) (_ *websocket.Conn, _ net.Conn, err error) {
	defer errd.Wrap(&err, "failed to create ws pipe")

	serverConn, clientConn := net.Pipe()
	c := websocket.NewConn(websocket.NetSocket(serverConn), opts)

	upgradeErr := xsync.Go(func() error {
		return c.Upgrade(ctx)
	})

	u := &url.URL{Scheme: "ws", Host: "example.com", Path: "/"}
	_, _, err = ws.Dialer{}.Upgrade(clientConn, u)
	if err != nil {
		serverConn.Close()
		clientConn.Close()
		<-upgradeErr
		return nil, nil, err
	}

	err = <-upgradeErr
	if err != nil {
		clientConn.Close()
		return nil, nil, err
	}
	return c, clientConn, nil
}
