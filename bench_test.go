package websocket_test

import (
	"context"
	"strconv"
	"testing"
	"time"

	"github.com/gobwas/ws"

	"github.com/rawsocket/websocket"
	"github.com/rawsocket/websocket/internal/test/wstest"
	"github.com/rawsocket/websocket/internal/test/xrand"
)

var benchSizes = []int{32, 128, 512, 4096, 16384, 65536}

func BenchmarkSeal(b *testing.B) {
	for _, n := range benchSizes {
		p := xrand.Bytes(n)
		b.Run(strconv.Itoa(n), func(b *testing.B) {
			b.SetBytes(int64(n))
			b.ReportAllocs()
			for i := 0; i < b.N; i++ {
				websocket.Seal(p)
			}
		})
	}
}

func BenchmarkUnseal(b *testing.B) {
	for _, n := range benchSizes {
		f := websocket.SealFrame(websocket.Frame{
			Fin:     true,
			Opcode:  websocket.OpText,
			Masked:  true,
			MaskKey: xrand.MaskKey(),
			Payload: xrand.Bytes(n),
		})
		b.Run(strconv.Itoa(n), func(b *testing.B) {
			b.SetBytes(int64(n))
			b.ReportAllocs()
			for i := 0; i < b.N; i++ {
				_, err := websocket.Unseal(f)
				if err != nil {
					b.Fatal(err)
				}
			}
		})
	}
}

func BenchmarkConn(b *testing.B) {
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute*5)
	defer cancel()

	for _, n := range benchSizes {
		b.Run(strconv.Itoa(n), func(b *testing.B) {
			c, client, err := wstest.Pipe(ctx, &websocket.ConnOptions{ReadLimit: 1 << 20})
			if err != nil {
				b.Fatal(err)
			}
			defer c.Close(websocket.StatusNormalClosure, "")
			defer client.Close()

			// Frames are pre-encoded so the client side does not dominate.
			frame := ws.MustCompileFrame(ws.MaskFrame(ws.NewTextFrame(xrand.Bytes(n))))
			go func() {
				for {
					_, err := client.Write(frame)
					if err != nil {
						return
					}
				}
			}()

			b.SetBytes(int64(n))
			b.ResetTimer()
			for i := 0; i < b.N; i++ {
				_, err := c.Read(ctx)
				if err != nil {
					b.Fatal(err)
				}
			}
		})
	}
}
