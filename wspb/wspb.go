// Package wspb provides helpers for protobuf messages.
//
// Messages travel as text frames holding the protobuf JSON mapping.
package wspb

import (
	"bytes"
	"context"

	"github.com/golang/protobuf/jsonpb"
	"github.com/golang/protobuf/proto"
	"golang.org/x/xerrors"

	"github.com/rawsocket/websocket"
)

// Read reads a protobuf message from c into v.
func Read(ctx context.Context, c *websocket.Conn, v proto.Message) error {
	err := read(ctx, c, v)
	if err != nil {
		return xerrors.Errorf("failed to read protobuf: %w", err)
	}
	return nil
}

func read(ctx context.Context, c *websocket.Conn, v proto.Message) error {
	b, err := c.Read(ctx)
	if err != nil {
		return err
	}

	err = jsonpb.Unmarshal(bytes.NewReader(b), v)
	if err != nil {
		return xerrors.Errorf("failed to unmarshal protobuf: %w", err)
	}

	return nil
}

// Write writes the protobuf message v to c.
func Write(ctx context.Context, c *websocket.Conn, v proto.Message) error {
	err := write(ctx, c, v)
	if err != nil {
		return xerrors.Errorf("failed to write protobuf: %w", err)
	}
	return nil
}

func write(ctx context.Context, c *websocket.Conn, v proto.Message) error {
	var m jsonpb.Marshaler
	s, err := m.MarshalToString(v)
	if err != nil {
		return xerrors.Errorf("failed to marshal protobuf: %w", err)
	}

	_, err = c.Write(ctx, []byte(s))
	return err
}
