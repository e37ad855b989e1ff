// Package wsjson provides helpers for JSON messages.
package wsjson

import (
	"context"
	"encoding/json"

	"golang.org/x/xerrors"

	"github.com/rawsocket/websocket"
)

// Read reads a json message from c into v.
func Read(ctx context.Context, c *websocket.Conn, v interface{}) error {
	err := read(ctx, c, v)
	if err != nil {
		return xerrors.Errorf("failed to read json: %w", err)
	}
	return nil
}

func read(ctx context.Context, c *websocket.Conn, v interface{}) error {
	b, err := c.Read(ctx)
	if err != nil {
		return err
	}

	err = json.Unmarshal(b, v)
	if err != nil {
		return xerrors.Errorf("failed to decode json: %w", err)
	}

	return nil
}

// Write writes the json message v to c.
func Write(ctx context.Context, c *websocket.Conn, v interface{}) error {
	err := write(ctx, c, v)
	if err != nil {
		return xerrors.Errorf("failed to write json: %w", err)
	}
	return nil
}

func write(ctx context.Context, c *websocket.Conn, v interface{}) error {
	b, err := json.Marshal(v)
	if err != nil {
		return xerrors.Errorf("failed to encode json: %w", err)
	}

	_, err = c.Write(ctx, b)
	return err
}
