// Package websocket implements the server side of the WebSocket protocol
// directly over a byte stream socket.
//
// See https://tools.ietf.org/html/rfc6455
//
// The frame codec (Seal, Unseal, ParseFrame) and the handshake
// (HandshakeResponse) are pure functions safe for concurrent use.
// Conn binds them to a Socket and Server runs an accept loop that
// upgrades every socket before handing it to the application.
//
// Only single frame messages are supported. Outgoing messages are
// always unmasked text frames.
package websocket
