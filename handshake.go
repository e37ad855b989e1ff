package websocket

import (
	"crypto/sha1"
	"encoding/base64"
	"errors"
	"regexp"
	"strconv"
	"strings"
)

// ErrMissingKey is returned when a handshake request carries no
// Sec-WebSocket-Key header and so cannot be answered.
var ErrMissingKey = errors.New("websocket: protocol violation: missing Sec-WebSocket-Key")

var keyGUID = []byte("258EAFA5-E914-47DA-95CA-C5AB0DC85B11")

// Header names are case insensitive, see RFC 7230 section 3.2.
var secKeyHeader = regexp.MustCompile(`(?im)^Sec-WebSocket-Key:[ \t]*([^\s]+)[ \t]*\r$`)

// headerTerminator ends the header block of an HTTP request.
const headerTerminator = "\r\n\r\n"

// HandshakeResponse returns the HTTP response completing the WebSocket
// handshake for the raw HTTP upgrade request req.
// It returns ErrMissingKey if req has no Sec-WebSocket-Key header.
func HandshakeResponse(req string) (string, error) {
	m := secKeyHeader.FindStringSubmatch(req)
	if m == nil {
		return "", ErrMissingKey
	}

	var b strings.Builder
	b.WriteString("HTTP/1.1 101 Switching Protocols\r\n")
	b.WriteString("Upgrade: websocket\r\n")
	b.WriteString("Connection: Upgrade\r\n")
	b.WriteString("Sec-WebSocket-Version: 13\r\n")
	b.WriteString("Sec-WebSocket-Accept: " + AcceptKey(m[1]) + "\r\n")
	b.WriteString("\r\n")
	return b.String(), nil
}

// AcceptKey derives the Sec-WebSocket-Accept value for key.
// See https://tools.ietf.org/html/rfc6455#section-4.2.2
func AcceptKey(key string) string {
	h := sha1.New()
	h.Write([]byte(key))
	h.Write(keyGUID)

	return base64.StdEncoding.EncodeToString(h.Sum(nil))
}

// badRequestResponse is written before closing a connection whose
// handshake cannot be completed.
func badRequestResponse(err error) string {
	msg := err.Error() + "\n"
	var b strings.Builder
	b.WriteString("HTTP/1.1 400 Bad Request\r\n")
	b.WriteString("Content-Type: text/plain; charset=utf-8\r\n")
	b.WriteString("Connection: close\r\n")
	b.WriteString("Content-Length: " + strconv.Itoa(len(msg)) + "\r\n")
	b.WriteString("\r\n")
	b.WriteString(msg)
	return b.String()
}
