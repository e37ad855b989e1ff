package wstest

import (
	"net"
)

// URL returns the ws url for a server listening on addr.
func URL(addr net.Addr) string {
	return "ws://" + addr.String()
}
