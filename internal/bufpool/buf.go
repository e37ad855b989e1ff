// Package bufpool pools the buffers outgoing frames are assembled in.
package bufpool

import (
	"bytes"
	"sync"
)

// Buffers are pooled by capacity class so that a small control frame
// does not hold on to a buffer sized for a large message.
var classes = [...]int{512, 4 << 10, 32 << 10, 64 << 10}

var pools [len(classes)]sync.Pool

// class returns the index of the smallest class that fits n bytes
// or -1 if n is larger than every class.
func class(n int) int {
	for i, c := range classes {
		if n <= c {
			return i
		}
	}
	return -1
}

// Get returns an empty buffer with room for at least n bytes.
func Get(n int) *bytes.Buffer {
	i := class(n)
	if i < 0 {
		return bytes.NewBuffer(make([]byte, 0, n))
	}

	b, ok := pools[i].Get().(*bytes.Buffer)
	if !ok {
		b = bytes.NewBuffer(make([]byte, 0, classes[i]))
	}
	return b
}

// Put resets b and returns it to the largest class it can serve.
// Buffers outside the class range are dropped.
func Put(b *bytes.Buffer) {
	c := b.Cap()
	if c < classes[0] || c > classes[len(classes)-1] {
		return
	}

	i := len(classes) - 1
	for classes[i] > c {
		i--
	}
	b.Reset()
	pools[i].Put(b)
}
