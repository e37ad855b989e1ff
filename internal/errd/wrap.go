// Package errd annotates errors returned through a deferred call.
package errd

import (
	"fmt"

	"golang.org/x/xerrors"
)

// Wrap replaces a non nil *err with an error that prefixes it with the
// formatted message and records the frame Wrap was deferred from.
// The original error stays reachable through errors.Is and errors.As.
//
//	func (c *Conn) Close() (err error) {
//		defer errd.Wrap(&err, "failed to close WebSocket")
func Wrap(err *error, f string, v ...interface{}) {
	if *err == nil {
		return
	}
	*err = &opError{
		op:    fmt.Sprintf(f, v...),
		err:   *err,
		frame: xerrors.Caller(1),
	}
}

type opError struct {
	op    string
	err   error
	frame xerrors.Frame
}

func (e *opError) Error() string {
	return e.op + ": " + e.err.Error()
}

func (e *opError) Unwrap() error {
	return e.err
}

// Format prints the frame with %+v.
func (e *opError) Format(s fmt.State, v rune) {
	xerrors.FormatError(e, s, v)
}

func (e *opError) FormatError(p xerrors.Printer) error {
	p.Print(e.op)
	if p.Detail() {
		e.frame.Format(p)
	}
	return e.err
}
