package rcopy

import "errors"

var (
	ErrIllegalArgument = errors.New("error in function arguments")
	ErrRecvTimeout     = errors.New("no datagram received before timeout")
	ErrSessionDead     = errors.New("too many consecutive timeouts, peer presumed gone")
	ErrFileNotFound    = errors.New("remote could not open requested file")
	ErrClosed          = errors.New("transport is closed")
)
