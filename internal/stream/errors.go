package stream

import "errors"

// ErrClosed is returned by First when the stream closes before a match.
var ErrClosed = errors.New("stream: closed")
