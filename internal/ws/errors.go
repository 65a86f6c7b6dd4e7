package ws

import "errors"

var (
	ErrConnectionClosed = errors.New("connection is closed")
	ErrWriteTimeout     = errors.New("write timed out")
	ErrSendBufferFull   = errors.New("send buffer is full")
)
