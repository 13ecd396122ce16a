package eventstream

import "errors"

var (
	ErrChannelFull      = errors.New("eventstream: subscriber channel full")
	ErrSubscriberClosed = errors.New("eventstream: subscriber closed")
)
