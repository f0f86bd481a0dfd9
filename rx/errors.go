package rx

import "errors"

var (
	// ErrNoMemory means the buffer pool had no buffer to post.
	ErrNoMemory = errors.New("receive buffer allocation failed")
	// ErrDMA means a receive buffer could not be mapped for the device.
	ErrDMA = errors.New("receive buffer mapping failed")
	// ErrHardware means the device reported an error completion or
	// referenced a slot that was not posted.
	ErrHardware = errors.New("hardware error completion")

	ErrInvalidConfig = errors.New("invalid receive queue config")
	ErrClosed        = errors.New("receive queue closed")
)
