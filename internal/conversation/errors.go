package conversation

import "errors"

var (
	ErrEmptyMessage   = errors.New("message is empty")
	ErrNoThread       = errors.New("no thread selected")
	ErrUnknownMessage = errors.New("message not in the selected thread")
	ErrClosed         = errors.New("conversation closed")
)
