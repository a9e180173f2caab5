package protocol

import (
	"errors"
	"fmt"
)

// ErrIncomplete はリクエストの完結にさらにバイトが必要なことを示す.
var ErrIncomplete = errors.New("incomplete request")

// Error は終端的なパースエラー. Status は返すべきHTTPステータス.
type Error struct {
	Status int
	Reason string
}

func (e *Error) Error() string {
	return fmt.Sprintf("malformed request (%d): %s", e.Status, e.Reason)
}

func badRequest(format string, args ...interface{}) *Error {
	return &Error{Status: 400, Reason: fmt.Sprintf(format, args...)}
}
