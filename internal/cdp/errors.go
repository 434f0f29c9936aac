package cdp

import (
	"errors"
	"fmt"
)

// Errors
var (
	ErrConnection       = errors.New("connection error")
	ErrConnectionClosed = errors.New("connection closed")
	ErrEngineClosed     = errors.New("engine closed")
	ErrCommandTimeout   = errors.New("command timed out")
	ErrTargetGone       = errors.New("target gone")
	ErrBrowserError     = errors.New("browser error")
	ErrProtocol         = errors.New("protocol error")
)

// BrowserError is a failure reported by the browser in a command response.
type BrowserError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    string `json:"data,omitempty"`
}

func (e *BrowserError) Error() string {
	if e.Data != "" {
		return fmt.Sprintf("browser error %d: %s (%s)", e.Code, e.Message, e.Data)
	}
	return fmt.Sprintf("browser error %d: %s", e.Code, e.Message)
}

func (e *BrowserError) Unwrap() error {
	return ErrBrowserError
}

// ConnectionError reports a failure to establish or keep the connection
// to the browser's debugging endpoint.
type ConnectionError struct {
	Op  string // "discover", "dial", "read" or "write"
	URL string
	Err error
}

func (e *ConnectionError) Error() string {
	if e.URL != "" {
		return fmt.Sprintf("%s %s: %v", e.Op, e.URL, e.Err)
	}
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *ConnectionError) Unwrap() error {
	return e.Err
}

// Is makes every ConnectionError match ErrConnection.
func (e *ConnectionError) Is(target error) bool {
	return target == ErrConnection
}
