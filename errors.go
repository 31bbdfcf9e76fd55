package guildhall

import (
	"errors"
	"fmt"
)

var (
	// ErrNoSessionCookie is returned by Login when the server response
	// carries no session cookie. This is the only way a caller learns that
	// authentication failed; the client itself stays usable.
	ErrNoSessionCookie = errors.New("no session cookie in login response")

	// ErrSessionActive is returned by Login while a session is already
	// established. Call Logout first to start over with new credentials.
	ErrSessionActive = errors.New("session already active")

	// ErrNoSession is returned by operations that require a logged-in
	// session, such as SendMessage.
	ErrNoSession = errors.New("no active session")
)

// DecodeError describes a realtime frame that could not be parsed. Frames
// failing to decode are dropped without side effects; the error is only seen
// in diagnostics and in direct uses of the decoder.
type DecodeError struct {
	Frame []byte
	Err   error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("decode frame: %v", e.Err)
}

func (e *DecodeError) Unwrap() error {
	return e.Err
}
