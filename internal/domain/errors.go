package domain

import "errors"

// PermanentError marks a downstream failure that must not be retried.
type PermanentError struct {
	Err error
}

func (e *PermanentError) Error() string {
	if e == nil || e.Err == nil {
		return "permanent error"
	}
	return e.Err.Error()
}

func (e *PermanentError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// Permanent wraps err so the dispatcher stops retrying it.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &PermanentError{Err: err}
}

// IsPermanent reports whether err, or anything it wraps, is permanent.
func IsPermanent(err error) bool {
	var p *PermanentError
	return errors.As(err, &p)
}

// ErrMessageBuffered is returned by a buffer store when a message id is already
// indexed to a window of the conversation.
var ErrMessageBuffered = errors.New("domain: message already buffered")

// ErrTurnAlreadySaved is returned when the turn of a window was persisted by an
// earlier delivery attempt.
var ErrTurnAlreadySaved = errors.New("domain: turn already saved")
