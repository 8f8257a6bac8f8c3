package routing

import (
	"errors"
	"fmt"
)

// Kind classifies a rejected request.
type Kind int

const (
	KindMalformedRequest Kind = iota + 1
	KindEmptyMessage
	KindEmptyRecipients
	KindTooManyRecipients
	KindInvalidPhone
)

var (
	ErrMalformedRequest  = errors.New("Malformed request")
	ErrEmptyMessage      = errors.New("Message cannot be empty")
	ErrEmptyRecipients   = errors.New("Recipients list cannot be empty")
	ErrTooManyRecipients = errors.New("too many recipients")
	ErrInvalidPhone      = errors.New("invalid phone number")
)

func (k Kind) String() string {
	switch k {
	case KindMalformedRequest:
		return "malformed_request"
	case KindEmptyMessage:
		return "empty_message"
	case KindEmptyRecipients:
		return "empty_recipients"
	case KindTooManyRecipients:
		return "too_many_recipients"
	case KindInvalidPhone:
		return "invalid_phone"
	default:
		return "unknown"
	}
}

func (k Kind) sentinel() error {
	switch k {
	case KindMalformedRequest:
		return ErrMalformedRequest
	case KindEmptyMessage:
		return ErrEmptyMessage
	case KindEmptyRecipients:
		return ErrEmptyRecipients
	case KindTooManyRecipients:
		return ErrTooManyRecipients
	case KindInvalidPhone:
		return ErrInvalidPhone
	default:
		return nil
	}
}

// Error is a validation rejection. Its message is safe to return to callers
// verbatim; they match on substrings of it.
//
// Count/Limit are set for KindTooManyRecipients, Value/Index for KindInvalidPhone.
// Cause carries the decoder error for KindMalformedRequest (never shown to callers).
type Error struct {
	Kind  Kind
	Count int
	Limit int
	Value string
	Index int
	Cause error
}

func (e *Error) Error() string {
	switch e.Kind {
	case KindTooManyRecipients:
		return fmt.Sprintf("Got %d recipients, but maximum allowed is %d", e.Count, e.Limit)
	case KindInvalidPhone:
		return fmt.Sprintf("Invalid phone number %s", e.Value)
	default:
		if s := e.Kind.sentinel(); s != nil {
			return s.Error()
		}
		return "invalid request"
	}
}

// Is lets errors.Is(err, ErrInvalidPhone) and friends match by kind.
func (e *Error) Is(target error) bool {
	s := e.Kind.sentinel()
	return s != nil && s == target
}

func (e *Error) Unwrap() error { return e.Cause }

// KindOf returns the rejection kind of err, or 0 if err is not a validation error.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return 0
}
