package routing

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
)

const (
	DefaultMaxRecipients = 5000
	DefaultPhoneDigits   = 10
)

// RouteRequest is an accepted send-request. Treat it as read-only: routes
// produced by Plan share its recipients slice.
type RouteRequest struct {
	Message    string
	Recipients []string
}

// Validator checks raw payloads against the request invariants.
// Zero fields fall back to DefaultMaxRecipients / DefaultPhoneDigits.
type Validator struct {
	MaxRecipients int
	PhoneDigits   int
}

// NewValidator returns a Validator with the default limits.
func NewValidator() Validator {
	return Validator{MaxRecipients: DefaultMaxRecipients, PhoneDigits: DefaultPhoneDigits}
}

// Limit is the effective recipient cap.
func (v Validator) Limit() int { return v.maxRecipients() }

func (v Validator) maxRecipients() int {
	if v.MaxRecipients <= 0 {
		return DefaultMaxRecipients
	}
	return v.MaxRecipients
}

func (v Validator) phoneDigits() int {
	if v.PhoneDigits <= 0 {
		return DefaultPhoneDigits
	}
	return v.PhoneDigits
}

type wireRequest struct {
	Message    string   `json:"message"`
	Recipients []string `json:"recipients"`
}

// Decode reads the whole body and parses it. Read failures are reported as
// MalformedRequest.
func (v Validator) Decode(r io.Reader) (RouteRequest, error) {
	b, err := io.ReadAll(r)
	if err != nil {
		return RouteRequest{}, &Error{Kind: KindMalformedRequest, Cause: err}
	}
	return v.Parse(b)
}

// Parse decodes a JSON payload and validates it.
//
// Unknown fields are ignored. A missing or null "recipients" is treated as an
// empty list and a missing "message" as an empty message, so those report the
// more specific error instead of MalformedRequest.
func (v Validator) Parse(payload []byte) (RouteRequest, error) {
	trimmed := bytes.TrimSpace(payload)
	if len(trimmed) == 0 || trimmed[0] != '{' {
		return RouteRequest{}, &Error{Kind: KindMalformedRequest, Cause: errors.New("payload is not a JSON object")}
	}

	var w wireRequest
	dec := json.NewDecoder(bytes.NewReader(trimmed))
	if err := dec.Decode(&w); err != nil {
		return RouteRequest{}, &Error{Kind: KindMalformedRequest, Cause: err}
	}
	// reject trailing tokens (e.g. concatenated JSON)
	if err := dec.Decode(&struct{}{}); err != io.EOF {
		if err == nil {
			err = errors.New("trailing data")
		}
		return RouteRequest{}, &Error{Kind: KindMalformedRequest, Cause: err}
	}

	return v.Validate(w.Message, w.Recipients)
}

// Validate applies the content checks in precedence order:
// message, recipients present, recipient count, recipient format.
func (v Validator) Validate(message string, recipients []string) (RouteRequest, error) {
	if len(message) == 0 {
		return RouteRequest{}, &Error{Kind: KindEmptyMessage}
	}
	if len(recipients) == 0 {
		return RouteRequest{}, &Error{Kind: KindEmptyRecipients}
	}
	if limit := v.maxRecipients(); len(recipients) > limit {
		return RouteRequest{}, &Error{Kind: KindTooManyRecipients, Count: len(recipients), Limit: limit}
	}
	digits := v.phoneDigits()
	for i, r := range recipients {
		if !ValidRecipient(r, digits) {
			return RouteRequest{}, &Error{Kind: KindInvalidPhone, Value: r, Index: i}
		}
	}
	return RouteRequest{Message: message, Recipients: recipients}, nil
}

// ValidRecipient reports whether s is exactly digits ASCII decimal digits.
func ValidRecipient(s string, digits int) bool {
	if len(s) != digits {
		return false
	}
	for i := 0; i < len(s); i++ {
		if s[i] < '0' || s[i] > '9' {
			return false
		}
	}
	return true
}

// String is used in logs; it never includes recipient values.
func (r RouteRequest) String() string {
	return fmt.Sprintf("RouteRequest{message_len=%d recipients=%d}", len(r.Message), len(r.Recipients))
}
