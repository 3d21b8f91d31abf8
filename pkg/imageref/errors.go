package imageref

import "fmt"

// ErrFetch matches any *FetchError via errors.Is.
var ErrFetch = &FetchError{}

// FetchError reports that the image bytes could not be retrieved.
type FetchError struct {
	Ref Ref
	Err error
}

func (e *FetchError) Error() string {
	if e.Err == nil {
		return "fetch image"
	}
	return fmt.Sprintf("fetch image %s: %v", e.Ref, e.Err)
}

func (e *FetchError) Unwrap() error { return e.Err }

// Is implements the error interface for error comparison.
func (e *FetchError) Is(target error) bool {
	_, ok := target.(*FetchError)
	return ok
}

// ErrDecode matches any *DecodeError via errors.Is.
var ErrDecode = &DecodeError{}

// DecodeError reports bytes that no registered codec could parse.
type DecodeError struct {
	Err error
}

func (e *DecodeError) Error() string {
	if e.Err == nil {
		return "decode image"
	}
	return "decode image: " + e.Err.Error()
}

func (e *DecodeError) Unwrap() error { return e.Err }

// Is implements the error interface for error comparison.
func (e *DecodeError) Is(target error) bool {
	_, ok := target.(*DecodeError)
	return ok
}

// ErrMalformedInput matches any *MalformedInputError via errors.Is.
var ErrMalformedInput = &MalformedInputError{}

// MalformedInputError reports a reference whose structure is invalid, such as a
// data URI without a comma between header and payload.
type MalformedInputError struct {
	Message string
	Err     error
}

func (e *MalformedInputError) Error() string {
	msg := e.Message
	if msg == "" {
		msg = "malformed image input"
	}
	if e.Err != nil {
		return msg + ": " + e.Err.Error()
	}
	return msg
}

func (e *MalformedInputError) Unwrap() error { return e.Err }

// Is implements the error interface for error comparison.
func (e *MalformedInputError) Is(target error) bool {
	_, ok := target.(*MalformedInputError)
	return ok
}
