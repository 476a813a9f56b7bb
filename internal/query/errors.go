package query

import (
	"errors"
	"fmt"
)

// ErrorKind separates failures with a server response from those without.
type ErrorKind int

const (
	// KindTransport means no response was received.
	KindTransport ErrorKind = iota + 1
	// KindStatus means the server answered with an error status.
	KindStatus
	// KindDecode means the server answered but the body could not be read.
	KindDecode
)

func (k ErrorKind) String() string {
	switch k {
	case KindTransport:
		return "transport"
	case KindStatus:
		return "status"
	case KindDecode:
		return "decode"
	default:
		return "unknown"
	}
}

// Error is the classified failure exposed to query consumers.
type Error struct {
	Query      string
	Kind       ErrorKind
	StatusCode int
	Body       []byte
	Err        error
}

func (e *Error) Error() string {
	switch e.Kind {
	case KindStatus:
		return fmt.Sprintf("query %s: status %d: %v", e.Query, e.StatusCode, e.Err)
	case KindDecode:
		return fmt.Sprintf("query %s: unreadable response: %v", e.Query, e.Err)
	}
	return fmt.Sprintf("query %s: %s failure: %v", e.Query, e.Kind, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

type statusCoder interface {
	HTTPStatus() int
}

type bodyCarrier interface {
	ResponseBody() []byte
}

type decodeFailure interface {
	UndecodableStatus() int
}

// Classify wraps err as an *Error. Errors exposing HTTPStatus() are status
// failures, errors exposing UndecodableStatus() are decode failures and
// everything else is a transport failure.
func Classify(query string, err error) *Error {
	if err == nil {
		return nil
	}
	var qerr *Error
	if errors.As(err, &qerr) {
		return qerr
	}

	out := &Error{Query: query, Kind: KindTransport, Err: err}
	var sc statusCoder
	var df decodeFailure
	switch {
	case errors.As(err, &sc):
		out.Kind = KindStatus
		out.StatusCode = sc.HTTPStatus()
	case errors.As(err, &df):
		out.Kind = KindDecode
		out.StatusCode = df.UndecodableStatus()
	default:
		return out
	}
	var bc bodyCarrier
	if errors.As(err, &bc) {
		out.Body = bc.ResponseBody()
	}
	return out
}
