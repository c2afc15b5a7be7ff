package retriever

import (
	"errors"
	"fmt"
)

type ErrorKind int

const (
	KindTransport ErrorKind = iota
	KindProtocol
	KindIO
)

func (k ErrorKind) String() string {
	switch k {
	case KindTransport:
		return "transport"
	case KindProtocol:
		return "protocol"
	case KindIO:
		return "io"
	default:
		return "unknown"
	}
}

// Error is the only error type returned by the retriever. Every failure abandons
// the current retrieval only.
type Error struct {
	Kind ErrorKind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s error: %s: %v", e.Kind, e.Op, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// StatusError reports a well-formed response with a status other than 200.
type StatusError struct {
	Code   int
	Status string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("unexpected status %d %s", e.Code, e.Status)
}

var (
	errMalformedStatus = errors.New("malformed status line")
	errMalformedHeader = errors.New("malformed header line")
	errHeaderTooLarge  = errors.New("header block too large")
	errShortBody       = errors.New("connection closed before declared content length")
)

func transportErr(op string, err error) error { return &Error{Kind: KindTransport, Op: op, Err: err} }
func protocolErr(op string, err error) error  { return &Error{Kind: KindProtocol, Op: op, Err: err} }
func ioErr(op string, err error) error        { return &Error{Kind: KindIO, Op: op, Err: err} }

// KindOf returns the kind of a retriever error, or false for foreign errors.
func KindOf(err error) (ErrorKind, bool) {
	var rerr *Error
	if errors.As(err, &rerr) {
		return rerr.Kind, true
	}
	return 0, false
}
