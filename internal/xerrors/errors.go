// Package xerrors defines the error kinds shared by the indexer, mempool,
// query, and broadcast layers. Transports translate a Kind into whatever
// status encoding they use; the core never encodes one itself.
package xerrors

import (
	"errors"
	"fmt"
)

// Kind classifies an error independently of how a transport encodes it.
type Kind int

const (
	// KindUnknown is the zero value — never returned by this package's
	// constructors, but useful as the result of Classify on a foreign error.
	KindUnknown Kind = iota
	KindNotFound
	KindBadRequest
	KindWrongNetwork
	KindUnprocessableCursor
	KindUnavailable
	KindFatal
)

func (k Kind) String() string {
	switch k {
	case KindNotFound:
		return "not_found"
	case KindBadRequest:
		return "bad_request"
	case KindWrongNetwork:
		return "wrong_network"
	case KindUnprocessableCursor:
		return "unprocessable_cursor"
	case KindUnavailable:
		return "unavailable"
	case KindFatal:
		return "fatal"
	default:
		return "unknown"
	}
}

// Sentinel errors. Wrap with fmt.Errorf("...: %w", xerrors.NotFound) to add
// context while keeping errors.Is(err, xerrors.NotFound) working.
var (
	NotFound            = errors.New("not found")
	BadRequest          = errors.New("bad request")
	WrongNetwork        = errors.New("wrong network")
	UnprocessableCursor = errors.New("unprocessable cursor")
	Unavailable         = errors.New("upstream unavailable")
	Fatal               = errors.New("fatal error")
)

// kindSentinels is checked in order by Classify.
var kindSentinels = []struct {
	kind Kind
	err  error
}{
	{KindNotFound, NotFound},
	{KindBadRequest, BadRequest},
	{KindWrongNetwork, WrongNetwork},
	{KindUnprocessableCursor, UnprocessableCursor},
	{KindUnavailable, Unavailable},
	{KindFatal, Fatal},
}

// Classify returns the Kind of err, or KindUnknown if err doesn't wrap one
// of the sentinels above.
func Classify(err error) Kind {
	for _, s := range kindSentinels {
		if errors.Is(err, s.err) {
			return s.kind
		}
	}
	return KindUnknown
}

// Wrap annotates err (typically a sentinel above) with a message, preserving
// errors.Is/As compatibility.
func Wrap(sentinel error, format string, args ...interface{}) error {
	return fmt.Errorf("%s: %w", fmt.Sprintf(format, args...), sentinel)
}
