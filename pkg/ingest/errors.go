package ingest

import (
	"errors"
	"fmt"

	"github.com/vjranagit/sensorlog/pkg/parser"
	"github.com/vjranagit/sensorlog/pkg/source"
	"github.com/vjranagit/sensorlog/pkg/storage"
)

// ErrorKind classifies a recovered ingestion error
type ErrorKind string

const (
	KindConnection ErrorKind = "connection"
	KindDecode     ErrorKind = "decode"
	KindParse      ErrorKind = "parse"
	KindStore      ErrorKind = "store"
	KindRead       ErrorKind = "read"
	KindPanic      ErrorKind = "panic"
)

// DecodeError reports a line that is not valid UTF-8 text
type DecodeError struct {
	Line []byte
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("decode line: invalid UTF-8 in %d bytes", len(e.Line))
}

// panicError wraps a value recovered from a panicking step
type panicError struct {
	value any
}

func (e *panicError) Error() string {
	return fmt.Sprintf("panic: %v", e.value)
}

// Classify maps an error to its kind
func Classify(err error) ErrorKind {
	var (
		connErr   *source.ConnectionError
		decodeErr *DecodeError
		parseErr  *parser.ParseError
		writeErr  *storage.WriteError
		panicErr  *panicError
	)

	switch {
	case errors.As(err, &connErr):
		return KindConnection
	case errors.As(err, &decodeErr):
		return KindDecode
	case errors.As(err, &parseErr):
		return KindParse
	case errors.As(err, &writeErr), errors.Is(err, storage.ErrClosed):
		return KindStore
	case errors.As(err, &panicErr):
		return KindPanic
	default:
		return KindRead
	}
}
