// Package source provides the byte sources telemetry lines are read from.
//
// Every source is polled: HasData reports whether a complete line is
// waiting and ReadLine never blocks. Transports are chosen by address:
//
//	tcp://host:port   serial-over-IP bridge
//	file:///path      replay of a capture file
//	-                 standard input
//	anything else     serial device, e.g. /dev/ttyUSB0 or COM8
package source

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"strings"
	"time"
)

// Source is a line-oriented byte source
type Source interface {
	// HasData reports whether ReadLine would return a line
	HasData() bool

	// ReadLine returns the next line including its terminator,
	// or ErrNoData when nothing is waiting
	ReadLine() ([]byte, error)

	// Name identifies the source in logs and status
	Name() string

	// Close releases the underlying transport
	Close() error
}

// ErrNoData is returned by ReadLine when no line is waiting
var ErrNoData = errors.New("no data available")

// ConnectionError reports a source that could not be opened
type ConnectionError struct {
	Address string
	Err     error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("connect to %s: %v", e.Address, e.Err)
}

func (e *ConnectionError) Unwrap() error {
	return e.Err
}

// Config holds source configuration
type Config struct {
	Address       string
	BaudRate      int
	BufferLines   int
	MaxLineLength int
	DialTimeout   time.Duration
}

// DefaultConfig returns default source configuration
func DefaultConfig() *Config {
	return &Config{
		Address:       "/dev/ttyUSB0",
		BaudRate:      9600,
		BufferLines:   1024,
		MaxLineLength: 4096,
		DialTimeout:   5 * time.Second,
	}
}

// Open connects to the source named by cfg.Address
func Open(ctx context.Context, cfg *Config) (Source, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if cfg.Address == "" {
		return nil, &ConnectionError{Address: cfg.Address, Err: errors.New("empty address")}
	}

	switch {
	case strings.HasPrefix(cfg.Address, "tcp://"):
		addr := strings.TrimPrefix(cfg.Address, "tcp://")
		dialer := net.Dialer{Timeout: cfg.DialTimeout}
		conn, err := dialer.DialContext(ctx, "tcp", addr)
		if err != nil {
			return nil, &ConnectionError{Address: cfg.Address, Err: err}
		}
		return NewLineSource(cfg.Address, conn, cfg.BufferLines, cfg.MaxLineLength), nil

	case strings.HasPrefix(cfg.Address, "file://"):
		f, err := os.Open(strings.TrimPrefix(cfg.Address, "file://"))
		if err != nil {
			return nil, &ConnectionError{Address: cfg.Address, Err: err}
		}
		return NewLineSource(cfg.Address, f, cfg.BufferLines, cfg.MaxLineLength), nil

	case cfg.Address == "-":
		return NewLineSource("stdin", os.Stdin, cfg.BufferLines, cfg.MaxLineLength), nil

	default:
		return OpenSerial(cfg)
	}
}

// Unavailable is the source used when the real one could not be opened.
// It never has data.
type Unavailable struct {
	Address string
	Err     error
}

// HasData implements Source.HasData
func (u *Unavailable) HasData() bool { return false }

// ReadLine implements Source.ReadLine
func (u *Unavailable) ReadLine() ([]byte, error) { return nil, ErrNoData }

// Name implements Source.Name
func (u *Unavailable) Name() string { return u.Address }

// Close implements Source.Close
func (u *Unavailable) Close() error { return nil }
