package source

import (
	"go.bug.st/serial"
)

// OpenSerial opens a serial device at the configured baud rate
func OpenSerial(cfg *Config) (*LineSource, error) {
	mode := &serial.Mode{
		BaudRate: cfg.BaudRate,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	}

	port, err := serial.Open(cfg.Address, mode)
	if err != nil {
		return nil, &ConnectionError{Address: cfg.Address, Err: err}
	}
	return NewLineSource(cfg.Address, port, cfg.BufferLines, cfg.MaxLineLength), nil
}
