package thd

import (
	"fmt"
	"io"
	"time"

	"go.bug.st/serial"
)

// Link is the byte transport the framer drives. go.bug.st/serial's Port
// satisfies it directly; tests and demo mode substitute in-memory fakes.
type Link interface {
	io.ReadWriteCloser
	SetReadTimeout(t time.Duration) error
	ResetInputBuffer() error
}

// LinkConfig is the negotiated connection. Once confirmed it is never
// changed mid-session; a failure forces renegotiation from scratch.
type LinkConfig struct {
	Port         string        `json:"port"`
	BaudRate     int           `json:"baudRate"`
	FrameTimeout time.Duration `json:"frameTimeout"`
}

// LinkOpener opens a candidate port at a candidate baud rate.
// Injectable so negotiation is testable without hardware.
type LinkOpener func(port string, baud int) (Link, error)

// OpenSerial is the production LinkOpener: 8N1, per-read timeout set by
// the framer before each exchange.
func OpenSerial(port string, baud int) (Link, error) {
	mode := &serial.Mode{
		BaudRate: baud,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	}
	p, err := serial.Open(port, mode)
	if err != nil {
		return nil, fmt.Errorf("thd: open %s: %w", port, err)
	}
	return p, nil
}
