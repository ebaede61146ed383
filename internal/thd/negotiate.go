package thd

import (
	"context"
	"fmt"
	"log"
	"time"
)

// DefaultBaudRates is the probe order. The THD 32000 ships at 9600; higher
// rates are firmware options seen in the field.
var DefaultBaudRates = []int{9600, 19200, 38400, 57600, 115200}

// DefaultProbeTimeout bounds one identity probe.
const DefaultProbeTimeout = 500 * time.Millisecond

// Negotiator finds the (port, baud) pair the logger answers on. The search
// is a bounded, deterministic two-dimensional walk: ports in candidate
// order, bauds in preference order, first success wins.
type Negotiator struct {
	// Open opens a candidate. Defaults to OpenSerial; tests inject fakes.
	Open LinkOpener
	// ProbeTimeout bounds each probe exchange.
	ProbeTimeout time.Duration
}

// Negotiate probes every (candidate × baud) combination in order and
// returns the first confirmed link, still open, plus its config. Between
// attempts the port is fully closed and reopened so driver buffers from a
// wrong-baud attempt cannot leak into the next. Exhaustion returns
// ErrNoDevice; retrying is the caller's decision.
func (n *Negotiator) Negotiate(ctx context.Context, candidates []PortCandidate, bauds []int) (Link, LinkConfig, error) {
	open := n.Open
	if open == nil {
		open = OpenSerial
	}
	timeout := n.ProbeTimeout
	if timeout <= 0 {
		timeout = DefaultProbeTimeout
	}
	if len(bauds) == 0 {
		bauds = DefaultBaudRates
	}

	for _, cand := range candidates {
		for _, baud := range bauds {
			if err := ctx.Err(); err != nil {
				return nil, LinkConfig{}, fmt.Errorf("negotiation: %w", ErrCancelled)
			}

			link, err := open(cand.Name, baud)
			if err != nil {
				// Port unavailable at OS level: report and move on,
				// the next candidate may still answer.
				log.Printf("[negotiate] %s@%d: open failed: %v", cand.Name, baud, err)
				continue
			}

			fr, err := NewFramer(link, timeout).Probe()
			if err != nil {
				log.Printf("[negotiate] %s@%d: no answer (%v)", cand.Name, baud, err)
				link.Close()
				continue
			}

			log.Printf("[negotiate] confirmed %s@%d (ack % X)", cand.Name, baud, fr.Payload)
			return link, LinkConfig{
				Port:         cand.Name,
				BaudRate:     baud,
				FrameTimeout: DefaultFrameTimeout,
			}, nil
		}
	}
	return nil, LinkConfig{}, ErrNoDevice
}
