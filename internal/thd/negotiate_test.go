package thd

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"
)

// trackedLink wraps a scripted link and records Close for leak checks.
type trackedLink struct {
	scriptLink
	name   string
	baud   int
	closed bool
}

func (l *trackedLink) Close() error {
	l.closed = true
	return nil
}

// fakeOpener hands out answering or silent links per (port, baud) pair.
type fakeOpener struct {
	mu        sync.Mutex
	answering map[string]bool // "PORT@baud"
	opened    []*trackedLink
}

func (o *fakeOpener) open(port string, baud int) (Link, error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	l := &trackedLink{name: port, baud: baud}
	if o.answering[fmt.Sprintf("%s@%d", port, baud)] {
		ack := make([]byte, ackSize)
		ack[0], ack[1] = ackSig0, ackSig1
		l.responses = [][]byte{ack}
	}
	o.opened = append(o.opened, l)
	return l, nil
}

const testProbeTimeout = 80 * time.Millisecond

func TestNegotiateFindsAnsweringPair(t *testing.T) {
	opener := &fakeOpener{answering: map[string]bool{"PORTB@19200": true}}
	neg := &Negotiator{Open: opener.open, ProbeTimeout: testProbeTimeout}

	candidates := []PortCandidate{{Name: "PORTA"}, {Name: "PORTB"}}
	link, cfg, err := neg.Negotiate(context.Background(), candidates, []int{9600, 19200})
	if err != nil {
		t.Fatalf("Negotiate: %v", err)
	}
	defer link.Close()

	if cfg.Port != "PORTB" || cfg.BaudRate != 19200 {
		t.Errorf("selected %s@%d, want PORTB@19200", cfg.Port, cfg.BaudRate)
	}
	if cfg.FrameTimeout != DefaultFrameTimeout {
		t.Errorf("frame timeout = %s", cfg.FrameTimeout)
	}

	// Deterministic walk: PORTA@9600, PORTA@19200, PORTB@9600, PORTB@19200.
	if len(opener.opened) != 4 {
		t.Fatalf("%d opens, want 4", len(opener.opened))
	}
	// Every losing attempt was closed; the winner stays open for the caller.
	for _, l := range opener.opened[:3] {
		if !l.closed {
			t.Errorf("%s@%d left open after a failed probe", l.name, l.baud)
		}
	}
	if opener.opened[3].closed {
		t.Error("winning link was closed during negotiation")
	}
}

func TestNegotiateExhaustionIsNoDevice(t *testing.T) {
	opener := &fakeOpener{}
	neg := &Negotiator{Open: opener.open, ProbeTimeout: testProbeTimeout}

	_, _, err := neg.Negotiate(context.Background(), []PortCandidate{{Name: "PORTA"}}, []int{9600})
	if !errors.Is(err, ErrNoDevice) {
		t.Fatalf("err = %v, want ErrNoDevice", err)
	}
}

func TestNegotiateSkipsUnopenablePorts(t *testing.T) {
	answered := false
	open := func(port string, baud int) (Link, error) {
		if port == "BUSY" {
			return nil, errors.New("resource busy")
		}
		answered = true
		ack := make([]byte, ackSize)
		ack[0], ack[1] = ackSig0, ackSig1
		return &trackedLink{scriptLink: scriptLink{responses: [][]byte{ack}}}, nil
	}
	neg := &Negotiator{Open: open, ProbeTimeout: testProbeTimeout}

	link, cfg, err := neg.Negotiate(context.Background(),
		[]PortCandidate{{Name: "BUSY"}, {Name: "FREE"}}, []int{9600})
	if err != nil {
		t.Fatalf("Negotiate: %v", err)
	}
	defer link.Close()
	if !answered || cfg.Port != "FREE" {
		t.Errorf("selected %q, want FREE after skipping the busy port", cfg.Port)
	}
}

func TestNegotiateHonoursCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	opener := &fakeOpener{}
	neg := &Negotiator{Open: opener.open, ProbeTimeout: testProbeTimeout}

	_, _, err := neg.Negotiate(ctx, []PortCandidate{{Name: "PORTA"}}, []int{9600})
	if !errors.Is(err, ErrCancelled) {
		t.Fatalf("err = %v, want ErrCancelled", err)
	}
	if len(opener.opened) != 0 {
		t.Error("opened a port after cancellation")
	}
}
