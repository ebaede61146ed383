package thd

import (
	"bytes"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/thd32000/galileo-dash/internal/metrics"
)

// Wire protocol of the THD 32000 firmware. Command codes and layouts were
// reverse-engineered from the vendor's download tool; see docs in the
// decode functions for field positions.
const (
	cmdWake byte = 0x5C // single-byte identity probe

	ackSize = 16 // probe acknowledgment
	ackSig0 = 0x5C
	ackSig1 = 0xA3

	headerSize   = 64 // metadata header frame
	headerMagic0 = 0xD1
	headerMagic1 = 0x1C

	blockMagic0      = 0xD5 // block response echo header: D5 DA <idx>
	blockMagic1      = 0xDA
	blockHeaderSize  = 3
	blockPayloadSize = 128
	recordWidth      = 4
	recordsPerBlock  = blockPayloadSize / recordWidth
	maxBlocks        = 255

	// DefaultFrameTimeout bounds one request/response exchange. Timeouts
	// are per exchange, not per session, so a slow device is not mistaken
	// for a dead one.
	DefaultFrameTimeout = 800 * time.Millisecond

	readSliceTimeout = 50 * time.Millisecond // per-read poll inside an exchange
	drainSilence     = 60 * time.Millisecond
	drainTimeout     = 500 * time.Millisecond
	postWriteDelay   = 30 * time.Millisecond // device needs settle time after a command
)

var cmdHeader = []byte{0xAD, 0xDA}

func cmdBlock(idx byte) []byte {
	return []byte{0xD3, 0xDA, idx, 0x00, 0x00}
}

// sum8 is the additive mod-256 checksum trailing every block payload.
func sum8(p []byte) byte {
	var s byte
	for _, b := range p {
		s += b
	}
	return s
}

// Frame is one validated protocol unit: a response code plus its payload.
// Frames are transient; they exist only inside one exchange.
type Frame struct {
	Code    byte
	Payload []byte
}

// Framer turns the raw byte link into synchronous request/response calls.
// It is strictly half-duplex: a second request is never written before the
// previous exchange reached a terminal outcome.
type Framer struct {
	link    Link
	timeout time.Duration
}

// NewFramer wraps an open link. timeout bounds each exchange; zero selects
// DefaultFrameTimeout.
func NewFramer(link Link, timeout time.Duration) *Framer {
	if timeout <= 0 {
		timeout = DefaultFrameTimeout
	}
	return &Framer{link: link, timeout: timeout}
}

// Probe sends the wake byte and validates the identity acknowledgment.
// Unlike Call it does not retry: negotiation iterates (port, baud) pairs
// itself and a silent pair should fail fast.
func (f *Framer) Probe() (Frame, error) {
	return f.exchange([]byte{cmdWake}, f.readAck)
}

// CallHeader requests the 64-byte metadata header.
func (f *Framer) CallHeader() (Frame, error) {
	return f.call(cmdHeader, f.readHeader)
}

// CallBlock requests one 128-byte record block by index.
func (f *Framer) CallBlock(idx byte) (Frame, error) {
	return f.call(cmdBlock(idx), func(raw []byte) (Frame, error) {
		return f.readBlock(raw, idx)
	})
}

// call performs one exchange with the retry-once policy: a timeout or
// garbage outcome is retried exactly once (after draining any trailing
// noise), then escalated to the caller.
func (f *Framer) call(req []byte, parse func([]byte) (Frame, error)) (Frame, error) {
	var lastErr error
	for attempt := 0; attempt < 2; attempt++ {
		fr, err := f.exchange(req, parse)
		if err == nil {
			return fr, nil
		}
		if !errors.Is(err, ErrFrameTimeout) && !errors.Is(err, ErrFrameGarbage) {
			return Frame{}, err
		}
		lastErr = err
		if attempt == 0 {
			log.Printf("[framer] cmd % X attempt 1 failed (%v), retrying once", req, err)
			f.drain()
		}
	}
	return Frame{}, lastErr
}

// exchange writes one request and collects the response within the frame
// timeout, then hands the raw bytes to the parser.
func (f *Framer) exchange(req []byte, parse func([]byte) (Frame, error)) (Frame, error) {
	f.link.ResetInputBuffer()
	if _, err := f.link.Write(req); err != nil {
		return Frame{}, fmt.Errorf("thd: write % X: %w", req, err)
	}
	time.Sleep(postWriteDelay)

	raw, err := f.collect()
	if err != nil {
		return Frame{}, err
	}
	fr, err := parse(raw)
	switch {
	case err == nil:
		metrics.FramesTotal.WithLabelValues("ok").Inc()
	case errors.Is(err, ErrFrameTimeout):
		metrics.FramesTotal.WithLabelValues("timeout").Inc()
	case errors.Is(err, ErrFrameGarbage):
		metrics.FramesTotal.WithLabelValues("garbage").Inc()
	}
	return fr, err
}

// collect accumulates response bytes until the link goes quiet or the
// exchange deadline passes. Completeness is judged by the parser, not here:
// the device answers in one burst, so first-silence-after-data is the frame
// boundary.
func (f *Framer) collect() ([]byte, error) {
	f.link.SetReadTimeout(readSliceTimeout)

	acc := make([]byte, 0, blockHeaderSize+blockPayloadSize+1)
	buf := make([]byte, 256)
	deadline := time.Now().Add(f.timeout)

	for time.Now().Before(deadline) {
		n, err := f.link.Read(buf)
		if n > 0 {
			acc = append(acc, buf[:n]...)
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("thd: read after %d bytes: %w", len(acc), err)
		}
		if len(acc) > 0 {
			break // silence after data: frame is complete
		}
	}
	return acc, nil
}

// drain discards pending bytes until silence, so garbage from a failed
// exchange cannot bleed into the retry.
func (f *Framer) drain() {
	f.link.ResetInputBuffer()
	f.link.SetReadTimeout(drainSilence)

	buf := make([]byte, 256)
	total := 0
	deadline := time.Now().Add(drainTimeout)
	for time.Now().Before(deadline) {
		n, _ := f.link.Read(buf)
		if n == 0 {
			break
		}
		total += n
	}
	if total > 0 {
		log.Printf("[framer] drained %d stale bytes", total)
	}
}

// readAck validates the 16-byte probe acknowledgment, tolerating leading
// noise before the signature.
func (f *Framer) readAck(raw []byte) (Frame, error) {
	if len(raw) == 0 {
		return Frame{}, fmt.Errorf("probe ack: %w", ErrFrameTimeout)
	}
	i := bytes.Index(raw, []byte{ackSig0, ackSig1})
	if i < 0 {
		return Frame{}, fmt.Errorf("probe ack signature not in %d bytes: %w", len(raw), ErrFrameGarbage)
	}
	if len(raw)-i < ackSize {
		return Frame{}, fmt.Errorf("probe ack incomplete (%d of %d bytes): %w", len(raw)-i, ackSize, ErrFrameTimeout)
	}
	return Frame{Code: cmdWake, Payload: raw[i : i+ackSize]}, nil
}

// readHeader locates the header by its D1 1C magic, discarding anything in
// front of it. Bytes with no locatable magic are garbage; a located but
// short header is a timeout.
func (f *Framer) readHeader(raw []byte) (Frame, error) {
	if len(raw) == 0 {
		return Frame{}, fmt.Errorf("header: %w", ErrFrameTimeout)
	}
	i := bytes.Index(raw, []byte{headerMagic0, headerMagic1})
	if i < 0 {
		return Frame{}, fmt.Errorf("header magic not in %d bytes: %w", len(raw), ErrFrameGarbage)
	}
	if len(raw)-i < headerSize {
		return Frame{}, fmt.Errorf("header incomplete (%d of %d bytes): %w", len(raw)-i, headerSize, ErrFrameTimeout)
	}
	return Frame{Code: headerMagic0, Payload: raw[i : i+headerSize]}, nil
}

// readBlock locates a block response by its D5 DA echo header, checks the
// echoed block index and the trailing additive checksum, and returns the
// 128-byte payload.
func (f *Framer) readBlock(raw []byte, idx byte) (Frame, error) {
	if len(raw) == 0 {
		return Frame{}, fmt.Errorf("block %d: %w", idx, ErrFrameTimeout)
	}
	i := bytes.Index(raw, []byte{blockMagic0, blockMagic1})
	if i < 0 {
		return Frame{}, fmt.Errorf("block %d echo not in %d bytes: %w", idx, len(raw), ErrFrameGarbage)
	}
	want := blockHeaderSize + blockPayloadSize + 1
	if len(raw)-i < want {
		return Frame{}, fmt.Errorf("block %d incomplete (%d of %d bytes): %w", idx, len(raw)-i, want, ErrFrameTimeout)
	}
	fr := raw[i : i+want]
	if fr[2] != idx {
		return Frame{}, fmt.Errorf("block echo index %d, want %d: %w", fr[2], idx, ErrFrameGarbage)
	}
	payload := fr[blockHeaderSize : blockHeaderSize+blockPayloadSize]
	if got, calc := fr[want-1], sum8(payload); got != calc {
		return Frame{}, fmt.Errorf("block %d checksum 0x%02X, want 0x%02X: %w", idx, got, calc, ErrFrameGarbage)
	}
	return Frame{Code: blockMagic0, Payload: payload}, nil
}
