package thd

import (
	"bytes"
	"encoding/binary"
	"math/rand"
	"strings"
	"sync"
	"time"
)

// DemoDevice simulates a populated THD 32000 so the full pipeline (probe,
// header, block download, decode) runs without hardware. Used by -demo
// mode and the session tests.
type DemoDevice struct {
	info    DeviceInfo
	samples []byte // flat 4-byte sample run, as stored in device memory
}

// NewDemoDevice builds a simulated logger holding n samples shaped for the
// given equipment type (fridge around 5 °C, freezer around -18 °C, ...).
func NewDemoDevice(equipment string, n int) *DemoDevice {
	if n < 0 {
		n = 0
	}
	if n > maxBlocks*recordsPerBlock {
		n = maxBlocks * recordsPerBlock
	}

	base := 20.0
	switch {
	case strings.Contains(equipment, "HELADERA"):
		base = 5
	case strings.Contains(equipment, "FREEZER"):
		base = -18
	case strings.Contains(equipment, "30-35"):
		base = 32.5
	}

	interval := 15 * time.Minute
	start := time.Now().UTC().Add(-time.Duration(n) * interval).Truncate(time.Second)

	samples := make([]byte, 0, n*recordWidth)
	for i := 0; i < n; i++ {
		temp := base + rand.Float64()*2 - 1
		hum := 60 + rand.Float64()*15 - 5
		var rec [recordWidth]byte
		binary.BigEndian.PutUint16(rec[0:2], uint16(int16(temp*10)))
		binary.BigEndian.PutUint16(rec[2:4], uint16(hum*10))
		samples = append(samples, rec[:]...)
	}

	return &DemoDevice{
		info: DeviceInfo{
			Model:       "Galileo THD 32000",
			Firmware:    "1.02",
			RecordCount: n,
			Interval:    interval,
			Start:       start,
		},
		samples: samples,
	}
}

// Info returns the metadata the simulated header will report.
func (d *DemoDevice) Info() DeviceInfo { return d.info }

// Opener returns a LinkOpener handing out links to this device, for wiring
// a Session the same way the serial opener is wired.
func (d *DemoDevice) Opener() LinkOpener {
	return func(port string, baud int) (Link, error) {
		return &demoLink{dev: d, timeout: readSliceTimeout}, nil
	}
}

// Candidate is the placeholder port candidate for demo sessions.
func (d *DemoDevice) Candidate() PortCandidate {
	return PortCandidate{Name: "demo", Product: "Simulated THD 32000"}
}

// demoLink answers the wire protocol from the simulated memory image.
type demoLink struct {
	dev     *DemoDevice
	mu      sync.Mutex
	rbuf    bytes.Buffer
	timeout time.Duration
}

func (l *demoLink) Write(p []byte) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	switch {
	case len(p) == 1 && p[0] == cmdWake:
		ack := make([]byte, ackSize)
		ack[0], ack[1], ack[2] = ackSig0, ackSig1, modelTHD32000
		ack[3], ack[4] = 0x01, 0x02
		l.rbuf.Write(ack)

	case bytes.Equal(p, cmdHeader):
		l.rbuf.Write(l.header())

	case len(p) == 5 && p[0] == 0xD3 && p[1] == 0xDA:
		l.rbuf.Write(l.block(p[2]))
	}
	return len(p), nil
}

func (l *demoLink) header() []byte {
	h := make([]byte, headerSize)
	h[0], h[1] = headerMagic0, headerMagic1
	h[2] = modelTHD32000
	h[3], h[4] = 0x01, 0x02

	st := l.dev.info.Start
	h[14] = intToBCD(st.Year() - 2000)
	h[15] = intToBCD(int(st.Month()))
	h[16] = intToBCD(st.Day())
	h[17] = intToBCD(st.Hour())
	h[18] = intToBCD(st.Minute())
	h[19] = intToBCD(st.Second())
	h[20] = byte(l.dev.info.Interval / time.Minute)
	binary.BigEndian.PutUint16(h[22:24], uint16(l.dev.info.RecordCount))
	return h
}

func (l *demoLink) block(idx byte) []byte {
	payload := make([]byte, blockPayloadSize)
	for i := range payload {
		payload[i] = 0xFF // empty memory reads back FFFF FFFF
	}
	from := int(idx) * blockPayloadSize
	if from < len(l.dev.samples) {
		copy(payload, l.dev.samples[from:])
	}

	out := make([]byte, 0, blockHeaderSize+blockPayloadSize+1)
	out = append(out, blockMagic0, blockMagic1, idx)
	out = append(out, payload...)
	out = append(out, sum8(payload))
	return out
}

func (l *demoLink) Read(p []byte) (int, error) {
	l.mu.Lock()
	n, _ := l.rbuf.Read(p)
	timeout := l.timeout
	l.mu.Unlock()
	if n == 0 {
		// Emulate a serial read timeout: block, then return no data.
		time.Sleep(timeout)
	}
	return n, nil
}

func (l *demoLink) Close() error { return nil }

func (l *demoLink) SetReadTimeout(t time.Duration) error {
	l.mu.Lock()
	l.timeout = t
	l.mu.Unlock()
	return nil
}

func (l *demoLink) ResetInputBuffer() error {
	l.mu.Lock()
	l.rbuf.Reset()
	l.mu.Unlock()
	return nil
}

func intToBCD(v int) byte {
	return byte(v/10)<<4 | byte(v%10)
}
