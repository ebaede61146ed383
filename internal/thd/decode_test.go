package thd

import (
	"encoding/binary"
	"errors"
	"testing"
	"time"
)

func validHeader(count int, intervalMin int) []byte {
	h := make([]byte, headerSize)
	h[0], h[1] = headerMagic0, headerMagic1
	h[2] = modelTHD32000
	h[3], h[4] = 0x01, 0x02
	// 2024-03-15 10:30:00
	h[14] = 0x24
	h[15] = 0x03
	h[16] = 0x15
	h[17] = 0x10
	h[18] = 0x30
	h[19] = 0x00
	h[20] = byte(intervalMin)
	binary.BigEndian.PutUint16(h[22:24], uint16(count))
	return h
}

func sample(temp, hum float64) []byte {
	b := make([]byte, recordWidth)
	binary.BigEndian.PutUint16(b[0:2], uint16(int16(temp*10)))
	binary.BigEndian.PutUint16(b[2:4], uint16(hum*10))
	return b
}

func TestDecodeHeader(t *testing.T) {
	info, err := DecodeHeader(validHeader(1234, 15))
	if err != nil {
		t.Fatalf("DecodeHeader: %v", err)
	}
	if info.Model != "Galileo THD 32000" {
		t.Errorf("model = %q", info.Model)
	}
	if info.Firmware != "1.02" {
		t.Errorf("firmware = %q", info.Firmware)
	}
	if info.RecordCount != 1234 {
		t.Errorf("record count = %d, want 1234", info.RecordCount)
	}
	if info.Interval != 15*time.Minute {
		t.Errorf("interval = %s, want 15m", info.Interval)
	}
	want := time.Date(2024, time.March, 15, 10, 30, 0, 0, time.UTC)
	if !info.Start.Equal(want) {
		t.Errorf("start = %s, want %s", info.Start, want)
	}
}

func TestDecodeHeaderRejectsMalformed(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func([]byte)
		payload []byte
	}{
		{name: "short", payload: validHeader(1, 15)[:20]},
		{name: "bad magic", mutate: func(h []byte) { h[0] = 0x00 }},
		{name: "month 13", mutate: func(h []byte) { h[15] = 0x13 }},
		{name: "minute 77", mutate: func(h []byte) { h[18] = 0x77 }},
		{name: "interval zero", mutate: func(h []byte) { h[20] = 0 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := tt.payload
			if p == nil {
				p = validHeader(1, 15)
				tt.mutate(p)
			}
			if _, err := DecodeHeader(p); !errors.Is(err, ErrDecode) {
				t.Errorf("err = %v, want ErrDecode", err)
			}
		})
	}
}

func TestDecodeBlock(t *testing.T) {
	info := DeviceInfo{
		RecordCount: 100,
		Interval:    time.Minute,
		Start:       time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
	}

	var payload []byte
	payload = append(payload, sample(21.5, 60.0)...)
	payload = append(payload, sample(-18.3, 45.2)...)

	recs, done, err := DecodeBlock(payload, info, 32)
	if err != nil {
		t.Fatalf("DecodeBlock: %v", err)
	}
	if done {
		t.Fatal("done = true with no sentinel")
	}
	if len(recs) != 2 {
		t.Fatalf("got %d records, want 2", len(recs))
	}

	if recs[0].Index != 32 || recs[1].Index != 33 {
		t.Errorf("indices = %d, %d, want 32, 33", recs[0].Index, recs[1].Index)
	}
	if recs[0].Temperature != 21.5 || recs[0].Humidity != 60.0 {
		t.Errorf("record 0 = %.1f °C %.1f %%, want 21.5 60.0", recs[0].Temperature, recs[0].Humidity)
	}
	// Negative temperatures survive the signed decode.
	if recs[1].Temperature != -18.3 {
		t.Errorf("record 1 temp = %.1f, want -18.3", recs[1].Temperature)
	}
	if want := info.RecordTime(33); !recs[1].Timestamp.Equal(want) {
		t.Errorf("record 1 timestamp = %s, want %s", recs[1].Timestamp, want)
	}
	if recs[0].Flags != 0 || recs[1].Flags != 0 {
		t.Errorf("flags = %v, %v, want none", recs[0].Flags, recs[1].Flags)
	}
}

func TestDecodeBlockSentinelEndsData(t *testing.T) {
	info := DeviceInfo{Interval: time.Minute, Start: time.Now()}

	var payload []byte
	payload = append(payload, sample(20.0, 50.0)...)
	payload = append(payload, 0xFF, 0xFF, 0xFF, 0xFF) // both channels faulted: end of data
	payload = append(payload, sample(99.0, 99.0)...)  // must never be decoded

	recs, done, err := DecodeBlock(payload, info, 0)
	if err != nil {
		t.Fatalf("DecodeBlock: %v", err)
	}
	if !done {
		t.Error("done = false, want true at sentinel")
	}
	if len(recs) != 1 {
		t.Errorf("got %d records, want 1", len(recs))
	}

	// 0000/0000 is also an end marker.
	payload = append(sample(20.0, 50.0), 0x00, 0x00, 0x00, 0x00)
	recs, done, err = DecodeBlock(payload, info, 0)
	if err != nil || !done || len(recs) != 1 {
		t.Errorf("zero sentinel: recs=%d done=%v err=%v", len(recs), done, err)
	}
}

func TestDecodeBlockSingleChannelFault(t *testing.T) {
	info := DeviceInfo{Interval: time.Minute, Start: time.Now()}

	payload := []byte{0xFF, 0xFF, 0x02, 0x58} // temp faulted, hum 60.0
	recs, done, err := DecodeBlock(payload, info, 0)
	if err != nil || done {
		t.Fatalf("done=%v err=%v", done, err)
	}
	if len(recs) != 1 {
		t.Fatalf("got %d records, want 1", len(recs))
	}
	if recs[0].Flags&FlagTempFault == 0 {
		t.Error("temp fault flag not set")
	}
	if recs[0].TempValid() {
		t.Error("faulted temperature counted as valid")
	}
	if !recs[0].HumValid() || recs[0].Humidity != 60.0 {
		t.Errorf("humidity = %.1f valid=%v, want 60.0 valid", recs[0].Humidity, recs[0].HumValid())
	}
}

func TestDecodeBlockRangeFlag(t *testing.T) {
	info := DeviceInfo{Interval: time.Minute, Start: time.Now()}

	payload := sample(20.0, 120.0) // humidity beyond 100 %rH
	recs, _, err := DecodeBlock(payload, info, 0)
	if err != nil {
		t.Fatalf("DecodeBlock: %v", err)
	}
	if recs[0].Flags&FlagRange == 0 {
		t.Error("range flag not set for 120 %rH")
	}
}

func TestDecodeBlockRejectsRaggedPayload(t *testing.T) {
	info := DeviceInfo{Interval: time.Minute, Start: time.Now()}
	if _, _, err := DecodeBlock(make([]byte, 6), info, 0); !errors.Is(err, ErrDecode) {
		t.Errorf("err = %v, want ErrDecode", err)
	}
}

func TestFlagsRoundTrip(t *testing.T) {
	for _, f := range []RecordFlags{0, FlagTempFault, FlagHumFault | FlagRange, FlagTempFault | FlagHumFault | FlagRange} {
		if f == 0 {
			if ParseFlags(f.String()) != 0 {
				t.Errorf("ok did not parse back to zero flags")
			}
			continue
		}
		if got := ParseFlags(f.String()); got != f {
			t.Errorf("ParseFlags(%q) = %v, want %v", f.String(), got, f)
		}
	}
}
