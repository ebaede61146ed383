package thd

import (
	"strings"
	"time"
)

// RecordFlags marks measurements the device reported but that should not be
// trusted blindly. Faulted records are kept in the series; statistics skip
// them per channel instead of dropping them.
type RecordFlags uint8

const (
	// FlagTempFault: temperature probe returned the disconnected sentinel.
	FlagTempFault RecordFlags = 1 << iota
	// FlagHumFault: humidity probe returned the disconnected sentinel.
	FlagHumFault
	// FlagRange: a decoded value is outside the sensor's plausible range.
	FlagRange
)

func (f RecordFlags) String() string {
	if f == 0 {
		return "ok"
	}
	var parts []string
	if f&FlagTempFault != 0 {
		parts = append(parts, "temp_fault")
	}
	if f&FlagHumFault != 0 {
		parts = append(parts, "hum_fault")
	}
	if f&FlagRange != 0 {
		parts = append(parts, "range")
	}
	return strings.Join(parts, "|")
}

// ParseFlags converts a String() representation back into flags.
// Unknown tokens are ignored so older CSV files still load.
func ParseFlags(s string) RecordFlags {
	var f RecordFlags
	for _, p := range strings.Split(s, "|") {
		switch strings.TrimSpace(p) {
		case "temp_fault":
			f |= FlagTempFault
		case "hum_fault":
			f |= FlagHumFault
		case "range":
			f |= FlagRange
		}
	}
	return f
}

// MeasurementRecord is one decoded sample from the logger memory.
// Timestamp is derived from DeviceInfo.Start + Index*Interval.
type MeasurementRecord struct {
	Index       int         `json:"index"`
	Timestamp   time.Time   `json:"timestamp"`
	Temperature float64     `json:"temperature"` // °C
	Humidity    float64     `json:"humidity"`    // %rH
	Flags       RecordFlags `json:"flags"`
}

// TempValid reports whether the temperature channel of this record may be
// used for statistics.
func (r MeasurementRecord) TempValid() bool {
	return r.Flags&(FlagTempFault|FlagRange) == 0
}

// HumValid reports whether the humidity channel of this record may be used
// for statistics.
func (r MeasurementRecord) HumValid() bool {
	return r.Flags&(FlagHumFault|FlagRange) == 0
}

// Series is a finalized, timestamp-ordered sequence of records.
// Treat it as immutable once returned by Assemble.
type Series []MeasurementRecord

// DeviceInfo is the logger metadata captured once at session start.
// It is immutable for the lifetime of a session: if the device contradicts
// it mid-download the whole session is invalidated.
type DeviceInfo struct {
	Model       string        `json:"model"`
	Firmware    string        `json:"firmware"`
	RecordCount int           `json:"recordCount"`
	Interval    time.Duration `json:"interval"`
	Start       time.Time     `json:"start"`
}

// RecordTime returns the derived timestamp of the record at index i.
func (d DeviceInfo) RecordTime(i int) time.Time {
	return d.Start.Add(time.Duration(i) * d.Interval)
}

// ChannelStats holds min/max/avg for one channel over a series or sub-range.
// Samples == 0 means no usable data; Min/Max/Avg are then zero and must not
// be interpreted.
type ChannelStats struct {
	Samples int       `json:"samples"`
	Min     float64   `json:"min"`
	Max     float64   `json:"max"`
	Avg     float64   `json:"avg"`
	MinIdx  int       `json:"minIndex"`
	MaxIdx  int       `json:"maxIndex"`
	MinTime time.Time `json:"minTime"`
	MaxTime time.Time `json:"maxTime"`
}

// Statistics is a derived summary of a Series. It is recomputed on demand
// and never stored apart from the series it came from.
type Statistics struct {
	Start       time.Time    `json:"start"`
	End         time.Time    `json:"end"`
	Total       int          `json:"total"` // all records, faulted included
	Temperature ChannelStats `json:"temperature"`
	Humidity    ChannelStats `json:"humidity"`
}
