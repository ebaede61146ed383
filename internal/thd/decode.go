package thd

import (
	"encoding/binary"
	"fmt"
	"time"
)

// Header layout (64 bytes, located by D1 1C magic):
//
//	[0..1]   D1 1C magic
//	[2]      model id (0x20 = THD 32000)
//	[3..4]   firmware version, BCD major.minor
//	[14]     start year, BCD, 2000-based
//	[15..19] start month/day/hour/minute/second, BCD
//	[20]     recording interval, minutes
//	[22..23] stored sample count, big-endian
//
// Block payloads are a flat run of 4-byte samples:
//
//	[0..1] temperature raw, int16 big-endian, °C = raw/10
//	[2..3] humidity raw, uint16 big-endian, %rH = raw/10
//
// 0000/FFFF on both channels marks end of recorded data; FFFF on a single
// channel marks that probe as disconnected.
const (
	modelTHD32000 = 0x20

	sentinelEmpty = 0x0000
	sentinelFault = 0xFFFF

	// Plausible sensor ranges; readings outside are kept but flagged.
	tempMin = -55.0
	tempMax = 150.0
	humMax  = 100.0
)

func bcdToInt(b byte) int {
	return int(b>>4)*10 + int(b&0x0F)
}

// DecodeHeader converts a validated 64-byte header frame into DeviceInfo.
// Pure function, no I/O.
func DecodeHeader(payload []byte) (DeviceInfo, error) {
	if len(payload) < headerSize {
		return DeviceInfo{}, fmt.Errorf("header is %d bytes, want %d: %w", len(payload), headerSize, ErrDecode)
	}
	if payload[0] != headerMagic0 || payload[1] != headerMagic1 {
		return DeviceInfo{}, fmt.Errorf("header magic % X: %w", payload[:2], ErrDecode)
	}

	model := "unknown"
	if payload[2] == modelTHD32000 {
		model = "Galileo THD 32000"
	}
	firmware := fmt.Sprintf("%d.%02d", bcdToInt(payload[3]), bcdToInt(payload[4]))

	year := 2000 + bcdToInt(payload[14])
	month := bcdToInt(payload[15])
	day := bcdToInt(payload[16])
	hour := bcdToInt(payload[17])
	minute := bcdToInt(payload[18])
	second := bcdToInt(payload[19])
	if month < 1 || month > 12 || day < 1 || day > 31 || hour > 23 || minute > 59 || second > 59 {
		return DeviceInfo{}, fmt.Errorf("header clock %02d-%02d-%02d %02d:%02d:%02d: %w",
			year, month, day, hour, minute, second, ErrDecode)
	}

	intervalMin := int(payload[20])
	if intervalMin == 0 {
		return DeviceInfo{}, fmt.Errorf("header interval 0 minutes: %w", ErrDecode)
	}

	count := int(binary.BigEndian.Uint16(payload[22:24]))

	return DeviceInfo{
		Model:       model,
		Firmware:    firmware,
		RecordCount: count,
		Interval:    time.Duration(intervalMin) * time.Minute,
		Start:       time.Date(year, time.Month(month), day, hour, minute, second, 0, time.UTC),
	}, nil
}

// DecodeBlock converts one block payload into records. base is the sample
// index of the block's first record; timestamps are derived from it.
// done reports that the end-of-data sentinel was hit inside this block.
// Pure function, no I/O.
//
// A payload whose length is not a multiple of the record width is a decode
// error, never a silent truncation.
func DecodeBlock(payload []byte, info DeviceInfo, base int) (records []MeasurementRecord, done bool, err error) {
	if len(payload)%recordWidth != 0 {
		return nil, false, fmt.Errorf("block payload %d bytes, not a multiple of %d: %w",
			len(payload), recordWidth, ErrDecode)
	}

	for off := 0; off < len(payload); off += recordWidth {
		tRaw := binary.BigEndian.Uint16(payload[off : off+2])
		hRaw := binary.BigEndian.Uint16(payload[off+2 : off+4])

		tEnd := tRaw == sentinelEmpty || tRaw == sentinelFault
		hEnd := hRaw == sentinelEmpty || hRaw == sentinelFault
		if tEnd && hEnd {
			return records, true, nil
		}

		idx := base + len(records)
		rec := MeasurementRecord{
			Index:     idx,
			Timestamp: info.RecordTime(idx),
		}

		if tRaw == sentinelFault {
			rec.Flags |= FlagTempFault
		} else {
			// Temperature is signed: freezers log well below zero.
			rec.Temperature = float64(int16(tRaw)) / 10.0
			if rec.Temperature < tempMin || rec.Temperature > tempMax {
				rec.Flags |= FlagRange
			}
		}
		if hRaw == sentinelFault {
			rec.Flags |= FlagHumFault
		} else {
			rec.Humidity = float64(hRaw) / 10.0
			if rec.Humidity > humMax {
				rec.Flags |= FlagRange
			}
		}

		records = append(records, rec)
	}
	return records, false, nil
}
