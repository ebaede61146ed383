package thd

import (
	"sort"
	"time"
)

// Assemble orders decoded records into a finalized Series: stable sort by
// timestamp (arrival order breaks ties), then duplicate sample indices are
// collapsed keeping the later-received record. The input slice is not
// modified. Assembling an already-sorted series is idempotent.
func Assemble(records []MeasurementRecord) Series {
	out := make([]MeasurementRecord, len(records))
	copy(out, records)

	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Timestamp.Before(out[j].Timestamp)
	})

	// Records with equal index have equal derived timestamps, so after the
	// stable sort re-received duplicates sit directly after the original
	// in arrival order; keeping the last occurrence keeps the later value.
	dedup := out[:0]
	for _, r := range out {
		if n := len(dedup); n > 0 && dedup[n-1].Index == r.Index {
			dedup[n-1] = r
			continue
		}
		dedup = append(dedup, r)
	}
	return Series(dedup)
}

// Stats computes per-channel min/max/avg over the whole series.
func Stats(s Series) Statistics {
	return statsOf(s)
}

// StatsRange computes statistics over the records whose timestamps fall in
// [from, to]. A zero `to` means no upper bound.
func StatsRange(s Series, from, to time.Time) Statistics {
	var sub Series
	for _, r := range s {
		if r.Timestamp.Before(from) {
			continue
		}
		if !to.IsZero() && r.Timestamp.After(to) {
			continue
		}
		sub = append(sub, r)
	}
	return statsOf(sub)
}

// statsOf scans non-faulted records per channel. Extrema ties keep the
// first occurrence. Zero usable samples yields ChannelStats.Samples == 0,
// never a division fault.
func statsOf(s Series) Statistics {
	var st Statistics
	st.Total = len(s)
	if len(s) > 0 {
		st.Start = s[0].Timestamp
		st.End = s[len(s)-1].Timestamp
	}

	var tSum, hSum float64
	for _, r := range s {
		if r.TempValid() {
			addSample(&st.Temperature, r.Temperature, r.Index, r.Timestamp)
			tSum += r.Temperature
		}
		if r.HumValid() {
			addSample(&st.Humidity, r.Humidity, r.Index, r.Timestamp)
			hSum += r.Humidity
		}
	}
	if st.Temperature.Samples > 0 {
		st.Temperature.Avg = tSum / float64(st.Temperature.Samples)
	}
	if st.Humidity.Samples > 0 {
		st.Humidity.Avg = hSum / float64(st.Humidity.Samples)
	}
	return st
}

func addSample(c *ChannelStats, v float64, idx int, ts time.Time) {
	if c.Samples == 0 || v < c.Min {
		c.Min, c.MinIdx, c.MinTime = v, idx, ts
	}
	if c.Samples == 0 || v > c.Max {
		c.Max, c.MaxIdx, c.MaxTime = v, idx, ts
	}
	c.Samples++
}
