package thd

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/thd32000/galileo-dash/internal/metrics"
)

// SessionState is the retrieval state machine position.
type SessionState int32

const (
	StateIdle SessionState = iota
	StateNegotiating
	StateFetchingInfo
	StateFetchingRecords
	StateAssembling
	StateDone
	StateFailed
)

func (s SessionState) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateNegotiating:
		return "negotiating"
	case StateFetchingInfo:
		return "fetching_info"
	case StateFetchingRecords:
		return "fetching_records"
	case StateAssembling:
		return "assembling"
	case StateDone:
		return "done"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Terminal reports whether the session reached Done or Failed.
func (s SessionState) Terminal() bool {
	return s == StateDone || s == StateFailed
}

// Progress is a point-in-time snapshot of a session, safe to hand to a
// presentation layer polling from another goroutine.
type Progress struct {
	ID             string `json:"id"`
	State          string `json:"state"`
	RecordsFetched int    `json:"recordsFetched"`
	RecordsTotal   int    `json:"recordsTotal"`
	Port           string `json:"port,omitempty"`
	BaudRate       int    `json:"baudRate,omitempty"`
	Error          string `json:"error,omitempty"`
}

// SessionConfig configures one retrieval attempt.
type SessionConfig struct {
	// Candidates are probed in order. Empty means scan the host.
	Candidates []PortCandidate
	// BaudRates are probed per candidate. Empty means DefaultBaudRates.
	BaudRates []int
	// Opener overrides the serial opener (demo mode, tests).
	Opener LinkOpener
	// ProbeTimeout bounds each negotiation probe.
	ProbeTimeout time.Duration
	// OnProgress, if set, is called after every state change and fetched
	// chunk. Called from the session goroutine; keep it fast.
	OnProgress func(Progress)
}

// Session is one end-to-end retrieval: negotiation, metadata, full history
// download, assembly. It owns the serial link exclusively for its whole
// lifetime and is not resumable; any failure means a fresh session.
type Session struct {
	id  string
	cfg SessionConfig

	mu      sync.Mutex
	state   SessionState
	fetched int
	total   int
	linkCfg LinkConfig
	info    DeviceInfo
	series  Series
	err     error
}

// NewSession creates a session in the Idle state.
func NewSession(cfg SessionConfig) *Session {
	return &Session{id: uuid.NewString(), cfg: cfg}
}

func (s *Session) ID() string { return s.id }

// Progress returns a snapshot of the current state.
func (s *Session) Progress() Progress {
	s.mu.Lock()
	defer s.mu.Unlock()
	p := Progress{
		ID:             s.id,
		State:          s.state.String(),
		RecordsFetched: s.fetched,
		RecordsTotal:   s.total,
		Port:           s.linkCfg.Port,
		BaudRate:       s.linkCfg.BaudRate,
	}
	if s.err != nil {
		p.Error = s.err.Error()
	}
	return p
}

// Result returns the terminal outcome. Valid only once Progress().State is
// terminal.
func (s *Session) Result() (Series, DeviceInfo, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.series, s.info, s.err
}

func (s *Session) setState(st SessionState) {
	s.mu.Lock()
	s.state = st
	s.mu.Unlock()
	s.notify()
}

func (s *Session) notify() {
	if s.cfg.OnProgress != nil {
		s.cfg.OnProgress(s.Progress())
	}
}

func (s *Session) fail(err error) error {
	s.mu.Lock()
	s.err = err
	s.state = StateFailed
	s.mu.Unlock()
	s.notify()
	metrics.SessionsTotal.WithLabelValues("failed").Inc()
	log.Printf("[session %s] failed: %v", s.id[:8], err)
	return err
}

// Run drives the session to a terminal state. Cancellation is cooperative:
// the context is checked between chunk exchanges, never mid-exchange, so
// the device is not abandoned halfway through a response.
func (s *Session) Run(ctx context.Context) (Series, DeviceInfo, error) {
	started := time.Now()
	defer func() {
		metrics.SessionDuration.Observe(time.Since(started).Seconds())
	}()

	// Negotiating: find and own the link.
	s.setState(StateNegotiating)

	candidates := s.cfg.Candidates
	if len(candidates) == 0 {
		candidates = ListCandidates()
	}
	neg := &Negotiator{Open: s.cfg.Opener, ProbeTimeout: s.cfg.ProbeTimeout}
	link, linkCfg, err := neg.Negotiate(ctx, candidates, s.cfg.BaudRates)
	if err != nil {
		return nil, DeviceInfo{}, s.fail(err)
	}
	// Scoped resource: released on every path into Done or Failed.
	defer link.Close()

	s.mu.Lock()
	s.linkCfg = linkCfg
	s.mu.Unlock()

	framer := NewFramer(link, linkCfg.FrameTimeout)

	// FetchingInfo: metadata is captured once and frozen for the session.
	s.setState(StateFetchingInfo)
	hdr, err := framer.CallHeader()
	if err != nil {
		return nil, DeviceInfo{}, s.fail(fmt.Errorf("fetch header: %w", err))
	}
	info, err := DecodeHeader(hdr.Payload)
	if err != nil {
		return nil, DeviceInfo{}, s.fail(fmt.Errorf("decode header: %w", err))
	}

	s.mu.Lock()
	s.info = info
	s.total = info.RecordCount
	s.mu.Unlock()
	s.notify()
	log.Printf("[session %s] device %s fw %s: %d records every %s since %s",
		s.id[:8], info.Model, info.Firmware, info.RecordCount, info.Interval, info.Start.Format(time.RFC3339))

	// An empty logger is a valid outcome, not an error.
	if info.RecordCount == 0 {
		return s.finish(nil, info)
	}

	// FetchingRecords: chunked block reads advancing an offset cursor.
	s.setState(StateFetchingRecords)
	records := make([]MeasurementRecord, 0, info.RecordCount)
	offset := 0
	for block := 0; offset < info.RecordCount; block++ {
		if err := ctx.Err(); err != nil {
			return nil, DeviceInfo{}, s.fail(fmt.Errorf("at offset %d: %w", offset, ErrCancelled))
		}
		if block > maxBlocks {
			return nil, DeviceInfo{}, s.fail(fmt.Errorf("offset %d of %d needs block %d beyond device memory: %w",
				offset, info.RecordCount, block, ErrCountMismatch))
		}

		fr, err := framer.CallBlock(byte(block))
		if err != nil {
			return nil, DeviceInfo{}, s.fail(fmt.Errorf("fetch block %d (offset %d): %w", block, offset, err))
		}

		recs, done, err := DecodeBlock(fr.Payload, info, offset)
		if err != nil {
			return nil, DeviceInfo{}, s.fail(fmt.Errorf("decode block %d (offset %d): %w", block, offset, err))
		}

		remaining := info.RecordCount - offset
		if len(recs) > remaining {
			return nil, DeviceInfo{}, s.fail(fmt.Errorf("block %d holds %d records, %d declared remaining: %w",
				block, len(recs), remaining, ErrCountMismatch))
		}
		if done && len(recs) < remaining {
			return nil, DeviceInfo{}, s.fail(fmt.Errorf("end of data at offset %d, device declared %d records: %w",
				offset+len(recs), info.RecordCount, ErrCountMismatch))
		}

		records = append(records, recs...)
		offset += len(recs)
		metrics.RecordsFetched.Add(float64(len(recs)))

		s.mu.Lock()
		s.fetched = offset
		s.mu.Unlock()
		s.notify()
	}

	return s.finish(records, info)
}

func (s *Session) finish(records []MeasurementRecord, info DeviceInfo) (Series, DeviceInfo, error) {
	s.setState(StateAssembling)
	series := Assemble(records)

	s.mu.Lock()
	s.series = series
	s.state = StateDone
	s.mu.Unlock()
	s.notify()

	metrics.SessionsTotal.WithLabelValues("done").Inc()
	log.Printf("[session %s] done: %d records", s.id[:8], len(series))
	return series, info, nil
}
