package thd

import "errors"

// Failure kinds surfaced by the protocol core. Retry/escalation policy is
// driven by errors.Is checks on these, not by string matching.
var (
	// ErrNoDevice: every (port, baud) combination was probed without a
	// recognizable answer. Reported to the caller; never retried here.
	ErrNoDevice = errors.New("thd: no responding device found")

	// ErrFrameTimeout: no, or not enough, bytes arrived within the frame
	// timeout. Retried once per exchange, then fatal for the session.
	ErrFrameTimeout = errors.New("thd: frame timeout")

	// ErrFrameGarbage: bytes arrived but failed the integrity check
	// (bad magic, wrong echo, checksum mismatch). Retried once, then fatal.
	ErrFrameGarbage = errors.New("thd: frame integrity check failed")

	// ErrDecode: a chunk payload is malformed. Fatal: continuing would
	// silently misplace records.
	ErrDecode = errors.New("thd: malformed payload")

	// ErrCountMismatch: the record stream contradicts the count declared
	// in the header. Fatal; a new session must renegotiate from scratch.
	ErrCountMismatch = errors.New("thd: device record count changed mid-session")

	// ErrCancelled: the retrieval was cancelled between chunk exchanges.
	ErrCancelled = errors.New("thd: retrieval cancelled")

	// ErrSessionActive: a retrieval is already running; only one session
	// may own the serial link at a time.
	ErrSessionActive = errors.New("thd: a retrieval session is already active")
)
