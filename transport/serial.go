// Package transport provides byte-level serial I/O for QCicada QRNG devices.
//
// The device sits behind an FTDI USB-serial bridge whose drivers need two
// workarounds that this package applies unconditionally on every operation:
// a settle pause after each write (the bridge silently drops trailing bytes
// without it) and a 500 ms minimum read timeout (shorter timeouts make
// reads fail spuriously on at least one OS). These are infrastructure
// behaviors, not retries; no protocol state lives here.
package transport

import (
	"errors"
	"fmt"
	"time"

	"go.bug.st/serial"
)

// DefaultBaudRate is the bridge's operating rate.
const DefaultBaudRate = 1_000_000

// MinReadTimeout is the non-negotiable read timeout floor. Callers may ask
// for longer, never shorter.
const MinReadTimeout = 500 * time.Millisecond

const (
	// writeSettle is the mandatory pause after every write.
	writeSettle = 50 * time.Millisecond
	// drainReadTimeout bounds each read while discarding buffered input.
	drainReadTimeout = 300 * time.Millisecond
	drainChunk       = 4096
	// pollPause backs off when the driver reports zero bytes without
	// blocking for the full timeout.
	pollPause = 5 * time.Millisecond
)

// Sentinel errors. Open and read failures wrap these so callers can match
// with errors.Is across layers.
var (
	ErrPortNotFound     = errors.New("serial port not found")
	ErrPermissionDenied = errors.New("serial port permission denied")
	ErrTimeout          = errors.New("serial read timeout")
)

// Serial is an open serial connection to a QCicada bridge.
//
// A Serial is exclusively owned by one device client; it is not safe for
// concurrent use.
type Serial struct {
	port   serial.Port
	name   string
	closed bool
}

// Open opens the named port at the given baud rate (DefaultBaudRate if
// baud is zero). Failures map to ErrPortNotFound or ErrPermissionDenied
// where the driver distinguishes them.
func Open(name string, baud int) (*Serial, error) {
	if baud == 0 {
		baud = DefaultBaudRate
	}
	mode := &serial.Mode{
		BaudRate: baud,
		Parity:   serial.NoParity,
		DataBits: 8,
		StopBits: serial.OneStopBit,
	}
	port, err := serial.Open(name, mode)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", name, mapOpenError(err))
	}
	return &Serial{port: port, name: name}, nil
}

func mapOpenError(err error) error {
	var pe *serial.PortError
	if errors.As(err, &pe) {
		switch pe.Code() {
		case serial.PortNotFound:
			return fmt.Errorf("%w: %v", ErrPortNotFound, err)
		case serial.PermissionDenied:
			return fmt.Errorf("%w: %v", ErrPermissionDenied, err)
		}
	}
	return err
}

// Write writes p fully, then flushes and pauses for the bridge to settle.
func (s *Serial) Write(p []byte) error {
	for len(p) > 0 {
		n, err := s.port.Write(p)
		if err != nil {
			return fmt.Errorf("write %s: %w", s.name, err)
		}
		p = p[n:]
	}
	if err := s.port.Drain(); err != nil {
		return fmt.Errorf("flush %s: %w", s.name, err)
	}
	time.Sleep(writeSettle)
	return nil
}

// ReadExact reads exactly n bytes, failing with ErrTimeout if they do not
// arrive within the timeout (clamped to MinReadTimeout).
func (s *Serial) ReadExact(n int, timeout time.Duration) ([]byte, error) {
	timeout = clampTimeout(timeout)
	if err := s.port.SetReadTimeout(timeout); err != nil {
		return nil, fmt.Errorf("set timeout %s: %w", s.name, err)
	}
	buf := make([]byte, n)
	total := 0
	deadline := time.Now().Add(timeout)
	for total < n {
		m, err := s.port.Read(buf[total:])
		if err != nil {
			return nil, fmt.Errorf("read %s: %w", s.name, err)
		}
		total += m
		if total == n {
			break
		}
		if time.Now().After(deadline) {
			return nil, fmt.Errorf("read %s: %w: got %d/%d bytes", s.name, ErrTimeout, total, n)
		}
		if m == 0 {
			time.Sleep(pollPause)
		}
	}
	return buf, nil
}

// ReadAvailable reads up to max bytes, returning whatever arrives before
// the timeout. A short or empty result is not an error.
func (s *Serial) ReadAvailable(max int, timeout time.Duration) ([]byte, error) {
	timeout = clampTimeout(timeout)
	if err := s.port.SetReadTimeout(timeout); err != nil {
		return nil, fmt.Errorf("set timeout %s: %w", s.name, err)
	}
	buf := make([]byte, max)
	total := 0
	deadline := time.Now().Add(timeout)
	for total < max {
		m, err := s.port.Read(buf[total:])
		if err != nil {
			return nil, fmt.Errorf("read %s: %w", s.name, err)
		}
		if m == 0 || time.Now().After(deadline) {
			break
		}
		total += m
	}
	return buf[:total], nil
}

// Flush discards whatever input the driver has buffered, without reading.
// Non-blocking; used before each command so a stale byte cannot be taken
// for the next response.
func (s *Serial) Flush() {
	_ = s.port.ResetInputBuffer()
}

// Drain discards buffered input by reading it off, bounded by a total
// deadline so it returns promptly even while the device is still emitting
// bytes. Used once on open to clear stale continuous-mode output left by a
// previous session.
func (s *Serial) Drain() {
	_ = s.port.ResetInputBuffer()
	_ = s.port.SetReadTimeout(drainReadTimeout)
	buf := make([]byte, drainChunk)
	deadline := time.Now().Add(drainReadTimeout)
	for {
		n, err := s.port.Read(buf)
		if err != nil || n == 0 || time.Now().After(deadline) {
			break
		}
	}
	_ = s.port.ResetInputBuffer()
}

// Close releases the port. Safe to call more than once.
func (s *Serial) Close() error {
	if s.closed {
		return nil
	}
	s.closed = true
	return s.port.Close()
}

func clampTimeout(d time.Duration) time.Duration {
	if d < MinReadTimeout {
		return MinReadTimeout
	}
	return d
}
