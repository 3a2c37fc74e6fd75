// Package qcicada is the device client for QCicada QRNG hardware reached
// over a USB-serial link.
//
// A Device exclusively owns one open serial connection and exposes the full
// operation set: one-shot and continuous generation, signed reads with
// certificate-chain verification, configuration, statistics, and discovery.
// The link is half-duplex command/response: at most one command is ever
// outstanding, all operations block for the duration of their I/O, and a
// Device is not safe for concurrent use. Two Devices on two ports are fully
// independent.
//
// Basic use:
//
//	dev, err := qcicada.Open("")
//	if err != nil {
//		log.Fatal(err)
//	}
//	defer dev.Close()
//	data, err := dev.Random(32)
package qcicada

import (
	"time"

	"github.com/cryptalabs/qcicada-go/protocol"
)

// Transport is the byte-level serial connection a Device drives. It is
// implemented by transport.Serial; tests substitute in-memory fakes.
type Transport interface {
	// Write writes p fully, including any driver settle delay.
	Write(p []byte) error
	// ReadExact returns exactly n bytes or fails (transport.ErrTimeout
	// on expiry). The implementation enforces its own timeout floor.
	ReadExact(n int, timeout time.Duration) ([]byte, error)
	// ReadAvailable returns up to max bytes, short results included.
	ReadAvailable(max int, timeout time.Duration) ([]byte, error)
	// Flush discards buffered input without reading or blocking.
	Flush()
	// Drain discards buffered input by reading it off, bounded by a
	// total deadline even while bytes keep arriving.
	Drain()
	// Close releases the connection; it is idempotent.
	Close() error
}

// Re-exported protocol types, so most callers only import this package.
type (
	DeviceInfo       = protocol.DeviceInfo
	DeviceStatus     = protocol.DeviceStatus
	DeviceConfig     = protocol.DeviceConfig
	DeviceStatistics = protocol.DeviceStatistics
	PostProcess      = protocol.PostProcess
	Version          = protocol.Version
)

// SignedRead is the result of a signed generation: the data together with
// the device's 64-byte ECDSA signature over it.
type SignedRead struct {
	Data      []byte
	Signature []byte
}

// DiscoveredDevice pairs a port with the identification it answered during
// probing. It is ephemeral; the probe connection is closed before it is
// returned.
type DiscoveredDevice struct {
	Port string
	Info DeviceInfo
}
