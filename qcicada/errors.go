package qcicada

import "errors"

// Sentinel errors returned by this package. Transport-level errors
// (transport.ErrTimeout, transport.ErrPortNotFound, ...) and codec errors
// (protocol.ErrInvalidFrame) propagate through unchanged and are matched
// with errors.Is.
var (
	// ErrNoDevice means auto-discovery found no candidate port.
	ErrNoDevice = errors.New("no QCicada device found")
	// ErrDeviceNotFound means no probed device matched the requested serial.
	ErrDeviceNotFound = errors.New("device not found")
	// ErrInvalidLength means a requested byte count is outside 1..65535.
	ErrInvalidLength = errors.New("invalid length")
	// ErrUnsupportedFirmware means the device firmware predates the
	// requested operation.
	ErrUnsupportedFirmware = errors.New("unsupported firmware")
	// ErrNotStreaming means a continuous-mode read was attempted with no
	// stream active.
	ErrNotStreaming = errors.New("device is not in continuous mode")
	// ErrStreaming means a one-shot operation was attempted while a
	// stream is active; call Stop first.
	ErrStreaming = errors.New("device is in continuous mode")
	// ErrInvalidConfig means client-side validation rejected a
	// configuration before any bytes were sent.
	ErrInvalidConfig = errors.New("invalid device config")
	// ErrNack means the device rejected a command.
	ErrNack = errors.New("device rejected command")
	// ErrSignatureInvalid means a signed read failed verification; no
	// data is returned.
	ErrSignatureInvalid = errors.New("signature verification failed")
	// ErrCertificateInvalid means the device certificate chain failed
	// verification.
	ErrCertificateInvalid = errors.New("certificate verification failed")
	// ErrFaulted means an earlier transport I/O error left the client
	// unusable; Close it and Open a fresh connection.
	ErrFaulted = errors.New("device client faulted")
	// ErrClosed means the client has been closed.
	ErrClosed = errors.New("device client closed")
)
