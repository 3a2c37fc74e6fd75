package qcicada

import (
	"errors"
	"fmt"
	"time"

	"github.com/cryptalabs/qcicada-go/crypto"
	"github.com/cryptalabs/qcicada-go/protocol"
	"github.com/cryptalabs/qcicada-go/transport"
)

// MaxRequest is the largest byte count a single generation command can
// request (protocol limit).
const MaxRequest = 65535

const (
	// respTimeout bounds the wait for a response code byte.
	respTimeout = 3 * time.Second
	// stopDrainTimeout bounds each drain pass while scanning for the
	// STOP acknowledgement.
	stopDrainTimeout = 500 * time.Millisecond
)

// Settle pauses while clearing stale continuous-mode output on open.
// Variables so the emulator-backed tests can run without real waits.
var (
	openStopSettle  = 500 * time.Millisecond
	openDrainSettle = 100 * time.Millisecond
)

// dialTransport opens the serial connection for a port. Swapped out by
// discovery tests.
var dialTransport = func(port string, baud int) (Transport, error) {
	return transport.Open(port, baud)
}

type state uint8

const (
	stateIdle state = iota
	stateStreaming
	stateFaulted
	stateClosed
)

// Device is a client for one QCicada QRNG. It exclusively owns its
// Transport and is not safe for concurrent use; wrap it externally if
// multiple goroutines must share one device.
type Device struct {
	tr Transport
	st state

	// respTimeout is shortened while probing during discovery.
	respTimeout time.Duration

	// info is cached for the lifetime of this connection only.
	info *DeviceInfo
	// speed is the observed generation throughput in bytes/second, used
	// to scale per-chunk read timeouts. Seeded with a nominal default
	// and updated from device statistics.
	speed uint32
}

// Open connects to a QCicada device. With an empty port, the first
// candidate port from FindPorts is used (ErrNoDevice if there is none).
//
// Any continuous-mode output left streaming by a previous, improperly
// closed session is stopped and drained before the first command.
func Open(port string) (*Device, error) {
	if port == "" {
		ports, err := FindPorts()
		if err != nil {
			return nil, err
		}
		if len(ports) == 0 {
			return nil, ErrNoDevice
		}
		port = ports[0]
	}
	tr, err := dialTransport(port, transport.DefaultBaudRate)
	if err != nil {
		return nil, err
	}
	d := newDevice(tr)
	if err := d.drainStale(); err != nil {
		_ = tr.Close()
		return nil, err
	}
	return d, nil
}

func newDevice(tr Transport) *Device {
	return &Device{
		tr:          tr,
		st:          stateIdle,
		respTimeout: respTimeout,
		speed:       defaultThroughput,
	}
}

// drainStale stops any leftover continuous mode and discards its output.
// The stream left by a prior session is stale by definition; the device
// does not persist generation mode across reconnects.
func (d *Device) drainStale() error {
	if err := d.tr.Write([]byte{protocol.CmdStop}); err != nil {
		return fmt.Errorf("open: stop stale stream: %w", err)
	}
	time.Sleep(openStopSettle)
	d.tr.Drain()
	time.Sleep(openDrainSettle)
	return nil
}

// ready fails fast when the client can no longer issue commands.
func (d *Device) ready() error {
	switch d.st {
	case stateFaulted:
		return ErrFaulted
	case stateClosed:
		return ErrClosed
	}
	return nil
}

// noteReadErr latches the faulted state on unrecovered I/O errors.
// Timeouts are surfaced but do not fault: the link is still usable.
func (d *Device) noteReadErr(err error) {
	if !errors.Is(err, transport.ErrTimeout) {
		d.st = stateFaulted
	}
}

// GetInfo reads device identification (versions, serial, hardware tag).
func (d *Device) GetInfo() (DeviceInfo, error) {
	if err := d.ready(); err != nil {
		return DeviceInfo{}, err
	}
	data, err := d.command("get info", protocol.CmdGetInfo, nil)
	if err != nil {
		return DeviceInfo{}, err
	}
	info, err := protocol.ParseInfo(data)
	if err != nil {
		return DeviceInfo{}, err
	}
	d.info = &info
	return info, nil
}

// GetStatus reads the current device status.
func (d *Device) GetStatus() (DeviceStatus, error) {
	if err := d.ready(); err != nil {
		return DeviceStatus{}, err
	}
	data, err := d.command("get status", protocol.CmdGetStatus, nil)
	if err != nil {
		return DeviceStatus{}, err
	}
	return protocol.ParseStatus(data)
}

// GetConfig reads the current device configuration.
func (d *Device) GetConfig() (DeviceConfig, error) {
	if err := d.ready(); err != nil {
		return DeviceConfig{}, err
	}
	data, err := d.command("get config", protocol.CmdGetConfig, nil)
	if err != nil {
		return DeviceConfig{}, err
	}
	return protocol.ParseConfig(data)
}

// SetConfig writes a full device configuration. Field ranges are validated
// client-side before any I/O; a successful SetConfig is immediately
// observable through GetConfig.
func (d *Device) SetConfig(cfg DeviceConfig) error {
	if err := d.ready(); err != nil {
		return err
	}
	if err := protocol.ValidateConfig(cfg); err != nil {
		return fmt.Errorf("set config: %w: %s", ErrInvalidConfig, err)
	}
	_, err := d.command("set config", protocol.CmdSetConfig, protocol.SerializeConfig(cfg))
	return err
}

// SetPostprocess changes only the post-processing mode, preserving every
// other configuration field (read-modify-write of a config snapshot).
func (d *Device) SetPostprocess(mode PostProcess) error {
	cfg, err := d.GetConfig()
	if err != nil {
		return err
	}
	cfg.Postprocess = mode
	return d.SetConfig(cfg)
}

// GetStatistics reads generation statistics since the last reset. The
// reported throughput feeds the adaptive chunk timeouts.
func (d *Device) GetStatistics() (DeviceStatistics, error) {
	if err := d.ready(); err != nil {
		return DeviceStatistics{}, err
	}
	data, err := d.command("get statistics", protocol.CmdGetStatistics, nil)
	if err != nil {
		return DeviceStatistics{}, err
	}
	stats, err := protocol.ParseStatistics(data)
	if err != nil {
		return DeviceStatistics{}, err
	}
	if stats.Speed > 0 {
		d.speed = stats.Speed
	}
	return stats, nil
}

// Random returns exactly n random bytes (1..65535) using one-shot mode.
// Requests larger than the chunk limit are split transparently.
func (d *Device) Random(n int) ([]byte, error) {
	if err := d.ready(); err != nil {
		return nil, err
	}
	if d.st == stateStreaming {
		return nil, fmt.Errorf("random: %w", ErrStreaming)
	}
	if n < 1 || n > MaxRequest {
		return nil, fmt.Errorf("random: n must be 1-%d, got %d: %w", MaxRequest, n, ErrInvalidLength)
	}
	return d.readOneShot(n)
}

// FillBytes fills p with random bytes using repeated one-shot fetches of
// at most MaxChunkSize each. An empty p is a no-op. On any fetch error the
// contents of p are unspecified and the error is returned; there is no
// partial success.
func (d *Device) FillBytes(p []byte) error {
	if err := d.ready(); err != nil {
		return err
	}
	if len(p) == 0 {
		return nil
	}
	if d.st == stateStreaming {
		return fmt.Errorf("fill bytes: %w", ErrStreaming)
	}
	for off := 0; off < len(p); {
		c := len(p) - off
		if c > MaxChunkSize {
			c = MaxChunkSize
		}
		data, err := d.fetchChunk(c)
		if err != nil {
			return err
		}
		copy(p[off:], data)
		off += c
	}
	return nil
}

// Read implements io.Reader over one-shot generation, filling p entirely.
func (d *Device) Read(p []byte) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}
	if err := d.FillBytes(p); err != nil {
		return 0, err
	}
	return len(p), nil
}

// SignedRead returns n random bytes together with the device's 64-byte
// ECDSA signature over them. Requires firmware 5.13 or newer.
func (d *Device) SignedRead(n int) (*SignedRead, error) {
	if err := d.ready(); err != nil {
		return nil, err
	}
	if d.st == stateStreaming {
		return nil, fmt.Errorf("signed read: %w", ErrStreaming)
	}
	if n < 1 || n > MaxRequest {
		return nil, fmt.Errorf("signed read: n must be 1-%d, got %d: %w", MaxRequest, n, ErrInvalidLength)
	}
	info, err := d.cachedInfo()
	if err != nil {
		return nil, err
	}
	if info.FWVersion < protocol.MinSignedReadFirmware {
		return nil, fmt.Errorf("signed read needs firmware %s, device has %s: %w",
			protocol.MinSignedReadFirmware, info.FWVersion, ErrUnsupportedFirmware)
	}

	frame := protocol.BuildSignedRead(uint16(n))
	if _, err := d.command("signed read", protocol.CmdSignedRead, frame[1:]); err != nil {
		return nil, err
	}
	// Data and signature follow on the raw stream.
	buf, err := d.readStream("signed read", n+protocol.SignatureLen)
	if err != nil {
		return nil, err
	}
	return &SignedRead{Data: buf[:n], Signature: buf[n:]}, nil
}

// SignedReadVerified performs a SignedRead and verifies the signature
// against devicePubKey. It is fail-closed: no data is returned unless the
// signature verifies.
func (d *Device) SignedReadVerified(n int, devicePubKey []byte) (*SignedRead, error) {
	sr, err := d.SignedRead(n)
	if err != nil {
		return nil, err
	}
	ok, err := crypto.VerifySignature(devicePubKey, sr.Data, sr.Signature)
	if err != nil {
		return nil, fmt.Errorf("signed read: %w", err)
	}
	if !ok {
		return nil, fmt.Errorf("signed read: %w", ErrSignatureInvalid)
	}
	return sr, nil
}

// StartContinuous switches the device into continuous generation. Use
// ReadContinuous to pull from the stream and Stop to end it.
func (d *Device) StartContinuous() error {
	if err := d.ready(); err != nil {
		return err
	}
	if d.st == stateStreaming {
		return fmt.Errorf("start continuous: %w", ErrStreaming)
	}
	frame := protocol.BuildStartContinuous()
	if _, err := d.command("start continuous", protocol.CmdStart, frame[1:]); err != nil {
		return err
	}
	d.st = stateStreaming
	return nil
}

// ReadContinuous returns exactly n bytes from the active stream, chunked
// internally for timeout safety. It is legal only after StartContinuous.
func (d *Device) ReadContinuous(n int) ([]byte, error) {
	if err := d.ready(); err != nil {
		return nil, err
	}
	if d.st != stateStreaming {
		return nil, fmt.Errorf("read continuous: %w", ErrNotStreaming)
	}
	if n < 0 {
		return nil, fmt.Errorf("read continuous: n must be >= 0, got %d: %w", n, ErrInvalidLength)
	}
	if n == 0 {
		return []byte{}, nil
	}
	return d.readStream("read continuous", n)
}

// Stop halts any active generation and returns the device to idle. It is
// legal in any non-faulted state and harmless when already idle.
func (d *Device) Stop() error {
	if err := d.ready(); err != nil {
		return err
	}
	_, err := d.command("stop", protocol.CmdStop, nil)
	if err != nil && d.st == stateFaulted {
		return err
	}
	// A NACK here means nothing was running; idle either way.
	d.st = stateIdle
	return nil
}

// Reset restarts generation and clears statistics. Configuration is
// unchanged.
func (d *Device) Reset() error {
	if err := d.ready(); err != nil {
		return err
	}
	_, err := d.command("reset", protocol.CmdReset, nil)
	return err
}

// Reboot power-cycles the device logic. The connection becomes invalid:
// the client is closed and the caller must Open a fresh one once the
// device re-enumerates.
func (d *Device) Reboot() error {
	if err := d.ready(); err != nil {
		return err
	}
	d.tr.Flush()
	// The device may drop off the bus before acknowledging.
	_ = d.tr.Write(protocol.BuildReboot())
	_, _ = d.tr.ReadAvailable(1, stopDrainTimeout)
	d.st = stateClosed
	return d.tr.Close()
}

// Close releases the transport. Safe to call more than once.
func (d *Device) Close() error {
	if d.st == stateClosed {
		return nil
	}
	d.st = stateClosed
	return d.tr.Close()
}

// GetPubKey fetches the device's raw 64-byte ECDSA P-256 public key.
func (d *Device) GetPubKey() ([]byte, error) {
	if err := d.ready(); err != nil {
		return nil, err
	}
	return d.command("get public key", protocol.CmdGetPubKey, nil)
}

// GetCertificate fetches the 64-byte CA signature binding the device's
// public key to its hardware identity.
func (d *Device) GetCertificate() ([]byte, error) {
	if err := d.ready(); err != nil {
		return nil, err
	}
	return d.command("get certificate", protocol.CmdGetCertificate, nil)
}

// GetVerifiedPubKey fetches the device public key and certificate and
// verifies the chain against caPubKey. The key is returned only when the
// certificate is valid for this exact device identity.
func (d *Device) GetVerifiedPubKey(caPubKey []byte) ([]byte, error) {
	info, err := d.GetInfo()
	if err != nil {
		return nil, err
	}
	pubKey, err := d.GetPubKey()
	if err != nil {
		return nil, err
	}
	cert, err := d.GetCertificate()
	if err != nil {
		return nil, err
	}

	hwMajor, hwMinor, err := crypto.ParseHWVersion(info.HWInfo)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrCertificateInvalid, err)
	}
	serialInt, err := crypto.ParseSerialInt(info.Serial)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrCertificateInvalid, err)
	}

	ok, err := crypto.VerifyCertificate(caPubKey, pubKey, cert, hwMajor, hwMinor, serialInt)
	if err != nil {
		return nil, fmt.Errorf("verify certificate: %w", err)
	}
	if !ok {
		return nil, fmt.Errorf("device %s: %w", info.Serial, ErrCertificateInvalid)
	}
	return pubKey, nil
}

func (d *Device) cachedInfo() (DeviceInfo, error) {
	if d.info != nil {
		return *d.info, nil
	}
	return d.GetInfo()
}

// command sends one command frame and decodes its response. It returns the
// response payload (empty for payload-less acknowledgements) or an error;
// a NACK surfaces as ErrNack. Unrecovered I/O errors fault the client.
func (d *Device) command(op string, cmd byte, payload []byte) ([]byte, error) {
	expected, ok := protocol.ExpectedResponse(cmd)
	if !ok {
		return nil, fmt.Errorf("%s: unknown command 0x%02x", op, cmd)
	}

	d.tr.Flush()
	if err := d.tr.Write(protocol.BuildCommand(cmd, payload)); err != nil {
		d.st = stateFaulted
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	// STOP interrupts an active stream, so its acknowledgement arrives
	// behind an unknown amount of in-flight data.
	if cmd == protocol.CmdStop {
		return d.finishStop(op)
	}

	buf, err := d.tr.ReadExact(1, d.respTimeout)
	if err != nil {
		d.noteReadErr(err)
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	for {
		resp, _, derr := protocol.DecodeResponse(expected, buf)
		if errors.Is(derr, protocol.ErrShortFrame) {
			need := protocol.FrameSize(buf[0]) - len(buf)
			more, rerr := d.tr.ReadExact(need, payloadTimeout(need))
			if rerr != nil {
				d.noteReadErr(rerr)
				return nil, fmt.Errorf("%s: %w", op, rerr)
			}
			buf = append(buf, more...)
			continue
		}
		if derr != nil {
			return nil, fmt.Errorf("%s: %w", op, derr)
		}
		if resp.Nack() {
			return nil, fmt.Errorf("%s: %w", op, ErrNack)
		}
		return resp.Payload, nil
	}
}

// finishStop scans drained output for the trailing acknowledgement. The
// device finishes whatever block is in flight before acknowledging, so up
// to two generation blocks may precede the ACK and its status payload.
func (d *Device) finishStop(op string) ([]byte, error) {
	drainSize := 2*protocol.MaxBlockSize + protocol.PayloadAck + 1
	for attempt := 0; attempt < 2; attempt++ {
		buf, err := d.tr.ReadAvailable(drainSize, stopDrainTimeout)
		if err != nil {
			d.st = stateFaulted
			return nil, fmt.Errorf("%s: %w", op, err)
		}
		if len(buf) == 1 && buf[0] == protocol.RespNack {
			return nil, fmt.Errorf("%s: %w", op, ErrNack)
		}
		if len(buf) < protocol.PayloadAck+1 {
			return nil, fmt.Errorf("%s: %w", op, ErrNack)
		}
		if buf[len(buf)-1-protocol.PayloadAck] == protocol.RespAck {
			return []byte{}, nil
		}
	}
	return nil, fmt.Errorf("%s: no acknowledgement in drained output: %w", op, ErrNack)
}

// payloadTimeout scales the fixed-payload read timeout with its size; the
// transport clamps it to the floor.
func payloadTimeout(n int) time.Duration {
	return time.Duration(n) * time.Millisecond
}
