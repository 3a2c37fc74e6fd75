package qcicada

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"math"
	"math/big"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/cryptalabs/qcicada-go/crypto"
	"github.com/cryptalabs/qcicada-go/protocol"
	"github.com/cryptalabs/qcicada-go/transport"
)

// qcEmulator implements Transport as an in-memory QCicada: every command
// written to it appends the device's response to an internal read buffer.
// It lets the full client run without hardware and without real timeouts.
type qcEmulator struct {
	t *testing.T

	rbuf      []byte
	streaming bool
	counter   byte // deterministic "random" output

	fw     protocol.Version
	serial string
	hwInfo string
	cfg    protocol.DeviceConfig
	stats  protocol.DeviceStatistics

	devKey *ecdsa.PrivateKey
	caKey  *ecdsa.PrivateKey

	startCmds  int
	stopCmds   int
	writes     int
	flushCalls int
	drainCalls int
	closeCount int

	// Failure injection.
	writeErr error
	readErr  error
	nackNext bool
}

func newEmulator(t *testing.T) *qcEmulator {
	return &qcEmulator{
		t:      t,
		fw:     0x0005000E,
		serial: "QC0000000217",
		hwInfo: "CICADA-QRNG-1.1",
		cfg: protocol.DeviceConfig{
			Postprocess:           protocol.PostProcessSHA256,
			InitialLevel:          0.5,
			StartupTest:           true,
			AutoCalibration:       true,
			RepetitionCount:       true,
			AdaptiveProportion:    true,
			BitBalance:            true,
			NLSBits:               4,
			HashInputSize:         32,
			BlockSize:             4096,
			AutoCalibrationTarget: 150,
		},
		stats:  protocol.DeviceStatistics{Speed: 100_000},
		devKey: testPrivKey(t, 0x11),
		caKey:  testPrivKey(t, 0x22),
	}
}

// newTestDevice wires a Device directly to an emulator, bypassing Open's
// serial dialing and stale-stream settle delays.
func newTestDevice(t *testing.T) (*Device, *qcEmulator) {
	emu := newEmulator(t)
	return newDevice(emu), emu
}

func (e *qcEmulator) Write(p []byte) error {
	if e.writeErr != nil {
		return e.writeErr
	}
	require.NotEmpty(e.t, p, "empty command frame")
	e.writes++
	if e.nackNext {
		e.nackNext = false
		e.rbuf = append(e.rbuf, protocol.RespNack)
		return nil
	}
	switch p[0] {
	case protocol.CmdGetStatus:
		e.ackStatus()
	case protocol.CmdStart:
		e.startCmds++
		require.Len(e.t, p, 4, "start frame")
		if p[1] == protocol.StartOneShot {
			n := int(binary.LittleEndian.Uint16(p[2:4]))
			e.ackStatus()
			e.rbuf = append(e.rbuf, e.generate(n)...)
		} else {
			e.streaming = true
			e.ackStatus()
		}
	case protocol.CmdStop:
		e.stopCmds++
		if e.streaming {
			e.streaming = false
			// In-flight block ahead of the acknowledgement.
			e.rbuf = append(e.rbuf, e.generate(96)...)
		}
		e.ackStatus()
	case protocol.CmdGetConfig:
		e.rbuf = append(e.rbuf, protocol.RespConfig)
		e.rbuf = append(e.rbuf, protocol.SerializeConfig(e.cfg)...)
	case protocol.CmdSetConfig:
		cfg, err := protocol.ParseConfig(p[1:])
		require.NoError(e.t, err, "set_config payload")
		e.cfg = cfg
		e.ackStatus()
	case protocol.CmdGetStatistics:
		e.rbuf = append(e.rbuf, protocol.RespStatistics)
		e.rbuf = append(e.rbuf, buildStatistics(e.stats)...)
	case protocol.CmdReset:
		e.stats = protocol.DeviceStatistics{Speed: e.stats.Speed}
		e.ackStatus()
	case protocol.CmdGetInfo:
		e.rbuf = append(e.rbuf, protocol.RespInfo)
		e.rbuf = append(e.rbuf, e.buildInfo()...)
	case protocol.CmdReboot:
		e.ackStatus()
	case protocol.CmdSignedRead:
		require.Len(e.t, p, 3, "signed_read frame")
		n := int(binary.LittleEndian.Uint16(p[1:3]))
		data := e.generate(n)
		e.rbuf = append(e.rbuf, protocol.RespSignedRead)
		e.rbuf = append(e.rbuf, data...)
		e.rbuf = append(e.rbuf, rawSign(e.t, e.devKey, data)...)
	case protocol.CmdGetPubKey:
		e.rbuf = append(e.rbuf, protocol.RespPubKey)
		e.rbuf = append(e.rbuf, rawPubKey(e.devKey)...)
	case protocol.CmdGetCertificate:
		cert := crypto.BuildCertificateData(1, 1, 217, rawPubKey(e.devKey))
		e.rbuf = append(e.rbuf, protocol.RespCertificate)
		e.rbuf = append(e.rbuf, rawSign(e.t, e.caKey, cert)...)
	default:
		e.t.Fatalf("emulator: unknown command 0x%02x", p[0])
	}
	return nil
}

func (e *qcEmulator) ackStatus() {
	e.rbuf = append(e.rbuf, protocol.RespAck, 0x01, 0x00, 0x10, 0x00, 0x00)
}

func (e *qcEmulator) generate(n int) []byte {
	out := make([]byte, n)
	for i := range out {
		out[i] = e.counter
		e.counter++
	}
	return out
}

func (e *qcEmulator) buildInfo() []byte {
	buf := make([]byte, protocol.PayloadInfo)
	binary.LittleEndian.PutUint32(buf[0:4], 0x0001000C)
	binary.LittleEndian.PutUint32(buf[4:8], uint32(e.fw))
	copy(buf[8:32], e.serial)
	copy(buf[32:56], e.hwInfo)
	return buf
}

func (e *qcEmulator) ReadExact(n int, timeout time.Duration) ([]byte, error) {
	if e.readErr != nil {
		return nil, e.readErr
	}
	if len(e.rbuf) < n && e.streaming {
		e.rbuf = append(e.rbuf, e.generate(n-len(e.rbuf))...)
	}
	if len(e.rbuf) < n {
		return nil, fmt.Errorf("emulator read: %w: got %d/%d bytes", transport.ErrTimeout, len(e.rbuf), n)
	}
	out := e.rbuf[:n:n]
	e.rbuf = e.rbuf[n:]
	return out, nil
}

func (e *qcEmulator) ReadAvailable(max int, timeout time.Duration) ([]byte, error) {
	if e.readErr != nil {
		return nil, e.readErr
	}
	if max > len(e.rbuf) {
		max = len(e.rbuf)
	}
	out := e.rbuf[:max:max]
	e.rbuf = e.rbuf[max:]
	return out, nil
}

func (e *qcEmulator) Flush() {
	e.flushCalls++
	e.rbuf = nil
}

func (e *qcEmulator) Drain() {
	e.drainCalls++
	e.rbuf = nil
}

func (e *qcEmulator) Close() error {
	e.closeCount++
	return nil
}

func buildStatistics(s protocol.DeviceStatistics) []byte {
	buf := make([]byte, protocol.PayloadStatistics)
	binary.LittleEndian.PutUint64(buf[0:8], s.GeneratedBytes)
	binary.LittleEndian.PutUint32(buf[8:12], s.RepetitionCountFailures)
	binary.LittleEndian.PutUint32(buf[12:16], s.AdaptiveProportionFailures)
	binary.LittleEndian.PutUint32(buf[16:20], s.BitBalanceFailures)
	binary.LittleEndian.PutUint32(buf[20:24], s.Speed)
	binary.LittleEndian.PutUint16(buf[24:26], s.SensorAverage)
	binary.LittleEndian.PutUint32(buf[26:30], math.Float32bits(s.LightLevel))
	return buf
}

// testPrivKey derives a deterministic P-256 keypair from a seed byte.
func testPrivKey(t *testing.T, seed byte) *ecdsa.PrivateKey {
	t.Helper()
	d := make([]byte, 32)
	for i := range d {
		d[i] = seed + byte(i)
	}
	curve := elliptic.P256()
	key := &ecdsa.PrivateKey{
		PublicKey: ecdsa.PublicKey{Curve: curve},
		D:         new(big.Int).SetBytes(d),
	}
	key.X, key.Y = curve.ScalarBaseMult(d)
	return key
}

func rawPubKey(key *ecdsa.PrivateKey) []byte {
	out := make([]byte, crypto.PubKeyLen)
	key.X.FillBytes(out[:32])
	key.Y.FillBytes(out[32:])
	return out
}

func rawSign(t *testing.T, key *ecdsa.PrivateKey, message []byte) []byte {
	t.Helper()
	hash := sha256.Sum256(message)
	r, s, err := ecdsa.Sign(rand.Reader, key, hash[:])
	require.NoError(t, err)
	sig := make([]byte, crypto.SignatureLen)
	r.FillBytes(sig[:32])
	s.FillBytes(sig[32:])
	return sig
}
