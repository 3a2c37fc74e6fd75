package qcicada

import (
	"context"
	"errors"
	"fmt"
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cryptalabs/qcicada-go/crypto"
	"github.com/cryptalabs/qcicada-go/transport"
)

func TestRandomLengths(t *testing.T) {
	dev, emu := newTestDevice(t)

	data, err := dev.Random(32)
	require.NoError(t, err)
	assert.Len(t, data, 32)
	assert.Equal(t, 1, emu.startCmds)

	_, err = dev.Random(0)
	assert.ErrorIs(t, err, ErrInvalidLength)
	_, err = dev.Random(-1)
	assert.ErrorIs(t, err, ErrInvalidLength)
	_, err = dev.Random(MaxRequest + 1)
	assert.ErrorIs(t, err, ErrInvalidLength)

	data, err = dev.Random(MaxRequest)
	require.NoError(t, err)
	assert.Len(t, data, MaxRequest)
}

func TestRandomChunking(t *testing.T) {
	dev, emu := newTestDevice(t)

	// 20000 bytes needs three one-shot cycles at 8192 per chunk.
	data, err := dev.Random(20000)
	require.NoError(t, err)
	assert.Len(t, data, 20000)
	assert.Equal(t, 3, emu.startCmds)

	emu.startCmds = 0
	_, err = dev.Random(MaxChunkSize)
	require.NoError(t, err)
	assert.Equal(t, 1, emu.startCmds)
}

func TestFillBytes(t *testing.T) {
	dev, emu := newTestDevice(t)

	p := make([]byte, 20000)
	require.NoError(t, dev.FillBytes(p))
	assert.Equal(t, 3, emu.startCmds)
	// The emulator counts upward, so a filled buffer is never all zero.
	assert.NotEqual(t, make([]byte, 20000), p)

	emu.startCmds = 0
	require.NoError(t, dev.FillBytes(nil))
	require.NoError(t, dev.FillBytes([]byte{}))
	assert.Zero(t, emu.startCmds)
}

func TestReaderInterface(t *testing.T) {
	dev, _ := newTestDevice(t)

	var _ io.Reader = dev
	buf := make([]byte, 100)
	n, err := io.ReadFull(dev, buf)
	require.NoError(t, err)
	assert.Equal(t, 100, n)
}

func TestConfigRoundTrip(t *testing.T) {
	dev, _ := newTestDevice(t)

	cfg, err := dev.GetConfig()
	require.NoError(t, err)

	cfg.BlockSize = 1024
	cfg.AutoCalibration = false
	cfg.NLSBits = 6
	require.NoError(t, dev.SetConfig(cfg))

	got, err := dev.GetConfig()
	require.NoError(t, err)
	assert.Equal(t, cfg, got)
}

func TestSetConfigValidatesBeforeIO(t *testing.T) {
	dev, emu := newTestDevice(t)

	cfg, err := dev.GetConfig()
	require.NoError(t, err)
	writes := emu.writes

	cfg.NLSBits = 0
	err = dev.SetConfig(cfg)
	assert.ErrorIs(t, err, ErrInvalidConfig)
	assert.Equal(t, writes, emu.writes, "invalid config must not reach the device")

	cfg.NLSBits = 4
	cfg.BlockSize = 5000
	assert.ErrorIs(t, dev.SetConfig(cfg), ErrInvalidConfig)
}

func TestSetPostprocessPreservesConfig(t *testing.T) {
	dev, emu := newTestDevice(t)

	before := emu.cfg
	require.NoError(t, dev.SetPostprocess(PostProcess(1)))

	after := emu.cfg
	assert.Equal(t, PostProcess(1), after.Postprocess)
	before.Postprocess = after.Postprocess
	assert.Equal(t, before, after, "only the postprocess field may change")
}

func TestGetInfo(t *testing.T) {
	dev, _ := newTestDevice(t)

	info, err := dev.GetInfo()
	require.NoError(t, err)
	assert.Equal(t, "QC0000000217", info.Serial)
	assert.Equal(t, "CICADA-QRNG-1.1", info.HWInfo)
	assert.Equal(t, "5.0.14", info.FWVersion.String())
	assert.True(t, SupportsSignedRead(info))
}

func TestStatisticsUpdateThroughput(t *testing.T) {
	dev, emu := newTestDevice(t)
	emu.stats.Speed = 250_000

	stats, err := dev.GetStatistics()
	require.NoError(t, err)
	assert.Equal(t, uint32(250_000), stats.Speed)
	assert.Equal(t, uint32(250_000), dev.speed)

	// A faster device gets a tighter chunk budget, never below the floor.
	fast := dev.chunkTimeout(MaxChunkSize)
	dev.speed = 10_000
	slow := dev.chunkTimeout(MaxChunkSize)
	assert.Less(t, fast, slow)
	assert.GreaterOrEqual(t, fast, transport.MinReadTimeout)
}

func TestSignedRead(t *testing.T) {
	dev, emu := newTestDevice(t)

	sr, err := dev.SignedRead(64)
	require.NoError(t, err)
	assert.Len(t, sr.Data, 64)
	assert.Len(t, sr.Signature, crypto.SignatureLen)

	ok, err := crypto.VerifySignature(rawPubKey(emu.devKey), sr.Data, sr.Signature)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestSignedReadVerified(t *testing.T) {
	dev, emu := newTestDevice(t)

	sr, err := dev.SignedReadVerified(128, rawPubKey(emu.devKey))
	require.NoError(t, err)
	assert.Len(t, sr.Data, 128)

	// Wrong key: fail closed, no data.
	wrong := rawPubKey(testPrivKey(t, 0x77))
	sr, err = dev.SignedReadVerified(128, wrong)
	assert.ErrorIs(t, err, ErrSignatureInvalid)
	assert.Nil(t, sr)
}

func TestSignedReadFirmwareGate(t *testing.T) {
	dev, emu := newTestDevice(t)
	emu.fw = 0x0005000C // one below the minimum

	_, err := dev.SignedRead(64)
	assert.ErrorIs(t, err, ErrUnsupportedFirmware)

	_, err = dev.SignedRead(0)
	assert.ErrorIs(t, err, ErrInvalidLength)
}

func TestContinuousMode(t *testing.T) {
	dev, emu := newTestDevice(t)

	require.NoError(t, dev.StartContinuous())

	total := 0
	for i := 0; i < 100; i++ {
		buf, err := dev.ReadContinuous(1024)
		require.NoError(t, err)
		total += len(buf)
	}
	assert.Equal(t, 102400, total)

	// One-shot operations are rejected mid-stream.
	_, err := dev.Random(16)
	assert.ErrorIs(t, err, ErrStreaming)
	assert.ErrorIs(t, dev.FillBytes(make([]byte, 16)), ErrStreaming)
	_, err = dev.SignedRead(16)
	assert.ErrorIs(t, err, ErrStreaming)
	assert.ErrorIs(t, dev.StartContinuous(), ErrStreaming)

	require.NoError(t, dev.Stop())
	assert.False(t, emu.streaming)

	_, err = dev.ReadContinuous(1024)
	assert.ErrorIs(t, err, ErrNotStreaming)
}

func TestCommandsFlushWithoutReadingDrain(t *testing.T) {
	// Commands are issued while the device may still be emitting (Stop
	// interrupts a live stream), so the pre-command discard must be the
	// non-blocking flush. The read-off drain is reserved for open time.
	dev, emu := newTestDevice(t)

	require.NoError(t, dev.StartContinuous())
	_, err := dev.ReadContinuous(1024)
	require.NoError(t, err)
	require.NoError(t, dev.Stop())

	_, err = dev.Random(4096)
	require.NoError(t, err)

	assert.Zero(t, emu.drainCalls, "command path must never read input off")
	assert.GreaterOrEqual(t, emu.flushCalls, 3)

	oldStop, oldDrain := openStopSettle, openDrainSettle
	openStopSettle, openDrainSettle = 0, 0
	defer func() { openStopSettle, openDrainSettle = oldStop, oldDrain }()
	require.NoError(t, dev.drainStale())
	assert.Equal(t, 1, emu.drainCalls)
}

func TestStopWhenIdle(t *testing.T) {
	dev, emu := newTestDevice(t)

	require.NoError(t, dev.Stop())
	assert.Equal(t, 1, emu.stopCmds)

	// Still idle and usable.
	_, err := dev.Random(8)
	require.NoError(t, err)
}

func TestNackSurfaces(t *testing.T) {
	dev, emu := newTestDevice(t)

	emu.nackNext = true
	assert.ErrorIs(t, dev.Reset(), ErrNack)

	// A NACK is a device answer, not a link fault.
	_, err := dev.Random(8)
	require.NoError(t, err)
}

func TestFaultOnIOError(t *testing.T) {
	dev, emu := newTestDevice(t)

	emu.readErr = errors.New("device unplugged")
	_, err := dev.GetStatus()
	require.Error(t, err)

	emu.readErr = nil
	_, err = dev.GetStatus()
	assert.ErrorIs(t, err, ErrFaulted)
	_, err = dev.Random(8)
	assert.ErrorIs(t, err, ErrFaulted)
	assert.ErrorIs(t, dev.StartContinuous(), ErrFaulted)

	// Close always works.
	require.NoError(t, dev.Close())
	assert.Equal(t, 1, emu.closeCount)
}

func TestTimeoutDoesNotFault(t *testing.T) {
	dev, emu := newTestDevice(t)

	emu.readErr = fmt.Errorf("read: %w", transport.ErrTimeout)
	_, err := dev.GetStatus()
	assert.ErrorIs(t, err, transport.ErrTimeout)

	emu.readErr = nil
	_, err = dev.GetStatus()
	require.NoError(t, err, "a timeout must leave the client usable")
}

func TestCloseIdempotent(t *testing.T) {
	dev, emu := newTestDevice(t)

	require.NoError(t, dev.Close())
	require.NoError(t, dev.Close())
	assert.Equal(t, 1, emu.closeCount)

	_, err := dev.Random(8)
	assert.ErrorIs(t, err, ErrClosed)
	_, err = dev.GetInfo()
	assert.ErrorIs(t, err, ErrClosed)
}

func TestReboot(t *testing.T) {
	dev, emu := newTestDevice(t)

	require.NoError(t, dev.Reboot())
	assert.Equal(t, 1, emu.closeCount)
	_, err := dev.GetStatus()
	assert.ErrorIs(t, err, ErrClosed)
}

func TestGetVerifiedPubKey(t *testing.T) {
	dev, emu := newTestDevice(t)

	pub, err := dev.GetVerifiedPubKey(rawPubKey(emu.caKey))
	require.NoError(t, err)
	assert.Equal(t, rawPubKey(emu.devKey), pub)
}

func TestGetVerifiedPubKeyWrongCA(t *testing.T) {
	dev, _ := newTestDevice(t)

	wrongCA := rawPubKey(testPrivKey(t, 0x99))
	pub, err := dev.GetVerifiedPubKey(wrongCA)
	assert.ErrorIs(t, err, ErrCertificateInvalid)
	assert.Nil(t, pub)
}

func TestCollect(t *testing.T) {
	dev, _ := newTestDevice(t)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ch, err := dev.Collect(ctx, 16, time.Millisecond)
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		s, ok := <-ch
		require.True(t, ok)
		require.NoError(t, s.Err)
		assert.Len(t, s.Data, 16)
		assert.Equal(t, 16, s.BytesRequested)
		assert.False(t, s.Timestamp.IsZero())
	}
	cancel()
	for range ch {
	}

	_, err = dev.Collect(ctx, 0, time.Millisecond)
	assert.ErrorIs(t, err, ErrInvalidLength)
	_, err = dev.Collect(ctx, 16, 0)
	assert.Error(t, err)
}
