// Package protocol implements the QCC wire protocol spoken by QCicada QRNG
// devices: command frame builders, response payload parsers, and the packed
// version encoding. Everything here is pure and performs no I/O, so it can be
// exercised against fixed byte vectors and reused with any transport.
//
// The opcodes and payload layouts are a fixed vendor contract; all
// multi-byte integers are little-endian.
package protocol

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
)

// Command codes.
const (
	CmdGetStatus      byte = 0x01
	CmdStart          byte = 0x04
	CmdStop           byte = 0x05
	CmdGetConfig      byte = 0x07
	CmdSetConfig      byte = 0x08
	CmdGetStatistics  byte = 0x09
	CmdReset          byte = 0x0A
	CmdGetInfo        byte = 0x0B
	CmdReboot         byte = 0x0C
	CmdSignedRead     byte = 0x51
	CmdGetPubKey      byte = 0x53
	CmdGetCertificate byte = 0x55
)

// Response codes.
const (
	RespAck         byte = 0x11
	RespNack        byte = 0x12
	RespConfig      byte = 0x17
	RespStatistics  byte = 0x19
	RespInfo        byte = 0x1B
	RespSignedRead  byte = 0x52
	RespPubKey      byte = 0x54
	RespCertificate byte = 0x56
)

// START command modes.
const (
	StartContinuous byte = 0x00
	StartOneShot    byte = 0x01
)

// Fixed payload sizes.
const (
	PayloadAck        = 5  // flags byte + u32 ready-byte count
	PayloadConfig     = 12 // full-mode configuration block
	PayloadStatistics = 30
	PayloadInfo       = 56 // 4+4+24+24
	PayloadPubKey     = 64 // raw x || y
	PayloadCert       = 64 // raw r || s

	// MaxBlockSize is the device's internal generation block limit.
	MaxBlockSize = 4096

	// SignatureLen is the length of the device signature appended to a
	// signed read's data on the stream.
	SignatureLen = 64

	infoStringLen = 24
)

// ErrInvalidFrame reports a structurally invalid frame or payload.
var ErrInvalidFrame = errors.New("invalid protocol frame")

// ExpectedResponse returns the success response code for a command, and
// whether the command is known.
func ExpectedResponse(cmd byte) (byte, bool) {
	switch cmd {
	case CmdGetStatus, CmdStart, CmdStop, CmdSetConfig, CmdReset, CmdReboot:
		return RespAck, true
	case CmdGetConfig:
		return RespConfig, true
	case CmdGetStatistics:
		return RespStatistics, true
	case CmdGetInfo:
		return RespInfo, true
	case CmdSignedRead:
		return RespSignedRead, true
	case CmdGetPubKey:
		return RespPubKey, true
	case CmdGetCertificate:
		return RespCertificate, true
	}
	return 0, false
}

// PayloadSize returns the fixed payload size that follows a response code.
// Unknown codes report zero.
func PayloadSize(resp byte) int {
	switch resp {
	case RespAck:
		return PayloadAck
	case RespConfig:
		return PayloadConfig
	case RespStatistics:
		return PayloadStatistics
	case RespInfo:
		return PayloadInfo
	case RespPubKey:
		return PayloadPubKey
	case RespCertificate:
		return PayloadCert
	}
	// RespNack and RespSignedRead carry no inline payload; signed-read
	// data and its signature follow on the raw stream.
	return 0
}

// BuildCommand builds a command frame: command byte plus optional payload.
func BuildCommand(code byte, payload []byte) []byte {
	frame := make([]byte, 0, 1+len(payload))
	frame = append(frame, code)
	return append(frame, payload...)
}

// BuildStartOneShot builds a START command requesting length bytes once.
func BuildStartOneShot(length uint16) []byte {
	payload := make([]byte, 3)
	payload[0] = StartOneShot
	binary.LittleEndian.PutUint16(payload[1:], length)
	return BuildCommand(CmdStart, payload)
}

// BuildStartContinuous builds a START command entering continuous mode.
func BuildStartContinuous() []byte {
	return BuildCommand(CmdStart, []byte{StartContinuous, 0x00, 0x00})
}

// BuildSignedRead builds a SIGNED_READ command for length bytes.
func BuildSignedRead(length uint16) []byte {
	payload := make([]byte, 2)
	binary.LittleEndian.PutUint16(payload, length)
	return BuildCommand(CmdSignedRead, payload)
}

// BuildReboot builds a REBOOT command.
func BuildReboot() []byte {
	return BuildCommand(CmdReboot, nil)
}

// ParseStatus parses a 5-byte ACK/status payload.
func ParseStatus(data []byte) (DeviceStatus, error) {
	if len(data) < PayloadAck {
		return DeviceStatus{}, fmt.Errorf("%w: status payload too short (%d bytes)", ErrInvalidFrame, len(data))
	}
	flags := data[0]
	return DeviceStatus{
		Initialized:           flags&1 != 0,
		StartupTestInProgress: (flags>>1)&1 != 0,
		VoltageLow:            (flags>>2)&1 != 0,
		VoltageHigh:           (flags>>3)&1 != 0,
		VoltageUndefined:      (flags>>4)&1 != 0,
		BitBalance:            (flags>>5)&1 != 0,
		RepetitionCount:       (flags>>6)&1 != 0,
		AdaptiveProportion:    (flags>>7)&1 != 0,
		ReadyBytes:            binary.LittleEndian.Uint32(data[1:5]),
	}, nil
}

// ParseInfo parses a 56-byte INFO response payload.
func ParseInfo(data []byte) (DeviceInfo, error) {
	if len(data) < PayloadInfo {
		return DeviceInfo{}, fmt.Errorf("%w: info payload too short (%d bytes)", ErrInvalidFrame, len(data))
	}
	return DeviceInfo{
		CoreVersion: Version(binary.LittleEndian.Uint32(data[0:4])),
		FWVersion:   Version(binary.LittleEndian.Uint32(data[4:8])),
		Serial:      cString(data[8 : 8+infoStringLen]),
		HWInfo:      cString(data[8+infoStringLen : 8+2*infoStringLen]),
	}, nil
}

// cString returns the bytes up to the first NUL as a string.
func cString(b []byte) string {
	for i, c := range b {
		if c == 0 {
			return string(b[:i])
		}
	}
	return string(b)
}

// ParseConfig parses a 12-byte CONFIG response payload.
func ParseConfig(data []byte) (DeviceConfig, error) {
	if len(data) < PayloadConfig {
		return DeviceConfig{}, fmt.Errorf("%w: config payload too short (%d bytes)", ErrInvalidFrame, len(data))
	}
	pp := PostProcess(data[0])
	if !pp.Valid() {
		return DeviceConfig{}, fmt.Errorf("%w: unknown postprocess mode %d", ErrInvalidFrame, data[0])
	}
	flags := data[5]
	return DeviceConfig{
		Postprocess:           pp,
		InitialLevel:          math.Float32frombits(binary.LittleEndian.Uint32(data[1:5])),
		StartupTest:           flags&1 != 0,
		AutoCalibration:       (flags>>1)&1 != 0,
		RepetitionCount:       (flags>>2)&1 != 0,
		AdaptiveProportion:    (flags>>3)&1 != 0,
		BitBalance:            (flags>>4)&1 != 0,
		GenerateOnError:       (flags>>5)&1 != 0,
		NLSBits:               data[6],
		HashInputSize:         data[7],
		BlockSize:             binary.LittleEndian.Uint16(data[8:10]),
		AutoCalibrationTarget: binary.LittleEndian.Uint16(data[10:12]),
	}, nil
}

// SerializeConfig serializes a DeviceConfig to the 12-byte SET_CONFIG payload.
func SerializeConfig(cfg DeviceConfig) []byte {
	var flags byte
	if cfg.StartupTest {
		flags |= 1
	}
	if cfg.AutoCalibration {
		flags |= 1 << 1
	}
	if cfg.RepetitionCount {
		flags |= 1 << 2
	}
	if cfg.AdaptiveProportion {
		flags |= 1 << 3
	}
	if cfg.BitBalance {
		flags |= 1 << 4
	}
	if cfg.GenerateOnError {
		flags |= 1 << 5
	}

	buf := make([]byte, PayloadConfig)
	buf[0] = byte(cfg.Postprocess)
	binary.LittleEndian.PutUint32(buf[1:5], math.Float32bits(cfg.InitialLevel))
	buf[5] = flags
	buf[6] = cfg.NLSBits
	buf[7] = cfg.HashInputSize
	binary.LittleEndian.PutUint16(buf[8:10], cfg.BlockSize)
	binary.LittleEndian.PutUint16(buf[10:12], cfg.AutoCalibrationTarget)
	return buf
}

// ValidateConfig checks field ranges client-side, before any bytes are sent
// to the device.
func ValidateConfig(cfg DeviceConfig) error {
	if !cfg.Postprocess.Valid() {
		return fmt.Errorf("postprocess mode %d is not valid", uint8(cfg.Postprocess))
	}
	if cfg.InitialLevel < 0 || cfg.InitialLevel > 1 {
		return fmt.Errorf("initial level %v outside [0, 1]", cfg.InitialLevel)
	}
	if cfg.NLSBits < 1 || cfg.NLSBits > 8 {
		return fmt.Errorf("n_lsbits %d outside [1, 8]", cfg.NLSBits)
	}
	if cfg.HashInputSize == 0 {
		return errors.New("hash input size must be > 0")
	}
	if cfg.BlockSize == 0 || cfg.BlockSize > MaxBlockSize {
		return fmt.Errorf("block size %d outside [1, %d]", cfg.BlockSize, MaxBlockSize)
	}
	return nil
}

// ParseStatistics parses a 30-byte STATISTICS response payload.
func ParseStatistics(data []byte) (DeviceStatistics, error) {
	if len(data) < PayloadStatistics {
		return DeviceStatistics{}, fmt.Errorf("%w: statistics payload too short (%d bytes)", ErrInvalidFrame, len(data))
	}
	return DeviceStatistics{
		GeneratedBytes:             binary.LittleEndian.Uint64(data[0:8]),
		RepetitionCountFailures:    binary.LittleEndian.Uint32(data[8:12]),
		AdaptiveProportionFailures: binary.LittleEndian.Uint32(data[12:16]),
		BitBalanceFailures:         binary.LittleEndian.Uint32(data[16:20]),
		Speed:                      binary.LittleEndian.Uint32(data[20:24]),
		SensorAverage:              binary.LittleEndian.Uint16(data[24:26]),
		LightLevel:                 math.Float32frombits(binary.LittleEndian.Uint32(data[26:30])),
	}, nil
}

// Checksum8 computes the ones-complement 8-bit checksum used by firmware
// update chunks.
func Checksum8(data []byte) byte {
	var sum byte
	for _, b := range data {
		sum += b
	}
	return ^sum
}
