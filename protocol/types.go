package protocol

import "fmt"

// PostProcess selects which stage of the device's internal pipeline is
// exposed as output bytes.
type PostProcess uint8

const (
	// PostProcessSHA256 outputs NIST SP 800-90B compliant SHA256
	// conditioned data. This is the factory default.
	PostProcessSHA256 PostProcess = 0
	// PostProcessRawNoise outputs raw noise after health-test conditioning.
	PostProcessRawNoise PostProcess = 1
	// PostProcessRawSamples outputs unprocessed optical samples.
	PostProcessRawSamples PostProcess = 2
)

// Valid reports whether p is a mode the device understands.
func (p PostProcess) Valid() bool {
	return p <= PostProcessRawSamples
}

func (p PostProcess) String() string {
	switch p {
	case PostProcessSHA256:
		return "sha256"
	case PostProcessRawNoise:
		return "raw-noise"
	case PostProcessRawSamples:
		return "raw-samples"
	}
	return fmt.Sprintf("postprocess(%d)", uint8(p))
}

// Version is a packed firmware or core version. The layout observed on
// current hardware places the major version in the upper 16 bits, with
// minor and patch packed one byte each in the lower 16.
type Version uint32

// MinSignedReadFirmware is the oldest firmware that implements SIGNED_READ
// and the certificate commands.
const MinSignedReadFirmware Version = 0x0005000D

// Major returns the major version component.
func (v Version) Major() int { return int(v >> 16) }

// Minor returns the minor version component.
func (v Version) Minor() int { return int(v>>8) & 0xFF }

// Patch returns the patch version component.
func (v Version) Patch() int { return int(v) & 0xFF }

func (v Version) String() string {
	return fmt.Sprintf("%d.%d.%d", v.Major(), v.Minor(), v.Patch())
}

// DeviceInfo is the device identification snapshot returned by GET_INFO.
type DeviceInfo struct {
	CoreVersion Version
	FWVersion   Version
	// Serial is the device serial identifier, e.g. "QC0000000217".
	Serial string
	// HWInfo is the hardware model/revision tag, e.g. "CICADA-QRNG-1.1".
	HWInfo string
}

// DeviceStatus is the device's operational status at the time of the call.
type DeviceStatus struct {
	Initialized           bool
	StartupTestInProgress bool
	VoltageLow            bool
	VoltageHigh           bool
	VoltageUndefined      bool
	// Health-test failure flags. A set flag means the corresponding
	// on-device test is currently failing.
	BitBalance         bool
	RepetitionCount    bool
	AdaptiveProportion bool
	// ReadyBytes is the number of generated bytes buffered on the device.
	ReadyBytes uint32
}

// DeviceConfig is the device's full-mode configuration. Values round-trip:
// a SET_CONFIG followed by GET_CONFIG returns field-for-field equality.
type DeviceConfig struct {
	Postprocess  PostProcess
	InitialLevel float32
	StartupTest  bool
	// AutoCalibration enables continuous light-source calibration toward
	// AutoCalibrationTarget.
	AutoCalibration bool
	// Health-test enable flags.
	RepetitionCount    bool
	AdaptiveProportion bool
	BitBalance         bool
	// GenerateOnError keeps generation running even while a health test
	// is failing.
	GenerateOnError bool
	// NLSBits is the number of least-significant bits extracted per sample.
	NLSBits               uint8
	HashInputSize         uint8
	BlockSize             uint16
	AutoCalibrationTarget uint16
}

// DeviceStatistics are generation counters since the last RESET.
type DeviceStatistics struct {
	GeneratedBytes             uint64
	RepetitionCountFailures    uint32
	AdaptiveProportionFailures uint32
	BitBalanceFailures         uint32
	// Speed is the measured generation throughput in bytes per second.
	Speed         uint32
	SensorAverage uint16
	LightLevel    float32
}
