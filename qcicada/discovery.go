package qcicada

import (
	"fmt"
	"strings"
	"time"

	"go.bug.st/serial/enumerator"

	"github.com/cryptalabs/qcicada-go/protocol"
)

// ftdiVID is the USB vendor ID of the FTDI bridge in front of every
// QCicada, as reported by the port enumerator.
const ftdiVID = "0403"

// probeTimeout bounds the identification exchange during discovery, so a
// non-QCicada serial device on a candidate port cannot stall enumeration.
const probeTimeout = 2 * time.Second

// listPorts enumerates serial ports. Swapped out by tests.
var listPorts = enumerator.GetDetailedPortsList

// FindPorts returns candidate QCicada ports in OS enumeration order: every
// port on an FTDI bridge, plus ports whose name marks a generic USB-serial
// adapter on systems where VID metadata is unavailable. Candidates are not
// probed; use DiscoverDevices for confirmed devices.
func FindPorts() ([]string, error) {
	ports, err := listPorts()
	if err != nil {
		return nil, fmt.Errorf("enumerating ports: %w", err)
	}
	var out []string
	for _, p := range ports {
		if p == nil || p.Name == "" {
			continue
		}
		if isCandidate(p) {
			out = append(out, p.Name)
		}
	}
	return out, nil
}

func isCandidate(p *enumerator.PortDetails) bool {
	if p.IsUSB && strings.EqualFold(p.VID, ftdiVID) {
		return true
	}
	return strings.HasPrefix(p.Name, "/dev/ttyUSB") ||
		strings.HasPrefix(p.Name, "/dev/cu.usbserial-")
}

// Probe opens a port, identifies the device on it, and closes the port
// again. A port occupied by something other than a QCicada fails the
// identification exchange within probeTimeout.
func Probe(port string) (DeviceInfo, error) {
	tr, err := dialTransport(port, 0)
	if err != nil {
		return DeviceInfo{}, err
	}
	d := newDevice(tr)
	d.respTimeout = probeTimeout
	defer func() { _ = d.Close() }()

	if err := d.drainStale(); err != nil {
		return DeviceInfo{}, err
	}
	info, err := d.GetInfo()
	if err != nil {
		return DeviceInfo{}, fmt.Errorf("probe %s: %w", port, err)
	}
	return info, nil
}

// DiscoverDevices probes every candidate port and returns the QCicadas
// that answered, with their identification. Ports that fail to open or to
// identify are skipped, not errors; every probe connection is closed
// before returning, matched or not.
func DiscoverDevices() ([]DiscoveredDevice, error) {
	ports, err := FindPorts()
	if err != nil {
		return nil, err
	}
	var out []DiscoveredDevice
	for _, port := range ports {
		info, err := Probe(port)
		if err != nil {
			continue
		}
		out = append(out, DiscoveredDevice{Port: port, Info: info})
	}
	return out, nil
}

// OpenBySerial connects to the device with the given serial number (for
// example "QC0000000217"), probing candidates until it matches. Returns
// ErrDeviceNotFound when no attached device has that serial.
func OpenBySerial(serial string) (*Device, error) {
	devs, err := DiscoverDevices()
	if err != nil {
		return nil, err
	}
	for _, dev := range devs {
		if dev.Info.Serial == serial {
			return Open(dev.Port)
		}
	}
	return nil, fmt.Errorf("serial %s: %w", serial, ErrDeviceNotFound)
}

// SupportsSignedRead reports whether a discovered device's firmware is new
// enough for signed reads.
func SupportsSignedRead(info DeviceInfo) bool {
	return info.FWVersion >= protocol.MinSignedReadFirmware
}
