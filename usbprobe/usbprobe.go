// Package usbprobe detects QCicada USB-serial bridges at the USB level,
// below the serial port layer. It answers "is the hardware physically
// attached" even when no serial driver has bound to it yet, which is the
// usual failure mode behind a missing /dev/ttyUSB* entry.
package usbprobe

import (
	"fmt"

	"github.com/google/gousb"
)

// FTDI vendor ID; the QCicada bridge enumerates as a plain FT232 part.
const ftdiVendorID = 0x0403

// BridgeInfo describes one attached FTDI bridge.
type BridgeInfo struct {
	// Bus and Address locate the device on the USB topology.
	Bus     int
	Address int
	// ProductID distinguishes FTDI part variants (0x6001 for FT232R).
	ProductID uint16
	// String descriptors; empty when the OS withholds them.
	Manufacturer string
	Product      string
	SerialNumber string
}

func (b BridgeInfo) String() string {
	return fmt.Sprintf("bus %03d addr %03d vid 0403 pid %04x %q serial %q",
		b.Bus, b.Address, b.ProductID, b.Product, b.SerialNumber)
}

// ListBridges enumerates attached FTDI bridges. It opens each matching
// device only long enough to read its string descriptors and never claims
// an interface, so it does not disturb a serial driver already bound to
// the device.
func ListBridges() ([]BridgeInfo, error) {
	ctx := gousb.NewContext()
	defer ctx.Close()

	devs, err := ctx.OpenDevices(func(desc *gousb.DeviceDesc) bool {
		return desc.Vendor == gousb.ID(ftdiVendorID)
	})
	// OpenDevices returns the devices it did open alongside the error;
	// close them all before deciding anything.
	var out []BridgeInfo
	for _, dev := range devs {
		info := BridgeInfo{
			Bus:       dev.Desc.Bus,
			Address:   dev.Desc.Address,
			ProductID: uint16(dev.Desc.Product),
		}
		if s, serr := dev.Manufacturer(); serr == nil {
			info.Manufacturer = s
		}
		if s, serr := dev.Product(); serr == nil {
			info.Product = s
		}
		if s, serr := dev.SerialNumber(); serr == nil {
			info.SerialNumber = s
		}
		out = append(out, info)
		_ = dev.Close()
	}
	if err != nil {
		return out, fmt.Errorf("enumerating USB devices: %w", err)
	}
	return out, nil
}

// IsPresent reports whether at least one FTDI bridge is attached.
func IsPresent() (bool, []BridgeInfo, error) {
	bridges, err := ListBridges()
	return len(bridges) > 0, bridges, err
}
