// qcdetect reports attached QCicada hardware: FTDI bridges at the USB
// level, candidate serial ports, and the devices that actually answered
// identification.
package main

import (
	"fmt"
	"os"

	"github.com/cryptalabs/qcicada-go/qcicada"
	"github.com/cryptalabs/qcicada-go/usbprobe"
)

func main() {
	ok, bridges, err := usbprobe.IsPresent()
	if err != nil {
		// Serial-level discovery below works without libusb.
		fmt.Fprintf(os.Stderr, "usb probe: %v\n", err)
	}
	if ok {
		fmt.Println("FTDI bridges:")
		for _, b := range bridges {
			fmt.Printf("  %s\n", b)
		}
	} else {
		fmt.Println("No FTDI bridges found (VID 0x0403)")
	}

	ports, err := qcicada.FindPorts()
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
	fmt.Println("Candidate ports:")
	for _, p := range ports {
		fmt.Printf("  %s\n", p)
	}

	devs, err := qcicada.DiscoverDevices()
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
	if len(devs) == 0 {
		fmt.Println("No QCicada devices answered")
		return
	}
	for i, d := range devs {
		fmt.Printf("Device %d:\n", i+1)
		fmt.Printf("  Port:     %s\n", d.Port)
		fmt.Printf("  Serial:   %s\n", d.Info.Serial)
		fmt.Printf("  Hardware: %s\n", d.Info.HWInfo)
		fmt.Printf("  Firmware: %s (signed reads: %v)\n", d.Info.FWVersion, qcicada.SupportsSignedRead(d.Info))
	}
}
