// qcctl is the operator CLI for QCicada QRNG devices: discovery, device
// identification, configuration, randomness reads, and certificate-chain
// verification.
package main

import (
	"context"
	"encoding/hex"
	"fmt"
	"log"
	"os"

	"github.com/urfave/cli/v3"

	"github.com/cryptalabs/qcicada-go/qcicada"
	"github.com/cryptalabs/qcicada-go/usbprobe"
)

func main() {
	app := &cli.Command{
		Name:  "qcctl",
		Usage: "QCicada QRNG device control",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "port",
				Usage: "serial port (e.g. /dev/ttyUSB0, COM5); auto-detected when empty",
			},
			&cli.StringFlag{
				Name:  "serial",
				Usage: "select the device by serial number (e.g. QC0000000217)",
			},
		},
		Commands: []*cli.Command{
			detectCommand(),
			infoCommand(),
			statusCommand(),
			statsCommand(),
			configCommand(),
			setPostprocessCommand(),
			readCommand(),
			signedReadCommand(),
			streamCommand(),
			verifyDeviceCommand(),
			resetCommand(),
			rebootCommand(),
		},
	}

	if err := app.Run(context.Background(), os.Args); err != nil {
		log.Fatal(err)
	}
}

// openDevice connects per the global --port/--serial flags.
func openDevice(cmd *cli.Command) (*qcicada.Device, error) {
	if serial := cmd.String("serial"); serial != "" {
		return qcicada.OpenBySerial(serial)
	}
	return qcicada.Open(cmd.String("port"))
}

func detectCommand() *cli.Command {
	return &cli.Command{
		Name:  "detect",
		Usage: "List attached FTDI bridges and identified QCicada devices",
		Action: func(ctx context.Context, cmd *cli.Command) error {
			bridges, err := usbprobe.ListBridges()
			if err != nil {
				// USB-level probing needs libusb; the serial scan below
				// still works without it.
				log.Printf("usb probe: %v", err)
			}
			for _, b := range bridges {
				fmt.Printf("usb: %s\n", b)
			}

			devs, err := qcicada.DiscoverDevices()
			if err != nil {
				return err
			}
			if len(devs) == 0 {
				fmt.Println("no QCicada devices found")
				return nil
			}
			for _, d := range devs {
				fmt.Printf("%s: %s fw %s hw %s\n", d.Port, d.Info.Serial, d.Info.FWVersion, d.Info.HWInfo)
			}
			return nil
		},
	}
}

func infoCommand() *cli.Command {
	return &cli.Command{
		Name:  "info",
		Usage: "Show device identification",
		Action: func(ctx context.Context, cmd *cli.Command) error {
			dev, err := openDevice(cmd)
			if err != nil {
				return err
			}
			defer dev.Close()

			info, err := dev.GetInfo()
			if err != nil {
				return err
			}
			fmt.Printf("serial:       %s\n", info.Serial)
			fmt.Printf("hardware:     %s\n", info.HWInfo)
			fmt.Printf("firmware:     %s\n", info.FWVersion)
			fmt.Printf("core:         %s\n", info.CoreVersion)
			fmt.Printf("signed reads: %v\n", qcicada.SupportsSignedRead(info))
			return nil
		},
	}
}

func statusCommand() *cli.Command {
	return &cli.Command{
		Name:  "status",
		Usage: "Show device status and health-test flags",
		Action: func(ctx context.Context, cmd *cli.Command) error {
			dev, err := openDevice(cmd)
			if err != nil {
				return err
			}
			defer dev.Close()

			st, err := dev.GetStatus()
			if err != nil {
				return err
			}
			fmt.Printf("initialized:          %v\n", st.Initialized)
			fmt.Printf("startup test running: %v\n", st.StartupTestInProgress)
			fmt.Printf("voltage low/high:     %v/%v\n", st.VoltageLow, st.VoltageHigh)
			fmt.Printf("bit balance fail:     %v\n", st.BitBalance)
			fmt.Printf("repetition fail:      %v\n", st.RepetitionCount)
			fmt.Printf("adaptive prop fail:   %v\n", st.AdaptiveProportion)
			fmt.Printf("ready bytes:          %d\n", st.ReadyBytes)
			return nil
		},
	}
}

func statsCommand() *cli.Command {
	return &cli.Command{
		Name:  "stats",
		Usage: "Show generation statistics since the last reset",
		Action: func(ctx context.Context, cmd *cli.Command) error {
			dev, err := openDevice(cmd)
			if err != nil {
				return err
			}
			defer dev.Close()

			s, err := dev.GetStatistics()
			if err != nil {
				return err
			}
			fmt.Printf("generated bytes:     %d\n", s.GeneratedBytes)
			fmt.Printf("speed:               %d B/s\n", s.Speed)
			fmt.Printf("repetition fails:    %d\n", s.RepetitionCountFailures)
			fmt.Printf("adaptive prop fails: %d\n", s.AdaptiveProportionFailures)
			fmt.Printf("bit balance fails:   %d\n", s.BitBalanceFailures)
			fmt.Printf("sensor average:      %d\n", s.SensorAverage)
			fmt.Printf("light level:         %.3f\n", s.LightLevel)
			return nil
		},
	}
}

func configCommand() *cli.Command {
	return &cli.Command{
		Name:  "config",
		Usage: "Show the device configuration",
		Action: func(ctx context.Context, cmd *cli.Command) error {
			dev, err := openDevice(cmd)
			if err != nil {
				return err
			}
			defer dev.Close()

			cfg, err := dev.GetConfig()
			if err != nil {
				return err
			}
			fmt.Printf("postprocess:        %s\n", cfg.Postprocess)
			fmt.Printf("initial level:      %.3f\n", cfg.InitialLevel)
			fmt.Printf("startup test:       %v\n", cfg.StartupTest)
			fmt.Printf("auto calibration:   %v (target %d)\n", cfg.AutoCalibration, cfg.AutoCalibrationTarget)
			fmt.Printf("repetition count:   %v\n", cfg.RepetitionCount)
			fmt.Printf("adaptive prop:      %v\n", cfg.AdaptiveProportion)
			fmt.Printf("bit balance:        %v\n", cfg.BitBalance)
			fmt.Printf("generate on error:  %v\n", cfg.GenerateOnError)
			fmt.Printf("n lsbits:           %d\n", cfg.NLSBits)
			fmt.Printf("hash input size:    %d\n", cfg.HashInputSize)
			fmt.Printf("block size:         %d\n", cfg.BlockSize)
			return nil
		},
	}
}

func setPostprocessCommand() *cli.Command {
	return &cli.Command{
		Name:      "set-postprocess",
		Usage:     "Set the post-processing mode (sha256, raw-noise, raw-samples)",
		ArgsUsage: "<mode>",
		Action: func(ctx context.Context, cmd *cli.Command) error {
			var mode qcicada.PostProcess
			switch cmd.Args().First() {
			case "sha256":
				mode = 0
			case "raw-noise":
				mode = 1
			case "raw-samples":
				mode = 2
			default:
				return fmt.Errorf("unknown mode %q", cmd.Args().First())
			}

			dev, err := openDevice(cmd)
			if err != nil {
				return err
			}
			defer dev.Close()
			return dev.SetPostprocess(mode)
		},
	}
}

func readCommand() *cli.Command {
	return &cli.Command{
		Name:  "read",
		Usage: "Read random bytes (hex to stdout, or raw to --out)",
		Flags: []cli.Flag{
			&cli.IntFlag{Name: "n", Value: 32, Usage: "number of bytes (1-65535)"},
			&cli.StringFlag{Name: "out", Usage: "write raw bytes to this file instead of hex to stdout"},
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			dev, err := openDevice(cmd)
			if err != nil {
				return err
			}
			defer dev.Close()

			data, err := dev.Random(int(cmd.Int("n")))
			if err != nil {
				return err
			}
			return emit(cmd.String("out"), data)
		},
	}
}

func signedReadCommand() *cli.Command {
	return &cli.Command{
		Name:  "signed-read",
		Usage: "Read random bytes with the device's ECDSA signature",
		Flags: []cli.Flag{
			&cli.IntFlag{Name: "n", Value: 32, Usage: "number of bytes (1-65535)"},
			&cli.StringFlag{
				Name:  "pubkey",
				Usage: "hex device public key (64 bytes); when set, the signature is verified and data is withheld on failure",
			},
			&cli.StringFlag{Name: "out", Usage: "write raw bytes to this file instead of hex to stdout"},
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			dev, err := openDevice(cmd)
			if err != nil {
				return err
			}
			defer dev.Close()

			n := int(cmd.Int("n"))
			var sr *qcicada.SignedRead
			if keyHex := cmd.String("pubkey"); keyHex != "" {
				pub, derr := hex.DecodeString(keyHex)
				if derr != nil {
					return fmt.Errorf("decoding --pubkey: %w", derr)
				}
				sr, err = dev.SignedReadVerified(n, pub)
			} else {
				sr, err = dev.SignedRead(n)
			}
			if err != nil {
				return err
			}

			fmt.Printf("signature: %s\n", hex.EncodeToString(sr.Signature))
			return emit(cmd.String("out"), sr.Data)
		},
	}
}

func streamCommand() *cli.Command {
	return &cli.Command{
		Name:  "stream",
		Usage: "Read random bytes in continuous mode",
		Flags: []cli.Flag{
			&cli.IntFlag{Name: "n", Value: 65536, Usage: "total number of bytes"},
			&cli.IntFlag{Name: "chunk", Value: 4096, Usage: "bytes per read"},
			&cli.StringFlag{Name: "out", Usage: "write raw bytes to this file instead of hex to stdout"},
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			dev, err := openDevice(cmd)
			if err != nil {
				return err
			}
			defer dev.Close()

			if err := dev.StartContinuous(); err != nil {
				return err
			}
			defer func() { _ = dev.Stop() }()

			total := int(cmd.Int("n"))
			chunk := int(cmd.Int("chunk"))
			out := make([]byte, 0, total)
			for len(out) < total {
				c := total - len(out)
				if c > chunk {
					c = chunk
				}
				buf, rerr := dev.ReadContinuous(c)
				if rerr != nil {
					return rerr
				}
				out = append(out, buf...)
			}
			return emit(cmd.String("out"), out)
		},
	}
}

func verifyDeviceCommand() *cli.Command {
	return &cli.Command{
		Name:  "verify-device",
		Usage: "Verify the device certificate chain against a CA public key",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:     "ca-pubkey",
				Usage:    "hex CA public key (64 bytes)",
				Required: true,
			},
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			caPub, err := hex.DecodeString(cmd.String("ca-pubkey"))
			if err != nil {
				return fmt.Errorf("decoding --ca-pubkey: %w", err)
			}

			dev, err := openDevice(cmd)
			if err != nil {
				return err
			}
			defer dev.Close()

			pub, err := dev.GetVerifiedPubKey(caPub)
			if err != nil {
				return err
			}
			fmt.Printf("certificate valid\ndevice pubkey: %s\n", hex.EncodeToString(pub))
			return nil
		},
	}
}

func resetCommand() *cli.Command {
	return &cli.Command{
		Name:  "reset",
		Usage: "Restart generation and clear statistics",
		Action: func(ctx context.Context, cmd *cli.Command) error {
			dev, err := openDevice(cmd)
			if err != nil {
				return err
			}
			defer dev.Close()
			return dev.Reset()
		},
	}
}

func rebootCommand() *cli.Command {
	return &cli.Command{
		Name:  "reboot",
		Usage: "Power-cycle the device logic (it re-enumerates afterwards)",
		Action: func(ctx context.Context, cmd *cli.Command) error {
			dev, err := openDevice(cmd)
			if err != nil {
				return err
			}
			return dev.Reboot()
		},
	}
}

// emit writes data raw to path, or as hex to stdout when path is empty.
func emit(path string, data []byte) error {
	if path == "" {
		fmt.Println(hex.EncodeToString(data))
		return nil
	}
	return os.WriteFile(path, data, 0o644)
}
