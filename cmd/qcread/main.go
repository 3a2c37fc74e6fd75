// qcread is a minimal CLI for pulling random bytes from a QCicada device.
// It reads a number of bytes once, or repeatedly at a fixed interval.
package main

import (
	"context"
	"encoding/hex"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"time"

	"github.com/cryptalabs/qcicada-go/qcicada"
)

func main() {
	port := flag.String("port", "", "serial port; auto-detected when empty")
	n := flag.Int("bytes", 32, "number of bytes to read per batch")
	interval := flag.Duration("interval", 0, "interval between reads (e.g. 2s). 0 for one-shot")
	flag.Parse()

	dev, err := qcicada.Open(*port)
	if err != nil {
		log.Fatalf("open error: %v", err)
	}
	defer dev.Close()

	if *interval == 0 {
		data, err := dev.Random(*n)
		if err != nil {
			log.Fatalf("read error: %v", err)
		}
		fmt.Printf("read %d bytes\n", len(data))
		fmt.Println(hex.EncodeToString(data))
		return
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()
	log.Printf("reading %d bytes every %s. press Ctrl+C to stop...", *n, interval.String())

	ch, err := dev.Collect(ctx, *n, *interval)
	if err != nil {
		log.Fatalf("collect error: %v", err)
	}
	for s := range ch {
		if s.Err != nil {
			log.Printf("read error: %v", s.Err)
			continue
		}
		fmt.Printf("%s  %d bytes  %s\n", s.Timestamp.Format(time.RFC3339), len(s.Data), hex.EncodeToString(s.Data))
	}
}
