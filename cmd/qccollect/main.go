// qccollect captures QCicada output to disk for later statistical analysis:
// raw bytes into a .bin file and per-sample ones counts into a .csv, both
// named by the capture convention so qctoexcel can recover the parameters.
package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"log"
	"math/bits"
	"os"
	"os/signal"
	"time"

	"github.com/cryptalabs/qcicada-go/naming"
	"github.com/cryptalabs/qcicada-go/qcicada"
)

func countOnes(buf []byte) int {
	total := 0
	for _, b := range buf {
		total += bits.OnesCount8(b)
	}
	return total
}

func main() {
	port := flag.String("port", "", "serial port; auto-detected when empty")
	sample := flag.Int("bytes", 256, "number of bytes per sample (required > 0)")
	intervalSec := flag.Int("interval", 1, "interval between samples in seconds (required > 0)")
	outDir := flag.String("outdir", "data", "output directory for files")
	flag.Parse()

	if *sample <= 0 {
		log.Fatal("-bytes must be > 0")
	}
	if *intervalSec <= 0 {
		log.Fatal("-interval must be > 0")
	}

	dev, err := qcicada.Open(*port)
	if err != nil {
		log.Fatalf("open error: %v", err)
	}
	defer dev.Close()

	info, err := dev.GetInfo()
	if err != nil {
		log.Fatalf("identify error: %v", err)
	}

	if err := os.MkdirAll(*outDir, 0o755); err != nil {
		log.Fatalf("creating outdir: %v", err)
	}
	binPath, csvPath, err := naming.BuildBinCSVPaths(*outDir, time.Now(), info.Serial, *sample, *intervalSec)
	if err != nil {
		log.Fatalf("build filenames: %v", err)
	}

	binFile, err := os.OpenFile(binPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		log.Fatalf("open bin file: %v", err)
	}
	defer func() { _ = binFile.Close() }()
	binBuf := bufio.NewWriter(binFile)
	defer binBuf.Flush()

	csvFile, err := os.OpenFile(csvPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		log.Fatalf("open csv file: %v", err)
	}
	defer func() { _ = csvFile.Close() }()
	csvBuf := bufio.NewWriter(csvFile)
	defer csvBuf.Flush()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	interval := time.Duration(*intervalSec) * time.Second
	log.Printf("collecting %d bytes every %s from %s into %s", *sample, interval, info.Serial, *outDir)

	ch, err := dev.Collect(ctx, *sample, interval)
	if err != nil {
		log.Fatalf("collect error: %v", err)
	}

	samples := 0
	for s := range ch {
		if s.Err != nil {
			// The collector ends itself on a link fault; anything else is
			// a skipped sample.
			log.Printf("read error: %v", s.Err)
			continue
		}
		if _, werr := binBuf.Write(s.Data); werr != nil {
			log.Fatalf("write bin: %v", werr)
		}
		_ = binBuf.Flush()

		ts := s.Timestamp.Format("20060102T15:04:05")
		if _, werr := fmt.Fprintf(csvBuf, "%s,%d\n", ts, countOnes(s.Data)); werr != nil {
			log.Fatalf("write csv: %v", werr)
		}
		_ = csvBuf.Flush()
		samples++
	}
	log.Printf("captured %d samples (%s, %s)", samples, binPath, csvPath)
}
