package qcicada

import (
	"fmt"
	"time"

	"github.com/cryptalabs/qcicada-go/protocol"
	"github.com/cryptalabs/qcicada-go/transport"
)

// MaxChunkSize caps a single read from the device. Larger requests are
// split; on slow links a bigger chunk would outrun any sane fixed timeout.
const MaxChunkSize = 8192

// defaultThroughput seeds the timeout model before the first statistics
// read reports the device's real generation speed (bytes/second).
const defaultThroughput = 100_000

// readOneShot returns exactly n bytes via one-shot generation, splitting
// into chunks of at most MaxChunkSize. Each chunk is its own start/read
// cycle; any chunk failure aborts the whole request.
func (d *Device) readOneShot(n int) ([]byte, error) {
	out := make([]byte, 0, n)
	for len(out) < n {
		c := n - len(out)
		if c > MaxChunkSize {
			c = MaxChunkSize
		}
		data, err := d.fetchChunk(c)
		if err != nil {
			return nil, err
		}
		out = append(out, data...)
	}
	return out, nil
}

// fetchChunk runs one one-shot generation cycle for n <= MaxChunkSize
// bytes: START in one-shot mode, acknowledgement, then the data itself on
// the raw stream.
func (d *Device) fetchChunk(n int) ([]byte, error) {
	frame := protocol.BuildStartOneShot(uint16(n))
	if _, err := d.command("one-shot read", protocol.CmdStart, frame[1:]); err != nil {
		return nil, err
	}
	return d.readStream("one-shot read", n)
}

// readStream reads exactly n raw bytes of generated output, chunked so
// each read's timeout stays proportional to what it waits for.
func (d *Device) readStream(op string, n int) ([]byte, error) {
	out := make([]byte, 0, n)
	for len(out) < n {
		c := n - len(out)
		if c > MaxChunkSize {
			c = MaxChunkSize
		}
		buf, err := d.tr.ReadExact(c, d.chunkTimeout(c))
		if err != nil {
			d.noteReadErr(err)
			return nil, fmt.Errorf("%s: %w", op, err)
		}
		out = append(out, buf...)
	}
	return out, nil
}

// chunkTimeout budgets a read of n bytes: the transport floor plus the
// expected generation time at the observed throughput, doubled for
// headroom. Slow devices get slower timeouts instead of spurious failures.
func (d *Device) chunkTimeout(n int) time.Duration {
	speed := d.speed
	if speed == 0 {
		speed = defaultThroughput
	}
	gen := time.Duration(n) * time.Second / time.Duration(speed)
	return transport.MinReadTimeout + 2*gen
}
