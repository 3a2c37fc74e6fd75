package qcicada

import (
	"context"
	"errors"
	"time"
)

// Sample is the outcome of one periodic collection read.
type Sample struct {
	// When the read completed.
	Timestamp time.Time
	// Number of bytes the collector attempted to read.
	BytesRequested int
	// Data holds the bytes that were read; nil when Err is set.
	Data []byte
	// Err is non-nil if the read failed. A transport fault ends the
	// collection after this sample.
	Err error
}

// Collect performs periodic one-shot reads of n bytes at the given
// interval, sending each result on the returned channel. The channel is
// closed when ctx is cancelled or the device faults. The caller retains
// ownership of the device and must not issue other commands while a
// collection is running.
func (d *Device) Collect(ctx context.Context, n int, interval time.Duration) (<-chan Sample, error) {
	if n < 1 || n > MaxRequest {
		return nil, ErrInvalidLength
	}
	if interval <= 0 {
		return nil, errors.New("interval must be > 0")
	}
	if err := d.ready(); err != nil {
		return nil, err
	}

	out := make(chan Sample)
	go func() {
		defer close(out)

		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			data, err := d.Random(n)
			s := Sample{Timestamp: time.Now(), BytesRequested: n, Data: data, Err: err}
			select {
			case out <- s:
			case <-ctx.Done():
				return
			}
			if errors.Is(err, ErrFaulted) || errors.Is(err, ErrClosed) || d.st == stateFaulted {
				return
			}

			select {
			case <-ticker.C:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}
