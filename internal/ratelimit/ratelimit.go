// Package ratelimit wraps an io.Writer with a token-bucket throughput cap,
// used to bound how fast a single tunneled session drains into its local
// TCP connection.
package ratelimit

import (
	"context"
	"io"

	"golang.org/x/time/rate"
)

// burstSize is the largest chunk allowed through in one go. It matches
// session.DataSize: a tunnel DATA payload never arrives larger than that,
// so capping the burst at the same size keeps the limiter from smoothing
// across several packets at once.
const burstSize = 1024

// Writer wraps w so that Write blocks until enough tokens accumulate to
// cover the bytes being written, capping sustained throughput at
// bytesPerSec. A zero or negative bytesPerSec disables limiting and
// returns w unchanged.
type Writer struct {
	w       io.Writer
	limiter *rate.Limiter
	ctx     context.Context
}

// NewWriter returns a rate-limited wrapper around w, or w itself if
// bytesPerSec is not positive.
func NewWriter(ctx context.Context, w io.Writer, bytesPerSec int64) io.Writer {
	if bytesPerSec <= 0 {
		return w
	}
	return &Writer{
		w:       w,
		limiter: rate.NewLimiter(rate.Limit(bytesPerSec), burstSize),
		ctx:     ctx,
	}
}

// Write waits for enough tokens to cover len(p), split into at most
// burstSize chunks, then writes it to the underlying writer.
func (rw *Writer) Write(p []byte) (int, error) {
	select {
	case <-rw.ctx.Done():
		return 0, rw.ctx.Err()
	default:
	}

	total := 0
	for len(p) > 0 {
		chunk := len(p)
		if chunk > burstSize {
			chunk = burstSize
		}
		if err := rw.limiter.WaitN(rw.ctx, chunk); err != nil {
			return total, err
		}
		n, err := rw.w.Write(p[:chunk])
		total += n
		if err != nil {
			return total, err
		}
		if n < chunk {
			return total, io.ErrShortWrite
		}
		p = p[chunk:]
	}
	return total, nil
}
