package transfer

import (
	"context"
	"errors"
	"fmt"
	"io"

	"golang.org/x/time/rate"
)

// DefaultChunkSize is the pump's read size.
const DefaultChunkSize = 64 << 10

// Pump copies a byte stream in fixed-size chunks. Each chunk is written in
// full before the next read, so at most one chunk is buffered and a slow
// consumer stalls the producer.
type Pump struct {
	ChunkSize int
	// Limiter caps throughput in bytes per second. Its burst must be at
	// least ChunkSize.
	Limiter  *rate.Limiter
	Progress *Progress
	// Tee receives a copy of every chunk after it reached the destination.
	Tee io.Writer
}

// NewLimiter returns a limiter for bytesPerSecond, or nil when unlimited.
func NewLimiter(bytesPerSecond, chunkSize int) *rate.Limiter {
	if bytesPerSecond <= 0 {
		return nil
	}
	burst := chunkSize
	if bytesPerSecond > burst {
		burst = bytesPerSecond
	}
	return rate.NewLimiter(rate.Limit(bytesPerSecond), burst)
}

// Run copies src to dst until src is exhausted, ctx is done, or a side
// fails. It returns the bytes delivered to dst. dst is not closed.
func (p *Pump) Run(ctx context.Context, dst io.Writer, src io.Reader) (int64, error) {
	size := p.ChunkSize
	if size <= 0 {
		size = DefaultChunkSize
	}
	buf := make([]byte, size)
	var total int64

	for {
		if err := ctx.Err(); err != nil {
			return total, err
		}
		n, rerr := src.Read(buf)
		if n > 0 {
			if p.Limiter != nil {
				if err := p.Limiter.WaitN(ctx, n); err != nil {
					return total, err
				}
			}
			if err := writeFull(dst, buf[:n]); err != nil {
				return total, fmt.Errorf("write to consumer: %w", err)
			}
			total += int64(n)
			if p.Tee != nil {
				if err := writeFull(p.Tee, buf[:n]); err != nil {
					return total, fmt.Errorf("write to archive: %w", err)
				}
			}
			p.Progress.Add(n)
		}
		if rerr != nil {
			if errors.Is(rerr, io.EOF) {
				return total, nil
			}
			return total, fmt.Errorf("read from producer: %w", rerr)
		}
	}
}

func writeFull(w io.Writer, b []byte) error {
	for len(b) > 0 {
		n, err := w.Write(b)
		if err != nil {
			return err
		}
		if n == 0 {
			return io.ErrShortWrite
		}
		b = b[n:]
	}
	return nil
}
