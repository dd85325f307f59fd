package executor

import (
	"context"
	"time"
)

// Writer is the subset of a device handle used for chunked output
type Writer interface {
	Write(ctx context.Context, p []byte) (int, error)
}

// WriteChunks writes data in chunks of chunkSize bytes with pause between
// them. ctx is checked before every chunk so a cancelled worker stops at the
// next boundary.
func WriteChunks(ctx context.Context, w Writer, data []byte, chunkSize int, pause time.Duration) (int, error) {
	if chunkSize <= 0 {
		chunkSize = DefaultChunkSize
	}

	written := 0
	for written < len(data) {
		if err := ctx.Err(); err != nil {
			return written, err
		}

		end := written + chunkSize
		if end > len(data) {
			end = len(data)
		}
		n, err := w.Write(ctx, data[written:end])
		written += n
		if err != nil {
			return written, err
		}

		if pause > 0 && written < len(data) {
			t := time.NewTimer(pause)
			select {
			case <-ctx.Done():
				t.Stop()
				return written, ctx.Err()
			case <-t.C:
			}
		}
	}
	return written, nil
}
