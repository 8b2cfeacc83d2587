// Package sink provides the output destinations for reconstructed traces:
// flat byte streams (optionally zstd- or lz4-compressed) and zip archives
// whose components hold bounded trace chunks.
package sink

import (
	"fmt"
	"io"

	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"
)

// Sink is the destination byte stream for one thread's trace.
type Sink interface {
	io.Writer
}

// Archive is a Sink that can begin named components. The engine splits the
// trace into bounded chunks only when the sink has this capability.
type Archive interface {
	Sink
	OpenNewComponent(name string) error
}

// Flat wraps a plain writer as a Sink with a no-op Close so callers can
// treat all sinks uniformly.
type Flat struct {
	io.Writer
}

// Close implements io.Closer.
func (Flat) Close() error { return nil }

// NewZstd returns a flat sink that zstd-compresses everything written to it.
// Close flushes the compressed frame.
func NewZstd(w io.Writer) (io.WriteCloser, error) {
	zw, err := zstd.NewWriter(w)
	if err != nil {
		return nil, fmt.Errorf("sink: zstd writer: %w", err)
	}
	return zw, nil
}

// NewLZ4 returns a flat sink that lz4-frames everything written to it.
func NewLZ4(w io.Writer) io.WriteCloser {
	return lz4.NewWriter(w)
}
