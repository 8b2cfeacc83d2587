// Package convert implements the offline trace-reconstruction engine: it
// turns the recorder's raw per-block record streams into fully decoded,
// instruction-granular trace streams, deriving a precise total instruction
// order from the lossy input encoding.
//
// Each thread's stream is reconstructed independently end to end. The only
// bounded reorderings relative to raw input order are the delayed flush of
// block-final branches (emission queue) and the speculative buffering of
// restartable-sequence regions (rseq tracker); everything else is emitted
// in raw program order.
package convert

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"runtime"
	"sync"

	"retrace/internal/decode"
	"retrace/internal/sink"
)

var (
	// ErrFormat reports a truncated or malformed raw stream: missing
	// header or footer, instruction-count mismatch, stray or missing
	// memory-reference records.
	ErrFormat = errors.New("convert: malformed raw stream")

	// ErrInvariant reports a raw stream whose markers cannot be
	// reconciled with any engine state, such as an rseq abort with no
	// open region and no committing store to roll back.
	ErrInvariant = errors.New("convert: invariant violation")
)

// DefaultChunkInstrCount is the chunk-size marker value advertised in the
// thread header when no chunk size is configured.
const DefaultChunkInstrCount = 10_000_000

// Options configures a Converter.
type Options struct {
	// ChunkInstrCount bounds the committed instructions per archive
	// chunk. Zero disables splitting (one unbounded chunk). Splitting
	// requires a sink with the Archive capability regardless.
	ChunkInstrCount uint64

	// Workers bounds the number of threads converted concurrently.
	// Zero means runtime.GOMAXPROCS(0).
	Workers int

	// Logger receives per-thread progress at Debug and run summaries at
	// Info. Nil means slog.Default().
	Logger *slog.Logger
}

// Converter reconstructs decoded traces from raw record streams. One
// Converter may run many threads concurrently; the mapper is the only
// shared state and must be safe for concurrent Decode.
type Converter struct {
	mapper decode.Mapper
	opts   Options
	logger *slog.Logger
}

// New returns a Converter that resolves blocks through mapper.
func New(mapper decode.Mapper, opts Options) *Converter {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Converter{mapper: mapper, opts: opts, logger: logger}
}

// Convert reconstructs each input stream into the sink of the same index.
// Threads are converted independently by a bounded worker pool; the first
// failure is returned once all started threads finish, and no further
// threads are started after a failure. A failed thread's sink may hold
// partial output; other threads' output is unaffected.
func (c *Converter) Convert(inputs []io.Reader, sinks []sink.Sink) error {
	if len(inputs) != len(sinks) {
		return fmt.Errorf("convert: %d inputs but %d sinks", len(inputs), len(sinks))
	}
	workers := c.opts.Workers
	if workers <= 0 {
		workers = runtime.GOMAXPROCS(0)
	}
	if workers > len(inputs) {
		workers = len(inputs)
	}

	var (
		mu       sync.Mutex
		firstErr error
	)
	failed := func() bool {
		mu.Lock()
		defer mu.Unlock()
		return firstErr != nil
	}

	indexes := make(chan int)
	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := range indexes {
				if failed() {
					continue
				}
				if err := c.convertThread(i, inputs[i], sinks[i]); err != nil {
					mu.Lock()
					if firstErr == nil {
						firstErr = fmt.Errorf("convert: stream %d: %w", i, err)
					}
					mu.Unlock()
				}
			}
		}()
	}
	for i := range inputs {
		indexes <- i
	}
	close(indexes)
	wg.Wait()

	if firstErr != nil {
		return firstErr
	}
	c.logger.Info("conversion complete", "streams", len(inputs))
	return nil
}
