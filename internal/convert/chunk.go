package convert

import (
	"fmt"
	"log/slog"

	"retrace/internal/decode"
	"retrace/internal/sink"
	"retrace/internal/trace"
)

// group is the unit of committed output: either one decoded instruction
// with its memory accesses (instr true) or a run of marker/bookkeeping
// entries. Groups pass through the emission queue, the rseq buffer, and
// the staging slice whole, so a chunk split never lands inside one.
type group struct {
	entries []trace.Entry

	// Instruction metadata, valid when instr is set. A block-final
	// branch group carries trailing marker entries appended while it
	// sat in the emission queue.
	instr    bool
	module   uint32
	off      uint64
	enc      []byte
	class    decode.Class
	target   uint64
	fall     uint64
	hasWrite bool
}

func markerGroup(m trace.Marker, value uint64) group {
	return group{entries: []trace.Entry{trace.MakeMarker(m, value)}}
}

func entryGroup(entries ...trace.Entry) group {
	return group{entries: entries}
}

type encKey struct {
	module uint32
	off    uint64
}

// chunkWriter serializes committed groups to the sink, synthesizing
// encoding entries ahead of the first occurrence of each instruction per
// chunk and splitting archive output on chunk-size boundaries. Keeping the
// encoding cache here, below discard and rollback, means an instruction
// whose group was thrown away upstream was never cached and re-emits its
// encoding when it next commits.
type chunkWriter struct {
	out     sink.Sink
	archive sink.Archive // nil when out cannot split
	logger  *slog.Logger

	limit uint64 // instructions per chunk, 0 = never split
	cache map[encKey]struct{}

	chunk       uint64 // ordinal of the open chunk
	chunkInstrs uint64 // instructions committed to the open chunk
	totalInstrs uint64
	written     uint64 // entries written across all chunks

	lastTimestamp uint64
	lastCPU       uint64

	buf []byte
}

func newChunkWriter(out sink.Sink, limit uint64, logger *slog.Logger) *chunkWriter {
	archive, _ := out.(sink.Archive)
	if archive == nil {
		limit = 0
	}
	return &chunkWriter{
		out:     out,
		archive: archive,
		logger:  logger,
		limit:   limit,
		cache:   make(map[encKey]struct{}),
	}
}

func (w *chunkWriter) writeEntries(entries ...trace.Entry) error {
	for _, e := range entries {
		w.buf = e.AppendTo(w.buf[:0])
		if _, err := w.out.Write(w.buf); err != nil {
			return fmt.Errorf("write entry: %w", err)
		}
		w.written++
	}
	return nil
}

func (w *chunkWriter) writeGroup(g group) error {
	if g.instr {
		key := encKey{g.module, g.off}
		if _, ok := w.cache[key]; !ok {
			if err := w.writeEntries(trace.Encodings(g.enc)...); err != nil {
				return err
			}
			w.cache[key] = struct{}{}
		}
	}
	if err := w.writeEntries(g.entries...); err != nil {
		return err
	}
	if !g.instr {
		return nil
	}
	w.chunkInstrs++
	w.totalInstrs++
	if w.limit > 0 && w.chunkInstrs >= w.limit {
		return w.split()
	}
	return nil
}

// split closes the open chunk and opens the next archive component. The
// new chunk restates the cumulative record ordinal and the last observed
// timestamp and CPU so it can be read without its predecessors, and starts
// with an empty encoding cache so every instruction's first occurrence in
// the chunk carries its bytes.
func (w *chunkWriter) split() error {
	if err := w.writeEntries(trace.MakeMarker(trace.MarkerChunkFooter, w.chunk)); err != nil {
		return err
	}
	w.chunk++
	if err := w.archive.OpenNewComponent(chunkName(w.chunk)); err != nil {
		return fmt.Errorf("open chunk %d: %w", w.chunk, err)
	}
	if err := w.writeEntries(
		trace.MakeMarker(trace.MarkerRecordOrdinal, w.written),
		trace.MakeMarker(trace.MarkerTimestamp, w.lastTimestamp),
		trace.MakeMarker(trace.MarkerCPUID, w.lastCPU),
	); err != nil {
		return err
	}
	clear(w.cache)
	w.chunkInstrs = 0
	w.logger.Debug("opened chunk", "chunk", w.chunk, "written", w.written)
	return nil
}

func chunkName(ordinal uint64) string {
	return fmt.Sprintf("chunk.%04d", ordinal)
}
