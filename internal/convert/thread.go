package convert

import (
	"errors"
	"fmt"
	"io"

	"retrace/internal/decode"
	"retrace/internal/record"
	"retrace/internal/sink"
	"retrace/internal/trace"
)

// thread reconstructs one raw stream. Committed groups flow into staged
// and are drained to the writer when the next record is read, so the
// output of the most recent record is still editable when a legacy rseq
// abort arrives and has to roll it back.
type thread struct {
	c  *Converter
	in *record.Reader
	w  *chunkWriter

	staged  []group
	delayed *group // block-final branch awaiting its flush point
	rseq    rseqRegion

	// Last instruction of the most recent block, for duplicate-syscall
	// elision.
	prevOff   uint64
	prevClass decode.Class
	havePrev  bool

	version  uint64
	filetype uint64
	tid      uint64
	pid      uint64
}

func (c *Converter) convertThread(index int, in io.Reader, out sink.Sink) error {
	t := &thread{
		c:  c,
		in: record.NewReader(in),
		w:  newChunkWriter(out, c.opts.ChunkInstrCount, c.logger),
	}
	if t.w.archive != nil {
		if err := t.w.archive.OpenNewComponent(chunkName(0)); err != nil {
			return fmt.Errorf("open chunk 0: %w", err)
		}
	}
	if err := t.readPrologue(); err != nil {
		return err
	}
	c.logger.Debug("converting thread", "stream", index, "tid", t.tid, "pid", t.pid)
	if err := t.run(); err != nil {
		return fmt.Errorf("tid %d: %w", t.tid, err)
	}
	if t.w.archive != nil {
		if err := writeMetadata(t.w.archive, t); err != nil {
			return fmt.Errorf("tid %d: %w", t.tid, err)
		}
	}
	c.logger.Debug("thread converted", "tid", t.tid,
		"instrs", t.w.totalInstrs, "entries", t.w.written, "chunks", t.w.chunk+1)
	return nil
}

// readPrologue consumes the mandatory header/thread/process triple plus any
// leading marker records, and stages the output prologue: the header entry,
// identity entries, the recorded markers, and the chunk-size announcement.
func (t *thread) readPrologue() error {
	rec, err := t.next()
	if err != nil {
		return err
	}
	if rec.Kind != record.KindHeader {
		return fmt.Errorf("%w: stream starts with %v, want header", ErrFormat, rec.Kind)
	}
	t.version = rec.Value
	t.filetype = uint64(rec.Index)
	t.stage(entryGroup(
		trace.Entry{Type: trace.TypeHeader, Value: t.version},
		trace.MakeMarker(trace.MarkerVersion, t.version),
		trace.MakeMarker(trace.MarkerFiletype, t.filetype),
	))

	rec, err = t.next()
	if err != nil {
		return err
	}
	if rec.Kind != record.KindThread {
		return fmt.Errorf("%w: want thread record after header, got %v", ErrFormat, rec.Kind)
	}
	t.tid = rec.Value
	t.stage(entryGroup(trace.Entry{Type: trace.TypeThread, Value: t.tid}))

	rec, err = t.next()
	if err != nil {
		return err
	}
	if rec.Kind != record.KindProcess {
		return fmt.Errorf("%w: want process record after thread, got %v", ErrFormat, rec.Kind)
	}
	t.pid = rec.Value
	t.stage(entryGroup(trace.Entry{Type: trace.TypePid, Value: t.pid}))

	// Recorded environment markers precede the first timestamp.
	for {
		rec, err := t.in.Peek()
		if err != nil || rec.Kind != record.KindMarker || !prologueMarker(rec.Marker) {
			break
		}
		t.in.Next()
		t.stage(markerGroup(rec.Marker, rec.Value))
	}

	count := t.c.opts.ChunkInstrCount
	if count == 0 {
		count = DefaultChunkInstrCount
	}
	t.stage(markerGroup(trace.MarkerChunkInstrCount, count))
	return nil
}

func prologueMarker(m trace.Marker) bool {
	switch m {
	case trace.MarkerCacheLineSize, trace.MarkerVersion, trace.MarkerFiletype:
		return true
	}
	return false
}

// run drives the record loop until the footer. The staged output of each
// record is drained when the following record is read, except that a
// legacy rseq abort keeps it staged so the rollback can edit it.
func (t *thread) run() error {
	for {
		rec, err := t.next()
		if err != nil {
			return err
		}
		legacyAbort := rec.Kind == record.KindMarker &&
			rec.Marker == trace.MarkerRseqAbort && !t.rseq.active
		if !legacyAbort {
			if err := t.drainStaged(); err != nil {
				return err
			}
		}
		switch rec.Kind {
		case record.KindBlock:
			err = t.processBlock(rec)
		case record.KindTimestamp:
			err = t.processTimestamp(rec)
		case record.KindMarker:
			err = t.processMarker(rec)
		case record.KindFooter:
			return t.finish()
		case record.KindMemRef:
			err = fmt.Errorf("%w: memory reference outside block at record %d", ErrFormat, t.in.Count())
		default:
			err = fmt.Errorf("%w: unexpected %v record mid-stream", ErrFormat, rec.Kind)
		}
		if err != nil {
			return err
		}
	}
}

func (t *thread) next() (record.Record, error) {
	rec, err := t.in.Next()
	switch {
	case errors.Is(err, io.EOF):
		return record.Record{}, fmt.Errorf("%w: stream ends without footer", ErrFormat)
	case errors.Is(err, record.ErrTruncated):
		return record.Record{}, fmt.Errorf("%w: %v", ErrFormat, err)
	case err != nil:
		return record.Record{}, err
	}
	return rec, nil
}

func (t *thread) finish() error {
	if t.rseq.active {
		// Stream ended inside a region: the buffered instructions
		// executed, surface them.
		t.releaseRseq()
	}
	t.flushDelayed()
	if err := t.drainStaged(); err != nil {
		return err
	}
	return t.w.writeEntries(
		trace.Entry{Type: trace.TypeThreadExit, Value: t.tid},
		trace.Entry{Type: trace.TypeFooter},
	)
}

func (t *thread) stage(g group) {
	t.staged = append(t.staged, g)
}

func (t *thread) drainStaged() error {
	for _, g := range t.staged {
		if err := t.w.writeGroup(g); err != nil {
			return err
		}
	}
	t.staged = t.staged[:0]
	return nil
}

// route sends a committed group to the rseq buffer while a region is open
// and to staging otherwise.
func (t *thread) route(g group) {
	if t.rseq.active {
		t.rseq.add(g)
		return
	}
	t.stage(g)
}

func (t *thread) flushDelayed() {
	if t.delayed == nil {
		return
	}
	t.stage(*t.delayed)
	t.delayed = nil
}

// nonDelayingMarker emits a marker that attaches to a pending block-final
// branch instead of flushing it, keeping call and region annotations next
// to the branch they describe.
func (t *thread) nonDelayingMarker(m trace.Marker, value uint64) {
	if t.rseq.active {
		t.rseq.add(markerGroup(m, value))
		return
	}
	if t.delayed != nil {
		t.delayed.entries = append(t.delayed.entries, trace.MakeMarker(m, value))
		return
	}
	t.stage(markerGroup(m, value))
}

func (t *thread) processTimestamp(rec record.Record) error {
	t.w.lastTimestamp = rec.Value
	t.route(markerGroup(trace.MarkerTimestamp, rec.Value))
	// A timestamp/cpu pair flushes a pending branch once, after the
	// pair, so the two stay adjacent.
	if peek, err := t.in.Peek(); err == nil &&
		peek.Kind == record.KindMarker && peek.Marker == trace.MarkerCPUID {
		return nil
	}
	t.flushDelayed()
	return nil
}

func (t *thread) processMarker(rec record.Record) error {
	switch rec.Marker {
	case trace.MarkerCPUID:
		t.w.lastCPU = rec.Value
		t.route(markerGroup(trace.MarkerCPUID, rec.Value))
		t.flushDelayed()

	case trace.MarkerWindowID:
		// A window boundary must not separate a branch from its
		// window, so the branch flushes ahead of the marker.
		t.flushDelayed()
		t.route(markerGroup(trace.MarkerWindowID, rec.Value))

	case trace.MarkerRseqEntry:
		if t.rseq.active {
			return fmt.Errorf("%w: nested rseq region at %#x", ErrInvariant, rec.Value)
		}
		t.nonDelayingMarker(trace.MarkerRseqEntry, rec.Value)
		t.rseq.activate(rec.Value)

	case trace.MarkerRseqAbort:
		return t.processAbort(rec)

	case trace.MarkerKernelEvent:
		if t.rseq.active {
			// The signal interrupted the region; the marker value
			// is where the kernel resumes the thread.
			if err := t.resolveSideExit(rec.Value); err != nil {
				return err
			}
			t.stage(markerGroup(trace.MarkerKernelEvent, rec.Value))
			return nil
		}
		t.flushDelayed()
		t.stage(markerGroup(trace.MarkerKernelEvent, rec.Value))

	case trace.MarkerKernelXfer:
		t.flushDelayed()
		t.route(markerGroup(trace.MarkerKernelXfer, rec.Value))

	default:
		// Annotation markers, including ones this engine does not
		// interpret, ride along without flushing a pending branch.
		t.nonDelayingMarker(rec.Marker, rec.Value)
	}
	return nil
}

// processBlock decodes a block record into instruction groups and routes
// them: into the rseq buffer while a region is speculating, into the
// emission queue for a block-final branch, into staging otherwise.
func (t *thread) processBlock(rec record.Record) error {
	t.flushDelayed()
	if t.rseq.active {
		switch {
		case rec.Value == t.rseq.end:
			// Execution reached the committing end: the region ran
			// to completion and its buffer is real. The recorder
			// splits blocks at region boundaries, so the terminal
			// block starts exactly at the end offset.
			t.releaseRseq()
		case t.rseq.follows(rec.Value):
			groups, err := t.decodeBlock(rec)
			if err != nil {
				return err
			}
			for _, g := range groups {
				t.rseq.add(g)
			}
			t.notePrev(groups)
			return nil
		default:
			// Control left the region without reaching its end.
			if err := t.resolveSideExit(rec.Value); err != nil {
				return err
			}
		}
	}

	// The recorder re-emits the block when a syscall is auto-restarted;
	// the instruction ran once.
	if rec.Count == 1 && t.havePrev &&
		t.prevClass == decode.ClassSyscall && rec.Value == t.prevOff {
		return nil
	}

	groups, err := t.decodeBlock(rec)
	if err != nil {
		return err
	}
	last := len(groups) - 1
	for i, g := range groups {
		if i == last && g.class.IsBranch() {
			// Whether the branch was taken is unknown until the
			// successor block arrives.
			delayed := g
			t.delayed = &delayed
			break
		}
		t.stage(g)
	}
	t.notePrev(groups)
	return nil
}

func (t *thread) notePrev(groups []group) {
	last := groups[len(groups)-1]
	t.prevOff, t.prevClass, t.havePrev = last.off, last.class, true
}

func (t *thread) decodeBlock(rec record.Record) ([]group, error) {
	if rec.Count == 0 {
		return nil, fmt.Errorf("%w: empty block at %#x", ErrFormat, rec.Value)
	}
	groups := make([]group, 0, rec.Count)
	off := rec.Value
	for i := uint16(0); i < rec.Count; i++ {
		inst, err := t.c.mapper.Decode(rec.Index, off)
		if err != nil {
			if i > 0 {
				return nil, fmt.Errorf("%w: block at %#x decodes %d of %d instructions: %v",
					ErrFormat, rec.Value, i, rec.Count, err)
			}
			return nil, fmt.Errorf("decode block at %#x: %w", rec.Value, err)
		}
		g, err := t.instrGroup(inst)
		if err != nil {
			return nil, err
		}
		groups = append(groups, g)
		off = inst.Next()
	}
	return groups, nil
}

// instrGroup builds one instruction's group, consuming a memory-reference
// record from the stream for each dynamic operand.
func (t *thread) instrGroup(inst decode.Inst) (group, error) {
	g := group{
		instr:  true,
		module: inst.Module,
		off:    inst.Offset,
		enc:    inst.Enc,
		class:  inst.Class,
		target: inst.Target,
		fall:   inst.Next(),
	}
	g.entries = append(g.entries, trace.Entry{
		Type:  instrType(inst.Class),
		Size:  uint16(inst.Len()),
		Value: inst.Offset,
	})
	for _, op := range inst.Mem {
		addr := op.Addr
		if !op.Static {
			rec, err := t.in.Peek()
			if err != nil || rec.Kind != record.KindMemRef {
				return group{}, fmt.Errorf("%w: instruction at %#x missing memory-reference record",
					ErrFormat, inst.Offset)
			}
			t.in.Next()
			addr = rec.Value
		}
		typ := trace.TypeRead
		if op.Write {
			typ = trace.TypeWrite
		}
		g.hasWrite = g.hasWrite || op.Write
		g.entries = append(g.entries, trace.Entry{Type: typ, Size: uint16(op.Size), Value: addr})
	}
	return g, nil
}

func instrType(class decode.Class) trace.Type {
	switch class {
	case decode.ClassDirectJump:
		return trace.TypeInstrDirectJump
	case decode.ClassConditionalJump:
		return trace.TypeInstrConditionalJump
	case decode.ClassIndirectJump:
		return trace.TypeInstrIndirectJump
	case decode.ClassSyscall:
		return trace.TypeInstrSyscall
	}
	return trace.TypeInstr
}
