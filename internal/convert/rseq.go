package convert

import (
	"fmt"

	"retrace/internal/decode"
	"retrace/internal/record"
	"retrace/internal/trace"
)

// rseqRegion buffers the output of a restartable-sequence region until the
// stream shows how the region ended. A region's instructions are
// speculative: the kernel may abort the sequence after they were recorded,
// in which case the committing store (and everything after it) never
// became architecturally visible and must not reach the trace.
type rseqRegion struct {
	active bool
	end    uint64 // offset of the committing end, from the entry marker
	buf    []group

	// Continuation points of the last buffered instruction, for deciding
	// whether the next block is still part of the region.
	haveInstr    bool
	lastFall     uint64
	lastTarget   uint64
	lastIsBranch bool
}

func (r *rseqRegion) activate(end uint64) {
	r.active = true
	r.end = end
	r.buf = r.buf[:0]
	r.haveInstr = false
	r.lastIsBranch = false
}

func (r *rseqRegion) add(g group) {
	r.buf = append(r.buf, g)
	if g.instr {
		r.haveInstr = true
		r.lastFall = g.fall
		r.lastTarget = g.target
		r.lastIsBranch = g.class.IsBranch()
	}
}

// follows reports whether a block starting at off continues the buffered
// region: the first block after entry, the fall-through successor, or the
// taken target of a region-internal branch.
func (r *rseqRegion) follows(off uint64) bool {
	if !r.haveInstr {
		return true
	}
	if off == r.lastFall {
		return true
	}
	return r.lastIsBranch && off == r.lastTarget
}

// releaseRseq commits the buffered region output and closes the region.
func (t *thread) releaseRseq() {
	t.staged = append(t.staged, t.rseq.buf...)
	t.rseq.buf = nil
	t.rseq.active = false
}

// processAbort handles an rseq abort marker. With an open region the
// buffered output is rolled back; without one the abort describes the
// block staged just before it, recorded by an instrumentation version that
// had no entry markers, and the rollback edits the staged output instead.
func (t *thread) processAbort(rec record.Record) error {
	if t.rseq.active {
		kept, ok := rollback(t.rseq.buf)
		if !ok {
			// No store reached the buffer; nothing committed, so
			// there is nothing to suppress.
			kept = t.rseq.buf
		}
		t.staged = append(t.staged, kept...)
		t.rseq.buf = nil
		t.rseq.active = false
		t.stage(markerGroup(trace.MarkerRseqAbort, rec.Value))
		return nil
	}
	kept, ok := rollback(t.staged)
	if !ok {
		return fmt.Errorf("%w: rseq abort at %#x with no committing store to roll back",
			ErrInvariant, rec.Value)
	}
	t.staged = kept
	// A block-final branch after the store sits in the emission queue
	// rather than in staged; it rolls back with the rest.
	t.delayed = nil
	t.stage(markerGroup(trace.MarkerRseqAbort, rec.Value))
	return nil
}

// rollback removes the committing store and every instruction after it
// from groups, keeping markers in place. It reports false when no store is
// present.
func rollback(groups []group) ([]group, bool) {
	store := -1
	for i := len(groups) - 1; i >= 0; i-- {
		if groups[i].instr && groups[i].hasWrite {
			store = i
			break
		}
	}
	if store < 0 {
		return groups, false
	}
	kept := groups[:store:store]
	for _, g := range groups[store+1:] {
		if !g.instr {
			kept = append(kept, g)
		}
	}
	return kept, true
}

// resolveSideExit reconciles the buffer with execution resuming at target
// instead of the region's end: a branch inside the region left early, so
// the instructions buffered after it never ran. When no buffered branch
// reaches target directly, each buffered conditional is re-examined for an
// elided fall-through jump to target; execution then took the conditional,
// skipped the recorded fall-through, and ran the jump, which is
// synthesized into the output. If neither matches, the region simply ran
// past our model of it and the buffer is released whole.
func (t *thread) resolveSideExit(target uint64) error {
	buf := t.rseq.buf
	for i := len(buf) - 1; i >= 0; i-- {
		g := buf[i]
		if g.instr && directsTo(g, target) {
			t.releaseTruncated(i, group{})
			return nil
		}
	}
	for i := len(buf) - 1; i >= 0; i-- {
		g := buf[i]
		if !g.instr || g.class != decode.ClassConditionalJump {
			continue
		}
		inst, err := t.c.mapper.Decode(g.module, g.fall)
		if err != nil {
			continue
		}
		if inst.Class == decode.ClassDirectJump && inst.Target == target {
			jmp, err := t.instrGroup(inst)
			if err != nil {
				return err
			}
			t.releaseTruncated(i, jmp)
			return nil
		}
	}
	t.releaseRseq()
	return nil
}

func directsTo(g group, target uint64) bool {
	switch g.class {
	case decode.ClassDirectJump, decode.ClassConditionalJump:
		return g.target == target
	}
	return false
}

// releaseTruncated commits the buffer up to and including the exiting
// branch at index i, drops the instructions buffered after it, keeps the
// markers, appends extra when it is a synthesized instruction, and closes
// the region.
func (t *thread) releaseTruncated(i int, extra group) {
	buf := t.rseq.buf
	t.staged = append(t.staged, buf[:i+1]...)
	if extra.instr {
		t.stage(extra)
	}
	for _, g := range buf[i+1:] {
		if !g.instr {
			t.stage(g)
		}
	}
	t.rseq.buf = nil
	t.rseq.active = false
}
