package ess

import (
	"encoding/binary"

	"github.com/essfs/go-ess/stream"
)

// SectionWriter builds a new Data-block chain for a section and commits
// it atomically by writing a fresh Head block last, per spec §4.6. The
// old Head and its chain (if any) are only reclaimed after the new Head
// is durably written, so a crash at any point before that leaves the
// old content intact and the half-built new chain as ordinary orphan
// garbage for the next MountStep2 to reclaim. Grounded on
// original_source/internal/SectionWriter.hpp/.cpp for this close-last,
// free-list-snapshot-on-abort discipline.
type SectionWriter struct {
	acc *blockAccessor
	fl  *freeBlockList

	name        string
	oldHeadIdx  uint16
	oldVersion  uint16
	snapshot    freeBlockListBackup
	blockSize   int
	maxPayload  int

	buf []byte

	pendingIdx     uint16
	pendingSeq     uint16
	pendingPayload []byte

	firstDataIdx uint16
	curSeq       uint16

	bitBuf   byte
	bitCount int

	state   stream.State
	closeFn func(err error)
}

func newSectionWriter(acc *blockAccessor, fl *freeBlockList, name string, oldHeadIdx uint16, oldVersion uint16, closeFn func(err error)) *SectionWriter {
	return &SectionWriter{
		acc:          acc,
		fl:           fl,
		name:         name,
		oldHeadIdx:   oldHeadIdx,
		oldVersion:   oldVersion,
		snapshot:     fl.backup(),
		blockSize:    acc.blockSize,
		maxPayload:   maxDataPayload(acc.blockSize),
		pendingIdx:   noBlock,
		firstDataIdx: noBlock,
		closeFn:      closeFn,
	}
}

func (w *SectionWriter) State() stream.State { return w.state }

func (w *SectionWriter) requireOpen() error {
	switch w.state {
	case stream.StateClosed:
		return &ClosedStreamError{}
	case stream.StateError:
		return &ErrorStateError{}
	}
	return nil
}

func (w *SectionWriter) fail(err error) error {
	w.state = stream.StateError
	return err
}

// rotate commits the currently pending full block (if any) to media,
// linking it to a newly allocated block that will hold full, and stages
// full as the new pending block. Per spec §5, the engine-wide mutex is
// held only for this one block commit, not across the whole WriteBytes
// call that may trigger several rotations.
func (w *SectionWriter) rotate(full []byte) error {
	w.acc.lockStream()
	defer w.acc.unlockStream()

	newIdx, _, ok, err := w.fl.allocOne()
	if err != nil {
		return w.fail(err)
	}
	if !ok {
		w.fl.restore(w.snapshot)
		return w.fail(&InsufficientSpaceError{})
	}
	if w.pendingIdx != noBlock {
		if err := w.flushPending(newIdx); err != nil {
			return err
		}
	}
	w.curSeq++
	w.pendingIdx = newIdx
	w.pendingSeq = w.curSeq
	w.pendingPayload = full
	// The allocation just committed to media is no longer eligible for
	// rollback: advance the snapshot so a later failed rotation restores
	// only the allocation that actually failed, never one already
	// written (FreeBlockList.Restore's precondition).
	w.snapshot = w.fl.backup()
	return nil
}

func (w *SectionWriter) flushPending(nextIdx uint16) error {
	db := &dataBlock{
		Header:  commonHeader{NextBlock: nextIdx},
		SeqNb:   w.pendingSeq,
		Payload: w.pendingPayload,
	}
	buf, err := db.toBytes(w.blockSize)
	if err != nil {
		return w.fail(err)
	}
	if err := w.acc.storeBlock(w.pendingIdx, buf); err != nil {
		return w.fail(err)
	}
	if w.firstDataIdx == noBlock {
		w.firstDataIdx = w.pendingIdx
	}
	return nil
}

func (w *SectionWriter) appendByte(b byte) error {
	w.buf = append(w.buf, b)
	if len(w.buf) == w.maxPayload {
		full := w.buf
		w.buf = nil
		return w.rotate(full)
	}
	return nil
}

func (w *SectionWriter) requireByteAligned() error {
	if w.bitCount != 0 {
		return &RemainingBitsError{Expect: "0", Actual: w.bitCount}
	}
	return nil
}

func (w *SectionWriter) WriteByte(b byte) error {
	if err := w.requireOpen(); err != nil {
		return err
	}
	if err := w.requireByteAligned(); err != nil {
		return err
	}
	return w.appendByte(b)
}

func (w *SectionWriter) WriteBytes(b []byte) error {
	if err := w.requireOpen(); err != nil {
		return err
	}
	if err := w.requireByteAligned(); err != nil {
		return err
	}
	for _, c := range b {
		if err := w.appendByte(c); err != nil {
			return err
		}
	}
	return nil
}

func (w *SectionWriter) WriteUint16(v uint16) error {
	var b [2]byte
	binary.LittleEndian.PutUint16(b[:], v)
	return w.WriteBytes(b[:])
}

func (w *SectionWriter) WriteUint32(v uint32) error {
	var b [4]byte
	binary.LittleEndian.PutUint32(b[:], v)
	return w.WriteBytes(b[:])
}

// WriteBits writes the low n bits of v (1 <= n <= 8), LSB-first,
// buffering across byte boundaries until a full byte accumulates.
func (w *SectionWriter) WriteBits(v byte, n int) error {
	if err := w.requireOpen(); err != nil {
		return err
	}
	if n < 1 || n > 8 {
		return &LogicError{Reason: "WriteBits: n out of range"}
	}
	mask := byte(1<<uint(n)) - 1
	acc := uint16(w.bitBuf) | uint16(v&mask)<<uint(w.bitCount)
	w.bitCount += n
	for w.bitCount >= 8 {
		if err := w.appendByte(byte(acc)); err != nil {
			return err
		}
		acc >>= 8
		w.bitCount -= 8
	}
	w.bitBuf = byte(acc)
	return nil
}

// FillBits writes n copies of the single bit value v (0 or 1), used to
// pad a bitstream to a known length.
func (w *SectionWriter) FillBits(v byte, n int) error {
	return w.fillBitsLoop(v, n)
}

func (w *SectionWriter) fillBitsLoop(v byte, n int) error {
	for i := 0; i < n; i++ {
		if err := w.WriteBits(v&1, 1); err != nil {
			return err
		}
	}
	return nil
}

// FillBytes writes n bytes each equal to b, requiring byte alignment.
func (w *SectionWriter) FillBytes(b byte, n int) error {
	if err := w.requireByteAligned(); err != nil {
		return err
	}
	for i := 0; i < n; i++ {
		if err := w.WriteByte(b); err != nil {
			return err
		}
	}
	return nil
}

// AlignToByteBoundary pads any partial bit buffer up to the next byte
// boundary with repetitions of the pad bit.
func (w *SectionWriter) AlignToByteBoundary(pad byte) error {
	if w.bitCount == 0 {
		return nil
	}
	return w.fillBitsLoop(pad&1, 8-w.bitCount)
}

// Close finalizes the pending chain, writes the new Head block with a
// bumped version, and reclaims the old chain. Per spec §4.6, the new
// Head write is the sole atomic commit point.
func (w *SectionWriter) Close() (retErr error) {
	if w.state == stream.StateClosed {
		return nil
	}
	if w.state == stream.StateError {
		return &ErrorStateError{}
	}
	defer func() {
		if w.closeFn != nil {
			w.closeFn(retErr)
		}
	}()
	return w.closeLocked()
}

// closeLocked performs the entire commit sequence under a single
// acquisition of the engine-wide mutex, released before Close's
// deferred closeFn runs (closeFn re-acquires it itself to update
// engine-level bookkeeping).
func (w *SectionWriter) closeLocked() error {
	w.acc.lockStream()
	defer w.acc.unlockStream()

	if len(w.buf) > 0 {
		full := w.buf
		w.buf = nil
		newIdx, _, ok, err := w.fl.allocOne()
		if err != nil {
			return w.fail(err)
		}
		if !ok {
			w.fl.restore(w.snapshot)
			return w.fail(&InsufficientSpaceError{})
		}
		if w.pendingIdx != noBlock {
			if err := w.flushPending(newIdx); err != nil {
				return err
			}
		}
		w.curSeq++
		w.pendingIdx = newIdx
		w.pendingSeq = w.curSeq
		w.pendingPayload = full
		w.snapshot = w.fl.backup()
	}

	if w.pendingIdx == noBlock {
		// A section must occupy at least one Data block even with zero
		// payload bytes (I4): nothing was ever written, so allocate a
		// lone empty block for the chain to terminate on.
		newIdx, _, ok, err := w.fl.allocOne()
		if err != nil {
			return w.fail(err)
		}
		if !ok {
			w.fl.restore(w.snapshot)
			return w.fail(&InsufficientSpaceError{})
		}
		w.curSeq++
		w.pendingIdx = newIdx
		w.pendingSeq = w.curSeq
		w.pendingPayload = nil
		w.snapshot = w.fl.backup()
	}

	if err := w.flushPending(noBlock); err != nil {
		return err
	}

	newHeadIdx, _, ok, err := w.fl.allocOne()
	if err != nil {
		return w.fail(err)
	}
	if !ok {
		w.fl.restore(w.snapshot)
		return w.fail(&InsufficientSpaceError{})
	}

	newVersion := w.oldVersion + 1
	hb := &headBlock{
		Header:  commonHeader{NextBlock: w.firstDataIdx},
		Version: newVersion,
		Name:    w.name,
	}
	hbuf, err := hb.toBytes(w.blockSize)
	if err != nil {
		return w.fail(err)
	}
	if err := w.acc.storeBlock(newHeadIdx, hbuf); err != nil {
		return w.fail(err)
	}
	w.snapshot = w.fl.backup()

	if w.oldHeadIdx != noBlock {
		if err := w.fl.freeChain(w.oldHeadIdx, noBlock); err != nil {
			return w.fail(err)
		}
	}

	w.state = stream.StateClosed
	return nil
}
