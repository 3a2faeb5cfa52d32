package ess

// freeBlockList maintains the head/tail/count cache of the on-media free
// list and provides allocation/release primitives with transactional
// rollback, per spec §4.2. Grounded on
// original_source/internal/FreeBlockListBackup.hpp for the snapshot
// shape and on original_source/EEPROMSectionSystem.cpp's chunked
// tail-patch reclamation strategy.
type freeBlockList struct {
	acc   *blockAccessor
	count int
	head  uint16
	tail  uint16
}

func newFreeBlockList(acc *blockAccessor) *freeBlockList {
	return &freeBlockList{acc: acc, head: noBlock, tail: noBlock}
}

// freeBlockListBackup is an in-memory snapshot of a freeBlockList's
// cache, named and shaped directly after
// original_source/internal/FreeBlockListBackup.hpp.
type freeBlockListBackup struct {
	count int
	head  uint16
	tail  uint16
}

// backup snapshots the in-memory cache for later restore. It does not
// touch media: callers must ensure no block allocated since the backup
// was taken has been mutated on media before restoring (allocOne/allocN
// never write to media, so this always holds for pure allocation
// rollback).
func (fl *freeBlockList) backup() freeBlockListBackup {
	return freeBlockListBackup{count: fl.count, head: fl.head, tail: fl.tail}
}

// restore rolls the in-memory cache back to a prior backup.
func (fl *freeBlockList) restore(snap freeBlockListBackup) {
	fl.count = snap.count
	fl.head = snap.head
	fl.tail = snap.tail
}

// allocOne unlinks the free list's head block and returns its index and
// previous write count, so the caller can continue the wear counter when
// it repurposes the slot. It performs no media writes.
func (fl *freeBlockList) allocOne() (idx uint16, prevWrites uint32, ok bool, err error) {
	if fl.count == 0 {
		return 0, 0, false, nil
	}
	idx = fl.head
	prevWrites, err = fl.acc.loadFieldTotalNbOfWrites(idx)
	if err != nil {
		return 0, 0, false, err
	}
	next, err := fl.acc.loadFieldNextBlock(idx)
	if err != nil {
		return 0, 0, false, err
	}
	fl.count--
	if fl.count == 0 {
		fl.head, fl.tail = noBlock, noBlock
	} else {
		fl.head = next
	}
	return idx, prevWrites, true, nil
}

// allocN unlinks n consecutive free-list entries without writing to
// media. It returns ok=false if fewer than n blocks are free.
func (fl *freeBlockList) allocN(n int) (idxs []uint16, ok bool, err error) {
	if n == 0 {
		return nil, true, nil
	}
	if n > fl.count {
		return nil, false, nil
	}
	idxs = make([]uint16, 0, n)
	cur := fl.head
	for i := 0; i < n; i++ {
		idxs = append(idxs, cur)
		next, err := fl.acc.loadFieldNextBlock(cur)
		if err != nil {
			return nil, false, err
		}
		cur = next
	}
	fl.count -= n
	if fl.count == 0 {
		fl.head, fl.tail = noBlock, noBlock
	} else {
		fl.head = cur
	}
	return idxs, true, nil
}

// freeEntry pairs a block index with the write counter it should resume
// from once converted to a Free block.
type freeEntry struct {
	idx        uint16
	prevWrites uint32
}

const freeChunkSize = 8

// freeOne appends a single block to the free list, preserving
// prevWrites as its continued write-counter value.
func (fl *freeBlockList) freeOne(idx uint16, prevWrites uint32) error {
	return fl.freeEntries([]freeEntry{{idx: idx, prevWrites: prevWrites}})
}

// freeMany appends an explicit list of indices, chunked, per spec §4.2.
// Each index's current on-media write counter is preserved.
func (fl *freeBlockList) freeMany(idxList []uint16) error {
	entries := make([]freeEntry, 0, len(idxList))
	for _, idx := range idxList {
		prevWrites, err := fl.acc.loadFieldTotalNbOfWrites(idx)
		if err != nil {
			return err
		}
		entries = append(entries, freeEntry{idx: idx, prevWrites: prevWrites})
	}
	return fl.freeEntries(entries)
}

// freeChain walks a section chain (Head or Data) starting at startIdx
// until it reaches stopIdx (exclusive) or NOBLOCK, validating block
// types and seqNb continuity, and appends the visited blocks to the
// free list in chunks, per spec §4.2.
func (fl *freeBlockList) freeChain(startIdx uint16, stopIdx uint16) error {
	var entries []freeEntry
	cur := startIdx
	expectSeq := uint16(1)
	first := true
	for cur != noBlock && cur != stopIdx {
		buf, err := fl.acc.loadBlock(cur)
		if err != nil {
			return err
		}
		h := decodeCommonHeader(buf)
		if first {
			if h.Type != blockTypeHead && h.Type != blockTypeData {
				return &BlockLinkageError{Reason: "chain does not start with Head or Data", BlockIdx: cur}
			}
			if h.Type == blockTypeData {
				db, err := dataBlockFromBytes(buf)
				if err != nil {
					return &BlockLinkageError{Reason: err.Error(), BlockIdx: cur}
				}
				if db.SeqNb != expectSeq {
					return &BlockLinkageError{Reason: "unexpected seqNb", BlockIdx: cur}
				}
				expectSeq++
			}
			first = false
		} else {
			if h.Type != blockTypeData {
				return &BlockLinkageError{Reason: "expected Data block in chain", BlockIdx: cur}
			}
			db, err := dataBlockFromBytes(buf)
			if err != nil {
				return &BlockLinkageError{Reason: err.Error(), BlockIdx: cur}
			}
			if db.SeqNb != expectSeq {
				return &BlockLinkageError{Reason: "unexpected seqNb", BlockIdx: cur}
			}
			expectSeq++
		}
		entries = append(entries, freeEntry{idx: cur, prevWrites: h.TotalNbOfWrites})
		cur = h.NextBlock
	}
	return fl.freeEntries(entries)
}

// freeEntries appends entries to the free list in chunks of up to
// freeChunkSize, writing each block's Free header and performing one
// tail-patch write per chunk, minimizing the number of tail rewrites.
func (fl *freeBlockList) freeEntries(entries []freeEntry) error {
	return fl.freeEntriesChunked(entries, freeChunkSize)
}

// freeManyChunked behaves like freeMany but lets the caller pick the
// tail-patch chunk size, for reclaim paths with a different granularity
// than the general-purpose freeChunkSize (e.g. MountStep2's garbage
// reclaim, chunked at up to B/2 per spec §4.4 step 5).
func (fl *freeBlockList) freeManyChunked(idxList []uint16, chunkSize int) error {
	entries := make([]freeEntry, 0, len(idxList))
	for _, idx := range idxList {
		prevWrites, err := fl.acc.loadFieldTotalNbOfWrites(idx)
		if err != nil {
			return err
		}
		entries = append(entries, freeEntry{idx: idx, prevWrites: prevWrites})
	}
	return fl.freeEntriesChunked(entries, chunkSize)
}

func (fl *freeBlockList) freeEntriesChunked(entries []freeEntry, chunkSize int) error {
	if chunkSize < 1 {
		chunkSize = 1
	}
	for i := 0; i < len(entries); i += chunkSize {
		end := i + chunkSize
		if end > len(entries) {
			end = len(entries)
		}
		if err := fl.freeChunk(entries[i:end]); err != nil {
			return err
		}
	}
	return nil
}

func (fl *freeBlockList) freeChunk(chunk []freeEntry) error {
	if len(chunk) == 0 {
		return nil
	}
	for i, e := range chunk {
		next := noBlock
		if i+1 < len(chunk) {
			next = chunk[i+1].idx
		}
		fb := &freeBlock{Header: commonHeader{TotalNbOfWrites: e.prevWrites, NextBlock: next}}
		buf := fb.toBytes(fl.acc.blockSize)
		if err := fl.acc.storeBlock(e.idx, buf); err != nil {
			return err
		}
	}
	if fl.count == 0 {
		fl.head = chunk[0].idx
	} else if err := fl.patchTailNext(chunk[0].idx); err != nil {
		return err
	}
	fl.tail = chunk[len(chunk)-1].idx
	fl.count += len(chunk)
	return nil
}

// patchTailNext rewrites the current tail's nextBlock field to point at
// newNext, preserving the tail's own write counter continuity.
func (fl *freeBlockList) patchTailNext(newNext uint16) error {
	buf, err := fl.acc.loadBlock(fl.tail)
	if err != nil {
		return err
	}
	fb := freeBlockFromBytes(buf)
	fb.Header.NextBlock = newNext
	newBuf := fb.toBytes(fl.acc.blockSize)
	return fl.acc.storeBlock(fl.tail, newBuf)
}

// ensureTailTerminated rewrites the free-list tail's nextBlock to
// NOBLOCK if it is not already, per spec §4.4 step 4.
func (fl *freeBlockList) ensureTailTerminated() error {
	if fl.tail == noBlock {
		return nil
	}
	next, err := fl.acc.loadFieldNextBlock(fl.tail)
	if err != nil {
		return err
	}
	if next == noBlock {
		return nil
	}
	return fl.patchTailNext(noBlock)
}
