package ess

import (
	"fmt"

	"github.com/bits-and-blooms/bitset"

	"github.com/essfs/go-ess/device"
)

// mounter owns the two-phase mount algorithm of spec §4.4: a fast,
// read-only MountStep1 that trusts only the Info block, and a full-scan
// MountStep2 that classifies every other block into "used" or
// "garbage" and repairs the free list accordingly. The two-bitset
// classification is grounded on the teacher's ext4 block/inode bitmap
// handling in ext4.go, retargeted from fixed-layout bitmaps to a
// single-pass scan since ESS has no persisted allocation bitmap of its
// own.
type mounter struct {
	acc *blockAccessor
}

func newMounter(dev device.BlockDevice) *mounter {
	return &mounter{acc: newBlockAccessor(dev)}
}

// format lays down a fresh Info block and links every remaining block
// into the free list, per spec §4.4.
func (m *mounter) format(blockSize int) (*freeBlockList, error) {
	if err := m.acc.configureBlockSize(blockSize); err != nil {
		return nil, err
	}

	ib := &infoBlock{
		SectionSystemVersion: sectionSystemVersion,
		BlockSize:            uint16(blockSize),
		NBlocks:              uint16(m.acc.nBlocks),
	}
	buf := ib.toBytes(blockSize)
	if err := m.acc.storeBlock(infoBlockIndex, buf); err != nil {
		return nil, err
	}

	fl := newFreeBlockList(m.acc)
	idxs := make([]uint16, 0, m.acc.nBlocks-1)
	for i := 1; i < m.acc.nBlocks; i++ {
		idxs = append(idxs, uint16(i))
	}
	if err := fl.freeMany(idxs); err != nil {
		return nil, err
	}
	return fl, nil
}

// mountStep1 reads and validates only the Info block, cross-checks its
// declared geometry against the device, and configures the accessor.
// It performs no other I/O: spec §4.4 requires this phase to be cheap
// enough to run on every boot before committing to a full scan.
func (m *mounter) mountStep1() (*infoBlock, error) {
	buf := make([]byte, minBlockSize)
	if err := m.acc.dev.ReadAt(0, buf); err != nil {
		return nil, &IoError{Err: err}
	}
	h := decodeCommonHeader(buf)
	if h.Type != blockTypeInfo {
		return nil, &BadInfoBlockError{Reason: "block 0 is not an Info block"}
	}
	if h.NBytes != infoNBytes {
		return nil, &BadInfoBlockError{Reason: "info block nBytes mismatch"}
	}
	want := readTrailingCRC(buf, h.NBytes)
	got := crc16Checksum(crcRegion(buf, h.NBytes))
	if want != got {
		return nil, &BadInfoBlockError{Reason: "info block crc mismatch"}
	}
	ib, err := infoBlockFromBytes(buf)
	if err != nil {
		return nil, &BadInfoBlockError{Reason: err.Error()}
	}
	if ib.SectionSystemVersion != sectionSystemVersion {
		return nil, &InvalidVersionError{Found: ib.SectionSystemVersion, Want: sectionSystemVersion}
	}
	if err := m.acc.configureBlockSize(int(ib.BlockSize)); err != nil {
		return nil, err
	}
	if int(ib.NBlocks) != m.acc.nBlocks {
		return nil, &StorageSizeMismatchError{
			Reason: fmt.Sprintf("info block declares %d blocks, device yields %d", ib.NBlocks, m.acc.nBlocks),
		}
	}
	return ib, nil
}

type headCandidate struct {
	idx uint16
	hb  *headBlock
}

// versionIsNewer reports whether a is the more recent of two section
// versions under 16-bit wraparound, per spec §6.4: a is newer than b if
// the forward distance from b to a is less than half the version space.
func versionIsNewer(a, b uint16) bool {
	if a == b {
		return false
	}
	return uint16(a-b) < 0x8000
}

// mountStep2 performs the full scan and repair pass of spec §4.4: every
// block is loaded and classified, duplicate Head blocks for the same
// name are resolved by version, each surviving Head's Data chain is
// walked and marked used, and everything else is reclaimed into the
// free list.
func (m *mounter) mountStep2() (*freeBlockList, *sectionHeadIndex, error) {
	n := m.acc.nBlocks
	used := bitset.New(uint(n))
	garbage := bitset.New(uint(n))
	used.Set(0)

	var allHeads []headCandidate
	dataBlocks := map[uint16]*dataBlock{}
	freeNext := map[uint16]uint16{}

	for i := uint16(1); int(i) < n; i++ {
		buf, err := m.acc.loadBlock(i)
		if err != nil {
			garbage.Set(uint(i))
			continue
		}
		h := decodeCommonHeader(buf)
		switch h.Type {
		case blockTypeFree:
			freeNext[i] = h.NextBlock
		case blockTypeHead:
			hb, err := headBlockFromBytes(buf)
			if err != nil {
				garbage.Set(uint(i))
				continue
			}
			allHeads = append(allHeads, headCandidate{idx: i, hb: hb})
		case blockTypeData:
			db, err := dataBlockFromBytes(buf)
			if err != nil {
				garbage.Set(uint(i))
				continue
			}
			dataBlocks[i] = db
		default:
			garbage.Set(uint(i))
		}
	}

	// Per spec §4.4 step 3, only one disambiguation axis applies to a
	// given pair of Heads: a by-nextBlock collision (in-flight rename,
	// same chain referenced by two names) is resolved first; any Head
	// eliminated that way never also enters the by-name pass below (an
	// in-flight operation is either a rename or an overwrite, never
	// both at once).
	byNext := map[uint16][]headCandidate{}
	for _, c := range allHeads {
		byNext[c.hb.Header.NextBlock] = append(byNext[c.hb.Header.NextBlock], c)
	}
	eliminated := map[uint16]bool{}
	for _, cands := range byNext {
		if len(cands) < 2 {
			continue
		}
		winner := cands[0]
		for _, c := range cands[1:] {
			if c.hb.Version == winner.hb.Version {
				return nil, nil, &BlockLinkageError{
					Reason:   fmt.Sprintf("duplicate Head blocks sharing nextBlock %d with equal version", winner.hb.Header.NextBlock),
					BlockIdx: c.idx,
				}
			}
			if versionIsNewer(c.hb.Version, winner.hb.Version) {
				garbage.Set(uint(winner.idx))
				eliminated[winner.idx] = true
				winner = c
			} else {
				garbage.Set(uint(c.idx))
				eliminated[c.idx] = true
			}
		}
	}

	heads := map[string][]headCandidate{}
	for _, c := range allHeads {
		if eliminated[c.idx] {
			continue
		}
		heads[c.hb.Name] = append(heads[c.hb.Name], c)
	}

	winners := map[string]headCandidate{}
	for name, cands := range heads {
		winner := cands[0]
		for _, c := range cands[1:] {
			if c.hb.Version == winner.hb.Version {
				return nil, nil, &BlockLinkageError{
					Reason:   fmt.Sprintf("duplicate Head blocks for %q with equal version", name),
					BlockIdx: c.idx,
				}
			}
			if versionIsNewer(c.hb.Version, winner.hb.Version) {
				garbage.Set(uint(winner.idx))
				winner = c
			} else {
				garbage.Set(uint(c.idx))
			}
		}
		winners[name] = winner
	}

	for _, w := range winners {
		used.Set(uint(w.idx))
		cur := w.hb.Header.NextBlock
		expectSeq := uint16(1)
		for cur != noBlock {
			db, ok := dataBlocks[cur]
			if !ok || db.SeqNb != expectSeq {
				break
			}
			used.Set(uint(cur))
			expectSeq++
			cur = db.Header.NextBlock
		}
	}

	// Per spec §4.4 step 3, the first intact free chain encountered is
	// adopted directly as the free list (head/tail/count) instead of
	// being rewritten block by block: on already-consistent media this
	// makes MountStep2 a pure no-op against the free list, with zero
	// extra storeBlock calls and zero extra wear. Any free chain found
	// after the first, and any chain that walks into a used or garbage
	// block before reaching NOBLOCK, is abandoned and its members fall
	// through to the generic per-block reclaim pass below.
	adopted := bitset.New(uint(n))
	adoptedHead, adoptedTail := noBlock, noBlock
	adoptedCount := 0
	haveAdopted := false

	for i := uint16(1); int(i) < n; i++ {
		if _, isFree := freeNext[i]; !isFree {
			continue
		}
		if adopted.Test(uint(i)) || garbage.Test(uint(i)) {
			continue
		}
		if haveAdopted {
			garbage.Set(uint(i))
			continue
		}

		var chain []uint16
		visiting := map[uint16]bool{}
		cur := i
		intact := true
		for cur != noBlock {
			if used.Test(uint(cur)) || garbage.Test(uint(cur)) || visiting[cur] {
				intact = false
				break
			}
			next, isFree := freeNext[cur]
			if !isFree {
				intact = false
				break
			}
			visiting[cur] = true
			chain = append(chain, cur)
			cur = next
		}

		if intact && len(chain) > 0 {
			for _, idx := range chain {
				adopted.Set(uint(idx))
			}
			adoptedHead, adoptedTail = chain[0], chain[len(chain)-1]
			adoptedCount = len(chain)
			haveAdopted = true
		} else {
			for _, idx := range chain {
				garbage.Set(uint(idx))
			}
			if len(chain) == 0 {
				garbage.Set(uint(i))
			}
		}
	}

	var reclaim []uint16
	for i := uint16(1); int(i) < n; i++ {
		if !used.Test(uint(i)) && !adopted.Test(uint(i)) {
			reclaim = append(reclaim, i)
		}
	}

	var fl *freeBlockList
	if haveAdopted {
		fl = &freeBlockList{acc: m.acc, head: adoptedHead, tail: adoptedTail, count: adoptedCount}
	} else {
		fl = newFreeBlockList(m.acc)
	}

	// §4.4 step 5 chunks the garbage-reclaim tail patch at up to B/2
	// blocks per rewrite, distinct from the general-purpose FreeChain
	// chunking used elsewhere (§4.2, freeChunkSize).
	reclaimChunkSize := m.acc.blockSize / 2
	if err := fl.freeManyChunked(reclaim, reclaimChunkSize); err != nil {
		return nil, nil, err
	}
	if err := fl.ensureTailTerminated(); err != nil {
		return nil, nil, err
	}

	return fl, newSectionHeadIndex(m.acc), nil
}
