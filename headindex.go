package ess

// sectionHeadIndex finds Head blocks by scanning the block array, per
// spec §4.3. It has no persistent state of its own: every lookup is a
// fresh scan that uses the accessor's unvalidated scalar loaders as a
// cheap prefilter before paying for a full CRC-checked load, mirroring
// the teacher's two-phase directory lookup in directory.go (compare the
// raw entry bytes before allocating a parsed DirectoryEntry).
type sectionHeadIndex struct {
	acc *blockAccessor
}

func newSectionHeadIndex(acc *blockAccessor) *sectionHeadIndex {
	return &sectionHeadIndex{acc: acc}
}

// findSectionHeadByHash returns the index and decoded contents of the
// first Head block whose name hashes to h, or ok=false if none exists.
// Only the hash is compared, so the Head returned may belong to another
// name with the same hash; findSectionHead makes the exact-name
// comparison.
func (x *sectionHeadIndex) findSectionHeadByHash(h byte) (idx uint16, hb *headBlock, ok bool, err error) {
	for i := uint16(1); int(i) < x.acc.nBlocks; i++ {
		t, hash, err := x.acc.loadFieldsTypeAndHash(i)
		if err != nil {
			return 0, nil, false, err
		}
		if t != blockTypeHead || hash != h {
			continue
		}
		buf, err := x.acc.loadBlock(i)
		if err != nil {
			return 0, nil, false, err
		}
		hbv, err := headBlockFromBytes(buf)
		if err != nil {
			return 0, nil, false, err
		}
		return i, hbv, true, nil
	}
	return 0, nil, false, nil
}

// findSectionHead returns the index and decoded contents of the Head
// block named name, or ok=false if no section by that name exists.
func (x *sectionHeadIndex) findSectionHead(name string) (idx uint16, hb *headBlock, ok bool, err error) {
	h := hashName(name)
	for i := uint16(1); int(i) < x.acc.nBlocks; i++ {
		t, hash, err := x.acc.loadFieldsTypeAndHash(i)
		if err != nil {
			return 0, nil, false, err
		}
		if t != blockTypeHead || hash != h {
			continue
		}
		buf, err := x.acc.loadBlock(i)
		if err != nil {
			return 0, nil, false, err
		}
		hbv, err := headBlockFromBytes(buf)
		if err != nil {
			return 0, nil, false, err
		}
		if hbv.Name != name {
			continue
		}
		return i, hbv, true, nil
	}
	return 0, nil, false, nil
}

// findAnySectionHead enumerates every Head block currently present,
// used by Enumerate.
func (x *sectionHeadIndex) findAnySectionHead() ([]uint16, error) {
	var out []uint16
	for i := uint16(1); int(i) < x.acc.nBlocks; i++ {
		t, err := x.acc.loadFieldType(i)
		if err != nil {
			return nil, err
		}
		if t == blockTypeHead {
			out = append(out, i)
		}
	}
	return out, nil
}

// findSectionHeadByNextBlock returns the index of the Head block whose
// nextBlock field equals target, reading only the type and nextBlock
// fields of each block.
func (x *sectionHeadIndex) findSectionHeadByNextBlock(target uint16) (idx uint16, ok bool, err error) {
	for i := uint16(1); int(i) < x.acc.nBlocks; i++ {
		t, err := x.acc.loadFieldType(i)
		if err != nil {
			return 0, false, err
		}
		if t != blockTypeHead {
			continue
		}
		next, err := x.acc.loadFieldNextBlock(i)
		if err != nil {
			return 0, false, err
		}
		if next == target {
			return i, true, nil
		}
	}
	return 0, false, nil
}
