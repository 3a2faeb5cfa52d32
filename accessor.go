package ess

import (
	"encoding/binary"
	"fmt"
	"sync"

	"github.com/essfs/go-ess/device"
)

// blockAccessor presents a typed, validated, endian-normalized view of
// the underlying device as an array of N blocks of size B, per spec
// §4.1. It is grounded on the teacher's validation-cascade style in
// ext4.go's Create/Read (parameter range checks via switch) and on
// groupDescriptorFromBytes's checksum-then-parse ordering.
//
// streamMu serializes individual block reads/writes issued by a
// SectionReader/SectionWriter after Open/Create has returned, per spec
// §5: an Engine rebinds it to its own top-level mutex so that two
// streams open on different sections (legal concurrently, since
// namedRWLock only excludes same-name conflicts) still serialize their
// access to the shared device. It defaults to a private mutex so a
// blockAccessor built directly in tests, outside an Engine, is still
// safe to use from a single goroutine.
type blockAccessor struct {
	dev       device.BlockDevice
	blockSize int
	nBlocks   int
	streamMu  sync.Locker
}

func newBlockAccessor(dev device.BlockDevice) *blockAccessor {
	return &blockAccessor{dev: dev, streamMu: &sync.Mutex{}}
}

func (a *blockAccessor) lockStream()   { a.streamMu.Lock() }
func (a *blockAccessor) unlockStream() { a.streamMu.Unlock() }

// configureBlockSize recomputes N for a candidate block size B, per spec
// §4.1. It rejects B outside [minBlockSize, maxBlockSize], page-alignment
// conflicts, or N outside [minBlocks, maxBlocks].
func (a *blockAccessor) configureBlockSize(b int) error {
	if b < minBlockSize || b > maxBlockSize {
		return &ConfigError{Reason: fmt.Sprintf("block size %d out of range [%d, %d]", b, minBlockSize, maxBlockSize)}
	}
	page := a.dev.PageSize()
	if page != 0 {
		if page > maxBlockSize {
			return &ConfigError{Reason: fmt.Sprintf("device page size %d exceeds maximum block size %d", page, maxBlockSize)}
		}
		if page%int64(b) != 0 {
			return &ConfigError{Reason: fmt.Sprintf("block size %d does not evenly divide page size %d", b, page)}
		}
	}

	size := a.dev.Size()
	n := size / int64(b)
	if page != 0 && (n*int64(b))%page != 0 {
		return &ConfigError{Reason: "device range is not page-aligned for the requested block size"}
	}
	if n < minBlocks || n > maxBlocks {
		return &ConfigError{Reason: fmt.Sprintf("block count %d out of range [%d, %d]", n, minBlocks, maxBlocks)}
	}

	a.blockSize = b
	a.nBlocks = int(n)
	return nil
}

func (a *blockAccessor) blockAddr(idx uint16) int64 {
	return int64(idx) * int64(a.blockSize)
}

// loadRaw reads the full block-sized region at idx without any
// validation.
func (a *blockAccessor) loadRaw(idx uint16) ([]byte, error) {
	if int(idx) >= a.nBlocks {
		return nil, &InvalidHeaderError{Reason: "block index out of range", BlockIdx: idx}
	}
	buf := make([]byte, a.blockSize)
	if err := a.dev.ReadAt(a.blockAddr(idx), buf); err != nil {
		return nil, &IoError{Err: err}
	}
	return buf, nil
}

// loadFieldType reads only the type byte, without CRC validation. Used
// by search primitives as a fast prefilter.
func (a *blockAccessor) loadFieldType(idx uint16) (blockType, error) {
	buf := make([]byte, 1)
	if err := a.dev.ReadAt(a.blockAddr(idx)+offType, buf); err != nil {
		return 0, &IoError{Err: err}
	}
	return blockType(buf[0]), nil
}

// loadFieldsTypeAndHash reads the type and hash bytes together,
// without CRC validation.
func (a *blockAccessor) loadFieldsTypeAndHash(idx uint16) (blockType, byte, error) {
	buf := make([]byte, 2)
	if err := a.dev.ReadAt(a.blockAddr(idx)+offType, buf); err != nil {
		return 0, 0, &IoError{Err: err}
	}
	return blockType(buf[0]), buf[1], nil
}

// loadFieldNextBlock reads only the nextBlock field, without CRC
// validation.
func (a *blockAccessor) loadFieldNextBlock(idx uint16) (uint16, error) {
	buf := make([]byte, 2)
	if err := a.dev.ReadAt(a.blockAddr(idx)+offNextBlock, buf); err != nil {
		return 0, &IoError{Err: err}
	}
	return binary.LittleEndian.Uint16(buf), nil
}

// loadFieldTotalNbOfWrites reads only the write-counter field, without
// CRC validation.
func (a *blockAccessor) loadFieldTotalNbOfWrites(idx uint16) (uint32, error) {
	buf := make([]byte, 4)
	if err := a.dev.ReadAt(a.blockAddr(idx)+offTotalNbOfWrites, buf); err != nil {
		return 0, &IoError{Err: err}
	}
	return binary.LittleEndian.Uint32(buf), nil
}

// loadBlock reads, CRC-validates, and structurally validates the block
// at idx, per spec §4.1. The returned buffer is exactly blockSize bytes;
// callers decode it with the appropriate *FromBytes helper.
func (a *blockAccessor) loadBlock(idx uint16) ([]byte, error) {
	buf, err := a.loadRaw(idx)
	if err != nil {
		return nil, err
	}
	h := decodeCommonHeader(buf)
	if int(h.NBytes) < commonHeaderSize+crcSize || int(h.NBytes) > a.blockSize {
		return nil, &InvalidHeaderError{Reason: fmt.Sprintf("nBytes %d out of range", h.NBytes), BlockIdx: idx}
	}
	want := readTrailingCRC(buf, h.NBytes)
	got := crc16Checksum(crcRegion(buf, h.NBytes))
	if want != got {
		return nil, &CrcError{BlockIdx: idx}
	}
	if err := a.validatePredicates(buf, h, idx); err != nil {
		return nil, err
	}
	return buf, nil
}

// validatePredicates enforces the per-type structural predicates from
// spec §4.1, applied on both Load and Store.
func (a *blockAccessor) validatePredicates(buf []byte, h commonHeader, idx uint16) error {
	if h.NextBlock != noBlock {
		if int(h.NextBlock) == 0 || int(h.NextBlock) >= a.nBlocks || h.NextBlock == idx {
			return &InvalidHeaderError{Reason: fmt.Sprintf("nextBlock %d invalid", h.NextBlock), BlockIdx: idx}
		}
	}

	switch h.Type {
	case blockTypeInfo:
		if h.NBytes != infoNBytes {
			return &InvalidHeaderError{Reason: "info block nBytes mismatch", BlockIdx: idx}
		}
		if h.SectionNameHash != 0 {
			return &InvalidHeaderError{Reason: "info block hash must be 0", BlockIdx: idx}
		}
		if h.NextBlock != noBlock {
			return &InvalidHeaderError{Reason: "info block nextBlock must be NOBLOCK", BlockIdx: idx}
		}
	case blockTypeFree:
		if h.NBytes != freeNBytes {
			return &InvalidHeaderError{Reason: "free block nBytes mismatch", BlockIdx: idx}
		}
		if h.SectionNameHash != 0 {
			return &InvalidHeaderError{Reason: "free block hash must be 0", BlockIdx: idx}
		}
	case blockTypeHead:
		hb, err := headBlockFromBytes(buf)
		if err != nil {
			return &InvalidHeaderError{Reason: err.Error(), BlockIdx: idx}
		}
		if hb.Header.SectionNameHash != hashName(hb.Name) {
			return &InvalidHeaderError{Reason: "head block hash mismatch", BlockIdx: idx}
		}
		if h.NextBlock == noBlock {
			return &InvalidHeaderError{Reason: "head block nextBlock must not be NOBLOCK", BlockIdx: idx}
		}
	case blockTypeData:
		db, err := dataBlockFromBytes(buf)
		if err != nil {
			return &InvalidHeaderError{Reason: err.Error(), BlockIdx: idx}
		}
		if db.Header.SectionNameHash != 0 {
			return &InvalidHeaderError{Reason: "data block hash must be 0", BlockIdx: idx}
		}
		if int(db.SeqNb) > a.nBlocks-2 {
			return &InvalidHeaderError{Reason: "data block seqNb out of range", BlockIdx: idx}
		}
	default:
		return &InvalidHeaderError{Reason: fmt.Sprintf("unknown block type %d", h.Type), BlockIdx: idx}
	}
	return nil
}

// storeBlock validates buf against the per-type predicates, bumps its
// write counter (saturating), recomputes the CRC, and writes it with
// read-back verification, per spec §4.1.
func (a *blockAccessor) storeBlock(idx uint16, buf []byte) error {
	h := decodeCommonHeader(buf)
	if err := a.validatePredicates(buf, h, idx); err != nil {
		return &LogicError{Reason: err.Error()}
	}

	if h.TotalNbOfWrites < ^uint32(0) {
		h.TotalNbOfWrites++
	}
	binary.LittleEndian.PutUint32(buf[offTotalNbOfWrites:offTotalNbOfWrites+4], h.TotalNbOfWrites)
	writeTrailingCRC(buf, h.NBytes)

	if err := a.dev.WriteAndCheckAt(a.blockAddr(idx), buf); err != nil {
		if _, ok := err.(*device.ErrVolatileStorage); ok {
			return &VolatileStorageError{BlockIdx: idx}
		}
		return &IoError{Err: err}
	}
	return nil
}

// LogicError reports that a caller supplied an ill-formed block to
// StoreBlock.
type LogicError struct {
	Reason string
}

func (e *LogicError) Error() string { return fmt.Sprintf("ess: logic error: %s", e.Reason) }
