package ess

import (
	"encoding/binary"
	"fmt"
)

// commonHeader is the 10-byte header present on every block, per spec
// §3.1's common-header table.
type commonHeader struct {
	Type            blockType
	SectionNameHash byte
	NBytes          uint16
	TotalNbOfWrites uint32
	NextBlock       uint16
}

// Fixed byte offsets within a block, mirroring the teacher's fixed-offset
// binary.LittleEndian style (superblock.go, groupdescriptors.go,
// directoryentry.go) rather than reflection-based marshaling.
const (
	offType            = 0x0
	offSectionNameHash = 0x1
	offNBytes          = 0x2
	offTotalNbOfWrites = 0x4
	offNextBlock       = 0x8
	// commonHeaderSize == 0xA, the offset where type-specific fields begin.

	offInfoVersion   = commonHeaderSize + 0x0
	offInfoBlockSize = commonHeaderSize + 0x2
	offInfoNBlocks   = commonHeaderSize + 0x4
	infoNBytes       = commonHeaderSize + 6 + crcSize // 18

	offHeadVersion = commonHeaderSize + 0x0
	offHeadName    = commonHeaderSize + 0x2

	offDataSeqNb   = commonHeaderSize + 0x0
	offDataPayload = commonHeaderSize + 0x2

	freeNBytes = commonHeaderSize + crcSize // 12
)

func decodeCommonHeader(b []byte) commonHeader {
	return commonHeader{
		Type:            blockType(b[offType]),
		SectionNameHash: b[offSectionNameHash],
		NBytes:          binary.LittleEndian.Uint16(b[offNBytes : offNBytes+2]),
		TotalNbOfWrites: binary.LittleEndian.Uint32(b[offTotalNbOfWrites : offTotalNbOfWrites+4]),
		NextBlock:       binary.LittleEndian.Uint16(b[offNextBlock : offNextBlock+2]),
	}
}

func (h commonHeader) encodeInto(b []byte) {
	b[offType] = byte(h.Type)
	b[offSectionNameHash] = h.SectionNameHash
	binary.LittleEndian.PutUint16(b[offNBytes:offNBytes+2], h.NBytes)
	binary.LittleEndian.PutUint32(b[offTotalNbOfWrites:offTotalNbOfWrites+4], h.TotalNbOfWrites)
	binary.LittleEndian.PutUint16(b[offNextBlock:offNextBlock+2], h.NextBlock)
}

// crcRegion returns the byte range [0, nBytes-2) that the trailing CRC is
// computed over, per spec §3.1.
func crcRegion(b []byte, nBytes uint16) []byte {
	return b[:int(nBytes)-crcSize]
}

func readTrailingCRC(b []byte, nBytes uint16) uint16 {
	return binary.LittleEndian.Uint16(b[int(nBytes)-crcSize : int(nBytes)])
}

func writeTrailingCRC(b []byte, nBytes uint16) {
	crc := crc16Checksum(crcRegion(b, nBytes))
	binary.LittleEndian.PutUint16(b[int(nBytes)-crcSize:int(nBytes)], crc)
}

// infoBlock is the fixed-format block 0, per spec §3.1.
type infoBlock struct {
	Header               commonHeader
	SectionSystemVersion uint16
	BlockSize            uint16
	NBlocks              uint16
}

func infoBlockFromBytes(b []byte) (*infoBlock, error) {
	h := decodeCommonHeader(b)
	ib := &infoBlock{
		Header:               h,
		SectionSystemVersion: binary.LittleEndian.Uint16(b[offInfoVersion : offInfoVersion+2]),
		BlockSize:            binary.LittleEndian.Uint16(b[offInfoBlockSize : offInfoBlockSize+2]),
		NBlocks:              binary.LittleEndian.Uint16(b[offInfoNBlocks : offInfoNBlocks+2]),
	}
	return ib, nil
}

func (ib *infoBlock) toBytes(blockSize int) []byte {
	b := make([]byte, blockSize)
	ib.Header.Type = blockTypeInfo
	ib.Header.SectionNameHash = 0
	ib.Header.NextBlock = noBlock
	ib.Header.NBytes = infoNBytes
	ib.Header.encodeInto(b)
	binary.LittleEndian.PutUint16(b[offInfoVersion:offInfoVersion+2], ib.SectionSystemVersion)
	binary.LittleEndian.PutUint16(b[offInfoBlockSize:offInfoBlockSize+2], ib.BlockSize)
	binary.LittleEndian.PutUint16(b[offInfoNBlocks:offInfoNBlocks+2], ib.NBlocks)
	writeTrailingCRC(b, ib.Header.NBytes)
	return b
}

// freeBlock carries no payload beyond the common header, per spec §3.1.
type freeBlock struct {
	Header commonHeader
}

func freeBlockFromBytes(b []byte) *freeBlock {
	return &freeBlock{Header: decodeCommonHeader(b)}
}

func (fb *freeBlock) toBytes(blockSize int) []byte {
	b := make([]byte, blockSize)
	fb.Header.Type = blockTypeFree
	fb.Header.SectionNameHash = 0
	fb.Header.NBytes = freeNBytes
	fb.Header.encodeInto(b)
	writeTrailingCRC(b, fb.Header.NBytes)
	return b
}

// headBlock is the first block of a section chain, per spec §3.1.
type headBlock struct {
	Header  commonHeader
	Version uint16
	Name    string
}

func headBlockFromBytes(b []byte) (*headBlock, error) {
	h := decodeCommonHeader(b)
	if int(h.NBytes) < headFixedSize+crcSize+2 || int(h.NBytes) > len(b) {
		return nil, fmt.Errorf("head block: nBytes %d out of range", h.NBytes)
	}
	nulOff := int(h.NBytes) - crcSize - 1
	if b[nulOff] != 0 {
		return nil, fmt.Errorf("head block: missing NUL terminator at offset %d", nulOff)
	}
	name := string(b[offHeadName:nulOff])
	return &headBlock{
		Header:  h,
		Version: binary.LittleEndian.Uint16(b[offHeadVersion : offHeadVersion+2]),
		Name:    name,
	}, nil
}

func (hb *headBlock) toBytes(blockSize int) ([]byte, error) {
	nBytes := headFixedSize + crcSize + len(hb.Name) + 1
	if nBytes > blockSize {
		return nil, fmt.Errorf("head block: name too long for block size %d", blockSize)
	}
	b := make([]byte, blockSize)
	hb.Header.Type = blockTypeHead
	hb.Header.SectionNameHash = hashName(hb.Name)
	hb.Header.NBytes = uint16(nBytes)
	hb.Header.encodeInto(b)
	binary.LittleEndian.PutUint16(b[offHeadVersion:offHeadVersion+2], hb.Version)
	copy(b[offHeadName:], hb.Name)
	b[nBytes-crcSize-1] = 0
	writeTrailingCRC(b, hb.Header.NBytes)
	return b, nil
}

// dataBlock carries a sequence number and a payload slice, per spec
// §3.1. Payload is a view into the decoded buffer, not a copy, for
// fromBytes; callers that retain it across a buffer reuse must copy.
type dataBlock struct {
	Header  commonHeader
	SeqNb   uint16
	Payload []byte
}

func dataBlockFromBytes(b []byte) (*dataBlock, error) {
	h := decodeCommonHeader(b)
	if int(h.NBytes) < dataFixedSize+crcSize || int(h.NBytes) > len(b) {
		return nil, fmt.Errorf("data block: nBytes %d out of range", h.NBytes)
	}
	payloadEnd := int(h.NBytes) - crcSize
	return &dataBlock{
		Header:  h,
		SeqNb:   binary.LittleEndian.Uint16(b[offDataSeqNb : offDataSeqNb+2]),
		Payload: b[offDataPayload:payloadEnd],
	}, nil
}

func (db *dataBlock) toBytes(blockSize int) ([]byte, error) {
	nBytes := dataFixedSize + crcSize + len(db.Payload)
	if nBytes > blockSize {
		return nil, fmt.Errorf("data block: payload too long for block size %d", blockSize)
	}
	b := make([]byte, blockSize)
	db.Header.Type = blockTypeData
	db.Header.SectionNameHash = 0
	db.Header.NBytes = uint16(nBytes)
	db.Header.encodeInto(b)
	binary.LittleEndian.PutUint16(b[offDataSeqNb:offDataSeqNb+2], db.SeqNb)
	copy(b[offDataPayload:], db.Payload)
	writeTrailingCRC(b, db.Header.NBytes)
	return b, nil
}

// maxDataPayload returns the largest payload a single Data block of the
// given block size can carry.
func maxDataPayload(blockSize int) int {
	n := blockSize - dataFixedSize - crcSize
	if n < 0 {
		return 0
	}
	return n
}
