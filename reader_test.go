package ess

import (
	"testing"

	"github.com/essfs/go-ess/device"
	"github.com/essfs/go-ess/stream"
)

// buildSectionChain writes a Head block plus a chain of Data blocks
// carrying payload (split at maxDataPayload(blockSize) boundaries)
// starting at headIdx, headIdx+1, headIdx+2, ... and returns the
// decoded head block for use with newSectionReader.
func buildSectionChain(t *testing.T, acc *blockAccessor, headIdx uint16, name string, payload []byte) *headBlock {
	t.Helper()
	maxPayload := maxDataPayload(acc.blockSize)

	var chunks [][]byte
	if len(payload) == 0 {
		chunks = [][]byte{{}}
	} else {
		for i := 0; i < len(payload); i += maxPayload {
			end := i + maxPayload
			if end > len(payload) {
				end = len(payload)
			}
			chunks = append(chunks, payload[i:end])
		}
	}

	firstData := headIdx + 1
	for i, chunk := range chunks {
		idx := headIdx + 1 + uint16(i)
		next := noBlock
		if i+1 < len(chunks) {
			next = idx + 1
		}
		db := &dataBlock{Header: commonHeader{NextBlock: next}, SeqNb: uint16(i + 1), Payload: chunk}
		buf, err := db.toBytes(acc.blockSize)
		if err != nil {
			t.Fatalf("data toBytes: %v", err)
		}
		if err := acc.storeBlock(idx, buf); err != nil {
			t.Fatalf("store data %d: %v", idx, err)
		}
	}

	hb := &headBlock{Header: commonHeader{NextBlock: firstData}, Version: 1, Name: name}
	buf, err := hb.toBytes(acc.blockSize)
	if err != nil {
		t.Fatalf("head toBytes: %v", err)
	}
	if err := acc.storeBlock(headIdx, buf); err != nil {
		t.Fatalf("store head %d: %v", headIdx, err)
	}
	return hb
}

func newReaderTestAccessor(t *testing.T, blockSize, nBlocks int) *blockAccessor {
	t.Helper()
	dev := device.NewMemDevice(int64(blockSize*nBlocks), 0)
	acc := newBlockAccessor(dev)
	if err := acc.configureBlockSize(blockSize); err != nil {
		t.Fatalf("configureBlockSize: %v", err)
	}
	return acc
}

func TestSectionReaderRoundTripBytes(t *testing.T) {
	acc := newReaderTestAccessor(t, 64, 16)
	payload := []byte{0x00, 0x01, 0x02, 0x03, 0x04, 0x05}
	hb := buildSectionChain(t, acc, 1, "a", payload)

	r, err := newSectionReader(acc, hb, nil)
	if err != nil {
		t.Fatalf("newSectionReader: %v", err)
	}
	got, err := r.ReadBytes(len(payload))
	if err != nil {
		t.Fatalf("ReadBytes: %v", err)
	}
	for i := range payload {
		if got[i] != payload[i] {
			t.Fatalf("byte %d = %#02x, want %#02x", i, got[i], payload[i])
		}
	}
	if err := r.EnsureAllDataConsumed(stream.ExpectZero); err != nil {
		t.Fatalf("EnsureAllDataConsumed: %v", err)
	}
}

func TestSectionReaderSpansMultipleDataBlocks(t *testing.T) {
	acc := newReaderTestAccessor(t, 32, 16)
	maxPayload := maxDataPayload(32)
	payload := make([]byte, maxPayload*2+3)
	for i := range payload {
		payload[i] = byte(i)
	}
	hb := buildSectionChain(t, acc, 1, "big", payload)

	r, err := newSectionReader(acc, hb, nil)
	if err != nil {
		t.Fatalf("newSectionReader: %v", err)
	}
	got, err := r.ReadBytes(len(payload))
	if err != nil {
		t.Fatalf("ReadBytes: %v", err)
	}
	for i := range payload {
		if got[i] != payload[i] {
			t.Fatalf("byte %d mismatch: got %#02x want %#02x", i, got[i], payload[i])
		}
	}
}

func TestSectionReaderEmptySection(t *testing.T) {
	acc := newReaderTestAccessor(t, 64, 16)
	// A Head with NextBlock == NOBLOCK also puts the reader in StateEmpty;
	// normal writes never produce one (SectionWriter.Close always
	// allocates at least one Data block, per I4), so build it directly
	// rather than through buildSectionChain/storeBlock.
	hb := &headBlock{Header: commonHeader{NextBlock: noBlock}, Version: 1, Name: "empty"}

	r, err := newSectionReader(acc, hb, nil)
	if err != nil {
		t.Fatalf("newSectionReader: %v", err)
	}
	if r.State() != stream.StateEmpty {
		t.Fatalf("state = %v, want Empty", r.State())
	}
	if _, err := r.ReadByte(); err == nil {
		t.Fatalf("ReadByte on empty section should fail")
	}
	if r.State() != stream.StateError {
		t.Fatalf("state after EOF read = %v, want Error", r.State())
	}
}

func TestSectionReaderEOFTransitionsToError(t *testing.T) {
	acc := newReaderTestAccessor(t, 64, 16)
	hb := buildSectionChain(t, acc, 1, "a", []byte{1, 2})

	r, err := newSectionReader(acc, hb, nil)
	if err != nil {
		t.Fatalf("newSectionReader: %v", err)
	}
	if _, err := r.ReadBytes(2); err != nil {
		t.Fatalf("ReadBytes: %v", err)
	}
	_, err = r.ReadByte()
	if _, ok := err.(*EmptyStreamError); !ok {
		t.Fatalf("ReadByte past EOF = %v (%T), want *EmptyStreamError", err, err)
	}
	if r.State() != stream.StateError {
		t.Fatalf("state = %v, want Error", r.State())
	}
	if _, err := r.ReadByte(); err == nil {
		t.Fatalf("further reads on an errored stream must fail")
	}
}

func TestSectionReaderReadBits(t *testing.T) {
	acc := newReaderTestAccessor(t, 64, 16)
	// byte 0b10110010 split into bits 2,3,3
	hb := buildSectionChain(t, acc, 1, "bits", []byte{0b10110010})

	r, err := newSectionReader(acc, hb, nil)
	if err != nil {
		t.Fatalf("newSectionReader: %v", err)
	}
	b1, err := r.ReadBits(2)
	if err != nil {
		t.Fatalf("ReadBits(2): %v", err)
	}
	if b1 != 0b10 {
		t.Fatalf("first 2 bits = %#b, want 0b10", b1)
	}
	b2, err := r.ReadBits(3)
	if err != nil {
		t.Fatalf("ReadBits(3): %v", err)
	}
	if b2 != 0b100 {
		t.Fatalf("next 3 bits = %#b, want 0b100", b2)
	}
	b3, err := r.ReadBits(3)
	if err != nil {
		t.Fatalf("ReadBits(3): %v", err)
	}
	if b3 != 0b101 {
		t.Fatalf("last 3 bits = %#b, want 0b101", b3)
	}
	if err := r.EnsureAllDataConsumed(stream.ExpectZero); err != nil {
		t.Fatalf("EnsureAllDataConsumed: %v", err)
	}
}

func TestSectionReaderReadByteDiscardsLeftoverBits(t *testing.T) {
	acc := newReaderTestAccessor(t, 64, 16)
	hb := buildSectionChain(t, acc, 1, "a", []byte{0xFF, 0xAB})
	r, err := newSectionReader(acc, hb, nil)
	if err != nil {
		t.Fatalf("newSectionReader: %v", err)
	}
	if _, err := r.ReadBits(3); err != nil {
		t.Fatalf("ReadBits(3): %v", err)
	}
	// 5 bits of the first byte are still buffered; ReadByte must discard
	// them and return the next byte-aligned byte rather than erroring.
	b, err := r.ReadByte()
	if err != nil {
		t.Fatalf("ReadByte with leftover buffered bits should discard them, not error: %v", err)
	}
	if b != 0xAB {
		t.Fatalf("ReadByte = %#02x, want %#02x", b, 0xAB)
	}
	if r.bitCount != 0 {
		t.Fatalf("bitCount after ReadByte = %d, want 0", r.bitCount)
	}
}

func TestSectionReaderReadString(t *testing.T) {
	acc := newReaderTestAccessor(t, 64, 16)
	payload := append([]byte("hello"), 0, 'x')
	hb := buildSectionChain(t, acc, 1, "s", payload)
	r, err := newSectionReader(acc, hb, nil)
	if err != nil {
		t.Fatalf("newSectionReader: %v", err)
	}
	s, err := r.ReadString()
	if err != nil {
		t.Fatalf("ReadString: %v", err)
	}
	if s != "hello" {
		t.Fatalf("ReadString = %q, want hello", s)
	}
	b, err := r.ReadByte()
	if err != nil || b != 'x' {
		t.Fatalf("trailing byte = %v, %v, want x", b, err)
	}
}

func TestSectionReaderReadLineVariants(t *testing.T) {
	cases := []struct {
		name    string
		payload string
		want    []string
	}{
		{"lf", "one\ntwo\n", []string{"one", "two"}},
		{"cr", "one\rtwo\r", []string{"one", "two"}},
		{"crlf", "one\r\ntwo\r\n", []string{"one", "two"}},
		{"nul", "one\x00two\x00", []string{"one", "two"}},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			acc := newReaderTestAccessor(t, 64, 16)
			hb := buildSectionChain(t, acc, 1, c.name, []byte(c.payload))
			r, err := newSectionReader(acc, hb, nil)
			if err != nil {
				t.Fatalf("newSectionReader: %v", err)
			}
			for _, want := range c.want {
				got, err := r.ReadLine()
				if err != nil {
					t.Fatalf("ReadLine: %v", err)
				}
				if got != want {
					t.Fatalf("ReadLine = %q, want %q", got, want)
				}
			}
		})
	}
}

func TestSectionReaderCloseReleasesLock(t *testing.T) {
	acc := newReaderTestAccessor(t, 64, 16)
	hb := buildSectionChain(t, acc, 1, "a", []byte{1})
	released := false
	r, err := newSectionReader(acc, hb, func() error {
		released = true
		return nil
	})
	if err != nil {
		t.Fatalf("newSectionReader: %v", err)
	}
	if err := r.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if !released {
		t.Fatalf("Close did not invoke the release callback")
	}
	if _, err := r.ReadByte(); err == nil {
		t.Fatalf("ReadByte after Close should fail")
	}
}
