package ess

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/essfs/go-ess/device"
)

func newTestEngine(t *testing.T, blockSize, nBlocks int) (*Engine, device.BlockDevice) {
	t.Helper()
	dev := device.NewMemDevice(int64(blockSize*nBlocks), 0)
	e := NewEngine(dev, Params{})
	if err := e.Format(blockSize); err != nil {
		t.Fatalf("Format: %v", err)
	}
	return e, dev
}

func mustCreateAndWrite(t *testing.T, e *Engine, name string, overwrite bool, payload []byte) {
	t.Helper()
	w, err := e.Create(name, overwrite)
	if err != nil {
		t.Fatalf("Create(%q): %v", name, err)
	}
	if err := w.WriteBytes(payload); err != nil {
		t.Fatalf("WriteBytes: %v", err)
	}
	if err := w.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
}

func mustReadAll(t *testing.T, e *Engine, name string) []byte {
	t.Helper()
	r, err := e.Open(name)
	if err != nil {
		t.Fatalf("Open(%q): %v", name, err)
	}
	defer r.Close()
	var out []byte
	for {
		b, err := r.ReadByte()
		if err != nil {
			break
		}
		out = append(out, b)
	}
	return out
}

func TestEngineBasicCreateAndReadFreeSpaceDelta(t *testing.T) {
	e, _ := newTestEngine(t, 128, 32)
	before, err := e.GetFreeSpace()
	if err != nil {
		t.Fatalf("GetFreeSpace: %v", err)
	}
	mustCreateAndWrite(t, e, "a", false, []byte("hello world"))
	after, err := e.GetFreeSpace()
	if err != nil {
		t.Fatalf("GetFreeSpace: %v", err)
	}
	if after >= before {
		t.Fatalf("free space after create = %d, want < %d", after, before)
	}
	got := mustReadAll(t, e, "a")
	if string(got) != "hello world" {
		t.Fatalf("read back %q, want %q", got, "hello world")
	}
}

func TestEngineOverwriteWithSmallerPayload(t *testing.T) {
	e, _ := newTestEngine(t, 128, 32)
	mustCreateAndWrite(t, e, "a", false, []byte("a long original payload"))
	mustCreateAndWrite(t, e, "a", true, []byte("short"))
	got := mustReadAll(t, e, "a")
	if string(got) != "short" {
		t.Fatalf("read back %q, want %q", got, "short")
	}
	names, err := e.Enumerate()
	if err != nil {
		t.Fatalf("Enumerate: %v", err)
	}
	if len(names) != 1 || names[0] != "a" {
		t.Fatalf("Enumerate = %v, want [a]", names)
	}
}

func TestEngineCrashDuringOverwriteRemountsCleanly(t *testing.T) {
	dev := device.NewMemDevice(128*32, 0)
	e := NewEngine(dev, Params{})
	require.NoError(t, e.Format(128))
	mustCreateAndWrite(t, e, "a", false, []byte("original"))

	// Begin an overwrite, but let the crash hook drop writes partway
	// through so the new Head is never durably committed.
	w, err := e.Create("a", true)
	require.NoError(t, err)
	require.NoError(t, w.WriteBytes([]byte("replacement")))

	writes := 0
	mem := dev
	mem.SetWriteHook(func(addr int64, buf []byte) bool {
		writes++
		return writes <= 1 // allow the Data block write, drop the Head commit
	})
	err = w.Close()
	require.Error(t, err, "the Head commit must be detected as unverifiable and fail")
	mem.SetWriteHook(nil)

	// Remount from scratch, simulating a power-cycle.
	e2 := NewEngine(dev, Params{})
	require.NoError(t, e2.MountStep1())
	require.NoError(t, e2.MountStep2())
	got := mustReadAll(t, e2, "a")
	require.Equal(t, "original", string(got), "must recover the pre-crash content, not the half-written replacement")
}

func TestEngineRenamePreservesPayloadAndFreesOldName(t *testing.T) {
	e, _ := newTestEngine(t, 128, 32)
	mustCreateAndWrite(t, e, "old", false, []byte("payload"))
	if err := e.Rename("old", "new"); err != nil {
		t.Fatalf("Rename: %v", err)
	}
	if _, err := e.Open("old"); err == nil {
		t.Fatalf("old name should no longer resolve after Rename")
	}
	got := mustReadAll(t, e, "new")
	if string(got) != "payload" {
		t.Fatalf("read back %q after rename, want %q", got, "payload")
	}
}

func TestEngineReaderWriterMutualExclusion(t *testing.T) {
	e, _ := newTestEngine(t, 128, 32)
	mustCreateAndWrite(t, e, "a", false, []byte("x"))

	r, err := e.Open("a")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if _, err := e.Create("a", true); err == nil {
		t.Fatalf("Create while a reader holds the section should fail")
	} else if _, ok := err.(*FileAlreadyAccessedError); !ok {
		t.Fatalf("Create = %v (%T), want *FileAlreadyAccessedError", err, err)
	}
	if err := r.Close(); err != nil {
		t.Fatalf("Close reader: %v", err)
	}
	// Now that the reader released, overwrite should succeed.
	if _, err := e.Create("a", true); err != nil {
		t.Fatalf("Create after reader released: %v", err)
	}
}

// TestEngineConcurrentStreamsOnDifferentSections exercises two streams
// racing on distinct sections, which namedRWLock permits concurrently.
// Run with -race, this would catch any unsynchronized access to the
// shared blockAccessor/device between the two goroutines' block reads
// and writes.
func TestEngineConcurrentStreamsOnDifferentSections(t *testing.T) {
	e, _ := newTestEngine(t, 128, 64)
	names := []string{"one", "two"}

	var wg sync.WaitGroup
	errs := make(chan error, len(names))
	for _, name := range names {
		wg.Add(1)
		go func(name string) {
			defer wg.Done()
			w, err := e.Create(name, false)
			if err != nil {
				errs <- err
				return
			}
			if err := w.WriteBytes([]byte(name + "-payload")); err != nil {
				errs <- err
				return
			}
			errs <- w.Close()
		}(name)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	for _, name := range names {
		require.Equal(t, name+"-payload", string(mustReadAll(t, e, name)))
	}
}

func TestEngineGarbageReclamationViaOrphanBlock(t *testing.T) {
	e, dev := newTestEngine(t, 128, 32)
	mustCreateAndWrite(t, e, "a", false, []byte("x"))
	before, err := e.FreeBlockCount()
	require.NoError(t, err)

	idxs, ok, err := e.fl.allocN(1)
	require.NoError(t, err)
	require.True(t, ok)
	db := &dataBlock{Header: commonHeader{NextBlock: noBlock}, SeqNb: 1, Payload: []byte{1, 2}}
	buf, err := db.toBytes(e.acc.blockSize)
	require.NoError(t, err)
	require.NoError(t, e.acc.storeBlock(idxs[0], buf))

	require.NoError(t, e.Unmount())
	e2 := NewEngine(dev, Params{})
	require.NoError(t, e2.MountStep1())
	require.NoError(t, e2.MountStep2())
	after, err := e2.FreeBlockCount()
	require.NoError(t, err)
	require.Equal(t, before, after, "free count must return to its pre-plant level once the orphan is reclaimed")
}

func TestEngineExactFreeSpaceBoundary(t *testing.T) {
	e, _ := newTestEngine(t, 64, 5)
	free, err := e.GetFreeSpace()
	if err != nil {
		t.Fatalf("GetFreeSpace: %v", err)
	}
	mustCreateAndWrite(t, e, "a", false, make([]byte, free))
	got := mustReadAll(t, e, "a")
	if int64(len(got)) != free {
		t.Fatalf("read back %d bytes, want %d", len(got), free)
	}
}

func TestEngineOneByteOverFreeSpaceFails(t *testing.T) {
	e, _ := newTestEngine(t, 64, 5)
	free, err := e.GetFreeSpace()
	if err != nil {
		t.Fatalf("GetFreeSpace: %v", err)
	}
	w, err := e.Create("a", false)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	err = w.WriteBytes(make([]byte, free+1))
	if _, ok := err.(*InsufficientSpaceError); !ok {
		t.Fatalf("WriteBytes(free+1) = %v (%T), want *InsufficientSpaceError", err, err)
	}
}

func TestEngineZeroByteSectionViaEngine(t *testing.T) {
	e, _ := newTestEngine(t, 64, 8)
	w, err := e.Create("empty", false)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if err := w.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	payload, total, err := e.DetermineSize("empty")
	if err != nil {
		t.Fatalf("DetermineSize: %v", err)
	}
	if payload != 0 {
		t.Fatalf("payload = %d, want 0", payload)
	}
	if total != int64(e.acc.blockSize)*2 {
		t.Fatalf("total = %d, want %d (head+data)", total, int64(e.acc.blockSize)*2)
	}
}

func TestEngineNameLengthBoundary(t *testing.T) {
	e, _ := newTestEngine(t, 64, 8)
	max := maxNameLen(64)
	ok := make([]byte, max)
	for i := range ok {
		ok[i] = 'x'
	}
	if _, err := e.Create(string(ok), false); err != nil {
		t.Fatalf("Create at max name length: %v", err)
	}
	tooLong := make([]byte, max+1)
	for i := range tooLong {
		tooLong[i] = 'x'
	}
	if _, err := e.Create(string(tooLong), false); err == nil {
		t.Fatalf("Create with name one byte too long should fail")
	} else if _, ok := err.(*InvalidNameError); !ok {
		t.Fatalf("Create(tooLong) = %v (%T), want *InvalidNameError", err, err)
	}
}

func TestEngineMinimumGeometryZeroByteSection(t *testing.T) {
	dev := device.NewMemDevice(32*3, 0)
	e := NewEngine(dev, Params{})
	if err := e.Format(32); err != nil {
		t.Fatalf("Format at minimum geometry: %v", err)
	}
	w, err := e.Create("a", false)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if err := w.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := e.Unmount(); err != nil {
		t.Fatalf("Unmount: %v", err)
	}
	e2 := NewEngine(dev, Params{})
	if err := e2.MountStep1(); err != nil {
		t.Fatalf("MountStep1: %v", err)
	}
	if err := e2.MountStep2(); err != nil {
		t.Fatalf("MountStep2: %v", err)
	}
	got := mustReadAll(t, e2, "a")
	if len(got) != 0 {
		t.Fatalf("got %v, want empty", got)
	}
}

func TestEngineEnumerateIsByteOrderSorted(t *testing.T) {
	e, _ := newTestEngine(t, 128, 32)
	for _, n := range []string{"banana", "Apple", "cherry", "apple2"} {
		mustCreateAndWrite(t, e, n, false, []byte{1})
	}
	names, err := e.Enumerate()
	if err != nil {
		t.Fatalf("Enumerate: %v", err)
	}
	want := []string{"Apple", "apple2", "banana", "cherry"}
	if len(names) != len(want) {
		t.Fatalf("Enumerate = %v, want %v", names, want)
	}
	for i := range want {
		if names[i] != want[i] {
			t.Fatalf("Enumerate[%d] = %q, want %q (capitals sort before lowercase in byte order)", i, names[i], want[i])
		}
	}
}

func TestEngineDeleteReclaimsChain(t *testing.T) {
	e, _ := newTestEngine(t, 128, 32)
	mustCreateAndWrite(t, e, "a", false, []byte("payload"))
	before, err := e.FreeBlockCount()
	if err != nil {
		t.Fatalf("FreeBlockCount: %v", err)
	}
	if err := e.Delete("a"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	after, err := e.FreeBlockCount()
	if err != nil {
		t.Fatalf("FreeBlockCount: %v", err)
	}
	if after <= before {
		t.Fatalf("free count after delete = %d, want > %d", after, before)
	}
	if _, err := e.Open("a"); err == nil {
		t.Fatalf("Open after Delete should fail")
	}
}
