package ess

import (
	"sort"
	"sync"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/essfs/go-ess/device"
)

// Params configures an Engine, following the teacher's ext4.Params
// convention of a small options struct passed to the constructor rather
// than a long argument list.
type Params struct {
	// Logger receives structured diagnostics for Format and the mount
	// steps, and for failed Create commits, Deletes and Renames.
	// Defaults to logrus.StandardLogger() when nil.
	Logger *logrus.Logger
}

// Engine is the top-level handle over a single block device, owning
// exactly the state spec §5 describes: one mutex serializing every
// call, the current lifecycle State, and the free-list/head-index
// caches built by the most recent Format or MountStep2. Grounded on the
// teacher's single-struct-plus-mutex FileSystem handles in
// ext4/ext4.go and qcow2/qcow2.go.
type Engine struct {
	mu sync.Mutex

	dev    device.BlockDevice
	acc    *blockAccessor
	fl     *freeBlockList
	idx    *sectionHeadIndex
	rw     *namedRWLock
	state  State
	logger *logrus.Logger
	epoch  uuid.UUID
}

// NewEngine returns an Engine bound to dev, in StateNotMounted. Call
// Format or MountStep1+MountStep2 before any other operation.
func NewEngine(dev device.BlockDevice, params Params) *Engine {
	logger := params.Logger
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Engine{dev: dev, state: StateNotMounted, logger: logger}
}

func validateName(name string, blockSize int) error {
	if name == "" {
		return &InvalidNameError{Name: name, Reason: "name must not be empty"}
	}
	if len(name) > maxNameLen(blockSize) {
		return &InvalidNameError{Name: name, Reason: "name exceeds maximum length for this block size"}
	}
	for i := 0; i < len(name); i++ {
		if name[i] == 0 {
			return &InvalidNameError{Name: name, Reason: "name must not contain a NUL byte"}
		}
	}
	return nil
}

func (e *Engine) requireMounted(op string) error {
	if e.state != StateMounted {
		return &InsufficientStateError{State: e.state, Op: op}
	}
	return nil
}

// Format wipes dev, lays down a fresh Info block with the given block
// size, and links every other block into the free list, per spec §4.4.
func (e *Engine) Format(blockSize int) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	m := newMounter(e.dev)
	fl, err := m.format(blockSize)
	if err != nil {
		e.logger.WithError(err).Error("ess: format failed")
		return err
	}
	e.acc = m.acc
	e.acc.streamMu = &e.mu
	e.fl = fl
	e.idx = newSectionHeadIndex(e.acc)
	e.rw = newNamedRWLock()
	e.epoch = uuid.New()
	e.state = StateMounted
	e.logger.WithFields(logrus.Fields{"epoch": e.epoch, "blocks": e.acc.nBlocks, "blockSize": e.acc.blockSize}).
		Info("ess: formatted")
	return nil
}

// MountStep1 validates only the Info block and configures the engine
// for read-only operation, per spec §4.4.
func (e *Engine) MountStep1() error {
	e.mu.Lock()
	defer e.mu.Unlock()

	m := newMounter(e.dev)
	if _, err := m.mountStep1(); err != nil {
		e.logger.WithError(err).Error("ess: mount step 1 failed")
		return err
	}
	e.acc = m.acc
	e.acc.streamMu = &e.mu
	e.state = StateRoMount
	e.logger.Info("ess: mount step 1 complete")
	return nil
}

// MountStep2 performs the full scan and repair pass, transitioning the
// engine to StateMounted on success or StateDefect if the media is
// unrecoverably inconsistent, per spec §4.4.
func (e *Engine) MountStep2() error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.state != StateRoMount && e.state != StateDefect {
		return &InsufficientStateError{State: e.state, Op: "MountStep2"}
	}
	if e.rw != nil && e.rw.anyLocks() {
		return &NotAllSectionsClosedError{}
	}

	e.state = StateChecking
	m := &mounter{acc: e.acc}
	fl, idx, err := m.mountStep2()
	if err != nil {
		e.state = StateDefect
		e.logger.WithError(err).Error("ess: mount step 2 failed")
		return err
	}
	e.fl = fl
	e.idx = idx
	if e.rw == nil {
		e.rw = newNamedRWLock()
	}
	e.epoch = uuid.New()
	e.state = StateMounted
	e.logger.WithField("epoch", e.epoch).Info("ess: mount step 2 complete")
	return nil
}

// Unmount requires every section to be closed and returns the engine to
// StateNotMounted.
func (e *Engine) Unmount() error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.rw != nil && e.rw.anyLocks() {
		return &NotAllSectionsClosedError{}
	}
	e.acc = nil
	e.fl = nil
	e.idx = nil
	e.rw = nil
	e.state = StateNotMounted
	return nil
}

// GetState returns the engine's current lifecycle state.
func (e *Engine) GetState() State {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

// Open opens name for reading, returning a *SectionReader. Fails if no
// such section exists or if a writer currently holds name.
func (e *Engine) Open(name string) (*SectionReader, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if err := e.requireMounted("Open"); err != nil {
		return nil, err
	}
	_, hb, ok, err := e.idx.findSectionHead(name)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, &NoSuchFileError{Name: name}
	}
	if !e.rw.tryGetRead(name) {
		return nil, &FileAlreadyAccessedError{Name: name}
	}
	r, err := newSectionReader(e.acc, hb, func() error {
		e.mu.Lock()
		defer e.mu.Unlock()
		e.rw.releaseRead(name)
		return nil
	})
	if err != nil {
		e.rw.releaseRead(name)
		return nil, err
	}
	return r, nil
}

// Create opens name for writing, returning a *SectionWriter. If the
// name already exists, overwrite must be true or FileAlreadyExisting is
// returned; the old content is replaced atomically on Writer.Close.
func (e *Engine) Create(name string, overwrite bool) (*SectionWriter, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if err := e.requireMounted("Create"); err != nil {
		return nil, err
	}
	if err := validateName(name, e.acc.blockSize); err != nil {
		return nil, err
	}
	oldIdx, hb, exists, err := e.idx.findSectionHead(name)
	if err != nil {
		return nil, err
	}
	oldHeadIdx := noBlock
	var oldVersion uint16
	if exists {
		if !overwrite {
			return nil, &FileAlreadyExistingError{Name: name}
		}
		oldHeadIdx = oldIdx
		oldVersion = hb.Version
	}
	if !e.rw.tryGetWrite(name) {
		return nil, &FileAlreadyAccessedError{Name: name}
	}
	w := newSectionWriter(e.acc, e.fl, name, oldHeadIdx, oldVersion, func(err error) {
		e.mu.Lock()
		defer e.mu.Unlock()
		e.rw.releaseWrite(name)
		switch err.(type) {
		case *IoError, *VolatileStorageError:
			e.state = StateDefect
			e.logger.WithError(err).Error("ess: write commit failed, engine is defect")
		}
	})
	return w, nil
}

// Delete removes a section and reclaims its entire chain.
func (e *Engine) Delete(name string) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if err := e.requireMounted("Delete"); err != nil {
		return err
	}
	if e.rw.isLocked(name) {
		return &FileAlreadyAccessedError{Name: name}
	}
	idx, _, ok, err := e.idx.findSectionHead(name)
	if err != nil {
		return err
	}
	if !ok {
		return &NoSuchFileError{Name: name}
	}
	if err := e.fl.freeChain(idx, noBlock); err != nil {
		e.state = StateDefect
		e.logger.WithError(err).Error("ess: delete failed")
		return err
	}
	return nil
}

// Rename changes a section's name by writing a new Head block (with a
// bumped version) that points at the existing Data chain, then freeing
// the old Head block; the Data chain is left untouched.
func (e *Engine) Rename(oldName, newName string) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if err := e.requireMounted("Rename"); err != nil {
		return err
	}
	if err := validateName(newName, e.acc.blockSize); err != nil {
		return err
	}
	if e.rw.isLocked(oldName) {
		return &FileAlreadyAccessedError{Name: oldName}
	}
	if e.rw.isLocked(newName) {
		return &FileAlreadyAccessedError{Name: newName}
	}
	oldHeadIdx, hb, ok, err := e.idx.findSectionHead(oldName)
	if err != nil {
		return err
	}
	if !ok {
		return &NoSuchFileError{Name: oldName}
	}
	_, _, clash, err := e.idx.findSectionHead(newName)
	if err != nil {
		return err
	}
	if clash {
		return &FileAlreadyExistingError{Name: newName}
	}

	snapshot := e.fl.backup()
	newIdx, prevWrites, allocOk, err := e.fl.allocOne()
	if err != nil {
		e.state = StateDefect
		return err
	}
	if !allocOk {
		return &InsufficientSpaceError{}
	}

	newHb := &headBlock{
		Header:  commonHeader{NextBlock: hb.Header.NextBlock, TotalNbOfWrites: prevWrites},
		Version: hb.Version + 1,
		Name:    newName,
	}
	buf, err := newHb.toBytes(e.acc.blockSize)
	if err != nil {
		e.fl.restore(snapshot)
		return err
	}
	if err := e.acc.storeBlock(newIdx, buf); err != nil {
		e.state = StateDefect
		e.logger.WithError(err).Error("ess: rename failed writing new head")
		return err
	}
	if err := e.fl.freeOne(oldHeadIdx, hb.Header.TotalNbOfWrites); err != nil {
		e.state = StateDefect
		e.logger.WithError(err).Error("ess: rename failed reclaiming old head")
		return err
	}
	return nil
}

// Enumerate returns every section name currently present, sorted.
func (e *Engine) Enumerate() ([]string, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if err := e.requireMounted("Enumerate"); err != nil {
		return nil, err
	}
	idxs, err := e.idx.findAnySectionHead()
	if err != nil {
		return nil, err
	}
	names := make([]string, 0, len(idxs))
	for _, i := range idxs {
		buf, err := e.acc.loadBlock(i)
		if err != nil {
			return nil, err
		}
		hb, err := headBlockFromBytes(buf)
		if err != nil {
			return nil, err
		}
		names = append(names, hb.Name)
	}
	sort.Strings(names)
	return names, nil
}

// DetermineSize walks name's Data chain and returns its payload size in
// bytes and its total on-media footprint (Head block plus every Data
// block, at full block size), per spec §6.1.
func (e *Engine) DetermineSize(name string) (payloadBytes int64, totalBytes int64, err error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if err := e.requireMounted("DetermineSize"); err != nil {
		return 0, 0, err
	}
	_, hb, ok, err := e.idx.findSectionHead(name)
	if err != nil {
		return 0, 0, err
	}
	if !ok {
		return 0, 0, &NoSuchFileError{Name: name}
	}

	bs := int64(e.acc.blockSize)
	total := bs // the Head block itself
	var payload int64
	cur := hb.Header.NextBlock
	expectSeq := uint16(1)
	for cur != noBlock {
		buf, err := e.acc.loadBlock(cur)
		if err != nil {
			return 0, 0, err
		}
		db, err := dataBlockFromBytes(buf)
		if err != nil {
			return 0, 0, err
		}
		if db.SeqNb != expectSeq {
			return 0, 0, &BlockLinkageError{Reason: "unexpected seqNb", BlockIdx: cur}
		}
		payload += int64(len(db.Payload))
		total += bs
		expectSeq++
		cur = db.Header.NextBlock
	}
	return payload, total, nil
}

// FreeBlockCount returns the number of blocks currently on the free
// list. Supplements the distilled spec per original_source's exposed
// free-space accounting.
func (e *Engine) FreeBlockCount() (int, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if err := e.requireMounted("FreeBlockCount"); err != nil {
		return 0, err
	}
	return e.fl.count, nil
}

// GetFreeSpace returns an estimate of usable payload bytes remaining,
// per spec §6.1: max(0, (freeCount-1) * (B - (sizeof(DataHeader)+2))).
// One free block is always reserved, since every Create/Rename needs at
// least one spare block for the new Head even before any payload byte
// is written.
func (e *Engine) GetFreeSpace() (int64, error) {
	n, err := e.FreeBlockCount()
	if err != nil {
		return 0, err
	}
	e.mu.Lock()
	bs := e.acc.blockSize
	e.mu.Unlock()
	usable := int64(n-1) * int64(maxDataPayload(bs))
	if usable < 0 {
		return 0, nil
	}
	return usable, nil
}
