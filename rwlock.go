package ess

// namedRWLock is a small dynamic registry of per-section read/write
// locks, keyed by section name. It is a singly linked list rather than
// a map: at any moment only the sections with an open stream have an
// entry at all, and that count is normally tiny, so the list avoids a
// map's allocation and hashing overhead for the common case. Grounded
// on original_source/SmallDynamicNamedRWLock.hpp, which keeps exactly
// this shape for the same reason.
//
// namedRWLock itself holds no mutex: all of its methods are called
// while the owning Engine already holds its single mutex, so the list
// is only ever touched by one goroutine at a time.
type namedRWLock struct {
	head *namedRWLockEntry
}

type lockMode int

const (
	lockRead lockMode = iota
	lockWrite
)

type namedRWLockEntry struct {
	name    string
	mode    lockMode
	readers int
	next    *namedRWLockEntry
}

func newNamedRWLock() *namedRWLock {
	return &namedRWLock{}
}

func (l *namedRWLock) find(name string) *namedRWLockEntry {
	for e := l.head; e != nil; e = e.next {
		if e.name == name {
			return e
		}
	}
	return nil
}

// tryGetRead adds a reader on name, returning false if a writer already
// holds it.
func (l *namedRWLock) tryGetRead(name string) bool {
	e := l.find(name)
	if e == nil {
		l.head = &namedRWLockEntry{name: name, mode: lockRead, readers: 1, next: l.head}
		return true
	}
	if e.mode == lockWrite {
		return false
	}
	e.readers++
	return true
}

// tryGetWrite takes exclusive ownership of name, returning false if any
// reader or writer already holds it.
func (l *namedRWLock) tryGetWrite(name string) bool {
	if l.find(name) != nil {
		return false
	}
	l.head = &namedRWLockEntry{name: name, mode: lockWrite, next: l.head}
	return true
}

// releaseRead drops one reader on name, removing its entry once the
// last reader releases.
func (l *namedRWLock) releaseRead(name string) {
	var prev *namedRWLockEntry
	for e := l.head; e != nil; e = e.next {
		if e.name == name && e.mode == lockRead {
			e.readers--
			if e.readers <= 0 {
				l.remove(prev, e)
			}
			return
		}
		prev = e
	}
}

// releaseWrite drops the writer on name.
func (l *namedRWLock) releaseWrite(name string) {
	var prev *namedRWLockEntry
	for e := l.head; e != nil; e = e.next {
		if e.name == name && e.mode == lockWrite {
			l.remove(prev, e)
			return
		}
		prev = e
	}
}

func (l *namedRWLock) remove(prev, e *namedRWLockEntry) {
	if prev == nil {
		l.head = e.next
	} else {
		prev.next = e.next
	}
}

// isLocked reports whether name currently has any reader or writer.
func (l *namedRWLock) isLocked(name string) bool {
	return l.find(name) != nil
}

// anyLocks reports whether any section is currently locked, used by
// Unmount and MountStep2 to enforce that all streams are closed first.
func (l *namedRWLock) anyLocks() bool {
	return l.head != nil
}
