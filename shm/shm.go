// Package shm provides named, size-bounded shared-memory segments used as
// backing storage for the IPC RingBuffer, the shared SubscriptionTable, and
// the optional zero-copy attachment pool (spec.md §2, §5, §6). Segments are
// mapped from /dev/shm, mirroring AlephTX-aleph-tx/feeder/shm's approach,
// but guarded by a named file lock so exactly one process on a host
// zero-initializes a fresh segment (spec.md §5 "Initialization of the
// shared-memory segment is guarded by a named file lock").
package shm

import (
	"fmt"
	"math/rand"
	"os"
	"path/filepath"
	"time"

	"golang.org/x/sys/unix"
)

// Ownership mirrors config.Ownership without importing the config package,
// keeping shm free of a dependency cycle.
type Ownership string

const (
	OwnershipOwn      Ownership = "own"
	OwnershipAttach   Ownership = "attach"
	OwnershipOptional Ownership = "optional"
)

// Segment is a named mapped region backed by a file under /dev/shm.
type Segment struct {
	name     string
	file     *os.File
	data     []byte
	creator  bool
	released bool
}

// headerMagic marks a segment as already initialized, written by whichever
// process wins the create race.
const headerMagic = "TIPS1\x00\x00\x00"

// HeaderSize is the number of bytes at the front of every segment reserved
// for headerMagic. Open's size parameter is the total mapped size; a
// caller that needs N payload bytes must request HeaderSize+N and use
// Payload, not Bytes, as its ring/subtable backing storage.
const HeaderSize = len(headerMagic)

// Open creates or attaches a named shared-memory segment of exactly size
// bytes. The first HeaderSize bytes hold headerMagic; the rest (Payload)
// are the caller's to lay out. Open only decides who zero-initializes it.
func Open(domain string, size int, ownership Ownership) (*Segment, error) {
	path := shmPath(domain)

	switch ownership {
	case OwnershipOwn:
		return create(path, size)
	case OwnershipAttach:
		return attach(path, size)
	case OwnershipOptional:
		return openOptional(path, size)
	default:
		return nil, fmt.Errorf("shm: unknown ownership %q", ownership)
	}
}

func shmPath(domain string) string {
	return filepath.Join("/dev/shm", domain)
}

// openOptional promotes the race-prone "optional" ownership into an
// explicit create-or-attach retry with randomized backoff, per the Open
// Question resolution in DESIGN.md: only one process wins creation, others
// attach to what it created.
func openOptional(path string, size int) (*Segment, error) {
	var lastErr error
	for attempt := 0; attempt < 3; attempt++ {
		if attempt > 0 {
			backoff := time.Duration(5+rand.Intn(20)) * time.Millisecond
			time.Sleep(backoff)
		}
		if seg, err := create(path, size); err == nil {
			return seg, nil
		} else {
			lastErr = err
		}
		if seg, err := attach(path, size); err == nil {
			return seg, nil
		} else {
			lastErr = err
		}
	}
	return nil, fmt.Errorf("shm: optional open failed after retries: %w", lastErr)
}

func create(path string, size int) (*Segment, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0644)
	if err != nil {
		return nil, fmt.Errorf("shm: open %s: %w", path, err)
	}

	if err := unix.Flock(int(f.Fd()), unix.LOCK_EX); err != nil {
		f.Close()
		return nil, fmt.Errorf("shm: lock %s: %w", path, err)
	}
	defer unix.Flock(int(f.Fd()), unix.LOCK_UN)

	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, err
	}

	isFresh := info.Size() == 0
	if isFresh {
		if err := f.Truncate(int64(size)); err != nil {
			f.Close()
			return nil, fmt.Errorf("shm: truncate %s: %w", path, err)
		}
	} else if info.Size() < int64(size) {
		f.Close()
		return nil, fmt.Errorf("shm: existing segment %s smaller than requested size", path)
	}

	data, err := unix.Mmap(int(f.Fd()), 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("shm: mmap %s: %w", path, err)
	}

	if isFresh {
		for i := range data {
			data[i] = 0
		}
		copy(data, headerMagic)
	}

	return &Segment{name: path, file: f, data: data, creator: isFresh}, nil
}

func attach(path string, size int) (*Segment, error) {
	f, err := os.OpenFile(path, os.O_RDWR, 0644)
	if err != nil {
		return nil, fmt.Errorf("shm: attach %s: %w", path, err)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, err
	}
	if info.Size() < int64(size) {
		f.Close()
		return nil, fmt.Errorf("shm: segment %s smaller than requested size", path)
	}

	data, err := unix.Mmap(int(f.Fd()), 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("shm: mmap %s: %w", path, err)
	}
	return &Segment{name: path, file: f, data: data, creator: false}, nil
}

// Bytes returns the segment's full mapped memory, header included.
func (s *Segment) Bytes() []byte { return s.data }

// Payload returns the mapped memory after headerMagic, the region callers
// should treat as their own layout (ring slots, subtable counters, ...).
func (s *Segment) Payload() []byte { return s.data[HeaderSize:] }

// IsCreator reports whether this process zero-initialized the segment.
func (s *Segment) IsCreator() bool { return s.creator }

// Close unmaps the segment. The creator additionally unlinks the backing
// file; attachers leave it for the creator (or the next creator race) to
// clean up.
func (s *Segment) Close() error {
	if s.released {
		return nil
	}
	s.released = true
	if err := unix.Munmap(s.data); err != nil {
		return err
	}
	err := s.file.Close()
	if s.creator {
		os.Remove(s.name)
	}
	return err
}
