package nbdtest

import (
	"sync"
)

type MemoryBackend struct {
	memory []byte
	lock   sync.Mutex
}

func NewMemoryBackend(memory []byte) *MemoryBackend {
	return &MemoryBackend{memory, sync.Mutex{}}
}

func (b *MemoryBackend) ReadAt(p []byte, off int64) (n int, err error) {
	b.lock.Lock()

	n = copy(p, b.memory[off:off+int64(len(p))])

	b.lock.Unlock()

	return
}

func (b *MemoryBackend) WriteAt(p []byte, off int64) (n int, err error) {
	b.lock.Lock()

	n = copy(b.memory[off:off+int64(len(p))], p)

	b.lock.Unlock()

	return
}

// Zero clears length bytes at off, which is what the server does for a trim.
func (b *MemoryBackend) Zero(off int64, length int64) {
	b.lock.Lock()

	clear(b.memory[off : off+length])

	b.lock.Unlock()
}

func (b *MemoryBackend) Size() int64 {
	return int64(len(b.memory))
}

// Bytes returns a copy of the backend's contents.
func (b *MemoryBackend) Bytes() []byte {
	b.lock.Lock()
	defer b.lock.Unlock()

	return append([]byte{}, b.memory...)
}
