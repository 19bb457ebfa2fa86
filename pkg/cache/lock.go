package cache

import (
	"bytes"
	"runtime"
	"strconv"
	"sync"
)

// reentrantMutex is a writer lock the same goroutine may re-acquire without
// deadlocking. sync.Mutex has no such mode, so this derives the calling
// goroutine's id the way several Go runtime-introspection libraries do —
// parsing the "goroutine N [...]:" line runtime.Stack always produces —
// and tracks a holder plus a depth counter behind a one-slot semaphore
// channel.
type reentrantMutex struct {
	sem chan struct{}
	state  sync.Mutex
	holder uint64
	depth  int
}

func newReentrantMutex() *reentrantMutex {
	return &reentrantMutex{sem: make(chan struct{}, 1)}
}

func goroutineID() uint64 {
	var buf [64]byte
	n := runtime.Stack(buf[:], false)
	b := bytes.TrimPrefix(buf[:n], []byte("goroutine "))
	if i := bytes.IndexByte(b, ' '); i >= 0 {
		b = b[:i]
	}
	id, _ := strconv.ParseUint(string(b), 10, 64)
	return id
}

func (m *reentrantMutex) Lock() {
	id := goroutineID()

	m.state.Lock()
	if m.depth > 0 && m.holder == id {
		m.depth++
		m.state.Unlock()
		return
	}
	m.state.Unlock()

	m.sem <- struct{}{}

	m.state.Lock()
	m.holder = id
	m.depth = 1
	m.state.Unlock()
}

func (m *reentrantMutex) Unlock() {
	id := goroutineID()

	m.state.Lock()
	defer m.state.Unlock()
	if m.depth == 0 || m.holder != id {
		panic("cache: Unlock of a reentrantMutex not held by this goroutine")
	}
	m.depth--
	if m.depth == 0 {
		m.holder = 0
		<-m.sem
	}
}
