package server

import (
	"errors"
	"io"
	"runtime"
	"sync"
)

var errClosedFake = errors.New("use of closed network connection")

// fakeLineConn is an in-memory LineConn. Lines queued with push are returned
// by ReadLine; once the queue is closed ReadLine reports io.EOF.
type fakeLineConn struct {
	remote   string
	incoming chan string
	done     chan struct{}

	mu       sync.Mutex
	written  []string
	writeErr error
	closed   bool
	closes   int

	inWrite    int
	maxInWrite int
}

func newFakeLineConn(remote string) *fakeLineConn {
	return &fakeLineConn{
		remote:   remote,
		incoming: make(chan string, 16),
		done:     make(chan struct{}),
	}
}

func (f *fakeLineConn) push(line string) { f.incoming <- line }

func (f *fakeLineConn) hangUp() { close(f.incoming) }

func (f *fakeLineConn) ReadLine() (string, error) {
	select {
	case line, ok := <-f.incoming:
		if !ok {
			return "", io.EOF
		}
		return line, nil
	case <-f.done:
		return "", errClosedFake
	}
}

func (f *fakeLineConn) WriteLine(line string) error {
	f.mu.Lock()
	f.inWrite++
	if f.inWrite > f.maxInWrite {
		f.maxInWrite = f.inWrite
	}
	err := f.writeErr
	if f.closed {
		err = errClosedFake
	}
	if err == nil {
		f.written = append(f.written, line)
	}
	f.mu.Unlock()

	// Widen the window in which an unsynchronized second writer would be seen.
	runtime.Gosched()

	f.mu.Lock()
	f.inWrite--
	f.mu.Unlock()
	return err
}

func (f *fakeLineConn) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.closed {
		close(f.done)
	}
	f.closed = true
	f.closes++
	return nil
}

func (f *fakeLineConn) RemoteAddr() string { return f.remote }

func (f *fakeLineConn) failWrites(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.writeErr = err
}

func (f *fakeLineConn) lines() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.written...)
}

func (f *fakeLineConn) closeCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closes
}

func (f *fakeLineConn) peakConcurrentWrites() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.maxInWrite
}

// newTestSession builds an Active session over a fresh fake connection.
func newTestSession(name string) (*Session, *fakeLineConn) {
	conn := newFakeLineConn(name + "-addr")
	s, err := NewSession(conn, name)
	if err != nil {
		panic(err)
	}
	return s, conn
}
