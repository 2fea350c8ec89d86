package tunnel

import (
	"sync"
	"testing"
	"time"

	"golang.org/x/sys/unix"
)

type fakeStream struct {
	mu       sync.Mutex
	received []byte
	finished bool
	aborted  bool
}

func (s *fakeStream) Send(p []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.received = append(s.received, p...)
	return nil
}

func (s *fakeStream) Finish() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.finished = true
	return nil
}

func (s *fakeStream) Abort() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.aborted = true
	return nil
}

func TestWorker_RelaysBytesAndFinishesOnEOF(t *testing.T) {
	t.Parallel()
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM, 0)
	if err != nil {
		t.Fatalf("socketpair: %v", err)
	}
	ours, theirs := fds[0], fds[1]

	st := &fakeStream{}
	w, err := Start(ours, st)
	if err != nil {
		t.Fatalf("Start: %v", err)
	}

	payload := []byte("hello migration stream")
	if _, err := unix.Write(theirs, payload); err != nil {
		t.Fatalf("write: %v", err)
	}
	unix.Close(theirs)

	time.Sleep(100 * time.Millisecond)

	if err := w.Stop(false); err != nil {
		t.Fatalf("Stop: %v", err)
	}

	st.mu.Lock()
	defer st.mu.Unlock()
	if string(st.received) != string(payload) {
		t.Fatalf("received %q, want %q", st.received, payload)
	}
	if !st.finished {
		t.Fatal("expected stream Finish to be called")
	}
}

func TestWorker_AbortCallsStreamAbort(t *testing.T) {
	t.Parallel()
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM, 0)
	if err != nil {
		t.Fatalf("socketpair: %v", err)
	}
	ours, theirs := fds[0], fds[1]
	defer unix.Close(theirs)

	st := &fakeStream{}
	w, err := Start(ours, st)
	if err != nil {
		t.Fatalf("Start: %v", err)
	}

	if err := w.Stop(true); err != nil {
		t.Fatalf("Stop(abort): %v", err)
	}

	st.mu.Lock()
	defer st.mu.Unlock()
	if !st.aborted {
		t.Fatal("expected stream Abort to be called")
	}
}
