// Package tunnel implements the C5 byte-relay worker: a cooperative
// goroutine that copies bytes from the hypervisor's migration fd to a
// bidirectional RPC stream, with a self-pipe wake-up protocol for graceful
// and abort stop. Grounded directly on qemuMigrationIOFunc/
// qemuMigrationStartTunnel/qemuMigrationStopTunnel in qemu_migration.c —
// C5 has no analogue in the teacher (its tunnel.go is an unrelated IPIP
// network tunnel, see DESIGN.md), so the poll(2) loop is reproduced here
// against golang.org/x/sys/unix.Poll instead of libvirt's raw syscall.
package tunnel

import (
	"fmt"

	"golang.org/x/sys/unix"
)

// sendBufSize mirrors TUNNEL_SEND_BUF_SIZE.
const sendBufSize = 64 * 1024

// Stream is the bidirectional control-stream side of the tunnel (the
// remote daemon's RPC stream, out of this module's scope per §1 — callers
// supply their own implementation).
type Stream interface {
	Send(p []byte) error
	Finish() error
	Abort() error
}

// Worker owns the hypervisor-side fd, the stream, a self-pipe wake-up
// pair, and the error captured during the relay. Created by the
// coordinator on entering Perform; joined exactly once on exit.
type Worker struct {
	sock   int
	stream Stream

	wakeupRecvFD int
	wakeupSendFD int

	done chan struct{}
	err  error
}

// Start creates the self-pipe and spawns the relay goroutine.
func Start(sockFD int, st Stream) (*Worker, error) {
	fds, err := unix.Pipe2(unix.O_CLOEXEC)
	if err != nil {
		return nil, fmt.Errorf("creating tunnel wakeup pipe: %w", err)
	}

	w := &Worker{
		sock:         sockFD,
		stream:       st,
		wakeupRecvFD: fds[0],
		wakeupSendFD: fds[1],
		done:         make(chan struct{}),
	}
	go w.run()
	return w, nil
}

// run is the poll loop: equivalent of qemuMigrationIOFunc.
func (w *Worker) run() {
	defer close(w.done)

	buf := make([]byte, sendBufSize)
	timeout := -1

	fds := []unix.PollFd{
		{Fd: int32(w.sock), Events: unix.POLLIN},
		{Fd: int32(w.wakeupRecvFD), Events: unix.POLLIN},
	}

readLoop:
	for {
		fds[0].Revents, fds[1].Revents = 0, 0

		n, err := unix.Poll(fds, timeout)
		if err != nil {
			if err == unix.EAGAIN || err == unix.EINTR {
				continue
			}
			w.abort(fmt.Errorf("poll failed in migration tunnel: %w", err))
			return
		}
		if n == 0 {
			// QEMU signalled completion but left the migration fd open.
			break
		}

		if fds[1].Revents&(unix.POLLIN|unix.POLLERR|unix.POLLHUP) != 0 {
			var stop [1]byte
			if _, err := unix.Read(w.wakeupRecvFD, stop[:]); err != nil {
				w.abort(fmt.Errorf("reading wakeup fd: %w", err))
				return
			}
			if stop[0] != 0 {
				w.abort(nil)
				return
			}
			// Asked to finish gracefully: drain what's left, then stop.
			timeout = 0
		}

		if fds[0].Revents&(unix.POLLIN|unix.POLLERR|unix.POLLHUP) != 0 {
			nbytes, err := unix.Read(w.sock, buf)
			switch {
			case nbytes > 0:
				if sendErr := w.stream.Send(buf[:nbytes]); sendErr != nil {
					w.err = sendErr
					_ = w.stream.Abort()
					return
				}
			case err != nil:
				w.abort(fmt.Errorf("tunnelled migration failed to read from hypervisor: %w", err))
				return
			default:
				// EOF.
				break readLoop
			}
		}
	}

	if err := w.stream.Finish(); err != nil {
		w.err = err
	}
}

func (w *Worker) abort(err error) {
	w.err = err
	_ = w.stream.Abort()
}

// Stop wakes the relay goroutine (graceful finish if abort is false,
// immediate abort if true), joins it, and returns its captured error.
// Safe to call exactly once.
func (w *Worker) Stop(abort bool) error {
	var stop [1]byte
	if abort {
		stop[0] = 1
	}
	if _, err := unix.Write(w.wakeupSendFD, stop[:]); err != nil {
		unix.Close(w.wakeupRecvFD)
		unix.Close(w.wakeupSendFD)
		return fmt.Errorf("failed to wake up migration tunnel: %w", err)
	}

	<-w.done

	unix.Close(w.wakeupRecvFD)
	unix.Close(w.wakeupSendFD)

	if abort {
		// Caller is already unwinding on error; don't let a tunnel-side
		// error mask it.
		return nil
	}
	return w.err
}
