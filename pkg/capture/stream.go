package capture

import (
	"fmt"

	"golang.org/x/sys/unix"
)

// Stream redirects one file descriptor onto another and can restore it to
// exactly its prior state. It is the unit of descriptor-level indirection:
// the Session uses one Stream per captured channel.
type Stream struct {
	fd         int
	savedFd    int
	redirected bool
}

// NewStream returns a Stream operating on the given file descriptor.
func NewStream(fd int) *Stream {
	return &Stream{fd: fd}
}

// FD returns the descriptor this stream operates on.
func (s *Stream) FD() int { return s.fd }

// Redirected reports whether the descriptor is currently being redirected.
func (s *Stream) Redirected() bool { return s.redirected }

// Redirect duplicates target onto this stream's descriptor. The original
// descriptor is saved first so Restore can put it back. Redirecting a stream
// that is already redirected fails with ErrAlreadyRedirected.
func (s *Stream) Redirect(target int) error {
	if s.redirected {
		return fmt.Errorf("fd %d: %w", s.fd, ErrAlreadyRedirected)
	}
	saved, err := unix.Dup(s.fd)
	if err != nil {
		return fmt.Errorf("saving fd %d: %w", s.fd, err)
	}
	// The saved copy is bookkeeping of this process, not something
	// subprocesses should inherit.
	unix.CloseOnExec(saved)
	if err := unix.Dup3(target, s.fd, 0); err != nil {
		_ = unix.Close(saved)
		return fmt.Errorf("redirecting fd %d to fd %d: %w", s.fd, target, err)
	}
	s.savedFd = saved
	s.redirected = true
	return nil
}

// Restore duplicates the saved original descriptor back onto this stream's
// descriptor and releases the saved copy. Restoring a stream that is not
// redirected is a no-op.
func (s *Stream) Restore() error {
	if !s.redirected {
		return nil
	}
	if err := unix.Dup3(s.savedFd, s.fd, 0); err != nil {
		return fmt.Errorf("restoring fd %d: %w", s.fd, err)
	}
	_ = unix.Close(s.savedFd)
	s.savedFd = 0
	s.redirected = false
	return nil
}
