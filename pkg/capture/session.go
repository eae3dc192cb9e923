package capture

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"

	"golang.org/x/sys/unix"
)

// Channel tags used on the merge channel in separate mode.
const (
	tagStdout = "stdout"
	tagStderr = "stderr"
)

// Session is the top-level orchestrator. It owns one pseudo-terminal (merged
// mode) or two (separate mode), the Streams redirected into them, and the
// supervisor running their readers and the optional merge consumer.
//
// A Session is not safe for concurrent use; it coordinates its background
// tasks internally, but Start, Finish and the retrieval methods are meant to
// be called from one goroutine.
type Session struct {
	opts Options
	sup  *Supervisor

	output *PseudoTerminal // merged mode
	stdout *PseudoTerminal // separate mode
	stderr *PseudoTerminal

	streams   []*Stream
	relayDups []*os.File
}

// NewSession returns a session with the given configuration. Use
// DefaultOptions as the starting point.
func NewSession(opts Options) *Session {
	return &Session{
		opts: opts.withDefaults(),
		sup:  &Supervisor{},
	}
}

// IsCapturing reports whether any tracked descriptor is currently being
// redirected.
func (s *Session) IsCapturing() bool {
	for _, st := range s.streams {
		if st.Redirected() {
			return true
		}
	}
	return false
}

// Start allocates the pseudo-terminal(s), redirects the real stdout and
// stderr descriptors into them and starts the background readers. Starting
// while a capture is active fails with ErrAlreadyCapturing.
func (s *Session) Start() error {
	if s.IsCapturing() {
		return ErrAlreadyCapturing
	}
	s.streams = nil
	s.output, s.stdout, s.stderr = nil, nil, nil

	var err error
	if s.opts.Merged {
		err = s.startMerged()
	} else {
		err = s.startSeparate()
	}
	if err != nil {
		// Unwind whatever was wired up before the failure.
		_ = s.Finish()
		return err
	}
	slog.Debug("capture started", "merged", s.opts.Merged, "relay", s.opts.Relay)
	return nil
}

func (s *Session) startMerged() error {
	// The live relay goes to a duplicate of the original stderr, taken
	// before the real descriptors are redirected away.
	var relay *os.File
	if s.opts.Relay {
		dup, err := dupFile(os.Stderr, "relay-stderr")
		if err != nil {
			return err
		}
		s.relayDups = append(s.relayDups, dup)
		relay = dup
	}

	t, err := newPseudoTerminal(s.opts, "output", relay, nil)
	if err != nil {
		return err
	}
	s.output = t

	for _, fd := range []int{int(os.Stdout.Fd()), int(os.Stderr.Fd())} {
		st := NewStream(fd)
		s.streams = append(s.streams, st)
		if err := t.Attach(st); err != nil {
			return err
		}
	}
	t.StartCapture(s.sup)
	return nil
}

func (s *Session) startSeparate() error {
	var merge chan chunk
	if s.opts.Relay {
		outDup, err := dupFile(os.Stdout, "relay-stdout")
		if err != nil {
			return err
		}
		s.relayDups = append(s.relayDups, outDup)
		errDup, err := dupFile(os.Stderr, "relay-stderr")
		if err != nil {
			return err
		}
		s.relayDups = append(s.relayDups, errDup)

		merge = make(chan chunk, chunkBacklog)
		buffers := map[string]*OutputBuffer{
			tagStdout: NewOutputBuffer(outDup),
			tagStderr: NewOutputBuffer(errDup),
		}
		// Started before the readers so the supervisor's LIFO shutdown
		// stops the producers first; their sentinels then let the merge
		// consumer drain and exit.
		s.sup.Start("merge", mergeTask(merge, buffers))
	}

	outTerm, err := newPseudoTerminal(s.opts, tagStdout, nil, merge)
	if err != nil {
		return err
	}
	s.stdout = outTerm
	errTerm, err := newPseudoTerminal(s.opts, tagStderr, nil, merge)
	if err != nil {
		return err
	}
	s.stderr = errTerm

	outStream := NewStream(int(os.Stdout.Fd()))
	s.streams = append(s.streams, outStream)
	if err := outTerm.Attach(outStream); err != nil {
		return err
	}
	errStream := NewStream(int(os.Stderr.Fd()))
	s.streams = append(s.streams, errStream)
	if err := errTerm.Attach(errStream); err != nil {
		return err
	}

	outTerm.StartCapture(s.sup)
	errTerm.StartCapture(s.sup)
	return nil
}

// mergeTask builds the merge consumer: it routes tagged chunks to the
// matching channel's line buffer, flushes and unregisters a channel when its
// sentinel arrives, and exits once every tracked channel has been closed.
// An unknown tag is a broken routing invariant, not a recoverable condition.
func mergeTask(in <-chan chunk, buffers map[string]*OutputBuffer) Task {
	handle := func(c chunk) {
		b, ok := buffers[c.Tag]
		if !ok {
			panic(fmt.Sprintf("merge consumer: unrecognized channel tag %q", c.Tag))
		}
		if len(c.Data) == 0 {
			if err := b.Flush(); err != nil {
				slog.Error("flushing relay buffer", "tag", c.Tag, "error", err)
			}
			delete(buffers, c.Tag)
			return
		}
		if err := b.Add(c.Data); err != nil {
			slog.Error("relaying merged output", "tag", c.Tag, "error", err)
		}
	}

	return func(ctx context.Context, ready func()) {
		ready()
		for len(buffers) > 0 {
			select {
			case c := <-in:
				handle(c)
			case <-ctx.Done():
				// Canceled before every tag closed: either a producer never
				// started (session setup failed) or shutdown raced the
				// sentinels. The readers are joined before this task is
				// stopped, so anything they sent is already on the channel;
				// drain it, flush the rest, exit.
				for len(buffers) > 0 {
					select {
					case c := <-in:
						handle(c)
					default:
						for tag, b := range buffers {
							if err := b.Flush(); err != nil {
								slog.Error("flushing relay buffer", "tag", tag, "error", err)
							}
							delete(buffers, tag)
						}
					}
				}
				return
			}
		}
	}
}

func dupFile(f *os.File, name string) (*os.File, error) {
	fd, err := unix.Dup(int(f.Fd()))
	if err != nil {
		return nil, fmt.Errorf("duplicating %s: %w", name, err)
	}
	unix.CloseOnExec(fd)
	return os.NewFile(uintptr(fd), name), nil
}

// Finish finishes each terminal, which cascades to reader shutdown,
// descriptor closure and stream restoration, then waits for any remaining
// background tasks to exit. Finishing an inactive session is harmless.
func (s *Session) Finish() error {
	var firstErr error
	for _, t := range s.terminals() {
		if err := t.FinishCapture(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	s.sup.StopAll()
	for _, f := range s.relayDups {
		_ = f.Close()
	}
	s.relayDups = nil
	return firstErr
}

func (s *Session) terminals() []*PseudoTerminal {
	var ts []*PseudoTerminal
	for _, t := range []*PseudoTerminal{s.output, s.stdout, s.stderr} {
		if t != nil {
			ts = append(ts, t)
		}
	}
	return ts
}

// Output returns the combined terminal in merged mode, nil otherwise.
func (s *Session) Output() *PseudoTerminal { return s.output }

// Stdout returns the stdout terminal in separate mode, nil otherwise.
func (s *Session) Stdout() *PseudoTerminal { return s.stdout }

// Stderr returns the stderr terminal in separate mode, nil otherwise.
func (s *Session) Stderr() *PseudoTerminal { return s.stderr }

// source picks the terminal the session-level retrieval surface reads from:
// the combined terminal in merged mode, the stdout terminal otherwise.
func (s *Session) source() (*PseudoTerminal, error) {
	if s.output != nil {
		return s.output, nil
	}
	if s.stdout != nil {
		return s.stdout, nil
	}
	return nil, fmt.Errorf("session has no capture to read from")
}

func (s *Session) snapshot(partial bool) (*PseudoTerminal, error) {
	if !partial {
		if err := s.Finish(); err != nil {
			return nil, err
		}
	}
	return s.source()
}

// Bytes returns the captured bytes. With partial false the whole session is
// finished first so the result is a stable snapshot; repeated calls return
// identical bytes.
func (s *Session) Bytes(partial bool) ([]byte, error) {
	t, err := s.snapshot(partial)
	if err != nil {
		return nil, err
	}
	return t.Bytes(partial)
}

// Handle returns an open, rewound handle onto the capture.
func (s *Session) Handle(partial bool) (io.Reader, error) {
	t, err := s.snapshot(partial)
	if err != nil {
		return nil, err
	}
	return t.Handle(partial)
}

// Text returns the capture decoded with the configured encoding.
func (s *Session) Text(partial bool) (string, error) {
	t, err := s.snapshot(partial)
	if err != nil {
		return "", err
	}
	return t.Text(partial)
}

// Lines returns the capture as decoded lines, optionally post-processed so
// carriage-return overwrites collapse into flat text.
func (s *Session) Lines(partial, clean bool) ([]string, error) {
	t, err := s.snapshot(partial)
	if err != nil {
		return nil, err
	}
	return t.Lines(partial, clean)
}

// SaveToWriter copies the captured bytes to an already-open writer.
func (s *Session) SaveToWriter(w io.Writer, partial bool) error {
	t, err := s.snapshot(partial)
	if err != nil {
		return err
	}
	return t.SaveToWriter(w, partial)
}

// SaveToPath writes the captured bytes to the named file.
func (s *Session) SaveToPath(path string, partial bool) error {
	t, err := s.snapshot(partial)
	if err != nil {
		return err
	}
	return t.SaveToPath(path, partial)
}
