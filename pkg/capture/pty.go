package capture

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"runtime"
	"strings"
	"time"

	"github.com/creack/pty"
	"github.com/muesli/cancelreader"
	"golang.org/x/sys/unix"

	"capturer/pkg/terminaltext"
)

// chunk is one tagged read delivered to the merge consumer. Empty Data marks
// the producer for Tag as finished.
type chunk struct {
	Tag  string
	Data []byte
}

// chunkBacklog is the merge channel capacity.
const chunkBacklog = 100

// PseudoTerminal owns a master/slave descriptor pair, an anonymous backing
// store and the background reader that drains the master side. Captured
// bytes always land in the backing store; depending on configuration they
// are additionally written to a relay descriptor or pushed, tagged, onto a
// merge channel.
type PseudoTerminal struct {
	master *os.File
	slave  *os.File
	store  *os.File

	opts  Options
	tag   string
	relay *os.File
	merge chan<- chunk

	streams  []*Stream
	sup      *Supervisor
	reader   *Child
	finished bool
}

// newPseudoTerminal allocates a pty pair and the anonymous backing store.
// relay and merge may each be nil; tag names this terminal's channel on the
// merge channel.
func newPseudoTerminal(opts Options, tag string, relay *os.File, merge chan<- chunk) (*PseudoTerminal, error) {
	master, slave, err := pty.Open()
	if err != nil {
		return nil, fmt.Errorf("allocating pseudo-terminal: %w", err)
	}

	// The kernel's output post-processing would rewrite every \n written to
	// the slave side as \r\n on the master side, corrupting byte-exact
	// capture. Turn it off; everything else about the terminal stays as is.
	if tio, err := unix.IoctlGetTermios(int(slave.Fd()), unix.TCGETS); err == nil {
		tio.Oflag &^= unix.ONLCR
		_ = unix.IoctlSetTermios(int(slave.Fd()), unix.TCSETS, tio)
	}

	store, err := os.CreateTemp("", "capturer-*")
	if err != nil {
		_ = master.Close()
		_ = slave.Close()
		return nil, fmt.Errorf("creating backing store: %w", err)
	}
	// Drop the directory entry right away. The store stays reachable only
	// through the open descriptor and vanishes with it.
	if err := os.Remove(store.Name()); err != nil {
		_ = store.Close()
		_ = master.Close()
		_ = slave.Close()
		return nil, fmt.Errorf("unlinking backing store: %w", err)
	}

	return &PseudoTerminal{
		master: master,
		slave:  slave,
		store:  store,
		opts:   opts,
		tag:    tag,
		relay:  relay,
		merge:  merge,
	}, nil
}

// Attach redirects the stream onto this terminal's slave descriptor and
// tracks it for restoration when the capture finishes.
func (t *PseudoTerminal) Attach(s *Stream) error {
	if err := s.Redirect(int(t.slave.Fd())); err != nil {
		return err
	}
	t.streams = append(t.streams, s)
	return nil
}

// StartCapture spawns the reader task via the supervisor. It returns once
// the reader is ready, so writes to the slave side are drained from that
// point on.
func (t *PseudoTerminal) StartCapture(sup *Supervisor) {
	t.sup = sup
	t.reader = sup.Start("reader-"+t.tag, t.readLoop)
}

// cancelOnDone converts context cancellation into an interrupted read on r.
// The returned stop function releases the watcher.
func cancelOnDone(ctx context.Context, r cancelreader.CancelReader) (stop func()) {
	stopped := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			r.Cancel()
		case <-stopped:
		}
	}()
	return func() { close(stopped) }
}

func (t *PseudoTerminal) readLoop(ctx context.Context, ready func()) {
	defer func() {
		// Tell the merge consumer this producer is done, even on an
		// unexpected exit, so it never waits on a closed tag.
		if t.merge != nil {
			t.merge <- chunk{Tag: t.tag}
		}
	}()

	cr, err := cancelreader.NewReader(t.master)
	if err != nil {
		slog.Error("cannot watch pty master", "tag", t.tag, "error", err)
		ready()
		return
	}
	defer func() { _ = cr.Close() }()

	stop := cancelOnDone(ctx, cr)
	defer stop()
	ready()

	buf := make([]byte, t.opts.ChunkSize)
	for {
		n, err := cr.Read(buf)
		if n > 0 {
			if _, werr := t.store.Write(buf[:n]); werr != nil {
				slog.Error("writing backing store", "tag", t.tag, "error", werr)
			}
			if t.relay != nil {
				if _, werr := t.relay.Write(buf[:n]); werr != nil {
					slog.Error("relaying output", "tag", t.tag, "error", werr)
				}
			}
			if t.merge != nil {
				t.merge <- chunk{Tag: t.tag, Data: append([]byte(nil), buf[:n]...)}
			}
		}
		if err != nil {
			if !isReaderShutdown(err) {
				slog.Error("reading pty master", "tag", t.tag, "error", err)
			}
			return
		}
		if n == 0 {
			// A pty master never reports end-of-stream while its slave side
			// is open; a clean empty read is a scheduling artifact.
			runtime.Gosched()
		}
	}
}

// isReaderShutdown reports whether err is one of the expected ways a reader
// stops: cooperative cancellation, or the master reporting end-of-stream
// (EIO on Linux) after the slave side has been closed.
func isReaderShutdown(err error) bool {
	return errors.Is(err, cancelreader.ErrCanceled) ||
		errors.Is(err, io.EOF) ||
		errors.Is(err, unix.EIO) ||
		errors.Is(err, os.ErrClosed)
}

// FinishCapture stops the reader, closes the terminal descriptors and
// restores all attached streams. It sleeps the termination delay first so a
// final burst of output can drain. Finishing twice is a no-op.
func (t *PseudoTerminal) FinishCapture() error {
	if t.finished {
		return nil
	}
	t.finished = true

	time.Sleep(t.opts.TerminationDelay)
	if t.reader != nil {
		t.sup.Stop(t.reader)
		t.reader = nil
	}
	_ = t.master.Close()
	_ = t.slave.Close()

	var firstErr error
	for i := len(t.streams) - 1; i >= 0; i-- {
		if err := t.streams[i].Restore(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// Close finishes the capture and releases the backing store. Retrieval is
// no longer possible afterwards.
func (t *PseudoTerminal) Close() error {
	err := t.FinishCapture()
	if cerr := t.store.Close(); cerr != nil && err == nil {
		err = cerr
	}
	return err
}

// Handle returns an open, rewound handle onto the captured bytes. With
// partial false the capture is finished first, so the handle is a stable
// snapshot. With partial true the capture keeps running and the handle
// covers only what has been recorded so far, possibly ending mid-line or
// mid-multibyte-character.
func (t *PseudoTerminal) Handle(partial bool) (io.Reader, error) {
	if partial {
		info, err := t.store.Stat()
		if err != nil {
			return nil, fmt.Errorf("sizing backing store: %w", err)
		}
		// A SectionReader reads at absolute offsets, leaving the appending
		// reader's file offset untouched.
		return io.NewSectionReader(t.store, 0, info.Size()), nil
	}
	if err := t.FinishCapture(); err != nil {
		return nil, err
	}
	if _, err := t.store.Seek(0, io.SeekStart); err != nil {
		return nil, fmt.Errorf("rewinding backing store: %w", err)
	}
	return t.store, nil
}

// Bytes returns the captured bytes. See Handle for the meaning of partial.
func (t *PseudoTerminal) Bytes(partial bool) ([]byte, error) {
	r, err := t.Handle(partial)
	if err != nil {
		return nil, err
	}
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("reading backing store: %w", err)
	}
	return data, nil
}

// Text returns the capture decoded with the configured encoding.
func (t *PseudoTerminal) Text(partial bool) (string, error) {
	data, err := t.Bytes(partial)
	if err != nil {
		return "", err
	}
	return decode(data, t.opts.Encoding)
}

// Lines returns the capture as decoded lines. With clean set, the text is
// post-processed so carriage-return and cursor-movement overwrites collapse
// into the flat text a reader of the terminal would have seen last.
func (t *PseudoTerminal) Lines(partial, clean bool) ([]string, error) {
	text, err := t.Text(partial)
	if err != nil {
		return nil, err
	}
	if clean {
		return terminaltext.CleanLines(text), nil
	}
	text = strings.ReplaceAll(text, "\r\n", "\n")
	lines := strings.Split(text, "\n")
	if len(lines) > 0 && lines[len(lines)-1] == "" {
		lines = lines[:len(lines)-1]
	}
	return lines, nil
}

// SaveToWriter copies the captured bytes to an already-open writer.
func (t *PseudoTerminal) SaveToWriter(w io.Writer, partial bool) error {
	r, err := t.Handle(partial)
	if err != nil {
		return err
	}
	if _, err := io.Copy(w, r); err != nil {
		return fmt.Errorf("saving capture: %w", err)
	}
	return nil
}

// SaveToPath writes the captured bytes to the named file.
func (t *PseudoTerminal) SaveToPath(path string, partial bool) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("creating %s: %w", path, err)
	}
	if err := t.SaveToWriter(f, partial); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("closing %s: %w", path, err)
	}
	return nil
}
