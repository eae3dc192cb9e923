package capture

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func testSessionOptions() Options {
	opts := DefaultOptions()
	opts.Relay = false
	opts.TerminationDelay = 100 * time.Millisecond
	return opts
}

// redirectFd points a real descriptor at the write end of a fresh pipe for
// the duration of the test, so "original destination" is something the test
// can read back. Restoration is registered first so it runs after the
// session's own cleanup.
func redirectFd(t *testing.T, f *os.File) (*os.File, *os.File) {
	t.Helper()
	r, w, err := os.Pipe()
	require.NoError(t, err)
	guard := NewStream(int(f.Fd()))
	require.NoError(t, guard.Redirect(int(w.Fd())))
	t.Cleanup(func() {
		_ = guard.Restore()
		_ = r.Close()
		_ = w.Close()
	})
	return r, w
}

func readPipe(t *testing.T, r *os.File, n int) string {
	t.Helper()
	require.NoError(t, r.SetReadDeadline(time.Now().Add(2*time.Second)))
	buf := make([]byte, n)
	total := 0
	for total < n {
		m, err := r.Read(buf[total:])
		require.NoError(t, err)
		total += m
	}
	return string(buf[:total])
}

func TestSessionStartTwiceFails(t *testing.T) {
	s := NewSession(testSessionOptions())
	require.NoError(t, s.Start())
	t.Cleanup(func() { _ = s.Finish() })
	require.True(t, s.IsCapturing())

	err := s.Start()
	require.ErrorIs(t, err, ErrAlreadyCapturing)

	require.NoError(t, s.Finish())
	require.False(t, s.IsCapturing())
}

func TestMergedCaptureWithoutRelay(t *testing.T) {
	s := NewSession(testSessionOptions())
	require.NoError(t, s.Start())
	t.Cleanup(func() { _ = s.Finish() })

	_, err := os.Stdout.WriteString("abc")
	require.NoError(t, err)
	_, err = os.Stderr.WriteString("def\n")
	require.NoError(t, err)

	data, err := s.Bytes(false)
	require.NoError(t, err)
	require.Equal(t, "abcdef\n", string(data))

	// A non-partial read leaves the session inactive and is idempotent.
	require.False(t, s.IsCapturing())
	again, err := s.Bytes(false)
	require.NoError(t, err)
	require.Equal(t, data, again)
}

func TestMergedCaptureIncludesSubprocessOutput(t *testing.T) {
	s := NewSession(testSessionOptions())
	require.NoError(t, s.Start())
	t.Cleanup(func() { _ = s.Finish() })

	cmd := exec.Command("echo", "from a subprocess")
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	require.NoError(t, cmd.Run())

	text, err := s.Text(false)
	require.NoError(t, err)
	require.Contains(t, text, "from a subprocess\n")
}

func TestMergedRelayGoesToOriginalStderr(t *testing.T) {
	errR, _ := redirectFd(t, os.Stderr)

	opts := testSessionOptions()
	opts.Relay = true
	s := NewSession(opts)
	require.NoError(t, s.Start())
	t.Cleanup(func() { _ = s.Finish() })

	_, err := os.Stdout.WriteString("live\n")
	require.NoError(t, err)
	require.NoError(t, s.Finish())

	require.Equal(t, "live\n", readPipe(t, errR, len("live\n")))

	data, err := s.Bytes(false)
	require.NoError(t, err)
	require.Equal(t, "live\n", string(data))
}

func TestRestoredDescriptorReachesPreCaptureDestination(t *testing.T) {
	outR, _ := redirectFd(t, os.Stdout)

	s := NewSession(testSessionOptions())
	require.NoError(t, s.Start())
	t.Cleanup(func() { _ = s.Finish() })

	_, err := os.Stdout.WriteString("captured\n")
	require.NoError(t, err)
	require.NoError(t, s.Finish())

	// After restore, writes land where they went before the capture.
	_, err = os.Stdout.WriteString("after\n")
	require.NoError(t, err)
	require.Equal(t, "after\n", readPipe(t, outR, len("after\n")))

	data, err := s.Bytes(false)
	require.NoError(t, err)
	require.Equal(t, "captured\n", string(data))
}

func TestSeparateCaptureKeepsChannelsApart(t *testing.T) {
	opts := testSessionOptions()
	opts.Merged = false
	s := NewSession(opts)
	require.NoError(t, s.Start())
	t.Cleanup(func() { _ = s.Finish() })

	_, err := os.Stdout.WriteString("out1\n")
	require.NoError(t, err)
	_, err = os.Stderr.WriteString("err1\n")
	require.NoError(t, err)

	require.NoError(t, s.Finish())

	outData, err := s.Stdout().Bytes(false)
	require.NoError(t, err)
	require.Equal(t, "out1\n", string(outData))
	errData, err := s.Stderr().Bytes(false)
	require.NoError(t, err)
	require.Equal(t, "err1\n", string(errData))
}

func TestSeparateRelayReachesOriginalDestinations(t *testing.T) {
	outR, _ := redirectFd(t, os.Stdout)
	errR, _ := redirectFd(t, os.Stderr)

	opts := testSessionOptions()
	opts.Merged = false
	opts.Relay = true
	s := NewSession(opts)
	require.NoError(t, s.Start())
	t.Cleanup(func() { _ = s.Finish() })

	_, err := os.Stdout.WriteString("out1\n")
	require.NoError(t, err)
	_, err = os.Stderr.WriteString("err1\n")
	require.NoError(t, err)

	require.NoError(t, s.Finish())

	require.Equal(t, "out1\n", readPipe(t, outR, len("out1\n")))
	require.Equal(t, "err1\n", readPipe(t, errR, len("err1\n")))
}

func TestSeparateRelayNeverSplitsLines(t *testing.T) {
	// Point both real descriptors at the same pipe, like two channels
	// sharing one console, and write fragmented lines from two goroutines.
	r, w, err := os.Pipe()
	require.NoError(t, err)
	outGuard := NewStream(int(os.Stdout.Fd()))
	require.NoError(t, outGuard.Redirect(int(w.Fd())))
	errGuard := NewStream(int(os.Stderr.Fd()))
	require.NoError(t, errGuard.Redirect(int(w.Fd())))
	t.Cleanup(func() {
		_ = errGuard.Restore()
		_ = outGuard.Restore()
		_ = r.Close()
		_ = w.Close()
	})

	opts := testSessionOptions()
	opts.Merged = false
	opts.Relay = true
	s := NewSession(opts)
	require.NoError(t, s.Start())
	t.Cleanup(func() { _ = s.Finish() })

	const perChannel = 20
	var wg sync.WaitGroup
	write := func(f *os.File, prefix string) {
		defer wg.Done()
		for i := 0; i < perChannel; i++ {
			// Three writes per line to force partial chunks.
			_, _ = f.WriteString(prefix)
			_, _ = f.WriteString(fmt.Sprintf("%03d", i))
			_, _ = f.WriteString("-end\n")
		}
	}
	wg.Add(2)
	go write(os.Stdout, "out")
	go write(os.Stderr, "err")
	wg.Wait()

	require.NoError(t, s.Finish())

	lineLen := len("out000-end\n")
	merged := readPipe(t, r, 2*perChannel*lineLen)

	valid := regexp.MustCompile(`^(out|err)\d{3}-end$`)
	lines := strings.Split(strings.TrimSuffix(merged, "\n"), "\n")
	require.Len(t, lines, 2*perChannel)
	for _, line := range lines {
		require.Regexp(t, valid, line, "line interleaved mid-way: %q", line)
	}
}

func TestSessionSaveToPath(t *testing.T) {
	s := NewSession(testSessionOptions())
	require.NoError(t, s.Start())
	t.Cleanup(func() { _ = s.Finish() })

	_, err := os.Stdout.WriteString("persisted\n")
	require.NoError(t, err)

	path := filepath.Join(t.TempDir(), "session.bin")
	require.NoError(t, s.SaveToPath(path, false))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	require.Equal(t, "persisted\n", string(data))
}

func TestSessionLines(t *testing.T) {
	s := NewSession(testSessionOptions())
	require.NoError(t, s.Start())
	t.Cleanup(func() { _ = s.Finish() })

	_, err := os.Stdout.WriteString("step 1\rstep 2\ndone\n")
	require.NoError(t, err)

	cleaned, err := s.Lines(false, true)
	require.NoError(t, err)
	require.Equal(t, []string{"step 2", "done"}, cleaned)
}

func TestSessionRestartAfterFinish(t *testing.T) {
	s := NewSession(testSessionOptions())
	require.NoError(t, s.Start())
	_, err := os.Stdout.WriteString("first\n")
	require.NoError(t, err)
	require.NoError(t, s.Finish())

	require.NoError(t, s.Start())
	t.Cleanup(func() { _ = s.Finish() })
	_, err = os.Stdout.WriteString("second\n")
	require.NoError(t, err)

	data, err := s.Bytes(false)
	require.NoError(t, err)
	require.Equal(t, "second\n", string(data))
}
