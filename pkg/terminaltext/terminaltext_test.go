package terminaltext

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestCleanLinesPlainText(t *testing.T) {
	lines := CleanLines("first\nsecond\n")
	require.Equal(t, []string{"first", "second"}, lines)
}

func TestCleanLinesCarriageReturnOverwrite(t *testing.T) {
	// A progress indicator rewriting the same line.
	lines := CleanLines("progress: 10%\rprogress: 50%\rprogress: 100%\n")
	require.Equal(t, []string{"progress: 100%"}, lines)
}

func TestCleanLinesPartialOverwrite(t *testing.T) {
	// A shorter overwrite leaves the tail of the longer text, like a real
	// terminal does.
	lines := CleanLines("hello\rhi")
	require.Equal(t, []string{"hillo"}, lines)
}

func TestCleanLinesBackspace(t *testing.T) {
	lines := CleanLines("abcd\b\bXY\n")
	require.Equal(t, []string{"abXY"}, lines)
}

func TestCleanLinesStripsAnsiSequences(t *testing.T) {
	lines := CleanLines("\x1b[31mRED\x1b[0m plain\n")
	require.Equal(t, []string{"RED plain"}, lines)
}

func TestCleanLinesCRLF(t *testing.T) {
	// \r\n from a terminal in cooked mode must not trigger an overwrite.
	lines := CleanLines("one\r\ntwo\r\n")
	require.Equal(t, []string{"one", "two"}, lines)
}

func TestCleanLinesDropsTrailingBlankLines(t *testing.T) {
	lines := CleanLines("content\n\n\n")
	require.Equal(t, []string{"content"}, lines)
}

func TestCleanEmptyInput(t *testing.T) {
	require.Empty(t, CleanLines(""))
	require.Equal(t, "", Clean(""))
}
