package main

import (
	"errors"
	"fmt"
	"os"
	"os/exec"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"capturer/pkg/capture"
)

var (
	separate         bool
	quiet            bool
	outputPath       string
	encodingName     string
	chunkSize        int
	terminationDelay time.Duration
)

var rootCmd = &cobra.Command{
	Use:   "capturer",
	Short: "Capture the stdout and stderr of a command",
	Long: `Capturer runs a command with its standard output and standard error
transparently recorded through a pseudo-terminal, while still showing the
output live. Because capture happens at the descriptor level, output from
subprocesses is recorded too, and programs keep behaving as if they were
attached to an interactive terminal.`,
}

var runCmd = &cobra.Command{
	Use:   "run -- command [args...]",
	Short: "Run a command with its output captured",
	Long: `Run a command with stdout and stderr captured.

By default both channels are captured as one merged stream and relayed live.
With --separate the channels stay distinguishable and are relayed back to
their original destinations without mixing lines. Use --output to save the
captured bytes to a file.`,
	Args:          cobra.MinimumNArgs(1),
	SilenceUsage:  true,
	SilenceErrors: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		opts := capture.DefaultOptions()
		opts.Merged = !separate
		opts.Relay = !quiet
		if encodingName != "" {
			opts.Encoding = encodingName
		}
		if chunkSize > 0 {
			opts.ChunkSize = chunkSize
		}
		if terminationDelay > 0 {
			opts.TerminationDelay = terminationDelay
		}

		session := capture.NewSession(opts)
		if err := session.Start(); err != nil {
			return fmt.Errorf("starting capture: %w", err)
		}

		child := exec.Command(args[0], args[1:]...)
		child.Stdin = os.Stdin
		child.Stdout = os.Stdout
		child.Stderr = os.Stderr
		runErr := child.Run()

		if err := session.Finish(); err != nil {
			return fmt.Errorf("finishing capture: %w", err)
		}

		if err := save(session); err != nil {
			return err
		}

		var exitErr *exec.ExitError
		if errors.As(runErr, &exitErr) {
			// Propagate the child's exit code without extra noise.
			os.Exit(exitErr.ExitCode())
		}
		if runErr != nil {
			return fmt.Errorf("running %s: %w", args[0], runErr)
		}
		return nil
	},
}

// save writes the finished capture to --output. In separate mode the two
// channels go to <output>.stdout and <output>.stderr.
func save(session *capture.Session) error {
	if outputPath == "" {
		return nil
	}
	if out := session.Output(); out != nil {
		if err := out.SaveToPath(outputPath, false); err != nil {
			return err
		}
		report("captured output saved to %s", outputPath)
		return nil
	}
	if err := session.Stdout().SaveToPath(outputPath+".stdout", false); err != nil {
		return err
	}
	if err := session.Stderr().SaveToPath(outputPath+".stderr", false); err != nil {
		return err
	}
	report("captured output saved to %s.stdout and %s.stderr", outputPath, outputPath)
	return nil
}

// report prints a status line, but only when a human is watching.
func report(format string, args ...any) {
	if term.IsTerminal(int(os.Stderr.Fd())) {
		fmt.Fprintf(os.Stderr, format+"\n", args...)
	}
}

func init() {
	runCmd.Flags().BoolVar(&separate, "separate", false, "Keep stdout and stderr distinguishable instead of merging them")
	runCmd.Flags().BoolVarP(&quiet, "quiet", "q", false, "Record output without showing it live")
	runCmd.Flags().StringVarP(&outputPath, "output", "o", "", "Save the captured bytes to this file")
	runCmd.Flags().StringVar(&encodingName, "encoding", "", "Character encoding used when decoding captured bytes (default UTF-8)")
	runCmd.Flags().IntVar(&chunkSize, "chunk-size", 0, "Maximum bytes per read from the capture terminal")
	runCmd.Flags().DurationVar(&terminationDelay, "termination-delay", 0, "How long to let final output drain before shutdown")

	rootCmd.AddCommand(runCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
