// Package capture transparently records everything written to the standard
// output and standard error descriptors of the current process and of any
// subprocess it spawns, optionally relaying the output live at the same time.
//
// # How it works
//
// A Session allocates one or two pseudo-terminals and redirects the real
// file descriptors 1 and 2 into their slave sides. Anything written to those
// descriptors, from Go code or from external subprocesses, shows up on the
// master side, where a background reader drains it into an anonymous backing
// file. Because the redirection happens at the descriptor level, subprocesses
// need no cooperation; they see a regular terminal.
//
// # Modes
//
// With Options.Merged (the default) a single pseudo-terminal receives both
// channels and the capture is one combined stream. With Merged disabled,
// stdout and stderr each get their own pseudo-terminal and stay
// distinguishable; if relaying is enabled a merge consumer forwards each
// channel back to its original destination without ever splitting a line
// between the two.
//
// # Usage
//
//	session := capture.NewSession(capture.DefaultOptions())
//	if err := session.Start(); err != nil {
//		...
//	}
//	fmt.Println("recorded and still visible")
//	text, err := session.Text(false)
//
// Retrieval with partial=false finishes the capture first: descriptors are
// restored and the result is a stable snapshot. With partial=true the capture
// keeps running and the result may end mid-line.
package capture
