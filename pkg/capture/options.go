package capture

import "time"

const (
	// DefaultChunkSize is the maximum number of bytes a reader pulls from a
	// pseudo-terminal master in one read.
	DefaultChunkSize = 1024

	// DefaultTerminationDelay is how long a terminal waits before signaling
	// its reader to shut down, so a final burst of output can drain. This is
	// best effort, not a hard guarantee against loss from a very active
	// producer.
	DefaultTerminationDelay = 10 * time.Millisecond

	// DefaultEncoding is the name used to decode captured bytes on read.
	// Capture itself is always byte-exact.
	DefaultEncoding = "UTF-8"
)

// Options configures a Session.
type Options struct {
	// Merged captures both channels as one combined stream. When false,
	// stdout and stderr each get their own pseudo-terminal and stay
	// distinguishable.
	Merged bool

	// Relay also emits captured bytes live to their original destination.
	// When false, output is recorded but silently swallowed.
	Relay bool

	// Encoding names the character encoding used only for decode-on-read
	// (Text, Lines). IANA names are accepted.
	Encoding string

	// ChunkSize is the maximum number of bytes per read from a master
	// descriptor.
	ChunkSize int

	// TerminationDelay is the pause before a reader is asked to shut down.
	TerminationDelay time.Duration
}

// DefaultOptions returns the default session configuration: merged capture
// with live relay.
func DefaultOptions() Options {
	return Options{
		Merged:           true,
		Relay:            true,
		Encoding:         DefaultEncoding,
		ChunkSize:        DefaultChunkSize,
		TerminationDelay: DefaultTerminationDelay,
	}
}

func (o Options) withDefaults() Options {
	if o.Encoding == "" {
		o.Encoding = DefaultEncoding
	}
	if o.ChunkSize <= 0 {
		o.ChunkSize = DefaultChunkSize
	}
	if o.TerminationDelay < 0 {
		o.TerminationDelay = DefaultTerminationDelay
	}
	return o
}
