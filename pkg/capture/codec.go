package capture

import (
	"fmt"

	"golang.org/x/text/encoding/ianaindex"
)

// decode turns captured bytes into a string using the named IANA encoding.
// Unknown names are an error; names the index maps to no converter (like
// US-ASCII) fall back to a byte-preserving conversion.
func decode(data []byte, name string) (string, error) {
	if name == "" || name == DefaultEncoding {
		return string(data), nil
	}
	enc, err := ianaindex.IANA.Encoding(name)
	if err != nil {
		return "", fmt.Errorf("unknown encoding %q: %w", name, err)
	}
	if enc == nil {
		return string(data), nil
	}
	out, err := enc.NewDecoder().Bytes(data)
	if err != nil {
		return "", fmt.Errorf("decoding as %q: %w", name, err)
	}
	return string(out), nil
}
