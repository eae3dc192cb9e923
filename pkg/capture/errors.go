package capture

import "errors"

var (
	// ErrAlreadyCapturing is returned by Session.Start while a capture is
	// still active on the same session.
	ErrAlreadyCapturing = errors.New("capture already active")

	// ErrAlreadyRedirected is returned by Stream.Redirect when the
	// descriptor is already being redirected.
	ErrAlreadyRedirected = errors.New("descriptor already redirected")
)
