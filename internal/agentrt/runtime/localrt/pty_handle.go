package localrt

import "io"

// ptyHandle abstracts pseudo-terminal operations across Unix and Windows so
// the rest of the local runtime never branches on GOOS.
type ptyHandle interface {
	io.ReadWriteCloser
	// Resize changes the PTY window size. Callers that don't care about
	// terminal dimensions may ignore the error.
	Resize(cols, rows uint16) error
}
