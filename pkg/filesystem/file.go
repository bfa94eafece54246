package filesystem

import "io"

// ReadableFile unions the operations the Copy Engine needs from an open
// source file: sequential reads, seeking, and closure.
type ReadableFile interface {
	io.Reader
	io.Seeker
	io.Closer
}

// WritableFile unions the operations needed from an open destination file.
type WritableFile interface {
	io.Writer
	io.Closer
}
