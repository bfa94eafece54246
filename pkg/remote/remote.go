// Package remote implements the remote-file transport contract consumed by
// the Copy Engine and Comparison Oracle: stat/readlink/hash
// of a remote path, and whole-file copy, over an authenticated connection.
//
// This package provides both the Connection interface the rest of the
// engine programs against and one concrete implementation over
// golang.org/x/crypto/ssh, wrapping the transport behind a small Go
// interface so the engine's core packages never depend on a specific
// transport.
package remote

import (
	"github.com/convergefs/fspromise/pkg/filesystem"
	"github.com/convergefs/fspromise/pkg/hash"
)

// Connection is the remote transport contract: stat, readlink, hash, and
// whole-file copy over an authenticated connection.
type Connection interface {
	// Stat returns metadata for path on the remote host.
	Stat(path string) (*filesystem.Metadata, error)
	// Readlink returns the target of the symbolic link at path.
	Readlink(path string) (string, error)
	// Hash computes path's digest under alg on the remote host, avoiding a
	// full transfer when only a comparison is needed.
	Hash(path string, alg hash.Algorithm) ([]byte, error)
	// Copy streams path's content into sink, returning the number of bytes
	// written.
	Copy(path string, sink WriteCloser) (int64, error)
	// Authenticated reports whether this connection completed an
	// authentication handshake. Purge refuses to run over an
	// unauthenticated connection.
	Authenticated() bool
	// Close releases the underlying connection.
	Close() error
}

// WriteCloser is the minimal sink Copy writes into; kept as its own name
// rather than io.WriteCloser so mock sinks in tests don't need to satisfy
// an unrelated stdlib interface incidentally.
type WriteCloser interface {
	Write(p []byte) (int, error)
	Close() error
}
