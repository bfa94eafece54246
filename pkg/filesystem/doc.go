// Package filesystem provides the low-level, race-resistant filesystem
// primitives on which the promise engine is built: a directory type whose
// operations are all anchored to an open file descriptor (so that a name
// resolved once cannot be silently swapped for something else between
// calls), file mode and metadata types, ownership specifications, a
// descriptor-relative rename, and the small set of reserved name suffixes
// (".cfnew", ".cfsaved", ".cfdisabled", ...) that mark in-flight and backup
// state on disk.
//
// Every operation that takes a name (as opposed to a path) resolves that
// name relative to an already-open Directory descriptor using the *at
// family of system calls (openat, fstatat, renameat, ...). This is the
// POSIX-preferred alternative to chdir-based descent: a directory opened
// once keeps referring to the same inode no matter what an attacker (or an
// unrelated process) does to the namespace around it afterward.
package filesystem
