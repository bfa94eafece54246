package remote

import (
	"io"
	"path"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"golang.org/x/crypto/ssh"

	"github.com/convergefs/fspromise/pkg/filesystem"
	"github.com/convergefs/fspromise/pkg/hash"
)

// SSHConnection implements Connection over an in-process SSH client and a
// remote stat/readlink/hash/cat helper invoked via the session's exec
// channel, driving golang.org/x/crypto/ssh directly rather than shelling
// out to a local ssh binary.
type SSHConnection struct {
	id            string
	client        *ssh.Client
	authenticated bool
}

// DialSSH opens an SSH connection to addr (host:port) authenticated with
// config, and marks the connection authenticated once the handshake
// completes — config's own successful construction of *ssh.Client is the
// authentication event.
func DialSSH(addr string, config *ssh.ClientConfig) (*SSHConnection, error) {
	client, err := ssh.Dial("tcp", addr, config)
	if err != nil {
		return nil, errors.Wrap(err, "unable to establish SSH connection")
	}
	return &SSHConnection{
		id:            uuid.NewString(),
		client:        client,
		authenticated: true,
	}, nil
}

// ID returns a unique identifier for this connection instance, used to
// correlate log lines across a promise's copy/link operations.
func (c *SSHConnection) ID() string { return c.id }

func (c *SSHConnection) runCommand(command string) (string, error) {
	session, err := c.client.NewSession()
	if err != nil {
		return "", errors.Wrap(err, "unable to open SSH session")
	}
	defer session.Close()
	output, err := session.Output(command)
	if err != nil {
		return "", errors.Wrapf(err, "remote command failed: %s", command)
	}
	return string(output), nil
}

// Stat implements Connection.Stat via a remote `stat -L` invocation parsed
// into filesystem.Metadata. This is a minimal, best-effort remote stat: it
// does not attempt to capture every platform's stat(1) output format, only
// the fields the engine's comparators need.
func (c *SSHConnection) Stat(remotePath string) (*filesystem.Metadata, error) {
	output, err := c.runCommand(remoteStatCommand(remotePath))
	if err != nil {
		return nil, err
	}
	return parseRemoteStat(remotePath, output)
}

// Readlink implements Connection.Readlink via `readlink`.
func (c *SSHConnection) Readlink(remotePath string) (string, error) {
	output, err := c.runCommand("readlink " + shellQuote(remotePath))
	if err != nil {
		return "", err
	}
	return strings.TrimRight(output, "\n"), nil
}

// Hash implements Connection.Hash by invoking the matching remote digest
// utility and parsing its first whitespace-delimited field, the same output
// shape that sha1sum/sha256sum/md5sum all share.
func (c *SSHConnection) Hash(remotePath string, alg hash.Algorithm) ([]byte, error) {
	utility, err := remoteHashUtility(alg)
	if err != nil {
		return nil, err
	}
	output, err := c.runCommand(utility + " " + shellQuote(remotePath))
	if err != nil {
		return nil, err
	}
	fields := strings.Fields(output)
	if len(fields) == 0 {
		return nil, errors.Errorf("unparseable output from %s", utility)
	}
	return decodeHex(fields[0])
}

// Copy implements Connection.Copy by streaming `cat` output from the remote
// path into sink.
func (c *SSHConnection) Copy(remotePath string, sink WriteCloser) (int64, error) {
	session, err := c.client.NewSession()
	if err != nil {
		return 0, errors.Wrap(err, "unable to open SSH session")
	}
	defer session.Close()

	remoteStdout, err := session.StdoutPipe()
	if err != nil {
		return 0, errors.Wrap(err, "unable to open remote stdout pipe")
	}
	if err := session.Start("cat " + shellQuote(remotePath)); err != nil {
		return 0, errors.Wrap(err, "unable to start remote copy command")
	}

	written, copyErr := copyAll(sink, remoteStdout)
	if waitErr := session.Wait(); waitErr != nil && copyErr == nil {
		copyErr = errors.Wrap(waitErr, "remote copy command failed")
	}
	return written, copyErr
}

// Authenticated implements Connection.Authenticated.
func (c *SSHConnection) Authenticated() bool { return c.authenticated }

// Close implements Connection.Close.
func (c *SSHConnection) Close() error {
	return c.client.Close()
}

func remoteStatCommand(remotePath string) string {
	quoted := shellQuote(remotePath)
	// %s=size %Y=mtime epoch %Z=ctime epoch %f=raw mode+type hex %d=device
	// %i=inode %h=link count %u=uid %g=gid, GNU coreutils stat format.
	return "stat -c '%s %Y %Z %f %d %i %h %u %g' " + quoted
}

func parseRemoteStat(remotePath, output string) (*filesystem.Metadata, error) {
	fields := strings.Fields(output)
	if len(fields) != 9 {
		return nil, errors.Errorf("unparseable remote stat output for %s", remotePath)
	}
	size, err := strconv.ParseUint(fields[0], 10, 64)
	if err != nil {
		return nil, errors.Wrap(err, "unable to parse remote size")
	}
	mtimeEpoch, err := strconv.ParseInt(fields[1], 10, 64)
	if err != nil {
		return nil, errors.Wrap(err, "unable to parse remote mtime")
	}
	ctimeEpoch, err := strconv.ParseInt(fields[2], 10, 64)
	if err != nil {
		return nil, errors.Wrap(err, "unable to parse remote ctime")
	}
	rawMode, err := strconv.ParseUint(fields[3], 16, 32)
	if err != nil {
		return nil, errors.Wrap(err, "unable to parse remote mode")
	}
	device, err := strconv.ParseUint(fields[4], 10, 64)
	if err != nil {
		return nil, errors.Wrap(err, "unable to parse remote device")
	}
	inode, err := strconv.ParseUint(fields[5], 10, 64)
	if err != nil {
		return nil, errors.Wrap(err, "unable to parse remote inode")
	}
	nlink, err := strconv.ParseUint(fields[6], 10, 64)
	if err != nil {
		return nil, errors.Wrap(err, "unable to parse remote link count")
	}
	owner, err := strconv.Atoi(fields[7])
	if err != nil {
		return nil, errors.Wrap(err, "unable to parse remote owner")
	}
	group, err := strconv.Atoi(fields[8])
	if err != nil {
		return nil, errors.Wrap(err, "unable to parse remote group")
	}
	return &filesystem.Metadata{
		Name:             path.Base(remotePath),
		Mode:             filesystem.Mode(rawMode),
		Size:             size,
		ModificationTime: time.Unix(mtimeEpoch, 0),
		ChangeTime:       time.Unix(ctimeEpoch, 0),
		DeviceID:         device,
		FileID:           inode,
		Nlink:            nlink,
		OwnerID:          owner,
		GroupID:          group,
	}, nil
}

func remoteHashUtility(alg hash.Algorithm) (string, error) {
	switch alg {
	case hash.AlgorithmMD5:
		return "md5sum", nil
	case hash.AlgorithmSHA1:
		return "sha1sum", nil
	case hash.AlgorithmSHA256:
		return "sha256sum", nil
	default:
		return "", errors.Errorf("algorithm has no remote digest utility")
	}
}

func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}

func decodeHex(s string) ([]byte, error) {
	if len(s)%2 != 0 {
		return nil, errors.New("odd-length hex string")
	}
	out := make([]byte, len(s)/2)
	for i := 0; i < len(out); i++ {
		hi, err := hexDigit(s[i*2])
		if err != nil {
			return nil, err
		}
		lo, err := hexDigit(s[i*2+1])
		if err != nil {
			return nil, err
		}
		out[i] = hi<<4 | lo
	}
	return out, nil
}

func hexDigit(c byte) (byte, error) {
	switch {
	case c >= '0' && c <= '9':
		return c - '0', nil
	case c >= 'a' && c <= 'f':
		return c - 'a' + 10, nil
	case c >= 'A' && c <= 'F':
		return c - 'A' + 10, nil
	default:
		return 0, errors.Errorf("invalid hex digit %q", c)
	}
}

func copyAll(dst WriteCloser, src io.Reader) (int64, error) {
	buffer := make([]byte, 64*1024)
	var total int64
	for {
		n, err := src.Read(buffer)
		if n > 0 {
			written, writeErr := dst.Write(buffer[:n])
			total += int64(written)
			if writeErr != nil {
				return total, errors.Wrap(writeErr, "unable to write copied data")
			}
		}
		if err == io.EOF {
			return total, nil
		} else if err != nil {
			return total, errors.Wrap(err, "unable to read remote data")
		}
	}
}
