package sshres

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"path"
	"sort"
	"time"

	"github.com/pkg/sftp"
	"golang.org/x/crypto/ssh"

	"github.com/stratal/sessiond/sessions"
)

// CommandResult is the outcome of one remote command execution. The HTTP
// layer owns the wire encoding; these structs stay transport-free.
type CommandResult struct {
	Stdout     string
	Stderr     string
	ExitStatus int
	Duration   time.Duration
}

// FileEntry describes one remote directory entry.
type FileEntry struct {
	Name        string
	IsDir       bool
	Size        int64
	ModTime     time.Time
	Permissions string
}

// Handle is one live SSH connection. It satisfies sessions.Handle and is
// safe for concurrent use: each operation opens its own channel on the
// multiplexed connection.
type Handle struct {
	client *ssh.Client
}

var _ sessions.Handle = (*Handle)(nil)

// Close tears down the underlying connection and every channel on it.
func (h *Handle) Close() error {
	return h.client.Close()
}

// Ping checks connection liveness with an OpenSSH keepalive request.
func (h *Handle) Ping(ctx context.Context) error {
	done := make(chan error, 1)
	go func() {
		_, _, err := h.client.SendRequest("keepalive@openssh.com", true, nil)
		done <- err
	}()
	select {
	case <-ctx.Done():
		return fmt.Errorf("sshres: ping: %w", sessions.ErrTimeout)
	case err := <-done:
		if err != nil {
			return fmt.Errorf("sshres: ping: %w: %v", sessions.ErrConnectionFailure, err)
		}
		return nil
	}
}

// Exec runs one command with a bounded timeout. A non-zero exit status is
// not an error: it comes back in the result, the way a shell would report
// it. On timeout the remote process is signalled and the channel torn down;
// the connection itself stays usable and the session is not released.
func (h *Handle) Exec(ctx context.Context, command string, timeout time.Duration) (CommandResult, error) {
	if command == "" {
		return CommandResult{}, errors.New("sshres: empty command")
	}
	if timeout <= 0 {
		timeout = DefaultCommandTimeout
	} else if timeout < MinCommandTimeout {
		timeout = MinCommandTimeout
	}

	sess, err := h.client.NewSession()
	if err != nil {
		return CommandResult{}, fmt.Errorf("sshres: open session: %w: %v", sessions.ErrConnectionFailure, err)
	}
	defer sess.Close()

	var stdout, stderr bytes.Buffer
	sess.Stdout = &stdout
	sess.Stderr = &stderr

	start := time.Now()
	if err := sess.Start(command); err != nil {
		return CommandResult{}, fmt.Errorf("sshres: start command: %w", err)
	}

	done := make(chan error, 1)
	go func() { done <- sess.Wait() }()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		_ = sess.Signal(ssh.SIGKILL)
		return CommandResult{ExitStatus: -1, Duration: time.Since(start)}, fmt.Errorf("sshres: exec: %w", sessions.ErrTimeout)
	case <-timer.C:
		_ = sess.Signal(ssh.SIGKILL)
		return CommandResult{ExitStatus: -1, Duration: time.Since(start)}, fmt.Errorf("sshres: exec after %s: %w", timeout, sessions.ErrTimeout)
	case err := <-done:
		res := CommandResult{
			Stdout:   stdout.String(),
			Stderr:   stderr.String(),
			Duration: time.Since(start),
		}
		if err != nil {
			var exitErr *ssh.ExitError
			if errors.As(err, &exitErr) {
				res.ExitStatus = exitErr.ExitStatus()
				return res, nil
			}
			res.ExitStatus = -1
			return res, fmt.Errorf("sshres: exec: %w", err)
		}
		return res, nil
	}
}

// sftpSession opens a fresh SFTP channel for one operation.
func (h *Handle) sftpSession() (*sftp.Client, error) {
	c, err := sftp.NewClient(h.client)
	if err != nil {
		return nil, fmt.Errorf("sshres: open sftp channel: %w: %v", sessions.ErrConnectionFailure, err)
	}
	return c, nil
}

// ListDir lists a remote directory, sorted by name. Dot entries for the
// directory itself and its parent are omitted.
func (h *Handle) ListDir(ctx context.Context, remotePath string) ([]FileEntry, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	c, err := h.sftpSession()
	if err != nil {
		return nil, err
	}
	defer c.Close()

	infos, err := c.ReadDir(remotePath)
	if err != nil {
		return nil, fmt.Errorf("sshres: list %s: %w", remotePath, err)
	}
	entries := make([]FileEntry, 0, len(infos))
	for _, fi := range infos {
		entries = append(entries, FileEntry{
			Name:        fi.Name(),
			IsDir:       fi.IsDir(),
			Size:        fi.Size(),
			ModTime:     fi.ModTime().UTC(),
			Permissions: fi.Mode().String(),
		})
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Name < entries[j].Name })
	return entries, nil
}

// Download reads a remote file in full. Directories are rejected.
func (h *Handle) Download(ctx context.Context, remotePath string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	c, err := h.sftpSession()
	if err != nil {
		return nil, err
	}
	defer c.Close()

	fi, err := c.Lstat(remotePath)
	if err != nil {
		return nil, fmt.Errorf("sshres: stat %s: %w", remotePath, err)
	}
	if fi.IsDir() {
		return nil, fmt.Errorf("sshres: %s is a directory, not a file", remotePath)
	}

	f, err := c.Open(remotePath)
	if err != nil {
		return nil, fmt.Errorf("sshres: open %s: %w", remotePath, err)
	}
	defer f.Close()

	data, err := io.ReadAll(f)
	if err != nil {
		return nil, fmt.Errorf("sshres: read %s: %w", remotePath, err)
	}
	return data, nil
}

// Upload writes content as fileName inside remoteDir, creating the
// directory if it does not exist. The write goes to a temporary name and is
// renamed into place so readers never observe a partial file.
func (h *Handle) Upload(ctx context.Context, remoteDir, fileName string, content io.Reader) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if fileName == "" || fileName != path.Base(fileName) {
		return fmt.Errorf("sshres: invalid file name %q", fileName)
	}
	c, err := h.sftpSession()
	if err != nil {
		return err
	}
	defer c.Close()

	if fi, err := c.Lstat(remoteDir); err != nil {
		if err := c.MkdirAll(remoteDir); err != nil {
			return fmt.Errorf("sshres: create %s: %w", remoteDir, err)
		}
	} else if !fi.IsDir() {
		return fmt.Errorf("sshres: upload target %s is not a directory", remoteDir)
	}

	tmpPath := path.Join(remoteDir, fmt.Sprintf(".%s.upload.%d", fileName, time.Now().UnixNano()))
	f, err := c.Create(tmpPath)
	if err != nil {
		return fmt.Errorf("sshres: create %s: %w", tmpPath, err)
	}
	if _, err := io.Copy(f, content); err != nil {
		f.Close()
		_ = c.Remove(tmpPath)
		return fmt.Errorf("sshres: write %s: %w", tmpPath, err)
	}
	if err := f.Close(); err != nil {
		_ = c.Remove(tmpPath)
		return fmt.Errorf("sshres: close %s: %w", tmpPath, err)
	}

	finalPath := path.Join(remoteDir, fileName)
	if err := c.PosixRename(tmpPath, finalPath); err != nil {
		// Fall back for servers without the posix-rename extension.
		_ = c.Remove(finalPath)
		if err := c.Rename(tmpPath, finalPath); err != nil {
			_ = c.Remove(tmpPath)
			return fmt.Errorf("sshres: rename into %s: %w", finalPath, err)
		}
	}
	return nil
}
