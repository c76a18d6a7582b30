package ssh

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"strings"
	"sync"
	"time"

	"github.com/pkg/sftp"
	"github.com/rs/zerolog/log"
	xssh "golang.org/x/crypto/ssh"
)

// Session is one node's command and file channel. It is owned by a single
// worker and is not safe for concurrent use.
type Session struct {
	client    *xssh.Client
	sftp      *sftp.Client
	done      chan struct{}
	closeOnce sync.Once
}

func newSession(cli *xssh.Client, keepalive time.Duration) (*Session, error) {
	sf, err := sftp.NewClient(cli)
	if err != nil {
		_ = cli.Close()
		return nil, fmt.Errorf("sftp client: %w", err)
	}
	s := &Session{client: cli, sftp: sf, done: make(chan struct{})}
	go s.keepalive(keepalive)
	return s, nil
}

// keepalive keeps long running commands from being dropped by idle timeouts.
func (s *Session) keepalive(every time.Duration) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-s.done:
			return
		case <-ticker.C:
			if _, _, err := s.client.SendRequest("keepalive@openssh.com", true, nil); err != nil {
				log.Debug().Err(err).Msg("ssh keepalive failed")
				return
			}
		}
	}
}

// Run executes command on a pseudo-terminal and waits for it to exit. The
// combined output and the exit status are returned; err is only set when
// the command could not be run at all. A started command is never
// interrupted.
func (s *Session) Run(ctx context.Context, command string) ([]byte, int, error) {
	if err := ctx.Err(); err != nil {
		return nil, -1, err
	}
	session, err := s.client.NewSession()
	if err != nil {
		return nil, -1, fmt.Errorf("new session: %w", err)
	}
	defer session.Close()

	modes := xssh.TerminalModes{
		xssh.ECHO:          0,
		xssh.TTY_OP_ISPEED: 14400,
		xssh.TTY_OP_OSPEED: 14400,
	}
	if err := session.RequestPty("xterm", 600, 800, modes); err != nil {
		return nil, -1, fmt.Errorf("request pty: %w", err)
	}

	var out bytes.Buffer
	session.Stdout = &out
	session.Stderr = &out
	log.Debug().Str("command", command).Msg("executing remote command")
	err = session.Run(command)

	var exitErr *xssh.ExitError
	if errors.As(err, &exitErr) {
		return out.Bytes(), exitErr.ExitStatus(), nil
	}
	if err != nil {
		return out.Bytes(), -1, fmt.Errorf("run command: %w", err)
	}
	return out.Bytes(), 0, nil
}

// Put uploads a local file to a remote path via SFTP and verifies its sha256
// on the remote side. A file that fails verification is removed.
func (s *Session) Put(ctx context.Context, localPath, remotePath string) error {
	localChecksum, err := fileChecksum(localPath)
	if err != nil {
		return fmt.Errorf("calculate local checksum: %w", err)
	}
	if err := s.sftp.MkdirAll(path.Dir(remotePath)); err != nil {
		return fmt.Errorf("mkdir remote: %w", err)
	}
	src, err := os.Open(localPath)
	if err != nil {
		return fmt.Errorf("open local: %w", err)
	}
	defer src.Close()
	dst, err := s.sftp.Create(remotePath)
	if err != nil {
		return fmt.Errorf("create remote: %w", err)
	}
	if _, err := io.Copy(dst, src); err != nil {
		_ = dst.Close()
		return fmt.Errorf("copy: %w", err)
	}
	if err := dst.Close(); err != nil {
		return fmt.Errorf("close remote: %w", err)
	}

	if err := s.verifyRemoteChecksum(ctx, remotePath, localChecksum); err != nil {
		_ = s.sftp.Remove(remotePath)
		return fmt.Errorf("checksum verification failed: %w", err)
	}
	return nil
}

func (s *Session) verifyRemoteChecksum(ctx context.Context, remotePath, expected string) error {
	out, status, err := s.Run(ctx, "sha256sum "+Quote(remotePath))
	if err != nil {
		return err
	}
	if status != 0 {
		return fmt.Errorf("sha256sum exited %d: %s", status, strings.TrimSpace(string(out)))
	}
	fields := strings.Fields(string(out))
	if len(fields) == 0 {
		return errors.New("empty sha256sum output")
	}
	if fields[0] != expected {
		return fmt.Errorf("checksum mismatch: expected %s, got %s", expected, fields[0])
	}
	return nil
}

// Mkdir creates a single remote directory.
func (s *Session) Mkdir(remotePath string) error {
	return s.sftp.Mkdir(remotePath)
}

// ReadDir lists the entry names of a remote directory.
func (s *Session) ReadDir(remotePath string) ([]string, error) {
	infos, err := s.sftp.ReadDir(remotePath)
	if err != nil {
		return nil, err
	}
	names := make([]string, 0, len(infos))
	for _, fi := range infos {
		names = append(names, fi.Name())
	}
	return names, nil
}

func (s *Session) Close() error {
	var err error
	s.closeOnce.Do(func() {
		close(s.done)
		_ = s.sftp.Close()
		err = s.client.Close()
	})
	return err
}

func fileChecksum(filePath string) (string, error) {
	file, err := os.Open(filePath)
	if err != nil {
		return "", err
	}
	defer file.Close()

	hasher := sha256.New()
	if _, err := io.Copy(hasher, file); err != nil {
		return "", err
	}
	return hex.EncodeToString(hasher.Sum(nil)), nil
}

// Quote returns s as a single-quoted POSIX shell word.
func Quote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}
