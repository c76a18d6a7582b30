package core

import (
	"context"

	"github.com/3cpo-dev/fleetstrap/internal/ssh"
)

// Session is a node's remote command and file channel. A session belongs to
// exactly one node and is only used from that node's worker.
type Session interface {
	// Run executes command and returns its combined output and exit status.
	// err reports transport failures only.
	Run(ctx context.Context, command string) (output []byte, status int, err error)
	Put(ctx context.Context, localPath, remotePath string) error
	Mkdir(path string) error
	ReadDir(path string) ([]string, error)
	Close() error
}

// Dialer opens sessions.
type Dialer interface {
	Connect(ctx context.Context, host, user, keyFile string) (Session, error)
}

// DialerFunc adapts a function to Dialer.
type DialerFunc func(ctx context.Context, host, user, keyFile string) (Session, error)

func (f DialerFunc) Connect(ctx context.Context, host, user, keyFile string) (Session, error) {
	return f(ctx, host, user, keyFile)
}

// asUser wraps script so it runs as account with that account's login
// environment.
func asUser(account, script string) string {
	return "sudo -u " + ssh.Quote(account) + " -H bash -l -c " + ssh.Quote(script)
}
