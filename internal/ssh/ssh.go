package ssh

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"time"

	xssh "golang.org/x/crypto/ssh"
)

type Client struct {
	Addr       string
	User       string
	Signer     xssh.Signer
	KnownHosts xssh.HostKeyCallback
	Timeout    time.Duration
}

func (c *Client) makeConfig() (*xssh.ClientConfig, error) {
	if c.Signer == nil {
		return nil, errors.New("ssh: signer required")
	}
	if c.KnownHosts == nil {
		c.KnownHosts = xssh.InsecureIgnoreHostKey() // replaced by strict callback by caller normally
	}
	return &xssh.ClientConfig{
		User:            c.User,
		Auth:            []xssh.AuthMethod{xssh.PublicKeys(c.Signer)},
		HostKeyCallback: c.KnownHosts,
		Timeout:         c.Timeout,
	}, nil
}

// Dial establishes an SSH connection using the provided client configuration.
// The caller is responsible for closing the returned client.
func Dial(ctx context.Context, c *Client) (*xssh.Client, error) {
	cfg, err := c.makeConfig()
	if err != nil {
		return nil, err
	}
	type res struct {
		cli *xssh.Client
		err error
	}
	ch := make(chan res, 1)
	go func() {
		cli, err := xssh.Dial("tcp", c.Addr, cfg)
		ch <- res{cli: cli, err: err}
	}()
	select {
	case <-ctx.Done():
		// Close a connection that completes after we gave up on it.
		go func() {
			if r := <-ch; r.cli != nil {
				_ = r.cli.Close()
			}
		}()
		return nil, ctx.Err()
	case r := <-ch:
		return r.cli, r.err
	}
}

// Connector opens sessions to fleet nodes.
type Connector struct {
	Port      int
	Timeout   time.Duration
	Keepalive time.Duration
	hostKeys  xssh.HostKeyCallback
}

// NewConnector builds a connector. With an empty knownHosts path host keys are
// not checked; otherwise unknown hosts are trusted on first use and recorded.
func NewConnector(port int, timeout, keepalive time.Duration, knownHosts string) (*Connector, error) {
	if port == 0 {
		port = 22
	}
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	if keepalive <= 0 {
		keepalive = 10 * time.Second
	}
	c := &Connector{Port: port, Timeout: timeout, Keepalive: keepalive, hostKeys: xssh.InsecureIgnoreHostKey()}
	if knownHosts != "" {
		cb, err := TrustOnFirstUse(knownHosts)
		if err != nil {
			return nil, err
		}
		c.hostKeys = cb
	}
	return c, nil
}

// Connect dials host as user with the private key in keyFile and opens the
// SFTP subsystem on the same connection.
func (c *Connector) Connect(ctx context.Context, host, user, keyFile string) (*Session, error) {
	signer, err := LoadPrivateKeySigner(keyFile)
	if err != nil {
		return nil, err
	}
	cli, err := Dial(ctx, &Client{
		Addr:       net.JoinHostPort(host, strconv.Itoa(c.Port)),
		User:       user,
		Signer:     signer,
		KnownHosts: c.hostKeys,
		Timeout:    c.Timeout,
	})
	if err != nil {
		return nil, fmt.Errorf("ssh dial %s: %w", host, err)
	}
	return newSession(cli, c.Keepalive)
}
