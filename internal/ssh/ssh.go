package ssh

import (
	"bufio"
	"context"
	"errors"
	"io"
	"net"
	"os"
	"strings"
	"sync"
	"time"

	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"

	"github.com/daedalus/daedalus_client/internal/i18n"
	"github.com/daedalus/daedalus_client/internal/transport"
	"github.com/daedalus/daedalus_client/internal/util"
)

const (
	Protocol    = "ssh"
	Subsystem   = "daedalus"
	DefaultUser = "daedalus"
	DefaultPort = 22
)

var _ io.ReadWriteCloser = (*Conn)(nil)

// Conn joins the subsystem's stdin and stdout into one byte stream. Closing
// it tears down the session and the client connection.
type Conn struct {
	client  *ssh.Client
	session *ssh.Session
	stdin   io.WriteCloser
	stdout  io.Reader
	stderr  io.Reader
	mu      sync.Mutex
}

func (c *Conn) Read(p []byte) (int, error) {
	if c.stdout == nil {
		return 0, io.EOF
	}
	return c.stdout.Read(p)
}

func (c *Conn) Write(p []byte) (int, error) {
	c.mu.Lock()
	stdin := c.stdin
	c.mu.Unlock()

	if stdin == nil {
		return 0, io.ErrClosedPipe
	}
	return stdin.Write(p)
}

func (c *Conn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	// reverse of open order
	if c.stdin != nil {
		_ = c.stdin.Close()
		c.stdin = nil
	}

	if c.session != nil {
		_ = c.session.Close()
		c.session = nil
	}

	if c.client != nil {
		_ = c.client.Close()
		c.client = nil
	}

	return nil
}

func (c *Conn) Stdin() io.WriteCloser {
	return c.stdin
}

func (c *Conn) Stdout() io.Reader {
	return c.stdout
}

func (c *Conn) Stderr() io.Reader {
	return c.stderr
}

type Dialer struct{}

func NewDialer() *Dialer {
	return &Dialer{}
}

func (d *Dialer) Dial(ctx context.Context, opts transport.ConnectionOptions) (transport.Session, error) {
	conn, err := dialConn(ctx, opts)
	if err != nil {
		return nil, err
	}

	sess := transport.NewStreamSession(conn)
	go drainStderr(conn.stderr, sess.ID())
	return sess, nil
}

// Preflight loads the private key and known_hosts file named by opts, so a
// broken credential setup stops startup instead of being retried as an
// unreachable endpoint.
func (d *Dialer) Preflight(opts transport.ConnectionOptions) error {
	if _, err := loadSigner(opts.KeyFile); err != nil {
		return util.NewError(util.ErrTypeConfig, i18n.T("ssh_credentials_invalid", nil), err)
	}
	if opts.KnownHosts == "" {
		return nil
	}
	if _, err := knownhosts.New(opts.KnownHosts); err != nil {
		return util.NewError(util.ErrTypeConfig,
			i18n.T("ssh_known_hosts_error", map[string]any{"Path": opts.KnownHosts}), err)
	}
	return nil
}

func dialConn(ctx context.Context, opts transport.ConnectionOptions) (*Conn, error) {
	clientConfig, err := clientConfig(opts)
	if err != nil {
		return nil, err
	}

	addr := opts.Address()
	util.Debug(i18n.T("ssh_dialing", map[string]any{
		"Host": opts.Host,
		"Port": opts.Port,
	}), map[string]any{"address": addr})

	client, err := dialClient(ctx, addr, clientConfig)
	if err != nil {
		return nil, err
	}

	util.Debug(i18n.T("ssh_connection_established", nil), map[string]any{"address": addr})

	cleanup := func(closables ...io.Closer) {
		for _, c := range closables {
			if c != nil {
				_ = c.Close()
			}
		}
	}

	session, err := client.NewSession()
	if err != nil {
		cleanup(client)
		return nil, util.NewError(util.ErrTypeSession, i18n.T("ssh_session_failed", nil), err)
	}

	if err := session.RequestSubsystem(Subsystem); err != nil {
		cleanup(session, client)
		return nil, &transport.ConnectError{
			Kind: transport.ConnectRefused,
			Err: util.NewError(util.ErrTypeSubsystem,
				i18n.T("ssh_subsystem_failed", map[string]any{"Subsystem": Subsystem}), err),
		}
	}

	stdin, err := session.StdinPipe()
	if err != nil {
		cleanup(session, client)
		return nil, util.NewError(util.ErrTypeSubsystem, i18n.T("ssh_pipe_failed", map[string]any{"Pipe": "stdin"}), err)
	}

	stdout, err := session.StdoutPipe()
	if err != nil {
		cleanup(session, client)
		return nil, util.NewError(util.ErrTypeSubsystem, i18n.T("ssh_pipe_failed", map[string]any{"Pipe": "stdout"}), err)
	}

	stderr, err := session.StderrPipe()
	if err != nil {
		cleanup(session, client)
		return nil, util.NewError(util.ErrTypeSubsystem, i18n.T("ssh_pipe_failed", map[string]any{"Pipe": "stderr"}), err)
	}

	return &Conn{
		client:  client,
		session: session,
		stdin:   stdin,
		stdout:  stdout,
		stderr:  stderr,
	}, nil
}

func clientConfig(opts transport.ConnectionOptions) (*ssh.ClientConfig, error) {
	signer, err := loadSigner(opts.KeyFile)
	if err != nil {
		return nil, err
	}

	hostKeyCallback, err := hostKeyCallback(opts.KnownHosts)
	if err != nil {
		return nil, err
	}

	user := opts.User
	if user == "" {
		user = DefaultUser
	}

	return &ssh.ClientConfig{
		User:            user,
		Auth:            []ssh.AuthMethod{ssh.PublicKeys(signer)},
		Timeout:         opts.Timeout,
		HostKeyCallback: hostKeyCallback,
	}, nil
}

func loadSigner(path string) (ssh.Signer, error) {
	key, err := os.ReadFile(path)
	if err != nil {
		return nil, util.NewError(util.ErrTypeConnection,
			i18n.T("ssh_key_error", map[string]any{"Error": err}), err)
	}

	signer, err := ssh.ParsePrivateKey(key)
	if err != nil {
		return nil, util.NewError(util.ErrTypeConnection,
			i18n.T("ssh_key_error", map[string]any{"Error": err}), err)
	}
	return signer, nil
}

func hostKeyCallback(knownHostsFile string) (ssh.HostKeyCallback, error) {
	if knownHostsFile == "" {
		util.Warn(i18n.T("ssh_host_key_unverified", nil), nil)
		return ssh.InsecureIgnoreHostKey(), nil
	}

	callback, err := knownhosts.New(knownHostsFile)
	if err != nil {
		return nil, util.NewError(util.ErrTypeConnection,
			i18n.T("ssh_known_hosts_error", map[string]any{"Path": knownHostsFile}), err)
	}
	return callback, nil
}

// dialClient is ssh.Dial with the TCP connect and SSH handshake bound to ctx.
func dialClient(ctx context.Context, addr string, cfg *ssh.ClientConfig) (*ssh.Client, error) {
	var dialer net.Dialer
	netConn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, err
	}

	if deadline, ok := ctx.Deadline(); ok {
		_ = netConn.SetDeadline(deadline)
	}
	stop := context.AfterFunc(ctx, func() {
		_ = netConn.Close()
	})

	clientConn, chans, reqs, err := ssh.NewClientConn(netConn, addr, cfg)
	if !stop() {
		if err == nil {
			_ = clientConn.Close()
		}
		_ = netConn.Close()
		return nil, ctx.Err()
	}
	if err != nil {
		_ = netConn.Close()
		return nil, classifyHandshakeError(err)
	}

	_ = netConn.SetDeadline(time.Time{})
	return ssh.NewClient(clientConn, chans, reqs), nil
}

// classifyHandshakeError marks authentication and host key rejections as
// refusals; the remaining failures are left for the generic classifier.
func classifyHandshakeError(err error) error {
	var keyErr *knownhosts.KeyError
	if errors.As(err, &keyErr) || isAuthFailure(err) {
		return &transport.ConnectError{Kind: transport.ConnectRefused, Err: err}
	}
	return err
}

// x/crypto/ssh has no typed authentication error; the handshake reports it
// only through this message.
func isAuthFailure(err error) bool {
	return strings.Contains(err.Error(), "unable to authenticate")
}

func drainStderr(stderr io.Reader, sessionID string) {
	if stderr == nil {
		return
	}

	logger := util.Component("ssh").With("session", sessionID)
	scanner := bufio.NewScanner(stderr)
	for scanner.Scan() {
		logger.Debug(i18n.T("ssh_remote_stderr", nil), map[string]any{"line": scanner.Text()})
	}
	if err := scanner.Err(); err != nil && !util.IsExpectedError(err) {
		logger.Debug(i18n.T("ssh_stderr_closed", nil), map[string]any{"error": err})
	}
}

func Register() {
	transport.RegisterTransport(Protocol, NewDialer())
}
