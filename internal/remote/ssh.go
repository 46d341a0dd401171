// Package remote runs commands on source and target hosts over SSH.
package remote

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"path"
	"strconv"
	"strings"
	"time"

	"github.com/kballard/go-shellquote"
	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"

	"github.com/codebypatrickleung/rehost/internal/job"
	"github.com/codebypatrickleung/rehost/internal/logger"
)

// Executor runs commands on one host.
type Executor interface {
	Address() string
	Run(ctx context.Context, cmd string) (string, error)
	Stream(ctx context.Context, cmd string, stdin io.Reader, stdout io.Writer) error
	Upload(ctx context.Context, content []byte, remotePath string, mode os.FileMode) error
	Close() error
}

// Config holds the SSH login of a host.
type Config struct {
	User           string
	Password       string
	PrivateKeyPath string
	Port           int
	KnownHostsPath string
	Timeout        time.Duration
}

// ConfigForSource builds the SSH login of a job's source host.
func ConfigForSource(src job.SourceHost) Config {
	return Config{
		User:           src.User,
		Password:       src.Password.Value(),
		PrivateKeyPath: src.PrivateKeyPath,
		Port:           src.Port,
	}
}

func (c Config) clientConfig() (*ssh.ClientConfig, error) {
	user := c.User
	if user == "" {
		user = "root"
	}
	var auth []ssh.AuthMethod
	if c.PrivateKeyPath != "" {
		key, err := os.ReadFile(c.PrivateKeyPath)
		if err != nil {
			return nil, fmt.Errorf("failed to read private key: %w", err)
		}
		signer, err := ssh.ParsePrivateKey(key)
		if err != nil {
			return nil, fmt.Errorf("failed to parse private key: %w", err)
		}
		auth = append(auth, ssh.PublicKeys(signer))
	}
	if c.Password != "" {
		auth = append(auth, ssh.Password(c.Password))
	}
	if len(auth) == 0 {
		return nil, fmt.Errorf("no ssh credentials configured for user %s", user)
	}

	hostKey := ssh.InsecureIgnoreHostKey()
	if c.KnownHostsPath != "" {
		cb, err := knownhosts.New(c.KnownHostsPath)
		if err != nil {
			return nil, fmt.Errorf("failed to load known hosts: %w", err)
		}
		hostKey = cb
	}
	timeout := c.Timeout
	if timeout == 0 {
		timeout = 30 * time.Second
	}
	return &ssh.ClientConfig{
		User:            user,
		Auth:            auth,
		HostKeyCallback: hostKey,
		Timeout:         timeout,
	}, nil
}

// Client is an Executor over one SSH connection.
type Client struct {
	addr    string
	client  *ssh.Client
	log     *logger.Logger
	secrets []string
}

// Dial connects to the first reachable address, in order. When none
// answers it returns a *job.ConnectivityError naming every address tried.
func Dial(ctx context.Context, addrs []string, cfg Config, log *logger.Logger) (*Client, error) {
	clientCfg, err := cfg.clientConfig()
	if err != nil {
		return nil, err
	}
	port := cfg.Port
	if port == 0 {
		port = 22
	}

	var tried []string
	var errs []error
	for _, a := range addrs {
		if a == "" {
			continue
		}
		target := a
		if _, _, splitErr := net.SplitHostPort(a); splitErr != nil {
			target = net.JoinHostPort(a, strconv.Itoa(port))
		}
		tried = append(tried, target)

		c, err := dialOne(ctx, target, clientCfg)
		if err != nil {
			log.Debugf("SSH connection to %s failed: %v", target, err)
			errs = append(errs, fmt.Errorf("%s: %w", target, err))
			continue
		}
		log.Debugf("Connected to %s as %s", target, clientCfg.User)
		return &Client{addr: target, client: c, log: log, secrets: []string{cfg.Password}}, nil
	}
	if len(tried) == 0 {
		errs = append(errs, errors.New("no address configured"))
	}
	return nil, &job.ConnectivityError{Addresses: tried, Err: errors.Join(errs...)}
}

func dialOne(ctx context.Context, addr string, cfg *ssh.ClientConfig) (*ssh.Client, error) {
	d := net.Dialer{Timeout: cfg.Timeout}
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, err
	}
	if deadline, ok := ctx.Deadline(); ok {
		conn.SetDeadline(deadline)
	} else {
		conn.SetDeadline(time.Now().Add(cfg.Timeout))
	}
	sc, chans, reqs, err := ssh.NewClientConn(conn, addr, cfg)
	if err != nil {
		conn.Close()
		return nil, err
	}
	conn.SetDeadline(time.Time{})
	return ssh.NewClient(sc, chans, reqs), nil
}

// Address returns host:port of the connection.
func (c *Client) Address() string { return c.addr }

// Run executes cmd and returns its stdout. A non-zero exit includes stderr
// in the error.
func (c *Client) Run(ctx context.Context, cmd string) (string, error) {
	return c.run(ctx, cmd, nil)
}

// Stream executes cmd with stdin and stdout wired to the given streams.
func (c *Client) Stream(ctx context.Context, cmd string, stdin io.Reader, stdout io.Writer) error {
	var stderr bytes.Buffer
	if err := c.exec(ctx, cmd, stdin, stdout, &stderr); err != nil {
		if msg := strings.TrimSpace(stderr.String()); msg != "" {
			return fmt.Errorf("remote command failed: %w: %s", err, logger.Redact(msg, c.secrets...))
		}
		return fmt.Errorf("remote command failed: %w", err)
	}
	return nil
}

// Upload writes content to remotePath, creating its directory.
func (c *Client) Upload(ctx context.Context, content []byte, remotePath string, mode os.FileMode) error {
	cmd := fmt.Sprintf("mkdir -p %s && cat > %s && chmod %o %s",
		shellquote.Join(path.Dir(remotePath)),
		shellquote.Join(remotePath),
		mode.Perm(),
		shellquote.Join(remotePath))
	if _, err := c.run(ctx, cmd, bytes.NewReader(content)); err != nil {
		return fmt.Errorf("failed to upload %s: %w", remotePath, err)
	}
	return nil
}

func (c *Client) run(ctx context.Context, cmd string, stdin io.Reader) (string, error) {
	var stdout, stderr bytes.Buffer
	if err := c.exec(ctx, cmd, stdin, &stdout, &stderr); err != nil {
		if msg := strings.TrimSpace(stderr.String()); msg != "" {
			return stdout.String(), fmt.Errorf("remote command failed: %w: %s", err, logger.Redact(msg, c.secrets...))
		}
		return stdout.String(), fmt.Errorf("remote command failed: %w", err)
	}
	return stdout.String(), nil
}

func (c *Client) exec(ctx context.Context, cmd string, stdin io.Reader, stdout, stderr io.Writer) error {
	c.log.Debugf("ssh %s: %s", c.addr, logger.Redact(cmd, c.secrets...))

	session, err := c.client.NewSession()
	if err != nil {
		return fmt.Errorf("failed to open session: %w", err)
	}
	defer session.Close()

	if stdin != nil {
		session.Stdin = stdin
	}
	session.Stdout = stdout
	session.Stderr = stderr

	if err := session.Start(cmd); err != nil {
		return err
	}
	done := make(chan error, 1)
	go func() { done <- session.Wait() }()

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		session.Signal(ssh.SIGKILL)
		session.Close()
		<-done
		return ctx.Err()
	}
}

// Close closes the connection.
func (c *Client) Close() error {
	return c.client.Close()
}
