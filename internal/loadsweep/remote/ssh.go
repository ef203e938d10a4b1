package remote

import (
	"bytes"
	"context"
	"io"
	"net"
	"os"
	"strconv"
	"sync"
	"time"

	"github.com/avast/retry-go"
	"github.com/kevinburke/ssh_config"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	sshagent "github.com/xanzy/ssh-agent"
	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"

	"github.com/G-Research/loadsweep/internal/common/sweeperrors"
	"github.com/G-Research/loadsweep/internal/loadsweep/configuration"
)

const stderrTailBytes = 4096

// SSHDialer opens SSH sessions using public key authentication.
type SSHDialer struct {
	user            string
	port            int
	timeout         time.Duration
	attempts        uint
	auth            []ssh.AuthMethod
	hostKeyCallback ssh.HostKeyCallback
	hosts           *ssh_config.Config
	agentConn       net.Conn
}

func NewSSHDialer(config configuration.SSHConfig) (*SSHDialer, error) {
	d := &SSHDialer{
		user:     config.User,
		port:     config.Port,
		timeout:  config.Timeout,
		attempts: config.DialAttempts,
	}

	if config.KeyPath != "" {
		key, err := os.ReadFile(config.KeyPath)
		if err != nil {
			return nil, errors.WithMessagef(err, "reading private key %s", config.KeyPath)
		}
		signer, err := ssh.ParsePrivateKey(key)
		if err != nil {
			return nil, errors.WithMessagef(err, "parsing private key %s", config.KeyPath)
		}
		d.auth = append(d.auth, ssh.PublicKeys(signer))
	}
	if config.UseAgent {
		agent, conn, err := sshagent.New()
		if err != nil {
			return nil, errors.WithMessage(err, "connecting to ssh-agent")
		}
		d.agentConn = conn
		d.auth = append(d.auth, ssh.PublicKeysCallback(agent.Signers))
	}

	if config.KnownHostsPath != "" {
		callback, err := knownhosts.New(config.KnownHostsPath)
		if err != nil {
			return nil, errors.WithMessagef(err, "loading known hosts from %s", config.KnownHostsPath)
		}
		d.hostKeyCallback = callback
	} else {
		log.Warn("No known hosts file configured, host keys will not be verified")
		d.hostKeyCallback = ssh.InsecureIgnoreHostKey()
	}

	if config.ConfigPath != "" {
		f, err := os.Open(config.ConfigPath)
		if err != nil {
			return nil, errors.WithMessagef(err, "opening ssh config %s", config.ConfigPath)
		}
		defer f.Close()
		hosts, err := ssh_config.Decode(f)
		if err != nil {
			return nil, errors.WithMessagef(err, "parsing ssh config %s", config.ConfigPath)
		}
		d.hosts = hosts
	}
	return d, nil
}

// Close releases the connection to ssh-agent, if any. Sessions already dialled are unaffected.
func (d *SSHDialer) Close() error {
	if d.agentConn != nil {
		return d.agentConn.Close()
	}
	return nil
}

// resolve turns an address, which may be an alias from the ssh config file, into host:port and a user name.
func (d *SSHDialer) resolve(address string) (string, string) {
	host, port, err := net.SplitHostPort(address)
	if err != nil {
		host = address
		port = ""
	}
	user := d.user

	if d.hosts != nil {
		if hostname, err := d.hosts.Get(host, "HostName"); err == nil && hostname != "" {
			if port == "" {
				if p, err := d.hosts.Get(host, "Port"); err == nil && p != "" {
					port = p
				}
			}
			if user == "" {
				if u, err := d.hosts.Get(host, "User"); err == nil {
					user = u
				}
			}
			host = hostname
		}
	}
	if port == "" {
		port = strconv.Itoa(d.port)
	}
	if user == "" {
		user = os.Getenv("USER")
	}
	return net.JoinHostPort(host, port), user
}

func (d *SSHDialer) Dial(ctx context.Context, host string, address string) (Session, error) {
	hostPort, user := d.resolve(address)
	clientConfig := &ssh.ClientConfig{
		User:            user,
		Auth:            d.auth,
		HostKeyCallback: d.hostKeyCallback,
		Timeout:         d.timeout,
	}

	var client *ssh.Client
	err := retry.Do(
		func() error {
			dialer := net.Dialer{Timeout: d.timeout}
			conn, err := dialer.DialContext(ctx, "tcp", hostPort)
			if err != nil {
				return err
			}
			c, chans, reqs, err := ssh.NewClientConn(conn, hostPort, clientConfig)
			if err != nil {
				_ = conn.Close()
				return err
			}
			client = ssh.NewClient(c, chans, reqs)
			return nil
		},
		retry.Attempts(d.attempts),
		retry.Delay(time.Second),
		retry.LastErrorOnly(true),
		retry.Context(ctx),
		retry.OnRetry(func(n uint, err error) {
			log.WithField("host", host).Debugf("dial attempt %d to %s failed: %v", n+1, hostPort, err)
		}),
	)
	if err != nil {
		return nil, errors.WithStack(&sweeperrors.ErrTransport{Host: host, Address: hostPort, Err: err})
	}
	return &sshSession{client: client}, nil
}

type sshSession struct {
	client *ssh.Client
	// serialises channel opening so commands reach the host in the order they were started
	mu sync.Mutex
}

func (s *sshSession) Start(command string, stdin io.Reader, stdout io.Writer) (Process, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	session, err := s.client.NewSession()
	if err != nil {
		return nil, errors.WithStack(err)
	}
	stderr := &tailBuffer{limit: stderrTailBytes}
	session.Stdin = stdin
	session.Stdout = stdout
	session.Stderr = stderr
	if err := session.Start(command); err != nil {
		_ = session.Close()
		return nil, errors.WithStack(err)
	}
	return &sshProcess{session: session, stderr: stderr}, nil
}

func (s *sshSession) Close() error {
	return s.client.Close()
}

type sshProcess struct {
	session *ssh.Session
	stderr  *tailBuffer
}

func (p *sshProcess) Wait() error {
	err := p.session.Wait()
	_ = p.session.Close()
	if err == nil {
		return nil
	}
	var exitErr *ssh.ExitError
	if errors.As(err, &exitErr) {
		return &ExitError{Status: exitErr.ExitStatus(), Stderr: p.stderr.String()}
	}
	return err
}

func (p *sshProcess) Signal(signal string) error {
	return p.session.Signal(ssh.Signal(signal))
}

// tailBuffer keeps the last limit bytes written to it.
type tailBuffer struct {
	mu    sync.Mutex
	buf   bytes.Buffer
	limit int
}

func (b *tailBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	n, _ := b.buf.Write(p)
	if over := b.buf.Len() - b.limit; over > 0 {
		b.buf.Next(over)
	}
	return n, nil
}

func (b *tailBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return string(bytes.TrimSpace(b.buf.Bytes()))
}
