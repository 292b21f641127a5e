package dataset

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/bramvdbogaerde/go-scp"
	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"

	"github.com/banshee-data/motionview/internal/fsutil"
	"github.com/banshee-data/motionview/internal/monitoring"
)

// ErrRemoteAuth is returned when the remote host rejects the credentials.
var ErrRemoteAuth = errors.New("remote authentication failed")

// RemoteConfig describes a password-authenticated SSH host.
type RemoteConfig struct {
	// Addr is host or host:port; port 22 is assumed when missing.
	Addr     string
	User     string
	Password string
	// KnownHosts is an OpenSSH known_hosts file. When empty the host key
	// is not verified.
	KnownHosts string
	Timeout    time.Duration
}

func (c *RemoteConfig) addr() string {
	if _, _, err := net.SplitHostPort(c.Addr); err == nil {
		return c.Addr
	}
	return net.JoinHostPort(c.Addr, "22")
}

func (c *RemoteConfig) clientConfig() (*ssh.ClientConfig, error) {
	hostKey := ssh.InsecureIgnoreHostKey()
	if c.KnownHosts != "" {
		cb, err := knownhosts.New(c.KnownHosts)
		if err != nil {
			return nil, fmt.Errorf("known hosts %s: %w", c.KnownHosts, err)
		}
		hostKey = cb
	} else {
		monitoring.Logf("[Dataset] host key for %s is not verified", c.Addr)
	}
	timeout := c.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &ssh.ClientConfig{
		User:            c.User,
		Auth:            []ssh.AuthMethod{ssh.Password(c.Password)},
		HostKeyCallback: hostKey,
		Timeout:         timeout,
	}, nil
}

// Loader reads blobs from the local filesystem or, when Remote is set,
// over SCP.
type Loader struct {
	FS     fsutil.FileSystem
	Remote *RemoteConfig
}

// NewLoader returns a local loader.
func NewLoader() *Loader {
	return &Loader{FS: fsutil.OSFileSystem{}}
}

// ReadFile returns the raw bytes of name.
func (l *Loader) ReadFile(ctx context.Context, name string) ([]byte, error) {
	if l.Remote == nil {
		fs := l.FS
		if fs == nil {
			fs = fsutil.OSFileSystem{}
		}
		return fs.ReadFile(name)
	}
	return l.readRemote(ctx, name)
}

func (l *Loader) readRemote(ctx context.Context, name string) ([]byte, error) {
	cfg, err := l.Remote.clientConfig()
	if err != nil {
		return nil, err
	}
	client, err := dial(ctx, l.Remote.addr(), cfg)
	if err != nil {
		if strings.Contains(err.Error(), "unable to authenticate") {
			return nil, fmt.Errorf("%s@%s: %w", l.Remote.User, l.Remote.Addr, ErrRemoteAuth)
		}
		return nil, fmt.Errorf("connect %s: %w", l.Remote.Addr, err)
	}
	defer client.Close()

	scpClient, err := scp.NewClientBySSH(client)
	if err != nil {
		return nil, fmt.Errorf("scp session: %w", err)
	}
	defer scpClient.Close()

	var buf bytes.Buffer
	if err := scpClient.CopyFromRemotePassThru(ctx, &buf, name, nil); err != nil {
		return nil, fmt.Errorf("scp %s:%s: %w", l.Remote.Addr, name, err)
	}
	monitoring.Logf("[Dataset] fetched %s:%s (%d bytes)", l.Remote.Addr, name, buf.Len())
	return buf.Bytes(), nil
}

// dial is ssh.Dial honouring ctx during the TCP connect and handshake.
func dial(ctx context.Context, addr string, cfg *ssh.ClientConfig) (*ssh.Client, error) {
	d := net.Dialer{Timeout: cfg.Timeout}
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, err
	}
	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()
	c, chans, reqs, err := ssh.NewClientConn(conn, addr, cfg)
	if err != nil {
		conn.Close()
		return nil, err
	}
	return ssh.NewClient(c, chans, reqs), nil
}

// LoadBlob reads and decodes a pose blob.
func (l *Loader) LoadBlob(ctx context.Context, name string) (*Blob, error) {
	data, err := l.ReadFile(ctx, name)
	if err != nil {
		return nil, fmt.Errorf("load blob: %w", err)
	}
	return DecodeBlob(name, data)
}

// LoadPredictions reads and decodes a predicted-SMPL blob.
func (l *Loader) LoadPredictions(ctx context.Context, name string) (map[string]Prediction, error) {
	data, err := l.ReadFile(ctx, name)
	if err != nil {
		return nil, fmt.Errorf("load predictions: %w", err)
	}
	return DecodePredictions(name, data)
}
