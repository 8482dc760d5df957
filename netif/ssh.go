package netif

import (
	"errors"
	"fmt"
	"net"
	"os"
	"strconv"
	"time"

	log "github.com/sirupsen/logrus"
	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"
)

const DefaultSSHTimeout = 10 * time.Second

var (
	ErrNoSSHHost    = errors.New("netif: ssh host not set")
	ErrBadSSHPort   = errors.New("netif: ssh port out of range")
	ErrNoRemoteAddr = errors.New("netif: remote listen address not set")
)

// SSHConfig describes a reverse tunnel: the controller logs into Host and
// asks it to listen on RemoteAddr, so peers that can only reach Host are
// still able to connect.
type SSHConfig struct {
	User           string        `yaml:"user"`
	Host           string        `yaml:"host"`
	Port           int           `yaml:"port"`
	KeyPath        string        `yaml:"key"`
	KnownHostsPath string        `yaml:"known_hosts"`
	RemoteAddr     string        `yaml:"remote"`
	Timeout        time.Duration `yaml:"timeout"`
}

func (s SSHConfig) address() string {
	return net.JoinHostPort(s.Host, strconv.Itoa(s.Port))
}

func (s SSHConfig) validate() error {
	switch {
	case s.Host == "":
		return ErrNoSSHHost
	case s.Port <= 0 || s.Port > 65535:
		return fmt.Errorf("%w: %d", ErrBadSSHPort, s.Port)
	case s.RemoteAddr == "":
		return ErrNoRemoteAddr
	}
	return nil
}

// clientConfig loads the private key and host key policy. Without a
// known_hosts file any host key is accepted.
func (s SSHConfig) clientConfig() (*ssh.ClientConfig, error) {
	key, err := os.ReadFile(s.KeyPath)
	if err != nil {
		return nil, fmt.Errorf("reading ssh key: %w", err)
	}
	signer, err := ssh.ParsePrivateKey(key)
	if err != nil {
		return nil, fmt.Errorf("parsing ssh key %s: %w", s.KeyPath, err)
	}

	hostKeyCallback := ssh.InsecureIgnoreHostKey()
	if s.KnownHostsPath != "" {
		hostKeyCallback, err = knownhosts.New(s.KnownHostsPath)
		if err != nil {
			return nil, fmt.Errorf("loading known hosts: %w", err)
		}
	} else {
		log.Warnf("No known_hosts file configured, host key of %s will not be verified", s.Host)
	}

	timeout := s.Timeout
	if timeout <= 0 {
		timeout = DefaultSSHTimeout
	}
	return &ssh.ClientConfig{
		User:            s.User,
		Auth:            []ssh.AuthMethod{ssh.PublicKeys(signer)},
		HostKeyCallback: hostKeyCallback,
		Timeout:         timeout,
	}, nil
}

// DialReverse connects to the SSH server and returns a Listener for
// connections arriving on its remote forward. Closing the Listener also
// closes the SSH session.
func DialReverse(cfg SSHConfig, writeTimeout time.Duration) (*Listener, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	clientConfig, err := cfg.clientConfig()
	if err != nil {
		return nil, err
	}

	log.Infof("Connecting to %s@%s", cfg.User, cfg.address())
	client, err := ssh.Dial("tcp", cfg.address(), clientConfig)
	if err != nil {
		return nil, fmt.Errorf("ssh dial %s: %w", cfg.address(), err)
	}
	remote, err := client.Listen("tcp", cfg.RemoteAddr)
	if err != nil {
		client.Close()
		return nil, fmt.Errorf("ssh remote listen on %s: %w", cfg.RemoteAddr, err)
	}
	log.Infof("Reverse tunnel listening on %s via %s", cfg.RemoteAddr, cfg.address())
	return NewListener(remote, writeTimeout, client), nil
}
