package main

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"

	"github.com/autonlab/srl/netif"
	"github.com/autonlab/srl/srl"
)

// Config is everything the binary needs, as read from the -config file.
type Config struct {
	LogLevel     int              `yaml:"log_level"`
	LogFile      string           `yaml:"log_file"`
	Listen       []string         `yaml:"listen"`
	Unix         []string         `yaml:"unix,omitempty"`
	SSH          *netif.SSHConfig `yaml:"ssh,omitempty"`
	WriteTimeout time.Duration    `yaml:"write_timeout"`
	Admin        string           `yaml:"admin"`
	Redis        RedisConfig      `yaml:"redis"`
	Controller   srl.Config       `yaml:"controller"`
}

type RedisConfig struct {
	Addr   string `yaml:"addr"`
	DB     int    `yaml:"db"`
	Prefix string `yaml:"prefix"`
}

func defaultConfig() Config {
	return Config{
		LogLevel:     2,
		Listen:       []string{"127.0.0.1:33333"},
		WriteTimeout: netif.DefaultWriteTimeout,
		Controller:   srl.DefaultConfig(),
	}
}

type flagValues struct {
	configPath     string
	printConfig    bool
	logLevel       int
	logFile        string
	listen         string
	unix           string
	ssh            string
	sshKey         string
	sshKnownHosts  string
	sshRemote      string
	admin          string
	redis          string
	routers        int
	idleTimeout    time.Duration
	pollInterval   time.Duration
	maxConnections int
}

func newFlagSet(v *flagValues) *flag.FlagSet {
	fs := flag.NewFlagSet("srl", flag.ContinueOnError)
	fs.StringVar(&v.configPath, "config", "", "YAML configuration file, flags given explicitly take precedence")
	fs.BoolVar(&v.printConfig, "print-config", false, "Print the effective configuration and exit")
	fs.IntVar(&v.logLevel, "L", 2, "Log level. (1) Error, (2) Warn, (3) Info, (4) Debug, (5) Trace")
	fs.StringVar(&v.logFile, "log-file", "", "Append the log to this file instead of stderr")
	fs.StringVar(&v.listen, "listen", "127.0.0.1:33333", "Comma separated TCP addresses to accept connections on")
	fs.StringVar(&v.unix, "unix", "", "Comma separated unix socket paths to accept connections on")
	fs.StringVar(&v.ssh, "ssh", "", "SSH server for a reverse tunnel in format user@host[:sshport] (defaults to port 22)")
	fs.StringVar(&v.sshKey, "ssh-key", "", "Path to SSH private key file")
	fs.StringVar(&v.sshKnownHosts, "ssh-known-hosts", "", "known_hosts file used to verify the SSH server")
	fs.StringVar(&v.sshRemote, "ssh-remote", "127.0.0.1:33333", "Address the SSH server listens on for the tunnel")
	fs.StringVar(&v.admin, "admin", "", "Address of the admin HTTP API, disabled when empty")
	fs.StringVar(&v.redis, "redis", "", "Redis address for the service directory mirror, disabled when empty")
	fs.IntVar(&v.routers, "routers", srl.DefaultRouters, "Number of router workers")
	fs.DurationVar(&v.idleTimeout, "idle-timeout", srl.DefaultIdleConnectionTimeout, "Idle connection timeout")
	fs.DurationVar(&v.pollInterval, "poll-interval", srl.DefaultPollInterval, "Run loop poll interval")
	fs.IntVar(&v.maxConnections, "max-connections", 0, "Connection pool limit, 0 for none")
	return fs
}

// parseConfig builds the configuration from defaults, the optional config
// file and the command line, in increasing order of precedence.
func parseConfig(args []string, stderr io.Writer) (Config, bool, error) {
	var v flagValues
	fs := newFlagSet(&v)
	fs.SetOutput(stderr)
	if err := fs.Parse(args); err != nil {
		return Config{}, false, err
	}

	cfg := defaultConfig()
	if v.configPath != "" {
		if err := loadConfigFile(v.configPath, &cfg); err != nil {
			return Config{}, false, err
		}
	}

	var err error
	fs.Visit(func(f *flag.Flag) {
		if err != nil {
			return
		}
		switch f.Name {
		case "L":
			cfg.LogLevel = v.logLevel
		case "log-file":
			cfg.LogFile = v.logFile
		case "listen":
			cfg.Listen = splitList(v.listen)
		case "unix":
			cfg.Unix = splitList(v.unix)
		case "ssh":
			if cfg.SSH == nil {
				cfg.SSH = &netif.SSHConfig{}
			}
			cfg.SSH.User, cfg.SSH.Host, cfg.SSH.Port, err = parseSSHServer(v.ssh)
		case "admin":
			cfg.Admin = v.admin
		case "redis":
			cfg.Redis.Addr = v.redis
		case "routers":
			cfg.Controller.Routers = v.routers
		case "idle-timeout":
			cfg.Controller.IdleTimeout = v.idleTimeout
		case "poll-interval":
			cfg.Controller.PollInterval = v.pollInterval
		case "max-connections":
			cfg.Controller.MaxConnections = v.maxConnections
		}
	})
	if err != nil {
		return Config{}, false, err
	}

	if cfg.SSH != nil {
		fs.Visit(func(f *flag.Flag) {
			switch f.Name {
			case "ssh-key":
				cfg.SSH.KeyPath = v.sshKey
			case "ssh-known-hosts":
				cfg.SSH.KnownHostsPath = v.sshKnownHosts
			case "ssh-remote":
				cfg.SSH.RemoteAddr = v.sshRemote
			}
		})
		if cfg.SSH.RemoteAddr == "" {
			cfg.SSH.RemoteAddr = v.sshRemote
		}
		if cfg.SSH.Port == 0 {
			cfg.SSH.Port = 22
		}
		if cfg.SSH.KeyPath == "" {
			return Config{}, false, errors.New("the SSH tunnel requires -ssh-key")
		}
	}

	if _, err := logLevel(cfg.LogLevel); err != nil {
		return Config{}, false, err
	}
	if err := cfg.Controller.Validate(); err != nil {
		return Config{}, false, err
	}
	return cfg, v.printConfig, nil
}

func loadConfigFile(path string, cfg *Config) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("parsing %s: %w", path, err)
	}
	return nil
}

func printConfig(w io.Writer, cfg Config) error {
	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(cfg); err != nil {
		return err
	}
	return enc.Close()
}

// parseSSHServer splits user@host[:port]; the port defaults to 22.
func parseSSHServer(server string) (user, host string, port int, err error) {
	user, hostPort, ok := strings.Cut(server, "@")
	if !ok || user == "" || hostPort == "" {
		return "", "", 0, fmt.Errorf("invalid SSH server format %q, expected user@host[:port]", server)
	}
	host, portStr, hasPort := strings.Cut(hostPort, ":")
	if !hasPort {
		return user, host, 22, nil
	}
	port, err = strconv.Atoi(portStr)
	if err != nil {
		return "", "", 0, fmt.Errorf("SSH port must be numeric, got %q", portStr)
	}
	return user, host, port, nil
}

func logLevel(n int) (log.Level, error) {
	switch n {
	case 1:
		return log.ErrorLevel, nil
	case 2:
		return log.WarnLevel, nil
	case 3:
		return log.InfoLevel, nil
	case 4:
		return log.DebugLevel, nil
	case 5:
		return log.TraceLevel, nil
	}
	return log.PanicLevel, fmt.Errorf("invalid log level %d", n)
}

func splitList(s string) []string {
	var out []string
	for _, item := range strings.Split(s, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}
