package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"golang.org/x/xerrors"
	"gopkg.in/yaml.v3"
)

type MSIM struct {
	Addr              string        `yaml:"addr"`
	Login             string        `yaml:"login"`
	Password          string        `yaml:"password"`
	KeepaliveInterval time.Duration `yaml:"keepalive_interval"`
}

type Config struct {
	StorePath           string        `yaml:"store_path"`
	LogLevel            string        `yaml:"log_level"`
	LogDevelopment      bool          `yaml:"log_development"`
	MSIM                MSIM          `yaml:"msim"`
	LocalUsers          []string      `yaml:"local_users"`
	ProcessSlice        time.Duration `yaml:"process_slice"`
	ReconnectDelay      time.Duration `yaml:"reconnect_delay"`
	ReconnectAttempts   int           `yaml:"reconnect_attempts"`
	HTTPAddr            string        `yaml:"http_addr"`
	ControlSocket       string        `yaml:"control_socket"`
	ControlPasswordHash string        `yaml:"control_password_hash"`

	// Operator actions, command line only.
	ResetStore   bool `yaml:"-"`
	HashPassword bool `yaml:"-"`
}

func Default() *Config {
	return &Config{
		StorePath:         "chatbridge.db",
		LogLevel:          "info",
		MSIM:              MSIM{Addr: "localhost:3215", KeepaliveInterval: 60 * time.Second},
		ProcessSlice:      time.Second,
		ReconnectDelay:    20 * time.Second,
		ReconnectAttempts: 5,
		HTTPAddr:          ":8080",
		ControlSocket:     "/tmp/chatbridge.sock",
	}
}

// Load builds the configuration from defaults, then the YAML file named
// by --config, then CHATBRIDGE_* variables read through getenv, then the
// remaining command line flags.
func Load(args []string, getenv func(string) string) (*Config, error) {
	path, err := configPath(args)
	if err != nil {
		return nil, err
	}

	cfg := Default()
	if path != "" {
		if err := cfg.loadFile(path); err != nil {
			return nil, err
		}
	}
	if err := cfg.loadEnv(getenv); err != nil {
		return nil, err
	}

	fs := cfg.flagSet()
	fs.String("config", path, "YAML configuration file")
	if err := fs.Parse(args); err != nil {
		return nil, err
	}
	return cfg, nil
}

// configPath finds --config before anything else is parsed.
func configPath(args []string) (string, error) {
	for i, arg := range args {
		switch {
		case arg == "--":
			return "", nil
		case arg == "--config":
			if i+1 >= len(args) {
				return "", xerrors.New("flag needs an argument: --config")
			}
			return args[i+1], nil
		case strings.HasPrefix(arg, "--config="):
			return strings.TrimPrefix(arg, "--config="), nil
		}
	}
	return "", nil
}

func (c *Config) flagSet() *pflag.FlagSet {
	fs := pflag.NewFlagSet("chatbridge", pflag.ContinueOnError)
	fs.StringVar(&c.StorePath, "store", c.StorePath, "path of the SQLite store")
	fs.StringVar(&c.LogLevel, "log-level", c.LogLevel, "debug, info, warn or error")
	fs.BoolVar(&c.LogDevelopment, "log-development", c.LogDevelopment, "human readable logs")
	fs.StringVar(&c.MSIM.Addr, "msim-addr", c.MSIM.Addr, "msim server address")
	fs.StringVar(&c.MSIM.Login, "msim-login", c.MSIM.Login, "broker account login")
	fs.StringVar(&c.MSIM.Password, "msim-password", c.MSIM.Password, "broker account password")
	fs.DurationVar(&c.MSIM.KeepaliveInterval, "msim-keepalive", c.MSIM.KeepaliveInterval, "idle time before a ping")
	fs.StringSliceVar(&c.LocalUsers, "local-users", c.LocalUsers, "local users who answer chats")
	fs.DurationVar(&c.ProcessSlice, "process-slice", c.ProcessSlice, "longest wait for inbound traffic per loop step")
	fs.DurationVar(&c.ReconnectDelay, "reconnect-delay", c.ReconnectDelay, "wait before and between reconnect attempts")
	fs.IntVar(&c.ReconnectAttempts, "reconnect-attempts", c.ReconnectAttempts, "reconnect attempts before giving up")
	fs.StringVar(&c.HTTPAddr, "http-addr", c.HTTPAddr, "listen address of the web front end")
	fs.StringVar(&c.ControlSocket, "control-socket", c.ControlSocket, "path of the operator socket")
	fs.StringVar(&c.ControlPasswordHash, "control-password-hash", c.ControlPasswordHash, "bcrypt hash guarding shutdown")
	fs.BoolVar(&c.ResetStore, "reset-store", false, "drop everything in the store and recreate it, then exit")
	fs.BoolVar(&c.HashPassword, "hash-password", false, "read a password from stdin, print its bcrypt hash and exit")
	return fs
}

func (c *Config) loadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return xerrors.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return xerrors.Errorf("parse config %s: %w", path, err)
	}
	return nil
}

func (c *Config) loadEnv(getenv func(string) string) error {
	strs := map[string]*string{
		"CHATBRIDGE_STORE_PATH":            &c.StorePath,
		"CHATBRIDGE_LOG_LEVEL":             &c.LogLevel,
		"CHATBRIDGE_MSIM_ADDR":             &c.MSIM.Addr,
		"CHATBRIDGE_MSIM_LOGIN":            &c.MSIM.Login,
		"CHATBRIDGE_MSIM_PASSWORD":         &c.MSIM.Password,
		"CHATBRIDGE_HTTP_ADDR":             &c.HTTPAddr,
		"CHATBRIDGE_CONTROL_SOCKET":        &c.ControlSocket,
		"CHATBRIDGE_CONTROL_PASSWORD_HASH": &c.ControlPasswordHash,
	}
	for name, dst := range strs {
		if v := getenv(name); v != "" {
			*dst = v
		}
	}

	durations := map[string]*time.Duration{
		"CHATBRIDGE_MSIM_KEEPALIVE":  &c.MSIM.KeepaliveInterval,
		"CHATBRIDGE_PROCESS_SLICE":   &c.ProcessSlice,
		"CHATBRIDGE_RECONNECT_DELAY": &c.ReconnectDelay,
	}
	for name, dst := range durations {
		if v := getenv(name); v != "" {
			d, err := time.ParseDuration(v)
			if err != nil {
				return xerrors.Errorf("%s: %w", name, err)
			}
			*dst = d
		}
	}

	if v := getenv("CHATBRIDGE_RECONNECT_ATTEMPTS"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return xerrors.Errorf("CHATBRIDGE_RECONNECT_ATTEMPTS: %w", err)
		}
		c.ReconnectAttempts = n
	}

	if v := getenv("CHATBRIDGE_LOCAL_USERS"); v != "" {
		c.LocalUsers = nil
		for _, user := range strings.Split(v, ",") {
			if user = strings.TrimSpace(user); user != "" {
				c.LocalUsers = append(c.LocalUsers, user)
			}
		}
	}
	return nil
}

// Validate checks what the broker needs to run.
func (c *Config) Validate() error {
	switch {
	case c.StorePath == "":
		return xerrors.New("store path is required")
	case c.MSIM.Addr == "":
		return xerrors.New("msim address is required")
	case c.MSIM.Login == "":
		return xerrors.New("msim login is required")
	case len(c.LocalUsers) == 0:
		return xerrors.New("at least one local user is required")
	case c.ReconnectAttempts < 1:
		return xerrors.New("reconnect attempts must be at least 1")
	case c.ProcessSlice <= 0 || c.ReconnectDelay <= 0:
		return xerrors.New("process slice and reconnect delay must be positive")
	}
	return nil
}
