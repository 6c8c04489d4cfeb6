// Package config loads the bridge's settings from the environment, with a few
// command-line flags layered on top.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/joeshaw/envdecode"
	"github.com/spf13/pflag"
)

// Broadcast backends.
const (
	BroadcastMemory = "memory"
	BroadcastRedis  = "redis"
)

// Config holds every setting of the bridge. Defaults are provided via struct tags.
type Config struct {
	// Port to listen on. ENV: PORT
	Port int `env:"PORT,default=8000"`
	// Host to bind; empty means all interfaces. ENV: HOST
	Host string `env:"HOST"`

	// AsanaToken is passed verbatim to the child. ENV: ASANA_ACCESS_TOKEN
	AsanaToken string `env:"ASANA_ACCESS_TOKEN"`
	// AsanaTokenFile, when set, is re-read on every spawn and watched for
	// rotation. ENV: ASANA_ACCESS_TOKEN_FILE
	AsanaTokenFile string `env:"ASANA_ACCESS_TOKEN_FILE"`

	// MCPCommand and MCPArgs launch the child. MCPArgs is split on whitespace.
	MCPCommand string `env:"MCP_COMMAND,default=npx"`
	MCPArgs    string `env:"MCP_ARGS,default=@roychri/mcp-server-asana"`

	RequestTimeout time.Duration `env:"MCP_REQUEST_TIMEOUT,default=30s"`
	InitDelay      time.Duration `env:"MCP_INIT_DELAY,default=1s"`
	RestartDelay   time.Duration `env:"MCP_RESTART_DELAY,default=5s"`
	Keepalive      time.Duration `env:"SSE_KEEPALIVE,default=30s"`
	// KillGrace is how long the child may ignore SIGTERM on shutdown.
	KillGrace time.Duration `env:"MCP_KILL_GRACE,default=3s"`

	// Broadcast selects the fan-out backend: memory or redis.
	Broadcast    string `env:"BROADCAST_BACKEND,default=memory"`
	RedisAddr    string `env:"REDIS_ADDR,default=localhost:6379"`
	RedisChannel string `env:"REDIS_CHANNEL,default=mcp:sse:broadcast"`

	LogLevel  string `env:"LOG_LEVEL,default=info"`
	LogFormat string `env:"LOG_FORMAT,default=text"`

	// Bearer auth is enabled when AuthIssuer is set.
	AuthIssuer   string `env:"AUTH_ISSUER"`
	AuthAudience string `env:"AUTH_AUDIENCE"`
	AuthJWKSURL  string `env:"AUTH_JWKS_URL"`

	command []string
}

// Load decodes the environment and then applies args (without the program
// name). Positional arguments replace the child command. pflag.ErrHelp is
// returned unchanged when help was requested.
func Load(args []string) (*Config, error) {
	var cfg Config
	if err := envdecode.StrictDecode(&cfg); err != nil {
		return nil, fmt.Errorf("decode environment: %w", err)
	}

	fs := pflag.NewFlagSet("mcp-sse-bridge", pflag.ContinueOnError)
	fs.IntVarP(&cfg.Port, "port", "p", cfg.Port, "port to listen on (env PORT)")
	fs.StringVar(&cfg.Host, "host", cfg.Host, "address to bind (env HOST)")
	fs.StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "debug, info, warn or error (env LOG_LEVEL)")
	fs.StringVar(&cfg.LogFormat, "log-format", cfg.LogFormat, "text or json (env LOG_FORMAT)")
	fs.StringVar(&cfg.Broadcast, "broadcast", cfg.Broadcast, "broadcast backend: memory or redis (env BROADCAST_BACKEND)")
	fs.Usage = func() {
		fmt.Fprintf(fs.Output(), "Usage: mcp-sse-bridge [flags] [-- command args...]\n\n%s", fs.FlagUsages())
	}
	if err := fs.Parse(args); err != nil {
		return nil, err
	}

	if rest := fs.Args(); len(rest) > 0 {
		cfg.command = rest
	} else {
		cfg.command = append([]string{cfg.MCPCommand}, strings.Fields(cfg.MCPArgs)...)
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) validate() error {
	if c.Port < 0 || c.Port > 65535 {
		return fmt.Errorf("invalid port %d", c.Port)
	}
	switch c.Broadcast {
	case BroadcastMemory, BroadcastRedis:
	default:
		return fmt.Errorf("unknown broadcast backend %q", c.Broadcast)
	}
	switch c.LogFormat {
	case "text", "json":
	default:
		return fmt.Errorf("unknown log format %q", c.LogFormat)
	}
	if _, err := c.Level(); err != nil {
		return err
	}
	if len(c.command) == 0 || c.command[0] == "" {
		return errors.New("child command is empty")
	}
	if c.AuthIssuer != "" && c.AuthAudience == "" {
		return errors.New("AUTH_AUDIENCE is required when AUTH_ISSUER is set")
	}
	return nil
}

// Level parses LogLevel.
func (c *Config) Level() (slog.Level, error) {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(c.LogLevel)); err != nil {
		return 0, fmt.Errorf("invalid log level %q: %w", c.LogLevel, err)
	}
	return lvl, nil
}

// Addr is the listen address.
func (c *Config) Addr() string {
	return net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
}

// Command returns the child's executable and arguments.
func (c *Config) Command() (string, []string) {
	return c.command[0], c.command[1:]
}
