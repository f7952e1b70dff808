package main

import (
	"flag"
	"fmt"
	"io"
	"net"
	"strconv"
	"time"

	"github.com/matst80/sqltap/internal/sqllog"
)

// Config holds all runtime configuration derived from flags.
type Config struct {
	ListenAddr   string
	UpstreamAddr string
	DialTimeout  time.Duration

	LogFile    string
	LogQueue   int
	SQLitePath string

	RedisAddr      string
	RedisPassword  string
	RedisDB        int
	RedisStream    string
	RedisStreamLen int64

	ConnRate       int
	GlobalConnRate int
	Burst          int
	LimiterIdle    time.Duration

	MetricsAddr string
	Debug       bool
}

const usageLine = "usage: sqltap [flags] [<local host> <local port> <server host> <server port>]"

// parseConfig reads flags from args. The four positional arguments, when
// present, override -listen and -upstream.
func parseConfig(name string, args []string, output io.Writer) (*Config, error) {
	cfg := &Config{}
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	fs.SetOutput(output)
	fs.Usage = func() {
		fmt.Fprintln(fs.Output(), usageLine)
		fs.PrintDefaults()
	}
	fs.StringVar(&cfg.ListenAddr, "listen", "127.0.0.1:3307", "local address to accept clients on")
	fs.StringVar(&cfg.UpstreamAddr, "upstream", "127.0.0.1:3306", "server address every client is relayed to")
	fs.DurationVar(&cfg.DialTimeout, "dial-timeout", 10*time.Second, "time limit for connecting to the upstream")
	fs.StringVar(&cfg.LogFile, "log-file", sqllog.DefaultPath, "query log file, appended to")
	fs.IntVar(&cfg.LogQueue, "log-queue", sqllog.DefaultQueueSize, "captured packets buffered before new ones are dropped")
	fs.StringVar(&cfg.SQLitePath, "sqlite", "", "also store captured packets in this SQLite database")
	fs.StringVar(&cfg.RedisAddr, "redis-addr", "", "redis address; enables shared session state and the packet stream")
	fs.StringVar(&cfg.RedisPassword, "redis-password", "", "redis password")
	fs.IntVar(&cfg.RedisDB, "redis-db", 0, "redis database number")
	fs.StringVar(&cfg.RedisStream, "redis-stream", sqllog.DefaultStream, "redis stream captured packets are added to")
	fs.Int64Var(&cfg.RedisStreamLen, "redis-stream-len", 100000, "approximate maximum length of the redis stream (0 = unbounded)")
	fs.IntVar(&cfg.ConnRate, "conn-rate", 0, "new connections per second allowed per client host (0 = unlimited)")
	fs.IntVar(&cfg.GlobalConnRate, "global-conn-rate", 0, "new connections per second allowed overall (0 = unlimited)")
	fs.IntVar(&cfg.Burst, "burst", 10, "connection burst size for the rate limits")
	fs.DurationVar(&cfg.LimiterIdle, "limiter-idle", 10*time.Minute, "forget per-host rate limit state after this long without connections")
	fs.StringVar(&cfg.MetricsAddr, "metrics", ":9100", "metrics, health and dashboard listen address (empty disables)")
	fs.BoolVar(&cfg.Debug, "debug", false, "enable debug logs")

	if err := fs.Parse(args); err != nil {
		return nil, err
	}
	switch rest := fs.Args(); len(rest) {
	case 0:
	case 4:
		if err := validPort(rest[1]); err != nil {
			return nil, fmt.Errorf("local port: %w", err)
		}
		if err := validPort(rest[3]); err != nil {
			return nil, fmt.Errorf("server port: %w", err)
		}
		cfg.ListenAddr = net.JoinHostPort(rest[0], rest[1])
		cfg.UpstreamAddr = net.JoinHostPort(rest[2], rest[3])
	default:
		return nil, fmt.Errorf("expected 0 or 4 arguments, got %d\n%s", len(rest), usageLine)
	}
	if _, _, err := net.SplitHostPort(cfg.ListenAddr); err != nil {
		return nil, fmt.Errorf("listen address: %w", err)
	}
	if _, _, err := net.SplitHostPort(cfg.UpstreamAddr); err != nil {
		return nil, fmt.Errorf("upstream address: %w", err)
	}
	return cfg, nil
}

func validPort(s string) error {
	if _, err := strconv.ParseUint(s, 10, 16); err != nil {
		return fmt.Errorf("invalid port %q", s)
	}
	return nil
}
