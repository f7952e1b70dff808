package main

import (
	"context"
	"errors"
	"flag"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/matst80/sqltap/internal/obs"
	"github.com/matst80/sqltap/internal/ratelimit"
	"github.com/matst80/sqltap/internal/relay"
	"github.com/matst80/sqltap/internal/sqllog"
	"github.com/redis/go-redis/v9"
)

func main() {
	cfg, err := parseConfig(os.Args[0], os.Args[1:], os.Stderr)
	if errors.Is(err, flag.ErrHelp) {
		os.Exit(0)
	}
	if err != nil {
		obs.Error("config", obs.Fields{}.Err(err))
		os.Exit(1)
	}
	os.Exit(run(cfg))
}

func run(cfg *Config) int {
	if cfg.Debug {
		obs.EnableDebug(true)
	}
	obs.Info("relay.start", obs.Fields{"listen": cfg.ListenAddr, "upstream": cfg.UpstreamAddr, "log_file": cfg.LogFile, "metrics": cfg.MetricsAddr})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	rdb, err := newRedisClient(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
	if err != nil {
		obs.Error("redis.connect", obs.Fields{"addr": cfg.RedisAddr}.Err(err))
		return 1
	}
	if rdb != nil {
		defer rdb.Close()
	}
	state := newStateStore(rdb)
	if rs, ok := state.(*redisStateStore); ok {
		go rs.startMaintenance(ctx)
	}

	writer, err := openWriter(cfg, rdb)
	if err != nil {
		obs.Error("sqllog.open", obs.Fields{}.Err(err))
		return 1
	}
	defer func() {
		if err := writer.Close(); err != nil {
			obs.Error("sqllog.close", obs.Fields{}.Err(err))
		}
	}()

	opts := []relay.Option{
		relay.WithRecorder(sqllog.NewRecorder(writer)),
		relay.WithTracker(state),
		relay.WithDialer(&net.Dialer{Timeout: cfg.DialTimeout}),
	}
	limiter := ratelimit.NewConnLimiter(cfg.GlobalConnRate, cfg.ConnRate, cfg.Burst)
	if limiter.Enabled() {
		opts = append(opts, relay.WithLimiter(limiter))
		go runCleanupLoop(ctx, limiter, time.Minute, cfg.LimiterIdle)
	}

	acceptor, err := relay.Listen(cfg.ListenAddr, cfg.UpstreamAddr, opts...)
	if err != nil {
		obs.Error("listen", obs.Fields{"addr": cfg.ListenAddr}.Err(err))
		return 1
	}

	if cfg.MetricsAddr != "" {
		go startMetricsServer(ctx, cfg.MetricsAddr, adminHandler(state, writer, cfg.Debug))
	}

	state.setReady(true)
	obs.Info("relay.ready", obs.Fields{"addr": acceptor.Addr().String()})

	if err := acceptor.Serve(ctx); err != nil {
		// sessions already running keep relaying until shutdown
		state.setReady(false)
		obs.Error("relay.accept_stopped", obs.Fields{}.Err(err))
		<-ctx.Done()
	}

	obs.Info("relay.shutdown", obs.Fields{"active": state.getStats().Active})
	state.setClosing(true)
	return 0
}

// openWriter builds the query log writer with the file sink and any
// optional sinks enabled in cfg.
func openWriter(cfg *Config, rdb *redis.Client) (*sqllog.Writer, error) {
	fileSink, err := sqllog.NewFileSink(cfg.LogFile)
	if err != nil {
		return nil, err
	}
	sinks := []sqllog.Sink{fileSink}
	if cfg.SQLitePath != "" {
		s, err := sqllog.NewSQLiteSink(cfg.SQLitePath)
		if err != nil {
			return nil, err
		}
		sinks = append(sinks, s)
		obs.Info("sqllog.sink", obs.Fields{"type": "sqlite", "path": cfg.SQLitePath})
	}
	if rdb != nil {
		sinks = append(sinks, sqllog.NewRedisSink(rdb, cfg.RedisStream, cfg.RedisStreamLen))
		obs.Info("sqllog.sink", obs.Fields{"type": "redis", "stream": cfg.RedisStream})
	}
	return sqllog.NewWriter(cfg.LogQueue, sinks...), nil
}

// runCleanupLoop forgets rate limiter state for hosts that stopped connecting.
func runCleanupLoop(ctx context.Context, limiter *ratelimit.ConnLimiter, interval, idle time.Duration) {
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			if n := limiter.Prune(idle); n > 0 {
				obs.Debug("ratelimit.pruned", obs.Fields{"hosts": n})
			}
		}
	}
}
