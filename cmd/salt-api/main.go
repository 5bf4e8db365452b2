package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"golang.org/x/sync/errgroup"

	"saltapi/internal/client"
	"saltapi/internal/config"
	"saltapi/internal/daemon"
	"saltapi/internal/jobcache"
	saltlog "saltapi/internal/log"
	"saltapi/internal/netapi"
	"saltapi/pkg/store"
)

type options struct {
	configDir    string
	logLevel     string
	logFileLevel string
	logFile      string
	pidFile      string
	daemon       bool
	skipVerify   bool
}

func parseFlags(args []string) (*options, error) {
	opts := &options{}
	fs := flag.NewFlagSet("salt-api", flag.ContinueOnError)
	fs.StringVar(&opts.configDir, "c", "", "configuration directory")
	fs.StringVar(&opts.configDir, "config-dir", "", "configuration directory")
	fs.StringVar(&opts.logLevel, "l", "", "console log level")
	fs.StringVar(&opts.logLevel, "log-level", "", "console log level")
	fs.StringVar(&opts.logFileLevel, "log-file-level", "", "log file level")
	fs.StringVar(&opts.logFile, "log-file", "", "log file path or tcp:// udp:// file:// target")
	fs.StringVar(&opts.pidFile, "pid-file", "", "pid file path")
	fs.BoolVar(&opts.daemon, "d", false, "run in the background")
	fs.BoolVar(&opts.daemon, "daemon", false, "run in the background")
	fs.BoolVar(&opts.skipVerify, "skip-verify", false, "skip log file verification")
	if err := fs.Parse(args); err != nil {
		return nil, err
	}
	return opts, nil
}

// overrides 命令行参数覆盖配置文件
func (o *options) overrides(cfg *config.Config) {
	if o.logLevel != "" {
		cfg.LogLevel = o.logLevel
	}
	if o.logFileLevel != "" {
		cfg.LogLevelLogfile = o.logFileLevel
	}
	if o.logFile != "" {
		cfg.LogFile = o.logFile
	}
	if o.pidFile != "" {
		cfg.PidFile = o.pidFile
	}
	if o.daemon {
		cfg.Daemon = true
	}
	if o.skipVerify {
		cfg.VerifyEnv = false
	}
}

func main() {
	os.Exit(run(os.Args[1:], os.Stderr))
}

func run(args []string, stderr io.Writer) int {
	// 1. 解析参数并加载配置
	opts, err := parseFlags(args)
	if err != nil {
		return 2
	}
	cfg, err := config.Load(config.ConfigDir(opts.configDir), config.MasterFile, opts.overrides)
	if err != nil {
		fmt.Fprintf(stderr, "salt-api: %v\n", err)
		return daemon.ExitCode(err)
	}

	// 2. 校验日志文件，失败时用 errno 退出
	if cfg.VerifyEnv {
		if err := daemon.VerifyLogFile(cfg.LogFile, cfg.User); err != nil {
			fmt.Fprintf(stderr, "salt-api: %v\n", err)
			return daemon.ExitCode(err)
		}
	}

	// 3. 后台运行，父进程直接退出
	if cfg.Daemon {
		child, pid, err := daemon.Daemonize()
		if err != nil {
			fmt.Fprintf(stderr, "salt-api: %v\n", err)
			return daemon.ExitCode(err)
		}
		if !child {
			fmt.Fprintf(stderr, "salt-api started in the background (pid %d)\n", pid)
			return 0
		}
	}

	// 4. 日志
	logger, closer, err := saltlog.New(saltlog.Options{
		Level:     cfg.LogLevel,
		File:      cfg.LogFile,
		FileLevel: cfg.LogLevelLogfile,
		Console:   stderr,
	})
	if err != nil {
		fmt.Fprintf(stderr, "salt-api: %v\n", err)
		return daemon.ExitCode(err)
	}
	defer closer.Close()
	slog.SetDefault(logger)

	// 5. pid 文件
	if cfg.PidFile != "" {
		lock, err := daemon.AcquirePIDLock(cfg.PidFile)
		if err != nil {
			logger.Error("failed to write pid file", "path", cfg.PidFile, "error", err)
			return daemon.ExitCode(err)
		}
		defer lock.Release()
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := serve(ctx, cfg, logger); err != nil {
		logger.Error("salt-api exited", "error", err)
		return daemon.ExitCode(err)
	}
	return 0
}

// serve 连接 etcd，组装 LocalClient 和 HTTP 服务
func serve(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	etcd, err := store.NewEtcdManager(store.EtcdOptions{
		Endpoints:   cfg.Etcd.Endpoints,
		DialTimeout: cfg.Etcd.DialTimeout.Duration(),
		Username:    cfg.Etcd.Username,
		Password:    cfg.Etcd.Password,
		Prefix:      cfg.Etcd.Prefix,
		KeepJobs:    cfg.KeepJobs.Duration(),
		Nodegroups:  cfg.Nodegroups,
		Logger:      logger,
	})
	if err != nil {
		return err
	}
	defer etcd.Close()

	lc := client.NewLocalClient(etcd, client.Options{
		Timeout:      cfg.Timeout.Duration(),
		OrderMasters: cfg.OrderMasters,
		Logger:       logger,
	})

	var cache netapi.JobCache
	if cfg.JobCache != "" {
		c, err := jobcache.Open(ctx, cfg.JobCache)
		if err != nil {
			return err
		}
		defer c.Close()
		cache = c
	}

	srv := netapi.New(netapi.Config{
		Listen:      cfg.API.Addr(),
		CORSOrigins: cfg.API.CORSOrigin,
	}, lc, etcd, cache, logger)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return srv.Run(gctx)
	})
	return g.Wait()
}
