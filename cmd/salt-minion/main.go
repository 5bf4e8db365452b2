package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"saltapi/internal/config"
	"saltapi/internal/daemon"
	saltlog "saltapi/internal/log"
	"saltapi/internal/worker"
	"saltapi/internal/worker/executor"
	"saltapi/pkg/store"
)

func main() {
	configDir := flag.String("c", "", "configuration directory")
	logLevel := flag.String("l", "", "console log level")
	id := flag.String("id", "", "minion id (defaults to the hostname)")
	flag.Parse()

	// 1. 配置
	cfg, err := config.Load(config.ConfigDir(*configDir), config.MinionFile, func(cfg *config.Config) {
		if *logLevel != "" {
			cfg.LogLevel = *logLevel
		}
		if *id != "" {
			cfg.Minion.ID = *id
		}
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "salt-minion: %v\n", err)
		os.Exit(daemon.ExitCode(err))
	}

	if err := saltlog.Setup(saltlog.Options{Level: cfg.LogLevel}); err != nil {
		fmt.Fprintf(os.Stderr, "salt-minion: %v\n", err)
		os.Exit(daemon.ExitCode(err))
	}
	defer saltlog.Close()
	logger := saltlog.Get()

	// 2. 连接 Etcd
	etcd, err := store.NewEtcdManager(store.EtcdOptions{
		Endpoints:   cfg.Etcd.Endpoints,
		DialTimeout: cfg.Etcd.DialTimeout.Duration(),
		Username:    cfg.Etcd.Username,
		Password:    cfg.Etcd.Password,
		Prefix:      cfg.Etcd.Prefix,
		KeepJobs:    cfg.KeepJobs.Duration(),
		NodeTTL:     cfg.Minion.NodeTTL.Duration(),
		Logger:      logger,
	})
	if err != nil {
		logger.Error("failed to connect to etcd", "error", err)
		os.Exit(1)
	}
	defer etcd.Close()

	// 3. Docker 不可用时只是少了 docker.run
	opts := worker.Options{
		ID:        cfg.Minion.ID,
		Grains:    cfg.Minion.Grains,
		Pillar:    cfg.Minion.Pillar,
		Heartbeat: cfg.Minion.Heartbeat.Duration(),
		Logger:    logger,
	}
	if docker, err := executor.NewDockerExecutor(logger); err != nil {
		logger.Warn("docker is not available", "error", err)
	} else {
		defer docker.Close()
		opts.Docker = docker
	}
	agent := worker.NewAgent(etcd, opts)

	// 4. 运行直到收到退出信号
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	logger.Info("salt-minion starting", "id", agent.ID)
	if err := agent.Run(ctx); err != nil {
		logger.Error("salt-minion exited", "error", err)
		os.Exit(1)
	}
	logger.Info("shutting down salt-minion")
}
