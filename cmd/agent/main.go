// Command agent runs on every node: it registers with the control plane, keeps the command channel
// open and watches tenant containers.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"botfleet/pkg/agent"
	"botfleet/pkg/config"
	"botfleet/pkg/logger"
	"botfleet/pkg/runtime"
	"botfleet/pkg/storage"
	"botfleet/pkg/sysinfo"

	"go.uber.org/zap"
)

func main() {
	cfg, err := config.LoadAgentConfig()
	if err != nil {
		logger.Fatal("invalid agent configuration", zap.Error(err))
	}
	if err := logger.Init(cfg.Logger); err != nil {
		logger.Fatal("failed to initialize logger", zap.Error(err))
	}
	defer logger.Sync()

	if cfg.Host == "" {
		if host, err := os.Hostname(); err == nil {
			cfg.Host = host
		}
	}
	if cfg.CapacityMB <= 0 {
		if mem, err := sysinfo.Memory(); err == nil {
			cfg.CapacityMB = sysinfo.ToMB(mem.TotalBytes)
		}
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	rt, err := runtime.NewDocker()
	if err != nil {
		logger.Fatal("failed to connect to docker", zap.Error(err))
	}
	defer rt.Close()

	store, err := storage.New(ctx, cfg.Storage)
	if err != nil {
		// backup commands fail until storage is fixed; container management still works
		logger.Error("object storage unavailable, backup commands will fail", zap.Error(err))
	}

	a := agent.New(cfg, rt, store)
	if err := a.Register(ctx); err != nil {
		logger.Fatal("registration failed", zap.Error(err), zap.String("node_id", cfg.NodeID))
	}

	logger.Info("agent started",
		zap.String("node_id", cfg.NodeID),
		zap.String("host", cfg.Host),
		zap.Int64("capacity_mb", cfg.CapacityMB),
		zap.String("version", cfg.AgentVersion),
	)

	errCh := make(chan error, 1)
	go func() { errCh <- a.Run(ctx) }()

	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
		a.Shutdown()
		<-errCh
	case err := <-errCh:
		if err != nil {
			logger.Error("agent stopped", zap.Error(err))
			os.Exit(1)
		}
	}
	logger.Info("agent stopped")
}
