package agent

import (
	"context"
	"time"

	"botfleet/pkg/logger"
	"botfleet/pkg/protocol"
	"botfleet/pkg/sysinfo"

	"go.uber.org/zap"
)

// heartbeatLoop sends a heartbeat immediately and then on every interval until ctx is done
func (a *Agent) heartbeatLoop(ctx context.Context) {
	interval := a.cfg.HeartbeatInterval
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	a.sendHeartbeat(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			a.sendHeartbeat(ctx)
		}
	}
}

func (a *Agent) sendHeartbeat(ctx context.Context) {
	hb, err := a.collectHeartbeat(ctx)
	if err != nil {
		logger.WarnCtx(ctx, "heartbeat collection failed, skipping: %v", err)
		return
	}
	if !a.send(hb) {
		logger.Debug("dropped heartbeat, not connected", zap.String("node_id", a.cfg.NodeID))
	}
}

func (a *Agent) collectHeartbeat(ctx context.Context) (protocol.Heartbeat, error) {
	containers, err := a.rt.List(ctx, a.cfg.ContainerPrefix)
	if err != nil {
		return protocol.Heartbeat{}, err
	}

	stats := make([]protocol.ContainerStats, 0, len(containers))
	for _, c := range containers {
		if !c.Running {
			stats = append(stats, protocol.ContainerStats{Name: c.Name, State: c.State})
			continue
		}
		s, err := a.rt.Stats(ctx, c.Name)
		if err != nil {
			// the container may have exited between list and stats
			logger.Debug("container stats unavailable", zap.String("container", c.Name), zap.Error(err))
			stats = append(stats, protocol.ContainerStats{Name: c.Name, State: c.State})
			continue
		}
		stats = append(stats, s)
	}

	return protocol.Heartbeat{
		Type:       protocol.MessageHeartbeat,
		NodeID:     a.cfg.NodeID,
		Containers: stats,
		Resources:  a.collectResources(),
		Timestamp:  time.Now().UTC(),
	}, nil
}

func (a *Agent) collectResources() protocol.Resources {
	res := protocol.Resources{CPUCount: sysinfo.CPUCount()}
	if mem, err := sysinfo.Memory(); err == nil {
		res.MemoryTotalMB = sysinfo.ToMB(mem.TotalBytes)
		res.MemoryUsedMB = sysinfo.ToMB(mem.UsedBytes)
	}
	if disk, err := sysinfo.Disk(a.cfg.DiskPath); err == nil {
		res.DiskTotalMB = sysinfo.ToMB(disk.TotalBytes)
		res.DiskUsedMB = sysinfo.ToMB(disk.UsedBytes)
		res.DiskUsePercent = disk.UsedPercent()
	}
	return res
}
