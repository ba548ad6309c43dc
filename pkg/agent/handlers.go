package agent

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"botfleet/pkg/logger"
	"botfleet/pkg/protocol"
	"botfleet/pkg/runtime"
	"botfleet/pkg/storage"

	"github.com/klauspost/compress/gzip"
	"go.uber.org/zap"
)

type handlerFunc func(ctx context.Context, payload protocol.Payload) (interface{}, error)

var errNoStorage = errors.New("object storage is not configured on this node")

func (a *Agent) registerHandlers() {
	a.handlers = map[protocol.CommandType]handlerFunc{
		protocol.CommandBotStart:         a.handleStart,
		protocol.CommandBotStop:          a.handleStop,
		protocol.CommandBotRestart:       a.handleRestart,
		protocol.CommandBotExport:        a.handleExport,
		protocol.CommandBotImport:        a.handleImport,
		protocol.CommandBotRemove:        a.handleRemove,
		protocol.CommandBotLogs:          a.handleLogs,
		protocol.CommandBotInspect:       a.handleInspect,
		protocol.CommandBackupUpload:     a.handleUpload,
		protocol.CommandBackupDownload:   a.handleDownload,
		protocol.CommandBackupRunNightly: a.handleRunNightly,
	}
}

// Dispatch runs one command and always returns its result. Unknown types, handler errors and panics
// all become failed results.
func (a *Agent) Dispatch(ctx context.Context, cmd protocol.Command) (result protocol.CommandResult) {
	defer func() {
		if r := recover(); r != nil {
			logger.ErrorCtx(ctx, "command handler panicked: type=%s, panic=%v", cmd.Type, r)
			result = protocol.ErrorResult(cmd, fmt.Errorf("handler panic: %v", r))
		}
	}()

	handler, ok := a.handlers[cmd.Type]
	if !ok || cmd.Payload == nil {
		logger.WarnCtx(ctx, "rejected command: type=%s", cmd.Type)
		return protocol.ErrorResult(cmd, protocol.ErrUnknownCommand)
	}

	start := time.Now()
	data, err := handler(ctx, cmd.Payload)
	if err != nil {
		logger.WarnCtx(ctx, "command failed: type=%s, duration=%v, error=%v", cmd.Type, time.Since(start), err)
		return protocol.ErrorResult(cmd, err)
	}
	logger.InfoCtx(ctx, "command completed: type=%s, duration=%v", cmd.Type, time.Since(start))
	return protocol.SuccessResult(cmd, data)
}

func requireName(name string) error {
	if name == "" {
		return errors.New("name is required")
	}
	return nil
}

func (a *Agent) handleStart(ctx context.Context, p protocol.Payload) (interface{}, error) {
	name := p.(*protocol.BotStartPayload).Name
	if err := requireName(name); err != nil {
		return nil, err
	}
	if err := a.rt.Start(ctx, name); err != nil {
		return nil, err
	}
	a.monitor.ClearStop(name)
	return protocol.ActionResult{Name: name, Action: "started"}, nil
}

func (a *Agent) handleStop(ctx context.Context, p protocol.Payload) (interface{}, error) {
	payload := p.(*protocol.BotStopPayload)
	if err := requireName(payload.Name); err != nil {
		return nil, err
	}
	a.monitor.ExpectStop(payload.Name)
	if err := a.rt.Stop(ctx, payload.Name, time.Duration(payload.TimeoutSeconds)*time.Second); err != nil {
		a.monitor.ClearStop(payload.Name)
		return nil, err
	}
	return protocol.ActionResult{Name: payload.Name, Action: "stopped"}, nil
}

func (a *Agent) handleRestart(ctx context.Context, p protocol.Payload) (interface{}, error) {
	name := p.(*protocol.BotRestartPayload).Name
	if err := requireName(name); err != nil {
		return nil, err
	}
	if err := a.rt.Restart(ctx, name); err != nil {
		return nil, err
	}
	a.monitor.ClearStop(name)
	return protocol.ActionResult{Name: name, Action: "restarted"}, nil
}

func (a *Agent) handleRemove(ctx context.Context, p protocol.Payload) (interface{}, error) {
	payload := p.(*protocol.BotRemovePayload)
	if err := requireName(payload.Name); err != nil {
		return nil, err
	}
	a.monitor.ExpectStop(payload.Name)
	if err := a.rt.Remove(ctx, payload.Name, payload.Force); err != nil {
		a.monitor.ClearStop(payload.Name)
		return nil, err
	}
	return protocol.ActionResult{Name: payload.Name, Action: "removed"}, nil
}

func (a *Agent) handleLogs(ctx context.Context, p protocol.Payload) (interface{}, error) {
	payload := p.(*protocol.BotLogsPayload)
	if err := requireName(payload.Name); err != nil {
		return nil, err
	}
	logs, err := a.rt.Logs(ctx, payload.Name, payload.Tail)
	if err != nil {
		return nil, err
	}
	return protocol.LogsResult{Logs: logs}, nil
}

func (a *Agent) handleInspect(ctx context.Context, p protocol.Payload) (interface{}, error) {
	name := p.(*protocol.BotInspectPayload).Name
	if err := requireName(name); err != nil {
		return nil, err
	}
	return a.rt.Inspect(ctx, name)
}

func (a *Agent) handleExport(ctx context.Context, p protocol.Payload) (interface{}, error) {
	payload := p.(*protocol.BotExportPayload)
	if err := requireName(payload.Name); err != nil {
		return nil, err
	}
	path := payload.Path
	if path == "" {
		path = filepath.Join(a.cfg.BackupDir, fmt.Sprintf("%s_%d.tar.gz", payload.Name, time.Now().UnixMilli()))
	}
	size, err := a.exportTo(ctx, payload.Name, path)
	if err != nil {
		return nil, err
	}
	return protocol.ExportResult{Path: path, SizeBytes: size}, nil
}

// exportTo writes the container filesystem as a gzip tarball; a partial file is removed on failure
func (a *Agent) exportTo(ctx context.Context, name, path string) (int64, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return 0, fmt.Errorf("failed to create backup directory: %w", err)
	}
	f, err := os.Create(path)
	if err != nil {
		return 0, fmt.Errorf("failed to create %s: %w", path, err)
	}

	gz := gzip.NewWriter(f)
	_, exportErr := a.rt.Export(ctx, name, gz)
	if closeErr := gz.Close(); exportErr == nil {
		exportErr = closeErr
	}
	if closeErr := f.Close(); exportErr == nil {
		exportErr = closeErr
	}
	if exportErr != nil {
		os.Remove(path)
		return 0, exportErr
	}

	st, err := os.Stat(path)
	if err != nil {
		return 0, err
	}
	return st.Size(), nil
}

func (a *Agent) handleImport(ctx context.Context, p protocol.Payload) (interface{}, error) {
	payload := p.(*protocol.BotImportPayload)
	if err := requireName(payload.Name); err != nil {
		return nil, err
	}
	if payload.Path == "" {
		return nil, errors.New("path is required")
	}

	f, err := os.Open(payload.Path)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s: %w", payload.Path, err)
	}
	defer f.Close()

	gz, err := gzip.NewReader(f)
	if err != nil {
		return nil, fmt.Errorf("%s is not a gzip archive: %w", payload.Path, err)
	}
	defer gz.Close()

	res, err := a.rt.Import(ctx, payload.Name, gz, runtime.ImportOptions{
		Cmd:      payload.Cmd,
		Env:      payload.Env,
		MemoryMB: payload.MemoryMB,
		Start:    !payload.NoStart,
	})
	if err != nil {
		return nil, err
	}
	a.monitor.ClearStop(payload.Name)
	return protocol.ImportResult{ContainerID: res.ContainerID, Image: res.Image, Started: !payload.NoStart}, nil
}

func (a *Agent) handleUpload(ctx context.Context, p protocol.Payload) (interface{}, error) {
	payload := p.(*protocol.BackupUploadPayload)
	if a.store == nil {
		return nil, errNoStorage
	}
	if payload.LocalPath == "" || payload.RemoteKey == "" {
		return nil, errors.New("local_path and remote_key are required")
	}

	size, err := a.store.Upload(ctx, payload.LocalPath, payload.RemoteKey)
	if err != nil {
		return nil, err
	}
	if payload.DeleteLocal {
		if err := os.Remove(payload.LocalPath); err != nil {
			logger.WarnCtx(ctx, "failed to delete %s after upload: %v", payload.LocalPath, err)
		}
	}
	return protocol.TransferResult{RemoteKey: payload.RemoteKey, LocalPath: payload.LocalPath, SizeBytes: size}, nil
}

func (a *Agent) handleDownload(ctx context.Context, p protocol.Payload) (interface{}, error) {
	payload := p.(*protocol.BackupDownloadPayload)
	if a.store == nil {
		return nil, errNoStorage
	}
	if payload.LocalPath == "" || payload.RemoteKey == "" {
		return nil, errors.New("local_path and remote_key are required")
	}
	if err := os.MkdirAll(filepath.Dir(payload.LocalPath), 0755); err != nil {
		return nil, fmt.Errorf("failed to create download directory: %w", err)
	}

	size, err := a.store.Download(ctx, payload.RemoteKey, payload.LocalPath)
	if err != nil {
		return nil, err
	}
	return protocol.TransferResult{RemoteKey: payload.RemoteKey, LocalPath: payload.LocalPath, SizeBytes: size}, nil
}

// handleRunNightly backs up every tenant container to the nightly tier. One container's failure does not stop the rest.
func (a *Agent) handleRunNightly(ctx context.Context, _ protocol.Payload) (interface{}, error) {
	if a.store == nil {
		return nil, errNoStorage
	}
	containers, err := a.rt.List(ctx, a.cfg.ContainerPrefix)
	if err != nil {
		return nil, err
	}

	now := time.Now()
	out := protocol.NightlyResult{Results: make([]protocol.NightlyBackupResult, 0, len(containers))}
	for _, c := range containers {
		res := protocol.NightlyBackupResult{Container: c.Name}
		key := storage.NightlyKey(a.cfg.NodeID, c.Name, now)
		local := filepath.Join(a.cfg.BackupDir, fmt.Sprintf("nightly_%s_%d.tar.gz", c.Name, now.UnixMilli()))

		size, err := a.exportTo(ctx, c.Name, local)
		if err == nil {
			size, err = a.store.Upload(ctx, local, key)
			os.Remove(local)
		}
		if err != nil {
			res.Error = err.Error()
			logger.Warn("nightly backup failed", zap.String("container", c.Name), zap.Error(err))
		} else {
			res.Success = true
			res.RemoteKey = key
			res.SizeBytes = size
		}
		out.Results = append(out.Results, res)
	}
	return out, nil
}
