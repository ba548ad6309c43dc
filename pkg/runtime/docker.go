package runtime

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"botfleet/pkg/protocol"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/events"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"
)

const (
	imageRepository = "botfleet/restored"
	defaultLogTail  = 200
	bytesPerMB      = 1024 * 1024
)

// dockerAPI is the subset of the Docker client used here
type dockerAPI interface {
	ContainerStart(ctx context.Context, containerID string, options container.StartOptions) error
	ContainerStop(ctx context.Context, containerID string, options container.StopOptions) error
	ContainerRestart(ctx context.Context, containerID string, options container.StopOptions) error
	ContainerExport(ctx context.Context, containerID string) (io.ReadCloser, error)
	ImageImport(ctx context.Context, source image.ImportSource, ref string, options image.ImportOptions) (io.ReadCloser, error)
	ContainerCreate(ctx context.Context, config *container.Config, hostConfig *container.HostConfig, networkingConfig *network.NetworkingConfig, platform *ocispec.Platform, containerName string) (container.CreateResponse, error)
	ContainerRemove(ctx context.Context, containerID string, options container.RemoveOptions) error
	ContainerInspect(ctx context.Context, containerID string) (container.InspectResponse, error)
	ContainerLogs(ctx context.Context, containerID string, options container.LogsOptions) (io.ReadCloser, error)
	ContainerList(ctx context.Context, options container.ListOptions) ([]container.Summary, error)
	ContainerStats(ctx context.Context, containerID string, stream bool) (container.StatsResponseReader, error)
	Events(ctx context.Context, options events.ListOptions) (<-chan events.Message, <-chan error)
}

// Docker implements Runtime on the local Docker engine
type Docker struct {
	api dockerAPI
}

// NewDocker connects to the engine configured by the DOCKER_* environment
func NewDocker() (*Docker, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("failed to create docker client: %w", err)
	}
	return &Docker{api: cli}, nil
}

// Close releases the engine client
func (d *Docker) Close() error {
	if c, ok := d.api.(io.Closer); ok {
		return c.Close()
	}
	return nil
}

func newDockerWithAPI(api dockerAPI) *Docker {
	return &Docker{api: api}
}

func wrapErr(op, name string, err error) error {
	if err == nil {
		return nil
	}
	if client.IsErrNotFound(err) {
		return fmt.Errorf("%s %s: %w", op, name, ErrNotFound)
	}
	return fmt.Errorf("%s %s: %w", op, name, err)
}

func (d *Docker) Start(ctx context.Context, name string) error {
	return wrapErr("start", name, d.api.ContainerStart(ctx, name, container.StartOptions{}))
}

func (d *Docker) Stop(ctx context.Context, name string, timeout time.Duration) error {
	opts := container.StopOptions{}
	if timeout > 0 {
		secs := int(timeout.Seconds())
		opts.Timeout = &secs
	}
	return wrapErr("stop", name, d.api.ContainerStop(ctx, name, opts))
}

func (d *Docker) Restart(ctx context.Context, name string) error {
	return wrapErr("restart", name, d.api.ContainerRestart(ctx, name, container.StopOptions{}))
}

func (d *Docker) Export(ctx context.Context, name string, w io.Writer) (int64, error) {
	rc, err := d.api.ContainerExport(ctx, name)
	if err != nil {
		return 0, wrapErr("export", name, err)
	}
	defer rc.Close()

	n, err := io.Copy(w, rc)
	if err != nil {
		return n, fmt.Errorf("export %s: %w", name, err)
	}
	return n, nil
}

func (d *Docker) Import(ctx context.Context, name string, r io.Reader, opts ImportOptions) (ImportResult, error) {
	ref := fmt.Sprintf("%s:%s-%d", imageRepository, name, time.Now().Unix())

	rc, err := d.api.ImageImport(ctx, image.ImportSource{Source: r, SourceName: "-"}, ref, image.ImportOptions{})
	if err != nil {
		return ImportResult{}, fmt.Errorf("import image for %s: %w", name, err)
	}
	// the import only completes once its progress stream is drained
	_, err = io.Copy(io.Discard, rc)
	rc.Close()
	if err != nil {
		return ImportResult{}, fmt.Errorf("import image for %s: %w", name, err)
	}

	hostConfig := &container.HostConfig{}
	if opts.MemoryMB > 0 {
		hostConfig.Resources.Memory = opts.MemoryMB * bytesPerMB
	}

	created, err := d.api.ContainerCreate(ctx, &container.Config{
		Image:  ref,
		Cmd:    opts.Cmd,
		Env:    opts.Env,
		Labels: map[string]string{"botfleet.tenant": name},
	}, hostConfig, nil, nil, name)
	if err != nil {
		return ImportResult{}, wrapErr("create", name, err)
	}

	if opts.Start {
		if err := d.api.ContainerStart(ctx, created.ID, container.StartOptions{}); err != nil {
			return ImportResult{ContainerID: created.ID, Image: ref}, wrapErr("start", name, err)
		}
	}
	return ImportResult{ContainerID: created.ID, Image: ref}, nil
}

func (d *Docker) Remove(ctx context.Context, name string, force bool) error {
	return wrapErr("remove", name, d.api.ContainerRemove(ctx, name, container.RemoveOptions{Force: force}))
}

func (d *Docker) Inspect(ctx context.Context, name string) (protocol.ContainerInfo, error) {
	resp, err := d.api.ContainerInspect(ctx, name)
	if err != nil {
		return protocol.ContainerInfo{}, wrapErr("inspect", name, err)
	}
	return inspectToInfo(resp), nil
}

func inspectToInfo(resp container.InspectResponse) protocol.ContainerInfo {
	info := protocol.ContainerInfo{}
	if resp.ContainerJSONBase != nil {
		info.ID = resp.ID
		info.Name = strings.TrimPrefix(resp.Name, "/")
		if st := resp.State; st != nil {
			info.State = string(st.Status)
			info.Running = st.Running
			info.ExitCode = st.ExitCode
			info.OOMKilled = st.OOMKilled
			if st.Health != nil {
				info.Health = string(st.Health.Status)
			}
			if started, err := time.Parse(time.RFC3339Nano, st.StartedAt); err == nil {
				info.StartedAt = started
			}
		}
	}
	if resp.Config != nil {
		info.Image = resp.Config.Image
	}
	return info
}

func (d *Docker) Logs(ctx context.Context, name string, tail int) (string, error) {
	if tail <= 0 {
		tail = defaultLogTail
	}
	rc, err := d.api.ContainerLogs(ctx, name, container.LogsOptions{
		ShowStdout: true,
		ShowStderr: true,
		Timestamps: true,
		Tail:       strconv.Itoa(tail),
	})
	if err != nil {
		return "", wrapErr("logs", name, err)
	}
	defer rc.Close()

	var out bytes.Buffer
	if _, err := stdcopy.StdCopy(&out, &out, rc); err != nil {
		return "", fmt.Errorf("logs %s: %w", name, err)
	}
	return out.String(), nil
}

func (d *Docker) List(ctx context.Context, prefix string) ([]protocol.ContainerInfo, error) {
	opts := container.ListOptions{All: true}
	if prefix != "" {
		opts.Filters = filters.NewArgs(filters.Arg("name", "^/"+prefix))
	}
	summaries, err := d.api.ContainerList(ctx, opts)
	if err != nil {
		return nil, fmt.Errorf("list containers: %w", err)
	}

	infos := make([]protocol.ContainerInfo, 0, len(summaries))
	for _, s := range summaries {
		name := summaryName(s)
		if !strings.HasPrefix(name, prefix) {
			continue
		}
		infos = append(infos, protocol.ContainerInfo{
			ID:      s.ID,
			Name:    name,
			Image:   s.Image,
			State:   string(s.State),
			Running: s.State == "running",
		})
	}
	return infos, nil
}

func summaryName(s container.Summary) string {
	if len(s.Names) == 0 {
		return ""
	}
	return strings.TrimPrefix(s.Names[0], "/")
}

func (d *Docker) Stats(ctx context.Context, name string) (protocol.ContainerStats, error) {
	reader, err := d.api.ContainerStats(ctx, name, false)
	if err != nil {
		return protocol.ContainerStats{}, wrapErr("stats", name, err)
	}
	defer reader.Body.Close()

	var stats container.StatsResponse
	if err := json.NewDecoder(reader.Body).Decode(&stats); err != nil {
		return protocol.ContainerStats{}, fmt.Errorf("stats %s: %w", name, err)
	}
	return statsToProtocol(name, stats), nil
}

func statsToProtocol(name string, s container.StatsResponse) protocol.ContainerStats {
	out := protocol.ContainerStats{Name: name, State: "running"}

	cpuDelta := float64(s.CPUStats.CPUUsage.TotalUsage) - float64(s.PreCPUStats.CPUUsage.TotalUsage)
	sysDelta := float64(s.CPUStats.SystemUsage) - float64(s.PreCPUStats.SystemUsage)
	cpus := float64(s.CPUStats.OnlineCPUs)
	if cpus == 0 {
		cpus = float64(len(s.CPUStats.CPUUsage.PercpuUsage))
	}
	if cpuDelta > 0 && sysDelta > 0 && cpus > 0 {
		out.CPUPercent = cpuDelta / sysDelta * cpus * 100
	}

	usage := s.MemoryStats.Usage
	// page cache is reclaimable and not counted as container memory
	if cache, ok := s.MemoryStats.Stats["inactive_file"]; ok && cache < usage {
		usage -= cache
	}
	out.MemoryUsageMB = float64(usage) / bytesPerMB
	out.MemoryLimitMB = float64(s.MemoryStats.Limit) / bytesPerMB
	return out
}

func (d *Docker) Events(ctx context.Context) (<-chan Event, <-chan error) {
	msgs, errs := d.api.Events(ctx, events.ListOptions{
		Filters: filters.NewArgs(filters.Arg("type", string(events.ContainerEventType))),
	})

	out := make(chan Event)
	outErr := make(chan error, 1)
	go func() {
		defer close(out)
		for {
			select {
			case <-ctx.Done():
				return
			case err, ok := <-errs:
				if !ok {
					outErr <- io.EOF
					return
				}
				outErr <- err
				return
			case msg, ok := <-msgs:
				if !ok {
					outErr <- io.EOF
					return
				}
				select {
				case out <- normalizeEvent(msg):
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out, outErr
}

func normalizeEvent(msg events.Message) Event {
	ev := Event{
		Container: msg.Actor.Attributes["name"],
		Time:      time.Unix(0, msg.TimeNano),
	}
	action := string(msg.Action)
	switch {
	case action == "die":
		ev.Kind = EventDie
		if code, err := strconv.Atoi(msg.Actor.Attributes["exitCode"]); err == nil {
			ev.ExitCode = code
		}
	case action == "start":
		ev.Kind = EventStart
	case strings.HasPrefix(action, "health_status"):
		ev.Kind = EventHealth
		ev.Health = strings.TrimSpace(strings.TrimPrefix(action, "health_status:"))
	default:
		ev.Kind = EventOther
	}
	return ev
}
