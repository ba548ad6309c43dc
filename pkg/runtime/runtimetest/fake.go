// Package runtimetest provides an in-memory runtime.Runtime for tests.
package runtimetest

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"sort"
	"strings"
	"sync"
	"time"

	"botfleet/pkg/protocol"
	"botfleet/pkg/runtime"
)

// Fake keeps containers in memory. Errors set in Fail are returned by the matching operation.
type Fake struct {
	mu         sync.Mutex
	containers map[string]*fakeContainer
	calls      []string

	// Fail maps an operation name (start, stop, restart, export, import, remove, inspect, logs, list, stats)
	// to the error it should return
	Fail map[string]error

	subscriptions chan chan runtime.Event
	subErrs       chan chan error
}

type fakeContainer struct {
	info protocol.ContainerInfo
	fs   []byte
	logs string
}

func NewFake() *Fake {
	return &Fake{
		containers:    make(map[string]*fakeContainer),
		Fail:          make(map[string]error),
		subscriptions: make(chan chan runtime.Event, 16),
		subErrs:       make(chan chan error, 16),
	}
}

// Add registers a container with the given filesystem contents
func (f *Fake) Add(name string, running bool, fs []byte) {
	f.mu.Lock()
	defer f.mu.Unlock()
	state := "exited"
	if running {
		state = "running"
	}
	f.containers[name] = &fakeContainer{
		info: protocol.ContainerInfo{ID: "id-" + name, Name: name, Image: "bot:latest", State: state, Running: running},
		fs:   fs,
		logs: "log line for " + name + "\n",
	}
}

// SetFail sets or clears the error for op
func (f *Fake) SetFail(op string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err == nil {
		delete(f.Fail, op)
		return
	}
	f.Fail[op] = err
}

// Calls returns the recorded operations as "op:name"
func (f *Fake) Calls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

// Has reports whether the container exists
func (f *Fake) Has(name string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.containers[name]
	return ok
}

// FS returns the container filesystem
func (f *Fake) FS(name string) []byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	if c, ok := f.containers[name]; ok {
		return append([]byte(nil), c.fs...)
	}
	return nil
}

func (f *Fake) record(op, name string) (*fakeContainer, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, op+":"+name)
	if err := f.Fail[op]; err != nil {
		return nil, err
	}
	if name == "" {
		return nil, nil
	}
	c, ok := f.containers[name]
	if !ok {
		return nil, fmt.Errorf("%s %s: %w", op, name, runtime.ErrNotFound)
	}
	return c, nil
}

func (f *Fake) setRunning(c *fakeContainer, running bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	c.info.Running = running
	if running {
		c.info.State = "running"
		c.info.StartedAt = time.Now()
	} else {
		c.info.State = "exited"
	}
}

func (f *Fake) Start(ctx context.Context, name string) error {
	c, err := f.record("start", name)
	if err != nil {
		return err
	}
	f.setRunning(c, true)
	return nil
}

func (f *Fake) Stop(ctx context.Context, name string, timeout time.Duration) error {
	c, err := f.record("stop", name)
	if err != nil {
		return err
	}
	f.setRunning(c, false)
	return nil
}

func (f *Fake) Restart(ctx context.Context, name string) error {
	c, err := f.record("restart", name)
	if err != nil {
		return err
	}
	f.setRunning(c, true)
	return nil
}

func (f *Fake) Export(ctx context.Context, name string, w io.Writer) (int64, error) {
	c, err := f.record("export", name)
	if err != nil {
		return 0, err
	}
	n, err := io.Copy(w, bytes.NewReader(c.fs))
	return n, err
}

func (f *Fake) Import(ctx context.Context, name string, r io.Reader, opts runtime.ImportOptions) (runtime.ImportResult, error) {
	if _, err := f.record("import", ""); err != nil {
		return runtime.ImportResult{}, err
	}
	data, err := io.ReadAll(r)
	if err != nil {
		return runtime.ImportResult{}, err
	}

	f.mu.Lock()
	f.calls[len(f.calls)-1] = "import:" + name
	if _, exists := f.containers[name]; exists {
		f.mu.Unlock()
		return runtime.ImportResult{}, fmt.Errorf("container %s already exists", name)
	}
	ref := "botfleet/restored:" + name
	f.containers[name] = &fakeContainer{
		info: protocol.ContainerInfo{ID: "id-" + name, Name: name, Image: ref, State: "created"},
		fs:   data,
	}
	c := f.containers[name]
	f.mu.Unlock()

	if opts.Start {
		if err := f.Start(ctx, name); err != nil {
			return runtime.ImportResult{ContainerID: c.info.ID, Image: ref}, err
		}
	}
	return runtime.ImportResult{ContainerID: "id-" + name, Image: ref}, nil
}

func (f *Fake) Remove(ctx context.Context, name string, force bool) error {
	if _, err := f.record("remove", name); err != nil {
		return err
	}
	f.mu.Lock()
	delete(f.containers, name)
	f.mu.Unlock()
	return nil
}

func (f *Fake) Inspect(ctx context.Context, name string) (protocol.ContainerInfo, error) {
	c, err := f.record("inspect", name)
	if err != nil {
		return protocol.ContainerInfo{}, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	return c.info, nil
}

func (f *Fake) Logs(ctx context.Context, name string, tail int) (string, error) {
	c, err := f.record("logs", name)
	if err != nil {
		return "", err
	}
	return c.logs, nil
}

func (f *Fake) List(ctx context.Context, prefix string) ([]protocol.ContainerInfo, error) {
	if _, err := f.record("list", ""); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	var infos []protocol.ContainerInfo
	for name, c := range f.containers {
		if strings.HasPrefix(name, prefix) {
			infos = append(infos, c.info)
		}
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].Name < infos[j].Name })
	return infos, nil
}

func (f *Fake) Stats(ctx context.Context, name string) (protocol.ContainerStats, error) {
	c, err := f.record("stats", name)
	if err != nil {
		return protocol.ContainerStats{}, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	return protocol.ContainerStats{Name: name, State: c.info.State, CPUPercent: 1.5, MemoryUsageMB: 64, MemoryLimitMB: 256}, nil
}

// Events opens a subscription; tests drive it with NextSubscription
func (f *Fake) Events(ctx context.Context) (<-chan runtime.Event, <-chan error) {
	events := make(chan runtime.Event)
	errs := make(chan error, 1)
	f.subscriptions <- events
	f.subErrs <- errs
	return events, errs
}

// NextSubscription waits for the next Events call and returns its channels
func (f *Fake) NextSubscription(timeout time.Duration) (chan<- runtime.Event, chan<- error, error) {
	select {
	case events := <-f.subscriptions:
		return events, <-f.subErrs, nil
	case <-time.After(timeout):
		return nil, nil, fmt.Errorf("no subscription within %v", timeout)
	}
}
