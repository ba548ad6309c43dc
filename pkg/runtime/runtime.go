// Package runtime adapts the local container engine for the node agent.
package runtime

import (
	"context"
	"errors"
	"io"
	"time"

	"botfleet/pkg/protocol"
)

// ErrNotFound is returned when the named container does not exist
var ErrNotFound = errors.New("container not found")

// EventKind is the normalized container event action
type EventKind string

const (
	EventStart  EventKind = "start"
	EventDie    EventKind = "die"
	EventHealth EventKind = "health_status"
	EventOther  EventKind = "other"
)

// Event is a normalized container engine event
type Event struct {
	Kind      EventKind
	Container string
	ExitCode  int
	Health    string // healthy, unhealthy, starting
	Time      time.Time
}

// ImportOptions controls how an imported filesystem is turned into a container
type ImportOptions struct {
	Cmd      []string
	Env      []string
	MemoryMB int64
	Start    bool
}

// ImportResult identifies the container created by Import
type ImportResult struct {
	ContainerID string
	Image       string
}

// Runtime is the container engine surface used by the agent and health monitor
type Runtime interface {
	Start(ctx context.Context, name string) error
	Stop(ctx context.Context, name string, timeout time.Duration) error
	Restart(ctx context.Context, name string) error
	// Export streams the container filesystem as an uncompressed tar into w
	Export(ctx context.Context, name string, w io.Writer) (int64, error)
	// Import creates a container called name from an uncompressed filesystem tar
	Import(ctx context.Context, name string, r io.Reader, opts ImportOptions) (ImportResult, error)
	Remove(ctx context.Context, name string, force bool) error
	Inspect(ctx context.Context, name string) (protocol.ContainerInfo, error)
	Logs(ctx context.Context, name string, tail int) (string, error)
	// List returns containers whose name starts with prefix, running or not
	List(ctx context.Context, prefix string) ([]protocol.ContainerInfo, error)
	Stats(ctx context.Context, name string) (protocol.ContainerStats, error)
	// Events streams container events until ctx is done; the error channel reports stream failure
	Events(ctx context.Context) (<-chan Event, <-chan error)
}
