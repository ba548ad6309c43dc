package service

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"botfleet/pkg/notification"
	"botfleet/pkg/protocol"
)

type commandCall struct {
	NodeID  string
	Type    protocol.CommandType
	Payload protocol.Payload
}

// fakeCommander plays every node: it records commands and answers them like an agent would
type fakeCommander struct {
	mu         sync.Mutex
	calls      []commandCall
	failures   map[protocol.CommandType][]error
	connected  map[string]bool
	notRunning bool
	nightly    map[string]protocol.NightlyResult

	// afterWrite runs once a command has been recorded, before its result is produced
	afterWrite func(t protocol.CommandType)
}

func newFakeCommander(connected ...string) *fakeCommander {
	f := &fakeCommander{
		failures:  make(map[protocol.CommandType][]error),
		connected: make(map[string]bool),
		nightly:   make(map[string]protocol.NightlyResult),
	}
	for _, id := range connected {
		f.connected[id] = true
	}
	return f
}

// failNext queues results for the next calls of t; nil entries succeed
func (f *fakeCommander) failNext(t protocol.CommandType, errs ...error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failures[t] = append(f.failures[t], errs...)
}

func (f *fakeCommander) IsConnected(nodeID string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connected[nodeID]
}

func (f *fakeCommander) Exec(ctx context.Context, nodeID string, payload protocol.Payload, out interface{}) error {
	f.mu.Lock()
	t := payload.CommandType()
	f.calls = append(f.calls, commandCall{NodeID: nodeID, Type: t, Payload: payload})
	var err error
	if queue := f.failures[t]; len(queue) > 0 {
		err = queue[0]
		f.failures[t] = queue[1:]
	}
	notRunning := f.notRunning
	nightly := f.nightly[nodeID]
	afterWrite := f.afterWrite
	f.mu.Unlock()

	if afterWrite != nil {
		afterWrite(t)
	}
	// like the bus: the command is already on the wire when the caller's context ends
	if ctxErr := ctx.Err(); ctxErr != nil {
		return ctxErr
	}
	if err != nil {
		return fmt.Errorf("%s failed: %w", t, err)
	}

	var data interface{}
	switch p := payload.(type) {
	case *protocol.BotExportPayload:
		data = protocol.ExportResult{Path: p.Path, SizeBytes: 2048}
	case *protocol.BackupUploadPayload:
		data = protocol.TransferResult{RemoteKey: p.RemoteKey, LocalPath: p.LocalPath, SizeBytes: 2048}
	case *protocol.BackupDownloadPayload:
		data = protocol.TransferResult{RemoteKey: p.RemoteKey, LocalPath: p.LocalPath, SizeBytes: 2048}
	case *protocol.BotImportPayload:
		data = protocol.ImportResult{ContainerID: "c-" + p.Name, Image: "botfleet/restored:" + p.Name, Started: !p.NoStart}
	case *protocol.BotInspectPayload:
		state := "running"
		if notRunning {
			state = "exited"
		}
		data = protocol.ContainerInfo{Name: p.Name, State: state, Running: !notRunning}
	case *protocol.BackupRunNightlyPayload:
		data = nightly
	default:
		data = protocol.ActionResult{Action: string(t)}
	}

	if out == nil {
		return nil
	}
	raw, err := json.Marshal(data)
	if err != nil {
		return err
	}
	return json.Unmarshal(raw, out)
}

func (f *fakeCommander) types() []protocol.CommandType {
	f.mu.Lock()
	defer f.mu.Unlock()
	types := make([]protocol.CommandType, 0, len(f.calls))
	for _, c := range f.calls {
		types = append(types, c.Type)
	}
	return types
}

func (f *fakeCommander) callsOf(t protocol.CommandType) []commandCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	var calls []commandCall
	for _, c := range f.calls {
		if c.Type == t {
			calls = append(calls, c)
		}
	}
	return calls
}

type recordingAlerter struct {
	mu     sync.Mutex
	alerts []*notification.Alert
}

func (r *recordingAlerter) Notify(_ context.Context, alert *notification.Alert) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.alerts = append(r.alerts, alert)
	return nil
}
