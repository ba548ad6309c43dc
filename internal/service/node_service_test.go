package service

import (
	"context"
	"errors"
	"testing"
	"time"

	"botfleet/pkg/config"
	"botfleet/pkg/protocol"
	"botfleet/pkg/store/mysql"
	"botfleet/pkg/store/mysql/model"
	"botfleet/pkg/store/mysql/mysqltest"
	redisstore "botfleet/pkg/store/redis"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newNodeService(t *testing.T) (*NodeService, *mysql.Repository, *redisstore.PresenceRepository) {
	t.Helper()
	repo := mysqltest.NewRepository(t)

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	presence := redisstore.NewPresenceRepository(redisstore.WrapClient(client), time.Minute)

	cfg := &config.Config{
		Server: config.ServerConfig{NodeBootstrapSecret: "bootstrap", InstanceID: "cp-1"},
		Nodes:  config.NodesConfig{HeartbeatInterval: time.Second, MissedHeartbeats: 3},
	}
	return NewNodeService(repo, presence, NewHealthService(repo), cfg), repo, presence
}

func registerNode(t *testing.T, svc *NodeService, nodeID string) {
	t.Helper()
	_, err := svc.Register(context.Background(), &protocol.RegisterRequest{NodeID: nodeID, Host: nodeID + ".internal", CapacityMB: 4096, AgentVersion: "1.0.0"}, "bootstrap")
	require.NoError(t, err)
}

func TestRegister_BootstrapThenOwnSecret(t *testing.T) {
	svc, _, _ := newNodeService(t)
	ctx := context.Background()
	req := &protocol.RegisterRequest{NodeID: "node-1", Host: "10.0.0.1", CapacityMB: 4096, AgentVersion: "1.0.0"}

	_, err := svc.Register(ctx, req, "wrong")
	assert.ErrorIs(t, err, ErrUnauthorized)

	node, err := svc.Register(ctx, req, "bootstrap")
	require.NoError(t, err)
	assert.Equal(t, "active", node.Status)
	assert.Equal(t, int64(4096), node.CapacityMB)
	assert.NotEmpty(t, node.SecretHash)

	require.NoError(t, svc.Authenticate(ctx, "node-1", "bootstrap"))
	assert.ErrorIs(t, svc.Authenticate(ctx, "node-1", "nope"), ErrUnauthorized)
	assert.ErrorIs(t, svc.Authenticate(ctx, "node-9", "bootstrap"), ErrUnauthorized)

	// re-registration updates the row and still requires the stored secret
	req.Host = "10.0.0.2"
	req.AgentVersion = "1.1.0"
	node, err = svc.Register(ctx, req, "bootstrap")
	require.NoError(t, err)
	assert.Equal(t, "10.0.0.2", node.Host)
	assert.Equal(t, "1.1.0", node.AgentVersion)
}

func TestRegister_NoBootstrapSecretRejectsNewNodes(t *testing.T) {
	svc, _, _ := newNodeService(t)
	svc.bootstrapSecret = ""

	_, err := svc.Register(context.Background(), &protocol.RegisterRequest{NodeID: "node-1", Host: "h"}, "")
	assert.ErrorIs(t, err, ErrUnauthorized)
}

func TestHandleHeartbeat_RecordsUsageAndPlacement(t *testing.T) {
	svc, repo, presence := newNodeService(t)
	ctx := context.Background()
	registerNode(t, svc, "node-1")

	hb := &protocol.Heartbeat{
		NodeID: "node-1",
		Containers: []protocol.ContainerStats{
			{Name: "tenant_a", State: "running", MemoryLimitMB: 512, MemoryUsageMB: 100},
			{Name: "tenant_b", State: "running", MemoryUsageMB: 64},
			{Name: "tenant_c", State: "exited", MemoryLimitMB: 256},
			{Name: "postgres", State: "running", MemoryLimitMB: 1024},
		},
		Resources: protocol.Resources{DiskUsePercent: 42.5},
		Timestamp: time.Now(),
	}
	require.NoError(t, svc.HandleHeartbeat(ctx, hb))

	node, err := repo.Node.Get(ctx, "node-1")
	require.NoError(t, err)
	assert.Equal(t, int64(512+64+1024), node.UsedMB)
	assert.InDelta(t, 42.5, node.DiskUsePercent, 0.01)
	require.NotNil(t, node.LastHeartbeatAt)

	placements, err := svc.Placements(ctx, "node-1")
	require.NoError(t, err)
	require.Len(t, placements, 3, "only tenant-prefixed containers are placed")
	assert.Equal(t, "tenant_a", placements[0].Tenant)
	assert.Equal(t, "exited", placements[2].State)

	p, err := presence.Get(ctx, "node-1")
	require.NoError(t, err)
	require.NotNil(t, p)
	assert.Equal(t, "cp-1", p.InstanceID)

	// unknown nodes are ignored
	require.NoError(t, svc.HandleHeartbeat(ctx, &protocol.Heartbeat{NodeID: "ghost"}))
}

func TestHandleHeartbeat_FailedNodeDoesNotReclaimTenants(t *testing.T) {
	svc, repo, _ := newNodeService(t)
	ctx := context.Background()
	registerNode(t, svc, "node-1")
	registerNode(t, svc, "node-2")

	require.NoError(t, repo.BotInstance.Upsert(ctx, &mysql.BotInstance{Tenant: "tenant_a", NodeID: "node-2", State: "running"}))
	_, err := svc.SetStatus(ctx, "node-1", model.NodeStatusFailed, "test", "ops")
	require.NoError(t, err)

	hb := &protocol.Heartbeat{NodeID: "node-1", Containers: []protocol.ContainerStats{{Name: "tenant_a", State: "running"}}}
	require.NoError(t, svc.HandleHeartbeat(ctx, hb))

	inst, err := repo.BotInstance.Get(ctx, "tenant_a")
	require.NoError(t, err)
	assert.Equal(t, "node-2", inst.NodeID)

	node, err := repo.Node.Get(ctx, "node-1")
	require.NoError(t, err)
	assert.Equal(t, "failed", node.Status, "failed nodes are reactivated by operators only")
}

func TestConnectionLifecycle(t *testing.T) {
	svc, repo, presence := newNodeService(t)
	ctx := context.Background()
	registerNode(t, svc, "node-1")
	registerNode(t, svc, "node-2")

	svc.OnConnect(ctx, "node-1")
	p, err := presence.Get(ctx, "node-1")
	require.NoError(t, err)
	require.NotNil(t, p)

	svc.OnDisconnect(ctx, "node-1")
	node, err := repo.Node.Get(ctx, "node-1")
	require.NoError(t, err)
	assert.Equal(t, "offline", node.Status)
	p, err = presence.Get(ctx, "node-1")
	require.NoError(t, err)
	assert.Nil(t, p)

	svc.OnConnect(ctx, "node-1")
	node, err = repo.Node.Get(ctx, "node-1")
	require.NoError(t, err)
	assert.Equal(t, "active", node.Status)

	_, err = svc.SetStatus(ctx, "node-2", model.NodeStatusDraining, "maintenance", "ops")
	require.NoError(t, err)
	svc.OnDisconnect(ctx, "node-2")
	node, err = repo.Node.Get(ctx, "node-2")
	require.NoError(t, err)
	assert.Equal(t, "draining", node.Status, "draining survives a dropped channel")

	transitions, err := svc.Transitions(ctx, "node-1", 10)
	require.NoError(t, err)
	require.Len(t, transitions, 2)
	assert.Equal(t, "active", transitions[0].ToStatus)
	assert.Equal(t, "offline", transitions[1].ToStatus)
}

func TestSetStatus_Invalid(t *testing.T) {
	svc, _, _ := newNodeService(t)
	registerNode(t, svc, "node-1")
	_, err := svc.SetStatus(context.Background(), "node-1", model.NodeStatus("exploded"), "", "ops")
	assert.ErrorIs(t, err, ErrInvalidStatus)
}

func TestDetectFailures(t *testing.T) {
	svc, repo, _ := newNodeService(t)
	ctx := context.Background()

	old := time.Now().Add(-time.Minute)
	fresh := time.Now()
	require.NoError(t, repo.Node.Create(ctx, &mysql.Node{NodeID: "silent", Host: "h", Status: "active", LastHeartbeatAt: &old}))
	require.NoError(t, repo.Node.Create(ctx, &mysql.Node{NodeID: "alive", Host: "h", Status: "active", LastHeartbeatAt: &fresh}))

	var triggered []string
	svc.SetFailureHandler(func(ctx context.Context, nodeID string) error {
		triggered = append(triggered, nodeID)
		return errors.New("queue down")
	})

	failed, err := svc.DetectFailures(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"silent"}, failed)
	assert.Equal(t, []string{"silent"}, triggered)

	node, err := repo.Node.Get(ctx, "silent")
	require.NoError(t, err)
	assert.Equal(t, "failed", node.Status)
	assert.Equal(t, "queue down", node.LastError)

	// already failed: no second trigger
	failed, err = svc.DetectFailures(ctx)
	require.NoError(t, err)
	assert.Empty(t, failed)
	assert.Len(t, triggered, 1)
}

func TestList_MergesPresence(t *testing.T) {
	svc, _, _ := newNodeService(t)
	ctx := context.Background()
	registerNode(t, svc, "node-1")
	registerNode(t, svc, "node-2")
	svc.OnConnect(ctx, "node-2")

	nodes, err := svc.List(ctx, "")
	require.NoError(t, err)
	require.Len(t, nodes, 2)
	for _, n := range nodes {
		assert.Equal(t, n.NodeID == "node-2", n.Connected)
	}
}

func TestOnHealthEvent_Persists(t *testing.T) {
	svc, repo, _ := newNodeService(t)
	ctx := context.Background()
	registerNode(t, svc, "node-1")

	svc.OnHealthEvent(ctx, &protocol.HealthEvent{NodeID: "node-1", Container: "tenant_a", Event: protocol.HealthOOMKilled, Message: "exit 137"})
	svc.OnHealthEvent(ctx, &protocol.HealthEvent{NodeID: "node-1", Event: protocol.HealthDiskLow, Message: "91% used"})

	events, err := svc.health.List(ctx, "node-1", 10)
	require.NoError(t, err)
	require.Len(t, events, 2)

	node, err := repo.Node.Get(ctx, "node-1")
	require.NoError(t, err)
	assert.Contains(t, node.LastError, "disk low")
}
