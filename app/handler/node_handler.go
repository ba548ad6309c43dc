package handler

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"botfleet/app/middleware"
	"botfleet/internal/bus"
	"botfleet/internal/service"
	"botfleet/pkg/logger"
	"botfleet/pkg/protocol"
	"botfleet/pkg/store/mysql/model"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
)

const maxAgentMessageSize = 4 << 20

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	// agents are not browsers; the bearer secret is the origin check
	CheckOrigin: func(r *http.Request) bool { return true },
}

// NodeHandler serves agent registration, the agent channel and node administration
type NodeHandler struct {
	nodeService   *service.NodeService
	healthService *service.HealthService
	bus           *bus.Bus
}

// NewNodeHandler creates a new node handler
func NewNodeHandler(nodeService *service.NodeService, healthService *service.HealthService, b *bus.Bus) *NodeHandler {
	return &NodeHandler{nodeService: nodeService, healthService: healthService, bus: b}
}

// Register handles agent registration at boot
// @Summary Register node
// @Description Agent registers its host and capacity; the bearer secret is checked against the stored hash or the bootstrap secret
// @Tags internal
// @Accept json
// @Produce json
// @Param request body protocol.RegisterRequest true "Registration"
// @Success 200 {object} mysql.Node
// @Router /internal/nodes/register [post]
func (h *NodeHandler) Register(c *gin.Context) {
	var req protocol.RegisterRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	node, err := h.nodeService.Register(c.Request.Context(), &req, middleware.BearerToken(c))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, node)
}

// Channel upgrades to the agent WebSocket and serves it until it drops
func (h *NodeHandler) Channel(c *gin.Context) {
	nodeID := c.GetString(middleware.NodeIDKey)

	ws, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		logger.ErrorCtx(c.Request.Context(), "failed to upgrade node %s to websocket: %v", nodeID, err)
		return
	}
	ws.SetReadLimit(maxAgentMessageSize)

	// the hijacked connection outlives request cancellation; Serve returns when the socket closes
	ctx := logger.WithTraceID(context.WithoutCancel(c.Request.Context()), "node-"+nodeID)
	if err := h.bus.Serve(ctx, nodeID, ws); err != nil && !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
		logger.DebugCtx(ctx, "channel of node %s ended: %v", nodeID, err)
	}
}

// ListNodes lists nodes with their live presence
func (h *NodeHandler) ListNodes(c *gin.Context) {
	nodes, err := h.nodeService.List(c.Request.Context(), c.Query("status"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"nodes": nodes, "total": len(nodes)})
}

// GetNode returns one node with its placements
func (h *NodeHandler) GetNode(c *gin.Context) {
	ctx := c.Request.Context()
	nodeID := c.Param("node_id")

	node, err := h.nodeService.Get(ctx, nodeID)
	if err != nil {
		respondError(c, err)
		return
	}
	placements, err := h.nodeService.Placements(ctx, nodeID)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"node":       node,
		"connected":  h.bus.IsConnected(nodeID),
		"placements": placements,
	})
}

// SetStatusRequest changes a node's status
type SetStatusRequest struct {
	Status string `json:"status" binding:"required"`
	Reason string `json:"reason"`
	Actor  string `json:"actor"`
}

// SetStatus changes a node's status, e.g. to drain it or return a failed node to service
func (h *NodeHandler) SetStatus(c *gin.Context) {
	var req SetStatusRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if req.Actor == "" {
		req.Actor = "admin"
	}

	node, err := h.nodeService.SetStatus(c.Request.Context(), c.Param("node_id"), model.NodeStatus(req.Status), req.Reason, req.Actor)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, node)
}

// GetTransitions returns a node's status history
func (h *NodeHandler) GetTransitions(c *gin.Context) {
	transitions, err := h.nodeService.Transitions(c.Request.Context(), c.Param("node_id"), queryLimit(c, 100))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"transitions": transitions})
}

// SendCommand sends a raw command to a node and waits for its result.
// The body is a command without id: {"type": "bot.logs", "payload": {"name": "tenant_a", "tail": 100}}
func (h *NodeHandler) SendCommand(c *gin.Context) {
	var cmd protocol.Command
	if err := c.ShouldBindJSON(&cmd); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if !cmd.Type.Valid() || cmd.Payload == nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": fmt.Sprintf("%v: %q", protocol.ErrUnknownCommand, cmd.Type)})
		return
	}
	cmd.ID = ""

	start := time.Now()
	result, err := h.bus.Send(c.Request.Context(), c.Param("node_id"), cmd)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"result": result, "duration_ms": time.Since(start).Milliseconds()})
}

// ConnectedNodes lists nodes with a channel on this replica
func (h *NodeHandler) ConnectedNodes(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"nodes": h.bus.ConnectedNodes(), "pending_commands": h.bus.PendingCount()})
}

// HealthEvents lists container health events reported by agents
func (h *NodeHandler) HealthEvents(c *gin.Context) {
	events, err := h.healthService.List(c.Request.Context(), c.Query("node_id"), queryLimit(c, 100))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"events": events})
}
