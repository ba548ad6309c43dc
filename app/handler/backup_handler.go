package handler

import (
	"net/http"

	"botfleet/internal/service"
	"botfleet/pkg/config"

	"github.com/gin-gonic/gin"
)

// BackupHandler serves snapshots, restores, hot backups and verification
type BackupHandler struct {
	backupService *service.BackupService
	verifier      *service.BackupVerifier
	backupConfig  config.BackupConfig
}

// NewBackupHandler creates a new backup handler
func NewBackupHandler(backupService *service.BackupService, verifier *service.BackupVerifier, cfg config.BackupConfig) *BackupHandler {
	return &BackupHandler{backupService: backupService, verifier: verifier, backupConfig: cfg}
}

// tenantParam returns the :tenant path parameter, answering 400 when it is not a tenant container name
func tenantParam(c *gin.Context) (string, bool) {
	tenant := c.Param("tenant")
	if !service.ValidTenant(tenant) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid tenant name: " + tenant})
		return "", false
	}
	return tenant, true
}

// ListSnapshots lists a tenant's nightly and latest backups, newest first
func (h *BackupHandler) ListSnapshots(c *gin.Context) {
	tenant, ok := tenantParam(c)
	if !ok {
		return
	}
	snapshots, err := h.backupService.ListSnapshots(c.Request.Context(), tenant)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"tenant": tenant, "snapshots": snapshots})
}

// RestoreRequest is the body of a restore call. An empty snapshot_key restores the newest snapshot;
// an empty node_id targets the node the tenant is placed on.
type RestoreRequest struct {
	SnapshotKey string `json:"snapshot_key"`
	NodeID      string `json:"node_id"`
	Actor       string `json:"actor"`
	Reason      string `json:"reason"`
}

// Restore replaces a tenant's container with a snapshot
// @Summary Restore tenant
// @Description Exports the current container to pre-restore, then replaces it with the snapshot. Failures after the container is removed re-import the pre-restore export.
// @Tags backups
// @Accept json
// @Produce json
// @Param tenant path string true "Tenant container name"
// @Param request body RestoreRequest false "Restore options"
// @Success 200 {object} service.RestoreResult
// @Failure 409 {object} map[string]string "Restore already running for tenant"
// @Router /api/v1/tenants/{tenant}/restore [post]
func (h *BackupHandler) Restore(c *gin.Context) {
	tenant, ok := tenantParam(c)
	if !ok {
		return
	}
	var req RestoreRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
	}
	if req.Actor == "" {
		req.Actor = "admin"
	}

	ctx := c.Request.Context()
	if req.SnapshotKey == "" {
		key, err := h.backupService.LatestSnapshot(ctx, tenant)
		if err != nil {
			respondError(c, err)
			return
		}
		req.SnapshotKey = key
	}
	nodeID, err := h.backupService.ResolveNode(ctx, tenant, req.NodeID)
	if err != nil {
		respondError(c, err)
		return
	}

	result, err := h.backupService.Restore(ctx, service.RestoreRequest{
		Tenant:      tenant,
		NodeID:      nodeID,
		SnapshotKey: req.SnapshotKey,
		Actor:       req.Actor,
		Reason:      req.Reason,
	})
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, result)
}

// HotBackup exports a running tenant into the latest tier
func (h *BackupHandler) HotBackup(c *gin.Context) {
	tenant, ok := tenantParam(c)
	if !ok {
		return
	}
	ctx := c.Request.Context()
	nodeID, err := h.backupService.ResolveNode(ctx, tenant, c.Query("node_id"))
	if err != nil {
		respondError(c, err)
		return
	}
	result, err := h.backupService.HotBackup(ctx, tenant, nodeID)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, result)
}

// RestoreHistory lists restore log entries; /restores lists all tenants
func (h *BackupHandler) RestoreHistory(c *gin.Context) {
	tenant := c.Param("tenant")
	if tenant != "" && !service.ValidTenant(tenant) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid tenant name: " + tenant})
		return
	}
	entries, err := h.backupService.RestoreHistory(c.Request.Context(), tenant, queryLimit(c, 50))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"restores": entries})
}

// Statuses lists per-container backup status, optionally for one node
func (h *BackupHandler) Statuses(c *gin.Context) {
	statuses, err := h.backupService.Statuses(c.Request.Context(), c.Query("node_id"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"statuses": statuses})
}

// RunNightly runs the nightly backup on every connected node now
func (h *BackupHandler) RunNightly(c *gin.Context) {
	summary, err := h.backupService.RunNightly(c.Request.Context())
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, summary)
}

// Verify checks the newest backups under a prefix
func (h *BackupHandler) Verify(c *gin.Context) {
	prefix := c.DefaultQuery("prefix", h.backupConfig.VerifyPrefix)
	report := h.verifier.Verify(c.Request.Context(), prefix, queryLimit(c, h.backupConfig.VerifyLimit))
	c.JSON(http.StatusOK, report)
}
