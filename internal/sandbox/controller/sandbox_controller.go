// Package controller exposes sandbox lifecycle operations over HTTP.
package controller

import (
	"strconv"

	"agentbox/internal/sandbox/repository"
	"agentbox/internal/sandbox/service"
	"agentbox/pkg/utils/response"

	"github.com/gin-gonic/gin"
)

const (
	defaultPageSize = 20
	maxPageSize     = 100
)

// SandboxController handles user-facing sandbox endpoints.
type SandboxController struct {
	manager *service.Manager
}

// NewSandboxController creates a new SandboxController.
func NewSandboxController(manager *service.Manager) *SandboxController {
	return &SandboxController{manager: manager}
}

// Ensure handles sandbox ensure-running requests. The returned record is
// always running on success; the pool reference taken by EnsureRunning is
// released before responding since this endpoint only warms the sandbox.
func (h *SandboxController) Ensure(c *gin.Context) {
	var req EnsureSandboxRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.BadRequest(c, "Invalid request parameters")
		return
	}

	record, _, err := h.manager.EnsureRunning(c.Request.Context(), req.UserID)
	if err != nil {
		response.Error(c, err)
		return
	}
	h.manager.Release(record.ID)

	response.Success(c, toSandboxResponse(record))
}

// Health reports service liveness and current pool occupancy.
func (h *SandboxController) Health(c *gin.Context) {
	response.Success(c, HealthResponse{
		Status:   "ok",
		PoolSize: h.manager.PoolSize(),
	})
}

// AdminSandboxController handles administrative sandbox endpoints.
type AdminSandboxController struct {
	manager *service.Manager
}

// NewAdminSandboxController creates a new AdminSandboxController.
func NewAdminSandboxController(manager *service.Manager) *AdminSandboxController {
	return &AdminSandboxController{manager: manager}
}

// List handles paginated sandbox listing with optional status and user filters.
func (h *AdminSandboxController) List(c *gin.Context) {
	page, _ := strconv.Atoi(c.DefaultQuery("page", "1"))
	if page < 1 {
		page = 1
	}
	pageSize, _ := strconv.Atoi(c.DefaultQuery("page_size", strconv.Itoa(defaultPageSize)))
	if pageSize < 1 || pageSize > maxPageSize {
		pageSize = defaultPageSize
	}

	filter := repository.ListFilter{
		Status:   repository.Status(c.Query("status")),
		UserID:   c.Query("user_id"),
		Page:     page,
		PageSize: pageSize,
	}

	records, total, err := h.manager.List(c.Request.Context(), filter)
	if err != nil {
		response.Error(c, err)
		return
	}

	response.SuccessWithPagination(c, toSandboxResponses(records), total, page, pageSize)
}

// Get handles single sandbox lookup.
func (h *AdminSandboxController) Get(c *gin.Context) {
	record, err := h.manager.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Success(c, toSandboxResponse(record))
}

// Stop handles sandbox stop requests. Stopping a sandbox that is already
// stopped succeeds with Stopped=false.
func (h *AdminSandboxController) Stop(c *gin.Context) {
	id := c.Param("id")
	stopped, err := h.manager.Stop(c.Request.Context(), id)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Success(c, StopSandboxResponse{ID: id, Stopped: stopped})
}

// Restart stops the sandbox; the container is recreated lazily on the user's
// next request.
func (h *AdminSandboxController) Restart(c *gin.Context) {
	record, err := h.manager.Restart(c.Request.Context(), c.Param("id"))
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Success(c, toSandboxResponse(record))
}

// Rebuild discards the sandbox container and starts a fresh one immediately.
func (h *AdminSandboxController) Rebuild(c *gin.Context) {
	record, err := h.manager.Rebuild(c.Request.Context(), c.Param("id"))
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Success(c, toSandboxResponse(record))
}

// Delete tears down the sandbox, its workspace, and its record.
func (h *AdminSandboxController) Delete(c *gin.Context) {
	if err := h.manager.Delete(c.Request.Context(), c.Param("id")); err != nil {
		response.Error(c, err)
		return
	}
	response.SuccessWithMessage(c, "sandbox deleted", nil)
}
