package handler

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/streonhq/streon-server/internal/domain/flow"
	"github.com/streonhq/streon-server/internal/registry"
)

// FlowsHandler provides RESTful HTTP handlers for Flow resources.
//
// Supported operations:
//   - GET    /flows              → List all flows (runtime snapshots)
//   - POST   /flows              → Create a new flow
//   - GET    /flows/{id}         → Retrieve a flow configuration
//   - PUT    /flows/{id}         → Replace an existing flow (full update)
//   - DELETE /flows/{id}         → Remove a stopped flow
//   - POST   /flows/{id}/start   → Bring the flow up
//   - POST   /flows/{id}/stop    → Tear the flow down
//   - POST   /flows/{id}/restart → Stop + start atomically
//   - GET    /flows/{id}/status  → Runtime snapshot
//   - GET    /flows/{id}/logs    → Recent process diagnostics
type FlowsHandler struct {
	log *zap.Logger
	reg *registry.Registry
}

// NewFlowsHandler constructs a FlowsHandler instance.
func NewFlowsHandler(log *zap.Logger, reg *registry.Registry) *FlowsHandler {
	return &FlowsHandler{
		log: log.Named("flows"),
		reg: reg,
	}
}

// CreateFlow handles POST /flows.
//
// Status Codes:
//   - 201 Created → {"id": "<flow id>"}
//   - 400 Bad Request → Invalid JSON or validation failed
//   - 500 Internal Server Error
func (h *FlowsHandler) CreateFlow(c *gin.Context) {
	var f flow.Flow
	if err := c.ShouldBindJSON(&f); err != nil {
		c.Error(err)
		c.JSON(http.StatusBadRequest, gin.H{"message": err.Error()})
		return
	}

	id, err := h.reg.Create(c.Request.Context(), &f)
	if err != nil {
		h.fail(c, err)
		return
	}

	c.Header("Location", "/api/flows/"+id)
	c.JSON(http.StatusCreated, gin.H{"id": id})
}

// GetFlowList handles GET /flows.
//
// Behavior:
//   - Returns a runtime snapshot for every persisted flow.
//   - Adds `X-Total-Count` header.
func (h *FlowsHandler) GetFlowList(c *gin.Context) {
	sts, err := h.reg.List(c.Request.Context())
	if err != nil {
		h.fail(c, err)
		return
	}
	c.Header("X-Total-Count", strconv.Itoa(len(sts)))
	c.JSON(http.StatusOK, sts)
}

// GetFlow handles GET /flows/:id. Returns the persisted configuration.
func (h *FlowsHandler) GetFlow(c *gin.Context) {
	f, err := h.reg.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, f)
}

// ReplaceFlow handles PUT /flows/:id (full update). The path ID wins
// over any ID in the body.
func (h *FlowsHandler) ReplaceFlow(c *gin.Context) {
	var f flow.Flow
	if err := c.ShouldBindJSON(&f); err != nil {
		c.Error(err)
		c.JSON(http.StatusBadRequest, gin.H{"message": err.Error()})
		return
	}
	f.ID = c.Param("id")

	if err := h.reg.Update(c.Request.Context(), &f); err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, &f)
}

// DeleteFlow handles DELETE /flows/:id. Only stopped flows can be
// removed; a running flow yields 409.
func (h *FlowsHandler) DeleteFlow(c *gin.Context) {
	if err := h.reg.Delete(c.Request.Context(), c.Param("id")); err != nil {
		h.fail(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// StartFlow handles POST /flows/:id/start.
func (h *FlowsHandler) StartFlow(c *gin.Context) {
	if err := h.reg.Start(c.Request.Context(), c.Param("id")); err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, h.snapshot(c))
}

// StopFlow handles POST /flows/:id/stop.
func (h *FlowsHandler) StopFlow(c *gin.Context) {
	if err := h.reg.Stop(c.Request.Context(), c.Param("id")); err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, h.snapshot(c))
}

// RestartFlow handles POST /flows/:id/restart. Stop and start run
// under a single per-flow critical section.
func (h *FlowsHandler) RestartFlow(c *gin.Context) {
	if err := h.reg.Restart(c.Request.Context(), c.Param("id")); err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, h.snapshot(c))
}

// GetFlowStatus handles GET /flows/:id/status.
func (h *FlowsHandler) GetFlowStatus(c *gin.Context) {
	st, err := h.reg.Status(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, st)
}

// GetFlowLogs handles GET /flows/:id/logs.
//
// Query parameters:
//   - proc:  which process ("engine", "decoder", "encoder0", ...); default "engine"
//   - lines: how many recent lines to return (1..500); default 100
func (h *FlowsHandler) GetFlowLogs(c *gin.Context) {
	id := c.Param("id")
	if _, err := h.reg.Status(c.Request.Context(), id); err != nil {
		h.fail(c, err)
		return
	}

	proc := c.DefaultQuery("proc", "engine")
	n, err := strconv.Atoi(c.DefaultQuery("lines", "100"))
	if err != nil || n < 1 || n > 500 {
		c.JSON(http.StatusBadRequest, gin.H{"message": "lines must be an integer in 1..500"})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"flow_id": id,
		"proc":    proc,
		"lines":   h.reg.Logs(id, proc, n),
	})
}

// fail maps domain errors onto HTTP status codes.
func (h *FlowsHandler) fail(c *gin.Context, err error) {
	c.Error(err)

	var (
		verr *flow.ValidationError
		nerr *flow.NotFoundError
		cerr *flow.ConflictError
	)
	switch {
	case errors.As(err, &verr):
		c.JSON(http.StatusBadRequest, gin.H{"message": err.Error()})
	case errors.As(err, &nerr):
		c.JSON(http.StatusNotFound, gin.H{"message": err.Error()})
	case errors.As(err, &cerr):
		c.JSON(http.StatusConflict, gin.H{"message": err.Error()})
	default:
		h.log.Error("request failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"message": err.Error()})
	}
}

// snapshot is a best-effort status read for lifecycle responses.
func (h *FlowsHandler) snapshot(c *gin.Context) flow.Status {
	st, err := h.reg.Status(c.Request.Context(), c.Param("id"))
	if err != nil {
		return flow.Status{FlowID: c.Param("id")}
	}
	return st
}
