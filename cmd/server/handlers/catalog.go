package handlers

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/noetl/noetl/cmd/server/container"
	"github.com/noetl/noetl/common/catalog"
	"github.com/noetl/noetl/common/playbook"
)

// CatalogHandler handles playbook catalog requests
type CatalogHandler struct {
	c *container.Container
}

// NewCatalogHandler creates a new catalog handler
func NewCatalogHandler(c *container.Container) *CatalogHandler {
	return &CatalogHandler{c: c}
}

// RegisterRequest is the payload for registering a playbook
type RegisterRequest struct {
	Path    string `json:"path"`
	Version string `json:"version"`
	Content string `json:"content"`
}

// Register validates and stores a playbook document.
// POST /api/v1/catalog
func (h *CatalogHandler) Register(ctx echo.Context) error {
	var req RegisterRequest
	if err := ctx.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request: "+err.Error())
	}
	if req.Path == "" || req.Content == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "path and content are required")
	}
	if req.Version == "" {
		req.Version = "0.1.0"
	}

	// broken playbooks are rejected at registration, not at execution
	pb, err := playbook.Parse([]byte(req.Content))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid playbook: "+err.Error())
	}

	entry := &catalog.Entry{
		Path:    req.Path,
		Version: req.Version,
		Content: req.Content,
	}
	if err := h.c.Catalog.Register(ctx.Request().Context(), entry); err != nil {
		h.c.Components.Logger.Error("failed to register playbook",
			"path", req.Path,
			"version", req.Version,
			"error", err)
		return echo.NewHTTPError(http.StatusInternalServerError, "failed to register playbook")
	}

	h.c.Components.Logger.Info("playbook registered",
		"path", req.Path,
		"version", req.Version,
		"steps", len(pb.Workflow))

	return ctx.JSON(http.StatusCreated, map[string]interface{}{
		"path":    req.Path,
		"version": req.Version,
		"steps":   len(pb.Workflow),
	})
}

// Get fetches a stored playbook document.
// GET /api/v1/catalog
func (h *CatalogHandler) Get(ctx echo.Context) error {
	path := ctx.QueryParam("path")
	if path == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "path is required")
	}

	entry, err := h.c.Catalog.FetchEntry(ctx.Request().Context(), path, ctx.QueryParam("version"))
	if err != nil {
		return echo.NewHTTPError(http.StatusNotFound, err.Error())
	}

	return ctx.JSON(http.StatusOK, entry)
}
