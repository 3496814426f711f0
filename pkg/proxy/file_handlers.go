package proxy

import (
	"errors"
	"log"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/takutakahashi/kbterm/pkg/knowledge"
)

// UpdateFileRequest is the body of PUT /api/files/*
type UpdateFileRequest struct {
	Content *string `json:"content"`
}

// CreateFileRequest is the body of POST /api/files
type CreateFileRequest struct {
	Path    string `json:"path"`
	Content string `json:"content"`
}

// FileHandlers handles knowledge base file endpoints
type FileHandlers struct {
	store *knowledge.Store
}

// NewFileHandlers creates a new FileHandlers instance
func NewFileHandlers(store *knowledge.Store) *FileHandlers {
	return &FileHandlers{store: store}
}

// GetFile handles GET /api/files/*
func (h *FileHandlers) GetFile(c echo.Context) error {
	file, err := h.store.Read(c.Param("*"))
	if err != nil {
		return fileError(err)
	}
	return c.JSON(http.StatusOK, file)
}

// UpdateFile handles PUT /api/files/*. Only existing files can be updated.
func (h *FileHandlers) UpdateFile(c echo.Context) error {
	var req UpdateFileRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "Invalid request body")
	}
	if req.Content == nil {
		return echo.NewHTTPError(http.StatusBadRequest, "Content is required")
	}

	file, err := h.store.Update(c.Param("*"), *req.Content)
	if err != nil {
		return fileError(err)
	}
	return c.JSON(http.StatusOK, file)
}

// CreateFile handles POST /api/files
func (h *FileHandlers) CreateFile(c echo.Context) error {
	var req CreateFileRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "Invalid request body")
	}
	if req.Path == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "Path is required")
	}

	file, err := h.store.Create(req.Path, req.Content)
	if err != nil {
		return fileError(err)
	}
	return c.JSON(http.StatusCreated, file)
}

// ListDirectory handles GET /api/directories?path=
func (h *FileHandlers) ListDirectory(c echo.Context) error {
	listing, err := h.store.List(c.QueryParam("path"))
	if err != nil {
		return fileError(err)
	}
	return c.JSON(http.StatusOK, listing)
}

func fileError(err error) error {
	switch {
	case errors.Is(err, knowledge.ErrNotFound):
		return echo.NewHTTPError(http.StatusNotFound, "File not found")
	case errors.Is(err, knowledge.ErrExists):
		return echo.NewHTTPError(http.StatusConflict, "File already exists")
	case errors.Is(err, knowledge.ErrNotAFile):
		return echo.NewHTTPError(http.StatusBadRequest, "Path is not a file")
	case errors.Is(err, knowledge.ErrNotADirectory):
		return echo.NewHTTPError(http.StatusBadRequest, "Path is not a directory")
	case errors.Is(err, knowledge.ErrInvalidPath):
		return echo.NewHTTPError(http.StatusBadRequest, "Invalid path")
	case errors.Is(err, knowledge.ErrOutsideRoot):
		return echo.NewHTTPError(http.StatusForbidden, "Access denied")
	default:
		log.Printf("Knowledge base error: %v", err)
		return echo.NewHTTPError(http.StatusInternalServerError, "Internal server error")
	}
}
