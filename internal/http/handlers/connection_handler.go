// Connection HTTP handlers.
//
// This file exposes the JSON endpoints for the current principal's platform
// connections (all relative to the API base path):
//   - GET    /connections                 (list, paginated, ETag support)
//   - GET    /connections/default         (the default connection)
//   - POST   /connections                 (create, Idempotency-Key replay)
//   - PUT    /connections/{id}            (partial update)
//   - POST   /connections/{id}/default    (make default)
//   - POST   /connections/{id}/deactivate (deactivate)
//   - DELETE /connections/{id}            (delete)
//
// Access tokens are accepted on input only; responses never carry them.
package handlers

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/tbourn/go-session-guard/internal/domain"
	"github.com/tbourn/go-session-guard/internal/http/middleware"
	"github.com/tbourn/go-session-guard/internal/services"
	"github.com/tbourn/go-session-guard/internal/utils"
)

//
// DTOs
//

// CreateConnectionRequest is the JSON payload for creating a connection.
type CreateConnectionRequest struct {
	// Name is unique per user (1-100 chars).
	Name string `json:"name" binding:"required" example:"Studio account"`
	// PlatformType is pixelfed or mastodon.
	PlatformType string `json:"platform_type" binding:"required" example:"pixelfed"`
	// InstanceURL is the absolute http(s) URL of the instance.
	InstanceURL string `json:"instance_url" binding:"required" example:"https://pixelfed.social"`
	// Username is the account name on the instance.
	Username string `json:"username" example:"ada"`
	// AccessToken is stored encrypted and never returned.
	AccessToken string `json:"access_token" binding:"required" example:"xyz"`
	// MakeDefault makes the new connection the default one.
	MakeDefault bool `json:"make_default" example:"false"`
}

// UpdateConnectionRequest is the JSON payload for a partial update. Omitted
// fields are left unchanged.
type UpdateConnectionRequest struct {
	Name        *string `json:"name,omitempty" example:"Studio account"`
	InstanceURL *string `json:"instance_url,omitempty" example:"https://pixelfed.social"`
	Username    *string `json:"username,omitempty" example:"ada"`
	AccessToken *string `json:"access_token,omitempty" example:"xyz"`
	IsActive    *bool   `json:"is_active,omitempty" example:"true"`
}

// Pagination carries pagination metadata for list responses.
type Pagination struct {
	Page       int   `json:"page"`
	PageSize   int   `json:"page_size"`
	Total      int64 `json:"total"`
	TotalPages int   `json:"total_pages"`
	HasNext    bool  `json:"has_next"`
}

// ListConnectionsResponse wraps a page of connections and pagination information.
type ListConnectionsResponse struct {
	Connections []domain.PlatformConnection `json:"connections"`
	Pagination  Pagination                  `json:"pagination"`
}

//
// Helpers
//

// clampPagination parses the page and page_size query params and bounds
// them with utils.ClampPage. Unparseable values fall back to the defaults.
func clampPagination(c *gin.Context) (page, pageSize int) {
	page = utils.AtoiDefault(c.Query("page"), 1)
	pageSize = utils.AtoiDefault(c.Query("page_size"), utils.DefaultPageSize)
	return utils.ClampPage(page, pageSize)
}

// connectionID parses the :id path parameter.
func connectionID(c *gin.Context) (uint, bool) {
	id, err := strconv.ParseUint(c.Param("id"), 10, 64)
	if err != nil || id == 0 {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "connection id must be a positive integer")
		return 0, false
	}
	return uint(id), true
}

// connectionFailure maps service errors to responses. fallback is the code
// used for unexpected errors.
func connectionFailure(c *gin.Context, err error, fallback string) {
	switch {
	case errors.Is(err, services.ErrConnectionNotFound):
		fail(c, http.StatusNotFound, ErrCodeNotFound, "connection not found")
	case errors.Is(err, services.ErrInvalidName),
		errors.Is(err, services.ErrInvalidPlatform),
		errors.Is(err, services.ErrInvalidInstanceURL),
		errors.Is(err, services.ErrMissingCredential):
		fail(c, http.StatusBadRequest, ErrCodeValidation, err.Error())
	case errors.Is(err, services.ErrDuplicateName):
		fail(c, http.StatusConflict, ErrCodeDuplicateName, "connection name already in use")
	case errors.Is(err, services.ErrConnectionInactive):
		fail(c, http.StatusConflict, ErrCodeInactive, "connection is inactive")
	default:
		internalError(c, err, fallback, "could not process connection request")
	}
}

//
// Handlers
//

// ListConnections godoc
// @ID          listConnections
// @Summary     List connections (paginated)
// @Description Returns a page of the current user's platform connections in creation order. Supports weak ETag via If-None-Match and may return 304.
// @Tags        Connections
// @Produce     json
//
// @Param       If-None-Match  header  string  false "Return 304 if ETag matches"  example(W/\"connections:1:2:0:1:20\")
// @Param       page           query   int     false "Page number"                  minimum(1) default(1)
// @Param       page_size      query   int     false "Items per page"               minimum(1) maximum(100) default(20)
//
// @Success     200  {object} handlers.ListConnectionsResponse
// @Header      200  {string} ETag  "Weak ETag for current result"
// @Success     304  {string} string "Not Modified"
// @Failure     401  {object} handlers.ErrorResponse "Login required"
// @Failure     503  {object} handlers.ErrorResponse "Store unavailable"
// @Router      /connections [get]
func (h *Handlers) ListConnections(c *gin.Context) {
	p, found := currentPrincipal(c)
	if !found {
		return
	}
	ctx := c.Request.Context()
	uid := p.ID()
	page, pageSize := clampPagination(c)

	count, maxTS, err := h.connSvc.Stats(ctx, uid)
	if err != nil {
		internalError(c, err, ErrCodeListFailed, "could not list connections")
		return
	}
	var ts int64
	if maxTS != nil {
		ts = maxTS.UnixNano()
	}
	etag := fmt.Sprintf(`W/"connections:%d:%d:%d:%d:%d"`, uid, count, ts, page, pageSize)
	c.Header("ETag", etag)
	if inm := c.GetHeader("If-None-Match"); inm != "" && inm == etag {
		c.Status(http.StatusNotModified)
		return
	}

	items, total, err := h.connSvc.ListPage(ctx, uid, page, pageSize)
	if err != nil {
		internalError(c, err, ErrCodeListFailed, "could not list connections")
		return
	}

	totalPages := int((total + int64(pageSize) - 1) / int64(pageSize))
	ok(c, http.StatusOK, ListConnectionsResponse{
		Connections: items,
		Pagination: Pagination{
			Page:       page,
			PageSize:   pageSize,
			Total:      total,
			TotalPages: totalPages,
			HasNext:    page < totalPages,
		},
	})
}

// DefaultConnection godoc
// @ID          defaultConnection
// @Summary     Get the default connection
// @Description Returns the current user's default connection, computed from the active connections.
// @Tags        Connections
// @Produce     json
//
// @Success     200  {object} domain.PlatformConnection
// @Failure     401  {object} handlers.ErrorResponse "Login required"
// @Failure     404  {object} handlers.ErrorResponse "No active connection"
// @Router      /connections/default [get]
func (h *Handlers) DefaultConnection(c *gin.Context) {
	p, found := currentPrincipal(c)
	if !found {
		return
	}
	def, err := h.connSvc.Default(c.Request.Context(), p)
	if err != nil {
		internalError(c, err, ErrCodeInternal, "could not load default connection")
		return
	}
	if def == nil {
		fail(c, http.StatusNotFound, ErrCodeNoDefault, "no active connection")
		return
	}
	ok(c, http.StatusOK, def)
}

// CreateConnection godoc
// @ID          createConnection
// @Summary     Create a connection
// @Description Creates a platform connection for the current user. The first active connection becomes the default. Supports idempotency via the Idempotency-Key header (same key, same result).
// @Tags        Connections
// @Accept      json
// @Produce     json
//
// @Param       Idempotency-Key  header  string  false "Idempotency key for safe retries (UUID recommended)"  example(7a8d9f4c-1b2a-4c3d-8e9f-0123456789ab)
// @Param       body             body    handlers.CreateConnectionRequest  true  "Connection payload"
//
// @Success     201  {object} domain.PlatformConnection
// @Header      201  {string} Idempotency-Replayed "true when the response is a replay"
// @Failure     400  {object} handlers.ErrorResponse "Validation failed"
// @Failure     401  {object} handlers.ErrorResponse "Login required"
// @Failure     409  {object} handlers.ErrorResponse "Duplicate name or idempotency conflict"
// @Router      /connections [post]
func (h *Handlers) CreateConnection(c *gin.Context) {
	p, found := currentPrincipal(c)
	if !found {
		return
	}
	var req CreateConnectionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "name, platform_type, instance_url and access_token are required")
		return
	}
	ctx := c.Request.Context()
	key, hasKey := middleware.GetIdempotencyKey(c)
	scope := middleware.IdempotencyScope(c)

	if hasKey && middleware.IsReplay(c) {
		if h.replay(c, p.ID(), scope, key) {
			return
		}
	}

	in := services.ConnectionInput{
		Name:         req.Name,
		PlatformType: domain.PlatformType(req.PlatformType),
		InstanceURL:  req.InstanceURL,
		Username:     req.Username,
		AccessToken:  req.AccessToken,
		MakeDefault:  req.MakeDefault,
	}
	if hasKey {
		in.IdempotencyScope, in.IdempotencyKey = scope, key
	}

	conn, err := h.connSvc.Create(ctx, p, in)
	if errors.Is(err, services.ErrReplayInFlight) {
		// A concurrent request with the same key won the race.
		if h.replay(c, p.ID(), scope, key) {
			return
		}
		fail(c, http.StatusConflict, ErrCodeReplayConflict, "idempotency key already used")
		return
	}
	if err != nil {
		connectionFailure(c, err, ErrCodeCreateFailed)
		return
	}
	ok(c, http.StatusCreated, conn)
}

// replay answers with the recorded result of key. It reports whether a
// response was written.
func (h *Handlers) replay(c *gin.Context, userID uint, scope, key string) bool {
	prev, err := h.connSvc.Replayed(c.Request.Context(), userID, scope, key)
	if err != nil {
		internalError(c, err, ErrCodeCreateFailed, "could not create connection")
		return true
	}
	if prev == nil {
		return false
	}
	c.Header(middleware.HeaderIdempotencyReplayed, "true")
	ok(c, http.StatusCreated, prev)
	return true
}

// UpdateConnection godoc
// @ID          updateConnection
// @Summary     Update a connection
// @Description Applies a partial update to a connection owned by the current user. Deactivating the default connection promotes the earliest remaining active one.
// @Tags        Connections
// @Accept      json
// @Produce     json
//
// @Param       id    path  int  true  "Connection ID"  example(1)
// @Param       body  body  handlers.UpdateConnectionRequest  true  "Fields to change"
//
// @Success     200  {object} domain.PlatformConnection
// @Failure     400  {object} handlers.ErrorResponse "Validation failed"
// @Failure     404  {object} handlers.ErrorResponse "Connection not found"
// @Failure     409  {object} handlers.ErrorResponse "Duplicate name"
// @Router      /connections/{id} [put]
func (h *Handlers) UpdateConnection(c *gin.Context) {
	p, found := currentPrincipal(c)
	if !found {
		return
	}
	id, valid := connectionID(c)
	if !valid {
		return
	}
	var req UpdateConnectionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "invalid JSON body")
		return
	}

	ctx := c.Request.Context()
	err := h.connSvc.Update(ctx, p, id, services.ConnectionPatch{
		Name:        req.Name,
		InstanceURL: req.InstanceURL,
		Username:    req.Username,
		AccessToken: req.AccessToken,
		IsActive:    req.IsActive,
	})
	if err != nil {
		connectionFailure(c, err, ErrCodeUpdateFailed)
		return
	}
	h.respondWith(c, p.ID(), id)
}

// SetDefaultConnection godoc
// @ID          setDefaultConnection
// @Summary     Make a connection the default
// @Description Marks an active connection as the default and clears the flag on every other connection of the user.
// @Tags        Connections
// @Produce     json
//
// @Param       id  path  int  true  "Connection ID"  example(1)
//
// @Success     200  {object} domain.PlatformConnection
// @Failure     404  {object} handlers.ErrorResponse "Connection not found"
// @Failure     409  {object} handlers.ErrorResponse "Connection inactive"
// @Router      /connections/{id}/default [post]
func (h *Handlers) SetDefaultConnection(c *gin.Context) {
	p, found := currentPrincipal(c)
	if !found {
		return
	}
	id, valid := connectionID(c)
	if !valid {
		return
	}
	if err := h.connSvc.SetDefault(c.Request.Context(), p, id); err != nil {
		connectionFailure(c, err, ErrCodeUpdateFailed)
		return
	}
	h.respondWith(c, p.ID(), id)
}

// DeactivateConnection godoc
// @ID          deactivateConnection
// @Summary     Deactivate a connection
// @Description Marks a connection inactive. If it was the default, the earliest remaining active connection becomes the default.
// @Tags        Connections
// @Produce     json
//
// @Param       id  path  int  true  "Connection ID"  example(1)
//
// @Success     200  {object} domain.PlatformConnection
// @Failure     404  {object} handlers.ErrorResponse "Connection not found"
// @Router      /connections/{id}/deactivate [post]
func (h *Handlers) DeactivateConnection(c *gin.Context) {
	p, found := currentPrincipal(c)
	if !found {
		return
	}
	id, valid := connectionID(c)
	if !valid {
		return
	}
	if err := h.connSvc.Deactivate(c.Request.Context(), p, id); err != nil {
		connectionFailure(c, err, ErrCodeUpdateFailed)
		return
	}
	h.respondWith(c, p.ID(), id)
}

// DeleteConnection godoc
// @ID          deleteConnection
// @Summary     Delete a connection
// @Description Deletes a connection owned by the current user. Deleting the default promotes the earliest remaining active connection.
// @Tags        Connections
//
// @Param       id  path  int  true  "Connection ID"  example(1)
//
// @Success     204  {string} string "No Content"
// @Failure     404  {object} handlers.ErrorResponse "Connection not found"
// @Router      /connections/{id} [delete]
func (h *Handlers) DeleteConnection(c *gin.Context) {
	p, found := currentPrincipal(c)
	if !found {
		return
	}
	id, valid := connectionID(c)
	if !valid {
		return
	}
	if err := h.connSvc.Delete(c.Request.Context(), p, id); err != nil {
		connectionFailure(c, err, ErrCodeUpdateFailed)
		return
	}
	noContent(c)
}

// respondWith writes the committed state of connection id.
func (h *Handlers) respondWith(c *gin.Context, userID, id uint) {
	conn, err := h.connSvc.Get(c.Request.Context(), userID, id)
	if err != nil {
		connectionFailure(c, err, ErrCodeUpdateFailed)
		return
	}
	ok(c, http.StatusOK, conn)
}
