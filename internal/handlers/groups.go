package handlers

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/couentine/badgekit/internal/middleware"
	"github.com/couentine/badgekit/internal/services"
	"github.com/couentine/badgekit/pkg/errors"
	"github.com/couentine/badgekit/pkg/response"
)

// GroupHandler exposes group and membership endpoints.
type GroupHandler struct {
	groups *services.GroupService
}

func NewGroupHandler(groups *services.GroupService) *GroupHandler {
	return &GroupHandler{groups: groups}
}

type createGroupRequest struct {
	Name        string `json:"name" validate:"required,min=2"`
	Slug        string `json:"slug"`
	Description string `json:"description"`
	Website     string `json:"website"`
}

// POST /api/groups
func (h *GroupHandler) Create(c *gin.Context) {
	userID := c.GetString(middleware.CtxUserIDKey)
	if userID == "" {
		response.Error(c, errors.ErrUnauthorized)
		return
	}

	var req createGroupRequest
	if !bindAndValidate(c, &req) {
		return
	}

	group, err := h.groups.Create(requestContext(c), services.CreateGroupInput{
		Name:        req.Name,
		Slug:        req.Slug,
		Description: req.Description,
		Website:     req.Website,
		OwnerID:     userID,
	})
	if err != nil {
		response.Error(c, err)
		return
	}

	response.Success(c, http.StatusCreated, group)
}

// GET /api/groups
func (h *GroupHandler) List(c *gin.Context) {
	groups, err := h.groups.List(requestContext(c))
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Success(c, http.StatusOK, groups)
}

// GET /api/groups/:id
func (h *GroupHandler) Get(c *gin.Context) {
	group, err := h.groups.Get(requestContext(c), strings.TrimSpace(c.Param("id")))
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Success(c, http.StatusOK, group)
}

type updateGroupRequest struct {
	Name        *string `json:"name"`
	Description *string `json:"description"`
	Website     *string `json:"website"`
}

// PATCH /api/groups/:id
func (h *GroupHandler) Update(c *gin.Context) {
	groupID := strings.TrimSpace(c.Param("id"))
	if !h.requireAdmin(c, groupID) {
		return
	}

	var req updateGroupRequest
	if !bindAndValidate(c, &req) {
		return
	}

	group, err := h.groups.Update(requestContext(c), groupID, services.UpdateGroupInput{
		Name:        req.Name,
		Description: req.Description,
		Website:     req.Website,
	})
	if err != nil {
		response.Error(c, err)
		return
	}

	response.Success(c, http.StatusOK, group)
}

// POST /api/groups/:id/join
func (h *GroupHandler) Join(c *gin.Context) {
	userID := c.GetString(middleware.CtxUserIDKey)
	if userID == "" {
		response.Error(c, errors.ErrUnauthorized)
		return
	}

	membership, err := h.groups.Join(requestContext(c), strings.TrimSpace(c.Param("id")), userID)
	if err != nil {
		response.Error(c, err)
		return
	}

	response.Success(c, http.StatusCreated, membership)
}

// POST /api/groups/:id/leave
func (h *GroupHandler) Leave(c *gin.Context) {
	userID := c.GetString(middleware.CtxUserIDKey)
	if userID == "" {
		response.Error(c, errors.ErrUnauthorized)
		return
	}

	if err := h.groups.Leave(requestContext(c), strings.TrimSpace(c.Param("id")), userID); err != nil {
		response.Error(c, err)
		return
	}

	response.Success(c, http.StatusOK, gin.H{"left": true})
}

// GET /api/groups/:id/members
func (h *GroupHandler) ListMembers(c *gin.Context) {
	members, err := h.groups.ListMembers(requestContext(c), strings.TrimSpace(c.Param("id")))
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Success(c, http.StatusOK, members)
}

// requireAdmin writes an error response and returns false unless the caller
// administers the group.
func (h *GroupHandler) requireAdmin(c *gin.Context, groupID string) bool {
	userID := c.GetString(middleware.CtxUserIDKey)
	if userID == "" {
		response.Error(c, errors.ErrUnauthorized)
		return false
	}

	admin, err := h.groups.IsAdmin(requestContext(c), groupID, userID)
	if err != nil {
		response.Error(c, err)
		return false
	}
	if !admin {
		response.Error(c, errors.ErrForbidden)
		return false
	}
	return true
}
