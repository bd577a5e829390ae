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

// BadgeHandler exposes badge definition and enrollment endpoints.
type BadgeHandler struct {
	badges *services.BadgeService
	groups *services.GroupService
}

func NewBadgeHandler(badges *services.BadgeService, groups *services.GroupService) *BadgeHandler {
	return &BadgeHandler{badges: badges, groups: groups}
}

type createBadgeRequest struct {
	GroupID     string `json:"group_id" validate:"required"`
	Name        string `json:"name" validate:"required,min=2"`
	Slug        string `json:"slug"`
	Description string `json:"description"`
	Icon        string `json:"icon"`
	Threshold   int    `json:"threshold"`
}

// POST /api/badges
func (h *BadgeHandler) Create(c *gin.Context) {
	var req createBadgeRequest
	if !bindAndValidate(c, &req) {
		return
	}
	if !h.requireGroupAdmin(c, req.GroupID) {
		return
	}

	badge, err := h.badges.Create(requestContext(c), services.CreateBadgeInput{
		GroupID:     req.GroupID,
		Name:        req.Name,
		Slug:        req.Slug,
		Description: req.Description,
		Icon:        req.Icon,
		Threshold:   req.Threshold,
	})
	if err != nil {
		response.Error(c, err)
		return
	}

	response.Success(c, http.StatusCreated, badge)
}

// GET /api/badges/:id
func (h *BadgeHandler) Get(c *gin.Context) {
	badge, err := h.badges.Get(requestContext(c), strings.TrimSpace(c.Param("id")))
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Success(c, http.StatusOK, badge)
}

// GET /api/groups/:id/badges
func (h *BadgeHandler) ListByGroup(c *gin.Context) {
	badges, err := h.badges.ListByGroup(requestContext(c), strings.TrimSpace(c.Param("id")))
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Success(c, http.StatusOK, badges)
}

type updateBadgeRequest struct {
	Name        *string `json:"name"`
	Description *string `json:"description"`
	Icon        *string `json:"icon"`
	Threshold   *int    `json:"threshold"`
}

// PATCH /api/badges/:id
func (h *BadgeHandler) Update(c *gin.Context) {
	badgeID := strings.TrimSpace(c.Param("id"))
	badge, err := h.badges.Get(requestContext(c), badgeID)
	if err != nil {
		response.Error(c, err)
		return
	}
	if !h.requireGroupAdmin(c, badge.GroupID) {
		return
	}

	var req updateBadgeRequest
	if !bindAndValidate(c, &req) {
		return
	}

	updated, err := h.badges.Update(requestContext(c), badgeID, services.UpdateBadgeInput{
		Name:        req.Name,
		Description: req.Description,
		Icon:        req.Icon,
		Threshold:   req.Threshold,
	})
	if err != nil {
		response.Error(c, err)
		return
	}

	response.Success(c, http.StatusOK, updated)
}

// DELETE /api/badges/:id
func (h *BadgeHandler) Delete(c *gin.Context) {
	badgeID := strings.TrimSpace(c.Param("id"))
	badge, err := h.badges.Get(requestContext(c), badgeID)
	if err != nil {
		response.Error(c, err)
		return
	}
	if !h.requireGroupAdmin(c, badge.GroupID) {
		return
	}

	if err := h.badges.Delete(requestContext(c), badgeID); err != nil {
		response.Error(c, err)
		return
	}

	response.Success(c, http.StatusOK, gin.H{"deleted": true})
}

// POST /api/badges/:id/join
func (h *BadgeHandler) Join(c *gin.Context) {
	userID := c.GetString(middleware.CtxUserIDKey)
	if userID == "" {
		response.Error(c, errors.ErrUnauthorized)
		return
	}

	portfolio, err := h.badges.Join(requestContext(c), strings.TrimSpace(c.Param("id")), userID)
	if err != nil {
		response.Error(c, err)
		return
	}

	response.Success(c, http.StatusCreated, portfolio)
}

func (h *BadgeHandler) requireGroupAdmin(c *gin.Context, groupID string) bool {
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
