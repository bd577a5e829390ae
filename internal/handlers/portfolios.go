package handlers

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/couentine/badgekit/internal/middleware"
	"github.com/couentine/badgekit/internal/models"
	"github.com/couentine/badgekit/internal/services"
	"github.com/couentine/badgekit/pkg/errors"
	"github.com/couentine/badgekit/pkg/response"
)

// PortfolioHandler exposes the portfolio lifecycle: requesting validation,
// submitting ledger entries, and issue management.
type PortfolioHandler struct {
	portfolios *services.PortfolioService
	ledger     *services.LedgerService
	badges     *services.BadgeService
	groups     *services.GroupService
}

func NewPortfolioHandler(portfolios *services.PortfolioService, ledger *services.LedgerService, badges *services.BadgeService, groups *services.GroupService) *PortfolioHandler {
	return &PortfolioHandler{portfolios: portfolios, ledger: ledger, badges: badges, groups: groups}
}

// GET /api/portfolios/:id
func (h *PortfolioHandler) Get(c *gin.Context) {
	portfolio, err := h.portfolios.Get(requestContext(c), strings.TrimSpace(c.Param("id")))
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Success(c, http.StatusOK, portfolio)
}

// GET /api/badges/:id/portfolios
func (h *PortfolioHandler) ListByBadge(c *gin.Context) {
	portfolios, err := h.portfolios.ListByBadge(requestContext(c), strings.TrimSpace(c.Param("id")))
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Success(c, http.StatusOK, portfolios)
}

// GET /api/portfolios/:id/entries
func (h *PortfolioHandler) ListEntries(c *gin.Context) {
	entries, err := h.ledger.ListEntries(requestContext(c), strings.TrimSpace(c.Param("id")))
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Success(c, http.StatusOK, entries)
}

// POST /api/portfolios/:id/request
func (h *PortfolioHandler) Request(c *gin.Context) {
	portfolio, ok := h.ownedPortfolio(c)
	if !ok {
		return
	}

	updated, err := h.portfolios.Request(requestContext(c), portfolio.ID)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Success(c, http.StatusOK, updated)
}

// POST /api/portfolios/:id/withdraw
func (h *PortfolioHandler) Withdraw(c *gin.Context) {
	portfolio, ok := h.ownedPortfolio(c)
	if !ok {
		return
	}

	updated, err := h.portfolios.Withdraw(requestContext(c), portfolio.ID)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Success(c, http.StatusOK, updated)
}

// POST /api/portfolios/:id/seen
func (h *PortfolioHandler) MarkIssuedSeen(c *gin.Context) {
	portfolio, ok := h.ownedPortfolio(c)
	if !ok {
		return
	}

	if err := h.portfolios.MarkIssuedSeen(requestContext(c), portfolio.ID); err != nil {
		response.Error(c, err)
		return
	}
	response.Success(c, http.StatusOK, gin.H{"updated": true})
}

// POST /api/portfolios/:id/retract
func (h *PortfolioHandler) Retract(c *gin.Context) {
	userID := c.GetString(middleware.CtxUserIDKey)
	portfolio, ok := h.adminPortfolio(c)
	if !ok {
		return
	}

	updated, err := h.portfolios.Retract(requestContext(c), portfolio.ID, userID)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Success(c, http.StatusOK, updated)
}

// POST /api/portfolios/:id/unretract
func (h *PortfolioHandler) Unretract(c *gin.Context) {
	portfolio, ok := h.adminPortfolio(c)
	if !ok {
		return
	}

	updated, err := h.portfolios.Unretract(requestContext(c), portfolio.ID)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Success(c, http.StatusOK, updated)
}

type evidenceRequest struct {
	Format  string `json:"format" validate:"required"`
	Content string `json:"content"`
	LinkURL string `json:"link_url"`
}

// POST /api/portfolios/:id/evidence
func (h *PortfolioHandler) SubmitEvidence(c *gin.Context) {
	portfolio, ok := h.ownedPortfolio(c)
	if !ok {
		return
	}

	var req evidenceRequest
	if !bindAndValidate(c, &req) {
		return
	}

	entry, err := h.ledger.SubmitEvidence(requestContext(c), services.SubmitEvidenceInput{
		PortfolioID: portfolio.ID,
		AuthorID:    portfolio.UserID,
		Format:      models.EvidenceFormat(req.Format),
		Content:     req.Content,
		LinkURL:     req.LinkURL,
	})
	if err != nil {
		response.Error(c, err)
		return
	}

	response.Success(c, http.StatusCreated, entry)
}

type validationRequest struct {
	Approved bool   `json:"approved"`
	Summary  string `json:"summary" validate:"required"`
	Body     string `json:"body"`
}

// POST /api/portfolios/:id/validations
func (h *PortfolioHandler) SubmitValidation(c *gin.Context) {
	userID := c.GetString(middleware.CtxUserIDKey)
	if userID == "" {
		response.Error(c, errors.ErrUnauthorized)
		return
	}

	var req validationRequest
	if !bindAndValidate(c, &req) {
		return
	}

	entry, err := h.ledger.SubmitValidation(requestContext(c), services.SubmitValidationInput{
		PortfolioID: strings.TrimSpace(c.Param("id")),
		AuthorID:    userID,
		Approved:    req.Approved,
		Summary:     req.Summary,
		Body:        req.Body,
	})
	if err != nil {
		response.Error(c, err)
		return
	}

	response.Success(c, http.StatusCreated, entry)
}

type bulkValidationRequest struct {
	PortfolioIDs []string `json:"portfolio_ids" validate:"required,min=1"`
	Approved     bool     `json:"approved"`
	Summary      string   `json:"summary" validate:"required"`
	Body         string   `json:"body"`
}

// POST /api/validations/bulk
func (h *PortfolioHandler) SubmitBulkValidations(c *gin.Context) {
	userID := c.GetString(middleware.CtxUserIDKey)
	if userID == "" {
		response.Error(c, errors.ErrUnauthorized)
		return
	}

	var req bulkValidationRequest
	if !bindAndValidate(c, &req) {
		return
	}

	claims := currentClaims(c)
	email := ""
	if claims != nil {
		email = claims.Email
	}

	applied, err := h.ledger.SubmitBulkValidations(requestContext(c), services.BulkValidationInput{
		AuthorID:     userID,
		AuthorEmail:  email,
		PortfolioIDs: req.PortfolioIDs,
		Approved:     req.Approved,
		Summary:      req.Summary,
		Body:         req.Body,
	})
	if err != nil {
		response.Error(c, err)
		return
	}

	response.Success(c, http.StatusOK, gin.H{"applied": applied})
}

// ownedPortfolio loads the portfolio and verifies the caller owns it.
func (h *PortfolioHandler) ownedPortfolio(c *gin.Context) (*models.Portfolio, bool) {
	userID := c.GetString(middleware.CtxUserIDKey)
	if userID == "" {
		response.Error(c, errors.ErrUnauthorized)
		return nil, false
	}

	portfolio, err := h.portfolios.Get(requestContext(c), strings.TrimSpace(c.Param("id")))
	if err != nil {
		response.Error(c, err)
		return nil, false
	}
	if portfolio.UserID != userID {
		response.Error(c, errors.ErrForbidden)
		return nil, false
	}
	return portfolio, true
}

// adminPortfolio loads the portfolio and verifies the caller administers the
// owning group.
func (h *PortfolioHandler) adminPortfolio(c *gin.Context) (*models.Portfolio, bool) {
	userID := c.GetString(middleware.CtxUserIDKey)
	if userID == "" {
		response.Error(c, errors.ErrUnauthorized)
		return nil, false
	}

	portfolio, err := h.portfolios.Get(requestContext(c), strings.TrimSpace(c.Param("id")))
	if err != nil {
		response.Error(c, err)
		return nil, false
	}

	badge, err := h.badges.Get(requestContext(c), portfolio.BadgeID)
	if err != nil {
		response.Error(c, err)
		return nil, false
	}

	admin, err := h.groups.IsAdmin(requestContext(c), badge.GroupID, userID)
	if err != nil {
		response.Error(c, err)
		return nil, false
	}
	if !admin {
		response.Error(c, errors.ErrForbidden)
		return nil, false
	}
	return portfolio, true
}
