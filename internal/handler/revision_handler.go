package handler

import (
	"context"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/atelierhq/techpack-api/internal/dto"
	"github.com/atelierhq/techpack-api/internal/models"
	appErrors "github.com/atelierhq/techpack-api/pkg/errors"
	"github.com/atelierhq/techpack-api/pkg/response"
)

type revisionService interface {
	List(ctx context.Context, techPackID string, query dto.RevisionQuery, actor *models.JWTClaims) ([]models.Revision, *models.Pagination, error)
	Get(ctx context.Context, id string, actor *models.JWTClaims) (*models.Revision, error)
	Compare(ctx context.Context, techPackID, fromID, toID string, actor *models.JWTClaims) (*dto.CompareResponse, error)
	AddComment(ctx context.Context, revisionID string, actor *models.JWTClaims, text string) (*models.RevisionComment, error)
}

type revertService interface {
	Revert(ctx context.Context, techPackID, revisionID string, actor *models.JWTClaims, reason string) (*dto.RevertResult, error)
}

// RevisionHandler exposes REST endpoints for revision history, comparison,
// comments, and reverts.
type RevisionHandler struct {
	revisions revisionService
	reverts   revertService
}

// NewRevisionHandler constructs the handler.
func NewRevisionHandler(revisions revisionService, reverts revertService) *RevisionHandler {
	return &RevisionHandler{revisions: revisions, reverts: reverts}
}

// List godoc
// @Summary List revision history for a tech pack
// @Tags Revisions
// @Produce json
// @Param id path string true "Tech pack ID"
// @Param page query int false "Page number"
// @Param limit query int false "Page size"
// @Param change_type query string false "Filter by change type"
// @Param created_by query string false "Filter by author user ID"
// @Param include_snapshot query bool false "Include full snapshots"
// @Success 200 {object} response.Envelope
// @Router /techpacks/{id}/revisions [get]
func (h *RevisionHandler) List(c *gin.Context) {
	if h.revisions == nil {
		response.Error(c, appErrors.Clone(appErrors.ErrInternal, "revision service not configured"))
		return
	}
	claims := claimsFromContext(c)
	if claims == nil {
		response.Error(c, appErrors.ErrUnauthorized)
		return
	}

	query := dto.RevisionQuery{
		ChangeType: strings.TrimSpace(c.Query("change_type")),
		CreatedBy:  strings.TrimSpace(c.Query("created_by")),
	}
	if raw := c.Query("page"); raw != "" {
		if page, err := strconv.Atoi(raw); err == nil {
			query.Page = page
		}
	}
	if raw := c.Query("limit"); raw != "" {
		if limit, err := strconv.Atoi(raw); err == nil {
			query.Limit = limit
		}
	}
	if raw := c.Query("include_snapshot"); raw != "" {
		if include, err := strconv.ParseBool(raw); err == nil {
			query.IncludeSnapshot = include
		}
	}

	revisions, pagination, err := h.revisions.List(c.Request.Context(), c.Param("id"), query, claims)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, revisions, pagination)
}

// Get godoc
// @Summary Get a single revision
// @Tags Revisions
// @Produce json
// @Param id path string true "Revision ID"
// @Success 200 {object} response.Envelope
// @Router /revisions/{id} [get]
func (h *RevisionHandler) Get(c *gin.Context) {
	if h.revisions == nil {
		response.Error(c, appErrors.Clone(appErrors.ErrInternal, "revision service not configured"))
		return
	}
	claims := claimsFromContext(c)
	if claims == nil {
		response.Error(c, appErrors.ErrUnauthorized)
		return
	}
	revision, err := h.revisions.Get(c.Request.Context(), c.Param("id"), claims)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, revision, nil)
}

// Compare godoc
// @Summary Compare two revisions of a tech pack
// @Tags Revisions
// @Produce json
// @Param id path string true "Tech pack ID"
// @Param from query string true "Base revision ID"
// @Param to query string true "Target revision ID"
// @Success 200 {object} response.Envelope
// @Router /techpacks/{id}/revisions/compare [get]
func (h *RevisionHandler) Compare(c *gin.Context) {
	if h.revisions == nil {
		response.Error(c, appErrors.Clone(appErrors.ErrInternal, "revision service not configured"))
		return
	}
	claims := claimsFromContext(c)
	if claims == nil {
		response.Error(c, appErrors.ErrUnauthorized)
		return
	}
	from := strings.TrimSpace(c.Query("from"))
	to := strings.TrimSpace(c.Query("to"))
	result, err := h.revisions.Compare(c.Request.Context(), c.Param("id"), from, to, claims)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, result, nil)
}

// Revert godoc
// @Summary Revert a tech pack to a prior revision
// @Tags Revisions
// @Accept json
// @Produce json
// @Param id path string true "Tech pack ID"
// @Param revisionId path string true "Revision ID to restore"
// @Param payload body dto.RevertRequest false "Revert reason"
// @Success 200 {object} response.Envelope
// @Failure 403 {object} response.Envelope
// @Failure 409 {object} response.Envelope
// @Router /techpacks/{id}/revisions/{revisionId}/revert [post]
func (h *RevisionHandler) Revert(c *gin.Context) {
	if h.reverts == nil {
		response.Error(c, appErrors.Clone(appErrors.ErrInternal, "revert service not configured"))
		return
	}
	claims := claimsFromContext(c)
	if claims == nil {
		response.Error(c, appErrors.ErrUnauthorized)
		return
	}

	var req dto.RevertRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			response.Error(c, appErrors.Clone(appErrors.ErrValidation, "invalid revert payload"))
			return
		}
	}

	result, err := h.reverts.Revert(c.Request.Context(), c.Param("id"), c.Param("revisionId"), claims, req.Reason)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, result, nil)
}

// AddComment godoc
// @Summary Comment on a revision
// @Tags Revisions
// @Accept json
// @Produce json
// @Param id path string true "Revision ID"
// @Param payload body dto.CommentRequest true "Comment payload"
// @Success 201 {object} response.Envelope
// @Router /revisions/{id}/comments [post]
func (h *RevisionHandler) AddComment(c *gin.Context) {
	if h.revisions == nil {
		response.Error(c, appErrors.Clone(appErrors.ErrInternal, "revision service not configured"))
		return
	}
	claims := claimsFromContext(c)
	if claims == nil {
		response.Error(c, appErrors.ErrUnauthorized)
		return
	}

	var req dto.CommentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Error(c, appErrors.Clone(appErrors.ErrValidation, "comment text is required"))
		return
	}

	comment, err := h.revisions.AddComment(c.Request.Context(), c.Param("id"), claims, req.Text)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Created(c, comment)
}
