package http

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"storyline-server/internal/models"
)

const maxListLimit = 100

type createStorylineRequest struct {
	Title      string `json:"title" binding:"required,max=200"`
	TotalSteps *int   `json:"totalSteps" binding:"omitempty,gte=1"`
}

type statusRequest struct {
	Status models.StorylineStatus `json:"status" binding:"required"`
}

type visibilityRequest struct {
	Visibility models.Visibility `json:"visibility" binding:"required"`
}

func (h *Handler) listStorylines(c *gin.Context) {
	opts := models.ListOptions{Limit: h.cfg.ListLimit}
	if raw := c.Query("limit"); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil || limit < 0 {
			badRequest(c, "limit must be a non-negative integer")
			return
		}
		opts.Limit = min(limit, maxListLimit)
	}
	if raw := c.Query("offset"); raw != "" {
		offset, err := strconv.Atoi(raw)
		if err != nil || offset < 0 {
			badRequest(c, "offset must be a non-negative integer")
			return
		}
		opts.Offset = offset
	}
	switch c.DefaultQuery("order", "id") {
	case "id":
	case "newest":
		opts.Newest = true
	default:
		badRequest(c, "order must be id or newest")
		return
	}

	list, err := h.storylines.List(c.Request.Context(), claimsFrom(c).UserID, opts)
	if err != nil {
		handleServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, list)
}

func (h *Handler) createStoryline(c *gin.Context) {
	var req createStorylineRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "invalid request body: "+err.Error())
		return
	}
	created, err := h.storylines.Create(c.Request.Context(), models.CreateStorylineIntent{
		Title:      req.Title,
		UserID:     claimsFrom(c).UserID,
		TotalSteps: req.TotalSteps,
	})
	if err != nil {
		handleServiceError(c, err)
		return
	}
	c.JSON(http.StatusCreated, created)
}

func (h *Handler) getStoryline(c *gin.Context) {
	id, ok := storylineID(c)
	if !ok {
		return
	}
	st, err := h.storylines.Get(c.Request.Context(), claimsFrom(c).UserID, id)
	if err != nil {
		handleServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, st)
}

// updateStoryline полностью заменяет историю; id берется из пути.
func (h *Handler) updateStoryline(c *gin.Context) {
	id, ok := storylineID(c)
	if !ok {
		return
	}
	var body models.Storyline
	if err := c.ShouldBindJSON(&body); err != nil {
		badRequest(c, "invalid request body: "+err.Error())
		return
	}
	if body.ID != 0 && body.ID != id {
		badRequest(c, "storyline id in body does not match the path")
		return
	}
	body.ID = id

	updated, err := h.storylines.Update(c.Request.Context(), claimsFrom(c).UserID, &body)
	if err != nil {
		handleServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, updated)
}

func (h *Handler) setStatus(c *gin.Context) {
	id, ok := storylineID(c)
	if !ok {
		return
	}
	var req statusRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "invalid request body: "+err.Error())
		return
	}
	updated, err := h.storylines.SetStatus(c.Request.Context(), claimsFrom(c).UserID, id, req.Status)
	if err != nil {
		handleServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, updated)
}

func (h *Handler) setVisibility(c *gin.Context) {
	id, ok := storylineID(c)
	if !ok {
		return
	}
	var req visibilityRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "invalid request body: "+err.Error())
		return
	}
	updated, err := h.storylines.SetVisibility(c.Request.Context(), claimsFrom(c).UserID, id, req.Visibility)
	if err != nil {
		handleServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, updated)
}

// generateStep возвращает продолжение; 503, пока модель не готова.
func (h *Handler) generateStep(c *gin.Context) {
	id, ok := storylineID(c)
	if !ok {
		return
	}
	cont, err := h.storylines.GenerateNextStep(c.Request.Context(), claimsFrom(c).UserID, id)
	if err != nil {
		handleServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, cont)
}

func storylineID(c *gin.Context) (int64, bool) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil || id <= 0 {
		badRequest(c, "storyline id must be a positive integer")
		return 0, false
	}
	return id, true
}
