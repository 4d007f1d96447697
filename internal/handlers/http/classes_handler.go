package http

import (
	stderrors "errors"
	"net/http"

	"liveclass/internal/core/domain"
	"liveclass/internal/core/services"
	"liveclass/internal/infrastructure/middleware"
	"liveclass/pkg/errors"

	"github.com/gin-gonic/gin"
)

// ClassesHandler manages the class directory used for room access.
type ClassesHandler struct {
	classes *services.ClassService
}

func NewClassesHandler(classes *services.ClassService) *ClassesHandler {
	return &ClassesHandler{classes: classes}
}

func (h *ClassesHandler) SetupRoutes(api *gin.RouterGroup) {
	api.POST("/classes", h.CreateClass)
	api.GET("/classes/:id", h.GetClass)
	api.POST("/classes/:id/participants", h.AddParticipant)
}

type createClassRequest struct {
	Title        string          `json:"title" binding:"required"`
	RoomID       domain.RoomID   `json:"roomId"`
	Participants []domain.UserID `json:"participants" binding:"max=500"`
}

type addParticipantRequest struct {
	UserID domain.UserID `json:"userId" binding:"required"`
}

// CreateClass registers a class with the caller as its teacher.
func (h *ClassesHandler) CreateClass(c *gin.Context) {
	identity, ok := middleware.IdentityFrom(c)
	if !ok {
		_ = c.Error(errors.NewUnauthorizedError("authentication required"))
		return
	}

	var req createClassRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		_ = c.Error(errors.NewInvalidInputError(err.Error()))
		return
	}

	class, err := h.classes.CreateClass(c.Request.Context(), identity.UserID, req.Title, req.RoomID, req.Participants)
	if err != nil {
		_ = c.Error(classError(err))
		return
	}

	c.JSON(http.StatusCreated, gin.H{"class": class})
}

func (h *ClassesHandler) GetClass(c *gin.Context) {
	class, err := h.classes.GetClass(c.Request.Context(), c.Param("id"))
	if err != nil {
		_ = c.Error(err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"class": class})
}

// AddParticipant enrolls a user. Only the class teacher may call it.
func (h *ClassesHandler) AddParticipant(c *gin.Context) {
	identity, ok := middleware.IdentityFrom(c)
	if !ok {
		_ = c.Error(errors.NewUnauthorizedError("authentication required"))
		return
	}

	var req addParticipantRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		_ = c.Error(errors.NewInvalidInputError(err.Error()))
		return
	}

	class, err := h.classes.AddParticipant(c.Request.Context(), identity.UserID, c.Param("id"), req.UserID)
	if err != nil {
		_ = c.Error(classError(err))
		return
	}
	c.JSON(http.StatusOK, gin.H{"class": class})
}

// classError maps the teacher-only rejection; everything else goes
// through the domain mapping of the error handler.
func classError(err error) error {
	if stderrors.Is(err, services.ErrUnauthorized) {
		return errors.NewForbiddenError("only the class teacher can change a class")
	}
	return err
}
