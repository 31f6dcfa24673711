package server

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/MarcoPoloResearchLab/coedit/internal/documents"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

const (
	errorCodeInvalidRequest = "invalid_request"
	errorCodeInternal       = "internal_error"
)

type createDocumentPayload struct {
	Title    string `json:"title"`
	Language string `json:"language"`
	Content  string `json:"content"`
}

type saveDocumentPayload struct {
	Content  *string `json:"content"`
	Language string  `json:"language"`
}

type collaboratorPayload struct {
	UserID string `json:"userId"`
}

type visibilityPayload struct {
	IsPublic *bool `json:"isPublic"`
}

func (h *httpHandler) handleCreateDocument(c *gin.Context) {
	var payload createDocumentPayload
	if err := c.ShouldBindJSON(&payload); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": errorCodeInvalidRequest})
		return
	}
	document, err := h.store.Create(c.Request.Context(), documents.CreateRequest{
		Title:    payload.Title,
		Language: payload.Language,
		Content:  payload.Content,
		Owner:    requesterID(c),
	})
	if err != nil {
		h.writeServiceError(c, err)
		return
	}
	c.JSON(http.StatusCreated, document)
}

func (h *httpHandler) handleListDocuments(c *gin.Context) {
	listed, err := h.store.ListAccessible(c.Request.Context(), requesterID(c))
	if err != nil {
		h.writeServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, listed)
}

func (h *httpHandler) handleGetDocument(c *gin.Context) {
	documentID, ok := pathDocumentID(c)
	if !ok {
		return
	}
	document, _, err := h.store.Open(c.Request.Context(), documentID, requesterID(c))
	if err != nil {
		h.writeServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, document)
}

func (h *httpHandler) handleSaveDocument(c *gin.Context) {
	documentID, ok := pathDocumentID(c)
	if !ok {
		return
	}
	var payload saveDocumentPayload
	if err := c.ShouldBindJSON(&payload); err != nil || payload.Content == nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": errorCodeInvalidRequest})
		return
	}
	document, err := h.coordinator.Save(c.Request.Context(), documents.SaveRequest{
		DocumentID: documentID,
		Requester:  requesterID(c),
		Content:    *payload.Content,
		Language:   payload.Language,
	})
	if err != nil {
		h.writeServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, document)
}

func (h *httpHandler) handleDeleteDocument(c *gin.Context) {
	documentID, ok := pathDocumentID(c)
	if !ok {
		return
	}
	if err := h.store.Delete(c.Request.Context(), documentID, requesterID(c)); err != nil {
		h.writeServiceError(c, err)
		return
	}
	h.evictMembers(documentID.String(), nil)
	c.JSON(http.StatusOK, gin.H{"message": "document deleted"})
}

func (h *httpHandler) handleAddCollaborator(c *gin.Context) {
	documentID, ok := pathDocumentID(c)
	if !ok {
		return
	}
	var payload collaboratorPayload
	if err := c.ShouldBindJSON(&payload); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": errorCodeInvalidRequest})
		return
	}
	collaborator, err := documents.NewUserID(payload.UserID)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": errorCodeInvalidRequest})
		return
	}
	document, err := h.store.AddCollaborator(c.Request.Context(), documentID, requesterID(c), collaborator)
	if err != nil {
		h.writeServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, document)
}

func (h *httpHandler) handleSetVisibility(c *gin.Context) {
	documentID, ok := pathDocumentID(c)
	if !ok {
		return
	}
	var payload visibilityPayload
	if err := c.ShouldBindJSON(&payload); err != nil || payload.IsPublic == nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": errorCodeInvalidRequest})
		return
	}
	document, err := h.store.SetVisibility(c.Request.Context(), documentID, requesterID(c), *payload.IsPublic)
	if err != nil {
		h.writeServiceError(c, err)
		return
	}
	if !document.IsPublic {
		h.evictMembers(documentID.String(), func(userID documents.UserID) bool {
			return documents.Evaluate(document, userID).Read
		})
	}
	c.JSON(http.StatusOK, document)
}

func (h *httpHandler) handleListVersions(c *gin.Context) {
	documentID, ok := pathDocumentID(c)
	if !ok {
		return
	}
	versions, err := h.store.ListVersions(c.Request.Context(), documentID, requesterID(c))
	if err != nil {
		h.writeServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, versions)
}

func (h *httpHandler) handleRestoreVersion(c *gin.Context) {
	documentID, ok := pathDocumentID(c)
	if !ok {
		return
	}
	sequence, err := strconv.ParseInt(c.Param("sequence"), 10, 64)
	if err != nil || sequence <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": errorCodeInvalidRequest})
		return
	}
	document, err := h.coordinator.Restore(c.Request.Context(), documentID, requesterID(c), sequence)
	if err != nil {
		h.writeServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, document)
}

func requesterID(c *gin.Context) documents.UserID {
	return documents.UserID(c.GetString(userIDContextKey))
}

func pathDocumentID(c *gin.Context) (documents.DocumentID, bool) {
	documentID, err := documents.NewDocumentID(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": errorCodeInvalidRequest})
		return "", false
	}
	return documentID, true
}

func statusForError(err error) int {
	switch {
	case errors.Is(err, documents.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, documents.ErrForbidden):
		return http.StatusForbidden
	case errors.Is(err, documents.ErrValidation):
		return http.StatusBadRequest
	case errors.Is(err, documents.ErrConflict):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

func (h *httpHandler) writeServiceError(c *gin.Context, err error) {
	status := statusForError(err)
	code := documents.ErrorCode(err)
	if code == "" {
		code = errorCodeInternal
	}
	if status == http.StatusInternalServerError {
		h.logger.Error("document request failed", zap.String("path", c.FullPath()), zap.String("code", code), zap.Error(err))
	}
	c.JSON(status, gin.H{"error": code})
}
