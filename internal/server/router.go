package server

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/lumenclass/marginalia/backend/internal/auth"
	"github.com/lumenclass/marginalia/backend/internal/cloning"
	"github.com/lumenclass/marginalia/backend/internal/realtime"
	"github.com/lumenclass/marginalia/backend/internal/store"
	"github.com/lumenclass/marginalia/backend/internal/workspace"
	"go.uber.org/zap"
)

const participantContextKey = "marginalia_participant"

var (
	errMissingStore         = errors.New("store service dependency required")
	errMissingManager       = errors.New("workspace manager dependency required")
	errMissingHub           = errors.New("realtime hub dependency required")
	errMissingCloner        = errors.New("cloning service dependency required")
	errMissingTokenIssuer   = errors.New("token issuer dependency required")
	errInvalidAuthorization = errors.New("authorization header missing or invalid")
)

// Dependencies wires the HTTP surface to the rest of the service.
type Dependencies struct {
	Store   *store.Service
	Manager *workspace.Manager
	Hub     *realtime.Hub
	Cloner  *cloning.Service
	Tokens  *auth.TokenIssuer
	Logger  *zap.Logger
}

// NewHTTPHandler builds the gin router for the annotation service.
func NewHTTPHandler(deps Dependencies) (http.Handler, error) {
	if deps.Store == nil {
		return nil, errMissingStore
	}
	if deps.Manager == nil {
		return nil, errMissingManager
	}
	if deps.Hub == nil {
		return nil, errMissingHub
	}
	if deps.Cloner == nil {
		return nil, errMissingCloner
	}
	if deps.Tokens == nil {
		return nil, errMissingTokenIssuer
	}
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(cors.New(cors.Config{
		AllowOrigins: []string{"*"},
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodDelete, http.MethodOptions},
		AllowHeaders: []string{"Authorization", "Content-Type"},
		MaxAge:       12 * time.Hour,
	}))

	handler := &httpHandler{
		store:   deps.Store,
		manager: deps.Manager,
		hub:     deps.Hub,
		cloner:  deps.Cloner,
		tokens:  deps.Tokens,
		logger:  logger,
	}

	router.POST("/auth/join", handler.handleJoin)

	protected := router.Group("/")
	protected.Use(handler.authorizeRequest)
	protected.POST("/workspaces", handler.handleCreateWorkspace)
	protected.GET("/workspaces/:id", handler.handleGetWorkspace)
	protected.DELETE("/workspaces/:id", handler.handleDeleteWorkspace)
	protected.POST("/workspaces/:id/documents", handler.handleCreateDocument)
	protected.GET("/workspaces/:id/documents", handler.handleListDocuments)
	protected.GET("/workspaces/:id/highlights", handler.handleListHighlights)
	protected.GET("/workspaces/:id/draft", handler.handleGetDraft)
	protected.POST("/workspaces/:id/clone", handler.handleCloneWorkspace)

	// The websocket handshake authenticates from the query string since
	// browsers cannot set headers on upgrade requests.
	router.GET("/workspaces/:id/ws", handler.handleWorkspaceSocket)

	return router, nil
}

type httpHandler struct {
	store   *store.Service
	manager *workspace.Manager
	hub     *realtime.Hub
	cloner  *cloning.Service
	tokens  *auth.TokenIssuer
	logger  *zap.Logger
}

func (h *httpHandler) handleJoin(c *gin.Context) {
	var request joinRequestPayload
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	if err := request.Validate(); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	token, expiresIn, err := h.tokens.IssueJoinToken(c.Request.Context(), auth.Participant{
		Name:  strings.TrimSpace(request.Name),
		Color: request.Color,
	})
	if err != nil {
		h.logger.Error("failed to issue join token", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "token_issue_failed"})
		return
	}

	c.JSON(http.StatusOK, joinResponsePayload{
		AccessToken: token,
		ExpiresIn:   expiresIn,
		TokenType:   "Bearer",
	})
}

func (h *httpHandler) handleCreateWorkspace(c *gin.Context) {
	var request createWorkspacePayload
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	if err := request.Validate(); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	created, err := h.store.CreateWorkspace(c.Request.Context(), store.WorkspaceParams{
		ActivityID:     request.ActivityID,
		Title:          request.Title,
		IsTemplate:     request.IsTemplate,
		AllowDraftSave: request.AllowDraftSave,
	})
	if err != nil {
		h.logger.Error("workspace create failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "workspace_create_failed"})
		return
	}
	c.JSON(http.StatusCreated, exportWorkspace(created))
}

func (h *httpHandler) handleGetWorkspace(c *gin.Context) {
	found, err := h.store.GetWorkspace(c.Request.Context(), c.Param("id"))
	if errors.Is(err, store.ErrWorkspaceNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "workspace_not_found"})
		return
	}
	if err != nil {
		h.logger.Error("workspace lookup failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "workspace_lookup_failed"})
		return
	}
	c.JSON(http.StatusOK, exportWorkspace(found))
}

func (h *httpHandler) handleDeleteWorkspace(c *gin.Context) {
	if err := h.store.DeleteWorkspace(c.Request.Context(), c.Param("id")); err != nil {
		h.logger.Error("workspace delete failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "workspace_delete_failed"})
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *httpHandler) handleCreateDocument(c *gin.Context) {
	var request createDocumentPayload
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	if err := request.Validate(); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	workspaceID := c.Param("id")
	if _, err := h.store.GetWorkspace(c.Request.Context(), workspaceID); err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "workspace_not_found"})
		return
	}

	created, err := h.store.CreateDocument(c.Request.Context(), store.DocumentParams{
		WorkspaceID: workspaceID,
		Kind:        request.Kind,
		Title:       request.Title,
		Content:     request.Content,
		Position:    request.Position,
	})
	if err != nil {
		h.logger.Error("document create failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "document_create_failed"})
		return
	}
	c.JSON(http.StatusCreated, exportDocument(created))
}

func (h *httpHandler) handleListDocuments(c *gin.Context) {
	documents, err := h.store.ListDocuments(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.logger.Error("document list failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "document_list_failed"})
		return
	}
	payload := make([]documentResponsePayload, 0, len(documents))
	for _, document := range documents {
		payload = append(payload, exportDocument(document))
	}
	c.JSON(http.StatusOK, gin.H{"documents": payload})
}

func (h *httpHandler) handleListHighlights(c *gin.Context) {
	workspaceID := c.Param("id")
	doc, err := h.manager.Acquire(c.Request.Context(), workspaceID)
	if errors.Is(err, store.ErrWorkspaceNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "workspace_not_found"})
		return
	}
	if err != nil {
		h.logger.Error("workspace acquire failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "workspace_load_failed"})
		return
	}
	defer h.manager.Release(c.Request.Context(), workspaceID)

	highlights := doc.Highlights()
	payload := make([]highlightResponsePayload, 0, len(highlights))
	for _, highlight := range highlights {
		comments := make([]commentResponsePayload, 0, len(highlight.Comments))
		for _, comment := range highlight.Comments {
			comments = append(comments, commentResponsePayload{
				CommentID:        comment.CommentID,
				Author:           comment.Author,
				Text:             comment.Text,
				CreatedAtSeconds: comment.CreatedAtSeconds,
			})
		}
		payload = append(payload, highlightResponsePayload{
			HighlightID:      highlight.HighlightID,
			DocumentID:       highlight.DocumentID,
			Start:            highlight.Start,
			End:              highlight.End,
			Tag:              highlight.Tag,
			Author:           highlight.Author,
			Text:             highlight.Text,
			CreatedAtSeconds: highlight.CreatedAtSeconds,
			Comments:         comments,
		})
	}
	c.JSON(http.StatusOK, gin.H{"highlights": payload})
}

func (h *httpHandler) handleGetDraft(c *gin.Context) {
	workspaceID := c.Param("id")
	doc, err := h.manager.Acquire(c.Request.Context(), workspaceID)
	if errors.Is(err, store.ErrWorkspaceNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "workspace_not_found"})
		return
	}
	if err != nil {
		h.logger.Error("workspace acquire failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "workspace_load_failed"})
		return
	}
	defer h.manager.Release(c.Request.Context(), workspaceID)

	spans := doc.DraftSpans()
	payload := make([]draftSpanPayload, 0, len(spans))
	for _, span := range spans {
		payload = append(payload, draftSpanPayload{Text: span.Text, Attrs: span.Attrs})
	}
	c.JSON(http.StatusOK, draftResponsePayload{Spans: payload, Text: doc.DraftText()})
}

func (h *httpHandler) handleCloneWorkspace(c *gin.Context) {
	var request cloneWorkspacePayload
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	if err := request.Validate(); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	result, err := h.cloner.CloneTemplate(c.Request.Context(), c.Param("id"), request.Title)
	if errors.Is(err, cloning.ErrTemplateNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "template_not_found"})
		return
	}
	if err != nil {
		h.logger.Error("clone failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "clone_failed"})
		return
	}

	documents := make([]documentResponsePayload, 0, len(result.Documents))
	for _, document := range result.Documents {
		documents = append(documents, exportDocument(document))
	}
	c.JSON(http.StatusCreated, gin.H{
		"workspace": exportWorkspace(result.Workspace),
		"documents": documents,
	})
}

func (h *httpHandler) authorizeRequest(c *gin.Context) {
	header := c.GetHeader("Authorization")
	if !strings.HasPrefix(header, "Bearer ") {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": errInvalidAuthorization.Error()})
		return
	}
	token := strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
	if token == "" {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": errInvalidAuthorization.Error()})
		return
	}
	participant, err := h.tokens.ValidateToken(token)
	if err != nil {
		h.logger.Warn("token validation failed", zap.Error(err))
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	c.Set(participantContextKey, participant)
	c.Next()
}

func exportWorkspace(workspaceRow store.Workspace) workspaceResponsePayload {
	return workspaceResponsePayload{
		WorkspaceID:    workspaceRow.WorkspaceID,
		ActivityID:     workspaceRow.ActivityID,
		Title:          workspaceRow.Title,
		IsTemplate:     workspaceRow.IsTemplate,
		AllowDraftSave: workspaceRow.AllowDraftSave,
	}
}

func exportDocument(documentRow store.Document) documentResponsePayload {
	return documentResponsePayload{
		DocumentID: documentRow.DocumentID,
		Kind:       documentRow.Kind,
		Title:      documentRow.Title,
		Content:    documentRow.Content,
		Position:   documentRow.Position,
	}
}
