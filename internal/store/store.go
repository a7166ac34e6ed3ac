package store

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"
)

var (
	errMissingDatabase    = errors.New("database handle is required")
	errMissingIDProvider  = errors.New("id provider is required")
	errMissingWorkspaceID = errors.New("workspace identifier is required")
	// ErrWorkspaceNotFound indicates that no workspace exists for the identifier.
	ErrWorkspaceNotFound = errors.New("store: workspace not found")
	noOpLogger           = zap.NewNop()
)

const (
	opStoreNew            = "store.service.new"
	opCreateWorkspace     = "store.create_workspace"
	opGetWorkspace        = "store.get_workspace"
	opDeleteWorkspace     = "store.delete_workspace"
	opCreateDocument      = "store.create_document"
	opListDocuments       = "store.list_documents"
	opLoadWorkspaceState  = "store.load_workspace_state"
	opSaveWorkspaceState  = "store.save_workspace_state"
	queryWorkspaceID      = "workspace_id = ?"
	orderDocumentPosition = "position ASC, document_id ASC"
)

// ServiceError carries a stable machine-readable code alongside the cause.
type ServiceError struct {
	code string
	err  error
}

func (e *ServiceError) Error() string {
	if e.err == nil {
		return e.code
	}
	return fmt.Sprintf("%s: %v", e.code, e.err)
}

func (e *ServiceError) Unwrap() error {
	return e.err
}

// Code returns the stable error code.
func (e *ServiceError) Code() string {
	return e.code
}

func newServiceError(operation, reason string, cause error) error {
	code := fmt.Sprintf("%s.%s", operation, reason)
	return &ServiceError{code: code, err: cause}
}

// ServiceConfig describes the dependencies of the persistence service.
type ServiceConfig struct {
	Database   *gorm.DB
	Clock      func() time.Time
	IDProvider IDProvider
	Logger     *zap.Logger
}

// Service persists workspaces, documents, and opaque replicated-document
// blobs.
type Service struct {
	db         *gorm.DB
	clock      func() time.Time
	idProvider IDProvider
	logger     *zap.Logger
}

// NewService validates the configuration and returns a Service.
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Database == nil {
		return nil, newServiceError(opStoreNew, "missing_database", errMissingDatabase)
	}
	if cfg.IDProvider == nil {
		return nil, newServiceError(opStoreNew, "missing_id_provider", errMissingIDProvider)
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	return &Service{db: cfg.Database, clock: clock, idProvider: cfg.IDProvider, logger: logger}, nil
}

// Database exposes the underlying handle for collaborators that manage their
// own transactions, such as the cloning service.
func (s *Service) Database() *gorm.DB {
	return s.db
}

// WorkspaceParams describes the inputs for creating a workspace.
type WorkspaceParams struct {
	ActivityID     string
	Title          string
	IsTemplate     bool
	AllowDraftSave bool
}

// CreateWorkspace inserts a workspace row with a freshly minted identifier.
func (s *Service) CreateWorkspace(ctx context.Context, params WorkspaceParams) (Workspace, error) {
	workspaceID, err := s.idProvider.NewID()
	if err != nil {
		s.logError(opCreateWorkspace, "id_generation_failed", err)
		return Workspace{}, newServiceError(opCreateWorkspace, "id_generation_failed", err)
	}
	workspace := Workspace{
		WorkspaceID:      workspaceID,
		ActivityID:       params.ActivityID,
		Title:            params.Title,
		IsTemplate:       params.IsTemplate,
		AllowDraftSave:   params.AllowDraftSave,
		CreatedAtSeconds: s.clock().UTC().Unix(),
	}
	if err := s.db.WithContext(ctx).Create(&workspace).Error; err != nil {
		s.logError(opCreateWorkspace, "insert_failed", err)
		return Workspace{}, newServiceError(opCreateWorkspace, "insert_failed", err)
	}
	return workspace, nil
}

// GetWorkspace loads a single workspace row.
func (s *Service) GetWorkspace(ctx context.Context, workspaceID string) (Workspace, error) {
	if workspaceID == "" {
		return Workspace{}, newServiceError(opGetWorkspace, "missing_workspace_id", errMissingWorkspaceID)
	}
	var workspace Workspace
	err := s.db.WithContext(ctx).Where(queryWorkspaceID, workspaceID).Take(&workspace).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Workspace{}, fmt.Errorf("%w: %s", ErrWorkspaceNotFound, workspaceID)
	}
	if err != nil {
		s.logError(opGetWorkspace, "query_failed", err, zap.String("workspace_id", workspaceID))
		return Workspace{}, newServiceError(opGetWorkspace, "query_failed", err)
	}
	return workspace, nil
}

// DeleteWorkspace removes a workspace and its documents.
func (s *Service) DeleteWorkspace(ctx context.Context, workspaceID string) error {
	if workspaceID == "" {
		return newServiceError(opDeleteWorkspace, "missing_workspace_id", errMissingWorkspaceID)
	}
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where(queryWorkspaceID, workspaceID).Delete(&Document{}).Error; err != nil {
			s.logError(opDeleteWorkspace, "document_delete_failed", err, zap.String("workspace_id", workspaceID))
			return newServiceError(opDeleteWorkspace, "document_delete_failed", err)
		}
		if err := tx.Where(queryWorkspaceID, workspaceID).Delete(&Workspace{}).Error; err != nil {
			s.logError(opDeleteWorkspace, "workspace_delete_failed", err, zap.String("workspace_id", workspaceID))
			return newServiceError(opDeleteWorkspace, "workspace_delete_failed", err)
		}
		return nil
	})
}

// DocumentParams describes the inputs for creating a document.
type DocumentParams struct {
	WorkspaceID string
	Kind        string
	Title       string
	Content     string
	Position    int
}

// CreateDocument inserts a document row with a freshly minted identifier.
func (s *Service) CreateDocument(ctx context.Context, params DocumentParams) (Document, error) {
	if params.WorkspaceID == "" {
		return Document{}, newServiceError(opCreateDocument, "missing_workspace_id", errMissingWorkspaceID)
	}
	documentID, err := s.idProvider.NewID()
	if err != nil {
		s.logError(opCreateDocument, "id_generation_failed", err)
		return Document{}, newServiceError(opCreateDocument, "id_generation_failed", err)
	}
	document := Document{
		DocumentID:  documentID,
		WorkspaceID: params.WorkspaceID,
		Kind:        params.Kind,
		Title:       params.Title,
		Content:     params.Content,
		Position:    params.Position,
	}
	if err := s.db.WithContext(ctx).Create(&document).Error; err != nil {
		s.logError(opCreateDocument, "insert_failed", err, zap.String("workspace_id", params.WorkspaceID))
		return Document{}, newServiceError(opCreateDocument, "insert_failed", err)
	}
	return document, nil
}

// ListDocuments returns a workspace's documents ordered by position.
func (s *Service) ListDocuments(ctx context.Context, workspaceID string) ([]Document, error) {
	if workspaceID == "" {
		return nil, newServiceError(opListDocuments, "missing_workspace_id", errMissingWorkspaceID)
	}
	var documents []Document
	if err := s.db.WithContext(ctx).
		Where(queryWorkspaceID, workspaceID).
		Order(orderDocumentPosition).
		Find(&documents).Error; err != nil {
		s.logError(opListDocuments, "query_failed", err, zap.String("workspace_id", workspaceID))
		return nil, newServiceError(opListDocuments, "query_failed", err)
	}
	return documents, nil
}

// LoadWorkspaceState returns the persisted replicated-document blob, or nil
// when the workspace has no state yet. The blob is opaque to the store.
func (s *Service) LoadWorkspaceState(ctx context.Context, workspaceID string) ([]byte, error) {
	workspace, err := s.GetWorkspace(ctx, workspaceID)
	if err != nil {
		return nil, err
	}
	if workspace.StateB64 == "" {
		return nil, nil
	}
	decoded, err := base64.StdEncoding.DecodeString(workspace.StateB64)
	if err != nil {
		s.logError(opLoadWorkspaceState, "state_decode_failed", err, zap.String("workspace_id", workspaceID))
		return nil, newServiceError(opLoadWorkspaceState, "state_decode_failed", err)
	}
	return decoded, nil
}

// SaveWorkspaceState stores the replicated-document blob for a workspace.
func (s *Service) SaveWorkspaceState(ctx context.Context, workspaceID string, state []byte) error {
	if workspaceID == "" {
		return newServiceError(opSaveWorkspaceState, "missing_workspace_id", errMissingWorkspaceID)
	}
	encoded := base64.StdEncoding.EncodeToString(state)
	result := s.db.WithContext(ctx).
		Model(&Workspace{}).
		Where(queryWorkspaceID, workspaceID).
		Update("state_b64", encoded)
	if result.Error != nil {
		s.logError(opSaveWorkspaceState, "update_failed", result.Error, zap.String("workspace_id", workspaceID))
		return newServiceError(opSaveWorkspaceState, "update_failed", result.Error)
	}
	if result.RowsAffected == 0 {
		return fmt.Errorf("%w: %s", ErrWorkspaceNotFound, workspaceID)
	}
	return nil
}

func (s *Service) logError(operation, reason string, err error, fields ...zap.Field) {
	attrs := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
	}
	if err != nil {
		attrs = append(attrs, zap.Error(err))
	}
	attrs = append(attrs, fields...)
	s.logger.Error("store service error", attrs...)
}
