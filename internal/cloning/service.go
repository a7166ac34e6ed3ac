package cloning

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"time"

	"github.com/lumenclass/marginalia/backend/internal/annotation"
	"github.com/lumenclass/marginalia/backend/internal/store"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var (
	// ErrTemplateNotFound indicates the template workspace does not exist.
	ErrTemplateNotFound = errors.New("cloning: template not found")
	// ErrCloneFailed indicates the clone transaction was rolled back.
	ErrCloneFailed = errors.New("cloning: clone failed")

	errMissingDatabase   = errors.New("database handle is required")
	errMissingIDProvider = errors.New("id provider is required")
	noOpLogger           = zap.NewNop()
)

const (
	opCloneTemplate       = "cloning.clone_template"
	queryWorkspaceID      = "workspace_id = ?"
	orderDocumentPosition = "position ASC, document_id ASC"
)

// ServiceConfig describes the dependencies of the cloning service.
type ServiceConfig struct {
	Database   *gorm.DB
	Clock      func() time.Time
	IDProvider store.IDProvider
	Logger     *zap.Logger
}

// Service clones template workspaces. A clone is a wholly independent
// replica: fresh workspace and document identifiers, highlight document
// references remapped, client metadata never carried over. The whole clone
// commits as one transaction; the template is only ever read.
type Service struct {
	db         *gorm.DB
	clock      func() time.Time
	idProvider store.IDProvider
	logger     *zap.Logger
}

// NewService validates the configuration and returns a Service.
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Database == nil {
		return nil, errMissingDatabase
	}
	if cfg.IDProvider == nil {
		return nil, errMissingIDProvider
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

// CloneResult carries the rows created by a successful clone.
type CloneResult struct {
	Workspace store.Workspace
	Documents []store.Document
}

// CloneTemplate duplicates a template workspace into a fresh one. Any
// failure rolls back every row the clone created.
func (s *Service) CloneTemplate(ctx context.Context, templateWorkspaceID string, title string) (CloneResult, error) {
	var result CloneResult
	txErr := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var template store.Workspace
		err := tx.Where(queryWorkspaceID, templateWorkspaceID).Take(&template).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return fmt.Errorf("%w: %s", ErrTemplateNotFound, templateWorkspaceID)
		}
		if err != nil {
			return fmt.Errorf("template lookup: %w", err)
		}

		var templateDocuments []store.Document
		if err := tx.Where(queryWorkspaceID, templateWorkspaceID).
			Order(orderDocumentPosition).
			Find(&templateDocuments).Error; err != nil {
			return fmt.Errorf("template documents: %w", err)
		}

		workspaceID, err := s.idProvider.NewID()
		if err != nil {
			return fmt.Errorf("workspace id: %w", err)
		}
		clone := store.Workspace{
			WorkspaceID:      workspaceID,
			ActivityID:       template.ActivityID,
			Title:            title,
			IsTemplate:       false,
			AllowDraftSave:   template.AllowDraftSave,
			CreatedAtSeconds: s.clock().UTC().Unix(),
		}
		if err := tx.Create(&clone).Error; err != nil {
			return fmt.Errorf("workspace insert: %w", err)
		}

		documentIDMap := make(map[string]string, len(templateDocuments))
		documents := make([]store.Document, 0, len(templateDocuments))
		for _, templateDocument := range templateDocuments {
			documentID, err := s.idProvider.NewID()
			if err != nil {
				return fmt.Errorf("document id: %w", err)
			}
			documentIDMap[templateDocument.DocumentID] = documentID
			document := store.Document{
				DocumentID:  documentID,
				WorkspaceID: workspaceID,
				Kind:        templateDocument.Kind,
				Title:       templateDocument.Title,
				Content:     templateDocument.Content,
				Position:    templateDocument.Position,
			}
			if err := tx.Create(&document).Error; err != nil {
				return fmt.Errorf("document insert: %w", err)
			}
			documents = append(documents, document)
		}

		if template.StateB64 != "" {
			stateBlob, err := base64.StdEncoding.DecodeString(template.StateB64)
			if err != nil {
				return fmt.Errorf("template state decode: %w", err)
			}
			cloneState, err := replayState(stateBlob, documentIDMap)
			if err != nil {
				return fmt.Errorf("state replay: %w", err)
			}
			if err := tx.Model(&store.Workspace{}).
				Where(queryWorkspaceID, workspaceID).
				Update("state_b64", base64.StdEncoding.EncodeToString(cloneState)).Error; err != nil {
				return fmt.Errorf("state save: %w", err)
			}
		}

		result = CloneResult{Workspace: clone, Documents: documents}
		return nil
	})
	if txErr != nil {
		if errors.Is(txErr, ErrTemplateNotFound) {
			return CloneResult{}, txErr
		}
		s.logger.Error("clone transaction rolled back",
			zap.String("operation", opCloneTemplate),
			zap.String("template_workspace_id", templateWorkspaceID),
			zap.Error(txErr))
		return CloneResult{}, fmt.Errorf("%w: %v", ErrCloneFailed, txErr)
	}
	return result, nil
}

// replayState rebuilds a template's replicated state inside a brand-new
// document. Highlights are re-inserted in their natural order with document
// references remapped; nested comments follow under the fresh highlight ids;
// tag ordering is rebuilt with the remapped ids. Client metadata never
// appears in snapshots, so the clone starts with an empty presence map.
// The replay clock tracks the template's creation times so the clone keeps
// the original timestamps instead of stamping everything with the clone time.
func replayState(templateState []byte, documentIDMap map[string]string) ([]byte, error) {
	scratch := annotation.NewDoc(annotation.DocConfig{})
	if err := scratch.ApplyState(templateState); err != nil {
		return nil, err
	}

	replayTime := time.Unix(0, 0)
	cloneDoc := annotation.NewDoc(annotation.DocConfig{Clock: func() time.Time { return replayTime }})
	highlightIDMap := make(map[string]string)
	tags := make([]string, 0)
	seenTags := make(map[string]bool)
	for _, highlight := range scratch.Highlights() {
		documentID := documentIDMap[highlight.DocumentID]
		replayTime = time.Unix(highlight.CreatedAtSeconds, 0)
		cloneHighlightID, err := cloneDoc.AddHighlight(documentID, highlight.Start, highlight.End,
			highlight.Tag, highlight.Text, highlight.Author, "")
		if err != nil {
			return nil, err
		}
		highlightIDMap[highlight.HighlightID] = cloneHighlightID
		for _, comment := range highlight.Comments {
			replayTime = time.Unix(comment.CreatedAtSeconds, 0)
			if _, ok := cloneDoc.AddComment(cloneHighlightID, comment.Author, comment.Text, ""); !ok {
				return nil, fmt.Errorf("comment replay lost highlight %s", cloneHighlightID)
			}
		}
		if !seenTags[highlight.Tag] {
			seenTags[highlight.Tag] = true
			tags = append(tags, highlight.Tag)
		}
	}
	for _, tag := range tags {
		order := make([]string, 0)
		for _, templateHighlightID := range scratch.TagOrderFor(tag) {
			if cloneHighlightID, ok := highlightIDMap[templateHighlightID]; ok {
				order = append(order, cloneHighlightID)
			}
		}
		cloneDoc.SetTagOrder(tag, order, "")
	}

	notesText := scratch.NotesText()
	if notesText != "" {
		cloneDoc.InsertNotes(0, notesText, "")
	}
	draftIndex := 0
	for _, span := range scratch.DraftSpans() {
		cloneDoc.InsertDraft(draftIndex, span.Text, span.Attrs, "")
		draftIndex += len([]rune(span.Text))
	}
	return cloneDoc.EncodeState()
}
