package annotation

import (
	"errors"
	"fmt"
	"strings"
)

const maxIdentifierLength = 190

var (
	// ErrInvalidRange indicates highlight offsets with start greater than end.
	ErrInvalidRange = errors.New("annotation: invalid highlight range")
	// ErrMalformedUpdate indicates a payload that does not decode as a document update.
	ErrMalformedUpdate = errors.New("annotation: malformed update")
	// ErrMalformedState indicates a payload that does not decode as a document snapshot.
	ErrMalformedState = errors.New("annotation: malformed state")
	// ErrInvalidDocumentID indicates a document identifier that is empty or exceeds storage bounds.
	ErrInvalidDocumentID = errors.New("annotation: invalid document id")
	// ErrInvalidWorkspaceID indicates a workspace identifier that is empty or exceeds storage bounds.
	ErrInvalidWorkspaceID = errors.New("annotation: invalid workspace id")
)

// WorkspaceID represents a validated workspace identifier.
type WorkspaceID string

// NewWorkspaceID validates raw input and returns a WorkspaceID.
func NewWorkspaceID(rawInput string) (WorkspaceID, error) {
	trimmed := strings.TrimSpace(rawInput)
	if trimmed == "" {
		return "", fmt.Errorf("%w: empty", ErrInvalidWorkspaceID)
	}
	if len(trimmed) > maxIdentifierLength {
		return "", fmt.Errorf("%w: exceeds %d characters", ErrInvalidWorkspaceID, maxIdentifierLength)
	}
	return WorkspaceID(trimmed), nil
}

// String returns the underlying string identifier.
func (id WorkspaceID) String() string {
	return string(id)
}

// DocumentID represents a validated document identifier.
type DocumentID string

// NewDocumentID validates raw input and returns a DocumentID.
func NewDocumentID(rawInput string) (DocumentID, error) {
	trimmed := strings.TrimSpace(rawInput)
	if trimmed == "" {
		return "", fmt.Errorf("%w: empty", ErrInvalidDocumentID)
	}
	if len(trimmed) > maxIdentifierLength {
		return "", fmt.Errorf("%w: exceeds %d characters", ErrInvalidDocumentID, maxIdentifierLength)
	}
	return DocumentID(trimmed), nil
}

// String returns the underlying string identifier.
func (id DocumentID) String() string {
	return string(id)
}

// Comment is a remark owned by a single highlight.
type Comment struct {
	CommentID        string
	Author           string
	Text             string
	CreatedAtSeconds int64
}

// Highlight is a tagged span over a document's character stream. End is
// exclusive and offsets refer to the document content at creation time.
type Highlight struct {
	HighlightID      string
	DocumentID       string
	Start            int
	End              int
	Tag              string
	Author           string
	Text             string
	CreatedAtSeconds int64
	Comments         []Comment
}

// ClientMeta carries ephemeral per-connection presence state. It is shared
// between replicas through updates but never included in snapshots.
type ClientMeta struct {
	Name           string `json:"name"`
	Color          string `json:"color"`
	CursorDocument string `json:"cursor_document,omitempty"`
	CursorOffset   int    `json:"cursor_offset"`
	SelectionStart int    `json:"selection_start"`
	SelectionEnd   int    `json:"selection_end"`
}
