package server

import (
	"regexp"

	validation "github.com/go-ozzo/ozzo-validation/v4"
)

var colorPattern = regexp.MustCompile(`^#[0-9a-fA-F]{6}$`)

type joinRequestPayload struct {
	Name  string `json:"name"`
	Color string `json:"color"`
}

func (p joinRequestPayload) Validate() error {
	return validation.ValidateStruct(&p,
		validation.Field(&p.Name, validation.Required, validation.Length(1, 64)),
		validation.Field(&p.Color, validation.Match(colorPattern)),
	)
}

type joinResponsePayload struct {
	AccessToken string `json:"access_token"`
	ExpiresIn   int64  `json:"expires_in"`
	TokenType   string `json:"token_type"`
}

type createWorkspacePayload struct {
	Title          string `json:"title"`
	ActivityID     string `json:"activity_id"`
	IsTemplate     bool   `json:"is_template"`
	AllowDraftSave bool   `json:"allow_draft_save"`
}

func (p createWorkspacePayload) Validate() error {
	return validation.ValidateStruct(&p,
		validation.Field(&p.Title, validation.Required, validation.Length(1, 190)),
		validation.Field(&p.ActivityID, validation.Length(0, 190)),
	)
}

type createDocumentPayload struct {
	Kind     string `json:"kind"`
	Title    string `json:"title"`
	Content  string `json:"content"`
	Position int    `json:"position"`
}

func (p createDocumentPayload) Validate() error {
	return validation.ValidateStruct(&p,
		validation.Field(&p.Kind, validation.Required, validation.Length(1, 190)),
		validation.Field(&p.Title, validation.Length(0, 190)),
		validation.Field(&p.Position, validation.Min(0)),
	)
}

type cloneWorkspacePayload struct {
	Title string `json:"title"`
}

func (p cloneWorkspacePayload) Validate() error {
	return validation.ValidateStruct(&p,
		validation.Field(&p.Title, validation.Required, validation.Length(1, 190)),
	)
}

type workspaceResponsePayload struct {
	WorkspaceID    string `json:"workspace_id"`
	ActivityID     string `json:"activity_id,omitempty"`
	Title          string `json:"title"`
	IsTemplate     bool   `json:"is_template"`
	AllowDraftSave bool   `json:"allow_draft_save"`
}

type documentResponsePayload struct {
	DocumentID string `json:"document_id"`
	Kind       string `json:"kind"`
	Title      string `json:"title"`
	Content    string `json:"content"`
	Position   int    `json:"position"`
}

type commentResponsePayload struct {
	CommentID        string `json:"comment_id"`
	Author           string `json:"author"`
	Text             string `json:"text"`
	CreatedAtSeconds int64  `json:"created_at_s"`
}

type highlightResponsePayload struct {
	HighlightID      string                   `json:"highlight_id"`
	DocumentID       string                   `json:"document_id,omitempty"`
	Start            int                      `json:"start"`
	End              int                      `json:"end"`
	Tag              string                   `json:"tag"`
	Author           string                   `json:"author"`
	Text             string                   `json:"text"`
	CreatedAtSeconds int64                    `json:"created_at_s"`
	Comments         []commentResponsePayload `json:"comments"`
}

type draftSpanPayload struct {
	Text  string            `json:"text"`
	Attrs map[string]string `json:"attrs,omitempty"`
}

type draftResponsePayload struct {
	Spans []draftSpanPayload `json:"spans"`
	Text  string             `json:"text"`
}
