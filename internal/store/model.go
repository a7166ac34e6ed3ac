package store

// Workspace models a persisted annotation workspace. The replicated document
// state rides along as an opaque base64 blob.
type Workspace struct {
	WorkspaceID      string `gorm:"column:workspace_id;primaryKey;size:190;not null"`
	ActivityID       string `gorm:"column:activity_id;size:190;index:idx_workspaces_activity"`
	Title            string `gorm:"column:title;size:190;not null;default:''"`
	IsTemplate       bool   `gorm:"column:is_template;not null;default:false"`
	AllowDraftSave   bool   `gorm:"column:allow_draft_save;not null;default:false"`
	StateB64         string `gorm:"column:state_b64;type:text;not null;default:''"`
	CreatedAtSeconds int64  `gorm:"column:created_at_s;not null"`
}

// TableName provides the explicit table binding for GORM.
func (Workspace) TableName() string {
	return "workspaces"
}

// Document models one ordered text source inside a workspace. Content is
// immutable after creation; highlight offsets refer to it permanently.
type Document struct {
	DocumentID  string `gorm:"column:document_id;primaryKey;size:190;not null"`
	WorkspaceID string `gorm:"column:workspace_id;size:190;not null;index:idx_documents_workspace,priority:1"`
	Kind        string `gorm:"column:kind;size:190;not null;default:''"`
	Title       string `gorm:"column:title;size:190;not null;default:''"`
	Content     string `gorm:"column:content;type:text;not null"`
	Position    int    `gorm:"column:position;not null;default:0;index:idx_documents_workspace,priority:2"`
}

// TableName provides the explicit table binding for GORM.
func (Document) TableName() string {
	return "documents"
}
