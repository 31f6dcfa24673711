package documents

import (
	"fmt"
	"strings"
	"time"
)

const (
	maxIdentifierLength = 190
	maxTitleLength      = 200
	maxLanguageLength   = 64
	defaultLanguage     = "plaintext"
)

// DocumentID represents a validated document identifier.
type DocumentID string

// NewDocumentID validates raw input and returns a DocumentID.
func NewDocumentID(rawInput string) (DocumentID, error) {
	trimmed := strings.TrimSpace(rawInput)
	if trimmed == "" {
		return "", fmt.Errorf("%w: empty document id", ErrValidation)
	}
	if len(trimmed) > maxIdentifierLength {
		return "", fmt.Errorf("%w: document id exceeds %d characters", ErrValidation, maxIdentifierLength)
	}
	return DocumentID(trimmed), nil
}

// String returns the underlying string identifier.
func (id DocumentID) String() string {
	return string(id)
}

// UserID represents a validated user identifier.
type UserID string

// NewUserID validates raw input and returns a UserID.
func NewUserID(rawInput string) (UserID, error) {
	trimmed := strings.TrimSpace(rawInput)
	if trimmed == "" {
		return "", fmt.Errorf("%w: empty user id", ErrValidation)
	}
	if len(trimmed) > maxIdentifierLength {
		return "", fmt.Errorf("%w: user id exceeds %d characters", ErrValidation, maxIdentifierLength)
	}
	return UserID(trimmed), nil
}

// String returns the underlying string identifier.
func (id UserID) String() string {
	return string(id)
}

// Version is an immutable snapshot of content that a later save superseded.
type Version struct {
	Sequence  int64     `json:"sequence"`
	Content   string    `json:"content"`
	Author    UserID    `json:"author"`
	Timestamp time.Time `json:"timestamp"`
}

// Document is the authoritative view of a stored document and its history.
type Document struct {
	ID            DocumentID `json:"id"`
	Title         string     `json:"title"`
	Language      string     `json:"language"`
	Content       string     `json:"content"`
	Owner         UserID     `json:"owner"`
	LastAuthor    UserID     `json:"lastAuthor"`
	Collaborators []UserID   `json:"collaborators"`
	IsPublic      bool       `json:"isPublic"`
	Revision      int64      `json:"revision"`
	Versions      []Version  `json:"versions"`
	CreatedAt     time.Time  `json:"createdAt"`
	UpdatedAt     time.Time  `json:"updatedAt"`
}

// HasCollaborator reports whether the user is listed as a collaborator.
func (d Document) HasCollaborator(userID UserID) bool {
	for _, collaborator := range d.Collaborators {
		if collaborator == userID {
			return true
		}
	}
	return false
}

// DocumentRecord is the persisted row backing a Document.
type DocumentRecord struct {
	DocumentID   string    `gorm:"column:document_id;primaryKey;size:190;not null"`
	Title        string    `gorm:"column:title;size:200;not null"`
	Language     string    `gorm:"column:language;size:64;not null"`
	Content      string    `gorm:"column:content;type:text;not null"`
	OwnerID      string    `gorm:"column:owner_id;size:190;not null;index:idx_documents_owner_updated,priority:1"`
	LastAuthorID string    `gorm:"column:last_author_id;size:190;not null;default:''"`
	IsPublic     bool      `gorm:"column:is_public;not null;default:false;index"`
	Revision     int64     `gorm:"column:revision;not null;default:0"`
	CreatedAt    time.Time `gorm:"column:created_at;not null"`
	UpdatedAt    time.Time `gorm:"column:updated_at;not null;index:idx_documents_owner_updated,priority:2"`
}

// TableName provides the explicit table binding for GORM.
func (DocumentRecord) TableName() string {
	return "documents"
}

// CollaboratorRecord links a non-owner user to a document.
type CollaboratorRecord struct {
	DocumentID string    `gorm:"column:document_id;primaryKey;size:190;not null"`
	UserID     string    `gorm:"column:user_id;primaryKey;size:190;not null;index"`
	AddedAt    time.Time `gorm:"column:added_at;not null"`
}

// TableName provides the explicit table binding for GORM.
func (CollaboratorRecord) TableName() string {
	return "document_collaborators"
}

// VersionRecord is an append-only history row.
type VersionRecord struct {
	VersionID  string    `gorm:"column:version_id;primaryKey;size:190;not null"`
	DocumentID string    `gorm:"column:document_id;size:190;not null;uniqueIndex:idx_versions_document_sequence,priority:1"`
	Sequence   int64     `gorm:"column:sequence;not null;uniqueIndex:idx_versions_document_sequence,priority:2"`
	Content    string    `gorm:"column:content;type:text;not null"`
	AuthorID   string    `gorm:"column:author_id;size:190;not null"`
	CreatedAt  time.Time `gorm:"column:created_at;not null"`
}

// TableName provides the explicit table binding for GORM.
func (VersionRecord) TableName() string {
	return "document_versions"
}

// Models lists every table owned by the document store, in migration order.
func Models() []any {
	return []any{&DocumentRecord{}, &CollaboratorRecord{}, &VersionRecord{}}
}

// CreateRequest carries the fields for a new document.
type CreateRequest struct {
	Title    string
	Language string
	Content  string
	Owner    UserID
}

func (r CreateRequest) normalized() (CreateRequest, error) {
	title := strings.TrimSpace(r.Title)
	if title == "" {
		return CreateRequest{}, fmt.Errorf("%w: title is required", ErrValidation)
	}
	if len(title) > maxTitleLength {
		return CreateRequest{}, fmt.Errorf("%w: title exceeds %d characters", ErrValidation, maxTitleLength)
	}
	language, err := normalizeLanguage(r.Language)
	if err != nil {
		return CreateRequest{}, err
	}
	if language == "" {
		language = defaultLanguage
	}
	if r.Owner == "" {
		return CreateRequest{}, fmt.Errorf("%w: owner is required", ErrValidation)
	}
	return CreateRequest{
		Title:    title,
		Language: language,
		Content:  r.Content,
		Owner:    r.Owner,
	}, nil
}

// SaveRequest carries the fields for a content save. An empty Language keeps the current one.
type SaveRequest struct {
	DocumentID DocumentID
	Requester  UserID
	Content    string
	Language   string
}

func normalizeLanguage(raw string) (string, error) {
	language := strings.ToLower(strings.TrimSpace(raw))
	if len(language) > maxLanguageLength {
		return "", fmt.Errorf("%w: language exceeds %d characters", ErrValidation, maxLanguageLength)
	}
	return language, nil
}

func documentFromRecords(record DocumentRecord, collaborators []CollaboratorRecord, versions []VersionRecord) Document {
	document := Document{
		ID:            DocumentID(record.DocumentID),
		Title:         record.Title,
		Language:      record.Language,
		Content:       record.Content,
		Owner:         UserID(record.OwnerID),
		LastAuthor:    UserID(record.LastAuthorID),
		Collaborators: make([]UserID, 0, len(collaborators)),
		IsPublic:      record.IsPublic,
		Revision:      record.Revision,
		Versions:      make([]Version, 0, len(versions)),
		CreatedAt:     record.CreatedAt.UTC(),
		UpdatedAt:     record.UpdatedAt.UTC(),
	}
	if document.LastAuthor == "" {
		document.LastAuthor = document.Owner
	}
	for _, collaborator := range collaborators {
		document.Collaborators = append(document.Collaborators, UserID(collaborator.UserID))
	}
	for _, version := range versions {
		document.Versions = append(document.Versions, versionFromRecord(version))
	}
	return document
}

func versionFromRecord(record VersionRecord) Version {
	return Version{
		Sequence:  record.Sequence,
		Content:   record.Content,
		Author:    UserID(record.AuthorID),
		Timestamp: record.CreatedAt.UTC(),
	}
}
