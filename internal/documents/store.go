package documents

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const (
	fieldDocumentID      = "document_id"
	fieldRequester       = "requester"
	queryDocumentID      = fieldDocumentID + " = ?"
	queryDocumentIDIn    = fieldDocumentID + " IN ?"
	orderSequenceAsc     = "sequence ASC"
	orderUpdatedAtDesc   = "updated_at DESC"
	orderVersionsByDocID = fieldDocumentID + " ASC, " + orderSequenceAsc
)

var (
	errMissingDatabase   = errors.New("database handle is required")
	errMissingIDProvider = errors.New("id provider is required")
	noOpLogger           = zap.NewNop()
)

// StoreConfig describes the dependencies of the document store.
type StoreConfig struct {
	Database   *gorm.DB
	Clock      func() time.Time
	IDProvider IDProvider
	Logger     *zap.Logger
}

// Store owns document content and version history. Content is only mutated through a Coordinator.
type Store struct {
	db         *gorm.DB
	clock      func() time.Time
	idProvider IDProvider
	logger     *zap.Logger
	locks      *documentLocks
}

// NewStore validates the configuration and constructs a Store.
func NewStore(cfg StoreConfig) (*Store, error) {
	if cfg.Database == nil {
		return nil, newServiceError(opStoreNew, reasonMissingDatabase, errMissingDatabase)
	}
	if cfg.IDProvider == nil {
		return nil, newServiceError(opStoreNew, reasonMissingIDProvider, errMissingIDProvider)
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	return &Store{
		db:         cfg.Database,
		clock:      clock,
		idProvider: cfg.IDProvider,
		logger:     logger,
		locks:      newDocumentLocks(),
	}, nil
}

// Get loads a document by id without any access check.
func (s *Store) Get(ctx context.Context, documentID DocumentID) (Document, error) {
	var document Document
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		loaded, loadErr := s.loadDocument(tx, opGet, documentID, false)
		if loadErr != nil {
			return loadErr
		}
		document = loaded
		return nil
	})
	if err != nil {
		return Document{}, err
	}
	return document, nil
}

// Open loads a document for the requester. Documents the requester cannot read are reported as not found.
func (s *Store) Open(ctx context.Context, documentID DocumentID, requester UserID) (Document, Access, error) {
	document, err := s.Get(ctx, documentID)
	if err != nil {
		return Document{}, Access{}, err
	}
	access := Evaluate(document, requester)
	if !access.Read {
		return Document{}, Access{}, newServiceError(opOpen, reasonNotFound, ErrNotFound)
	}
	return document, access, nil
}

// Create persists a new document owned by the requester with empty history.
func (s *Store) Create(ctx context.Context, request CreateRequest) (Document, error) {
	normalized, err := request.normalized()
	if err != nil {
		return Document{}, newServiceError(opCreate, reasonInvalidInput, err)
	}
	documentID, err := s.idProvider.NewID()
	if err != nil {
		s.logError(opCreate, reasonIDFailed, err)
		return Document{}, persistenceError(opCreate, reasonIDFailed, err)
	}

	now := s.clock().UTC()
	record := DocumentRecord{
		DocumentID:   documentID,
		Title:        normalized.Title,
		Language:     normalized.Language,
		Content:      normalized.Content,
		OwnerID:      normalized.Owner.String(),
		LastAuthorID: normalized.Owner.String(),
		IsPublic:     false,
		Revision:     0,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if err := s.db.WithContext(ctx).Create(&record).Error; err != nil {
		s.logError(opCreate, reasonInsertFailed, err, zap.String(fieldDocumentID, documentID))
		return Document{}, persistenceError(opCreate, reasonInsertFailed, err)
	}
	return documentFromRecords(record, nil, nil), nil
}

// Delete removes a document with its collaborators and history. Only the owner may delete.
func (s *Store) Delete(ctx context.Context, documentID DocumentID, requester UserID) error {
	release := s.locks.Lock(documentID)
	defer release()

	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		document, err := s.loadDocument(tx, opDelete, documentID, true)
		if err != nil {
			return err
		}
		if err := authorize(opDelete, Evaluate(document, requester), func(access Access) bool { return access.Delete }); err != nil {
			return err
		}
		if err := tx.Where(queryDocumentID, documentID.String()).Delete(&VersionRecord{}).Error; err != nil {
			s.logError(opDelete, reasonDeleteFailed, err, zap.String(fieldDocumentID, documentID.String()))
			return persistenceError(opDelete, reasonDeleteFailed, err)
		}
		if err := tx.Where(queryDocumentID, documentID.String()).Delete(&CollaboratorRecord{}).Error; err != nil {
			s.logError(opDelete, reasonDeleteFailed, err, zap.String(fieldDocumentID, documentID.String()))
			return persistenceError(opDelete, reasonDeleteFailed, err)
		}
		result := tx.Where(queryDocumentID, documentID.String()).Delete(&DocumentRecord{})
		if result.Error != nil {
			s.logError(opDelete, reasonDeleteFailed, result.Error, zap.String(fieldDocumentID, documentID.String()))
			return persistenceError(opDelete, reasonDeleteFailed, result.Error)
		}
		if result.RowsAffected == 0 {
			return newServiceError(opDelete, reasonNotFound, ErrNotFound)
		}
		return nil
	})
}

// AddCollaborator grants write access to userID. Adding an existing collaborator or the owner is a no-op.
func (s *Store) AddCollaborator(ctx context.Context, documentID DocumentID, requester UserID, userID UserID) (Document, error) {
	if userID == "" {
		return Document{}, newServiceError(opAddCollab, reasonInvalidInput, fmt.Errorf("%w: collaborator id is required", ErrValidation))
	}

	var updated Document
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		document, err := s.loadDocument(tx, opAddCollab, documentID, true)
		if err != nil {
			return err
		}
		if err := authorize(opAddCollab, Evaluate(document, requester), func(access Access) bool { return access.Manage }); err != nil {
			return err
		}
		if userID == document.Owner || document.HasCollaborator(userID) {
			updated = document
			return nil
		}
		record := CollaboratorRecord{
			DocumentID: documentID.String(),
			UserID:     userID.String(),
			AddedAt:    s.clock().UTC(),
		}
		if err := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&record).Error; err != nil {
			s.logError(opAddCollab, reasonInsertFailed, err,
				zap.String(fieldDocumentID, documentID.String()),
				zap.String("collaborator", userID.String()))
			return persistenceError(opAddCollab, reasonInsertFailed, err)
		}
		reloaded, err := s.loadDocument(tx, opAddCollab, documentID, false)
		if err != nil {
			return err
		}
		updated = reloaded
		return nil
	})
	if err != nil {
		return Document{}, err
	}
	return updated, nil
}

// SetVisibility toggles public read access. Only the owner may change it.
func (s *Store) SetVisibility(ctx context.Context, documentID DocumentID, requester UserID, isPublic bool) (Document, error) {
	var updated Document
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		document, err := s.loadDocument(tx, opSetVisibility, documentID, true)
		if err != nil {
			return err
		}
		if err := authorize(opSetVisibility, Evaluate(document, requester), func(access Access) bool { return access.Manage }); err != nil {
			return err
		}
		if document.IsPublic == isPublic {
			updated = document
			return nil
		}
		now := s.clock().UTC()
		if err := tx.Model(&DocumentRecord{}).
			Where(queryDocumentID, documentID.String()).
			Updates(map[string]any{"is_public": isPublic, "updated_at": now}).Error; err != nil {
			s.logError(opSetVisibility, reasonUpdateFailed, err, zap.String(fieldDocumentID, documentID.String()))
			return persistenceError(opSetVisibility, reasonUpdateFailed, err)
		}
		document.IsPublic = isPublic
		document.UpdatedAt = now
		updated = document
		return nil
	})
	if err != nil {
		return Document{}, err
	}
	return updated, nil
}

// ListAccessible returns every document the requester owns, collaborates on, or that is public.
func (s *Store) ListAccessible(ctx context.Context, requester UserID) ([]Document, error) {
	db := s.db.WithContext(ctx)
	collaborating := db.Model(&CollaboratorRecord{}).Select(fieldDocumentID).Where("user_id = ?", requester.String())

	var records []DocumentRecord
	if err := db.
		Where("owner_id = ? OR is_public = ? OR document_id IN (?)", requester.String(), true, collaborating).
		Order(orderUpdatedAtDesc).
		Find(&records).Error; err != nil {
		s.logError(opListAccessible, reasonQueryFailed, err, zap.String(fieldRequester, requester.String()))
		return nil, persistenceError(opListAccessible, reasonQueryFailed, err)
	}
	if len(records) == 0 {
		return []Document{}, nil
	}

	ids := make([]string, 0, len(records))
	for _, record := range records {
		ids = append(ids, record.DocumentID)
	}
	var collaborators []CollaboratorRecord
	if err := db.Where(queryDocumentIDIn, ids).Order("added_at ASC").Find(&collaborators).Error; err != nil {
		s.logError(opListAccessible, reasonQueryFailed, err, zap.String(fieldRequester, requester.String()))
		return nil, persistenceError(opListAccessible, reasonQueryFailed, err)
	}
	var versions []VersionRecord
	if err := db.Where(queryDocumentIDIn, ids).Order(orderVersionsByDocID).Find(&versions).Error; err != nil {
		s.logError(opListAccessible, reasonQueryFailed, err, zap.String(fieldRequester, requester.String()))
		return nil, persistenceError(opListAccessible, reasonQueryFailed, err)
	}

	collaboratorsByDocument := make(map[string][]CollaboratorRecord, len(records))
	for _, collaborator := range collaborators {
		collaboratorsByDocument[collaborator.DocumentID] = append(collaboratorsByDocument[collaborator.DocumentID], collaborator)
	}
	versionsByDocument := make(map[string][]VersionRecord, len(records))
	for _, version := range versions {
		versionsByDocument[version.DocumentID] = append(versionsByDocument[version.DocumentID], version)
	}

	documents := make([]Document, 0, len(records))
	for _, record := range records {
		documents = append(documents, documentFromRecords(record, collaboratorsByDocument[record.DocumentID], versionsByDocument[record.DocumentID]))
	}
	return documents, nil
}

// ListVersions returns the history of a document the requester can read, oldest first.
func (s *Store) ListVersions(ctx context.Context, documentID DocumentID, requester UserID) ([]Version, error) {
	document, _, err := s.Open(ctx, documentID, requester)
	if err != nil {
		return nil, err
	}
	return document.Versions, nil
}

func (s *Store) loadDocument(tx *gorm.DB, operation string, documentID DocumentID, forUpdate bool) (Document, error) {
	if documentID == "" {
		return Document{}, newServiceError(operation, reasonInvalidInput, fmt.Errorf("%w: empty document id", ErrValidation))
	}
	query := tx
	if forUpdate {
		query = query.Clauses(clause.Locking{Strength: "UPDATE"})
	}
	var record DocumentRecord
	err := query.Where(queryDocumentID, documentID.String()).Take(&record).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Document{}, newServiceError(operation, reasonNotFound, ErrNotFound)
	}
	if err != nil {
		s.logError(operation, reasonQueryFailed, err, zap.String(fieldDocumentID, documentID.String()))
		return Document{}, persistenceError(operation, reasonQueryFailed, err)
	}

	var collaborators []CollaboratorRecord
	if err := tx.Where(queryDocumentID, documentID.String()).Order("added_at ASC").Find(&collaborators).Error; err != nil {
		s.logError(operation, reasonQueryFailed, err, zap.String(fieldDocumentID, documentID.String()))
		return Document{}, persistenceError(operation, reasonQueryFailed, err)
	}
	var versions []VersionRecord
	if err := tx.Where(queryDocumentID, documentID.String()).Order(orderSequenceAsc).Find(&versions).Error; err != nil {
		s.logError(operation, reasonQueryFailed, err, zap.String(fieldDocumentID, documentID.String()))
		return Document{}, persistenceError(operation, reasonQueryFailed, err)
	}
	return documentFromRecords(record, collaborators, versions), nil
}

// authorize rejects requesters lacking the permission. Only the read path hides existence behind NotFound.
func authorize(operation string, access Access, allowed func(Access) bool) error {
	if !allowed(access) {
		return newServiceError(operation, reasonForbidden, ErrForbidden)
	}
	return nil
}

func (s *Store) loggerOrDefault() *zap.Logger {
	if s == nil || s.logger == nil {
		return noOpLogger
	}
	return s.logger
}

func (s *Store) logError(operation, reason string, err error, fields ...zap.Field) {
	attrs := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
	}
	if err != nil {
		attrs = append(attrs, zap.Error(err))
	}
	attrs = append(attrs, fields...)
	s.loggerOrDefault().Error("documents store error", attrs...)
}
