package documents

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"
	"gorm.io/gorm"
)

// Save outcomes reported to a SaveRecorder, one per Save or Restore call.
const (
	SaveOutcomeApplied   = "applied"
	SaveOutcomeForbidden = "forbidden"
	SaveOutcomeNotFound  = "not_found"
	SaveOutcomeInvalid   = "invalid"
	SaveOutcomeFailed    = "failed"
)

var errMissingStore = errors.New("document store is required")

// SaveRecorder observes save outcomes.
type SaveRecorder interface {
	RecordSave(outcome string)
}

type noopSaveRecorder struct{}

func (noopSaveRecorder) RecordSave(string) {}

// CoordinatorConfig describes the dependencies of the update coordinator.
type CoordinatorConfig struct {
	Store    *Store
	Recorder SaveRecorder
}

// Coordinator is the only writer of document content. Saves on one document are serialized; saves on different
// documents run independently. Concurrent saves are not conflict-checked: the last one to commit wins and every
// save records the content it replaced.
type Coordinator struct {
	store    *Store
	recorder SaveRecorder
}

// NewCoordinator constructs a Coordinator over the given store.
func NewCoordinator(cfg CoordinatorConfig) (*Coordinator, error) {
	if cfg.Store == nil {
		return nil, newServiceError(opStoreNew, "missing_store", errMissingStore)
	}
	recorder := cfg.Recorder
	if recorder == nil {
		recorder = noopSaveRecorder{}
	}
	return &Coordinator{store: cfg.Store, recorder: recorder}, nil
}

// Save snapshots the current content as a new version, then installs the requested content.
func (c *Coordinator) Save(ctx context.Context, request SaveRequest) (Document, error) {
	language, err := normalizeLanguage(request.Language)
	if err != nil {
		c.recorder.RecordSave(SaveOutcomeInvalid)
		return Document{}, newServiceError(opSave, reasonInvalidInput, err)
	}
	document, err := c.apply(ctx, opSave, request.DocumentID, func(Document) (string, string, error) {
		return request.Content, language, nil
	}, request.Requester)
	c.recorder.RecordSave(saveOutcome(err))
	return document, err
}

// Restore saves the content of an earlier version, which itself appends a version for the replaced content.
func (c *Coordinator) Restore(ctx context.Context, documentID DocumentID, requester UserID, sequence int64) (Document, error) {
	document, err := c.apply(ctx, opRestore, documentID, func(current Document) (string, string, error) {
		for _, version := range current.Versions {
			if version.Sequence == sequence {
				return version.Content, "", nil
			}
		}
		return "", "", newServiceError(opRestore, reasonVersionNotFound, fmt.Errorf("%w: version %d", ErrNotFound, sequence))
	}, requester)
	c.recorder.RecordSave(saveOutcome(err))
	return document, err
}

// apply runs the read-snapshot-append-overwrite sequence under the document's lock. Once the lock is held the
// save is detached from caller cancellation so it either completes or fails outright.
func (c *Coordinator) apply(
	ctx context.Context,
	operation string,
	documentID DocumentID,
	nextContent func(Document) (string, string, error),
	requester UserID,
) (Document, error) {
	store := c.store
	if requester == "" {
		return Document{}, newServiceError(operation, reasonInvalidInput, fmt.Errorf("%w: requester is required", ErrValidation))
	}

	release := store.locks.Lock(documentID)
	defer release()

	var updated Document
	err := store.db.WithContext(context.WithoutCancel(ctx)).Transaction(func(tx *gorm.DB) error {
		current, err := store.loadDocument(tx, operation, documentID, true)
		if err != nil {
			return err
		}
		if err := authorize(operation, Evaluate(current, requester), func(access Access) bool { return access.Write }); err != nil {
			return err
		}
		content, language, err := nextContent(current)
		if err != nil {
			return err
		}

		var lastSequence int64
		if err := tx.Model(&VersionRecord{}).
			Where(queryDocumentID, documentID.String()).
			Select("COALESCE(MAX(sequence), 0)").
			Scan(&lastSequence).Error; err != nil {
			store.logError(operation, reasonQueryFailed, err, zap.String(fieldDocumentID, documentID.String()))
			return persistenceError(operation, reasonQueryFailed, err)
		}

		versionID, err := store.idProvider.NewID()
		if err != nil {
			store.logError(operation, reasonIDFailed, err, zap.String(fieldDocumentID, documentID.String()))
			return persistenceError(operation, reasonIDFailed, err)
		}
		now := store.clock().UTC()
		snapshot := VersionRecord{
			VersionID:  versionID,
			DocumentID: documentID.String(),
			Sequence:   lastSequence + 1,
			Content:    current.Content,
			AuthorID:   current.LastAuthor.String(),
			CreatedAt:  now,
		}
		if err := tx.Create(&snapshot).Error; err != nil {
			store.logError(operation, reasonInsertFailed, err, zap.String(fieldDocumentID, documentID.String()))
			return persistenceError(operation, reasonInsertFailed, err)
		}

		updates := map[string]any{
			"content":        content,
			"last_author_id": requester.String(),
			"revision":       current.Revision + 1,
			"updated_at":     now,
		}
		if language != "" {
			updates["language"] = language
		}
		if err := tx.Model(&DocumentRecord{}).
			Where(queryDocumentID, documentID.String()).
			Updates(updates).Error; err != nil {
			store.logError(operation, reasonUpdateFailed, err, zap.String(fieldDocumentID, documentID.String()))
			return persistenceError(operation, reasonUpdateFailed, err)
		}

		current.Content = content
		if language != "" {
			current.Language = language
		}
		current.LastAuthor = requester
		current.Revision++
		current.UpdatedAt = now
		current.Versions = append(current.Versions, versionFromRecord(snapshot))
		updated = current
		return nil
	})
	if err != nil {
		return Document{}, err
	}
	return updated, nil
}

func saveOutcome(err error) string {
	switch {
	case err == nil:
		return SaveOutcomeApplied
	case errors.Is(err, ErrForbidden):
		return SaveOutcomeForbidden
	case errors.Is(err, ErrNotFound):
		return SaveOutcomeNotFound
	case errors.Is(err, ErrValidation):
		return SaveOutcomeInvalid
	default:
		return SaveOutcomeFailed
	}
}
