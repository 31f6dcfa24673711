package documents

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound indicates the document is absent or not visible to the requester.
	ErrNotFound = errors.New("documents: not found")
	// ErrForbidden indicates the requester can see the document but lacks the permission.
	ErrForbidden = errors.New("documents: forbidden")
	// ErrValidation indicates missing or malformed input.
	ErrValidation = errors.New("documents: validation failed")
	// ErrConflict indicates a uniqueness violation.
	ErrConflict = errors.New("documents: conflict")
	// ErrPersistence indicates the storage layer failed.
	ErrPersistence = errors.New("documents: persistence failure")
)

// ServiceError carries a stable "<operation>.<reason>" code alongside the underlying cause.
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

// Code returns the machine-readable error code.
func (e *ServiceError) Code() string {
	return e.code
}

const (
	opStoreNew       = "documents.store.new"
	opGet            = "documents.get"
	opOpen           = "documents.open"
	opCreate         = "documents.create"
	opDelete         = "documents.delete"
	opAddCollab      = "documents.add_collaborator"
	opSetVisibility  = "documents.set_visibility"
	opListAccessible = "documents.list_accessible"
	opListVersions   = "documents.list_versions"
	opSave           = "documents.save"
	opRestore        = "documents.restore"
)

const (
	reasonMissingDatabase   = "missing_database"
	reasonMissingIDProvider = "missing_id_provider"
	reasonInvalidInput      = "invalid_input"
	reasonNotFound          = "not_found"
	reasonForbidden         = "forbidden"
	reasonQueryFailed       = "query_failed"
	reasonInsertFailed      = "insert_failed"
	reasonUpdateFailed      = "update_failed"
	reasonDeleteFailed      = "delete_failed"
	reasonIDFailed          = "id_generation_failed"
	reasonVersionNotFound   = "version_not_found"
)

func newServiceError(operation, reason string, cause error) error {
	code := fmt.Sprintf("%s.%s", operation, reason)
	return &ServiceError{code: code, err: cause}
}

// persistenceError wraps a storage failure so that it matches ErrPersistence.
func persistenceError(operation, reason string, cause error) error {
	return newServiceError(operation, reason, fmt.Errorf("%w: %v", ErrPersistence, cause))
}

// ErrorCode extracts the ServiceError code, if any.
func ErrorCode(err error) string {
	var serviceErr *ServiceError
	if errors.As(err, &serviceErr) {
		return serviceErr.Code()
	}
	return ""
}
