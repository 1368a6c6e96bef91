package domain

import (
	"errors"
	"fmt"
)

var (
	ErrInvalidScope      = errors.New("invalid_scope")
	ErrInvalidTenant     = errors.New("invalid_tenant")
	ErrInvalidSubScope   = errors.New("invalid_sub_scope")
	ErrInvalidFeature    = errors.New("invalid_feature")
	ErrInvalidPeriod     = errors.New("invalid_period")
	ErrInvalidPercent    = errors.New("invalid_percent")
	ErrInvalidLimit      = errors.New("invalid_limit")
	ErrInvalidTrigger    = errors.New("invalid_trigger")
	ErrBufferClosed      = errors.New("buffer_closed")
	ErrFlushLeaseHeld    = errors.New("flush_lease_held")
	ErrAuthorityRequired = errors.New("authority_required")
)

// Remote outcome taxonomy. Authority adapters map transport failures onto these.
var (
	ErrRemoteTransient = errors.New("remote_transient")
	ErrRemoteDuplicate = errors.New("remote_duplicate")
	ErrRemoteRejected  = errors.New("remote_rejected")
)

// ErrStorageFatal marks local storage failures. They are never retried.
var ErrStorageFatal = errors.New("storage_fatal")

// StorageError wraps a failure of the embedded store.
type StorageError struct {
	Op  string
	Err error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("%s: %s: %v", ErrStorageFatal.Error(), e.Op, e.Err)
}

func (e *StorageError) Unwrap() error { return e.Err }

func (e *StorageError) Is(target error) bool {
	return target == ErrStorageFatal
}

// Storage wraps err as a StorageError unless it is nil or already one.
func Storage(op string, err error) error {
	if err == nil {
		return nil
	}
	var se *StorageError
	if errors.As(err, &se) {
		return err
	}
	return &StorageError{Op: op, Err: err}
}
