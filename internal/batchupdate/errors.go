// Package batchupdate stages partial bookmark updates in the coalescing store
// and drains them into the system of record under a cluster-wide lock.
package batchupdate

import (
	"errors"

	"github.com/MarcoPoloResearchLab/bookmarks/backend/internal/stagekey"
)

var (
	// ErrUnauthorized reports a credential that failed validation at apply time.
	ErrUnauthorized = errors.New("batchupdate: unauthorized")
	// ErrNotFound reports a bookmark that does not exist for the credential's owner.
	ErrNotFound = errors.New("batchupdate: bookmark not found")
	// ErrConflict reports a uniqueness collision while applying tags or a collection.
	ErrConflict = errors.New("batchupdate: conflict")
	// ErrApply reports any other apply failure, including malformed staged values.
	ErrApply = errors.New("batchupdate: apply failed")
	// ErrInvalidRequest reports an update request missing its resource id or credential.
	ErrInvalidRequest = errors.New("batchupdate: invalid update request")
)

// Error classes reported in logs, metrics and pass reports.
const (
	ClassDecode       = "decode"
	ClassUnauthorized = "unauthorized"
	ClassNotFound     = "not_found"
	ClassConflict     = "conflict"
	ClassApply        = "apply"
)

// Classify maps a drain error onto its error class.
func Classify(err error) string {
	switch {
	case errors.Is(err, stagekey.ErrDecode):
		return ClassDecode
	case errors.Is(err, ErrUnauthorized):
		return ClassUnauthorized
	case errors.Is(err, ErrNotFound):
		return ClassNotFound
	case errors.Is(err, ErrConflict):
		return ClassConflict
	default:
		return ClassApply
	}
}
