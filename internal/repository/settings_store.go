// Package repository defines the persistence contracts for the settings
// service and the sentinel errors used for stable error mapping across
// layers.
package repository

import (
	"context"
	"errors"

	"settings-service/internal/model"
)

var (
	// ErrNotFound indicates the requested document or record does not exist.
	ErrNotFound = errors.New("not found")

	// ErrVersionConflict indicates a conditional write lost the race: the
	// stored version no longer matches the version the caller read.
	ErrVersionConflict = errors.New("version conflict")
)

// SettingsStore persists settings documents keyed by user ID. The store does
// not bump or police versions itself; that rule lives in the service layer.
type SettingsStore interface {
	// Load returns the document for userID, or ErrNotFound.
	Load(ctx context.Context, userID string) (*model.AccountSettings, error)

	// Save persists the document verbatim, unconditionally.
	Save(ctx context.Context, doc *model.AccountSettings) error

	// SaveIfVersion persists the document only while the stored version
	// still equals expectedVersion. expectedVersion 0 means the key must
	// not exist yet. Returns ErrVersionConflict otherwise.
	SaveIfVersion(ctx context.Context, doc *model.AccountSettings, expectedVersion int64) error

	// CreateExportRequest records a pending data-export job under its own
	// key, outside the settings document.
	CreateExportRequest(ctx context.Context, req *model.ExportRequest) error

	// ListExportRequests returns the export jobs recorded for userID.
	ListExportRequests(ctx context.Context, userID string) ([]*model.ExportRequest, error)

	HealthCheck(ctx context.Context) error
}

// SessionAuthority invalidates a user's active sessions. Deactivation calls
// it fire-and-forget: failures are logged, never retried, and never roll the
// deactivation back.
type SessionAuthority interface {
	InvalidateAllSessions(ctx context.Context, userID string) error
}
