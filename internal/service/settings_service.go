package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"settings-service/internal/audit"
	"settings-service/internal/model"
	"settings-service/internal/repository"
	"settings-service/internal/util"
)

var (
	ErrUnauthorized = errors.New("unauthorized")
	ErrNotFound     = errors.New("not found")
	ErrConflict     = errors.New("version conflict")
	ErrInvalidInput = errors.New("invalid input")
	ErrUnavailable  = errors.New("temporarily unavailable")
)

// Section names used for patch routing and audit records.
const (
	SectionCommunication   = "communication"
	SectionShippingPayment = "shippingPayment"
	SectionSecurity        = "security"
)

// SettingsService owns the account-settings business rules: read-through
// default creation, version bumping, the single-default-address invariant,
// lifecycle transitions, and sync reconciliation. Every write goes through a
// conditional save keyed on the version that was read; a lost race surfaces
// ErrConflict and the caller rereads and retries.
type SettingsService struct {
	store    repository.SettingsStore
	sessions repository.SessionAuthority
	recorder *audit.Recorder
	logger   *zap.Logger
}

// NewSettingsService creates a new settings service. sessions and recorder
// may be nil; the corresponding side effects are skipped.
func NewSettingsService(
	store repository.SettingsStore,
	sessions repository.SessionAuthority,
	recorder *audit.Recorder,
	logger *zap.Logger,
) *SettingsService {
	return &SettingsService{
		store:    store,
		sessions: sessions,
		recorder: recorder,
		logger:   logger,
	}
}

// authorize enforces the uniform access rule: a caller may only touch the
// document whose userId equals their authenticated identity. No role
// bypasses this.
func (s *SettingsService) authorize(callerID, userID string) error {
	if callerID == "" || callerID != userID {
		return ErrUnauthorized
	}
	return nil
}

// GetSettings returns the caller's settings document, synthesizing and
// persisting the default document on first access.
func (s *SettingsService) GetSettings(ctx context.Context, callerID, userID string) (*model.AccountSettings, error) {
	if err := s.authorize(callerID, userID); err != nil {
		return nil, err
	}
	return s.loadOrCreate(ctx, userID)
}

// ReplaceSettings replaces the entire document. The stored version is bumped
// from whatever the server held, never taken from the client, and userId is
// pinned to the path parameter.
func (s *SettingsService) ReplaceSettings(ctx context.Context, callerID, userID string, incoming *model.AccountSettings) (*model.AccountSettings, error) {
	if err := s.authorize(callerID, userID); err != nil {
		return nil, err
	}
	if incoming == nil {
		return nil, fmt.Errorf("%w: missing document", ErrInvalidInput)
	}

	current, err := s.loadOrCreate(ctx, userID)
	if err != nil {
		return nil, err
	}

	doc := *incoming
	doc.UserID = userID
	doc.Version = current.Version + 1
	doc.LastUpdated = time.Now().UTC()
	doc.Normalize()
	if err := doc.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}

	if err := s.saveAt(ctx, &doc, current.Version); err != nil {
		return nil, err
	}

	s.record(ctx, audit.Entry{
		UserID:     userID,
		Operation:  audit.OpReplace,
		OldVersion: current.Version,
		NewVersion: doc.Version,
	})

	s.logger.Info("Settings replaced",
		util.String("user_id", userID),
		util.Int64("version", doc.Version))
	return &doc, nil
}

// UpdateCommunication fully replaces the communication section.
func (s *SettingsService) UpdateCommunication(ctx context.Context, callerID, userID string, section model.CommunicationSettings) error {
	return s.patchSection(ctx, callerID, userID, SectionCommunication, func(doc *model.AccountSettings) error {
		doc.Communication = section
		return nil
	})
}

// UpdateShippingPayment fully replaces the shippingPayment section,
// addresses included.
func (s *SettingsService) UpdateShippingPayment(ctx context.Context, callerID, userID string, section model.ShippingPaymentSettings) error {
	return s.patchSection(ctx, callerID, userID, SectionShippingPayment, func(doc *model.AccountSettings) error {
		doc.ShippingPayment = section
		return nil
	})
}

// UpdateSecurity fully replaces the security section.
func (s *SettingsService) UpdateSecurity(ctx context.Context, callerID, userID string, section model.SecuritySettings) error {
	return s.patchSection(ctx, callerID, userID, SectionSecurity, func(doc *model.AccountSettings) error {
		doc.Security = section
		return nil
	})
}

// patchSection applies a section replacement with the shared bump-and-save
// side effects. Other sections are left untouched.
func (s *SettingsService) patchSection(ctx context.Context, callerID, userID, section string, apply func(*model.AccountSettings) error) error {
	if err := s.authorize(callerID, userID); err != nil {
		return err
	}

	doc, err := s.loadOrCreate(ctx, userID)
	if err != nil {
		return err
	}

	readVersion := doc.Version
	if err := apply(doc); err != nil {
		return err
	}
	doc.Version = readVersion + 1
	doc.LastUpdated = time.Now().UTC()
	doc.Normalize()
	if err := doc.Validate(); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}

	if err := s.saveAt(ctx, doc, readVersion); err != nil {
		return err
	}

	s.record(ctx, audit.Entry{
		UserID:     userID,
		Operation:  audit.OpPatchSection,
		Section:    section,
		OldVersion: readVersion,
		NewVersion: doc.Version,
	})

	s.logger.Info("Settings section updated",
		util.String("user_id", userID),
		util.String("section", section),
		util.Int64("version", doc.Version))
	return nil
}

// AddAddress appends a delivery address with a fresh server-generated id.
// The first address, or an incoming default, demotes every other entry.
func (s *SettingsService) AddAddress(ctx context.Context, callerID, userID string, addr model.Address) (*model.Address, error) {
	if err := s.authorize(callerID, userID); err != nil {
		return nil, err
	}
	if err := addr.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}

	doc, err := s.loadOrCreate(ctx, userID)
	if err != nil {
		return nil, err
	}
	readVersion := doc.Version

	now := time.Now().UTC()
	addr.ID = model.NewAddressID(now)

	if addr.IsDefault || len(doc.ShippingPayment.DeliveryAddresses) == 0 {
		for i := range doc.ShippingPayment.DeliveryAddresses {
			doc.ShippingPayment.DeliveryAddresses[i].IsDefault = false
		}
		addr.IsDefault = true
	}

	doc.ShippingPayment.DeliveryAddresses = append(doc.ShippingPayment.DeliveryAddresses, addr)
	doc.Version = readVersion + 1
	doc.LastUpdated = now
	doc.Normalize()

	if err := s.saveAt(ctx, doc, readVersion); err != nil {
		return nil, err
	}

	s.record(ctx, audit.Entry{
		UserID:     userID,
		Operation:  audit.OpAddAddress,
		Section:    SectionShippingPayment,
		OldVersion: readVersion,
		NewVersion: doc.Version,
	})

	s.logger.Info("Delivery address added",
		util.String("user_id", userID),
		util.String("address_id", addr.ID),
		util.Bool("is_default", addr.IsDefault))
	return &addr, nil
}

// RemoveAddress removes the address with the given id. Removing an unknown
// id succeeds and leaves the document untouched. Removing the default does
// not promote another entry.
func (s *SettingsService) RemoveAddress(ctx context.Context, callerID, userID, addressID string) error {
	if err := s.authorize(callerID, userID); err != nil {
		return err
	}

	doc, err := s.loadOrCreate(ctx, userID)
	if err != nil {
		return err
	}
	readVersion := doc.Version

	addresses := doc.ShippingPayment.DeliveryAddresses
	kept := make([]model.Address, 0, len(addresses))
	for _, a := range addresses {
		if a.ID != addressID {
			kept = append(kept, a)
		}
	}
	if len(kept) == len(addresses) {
		// Idempotent no-op: nothing removed, nothing persisted.
		return nil
	}

	doc.ShippingPayment.DeliveryAddresses = kept
	doc.Version = readVersion + 1
	doc.LastUpdated = time.Now().UTC()

	if err := s.saveAt(ctx, doc, readVersion); err != nil {
		return err
	}

	s.record(ctx, audit.Entry{
		UserID:     userID,
		Operation:  audit.OpRemoveAddress,
		Section:    SectionShippingPayment,
		OldVersion: readVersion,
		NewVersion: doc.Version,
	})

	s.logger.Info("Delivery address removed",
		util.String("user_id", userID),
		util.String("address_id", addressID))
	return nil
}

// Deactivate marks the account deactivated and signals the session
// authority to revoke every active session. Session revocation is
// fire-and-forget: a failure is logged, not retried, and never rolls back
// the deactivation.
func (s *SettingsService) Deactivate(ctx context.Context, callerID, userID, reason string) error {
	if err := s.authorize(callerID, userID); err != nil {
		return err
	}

	doc, err := s.loadOrCreate(ctx, userID)
	if err != nil {
		return err
	}
	readVersion := doc.Version

	now := time.Now().UTC()
	doc.AccountManagement.AccountStatus = model.StatusDeactivated
	doc.AccountManagement.DeactivationReason = util.SanitizeInput(reason)
	doc.AccountManagement.DeactivatedAt = &now
	doc.Version = readVersion + 1
	doc.LastUpdated = now

	if err := s.saveAt(ctx, doc, readVersion); err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if s.sessions == nil {
			return nil
		}
		if err := s.sessions.InvalidateAllSessions(gctx, userID); err != nil {
			s.logger.Error("Session invalidation failed after deactivation",
				util.String("user_id", userID),
				util.ErrorField(err))
		}
		return nil
	})
	g.Go(func() error {
		s.record(gctx, audit.Entry{
			UserID:     userID,
			Operation:  audit.OpDeactivate,
			OldVersion: readVersion,
			NewVersion: doc.Version,
			OccurredAt: now,
		})
		return nil
	})
	_ = g.Wait()

	s.logger.Warn("Account deactivated",
		util.String("user_id", userID),
		util.Int64("version", doc.Version))
	return nil
}

// Reactivate flips a deactivated account back to active and clears the
// deactivation metadata.
func (s *SettingsService) Reactivate(ctx context.Context, callerID, userID string) error {
	if err := s.authorize(callerID, userID); err != nil {
		return err
	}

	doc, err := s.loadOrCreate(ctx, userID)
	if err != nil {
		return err
	}
	if doc.AccountManagement.AccountStatus != model.StatusDeactivated {
		return fmt.Errorf("%w: account is not deactivated", ErrInvalidInput)
	}
	readVersion := doc.Version

	doc.AccountManagement.AccountStatus = model.StatusActive
	doc.AccountManagement.DeactivationReason = ""
	doc.AccountManagement.DeactivatedAt = nil
	doc.Version = readVersion + 1
	doc.LastUpdated = time.Now().UTC()

	if err := s.saveAt(ctx, doc, readVersion); err != nil {
		return err
	}

	s.record(ctx, audit.Entry{
		UserID:     userID,
		Operation:  audit.OpReactivate,
		OldVersion: readVersion,
		NewVersion: doc.Version,
	})

	s.logger.Info("Account reactivated", util.String("user_id", userID))
	return nil
}

// RequestDeletion records a deletion request on the document. Nothing is
// erased here; execution belongs to an external asynchronous process.
func (s *SettingsService) RequestDeletion(ctx context.Context, callerID, userID, reason string) error {
	if err := s.authorize(callerID, userID); err != nil {
		return err
	}

	doc, err := s.loadOrCreate(ctx, userID)
	if err != nil {
		return err
	}
	readVersion := doc.Version

	now := time.Now().UTC()
	doc.AccountManagement.DeletionReason = util.SanitizeInput(reason)
	doc.AccountManagement.DeletionRequestedAt = &now
	doc.Version = readVersion + 1
	doc.LastUpdated = now

	if err := s.saveAt(ctx, doc, readVersion); err != nil {
		return err
	}

	s.record(ctx, audit.Entry{
		UserID:     userID,
		Operation:  audit.OpDeletionRequest,
		OldVersion: readVersion,
		NewVersion: doc.Version,
		OccurredAt: now,
	})

	s.logger.Warn("Account deletion requested",
		util.String("user_id", userID),
		util.Int64("version", doc.Version))
	return nil
}

// RequestDataExport creates a pending export job record under its own key.
func (s *SettingsService) RequestDataExport(ctx context.Context, callerID, userID string) (*model.ExportRequest, error) {
	if err := s.authorize(callerID, userID); err != nil {
		return nil, err
	}

	req := &model.ExportRequest{
		RequestID:   model.NewExportRequestID(),
		UserID:      userID,
		Status:      model.ExportStatusPending,
		RequestedAt: time.Now().UTC(),
	}
	if err := s.store.CreateExportRequest(ctx, req); err != nil {
		return nil, fmt.Errorf("failed to create export request: %w", err)
	}

	s.record(ctx, audit.Entry{
		UserID:     userID,
		Operation:  audit.OpExportRequest,
		OccurredAt: req.RequestedAt,
	})
	return req, nil
}

// ListExportRequests returns the caller's recorded export jobs.
func (s *SettingsService) ListExportRequests(ctx context.Context, callerID, userID string) ([]*model.ExportRequest, error) {
	if err := s.authorize(callerID, userID); err != nil {
		return nil, err
	}
	requests, err := s.store.ListExportRequests(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to list export requests: %w", err)
	}
	return requests, nil
}

// Sync reconciles a client-held snapshot against the server copy:
// whole-document, version-gated last-writer-wins. A client strictly ahead of
// the server replaces the server copy verbatim; otherwise the server copy
// stands and the client submission is discarded. Concurrent edits on the
// losing side are dropped by contract, not merged.
func (s *SettingsService) Sync(ctx context.Context, callerID, userID string, clientDoc *model.AccountSettings) (*model.AccountSettings, error) {
	if err := s.authorize(callerID, userID); err != nil {
		return nil, err
	}
	if clientDoc == nil {
		return nil, fmt.Errorf("%w: missing document", ErrInvalidInput)
	}

	doc := *clientDoc
	doc.UserID = userID
	if doc.Version < 1 {
		doc.Version = 1
	}
	doc.Normalize()
	if err := doc.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}

	serverDoc, err := s.store.Load(ctx, userID)
	if err != nil {
		if !errors.Is(err, repository.ErrNotFound) {
			return nil, fmt.Errorf("failed to load settings: %w", err)
		}
		// No server copy: the client snapshot becomes authoritative.
		if err := s.saveAt(ctx, &doc, 0); err != nil {
			return nil, err
		}
		s.record(ctx, audit.Entry{
			UserID:     userID,
			Operation:  audit.OpSyncClientWins,
			NewVersion: doc.Version,
		})
		return &doc, nil
	}

	if doc.Version > serverDoc.Version {
		if err := s.saveAt(ctx, &doc, serverDoc.Version); err != nil {
			return nil, err
		}
		s.record(ctx, audit.Entry{
			UserID:     userID,
			Operation:  audit.OpSyncClientWins,
			OldVersion: serverDoc.Version,
			NewVersion: doc.Version,
		})
		s.logger.Info("Sync adopted client document",
			util.String("user_id", userID),
			util.Int64("server_version", serverDoc.Version),
			util.Int64("client_version", doc.Version))
		return &doc, nil
	}

	s.record(ctx, audit.Entry{
		UserID:     userID,
		Operation:  audit.OpSyncServerWins,
		OldVersion: doc.Version,
		NewVersion: serverDoc.Version,
	})
	s.logger.Debug("Sync kept server document",
		util.String("user_id", userID),
		util.Int64("server_version", serverDoc.Version),
		util.Int64("client_version", doc.Version))
	return serverDoc, nil
}

// ChangeHistory returns the caller's recorded mutations, newest first.
// Serving reads requires the audit trail to be configured; without it the
// history is unavailable, not empty.
func (s *SettingsService) ChangeHistory(ctx context.Context, callerID, userID string, limit int) ([]audit.Entry, error) {
	if err := s.authorize(callerID, userID); err != nil {
		return nil, err
	}
	if limit <= 0 || limit > 500 {
		limit = 50
	}
	if s.recorder == nil {
		return nil, ErrUnavailable
	}

	entries, err := s.recorder.History(ctx, userID, limit)
	if err != nil {
		if errors.Is(err, audit.ErrUnavailable) {
			return nil, ErrUnavailable
		}
		return nil, fmt.Errorf("failed to load change history: %w", err)
	}
	return entries, nil
}

// HealthCheck verifies the underlying store.
func (s *SettingsService) HealthCheck(ctx context.Context) error {
	if err := s.store.HealthCheck(ctx); err != nil {
		return fmt.Errorf("settings store health check failed: %w", err)
	}
	return nil
}

// loadOrCreate loads the document for userID, synthesizing and persisting
// the default document on first access. A lost creation race falls back to
// the winner's document.
func (s *SettingsService) loadOrCreate(ctx context.Context, userID string) (*model.AccountSettings, error) {
	doc, err := s.store.Load(ctx, userID)
	if err == nil {
		doc.Normalize()
		return doc, nil
	}
	if !errors.Is(err, repository.ErrNotFound) {
		return nil, fmt.Errorf("failed to load settings: %w", err)
	}

	doc = model.DefaultAccountSettings(userID, time.Now().UTC())
	if err := s.store.SaveIfVersion(ctx, doc, 0); err != nil {
		if errors.Is(err, repository.ErrVersionConflict) {
			// Another request created the document first; use theirs.
			return s.store.Load(ctx, userID)
		}
		return nil, fmt.Errorf("failed to create default settings: %w", err)
	}

	s.record(ctx, audit.Entry{
		UserID:     userID,
		Operation:  audit.OpCreateDefault,
		NewVersion: doc.Version,
	})
	s.logger.Info("Default settings created", util.String("user_id", userID))
	return doc, nil
}

// saveAt persists doc conditionally on the version that was read and maps a
// lost race to ErrConflict for the caller to retry.
func (s *SettingsService) saveAt(ctx context.Context, doc *model.AccountSettings, readVersion int64) error {
	if err := s.store.SaveIfVersion(ctx, doc, readVersion); err != nil {
		if errors.Is(err, repository.ErrVersionConflict) {
			return fmt.Errorf("%w: settings changed since read, retry", ErrConflict)
		}
		return fmt.Errorf("failed to save settings: %w", err)
	}
	return nil
}

func (s *SettingsService) record(ctx context.Context, entry audit.Entry) {
	if s.recorder != nil {
		s.recorder.Record(ctx, entry)
	}
}
